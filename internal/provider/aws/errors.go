// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// hasErrorCode reports whether err is an AWS API error carrying one of
// the given codes.
func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}

// conflictf builds the error returned when a resource with one of our
// derived names already exists but is not ours to adopt. The engine
// refuses to overwrite rather than silently adopting a foreign
// resource.
func conflictf(format string, args ...interface{}) error {
	return errors.AlreadyExistsf(format, args...)
}

// foreignResourceErr reports an existing resource whose Managed tag
// does not match ours.
func foreignResourceErr(kind, name, managedBy string) error {
	if managedBy == "" {
		return conflictf("%s %q owned by an unmanaged deployment", kind, name)
	}
	return conflictf("%s %q managed by %q", kind, name, managedBy)
}
