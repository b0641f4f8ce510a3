// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing holds in-memory simulators of the cloud services the
// builders drive. Each simulator keeps just enough state to answer the
// calls the builders make, and returns the same error codes the real
// services would, so reconciliation paths can be exercised offline.
package testing

import (
	"fmt"

	"github.com/aws/smithy-go"
)

// apiError fabricates a service error carrying the given code, the way
// the SDK surfaces them.
func apiError(code, format string, args ...any) error {
	return &smithy.GenericAPIError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}
