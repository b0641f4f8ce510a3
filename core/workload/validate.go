// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workload

import (
	"regexp"

	"github.com/juju/errors"
)

// Identity strings become part of resource names, so they are held to
// the strictest common subset of the naming rules of the resources
// they seed (bucket names, database identifiers, principal names).
var validIdentity = regexp.MustCompile(`^[a-z][a-z0-9-]{1,39}$`)

// Validate checks the spec for structural problems. It is called
// before any resource mutation; a failure here guarantees the control
// plane has not been touched.
func (s Spec) Validate() error {
	if s.Identity == "" {
		return errors.NotValidf("workload with empty identity")
	}
	if !validIdentity.MatchString(s.Identity) {
		return errors.NotValidf("identity %q", s.Identity)
	}
	if s.Region == "" {
		return errors.NotValidf("workload %q without a region", s.Identity)
	}
	if s.Domain != nil {
		if s.Domain.Domain == "" && s.Domain.DNSZoneID == "" {
			return errors.NotValidf("empty custom domain")
		}
		// The two inputs are coupled: a certificate without an alias
		// record (or the reverse) leaves a half-configured domain.
		if s.Domain.Domain == "" || s.Domain.DNSZoneID == "" {
			return errors.NotValidf("custom domain %q with DNS zone %q: both must be supplied",
				s.Domain.Domain, s.Domain.DNSZoneID)
		}
	}
	switch s.Kind {
	case StaticSite:
		return s.validateStaticSite()
	case ContainerService:
		return s.validateContainerService()
	case "":
		return errors.NotValidf("workload %q without a kind", s.Identity)
	default:
		return errors.NotValidf("workload kind %q", s.Kind)
	}
}

func (s Spec) validateStaticSite() error {
	if s.ContainerImage != "" || s.Database != nil || s.Scaling != nil {
		return errors.NotValidf("container service fields on static site %q", s.Identity)
	}
	switch s.DeliveryTier {
	case "", DeliveryTierEconomy, DeliveryTierRegional, DeliveryTierGlobal:
	default:
		return errors.NotValidf("delivery tier %q", s.DeliveryTier)
	}
	seen := make(map[string]bool)
	for _, folder := range s.SiteFolders {
		if !validIdentity.MatchString(folder) {
			return errors.NotValidf("site folder %q", folder)
		}
		if seen[folder] {
			return errors.NotValidf("duplicate site folder %q", folder)
		}
		seen[folder] = true
	}
	return nil
}

func (s Spec) validateContainerService() error {
	if len(s.SiteFolders) > 0 || s.RootObject != "" || s.ErrorObject != "" || s.DeliveryTier != "" {
		return errors.NotValidf("static site fields on container service %q", s.Identity)
	}
	if s.ContainerImage == "" {
		return errors.NotValidf("container service %q without an image", s.Identity)
	}
	if s.ContainerPort < 0 || s.ContainerPort > 65535 {
		return errors.NotValidf("container port %d", s.ContainerPort)
	}
	if s.Scaling != nil {
		if s.Scaling.Min < 1 || s.Scaling.Max < s.Scaling.Min {
			return errors.NotValidf("scaling bounds %d..%d", s.Scaling.Min, s.Scaling.Max)
		}
	}
	if s.Database != nil {
		switch s.Database.Engine {
		case EnginePostgres, EngineMySQL:
		case "":
			return errors.NotValidf("database without an engine")
		default:
			return errors.NotValidf("database engine %q", s.Database.Engine)
		}
		if s.Database.AllocatedStorage < 0 {
			return errors.NotValidf("database storage %dGiB", s.Database.AllocatedStorage)
		}
		if s.Database.MaxStorage != 0 && s.Database.MaxStorage < s.Database.AllocatedStorage {
			return errors.NotValidf("database storage bounds %d..%dGiB",
				s.Database.AllocatedStorage, s.Database.MaxStorage)
		}
	}
	return nil
}
