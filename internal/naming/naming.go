// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package naming derives collision-resistant, human-readable resource
// names and a consistent label set from workload identity and
// environment. Names are pure functions of identity and role, so
// re-resolving a workload's topology always lands on the same
// resources.
package naming

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// Role distinguishes the resources a single workload creates. Mixing
// the role into every name keeps, say, a task execution role from
// colliding with a secret under the same identity.
type Role string

const (
	RoleBucket        Role = "site"
	RoleDistribution  Role = "cdn"
	RoleOriginAccess  Role = "oac"
	RoleDeployer      Role = "deployer"
	RoleVPC           Role = "vpc"
	RolePublicSubnet  Role = "public"
	RolePrivateSubnet Role = "private"
	RoleDataSubnet    Role = "data"
	RoleGateway       Role = "igw"
	RoleNATGateway    Role = "nat"
	RoleALBGroup      Role = "alb-sg"
	RoleServiceGroup  Role = "svc-sg"
	RoleDatabaseGroup Role = "db-sg"
	RoleCluster       Role = "cluster"
	RoleTaskFamily    Role = "task"
	RoleService       Role = "service"
	RoleLoadBalancer  Role = "alb"
	RoleTargetGroup   Role = "tg"
	RoleExecutionRole Role = "exec-role"
	RoleDatabase      Role = "db"
	RoleSubnetGroup   Role = "db-subnets"
	RoleDBSecret      Role = "db-secret"
	RoleKeySecret     Role = "deployer-key"
	RoleLogGroup      Role = "logs"
)

// DisambiguatorStore persists the creation-time suffixes minted for
// rename-hostile resources. Implementations must return what was
// recorded for a key on every subsequent lookup; losing a recorded
// suffix orphans the live resource it names.
type DisambiguatorStore interface {
	// Lookup returns the recorded value for key, or found=false.
	Lookup(ctx context.Context, key string) (value string, found bool, err error)

	// Record stores value under key. Recording a key twice is an
	// error; the first value wins.
	Record(ctx context.Context, key, value string) error
}

// Namer derives names and tags for one workload.
type Namer struct {
	identity    string
	environment string
	store       DisambiguatorStore
}

// NewNamer returns a Namer for the given workload identity. The store
// may be nil if no sticky names will be resolved.
func NewNamer(identity, environment string, store DisambiguatorStore) *Namer {
	return &Namer{
		identity:    identity,
		environment: environment,
		store:       store,
	}
}

// ResourceName derives the name for a resource role, with optional
// extra qualifiers (an availability zone index, a tenant folder).
// Identical inputs always produce identical names.
func (n *Namer) ResourceName(role Role, extra ...string) string {
	parts := append([]string{n.identity, string(role)}, extra...)
	return strings.Join(parts, "-")
}

// StickyName derives the name for a resource whose platform forbids
// renaming after creation (databases, secrets, log groups). The first
// resolution mints a random suffix and records it; every later
// resolution reuses the recorded suffix, so the live resource is never
// orphaned by a re-apply.
func (n *Namer) StickyName(ctx context.Context, role Role) (string, error) {
	if n.store == nil {
		return "", errors.Errorf("no disambiguator store configured for sticky role %q", role)
	}
	key := n.identity + "/" + string(role)
	suffix, found, err := n.store.Lookup(ctx, key)
	if err != nil {
		return "", errors.Trace(err)
	}
	if !found {
		suffix = uuid.NewString()[:8]
		if err := n.store.Record(ctx, key, suffix); err != nil {
			return "", errors.Trace(err)
		}
	}
	return n.ResourceName(role, suffix), nil
}

// Reserved tag keys that caller-supplied tags may not override.
const (
	tagName    = "Name"
	tagManaged = "Managed"

	// managedBy marks every resource the engine creates; adoption of
	// a resource carrying a different marker is refused as a
	// conflict.
	managedBy = "agentx-provisioner"
)

// ManagedBy returns the value of the Managed tag the engine stamps on
// everything it creates.
func ManagedBy() string {
	return managedBy
}

// Tags merges the fixed base label set with caller-supplied tags. The
// caller wins on collision except for the identity-critical keys Name
// and Managed.
func (n *Namer) Tags(name string, extra map[string]string) map[string]string {
	tags := map[string]string{
		"Project":     n.identity,
		"Environment": n.environment,
		"Provisioned": "agentx",
	}
	for k, v := range extra {
		tags[k] = v
	}
	tags[tagName] = name
	tags[tagManaged] = managedBy
	return tags
}
