// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workload defines the declarative specification accepted by
// the provisioning engine. A Spec describes a single unit of
// deployment, either a static website served from object storage
// through a CDN, or a containerised network service with an optional
// managed database.
package workload

// Kind identifies which of the two supported topologies a Spec
// describes.
type Kind string

const (
	// StaticSite is an object-storage backed website fronted by a
	// delivery distribution, optionally multi-tenant (one bucket,
	// many site folders).
	StaticSite Kind = "static-site"

	// ContainerService is a containerised service behind a load
	// balancer, auto-scaled, with an optional relational database.
	ContainerService Kind = "container-service"
)

// CustomDomain couples a DNS name with the zone that hosts it. Both
// fields must be supplied together; a domain without a zone (or vice
// versa) fails validation rather than silently skipping the alias
// record.
type CustomDomain struct {
	Domain    string `yaml:"domain"`
	DNSZoneID string `yaml:"dns-zone-id"`
}

// EnvVar is a single container environment variable. Order is
// preserved as supplied.
type EnvVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Database describes the optional managed relational instance
// attached to a container service.
type Database struct {
	Engine           string `yaml:"engine"`
	Version          string `yaml:"version,omitempty"`
	InstanceClass    string `yaml:"instance-class,omitempty"`
	AllocatedStorage int32  `yaml:"allocated-storage,omitempty"`
	MaxStorage       int32  `yaml:"max-storage,omitempty"`
	Username         string `yaml:"username,omitempty"`
	Name             string `yaml:"name,omitempty"`
}

// ScalingBounds holds the auto-scaling capacity range for a container
// service.
type ScalingBounds struct {
	Min int32 `yaml:"min"`
	Max int32 `yaml:"max"`
}

// Spec is the immutable input to the engine. The engine never mutates
// caller-supplied identity strings; defaults are applied to a copy.
type Spec struct {
	Kind        Kind              `yaml:"kind"`
	Identity    string            `yaml:"identity"`
	Environment string            `yaml:"environment,omitempty"`
	Region      string            `yaml:"region"`
	Domain      *CustomDomain     `yaml:"custom-domain,omitempty"`
	Tags        map[string]string `yaml:"tags,omitempty"`

	// Static site fields.
	SiteFolders  []string `yaml:"site-folders,omitempty"`
	RootObject   string   `yaml:"root-object,omitempty"`
	ErrorObject  string   `yaml:"error-object,omitempty"`
	DeliveryTier string   `yaml:"delivery-tier,omitempty"`

	// Container service fields.
	ContainerImage  string         `yaml:"container-image,omitempty"`
	ContainerPort   int32          `yaml:"container-port,omitempty"`
	CPU             int32          `yaml:"cpu,omitempty"`
	Memory          int32          `yaml:"memory,omitempty"`
	DesiredCount    int32          `yaml:"desired-count,omitempty"`
	Scaling         *ScalingBounds `yaml:"scaling,omitempty"`
	HealthCheckPath string         `yaml:"health-check-path,omitempty"`
	EnvVars         []EnvVar       `yaml:"env,omitempty"`
	Database        *Database      `yaml:"database,omitempty"`
}

// MultiTenant reports whether a static site spec shares its bucket and
// distribution between several site folders. An empty folder set means
// a single-tenant site served from the bucket root.
func (s Spec) MultiTenant() bool {
	return s.Kind == StaticSite && len(s.SiteFolders) > 0
}

// HasDatabase reports whether a container service spec requests a
// managed database.
func (s Spec) HasDatabase() bool {
	return s.Kind == ContainerService && s.Database != nil
}

// Delivery tiers, in increasing geographic coverage (and cost).
const (
	DeliveryTierEconomy  = "economy"
	DeliveryTierRegional = "regional"
	DeliveryTierGlobal   = "global"
)

// Database engines supported by the compute builder.
const (
	EnginePostgres = "postgres"
	EngineMySQL    = "mysql"
)

// EnginePort returns the canonical port for a database engine. The
// engine must already have passed validation.
func EnginePort(engine string) int32 {
	switch engine {
	case EngineMySQL:
		return 3306
	default:
		return 5432
	}
}
