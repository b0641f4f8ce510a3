// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workload

// Default values applied to unset optional fields. These mirror the
// documented behaviour of the deployment modules the engine drives.
const (
	DefaultEnvironment     = "dev"
	DefaultRootObject      = "index.html"
	DefaultErrorObject     = "error.html"
	DefaultContainerPort   = 3000
	DefaultCPU             = 256
	DefaultMemory          = 512
	DefaultDesiredCount    = 1
	DefaultScalingMin      = 1
	DefaultScalingMax      = 5
	DefaultHealthCheckPath = "/"

	DefaultDatabaseVersion  = "14"
	DefaultDatabaseClass    = "db.t3.micro"
	DefaultDatabaseStorage  = 20
	DefaultDatabaseUsername = "dbadmin"
)

// WithDefaults returns a copy of the spec with unset optional fields
// filled in. The receiver is not modified.
func (s Spec) WithDefaults() Spec {
	out := s
	if out.Environment == "" {
		out.Environment = DefaultEnvironment
	}
	switch out.Kind {
	case StaticSite:
		if out.RootObject == "" {
			out.RootObject = DefaultRootObject
		}
		if out.ErrorObject == "" {
			out.ErrorObject = DefaultErrorObject
		}
		if out.DeliveryTier == "" {
			out.DeliveryTier = DeliveryTierEconomy
		}
	case ContainerService:
		if out.ContainerPort == 0 {
			out.ContainerPort = DefaultContainerPort
		}
		if out.CPU == 0 {
			out.CPU = DefaultCPU
		}
		if out.Memory == 0 {
			out.Memory = DefaultMemory
		}
		if out.DesiredCount == 0 {
			out.DesiredCount = DefaultDesiredCount
		}
		if out.Scaling == nil {
			out.Scaling = &ScalingBounds{Min: DefaultScalingMin, Max: DefaultScalingMax}
		}
		if out.HealthCheckPath == "" {
			out.HealthCheckPath = DefaultHealthCheckPath
		}
		if out.Database != nil {
			db := *out.Database
			if db.Version == "" && db.Engine == EnginePostgres {
				db.Version = DefaultDatabaseVersion
			}
			if db.InstanceClass == "" {
				db.InstanceClass = DefaultDatabaseClass
			}
			if db.AllocatedStorage == 0 {
				db.AllocatedStorage = DefaultDatabaseStorage
			}
			if db.Username == "" {
				db.Username = DefaultDatabaseUsername
			}
			if db.Name == "" {
				db.Name = databaseName(out.Identity)
			}
			out.Database = &db
		}
	}
	return out
}

// databaseName derives a database name from the workload identity.
// Database names cannot contain hyphens.
func databaseName(identity string) string {
	name := make([]byte, 0, len(identity))
	for i := 0; i < len(identity); i++ {
		c := identity[i]
		if c == '-' {
			c = '_'
		}
		name = append(name, c)
	}
	return string(name)
}
