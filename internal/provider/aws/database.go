// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"context"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
	"github.com/juju/clock"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/agentx/provisioner/internal/naming"
)

// RDSClient is the slice of the RDS API the database builder uses.
type RDSClient interface {
	DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error)
	CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error)
	CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error)
	ModifyDBInstance(ctx context.Context, params *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error)
}

const (
	dbBackupRetentionDays = 7

	dbWaitTimeout = 20 * time.Minute
	dbPollDelay   = 30 * time.Second
)

// DatabaseParams drives the database build. The identifier is minted
// by the caller via sticky naming: instances cannot be renamed in
// place, so the suffix must survive re-runs.
type DatabaseParams struct {
	InstanceID       string
	Engine           string
	Version          string
	InstanceClass    string
	AllocatedStorage int32
	MaxStorage       int32
	DBName           string
	Username         string
	Password         string
	Port             int32

	DataSubnets     []string
	SecurityGroupID string

	// DeletionProtection is forced on for production environments.
	DeletionProtection bool

	ExtraTags map[string]string
}

// DatabaseInstance describes the provisioned database endpoint.
type DatabaseInstance struct {
	ID   string
	ARN  string
	Host string
	Port int32
}

// DatabaseBuilder constructs the managed relational database for
// container service workloads that declare one.
type DatabaseBuilder struct {
	RDS   RDSClient
	Namer *naming.Namer
	Clock clock.Clock
}

// EnsureInstance resolves the database instance, creating it if
// missing, and blocks until its endpoint is known.
func (b *DatabaseBuilder) EnsureInstance(ctx context.Context, params DatabaseParams) (*DatabaseInstance, error) {
	existing, err := b.describe(ctx, params.InstanceID)
	if err != nil && !errors.Is(err, errors.NotFound) {
		return nil, errors.Trace(err)
	}
	if existing == nil {
		if err := b.ensureSubnetGroup(ctx, params); err != nil {
			return nil, errors.Trace(err)
		}
		if err := b.create(ctx, params); err != nil {
			return nil, errors.Trace(err)
		}
	} else if err := b.converge(ctx, existing, params); err != nil {
		return nil, errors.Trace(err)
	}
	return b.waitAvailable(ctx, params.InstanceID)
}

// converge pushes drift in the mutable instance attributes back to the
// requested values. Engine, storage layout and identity are fixed at
// creation; protection and sizing must track the spec, or a workload
// promoted to production keeps running on its dev settings.
func (b *DatabaseBuilder) converge(ctx context.Context, existing *rdstypes.DBInstance, params DatabaseParams) error {
	input := &rds.ModifyDBInstanceInput{
		DBInstanceIdentifier: sdkaws.String(params.InstanceID),
		ApplyImmediately:     sdkaws.Bool(true),
	}
	drifted := false
	if sdkaws.ToBool(existing.DeletionProtection) != params.DeletionProtection {
		input.DeletionProtection = sdkaws.Bool(params.DeletionProtection)
		drifted = true
	}
	if sdkaws.ToString(existing.DBInstanceClass) != params.InstanceClass {
		input.DBInstanceClass = sdkaws.String(params.InstanceClass)
		drifted = true
	}
	if params.MaxStorage > 0 && sdkaws.ToInt32(existing.MaxAllocatedStorage) != params.MaxStorage {
		input.MaxAllocatedStorage = sdkaws.Int32(params.MaxStorage)
		drifted = true
	}
	if !drifted {
		return nil
	}
	if _, err := b.RDS.ModifyDBInstance(ctx, input); err != nil {
		return errors.Annotatef(err, "modifying database instance %q", params.InstanceID)
	}
	logger.Infof("updated database instance %q", params.InstanceID)
	return nil
}

func (b *DatabaseBuilder) describe(ctx context.Context, id string) (*rdstypes.DBInstance, error) {
	out, err := b.RDS.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{
		DBInstanceIdentifier: sdkaws.String(id),
	})
	if err != nil {
		if hasErrorCode(err, "DBInstanceNotFound", "DBInstanceNotFoundFault") {
			return nil, errors.NotFoundf("database instance %q", id)
		}
		return nil, errors.Annotatef(err, "looking up database instance %q", id)
	}
	if len(out.DBInstances) == 0 {
		return nil, errors.NotFoundf("database instance %q", id)
	}
	return &out.DBInstances[0], nil
}

func (b *DatabaseBuilder) ensureSubnetGroup(ctx context.Context, params DatabaseParams) error {
	name := b.Namer.ResourceName(naming.RoleSubnetGroup)
	tags := b.Namer.Tags(name, params.ExtraTags)
	_, err := b.RDS.CreateDBSubnetGroup(ctx, &rds.CreateDBSubnetGroupInput{
		DBSubnetGroupName:        sdkaws.String(name),
		DBSubnetGroupDescription: sdkaws.String("data subnets for " + name),
		SubnetIds:                params.DataSubnets,
		Tags:                     rdsTags(tags),
	})
	if err != nil && !hasErrorCode(err, "DBSubnetGroupAlreadyExists") {
		return errors.Annotatef(err, "creating subnet group %q", name)
	}
	return nil
}

func (b *DatabaseBuilder) create(ctx context.Context, params DatabaseParams) error {
	tags := b.Namer.Tags(params.InstanceID, params.ExtraTags)
	input := &rds.CreateDBInstanceInput{
		DBInstanceIdentifier:  sdkaws.String(params.InstanceID),
		Engine:                sdkaws.String(params.Engine),
		DBInstanceClass:       sdkaws.String(params.InstanceClass),
		AllocatedStorage:      sdkaws.Int32(params.AllocatedStorage),
		DBName:                sdkaws.String(params.DBName),
		MasterUsername:        sdkaws.String(params.Username),
		MasterUserPassword:    sdkaws.String(params.Password),
		Port:                  sdkaws.Int32(params.Port),
		DBSubnetGroupName:     sdkaws.String(b.Namer.ResourceName(naming.RoleSubnetGroup)),
		VpcSecurityGroupIds:   []string{params.SecurityGroupID},
		PubliclyAccessible:    sdkaws.Bool(false),
		StorageEncrypted:      sdkaws.Bool(true),
		BackupRetentionPeriod: sdkaws.Int32(dbBackupRetentionDays),
		DeletionProtection:    sdkaws.Bool(params.DeletionProtection),
		Tags:                  rdsTags(tags),
	}
	// Zero means no autoscaling ceiling was requested; the field must be
	// omitted rather than sent as zero.
	if params.MaxStorage > 0 {
		input.MaxAllocatedStorage = sdkaws.Int32(params.MaxStorage)
	}
	// An empty version leaves the pick to the service; sending "" is
	// rejected outright.
	if params.Version != "" {
		input.EngineVersion = sdkaws.String(params.Version)
	}
	_, err := b.RDS.CreateDBInstance(ctx, input)
	if err != nil {
		if hasErrorCode(err, "DBInstanceAlreadyExists") {
			// Lost a race with a concurrent run; the winner's instance
			// is adopted by the wait below.
			return nil
		}
		return errors.Annotatef(err, "creating database instance %q", params.InstanceID)
	}
	logger.Infof("created database instance %q", params.InstanceID)
	return nil
}

// waitAvailable blocks until the instance reports an endpoint. New
// instances take many minutes to come up; a run that outlives the
// timeout surfaces it as a dependency timeout rather than hanging.
func (b *DatabaseBuilder) waitAvailable(ctx context.Context, id string) (*DatabaseInstance, error) {
	var instance *DatabaseInstance
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			db, err := b.describe(ctx, id)
			if err != nil {
				return errors.Trace(err)
			}
			if sdkaws.ToString(db.DBInstanceStatus) != "available" || db.Endpoint == nil {
				return errors.NotYetAvailablef("database instance %q", id)
			}
			instance = &DatabaseInstance{
				ID:   id,
				ARN:  sdkaws.ToString(db.DBInstanceArn),
				Host: sdkaws.ToString(db.Endpoint.Address),
				Port: sdkaws.ToInt32(db.Endpoint.Port),
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return !errors.Is(err, errors.NotYetAvailable)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("waiting for database instance %q (attempt %d)", id, attempt)
		},
		Attempts:    -1,
		Delay:       dbPollDelay,
		MaxDuration: dbWaitTimeout,
		Clock:       b.Clock,
		Stop:        ctx.Done(),
	})
	if retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err) {
		return nil, errors.Timeoutf("database instance %q did not become available", id)
	}
	if err != nil {
		return nil, errors.Trace(err)
	}
	return instance, nil
}

func rdsTags(tags map[string]string) []rdstypes.Tag {
	return transform.Slice(sortedKeys(tags), func(k string) rdstypes.Tag {
		return rdstypes.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])}
	})
}
