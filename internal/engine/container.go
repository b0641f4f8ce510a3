// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/juju/errors"

	"github.com/agentx/provisioner/core/descriptor"
	"github.com/agentx/provisioner/core/workload"
	"github.com/agentx/provisioner/internal/naming"
	"github.com/agentx/provisioner/internal/provider/aws"
	"github.com/agentx/provisioner/internal/secrets"
)

// productionEnvironment is the environment name that forces deletion
// protection on stateful resources.
const productionEnvironment = "prod"

// provisionContainerService builds the container service topology. The
// network on one side and the cluster, log sink and certificate on the
// other are independent, so the two branches run concurrently; the
// database (when declared), execution role, load balancer and service
// then follow in dependency order.
func (e *Engine) provisionContainerService(ctx context.Context, spec workload.Spec, namer *naming.Namer) (*descriptor.Descriptor, error) {
	network := &aws.NetworkBuilder{
		EC2:   e.clients.EC2,
		Namer: namer,
		Clock: e.clock,
	}
	compute := &aws.ComputeBuilder{
		ECS:         e.clients.ECS,
		ELB:         e.clients.ELB,
		AutoScaling: e.clients.AutoScaling,
		Logs:        e.clients.Logs,
		Namer:       namer,
	}
	database := &aws.DatabaseBuilder{
		RDS:   e.clients.RDS,
		Namer: namer,
		Clock: e.clock,
	}
	// Load balancer listeners take certificates from the workload
	// region, unlike distributions.
	delivery := &aws.DeliveryBuilder{
		CloudFront: e.clients.CloudFront,
		ACM:        e.clients.ACMRegional,
		Route53:    e.clients.Route53,
		Namer:      namer,
		Clock:      e.clock,
	}
	access := &aws.AccessBuilder{
		IAM:     e.clients.IAM,
		Secrets: e.secrets,
		Namer:   namer,
	}

	var (
		wg     sync.WaitGroup
		net    *aws.Network
		netErr error

		clusterName string
		logGroup    string
		certARN     string
		runtimeErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		params := aws.NetworkParams{
			WithDataSubnets: spec.HasDatabase(),
			ServicePort:     spec.ContainerPort,
			ExtraTags:       spec.Tags,
		}
		if spec.HasDatabase() {
			params.DatabasePort = workload.EnginePort(spec.Database.Engine)
		}
		net, netErr = network.Build(ctx, params)
	}()
	go func() {
		defer wg.Done()
		runtimeErr = func() error {
			var err error
			if clusterName, err = compute.EnsureCluster(ctx, spec.Tags); err != nil {
				return errors.Trace(err)
			}
			if logGroup, err = compute.EnsureLogGroup(ctx, spec.Tags); err != nil {
				return errors.Trace(err)
			}
			if spec.Domain != nil {
				certARN, err = delivery.EnsureCertificate(ctx,
					spec.Domain.Domain, spec.Domain.DNSZoneID, spec.Tags)
				if err != nil {
					return errors.Trace(err)
				}
			}
			return nil
		}()
	}()
	wg.Wait()
	if netErr != nil {
		return nil, errors.Trace(netErr)
	}
	if runtimeErr != nil {
		return nil, errors.Trace(runtimeErr)
	}

	d := e.newDescriptor(spec)
	d.AddResource(string(naming.RoleVPC), net.VPCID, "")
	d.AddResource(string(naming.RoleCluster), clusterName, "")
	d.AddResource(string(naming.RoleLogGroup), logGroup, "")

	var (
		instance *aws.DatabaseInstance
		dbRef    secrets.Ref
	)
	if spec.HasDatabase() {
		var err error
		instance, dbRef, err = e.ensureDatabase(ctx, spec, namer, database, net)
		if err != nil {
			return nil, errors.Trace(err)
		}
		d.AddResource(string(naming.RoleDatabase), instance.ID, instance.ARN)
		d.AddResource(string(naming.RoleDBSecret), dbRef.Name, dbRef.ARN)
		d.Credentials = append(d.Credentials, descriptor.CredentialRef{
			Name:      dbRef.Name,
			SecretARN: dbRef.ARN,
		})
	}

	execRoleARN, err := access.EnsureExecutionRole(ctx, dbRef.ARN, spec.Tags)
	if err != nil {
		return nil, errors.Trace(err)
	}

	lb, err := compute.EnsureLoadBalancer(ctx, net.VPCID, net.PublicSubnets,
		net.ALBGroupID, spec.ContainerPort, spec.HealthCheckPath, certARN, spec.Tags)
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.AddResource(string(naming.RoleLoadBalancer), lb.DNSName, lb.ARN)
	d.AddResource(string(naming.RoleTargetGroup), namer.ResourceName(naming.RoleTargetGroup), lb.TargetGroupARN)

	env, secretEnv := containerEnv(spec, instance, dbRef)
	serviceName, err := compute.EnsureService(ctx, aws.ServiceParams{
		ClusterName:      clusterName,
		Image:            spec.ContainerImage,
		Port:             spec.ContainerPort,
		CPU:              spec.CPU,
		Memory:           spec.Memory,
		DesiredCount:     spec.DesiredCount,
		MinCount:         spec.Scaling.Min,
		MaxCount:         spec.Scaling.Max,
		ExecutionRoleARN: execRoleARN,
		LogGroup:         logGroup,
		Region:           spec.Region,
		EnvVars:          env,
		SecretEnv:        secretEnv,
		PrivateSubnets:   net.PrivateSubnets,
		SecurityGroups:   []string{net.ServiceGroupID},
		TargetGroupARN:   lb.TargetGroupARN,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	d.AddResource(string(naming.RoleService), serviceName, "")

	if spec.Domain != nil {
		if err := delivery.EnsureAlias(ctx, spec.Domain.DNSZoneID,
			spec.Domain.Domain, lb.DNSName, lb.HostedZoneID); err != nil {
			return nil, errors.Trace(err)
		}
		d.CustomDomainURL = "https://" + spec.Domain.Domain
	}

	scheme := "http"
	if lb.HTTPSEnabled {
		scheme = "https"
	}
	d.URL = scheme + "://" + lb.DNSName
	d.Commands = containerCommands(spec, clusterName, serviceName, dbRef)
	return d, nil
}

// ensureDatabase resolves the database credential, instance and the
// completed secret record, in that order: the password must exist
// before the instance is created with it, and the instance address must
// be known before the secret's host, port and connection URL can be
// written.
func (e *Engine) ensureDatabase(ctx context.Context, spec workload.Spec, namer *naming.Namer, database *aws.DatabaseBuilder, net *aws.Network) (*aws.DatabaseInstance, secrets.Ref, error) {
	owner, err := namer.StickyName(ctx, naming.RoleDBSecret)
	if err != nil {
		return nil, secrets.Ref{}, errors.Trace(err)
	}
	record, ref, err := e.secrets.EnsureDatabaseSecret(ctx, owner,
		namer.Tags(owner, spec.Tags), secrets.DatabaseSecret{
			Username: spec.Database.Username,
			DBName:   spec.Database.Name,
		})
	if err != nil {
		return nil, secrets.Ref{}, errors.Trace(err)
	}

	instanceID, err := namer.StickyName(ctx, naming.RoleDatabase)
	if err != nil {
		return nil, secrets.Ref{}, errors.Trace(err)
	}
	instance, err := database.EnsureInstance(ctx, aws.DatabaseParams{
		InstanceID:         instanceID,
		Engine:             spec.Database.Engine,
		Version:            spec.Database.Version,
		InstanceClass:      spec.Database.InstanceClass,
		AllocatedStorage:   spec.Database.AllocatedStorage,
		MaxStorage:         spec.Database.MaxStorage,
		DBName:             spec.Database.Name,
		Username:           record.Username,
		Password:           record.Password,
		Port:               workload.EnginePort(spec.Database.Engine),
		DataSubnets:        net.DataSubnets,
		SecurityGroupID:    net.DatabaseGroupID,
		DeletionProtection: spec.Environment == productionEnvironment,
		ExtraTags:          spec.Tags,
	})
	if err != nil {
		return nil, secrets.Ref{}, errors.Trace(err)
	}

	if _, err := e.secrets.CompleteDatabaseSecret(ctx, owner,
		databaseScheme(spec.Database.Engine), instance.Host, instance.Port); err != nil {
		return nil, secrets.Ref{}, errors.Trace(err)
	}
	return instance, ref, nil
}

// containerEnv composes the container environment: the caller's
// variables in declaration order, then the database address variables.
// Everything secret rides in valueFrom references resolved by the
// platform at task start; the password never appears in a plain
// variable or in the task definition.
func containerEnv(spec workload.Spec, instance *aws.DatabaseInstance, dbRef secrets.Ref) (env, secretEnv [][2]string) {
	env = make([][2]string, 0, len(spec.EnvVars)+4)
	for _, v := range spec.EnvVars {
		env = append(env, [2]string{v.Name, v.Value})
	}
	if instance == nil {
		return env, nil
	}
	env = append(env,
		[2]string{"DB_HOST", instance.Host},
		[2]string{"DB_PORT", strconv.Itoa(int(instance.Port))},
		[2]string{"DB_NAME", spec.Database.Name},
		[2]string{"DB_USER", spec.Database.Username},
	)
	secretEnv = [][2]string{
		{"DB_PASSWORD", dbRef.ARN + ":password::"},
		{"DATABASE_URL", dbRef.ARN + ":url::"},
		{"DATABASE_SECRET", dbRef.ARN},
	}
	return env, secretEnv
}

func containerCommands(spec workload.Spec, clusterName, serviceName string, dbRef secrets.Ref) []descriptor.Command {
	commands := []descriptor.Command{{
		Purpose: "redeploy the service with a freshly pulled image",
		Command: fmt.Sprintf("aws ecs update-service --cluster %s --service %s --force-new-deployment --region %s",
			clusterName, serviceName, spec.Region),
	}}
	if dbRef.Name != "" {
		commands = append(commands, descriptor.Command{
			Purpose: "read the database credentials",
			Command: fmt.Sprintf("aws secretsmanager get-secret-value --secret-id %s --region %s",
				dbRef.Name, spec.Region),
		})
	}
	return commands
}

// databaseScheme maps a database engine to its connection URL scheme.
func databaseScheme(engine string) string {
	if engine == workload.EngineMySQL {
		return "mysql"
	}
	return "postgresql"
}
