// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"context"
	"strconv"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	aastypes "github.com/aws/aws-sdk-go-v2/service/applicationautoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	"github.com/juju/errors"

	"github.com/agentx/provisioner/internal/naming"
)

// ECSClient is the slice of the ECS API the compute builder uses.
type ECSClient interface {
	DescribeClusters(ctx context.Context, params *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error)
	CreateCluster(ctx context.Context, params *ecs.CreateClusterInput, optFns ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error)
	RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error)
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ELBClient is the slice of the load balancer API the compute builder
// uses.
type ELBClient interface {
	DescribeLoadBalancers(ctx context.Context, params *elasticloadbalancingv2.DescribeLoadBalancersInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeLoadBalancersOutput, error)
	CreateLoadBalancer(ctx context.Context, params *elasticloadbalancingv2.CreateLoadBalancerInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateLoadBalancerOutput, error)
	DescribeTargetGroups(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetGroupsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetGroupsOutput, error)
	CreateTargetGroup(ctx context.Context, params *elasticloadbalancingv2.CreateTargetGroupInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateTargetGroupOutput, error)
	DescribeListeners(ctx context.Context, params *elasticloadbalancingv2.DescribeListenersInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeListenersOutput, error)
	CreateListener(ctx context.Context, params *elasticloadbalancingv2.CreateListenerInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateListenerOutput, error)
}

// AutoScalingClient is the slice of the application auto scaling API
// the compute builder uses.
type AutoScalingClient interface {
	RegisterScalableTarget(ctx context.Context, params *applicationautoscaling.RegisterScalableTargetInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.RegisterScalableTargetOutput, error)
	PutScalingPolicy(ctx context.Context, params *applicationautoscaling.PutScalingPolicyInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.PutScalingPolicyOutput, error)
}

// LogsClient is the slice of the CloudWatch Logs API the compute
// builder uses.
type LogsClient interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error)
}

const (
	logRetentionDays = 30

	scalingTargetUtilization = 70.0
	scalingCooldownSeconds   = 300

	healthCheckGraceSeconds = 60
)

// LoadBalancer describes the provisioned entry point of a container
// service.
type LoadBalancer struct {
	ARN            string
	DNSName        string
	HostedZoneID   string
	TargetGroupARN string
	HTTPSEnabled   bool
}

// ServiceParams drives the task/service build.
type ServiceParams struct {
	ClusterName      string
	Image            string
	Port             int32
	CPU              int32
	Memory           int32
	DesiredCount     int32
	MinCount         int32
	MaxCount         int32
	ExecutionRoleARN string
	LogGroup         string
	Region           string

	// EnvVars preserves the caller's declaration order, with any
	// database variables appended.
	EnvVars [][2]string

	// SecretEnv maps container variable names to secret store ARNs,
	// resolved by the platform at task start.
	SecretEnv [][2]string

	PrivateSubnets []string
	SecurityGroups []string
	TargetGroupARN string
}

// ComputeBuilder constructs the container runtime for container
// service workloads: cluster, log sink, load balancer, task
// definition, service and auto-scaling policies.
type ComputeBuilder struct {
	ECS         ECSClient
	ELB         ELBClient
	AutoScaling AutoScalingClient
	Logs        LogsClient
	Namer       *naming.Namer
}

// EnsureCluster resolves the container cluster.
func (b *ComputeBuilder) EnsureCluster(ctx context.Context, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(naming.RoleCluster)
	out, err := b.ECS.DescribeClusters(ctx, &ecs.DescribeClustersInput{Clusters: []string{name}})
	if err != nil {
		return "", errors.Annotatef(err, "looking up cluster %q", name)
	}
	for _, cluster := range out.Clusters {
		if sdkaws.ToString(cluster.Status) == "ACTIVE" {
			return name, nil
		}
	}
	tags := b.Namer.Tags(name, extraTags)
	var ecsTags []ecstypes.Tag
	for _, k := range sortedKeys(tags) {
		ecsTags = append(ecsTags, ecstypes.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])})
	}
	if _, err := b.ECS.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: sdkaws.String(name),
		Tags:        ecsTags,
	}); err != nil {
		return "", errors.Annotatef(err, "creating cluster %q", name)
	}
	logger.Infof("created cluster %q", name)
	return name, nil
}

// EnsureLogGroup resolves the service's log sink with its fixed
// retention policy. The name is sticky: log groups cannot be renamed.
func (b *ComputeBuilder) EnsureLogGroup(ctx context.Context, extraTags map[string]string) (string, error) {
	sticky, err := b.Namer.StickyName(ctx, naming.RoleLogGroup)
	if err != nil {
		return "", errors.Trace(err)
	}
	name := "/ecs/" + sticky
	_, err = b.Logs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: sdkaws.String(name),
		Tags:         b.Namer.Tags(name, extraTags),
	})
	if err != nil && !hasErrorCode(err, "ResourceAlreadyExistsException") {
		return "", errors.Annotatef(err, "creating log group %q", name)
	}
	if _, err := b.Logs.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    sdkaws.String(name),
		RetentionInDays: sdkaws.Int32(logRetentionDays),
	}); err != nil {
		return "", errors.Annotatef(err, "setting retention on %q", name)
	}
	return name, nil
}

// EnsureLoadBalancer resolves the ALB, target group and listeners.
// HTTP is always exposed; HTTPS only when a certificate is supplied.
func (b *ComputeBuilder) EnsureLoadBalancer(ctx context.Context, vpcID string, publicSubnets []string, albGroupID string, port int32, healthCheckPath, certARN string, extraTags map[string]string) (*LoadBalancer, error) {
	lbName := b.Namer.ResourceName(naming.RoleLoadBalancer)
	tgName := b.Namer.ResourceName(naming.RoleTargetGroup)
	tags := b.Namer.Tags(lbName, extraTags)
	var elbTags []elbtypes.Tag
	for _, k := range sortedKeys(tags) {
		elbTags = append(elbTags, elbtypes.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])})
	}

	lb := &LoadBalancer{}
	out, err := b.ELB.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{
		Names: []string{lbName},
	})
	switch {
	case err == nil && len(out.LoadBalancers) > 0:
		lb.ARN = sdkaws.ToString(out.LoadBalancers[0].LoadBalancerArn)
		lb.DNSName = sdkaws.ToString(out.LoadBalancers[0].DNSName)
		lb.HostedZoneID = sdkaws.ToString(out.LoadBalancers[0].CanonicalHostedZoneId)
	case err == nil || hasErrorCode(err, "LoadBalancerNotFound"):
		created, err := b.ELB.CreateLoadBalancer(ctx, &elasticloadbalancingv2.CreateLoadBalancerInput{
			Name:           sdkaws.String(lbName),
			Subnets:        publicSubnets,
			SecurityGroups: []string{albGroupID},
			Scheme:         elbtypes.LoadBalancerSchemeEnumInternetFacing,
			Type:           elbtypes.LoadBalancerTypeEnumApplication,
			Tags:           elbTags,
		})
		if err != nil {
			return nil, errors.Annotatef(err, "creating load balancer %q", lbName)
		}
		lb.ARN = sdkaws.ToString(created.LoadBalancers[0].LoadBalancerArn)
		lb.DNSName = sdkaws.ToString(created.LoadBalancers[0].DNSName)
		lb.HostedZoneID = sdkaws.ToString(created.LoadBalancers[0].CanonicalHostedZoneId)
	default:
		return nil, errors.Annotatef(err, "looking up load balancer %q", lbName)
	}

	tgOut, err := b.ELB.DescribeTargetGroups(ctx, &elasticloadbalancingv2.DescribeTargetGroupsInput{
		Names: []string{tgName},
	})
	switch {
	case err == nil && len(tgOut.TargetGroups) > 0:
		lb.TargetGroupARN = sdkaws.ToString(tgOut.TargetGroups[0].TargetGroupArn)
	case err == nil || hasErrorCode(err, "TargetGroupNotFound"):
		created, err := b.ELB.CreateTargetGroup(ctx, &elasticloadbalancingv2.CreateTargetGroupInput{
			Name:                sdkaws.String(tgName),
			VpcId:               sdkaws.String(vpcID),
			Protocol:            elbtypes.ProtocolEnumHttp,
			Port:                sdkaws.Int32(port),
			TargetType:          elbtypes.TargetTypeEnumIp,
			HealthCheckPath:     sdkaws.String(healthCheckPath),
			HealthCheckProtocol: elbtypes.ProtocolEnumHttp,
			Tags:                elbTags,
		})
		if err != nil {
			return nil, errors.Annotatef(err, "creating target group %q", tgName)
		}
		lb.TargetGroupARN = sdkaws.ToString(created.TargetGroups[0].TargetGroupArn)
	default:
		return nil, errors.Annotatef(err, "looking up target group %q", tgName)
	}

	if err := b.ensureListener(ctx, lb, 80, ""); err != nil {
		return nil, errors.Trace(err)
	}
	if certARN != "" {
		if err := b.ensureListener(ctx, lb, 443, certARN); err != nil {
			return nil, errors.Trace(err)
		}
		lb.HTTPSEnabled = true
	}
	return lb, nil
}

func (b *ComputeBuilder) ensureListener(ctx context.Context, lb *LoadBalancer, port int32, certARN string) error {
	out, err := b.ELB.DescribeListeners(ctx, &elasticloadbalancingv2.DescribeListenersInput{
		LoadBalancerArn: sdkaws.String(lb.ARN),
	})
	if err != nil {
		return errors.Annotate(err, "listing listeners")
	}
	for _, l := range out.Listeners {
		if sdkaws.ToInt32(l.Port) == port {
			return nil
		}
	}
	input := &elasticloadbalancingv2.CreateListenerInput{
		LoadBalancerArn: sdkaws.String(lb.ARN),
		Port:            sdkaws.Int32(port),
		Protocol:        elbtypes.ProtocolEnumHttp,
		DefaultActions: []elbtypes.Action{{
			Type:           elbtypes.ActionTypeEnumForward,
			TargetGroupArn: sdkaws.String(lb.TargetGroupARN),
		}},
	}
	if certARN != "" {
		input.Protocol = elbtypes.ProtocolEnumHttps
		input.Certificates = []elbtypes.Certificate{{CertificateArn: sdkaws.String(certARN)}}
	}
	if _, err := b.ELB.CreateListener(ctx, input); err != nil {
		return errors.Annotatef(err, "creating listener on port %d", port)
	}
	return nil
}

// EnsureService registers the task definition and converges the
// service on it.
func (b *ComputeBuilder) EnsureService(ctx context.Context, params ServiceParams) (string, error) {
	family := b.Namer.ResourceName(naming.RoleTaskFamily)
	containerName := b.Namer.ResourceName(naming.RoleService)

	env := make([]ecstypes.KeyValuePair, 0, len(params.EnvVars))
	for _, kv := range params.EnvVars {
		env = append(env, ecstypes.KeyValuePair{
			Name:  sdkaws.String(kv[0]),
			Value: sdkaws.String(kv[1]),
		})
	}
	var secretEnv []ecstypes.Secret
	for _, kv := range params.SecretEnv {
		secretEnv = append(secretEnv, ecstypes.Secret{
			Name:      sdkaws.String(kv[0]),
			ValueFrom: sdkaws.String(kv[1]),
		})
	}

	taskDef, err := b.ECS.RegisterTaskDefinition(ctx, &ecs.RegisterTaskDefinitionInput{
		Family:                  sdkaws.String(family),
		Cpu:                     sdkaws.String(strconv.Itoa(int(params.CPU))),
		Memory:                  sdkaws.String(strconv.Itoa(int(params.Memory))),
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		ExecutionRoleArn:        sdkaws.String(params.ExecutionRoleARN),
		ContainerDefinitions: []ecstypes.ContainerDefinition{{
			Name:      sdkaws.String(containerName),
			Image:     sdkaws.String(params.Image),
			Essential: sdkaws.Bool(true),
			PortMappings: []ecstypes.PortMapping{{
				ContainerPort: sdkaws.Int32(params.Port),
				Protocol:      ecstypes.TransportProtocolTcp,
			}},
			Environment: env,
			Secrets:     secretEnv,
			LogConfiguration: &ecstypes.LogConfiguration{
				LogDriver: ecstypes.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         params.LogGroup,
					"awslogs-region":        params.Region,
					"awslogs-stream-prefix": containerName,
				},
			},
		}},
	})
	if err != nil {
		return "", errors.Annotatef(err, "registering task definition %q", family)
	}
	taskDefARN := sdkaws.ToString(taskDef.TaskDefinition.TaskDefinitionArn)

	serviceName := b.Namer.ResourceName(naming.RoleService)
	existing, err := b.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  sdkaws.String(params.ClusterName),
		Services: []string{serviceName},
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up service %q", serviceName)
	}
	active := false
	for _, svc := range existing.Services {
		if sdkaws.ToString(svc.Status) == "ACTIVE" {
			active = true
		}
	}
	if active {
		if _, err := b.ECS.UpdateService(ctx, &ecs.UpdateServiceInput{
			Cluster:        sdkaws.String(params.ClusterName),
			Service:        sdkaws.String(serviceName),
			TaskDefinition: sdkaws.String(taskDefARN),
			DesiredCount:   sdkaws.Int32(params.DesiredCount),
		}); err != nil {
			return "", errors.Annotatef(err, "updating service %q", serviceName)
		}
	} else {
		_, err := b.ECS.CreateService(ctx, &ecs.CreateServiceInput{
			Cluster:        sdkaws.String(params.ClusterName),
			ServiceName:    sdkaws.String(serviceName),
			TaskDefinition: sdkaws.String(taskDefARN),
			DesiredCount:   sdkaws.Int32(params.DesiredCount),
			LaunchType:     ecstypes.LaunchTypeFargate,
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
					Subnets:        params.PrivateSubnets,
					SecurityGroups: params.SecurityGroups,
					AssignPublicIp: ecstypes.AssignPublicIpDisabled,
				},
			},
			LoadBalancers: []ecstypes.LoadBalancer{{
				TargetGroupArn: sdkaws.String(params.TargetGroupARN),
				ContainerName:  sdkaws.String(containerName),
				ContainerPort:  sdkaws.Int32(params.Port),
			}},
			HealthCheckGracePeriodSeconds: sdkaws.Int32(healthCheckGraceSeconds),
		})
		if err != nil {
			return "", errors.Annotatef(err, "creating service %q", serviceName)
		}
		logger.Infof("created service %q in cluster %q", serviceName, params.ClusterName)
	}

	if err := b.ensureAutoScaling(ctx, params.ClusterName, serviceName, params.MinCount, params.MaxCount); err != nil {
		return "", errors.Trace(err)
	}
	return serviceName, nil
}

// ensureAutoScaling registers the scalable target and its two tracking
// policies: CPU and memory, each converging on 70% with five-minute
// cool-downs in both directions.
func (b *ComputeBuilder) ensureAutoScaling(ctx context.Context, cluster, service string, min, max int32) error {
	resourceID := "service/" + cluster + "/" + service
	_, err := b.AutoScaling.RegisterScalableTarget(ctx, &applicationautoscaling.RegisterScalableTargetInput{
		ServiceNamespace:  aastypes.ServiceNamespaceEcs,
		ResourceId:        sdkaws.String(resourceID),
		ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
		MinCapacity:       sdkaws.Int32(min),
		MaxCapacity:       sdkaws.Int32(max),
	})
	if err != nil {
		return errors.Annotatef(err, "registering scalable target %q", resourceID)
	}
	for _, policy := range []struct {
		suffix string
		metric aastypes.MetricType
	}{
		{"cpu", aastypes.MetricTypeECSServiceAverageCPUUtilization},
		{"memory", aastypes.MetricTypeECSServiceAverageMemoryUtilization},
	} {
		_, err := b.AutoScaling.PutScalingPolicy(ctx, &applicationautoscaling.PutScalingPolicyInput{
			PolicyName:        sdkaws.String(service + "-" + policy.suffix),
			ServiceNamespace:  aastypes.ServiceNamespaceEcs,
			ResourceId:        sdkaws.String(resourceID),
			ScalableDimension: aastypes.ScalableDimensionECSServiceDesiredCount,
			PolicyType:        aastypes.PolicyTypeTargetTrackingScaling,
			TargetTrackingScalingPolicyConfiguration: &aastypes.TargetTrackingScalingPolicyConfiguration{
				TargetValue: sdkaws.Float64(scalingTargetUtilization),
				PredefinedMetricSpecification: &aastypes.PredefinedMetricSpecification{
					PredefinedMetricType: policy.metric,
				},
				ScaleInCooldown:  sdkaws.Int32(scalingCooldownSeconds),
				ScaleOutCooldown: sdkaws.Int32(scalingCooldownSeconds),
			},
		})
		if err != nil {
			return errors.Annotatef(err, "putting %s scaling policy for %q", policy.suffix, service)
		}
	}
	return nil
}
