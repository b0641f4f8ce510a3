// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

// ECSServer simulates the slice of ECS the compute builder drives.
type ECSServer struct {
	mu sync.Mutex

	clusters  map[string]*ecstypes.Cluster
	taskDefs  map[string][]*ecs.RegisterTaskDefinitionInput
	services  map[string]*ecstypes.Service
	updates   int
	creations int
}

// NewECSServer returns an empty cluster namespace.
func NewECSServer() *ECSServer {
	return &ECSServer{
		clusters: make(map[string]*ecstypes.Cluster),
		taskDefs: make(map[string][]*ecs.RegisterTaskDefinitionInput),
		services: make(map[string]*ecstypes.Service),
	}
}

// ClusterCount reports how many clusters exist.
func (s *ECSServer) ClusterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clusters)
}

// TaskDefinitions returns all revisions registered for a family.
func (s *ECSServer) TaskDefinitions(family string) []*ecs.RegisterTaskDefinitionInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskDefs[family]
}

// ServiceUpdates reports how many update (vs create) calls were made.
func (s *ECSServer) ServiceUpdates() (creations, updates int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creations, s.updates
}

// Service returns a stored service by cluster and name.
func (s *ECSServer) Service(cluster, name string) (*ecstypes.Service, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	svc, ok := s.services[cluster+"/"+name]
	return svc, ok
}

func (s *ECSServer) DescribeClusters(ctx context.Context, params *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ecs.DescribeClustersOutput{}
	for _, name := range params.Clusters {
		if c, ok := s.clusters[name]; ok {
			out.Clusters = append(out.Clusters, *c)
		}
	}
	return out, nil
}

func (s *ECSServer) CreateCluster(ctx context.Context, params *ecs.CreateClusterInput, optFns ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.ClusterName)
	c := &ecstypes.Cluster{
		ClusterName: params.ClusterName,
		ClusterArn:  aws.String("arn:aws:ecs:eu-west-1:123456789012:cluster/" + name),
		Status:      aws.String("ACTIVE"),
		Tags:        params.Tags,
	}
	s.clusters[name] = c
	return &ecs.CreateClusterOutput{Cluster: c}, nil
}

func (s *ECSServer) RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	family := aws.ToString(params.Family)
	s.taskDefs[family] = append(s.taskDefs[family], params)
	revision := len(s.taskDefs[family])
	return &ecs.RegisterTaskDefinitionOutput{
		TaskDefinition: &ecstypes.TaskDefinition{
			Family:            params.Family,
			Revision:          int32(revision),
			TaskDefinitionArn: aws.String(fmt.Sprintf("arn:aws:ecs:eu-west-1:123456789012:task-definition/%s:%d", family, revision)),
		},
	}, nil
}

func (s *ECSServer) DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ecs.DescribeServicesOutput{}
	for _, name := range params.Services {
		if svc, ok := s.services[aws.ToString(params.Cluster)+"/"+name]; ok {
			out.Services = append(out.Services, *svc)
		}
	}
	return out, nil
}

func (s *ECSServer) CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aws.ToString(params.Cluster) + "/" + aws.ToString(params.ServiceName)
	if _, ok := s.services[key]; ok {
		return nil, apiError("InvalidParameterException", "service %s exists", key)
	}
	svc := &ecstypes.Service{
		ServiceName:          params.ServiceName,
		ClusterArn:           params.Cluster,
		Status:               aws.String("ACTIVE"),
		TaskDefinition:       params.TaskDefinition,
		DesiredCount:         aws.ToInt32(params.DesiredCount),
		LaunchType:           params.LaunchType,
		NetworkConfiguration: params.NetworkConfiguration,
		LoadBalancers:        params.LoadBalancers,
	}
	s.services[key] = svc
	s.creations++
	return &ecs.CreateServiceOutput{Service: svc}, nil
}

func (s *ECSServer) UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := aws.ToString(params.Cluster) + "/" + aws.ToString(params.Service)
	svc, ok := s.services[key]
	if !ok {
		return nil, apiError("ServiceNotFoundException", "no service %s", key)
	}
	svc.TaskDefinition = params.TaskDefinition
	svc.DesiredCount = aws.ToInt32(params.DesiredCount)
	s.updates++
	return &ecs.UpdateServiceOutput{Service: svc}, nil
}

// ELBServer simulates the slice of the load balancer API the compute
// builder drives.
type ELBServer struct {
	mu sync.Mutex

	loadBalancers map[string]*elbtypes.LoadBalancer
	targetGroups  map[string]*elbtypes.TargetGroup
	listeners     map[string][]elbtypes.Listener
	nextID        int
}

// NewELBServer returns an empty load balancer namespace.
func NewELBServer() *ELBServer {
	return &ELBServer{
		loadBalancers: make(map[string]*elbtypes.LoadBalancer),
		targetGroups:  make(map[string]*elbtypes.TargetGroup),
		listeners:     make(map[string][]elbtypes.Listener),
	}
}

// Listeners returns the listeners attached to a load balancer.
func (s *ELBServer) Listeners(lbARN string) []elbtypes.Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listeners[lbARN]
}

func (s *ELBServer) DescribeLoadBalancers(ctx context.Context, params *elasticloadbalancingv2.DescribeLoadBalancersInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeLoadBalancersOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &elasticloadbalancingv2.DescribeLoadBalancersOutput{}
	for _, name := range params.Names {
		lb, ok := s.loadBalancers[name]
		if !ok {
			return nil, apiError("LoadBalancerNotFound", "no load balancer %s", name)
		}
		out.LoadBalancers = append(out.LoadBalancers, *lb)
	}
	return out, nil
}

func (s *ELBServer) CreateLoadBalancer(ctx context.Context, params *elasticloadbalancingv2.CreateLoadBalancerInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateLoadBalancerOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	name := aws.ToString(params.Name)
	lb := &elbtypes.LoadBalancer{
		LoadBalancerName:      params.Name,
		LoadBalancerArn:       aws.String(fmt.Sprintf("arn:aws:elasticloadbalancing:eu-west-1:123456789012:loadbalancer/app/%s/%08d", name, s.nextID)),
		DNSName:               aws.String(fmt.Sprintf("%s-%08d.eu-west-1.elb.amazonaws.com", name, s.nextID)),
		CanonicalHostedZoneId: aws.String("Z32O12XQLNTSW2"),
		Scheme:                params.Scheme,
		Type:                  params.Type,
	}
	s.loadBalancers[name] = lb
	return &elasticloadbalancingv2.CreateLoadBalancerOutput{LoadBalancers: []elbtypes.LoadBalancer{*lb}}, nil
}

func (s *ELBServer) DescribeTargetGroups(ctx context.Context, params *elasticloadbalancingv2.DescribeTargetGroupsInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeTargetGroupsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &elasticloadbalancingv2.DescribeTargetGroupsOutput{}
	for _, name := range params.Names {
		tg, ok := s.targetGroups[name]
		if !ok {
			return nil, apiError("TargetGroupNotFound", "no target group %s", name)
		}
		out.TargetGroups = append(out.TargetGroups, *tg)
	}
	return out, nil
}

func (s *ELBServer) CreateTargetGroup(ctx context.Context, params *elasticloadbalancingv2.CreateTargetGroupInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateTargetGroupOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	name := aws.ToString(params.Name)
	tg := &elbtypes.TargetGroup{
		TargetGroupName: params.Name,
		TargetGroupArn:  aws.String(fmt.Sprintf("arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/%s/%08d", name, s.nextID)),
		VpcId:           params.VpcId,
		Port:            params.Port,
		Protocol:        params.Protocol,
		TargetType:      params.TargetType,
		HealthCheckPath: params.HealthCheckPath,
	}
	s.targetGroups[name] = tg
	return &elasticloadbalancingv2.CreateTargetGroupOutput{TargetGroups: []elbtypes.TargetGroup{*tg}}, nil
}

func (s *ELBServer) DescribeListeners(ctx context.Context, params *elasticloadbalancingv2.DescribeListenersInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.DescribeListenersOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &elasticloadbalancingv2.DescribeListenersOutput{
		Listeners: s.listeners[aws.ToString(params.LoadBalancerArn)],
	}, nil
}

func (s *ELBServer) CreateListener(ctx context.Context, params *elasticloadbalancingv2.CreateListenerInput, optFns ...func(*elasticloadbalancingv2.Options)) (*elasticloadbalancingv2.CreateListenerOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	lbARN := aws.ToString(params.LoadBalancerArn)
	listener := elbtypes.Listener{
		ListenerArn:     aws.String(fmt.Sprintf("%s/listener/%08d", lbARN, s.nextID)),
		LoadBalancerArn: params.LoadBalancerArn,
		Port:            params.Port,
		Protocol:        params.Protocol,
		Certificates:    params.Certificates,
		DefaultActions:  params.DefaultActions,
	}
	s.listeners[lbARN] = append(s.listeners[lbARN], listener)
	return &elasticloadbalancingv2.CreateListenerOutput{Listeners: []elbtypes.Listener{listener}}, nil
}

// AutoScalingServer simulates the application auto scaling registry.
type AutoScalingServer struct {
	mu sync.Mutex

	targets  map[string]*applicationautoscaling.RegisterScalableTargetInput
	policies map[string]*applicationautoscaling.PutScalingPolicyInput
}

// NewAutoScalingServer returns an empty scaling registry.
func NewAutoScalingServer() *AutoScalingServer {
	return &AutoScalingServer{
		targets:  make(map[string]*applicationautoscaling.RegisterScalableTargetInput),
		policies: make(map[string]*applicationautoscaling.PutScalingPolicyInput),
	}
}

// Target returns the registered bounds for a resource.
func (s *AutoScalingServer) Target(resourceID string) (*applicationautoscaling.RegisterScalableTargetInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[resourceID]
	return t, ok
}

// Policies returns the registered policy names.
func (s *AutoScalingServer) Policies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.policies))
	for name := range s.policies {
		names = append(names, name)
	}
	return names
}

// Policy returns a registered policy by name.
func (s *AutoScalingServer) Policy(name string) (*applicationautoscaling.PutScalingPolicyInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.policies[name]
	return p, ok
}

func (s *AutoScalingServer) RegisterScalableTarget(ctx context.Context, params *applicationautoscaling.RegisterScalableTargetInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.RegisterScalableTargetOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.targets[aws.ToString(params.ResourceId)] = params
	return &applicationautoscaling.RegisterScalableTargetOutput{}, nil
}

func (s *AutoScalingServer) PutScalingPolicy(ctx context.Context, params *applicationautoscaling.PutScalingPolicyInput, optFns ...func(*applicationautoscaling.Options)) (*applicationautoscaling.PutScalingPolicyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[aws.ToString(params.PolicyName)] = params
	return &applicationautoscaling.PutScalingPolicyOutput{
		PolicyARN: aws.String("arn:aws:autoscaling:eu-west-1:123456789012:scalingPolicy/" + aws.ToString(params.PolicyName)),
	}, nil
}

// LogsServer simulates the log group registry.
type LogsServer struct {
	mu sync.Mutex

	groups map[string]int32
}

// NewLogsServer returns an empty log group registry.
func NewLogsServer() *LogsServer {
	return &LogsServer{groups: make(map[string]int32)}
}

// Retention returns the retention in days set on a group.
func (s *LogsServer) Retention(name string) (int32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	days, ok := s.groups[name]
	return days, ok
}

// GroupCount reports how many log groups exist.
func (s *LogsServer) GroupCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.groups)
}

func (s *LogsServer) CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.LogGroupName)
	if _, ok := s.groups[name]; ok {
		return nil, apiError("ResourceAlreadyExistsException", "log group %s exists", name)
	}
	s.groups[name] = 0
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (s *LogsServer) PutRetentionPolicy(ctx context.Context, params *cloudwatchlogs.PutRetentionPolicyInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutRetentionPolicyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.LogGroupName)
	if _, ok := s.groups[name]; !ok {
		return nil, apiError("ResourceNotFoundException", "no log group %s", name)
	}
	s.groups[name] = aws.ToInt32(params.RetentionInDays)
	return &cloudwatchlogs.PutRetentionPolicyOutput{}, nil
}
