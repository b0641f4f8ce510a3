// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws_test

import (
	"context"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	elbtypes "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/agentx/provisioner/internal/naming"
	provideraws "github.com/agentx/provisioner/internal/provider/aws"
	awstesting "github.com/agentx/provisioner/internal/provider/aws/testing"
	"github.com/agentx/provisioner/internal/secrets"
)

type computeSuite struct {
	ecs         *awstesting.ECSServer
	elb         *awstesting.ELBServer
	autoscaling *awstesting.AutoScalingServer
	logs        *awstesting.LogsServer
	builder     *provideraws.ComputeBuilder
}

var _ = gc.Suite(&computeSuite{})

func (s *computeSuite) SetUpTest(c *gc.C) {
	s.ecs = awstesting.NewECSServer()
	s.elb = awstesting.NewELBServer()
	s.autoscaling = awstesting.NewAutoScalingServer()
	s.logs = awstesting.NewLogsServer()

	store := secrets.NewStore(awstesting.NewSecretsManagerServer())
	s.builder = &provideraws.ComputeBuilder{
		ECS:         s.ecs,
		ELB:         s.elb,
		AutoScaling: s.autoscaling,
		Logs:        s.logs,
		Namer:       naming.NewNamer("todo-api", "dev", secrets.NewDisambiguatorStore(store)),
	}
}

func (s *computeSuite) TestEnsureClusterIsIdempotent(c *gc.C) {
	first, err := s.builder.EnsureCluster(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.builder.EnsureCluster(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(first, gc.Equals, "todo-api-cluster")
	c.Check(second, gc.Equals, first)
	c.Check(s.ecs.ClusterCount(), gc.Equals, 1)
}

func (s *computeSuite) TestEnsureLogGroupStickyWithRetention(c *gc.C) {
	first, err := s.builder.EnsureLogGroup(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.builder.EnsureLogGroup(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(first, gc.Matches, `/ecs/todo-api-logs-[0-9a-f-]{8}`)
	c.Check(second, gc.Equals, first)
	c.Check(s.logs.GroupCount(), gc.Equals, 1)

	days, ok := s.logs.Retention(first)
	c.Assert(ok, jc.IsTrue)
	c.Check(days, gc.Equals, int32(30))
}

func (s *computeSuite) TestEnsureLoadBalancerHTTPOnly(c *gc.C) {
	lb, err := s.builder.EnsureLoadBalancer(context.Background(), "vpc-1", []string{"subnet-1", "subnet-2"}, "sg-1", 3000, "/health", "", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(lb.ARN, gc.Not(gc.Equals), "")
	c.Check(lb.TargetGroupARN, gc.Not(gc.Equals), "")
	c.Check(lb.HTTPSEnabled, jc.IsFalse)

	listeners := s.elb.Listeners(lb.ARN)
	c.Assert(listeners, gc.HasLen, 1)
	c.Check(sdkaws.ToInt32(listeners[0].Port), gc.Equals, int32(80))
	c.Check(listeners[0].Protocol, gc.Equals, elbtypes.ProtocolEnumHttp)
}

func (s *computeSuite) TestEnsureLoadBalancerHTTPSWithCertificate(c *gc.C) {
	certARN := "arn:aws:acm:us-east-1:123456789012:certificate/00000001"
	lb, err := s.builder.EnsureLoadBalancer(context.Background(), "vpc-1", []string{"subnet-1", "subnet-2"}, "sg-1", 3000, "/health", certARN, nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(lb.HTTPSEnabled, jc.IsTrue)
	listeners := s.elb.Listeners(lb.ARN)
	c.Assert(listeners, gc.HasLen, 2)
	https := listeners[1]
	c.Check(sdkaws.ToInt32(https.Port), gc.Equals, int32(443))
	c.Check(https.Protocol, gc.Equals, elbtypes.ProtocolEnumHttps)
	c.Assert(https.Certificates, gc.HasLen, 1)
	c.Check(sdkaws.ToString(https.Certificates[0].CertificateArn), gc.Equals, certARN)
}

func (s *computeSuite) TestEnsureLoadBalancerIsIdempotent(c *gc.C) {
	first, err := s.builder.EnsureLoadBalancer(context.Background(), "vpc-1", []string{"subnet-1"}, "sg-1", 3000, "/", "", nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.builder.EnsureLoadBalancer(context.Background(), "vpc-1", []string{"subnet-1"}, "sg-1", 3000, "/", "", nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(second, jc.DeepEquals, first)
	c.Check(s.elb.Listeners(first.ARN), gc.HasLen, 1)
}

func (s *computeSuite) serviceParams(cluster string) provideraws.ServiceParams {
	return provideraws.ServiceParams{
		ClusterName:      cluster,
		Image:            "registry.example.com/todo-api:v3",
		Port:             3000,
		CPU:              256,
		Memory:           512,
		DesiredCount:     1,
		MinCount:         1,
		MaxCount:         5,
		ExecutionRoleARN: "arn:aws:iam::123456789012:role/todo-api-exec-role",
		LogGroup:         "/ecs/todo-api-logs-abc",
		Region:           "eu-west-1",
		EnvVars:          [][2]string{{"PORT", "3000"}, {"DB_HOST", "db.internal"}},
		SecretEnv:        [][2]string{{"DATABASE_SECRET", "arn:aws:secretsmanager:eu-west-1:123456789012:secret:todo-api-db-secret"}},
		PrivateSubnets:   []string{"subnet-a", "subnet-b"},
		SecurityGroups:   []string{"sg-svc"},
		TargetGroupARN:   "arn:aws:elasticloadbalancing:eu-west-1:123456789012:targetgroup/todo-api-tg/1",
	}
}

func (s *computeSuite) TestEnsureServiceRegistersTaskDefinition(c *gc.C) {
	cluster, err := s.builder.EnsureCluster(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	name, err := s.builder.EnsureService(context.Background(), s.serviceParams(cluster))
	c.Assert(err, jc.ErrorIsNil)
	c.Check(name, gc.Equals, "todo-api-service")

	defs := s.ecs.TaskDefinitions("todo-api-task")
	c.Assert(defs, gc.HasLen, 1)
	def := defs[0]
	c.Check(def.NetworkMode, gc.Equals, ecstypes.NetworkModeAwsvpc)
	c.Check(def.RequiresCompatibilities, jc.DeepEquals, []ecstypes.Compatibility{ecstypes.CompatibilityFargate})
	c.Check(sdkaws.ToString(def.Cpu), gc.Equals, "256")
	c.Check(sdkaws.ToString(def.Memory), gc.Equals, "512")

	c.Assert(def.ContainerDefinitions, gc.HasLen, 1)
	container := def.ContainerDefinitions[0]
	c.Check(sdkaws.ToString(container.Image), gc.Equals, "registry.example.com/todo-api:v3")
	c.Assert(container.Environment, gc.HasLen, 2)
	c.Check(sdkaws.ToString(container.Environment[0].Name), gc.Equals, "PORT")
	c.Check(sdkaws.ToString(container.Environment[1].Name), gc.Equals, "DB_HOST")
	c.Assert(container.Secrets, gc.HasLen, 1)
	c.Check(sdkaws.ToString(container.Secrets[0].Name), gc.Equals, "DATABASE_SECRET")
	c.Check(container.LogConfiguration.LogDriver, gc.Equals, ecstypes.LogDriverAwslogs)
	c.Check(container.LogConfiguration.Options["awslogs-group"], gc.Equals, "/ecs/todo-api-logs-abc")
}

func (s *computeSuite) TestEnsureServiceCreatesThenUpdates(c *gc.C) {
	cluster, err := s.builder.EnsureCluster(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	_, err = s.builder.EnsureService(context.Background(), s.serviceParams(cluster))
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.builder.EnsureService(context.Background(), s.serviceParams(cluster))
	c.Assert(err, jc.ErrorIsNil)

	creations, updates := s.ecs.ServiceUpdates()
	c.Check(creations, gc.Equals, 1)
	c.Check(updates, gc.Equals, 1)

	svc, ok := s.ecs.Service(cluster, "todo-api-service")
	c.Assert(ok, jc.IsTrue)
	// The service always runs the latest registered revision.
	c.Check(sdkaws.ToString(svc.TaskDefinition), gc.Matches, `.*todo-api-task:2`)
}

func (s *computeSuite) TestEnsureServiceConfiguresAutoScaling(c *gc.C) {
	cluster, err := s.builder.EnsureCluster(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	name, err := s.builder.EnsureService(context.Background(), s.serviceParams(cluster))
	c.Assert(err, jc.ErrorIsNil)

	resourceID := "service/" + cluster + "/" + name
	target, ok := s.autoscaling.Target(resourceID)
	c.Assert(ok, jc.IsTrue)
	c.Check(sdkaws.ToInt32(target.MinCapacity), gc.Equals, int32(1))
	c.Check(sdkaws.ToInt32(target.MaxCapacity), gc.Equals, int32(5))

	c.Check(s.autoscaling.Policies(), jc.SameContents, []string{
		"todo-api-service-cpu",
		"todo-api-service-memory",
	})
	policy, ok := s.autoscaling.Policy("todo-api-service-cpu")
	c.Assert(ok, jc.IsTrue)
	cfg := policy.TargetTrackingScalingPolicyConfiguration
	c.Check(sdkaws.ToFloat64(cfg.TargetValue), gc.Equals, 70.0)
	c.Check(sdkaws.ToInt32(cfg.ScaleInCooldown), gc.Equals, int32(300))
	c.Check(sdkaws.ToInt32(cfg.ScaleOutCooldown), gc.Equals, int32(300))
}
