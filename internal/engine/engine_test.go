// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine_test

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/agentx/provisioner/core/workload"
	"github.com/agentx/provisioner/internal/engine"
	"github.com/agentx/provisioner/internal/provider/aws"
	awstesting "github.com/agentx/provisioner/internal/provider/aws/testing"
	"github.com/agentx/provisioner/internal/secrets"
)

type engineSuite struct {
	ec2         *awstesting.EC2Server
	s3          *awstesting.S3Server
	cloudfront  *awstesting.CloudFrontServer
	acm         *awstesting.ACMServer
	acmRegional *awstesting.ACMServer
	route53     *awstesting.Route53Server
	ecs         *awstesting.ECSServer
	elb         *awstesting.ELBServer
	autoscaling *awstesting.AutoScalingServer
	rds         *awstesting.RDSServer
	iam         *awstesting.IAMServer
	logs        *awstesting.LogsServer
	secretsAPI  *awstesting.SecretsManagerServer

	engine *engine.Engine
}

var _ = gc.Suite(&engineSuite{})

func (s *engineSuite) SetUpTest(c *gc.C) {
	s.ec2 = awstesting.NewEC2Server()
	s.s3 = awstesting.NewS3Server()
	s.cloudfront = awstesting.NewCloudFrontServer()
	s.acm = awstesting.NewACMServer()
	s.acmRegional = awstesting.NewACMServer()
	s.route53 = awstesting.NewRoute53Server()
	s.ecs = awstesting.NewECSServer()
	s.elb = awstesting.NewELBServer()
	s.autoscaling = awstesting.NewAutoScalingServer()
	s.rds = awstesting.NewRDSServer()
	s.iam = awstesting.NewIAMServer()
	s.logs = awstesting.NewLogsServer()
	s.secretsAPI = awstesting.NewSecretsManagerServer()

	clients := &aws.Clients{
		EC2:         s.ec2,
		S3:          s.s3,
		CloudFront:  s.cloudfront,
		ACM:         s.acm,
		ACMRegional: s.acmRegional,
		Route53:     s.route53,
		ECS:         s.ecs,
		ELB:         s.elb,
		AutoScaling: s.autoscaling,
		RDS:         s.rds,
		IAM:         s.iam,
		Logs:        s.logs,
	}
	service := secrets.NewService(secrets.NewStore(s.secretsAPI))
	s.engine = engine.New(clients, service, testclock.NewDilatedWallClock(10*time.Millisecond))
}

func (s *engineSuite) siteSpec() workload.Spec {
	return workload.Spec{
		Kind:        workload.StaticSite,
		Identity:    "docs-site",
		Region:      "eu-west-1",
		SiteFolders: []string{"guides", "reference"},
	}
}

func (s *engineSuite) serviceSpec() workload.Spec {
	return workload.Spec{
		Kind:           workload.ContainerService,
		Identity:       "todo-api",
		Region:         "eu-west-1",
		ContainerImage: "registry.example.com/todo-api:1.4.2",
		EnvVars: []workload.EnvVar{
			{Name: "LOG_LEVEL", Value: "info"},
		},
	}
}

func (s *engineSuite) TestStaticSiteProvision(c *gc.C) {
	d, err := s.engine.Provision(context.Background(), s.siteSpec())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(d.Workload, gc.Equals, "docs-site")
	c.Check(d.Kind, gc.Equals, workload.StaticSite)
	c.Check(d.Environment, gc.Equals, "dev")
	c.Check(d.URL, gc.Matches, `https://d[0-9]{8}\.cloudfront\.net`)
	c.Check(d.CustomDomainURL, gc.Equals, "")

	host := strings.TrimPrefix(d.URL, "https://")
	c.Check(d.FolderURLs, gc.DeepEquals, []string{
		"https://" + host + "/guides/index.html",
		"https://" + host + "/reference/index.html",
	})

	c.Check(d.Resource("site"), gc.Equals, "docs-site-site")
	c.Check(d.Resource("cdn"), gc.Matches, "E[0-9]{8}")
	c.Check(d.Resource("deployer"), gc.Equals, "docs-site-deployer")

	c.Assert(d.Credentials, gc.HasLen, 1)
	c.Check(d.Credentials[0].Principal, gc.Equals, "docs-site-deployer")
	c.Check(d.Credentials[0].AccessKeyID, gc.Matches, "AKIA[0-9]{8}")
	c.Check(d.Credentials[0].SecretARN, gc.Matches, "arn:aws:secretsmanager:.*")

	// One sync/invalidate pair per tenant folder.
	c.Assert(d.Commands, gc.HasLen, 4)
	c.Check(d.Commands[0].Command, gc.Equals,
		"aws s3 sync <dir> s3://docs-site-site/guides/ --region eu-west-1")
	c.Check(d.Commands[1].Command, gc.Equals,
		"aws cloudfront create-invalidation --distribution-id "+d.Resource("cdn")+
			" --paths \"/guides/*\" --region eu-west-1")
	c.Check(d.Commands[2].Command, jc.Contains, "s3://docs-site-site/reference/")

	// The origin bucket is hardened and scoped to the distribution.
	versioning, encrypted, blocked, policy := s.s3.Bucket("docs-site-site")
	c.Check(versioning, jc.IsTrue)
	c.Check(encrypted, jc.IsTrue)
	c.Check(blocked, jc.IsTrue)
	c.Check(policy, jc.Contains, d.Resource("cdn"))
}

func (s *engineSuite) TestStaticSiteSingleTenantCommands(c *gc.C) {
	spec := s.siteSpec()
	spec.SiteFolders = nil
	d, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(d.FolderURLs, gc.HasLen, 0)
	c.Assert(d.Commands, gc.HasLen, 2)
	c.Check(d.Commands[0].Command, gc.Equals,
		"aws s3 sync <dir> s3://docs-site-site/ --region eu-west-1")
	c.Check(d.Commands[1].Command, jc.Contains, "--paths \"/*\"")
}

func (s *engineSuite) TestStaticSiteIdempotent(c *gc.C) {
	first, err := s.engine.Provision(context.Background(), s.siteSpec())
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.engine.Provision(context.Background(), s.siteSpec())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(second, gc.DeepEquals, first)
	c.Check(s.s3.BucketCount(), gc.Equals, 1)
	c.Check(s.cloudfront.DistributionCount(), gc.Equals, 1)
	c.Check(s.iam.AccessKeyCount("docs-site-deployer"), gc.Equals, 1)
}

func (s *engineSuite) TestStaticSiteReconcilesGrownFolderSet(c *gc.C) {
	spec := s.siteSpec()
	spec.SiteFolders = []string{"guides"}
	_, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	d, err := s.engine.Provision(context.Background(), s.siteSpec())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(s.cloudfront.DistributionCount(), gc.Equals, 1)
	c.Check(d.FolderURLs, gc.HasLen, 2)

	config := s.cloudfront.DistributionConfig(d.Resource("cdn"))
	c.Assert(config, gc.NotNil)
	c.Assert(config.CacheBehaviors, gc.NotNil)
	c.Assert(config.CacheBehaviors.Items, gc.HasLen, 2)
	c.Check(sdkaws.ToString(config.CacheBehaviors.Items[1].PathPattern), gc.Equals, "reference/*")
}

func (s *engineSuite) TestStaticSiteCustomDomain(c *gc.C) {
	spec := s.siteSpec()
	spec.Domain = &workload.CustomDomain{
		Domain:    "docs.example.com",
		DNSZoneID: "Z0001",
	}
	d, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(d.CustomDomainURL, gc.Equals, "https://docs.example.com")
	c.Check(d.FolderURLs[0], gc.Equals, "https://docs.example.com/guides/index.html")

	// Distribution certificates come from the global ACM endpoint.
	c.Check(s.acm.CertificateCount(), gc.Equals, 1)
	c.Check(s.acmRegional.CertificateCount(), gc.Equals, 0)

	record, ok := s.route53.Record("Z0001", "docs.example.com", r53types.RRTypeA)
	c.Assert(ok, jc.IsTrue)
	host := strings.TrimPrefix(d.URL, "https://")
	c.Check(sdkaws.ToString(record.AliasTarget.DNSName), gc.Equals, host)
}

func (s *engineSuite) TestValidationFailsBeforeCreation(c *gc.C) {
	spec := s.siteSpec()
	spec.Region = ""
	_, err := s.engine.Provision(context.Background(), spec)
	c.Check(err, jc.ErrorIs, errors.NotValid)
	c.Check(s.s3.BucketCount(), gc.Equals, 0)
	c.Check(s.cloudfront.DistributionCount(), gc.Equals, 0)
	c.Check(s.secretsAPI.Creates(), gc.Equals, 0)
}

func (s *engineSuite) TestContainerServiceProvision(c *gc.C) {
	d, err := s.engine.Provision(context.Background(), s.serviceSpec())
	c.Assert(err, jc.ErrorIsNil)

	c.Check(d.URL, gc.Matches, `http://todo-api-alb-[0-9]{8}\.eu-west-1\.elb\.amazonaws\.com`)
	c.Check(d.Resource("vpc"), gc.Matches, "vpc-.*")
	c.Check(d.Resource("cluster"), gc.Equals, "todo-api-cluster")
	c.Check(d.Resource("logs"), gc.Matches, "/ecs/todo-api-logs-[0-9a-f]{8}")
	c.Check(d.Resource("service"), gc.Equals, "todo-api-service")
	c.Check(d.Resource("db"), gc.Equals, "")
	c.Check(d.Resource("db-secret"), gc.Equals, "")
	c.Check(d.Credentials, gc.HasLen, 0)

	// Two zones, no data tier.
	c.Check(s.ec2.SubnetCount(), gc.Equals, 4)

	defs := s.ecs.TaskDefinitions("todo-api-task")
	c.Assert(defs, gc.HasLen, 1)
	container := defs[0].ContainerDefinitions[0]
	c.Check(sdkaws.ToString(container.Image), gc.Equals, "registry.example.com/todo-api:1.4.2")
	c.Assert(container.Environment, gc.HasLen, 1)
	c.Check(sdkaws.ToString(container.Environment[0].Name), gc.Equals, "LOG_LEVEL")
	c.Check(container.Secrets, gc.HasLen, 0)

	c.Assert(d.Commands, gc.HasLen, 1)
	c.Check(d.Commands[0].Command, gc.Equals,
		"aws ecs update-service --cluster todo-api-cluster --service todo-api-service --force-new-deployment --region eu-west-1")

	// The execution role only carries the managed pull/log policy.
	c.Check(s.iam.AttachedRolePolicies("todo-api-exec-role"), gc.HasLen, 1)
	_, ok := s.iam.RolePolicy("todo-api-exec-role", "todo-api-exec-role-secrets")
	c.Check(ok, jc.IsFalse)
}

func (s *engineSuite) TestContainerServiceWithDatabase(c *gc.C) {
	spec := s.serviceSpec()
	spec.Database = &workload.Database{Engine: workload.EnginePostgres, MaxStorage: 100}
	d, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	// No certificate was supplied, so the endpoint stays plain HTTP.
	c.Check(d.URL, gc.Matches, `http://.*`)

	dbID := d.Resource("db")
	c.Check(dbID, gc.Matches, "todo-api-db-[0-9a-f]{8}")
	input, ok := s.rds.CreateInput(dbID)
	c.Assert(ok, jc.IsTrue)
	c.Check(sdkaws.ToString(input.Engine), gc.Equals, "postgres")
	c.Check(sdkaws.ToString(input.EngineVersion), gc.Equals, "14")
	c.Check(sdkaws.ToString(input.DBInstanceClass), gc.Equals, "db.t3.micro")
	c.Check(sdkaws.ToInt32(input.AllocatedStorage), gc.Equals, int32(20))
	c.Check(sdkaws.ToInt32(input.MaxAllocatedStorage), gc.Equals, int32(100))
	c.Check(sdkaws.ToString(input.DBName), gc.Equals, "todo_api")
	c.Check(sdkaws.ToString(input.MasterUsername), gc.Equals, "dbadmin")
	c.Check(sdkaws.ToBool(input.DeletionProtection), jc.IsFalse)

	// The completed secret carries the instance address and URL.
	secretName := d.Resource("db-secret")
	c.Check(secretName, gc.Matches, "todo-api-db-secret-[0-9a-f]{8}")
	value, ok := s.secretsAPI.Value(secretName)
	c.Assert(ok, jc.IsTrue)
	var record secrets.DatabaseSecret
	c.Assert(json.Unmarshal([]byte(value), &record), jc.ErrorIsNil)
	c.Check(record.Host, gc.Equals, dbID+".abcdefgh.eu-west-1.rds.amazonaws.com")
	c.Check(record.Port, gc.Equals, int32(5432))
	c.Check(record.URL, gc.Equals,
		"postgresql://dbadmin:"+record.Password+"@"+record.Host+":5432/todo_api")
	c.Check(sdkaws.ToString(input.MasterUserPassword), gc.Equals, record.Password)

	// Address variables ride in plain environment, credential material
	// only in secret references resolved at task start.
	defs := s.ecs.TaskDefinitions("todo-api-task")
	c.Assert(defs, gc.HasLen, 1)
	container := defs[0].ContainerDefinitions[0]
	env := make(map[string]string)
	for _, kv := range container.Environment {
		env[sdkaws.ToString(kv.Name)] = sdkaws.ToString(kv.Value)
	}
	c.Check(env["DB_HOST"], gc.Equals, record.Host)
	c.Check(env["DB_PORT"], gc.Equals, "5432")
	c.Check(env["DB_NAME"], gc.Equals, "todo_api")
	c.Check(env["DB_USER"], gc.Equals, "dbadmin")
	secretRefs := make(map[string]string)
	for _, sec := range container.Secrets {
		secretRefs[sdkaws.ToString(sec.Name)] = sdkaws.ToString(sec.ValueFrom)
	}
	dbSecretARN := d.Credentials[0].SecretARN
	c.Check(secretRefs["DB_PASSWORD"], gc.Equals, dbSecretARN+":password::")
	c.Check(secretRefs["DATABASE_URL"], gc.Equals, dbSecretARN+":url::")
	c.Check(secretRefs["DATABASE_SECRET"], gc.Equals, dbSecretARN)

	// The execution role may read exactly the database secret.
	policy, ok := s.iam.RolePolicy("todo-api-exec-role", "todo-api-exec-role-secrets")
	c.Assert(ok, jc.IsTrue)
	c.Check(policy, jc.Contains, dbSecretARN)

	// The data tier exists and the descriptor points at the secret.
	c.Check(s.ec2.SubnetCount(), gc.Equals, 6)
	c.Assert(d.Commands, gc.HasLen, 2)
	c.Check(d.Commands[1].Command, gc.Equals,
		"aws secretsmanager get-secret-value --secret-id "+secretName+" --region eu-west-1")

	// Nothing the caller sees contains the generated password.
	c.Check(strings.Contains(d.Render(), record.Password), jc.IsFalse)
}

func (s *engineSuite) TestContainerServiceProductionProtectsDatabase(c *gc.C) {
	spec := s.serviceSpec()
	spec.Environment = "prod"
	spec.Database = &workload.Database{Engine: workload.EnginePostgres}
	d, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	input, ok := s.rds.CreateInput(d.Resource("db"))
	c.Assert(ok, jc.IsTrue)
	c.Check(sdkaws.ToBool(input.DeletionProtection), jc.IsTrue)
}

func (s *engineSuite) TestContainerServicePromotionProtectsDatabase(c *gc.C) {
	spec := s.serviceSpec()
	spec.Database = &workload.Database{Engine: workload.EnginePostgres}
	first, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	spec.Environment = "prod"
	second, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	// Promotion converges the existing instance instead of minting a
	// second one.
	c.Check(second.Resource("db"), gc.Equals, first.Resource("db"))
	c.Check(s.rds.InstanceCount(), gc.Equals, 1)
	db, ok := s.rds.Instance(first.Resource("db"))
	c.Assert(ok, jc.IsTrue)
	c.Check(sdkaws.ToBool(db.DeletionProtection), jc.IsTrue)
}

func (s *engineSuite) TestContainerServiceCustomDomain(c *gc.C) {
	spec := s.serviceSpec()
	spec.Domain = &workload.CustomDomain{
		Domain:    "api.example.com",
		DNSZoneID: "Z0002",
	}
	d, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	// Listener certificates come from the workload region.
	c.Check(s.acmRegional.CertificateCount(), gc.Equals, 1)
	c.Check(s.acm.CertificateCount(), gc.Equals, 0)

	c.Check(d.URL, gc.Matches, `https://.*`)
	c.Check(d.CustomDomainURL, gc.Equals, "https://api.example.com")

	record, ok := s.route53.Record("Z0002", "api.example.com", r53types.RRTypeA)
	c.Assert(ok, jc.IsTrue)
	c.Check(sdkaws.ToString(record.AliasTarget.DNSName), gc.Equals,
		strings.TrimPrefix(d.URL, "https://"))
	c.Check(sdkaws.ToString(record.AliasTarget.HostedZoneId), gc.Equals, "Z32O12XQLNTSW2")

	var albARN string
	for _, r := range d.Resources {
		if r.Role == "alb" {
			albARN = r.ARN
		}
	}
	c.Check(s.elb.Listeners(albARN), gc.HasLen, 2)
}

func (s *engineSuite) TestContainerServiceIdempotent(c *gc.C) {
	spec := s.serviceSpec()
	spec.Database = &workload.Database{Engine: workload.EnginePostgres}

	first, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.engine.Provision(context.Background(), spec)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(second, gc.DeepEquals, first)
	c.Check(s.ec2.VPCCount(), gc.Equals, 1)
	c.Check(s.ecs.ClusterCount(), gc.Equals, 1)
	c.Check(s.rds.InstanceCount(), gc.Equals, 1)
	c.Check(s.logs.GroupCount(), gc.Equals, 1)

	// The second run rolled the service instead of duplicating it.
	creations, updates := s.ecs.ServiceUpdates()
	c.Check(creations, gc.Equals, 1)
	c.Check(updates, gc.Equals, 1)
	c.Check(s.ecs.TaskDefinitions("todo-api-task"), gc.HasLen, 2)
}
