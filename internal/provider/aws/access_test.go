// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/agentx/provisioner/internal/naming"
	provideraws "github.com/agentx/provisioner/internal/provider/aws"
	awstesting "github.com/agentx/provisioner/internal/provider/aws/testing"
	"github.com/agentx/provisioner/internal/secrets"
)

type accessSuite struct {
	iam     *awstesting.IAMServer
	store   *awstesting.SecretsManagerServer
	builder *provideraws.AccessBuilder
	bucket  *provideraws.Bucket
}

var _ = gc.Suite(&accessSuite{})

func (s *accessSuite) SetUpTest(c *gc.C) {
	s.iam = awstesting.NewIAMServer()
	s.store = awstesting.NewSecretsManagerServer()
	store := secrets.NewStore(s.store)
	s.builder = &provideraws.AccessBuilder{
		IAM:     s.iam,
		Secrets: secrets.NewService(store),
		Namer:   naming.NewNamer("docs-site", "dev", secrets.NewDisambiguatorStore(store)),
	}
	s.bucket = &provideraws.Bucket{
		Name: "docs-site-site",
		ARN:  "arn:aws:s3:::docs-site-site",
	}
}

const testDistributionARN = "arn:aws:cloudfront::123456789012:distribution/E00000001"

func (s *accessSuite) TestEnsureSiteDeployerCreatesScopedUser(c *gc.C) {
	cred, err := s.builder.EnsureSiteDeployer(context.Background(), s.bucket, testDistributionARN, nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(cred.UserName, gc.Equals, "docs-site-deployer")
	c.Check(cred.AccessKeyID, gc.Matches, `AKIA\d+`)
	c.Check(cred.SecretRef.ARN, gc.Not(gc.Equals), "")

	policy, ok := s.iam.UserPolicy("docs-site-deployer", "docs-site-deployer-policy")
	c.Assert(ok, jc.IsTrue)
	c.Check(policy, jc.Contains, s.bucket.ARN)
	c.Check(policy, jc.Contains, s.bucket.ARN+"/*")
	c.Check(policy, jc.Contains, testDistributionARN)
	c.Check(policy, jc.Contains, "cloudfront:CreateInvalidation")
	// Nothing in the policy reaches beyond this site's resources.
	c.Check(policy, gc.Not(jc.Contains), `"Resource":["*"]`)
}

func (s *accessSuite) TestEnsureSiteDeployerIssuesKeyOnce(c *gc.C) {
	first, err := s.builder.EnsureSiteDeployer(context.Background(), s.bucket, testDistributionARN, nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.builder.EnsureSiteDeployer(context.Background(), s.bucket, testDistributionARN, nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(second.AccessKeyID, gc.Equals, first.AccessKeyID)
	c.Check(s.iam.AccessKeyCount("docs-site-deployer"), gc.Equals, 1)

	// The stored material pairs the key id with its secret.
	value, ok := s.store.Value(first.SecretRef.Name)
	c.Assert(ok, jc.IsTrue)
	c.Check(value, jc.Contains, first.AccessKeyID)
}

func (s *accessSuite) TestEnsureSiteDeployerRefusesForeignUser(c *gc.C) {
	s.iam.AddForeignUser("docs-site-deployer", map[string]string{"Managed": "cloudformation"})
	_, err := s.builder.EnsureSiteDeployer(context.Background(), s.bucket, testDistributionARN, nil)
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *accessSuite) TestEnsureExecutionRole(c *gc.C) {
	secretARN := "arn:aws:secretsmanager:eu-west-1:123456789012:secret:todo-api-db-secret"
	arn, err := s.builder.EnsureExecutionRole(context.Background(), secretARN, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(arn, gc.Equals, "arn:aws:iam::123456789012:role/docs-site-exec-role")

	attached := s.iam.AttachedRolePolicies("docs-site-exec-role")
	c.Check(attached, jc.DeepEquals, []string{
		"arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy",
	})

	policy, ok := s.iam.RolePolicy("docs-site-exec-role", "docs-site-exec-role-secrets")
	c.Assert(ok, jc.IsTrue)
	c.Check(policy, jc.Contains, secretARN)
	c.Check(policy, jc.Contains, "secretsmanager:GetSecretValue")
}

func (s *accessSuite) TestEnsureExecutionRoleWithoutDatabase(c *gc.C) {
	_, err := s.builder.EnsureExecutionRole(context.Background(), "", nil)
	c.Assert(err, jc.ErrorIsNil)

	_, ok := s.iam.RolePolicy("docs-site-exec-role", "docs-site-exec-role-secrets")
	c.Check(ok, jc.IsFalse)
}

func (s *accessSuite) TestEnsureExecutionRoleIsIdempotent(c *gc.C) {
	first, err := s.builder.EnsureExecutionRole(context.Background(), "", nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.builder.EnsureExecutionRole(context.Background(), "", nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, gc.Equals, first)
}
