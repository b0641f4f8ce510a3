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
)

type storageSuite struct {
	server  *awstesting.S3Server
	builder *provideraws.StorageBuilder
}

var _ = gc.Suite(&storageSuite{})

func (s *storageSuite) SetUpTest(c *gc.C) {
	s.server = awstesting.NewS3Server()
	s.builder = &provideraws.StorageBuilder{
		S3:     s.server,
		Namer:  naming.NewNamer("docs-site", "dev", nil),
		Region: "eu-west-1",
	}
}

func (s *storageSuite) TestEnsureBucketCreatesAndHardens(c *gc.C) {
	bucket, err := s.builder.EnsureBucket(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(bucket.Name, gc.Equals, "docs-site-site")
	c.Check(bucket.ARN, gc.Equals, "arn:aws:s3:::docs-site-site")
	c.Check(bucket.RegionalDomain, gc.Equals, "docs-site-site.s3.eu-west-1.amazonaws.com")

	versioning, encrypted, blocked, _ := s.server.Bucket(bucket.Name)
	c.Check(versioning, jc.IsTrue)
	c.Check(encrypted, jc.IsTrue)
	c.Check(blocked, jc.IsTrue)
}

func (s *storageSuite) TestEnsureBucketAdoptsExisting(c *gc.C) {
	first, err := s.builder.EnsureBucket(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)
	second, err := s.builder.EnsureBucket(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	c.Check(second, jc.DeepEquals, first)
	c.Check(s.server.BucketCount(), gc.Equals, 1)
}

func (s *storageSuite) TestEnsureBucketRefusesForeignName(c *gc.C) {
	s.server.AddForeignBucket("docs-site-site")
	_, err := s.builder.EnsureBucket(context.Background(), nil)
	c.Assert(err, jc.ErrorIs, errors.AlreadyExists)
}

func (s *storageSuite) TestAttachDeliveryPolicyScopesToDistribution(c *gc.C) {
	bucket, err := s.builder.EnsureBucket(context.Background(), nil)
	c.Assert(err, jc.ErrorIsNil)

	distARN := "arn:aws:cloudfront::123456789012:distribution/E00000001"
	err = s.builder.AttachDeliveryPolicy(context.Background(), bucket, distARN)
	c.Assert(err, jc.ErrorIsNil)

	_, _, _, policy := s.server.Bucket(bucket.Name)
	c.Check(policy, jc.Contains, `"s3:GetObject"`)
	c.Check(policy, jc.Contains, bucket.ARN+"/*")
	c.Check(policy, jc.Contains, distARN)
	c.Check(policy, jc.Contains, "cloudfront.amazonaws.com")
}
