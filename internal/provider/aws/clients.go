// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package aws implements the engine's builders against the AWS
// control plane. Each builder talks to the platform through a narrow
// client interface covering exactly the calls it makes, so tests can
// substitute in-memory simulators for the real SDK clients.
package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	"github.com/aws/aws-sdk-go-v2/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("provisioner.aws")

// Clients bundles the service clients the builders need. Fields are
// interfaces so tests can replace any of them.
type Clients struct {
	EC2        EC2Client
	S3         S3Client
	CloudFront CloudFrontClient

	// ACM issues certificates in us-east-1, the only region CloudFront
	// accepts them from. ACMRegional issues in the workload region for
	// load balancer listeners.
	ACM         ACMClient
	ACMRegional ACMClient

	Route53     Route53Client
	ECS         ECSClient
	ELB         ELBClient
	AutoScaling AutoScalingClient
	RDS         RDSClient
	IAM         IAMClient
	Logs        LogsClient
}

// RealClients builds SDK clients for the given region from the ambient
// credential chain.
func RealClients(ctx context.Context, region string) (*Clients, *secretsmanager.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, nil, errors.Annotate(err, "loading AWS configuration")
	}
	sm := secretsmanager.NewFromConfig(cfg)
	return &Clients{
		EC2:         ec2.NewFromConfig(cfg),
		S3:          s3.NewFromConfig(cfg),
		CloudFront:  cloudfront.NewFromConfig(cfg),
		ACM: acm.NewFromConfig(cfg, func(o *acm.Options) {
			o.Region = "us-east-1"
		}),
		ACMRegional: acm.NewFromConfig(cfg),
		Route53:     route53.NewFromConfig(cfg),
		ECS:         ecs.NewFromConfig(cfg),
		ELB:         elasticloadbalancingv2.NewFromConfig(cfg),
		AutoScaling: applicationautoscaling.NewFromConfig(cfg),
		RDS:         rds.NewFromConfig(cfg),
		IAM:         iam.NewFromConfig(cfg),
		Logs:        cloudwatchlogs.NewFromConfig(cfg),
	}, sm, nil
}
