// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"context"
	"encoding/json"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	"github.com/agentx/provisioner/internal/naming"
	"github.com/agentx/provisioner/internal/secrets"
)

// IAMClient is the slice of the IAM API the access builder uses.
type IAMClient interface {
	GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error)
	CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error)
	PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error)
	CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error)
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
	CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error)
	AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error)
	PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error)
}

const ecsTaskExecutionPolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"

// Credential describes a deploy principal and where its key material
// lives. The secret access key itself is only ever held in the secret
// store.
type Credential struct {
	UserName    string
	AccessKeyID string
	SecretRef   secrets.Ref
}

// keyMaterial is the stored record for an issued access key pair.
type keyMaterial struct {
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
}

// AccessBuilder constructs the deploy principals of a workload: the
// site deployer user with its least-privilege policy and one-time
// access key, and the task execution role for container services.
type AccessBuilder struct {
	IAM     IAMClient
	Secrets *secrets.Service
	Namer   *naming.Namer
}

// EnsureSiteDeployer resolves the deployer user scoped to exactly one
// bucket and one distribution. The access key is issued once, on first
// creation, and stored; later runs resolve the stored pair rather than
// minting a fresh key and invalidating pipelines already configured
// with the old one.
func (b *AccessBuilder) EnsureSiteDeployer(ctx context.Context, bucket *Bucket, distributionARN string, extraTags map[string]string) (*Credential, error) {
	userName := b.Namer.ResourceName(naming.RoleDeployer)
	tags := b.Namer.Tags(userName, extraTags)

	out, err := b.IAM.GetUser(ctx, &iam.GetUserInput{UserName: sdkaws.String(userName)})
	switch {
	case err == nil:
		if err := checkIAMOwnership("user", userName, out.User.Tags); err != nil {
			return nil, errors.Trace(err)
		}
	case hasErrorCode(err, "NoSuchEntity"):
		if _, err := b.IAM.CreateUser(ctx, &iam.CreateUserInput{
			UserName: sdkaws.String(userName),
			Tags:     iamTags(tags),
		}); err != nil {
			return nil, errors.Annotatef(err, "creating user %q", userName)
		}
		logger.Infof("created deployer user %q", userName)
	default:
		return nil, errors.Annotatef(err, "looking up user %q", userName)
	}

	policy := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Sid:    "SiteContent",
			Effect: "Allow",
			Action: []string{
				"s3:GetObject",
				"s3:PutObject",
				"s3:DeleteObject",
				"s3:ListBucket",
			},
			Resource: []string{bucket.ARN, bucket.ARN + "/*"},
		}, {
			Sid:      "CacheInvalidation",
			Effect:   "Allow",
			Action:   []string{"cloudfront:CreateInvalidation"},
			Resource: []string{distributionARN},
		}},
	}
	doc, err := json.Marshal(policy)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := b.IAM.PutUserPolicy(ctx, &iam.PutUserPolicyInput{
		UserName:       sdkaws.String(userName),
		PolicyName:     sdkaws.String(userName + "-policy"),
		PolicyDocument: sdkaws.String(string(doc)),
	}); err != nil {
		return nil, errors.Annotatef(err, "attaching policy to user %q", userName)
	}

	owner, err := b.Namer.StickyName(ctx, naming.RoleKeySecret)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ref, _, err := b.Secrets.EnsureValue(ctx, owner, tags, func() (string, error) {
		key, err := b.IAM.CreateAccessKey(ctx, &iam.CreateAccessKeyInput{
			UserName: sdkaws.String(userName),
		})
		if err != nil {
			return "", errors.Annotatef(err, "issuing access key for %q", userName)
		}
		record, err := json.Marshal(keyMaterial{
			AccessKeyID:     sdkaws.ToString(key.AccessKey.AccessKeyId),
			SecretAccessKey: sdkaws.ToString(key.AccessKey.SecretAccessKey),
		})
		if err != nil {
			return "", errors.Trace(err)
		}
		return string(record), nil
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	// The key id is an identifier, not secret material; it goes in the
	// descriptor so pipelines know which pair the store holds.
	value, _, err := b.Secrets.Store().GetValue(ctx, owner)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var material keyMaterial
	if err := json.Unmarshal([]byte(value), &material); err != nil {
		return nil, errors.Annotatef(err, "decoding key material for %q", userName)
	}
	return &Credential{
		UserName:    userName,
		AccessKeyID: material.AccessKeyID,
		SecretRef:   ref,
	}, nil
}

// EnsureExecutionRole resolves the task execution role for a container
// service. When the service has a database secret, the role is also
// granted read on exactly that secret so the platform can inject it at
// task start.
func (b *AccessBuilder) EnsureExecutionRole(ctx context.Context, dbSecretARN string, extraTags map[string]string) (string, error) {
	roleName := b.Namer.ResourceName(naming.RoleExecutionRole)

	var roleARN string
	out, err := b.IAM.GetRole(ctx, &iam.GetRoleInput{RoleName: sdkaws.String(roleName)})
	switch {
	case err == nil:
		if err := checkIAMOwnership("role", roleName, out.Role.Tags); err != nil {
			return "", errors.Trace(err)
		}
		roleARN = sdkaws.ToString(out.Role.Arn)
	case hasErrorCode(err, "NoSuchEntity"):
		trust := policyDocument{
			Version: "2012-10-17",
			Statement: []policyStatement{{
				Effect:    "Allow",
				Principal: &policyPrincipal{Service: "ecs-tasks.amazonaws.com"},
				Action:    []string{"sts:AssumeRole"},
			}},
		}
		doc, err := json.Marshal(trust)
		if err != nil {
			return "", errors.Trace(err)
		}
		created, err := b.IAM.CreateRole(ctx, &iam.CreateRoleInput{
			RoleName:                 sdkaws.String(roleName),
			AssumeRolePolicyDocument: sdkaws.String(string(doc)),
			Tags:                     iamTags(b.Namer.Tags(roleName, extraTags)),
		})
		if err != nil {
			return "", errors.Annotatef(err, "creating role %q", roleName)
		}
		roleARN = sdkaws.ToString(created.Role.Arn)
		logger.Infof("created execution role %q", roleName)
	default:
		return "", errors.Annotatef(err, "looking up role %q", roleName)
	}

	if _, err := b.IAM.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  sdkaws.String(roleName),
		PolicyArn: sdkaws.String(ecsTaskExecutionPolicyARN),
	}); err != nil {
		return "", errors.Annotatef(err, "attaching execution policy to %q", roleName)
	}

	if dbSecretARN != "" {
		policy := policyDocument{
			Version: "2012-10-17",
			Statement: []policyStatement{{
				Sid:      "ReadDatabaseSecret",
				Effect:   "Allow",
				Action:   []string{"secretsmanager:GetSecretValue"},
				Resource: []string{dbSecretARN},
			}},
		}
		doc, err := json.Marshal(policy)
		if err != nil {
			return "", errors.Trace(err)
		}
		if _, err := b.IAM.PutRolePolicy(ctx, &iam.PutRolePolicyInput{
			RoleName:       sdkaws.String(roleName),
			PolicyName:     sdkaws.String(roleName + "-secrets"),
			PolicyDocument: sdkaws.String(string(doc)),
		}); err != nil {
			return "", errors.Annotatef(err, "granting secret read to %q", roleName)
		}
	}
	return roleARN, nil
}

func checkIAMOwnership(kind, name string, tags []iamtypes.Tag) error {
	for _, t := range tags {
		if sdkaws.ToString(t.Key) == "Managed" {
			if v := sdkaws.ToString(t.Value); v != naming.ManagedBy() {
				return foreignResourceErr(kind, name, v)
			}
			return nil
		}
	}
	return foreignResourceErr(kind, name, "")
}

func iamTags(tags map[string]string) []iamtypes.Tag {
	return transform.Slice(sortedKeys(tags), func(k string) iamtypes.Tag {
		return iamtypes.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])}
	})
}
