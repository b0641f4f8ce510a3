// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"context"
	"encoding/json"
	"fmt"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/collections/transform"
	"github.com/juju/errors"

	"github.com/agentx/provisioner/internal/naming"
)

// S3Client is the slice of the S3 API the storage builder uses.
type S3Client interface {
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(ctx context.Context, params *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error)
	PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error)
	PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error)
	PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error)
}

// Bucket describes the provisioned origin container.
type Bucket struct {
	Name string
	ARN  string

	// RegionalDomain is the origin domain the delivery distribution
	// reads from.
	RegionalDomain string
}

// StorageBuilder constructs the private, versioned, encrypted origin
// bucket for static site workloads. The bucket is never publicly
// readable; read access is granted to one specific delivery
// distribution via AttachDeliveryPolicy.
type StorageBuilder struct {
	S3     S3Client
	Namer  *naming.Namer
	Region string
}

// EnsureBucket resolves the origin bucket, creating and hardening it
// if missing.
func (b *StorageBuilder) EnsureBucket(ctx context.Context, extraTags map[string]string) (*Bucket, error) {
	name := b.Namer.ResourceName(naming.RoleBucket)
	bucket := &Bucket{
		Name:           name,
		ARN:            "arn:aws:s3:::" + name,
		RegionalDomain: fmt.Sprintf("%s.s3.%s.amazonaws.com", name, b.Region),
	}

	_, err := b.S3.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: sdkaws.String(name)})
	switch {
	case err == nil:
		if err := b.checkOwnership(ctx, name); err != nil {
			return nil, errors.Trace(err)
		}
	case hasErrorCode(err, "NotFound", "NoSuchBucket"):
		input := &s3.CreateBucketInput{Bucket: sdkaws.String(name)}
		// us-east-1 is the default location and must not be named.
		if b.Region != "us-east-1" {
			input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
				LocationConstraint: s3types.BucketLocationConstraint(b.Region),
			}
		}
		if _, err := b.S3.CreateBucket(ctx, input); err != nil {
			if hasErrorCode(err, "BucketAlreadyExists") {
				// The global namespace is shared; a foreign owner
				// holding our derived name is a conflict, not ours
				// to adopt.
				return nil, conflictf("bucket %q owned by another account", name)
			}
			if !hasErrorCode(err, "BucketAlreadyOwnedByYou") {
				return nil, errors.Annotatef(err, "creating bucket %q", name)
			}
		}
		tags := b.Namer.Tags(name, extraTags)
		if _, err := b.S3.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  sdkaws.String(name),
			Tagging: &s3types.Tagging{TagSet: s3Tags(tags)},
		}); err != nil {
			return nil, errors.Annotatef(err, "tagging bucket %q", name)
		}
		logger.Infof("created bucket %q", name)
	default:
		return nil, errors.Annotatef(err, "looking up bucket %q", name)
	}

	// Hardening calls are idempotent: re-applying them converges an
	// existing bucket that drifted.
	if _, err := b.S3.PutBucketVersioning(ctx, &s3.PutBucketVersioningInput{
		Bucket: sdkaws.String(name),
		VersioningConfiguration: &s3types.VersioningConfiguration{
			Status: s3types.BucketVersioningStatusEnabled,
		},
	}); err != nil {
		return nil, errors.Annotatef(err, "enabling versioning on %q", name)
	}
	if _, err := b.S3.PutBucketEncryption(ctx, &s3.PutBucketEncryptionInput{
		Bucket: sdkaws.String(name),
		ServerSideEncryptionConfiguration: &s3types.ServerSideEncryptionConfiguration{
			Rules: []s3types.ServerSideEncryptionRule{{
				ApplyServerSideEncryptionByDefault: &s3types.ServerSideEncryptionByDefault{
					SSEAlgorithm: s3types.ServerSideEncryptionAes256,
				},
			}},
		},
	}); err != nil {
		return nil, errors.Annotatef(err, "enabling encryption on %q", name)
	}
	if _, err := b.S3.PutPublicAccessBlock(ctx, &s3.PutPublicAccessBlockInput{
		Bucket: sdkaws.String(name),
		PublicAccessBlockConfiguration: &s3types.PublicAccessBlockConfiguration{
			BlockPublicAcls:       sdkaws.Bool(true),
			BlockPublicPolicy:     sdkaws.Bool(true),
			IgnorePublicAcls:      sdkaws.Bool(true),
			RestrictPublicBuckets: sdkaws.Bool(true),
		},
	}); err != nil {
		return nil, errors.Annotatef(err, "blocking public access on %q", name)
	}
	return bucket, nil
}

// AttachDeliveryPolicy grants read access on the bucket to exactly one
// delivery distribution. The grant is keyed to the distribution's ARN,
// not a wildcard service principal.
func (b *StorageBuilder) AttachDeliveryPolicy(ctx context.Context, bucket *Bucket, distributionARN string) error {
	policy := policyDocument{
		Version: "2012-10-17",
		Statement: []policyStatement{{
			Sid:       "AllowDeliveryDistributionRead",
			Effect:    "Allow",
			Principal: &policyPrincipal{Service: "cloudfront.amazonaws.com"},
			Action:    []string{"s3:GetObject"},
			Resource:  []string{bucket.ARN + "/*"},
			Condition: map[string]map[string]string{
				"StringEquals": {"AWS:SourceArn": distributionARN},
			},
		}},
	}
	doc, err := json.Marshal(policy)
	if err != nil {
		return errors.Trace(err)
	}
	if _, err := b.S3.PutBucketPolicy(ctx, &s3.PutBucketPolicyInput{
		Bucket: sdkaws.String(bucket.Name),
		Policy: sdkaws.String(string(doc)),
	}); err != nil {
		return errors.Annotatef(err, "attaching delivery policy to %q", bucket.Name)
	}
	return nil
}

func (b *StorageBuilder) checkOwnership(ctx context.Context, name string) error {
	out, err := b.S3.GetBucketTagging(ctx, &s3.GetBucketTaggingInput{Bucket: sdkaws.String(name)})
	if err != nil {
		if hasErrorCode(err, "NoSuchTagSet") {
			return foreignResourceErr("bucket", name, "")
		}
		return errors.Annotatef(err, "reading tags of bucket %q", name)
	}
	for _, t := range out.TagSet {
		if sdkaws.ToString(t.Key) == "Managed" {
			if v := sdkaws.ToString(t.Value); v != naming.ManagedBy() {
				return foreignResourceErr("bucket", name, v)
			}
			return nil
		}
	}
	return foreignResourceErr("bucket", name, "")
}

func s3Tags(tags map[string]string) []s3types.Tag {
	return transform.Slice(sortedKeys(tags), func(k string) s3types.Tag {
		return s3types.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])}
	})
}

// Minimal IAM-style policy document model, shared by the storage and
// access builders.
type policyDocument struct {
	Version   string            `json:"Version"`
	Statement []policyStatement `json:"Statement"`
}

type policyStatement struct {
	Sid       string                       `json:"Sid,omitempty"`
	Effect    string                       `json:"Effect"`
	Principal *policyPrincipal             `json:"Principal,omitempty"`
	Action    []string                     `json:"Action"`
	Resource  []string                     `json:"Resource,omitempty"`
	Condition map[string]map[string]string `json:"Condition,omitempty"`
}

type policyPrincipal struct {
	Service string `json:"Service,omitempty"`
}
