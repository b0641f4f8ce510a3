// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

type bucket struct {
	tags       []types.Tag
	versioning types.BucketVersioningStatus
	encrypted  bool
	blocked    bool
	policy     string
}

// S3Server simulates the slice of S3 the storage builder drives.
type S3Server struct {
	mu sync.Mutex

	buckets map[string]*bucket

	// foreign names behave as taken by another account.
	foreign map[string]bool
}

// NewS3Server returns an empty bucket namespace.
func NewS3Server() *S3Server {
	return &S3Server{
		buckets: make(map[string]*bucket),
		foreign: make(map[string]bool),
	}
}

// AddForeignBucket marks a name as owned by another account.
func (s *S3Server) AddForeignBucket(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.foreign[name] = true
}

// BucketCount reports how many buckets exist.
func (s *S3Server) BucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Bucket reports a bucket's hardening state for assertions.
func (s *S3Server) Bucket(name string) (versioning, encrypted, blocked bool, policy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[name]
	if !ok {
		return false, false, false, ""
	}
	return b.versioning == types.BucketVersioningStatusEnabled, b.encrypted, b.blocked, b.policy
}

func (s *S3Server) lookup(name string) (*bucket, error) {
	b, ok := s.buckets[name]
	if !ok {
		return nil, apiError("NoSuchBucket", "bucket %s not found", name)
	}
	return b, nil
}

func (s *S3Server) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[aws.ToString(params.Bucket)]; !ok {
		return nil, apiError("NotFound", "bucket not found")
	}
	return &s3.HeadBucketOutput{}, nil
}

func (s *S3Server) CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.Bucket)
	if s.foreign[name] {
		return nil, apiError("BucketAlreadyExists", "bucket %s taken", name)
	}
	if _, ok := s.buckets[name]; ok {
		return nil, apiError("BucketAlreadyOwnedByYou", "bucket %s is yours", name)
	}
	s.buckets[name] = &bucket{}
	return &s3.CreateBucketOutput{Location: aws.String("/" + name)}, nil
}

func (s *S3Server) GetBucketTagging(ctx context.Context, params *s3.GetBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookup(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	if len(b.tags) == 0 {
		return nil, apiError("NoSuchTagSet", "no tags")
	}
	return &s3.GetBucketTaggingOutput{TagSet: b.tags}, nil
}

func (s *S3Server) PutBucketTagging(ctx context.Context, params *s3.PutBucketTaggingInput, optFns ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookup(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	b.tags = params.Tagging.TagSet
	return &s3.PutBucketTaggingOutput{}, nil
}

func (s *S3Server) PutBucketVersioning(ctx context.Context, params *s3.PutBucketVersioningInput, optFns ...func(*s3.Options)) (*s3.PutBucketVersioningOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookup(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	b.versioning = params.VersioningConfiguration.Status
	return &s3.PutBucketVersioningOutput{}, nil
}

func (s *S3Server) PutBucketEncryption(ctx context.Context, params *s3.PutBucketEncryptionInput, optFns ...func(*s3.Options)) (*s3.PutBucketEncryptionOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookup(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	b.encrypted = true
	return &s3.PutBucketEncryptionOutput{}, nil
}

func (s *S3Server) PutPublicAccessBlock(ctx context.Context, params *s3.PutPublicAccessBlockInput, optFns ...func(*s3.Options)) (*s3.PutPublicAccessBlockOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookup(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	cfg := params.PublicAccessBlockConfiguration
	b.blocked = aws.ToBool(cfg.BlockPublicAcls) && aws.ToBool(cfg.BlockPublicPolicy) &&
		aws.ToBool(cfg.IgnorePublicAcls) && aws.ToBool(cfg.RestrictPublicBuckets)
	return &s3.PutPublicAccessBlockOutput{}, nil
}

func (s *S3Server) PutBucketPolicy(ctx context.Context, params *s3.PutBucketPolicyInput, optFns ...func(*s3.Options)) (*s3.PutBucketPolicyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.lookup(aws.ToString(params.Bucket))
	if err != nil {
		return nil, err
	}
	b.policy = aws.ToString(params.Policy)
	return &s3.PutBucketPolicyOutput{}, nil
}
