// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package secrets

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/smithy-go"
	"github.com/juju/errors"
)

// Store is the managed secret store the service persists secret
// material in, keyed by owner identity.
type Store interface {
	// GetValue returns the current value of the named secret, or
	// errors.NotFound.
	GetValue(ctx context.Context, name string) (value, arn string, err error)

	// Create stores a new secret and returns its ARN, or
	// errors.AlreadyExists if the name is taken.
	Create(ctx context.Context, name, value string, tags map[string]string) (arn string, err error)

	// PutValue writes a new version of an existing secret.
	PutValue(ctx context.Context, name, value string) error
}

// SecretsManagerClient is the slice of the Secrets Manager API the
// store needs.
type SecretsManagerClient interface {
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

// NewStore returns a Store backed by AWS Secrets Manager.
func NewStore(client SecretsManagerClient) Store {
	return &awsStore{client: client}
}

type awsStore struct {
	client SecretsManagerClient
}

func (s *awsStore) GetValue(ctx context.Context, name string) (string, string, error) {
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		if hasErrorCode(err, "ResourceNotFoundException") {
			return "", "", errors.NotFoundf("secret %q", name)
		}
		return "", "", errors.Annotatef(err, "reading secret %q", name)
	}
	return aws.ToString(out.SecretString), aws.ToString(out.ARN), nil
}

func (s *awsStore) Create(ctx context.Context, name, value string, tags map[string]string) (string, error) {
	var smTags []smtypes.Tag
	for k, v := range tags {
		smTags = append(smTags, smtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	out, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(name),
		SecretString: aws.String(value),
		Tags:         smTags,
	})
	if err != nil {
		if hasErrorCode(err, "ResourceExistsException") {
			return "", errors.AlreadyExistsf("secret %q", name)
		}
		return "", errors.Annotatef(err, "creating secret %q", name)
	}
	return aws.ToString(out.ARN), nil
}

func (s *awsStore) PutValue(ctx context.Context, name, value string) error {
	_, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(value),
	})
	if err != nil {
		if hasErrorCode(err, "ResourceNotFoundException") {
			return errors.NotFoundf("secret %q", name)
		}
		return errors.Annotatef(err, "writing secret %q", name)
	}
	return nil
}

func hasErrorCode(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, code := range codes {
		if apiErr.ErrorCode() == code {
			return true
		}
	}
	return false
}
