// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type secret struct {
	arn   string
	value string
}

// SecretsManagerServer simulates the secret store API.
type SecretsManagerServer struct {
	mu sync.Mutex

	secrets map[string]*secret
	creates int
}

// NewSecretsManagerServer returns an empty secret namespace.
func NewSecretsManagerServer() *SecretsManagerServer {
	return &SecretsManagerServer{secrets: make(map[string]*secret)}
}

// Creates reports how many secrets were created, for create-once
// assertions.
func (s *SecretsManagerServer) Creates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creates
}

// Value returns the stored value of a secret.
func (s *SecretsManagerServer) Value(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sec, ok := s.secrets[name]; ok {
		return sec.value, true
	}
	return "", false
}

func (s *SecretsManagerServer) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.Name)
	if _, ok := s.secrets[name]; ok {
		return nil, apiError("ResourceExistsException", "secret %s exists", name)
	}
	sec := &secret{
		arn:   "arn:aws:secretsmanager:eu-west-1:123456789012:secret:" + name,
		value: aws.ToString(params.SecretString),
	}
	s.secrets[name] = sec
	s.creates++
	return &secretsmanager.CreateSecretOutput{
		ARN:  aws.String(sec.arn),
		Name: params.Name,
	}, nil
}

func (s *SecretsManagerServer) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.SecretId)
	sec, ok := s.secrets[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "no secret %s", name)
	}
	return &secretsmanager.GetSecretValueOutput{
		ARN:          aws.String(sec.arn),
		Name:         params.SecretId,
		SecretString: aws.String(sec.value),
	}, nil
}

func (s *SecretsManagerServer) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.SecretId)
	sec, ok := s.secrets[name]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "no secret %s", name)
	}
	sec.value = aws.ToString(params.SecretString)
	return &secretsmanager.PutSecretValueOutput{
		ARN:  aws.String(sec.arn),
		Name: params.SecretId,
	}, nil
}
