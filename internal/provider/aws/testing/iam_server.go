// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// IAMServer simulates the slice of IAM the access builder drives.
type IAMServer struct {
	mu sync.Mutex

	users          map[string]*iamtypes.User
	userPolicies   map[string]map[string]string
	accessKeys     map[string][]iamtypes.AccessKey
	roles          map[string]*iamtypes.Role
	rolePolicies   map[string]map[string]string
	attachedToRole map[string][]string

	nextID int
}

// NewIAMServer returns an empty principal namespace.
func NewIAMServer() *IAMServer {
	return &IAMServer{
		users:          make(map[string]*iamtypes.User),
		userPolicies:   make(map[string]map[string]string),
		accessKeys:     make(map[string][]iamtypes.AccessKey),
		roles:          make(map[string]*iamtypes.Role),
		rolePolicies:   make(map[string]map[string]string),
		attachedToRole: make(map[string][]string),
	}
}

// AccessKeyCount reports how many keys a user holds.
func (s *IAMServer) AccessKeyCount(userName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.accessKeys[userName])
}

// UserPolicy returns an inline policy document of a user.
func (s *IAMServer) UserPolicy(userName, policyName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.userPolicies[userName][policyName]
	return doc, ok
}

// RolePolicy returns an inline policy document of a role.
func (s *IAMServer) RolePolicy(roleName, policyName string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.rolePolicies[roleName][policyName]
	return doc, ok
}

// AttachedRolePolicies returns the managed policy ARNs on a role.
func (s *IAMServer) AttachedRolePolicies(roleName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attachedToRole[roleName]
}

// AddForeignUser seeds a user carrying someone else's tags.
func (s *IAMServer) AddForeignUser(userName string, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var iamTags []iamtypes.Tag
	for k, v := range tags {
		iamTags = append(iamTags, iamtypes.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	s.users[userName] = &iamtypes.User{
		UserName: aws.String(userName),
		Arn:      aws.String("arn:aws:iam::123456789012:user/" + userName),
		Tags:     iamTags,
	}
}

func (s *IAMServer) GetUser(ctx context.Context, params *iam.GetUserInput, optFns ...func(*iam.Options)) (*iam.GetUserOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[aws.ToString(params.UserName)]
	if !ok {
		return nil, apiError("NoSuchEntity", "no user %s", aws.ToString(params.UserName))
	}
	return &iam.GetUserOutput{User: user}, nil
}

func (s *IAMServer) CreateUser(ctx context.Context, params *iam.CreateUserInput, optFns ...func(*iam.Options)) (*iam.CreateUserOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.UserName)
	if _, ok := s.users[name]; ok {
		return nil, apiError("EntityAlreadyExists", "user %s exists", name)
	}
	user := &iamtypes.User{
		UserName: params.UserName,
		Arn:      aws.String("arn:aws:iam::123456789012:user/" + name),
		Tags:     params.Tags,
	}
	s.users[name] = user
	return &iam.CreateUserOutput{User: user}, nil
}

func (s *IAMServer) PutUserPolicy(ctx context.Context, params *iam.PutUserPolicyInput, optFns ...func(*iam.Options)) (*iam.PutUserPolicyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.UserName)
	if _, ok := s.users[name]; !ok {
		return nil, apiError("NoSuchEntity", "no user %s", name)
	}
	if s.userPolicies[name] == nil {
		s.userPolicies[name] = make(map[string]string)
	}
	s.userPolicies[name][aws.ToString(params.PolicyName)] = aws.ToString(params.PolicyDocument)
	return &iam.PutUserPolicyOutput{}, nil
}

func (s *IAMServer) CreateAccessKey(ctx context.Context, params *iam.CreateAccessKeyInput, optFns ...func(*iam.Options)) (*iam.CreateAccessKeyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.UserName)
	if _, ok := s.users[name]; !ok {
		return nil, apiError("NoSuchEntity", "no user %s", name)
	}
	if len(s.accessKeys[name]) >= 2 {
		return nil, apiError("LimitExceeded", "user %s already has 2 keys", name)
	}
	s.nextID++
	key := iamtypes.AccessKey{
		UserName:        params.UserName,
		AccessKeyId:     aws.String(fmt.Sprintf("AKIA%08d", s.nextID)),
		SecretAccessKey: aws.String(fmt.Sprintf("secret-material-%08d", s.nextID)),
		Status:          iamtypes.StatusTypeActive,
	}
	s.accessKeys[name] = append(s.accessKeys[name], key)
	return &iam.CreateAccessKeyOutput{AccessKey: &key}, nil
}

func (s *IAMServer) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	role, ok := s.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, apiError("NoSuchEntity", "no role %s", aws.ToString(params.RoleName))
	}
	return &iam.GetRoleOutput{Role: role}, nil
}

func (s *IAMServer) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.RoleName)
	if _, ok := s.roles[name]; ok {
		return nil, apiError("EntityAlreadyExists", "role %s exists", name)
	}
	role := &iamtypes.Role{
		RoleName:                 params.RoleName,
		Arn:                      aws.String("arn:aws:iam::123456789012:role/" + name),
		AssumeRolePolicyDocument: params.AssumeRolePolicyDocument,
		Tags:                     params.Tags,
	}
	s.roles[name] = role
	return &iam.CreateRoleOutput{Role: role}, nil
}

func (s *IAMServer) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.RoleName)
	if _, ok := s.roles[name]; !ok {
		return nil, apiError("NoSuchEntity", "no role %s", name)
	}
	arn := aws.ToString(params.PolicyArn)
	for _, attached := range s.attachedToRole[name] {
		if attached == arn {
			return &iam.AttachRolePolicyOutput{}, nil
		}
	}
	s.attachedToRole[name] = append(s.attachedToRole[name], arn)
	return &iam.AttachRolePolicyOutput{}, nil
}

func (s *IAMServer) PutRolePolicy(ctx context.Context, params *iam.PutRolePolicyInput, optFns ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.RoleName)
	if _, ok := s.roles[name]; !ok {
		return nil, apiError("NoSuchEntity", "no role %s", name)
	}
	if s.rolePolicies[name] == nil {
		s.rolePolicies[name] = make(map[string]string)
	}
	s.rolePolicies[name][aws.ToString(params.PolicyName)] = aws.ToString(params.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}
