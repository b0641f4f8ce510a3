// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"
)

// RDSServer simulates the slice of RDS the database builder drives.
type RDSServer struct {
	mu sync.Mutex

	// CreatingPolls is how many times a fresh instance reports
	// creating before flipping to available.
	CreatingPolls int

	instances    map[string]*rdstypes.DBInstance
	subnetGroups map[string]*rds.CreateDBSubnetGroupInput
	inputs       map[string]*rds.CreateDBInstanceInput
	polled       map[string]int
	modifies     map[string]int
}

// NewRDSServer returns an empty instance namespace.
func NewRDSServer() *RDSServer {
	return &RDSServer{
		instances:    make(map[string]*rdstypes.DBInstance),
		subnetGroups: make(map[string]*rds.CreateDBSubnetGroupInput),
		inputs:       make(map[string]*rds.CreateDBInstanceInput),
		polled:       make(map[string]int),
		modifies:     make(map[string]int),
	}
}

// InstanceCount reports how many instances exist.
func (s *RDSServer) InstanceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

// CreateInput returns the creation input recorded for an instance.
func (s *RDSServer) CreateInput(id string) (*rds.CreateDBInstanceInput, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.inputs[id]
	return in, ok
}

// Instance returns a copy of the stored instance record.
func (s *RDSServer) Instance(id string) (rdstypes.DBInstance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	db, ok := s.instances[id]
	if !ok {
		return rdstypes.DBInstance{}, false
	}
	return *db, true
}

// ModifyCount reports how many modifications an instance received.
func (s *RDSServer) ModifyCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modifies[id]
}

func (s *RDSServer) DescribeDBInstances(ctx context.Context, params *rds.DescribeDBInstancesInput, optFns ...func(*rds.Options)) (*rds.DescribeDBInstancesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := aws.ToString(params.DBInstanceIdentifier)
	db, ok := s.instances[id]
	if !ok {
		return nil, apiError("DBInstanceNotFound", "no instance %s", id)
	}
	if aws.ToString(db.DBInstanceStatus) == "creating" {
		s.polled[id]++
		if s.polled[id] > s.CreatingPolls {
			db.DBInstanceStatus = aws.String("available")
			db.Endpoint = &rdstypes.Endpoint{
				Address: aws.String(fmt.Sprintf("%s.abcdefgh.eu-west-1.rds.amazonaws.com", id)),
				Port:    s.inputs[id].Port,
			}
		}
	}
	return &rds.DescribeDBInstancesOutput{DBInstances: []rdstypes.DBInstance{*db}}, nil
}

func (s *RDSServer) CreateDBSubnetGroup(ctx context.Context, params *rds.CreateDBSubnetGroupInput, optFns ...func(*rds.Options)) (*rds.CreateDBSubnetGroupOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := aws.ToString(params.DBSubnetGroupName)
	if _, ok := s.subnetGroups[name]; ok {
		return nil, apiError("DBSubnetGroupAlreadyExists", "subnet group %s exists", name)
	}
	s.subnetGroups[name] = params
	return &rds.CreateDBSubnetGroupOutput{
		DBSubnetGroup: &rdstypes.DBSubnetGroup{DBSubnetGroupName: params.DBSubnetGroupName},
	}, nil
}

func (s *RDSServer) CreateDBInstance(ctx context.Context, params *rds.CreateDBInstanceInput, optFns ...func(*rds.Options)) (*rds.CreateDBInstanceOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := aws.ToString(params.DBInstanceIdentifier)
	if _, ok := s.instances[id]; ok {
		return nil, apiError("DBInstanceAlreadyExists", "instance %s exists", id)
	}
	db := &rdstypes.DBInstance{
		DBInstanceIdentifier: params.DBInstanceIdentifier,
		DBInstanceArn:        aws.String("arn:aws:rds:eu-west-1:123456789012:db:" + id),
		Engine:               params.Engine,
		DBInstanceClass:      params.DBInstanceClass,
		AllocatedStorage:     params.AllocatedStorage,
		MaxAllocatedStorage:  params.MaxAllocatedStorage,
		DBInstanceStatus:     aws.String("creating"),
		DeletionProtection:   params.DeletionProtection,
	}
	if s.CreatingPolls == 0 {
		db.DBInstanceStatus = aws.String("available")
		db.Endpoint = &rdstypes.Endpoint{
			Address: aws.String(fmt.Sprintf("%s.abcdefgh.eu-west-1.rds.amazonaws.com", id)),
			Port:    params.Port,
		}
	}
	s.instances[id] = db
	s.inputs[id] = params
	return &rds.CreateDBInstanceOutput{DBInstance: db}, nil
}

func (s *RDSServer) ModifyDBInstance(ctx context.Context, params *rds.ModifyDBInstanceInput, optFns ...func(*rds.Options)) (*rds.ModifyDBInstanceOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := aws.ToString(params.DBInstanceIdentifier)
	db, ok := s.instances[id]
	if !ok {
		return nil, apiError("DBInstanceNotFound", "no instance %s", id)
	}
	if params.DeletionProtection != nil {
		db.DeletionProtection = params.DeletionProtection
	}
	if params.DBInstanceClass != nil {
		db.DBInstanceClass = params.DBInstanceClass
	}
	if params.MaxAllocatedStorage != nil {
		db.MaxAllocatedStorage = params.MaxAllocatedStorage
	}
	s.modifies[id]++
	return &rds.ModifyDBInstanceOutput{DBInstance: db}, nil
}
