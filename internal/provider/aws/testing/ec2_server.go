// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// EC2Server simulates the slice of EC2 the network builder drives.
type EC2Server struct {
	mu sync.Mutex

	// Zones are the availability zones the region reports.
	Zones []string

	// NatPendingPolls is how many times a fresh NAT gateway reports
	// pending before flipping to available.
	NatPendingPolls int

	vpcs         map[string]*types.Vpc
	subnets      map[string]*types.Subnet
	gateways     map[string]*internetGateway
	addresses    map[string]*types.Address
	natGateways  map[string]*natGateway
	routeTables  map[string]*types.RouteTable
	associations map[string]string
	groups       map[string]*types.SecurityGroup

	nextID int
}

type internetGateway struct {
	gateway     types.InternetGateway
	attachedVPC string
}

type natGateway struct {
	gateway types.NatGateway
	polls   int
}

// NewEC2Server returns a simulator for a region with the given zones.
func NewEC2Server(zones ...string) *EC2Server {
	if len(zones) == 0 {
		zones = []string{"eu-west-1a", "eu-west-1b", "eu-west-1c"}
	}
	return &EC2Server{
		Zones:        zones,
		vpcs:         make(map[string]*types.Vpc),
		subnets:      make(map[string]*types.Subnet),
		gateways:     make(map[string]*internetGateway),
		addresses:    make(map[string]*types.Address),
		natGateways:  make(map[string]*natGateway),
		routeTables:  make(map[string]*types.RouteTable),
		associations: make(map[string]string),
		groups:       make(map[string]*types.SecurityGroup),
	}
}

func (s *EC2Server) newID(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%08d", prefix, s.nextID)
}

// VPCCount reports how many VPCs exist, for idempotence assertions.
func (s *EC2Server) VPCCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vpcs)
}

// SubnetCount reports how many subnets exist.
func (s *EC2Server) SubnetCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subnets)
}

// GroupPermissions returns the ingress permissions of a group.
func (s *EC2Server) GroupPermissions(groupID string) []types.IpPermission {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupID]; ok {
		return g.IpPermissions
	}
	return nil
}

// SetVPCTag rewrites one tag on an existing VPC, to simulate foreign
// or drifted resources.
func (s *EC2Server) SetVPCTag(vpcID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vpc := s.vpcs[vpcID]
	for i, t := range vpc.Tags {
		if aws.ToString(t.Key) == key {
			vpc.Tags[i].Value = aws.String(value)
			return
		}
	}
	vpc.Tags = append(vpc.Tags, types.Tag{Key: aws.String(key), Value: aws.String(value)})
}

// SetSubnetTag rewrites one tag on an existing subnet.
func (s *EC2Server) SetSubnetTag(subnetID, key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subnet := s.subnets[subnetID]
	for i, t := range subnet.Tags {
		if aws.ToString(t.Key) == key {
			subnet.Tags[i].Value = aws.String(value)
			return
		}
	}
	subnet.Tags = append(subnet.Tags, types.Tag{Key: aws.String(key), Value: aws.String(value)})
}

func specTags(specs []types.TagSpecification) []types.Tag {
	var tags []types.Tag
	for _, spec := range specs {
		tags = append(tags, spec.Tags...)
	}
	return tags
}

// matchFilters applies the subset of filter semantics the builders
// use: tag:* filters match tags, anything else matches attrs.
func matchFilters(filters []types.Filter, tags []types.Tag, attrs map[string]string) bool {
	for _, f := range filters {
		name := aws.ToString(f.Name)
		var actual string
		if strings.HasPrefix(name, "tag:") {
			key := strings.TrimPrefix(name, "tag:")
			for _, t := range tags {
				if aws.ToString(t.Key) == key {
					actual = aws.ToString(t.Value)
				}
			}
		} else {
			actual = attrs[name]
		}
		matched := false
		for _, v := range f.Values {
			if v == actual {
				matched = true
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (s *EC2Server) DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeAvailabilityZonesOutput{}
	for _, z := range s.Zones {
		out.AvailabilityZones = append(out.AvailabilityZones, types.AvailabilityZone{
			ZoneName: aws.String(z),
			State:    types.AvailabilityZoneStateAvailable,
		})
	}
	return out, nil
}

func (s *EC2Server) DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeVpcsOutput{}
	for _, vpc := range s.vpcs {
		if matchFilters(params.Filters, vpc.Tags, nil) {
			out.Vpcs = append(out.Vpcs, *vpc)
		}
	}
	return out, nil
}

func (s *EC2Server) CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	vpc := &types.Vpc{
		VpcId:     aws.String(s.newID("vpc")),
		CidrBlock: params.CidrBlock,
		State:     types.VpcStateAvailable,
		Tags:      specTags(params.TagSpecifications),
	}
	s.vpcs[aws.ToString(vpc.VpcId)] = vpc
	return &ec2.CreateVpcOutput{Vpc: vpc}, nil
}

func (s *EC2Server) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeSubnetsOutput{}
	for _, subnet := range s.subnets {
		attrs := map[string]string{"vpc-id": aws.ToString(subnet.VpcId)}
		if matchFilters(params.Filters, subnet.Tags, attrs) {
			out.Subnets = append(out.Subnets, *subnet)
		}
	}
	return out, nil
}

func (s *EC2Server) CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.subnets {
		if aws.ToString(existing.VpcId) == aws.ToString(params.VpcId) &&
			aws.ToString(existing.CidrBlock) == aws.ToString(params.CidrBlock) {
			return nil, apiError("InvalidSubnet.Conflict", "CIDR %s in use", aws.ToString(params.CidrBlock))
		}
	}
	subnet := &types.Subnet{
		SubnetId:         aws.String(s.newID("subnet")),
		VpcId:            params.VpcId,
		AvailabilityZone: params.AvailabilityZone,
		CidrBlock:        params.CidrBlock,
		State:            types.SubnetStateAvailable,
		Tags:             specTags(params.TagSpecifications),
	}
	s.subnets[aws.ToString(subnet.SubnetId)] = subnet
	return &ec2.CreateSubnetOutput{Subnet: subnet}, nil
}

func (s *EC2Server) DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeInternetGatewaysOutput{}
	for _, igw := range s.gateways {
		if matchFilters(params.Filters, igw.gateway.Tags, nil) {
			out.InternetGateways = append(out.InternetGateways, igw.gateway)
		}
	}
	return out, nil
}

func (s *EC2Server) CreateInternetGateway(ctx context.Context, params *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	igw := &internetGateway{
		gateway: types.InternetGateway{
			InternetGatewayId: aws.String(s.newID("igw")),
			Tags:              specTags(params.TagSpecifications),
		},
	}
	s.gateways[aws.ToString(igw.gateway.InternetGatewayId)] = igw
	return &ec2.CreateInternetGatewayOutput{InternetGateway: &igw.gateway}, nil
}

func (s *EC2Server) AttachInternetGateway(ctx context.Context, params *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	igw, ok := s.gateways[aws.ToString(params.InternetGatewayId)]
	if !ok {
		return nil, apiError("InvalidInternetGatewayID.NotFound", "no such gateway")
	}
	if igw.attachedVPC != "" {
		return nil, apiError("Resource.AlreadyAssociated", "gateway already attached")
	}
	igw.attachedVPC = aws.ToString(params.VpcId)
	return &ec2.AttachInternetGatewayOutput{}, nil
}

func (s *EC2Server) DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeAddressesOutput{}
	for _, addr := range s.addresses {
		if matchFilters(params.Filters, addr.Tags, nil) {
			out.Addresses = append(out.Addresses, *addr)
		}
	}
	return out, nil
}

func (s *EC2Server) AllocateAddress(ctx context.Context, params *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.newID("eipalloc")
	s.addresses[id] = &types.Address{
		AllocationId: aws.String(id),
		Domain:       params.Domain,
		Tags:         specTags(params.TagSpecifications),
	}
	return &ec2.AllocateAddressOutput{AllocationId: aws.String(id)}, nil
}

func (s *EC2Server) DescribeNatGateways(ctx context.Context, params *ec2.DescribeNatGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeNatGatewaysOutput{}
	for id, nat := range s.natGateways {
		wanted := len(params.NatGatewayIds) == 0
		for _, want := range params.NatGatewayIds {
			if want == id {
				wanted = true
			}
		}
		if !wanted {
			continue
		}
		// Pending gateways flip to available after a few polls.
		if nat.gateway.State == types.NatGatewayStatePending {
			nat.polls++
			if nat.polls > s.NatPendingPolls {
				nat.gateway.State = types.NatGatewayStateAvailable
			}
		}
		attrs := map[string]string{"state": string(nat.gateway.State)}
		if matchFilters(params.Filter, nat.gateway.Tags, attrs) {
			out.NatGateways = append(out.NatGateways, nat.gateway)
		}
	}
	return out, nil
}

func (s *EC2Server) CreateNatGateway(ctx context.Context, params *ec2.CreateNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := types.NatGatewayStateAvailable
	if s.NatPendingPolls > 0 {
		state = types.NatGatewayStatePending
	}
	nat := &natGateway{gateway: types.NatGateway{
		NatGatewayId: aws.String(s.newID("nat")),
		SubnetId:     params.SubnetId,
		State:        state,
		Tags:         specTags(params.TagSpecifications),
	}}
	s.natGateways[aws.ToString(nat.gateway.NatGatewayId)] = nat
	return &ec2.CreateNatGatewayOutput{NatGateway: &nat.gateway}, nil
}

func (s *EC2Server) DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeRouteTablesOutput{}
	for _, rt := range s.routeTables {
		attrs := map[string]string{"vpc-id": aws.ToString(rt.VpcId)}
		if matchFilters(params.Filters, rt.Tags, attrs) {
			out.RouteTables = append(out.RouteTables, *rt)
		}
	}
	return out, nil
}

func (s *EC2Server) CreateRouteTable(ctx context.Context, params *ec2.CreateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt := &types.RouteTable{
		RouteTableId: aws.String(s.newID("rtb")),
		VpcId:        params.VpcId,
		Tags:         specTags(params.TagSpecifications),
	}
	s.routeTables[aws.ToString(rt.RouteTableId)] = rt
	return &ec2.CreateRouteTableOutput{RouteTable: rt}, nil
}

func (s *EC2Server) CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rt, ok := s.routeTables[aws.ToString(params.RouteTableId)]
	if !ok {
		return nil, apiError("InvalidRouteTableID.NotFound", "no such route table")
	}
	for _, r := range rt.Routes {
		if aws.ToString(r.DestinationCidrBlock) == aws.ToString(params.DestinationCidrBlock) {
			return nil, apiError("RouteAlreadyExists", "route to %s exists", aws.ToString(params.DestinationCidrBlock))
		}
	}
	rt.Routes = append(rt.Routes, types.Route{
		DestinationCidrBlock: params.DestinationCidrBlock,
		GatewayId:            params.GatewayId,
		NatGatewayId:         params.NatGatewayId,
	})
	return &ec2.CreateRouteOutput{Return: aws.Bool(true)}, nil
}

func (s *EC2Server) AssociateRouteTable(ctx context.Context, params *ec2.AssociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subnet := aws.ToString(params.SubnetId)
	if rt, ok := s.associations[subnet]; ok && rt != aws.ToString(params.RouteTableId) {
		return nil, apiError("Resource.AlreadyAssociated", "subnet %s already associated", subnet)
	}
	s.associations[subnet] = aws.ToString(params.RouteTableId)
	return &ec2.AssociateRouteTableOutput{AssociationId: aws.String(s.newID("rtbassoc"))}, nil
}

func (s *EC2Server) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &ec2.DescribeSecurityGroupsOutput{}
	for _, g := range s.groups {
		attrs := map[string]string{
			"vpc-id":     aws.ToString(g.VpcId),
			"group-name": aws.ToString(g.GroupName),
		}
		if matchFilters(params.Filters, g.Tags, attrs) {
			out.SecurityGroups = append(out.SecurityGroups, *g)
		}
	}
	return out, nil
}

func (s *EC2Server) CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if aws.ToString(g.GroupName) == aws.ToString(params.GroupName) &&
			aws.ToString(g.VpcId) == aws.ToString(params.VpcId) {
			return nil, apiError("InvalidGroup.Duplicate", "group %s exists", aws.ToString(params.GroupName))
		}
	}
	g := &types.SecurityGroup{
		GroupId:     aws.String(s.newID("sg")),
		GroupName:   params.GroupName,
		Description: params.Description,
		VpcId:       params.VpcId,
		Tags:        specTags(params.TagSpecifications),
	}
	s.groups[aws.ToString(g.GroupId)] = g
	return &ec2.CreateSecurityGroupOutput{GroupId: g.GroupId}, nil
}

func (s *EC2Server) AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[aws.ToString(params.GroupId)]
	if !ok {
		return nil, apiError("InvalidGroup.NotFound", "no such group")
	}
	for _, p := range params.IpPermissions {
		if permissionIndex(g.IpPermissions, p) >= 0 {
			return nil, apiError("InvalidPermission.Duplicate", "permission exists")
		}
		g.IpPermissions = append(g.IpPermissions, p)
	}
	return &ec2.AuthorizeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func (s *EC2Server) RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[aws.ToString(params.GroupId)]
	if !ok {
		return nil, apiError("InvalidGroup.NotFound", "no such group")
	}
	for _, p := range params.IpPermissions {
		if i := permissionIndex(g.IpPermissions, p); i >= 0 {
			g.IpPermissions = append(g.IpPermissions[:i], g.IpPermissions[i+1:]...)
		}
	}
	return &ec2.RevokeSecurityGroupIngressOutput{Return: aws.Bool(true)}, nil
}

func permissionIndex(have []types.IpPermission, want types.IpPermission) int {
	for i, p := range have {
		if aws.ToString(p.IpProtocol) != aws.ToString(want.IpProtocol) ||
			aws.ToInt32(p.FromPort) != aws.ToInt32(want.FromPort) ||
			aws.ToInt32(p.ToPort) != aws.ToInt32(want.ToPort) {
			continue
		}
		if permSource(p) == permSource(want) {
			return i
		}
	}
	return -1
}

func permSource(p types.IpPermission) string {
	if len(p.IpRanges) > 0 {
		return "cidr:" + aws.ToString(p.IpRanges[0].CidrIp)
	}
	if len(p.UserIdGroupPairs) > 0 {
		return "group:" + aws.ToString(p.UserIdGroupPairs[0].GroupId)
	}
	return ""
}
