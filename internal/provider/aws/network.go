// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"context"
	"fmt"
	"strconv"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/agentx/provisioner/internal/naming"
)

// EC2Client is the slice of the EC2 API the network builder uses.
type EC2Client interface {
	DescribeAvailabilityZones(ctx context.Context, params *ec2.DescribeAvailabilityZonesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAvailabilityZonesOutput, error)
	DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error)
	CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error)
	DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error)
	CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error)
	DescribeInternetGateways(ctx context.Context, params *ec2.DescribeInternetGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInternetGatewaysOutput, error)
	CreateInternetGateway(ctx context.Context, params *ec2.CreateInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateInternetGatewayOutput, error)
	AttachInternetGateway(ctx context.Context, params *ec2.AttachInternetGatewayInput, optFns ...func(*ec2.Options)) (*ec2.AttachInternetGatewayOutput, error)
	DescribeAddresses(ctx context.Context, params *ec2.DescribeAddressesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error)
	AllocateAddress(ctx context.Context, params *ec2.AllocateAddressInput, optFns ...func(*ec2.Options)) (*ec2.AllocateAddressOutput, error)
	DescribeNatGateways(ctx context.Context, params *ec2.DescribeNatGatewaysInput, optFns ...func(*ec2.Options)) (*ec2.DescribeNatGatewaysOutput, error)
	CreateNatGateway(ctx context.Context, params *ec2.CreateNatGatewayInput, optFns ...func(*ec2.Options)) (*ec2.CreateNatGatewayOutput, error)
	DescribeRouteTables(ctx context.Context, params *ec2.DescribeRouteTablesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRouteTablesOutput, error)
	CreateRouteTable(ctx context.Context, params *ec2.CreateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteTableOutput, error)
	CreateRoute(ctx context.Context, params *ec2.CreateRouteInput, optFns ...func(*ec2.Options)) (*ec2.CreateRouteOutput, error)
	AssociateRouteTable(ctx context.Context, params *ec2.AssociateRouteTableInput, optFns ...func(*ec2.Options)) (*ec2.AssociateRouteTableOutput, error)
	DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error)
	CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error)
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2.RevokeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.RevokeSecurityGroupIngressOutput, error)
}

const (
	vpcCIDR = "10.0.0.0/16"

	// Offsets of the /24 blocks carved per availability zone.
	publicBlockBase  = 0
	privateBlockBase = 16
	dataBlockBase    = 32

	// DefaultZoneCount is how many failure domains a container
	// service network spans unless the caller asks for more.
	DefaultZoneCount = 2

	natWaitTimeout = 5 * time.Minute
	natPollDelay   = 10 * time.Second
)

// NetworkParams drives a network build for one container service.
type NetworkParams struct {
	// ZoneCount is the number of failure domains to span; zero means
	// DefaultZoneCount. If it exceeds the zones available in the
	// region the build fails before creating anything.
	ZoneCount int

	// WithDataSubnets adds the isolated data tier used by a managed
	// database.
	WithDataSubnets bool

	// ServicePort is the container port the service security group
	// admits from the load balancer group.
	ServicePort int32

	// DatabasePort is the engine port the database group admits from
	// the service group. Ignored unless WithDataSubnets.
	DatabasePort int32

	// ExtraTags are the caller's tags, merged under the engine's.
	ExtraTags map[string]string
}

// Network is the resolved network topology.
type Network struct {
	VPCID           string
	PublicSubnets   []string
	PrivateSubnets  []string
	DataSubnets     []string
	ALBGroupID      string
	ServiceGroupID  string
	DatabaseGroupID string
}

// NetworkBuilder constructs the virtual network for container service
// workloads: VPC, per-zone subnet tiers, gateways, routing and the
// chained least-privilege security groups.
type NetworkBuilder struct {
	EC2   EC2Client
	Namer *naming.Namer
	Clock clock.Clock
}

// Build resolves the network topology, creating whatever is missing
// and adopting what the engine created on a previous apply.
func (b *NetworkBuilder) Build(ctx context.Context, params NetworkParams) (*Network, error) {
	zoneCount := params.ZoneCount
	if zoneCount == 0 {
		zoneCount = DefaultZoneCount
	}
	zones, err := b.availableZones(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// Fail closed before any resource exists, rather than building a
	// partial topology.
	if zoneCount > len(zones) {
		return nil, errors.NotValidf("%d subnets requested with only %d availability zones", zoneCount, len(zones))
	}
	zones = zones[:zoneCount]

	vpcID, err := b.ensureVPC(ctx, params.ExtraTags)
	if err != nil {
		return nil, errors.Trace(err)
	}
	net := &Network{VPCID: vpcID}

	for i, zone := range zones {
		idx := strconv.Itoa(i)
		public, err := b.ensureSubnet(ctx, vpcID, zone, naming.RolePublicSubnet, idx, publicBlockBase+i, params.ExtraTags)
		if err != nil {
			return nil, errors.Trace(err)
		}
		net.PublicSubnets = append(net.PublicSubnets, public)

		private, err := b.ensureSubnet(ctx, vpcID, zone, naming.RolePrivateSubnet, idx, privateBlockBase+i, params.ExtraTags)
		if err != nil {
			return nil, errors.Trace(err)
		}
		net.PrivateSubnets = append(net.PrivateSubnets, private)

		if params.WithDataSubnets {
			data, err := b.ensureSubnet(ctx, vpcID, zone, naming.RoleDataSubnet, idx, dataBlockBase+i, params.ExtraTags)
			if err != nil {
				return nil, errors.Trace(err)
			}
			net.DataSubnets = append(net.DataSubnets, data)
		}
	}

	igwID, err := b.ensureInternetGateway(ctx, vpcID, params.ExtraTags)
	if err != nil {
		return nil, errors.Trace(err)
	}
	natID, err := b.ensureNATGateway(ctx, vpcID, net.PublicSubnets[0], params.ExtraTags)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if err := b.ensureRouting(ctx, vpcID, igwID, natID, net, params.ExtraTags); err != nil {
		return nil, errors.Trace(err)
	}
	if err := b.ensureSecurityGroups(ctx, params, net); err != nil {
		return nil, errors.Trace(err)
	}
	return net, nil
}

func (b *NetworkBuilder) availableZones(ctx context.Context) ([]string, error) {
	out, err := b.EC2.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []ec2types.Filter{{
			Name:   sdkaws.String("state"),
			Values: []string{"available"},
		}},
	})
	if err != nil {
		return nil, errors.Annotate(err, "listing availability zones")
	}
	zones := make([]string, 0, len(out.AvailabilityZones))
	for _, z := range out.AvailabilityZones {
		zones = append(zones, sdkaws.ToString(z.ZoneName))
	}
	return zones, nil
}

func (b *NetworkBuilder) ensureVPC(ctx context.Context, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(naming.RoleVPC)
	out, err := b.EC2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: nameFilter(name),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up VPC %q", name)
	}
	if len(out.Vpcs) > 0 {
		vpc := out.Vpcs[0]
		if managed := ec2TagValue(vpc.Tags, "Managed"); managed != naming.ManagedBy() {
			return "", foreignResourceErr("VPC", name, managed)
		}
		return sdkaws.ToString(vpc.VpcId), nil
	}
	created, err := b.EC2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         sdkaws.String(vpcCIDR),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeVpc, b.Namer.Tags(name, extraTags)),
	})
	if err != nil {
		return "", errors.Annotatef(err, "creating VPC %q", name)
	}
	logger.Infof("created VPC %q (%s)", name, sdkaws.ToString(created.Vpc.VpcId))
	return sdkaws.ToString(created.Vpc.VpcId), nil
}

func (b *NetworkBuilder) ensureSubnet(ctx context.Context, vpcID, zone string, role naming.Role, idx string, block int, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(role, idx)
	out, err := b.EC2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: append(nameFilter(name), vpcFilter(vpcID)...),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up subnet %q", name)
	}
	if len(out.Subnets) > 0 {
		subnet := out.Subnets[0]
		if managed := ec2TagValue(subnet.Tags, "Managed"); managed != naming.ManagedBy() {
			return "", foreignResourceErr("subnet", name, managed)
		}
		return sdkaws.ToString(subnet.SubnetId), nil
	}
	created, err := b.EC2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:             sdkaws.String(vpcID),
		AvailabilityZone:  sdkaws.String(zone),
		CidrBlock:         sdkaws.String(fmt.Sprintf("10.0.%d.0/24", block)),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeSubnet, b.Namer.Tags(name, extraTags)),
	})
	if err != nil {
		return "", errors.Annotatef(err, "creating subnet %q", name)
	}
	return sdkaws.ToString(created.Subnet.SubnetId), nil
}

func (b *NetworkBuilder) ensureInternetGateway(ctx context.Context, vpcID string, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(naming.RoleGateway)
	out, err := b.EC2.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: nameFilter(name),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up internet gateway %q", name)
	}
	var igwID string
	if len(out.InternetGateways) > 0 {
		igwID = sdkaws.ToString(out.InternetGateways[0].InternetGatewayId)
	} else {
		created, err := b.EC2.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
			TagSpecifications: ec2TagSpec(ec2types.ResourceTypeInternetGateway, b.Namer.Tags(name, extraTags)),
		})
		if err != nil {
			return "", errors.Annotatef(err, "creating internet gateway %q", name)
		}
		igwID = sdkaws.ToString(created.InternetGateway.InternetGatewayId)
	}
	_, err = b.EC2.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
		InternetGatewayId: sdkaws.String(igwID),
		VpcId:             sdkaws.String(vpcID),
	})
	if err != nil && !hasErrorCode(err, "Resource.AlreadyAssociated") {
		return "", errors.Annotatef(err, "attaching internet gateway %q", name)
	}
	return igwID, nil
}

func (b *NetworkBuilder) ensureNATGateway(ctx context.Context, vpcID, subnetID string, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(naming.RoleNATGateway)
	out, err := b.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
		Filter: append(nameFilter(name), ec2types.Filter{
			Name:   sdkaws.String("state"),
			Values: []string{"pending", "available"},
		}),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up NAT gateway %q", name)
	}
	var natID string
	if len(out.NatGateways) > 0 {
		gw := out.NatGateways[0]
		natID = sdkaws.ToString(gw.NatGatewayId)
		if gw.State == ec2types.NatGatewayStateAvailable {
			return natID, nil
		}
	} else {
		allocID, err := b.ensureAddress(ctx, extraTags)
		if err != nil {
			return "", errors.Trace(err)
		}
		created, err := b.EC2.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
			SubnetId:          sdkaws.String(subnetID),
			AllocationId:      sdkaws.String(allocID),
			TagSpecifications: ec2TagSpec(ec2types.ResourceTypeNatgateway, b.Namer.Tags(name, extraTags)),
		})
		if err != nil {
			return "", errors.Annotatef(err, "creating NAT gateway %q", name)
		}
		natID = sdkaws.ToString(created.NatGateway.NatGatewayId)
	}
	if err := b.waitNATAvailable(ctx, name, natID); err != nil {
		return "", errors.Trace(err)
	}
	return natID, nil
}

func (b *NetworkBuilder) ensureAddress(ctx context.Context, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(naming.RoleNATGateway, "eip")
	out, err := b.EC2.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: nameFilter(name),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up address %q", name)
	}
	for _, addr := range out.Addresses {
		// Reuse only an address not already bound to a gateway.
		if addr.AssociationId == nil {
			return sdkaws.ToString(addr.AllocationId), nil
		}
	}
	created, err := b.EC2.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            ec2types.DomainTypeVpc,
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeElasticIp, b.Namer.Tags(name, extraTags)),
	})
	if err != nil {
		return "", errors.Annotatef(err, "allocating address %q", name)
	}
	return sdkaws.ToString(created.AllocationId), nil
}

func (b *NetworkBuilder) waitNATAvailable(ctx context.Context, name, natID string) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := b.EC2.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{
				NatGatewayIds: []string{natID},
			})
			if err != nil {
				return errors.Trace(err)
			}
			if len(out.NatGateways) == 0 {
				return errors.NotFoundf("NAT gateway %q", natID)
			}
			switch state := out.NatGateways[0].State; state {
			case ec2types.NatGatewayStateAvailable:
				return nil
			case ec2types.NatGatewayStateFailed:
				return errors.Errorf("NAT gateway %q entered state failed", name)
			default:
				return errors.Errorf("NAT gateway %q still %s", name, state)
			}
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, errors.NotFound)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("waiting for NAT gateway %q: attempt %d: %v", name, attempt, err)
		},
		Attempts:    -1,
		Delay:       natPollDelay,
		MaxDuration: natWaitTimeout,
		Clock:       b.Clock,
		Stop:        ctx.Done(),
	})
	if retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err) {
		return errors.Timeoutf("NAT gateway %q did not become available", name)
	}
	return errors.Trace(err)
}

func (b *NetworkBuilder) ensureRouting(ctx context.Context, vpcID, igwID, natID string, net *Network, extraTags map[string]string) error {
	publicRT, err := b.ensureRouteTable(ctx, vpcID, "public-rt", extraTags)
	if err != nil {
		return errors.Trace(err)
	}
	if err := b.ensureRoute(ctx, publicRT, &ec2.CreateRouteInput{
		RouteTableId:         sdkaws.String(publicRT),
		DestinationCidrBlock: sdkaws.String("0.0.0.0/0"),
		GatewayId:            sdkaws.String(igwID),
	}); err != nil {
		return errors.Trace(err)
	}
	privateRT, err := b.ensureRouteTable(ctx, vpcID, "private-rt", extraTags)
	if err != nil {
		return errors.Trace(err)
	}
	if err := b.ensureRoute(ctx, privateRT, &ec2.CreateRouteInput{
		RouteTableId:         sdkaws.String(privateRT),
		DestinationCidrBlock: sdkaws.String("0.0.0.0/0"),
		NatGatewayId:         sdkaws.String(natID),
	}); err != nil {
		return errors.Trace(err)
	}
	for _, subnet := range net.PublicSubnets {
		if err := b.associate(ctx, publicRT, subnet); err != nil {
			return errors.Trace(err)
		}
	}
	for _, subnet := range net.PrivateSubnets {
		if err := b.associate(ctx, privateRT, subnet); err != nil {
			return errors.Trace(err)
		}
	}
	if len(net.DataSubnets) > 0 {
		// Data subnets carry only the VPC-local route: database
		// traffic never leaves the network.
		dataRT, err := b.ensureRouteTable(ctx, vpcID, "data-rt", extraTags)
		if err != nil {
			return errors.Trace(err)
		}
		for _, subnet := range net.DataSubnets {
			if err := b.associate(ctx, dataRT, subnet); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

func (b *NetworkBuilder) ensureRouteTable(ctx context.Context, vpcID, suffix string, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(naming.RoleVPC, suffix)
	out, err := b.EC2.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{
		Filters: append(nameFilter(name), vpcFilter(vpcID)...),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up route table %q", name)
	}
	if len(out.RouteTables) > 0 {
		return sdkaws.ToString(out.RouteTables[0].RouteTableId), nil
	}
	created, err := b.EC2.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             sdkaws.String(vpcID),
		TagSpecifications: ec2TagSpec(ec2types.ResourceTypeRouteTable, b.Namer.Tags(name, extraTags)),
	})
	if err != nil {
		return "", errors.Annotatef(err, "creating route table %q", name)
	}
	return sdkaws.ToString(created.RouteTable.RouteTableId), nil
}

func (b *NetworkBuilder) ensureRoute(ctx context.Context, rtID string, input *ec2.CreateRouteInput) error {
	_, err := b.EC2.CreateRoute(ctx, input)
	if err != nil && !hasErrorCode(err, "RouteAlreadyExists") {
		return errors.Annotatef(err, "creating route in %q", rtID)
	}
	return nil
}

func (b *NetworkBuilder) associate(ctx context.Context, rtID, subnetID string) error {
	_, err := b.EC2.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
		RouteTableId: sdkaws.String(rtID),
		SubnetId:     sdkaws.String(subnetID),
	})
	if err != nil && !hasErrorCode(err, "Resource.AlreadyAssociated") {
		return errors.Annotatef(err, "associating subnet %q with route table %q", subnetID, rtID)
	}
	return nil
}

func (b *NetworkBuilder) ensureSecurityGroups(ctx context.Context, params NetworkParams, net *Network) error {
	anywhere := []string{"0.0.0.0/0"}
	albID, err := b.ensureGroup(ctx, naming.RoleALBGroup, net.VPCID, "load balancer ingress", []perm{
		{protocol: "tcp", fromPort: 80, toPort: 80, cidr: anywhere},
		{protocol: "tcp", fromPort: 443, toPort: 443, cidr: anywhere},
	}, params.ExtraTags)
	if err != nil {
		return errors.Trace(err)
	}
	net.ALBGroupID = albID

	svcID, err := b.ensureGroup(ctx, naming.RoleServiceGroup, net.VPCID, "service ingress from load balancer", []perm{
		{protocol: "tcp", fromPort: params.ServicePort, toPort: params.ServicePort, sourceGroup: albID},
	}, params.ExtraTags)
	if err != nil {
		return errors.Trace(err)
	}
	net.ServiceGroupID = svcID

	if params.WithDataSubnets {
		dbID, err := b.ensureGroup(ctx, naming.RoleDatabaseGroup, net.VPCID, "database ingress from service", []perm{
			{protocol: "tcp", fromPort: params.DatabasePort, toPort: params.DatabasePort, sourceGroup: svcID},
		}, params.ExtraTags)
		if err != nil {
			return errors.Trace(err)
		}
		net.DatabaseGroupID = dbID
	}
	return nil
}

// perm is one ingress permission, either CIDR-sourced or chained to
// another group. Egress is left unrestricted everywhere.
type perm struct {
	protocol    string
	fromPort    int32
	toPort      int32
	cidr        []string
	sourceGroup string
}

// ensureGroup returns the security group for a role, creating it if
// missing and converging its ingress rules on the wanted set:
// permissions not wanted are revoked, wanted permissions not present
// are authorized.
func (b *NetworkBuilder) ensureGroup(ctx context.Context, role naming.Role, vpcID, description string, want []perm, extraTags map[string]string) (string, error) {
	name := b.Namer.ResourceName(role)
	var groupID string
	var have []ec2types.IpPermission

	out, err := b.EC2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: append([]ec2types.Filter{{
			Name:   sdkaws.String("group-name"),
			Values: []string{name},
		}}, vpcFilter(vpcID)...),
	})
	if err != nil {
		return "", errors.Annotatef(err, "looking up security group %q", name)
	}
	if len(out.SecurityGroups) > 0 {
		group := out.SecurityGroups[0]
		if managed := ec2TagValue(group.Tags, "Managed"); managed != naming.ManagedBy() {
			return "", foreignResourceErr("security group", name, managed)
		}
		groupID = sdkaws.ToString(group.GroupId)
		have = group.IpPermissions
	} else {
		created, err := b.EC2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
			GroupName:         sdkaws.String(name),
			Description:       sdkaws.String(description),
			VpcId:             sdkaws.String(vpcID),
			TagSpecifications: ec2TagSpec(ec2types.ResourceTypeSecurityGroup, b.Namer.Tags(name, extraTags)),
		})
		if err != nil {
			return "", errors.Annotatef(err, "creating security group %q", name)
		}
		groupID = sdkaws.ToString(created.GroupId)
	}

	haveSet := newPermSet(have)
	wantSet := make(permSet)
	for _, p := range want {
		wantSet[permKey{p.protocol, p.fromPort, p.toPort, firstOf(p.cidr), p.sourceGroup}] = true
	}

	if revoke := haveSet.missingFrom(wantSet); len(revoke) > 0 {
		if _, err := b.EC2.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       sdkaws.String(groupID),
			IpPermissions: revoke.ipPermissions(),
		}); err != nil {
			return "", errors.Annotatef(err, "revoking stale ingress on %q", name)
		}
	}
	if add := wantSet.missingFrom(haveSet); len(add) > 0 {
		_, err := b.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       sdkaws.String(groupID),
			IpPermissions: add.ipPermissions(),
		})
		if err != nil && !hasErrorCode(err, "InvalidPermission.Duplicate") {
			return "", errors.Annotatef(err, "authorizing ingress on %q", name)
		}
	}
	return groupID, nil
}

// permKey identifies one ingress permission for set arithmetic. Only
// one of cidr or groupID is non-empty.
type permKey struct {
	protocol string
	fromPort int32
	toPort   int32
	cidr     string
	groupID  string
}

type permSet map[permKey]bool

func newPermSet(perms []ec2types.IpPermission) permSet {
	set := make(permSet)
	for _, p := range perms {
		key := permKey{
			protocol: sdkaws.ToString(p.IpProtocol),
			fromPort: sdkaws.ToInt32(p.FromPort),
			toPort:   sdkaws.ToInt32(p.ToPort),
		}
		for _, r := range p.IpRanges {
			key.cidr = sdkaws.ToString(r.CidrIp)
			key.groupID = ""
			set[key] = true
		}
		for _, g := range p.UserIdGroupPairs {
			key.cidr = ""
			key.groupID = sdkaws.ToString(g.GroupId)
			set[key] = true
		}
	}
	return set
}

// missingFrom returns the permissions in s absent from other.
func (s permSet) missingFrom(other permSet) permSet {
	out := make(permSet)
	for k := range s {
		if !other[k] {
			out[k] = true
		}
	}
	return out
}

func (s permSet) ipPermissions() []ec2types.IpPermission {
	out := make([]ec2types.IpPermission, 0, len(s))
	for k := range s {
		p := ec2types.IpPermission{
			IpProtocol: sdkaws.String(k.protocol),
			FromPort:   sdkaws.Int32(k.fromPort),
			ToPort:     sdkaws.Int32(k.toPort),
		}
		if k.cidr != "" {
			p.IpRanges = []ec2types.IpRange{{CidrIp: sdkaws.String(k.cidr)}}
		}
		if k.groupID != "" {
			p.UserIdGroupPairs = []ec2types.UserIdGroupPair{{GroupId: sdkaws.String(k.groupID)}}
		}
		out = append(out, p)
	}
	return out
}

func firstOf(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func nameFilter(name string) []ec2types.Filter {
	return []ec2types.Filter{{
		Name:   sdkaws.String("tag:Name"),
		Values: []string{name},
	}}
}

func vpcFilter(vpcID string) []ec2types.Filter {
	return []ec2types.Filter{{
		Name:   sdkaws.String("vpc-id"),
		Values: []string{vpcID},
	}}
}
