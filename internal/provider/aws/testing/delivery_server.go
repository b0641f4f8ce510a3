// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
)

// CloudFrontServer simulates the slice of CloudFront the delivery
// builder drives.
type CloudFrontServer struct {
	mu sync.Mutex

	oacs          []cftypes.OriginAccessControlSummary
	distributions map[string]*cftypes.Distribution
	etags         map[string]string
	updates       map[string]int

	nextID int
}

// NewCloudFrontServer returns an empty distribution namespace.
func NewCloudFrontServer() *CloudFrontServer {
	return &CloudFrontServer{
		distributions: make(map[string]*cftypes.Distribution),
		etags:         make(map[string]string),
		updates:       make(map[string]int),
	}
}

// DistributionCount reports how many distributions exist.
func (s *CloudFrontServer) DistributionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.distributions)
}

// DistributionUpdates reports how many config updates a distribution
// received.
func (s *CloudFrontServer) DistributionUpdates(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updates[id]
}

// DistributionConfig returns the stored config of a distribution.
func (s *CloudFrontServer) DistributionConfig(id string) *cftypes.DistributionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.distributions[id]; ok {
		return d.DistributionConfig
	}
	return nil
}

func (s *CloudFrontServer) ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := &cftypes.DistributionList{Quantity: aws.Int32(int32(len(s.distributions)))}
	for _, d := range s.distributions {
		list.Items = append(list.Items, cftypes.DistributionSummary{
			Id:         d.Id,
			ARN:        d.ARN,
			DomainName: d.DomainName,
			Comment:    d.DistributionConfig.Comment,
		})
	}
	return &cloudfront.ListDistributionsOutput{DistributionList: list}, nil
}

func (s *CloudFrontServer) CreateDistributionWithTags(ctx context.Context, params *cloudfront.CreateDistributionWithTagsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionWithTagsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("E%08d", s.nextID)
	d := &cftypes.Distribution{
		Id:                 aws.String(id),
		ARN:                aws.String("arn:aws:cloudfront::123456789012:distribution/" + id),
		DomainName:         aws.String(fmt.Sprintf("d%08d.cloudfront.net", s.nextID)),
		Status:             aws.String("Deployed"),
		DistributionConfig: params.DistributionConfigWithTags.DistributionConfig,
	}
	s.distributions[id] = d
	s.etags[id] = fmt.Sprintf("etag-%d", s.nextID)
	return &cloudfront.CreateDistributionWithTagsOutput{Distribution: d}, nil
}

func (s *CloudFrontServer) GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := aws.ToString(params.Id)
	d, ok := s.distributions[id]
	if !ok {
		return nil, apiError("NoSuchDistribution", "no distribution %s", id)
	}
	return &cloudfront.GetDistributionConfigOutput{
		DistributionConfig: d.DistributionConfig,
		ETag:               aws.String(s.etags[id]),
	}, nil
}

func (s *CloudFrontServer) UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := aws.ToString(params.Id)
	d, ok := s.distributions[id]
	if !ok {
		return nil, apiError("NoSuchDistribution", "no distribution %s", id)
	}
	if aws.ToString(params.IfMatch) != s.etags[id] {
		return nil, apiError("PreconditionFailed", "stale etag for %s", id)
	}
	d.DistributionConfig = params.DistributionConfig
	s.updates[id]++
	s.nextID++
	s.etags[id] = fmt.Sprintf("etag-%d", s.nextID)
	return &cloudfront.UpdateDistributionOutput{
		Distribution: d,
		ETag:         aws.String(s.etags[id]),
	}, nil
}

func (s *CloudFrontServer) ListOriginAccessControls(ctx context.Context, params *cloudfront.ListOriginAccessControlsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &cloudfront.ListOriginAccessControlsOutput{
		OriginAccessControlList: &cftypes.OriginAccessControlList{
			Quantity: aws.Int32(int32(len(s.oacs))),
			Items:    s.oacs,
		},
	}, nil
}

func (s *CloudFrontServer) CreateOriginAccessControl(ctx context.Context, params *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("OAC%08d", s.nextID)
	s.oacs = append(s.oacs, cftypes.OriginAccessControlSummary{
		Id:   aws.String(id),
		Name: params.OriginAccessControlConfig.Name,
	})
	return &cloudfront.CreateOriginAccessControlOutput{
		OriginAccessControl: &cftypes.OriginAccessControl{
			Id:                        aws.String(id),
			OriginAccessControlConfig: params.OriginAccessControlConfig,
		},
	}, nil
}

// ACMServer simulates the slice of ACM the delivery builder drives.
type ACMServer struct {
	mu sync.Mutex

	// PendingDescribes is how many times a fresh certificate reports
	// pending validation before it is issued.
	PendingDescribes int

	certs  map[string]*acmtypes.CertificateDetail
	polled map[string]int
	nextID int
}

// NewACMServer returns a simulator where certificates validate after
// one pending describe, enough to exercise the record-publishing path.
func NewACMServer() *ACMServer {
	return &ACMServer{
		PendingDescribes: 1,
		certs:            make(map[string]*acmtypes.CertificateDetail),
		polled:           make(map[string]int),
	}
}

// CertificateCount reports how many certificates exist.
func (s *ACMServer) CertificateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.certs)
}

func (s *ACMServer) ListCertificates(ctx context.Context, params *acm.ListCertificatesInput, optFns ...func(*acm.Options)) (*acm.ListCertificatesOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := &acm.ListCertificatesOutput{}
	for arn, cert := range s.certs {
		matched := len(params.CertificateStatuses) == 0
		for _, status := range params.CertificateStatuses {
			if cert.Status == status {
				matched = true
			}
		}
		if matched {
			out.CertificateSummaryList = append(out.CertificateSummaryList, acmtypes.CertificateSummary{
				CertificateArn: aws.String(arn),
				DomainName:     cert.DomainName,
			})
		}
	}
	return out, nil
}

func (s *ACMServer) RequestCertificate(ctx context.Context, params *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	arn := fmt.Sprintf("arn:aws:acm:us-east-1:123456789012:certificate/%08d", s.nextID)
	domain := aws.ToString(params.DomainName)
	s.certs[arn] = &acmtypes.CertificateDetail{
		CertificateArn: aws.String(arn),
		DomainName:     params.DomainName,
		Status:         acmtypes.CertificateStatusPendingValidation,
		DomainValidationOptions: []acmtypes.DomainValidation{{
			DomainName: params.DomainName,
			ResourceRecord: &acmtypes.ResourceRecord{
				Name:  aws.String("_validate." + domain),
				Type:  acmtypes.RecordTypeCname,
				Value: aws.String(fmt.Sprintf("_%08d.acm-validations.aws", s.nextID)),
			},
		}},
	}
	return &acm.RequestCertificateOutput{CertificateArn: aws.String(arn)}, nil
}

func (s *ACMServer) DescribeCertificate(ctx context.Context, params *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	arn := aws.ToString(params.CertificateArn)
	cert, ok := s.certs[arn]
	if !ok {
		return nil, apiError("ResourceNotFoundException", "no certificate %s", arn)
	}
	if cert.Status == acmtypes.CertificateStatusPendingValidation {
		s.polled[arn]++
		if s.polled[arn] > s.PendingDescribes {
			cert.Status = acmtypes.CertificateStatusIssued
		}
	}
	return &acm.DescribeCertificateOutput{Certificate: cert}, nil
}

// Route53Server simulates the record changes the delivery builder
// makes.
type Route53Server struct {
	mu sync.Mutex

	records map[string]map[string]r53types.ResourceRecordSet
}

// NewRoute53Server returns an empty zone set.
func NewRoute53Server() *Route53Server {
	return &Route53Server{records: make(map[string]map[string]r53types.ResourceRecordSet)}
}

// Record returns the record set stored for a zone, name and type.
func (s *Route53Server) Record(zoneID, name string, rrType r53types.RRType) (r53types.ResourceRecordSet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.records[zoneID][name+"/"+string(rrType)]
	return set, ok
}

func (s *Route53Server) ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	zone := aws.ToString(params.HostedZoneId)
	if s.records[zone] == nil {
		s.records[zone] = make(map[string]r53types.ResourceRecordSet)
	}
	for _, change := range params.ChangeBatch.Changes {
		set := change.ResourceRecordSet
		key := aws.ToString(set.Name) + "/" + string(set.Type)
		switch change.Action {
		case r53types.ChangeActionUpsert, r53types.ChangeActionCreate:
			s.records[zone][key] = *set
		case r53types.ChangeActionDelete:
			delete(s.records[zone], key)
		}
	}
	return &route53.ChangeResourceRecordSetsOutput{
		ChangeInfo: &r53types.ChangeInfo{Status: r53types.ChangeStatusInsync},
	}, nil
}
