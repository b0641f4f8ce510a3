// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudfront"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudfront/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/agentx/provisioner/core/workload"
	"github.com/agentx/provisioner/internal/naming"
)

// CloudFrontClient is the slice of the CloudFront API the delivery
// builder uses.
type CloudFrontClient interface {
	ListDistributions(ctx context.Context, params *cloudfront.ListDistributionsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListDistributionsOutput, error)
	CreateDistributionWithTags(ctx context.Context, params *cloudfront.CreateDistributionWithTagsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateDistributionWithTagsOutput, error)
	GetDistributionConfig(ctx context.Context, params *cloudfront.GetDistributionConfigInput, optFns ...func(*cloudfront.Options)) (*cloudfront.GetDistributionConfigOutput, error)
	UpdateDistribution(ctx context.Context, params *cloudfront.UpdateDistributionInput, optFns ...func(*cloudfront.Options)) (*cloudfront.UpdateDistributionOutput, error)
	ListOriginAccessControls(ctx context.Context, params *cloudfront.ListOriginAccessControlsInput, optFns ...func(*cloudfront.Options)) (*cloudfront.ListOriginAccessControlsOutput, error)
	CreateOriginAccessControl(ctx context.Context, params *cloudfront.CreateOriginAccessControlInput, optFns ...func(*cloudfront.Options)) (*cloudfront.CreateOriginAccessControlOutput, error)
}

// ACMClient is the slice of the ACM API the delivery builder uses.
// CloudFront certificates must live in us-east-1 regardless of the
// workload region; RealClients wires this client accordingly.
type ACMClient interface {
	ListCertificates(ctx context.Context, params *acm.ListCertificatesInput, optFns ...func(*acm.Options)) (*acm.ListCertificatesOutput, error)
	RequestCertificate(ctx context.Context, params *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error)
	DescribeCertificate(ctx context.Context, params *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
}

// Route53Client is the slice of the Route 53 API the delivery builder
// uses.
type Route53Client interface {
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// cloudFrontZoneID is the fixed hosted zone all CloudFront
// distributions alias into.
const cloudFrontZoneID = "Z2FDTNDATAQYW2"

// cachingOptimizedPolicyID is the managed CachingOptimized cache
// policy.
const cachingOptimizedPolicyID = "658327ea-f89d-4fab-a63d-7e88639e58f6"

const (
	// errorCachingTTL keeps rewritten error responses from masking a
	// fixed deployment for long.
	errorCachingTTL = 10 * time.Second

	certWaitTimeout = 10 * time.Minute
	certPollDelay   = 15 * time.Second
)

// DeliveryParams drives a distribution build for one static site.
type DeliveryParams struct {
	Bucket      *Bucket
	Folders     []string
	RootObject  string
	ErrorObject string
	Tier        string

	// Domain and DNSZoneID are both set or both empty; validation
	// upstream guarantees the coupling.
	Domain    string
	DNSZoneID string

	// CertificateARN short-circuits certificate resolution when the
	// caller already ensured one (the engine resolves certificates
	// concurrently with the origin bucket).
	CertificateARN string

	ExtraTags map[string]string
}

// Distribution describes the provisioned delivery layer.
type Distribution struct {
	ID             string
	ARN            string
	DomainName     string
	CertificateARN string
}

// DeliveryBuilder constructs the CDN topology for static site
// workloads: origin access control, the distribution with per-folder
// routing behaviors, and (when a custom domain is configured) the
// certificate and DNS alias.
type DeliveryBuilder struct {
	CloudFront CloudFrontClient
	ACM        ACMClient
	Route53    Route53Client
	Namer      *naming.Namer
	Clock      clock.Clock
}

// Build resolves the delivery topology for the site.
func (b *DeliveryBuilder) Build(ctx context.Context, params DeliveryParams) (*Distribution, error) {
	certARN := params.CertificateARN
	if params.Domain != "" && certARN == "" {
		arn, err := b.EnsureCertificate(ctx, params.Domain, params.DNSZoneID, params.ExtraTags)
		if err != nil {
			return nil, errors.Trace(err)
		}
		certARN = arn
	}

	oacID, err := b.ensureOriginAccessControl(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	dist, err := b.ensureDistribution(ctx, params, oacID, certARN)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dist.CertificateARN = certARN

	if params.Domain != "" {
		if err := b.EnsureAlias(ctx, params.DNSZoneID, params.Domain, dist.DomainName, cloudFrontZoneID); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return dist, nil
}

func (b *DeliveryBuilder) ensureOriginAccessControl(ctx context.Context) (string, error) {
	name := b.Namer.ResourceName(naming.RoleOriginAccess)
	out, err := b.CloudFront.ListOriginAccessControls(ctx, &cloudfront.ListOriginAccessControlsInput{})
	if err != nil {
		return "", errors.Annotate(err, "listing origin access controls")
	}
	if out.OriginAccessControlList != nil {
		for _, item := range out.OriginAccessControlList.Items {
			if sdkaws.ToString(item.Name) == name {
				return sdkaws.ToString(item.Id), nil
			}
		}
	}
	created, err := b.CloudFront.CreateOriginAccessControl(ctx, &cloudfront.CreateOriginAccessControlInput{
		OriginAccessControlConfig: &cftypes.OriginAccessControlConfig{
			Name:                          sdkaws.String(name),
			Description:                   sdkaws.String("signed origin reads for " + name),
			OriginAccessControlOriginType: cftypes.OriginAccessControlOriginTypesS3,
			SigningBehavior:               cftypes.OriginAccessControlSigningBehaviorsAlways,
			SigningProtocol:               cftypes.OriginAccessControlSigningProtocolsSigv4,
		},
	})
	if err != nil {
		return "", errors.Annotatef(err, "creating origin access control %q", name)
	}
	return sdkaws.ToString(created.OriginAccessControl.Id), nil
}

func (b *DeliveryBuilder) ensureDistribution(ctx context.Context, params DeliveryParams, oacID, certARN string) (*Distribution, error) {
	name := b.Namer.ResourceName(naming.RoleDistribution)

	// A distribution has no unique caller-facing name; the comment
	// carries the derived logical name for reconciliation.
	existing, err := b.findDistribution(ctx, name)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if existing != nil {
		if err := b.convergeDistribution(ctx, existing, params, name, oacID, certARN); err != nil {
			return nil, errors.Trace(err)
		}
		return existing, nil
	}

	config := b.distributionConfig(params, name, oacID, certARN)
	tags := b.Namer.Tags(name, params.ExtraTags)
	var cfTags []cftypes.Tag
	for _, k := range sortedKeys(tags) {
		cfTags = append(cfTags, cftypes.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])})
	}
	created, err := b.CloudFront.CreateDistributionWithTags(ctx, &cloudfront.CreateDistributionWithTagsInput{
		DistributionConfigWithTags: &cftypes.DistributionConfigWithTags{
			DistributionConfig: config,
			Tags:               &cftypes.Tags{Items: cfTags},
		},
	})
	if err != nil {
		return nil, errors.Annotatef(err, "creating distribution %q", name)
	}
	logger.Infof("created distribution %q (%s)", name, sdkaws.ToString(created.Distribution.Id))
	return &Distribution{
		ID:         sdkaws.ToString(created.Distribution.Id),
		ARN:        sdkaws.ToString(created.Distribution.ARN),
		DomainName: sdkaws.ToString(created.Distribution.DomainName),
	}, nil
}

func (b *DeliveryBuilder) findDistribution(ctx context.Context, name string) (*Distribution, error) {
	out, err := b.CloudFront.ListDistributions(ctx, &cloudfront.ListDistributionsInput{})
	if err != nil {
		return nil, errors.Annotate(err, "listing distributions")
	}
	if out.DistributionList == nil {
		return nil, nil
	}
	for _, item := range out.DistributionList.Items {
		if sdkaws.ToString(item.Comment) != name {
			continue
		}
		return &Distribution{
			ID:         sdkaws.ToString(item.Id),
			ARN:        sdkaws.ToString(item.ARN),
			DomainName: sdkaws.ToString(item.DomainName),
		}, nil
	}
	return nil, nil
}

// convergeDistribution folds the managed slice of an adopted
// distribution's config back onto the spec, so grown folder sets and
// newly configured domains take effect on re-apply instead of leaving
// the first-run topology in place.
func (b *DeliveryBuilder) convergeDistribution(ctx context.Context, dist *Distribution, params DeliveryParams, name, oacID, certARN string) error {
	out, err := b.CloudFront.GetDistributionConfig(ctx, &cloudfront.GetDistributionConfigInput{
		Id: sdkaws.String(dist.ID),
	})
	if err != nil {
		return errors.Annotatef(err, "reading config of distribution %q", dist.ID)
	}
	live := out.DistributionConfig
	desired := b.distributionConfig(params, name, oacID, certARN)
	if distributionState(live) == distributionState(desired) {
		return nil
	}
	// Only the managed fields are replaced; anything tuned out of band
	// (and the immutable caller reference) is carried over as found.
	merged := *live
	merged.DefaultRootObject = desired.DefaultRootObject
	merged.PriceClass = desired.PriceClass
	merged.CacheBehaviors = desired.CacheBehaviors
	merged.CustomErrorResponses = desired.CustomErrorResponses
	merged.Aliases = desired.Aliases
	merged.ViewerCertificate = desired.ViewerCertificate
	if _, err := b.CloudFront.UpdateDistribution(ctx, &cloudfront.UpdateDistributionInput{
		Id:                 sdkaws.String(dist.ID),
		IfMatch:            out.ETag,
		DistributionConfig: &merged,
	}); err != nil {
		return errors.Annotatef(err, "updating distribution %q", dist.ID)
	}
	logger.Infof("updated distribution %q (%s)", name, dist.ID)
	return nil
}

// distributionState reduces a config to the fields the builder owns,
// in a comparable form. Live configs carry plenty of state the builder
// never touches, so drift detection must not look at the whole struct.
func distributionState(config *cftypes.DistributionConfig) string {
	var parts []string
	parts = append(parts, "root="+sdkaws.ToString(config.DefaultRootObject))
	parts = append(parts, "price="+string(config.PriceClass))
	if config.CacheBehaviors != nil {
		for _, behavior := range config.CacheBehaviors.Items {
			parts = append(parts, "path="+sdkaws.ToString(behavior.PathPattern))
		}
	}
	if config.CustomErrorResponses != nil {
		for _, resp := range config.CustomErrorResponses.Items {
			parts = append(parts, fmt.Sprintf("error=%d:%s:%s",
				sdkaws.ToInt32(resp.ErrorCode),
				sdkaws.ToString(resp.ResponseCode),
				sdkaws.ToString(resp.ResponsePagePath)))
		}
	}
	if config.Aliases != nil {
		for _, alias := range config.Aliases.Items {
			parts = append(parts, "alias="+alias)
		}
	}
	if config.ViewerCertificate != nil {
		parts = append(parts, "cert="+sdkaws.ToString(config.ViewerCertificate.ACMCertificateArn))
	}
	return strings.Join(parts, ";")
}

func (b *DeliveryBuilder) distributionConfig(params DeliveryParams, name, oacID, certARN string) *cftypes.DistributionConfig {
	originID := params.Bucket.Name

	config := &cftypes.DistributionConfig{
		// The caller reference only needs to be stable per logical
		// distribution to make creation idempotent on retries.
		CallerReference:   sdkaws.String(name),
		Comment:           sdkaws.String(name),
		Enabled:           sdkaws.Bool(true),
		DefaultRootObject: sdkaws.String(params.RootObject),
		PriceClass:        priceClass(params.Tier),
		Origins: &cftypes.Origins{
			Quantity: sdkaws.Int32(1),
			Items: []cftypes.Origin{{
				Id:                    sdkaws.String(originID),
				DomainName:            sdkaws.String(params.Bucket.RegionalDomain),
				OriginAccessControlId: sdkaws.String(oacID),
				// An empty legacy identity is required when an
				// origin access control is attached.
				S3OriginConfig: &cftypes.S3OriginConfig{
					OriginAccessIdentity: sdkaws.String(""),
				},
			}},
		},
		DefaultCacheBehavior: &cftypes.DefaultCacheBehavior{
			TargetOriginId:       sdkaws.String(originID),
			ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
			CachePolicyId:        sdkaws.String(cachingOptimizedPolicyID),
			Compress:             sdkaws.Bool(true),
		},
		// Storage-level 403/404 are rewritten to the error document
		// with HTTP 200 so client-side routing in single-page apps
		// keeps working. The short TTL avoids masking a fixed
		// deployment.
		CustomErrorResponses: &cftypes.CustomErrorResponses{
			Quantity: sdkaws.Int32(2),
			Items: []cftypes.CustomErrorResponse{{
				ErrorCode:          sdkaws.Int32(403),
				ResponseCode:       sdkaws.String("200"),
				ResponsePagePath:   sdkaws.String("/" + params.ErrorObject),
				ErrorCachingMinTTL: sdkaws.Int64(int64(errorCachingTTL.Seconds())),
			}, {
				ErrorCode:          sdkaws.Int32(404),
				ResponseCode:       sdkaws.String("200"),
				ResponsePagePath:   sdkaws.String("/" + params.ErrorObject),
				ErrorCachingMinTTL: sdkaws.Int64(int64(errorCachingTTL.Seconds())),
			}},
		},
	}

	// One path-scoped behavior per tenant folder, in declaration
	// order.
	if len(params.Folders) > 0 {
		behaviors := make([]cftypes.CacheBehavior, 0, len(params.Folders))
		for _, folder := range params.Folders {
			behaviors = append(behaviors, cftypes.CacheBehavior{
				PathPattern:          sdkaws.String(folder + "/*"),
				TargetOriginId:       sdkaws.String(originID),
				ViewerProtocolPolicy: cftypes.ViewerProtocolPolicyRedirectToHttps,
				CachePolicyId:        sdkaws.String(cachingOptimizedPolicyID),
				Compress:             sdkaws.Bool(true),
			})
		}
		config.CacheBehaviors = &cftypes.CacheBehaviors{
			Quantity: sdkaws.Int32(int32(len(behaviors))),
			Items:    behaviors,
		}
	}

	if certARN != "" {
		config.Aliases = &cftypes.Aliases{
			Quantity: sdkaws.Int32(1),
			Items:    []string{params.Domain},
		}
		config.ViewerCertificate = &cftypes.ViewerCertificate{
			ACMCertificateArn:      sdkaws.String(certARN),
			SSLSupportMethod:       cftypes.SSLSupportMethodSniOnly,
			MinimumProtocolVersion: cftypes.MinimumProtocolVersionTLSv122021,
		}
	} else {
		config.ViewerCertificate = &cftypes.ViewerCertificate{
			CloudFrontDefaultCertificate: sdkaws.Bool(true),
		}
	}
	return config
}

// EnsureCertificate resolves a DNS-validated certificate for the
// domain, requesting and validating one if none exists.
func (b *DeliveryBuilder) EnsureCertificate(ctx context.Context, domain, zoneID string, extraTags map[string]string) (string, error) {
	out, err := b.ACM.ListCertificates(ctx, &acm.ListCertificatesInput{
		CertificateStatuses: []acmtypes.CertificateStatus{
			acmtypes.CertificateStatusIssued,
			acmtypes.CertificateStatusPendingValidation,
		},
	})
	if err != nil {
		return "", errors.Annotate(err, "listing certificates")
	}
	var certARN string
	for _, summary := range out.CertificateSummaryList {
		if sdkaws.ToString(summary.DomainName) == domain {
			certARN = sdkaws.ToString(summary.CertificateArn)
			break
		}
	}
	if certARN == "" {
		tags := b.Namer.Tags(domain, extraTags)
		var acmTags []acmtypes.Tag
		for _, k := range sortedKeys(tags) {
			acmTags = append(acmTags, acmtypes.Tag{Key: sdkaws.String(k), Value: sdkaws.String(tags[k])})
		}
		requested, err := b.ACM.RequestCertificate(ctx, &acm.RequestCertificateInput{
			DomainName:       sdkaws.String(domain),
			ValidationMethod: acmtypes.ValidationMethodDns,
			Tags:             acmTags,
		})
		if err != nil {
			return "", errors.Annotatef(err, "requesting certificate for %q", domain)
		}
		certARN = sdkaws.ToString(requested.CertificateArn)
	}
	if err := b.validateCertificate(ctx, certARN, domain, zoneID); err != nil {
		return "", errors.Trace(err)
	}
	return certARN, nil
}

// validateCertificate publishes the DNS validation record and waits
// for issuance.
func (b *DeliveryBuilder) validateCertificate(ctx context.Context, certARN, domain, zoneID string) error {
	recordPublished := false
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			out, err := b.ACM.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
				CertificateArn: sdkaws.String(certARN),
			})
			if err != nil {
				return errors.Trace(err)
			}
			cert := out.Certificate
			if cert.Status == acmtypes.CertificateStatusIssued {
				return nil
			}
			if !recordPublished {
				for _, dvo := range cert.DomainValidationOptions {
					rr := dvo.ResourceRecord
					if rr == nil {
						continue
					}
					_, err := b.Route53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
						HostedZoneId: sdkaws.String(zoneID),
						ChangeBatch: &r53types.ChangeBatch{
							Changes: []r53types.Change{{
								Action: r53types.ChangeActionUpsert,
								ResourceRecordSet: &r53types.ResourceRecordSet{
									Name: rr.Name,
									Type: r53types.RRType(rr.Type),
									TTL:  sdkaws.Int64(300),
									ResourceRecords: []r53types.ResourceRecord{{
										Value: rr.Value,
									}},
								},
							}},
						},
					})
					if err != nil {
						return errors.Annotatef(err, "publishing validation record for %q", domain)
					}
					recordPublished = true
				}
			}
			return errors.Errorf("certificate for %q still %s", domain, cert.Status)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("waiting for certificate %q: attempt %d: %v", domain, attempt, err)
		},
		Attempts:    -1,
		Delay:       certPollDelay,
		MaxDuration: certWaitTimeout,
		Clock:       b.Clock,
		Stop:        ctx.Done(),
	})
	if retry.IsDurationExceeded(err) || retry.IsAttemptsExceeded(err) {
		return errors.Timeoutf("certificate for %q was not issued", domain)
	}
	return errors.Trace(err)
}

// EnsureAlias upserts the A-alias from domain to a target endpoint
// (distribution or load balancer) in its hosted zone.
func (b *DeliveryBuilder) EnsureAlias(ctx context.Context, zoneID, domain, targetDNS, targetZoneID string) error {
	_, err := b.Route53.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: sdkaws.String(zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action: r53types.ChangeActionUpsert,
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name: sdkaws.String(domain),
					Type: r53types.RRTypeA,
					AliasTarget: &r53types.AliasTarget{
						DNSName:              sdkaws.String(targetDNS),
						HostedZoneId:         sdkaws.String(targetZoneID),
						EvaluateTargetHealth: false,
					},
				},
			}},
		},
	})
	return errors.Annotatef(err, "creating alias %q", domain)
}

func priceClass(tier string) cftypes.PriceClass {
	switch tier {
	case workload.DeliveryTierGlobal:
		return cftypes.PriceClassPriceClassAll
	case workload.DeliveryTierRegional:
		return cftypes.PriceClassPriceClass200
	default:
		return cftypes.PriceClassPriceClass100
	}
}
