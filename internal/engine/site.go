// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/agentx/provisioner/core/descriptor"
	"github.com/agentx/provisioner/core/workload"
	"github.com/agentx/provisioner/internal/naming"
	"github.com/agentx/provisioner/internal/provider/aws"
)

// provisionStaticSite builds the static site topology: origin bucket,
// delivery distribution with per-folder routing, the scoped deployer
// principal and (optionally) the custom domain. The bucket and the
// certificate have no dependency on each other, so they are resolved
// concurrently; certificate validation dominates first-run latency.
func (e *Engine) provisionStaticSite(ctx context.Context, spec workload.Spec, namer *naming.Namer) (*descriptor.Descriptor, error) {
	storage := &aws.StorageBuilder{
		S3:     e.clients.S3,
		Namer:  namer,
		Region: spec.Region,
	}
	delivery := &aws.DeliveryBuilder{
		CloudFront: e.clients.CloudFront,
		ACM:        e.clients.ACM,
		Route53:    e.clients.Route53,
		Namer:      namer,
		Clock:      e.clock,
	}
	access := &aws.AccessBuilder{
		IAM:     e.clients.IAM,
		Secrets: e.secrets,
		Namer:   namer,
	}

	var (
		wg        sync.WaitGroup
		bucket    *aws.Bucket
		bucketErr error
		certARN   string
		certErr   error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		bucket, bucketErr = storage.EnsureBucket(ctx, spec.Tags)
	}()
	if spec.Domain != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			certARN, certErr = delivery.EnsureCertificate(ctx,
				spec.Domain.Domain, spec.Domain.DNSZoneID, spec.Tags)
		}()
	}
	wg.Wait()
	if bucketErr != nil {
		return nil, errors.Trace(bucketErr)
	}
	if certErr != nil {
		return nil, errors.Trace(certErr)
	}

	params := aws.DeliveryParams{
		Bucket:         bucket,
		Folders:        spec.SiteFolders,
		RootObject:     spec.RootObject,
		ErrorObject:    spec.ErrorObject,
		Tier:           spec.DeliveryTier,
		CertificateARN: certARN,
		ExtraTags:      spec.Tags,
	}
	if spec.Domain != nil {
		params.Domain = spec.Domain.Domain
		params.DNSZoneID = spec.Domain.DNSZoneID
	}
	dist, err := delivery.Build(ctx, params)
	if err != nil {
		return nil, errors.Trace(err)
	}

	// The bucket policy names the distribution's ARN, so it can only be
	// attached once the distribution exists.
	if err := storage.AttachDeliveryPolicy(ctx, bucket, dist.ARN); err != nil {
		return nil, errors.Trace(err)
	}

	cred, err := access.EnsureSiteDeployer(ctx, bucket, dist.ARN, spec.Tags)
	if err != nil {
		return nil, errors.Trace(err)
	}

	d := e.newDescriptor(spec)
	d.URL = "https://" + dist.DomainName
	host := dist.DomainName
	if spec.Domain != nil {
		d.CustomDomainURL = "https://" + spec.Domain.Domain
		host = spec.Domain.Domain
	}
	for _, folder := range spec.SiteFolders {
		d.FolderURLs = append(d.FolderURLs,
			fmt.Sprintf("https://%s/%s/%s", host, folder, spec.RootObject))
	}

	d.AddResource(string(naming.RoleBucket), bucket.Name, bucket.ARN)
	d.AddResource(string(naming.RoleDistribution), dist.ID, dist.ARN)
	d.AddResource(string(naming.RoleDeployer), cred.UserName, "")
	d.Credentials = append(d.Credentials, descriptor.CredentialRef{
		Name:        cred.SecretRef.Name,
		Principal:   cred.UserName,
		AccessKeyID: cred.AccessKeyID,
		SecretARN:   cred.SecretRef.ARN,
	})
	d.Commands = siteCommands(spec, bucket.Name, dist.ID)
	return d, nil
}

// siteCommands produces the literal deploy commands for the site, one
// sync/invalidate pair per tenant folder, or a single pair addressing
// the bucket root for single-tenant sites.
func siteCommands(spec workload.Spec, bucketName, distributionID string) []descriptor.Command {
	if !spec.MultiTenant() {
		return []descriptor.Command{{
			Purpose: "upload site content",
			Command: fmt.Sprintf("aws s3 sync <dir> s3://%s/ --region %s",
				bucketName, spec.Region),
		}, {
			Purpose: "invalidate cached content",
			Command: fmt.Sprintf("aws cloudfront create-invalidation --distribution-id %s --paths \"/*\" --region %s",
				distributionID, spec.Region),
		}}
	}
	commands := make([]descriptor.Command, 0, 2*len(spec.SiteFolders))
	for _, folder := range spec.SiteFolders {
		commands = append(commands, descriptor.Command{
			Purpose: fmt.Sprintf("upload site content for %q", folder),
			Command: fmt.Sprintf("aws s3 sync <dir> s3://%s/%s/ --region %s",
				bucketName, folder, spec.Region),
		}, descriptor.Command{
			Purpose: fmt.Sprintf("invalidate cached content for %q", folder),
			Command: fmt.Sprintf("aws cloudfront create-invalidation --distribution-id %s --paths \"/%s/*\" --region %s",
				distributionID, folder, spec.Region),
		})
	}
	return commands
}
