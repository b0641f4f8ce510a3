// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package aws

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/juju/collections/transform"
)

// sortedKeys returns a tag map's keys in deterministic order.
func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ec2Tags converts a tag map to EC2 SDK tags in deterministic order.
func ec2Tags(tags map[string]string) []ec2types.Tag {
	return transform.Slice(sortedKeys(tags), func(k string) ec2types.Tag {
		return ec2types.Tag{Key: aws.String(k), Value: aws.String(tags[k])}
	})
}

// ec2TagSpec builds the tag specification applied at creation time.
func ec2TagSpec(resourceType ec2types.ResourceType, tags map[string]string) []ec2types.TagSpecification {
	return []ec2types.TagSpecification{{
		ResourceType: resourceType,
		Tags:         ec2Tags(tags),
	}}
}

// ec2TagValue extracts a tag value from EC2 SDK tags.
func ec2TagValue(tags []ec2types.Tag, key string) string {
	for _, t := range tags {
		if aws.ToString(t.Key) == key {
			return aws.ToString(t.Value)
		}
	}
	return ""
}
