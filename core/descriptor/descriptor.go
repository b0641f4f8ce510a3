// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package descriptor defines the deployment descriptor handed back to
// the caller after provisioning. The descriptor carries endpoints,
// resource identifiers, credential references and literal operational
// command templates. It never contains raw secret material; secrets
// are referenced by their store identifiers only.
package descriptor

import (
	"fmt"
	"strings"

	"github.com/agentx/provisioner/core/workload"
)

// Resource is a provisioned cloud object, keyed by the logical role it
// plays in the workload's topology.
type Resource struct {
	Role string `yaml:"role"`
	ID   string `yaml:"id"`
	ARN  string `yaml:"arn,omitempty"`
}

// CredentialRef points at credential material without embedding it.
// Either SecretARN (secret store record) or AccessKeyID (principal key
// identifier) is set, never the secret value itself.
type CredentialRef struct {
	Name        string `yaml:"name"`
	Principal   string `yaml:"principal,omitempty"`
	AccessKeyID string `yaml:"access-key-id,omitempty"`
	SecretARN   string `yaml:"secret-arn,omitempty"`
}

// Command is a literal operational command template with real resource
// identifiers substituted in. The engine never executes these.
type Command struct {
	Purpose string `yaml:"purpose"`
	Command string `yaml:"command"`
}

// Descriptor is the engine's output record.
type Descriptor struct {
	Workload    string        `yaml:"workload"`
	Kind        workload.Kind `yaml:"kind"`
	Environment string        `yaml:"environment"`
	Region      string        `yaml:"region"`

	// URL is the canonical public endpoint: the distribution domain
	// for a static site, the load balancer for a container service.
	URL string `yaml:"url"`

	// CustomDomainURL is set only when a custom domain was requested.
	CustomDomainURL string `yaml:"custom-domain-url,omitempty"`

	// FolderURLs carries one direct URL per tenant folder of a
	// multi-tenant site, in the order the folders were declared.
	FolderURLs []string `yaml:"folder-urls,omitempty"`

	Resources   []Resource      `yaml:"resources"`
	Credentials []CredentialRef `yaml:"credentials,omitempty"`
	Commands    []Command       `yaml:"commands,omitempty"`
}

// AddResource appends a resource record.
func (d *Descriptor) AddResource(role, id, arn string) {
	d.Resources = append(d.Resources, Resource{Role: role, ID: id, ARN: arn})
}

// Resource returns the identifier recorded for a role, or the empty
// string if the role was not provisioned.
func (d *Descriptor) Resource(role string) string {
	for _, r := range d.Resources {
		if r.Role == role {
			return r.ID
		}
	}
	return ""
}

// Render produces the human-readable summary printed after a
// successful provisioning run.
func (d *Descriptor) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Workload %q (%s) deployed in %s [%s]\n", d.Workload, d.Kind, d.Region, d.Environment)
	fmt.Fprintf(&b, "\nURL: %s\n", d.URL)
	if d.CustomDomainURL != "" {
		fmt.Fprintf(&b, "Custom domain: %s\n", d.CustomDomainURL)
	}
	for _, u := range d.FolderURLs {
		fmt.Fprintf(&b, "  - %s\n", u)
	}
	if len(d.Resources) > 0 {
		b.WriteString("\nResources:\n")
		for _, r := range d.Resources {
			fmt.Fprintf(&b, "  %-24s %s\n", r.Role+":", r.ID)
		}
	}
	if len(d.Credentials) > 0 {
		b.WriteString("\nCredentials (values held in the secret store, never shown here):\n")
		for _, cr := range d.Credentials {
			ref := cr.SecretARN
			if ref == "" {
				ref = cr.AccessKeyID
			}
			fmt.Fprintf(&b, "  %-24s %s\n", cr.Name+":", ref)
		}
	}
	if len(d.Commands) > 0 {
		b.WriteString("\nOperations:\n")
		for _, cmd := range d.Commands {
			fmt.Fprintf(&b, "  # %s\n  %s\n", cmd.Purpose, cmd.Command)
		}
	}
	return b.String()
}
