// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package engine orchestrates the provisioning of one workload: it
// validates and defaults the declarative spec, derives the workload's
// names, drives the provider builders in dependency order (running
// independent branches concurrently) and assembles the deployment
// descriptor. Every operation is get-or-create; re-provisioning an
// unchanged spec converges on the same resources without duplicating
// anything.
package engine

import (
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/agentx/provisioner/core/descriptor"
	"github.com/agentx/provisioner/core/workload"
	"github.com/agentx/provisioner/internal/naming"
	"github.com/agentx/provisioner/internal/provider/aws"
	"github.com/agentx/provisioner/internal/secrets"
)

var logger = loggo.GetLogger("provisioner.engine")

// Engine provisions workloads against a set of provider clients.
type Engine struct {
	clients *aws.Clients
	secrets *secrets.Service
	clock   clock.Clock
}

// New returns an Engine using the given clients and secret service. A
// nil clock means the wall clock.
func New(clients *aws.Clients, secretService *secrets.Service, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Engine{
		clients: clients,
		secrets: secretService,
		clock:   clk,
	}
}

// Provision converges the cloud on the given spec and returns the
// deployment descriptor. The spec is validated before any resource is
// touched; a validation failure guarantees nothing was created.
func (e *Engine) Provision(ctx context.Context, spec workload.Spec) (*descriptor.Descriptor, error) {
	if err := spec.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	spec = spec.WithDefaults()
	namer := naming.NewNamer(spec.Identity, spec.Environment,
		secrets.NewDisambiguatorStore(e.secrets.Store()))

	logger.Infof("provisioning %s workload %q in %s [%s]",
		spec.Kind, spec.Identity, spec.Region, spec.Environment)

	switch spec.Kind {
	case workload.StaticSite:
		return e.provisionStaticSite(ctx, spec, namer)
	case workload.ContainerService:
		return e.provisionContainerService(ctx, spec, namer)
	default:
		return nil, errors.NotValidf("workload kind %q", spec.Kind)
	}
}

func (e *Engine) newDescriptor(spec workload.Spec) *descriptor.Descriptor {
	return &descriptor.Descriptor{
		Workload:    spec.Identity,
		Kind:        spec.Kind,
		Environment: spec.Environment,
		Region:      spec.Region,
	}
}
