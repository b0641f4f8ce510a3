// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Command provisioner reads a declarative workload spec and converges
// the cloud on it, printing the deployment descriptor as YAML.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentx/provisioner/core/workload"
	"github.com/agentx/provisioner/internal/engine"
	"github.com/agentx/provisioner/internal/provider/aws"
	"github.com/agentx/provisioner/internal/secrets"
)

func main() {
	os.Exit(Main(os.Args[1:]))
}

// Main runs the command and returns the process exit code.
func Main(args []string) int {
	var (
		specFile string
		region   string
		dryRun   bool
		debug    bool
	)
	flags := gnuflag.NewFlagSet("provisioner", gnuflag.ContinueOnError)
	flags.StringVar(&specFile, "f", "", "path to the workload spec (YAML)")
	flags.StringVar(&region, "region", "", "override the region named in the spec")
	flags.BoolVar(&dryRun, "dry-run", false, "validate and print the resolved spec without provisioning")
	flags.BoolVar(&debug, "debug", false, "log at debug level")
	if err := flags.Parse(true, args); err != nil {
		return 2
	}
	if specFile == "" {
		fmt.Fprintln(os.Stderr, "ERROR a workload spec is required (-f)")
		return 2
	}

	level := "WARNING"
	if debug {
		level = "DEBUG"
	}
	if err := loggo.ConfigureLoggers("<root>=" + level); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		return 1
	}

	if err := run(context.Background(), specFile, region, dryRun); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR %v\n", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, specFile, region string, dryRun bool) error {
	data, err := os.ReadFile(specFile)
	if err != nil {
		return err
	}
	var spec workload.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return fmt.Errorf("parsing %s: %w", specFile, err)
	}
	if region != "" {
		spec.Region = region
	}

	if dryRun {
		if err := spec.Validate(); err != nil {
			return err
		}
		resolved, err := yaml.Marshal(spec.WithDefaults())
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(resolved)
		return err
	}

	// Fail on a malformed spec before loading any cloud credentials.
	if err := spec.Validate(); err != nil {
		return err
	}
	clients, secretsClient, err := aws.RealClients(ctx, spec.Region)
	if err != nil {
		return err
	}
	service := secrets.NewService(secrets.NewStore(secretsClient))

	d, err := engine.New(clients, service, nil).Provision(ctx, spec)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(d)
	if err != nil {
		return err
	}
	if _, err := os.Stdout.Write(out); err != nil {
		return err
	}
	fmt.Fprint(os.Stderr, "\n"+d.Render())
	return nil
}
