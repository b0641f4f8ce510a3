// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package secrets

import (
	"context"

	"github.com/juju/errors"

	"github.com/agentx/provisioner/internal/naming"
)

// disambiguatorPrefix namespaces naming registry records away from
// workload secrets in the shared store.
const disambiguatorPrefix = "naming/"

// NewDisambiguatorStore adapts a secret Store into the registry the
// naming service uses to persist creation-time suffixes.
func NewDisambiguatorStore(store Store) naming.DisambiguatorStore {
	return &disambiguatorStore{store: store}
}

type disambiguatorStore struct {
	store Store
}

func (d *disambiguatorStore) Lookup(ctx context.Context, key string) (string, bool, error) {
	value, _, err := d.store.GetValue(ctx, disambiguatorPrefix+key)
	if errors.Is(err, errors.NotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Trace(err)
	}
	return value, true, nil
}

func (d *disambiguatorStore) Record(ctx context.Context, key, value string) error {
	_, err := d.store.Create(ctx, disambiguatorPrefix+key, value, nil)
	return errors.Trace(err)
}
