// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package secrets generates credential material for workloads and
// persists it in a managed secret store. Generation is strictly
// get-or-create: material is produced exactly once per owner, and
// every later resolution returns the stored value. Regenerating would
// silently break credentials already distributed to running
// workloads, so a derivation path that would produce a different value
// for a known owner is treated as a programming defect.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
)

var logger = loggo.GetLogger("provisioner.secrets")

// ErrSecretRegeneration is returned when a secret derivation path is
// invoked twice for the same owner and would produce a different
// value. This must never be observed in normal operation.
const ErrSecretRegeneration = errors.ConstError("secret regeneration hazard")

// Ref identifies a stored secret without exposing its value.
type Ref struct {
	Name string
	ARN  string
}

// DatabaseSecret is the structured record stored for a provisioned
// database. Host and port are filled in once the instance address is
// known; the password is generated at creation time and never changes.
type DatabaseSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host,omitempty"`
	Port     int32  `json:"port,omitempty"`
	DBName   string `json:"dbName"`

	// URL is the assembled connection string, stored so task
	// definitions can reference it by JSON key instead of composing it
	// from parts (which would expose the password outside the store).
	URL string `json:"url,omitempty"`
}

// Service implements the secret material policy on top of a Store.
type Service struct {
	store Store

	mu sync.Mutex
	// issued records the values this process has resolved per owner,
	// to detect regeneration hazards within a run.
	issued map[string]string
}

// NewService returns a Service backed by the given store.
func NewService(store Store) *Service {
	return &Service{
		store:  store,
		issued: make(map[string]string),
	}
}

// Store exposes the underlying store, for callers that need raw
// get/put access (the naming disambiguator registry).
func (s *Service) Store() Store {
	return s.store
}

// EnsureValue resolves the secret for owner, generating and storing a
// value with gen only if no record exists yet. The returned flag
// reports whether new material was issued on this call.
func (s *Service) EnsureValue(ctx context.Context, owner string, tags map[string]string, gen func() (string, error)) (Ref, bool, error) {
	value, arn, err := s.store.GetValue(ctx, owner)
	if err == nil {
		if err := s.noteIssued(owner, value); err != nil {
			return Ref{}, false, errors.Trace(err)
		}
		return Ref{Name: owner, ARN: arn}, false, nil
	}
	if !errors.Is(err, errors.NotFound) {
		return Ref{}, false, errors.Trace(err)
	}

	value, err = gen()
	if err != nil {
		return Ref{}, false, errors.Annotatef(err, "generating secret for %q", owner)
	}
	arn, err = s.store.Create(ctx, owner, value, tags)
	if errors.Is(err, errors.AlreadyExists) {
		// Lost a race with a concurrent apply; adopt the stored
		// value and discard ours.
		value, arn, err = s.store.GetValue(ctx, owner)
		if err != nil {
			return Ref{}, false, errors.Trace(err)
		}
		if err := s.noteIssued(owner, value); err != nil {
			return Ref{}, false, errors.Trace(err)
		}
		return Ref{Name: owner, ARN: arn}, false, nil
	}
	if err != nil {
		return Ref{}, false, errors.Trace(err)
	}
	if err := s.noteIssued(owner, value); err != nil {
		return Ref{}, false, errors.Trace(err)
	}
	logger.Infof("issued new secret material for %q", owner)
	return Ref{Name: owner, ARN: arn}, true, nil
}

// EnsureDatabaseSecret resolves the structured database secret for
// owner, seeding it (with a freshly generated password) only on first
// creation.
func (s *Service) EnsureDatabaseSecret(ctx context.Context, owner string, tags map[string]string, seed DatabaseSecret) (DatabaseSecret, Ref, error) {
	if seed.Password != "" {
		return DatabaseSecret{}, Ref{}, errors.NotValidf("database secret seed with a preset password")
	}
	ref, _, err := s.EnsureValue(ctx, owner, tags, func() (string, error) {
		password, err := GeneratePassword(20)
		if err != nil {
			return "", errors.Trace(err)
		}
		seeded := seed
		seeded.Password = password
		doc, err := json.Marshal(seeded)
		if err != nil {
			return "", errors.Trace(err)
		}
		return string(doc), nil
	})
	if err != nil {
		return DatabaseSecret{}, Ref{}, errors.Trace(err)
	}
	value, _, err := s.store.GetValue(ctx, owner)
	if err != nil {
		return DatabaseSecret{}, Ref{}, errors.Trace(err)
	}
	var record DatabaseSecret
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return DatabaseSecret{}, Ref{}, errors.Annotatef(err, "decoding database secret %q", owner)
	}
	return record, ref, nil
}

// CompleteDatabaseSecret writes the instance address and assembled
// connection URL into an existing database secret. The password is
// carried over verbatim; any attempt to alter it trips the
// regeneration invariant.
func (s *Service) CompleteDatabaseSecret(ctx context.Context, owner, scheme, host string, port int32) (DatabaseSecret, error) {
	value, _, err := s.store.GetValue(ctx, owner)
	if err != nil {
		return DatabaseSecret{}, errors.Trace(err)
	}
	var record DatabaseSecret
	if err := json.Unmarshal([]byte(value), &record); err != nil {
		return DatabaseSecret{}, errors.Annotatef(err, "decoding database secret %q", owner)
	}
	url := fmt.Sprintf("%s://%s:%s@%s:%d/%s", scheme, record.Username, record.Password, host, port, record.DBName)
	if record.Host == host && record.Port == port && record.URL == url {
		return record, nil
	}
	record.Host = host
	record.Port = port
	record.URL = url
	doc, err := json.Marshal(record)
	if err != nil {
		return DatabaseSecret{}, errors.Trace(err)
	}
	if err := s.store.PutValue(ctx, owner, string(doc)); err != nil {
		return DatabaseSecret{}, errors.Trace(err)
	}
	// The stored document changed shape (not material), so refresh
	// the per-run record to keep the hazard tripwire honest.
	s.mu.Lock()
	s.issued[owner] = string(doc)
	s.mu.Unlock()
	return record, nil
}

func (s *Service) noteIssued(owner, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.issued[owner]; ok && prev != value {
		return errors.Annotatef(ErrSecretRegeneration, "owner %q", owner)
	}
	s.issued[owner] = value
	return nil
}
