// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package secrets_test

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/agentx/provisioner/internal/secrets"
)

type serviceSuite struct {
	store   *memStore
	service *secrets.Service
}

var _ = gc.Suite(&serviceSuite{})

func (s *serviceSuite) SetUpTest(c *gc.C) {
	s.store = newMemStore()
	s.service = secrets.NewService(s.store)
}

// memStore is an in-memory secrets.Store.
type memStore struct {
	values  map[string]string
	creates int
	puts    int
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (m *memStore) GetValue(_ context.Context, name string) (string, string, error) {
	v, ok := m.values[name]
	if !ok {
		return "", "", errors.NotFoundf("secret %q", name)
	}
	return v, m.arn(name), nil
}

func (m *memStore) Create(_ context.Context, name, value string, _ map[string]string) (string, error) {
	if _, ok := m.values[name]; ok {
		return "", errors.AlreadyExistsf("secret %q", name)
	}
	m.values[name] = value
	m.creates++
	return m.arn(name), nil
}

func (m *memStore) PutValue(_ context.Context, name, value string) error {
	if _, ok := m.values[name]; !ok {
		return errors.NotFoundf("secret %q", name)
	}
	m.values[name] = value
	m.puts++
	return nil
}

func (m *memStore) arn(name string) string {
	return fmt.Sprintf("arn:aws:secretsmanager:us-east-1:123456789012:secret:%s", name)
}

func (s *serviceSuite) TestEnsureValueCreatesOnce(c *gc.C) {
	gen := func() (string, error) { return "material-1", nil }

	ref, created, err := s.service.EnsureValue(context.Background(), "todo/key", nil, gen)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(created, jc.IsTrue)
	c.Check(ref.Name, gc.Equals, "todo/key")
	c.Check(ref.ARN, gc.Matches, "arn:aws:secretsmanager:.*:secret:todo/key")

	// A later resolution must return the stored value, not call the
	// generator again.
	ref2, created, err := s.service.EnsureValue(context.Background(), "todo/key", nil, func() (string, error) {
		c.Fatal("generator invoked for an existing secret")
		return "", nil
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(created, jc.IsFalse)
	c.Check(ref2, gc.DeepEquals, ref)
	c.Check(s.store.creates, gc.Equals, 1)
}

func (s *serviceSuite) TestEnsureValueAdoptsRaceLoser(c *gc.C) {
	// Simulate a concurrent apply landing between our lookup and
	// create by pre-seeding on generation.
	gen := func() (string, error) {
		s.store.values["todo/key"] = "theirs"
		return "ours", nil
	}
	ref, created, err := s.service.EnsureValue(context.Background(), "todo/key", nil, gen)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(created, jc.IsFalse)
	c.Check(ref.Name, gc.Equals, "todo/key")
	c.Check(s.store.values["todo/key"], gc.Equals, "theirs")
}

func (s *serviceSuite) TestEnsureValueRegenerationHazard(c *gc.C) {
	_, _, err := s.service.EnsureValue(context.Background(), "todo/key", nil, func() (string, error) {
		return "material-1", nil
	})
	c.Assert(err, jc.ErrorIsNil)

	// An out-of-band rewrite of the stored material must be caught by
	// the invariant tripwire, not silently adopted.
	s.store.values["todo/key"] = "tampered"
	_, _, err = s.service.EnsureValue(context.Background(), "todo/key", nil, nil)
	c.Check(err, jc.ErrorIs, secrets.ErrSecretRegeneration)
}

func (s *serviceSuite) TestEnsureDatabaseSecret(c *gc.C) {
	seed := secrets.DatabaseSecret{
		Username: "dbadmin",
		DBName:   "todo",
	}
	record, ref, err := s.service.EnsureDatabaseSecret(context.Background(), "todo/db", nil, seed)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(ref.Name, gc.Equals, "todo/db")
	c.Check(record.Username, gc.Equals, "dbadmin")
	c.Check(record.DBName, gc.Equals, "todo")
	c.Check(len(record.Password) >= secrets.MinPasswordLength, jc.IsTrue)
	c.Check(record.Host, gc.Equals, "")

	again, _, err := s.service.EnsureDatabaseSecret(context.Background(), "todo/db", nil, seed)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(again.Password, gc.Equals, record.Password)
	c.Check(s.store.creates, gc.Equals, 1)
}

func (s *serviceSuite) TestEnsureDatabaseSecretRejectsPresetPassword(c *gc.C) {
	_, _, err := s.service.EnsureDatabaseSecret(context.Background(), "todo/db", nil, secrets.DatabaseSecret{
		Username: "dbadmin",
		Password: "preset",
	})
	c.Check(err, gc.ErrorMatches, "database secret seed with a preset password not valid")
}

func (s *serviceSuite) TestCompleteDatabaseSecret(c *gc.C) {
	record, _, err := s.service.EnsureDatabaseSecret(context.Background(), "todo/db", nil, secrets.DatabaseSecret{
		Username: "dbadmin",
		DBName:   "todo",
	})
	c.Assert(err, jc.ErrorIsNil)

	completed, err := s.service.CompleteDatabaseSecret(context.Background(), "todo/db", "postgresql", "db.example.internal", 5432)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(completed.Host, gc.Equals, "db.example.internal")
	c.Check(completed.Port, gc.Equals, int32(5432))
	c.Check(completed.Password, gc.Equals, record.Password)
	c.Check(completed.URL, gc.Equals, fmt.Sprintf(
		"postgresql://dbadmin:%s@db.example.internal:5432/todo", record.Password))

	// Completing with the same address is a no-op version-wise.
	puts := s.store.puts
	_, err = s.service.CompleteDatabaseSecret(context.Background(), "todo/db", "postgresql", "db.example.internal", 5432)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(s.store.puts, gc.Equals, puts)

	// The stored document round-trips.
	value, _, err := s.store.GetValue(context.Background(), "todo/db")
	c.Assert(err, jc.ErrorIsNil)
	var stored secrets.DatabaseSecret
	c.Assert(json.Unmarshal([]byte(value), &stored), jc.ErrorIsNil)
	c.Check(stored, gc.DeepEquals, completed)
}

func (s *serviceSuite) TestDisambiguatorStoreRoundTrip(c *gc.C) {
	reg := secrets.NewDisambiguatorStore(s.store)

	_, found, err := reg.Lookup(context.Background(), "todo/db")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsFalse)

	c.Assert(reg.Record(context.Background(), "todo/db", "f00dcafe"), jc.ErrorIsNil)

	got, found, err := reg.Lookup(context.Background(), "todo/db")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(found, jc.IsTrue)
	c.Check(got, gc.Equals, "f00dcafe")

	// Registry records live in their own namespace.
	_, _, err = s.store.GetValue(context.Background(), "naming/todo/db")
	c.Check(err, jc.ErrorIsNil)
}
