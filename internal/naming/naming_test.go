// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package naming_test

import (
	"context"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/agentx/provisioner/internal/naming"
)

type namingSuite struct{}

var _ = gc.Suite(&namingSuite{})

type memStore struct {
	records map[string]string
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]string)}
}

func (m *memStore) Lookup(_ context.Context, key string) (string, bool, error) {
	v, ok := m.records[key]
	return v, ok, nil
}

func (m *memStore) Record(_ context.Context, key, value string) error {
	if _, ok := m.records[key]; ok {
		return errors.AlreadyExistsf("disambiguator %q", key)
	}
	m.records[key] = value
	return nil
}

func (s *namingSuite) TestResourceNameStable(c *gc.C) {
	n := naming.NewNamer("todo", "dev", nil)
	first := n.ResourceName(naming.RoleCluster)
	second := n.ResourceName(naming.RoleCluster)
	c.Check(first, gc.Equals, second)
	c.Check(first, gc.Equals, "todo-cluster")
}

func (s *namingSuite) TestResourceNameRolesDoNotCollide(c *gc.C) {
	n := naming.NewNamer("todo", "dev", nil)
	seen := make(map[string]naming.Role)
	for _, role := range []naming.Role{
		naming.RoleBucket, naming.RoleDistribution, naming.RoleDeployer,
		naming.RoleVPC, naming.RoleCluster, naming.RoleTaskFamily,
		naming.RoleService, naming.RoleLoadBalancer, naming.RoleTargetGroup,
		naming.RoleExecutionRole, naming.RoleDatabase, naming.RoleDBSecret,
		naming.RoleLogGroup,
	} {
		name := n.ResourceName(role)
		prev, clash := seen[name]
		c.Check(clash, jc.IsFalse, gc.Commentf("role %q collides with %q on %q", role, prev, name))
		seen[name] = role
	}
}

func (s *namingSuite) TestResourceNameExtraQualifiers(c *gc.C) {
	n := naming.NewNamer("todo", "dev", nil)
	c.Check(n.ResourceName(naming.RolePublicSubnet, "0"), gc.Equals, "todo-public-0")
	c.Check(n.ResourceName(naming.RolePublicSubnet, "1"), gc.Equals, "todo-public-1")
}

func (s *namingSuite) TestStickyNameMintedOnce(c *gc.C) {
	store := newMemStore()
	n := naming.NewNamer("todo", "dev", store)
	first, err := n.StickyName(context.Background(), naming.RoleDatabase)
	c.Assert(err, jc.ErrorIsNil)
	second, err := n.StickyName(context.Background(), naming.RoleDatabase)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, gc.Equals, first)
	c.Check(first, gc.Matches, `todo-db-[0-9a-f]{8}`)
}

func (s *namingSuite) TestStickyNameSurvivesNewNamer(c *gc.C) {
	store := newMemStore()
	first, err := naming.NewNamer("todo", "dev", store).StickyName(context.Background(), naming.RoleDBSecret)
	c.Assert(err, jc.ErrorIsNil)
	second, err := naming.NewNamer("todo", "dev", store).StickyName(context.Background(), naming.RoleDBSecret)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(second, gc.Equals, first)
}

func (s *namingSuite) TestStickyNameWithoutStore(c *gc.C) {
	n := naming.NewNamer("todo", "dev", nil)
	_, err := n.StickyName(context.Background(), naming.RoleDatabase)
	c.Check(err, gc.ErrorMatches, `no disambiguator store configured for sticky role "db"`)
}

func (s *namingSuite) TestTagsBase(c *gc.C) {
	n := naming.NewNamer("site1", "prod", nil)
	tags := n.Tags("site1-site", nil)
	c.Check(tags, gc.DeepEquals, map[string]string{
		"Name":        "site1-site",
		"Managed":     naming.ManagedBy(),
		"Provisioned": "agentx",
		"Project":     "site1",
		"Environment": "prod",
	})
}

func (s *namingSuite) TestTagsCallerWins(c *gc.C) {
	n := naming.NewNamer("site1", "prod", nil)
	tags := n.Tags("site1-site", map[string]string{
		"Environment": "staging",
		"Team":        "web",
	})
	c.Check(tags["Environment"], gc.Equals, "staging")
	c.Check(tags["Team"], gc.Equals, "web")
}

func (s *namingSuite) TestTagsReservedKeys(c *gc.C) {
	n := naming.NewNamer("site1", "prod", nil)
	tags := n.Tags("site1-site", map[string]string{
		"Name":    "impostor",
		"Managed": "someone-else",
	})
	c.Check(tags["Name"], gc.Equals, "site1-site")
	c.Check(tags["Managed"], gc.Equals, naming.ManagedBy())
}
