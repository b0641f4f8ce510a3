// Copyright 2025 AgentX Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package workload_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/agentx/provisioner/core/workload"
)

type specSuite struct{}

var _ = gc.Suite(&specSuite{})

func minimalSite() workload.Spec {
	return workload.Spec{
		Kind:     workload.StaticSite,
		Identity: "site1",
		Region:   "us-east-1",
	}
}

func minimalService() workload.Spec {
	return workload.Spec{
		Kind:           workload.ContainerService,
		Identity:       "todo",
		Region:         "us-east-1",
		ContainerImage: "example/todo:latest",
	}
}

func (s *specSuite) TestValidateMinimalSite(c *gc.C) {
	c.Assert(minimalSite().Validate(), jc.ErrorIsNil)
}

func (s *specSuite) TestValidateMinimalService(c *gc.C) {
	c.Assert(minimalService().Validate(), jc.ErrorIsNil)
}

func (s *specSuite) TestValidateFailures(c *gc.C) {
	for i, test := range []struct {
		about  string
		mutate func(*workload.Spec)
		expect string
	}{{
		about:  "missing identity",
		mutate: func(s *workload.Spec) { s.Identity = "" },
		expect: `workload with empty identity not valid`,
	}, {
		about:  "uppercase identity",
		mutate: func(s *workload.Spec) { s.Identity = "Site1" },
		expect: `identity "Site1" not valid`,
	}, {
		about:  "missing region",
		mutate: func(s *workload.Spec) { s.Region = "" },
		expect: `workload "site1" without a region not valid`,
	}, {
		about:  "unknown kind",
		mutate: func(s *workload.Spec) { s.Kind = "lambda" },
		expect: `workload kind "lambda" not valid`,
	}, {
		about:  "domain without zone",
		mutate: func(s *workload.Spec) { s.Domain = &workload.CustomDomain{Domain: "www.example.com"} },
		expect: `custom domain "www.example.com" with DNS zone "": both must be supplied not valid`,
	}, {
		about:  "zone without domain",
		mutate: func(s *workload.Spec) { s.Domain = &workload.CustomDomain{DNSZoneID: "Z123"} },
		expect: `custom domain "" with DNS zone "Z123": both must be supplied not valid`,
	}, {
		about:  "duplicate folders",
		mutate: func(s *workload.Spec) { s.SiteFolders = []string{"blog", "blog"} },
		expect: `duplicate site folder "blog" not valid`,
	}, {
		about:  "container fields on a site",
		mutate: func(s *workload.Spec) { s.ContainerImage = "example/x" },
		expect: `container service fields on static site "site1" not valid`,
	}} {
		c.Logf("test %d: %s", i, test.about)
		spec := minimalSite()
		test.mutate(&spec)
		err := spec.Validate()
		c.Check(err, gc.ErrorMatches, test.expect)
		c.Check(err, jc.ErrorIs, errors.NotValid)
	}
}

func (s *specSuite) TestValidateServiceFailures(c *gc.C) {
	for i, test := range []struct {
		about  string
		mutate func(*workload.Spec)
		expect string
	}{{
		about:  "missing image",
		mutate: func(s *workload.Spec) { s.ContainerImage = "" },
		expect: `container service "todo" without an image not valid`,
	}, {
		about:  "site fields on a service",
		mutate: func(s *workload.Spec) { s.SiteFolders = []string{"a"} },
		expect: `static site fields on container service "todo" not valid`,
	}, {
		about:  "inverted scaling bounds",
		mutate: func(s *workload.Spec) { s.Scaling = &workload.ScalingBounds{Min: 5, Max: 2} },
		expect: `scaling bounds 5\.\.2 not valid`,
	}, {
		about:  "database without engine",
		mutate: func(s *workload.Spec) { s.Database = &workload.Database{} },
		expect: `database without an engine not valid`,
	}, {
		about:  "unknown database engine",
		mutate: func(s *workload.Spec) { s.Database = &workload.Database{Engine: "oracle"} },
		expect: `database engine "oracle" not valid`,
	}, {
		about: "shrinking storage bounds",
		mutate: func(s *workload.Spec) {
			s.Database = &workload.Database{Engine: "postgres", AllocatedStorage: 50, MaxStorage: 20}
		},
		expect: `database storage bounds 50\.\.20GiB not valid`,
	}} {
		c.Logf("test %d: %s", i, test.about)
		spec := minimalService()
		test.mutate(&spec)
		c.Check(spec.Validate(), gc.ErrorMatches, test.expect)
	}
}

func (s *specSuite) TestSiteDefaults(c *gc.C) {
	spec := minimalSite().WithDefaults()
	c.Check(spec.Environment, gc.Equals, "dev")
	c.Check(spec.RootObject, gc.Equals, "index.html")
	c.Check(spec.ErrorObject, gc.Equals, "error.html")
	c.Check(spec.DeliveryTier, gc.Equals, workload.DeliveryTierEconomy)
	c.Check(spec.MultiTenant(), jc.IsFalse)
}

func (s *specSuite) TestServiceDefaults(c *gc.C) {
	spec := minimalService()
	spec.Database = &workload.Database{Engine: "postgres"}
	spec = spec.WithDefaults()
	c.Check(spec.ContainerPort, gc.Equals, int32(3000))
	c.Check(spec.CPU, gc.Equals, int32(256))
	c.Check(spec.Memory, gc.Equals, int32(512))
	c.Check(spec.DesiredCount, gc.Equals, int32(1))
	c.Check(spec.Scaling, gc.DeepEquals, &workload.ScalingBounds{Min: 1, Max: 5})
	c.Check(spec.HealthCheckPath, gc.Equals, "/")
	c.Check(spec.Database.Version, gc.Equals, "14")
	c.Check(spec.Database.InstanceClass, gc.Equals, "db.t3.micro")
	c.Check(spec.Database.AllocatedStorage, gc.Equals, int32(20))
	c.Check(spec.Database.Username, gc.Equals, "dbadmin")
	c.Check(spec.Database.Name, gc.Equals, "todo")
}

func (s *specSuite) TestDefaultsDoNotMutateReceiver(c *gc.C) {
	spec := minimalService()
	spec.Database = &workload.Database{Engine: "postgres"}
	_ = spec.WithDefaults()
	c.Check(spec.ContainerPort, gc.Equals, int32(0))
	c.Check(spec.Database.Username, gc.Equals, "")
}

func (s *specSuite) TestDatabaseNameHyphens(c *gc.C) {
	spec := minimalService()
	spec.Identity = "todo-api"
	spec.Database = &workload.Database{Engine: "postgres"}
	spec = spec.WithDefaults()
	c.Check(spec.Database.Name, gc.Equals, "todo_api")
}

func (s *specSuite) TestEnginePort(c *gc.C) {
	c.Check(workload.EnginePort("postgres"), gc.Equals, int32(5432))
	c.Check(workload.EnginePort("mysql"), gc.Equals, int32(3306))
}
