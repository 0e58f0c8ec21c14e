// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package stats_test

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/fabric"
	"github.com/openebs/mayastor-sub003/rpc"
	"github.com/openebs/mayastor-sub003/rpc/rpctest"
	"github.com/openebs/mayastor-sub003/stats"
	"github.com/openebs/mayastor-sub003/volume"
)

const longWait = 10 * time.Second

type serverSuite struct {
	testing.IsolationSuite

	clock    *testclock.Clock
	stub     *testing.Stub
	client   *rpctest.Client
	registry *fabric.Registry
	manager  *volume.Manager
	server   *stats.Server
}

var _ = gc.Suite(&serverSuite{})

func (s *serverSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Now())
	s.stub = &testing.Stub{}
	s.client = rpctest.NewClient(s.stub, map[string]interface{}{
		"ListPools": rpc.ListPoolsReply{Pools: []rpc.Pool{{
			Name:     "pool-a",
			State:    rpc.PoolOnline,
			Capacity: 1000,
			Used:     250,
		}}},
		"ListReplicas": rpc.ListReplicasReply{},
		"ListNexus":    rpc.ListNexusReply{},
		"StatReplicas": rpc.StatReplicasReply{Stats: []rpc.ReplicaStat{
			{UUID: "vol-1", Pool: "pool-a", NumReadOps: 3, BytesWritten: 512},
		}},
	})

	registry, err := fabric.NewRegistry(fabric.RegistryConfig{
		Hub:   events.NewHub(),
		Clock: s.clock,
		Dial: func(endpoint string) (rpc.Client, error) {
			return s.client, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	s.registry = registry
	s.AddCleanup(func(*gc.C) {
		for _, node := range registry.Nodes() {
			registry.RemoveNode(node.Name())
		}
	})

	manager, err := volume.NewManager(volume.ManagerConfig{
		Registry: registry,
		Hub:      events.NewHub(),
	})
	c.Assert(err, jc.ErrorIsNil)
	s.manager = manager

	server, err := stats.NewServer(stats.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Registry:   registry,
		Volumes:    manager,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.server = server
	s.AddCleanup(func(c *gc.C) { workertest.CleanKill(c, server) })
}

func (s *serverSuite) addSyncedNode(c *gc.C) {
	spec := fabric.NodeSpec{Name: "node-a", Endpoint: "ep-a"}
	c.Assert(s.registry.EnsureNode(spec), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(0, longWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(0, longWait, 1), jc.ErrorIsNil)
	c.Assert(s.registry.GetNode("node-a").IsSynced(), jc.IsTrue)
}

func (s *serverSuite) get(c *gc.C, path string, into interface{}) {
	httpClient := &http.Client{Timeout: longWait}
	resp, err := httpClient.Get("http://" + s.server.Addr() + path)
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Assert(resp.StatusCode, gc.Equals, http.StatusOK)
	c.Assert(resp.Header.Get("Content-Type"), gc.Equals, "application/json")
	c.Assert(json.NewDecoder(resp.Body).Decode(into), jc.ErrorIsNil)
}

func (s *serverSuite) TestEmptyCluster(c *gc.C) {
	for _, path := range []string{"/v0/nodes", "/v0/pools", "/v0/volumes", "/v0/replicas/stats"} {
		var out []interface{}
		s.get(c, path, &out)
		c.Check(out, gc.HasLen, 0, gc.Commentf("path %s", path))
	}
}

func (s *serverSuite) TestNodes(c *gc.C) {
	s.addSyncedNode(c)
	var out []map[string]interface{}
	s.get(c, "/v0/nodes", &out)
	c.Assert(out, gc.HasLen, 1)
	c.Check(out[0]["name"], gc.Equals, "node-a")
	c.Check(out[0]["endpoint"], gc.Equals, "ep-a")
	c.Check(out[0]["state"], gc.Equals, "synced")
}

func (s *serverSuite) TestPools(c *gc.C) {
	s.addSyncedNode(c)
	var out []map[string]interface{}
	s.get(c, "/v0/pools", &out)
	c.Assert(out, gc.HasLen, 1)
	c.Check(out[0]["name"], gc.Equals, "pool-a")
	c.Check(out[0]["node"], gc.Equals, "node-a")
	c.Check(out[0]["state"], gc.Equals, "online")
	c.Check(out[0]["capacity"], gc.Equals, float64(1000))
	c.Check(out[0]["used"], gc.Equals, float64(250))
}

func (s *serverSuite) TestReplicaStats(c *gc.C) {
	s.addSyncedNode(c)
	var out []map[string]interface{}
	s.get(c, "/v0/replicas/stats", &out)
	c.Assert(out, gc.HasLen, 1)
	c.Check(out[0]["node"], gc.Equals, "node-a")
	c.Check(out[0]["uuid"], gc.Equals, "vol-1")
	c.Check(out[0]["numReadOps"], gc.Equals, float64(3))
}

func (s *serverSuite) TestReplicaStatsSkipsUnreachableNode(c *gc.C) {
	s.addSyncedNode(c)
	s.stub.SetErrors(errors.New("agent hung"))
	var out []interface{}
	s.get(c, "/v0/replicas/stats", &out)
	c.Check(out, gc.HasLen, 0)
}

func (s *serverSuite) TestUnknownPathIs404(c *gc.C) {
	httpClient := &http.Client{Timeout: longWait}
	resp, err := httpClient.Get("http://" + s.server.Addr() + "/v0/bogus")
	c.Assert(err, jc.ErrorIsNil)
	defer resp.Body.Close()
	c.Check(resp.StatusCode, gc.Equals, http.StatusNotFound)
}

func (s *serverSuite) TestConfigValidate(c *gc.C) {
	_, err := stats.NewServer(stats.ServerConfig{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
