// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric_test

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/fabric"
	"github.com/openebs/mayastor-sub003/rpc"
	"github.com/openebs/mayastor-sub003/rpc/rpctest"
)

type nodeSuite struct {
	fabricSuite

	stub   *testing.Stub
	client *rpctest.Client
	node   *fabric.Node
}

var _ = gc.Suite(&nodeSuite{})

func (s *nodeSuite) SetUpTest(c *gc.C) {
	s.fabricSuite.SetUpTest(c)
	s.stub = &testing.Stub{}
	s.client = rpctest.NewClient(s.stub, map[string]interface{}{
		"ListPools": rpc.ListPoolsReply{Pools: []rpc.Pool{{
			Name:     "pool-a",
			Disks:    []string{"aio:///dev/sda"},
			State:    rpc.PoolOnline,
			Capacity: 1000,
			Used:     100,
		}}},
		"ListReplicas": rpc.ListReplicasReply{Replicas: []rpc.Replica{{
			UUID:  "vol-1",
			Pool:  "pool-a",
			Size:  100,
			Share: rpc.ShareNone,
			URI:   "bdev:///vol-1",
			State: rpc.ReplicaOnline,
		}}},
		"ListNexus": rpc.ListNexusReply{NexusList: []rpc.Nexus{{
			UUID:  "vol-1",
			Size:  100,
			State: rpc.NexusOnline,
			Children: []rpc.Child{
				{URI: "bdev:///vol-1", State: rpc.ChildOnline},
			},
		}}},
	})

	node, err := fabric.NewNode(fabric.NodeConfig{
		Name:  "node-1",
		Hub:   s.hub,
		Clock: s.clock,
		Dial: func(endpoint string) (rpc.Client, error) {
			return s.client, nil
		},
		SyncPeriod:   syncPeriod,
		SyncRetry:    syncRetry,
		SyncBadLimit: syncBadLimit,
	})
	c.Assert(err, jc.ErrorIsNil)
	s.node = node
	s.AddCleanup(func(*gc.C) { node.Disconnect() })
}

// tick fires the node's sync timer after advancing the clock by d,
// then waits for the timer to be re-armed, which only happens once
// the tick has fully settled.
func (s *nodeSuite) tick(c *gc.C, d time.Duration) {
	c.Assert(s.clock.WaitAdvance(d, longWait, 1), jc.ErrorIsNil)
	c.Assert(s.clock.WaitAdvance(0, longWait, 1), jc.ErrorIsNil)
}

func (s *nodeSuite) connectAndSync(c *gc.C) {
	c.Assert(s.node.Connect("10.0.0.1:10124"), jc.ErrorIsNil)
	s.tick(c, 0)
	c.Assert(s.node.State(), gc.Equals, fabric.NodeStateSynced)
}

func (s *nodeSuite) TestConnectSyncsImmediately(c *gc.C) {
	s.connectAndSync(c)

	s.stub.CheckCallNames(c, "ListPools", "ListReplicas", "ListNexus")
	c.Check(s.node.Endpoint(), gc.Equals, "10.0.0.1:10124")
	c.Check(s.node.IsSynced(), jc.IsTrue)

	pool := s.node.Pool("pool-a")
	c.Assert(pool, gc.NotNil)
	c.Check(pool.State(), gc.Equals, rpc.PoolOnline)
	c.Check(pool.Capacity(), gc.Equals, uint64(1000))
	c.Check(pool.FreeBytes(), gc.Equals, uint64(900))
	c.Check(pool.Node(), gc.Equals, s.node)

	replica := pool.Replica("vol-1")
	c.Assert(replica, gc.NotNil)
	c.Check(replica.URI(), gc.Equals, "bdev:///vol-1")
	c.Check(replica.IsHealthy(), jc.IsTrue)

	nexus := s.node.Nexus("vol-1")
	c.Assert(nexus, gc.NotNil)
	c.Check(nexus.State(), gc.Equals, rpc.NexusOnline)
	c.Check(nexus.Children(), gc.HasLen, 1)

	c.Check(s.kinds(c, events.TopicPool), jc.DeepEquals, []events.Kind{events.KindNew})
	c.Check(s.kinds(c, events.TopicReplica), jc.DeepEquals, []events.Kind{events.KindNew})
	c.Check(s.kinds(c, events.TopicNexus), jc.DeepEquals, []events.Kind{events.KindNew})
}

func (s *nodeSuite) TestResyncWithoutChangesIsSilent(c *gc.C) {
	s.connectAndSync(c)
	s.collect(c, events.TopicPool)
	s.collect(c, events.TopicReplica)
	s.collect(c, events.TopicNexus)

	s.tick(c, syncPeriod)

	c.Check(s.kinds(c, events.TopicPool), gc.HasLen, 0)
	c.Check(s.kinds(c, events.TopicReplica), gc.HasLen, 0)
	c.Check(s.kinds(c, events.TopicNexus), gc.HasLen, 0)
}

func (s *nodeSuite) TestResyncDiffEmitsExactlyOneEventPerChange(c *gc.C) {
	s.connectAndSync(c)
	s.collect(c, events.TopicReplica)

	// vol-1 degrades, vol-0 appears, and a second tick must see a
	// deletion too; deletions trail the creations and modifications.
	s.client.Replies["ListReplicas"] = rpc.ListReplicasReply{Replicas: []rpc.Replica{
		{UUID: "vol-1", Pool: "pool-a", Size: 100, URI: "bdev:///vol-1", State: rpc.ReplicaDegraded},
		{UUID: "vol-0", Pool: "pool-a", Size: 50, URI: "bdev:///vol-0", State: rpc.ReplicaOnline},
	}}
	s.tick(c, syncPeriod)

	got := s.collect(c, events.TopicReplica)
	c.Assert(got, gc.HasLen, 2)
	c.Check(got[0].Kind, gc.Equals, events.KindMod)
	c.Check(got[0].Object.(*fabric.Replica).UUID(), gc.Equals, "vol-1")
	c.Check(got[1].Kind, gc.Equals, events.KindNew)
	c.Check(got[1].Object.(*fabric.Replica).UUID(), gc.Equals, "vol-0")

	s.client.Replies["ListReplicas"] = rpc.ListReplicasReply{Replicas: []rpc.Replica{
		{UUID: "vol-0", Pool: "pool-a", Size: 50, URI: "bdev:///vol-0", State: rpc.ReplicaOnline},
	}}
	s.tick(c, syncPeriod)

	got = s.collect(c, events.TopicReplica)
	c.Assert(got, gc.HasLen, 1)
	c.Check(got[0].Kind, gc.Equals, events.KindDel)
	deleted := got[0].Object.(*fabric.Replica)
	c.Check(deleted.UUID(), gc.Equals, "vol-1")
	c.Check(deleted.Pool(), gc.IsNil)
}

func (s *nodeSuite) TestPoolDisappearanceCascades(c *gc.C) {
	s.connectAndSync(c)
	s.collect(c, events.TopicPool)
	s.collect(c, events.TopicReplica)

	s.client.Replies["ListPools"] = rpc.ListPoolsReply{}
	s.client.Replies["ListReplicas"] = rpc.ListReplicasReply{}
	s.tick(c, syncPeriod)

	c.Check(s.node.Pools(), gc.HasLen, 0)
	c.Check(s.kinds(c, events.TopicReplica), jc.DeepEquals, []events.Kind{events.KindDel})
	c.Check(s.kinds(c, events.TopicPool), jc.DeepEquals, []events.Kind{events.KindDel})
}

func (s *nodeSuite) TestFailedTickReschedulesWithRetry(c *gc.C) {
	s.connectAndSync(c)

	s.stub.SetErrors(errors.New("boom"))
	s.tick(c, syncPeriod)
	c.Check(s.node.State(), gc.Equals, fabric.NodeStateSynced)

	// The next tick is due after the retry gap, not the full period.
	s.stub.ResetCalls()
	s.tick(c, syncRetry)
	s.stub.CheckCallNames(c, "ListPools", "ListReplicas", "ListNexus")
	c.Check(s.node.State(), gc.Equals, fabric.NodeStateSynced)
}

func (s *nodeSuite) badLimitExceeded(c *gc.C) {
	errs := make([]error, syncBadLimit)
	for i := range errs {
		errs[i] = errors.New("unreachable")
	}
	s.stub.SetErrors(errs...)
	s.tick(c, syncPeriod)
	for i := 1; i < syncBadLimit; i++ {
		s.tick(c, syncRetry)
	}
	c.Assert(s.node.State(), gc.Equals, fabric.NodeStateSyncFailed)
}

func (s *nodeSuite) TestBadLimitForcesEntitiesOffline(c *gc.C) {
	s.connectAndSync(c)
	s.collect(c, events.TopicPool)
	s.collect(c, events.TopicReplica)
	s.collect(c, events.TopicNexus)

	s.badLimitExceeded(c)

	pool := s.node.Pool("pool-a")
	c.Check(pool.State(), gc.Equals, rpc.PoolOffline)
	c.Check(pool.Reason(), gc.Equals, `node node-1 is unavailable`)
	c.Check(pool.Replica("vol-1").State(), gc.Equals, rpc.ReplicaOffline)
	c.Check(s.node.Nexus("vol-1").State(), gc.Equals, rpc.NexusOffline)

	// Forced offline is a modification of still-present entities,
	// not a removal.
	c.Check(s.kinds(c, events.TopicPool), jc.DeepEquals, []events.Kind{events.KindMod})
	c.Check(s.kinds(c, events.TopicReplica), jc.DeepEquals, []events.Kind{events.KindMod})
	c.Check(s.kinds(c, events.TopicNexus), jc.DeepEquals, []events.Kind{events.KindMod})
}

func (s *nodeSuite) TestRecoveryAfterSyncFailure(c *gc.C) {
	s.connectAndSync(c)
	s.badLimitExceeded(c)

	s.tick(c, syncRetry)

	c.Check(s.node.State(), gc.Equals, fabric.NodeStateSynced)
	pool := s.node.Pool("pool-a")
	c.Check(pool.State(), gc.Equals, rpc.PoolOnline)
	c.Check(pool.Reason(), gc.Equals, "")
	c.Check(pool.Replica("vol-1").State(), gc.Equals, rpc.ReplicaOnline)
}

func (s *nodeSuite) TestDestructiveCallOnUnreachableNodeFakesSuccess(c *gc.C) {
	s.connectAndSync(c)
	s.badLimitExceeded(c)
	replica := s.node.Pool("pool-a").Replica("vol-1")
	s.collect(c, events.TopicReplica)
	s.stub.ResetCalls()

	c.Assert(replica.Destroy(context.Background()), jc.ErrorIsNil)

	// No RPC went out, but the cached model and the event stream
	// both saw the removal.
	s.stub.CheckCallNames(c)
	c.Check(s.node.Pool("pool-a").Replica("vol-1"), gc.IsNil)
	c.Check(s.kinds(c, events.TopicReplica), jc.DeepEquals, []events.Kind{events.KindDel})
}

func (s *nodeSuite) TestConstructiveCallOnUnreachableNodeFails(c *gc.C) {
	s.connectAndSync(c)
	s.badLimitExceeded(c)
	pool := s.node.Pool("pool-a")
	s.stub.ResetCalls()

	_, err := pool.CreateReplica(context.Background(), "vol-2", 10)
	c.Assert(err, gc.NotNil)
	c.Check(rpc.IsNodeOffline(err), jc.IsTrue)
	s.stub.CheckCallNames(c)
}

func (s *nodeSuite) TestDestroyDuringShutdownCountsAsDestroyed(c *gc.C) {
	s.connectAndSync(c)
	replica := s.node.Pool("pool-a").Replica("vol-1")
	s.collect(c, events.TopicReplica)
	s.stub.ResetCalls()

	// The queue dies under the operation, as a racing disconnect
	// would have it.
	s.node.StopQueue()

	c.Assert(replica.Destroy(context.Background()), jc.ErrorIsNil)
	s.stub.CheckCallNames(c)
	c.Check(s.node.Pool("pool-a").Replica("vol-1"), gc.IsNil)
	c.Check(s.kinds(c, events.TopicReplica), jc.DeepEquals, []events.Kind{events.KindDel})
}

func (s *nodeSuite) TestConstructiveCallDuringShutdownFails(c *gc.C) {
	s.connectAndSync(c)
	s.stub.ResetCalls()
	s.node.StopQueue()

	_, err := s.node.Pool("pool-a").CreateReplica(context.Background(), "vol-9", 10)
	c.Check(err, jc.Satisfies, rpc.IsNodeOffline)
	s.stub.CheckCallNames(c)
}

func (s *nodeSuite) TestDestroyNotFoundCountsAsDestroyed(c *gc.C) {
	s.connectAndSync(c)
	replica := s.node.Pool("pool-a").Replica("vol-1")
	s.stub.ResetCalls()
	s.stub.SetErrors(rpc.Errorf(rpc.CodeNotFound, "no such replica"))

	c.Assert(replica.Destroy(context.Background()), jc.ErrorIsNil)

	s.stub.CheckCallNames(c, "DestroyReplica")
	c.Check(s.node.Pool("pool-a").Replica("vol-1"), gc.IsNil)
}

func (s *nodeSuite) TestCreateReplicaRegistersImmediately(c *gc.C) {
	s.connectAndSync(c)
	pool := s.node.Pool("pool-a")
	s.collect(c, events.TopicReplica)
	s.client.Replies["CreateReplica"] = rpc.Replica{
		UUID: "vol-2", Pool: "pool-a", Size: 10,
		Share: rpc.ShareNone, URI: "bdev:///vol-2", State: rpc.ReplicaOnline,
	}

	replica, err := pool.CreateReplica(context.Background(), "vol-2", 10)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(replica.URI(), gc.Equals, "bdev:///vol-2")
	c.Check(pool.Replica("vol-2"), gc.Equals, replica)
	c.Check(s.kinds(c, events.TopicReplica), jc.DeepEquals, []events.Kind{events.KindNew})
}

func (s *nodeSuite) TestCreatePoolRegistersImmediately(c *gc.C) {
	s.connectAndSync(c)
	s.collect(c, events.TopicPool)
	s.client.Replies["CreatePool"] = rpc.Pool{
		Name: "pool-b", Disks: []string{"aio:///dev/sdb"},
		State: rpc.PoolOnline, Capacity: 500,
	}

	pool, err := s.node.CreatePool(context.Background(), "pool-b", []string{"aio:///dev/sdb"})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(pool.Name(), gc.Equals, "pool-b")
	c.Check(s.node.Pool("pool-b"), gc.Equals, pool)
	c.Check(s.kinds(c, events.TopicPool), jc.DeepEquals, []events.Kind{events.KindNew})
}

func (s *nodeSuite) TestShareReplicaUpdatesURI(c *gc.C) {
	s.connectAndSync(c)
	replica := s.node.Pool("pool-a").Replica("vol-1")
	s.client.Replies["ShareReplica"] = rpc.ShareReplicaReply{URI: "nvmf://10.0.0.1/vol-1"}

	c.Assert(replica.SetShare(context.Background(), rpc.ShareNvmf), jc.ErrorIsNil)
	c.Check(replica.Share(), gc.Equals, rpc.ShareNvmf)
	c.Check(replica.URI(), gc.Equals, "nvmf://10.0.0.1/vol-1")
}

func (s *nodeSuite) TestReplicaStats(c *gc.C) {
	s.connectAndSync(c)
	s.client.Replies["StatReplicas"] = rpc.StatReplicasReply{Stats: []rpc.ReplicaStat{
		{UUID: "vol-1", Pool: "pool-a", NumReadOps: 7, BytesRead: 1024},
	}}

	stats, err := s.node.ReplicaStats(context.Background())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(stats, gc.HasLen, 1)
	c.Check(stats[0].NumReadOps, gc.Equals, uint64(7))
}

func (s *nodeSuite) TestDisconnectForcesOfflineAndCloses(c *gc.C) {
	s.connectAndSync(c)
	s.stub.ResetCalls()

	s.node.Disconnect()

	c.Check(s.node.State(), gc.Equals, fabric.NodeStateOffline)
	s.stub.CheckCallNames(c, "Close")
	pool := s.node.Pool("pool-a")
	c.Check(pool.State(), gc.Equals, rpc.PoolOffline)
	c.Check(pool.Reason(), gc.Equals, "node disconnected")
}

func (s *nodeSuite) TestConnectTwiceFails(c *gc.C) {
	s.connectAndSync(c)
	err := s.node.Connect("10.0.0.2:10124")
	c.Assert(err, gc.ErrorMatches, `node "node-1" is already connected to "10.0.0.1:10124"`)
}

func (s *nodeSuite) TestReadersNotBlockedWhileDialing(c *gc.C) {
	dialing := make(chan struct{})
	release := make(chan struct{})
	node, err := fabric.NewNode(fabric.NodeConfig{
		Name:  "node-2",
		Hub:   s.hub,
		Clock: s.clock,
		Dial: func(string) (rpc.Client, error) {
			close(dialing)
			<-release
			return s.client, nil
		},
	})
	c.Assert(err, jc.ErrorIsNil)

	connected := make(chan error, 1)
	go func() { connected <- node.Connect("10.0.0.2:10124") }()
	select {
	case <-dialing:
	case <-time.After(longWait):
		c.Fatalf("dial never started")
	}

	state := make(chan fabric.NodeState, 1)
	go func() { state <- node.State() }()
	select {
	case st := <-state:
		c.Check(st, gc.Equals, fabric.NodeStateDisconnected)
	case <-time.After(longWait):
		c.Fatalf("state query stalled behind the dial")
	}

	close(release)
	select {
	case err := <-connected:
		c.Assert(err, jc.ErrorIsNil)
	case <-time.After(longWait):
		c.Fatalf("connect never finished")
	}
	node.Disconnect()
}

func (s *nodeSuite) TestConnectDialFailure(c *gc.C) {
	node, err := fabric.NewNode(fabric.NodeConfig{
		Name:  "node-2",
		Hub:   s.hub,
		Clock: s.clock,
		Dial: func(endpoint string) (rpc.Client, error) {
			return nil, errors.New("connection refused")
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	err = node.Connect("10.0.0.2:10124")
	c.Assert(err, gc.ErrorMatches, `connecting node "node-2" to "10.0.0.2:10124": connection refused`)
	c.Check(node.State(), gc.Equals, fabric.NodeStateDisconnected)
}

func (s *nodeSuite) TestConfigValidate(c *gc.C) {
	_, err := fabric.NewNode(fabric.NodeConfig{})
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}
