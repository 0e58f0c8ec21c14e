// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/core/workqueue"
	"github.com/openebs/mayastor-sub003/rpc"
)

// NodeState is the position of a node in its sync state machine.
type NodeState string

const (
	NodeStateDisconnected NodeState = "disconnected"
	NodeStateConnecting   NodeState = "connecting"
	NodeStateSynced       NodeState = "synced"
	NodeStateSyncFailed   NodeState = "sync-failed"
	NodeStateOffline      NodeState = "offline"
)

const (
	// DefaultSyncPeriod is the steady-state gap between sync ticks.
	DefaultSyncPeriod = 10 * time.Second

	// DefaultSyncRetry is the gap after a failed tick: a fast
	// re-probe without busy-looping on success.
	DefaultSyncRetry = 2 * time.Second

	// DefaultSyncBadLimit is the number of consecutive failed
	// ticks after which the node's entities are forced offline.
	DefaultSyncBadLimit = 5
)

// DialFunc opens an rpc channel to the agent at endpoint.
type DialFunc func(endpoint string) (rpc.Client, error)

// NodeConfig holds a Node's dependencies and tuning.
type NodeConfig struct {
	Name  string
	Hub   *events.Hub
	Clock clock.Clock
	Dial  DialFunc

	// SyncPeriod, SyncRetry and SyncBadLimit default to the
	// package constants when left zero.
	SyncPeriod   time.Duration
	SyncRetry    time.Duration
	SyncBadLimit int
}

// Validate returns an error if the config cannot drive a Node.
func (config NodeConfig) Validate() error {
	if config.Name == "" {
		return errors.NotValidf("empty Name")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Dial == nil {
		return errors.NotValidf("nil Dial")
	}
	return nil
}

// Node models one storage agent: it owns the rpc channel and the
// work queue for that agent, the set of pools, replicas and nexuses
// physically there, and the periodic sync state machine that keeps
// the cached model converged with the agent's ground truth. The
// node's sync tick and rpc-result handlers are the only mutators of
// entity state below it.
type Node struct {
	config NodeConfig

	mu           sync.RWMutex
	state        NodeState
	endpoint     string
	client       rpc.Client
	queue        *workqueue.Queue
	syncer       *syncer
	syncFailures int
	pools        map[string]*Pool
	nexuses      map[string]*Nexus
}

// NewNode returns a disconnected Node.
func NewNode(config NodeConfig) (*Node, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.SyncPeriod == 0 {
		config.SyncPeriod = DefaultSyncPeriod
	}
	if config.SyncRetry == 0 {
		config.SyncRetry = DefaultSyncRetry
	}
	if config.SyncBadLimit == 0 {
		config.SyncBadLimit = DefaultSyncBadLimit
	}
	return &Node{
		config:  config,
		state:   NodeStateDisconnected,
		pools:   make(map[string]*Pool),
		nexuses: make(map[string]*Nexus),
	}, nil
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.config.Name
}

// Endpoint returns the agent endpoint the node is connected to.
func (n *Node) Endpoint() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.endpoint
}

// State returns the node's sync state.
func (n *Node) State() NodeState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// IsSynced reports whether the node's cached model is trustworthy:
// the failure count has not reached the bad limit since the last
// clean tick.
func (n *Node) IsSynced() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state == NodeStateSynced
}

// Pools returns the node's pools sorted by name.
func (n *Node) Pools() []*Pool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Pool, 0, len(n.pools))
	for _, p := range n.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Pool returns the named pool, or nil.
func (n *Node) Pool(name string) *Pool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.pools[name]
}

// Replicas returns every replica physically on this node, sorted by
// pool name then uuid.
func (n *Node) Replicas() []*Replica {
	var out []*Replica
	for _, p := range n.Pools() {
		out = append(out, p.Replicas()...)
	}
	return out
}

// Nexuses returns the node's nexuses sorted by uuid.
func (n *Node) Nexuses() []*Nexus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Nexus, 0, len(n.nexuses))
	for _, nx := range n.nexuses {
		out = append(out, nx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}

// Nexus returns the nexus with the given uuid, or nil.
func (n *Node) Nexus(uuid string) *Nexus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nexuses[uuid]
}

// Connect opens the rpc channel and the work queue and starts the
// periodic sync loop. The first tick fires immediately. The dial runs
// outside the entity lock: it can block for the full dial timeout and
// readers must not stall behind it.
func (n *Node) Connect(endpoint string) error {
	n.mu.RLock()
	connected, current := n.client != nil, n.endpoint
	n.mu.RUnlock()
	if connected {
		return errors.Errorf("node %q is already connected to %q", n.config.Name, current)
	}
	client, err := n.config.Dial(endpoint)
	if err != nil {
		return errors.Annotatef(err, "connecting node %q to %q", n.config.Name, endpoint)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.client != nil {
		_ = client.Close()
		return errors.Errorf("node %q is already connected to %q", n.config.Name, n.endpoint)
	}
	n.client = client
	n.endpoint = endpoint
	n.queue = workqueue.New()
	n.setState(NodeStateConnecting)

	s := &syncer{node: n}
	if err := catacomb.Invoke(catacomb.Plan{
		Site: &s.catacomb,
		Work: s.loop,
		Init: []worker.Worker{n.queue},
	}); err != nil {
		n.queue.Kill()
		n.queue = nil
		n.client = nil
		_ = client.Close()
		return errors.Trace(err)
	}
	n.syncer = s
	return nil
}

// Disconnect stops the sync loop, closes the rpc channel and forces
// the node's entities offline, exactly as if the bad limit had been
// exceeded.
func (n *Node) Disconnect() {
	n.mu.Lock()
	s := n.syncer
	client := n.client
	n.syncer = nil
	n.client = nil
	n.queue = nil
	n.mu.Unlock()

	if s != nil {
		// Killing the syncer also kills the work queue it
		// adopted, failing all queued operations.
		s.catacomb.Kill(nil)
		_ = s.catacomb.Wait()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			logger.Debugf("closing rpc channel of node %q: %v", n.config.Name, err)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.forceOffline("node disconnected")
	n.setState(NodeStateOffline)
	n.syncFailures = 0
}

// Call issues a constructive RPC through the node's work queue. When
// the node is not reachable the call fails locally with
// CodeNodeOffline without contacting the remote.
func (n *Node) Call(ctx context.Context, method string, args, reply interface{}) error {
	queue, client, ok := n.callContext()
	if !ok {
		return rpc.Errorf(rpc.CodeNodeOffline, "node %q is offline", n.config.Name)
	}
	return n.queuedCall(ctx, queue, client, method, args, reply)
}

// destructiveCall issues a destroy/remove style RPC. Against an
// unreachable node the call is not sent at all and reports success
// so local cleanup and dependent reconciliation can proceed; this is
// a deliberate availability-over-consistency trade. NotFound from
// the agent also counts as success.
func (n *Node) destructiveCall(ctx context.Context, method string, args, reply interface{}) error {
	queue, client, ok := n.callContext()
	if !ok {
		logger.Infof("node %q unreachable, assuming %s already applied", n.config.Name, method)
		return nil
	}
	err := n.queuedCall(ctx, queue, client, method, args, reply)
	switch {
	case err == nil:
		return nil
	case rpc.IsNotFound(err):
		return nil
	case rpc.IsNodeOffline(err):
		// The node went away while the operation was queued.
		logger.Infof("node %q went offline, assuming %s already applied", n.config.Name, method)
		return nil
	}
	return errors.Trace(err)
}

func (n *Node) callContext() (*workqueue.Queue, rpc.Client, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.client == nil || n.queue == nil {
		return nil, nil, false
	}
	if n.state == NodeStateSyncFailed || n.state == NodeStateOffline {
		return nil, nil, false
	}
	return n.queue, n.client, true
}

func (n *Node) queuedCall(ctx context.Context, queue *workqueue.Queue, client rpc.Client, method string, args, reply interface{}) error {
	done := queue.Push(func(context.Context) (interface{}, error) {
		return nil, client.Call(ctx, method, args, reply)
	})
	select {
	case res := <-done:
		if errors.Cause(res.Err) == workqueue.ErrStopped {
			// The queue died under the operation, which only
			// happens on disconnect or shutdown.
			return rpc.Errorf(rpc.CodeNodeOffline, "%s: node %q shut down", method, n.config.Name)
		}
		return res.Err
	case <-ctx.Done():
		return rpc.Errorf(rpc.CodeCancelled, "%s: %v", method, ctx.Err())
	}
}

// CreatePool creates a pool on the node and registers it in the
// cached model immediately.
func (n *Node) CreatePool(ctx context.Context, name string, disks []string) (*Pool, error) {
	args := &rpc.CreatePoolArgs{Name: name, Disks: disks}
	var reply rpc.Pool
	if err := n.Call(ctx, rpc.MethodCreatePool, args, &reply); err != nil {
		return nil, errors.Annotatef(err, "creating pool %q on node %q", name, n.config.Name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	p, ok := n.pools[name]
	if !ok {
		p = newPool(n, reply)
		n.pools[name] = p
		n.publish(events.TopicPool, events.KindNew, p)
	} else if p.merge(reply) {
		n.publish(events.TopicPool, events.KindMod, p)
	}
	return p, nil
}

// CreateNexus creates a nexus over the given child URIs and
// registers it in the cached model immediately.
func (n *Node) CreateNexus(ctx context.Context, uuid string, size uint64, children []string) (*Nexus, error) {
	args := &rpc.CreateNexusArgs{UUID: uuid, Size: size, Children: children}
	var reply rpc.Nexus
	if err := n.Call(ctx, rpc.MethodCreateNexus, args, &reply); err != nil {
		return nil, errors.Annotatef(err, "creating nexus %q on node %q", uuid, n.config.Name)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	nx, ok := n.nexuses[uuid]
	if !ok {
		nx = newNexus(n, reply)
		n.nexuses[uuid] = nx
		n.publish(events.TopicNexus, events.KindNew, nx)
	} else if nx.merge(reply) {
		n.publish(events.TopicNexus, events.KindMod, nx)
	}
	return nx, nil
}

// ReplicaStats fetches the I/O counters of every replica on the
// node. Consumed by the statistics endpoint.
func (n *Node) ReplicaStats(ctx context.Context) ([]rpc.ReplicaStat, error) {
	var reply rpc.StatReplicasReply
	if err := n.Call(ctx, rpc.MethodStatReplicas, &rpc.Null{}, &reply); err != nil {
		return nil, errors.Annotatef(err, "fetching replica stats from node %q", n.config.Name)
	}
	return reply.Stats, nil
}

// publish must be called with the entity lock held; delivery is
// asynchronous so holding the lock is safe.
func (n *Node) publish(topic string, kind events.Kind, object interface{}) {
	n.config.Hub.Publish(topic, kind, object)
}

// setState must be called with the entity lock held.
func (n *Node) setState(state NodeState) {
	if n.state == state {
		return
	}
	logger.Infof("node %q state %s -> %s", n.config.Name, n.state, state)
	n.state = state
	n.publish(events.TopicNode, events.KindMod, n)
}

// unregisterPool removes p and its replicas from the cached model,
// emitting del events for the replicas first. Called with the entity
// lock held.
func (n *Node) unregisterPool(p *Pool) {
	for _, r := range p.sortedReplicas() {
		p.unregisterReplica(n, r)
	}
	delete(n.pools, p.name)
	p.node = nil
	n.publish(events.TopicPool, events.KindDel, p)
}

// unregisterNexus removes nx from the cached model. Called with the
// entity lock held.
func (n *Node) unregisterNexus(nx *Nexus) {
	delete(n.nexuses, nx.uuid)
	nx.node = nil
	n.publish(events.TopicNexus, events.KindDel, nx)
}

// forceOffline forces every owned pool, replica and nexus offline
// with the given reason. Called with the entity lock held.
func (n *Node) forceOffline(reason string) {
	names := make([]string, 0, len(n.pools))
	for name := range n.pools {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		n.pools[name].forceOffline(n, reason)
	}
	uuids := make([]string, 0, len(n.nexuses))
	for uuid := range n.nexuses {
		uuids = append(uuids, uuid)
	}
	sort.Strings(uuids)
	for _, uuid := range uuids {
		nx := n.nexuses[uuid]
		if nx.state != rpc.NexusOffline {
			nx.state = rpc.NexusOffline
			n.publish(events.TopicNexus, events.KindMod, nx)
		}
	}
}

// sync runs one tick through the work queue so it serializes with
// any in-flight entity operations against the same node.
func (n *Node) sync(ctx context.Context) error {
	n.mu.RLock()
	queue, client := n.queue, n.client
	n.mu.RUnlock()
	if queue == nil || client == nil {
		return errors.Errorf("node %q is not connected", n.config.Name)
	}
	done := queue.Push(func(context.Context) (interface{}, error) {
		return nil, n.tick(ctx, client)
	})
	var err error
	select {
	case res := <-done:
		err = res.Err
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
	n.recordSyncResult(err)
	return errors.Trace(err)
}

// tick fetches the agent's complete state and merges it into the
// cached model. All three listings are fetched before any merge
// runs, so a failed RPC step never leaves a partial merge behind.
func (n *Node) tick(ctx context.Context, client rpc.Client) error {
	var pools rpc.ListPoolsReply
	if err := client.Call(ctx, rpc.MethodListPools, &rpc.Null{}, &pools); err != nil {
		return errors.Trace(err)
	}
	var replicas rpc.ListReplicasReply
	if err := client.Call(ctx, rpc.MethodListReplicas, &rpc.Null{}, &replicas); err != nil {
		return errors.Trace(err)
	}
	var nexuses rpc.ListNexusReply
	if err := client.Call(ctx, rpc.MethodListNexus, &rpc.Null{}, &nexuses); err != nil {
		return errors.Trace(err)
	}
	n.mergeAll(pools.Pools, replicas.Replicas, nexuses.NexusList)
	return nil
}

// mergeAll applies one consistent snapshot to the cached model.
func (n *Node) mergeAll(pools []rpc.Pool, replicas []rpc.Replica, nexuses []rpc.Nexus) {
	n.mu.Lock()
	defer n.mu.Unlock()

	seenPools := set.NewStrings()
	for _, fp := range pools {
		seenPools.Add(fp.Name)
		p, ok := n.pools[fp.Name]
		if !ok {
			p = newPool(n, fp)
			n.pools[fp.Name] = p
			n.publish(events.TopicPool, events.KindNew, p)
		} else if p.merge(fp) {
			n.publish(events.TopicPool, events.KindMod, p)
		}
		var fresh []rpc.Replica
		for _, fr := range replicas {
			if fr.Pool == fp.Name {
				fresh = append(fresh, fr)
			}
		}
		p.mergeReplicas(n, fresh)
	}
	var stalePools []string
	for name := range n.pools {
		if !seenPools.Contains(name) {
			stalePools = append(stalePools, name)
		}
	}
	sort.Strings(stalePools)
	for _, name := range stalePools {
		n.unregisterPool(n.pools[name])
	}

	seenNexuses := set.NewStrings()
	for _, fn := range nexuses {
		seenNexuses.Add(fn.UUID)
		nx, ok := n.nexuses[fn.UUID]
		if !ok {
			nx = newNexus(n, fn)
			n.nexuses[fn.UUID] = nx
			n.publish(events.TopicNexus, events.KindNew, nx)
		} else if nx.merge(fn) {
			n.publish(events.TopicNexus, events.KindMod, nx)
		}
	}
	var staleNexuses []string
	for uuid := range n.nexuses {
		if !seenNexuses.Contains(uuid) {
			staleNexuses = append(staleNexuses, uuid)
		}
	}
	sort.Strings(staleNexuses)
	for _, uuid := range staleNexuses {
		n.unregisterNexus(n.nexuses[uuid])
	}
}

func (n *Node) recordSyncResult(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		n.syncFailures = 0
		if n.state == NodeStateConnecting || n.state == NodeStateSyncFailed {
			n.setState(NodeStateSynced)
		}
		return
	}
	n.syncFailures++
	logger.Warningf("sync of node %q failed (%d consecutive): %v", n.config.Name, n.syncFailures, err)
	if n.syncFailures == n.config.SyncBadLimit {
		n.setState(NodeStateSyncFailed)
		n.forceOffline("node " + n.config.Name + " is unavailable")
	}
}

// syncer drives the periodic sync ticks. It owns the node's work
// queue for lifetime purposes: killing the syncer kills the queue.
type syncer struct {
	catacomb catacomb.Catacomb
	node     *Node
}

func (s *syncer) loop() error {
	n := s.node
	ctx := s.catacomb.Context(context.Background())
	timer := n.config.Clock.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-s.catacomb.Dying():
			return s.catacomb.ErrDying()
		case <-timer.Chan():
			if err := n.sync(ctx); err != nil {
				timer.Reset(n.config.SyncRetry)
			} else {
				timer.Reset(n.config.SyncPeriod)
			}
		}
	}
}
