// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/rpc"
)

// Pool is the cached model of a disk pool on one node. All mutation
// happens under the owning node's entity lock; accessors take read
// locks so callers on other goroutines always see a consistent
// snapshot.
type Pool struct {
	mu   *sync.RWMutex
	name string

	// node is the owning back-reference; nil once unbound.
	node *Node

	disks    []string
	state    rpc.PoolState
	reason   string
	capacity uint64
	used     uint64

	replicas map[string]*Replica
}

func newPool(node *Node, info rpc.Pool) *Pool {
	return &Pool{
		mu:       &node.mu,
		name:     info.Name,
		node:     node,
		disks:    append([]string(nil), info.Disks...),
		state:    info.State,
		capacity: info.Capacity,
		used:     info.Used,
		replicas: make(map[string]*Replica),
	}
}

// Name returns the pool name. Names are identity: they are matched
// on, never merged.
func (p *Pool) Name() string {
	return p.name
}

// Node returns the owning node, or nil if the pool has been removed.
func (p *Pool) Node() *Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.node
}

// Disks returns the pool's backing disk URIs.
func (p *Pool) Disks() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.disks...)
}

// State returns the last reported pool state.
func (p *Pool) State() rpc.PoolState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Reason describes why the pool is in a bad state, if it is.
func (p *Pool) Reason() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reason
}

// Capacity returns the pool capacity in bytes.
func (p *Pool) Capacity() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.capacity
}

// Used returns the allocated bytes as last reported. The agent's
// report can be transiently inconsistent with capacity during
// concurrent create/destroy; the model mirrors it as-is.
func (p *Pool) Used() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.used
}

// FreeBytes returns capacity minus used, clamped at zero.
func (p *Pool) FreeBytes() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.capacity < p.used {
		return 0
	}
	return p.capacity - p.used
}

// IsAccessible reports whether the pool can allocate replicas.
func (p *Pool) IsAccessible() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state == rpc.PoolOnline || p.state == rpc.PoolDegraded
}

// Replicas returns the owned replicas sorted by uuid.
func (p *Pool) Replicas() []*Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sortedReplicas()
}

// sortedReplicas must be called with the entity lock held.
func (p *Pool) sortedReplicas() []*Replica {
	out := make([]*Replica, 0, len(p.replicas))
	for _, r := range p.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}

// Replica returns the owned replica with the given uuid, or nil.
func (p *Pool) Replica(uuid string) *Replica {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.replicas[uuid]
}

// merge folds a fresh snapshot into the cached pool, comparing only
// the volatile attributes. Identity (name, disks) is never merged.
// Called with the entity lock held; the caller publishes the mod
// event when merge reports a change.
func (p *Pool) merge(fresh rpc.Pool) bool {
	changed := false
	if p.state != fresh.State {
		p.state = fresh.State
		p.reason = ""
		changed = true
	}
	if p.capacity != fresh.Capacity {
		p.capacity = fresh.Capacity
		changed = true
	}
	if p.used != fresh.Used {
		p.used = fresh.Used
		changed = true
	}
	return changed
}

// mergeReplicas reconciles the owned replica set against a fresh
// listing: a three-way diff keyed by uuid. Event order is the
// contract consumers rely on: creations and modifications in
// fresh-listing order, then deletions in uuid order.
// Called with the entity lock held.
func (p *Pool) mergeReplicas(node *Node, fresh []rpc.Replica) {
	seen := set.NewStrings()
	for _, fr := range fresh {
		seen.Add(fr.UUID)
		if r, ok := p.replicas[fr.UUID]; ok {
			if r.merge(fr) {
				node.publish(events.TopicReplica, events.KindMod, r)
			}
			continue
		}
		r := newReplica(p, fr)
		p.replicas[fr.UUID] = r
		node.publish(events.TopicReplica, events.KindNew, r)
	}
	var stale []string
	for uuid := range p.replicas {
		if !seen.Contains(uuid) {
			stale = append(stale, uuid)
		}
	}
	sort.Strings(stale)
	for _, uuid := range stale {
		p.unregisterReplica(node, p.replicas[uuid])
	}
}

// unregisterReplica removes r from the pool and emits its del event
// once the removal is visible. Called with the entity lock held.
func (p *Pool) unregisterReplica(node *Node, r *Replica) {
	delete(p.replicas, r.uuid)
	r.pool = nil
	node.publish(events.TopicReplica, events.KindDel, r)
}

// forceOffline marks the pool and every owned replica offline,
// recording reason. Called with the entity lock held.
func (p *Pool) forceOffline(node *Node, reason string) {
	if p.state != rpc.PoolOffline {
		p.state = rpc.PoolOffline
		p.reason = reason
		node.publish(events.TopicPool, events.KindMod, p)
	}
	for _, r := range p.sortedReplicas() {
		if r.state != rpc.ReplicaOffline {
			r.state = rpc.ReplicaOffline
			node.publish(events.TopicReplica, events.KindMod, r)
		}
	}
}

// CreateReplica allocates a replica of the given size on this pool.
// The replica is registered in the cached model as soon as the agent
// confirms it, without waiting for the next sync tick.
func (p *Pool) CreateReplica(ctx context.Context, uuid string, size uint64) (*Replica, error) {
	node := p.Node()
	if node == nil {
		return nil, errors.Errorf("pool %q is no longer bound to a node", p.name)
	}
	args := &rpc.CreateReplicaArgs{
		UUID:  uuid,
		Pool:  p.name,
		Size:  size,
		Share: rpc.ShareNone,
	}
	var reply rpc.Replica
	if err := node.Call(ctx, rpc.MethodCreateReplica, args, &reply); err != nil {
		return nil, errors.Annotatef(err, "creating replica %q on pool %q", uuid, p.name)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	r, ok := p.replicas[uuid]
	if !ok {
		r = newReplica(p, reply)
		p.replicas[uuid] = r
		node.publish(events.TopicReplica, events.KindNew, r)
	} else if r.merge(reply) {
		node.publish(events.TopicReplica, events.KindMod, r)
	}
	return r, nil
}

// Destroy removes the pool from its node. Owned replicas are
// unregistered first. A pool that is already gone on the agent side
// counts as destroyed.
func (p *Pool) Destroy(ctx context.Context) error {
	node := p.Node()
	if node == nil {
		return nil
	}
	args := &rpc.DestroyPoolArgs{Name: p.name}
	if err := node.destructiveCall(ctx, rpc.MethodDestroyPool, args, &rpc.Null{}); err != nil {
		return errors.Annotatef(err, "destroying pool %q", p.name)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	node.unregisterPool(p)
	return nil
}
