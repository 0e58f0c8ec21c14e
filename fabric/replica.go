// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/rpc"
)

// Replica is the cached model of one data copy living in a pool.
// A replica is exclusively owned by one pool at a time; the pool
// back-reference is nil once unbound.
type Replica struct {
	mu   *sync.RWMutex
	uuid string

	// pool is the owning back-reference; nil once unbound.
	pool *Pool

	size  uint64
	share rpc.ShareProtocol
	uri   string
	state rpc.ReplicaState
}

func newReplica(pool *Pool, info rpc.Replica) *Replica {
	return &Replica{
		mu:    pool.mu,
		uuid:  info.UUID,
		pool:  pool,
		size:  info.Size,
		share: info.Share,
		uri:   info.URI,
		state: info.State,
	}
}

// UUID returns the replica uuid. Replicas backing one volume share
// the volume's uuid, one replica per node.
func (r *Replica) UUID() string {
	return r.uuid
}

// Pool returns the owning pool, or nil if the replica has been
// removed.
func (r *Replica) Pool() *Pool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.pool
}

// Node returns the node physically hosting this replica, or nil if
// the replica is unbound.
func (r *Replica) Node() *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.pool == nil {
		return nil
	}
	return r.pool.node
}

// Size returns the replica size in bytes.
func (r *Replica) Size() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Share returns the replica's export protocol.
func (r *Replica) Share() rpc.ShareProtocol {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.share
}

// URI returns the access URI of the replica. It changes when the
// replica is shared or unshared.
func (r *Replica) URI() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.uri
}

// State returns the last reported replica state.
func (r *Replica) State() rpc.ReplicaState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// IsHealthy reports whether the replica can serve as a nexus child.
func (r *Replica) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state == rpc.ReplicaOnline
}

// merge folds a fresh snapshot into the cached replica, comparing
// only the volatile attributes. Called with the entity lock held;
// the caller publishes the mod event when merge reports a change.
func (r *Replica) merge(fresh rpc.Replica) bool {
	changed := false
	if r.size != fresh.Size {
		r.size = fresh.Size
		changed = true
	}
	if r.share != fresh.Share {
		r.share = fresh.Share
		changed = true
	}
	if r.uri != fresh.URI {
		r.uri = fresh.URI
		changed = true
	}
	if r.state != fresh.State {
		r.state = fresh.State
		changed = true
	}
	return changed
}

// SetShare exports the replica over the given protocol, or reverts
// it to local-only access with rpc.ShareNone. The agent returns the
// new access URI.
func (r *Replica) SetShare(ctx context.Context, share rpc.ShareProtocol) error {
	node := r.Node()
	if node == nil {
		return errors.Errorf("replica %q is no longer bound to a pool", r.uuid)
	}
	args := &rpc.ShareReplicaArgs{UUID: r.uuid, Share: share}
	var reply rpc.ShareReplicaReply
	if err := node.Call(ctx, rpc.MethodShareReplica, args, &reply); err != nil {
		return errors.Annotatef(err, "sharing replica %q over %s", r.uuid, share)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if r.share != share || r.uri != reply.URI {
		r.share = share
		r.uri = reply.URI
		node.publish(events.TopicReplica, events.KindMod, r)
	}
	return nil
}

// Destroy removes the replica from the fabric. When the owning node
// is unreachable the removal is applied locally without an RPC so
// dependent reconciliation can proceed; the remote object, if it
// still exists, is collected when the node comes back. NotFound from
// the agent counts as success.
func (r *Replica) Destroy(ctx context.Context) error {
	node := r.Node()
	if node == nil {
		// Already unbound.
		return nil
	}
	args := &rpc.DestroyReplicaArgs{UUID: r.uuid}
	if err := node.destructiveCall(ctx, rpc.MethodDestroyReplica, args, &rpc.Null{}); err != nil {
		return errors.Annotatef(err, "destroying replica %q", r.uuid)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if r.pool != nil {
		r.pool.unregisterReplica(node, r)
	}
	return nil
}
