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

// Nexus is the cached model of a data-path aggregation construct: it
// exposes one or more backing replicas as a single block device and
// is the unit that gets mirrored and rebuilt.
type Nexus struct {
	mu   *sync.RWMutex
	uuid string

	// node is the owning back-reference; nil once unbound.
	node *Node

	size      uint64
	state     rpc.NexusState
	children  []rpc.Child
	deviceURI string
}

func newNexus(node *Node, info rpc.Nexus) *Nexus {
	return &Nexus{
		mu:        &node.mu,
		uuid:      info.UUID,
		node:      node,
		size:      info.Size,
		state:     info.State,
		children:  append([]rpc.Child(nil), info.Children...),
		deviceURI: info.DeviceURI,
	}
}

// UUID returns the nexus uuid, which equals the volume uuid.
func (n *Nexus) UUID() string {
	return n.uuid
}

// Node returns the owning node, or nil if the nexus has been
// removed.
func (n *Nexus) Node() *Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.node
}

// Size returns the nexus size in bytes.
func (n *Nexus) Size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.size
}

// State returns the last reported nexus state.
func (n *Nexus) State() rpc.NexusState {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// Children returns the ordered child list.
func (n *Nexus) Children() []rpc.Child {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]rpc.Child(nil), n.children...)
}

// DeviceURI returns the published device path, or "" while the nexus
// is unpublished.
func (n *Nexus) DeviceURI() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.deviceURI
}

// IsPublished reports whether the nexus is exposed as a device.
func (n *Nexus) IsPublished() bool {
	return n.DeviceURI() != ""
}

// merge folds a fresh snapshot into the cached nexus, comparing only
// the volatile attributes. Called with the entity lock held; the
// caller publishes the mod event when merge reports a change.
func (n *Nexus) merge(fresh rpc.Nexus) bool {
	changed := false
	if n.state != fresh.State {
		n.state = fresh.State
		changed = true
	}
	if n.deviceURI != fresh.DeviceURI {
		n.deviceURI = fresh.DeviceURI
		changed = true
	}
	if !childrenEqual(n.children, fresh.Children) {
		n.children = append([]rpc.Child(nil), fresh.Children...)
		changed = true
	}
	return changed
}

func childrenEqual(a, b []rpc.Child) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URI != b[i].URI || a[i].State != b[i].State {
			return false
		}
	}
	return true
}

// AddChild attaches the replica at uri to the nexus, triggering a
// rebuild of the new child.
func (n *Nexus) AddChild(ctx context.Context, uri string) error {
	node := n.Node()
	if node == nil {
		return errors.Errorf("nexus %q is no longer bound to a node", n.uuid)
	}
	args := &rpc.AddChildNexusArgs{UUID: n.uuid, URI: uri}
	var reply rpc.Child
	if err := node.Call(ctx, rpc.MethodAddChildNexus, args, &reply); err != nil {
		return errors.Annotatef(err, "adding child %q to nexus %q", uri, n.uuid)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	for _, c := range n.children {
		if c.URI == uri {
			return nil
		}
	}
	n.children = append(n.children, reply)
	node.publish(events.TopicNexus, events.KindMod, n)
	return nil
}

// RemoveChild detaches the child at uri. A child unknown to the
// agent counts as removed.
func (n *Nexus) RemoveChild(ctx context.Context, uri string) error {
	node := n.Node()
	if node == nil {
		return nil
	}
	args := &rpc.RemoveChildNexusArgs{UUID: n.uuid, URI: uri}
	if err := node.destructiveCall(ctx, rpc.MethodRemoveChildNexus, args, &rpc.Null{}); err != nil {
		return errors.Annotatef(err, "removing child %q from nexus %q", uri, n.uuid)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	kept := n.children[:0]
	removed := false
	for _, c := range n.children {
		if c.URI == uri {
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	n.children = kept
	if removed {
		node.publish(events.TopicNexus, events.KindMod, n)
	}
	return nil
}

// Publish exposes the nexus as a block device over the given
// protocol and records the device path reported by the agent.
func (n *Nexus) Publish(ctx context.Context, share rpc.ShareProtocol) (string, error) {
	node := n.Node()
	if node == nil {
		return "", errors.Errorf("nexus %q is no longer bound to a node", n.uuid)
	}
	args := &rpc.PublishNexusArgs{UUID: n.uuid, Share: share}
	var reply rpc.PublishNexusReply
	if err := node.Call(ctx, rpc.MethodPublishNexus, args, &reply); err != nil {
		return "", errors.Annotatef(err, "publishing nexus %q", n.uuid)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if n.deviceURI != reply.DeviceURI {
		n.deviceURI = reply.DeviceURI
		node.publish(events.TopicNexus, events.KindMod, n)
	}
	return reply.DeviceURI, nil
}

// Unpublish withdraws the device. An already-unpublished nexus
// counts as success.
func (n *Nexus) Unpublish(ctx context.Context) error {
	node := n.Node()
	if node == nil {
		return nil
	}
	args := &rpc.UnpublishNexusArgs{UUID: n.uuid}
	if err := node.destructiveCall(ctx, rpc.MethodUnpublishNexus, args, &rpc.Null{}); err != nil {
		return errors.Annotatef(err, "unpublishing nexus %q", n.uuid)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	if n.deviceURI != "" {
		n.deviceURI = ""
		node.publish(events.TopicNexus, events.KindMod, n)
	}
	return nil
}

// Destroy removes the nexus from the fabric. When the owning node is
// unreachable the removal is applied locally without an RPC; a nexus
// already gone on the agent side counts as destroyed.
func (n *Nexus) Destroy(ctx context.Context) error {
	node := n.Node()
	if node == nil {
		return nil
	}
	args := &rpc.DestroyNexusArgs{UUID: n.uuid}
	if err := node.destructiveCall(ctx, rpc.MethodDestroyNexus, args, &rpc.Null{}); err != nil {
		return errors.Annotatef(err, "destroying nexus %q", n.uuid)
	}
	node.mu.Lock()
	defer node.mu.Unlock()
	node.unregisterNexus(n)
	return nil
}
