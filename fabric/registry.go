// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/rpc"
)

// RegistryConfig holds a Registry's dependencies. The node tuning
// fields are applied to every node the registry constructs.
type RegistryConfig struct {
	Hub   *events.Hub
	Clock clock.Clock
	Dial  DialFunc

	SyncPeriod   time.Duration
	SyncRetry    time.Duration
	SyncBadLimit int
}

// Validate returns an error if the config cannot drive a Registry.
func (config RegistryConfig) Validate() error {
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

// Registry is the cluster-wide directory of nodes, keyed by name.
// It routes lifecycle events to nodes and answers "which node, pool,
// replica or nexus currently has property P"; all diff and merge
// logic stays inside the nodes.
type Registry struct {
	config RegistryConfig

	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewRegistry returns an empty Registry.
func NewRegistry(config RegistryConfig) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Registry{
		config: config,
		nodes:  make(map[string]*Node),
	}, nil
}

// EnsureNode brings the registry in line with spec: an unknown node
// is constructed, connected and registered; a known node whose
// endpoint changed is reconnected.
func (r *Registry) EnsureNode(spec NodeSpec) error {
	if spec.Name == "" {
		return errors.NotValidf("node spec with empty name")
	}
	r.mu.Lock()
	node, ok := r.nodes[spec.Name]
	r.mu.Unlock()

	if !ok {
		node, err := NewNode(NodeConfig{
			Name:         spec.Name,
			Hub:          r.config.Hub,
			Clock:        r.config.Clock,
			Dial:         r.config.Dial,
			SyncPeriod:   r.config.SyncPeriod,
			SyncRetry:    r.config.SyncRetry,
			SyncBadLimit: r.config.SyncBadLimit,
		})
		if err != nil {
			return errors.Trace(err)
		}
		if err := node.Connect(spec.Endpoint); err != nil {
			return errors.Trace(err)
		}
		r.mu.Lock()
		r.nodes[spec.Name] = node
		r.mu.Unlock()
		logger.Infof("registered node %q at %q", spec.Name, spec.Endpoint)
		r.config.Hub.Publish(events.TopicNode, events.KindNew, node)
		return nil
	}

	if node.Endpoint() == spec.Endpoint {
		return nil
	}
	logger.Infof("node %q endpoint changed to %q, reconnecting", spec.Name, spec.Endpoint)
	node.Disconnect()
	if err := node.Connect(spec.Endpoint); err != nil {
		return errors.Trace(err)
	}
	r.config.Hub.Publish(events.TopicNode, events.KindMod, node)
	return nil
}

// RemoveNode disconnects and forgets the named node. Unknown names
// are ignored.
func (r *Registry) RemoveNode(name string) {
	r.mu.Lock()
	node, ok := r.nodes[name]
	delete(r.nodes, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	node.Disconnect()
	logger.Infof("removed node %q", name)
	r.config.Hub.Publish(events.TopicNode, events.KindDel, node)
}

// GetNode returns the named node, or nil.
func (r *Registry) GetNode(name string) *Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[name]
}

// Nodes returns all nodes sorted by name.
func (r *Registry) Nodes() []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Pools flattens the pools of all nodes.
func (r *Registry) Pools() []*Pool {
	var out []*Pool
	for _, n := range r.Nodes() {
		out = append(out, n.Pools()...)
	}
	return out
}

// Replicas flattens the replicas of all nodes.
func (r *Registry) Replicas() []*Replica {
	var out []*Replica
	for _, n := range r.Nodes() {
		out = append(out, n.Replicas()...)
	}
	return out
}

// Nexuses flattens the nexuses of all nodes.
func (r *Registry) Nexuses() []*Nexus {
	var out []*Nexus
	for _, n := range r.Nodes() {
		out = append(out, n.Nexuses()...)
	}
	return out
}

// VolumeReplicas returns the replicas backing the given volume uuid,
// across all nodes.
func (r *Registry) VolumeReplicas(uuid string) []*Replica {
	var out []*Replica
	for _, rep := range r.Replicas() {
		if rep.UUID() == uuid {
			out = append(out, rep)
		}
	}
	return out
}

// VolumeNexus returns the nexus of the given volume uuid, or nil.
// No entity is referenced from two nodes at once, so at most one
// node reports it.
func (r *Registry) VolumeNexus(uuid string) *Nexus {
	for _, nx := range r.Nexuses() {
		if nx.UUID() == uuid {
			return nx
		}
	}
	return nil
}

// ChoosePools returns the pools eligible to host a replica of
// requiredBytes, best first: pools on preferred nodes lead, then
// online before degraded, then most free space. Pools on nodes
// outside must (when non-empty) or below the size bound are
// excluded, as are pools on unsynced nodes.
func (r *Registry) ChoosePools(requiredBytes uint64, must, prefer []string) []*Pool {
	mustSet := set.NewStrings(must...)
	preferSet := set.NewStrings(prefer...)

	var out []*Pool
	for _, p := range r.Pools() {
		node := p.Node()
		if node == nil || !node.IsSynced() {
			continue
		}
		if !p.IsAccessible() {
			continue
		}
		if p.FreeBytes() < requiredBytes {
			continue
		}
		if !mustSet.IsEmpty() && !mustSet.Contains(node.Name()) {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		ni, nj := out[i].Node().Name(), out[j].Node().Name()
		pi, pj := preferSet.Contains(ni), preferSet.Contains(nj)
		if pi != pj {
			return pi
		}
		si, sj := out[i].State(), out[j].State()
		if si != sj {
			return si == rpc.PoolOnline
		}
		return out[i].FreeBytes() > out[j].FreeBytes()
	})
	return out
}
