// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package volume converges multi-replica volumes toward their
// desired specification, using the registry's cached model for
// placement and the owning nodes' work queues for execution.
package volume

import (
	"context"
	"sort"
	"sync"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/openebs/mayastor-sub003/fabric"
	"github.com/openebs/mayastor-sub003/rpc"
)

var logger = loggo.GetLogger("moac.volume")

// Spec is the desired state of one volume.
type Spec struct {
	// ReplicaCount is the desired number of data copies, one per
	// node.
	ReplicaCount int

	// PreferredNodes are ranked first for placement; RequiredNodes,
	// when non-empty, are the only nodes allowed.
	PreferredNodes []string
	RequiredNodes  []string

	// RequiredBytes is the volume size; LimitBytes, when non-zero,
	// caps it.
	RequiredBytes uint64
	LimitBytes    uint64
}

// Validate returns an error if the spec is unusable.
func (s Spec) Validate() error {
	if s.ReplicaCount < 1 {
		return errors.NotValidf("replica count %d", s.ReplicaCount)
	}
	if s.RequiredBytes == 0 {
		return errors.NotValidf("zero size")
	}
	if s.LimitBytes != 0 && s.LimitBytes < s.RequiredBytes {
		return errors.NotValidf("size limit below required bytes")
	}
	return nil
}

func (s Spec) size() uint64 {
	if s.LimitBytes != 0 && s.RequiredBytes > s.LimitBytes {
		return s.LimitBytes
	}
	return s.RequiredBytes
}

// Volume reconciles one volume. It does not own its replicas or
// nexus: nodes and pools do. Current state is derived by scanning
// the registry on every pass, never stored, so concurrent external
// mutation is picked up naturally.
type Volume struct {
	uuid     string
	registry *fabric.Registry

	mu         sync.Mutex
	spec       Spec
	devicePath string
}

// UUID returns the volume uuid.
func (v *Volume) UUID() string {
	return v.uuid
}

// Spec returns the desired state.
func (v *Volume) Spec() Spec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spec
}

// DevicePath returns the published device path, or "".
func (v *Volume) DevicePath() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.devicePath
}

// Replicas returns the volume's current replicas from the registry.
func (v *Volume) Replicas() []*fabric.Replica {
	return v.registry.VolumeReplicas(v.uuid)
}

// Nexus returns the volume's current nexus from the registry, or
// nil.
func (v *Volume) Nexus() *fabric.Nexus {
	return v.registry.VolumeNexus(v.uuid)
}

func (v *Volume) setSpec(spec Spec) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if specEqual(v.spec, spec) {
		return false
	}
	v.spec = spec
	return true
}

func specEqual(a, b Spec) bool {
	return a.ReplicaCount == b.ReplicaCount &&
		a.RequiredBytes == b.RequiredBytes &&
		a.LimitBytes == b.LimitBytes &&
		stringsEqual(a.PreferredNodes, b.PreferredNodes) &&
		stringsEqual(a.RequiredNodes, b.RequiredNodes)
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Ensure drives the volume's live footprint toward its spec. It is
// idempotent: single-replica and single-child failures are logged
// and left for the next invocation rather than aborting the pass.
func (v *Volume) Ensure(ctx context.Context) error {
	v.mu.Lock()
	spec := v.spec
	v.mu.Unlock()

	replicas := v.registry.VolumeReplicas(v.uuid)
	replicas = v.scaleUp(ctx, spec, replicas)
	replicas = v.scaleDown(ctx, spec, replicas)
	if err := v.ensureNexus(ctx, spec, replicas); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// scaleUp creates replicas on ranked eligible pools until the
// desired count is reached or no pool remains. Running short is
// reported, not fatal: partial provisioning is retried on the next
// pass.
func (v *Volume) scaleUp(ctx context.Context, spec Spec, replicas []*fabric.Replica) []*fabric.Replica {
	if len(replicas) >= spec.ReplicaCount {
		return replicas
	}
	hosting := set.NewStrings()
	for _, r := range replicas {
		if node := r.Node(); node != nil {
			hosting.Add(node.Name())
		}
	}
	for _, pool := range v.registry.ChoosePools(spec.size(), spec.RequiredNodes, spec.PreferredNodes) {
		if len(replicas) >= spec.ReplicaCount {
			break
		}
		node := pool.Node()
		if node == nil || hosting.Contains(node.Name()) {
			continue
		}
		r, err := pool.CreateReplica(ctx, v.uuid, spec.size())
		if err != nil {
			logger.Warningf("volume %q: creating replica on pool %q: %v", v.uuid, pool.Name(), err)
			continue
		}
		replicas = append(replicas, r)
		hosting.Add(node.Name())
	}
	if len(replicas) < spec.ReplicaCount {
		logger.Warningf("volume %q: only %d of %d replicas could be placed",
			v.uuid, len(replicas), spec.ReplicaCount)
	}
	return replicas
}

// scaleDown destroys surplus replicas, unhealthy ones first. A
// failed destroy keeps its victim, is logged and moves on to the
// next candidate; any surplus left behind is retried on the next
// pass.
func (v *Volume) scaleDown(ctx context.Context, spec Spec, replicas []*fabric.Replica) []*fabric.Replica {
	if len(replicas) <= spec.ReplicaCount {
		return replicas
	}
	// Unhealthy replicas go first; ties break on node name for a
	// deterministic pass.
	sort.SliceStable(replicas, func(i, j int) bool {
		hi, hj := replicas[i].IsHealthy(), replicas[j].IsHealthy()
		if hi != hj {
			return !hi
		}
		return nodeName(replicas[i]) < nodeName(replicas[j])
	})
	kept := make([]*fabric.Replica, 0, spec.ReplicaCount)
	surplus := len(replicas) - spec.ReplicaCount
	for i, victim := range replicas {
		if surplus == 0 {
			kept = append(kept, replicas[i:]...)
			break
		}
		if err := victim.Destroy(ctx); err != nil {
			logger.Warningf("volume %q: destroying surplus replica on node %q: %v",
				v.uuid, nodeName(victim), err)
			kept = append(kept, victim)
			continue
		}
		surplus--
	}
	return kept
}

func nodeName(r *fabric.Replica) string {
	if node := r.Node(); node != nil {
		return node.Name()
	}
	return ""
}

// ensureNexus builds the nexus if missing, or repairs its child set
// to match the current healthy replicas. Replicas remote to the
// nexus node are shared over nvmf first so the nexus can reach
// them; local replicas are reverted to direct access.
func (v *Volume) ensureNexus(ctx context.Context, spec Spec, replicas []*fabric.Replica) error {
	var healthy []*fabric.Replica
	for _, r := range replicas {
		pool := r.Pool()
		if r.IsHealthy() && pool != nil && pool.IsAccessible() {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		if v.registry.VolumeNexus(v.uuid) == nil {
			logger.Warningf("volume %q: no healthy replica, nexus creation deferred", v.uuid)
			return nil
		}
		// Keep a degraded nexus rather than tearing down the
		// data path; the next pass may find recovered replicas.
		return nil
	}

	nexus := v.registry.VolumeNexus(v.uuid)
	if nexus == nil {
		node := v.chooseNexusNode(spec, healthy)
		uris := v.childURIs(ctx, node, healthy)
		if len(uris) == 0 {
			logger.Warningf("volume %q: no shareable replica, nexus creation deferred", v.uuid)
			return nil
		}
		if _, err := node.CreateNexus(ctx, v.uuid, spec.size(), uris); err != nil {
			return errors.Annotatef(err, "volume %q: creating nexus", v.uuid)
		}
		return nil
	}

	node := nexus.Node()
	if node == nil {
		return nil
	}
	uris := v.childURIs(ctx, node, healthy)
	if len(uris) == 0 {
		// Never strip a live nexus bare because every share fixup
		// failed this pass.
		return nil
	}
	desired := set.NewStrings(uris...)
	current := set.NewStrings()
	for _, c := range nexus.Children() {
		current.Add(c.URI)
	}
	for _, uri := range desired.Difference(current).SortedValues() {
		if err := nexus.AddChild(ctx, uri); err != nil {
			logger.Warningf("volume %q: %v", v.uuid, err)
		}
	}
	for _, uri := range current.Difference(desired).SortedValues() {
		if err := nexus.RemoveChild(ctx, uri); err != nil {
			logger.Warningf("volume %q: %v", v.uuid, err)
		}
	}
	return nil
}

// chooseNexusNode places the nexus next to a replica, preferring
// preferred nodes.
func (v *Volume) chooseNexusNode(spec Spec, healthy []*fabric.Replica) *fabric.Node {
	prefer := set.NewStrings(spec.PreferredNodes...)
	var fallback *fabric.Node
	for _, r := range healthy {
		node := r.Node()
		if node == nil {
			continue
		}
		if prefer.Contains(node.Name()) {
			return node
		}
		if fallback == nil {
			fallback = node
		}
	}
	return fallback
}

// childURIs fixes each healthy replica's share mode relative to the
// nexus node and returns the access URIs, in replica node order. A
// replica whose share fixup fails is logged and left out of this
// pass rather than aborting the nexus work; the next pass retries
// it.
func (v *Volume) childURIs(ctx context.Context, nexusNode *fabric.Node, healthy []*fabric.Replica) []string {
	sort.SliceStable(healthy, func(i, j int) bool {
		return nodeName(healthy[i]) < nodeName(healthy[j])
	})
	var uris []string
	for _, r := range healthy {
		node := r.Node()
		if node == nil {
			continue
		}
		local := node.Name() == nexusNode.Name()
		switch {
		case !local && r.Share() == rpc.ShareNone:
			if err := r.SetShare(ctx, rpc.ShareNvmf); err != nil {
				logger.Warningf("volume %q: %v", v.uuid, err)
				continue
			}
		case local && r.Share() != rpc.ShareNone:
			if err := r.SetShare(ctx, rpc.ShareNone); err != nil {
				logger.Warningf("volume %q: %v", v.uuid, err)
				continue
			}
		}
		uris = append(uris, r.URI())
	}
	return uris
}

// Publish exposes the volume's nexus over the given protocol and
// records the device path.
func (v *Volume) Publish(ctx context.Context, share rpc.ShareProtocol) (string, error) {
	nexus := v.registry.VolumeNexus(v.uuid)
	if nexus == nil {
		return "", errors.NotFoundf("nexus of volume %q", v.uuid)
	}
	device, err := nexus.Publish(ctx, share)
	if err != nil {
		return "", errors.Trace(err)
	}
	v.mu.Lock()
	v.devicePath = device
	v.mu.Unlock()
	return device, nil
}

// Unpublish withdraws the volume's device.
func (v *Volume) Unpublish(ctx context.Context) error {
	nexus := v.registry.VolumeNexus(v.uuid)
	if nexus == nil {
		return nil
	}
	if err := nexus.Unpublish(ctx); err != nil {
		return errors.Trace(err)
	}
	v.mu.Lock()
	v.devicePath = ""
	v.mu.Unlock()
	return nil
}

// Destroy tears down the nexus first, then every replica. Replicas
// on different nodes are destroyed concurrently; each node's work
// queue keeps its own destructions ordered. Already-gone objects
// count as destroyed.
func (v *Volume) Destroy(ctx context.Context) error {
	if nexus := v.registry.VolumeNexus(v.uuid); nexus != nil {
		if err := nexus.Destroy(ctx); err != nil {
			return errors.Trace(err)
		}
	}

	byNode := make(map[string][]*fabric.Replica)
	for _, r := range v.registry.VolumeReplicas(v.uuid) {
		byNode[nodeName(r)] = append(byNode[nodeName(r)], r)
	}
	group, ctx := errgroup.WithContext(ctx)
	for _, replicas := range byNode {
		replicas := replicas
		group.Go(func() error {
			for _, r := range replicas {
				if err := r.Destroy(ctx); err != nil {
					return errors.Trace(err)
				}
			}
			return nil
		})
	}
	return errors.Trace(group.Wait())
}
