// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package volume

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/fabric"
)

// ManagerConfig holds a Manager's dependencies.
type ManagerConfig struct {
	Registry *fabric.Registry
	Hub      *events.Hub
}

// Validate returns an error if the config cannot drive a Manager.
func (config ManagerConfig) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Hub == nil {
		return errors.NotValidf("nil Hub")
	}
	return nil
}

// Manager tracks volumes by uuid. A volume comes into being on
// first reference to an unknown uuid and disappears when its spec
// does, once its replicas and nexus are torn down.
type Manager struct {
	config ManagerConfig

	mu      sync.Mutex
	volumes map[string]*Volume
}

// NewManager returns an empty Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Manager{
		config:  config,
		volumes: make(map[string]*Volume),
	}, nil
}

// EnsureVolume creates or updates the volume with the given uuid and
// runs one reconciliation pass. Re-invocation is the retry policy:
// the manager never loops internally.
func (m *Manager) EnsureVolume(ctx context.Context, volUUID string, spec Spec) (*Volume, error) {
	if _, err := uuid.Parse(volUUID); err != nil {
		return nil, errors.NotValidf("volume uuid %q", volUUID)
	}
	if err := spec.Validate(); err != nil {
		return nil, errors.Trace(err)
	}

	m.mu.Lock()
	v, ok := m.volumes[volUUID]
	if !ok {
		v = &Volume{
			uuid:     volUUID,
			registry: m.config.Registry,
			spec:     spec,
		}
		m.volumes[volUUID] = v
		m.config.Hub.Publish(events.TopicVolume, events.KindNew, v)
	}
	m.mu.Unlock()

	if ok && v.setSpec(spec) {
		m.config.Hub.Publish(events.TopicVolume, events.KindMod, v)
	}
	if err := v.Ensure(ctx); err != nil {
		return v, errors.Annotatef(err, "ensuring volume %q", volUUID)
	}
	return v, nil
}

// DestroyVolume tears down the volume's footprint and forgets it.
// An unknown uuid still gets a teardown pass, so stray state left by
// a previous incarnation is collected.
func (m *Manager) DestroyVolume(ctx context.Context, volUUID string) error {
	m.mu.Lock()
	v, ok := m.volumes[volUUID]
	if !ok {
		v = &Volume{uuid: volUUID, registry: m.config.Registry}
	}
	m.mu.Unlock()

	if err := v.Destroy(ctx); err != nil {
		return errors.Annotatef(err, "destroying volume %q", volUUID)
	}
	if ok {
		m.mu.Lock()
		delete(m.volumes, volUUID)
		m.mu.Unlock()
		m.config.Hub.Publish(events.TopicVolume, events.KindDel, v)
	}
	return nil
}

// Volume returns the tracked volume with the given uuid, or nil.
func (m *Manager) Volume(volUUID string) *Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volumes[volUUID]
}

// Volumes returns all tracked volumes sorted by uuid.
func (m *Manager) Volumes() []*Volume {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].uuid < out[j].uuid })
	return out
}
