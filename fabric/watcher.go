// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fabric

import (
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/juju/worker/v4/catacomb"

	"github.com/openebs/mayastor-sub003/core/events"
)

// NodeSpec is the declarative description of one storage node as
// delivered by the external specification source.
type NodeSpec struct {
	Name     string `yaml:"name" json:"name"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// SpecChange is one lifecycle event from the specification source.
// Endpoint is unset for deletions.
type SpecChange struct {
	Kind events.Kind
	Spec NodeSpec
}

// SpecSource is the watched-specification boundary. Starting the
// source replays current state as a burst of new events before
// steady-state events begin. The mechanism behind it (CRD watch,
// static file, test fixture) is not this package's concern.
type SpecSource interface {
	worker.Worker
	Changes() <-chan SpecChange
}

// WatcherConfig holds a registry watcher's dependencies.
type WatcherConfig struct {
	Registry *Registry
	Source   SpecSource
}

// Validate returns an error if the config cannot drive the watcher.
func (config WatcherConfig) Validate() error {
	if config.Registry == nil {
		return errors.NotValidf("nil Registry")
	}
	if config.Source == nil {
		return errors.NotValidf("nil Source")
	}
	return nil
}

// NewWatcher returns a worker that keeps the registry's node set in
// line with the specification source. The source's lifetime is
// adopted: killing the watcher kills the source.
func NewWatcher(config WatcherConfig) (worker.Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	w := &registryWatcher{config: config}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &w.catacomb,
		Work: w.loop,
		Init: []worker.Worker{config.Source},
	})
	return w, errors.Trace(err)
}

type registryWatcher struct {
	catacomb catacomb.Catacomb
	config   WatcherConfig
}

// Kill is part of the worker.Worker interface.
func (w *registryWatcher) Kill() {
	w.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (w *registryWatcher) Wait() error {
	return w.catacomb.Wait()
}

func (w *registryWatcher) loop() error {
	changes := w.config.Source.Changes()
	for {
		select {
		case <-w.catacomb.Dying():
			return w.catacomb.ErrDying()
		case change, ok := <-changes:
			if !ok {
				return errors.New("node specification channel closed")
			}
			w.apply(change)
		}
	}
}

// apply routes one change to the registry. Failures are logged, not
// fatal: the source will deliver the spec again on resync.
func (w *registryWatcher) apply(change SpecChange) {
	registry := w.config.Registry
	switch change.Kind {
	case events.KindNew, events.KindMod:
		if err := registry.EnsureNode(change.Spec); err != nil {
			logger.Errorf("applying spec for node %q: %v", change.Spec.Name, err)
		}
	case events.KindDel:
		registry.RemoveNode(change.Spec.Name)
	default:
		logger.Warningf("ignoring unknown spec change kind %q", change.Kind)
	}
}
