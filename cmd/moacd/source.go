// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"gopkg.in/tomb.v2"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/fabric"
)

// staticSource replays a fixed list of node specs as an initial burst
// of new events and then idles. It stands in for a live watch until
// an external specification mechanism is plugged in.
type staticSource struct {
	tomb    tomb.Tomb
	changes chan fabric.SpecChange
}

func newStaticSource(specs []fabric.NodeSpec) *staticSource {
	s := &staticSource{
		changes: make(chan fabric.SpecChange),
	}
	s.tomb.Go(func() error {
		for _, spec := range specs {
			select {
			case s.changes <- fabric.SpecChange{Kind: events.KindNew, Spec: spec}:
			case <-s.tomb.Dying():
				return tomb.ErrDying
			}
		}
		<-s.tomb.Dying()
		return tomb.ErrDying
	})
	return s
}

// Changes is part of the fabric.SpecSource interface.
func (s *staticSource) Changes() <-chan fabric.SpecChange {
	return s.changes
}

// Kill is part of the worker.Worker interface.
func (s *staticSource) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *staticSource) Wait() error {
	return s.tomb.Wait()
}
