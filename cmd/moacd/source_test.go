// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"time"

	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	gc "gopkg.in/check.v1"

	"github.com/openebs/mayastor-sub003/core/events"
	"github.com/openebs/mayastor-sub003/fabric"
)

const longWait = 10 * time.Second

type sourceSuite struct {
	testing.IsolationSuite
}

var _ = gc.Suite(&sourceSuite{})

func (s *sourceSuite) TestReplaysSpecsInOrder(c *gc.C) {
	specs := []fabric.NodeSpec{
		{Name: "node-a", Endpoint: "ep-a"},
		{Name: "node-b", Endpoint: "ep-b"},
	}
	source := newStaticSource(specs)
	defer workertest.CleanKill(c, source)

	for _, want := range specs {
		select {
		case change := <-source.Changes():
			c.Check(change.Kind, gc.Equals, events.KindNew)
			c.Check(change.Spec, jc.DeepEquals, want)
		case <-time.After(longWait):
			c.Fatalf("change for %q never delivered", want.Name)
		}
	}
	select {
	case change := <-source.Changes():
		c.Fatalf("unexpected extra change %v", change)
	case <-time.After(50 * time.Millisecond):
	}
}

func (s *sourceSuite) TestKillWhileBlockedOnSend(c *gc.C) {
	source := newStaticSource([]fabric.NodeSpec{
		{Name: "node-a", Endpoint: "ep-a"},
	})
	// Nobody consumes the burst; the worker must still die cleanly.
	workertest.CleanKill(c, source)
}
