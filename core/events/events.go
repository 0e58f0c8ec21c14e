// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package events carries the fabric's change notifications. Every
// observed entity transition is published exactly once: "new" on
// first registration, "mod" on any attribute change, "del" on
// removal. Within one merge pass the publish order is creations and
// modifications in fresh-listing order, then deletions; consumers
// may rely on that ordering.
package events

import (
	"github.com/juju/loggo"
	"github.com/juju/pubsub/v2"
)

// Kind discriminates the three entity transitions.
type Kind string

const (
	KindNew Kind = "new"
	KindMod Kind = "mod"
	KindDel Kind = "del"
)

// Topics, one per aggregate.
const (
	TopicNode    = "node"
	TopicPool    = "pool"
	TopicReplica = "replica"
	TopicNexus   = "nexus"
	TopicVolume  = "volume"
)

// Event is the payload delivered to subscribers.
type Event struct {
	Kind   Kind
	Object interface{}
}

// Hub fans events out to subscribers. Delivery is asynchronous but
// in publish order per subscriber.
type Hub struct {
	hub *pubsub.SimpleHub
}

// NewHub returns a ready Hub.
func NewHub() *Hub {
	return &Hub{
		hub: pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
			Logger: loggo.GetLogger("moac.events"),
		}),
	}
}

// Publish emits an event on topic. The returned channel closes once
// every subscriber has handled the event; production code ignores
// it, tests use it to fence ordering assertions.
func (h *Hub) Publish(topic string, kind Kind, object interface{}) <-chan struct{} {
	return pubsub.Wait(h.hub.Publish(topic, Event{Kind: kind, Object: object}))
}

// Subscribe registers handler for topic and returns its unsubscribe
// function.
func (h *Hub) Subscribe(topic string, handler func(Event)) func() {
	return h.hub.Subscribe(topic, func(_ string, data interface{}) {
		event, ok := data.(Event)
		if !ok {
			// Only Publish above feeds the hub.
			return
		}
		handler(event)
	})
}
