// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package workqueue serializes asynchronous operations per owner.
// Each storage node gets its own queue, so operations against one
// node run strictly in submission order while unrelated nodes
// proceed in parallel.
package workqueue

import (
	"context"
	"sync"

	"github.com/juju/errors"
	"gopkg.in/tomb.v2"
)

// ErrStopped is reported by operations queued or pending when the
// queue is killed.
var ErrStopped = errors.New("work queue stopped")

// Operation is a unit of queued work. The context is cancelled when
// the queue is killed.
type Operation func(ctx context.Context) (interface{}, error)

// Result carries an operation's outcome.
type Result struct {
	Value interface{}
	Err   error
}

type item struct {
	op   Operation
	done chan Result
}

// Queue runs pushed operations one at a time in push order. A failed
// operation never prevents the next from running. Queue implements
// worker.Worker.
type Queue struct {
	tomb tomb.Tomb

	mu      sync.Mutex
	pending []item
	stopped bool

	signal chan struct{}
}

// New returns a running queue.
func New() *Queue {
	q := &Queue{
		signal: make(chan struct{}, 1),
	}
	q.tomb.Go(q.loop)
	return q
}

// Push appends op to the queue. The returned channel is buffered and
// receives exactly one Result once op has settled, or ErrStopped if
// the queue dies first.
func (q *Queue) Push(op Operation) <-chan Result {
	done := make(chan Result, 1)
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		done <- Result{Err: ErrStopped}
		return done
	}
	q.pending = append(q.pending, item{op: op, done: done})
	q.mu.Unlock()
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return done
}

// Kill is part of the worker.Worker interface. The in-flight
// operation's context is cancelled and all queued operations fail
// with ErrStopped.
func (q *Queue) Kill() {
	q.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (q *Queue) Wait() error {
	return q.tomb.Wait()
}

func (q *Queue) loop() error {
	ctx := q.tomb.Context(context.Background())
	for {
		select {
		case <-q.tomb.Dying():
			q.drain()
			return tomb.ErrDying
		case <-q.signal:
			for {
				select {
				case <-q.tomb.Dying():
					q.drain()
					return tomb.ErrDying
				default:
				}
				next, ok := q.next()
				if !ok {
					break
				}
				value, err := next.op(ctx)
				next.done <- Result{Value: value, Err: err}
			}
		}
	}
}

func (q *Queue) next() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return item{}, false
	}
	next := q.pending[0]
	q.pending = q.pending[1:]
	return next, true
}

func (q *Queue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped = true
	for _, it := range q.pending {
		it.done <- Result{Err: ErrStopped}
	}
	q.pending = nil
}
