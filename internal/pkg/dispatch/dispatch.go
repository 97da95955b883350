// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package dispatch serializes callbacks on a single goroutine.
package dispatch

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when the loop is no longer running.
var ErrStopped = errors.New("dispatch loop stopped")

// Loop runs posted callbacks one at a time, in order.
type Loop struct {
	queue chan func()

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewLoop creates a loop with the given queue depth.
func NewLoop(depth int) *Loop {
	return &Loop{
		queue:   make(chan func(), depth),
		stopped: make(chan struct{}),
	}
}

// Run executes callbacks until the context is canceled.
//
// Callbacks still queued when the context is canceled are discarded.
func (loop *Loop) Run(ctx context.Context) error {
	defer loop.stopOnce.Do(func() { close(loop.stopped) })

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-loop.queue:
			fn()
		}
	}
}

// Post queues fn, blocking while the queue is full.
//
// Post returns false if the loop has stopped.
func (loop *Loop) Post(fn func()) bool {
	select {
	case <-loop.stopped:
		return false
	default:
	}

	select {
	case loop.queue <- fn:
		return true
	case <-loop.stopped:
		return false
	}
}

// Do runs fn on the loop and waits for it to complete.
func (loop *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})

	posted := loop.Post(func() {
		defer close(done)

		fn()
	})
	if !posted {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-loop.stopped:
		return ErrStopped
	}
}
