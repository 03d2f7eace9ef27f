// Copyright 2015-2016 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package queue

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrTimeout is returned by Channel.Get when no item arrives before
// the deadline. Callers (ClientScheduler, Scheduler) treat this as
// "nothing to do this tick", never as a protocol error (spec.md §7).
var ErrTimeout = errors.New("queue: timeout")

// ErrClosed is returned by Put/Get once Close has been called.
var ErrClosed = errors.New("queue: closed")

// Channel is a bounded, blocking, FIFO byte-message queue, one per
// named queue (scheduled, completed, heartbeat, confirmed). It plays
// the role the teacher's jobserver work-unit tables play for
// in-flight work, but in memory only: bundle queues are not persisted
// across a server restart (spec.md §4.5 Non-goals).
type Channel struct {
	items chan []byte
	clock clock.Clock
	done  chan struct{}
}

// NewChannel creates a Channel with the given capacity using the real
// wall clock.
func NewChannel(capacity int) *Channel {
	return NewChannelWithClock(capacity, clock.New())
}

// NewChannelWithClock is NewChannel with an explicit time source, for
// deterministic timeout tests.
func NewChannelWithClock(capacity int, clk clock.Clock) *Channel {
	return &Channel{
		items: make(chan []byte, capacity),
		clock: clk,
		done:  make(chan struct{}),
	}
}

// Put enqueues data, blocking if the channel is at capacity.
func (c *Channel) Put(data []byte) error {
	select {
	case c.items <- data:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// PutTimeout enqueues data, waiting up to timeout if the channel is at
// capacity. Returns ErrTimeout if the deadline passes first, matching
// the Scheduler's POST state (spec.md §4.4: "put(bundle, timeout=2s);
// on timeout retry").
func (c *Channel) PutTimeout(data []byte, timeout time.Duration) error {
	timer := c.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case c.items <- data:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrTimeout
	}
}

// Get dequeues one item, waiting up to timeout. timeout <= 0 means
// return immediately if nothing is queued.
func (c *Channel) Get(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		select {
		case item := <-c.items:
			return item, nil
		case <-c.done:
			return nil, ErrClosed
		default:
			return nil, ErrTimeout
		}
	}
	timer := c.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case item := <-c.items:
		return item, nil
	case <-c.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Len reports the number of items currently queued.
func (c *Channel) Len() int {
	return len(c.items)
}

// Close unblocks every pending and future Put/Get with ErrClosed.
func (c *Channel) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}
