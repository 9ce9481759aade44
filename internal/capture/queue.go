// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package capture

import (
	"context"
	"sync/atomic"
	"time"
)

// Queue is the bounded buffer between capture and the classification
// workers. When full, the oldest queued event is dropped to make room
// and the drop counter incremented; pushes never block.
type Queue struct {
	ch      chan RawRequest
	dropped atomic.Uint64
	pushed  atomic.Uint64
}

// NewQueue creates a queue with a fixed capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{ch: make(chan RawRequest, capacity)}
}

// Push enqueues r, evicting the oldest entry if the queue is full.
func (q *Queue) Push(r RawRequest) {
	q.pushed.Add(1)
	for {
		select {
		case q.ch <- r:
			return
		default:
		}
		select {
		case <-q.ch:
			q.dropped.Add(1)
		default:
		}
	}
}

// Pop blocks until an event is available or the context ends.
func (q *Queue) Pop(ctx context.Context) (RawRequest, bool) {
	select {
	case r := <-q.ch:
		return r, true
	case <-ctx.Done():
		// One last non-blocking read so a cancelled worker does not
		// strand an already-delivered event.
		select {
		case r := <-q.ch:
			return r, true
		default:
			return RawRequest{}, false
		}
	}
}

// TryPop returns the next event without blocking.
func (q *Queue) TryPop() (RawRequest, bool) {
	select {
	case r := <-q.ch:
		return r, true
	default:
		return RawRequest{}, false
	}
}

// Drain delivers queued events to fn until the queue is empty or the
// timeout elapses. It returns how many events remain undelivered
// (discarded by the caller).
func (q *Queue) Drain(timeout time.Duration, fn func(RawRequest)) int {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r, ok := q.TryPop()
		if !ok {
			return 0
		}
		fn(r)
	}
	return q.Len()
}

// Len returns the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the total number of evicted events.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Pushed returns the total number of events offered to the queue.
func (q *Queue) Pushed() uint64 { return q.pushed.Load() }
