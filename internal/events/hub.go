// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package events

import (
	"sync"
)

// Hub fans classified events out to live subscribers (the websocket
// feed). Publishing never blocks: a subscriber that falls behind
// loses events, not the pipeline.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int]chan TrackingEvent
	nextID int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan TrackingEvent)}
}

// Subscribe registers a listener. The returned cancel func must be
// called to release the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan TrackingEvent, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan TrackingEvent, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers ev to every subscriber with room in its buffer.
func (h *Hub) Publish(ev TrackingEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
