package core

import (
	"sync"

	"aicf/core/events"
	"aicf/core/types"
)

// EventHub fans engine events out to live subscribers. Delivery is
// best-effort: a subscriber that falls behind its buffer loses events rather
// than stalling the emitting engine.
type EventHub struct {
	mu     sync.Mutex
	subs   map[uint64]chan *types.Event
	next   uint64
	buffer int
}

// NewEventHub creates a hub with the supplied per-subscriber buffer.
func NewEventHub(buffer int) *EventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &EventHub{
		subs:   make(map[uint64]chan *types.Event),
		buffer: buffer,
	}
}

// Emit implements events.Emitter.
func (h *EventHub) Emit(evt events.Typed) {
	if h == nil || evt == nil {
		return
	}
	rendered := evt.Event()
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- rendered:
		default:
		}
	}
}

// Subscribe registers a new listener. The cancel function must be called to
// release the channel.
func (h *EventHub) Subscribe() (<-chan *types.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan *types.Event, h.buffer)
	h.subs[id] = ch
	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if existing, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(existing)
		}
	}
	return ch, cancel
}

// Subscribers reports the current listener count.
func (h *EventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
