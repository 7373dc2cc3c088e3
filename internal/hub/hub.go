// Package hub fans structured events out to per-session subscribers.
// Delivery is best-effort: each subscriber has a small buffer, overflow
// drops the oldest events behind a marker, and a sink that fails on send
// is pruned.
package hub

import (
	"context"
	"sync"

	"github.com/haasonsaas/loom/internal/observability"
	"github.com/haasonsaas/loom/pkg/models"
)

// DefaultBufferSize is the per-subscriber event bound.
const DefaultBufferSize = 64

// Sink delivers one event to a subscriber. A non-nil error detaches the
// subscriber.
type Sink func(event models.Event) error

// Hub is the per-session multicast surface.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[int]*subscriber
	nextID int
	bound  int
	logger *observability.Logger
}

// Option configures a Hub.
type Option func(*Hub)

// WithBufferSize overrides the per-subscriber buffer bound.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bound = n
		}
	}
}

// WithLogger sets the hub's logger.
func WithLogger(logger *observability.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:  make(map[string]map[int]*subscriber),
		bound: DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription identifies an attached sink.
type Subscription struct {
	hub *Hub
	sub *subscriber
}

// Close detaches the subscription and stops its delivery goroutine.
func (s *Subscription) Close() {
	s.hub.detach(s.sub)
}

type subscriber struct {
	id        int
	sessionID string
	sink      Sink

	mu         sync.Mutex
	queue      []models.Event
	overflowed bool
	notify     chan struct{}
	done       chan struct{}
	closed     bool
}

// Attach registers a sink for one session's events and starts delivery.
func (h *Hub) Attach(sessionID string, sink Sink) *Subscription {
	h.mu.Lock()
	sub := &subscriber{
		id:        h.nextID,
		sessionID: sessionID,
		sink:      sink,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	h.nextID++
	if h.subs[sessionID] == nil {
		h.subs[sessionID] = make(map[int]*subscriber)
	}
	h.subs[sessionID][sub.id] = sub
	h.mu.Unlock()

	go h.pump(sub)
	return &Subscription{hub: h, sub: sub}
}

// Publish delivers an event to every subscriber of the session.
func (h *Hub) Publish(sessionID string, event models.Event) {
	for _, sub := range h.snapshot(sessionID) {
		h.enqueue(sub, event)
	}
}

// Broadcast delivers an event to every subscriber of every session.
func (h *Hub) Broadcast(event models.Event) {
	h.mu.Lock()
	var all []*subscriber
	for _, bySession := range h.subs {
		for _, sub := range bySession {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range all {
		h.enqueue(sub, event)
	}
}

// SubscriberCount returns the number of sinks attached to a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[sessionID])
}

func (h *Hub) snapshot(sessionID string) []*subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*subscriber, 0, len(h.subs[sessionID]))
	for _, sub := range h.subs[sessionID] {
		subs = append(subs, sub)
	}
	return subs
}

// enqueue appends the event to the subscriber's buffer, dropping the
// oldest entry behind an overflow marker when the bound is hit.
func (h *Hub) enqueue(sub *subscriber, event models.Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if len(sub.queue) >= h.bound {
		if sub.overflowed {
			// Marker already at the head; drop the event after it.
			if len(sub.queue) >= 2 {
				sub.queue = append(sub.queue[:1], sub.queue[2:]...)
			}
		} else {
			marker := models.NewEvent(sub.sessionID, models.EventOverflow, map[string]any{
				"reason": "subscriber buffer full, oldest events dropped",
			})
			sub.queue = append([]models.Event{marker}, sub.queue[1:]...)
			sub.overflowed = true
		}
	}
	sub.queue = append(sub.queue, event)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// pump drains one subscriber's buffer in order. A sink error detaches the
// subscriber.
func (h *Hub) pump(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
		for {
			sub.mu.Lock()
			if len(sub.queue) == 0 {
				sub.overflowed = false
				sub.mu.Unlock()
				break
			}
			event := sub.queue[0]
			sub.queue = sub.queue[1:]
			if len(sub.queue) == 0 {
				sub.overflowed = false
			}
			sub.mu.Unlock()

			if err := sub.sink(event); err != nil {
				if h.logger != nil {
					h.logger.Warn(context.Background(), "pruning subscriber after send failure",
						"session_id", sub.sessionID, "error", err)
				}
				h.detach(sub)
				return
			}
		}
	}
}

func (h *Hub) detach(sub *subscriber) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.queue = nil
	close(sub.done)
	sub.mu.Unlock()

	h.mu.Lock()
	if bySession, ok := h.subs[sub.sessionID]; ok {
		delete(bySession, sub.id)
		if len(bySession) == 0 {
			delete(h.subs, sub.sessionID)
		}
	}
	h.mu.Unlock()
}
