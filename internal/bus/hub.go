package bus

import (
	"context"
	"sync"
)

// Hub is an in-process Transport. Every Bus created on the same Hub and
// channel receives the others' broadcasts.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*hubSub
	next   int
	closed bool
}

type hubSub struct {
	origin string
	box    *mailbox
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[int]*hubSub)}
}

// Publish queues env for every other subscriber of its channel.
func (h *Hub) Publish(_ context.Context, env Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for _, s := range h.subs[env.Channel] {
		if s.origin != env.Origin {
			s.box.put(env)
		}
	}
	return nil
}

// Subscribe implements Transport.
func (h *Hub) Subscribe(channel, origin string, fn func(Envelope)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	id := h.next
	h.next++
	if h.subs[channel] == nil {
		h.subs[channel] = make(map[int]*hubSub)
	}
	s := &hubSub{origin: origin, box: newMailbox(fn)}
	h.subs[channel][id] = s

	return func() {
		h.mu.Lock()
		delete(h.subs[channel], id)
		h.mu.Unlock()
		s.box.stop()
	}, nil
}

// Close stops delivery to every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	for _, byID := range h.subs {
		for _, s := range byID {
			s.box.stop()
		}
	}
	h.subs = nil
	return nil
}
