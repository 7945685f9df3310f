package stream

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const defaultBuffer = 64

// Hub fans events out to the sessions connected to this process. Delivery
// never blocks the publisher: a subscriber whose buffer is full is dropped
// and its channel closed, so the session reconnects and reloads.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan domain.Event]struct{}
	buffer int
	log    *log.Logger
}

var _ domain.Publisher = (*Hub)(nil)

// NewHub creates a Hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, logger *log.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{subs: make(map[chan domain.Event]struct{}), buffer: buffer, log: logger}
}

// Subscribe registers a new session. The returned channel is closed when the
// session is dropped or unsubscribed.
func (h *Hub) Subscribe() <-chan domain.Event {
	ch := make(chan domain.Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()
	h.log.WithField("subscribers", n).Debug("session subscribed")
	return ch
}

// Unsubscribe removes a session. It is safe to call after the hub dropped it.
func (h *Hub) Unsubscribe(sub <-chan domain.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		if ch == sub {
			delete(h.subs, ch)
			close(ch)
			return
		}
	}
}

// Publish delivers ev to every current subscriber.
func (h *Hub) Publish(_ context.Context, ev domain.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			delete(h.subs, ch)
			close(ch)
			h.log.WithField("event", ev.Type).Warn("dropping slow subscriber")
		}
	}
	return nil
}

// Len returns the number of connected sessions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
}
