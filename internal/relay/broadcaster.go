package relay

import (
	"log/slog"
	"sync"
)

const defaultSubscriberBuffer = 64

// Broadcaster fans relay payloads out to live subscribers of a session.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

type subscriber struct {
	ch chan *Payload
}

// NewBroadcaster creates a broadcaster. buffer is the per-subscriber queue size.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber for sessionID. The returned cancel func is idempotent.
// The channel is closed on cancel or when the session is closed.
func (b *Broadcaster) Subscribe(sessionID string) (<-chan *Payload, func()) {
	sub := &subscriber{ch: make(chan *Payload, b.buffer)}

	b.mu.Lock()
	if _, ok := b.subs[sessionID]; !ok {
		b.subs[sessionID] = make(map[*subscriber]struct{})
	}
	b.subs[sessionID][sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if set, ok := b.subs[sessionID]; ok {
				if _, exists := set[sub]; exists {
					delete(set, sub)
					close(sub.ch)
					if len(set) == 0 {
						delete(b.subs, sessionID)
					}
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish sends payload to every subscriber of sessionID without blocking.
// Subscribers that are not keeping up miss the payload.
func (b *Broadcaster) Publish(sessionID string, payload *Payload) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[sessionID] {
		select {
		case sub.ch <- payload:
		default:
			slog.Warn("Live subscriber is slow, dropping payload", "session_id", sessionID, "event", payload.Event)
		}
	}
}

// CloseSession closes every subscription of sessionID.
func (b *Broadcaster) CloseSession(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[sessionID] {
		close(sub.ch)
	}
	delete(b.subs, sessionID)
}

// Subscribers returns the number of live subscribers of sessionID.
func (b *Broadcaster) Subscribers(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID])
}
