package events

import (
	"sync"
)

// Type identifies an auth-state transition.
type Type string

const (
	SignedIn       Type = "signed_in"
	SignedOut      Type = "signed_out"
	TokenRefreshed Type = "token_refreshed"
	UserUpdated    Type = "user_updated"
)

// Event is one auth-state change.
type Event struct {
	Type   Type
	UserID string
	Email  string
}

// Handler receives published events. Handlers run synchronously on the
// publishing goroutine and must not block.
type Handler func(Event)

// Subscription is an unsubscribe handle.
type Subscription struct {
	bus *Bus
	id  uint64
}

// Cancel removes the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.id)
	s.bus.mu.Unlock()
	s.bus = nil
}

// Bus is a publish/subscribe channel for auth-state events.
type Bus struct {
	mu       sync.Mutex
	next     uint64
	handlers map[uint64]Handler
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscribe registers a handler and returns its unsubscribe handle.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	b.next++
	id := b.next
	b.handlers[id] = h
	b.mu.Unlock()
	return &Subscription{bus: b, id: id}
}

// Publish delivers ev to all current subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(ev)
	}
}
