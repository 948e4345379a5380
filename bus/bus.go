// Package bus is the in-process notification bus shared by the gateway,
// the session store and the status synchronizer.
package bus

import (
	"sync"
)

// Topic names a notification stream.
type Topic string

const (
	// SessionEnded asks the session store to perform a forced logout.
	SessionEnded Topic = "session-ended"
	// StatusChanged asks the status synchronizer to re-poll.
	StatusChanged Topic = "status-changed"
	// EventEnded reports that the platform answered with the event-ended
	// sentinel.
	EventEnded Topic = "event-ended"
	// RouteChanged reports a navigation.
	RouteChanged Topic = "route-changed"
)

// Reason explains why a SessionEnded notification was raised.
type Reason string

const (
	ReasonEventEnded    Reason = "event_ended"
	ReasonRefreshFailed Reason = "refresh_failed"
	ReasonStatusEnded   Reason = "status_ended"
)

// SessionEndedPayload accompanies SessionEnded.
type SessionEndedPayload struct {
	Reason Reason
	Path   string
}

// StatusChangedPayload accompanies StatusChanged. Path is the call that
// observed the change.
type StatusChangedPayload struct {
	Path string
}

// EventEndedPayload accompanies EventEnded.
type EventEndedPayload struct {
	Path    string
	Message string
}

// RouteChangedPayload accompanies RouteChanged.
type RouteChangedPayload struct {
	From string
	To   string
}

// Handler receives a payload published on a topic.
type Handler func(payload any)

// Bus is a synchronous topic-based publisher. Handlers run on the
// publishing goroutine, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[Topic][]subscription
}

type subscription struct {
	id int
	fn Handler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]subscription)}
}

// Subscribe registers fn on topic and returns a function that removes it.
func (b *Bus) Subscribe(topic Topic, fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.subs[topic]
			for i, s := range subs {
				if s.id == id {
					b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers payload to every handler subscribed to topic.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs[topic]))
	copy(subs, b.subs[topic])
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(payload)
	}
}

// Subscribers returns the number of handlers on topic.
func (b *Bus) Subscribers(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
