// Package eventbus delivers change events between detectors.
//
// Delivery is synchronous on the posting goroutine. Subscribers are
// invoked over a snapshot of the registrations, so a subscriber may
// register or unregister (itself included) while handling an event.
package eventbus

import (
	"fmt"
	"sync"

	"possum/internal/logging"
)

// Event is a change notification carried by the bus.
type Event interface {
	// EventType is the event's discriminator, empty for untyped events.
	EventType() string
	// Message is the free-form payload.
	Message() string
}

// Subscriber receives events posted to a Bus.
type Subscriber interface {
	EventReceived(Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(Event)

// EventReceived calls f(e).
func (f SubscriberFunc) EventReceived(e Event) { f(e) }

type registration struct {
	id  uint64
	sub Subscriber
}

// Bus is a synchronous publish/subscribe bus.
type Bus struct {
	mu     sync.RWMutex
	subs   []registration
	nextID uint64
	logger *logging.Logger

	posted  uint64
	dropped uint64
}

// New creates an empty bus.
func New(logger *logging.Logger) *Bus {
	if logger == nil {
		logger = logging.Default()
	}
	return &Bus{logger: logger.WithComponent("eventbus")}
}

// Register adds s and returns a function that removes it. The returned
// function is idempotent.
func (b *Bus) Register(s Subscriber) (unregister func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, registration{id: id, sub: s})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, r := range b.subs {
		if r.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Post delivers e to every subscriber registered at the time of the call.
// A panicking subscriber is logged and skipped.
func (b *Bus) Post(e Event) {
	b.mu.Lock()
	snapshot := make([]registration, len(b.subs))
	copy(snapshot, b.subs)
	b.posted++
	if len(snapshot) == 0 {
		b.dropped++
	}
	b.mu.Unlock()

	if len(snapshot) == 0 {
		b.logger.Debug("dead event", "type", e.EventType(), "kind", fmt.Sprintf("%T", e))
		return
	}

	for _, r := range snapshot {
		b.deliver(r, e)
	}
}

func (b *Bus) deliver(r registration, e Event) {
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("subscriber panicked", "subscriber", r.id, "type", e.EventType(), "panic", p)
		}
	}()
	r.sub.EventReceived(e)
}

// Stats returns the number of posted events and of events nobody received.
func (b *Bus) Stats() (posted, dead uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.posted, b.dropped
}
