// Package events provides a synchronous publish/subscribe bus.
package events

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradesim/internal/errors"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Event is a single publication.
type Event struct {
	Type    string
	Payload interface{}
}

// Listener receives events. A panicking listener is recovered and logged.
type Listener func(Event)

// Handler is a listener that can fail. Returned errors are logged like panics.
type Handler func(Event) error

type subscription struct {
	id        string
	eventType string
	once      bool
	handler   Handler
}

// Bus is a synchronous listener registry keyed by event type.
// Listeners run on the publishing goroutine, in registration order.
type Bus struct {
	mu     sync.RWMutex
	byID   map[string]*subscription
	order  []*subscription
	logger zerolog.Logger
	newID  func() string
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the logger used to report failing listeners.
func WithLogger(logger zerolog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithIDGenerator replaces the uuid generator.
func WithIDGenerator(gen func() string) Option {
	return func(b *Bus) { b.newID = gen }
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		byID:   make(map[string]*subscription),
		logger: zerolog.Nop(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers listener for eventType and returns its subscription id.
func (b *Bus) Subscribe(eventType string, listener Listener) string {
	return b.add(eventType, silent(listener), false)
}

// Handle registers a handler for eventType and returns its subscription id.
func (b *Bus) Handle(eventType string, handler Handler) string {
	return b.add(eventType, handler, false)
}

// SubscribeOnce registers a listener that is removed before its first invocation,
// whatever the payload.
func (b *Bus) SubscribeOnce(eventType string, listener Listener) string {
	return b.add(eventType, silent(listener), true)
}

func silent(listener Listener) Handler {
	return func(event Event) error {
		listener(event)
		return nil
	}
}

func (b *Bus) add(eventType string, handler Handler, once bool) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID()
	sub := &subscription{
		id:        id,
		eventType: eventType,
		once:      once,
		handler:   handler,
	}
	b.byID[id] = sub
	b.order = append(b.order, sub)
	return id
}

// nextID regenerates until the id is not held by a live subscription.
func (b *Bus) nextID() string {
	for {
		id := b.newID()
		if _, used := b.byID[id]; !used {
			return id
		}
	}
}

// Unsubscribe removes a subscription. It reports whether the id was live.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remove(id)
}

func (b *Bus) remove(id string) bool {
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	for i, s := range b.order {
		if s == sub {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}

type delivery struct {
	sub     *subscription
	claimed bool
}

// Publish delivers payload to every listener of eventType and every wildcard
// listener before returning.
func (b *Bus) Publish(eventType string, payload interface{}) {
	b.mu.Lock()
	targets := make([]delivery, 0, len(b.order))
	for _, sub := range b.order {
		if sub.eventType != eventType && sub.eventType != Wildcard {
			continue
		}
		targets = append(targets, delivery{sub: sub, claimed: sub.once})
	}
	for _, d := range targets {
		if d.claimed {
			b.remove(d.sub.id)
		}
	}
	b.mu.Unlock()

	event := Event{Type: eventType, Payload: payload}
	for _, d := range targets {
		if !d.claimed && !b.live(d.sub) {
			continue
		}
		b.invoke(d.sub, event)
	}
}

func (b *Bus) live(sub *subscription) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	current, ok := b.byID[sub.id]
	return ok && current == sub
}

func (b *Bus) invoke(sub *subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.fail(sub, event, errors.Recovered(r))
		}
	}()
	if err := sub.handler(event); err != nil {
		b.fail(sub, event, err)
	}
}

func (b *Bus) fail(sub *subscription, event Event, cause error) {
	err := errors.NewListenerError(sub.id, event.Type, cause)
	b.logger.Error().Err(err).Str("event", event.Type).Msg("Listener failed")
}
