// Package events provides per-session fan-out of agent run events. Delivery
// is best-effort to live subscribers; the message log in storage is the
// source of truth.
package events

import (
	"context"
	"sync"

	"github.com/haasonsaas/klaus/internal/observability"
	"github.com/haasonsaas/klaus/pkg/models"
)

// subscriberBuffer bounds each subscriber's pending event queue. When full,
// the oldest pending event for that subscriber is dropped.
const subscriberBuffer = 256

// Handler is a callback-style subscriber. Panics raised by a handler are
// recovered and logged; they never reach the publisher.
type Handler func(models.AgentEvent)

// Bus multiplexes run events to per-session subscribers. Events published
// for one session reach each of its subscribers in publish order; there is
// no ordering across sessions.
type Bus struct {
	mu       sync.RWMutex
	subs     map[string][]*Subscription
	handlers map[string][]Handler
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewBus creates an event bus. metrics may be nil.
func NewBus(logger *observability.Logger, metrics *observability.Metrics) *Bus {
	return &Bus{
		subs:     make(map[string][]*Subscription),
		handlers: make(map[string][]Handler),
		logger:   logger,
		metrics:  metrics,
	}
}

// Subscription is a channel-backed event receiver for one session.
type Subscription struct {
	bus       *Bus
	sessionID string
	ch        chan models.AgentEvent

	mu     sync.Mutex
	closed bool
}

// C returns the event channel. It is closed when the subscription is closed.
func (s *Subscription) C() <-chan models.AgentEvent {
	return s.ch
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// deliver enqueues an event, dropping the subscriber's oldest pending event
// if its buffer is full. Never blocks the publisher.
func (s *Subscription) deliver(event models.AgentEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
	default:
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- event:
		default:
		}
	}
}

// Subscribe registers a channel subscriber for the session. A subscriber
// joining mid-run only sees events published after registration.
func (b *Bus) Subscribe(sessionID string) *Subscription {
	sub := &Subscription{
		bus:       b,
		sessionID: sessionID,
		ch:        make(chan models.AgentEvent, subscriberBuffer),
	}

	b.mu.Lock()
	b.subs[sessionID] = append(b.subs[sessionID], sub)
	b.mu.Unlock()

	return sub
}

// SubscribeFunc registers a callback subscriber for the session. The
// callback runs on the publisher's goroutine; it must not block.
func (b *Bus) SubscribeFunc(sessionID string, handler Handler) {
	b.mu.Lock()
	b.handlers[sessionID] = append(b.handlers[sessionID], handler)
	b.mu.Unlock()
}

// Publish delivers the event to every subscriber of the session.
func (b *Bus) Publish(sessionID string, event models.AgentEvent) {
	if b.metrics != nil {
		b.metrics.RecordEvent(string(event.Type))
	}

	b.mu.RLock()
	subs := b.subs[sessionID]
	handlers := b.handlers[sessionID]
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(event)
	}
	for _, handler := range handlers {
		b.dispatch(sessionID, handler, event)
	}
}

// dispatch invokes a callback subscriber, swallowing panics.
func (b *Bus) dispatch(sessionID string, handler Handler, event models.AgentEvent) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error(context.Background(), "event subscriber panicked",
				"session_id", sessionID,
				"event_type", string(event.Type),
				"panic", r,
			)
		}
	}()
	handler(event)
}

// DropSession removes all subscribers for the session, closing their
// channels.
func (b *Bus) DropSession(sessionID string) {
	b.mu.Lock()
	subs := b.subs[sessionID]
	delete(b.subs, sessionID)
	delete(b.handlers, sessionID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

// SubscriberCount returns the number of subscribers for a session.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[sessionID]) + len(b.handlers[sessionID])
}

// remove detaches a subscription without closing its channel.
func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.sessionID]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.sessionID]) == 0 {
		delete(b.subs, sub.sessionID)
	}
}
