// Package pubsub is the in-process event bus connecting the exchange and
// P2P services to their consumers (WebSocket hub, tests).
//
// Subscribe returns an explicit *Subscription handle; cancelling the handle
// removes the subscriber. Delivery is synchronous in Publish's goroutine.
package pubsub

import (
	"log/slog"
	"sync"
)

// Handler receives the payload published to a topic.
type Handler func(payload any)

// Bus is a topic-keyed subscriber registry.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]*Subscription
	next uint64
}

// Subscription is the handle returned by Subscribe. Cancel removes the
// subscriber; cancelling twice is a no-op.
type Subscription struct {
	bus   *Bus
	topic string
	id    uint64
	fn    Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[string]map[uint64]*Subscription)}
}

// Topic builds a scoped topic name, e.g. Topic("BTC/USDT", "newTrade").
func Topic(scope, event string) string {
	return scope + ":" + event
}

// Subscribe registers fn for a topic and returns its handle.
func (b *Bus) Subscribe(topic string, fn Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	sub := &Subscription{bus: b, topic: topic, id: b.next, fn: fn}
	m, ok := b.subs[topic]
	if !ok {
		m = make(map[uint64]*Subscription)
		b.subs[topic] = m
	}
	m[sub.id] = sub
	return sub
}

// Cancel removes the subscription from its bus.
func (s *Subscription) Cancel() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if m, ok := s.bus.subs[s.topic]; ok {
		delete(m, s.id)
		if len(m) == 0 {
			delete(s.bus.subs, s.topic)
		}
	}
	s.bus = nil
}

// Publish delivers payload to every subscriber of topic, synchronously.
// A panicking subscriber is recovered and logged so it cannot poison the
// mutation that triggered the event.
func (b *Bus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[topic]))
	for _, sub := range b.subs[topic] {
		handlers = append(handlers, sub.fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("pubsub subscriber panicked", "topic", topic, "panic", r)
				}
			}()
			fn(payload)
		}()
	}
}

// SubscriberCount returns the number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
