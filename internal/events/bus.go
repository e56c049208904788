// Package events is the in-process pub/sub channel between the gateway
// core and its observers: the admin WebSocket feed, the settings sync,
// and the model-list cache all hang off the same bus.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferro-labs/llm-bridge/internal/logging"
)

// Topic names carried on the bus. These are the names the admin
// WebSocket channel forwards verbatim to connected clients.
const (
	TopicProxyStatus = "proxy:status"
	TopicLifecycle   = "lifecycle:update"
	TopicSettings    = "settings:changed"
	TopicCredentials = "credentials:updated"
	TopicProviders   = "providers:updated"
	TopicModels      = "models:updated"
)

// Event is one bus message.
type Event struct {
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
	At      int64  `json:"at"`
}

// Bus fans events out to subscribers. Publish never blocks: each
// subscriber owns a buffered channel and a slow consumer loses events
// rather than stalling the publisher. Events from a single publisher
// goroutine are delivered to each subscriber in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	closed bool
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus     *Bus
	id      int
	topics  map[string]bool
	ch      chan Event
	dropped atomic.Int64 // Publish holds only the read lock

	closeOnce sync.Once
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Subscribe registers a subscriber for the given topics; with no topics
// it receives everything. Callers must drain Events or Close.
func (b *Bus) Subscribe(topics ...string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus: b,
		id:  b.nextID,
		ch:  make(chan Event, 64),
	}
	if len(topics) > 0 {
		sub.topics = make(map[string]bool, len(topics))
		for _, t := range topics {
			sub.topics[t] = true
		}
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// SubscribeFunc runs fn for every matching event on a dedicated
// goroutine. A panicking handler is recovered and logged; the
// subscription stays live. The returned cancel detaches the handler.
func (b *Bus) SubscribeFunc(fn func(Event), topics ...string) (cancel func()) {
	sub := b.Subscribe(topics...)
	go func() {
		for ev := range sub.ch {
			invoke(fn, ev)
		}
	}()
	return sub.Close
}

func invoke(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Logger.Error("event handler panicked", "event", ev.Name, "panic", r)
		}
	}()
	fn(ev)
}

// Publish delivers an event to every matching subscriber.
func (b *Bus) Publish(name string, payload any) {
	ev := Event{Name: name, Payload: payload, At: time.Now().UnixMilli()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.topics != nil && !sub.topics[name] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			logging.Logger.Warn("event dropped for slow subscriber", "event", name, "subscriber", sub.id)
		}
	}
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Events is the subscriber's receive channel. It is closed when the
// subscription or the bus closes.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Dropped reports how many events this subscriber lost to a full buffer.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		if _, ok := s.bus.subs[s.id]; ok {
			delete(s.bus.subs, s.id)
			close(s.ch)
		}
	})
}
