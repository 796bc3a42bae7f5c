// Package events provides the in-process event bus that engine
// components publish state changes to and the reporting layer
// subscribes to.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType identifies a category of engine event
type EventType string

const (
	PortfolioCreated    EventType = "portfolio.created"
	TransactionExecuted EventType = "transaction.executed"
	TransactionFailed   EventType = "transaction.failed"
	PositionOpened      EventType = "position.opened"
	PositionClosed      EventType = "position.closed"
	PositionsLiquidated EventType = "positions.liquidated"
	SnapshotRecorded    EventType = "snapshot.recorded"
	PricesUpdated       EventType = "prices.updated"
	BackupCompleted     EventType = "backup.completed"
)

// AllEventTypes lists every event type the bus carries, in a stable order
func AllEventTypes() []EventType {
	return []EventType{
		PortfolioCreated,
		TransactionExecuted,
		TransactionFailed,
		PositionOpened,
		PositionClosed,
		PositionsLiquidated,
		SnapshotRecorded,
		PricesUpdated,
		BackupCompleted,
	}
}

// Event is one published occurrence. Data holds a typed payload from
// event_data.go.
type Event struct {
	Type      EventType `json:"type"`
	Module    string    `json:"module,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data,omitempty"`
}

// Handler receives published events. Handlers run synchronously on the
// publisher's goroutine and must not block; slow consumers buffer on
// their own channels and drop when full.
type Handler func(event *Event)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is the in-process publish/subscribe fan-out. Safe for concurrent
// use.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[EventType][]subscription
	log    zerolog.Logger
}

// NewBus creates an event bus
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[EventType][]subscription),
		log:  log.With().Str("component", "event_bus").Logger(),
	}
}

// Subscribe registers a handler for an event type and returns a
// function that removes the subscription.
func (b *Bus) Subscribe(eventType EventType, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[eventType] = append(b.subs[eventType], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subs[eventType]
		for i, sub := range subs {
			if sub.id == id {
				b.subs[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// Publish delivers an event to every subscriber of its type. The
// timestamp is filled in if the caller left it zero.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subs[event.Type]))
	copy(subs, b.subs[event.Type])
	b.mu.RUnlock()

	b.log.Debug().
		Str("event_type", string(event.Type)).
		Int("subscribers", len(subs)).
		Msg("Publishing event")

	for _, sub := range subs {
		sub.handler(event)
	}
}

// PublishData wraps a typed payload in an Event and publishes it
func (b *Bus) PublishData(module string, data EventData) {
	b.Publish(&Event{
		Type:      data.EventType(),
		Module:    module,
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}
