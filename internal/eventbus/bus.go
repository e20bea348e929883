// Package eventbus defines typed pub/sub for stream events.
package eventbus

import (
	"context"
	"time"

	"github.com/coachpo/quotestream/internal/domain/market"
)

// EventType is the closed set of event tags carried on the bus.
type EventType string

const (
	// EventConnectionStateChanged fires whenever a segment's connection state moves.
	EventConnectionStateChanged EventType = "connection_state_changed"
	// EventTickReceived fires for every tick that passed the throttle.
	EventTickReceived EventType = "tick_received"
	// EventMaxReconnectReached fires once per exhausted reconnect cycle.
	EventMaxReconnectReached EventType = "max_reconnect_reached"
)

// EventTypes lists every known tag.
var EventTypes = []EventType{EventConnectionStateChanged, EventTickReceived, EventMaxReconnectReached}

// Valid reports whether t is one of the closed tags.
func (t EventType) Valid() bool {
	switch t {
	case EventConnectionStateChanged, EventTickReceived, EventMaxReconnectReached:
		return true
	default:
		return false
	}
}

// StateChange is the payload of EventConnectionStateChanged.
type StateChange struct {
	Segment  market.Segment
	Previous market.ConnectionState
	Current  market.ConnectionState
	Reason   string
	At       time.Time
}

// MaxReconnect is the payload of EventMaxReconnectReached.
type MaxReconnect struct {
	Segment  market.Segment
	Attempts int
	Cooldown time.Duration
	At       time.Time
}

// Event is one bus message. Exactly one payload pointer is set and it always
// matches Type; use the New*Event constructors.
type Event struct {
	Type    EventType
	Segment market.Segment
	Symbol  string

	State        *StateChange
	Tick         *market.Tick
	MaxReconnect *MaxReconnect
}

// NewStateEvent wraps a connection state change.
func NewStateEvent(change StateChange) Event {
	return Event{Type: EventConnectionStateChanged, Segment: change.Segment, State: &change}
}

// NewTickEvent wraps a delivered tick.
func NewTickEvent(tick market.Tick) Event {
	return Event{Type: EventTickReceived, Segment: tick.Segment, Symbol: tick.Symbol, Tick: &tick}
}

// NewMaxReconnectEvent wraps a max-reconnect notification.
func NewMaxReconnectEvent(payload MaxReconnect) Event {
	return Event{Type: EventMaxReconnectReached, Segment: payload.Segment, MaxReconnect: &payload}
}

// Topic selects events for a subscriber. An empty Symbol subscribes to the
// global stream of Type; a non-empty Symbol narrows it to that symbol.
type Topic struct {
	Type   EventType
	Symbol string
}

// Global returns the global topic for typ.
func Global(typ EventType) Topic { return Topic{Type: typ} }

// ForSymbol returns the symbol-scoped topic for typ.
func ForSymbol(typ EventType, symbol string) Topic {
	return Topic{Type: typ, Symbol: market.NormalizeSymbol(symbol)}
}

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers typed events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, topic Topic) (SubscriptionID, <-chan Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
