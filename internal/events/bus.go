package events

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Domain event names. Every event carries the full affected entity;
// subscribers (notification dispatch, audit logging) consume these and
// the core never learns about delivery success or failure.
const (
	RuleCreated           = "ruleCreated"
	RuleUpdated           = "ruleUpdated"
	RuleDeleted           = "ruleDeleted"
	ViolationDetected     = "violationDetected"
	ViolationAcknowledged = "violationAcknowledged"
	ViolationResolved     = "violationResolved"
	SurveillanceAlert     = "surveillanceAlert"
)

// Event is one domain event on the bus.
type Event struct {
	Name       string      `json:"name"`
	Entity     interface{} `json:"entity"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Sink forwards events to an external channel (Kafka).
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus is an in-process observer bus with bounded per-subscriber
// channels. Sends block when a subscriber's buffer is full, which
// gives at-least-once delivery with backpressure instead of silent
// loss.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	sinks  []Sink
	buffer int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string][]chan Event),
		buffer: buffer,
	}
}

// AddSink registers an external sink. Sink failures are logged, never
// propagated to publishers.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Subscribe returns a channel receiving every event published under
// the given name.
func (b *Bus) Subscribe(name string) <-chan Event {
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], ch)
	return ch
}

// Publish delivers the entity to every subscriber of name and every
// sink. Persistence always happens before Publish is called, so a
// dropped process here costs a notification, never a record.
func (b *Bus) Publish(ctx context.Context, name string, entity interface{}) {
	ev := Event{Name: name, Entity: entity, OccurredAt: time.Now()}

	b.mu.RLock()
	subs := b.subs[name]
	sinks := b.sinks
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- ev:
		case <-ctx.Done():
			log.Warn().Str("event", name).Msg("Event delivery abandoned: context cancelled")
			return
		}
	}

	for _, s := range sinks {
		if err := s.Publish(ctx, ev); err != nil {
			log.Error().Err(err).Str("event", name).Msg("Event sink publish failed")
		}
	}
}
