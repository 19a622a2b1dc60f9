// Package bus publishes evaluation events to in-process subscribers or Kafka.
package bus

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"
)

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Bus defines the interface for event bus implementations.
type Bus interface {
	// Publish publishes an event to a topic.
	Publish(ctx context.Context, topic string, event Event) error

	// Subscribe subscribes to events on a topic.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Close closes the bus and releases resources.
	Close() error
}

// Event represents a bus event.
type Event struct {
	// ID is the unique event identifier.
	ID string `json:"id"`

	// Type is the event type (e.g., "eval.query.scored").
	Type string `json:"type"`

	// Source is the component that generated the event.
	Source string `json:"source"`

	// Timestamp is when the event was created (unix milliseconds).
	Timestamp int64 `json:"timestamp"`

	// CorrelationID groups the events of one evaluation run.
	CorrelationID string `json:"correlation_id,omitempty"`

	// Payload contains the event data.
	Payload any `json:"payload"`
}

// Topics for evaluation events.
const (
	TopicQueryScored     = "eval.query.scored"
	TopicSubsetCompleted = "eval.subset.completed"
	TopicRunCompleted    = "eval.run.completed"
)

// Source is the default event source.
const Source = "rice-eval"

var eventSeq atomic.Uint64

// NewEvent creates an event of the given type, using it as the topic name.
func NewEvent(eventType, correlationID string, payload any) Event {
	now := time.Now()
	return Event{
		ID:            strconv.FormatInt(now.UnixNano(), 36) + "-" + strconv.FormatUint(eventSeq.Add(1), 36),
		Type:          eventType,
		Source:        Source,
		Timestamp:     now.UnixMilli(),
		CorrelationID: correlationID,
		Payload:       payload,
	}
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error     { return nil }
func (Nop) Subscribe(context.Context, string, Handler) error { return nil }
func (Nop) Close() error                                     { return nil }
