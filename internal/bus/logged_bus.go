package bus

import (
	"context"

	"github.com/ricesearch/rice-eval/internal/pkg/logger"
)

// LoggedBus appends every evaluation event to the JSON-lines event log
// before handing it to the inner bus, so `rice-eval events` can list the
// scored queries and completed subsets of past runs.
type LoggedBus struct {
	inner  Bus
	events *EventLogger
	log    *logger.Logger
}

// NewLoggedBus wraps inner with the event log el.
func NewLoggedBus(inner Bus, el *EventLogger, log *logger.Logger) *LoggedBus {
	if log == nil {
		log = logger.Default()
	}
	return &LoggedBus{inner: inner, events: el, log: log}
}

// Publish records the event, then forwards it. A failed append never keeps a
// query result from reaching the inner bus.
func (b *LoggedBus) Publish(ctx context.Context, topic string, event Event) error {
	if err := b.events.Log(topic, event); err != nil {
		b.log.WithError(err).Warn("Event log append failed",
			"topic", topic,
			"run", event.CorrelationID,
		)
	}
	return b.inner.Publish(ctx, topic, event)
}

// Subscribe is served by the inner bus.
func (b *LoggedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

// Close flushes the event log, then closes the inner bus.
func (b *LoggedBus) Close() error {
	if err := b.events.Close(); err != nil {
		b.log.WithError(err).Warn("Event log close failed")
	}
	return b.inner.Close()
}
