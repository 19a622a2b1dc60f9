package bus

import (
	"context"
	"time"
)

// MetricsRecorder receives one observation per published evaluation event.
// internal/metrics implements it; the interface keeps this package free of
// the Prometheus dependency.
type MetricsRecorder interface {
	RecordBusPublish(topic string, latency time.Duration, err error)
}

// InstrumentedBus times each publish of eval.query.scored,
// eval.subset.completed and eval.run.completed and reports it, failed or not.
type InstrumentedBus struct {
	inner    Bus
	recorder MetricsRecorder
}

// NewInstrumentedBus wraps inner. A nil recorder disables recording.
func NewInstrumentedBus(inner Bus, recorder MetricsRecorder) *InstrumentedBus {
	return &InstrumentedBus{inner: inner, recorder: recorder}
}

func (b *InstrumentedBus) Publish(ctx context.Context, topic string, event Event) error {
	start := time.Now()
	err := b.inner.Publish(ctx, topic, event)
	if b.recorder != nil {
		b.recorder.RecordBusPublish(topic, time.Since(start), err)
	}
	return err
}

func (b *InstrumentedBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	return b.inner.Subscribe(ctx, topic, handler)
}

func (b *InstrumentedBus) Close() error {
	return b.inner.Close()
}
