package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

// LoggedEvent is one line of the event log.
type LoggedEvent struct {
	Event     Event     `json:"event"`
	Topic     string    `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
}

// EventLogger appends events to a JSON lines file so that a run can be
// audited or replayed into another bus later.
type EventLogger struct {
	path    string
	mu      sync.Mutex
	file    *os.File
	enabled bool
	encoder *json.Encoder
}

// NewEventLogger opens path for appending. A disabled logger accepts and
// drops every event.
func NewEventLogger(path string, enabled bool) (*EventLogger, error) {
	el := &EventLogger{path: path, enabled: enabled}
	if !enabled {
		return el, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.ConfigurationErrorf("creating event log directory: %v", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.ConfigurationErrorf("opening event log: %v", err)
	}

	el.file = file
	el.encoder = json.NewEncoder(file)
	return el, nil
}

// Log appends one event.
func (l *EventLogger) Log(topic string, event Event) error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return errors.New(errors.CodeUnavailable, "event logger is closed")
	}

	if err := l.encoder.Encode(LoggedEvent{Event: event, Topic: topic, Timestamp: time.Now()}); err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	return nil
}

// Events reads back the events logged after since, oldest first. A limit
// above zero caps the number returned. Malformed lines are skipped.
func (l *EventLogger) Events(since time.Time, limit int) ([]LoggedEvent, error) {
	if !l.enabled {
		return nil, errors.New(errors.CodeUnavailable, "event logging is disabled")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	file, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var events []LoggedEvent
	for scanner.Scan() {
		var le LoggedEvent
		if json.Unmarshal(scanner.Bytes(), &le) != nil {
			continue
		}
		if !le.Timestamp.After(since) {
			continue
		}
		events = append(events, le)
		if limit > 0 && len(events) >= limit {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	return events, nil
}

// Replay publishes the events logged after since to b, in order.
func (l *EventLogger) Replay(ctx context.Context, b Bus, since time.Time) error {
	events, err := l.Events(since, 0)
	if err != nil {
		return err
	}

	for _, le := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.Publish(ctx, le.Topic, le.Event); err != nil {
			return fmt.Errorf("replaying event %s: %w", le.Event.ID, err)
		}
	}
	return nil
}

// Close syncs and closes the log file.
func (l *EventLogger) Close() error {
	if !l.enabled {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	syncErr := l.file.Sync()
	closeErr := l.file.Close()
	l.file = nil
	l.encoder = nil

	if syncErr != nil {
		return fmt.Errorf("syncing event log: %w", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("closing event log: %w", closeErr)
	}
	return nil
}

// IsEnabled returns true if the logger is enabled.
func (l *EventLogger) IsEnabled() bool {
	return l.enabled
}
