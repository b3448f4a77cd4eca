// Package events carries sync lifecycle events from the engine to
// external collaborators (UI, notifications, diagnostics).
package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Type enumerates the sync lifecycle events.
type Type string

const (
	SyncStarted   Type = "sync_started"
	SyncCompleted Type = "sync_completed"
	SyncFailed    Type = "sync_failed"
	AuthRequired  Type = "auth_required"
)

// Event is one sync lifecycle notification for an account.
type Event struct {
	Type      Type      `json:"type"`
	AccountID string    `json:"account_id"`
	Time      time.Time `json:"time"`

	// Counts carried on SyncCompleted.
	Received int `json:"received,omitempty"`
	Pushed   int `json:"pushed,omitempty"`
	Failed   int `json:"failed,omitempty"`

	// DurationMS is set on SyncCompleted.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// ErrorKind is set on SyncFailed.
	ErrorKind string `json:"error_kind,omitempty"`
}

// Sink receives every published event. Sinks must not block; slow
// external transports should buffer internally.
type Sink interface {
	Publish(ev Event) error
}

// Bus fans events out to channel subscribers and registered sinks.
// Publishing never blocks the sync path: a subscriber that falls
// behind loses events rather than stalling the reconciler.
type Bus struct {
	logger *logrus.Logger

	mu    sync.RWMutex
	subs  []chan Event
	sinks []Sink
}

// NewBus creates an empty bus.
func NewBus(logger *logrus.Logger) *Bus {
	if logger == nil {
		logger = logrus.New()
	}
	return &Bus{logger: logger}
}

// Subscribe returns a buffered channel receiving future events.
func (b *Bus) Subscribe() <-chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// AddSink registers an external event sink.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, s)
	b.mu.Unlock()
}

// Publish delivers an event to all subscribers and sinks.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop rather than block the sync path.
		}
	}
	for _, s := range b.sinks {
		if err := s.Publish(ev); err != nil {
			b.logger.WithError(err).WithField("event", string(ev.Type)).
				Warn("event sink publish failed")
		}
	}
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
