package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const streamName = "MAIL_SYNC"

// NATSSink publishes sync events to a NATS JetStream stream so UI and
// notification processes can subscribe without linking the daemon.
type NATSSink struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewNATSSink connects to NATS and ensures the sync event stream
// exists.
func NewNATSSink(url string) (*NATSSink, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	s := &NATSSink{nc: nc, js: js}
	if err := s.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return s, nil
}

func (s *NATSSink) ensureStream() error {
	if info, err := s.js.StreamInfo(streamName); err == nil && info != nil {
		return nil
	}

	_, err := s.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{"mailsync.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     7 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish sends one event, deduplicated by account, type, and
// timestamp.
func (s *NATSSink) Publish(ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	subject := fmt.Sprintf("mailsync.%s.%s", ev.AccountID, ev.Type)
	msgID := fmt.Sprintf("%s|%s|%d", ev.AccountID, ev.Type, ev.Time.UnixNano())

	if _, err := s.js.Publish(subject, payload, nats.MsgId(msgID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (s *NATSSink) Close() {
	if s.nc != nil {
		s.nc.Close()
	}
}
