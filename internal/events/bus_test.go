package events

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	got []Event
}

func (r *recordingSink) Publish(ev Event) error {
	r.got = append(r.got, ev)
	return nil
}

type failingSink struct {
	calls int
}

func (s *failingSink) Publish(ev Event) error {
	s.calls++
	return errors.New("broker down")
}

func TestBusDeliversToSubscribersAndSinks(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	sub := b.Subscribe()
	sink := &recordingSink{}
	b.AddSink(sink)

	b.Publish(Event{Type: SyncCompleted, AccountID: "acct", Pushed: 3})

	select {
	case ev := <-sub:
		require.Equal(t, SyncCompleted, ev.Type)
		require.Equal(t, "acct", ev.AccountID)
		require.Equal(t, 3, ev.Pushed)
		require.False(t, ev.Time.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber received nothing")
	}

	require.Len(t, sink.got, 1)
	require.Equal(t, SyncCompleted, sink.got[0].Type)
}

func TestBusNeverBlocksOnSlowSubscriber(t *testing.T) {
	b := NewBus(nil)
	defer b.Close()

	// Nobody reads this subscription; the buffer fills and the bus
	// must keep dropping instead of stalling.
	b.Subscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(Event{Type: SyncStarted, AccountID: "acct"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBusLogsSinkFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)

	b := NewBus(logger)
	defer b.Close()

	sink := &failingSink{}
	b.AddSink(sink)

	b.Publish(Event{Type: SyncCompleted, AccountID: "acct"})

	require.Equal(t, 1, sink.calls)
	require.Contains(t, buf.String(), "event sink publish failed")
}

func TestBusCloseEndsSubscriptions(t *testing.T) {
	b := NewBus(nil)
	sub := b.Subscribe()
	b.Close()

	_, open := <-sub
	require.False(t, open)
}
