package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/poolacct/internal/messaging"
	"github.com/bardlex/poolacct/internal/monitor"
	"github.com/bardlex/poolacct/pkg/log"
)

type recordedEvent struct {
	user, worker, condition string
	raised                  bool
}

type fakeEventStore struct {
	events []recordedEvent
}

func (f *fakeEventStore) RecordEvent(_ context.Context, user, worker, condition, _ string, raised bool, _ time.Time) error {
	f.events = append(f.events, recordedEvent{user, worker, condition, raised})
	return nil
}

type fakePublisher struct {
	topic string
	key   string
	msg   any
	err   error
	calls int
}

func (f *fakePublisher) PublishJSON(_ context.Context, topic, key string, v any) error {
	f.calls++
	if f.err != nil {
		return f.err
	}
	f.topic = topic
	f.key = key
	f.msg = v
	return nil
}

func TestNotify(t *testing.T) {
	events := &fakeEventStore{}
	publisher := &fakePublisher{}
	n := NewNotifier(publisher, events, log.New("test", "test", "error", "text"))

	fixed := time.Date(2014, 6, 1, 12, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return fixed }

	thresh := &monitor.Threshold{User: "userA", Worker: "rig1"}
	if err := n.Notify(context.Background(), thresh, monitor.CondTemperature, "overheat", true); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}

	if publisher.topic != messaging.TopicAlerts {
		t.Errorf("topic = %q, want %q", publisher.topic, messaging.TopicAlerts)
	}
	if publisher.key != "userA/rig1" {
		t.Errorf("key = %q, want userA/rig1", publisher.key)
	}

	msg, ok := publisher.msg.(messaging.AlertMessage)
	if !ok {
		t.Fatalf("published %T, want AlertMessage", publisher.msg)
	}
	if msg.Condition != monitor.CondTemperature || !msg.Raised || !msg.RaisedAt.Equal(fixed) {
		t.Errorf("message = %+v", msg)
	}

	if len(events.events) != 1 || events.events[0].condition != monitor.CondTemperature {
		t.Errorf("events = %+v, want one temp event", events.events)
	}
}

func TestNotify_PublishFailureSurfaces(t *testing.T) {
	events := &fakeEventStore{}
	publisher := &fakePublisher{err: errors.New("broker down")}
	n := NewNotifier(publisher, events, log.New("test", "test", "error", "text"))

	thresh := &monitor.Threshold{User: "u", Worker: "w"}
	err := n.Notify(context.Background(), thresh, monitor.CondOffline, "offline", true)
	if err == nil {
		t.Fatal("Notify() should surface publish failures")
	}
	// The event row is still recorded before the publish attempt.
	if len(events.events) != 1 {
		t.Errorf("events = %d, want 1", len(events.events))
	}
}
