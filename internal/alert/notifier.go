// Package alert delivers worker condition notifications. Transitions are
// published to the alerts topic for downstream delivery (mail, webhooks)
// and recorded as events so the retention pass can bound their history.
package alert

import (
	"context"
	"time"

	"github.com/bardlex/poolacct/internal/messaging"
	"github.com/bardlex/poolacct/internal/monitor"
	"github.com/bardlex/poolacct/pkg/log"
)

// EventStore records delivered notifications.
type EventStore interface {
	RecordEvent(ctx context.Context, user, worker, condition, message string, raised bool, at time.Time) error
}

// Publisher is the outbound message transport.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
}

// Notifier publishes condition transitions and records them. It satisfies
// the monitor's notification interface.
type Notifier struct {
	publisher Publisher
	events    EventStore
	logger    *log.Logger
	now       func() time.Time
}

// NewNotifier creates an alert notifier.
func NewNotifier(publisher Publisher, events EventStore, logger *log.Logger) *Notifier {
	return &Notifier{
		publisher: publisher,
		events:    events,
		logger:    logger.WithComponent("alert"),
		now:       time.Now,
	}
}

// Notify publishes one condition transition. The event row is recorded
// first so a failed publish is retried by the caller without losing the
// audit trail.
func (n *Notifier) Notify(ctx context.Context, t *monitor.Threshold, condition, message string, raised bool) error {
	at := n.now()

	if err := n.events.RecordEvent(ctx, t.User, t.Worker, condition, message, raised, at); err != nil {
		return err
	}

	msg := messaging.AlertMessage{
		User:      t.User,
		Worker:    t.Worker,
		Condition: condition,
		Raised:    raised,
		Message:   message,
		RaisedAt:  at,
	}
	key := t.User + "/" + t.Worker

	if err := n.publisher.PublishJSON(ctx, messaging.TopicAlerts, key, msg); err != nil {
		return err
	}

	n.logger.Info("alert published",
		"user", t.User,
		"worker", t.Worker,
		"condition", condition,
		"raised", raised,
	)
	return nil
}
