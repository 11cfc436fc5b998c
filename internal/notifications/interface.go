package notifications

import (
	"context"
	"time"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// Message is a rendered notification handed to a channel adapter.
type Message struct {
	Channel   models.Channel
	Recipient string
	Subject   string
	Body      string
	Priority  models.Priority
	AlertID   string

	// IdempotencyKey is stable across retries of the same delivery job.
	IdempotencyKey string
}

// Sender delivers messages on one channel. A nil error means sent. Errors
// classified as faults.KindPermanent, KindConfig or KindData are not
// retried; anything else is a transient failure. The returned id is the
// provider's message reference, when it offers one.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// AuditSink receives deliveries that failed permanently.
type AuditSink interface {
	RecordFailure(ctx context.Context, d models.Delivery) error
}

// ScheduleResolver returns the earliest time at or after now a user may be
// notified on a channel, and false when the user disabled the channel.
type ScheduleResolver interface {
	ResolveSchedule(ctx context.Context, userID string, channel models.Channel, now time.Time) (time.Time, bool, error)
}
