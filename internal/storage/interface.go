package storage

import (
	"context"
	"errors"
	"time"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// MentionStore persists mentions and their fingerprints.
type MentionStore interface {
	// LookupPlatformPost returns the mention stored or aliased for the post.
	LookupPlatformPost(ctx context.Context, platform, postID string) (string, error)
	// FindByContentHash returns the fingerprint carrying hash.
	FindByContentHash(ctx context.Context, hash string) (*models.Fingerprint, error)
	// FindSimilar returns the fingerprint created at or after since whose
	// similarity hash is closest to hash within maxDistance bits, and that
	// distance.
	FindSimilar(ctx context.Context, hash uint64, maxDistance int, since time.Time) (*models.Fingerprint, int, error)
	// InsertMention stores a mention and its fingerprint in one transaction.
	// A taken (platform, post id) is a Conflict.
	InsertMention(ctx context.Context, m *models.Mention, fp *models.Fingerprint) error
	// RecordDuplicate aliases (platform, post id) to originalID and, when
	// merge is set, adds it to the original's engagement. Atomic; an existing
	// alias is a Conflict.
	RecordDuplicate(ctx context.Context, platform, postID, originalID string, merge *models.Engagement) error
	GetMention(ctx context.Context, id string) (*models.Mention, error)
	UpdateMentionStatus(ctx context.Context, id string, status models.ProcessingStatus) error
}

// MonitorStore reads monitors and appends match records.
type MonitorStore interface {
	ListActiveMonitors(ctx context.Context) ([]models.Monitor, error)
	GetMonitor(ctx context.Context, id string) (*models.Monitor, error)
	// InsertMonitorMention appends a match. A repeated (monitor, mention) is a Conflict.
	InsertMonitorMention(ctx context.Context, mm *models.MonitorMention) error
	GetMonitorMention(ctx context.Context, monitorID, mentionID string) (*models.MonitorMention, error)
	TouchMonitor(ctx context.Context, id string, at time.Time) error
}

// RuleStore reads alert rules and records firings.
type RuleStore interface {
	ListRulesByMonitor(ctx context.Context, monitorID string) ([]models.AlertRule, error)
	MarkRuleTriggered(ctx context.Context, ruleID string, at time.Time) error
}

// AlertStore persists fired alerts.
type AlertStore interface {
	CreateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id string) (*models.Alert, error)
	ResolveAlert(ctx context.Context, id, by string, at time.Time) error
	// ListUndeliveredAlerts returns unresolved alerts triggered at or after
	// since that have no delivery job, oldest first.
	ListUndeliveredAlerts(ctx context.Context, since time.Time) ([]models.Alert, error)
}

// DeliveryUpdate is the outcome of one delivery attempt.
type DeliveryUpdate struct {
	Status       models.DeliveryStatus
	Attempts     int
	ScheduledFor time.Time
	SentAt       *time.Time
	ErrorMessage string
	ExternalID   string
}

// DeliveryStore is the notification queue.
type DeliveryStore interface {
	// CreateDeliveries inserts jobs, skipping any (alert, channel, recipient)
	// already queued, and returns the jobs now stored for those keys.
	CreateDeliveries(ctx context.Context, ds []models.Delivery) ([]models.Delivery, error)
	// ClaimNextDelivery moves the highest priority, oldest eligible pending
	// job of channel to processing. ErrNotFound when the queue is idle.
	ClaimNextDelivery(ctx context.Context, channel models.Channel, now time.Time) (*models.Delivery, error)
	// CompleteDelivery applies an attempt outcome only while the job is
	// still processing; otherwise it returns a Conflict and changes nothing.
	CompleteDelivery(ctx context.Context, id string, u DeliveryUpdate) error
	// CancelAlertDeliveries flips pending and processing jobs of an alert to cancelled.
	CancelAlertDeliveries(ctx context.Context, alertID, reason string) (int, error)
	// MarkBounced flips a non-terminal job to bounced.
	MarkBounced(ctx context.Context, id, reason string) error
	// RecoverStale returns processing jobs claimed before cutoff to pending.
	RecoverStale(ctx context.Context, cutoff time.Time) (int, error)
	GetDelivery(ctx context.Context, id string) (*models.Delivery, error)
	ListDeliveries(ctx context.Context, alertID string) ([]models.Delivery, error)
}

// PreferenceStore reads notification preferences.
type PreferenceStore interface {
	GetPreference(ctx context.Context, userID string, channel models.Channel) (*models.Preference, error)
}

// Store is the full persistence contract.
type Store interface {
	MentionStore
	MonitorStore
	RuleStore
	AlertStore
	DeliveryStore
	PreferenceStore
	Close() error
}

// BlobStore defines the contract for archive object storage.
type BlobStore interface {
	Store(ctx context.Context, name string, data []byte) error
	Retrieve(ctx context.Context, name string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}
