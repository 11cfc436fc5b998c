package models

import "time"

// Channel is a notification transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelSlack   Channel = "slack"
	ChannelTeams   Channel = "teams"
	ChannelWebhook Channel = "webhook"
	ChannelPush    Channel = "push"
)

// DeliveryStatus is the state of a queued notification.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliveryProcessing DeliveryStatus = "processing"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryFailed     DeliveryStatus = "failed"
	DeliveryCancelled  DeliveryStatus = "cancelled"
	DeliveryBounced    DeliveryStatus = "bounced"
)

// Terminal reports whether no further transition is allowed.
func (s DeliveryStatus) Terminal() bool {
	switch s {
	case DeliverySent, DeliveryFailed, DeliveryCancelled, DeliveryBounced:
		return true
	}
	return false
}

// Priority orders queued deliveries.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorityRank = map[Priority]int{
	PriorityLow:    1,
	PriorityNormal: 2,
	PriorityHigh:   3,
	PriorityUrgent: 4,
}

// Rank orders priorities; unknown values rank 0.
func (p Priority) Rank() int { return priorityRank[p] }

// Delivery is one (alert, channel, recipient) notification job. Its ID is the
// idempotency key handed to channel adapters.
type Delivery struct {
	ID            string         `json:"id"`
	AlertID       string         `json:"alert_id"`
	RuleID        string         `json:"rule_id"`
	Channel       Channel        `json:"channel"`
	UserID        string         `json:"user_id"`
	Recipient     string         `json:"recipient"`
	Subject       string         `json:"subject"`
	Body          string         `json:"body"`
	Priority      Priority       `json:"priority"`
	Status        DeliveryStatus `json:"status"`
	Attempts      int            `json:"attempts"`
	MaxAttempts   int            `json:"max_attempts"`
	ScheduledFor  time.Time      `json:"scheduled_for"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	SentAt        *time.Time     `json:"sent_at,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ExternalID    string         `json:"external_id,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Preference is a user's notification setting for one channel.
type Preference struct {
	UserID          string  `json:"user_id"`
	Channel         Channel `json:"channel"`
	Enabled         bool    `json:"enabled"`
	QuietHoursStart string  `json:"quiet_hours_start,omitempty"` // HH:MM
	QuietHoursEnd   string  `json:"quiet_hours_end,omitempty"`   // HH:MM
	Timezone        string  `json:"timezone"`
}
