package models

import "time"

// Frequency gates how often a rule clause may re-trigger.
type Frequency string

const (
	FrequencyImmediate Frequency = "immediate"
	FrequencyHourly    Frequency = "hourly"
	FrequencyDaily     Frequency = "daily"
	FrequencyWeekly    Frequency = "weekly"
)

// Interval returns the throttle window of f. Immediate and unknown values
// do not throttle.
func (f Frequency) Interval() time.Duration {
	switch f {
	case FrequencyHourly:
		return time.Hour
	case FrequencyDaily:
		return 24 * time.Hour
	case FrequencyWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// RuleStatus is the lifecycle state of an alert rule.
type RuleStatus string

const (
	RuleActive RuleStatus = "active"
	RulePaused RuleStatus = "paused"
)

// Recipient is a person reachable on one or more channels.
type Recipient struct {
	UserID    string             `json:"user_id"`
	Addresses map[Channel]string `json:"addresses"`
}

// AlertRule is a condition set attached to a monitor.
type AlertRule struct {
	ID              string      `json:"id"`
	MonitorID       string      `json:"monitor_id"`
	Name            string      `json:"name"`
	Conditions      Conditions  `json:"conditions"`
	Frequency       Frequency   `json:"frequency"`
	Channels        []Channel   `json:"channels"`
	Recipients      []Recipient `json:"recipients"`
	Status          RuleStatus  `json:"status"`
	CreatedBy       string      `json:"created_by"`
	LastTriggeredAt *time.Time  `json:"last_triggered_at,omitempty"`
}

// Severity of a fired alert, ordered low to critical.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

var severityByRank = []Severity{"", SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank orders severities; unknown values rank 0.
func (s Severity) Rank() int { return severityRank[s] }

// Escalate returns the next severity up, capped at critical.
func (s Severity) Escalate() Severity {
	r := s.Rank() + 1
	if r >= len(severityByRank) {
		return SeverityCritical
	}
	return severityByRank[r]
}

// Priority maps severity to a notification queue priority.
func (s Severity) Priority() Priority {
	switch s {
	case SeverityCritical:
		return PriorityUrgent
	case SeverityHigh:
		return PriorityHigh
	case SeverityLow:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Alert is one firing of a rule.
type Alert struct {
	ID          string                 `json:"id"`
	RuleID      string                 `json:"rule_id"`
	MonitorID   string                 `json:"monitor_id"`
	AlertType   string                 `json:"alert_type"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Message     string                 `json:"message"`
	MentionIDs  []string               `json:"mention_ids"`
	Metadata    map[string]interface{} `json:"metadata"`
	TriggeredAt time.Time              `json:"triggered_at"`
	ResolvedAt  *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy  string                 `json:"resolved_by,omitempty"`
}
