package models

import "time"

// MonitorStatus is the lifecycle state of a monitor. Archived replaces a
// soft-delete flag.
type MonitorStatus string

const (
	MonitorActive   MonitorStatus = "active"
	MonitorPaused   MonitorStatus = "paused"
	MonitorArchived MonitorStatus = "archived"
)

// Monitor is a saved search tracked by a workspace.
type Monitor struct {
	ID               string        `json:"id"`
	WorkspaceID      string        `json:"workspace_id"`
	Name             string        `json:"name"`
	Keywords         []string      `json:"keywords"`
	NegativeKeywords []string      `json:"negative_keywords"`
	Platforms        []string      `json:"platforms"`
	Languages        []string      `json:"languages"`
	Status           MonitorStatus `json:"status"`
	IncludeRetweets  bool          `json:"include_retweets"`
	MinFollowers     int           `json:"min_followers"`
	LastMentionAt    *time.Time    `json:"last_mention_at,omitempty"`
}
