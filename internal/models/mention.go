package models

import (
	"strings"
	"time"
)

// ProcessingStatus tracks a mention through the pipeline.
type ProcessingStatus string

const (
	StatusPending   ProcessingStatus = "pending"
	StatusProcessed ProcessingStatus = "processed"
	StatusError     ProcessingStatus = "error"
)

// CategoryDuplicate marks near-duplicates kept for analytics only.
const CategoryDuplicate = "duplicate"

// Author identifies who published a mention on its platform.
type Author struct {
	ID            string `json:"id"`
	Username      string `json:"username,omitempty"`
	FollowerCount int    `json:"follower_count"`
}

// Engagement holds the platform counters of a post.
type Engagement struct {
	Likes    int `json:"likes"`
	Shares   int `json:"shares"`
	Comments int `json:"comments"`
	Views    int `json:"views"`
}

// Add returns the element-wise sum of e and o.
func (e Engagement) Add(o Engagement) Engagement {
	return Engagement{
		Likes:    e.Likes + o.Likes,
		Shares:   e.Shares + o.Shares,
		Comments: e.Comments + o.Comments,
		Views:    e.Views + o.Views,
	}
}

// RawMention is what collectors submit to the ingestion contract.
type RawMention struct {
	Platform       string     `json:"platform"`
	PlatformPostID string     `json:"platform_post_id"`
	Author         Author     `json:"author"`
	Content        string     `json:"content"`
	Language       string     `json:"language,omitempty"`
	PostType       string     `json:"post_type,omitempty"`
	URL            string     `json:"url,omitempty"`
	Hashtags       []string   `json:"hashtags,omitempty"`
	PublishedAt    time.Time  `json:"published_at"`
	Engagement     Engagement `json:"engagement"`

	// Analysis scores, when the collector already computed them.
	SentimentScore  *float64 `json:"sentiment_score,omitempty"`
	SentimentLabel  string   `json:"sentiment_label,omitempty"`
	ToxicityScore   *float64 `json:"toxicity_score,omitempty"`
	SpamProbability *float64 `json:"spam_probability,omitempty"`
	PriorityScore   int      `json:"priority_score,omitempty"`
}

// Mention is a stored, collected post.
type Mention struct {
	ID                string           `json:"id"`
	Platform          string           `json:"platform"`
	PlatformPostID    string           `json:"platform_post_id"`
	Author            Author           `json:"author"`
	Content           string           `json:"content"`
	NormalizedContent string           `json:"normalized_content"`
	Language          string           `json:"language,omitempty"`
	PostType          string           `json:"post_type"`
	URL               string           `json:"url,omitempty"`
	Hashtags          []string         `json:"hashtags,omitempty"`
	PublishedAt       time.Time        `json:"published_at"`
	CollectedAt       time.Time        `json:"collected_at"`
	Engagement        Engagement       `json:"engagement"`
	SentimentScore    *float64         `json:"sentiment_score,omitempty"`
	SentimentLabel    string           `json:"sentiment_label,omitempty"`
	ToxicityScore     *float64         `json:"toxicity_score,omitempty"`
	SpamProbability   *float64         `json:"spam_probability,omitempty"`
	Category          string           `json:"category,omitempty"`
	PriorityScore     int              `json:"priority_score"`
	DuplicateOf       string           `json:"duplicate_of,omitempty"`
	Status            ProcessingStatus `json:"processing_status"`
}

// IsRepost reports whether the post re-shares someone else's content.
func (m *Mention) IsRepost() bool {
	switch strings.ToLower(m.PostType) {
	case "repost", "retweet", "share":
		return true
	}
	return false
}

// IsDuplicate reports whether the mention was admitted as a near-duplicate.
func (m *Mention) IsDuplicate() bool {
	return m.Category == CategoryDuplicate
}

// Fingerprint is the 1:1 dedup record of a Mention.
type Fingerprint struct {
	MentionID      string    `json:"mention_id"`
	ContentHash    string    `json:"content_hash"`
	SimilarityHash uint64    `json:"similarity_hash"`
	CreatedAt      time.Time `json:"created_at"`
}

// MonitorMention records that a mention matched a monitor. Never mutated.
type MonitorMention struct {
	ID              string    `json:"id"`
	MonitorID       string    `json:"monitor_id"`
	MentionID       string    `json:"mention_id"`
	MatchedKeywords []string  `json:"matched_keywords"`
	MatchScore      float64   `json:"match_score"`
	DetectedAt      time.Time `json:"detected_at"`
}
