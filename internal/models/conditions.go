package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
)

// ClauseType names one of the independent alarm types of a rule.
type ClauseType string

const (
	ClauseSentiment   ClauseType = "sentiment"
	ClauseVolumeSpike ClauseType = "volume_spike"
	ClauseInfluencer  ClauseType = "influencer"
	ClausePriority    ClauseType = "priority"
	ClauseKeywords    ClauseType = "keywords"
)

// Clause is one enabled condition of an alert rule.
type Clause interface {
	Type() ClauseType
}

// SentimentClause fires on a mention whose sentiment crosses Threshold.
type SentimentClause struct {
	Threshold float64
	Operator  string // "below" or "above"
}

// VolumeSpikeClause fires when the window count exceeds Percentage% of the
// trailing baseline.
type VolumeSpikeClause struct {
	Percentage     float64
	TimeframeHours int
}

// InfluencerClause fires on authors with at least MinFollowers.
type InfluencerClause struct {
	MinFollowers int
}

// PriorityClause fires on mentions with priority_score >= MinScore.
type PriorityClause struct {
	MinScore int
}

// KeywordsClause fires when any/all Keywords appear in a mention.
type KeywordsClause struct {
	Keywords []string
	Operator string // "any" or "all"
}

func (SentimentClause) Type() ClauseType   { return ClauseSentiment }
func (VolumeSpikeClause) Type() ClauseType { return ClauseVolumeSpike }
func (InfluencerClause) Type() ClauseType  { return ClauseInfluencer }
func (PriorityClause) Type() ClauseType    { return ClausePriority }
func (KeywordsClause) Type() ClauseType    { return ClauseKeywords }

// Conditions is the decoded rule set. A nil field is a disabled clause.
type Conditions struct {
	Sentiment   *SentimentClause
	VolumeSpike *VolumeSpikeClause
	Influencer  *InfluencerClause
	Priority    *PriorityClause
	Keywords    *KeywordsClause
}

// Clauses returns the enabled clauses in evaluation order.
func (c Conditions) Clauses() []Clause {
	var out []Clause
	if c.Sentiment != nil {
		out = append(out, *c.Sentiment)
	}
	if c.VolumeSpike != nil {
		out = append(out, *c.VolumeSpike)
	}
	if c.Influencer != nil {
		out = append(out, *c.Influencer)
	}
	if c.Priority != nil {
		out = append(out, *c.Priority)
	}
	if c.Keywords != nil {
		out = append(out, *c.Keywords)
	}
	return out
}

// Wire shapes of the stored JSON document.
type sentimentJSON struct {
	Enabled   bool     `json:"enabled"`
	Threshold *float64 `json:"threshold"`
	Operator  string   `json:"operator"`
}

type volumeSpikeJSON struct {
	Enabled        bool     `json:"enabled"`
	Percentage     *float64 `json:"percentage"`
	TimeframeHours *int     `json:"timeframe_hours"`
}

type influencerJSON struct {
	Enabled      bool `json:"enabled"`
	MinFollowers *int `json:"min_followers"`
}

type priorityJSON struct {
	Enabled  bool `json:"enabled"`
	MinScore *int `json:"min_score"`
}

type keywordsJSON struct {
	Enabled  bool     `json:"enabled"`
	Keywords []string `json:"keywords"`
	Operator string   `json:"operator"`
}

type conditionsJSON struct {
	Sentiment   *sentimentJSON   `json:"sentiment,omitempty"`
	VolumeSpike *volumeSpikeJSON `json:"volume_spike,omitempty"`
	Influencer  *influencerJSON  `json:"influencer,omitempty"`
	Priority    *priorityJSON    `json:"priority,omitempty"`
	Keywords    *keywordsJSON    `json:"keywords,omitempty"`
}

// ParseConditions decodes the stored conditions document. Unknown clause
// names, unknown fields and enabled clauses with missing or invalid
// parameters are DataErrors.
func ParseConditions(data []byte) (Conditions, error) {
	const op = "parse conditions"

	var doc conditionsJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return Conditions{}, faults.Data(op, "%v", err)
	}

	var c Conditions
	if s := doc.Sentiment; s != nil && s.Enabled {
		if s.Threshold == nil || *s.Threshold < -1 || *s.Threshold > 1 {
			return Conditions{}, faults.Data(op, "sentiment threshold must be within [-1, 1]")
		}
		operator := strings.ToLower(s.Operator)
		if operator != "below" && operator != "above" {
			return Conditions{}, faults.Data(op, "sentiment operator %q", s.Operator)
		}
		c.Sentiment = &SentimentClause{Threshold: *s.Threshold, Operator: operator}
	}
	if v := doc.VolumeSpike; v != nil && v.Enabled {
		if v.Percentage == nil || *v.Percentage <= 0 {
			return Conditions{}, faults.Data(op, "volume_spike percentage must be positive")
		}
		if v.TimeframeHours == nil || *v.TimeframeHours <= 0 {
			return Conditions{}, faults.Data(op, "volume_spike timeframe_hours must be positive")
		}
		c.VolumeSpike = &VolumeSpikeClause{Percentage: *v.Percentage, TimeframeHours: *v.TimeframeHours}
	}
	if i := doc.Influencer; i != nil && i.Enabled {
		if i.MinFollowers == nil || *i.MinFollowers < 0 {
			return Conditions{}, faults.Data(op, "influencer min_followers must be >= 0")
		}
		c.Influencer = &InfluencerClause{MinFollowers: *i.MinFollowers}
	}
	if p := doc.Priority; p != nil && p.Enabled {
		if p.MinScore == nil {
			return Conditions{}, faults.Data(op, "priority min_score is required")
		}
		c.Priority = &PriorityClause{MinScore: *p.MinScore}
	}
	if k := doc.Keywords; k != nil && k.Enabled {
		operator := strings.ToLower(k.Operator)
		if operator == "" {
			operator = "any"
		}
		if operator != "any" && operator != "all" {
			return Conditions{}, faults.Data(op, "keywords operator %q", k.Operator)
		}
		var keywords []string
		for _, kw := range k.Keywords {
			if kw = strings.TrimSpace(kw); kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return Conditions{}, faults.Data(op, "keywords clause enabled with no keywords")
		}
		c.Keywords = &KeywordsClause{Keywords: keywords, Operator: operator}
	}

	return c, nil
}

// MarshalJSON writes the stored document shape, with disabled clauses
// omitted.
func (c Conditions) MarshalJSON() ([]byte, error) {
	var doc conditionsJSON
	if s := c.Sentiment; s != nil {
		doc.Sentiment = &sentimentJSON{Enabled: true, Threshold: &s.Threshold, Operator: s.Operator}
	}
	if v := c.VolumeSpike; v != nil {
		doc.VolumeSpike = &volumeSpikeJSON{Enabled: true, Percentage: &v.Percentage, TimeframeHours: &v.TimeframeHours}
	}
	if i := c.Influencer; i != nil {
		doc.Influencer = &influencerJSON{Enabled: true, MinFollowers: &i.MinFollowers}
	}
	if p := c.Priority; p != nil {
		doc.Priority = &priorityJSON{Enabled: true, MinScore: &p.MinScore}
	}
	if k := c.Keywords; k != nil {
		doc.Keywords = &keywordsJSON{Enabled: true, Keywords: k.Keywords, Operator: k.Operator}
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes through ParseConditions.
func (c *Conditions) UnmarshalJSON(data []byte) error {
	parsed, err := ParseConditions(data)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

func (c Conditions) String() string {
	names := make([]string, 0, 5)
	for _, cl := range c.Clauses() {
		names = append(names, string(cl.Type()))
	}
	return fmt.Sprintf("conditions[%s]", strings.Join(names, ","))
}
