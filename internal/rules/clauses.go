package rules

import (
	"fmt"
	"math"
	"strings"

	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// hit is one clause that fired for an event.
type hit struct {
	clause   models.ClauseType
	severity models.Severity
	reason   string
}

// volumeWindow is the count of the current window and the baseline it is
// compared against.
type volumeWindow struct {
	current  int
	baseline float64
}

// checkSentiment fires when the score crosses the threshold strictly. A
// mention without a score never fires.
func checkSentiment(c models.SentimentClause, m *models.Mention) (hit, bool) {
	if m.SentimentScore == nil {
		return hit{}, false
	}
	score := *m.SentimentScore

	var fired bool
	switch c.Operator {
	case "below":
		fired = score < c.Threshold
	case "above":
		fired = score > c.Threshold
	}
	if !fired {
		return hit{}, false
	}

	severity := models.SeverityMedium
	if math.Abs(score-c.Threshold) >= 0.5 {
		severity = models.SeverityHigh
	}
	return hit{
		clause:   models.ClauseSentiment,
		severity: severity,
		reason:   fmt.Sprintf("sentiment %.2f is %s %.2f", score, c.Operator, c.Threshold),
	}, true
}

func checkVolume(c models.VolumeSpikeClause, w volumeWindow) (hit, bool) {
	limit := w.baseline * c.Percentage / 100
	if float64(w.current) <= limit {
		return hit{}, false
	}
	return hit{
		clause:   models.ClauseVolumeSpike,
		severity: models.SeverityHigh,
		reason: fmt.Sprintf("%d mentions in %dh against a baseline of %.1f (limit %.0f%%)",
			w.current, c.TimeframeHours, w.baseline, c.Percentage),
	}, true
}

func checkInfluencer(c models.InfluencerClause, m *models.Mention) (hit, bool) {
	if m.Author.FollowerCount < c.MinFollowers {
		return hit{}, false
	}
	author := m.Author.Username
	if author == "" {
		author = m.Author.ID
	}
	return hit{
		clause:   models.ClauseInfluencer,
		severity: models.SeverityHigh,
		reason:   fmt.Sprintf("author %s has %d followers", author, m.Author.FollowerCount),
	}, true
}

func checkPriority(c models.PriorityClause, m *models.Mention) (hit, bool) {
	if m.PriorityScore < c.MinScore {
		return hit{}, false
	}
	return hit{
		clause:   models.ClausePriority,
		severity: models.SeverityMedium,
		reason:   fmt.Sprintf("priority score %d reached %d", m.PriorityScore, c.MinScore),
	}, true
}

func checkKeywords(c models.KeywordsClause, m *models.Mention) (hit, bool) {
	content := m.NormalizedContent
	if content == "" {
		content = dedup.Normalize(m.Content)
	}

	var present []string
	for _, kw := range c.Keywords {
		if term := dedup.Normalize(kw); term != "" && strings.Contains(content, term) {
			present = append(present, kw)
		}
	}

	var fired bool
	switch c.Operator {
	case "all":
		fired = len(present) == len(c.Keywords)
	default:
		fired = len(present) > 0
	}
	if !fired {
		return hit{}, false
	}
	return hit{
		clause:   models.ClauseKeywords,
		severity: models.SeverityLow,
		reason:   fmt.Sprintf("keywords %s matched (%s)", strings.Join(present, ", "), c.Operator),
	}, true
}

// severityOf returns the strongest clause severity, escalated one level
// when more than one clause fired together.
func severityOf(hits []hit) models.Severity {
	var best models.Severity
	for _, h := range hits {
		if h.severity.Rank() > best.Rank() {
			best = h.severity
		}
	}
	if len(hits) > 1 {
		best = best.Escalate()
	}
	return best
}
