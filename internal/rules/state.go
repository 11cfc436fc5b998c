package rules

import (
	"sync"
	"time"

	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// bucket aggregates the mentions of one clock hour.
type bucket struct {
	count        int
	sentimentSum float64
	sentimentN   int
	negative     int
	positive     int
	followerSum  int
	followerMax  int
	priorityMax  int
}

// ruleState is the running window of one rule. It is only touched with mu
// held, which serializes evaluation per rule.
type ruleState struct {
	mu sync.Mutex

	seen      map[string]time.Time // mention id -> event time
	buckets   map[int64]*bucket    // hour index -> aggregates
	lastFired map[models.ClauseType]time.Time

	// Mention ids that triggered a clause since the last alert.
	pending    []string
	pendingSet map[string]bool

	// Alerts created but not yet handed to the dispatcher.
	undelivered []*models.Alert

	// An alert that fired but could not be stored, with the clauses it
	// throttles once it is.
	unsaved        *models.Alert
	unsavedClauses []models.ClauseType

	lastEvent time.Time
}

func newRuleState(rule models.AlertRule) *ruleState {
	st := &ruleState{
		seen:       make(map[string]time.Time),
		buckets:    make(map[int64]*bucket),
		lastFired:  make(map[models.ClauseType]time.Time),
		pendingSet: make(map[string]bool),
	}
	// After a restart the persisted trigger time throttles every clause.
	if rule.LastTriggeredAt != nil {
		for _, c := range rule.Conditions.Clauses() {
			st.lastFired[c.Type()] = *rule.LastTriggeredAt
		}
	}
	return st
}

func hourOf(t time.Time) int64 {
	return t.Unix() / 3600
}

// observe records a mention once. It reports false for a mention already seen.
func (st *ruleState) observe(m *models.Mention, at time.Time) bool {
	if _, ok := st.seen[m.ID]; ok {
		return false
	}
	st.seen[m.ID] = at
	if at.After(st.lastEvent) {
		st.lastEvent = at
	}

	h := hourOf(at)
	b := st.buckets[h]
	if b == nil {
		b = &bucket{}
		st.buckets[h] = b
	}
	b.count++
	if m.SentimentScore != nil {
		b.sentimentSum += *m.SentimentScore
		b.sentimentN++
		switch {
		case *m.SentimentScore < 0:
			b.negative++
		case *m.SentimentScore > 0:
			b.positive++
		}
	}
	b.followerSum += m.Author.FollowerCount
	if m.Author.FollowerCount > b.followerMax {
		b.followerMax = m.Author.FollowerCount
	}
	if m.PriorityScore > b.priorityMax {
		b.priorityMax = m.PriorityScore
	}
	return true
}

// sum folds the buckets of the hours in (to-hours, to].
func (st *ruleState) sum(to int64, hours int) bucket {
	var out bucket
	for h := to - int64(hours) + 1; h <= to; h++ {
		b := st.buckets[h]
		if b == nil {
			continue
		}
		out.count += b.count
		out.sentimentSum += b.sentimentSum
		out.sentimentN += b.sentimentN
		out.negative += b.negative
		out.positive += b.positive
		out.followerSum += b.followerSum
		if b.followerMax > out.followerMax {
			out.followerMax = b.followerMax
		}
		if b.priorityMax > out.priorityMax {
			out.priorityMax = b.priorityMax
		}
	}
	return out
}

// volume compares the last timeframe hours against the mean of the
// baselineWindows windows of equal length before it.
func (st *ruleState) volume(at time.Time, timeframe, baselineWindows int, floor float64) volumeWindow {
	h := hourOf(at)
	current := st.sum(h, timeframe).count
	previous := st.sum(h-int64(timeframe), timeframe*baselineWindows).count

	baseline := float64(previous) / float64(baselineWindows)
	if baseline < floor {
		baseline = floor
	}
	return volumeWindow{current: current, baseline: baseline}
}

// accumulate adds a triggering mention to the next alert.
func (st *ruleState) accumulate(id string) {
	if st.pendingSet[id] {
		return
	}
	st.pendingSet[id] = true
	st.pending = append(st.pending, id)
}

func (st *ruleState) resetPending() {
	st.pending = nil
	st.pendingSet = make(map[string]bool)
}

func (st *ruleState) throttled(clause models.ClauseType, interval time.Duration, at time.Time) bool {
	if interval <= 0 {
		return false
	}
	last, ok := st.lastFired[clause]
	return ok && at.Sub(last) < interval
}

// prune drops observations older than cutoff and buckets beyond the
// volume horizon. It reports whether the state is idle and can be dropped.
func (st *ruleState) prune(cutoff time.Time, horizonHours int) bool {
	for id, at := range st.seen {
		if at.Before(cutoff) {
			delete(st.seen, id)
		}
	}

	oldest := hourOf(st.lastEvent) - int64(horizonHours)
	if c := hourOf(cutoff); c < oldest {
		oldest = c
	}
	for h := range st.buckets {
		if h < oldest {
			delete(st.buckets, h)
		}
	}

	return st.lastEvent.Before(cutoff) && len(st.pending) == 0 && len(st.undelivered) == 0 && st.unsaved == nil
}
