package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// Store is the persistence the evaluator needs.
type Store interface {
	storage.RuleStore
	storage.AlertStore
}

// Notifier turns a created alert into delivery jobs.
type Notifier interface {
	Enqueue(ctx context.Context, alert *models.Alert, rule models.AlertRule) ([]models.Delivery, error)
}

// Event is one recorded match handed to the evaluator.
type Event struct {
	Match   models.MonitorMention
	Mention *models.Mention
}

// Evaluator runs the alert rules of a monitor against its match stream.
type Evaluator struct {
	store    Store
	notifier Notifier
	cfg      config.EvaluatorConfig
	log      *logrus.Entry

	mu     sync.Mutex
	states map[string]*ruleState
	rules  map[string]models.AlertRule
}

// New creates an Evaluator.
func New(store Store, notifier Notifier, cfg config.EvaluatorConfig, log *logrus.Entry) *Evaluator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.BaselineWindows < 1 {
		cfg.BaselineWindows = 1
	}
	return &Evaluator{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		log:      log.WithField("component", "evaluator"),
		states:   make(map[string]*ruleState),
		rules:    make(map[string]models.AlertRule),
	}
}

func (e *Evaluator) state(rule models.AlertRule) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rules[rule.ID] = rule
	st, ok := e.states[rule.ID]
	if !ok {
		st = newRuleState(rule)
		e.states[rule.ID] = st
	}
	return st
}

// Evaluate runs every active rule of the event's monitor and returns the
// alerts created. A failing rule does not stop the others; failures are
// joined into the returned error and the rule is retried on its next event.
func (e *Evaluator) Evaluate(ctx context.Context, ev Event) ([]*models.Alert, error) {
	if ev.Mention == nil || ev.Mention.IsDuplicate() {
		return nil, nil
	}

	rules, err := e.store.ListRulesByMonitor(ctx, ev.Match.MonitorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules for monitor %s: %w", ev.Match.MonitorID, err)
	}

	var alerts []*models.Alert
	var errs []error
	for _, rule := range rules {
		if rule.Status != models.RuleActive {
			continue
		}
		if len(rule.Conditions.Clauses()) == 0 {
			e.log.WithField("rule_id", rule.ID).Warn(faults.Config("evaluate rule", "rule %s has no enabled conditions", rule.ID))
			continue
		}

		alert, err := e.evaluateRule(ctx, rule, ev)
		if err != nil {
			e.log.WithFields(logrus.Fields{
				"rule_id":    rule.ID,
				"mention_id": ev.Mention.ID,
			}).Errorf("Rule evaluation failed: %v", err)
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			continue
		}
		if alert != nil {
			alerts = append(alerts, alert)
		}
	}

	return alerts, errors.Join(errs...)
}

func (e *Evaluator) evaluateRule(ctx context.Context, rule models.AlertRule, ev Event) (*models.Alert, error) {
	st := e.state(rule)
	st.mu.Lock()
	defer st.mu.Unlock()

	e.redeliver(ctx, st, rule)

	at := ev.Match.DetectedAt
	if at.IsZero() {
		at = time.Now()
	}

	var hits []hit
	if st.observe(ev.Mention, at) {
		hits = e.check(rule, st, ev.Mention, at)
		if len(hits) > 0 {
			st.accumulate(ev.Mention.ID)
		}
	}

	// An alert whose write failed goes first, whatever this event did. It
	// carries every mention accumulated since.
	if st.unsaved != nil {
		alert := st.unsaved
		if err := e.persist(ctx, st, rule, alert, st.unsavedClauses); err != nil {
			return nil, err
		}
		st.unsaved, st.unsavedClauses = nil, nil
		return alert, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	interval := rule.Frequency.Interval()
	var active []hit
	for _, h := range hits {
		if st.throttled(h.clause, interval, at) {
			continue
		}
		active = append(active, h)
	}
	if len(active) == 0 {
		e.log.WithFields(logrus.Fields{
			"rule_id":    rule.ID,
			"mention_id": ev.Mention.ID,
		}).Debugf("Rule throttled, %d mentions pending", len(st.pending))
		return nil, nil
	}

	alert := e.buildAlert(rule, st, active, ev, at)
	clauses := make([]models.ClauseType, 0, len(active))
	for _, h := range active {
		clauses = append(clauses, h.clause)
	}
	if err := e.persist(ctx, st, rule, alert, clauses); err != nil {
		st.unsaved, st.unsavedClauses = alert, clauses
		return nil, err
	}
	return alert, nil
}

// persist stores alert with the mentions pending on st, starts the throttle
// of its clauses and hands it to the notifier. An alert that already exists
// counts as stored.
func (e *Evaluator) persist(ctx context.Context, st *ruleState, rule models.AlertRule, alert *models.Alert, clauses []models.ClauseType) error {
	alert.MentionIDs = append([]string(nil), st.pending...)
	if err := e.store.CreateAlert(ctx, alert); err != nil && !faults.IsKind(err, faults.KindConflict) {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	for _, c := range clauses {
		st.lastFired[c] = alert.TriggeredAt
	}
	st.resetPending()

	if err := e.store.MarkRuleTriggered(ctx, rule.ID, alert.TriggeredAt); err != nil {
		e.log.WithField("rule_id", rule.ID).Warnf("Failed to record trigger time: %v", err)
	}

	e.log.WithFields(logrus.Fields{
		"rule_id":  rule.ID,
		"alert_id": alert.ID,
		"severity": alert.Severity,
	}).Infof("Alert fired for %d mentions", len(alert.MentionIDs))

	if e.notifier != nil {
		if _, err := e.notifier.Enqueue(ctx, alert, rule); err != nil {
			e.log.WithField("alert_id", alert.ID).Errorf("Failed to enqueue deliveries, will retry: %v", err)
			st.undelivered = append(st.undelivered, alert)
		}
	}
	return nil
}

// redeliver retries handing earlier alerts of the rule to the dispatcher.
func (e *Evaluator) redeliver(ctx context.Context, st *ruleState, rule models.AlertRule) {
	if e.notifier == nil || len(st.undelivered) == 0 {
		return
	}
	var still []*models.Alert
	for _, alert := range st.undelivered {
		if _, err := e.notifier.Enqueue(ctx, alert, rule); err != nil {
			e.log.WithField("alert_id", alert.ID).Warnf("Delivery enqueue retry failed: %v", err)
			still = append(still, alert)
		}
	}
	st.undelivered = still
}

func (e *Evaluator) check(rule models.AlertRule, st *ruleState, m *models.Mention, at time.Time) []hit {
	var hits []hit
	c := rule.Conditions

	if c.Sentiment != nil {
		if h, ok := checkSentiment(*c.Sentiment, m); ok {
			hits = append(hits, h)
		}
	}
	if c.VolumeSpike != nil {
		w := st.volume(at, c.VolumeSpike.TimeframeHours, e.cfg.BaselineWindows, e.cfg.BaselineFloor)
		if h, ok := checkVolume(*c.VolumeSpike, w); ok {
			hits = append(hits, h)
		}
	}
	if c.Influencer != nil {
		if h, ok := checkInfluencer(*c.Influencer, m); ok {
			hits = append(hits, h)
		}
	}
	if c.Priority != nil {
		if h, ok := checkPriority(*c.Priority, m); ok {
			hits = append(hits, h)
		}
	}
	if c.Keywords != nil {
		if h, ok := checkKeywords(*c.Keywords, m); ok {
			hits = append(hits, h)
		}
	}
	return hits
}

func (e *Evaluator) buildAlert(rule models.AlertRule, st *ruleState, active []hit, ev Event, at time.Time) *models.Alert {
	clauses := make([]string, 0, len(active))
	reasons := make([]string, 0, len(active))
	for _, h := range active {
		clauses = append(clauses, string(h.clause))
		reasons = append(reasons, h.reason)
	}

	alertType := "combined"
	if len(active) == 1 {
		alertType = string(active[0].clause)
	}

	window := 24
	if rule.Conditions.VolumeSpike != nil {
		window = rule.Conditions.VolumeSpike.TimeframeHours
	}
	stats := st.sum(hourOf(at), window)

	metadata := map[string]interface{}{
		"clauses":          clauses,
		"matched_keywords": ev.Match.MatchedKeywords,
		"match_score":      ev.Match.MatchScore,
		"window_hours":     window,
		"window_mentions":  stats.count,
		"negative":         stats.negative,
		"positive":         stats.positive,
		"max_followers":    stats.followerMax,
		"max_priority":     stats.priorityMax,
	}
	if stats.sentimentN > 0 {
		metadata["avg_sentiment"] = stats.sentimentSum / float64(stats.sentimentN)
	}
	if stats.count > 0 {
		metadata["avg_followers"] = float64(stats.followerSum) / float64(stats.count)
	}

	name := rule.Name
	if name == "" {
		name = rule.ID
	}

	return &models.Alert{
		ID:          uuid.NewString(),
		RuleID:      rule.ID,
		MonitorID:   rule.MonitorID,
		AlertType:   alertType,
		Severity:    severityOf(active),
		Title:       fmt.Sprintf("%s: %s", name, strings.Join(clauses, " + ")),
		Message:     strings.Join(reasons, "; "),
		MentionIDs:  append([]string(nil), st.pending...),
		Metadata:    metadata,
		TriggeredAt: at,
	}
}

// Prune drops window observations older than the retention period and
// forgets idle rules. It returns the number of rule states removed.
func (e *Evaluator) Prune(now time.Time) int {
	cutoff := now.Add(-e.cfg.StateRetention)

	e.mu.Lock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	removed := 0
	for _, id := range ids {
		e.mu.Lock()
		st, ok := e.states[id]
		rule := e.rules[id]
		e.mu.Unlock()
		if !ok {
			continue
		}

		horizon := 24
		if v := rule.Conditions.VolumeSpike; v != nil {
			horizon = v.TimeframeHours * (e.cfg.BaselineWindows + 1)
		}

		st.mu.Lock()
		idle := st.prune(cutoff, horizon)
		st.mu.Unlock()

		if idle {
			e.mu.Lock()
			delete(e.states, id)
			delete(e.rules, id)
			e.mu.Unlock()
			removed++
		}
	}
	return removed
}

// Tracked returns the number of rules with window state.
func (e *Evaluator) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.states)
}

// Redeliver retries alerts that were not handed to the notifier. It first
// flushes the alerts held in rule state, then sweeps the store for alerts
// triggered within the redelivery window that still have no delivery job,
// which covers alerts stranded by a restart. It returns how many alerts were
// handed over.
func (e *Evaluator) Redeliver(ctx context.Context, now time.Time) (int, error) {
	if e.notifier == nil {
		return 0, nil
	}

	e.mu.Lock()
	ids := make([]string, 0, len(e.states))
	for id := range e.states {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		e.mu.Lock()
		st, ok := e.states[id]
		rule := e.rules[id]
		e.mu.Unlock()
		if !ok {
			continue
		}

		st.mu.Lock()
		if st.unsaved != nil {
			if err := e.persist(ctx, st, rule, st.unsaved, st.unsavedClauses); err != nil {
				errs = append(errs, fmt.Errorf("rule %s: %w", rule.ID, err))
			} else {
				st.unsaved, st.unsavedClauses = nil, nil
			}
		}
		e.redeliver(ctx, st, rule)
		st.mu.Unlock()
	}

	if e.cfg.RedeliverWindow <= 0 {
		return 0, errors.Join(errs...)
	}
	alerts, err := e.store.ListUndeliveredAlerts(ctx, now.Add(-e.cfg.RedeliverWindow))
	if err != nil {
		return 0, errors.Join(append(errs, err)...)
	}

	rulesByMonitor := make(map[string][]models.AlertRule)
	handed := 0
	for i := range alerts {
		alert := &alerts[i]
		rules, ok := rulesByMonitor[alert.MonitorID]
		if !ok {
			if rules, err = e.store.ListRulesByMonitor(ctx, alert.MonitorID); err != nil {
				errs = append(errs, fmt.Errorf("failed to list rules for monitor %s: %w", alert.MonitorID, err))
				continue
			}
			rulesByMonitor[alert.MonitorID] = rules
		}

		rule, found := findRule(rules, alert.RuleID)
		if !found {
			e.log.WithField("alert_id", alert.ID).Debugf("Rule %s no longer exists, alert left undelivered", alert.RuleID)
			continue
		}
		ds, err := e.notifier.Enqueue(ctx, alert, rule)
		if err != nil {
			errs = append(errs, fmt.Errorf("alert %s: %w", alert.ID, err))
			continue
		}
		if len(ds) > 0 {
			handed++
		}
	}

	if handed > 0 {
		e.log.Infof("Handed %d stranded alerts to delivery", handed)
	}
	return handed, errors.Join(errs...)
}

func findRule(rules []models.AlertRule, id string) (models.AlertRule, bool) {
	for _, r := range rules {
		if r.ID == id {
			return r, true
		}
	}
	return models.AlertRule{}, false
}
