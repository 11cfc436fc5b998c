package matcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// Matcher evaluates admitted mentions against every active monitor.
type Matcher struct {
	store storage.MonitorStore
	cfg   config.MatcherConfig
	log   *logrus.Entry
	now   func() time.Time
}

// New creates a Matcher reading monitors from store.
func New(store storage.MonitorStore, cfg config.MatcherConfig, log *logrus.Entry) *Matcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Matcher{
		store: store,
		cfg:   cfg,
		log:   log.WithField("component", "matcher"),
		now:   time.Now,
	}
}

// Match records one MonitorMention per monitor the mention satisfies and
// returns them. A pair that was already recorded by an earlier delivery of
// the same mention is returned again so downstream stages can finish work
// an interrupted run left behind. Failures on individual monitors do not
// stop the others; they are joined into the returned error.
func (m *Matcher) Match(ctx context.Context, mention *models.Mention) ([]models.MonitorMention, error) {
	if mention.IsDuplicate() {
		return nil, nil
	}

	monitors, err := m.store.ListActiveMonitors(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list monitors: %w", err)
	}

	var (
		mu      sync.Mutex
		matches []models.MonitorMention
		errs    []error
	)

	g := new(errgroup.Group)
	g.SetLimit(m.cfg.Concurrency)

	for i := range monitors {
		monitor := monitors[i]
		g.Go(func() error {
			keywords, score, ok := Evaluate(monitor, mention)
			if !ok {
				return nil
			}

			candidate := models.MonitorMention{
				ID:              uuid.NewString(),
				MonitorID:       monitor.ID,
				MentionID:       mention.ID,
				MatchedKeywords: keywords,
				MatchScore:      score,
				DetectedAt:      m.now(),
			}

			mm, err := m.record(ctx, candidate)
			if err != nil {
				m.log.WithFields(logrus.Fields{
					"monitor_id": monitor.ID,
					"mention_id": mention.ID,
				}).Errorf("Failed to record match: %v", err)

				mu.Lock()
				errs = append(errs, fmt.Errorf("monitor %s: %w", monitor.ID, err))
				mu.Unlock()
				return nil
			}

			mu.Lock()
			matches = append(matches, mm)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return matches, errors.Join(errs...)
}

// record stores mm, or on a replay returns the match stored earlier, and
// advances the monitor's last mention time.
func (m *Matcher) record(ctx context.Context, mm models.MonitorMention) (models.MonitorMention, error) {
	if err := m.store.InsertMonitorMention(ctx, &mm); err != nil {
		if !faults.IsKind(err, faults.KindConflict) {
			return mm, err
		}
		stored, err := m.store.GetMonitorMention(ctx, mm.MonitorID, mm.MentionID)
		if err != nil {
			return mm, err
		}
		m.log.WithFields(logrus.Fields{
			"monitor_id": mm.MonitorID,
			"mention_id": mm.MentionID,
		}).Debug("Match already recorded")
		mm = *stored
	}

	if err := m.store.TouchMonitor(ctx, mm.MonitorID, mm.DetectedAt); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return mm, err
	}
	return mm, nil
}

// Evaluate applies a monitor's filters to a mention and returns the matched
// keywords and the fraction of the monitor's keywords they represent.
func Evaluate(monitor models.Monitor, mention *models.Mention) ([]string, float64, bool) {
	if monitor.Status != models.MonitorActive {
		return nil, 0, false
	}
	// Platforms is required; an empty set selects nothing.
	if !containsFold(monitor.Platforms, mention.Platform) {
		return nil, 0, false
	}
	// A mention without a detected language is not excluded by a language filter.
	if len(monitor.Languages) > 0 && mention.Language != "" && !containsFold(monitor.Languages, mention.Language) {
		return nil, 0, false
	}
	if mention.Author.FollowerCount < monitor.MinFollowers {
		return nil, 0, false
	}
	if mention.IsRepost() && !monitor.IncludeRetweets {
		return nil, 0, false
	}
	if len(monitor.Keywords) == 0 {
		return nil, 0, false
	}

	content := mention.NormalizedContent
	if content == "" {
		content = dedup.Normalize(mention.Content)
	}

	for _, neg := range monitor.NegativeKeywords {
		if term := dedup.Normalize(neg); term != "" && strings.Contains(content, term) {
			return nil, 0, false
		}
	}

	var matched []string
	for _, kw := range monitor.Keywords {
		if term := dedup.Normalize(kw); term != "" && strings.Contains(content, term) {
			matched = append(matched, kw)
		}
	}
	if len(matched) == 0 {
		return nil, 0, false
	}

	return matched, float64(len(matched)) / float64(len(monitor.Keywords)), true
}

func containsFold(set []string, value string) bool {
	for _, s := range set {
		if strings.EqualFold(strings.TrimSpace(s), value) {
			return true
		}
	}
	return false
}
