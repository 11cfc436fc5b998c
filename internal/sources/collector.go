package sources

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/pipeline"
)

// Collector polls the enabled sources and submits what they find through
// the ingestion contract.
type Collector struct {
	sources   []Source
	submitter pipeline.Submitter
	keywords  []string
	lookback  time.Duration
	log       *logrus.Entry
}

// RunStats summarizes one collection run.
type RunStats struct {
	Fetched  int
	Outcomes map[dedup.Outcome]int
	Failed   int
}

func NewCollector(sources []Source, submitter pipeline.Submitter, keywords []string, lookback time.Duration, log *logrus.Entry) *Collector {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Collector{
		sources:   sources,
		submitter: submitter,
		keywords:  keywords,
		lookback:  lookback,
		log:       log.WithField("component", "collector"),
	}
}

// Enabled reports whether any source would run.
func (c *Collector) Enabled() bool {
	for _, s := range c.sources {
		if s.IsEnabled() {
			return true
		}
	}
	return false
}

// Run fetches from every enabled source and submits each mention. Sources
// overlap across runs; the deduplicator absorbs the repeats.
func (c *Collector) Run(ctx context.Context) (RunStats, error) {
	stats := RunStats{Outcomes: make(map[dedup.Outcome]int)}
	var errs []error

	for _, source := range c.sources {
		if !source.IsEnabled() {
			continue
		}
		log := c.log.WithField("source", source.GetName())

		mentions, err := source.FetchMentions(ctx, c.keywords, c.lookback)
		if err != nil {
			log.Errorf("Failed to fetch mentions: %v", err)
			errs = append(errs, fmt.Errorf("%s: %w", source.GetName(), err))
			if ctx.Err() != nil {
				break
			}
		}
		stats.Fetched += len(mentions)

		for _, raw := range mentions {
			result, err := c.submitter.Submit(ctx, raw)
			if err != nil {
				stats.Failed++
				if !faults.IsKind(err, faults.KindData) {
					log.Warnf("Failed to submit %s/%s: %v", raw.Platform, raw.PlatformPostID, err)
				}
				if ctx.Err() != nil {
					return stats, ctx.Err()
				}
				continue
			}
			stats.Outcomes[result.Outcome]++
		}
		log.Infof("Collected %d mentions", len(mentions))
	}

	return stats, errors.Join(errs...)
}
