package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/sources"
)

const (
	// Lease recovery runs every minute, well inside the default lease.
	recoverSchedule = "0 * * * * *"
	// Stranded alerts are swept every minute, offset from lease recovery.
	redeliverSchedule = "30 * * * * *"
	// Idle rule state is pruned hourly.
	pruneSchedule = "0 0 * * * *"
	// The failed delivery archive is trimmed once a day.
	archiveSchedule = "0 30 3 * * *"
)

// Collector is a periodic source poll.
type Collector interface {
	Enabled() bool
	Run(ctx context.Context) (sources.RunStats, error)
}

// LeaseRecoverer returns abandoned delivery jobs to the queue.
type LeaseRecoverer interface {
	RecoverStale(ctx context.Context) (int, error)
}

// StatePruner drops idle rule window state.
type StatePruner interface {
	Prune(now time.Time) int
}

// AlertRedeliverer hands alerts without delivery jobs to the dispatcher.
type AlertRedeliverer interface {
	Redeliver(ctx context.Context, now time.Time) (int, error)
}

// ArchivePurger deletes archived records older than a cutoff.
type ArchivePurger interface {
	Purge(ctx context.Context, before time.Time) (int, error)
}

// Jobs lists the housekeeping the service runs. Any job may be nil.
type Jobs struct {
	CollectSchedule string
	Collector       Collector
	Recoverer       LeaseRecoverer
	Pruner          StatePruner
	Redeliverer     AlertRedeliverer

	Archive          ArchivePurger
	ArchiveRetention time.Duration
}

// Service runs the pipeline's housekeeping on cron schedules.
type Service struct {
	ctx     context.Context
	cron    *cron.Cron
	log     *logrus.Entry
	timeout time.Duration
	now     func() time.Time

	jobs Jobs
}

// NewService creates a new scheduler service. Jobs run with a context
// derived from ctx.
func NewService(ctx context.Context, jobs Jobs, log *logrus.Entry) *Service {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Service{
		ctx:     ctx,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		log:     log.WithField("component", "scheduler"),
		timeout: 5 * time.Minute,
		now:     time.Now,
		jobs:    jobs,
	}
}

// Start registers the jobs and begins the schedule.
func (s *Service) Start() error {
	if s.jobs.Collector != nil && s.jobs.Collector.Enabled() {
		if _, err := s.cron.AddFunc(s.jobs.CollectSchedule, s.Collect); err != nil {
			return fmt.Errorf("invalid collect schedule %q: %w", s.jobs.CollectSchedule, err)
		}
	}
	fixed := []struct {
		enabled  bool
		schedule string
		run      func()
	}{
		{s.jobs.Recoverer != nil, recoverSchedule, s.Recover},
		{s.jobs.Redeliverer != nil, redeliverSchedule, s.Redeliver},
		{s.jobs.Pruner != nil, pruneSchedule, s.Prune},
		{s.jobs.Archive != nil && s.jobs.ArchiveRetention > 0, archiveSchedule, s.PurgeArchive},
	}
	for _, job := range fixed {
		if !job.enabled {
			continue
		}
		if _, err := s.cron.AddFunc(job.schedule, job.run); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.log.Infof("Scheduler started with %d jobs", len(s.cron.Entries()))
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (s *Service) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.log.Info("Scheduler stopped")
	}
}

// Collect runs one collection pass.
func (s *Service) Collect() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	s.log.Info("Starting scheduled collection run")
	stats, err := s.jobs.Collector.Run(ctx)
	if err != nil {
		s.log.Errorf("Scheduled collection run failed: %v", err)
	}
	s.log.WithFields(logrus.Fields{
		"fetched":  stats.Fetched,
		"failed":   stats.Failed,
		"outcomes": stats.Outcomes,
	}).Info("Collection run finished")
}

// Recover returns expired delivery leases to the queue.
func (s *Service) Recover() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.jobs.Recoverer.RecoverStale(ctx); err != nil {
		s.log.Errorf("Lease recovery failed: %v", err)
	}
}

// Redeliver hands stranded alerts to the dispatcher.
func (s *Service) Redeliver() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	if _, err := s.jobs.Redeliverer.Redeliver(ctx, s.now()); err != nil {
		s.log.Errorf("Alert redelivery failed: %v", err)
	}
}

// Prune drops idle rule state.
func (s *Service) Prune() {
	if n := s.jobs.Pruner.Prune(s.now()); n > 0 {
		s.log.Infof("Pruned state of %d idle rules", n)
	}
}

// PurgeArchive deletes archived delivery failures past retention.
func (s *Service) PurgeArchive() {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	n, err := s.jobs.Archive.Purge(ctx, s.now().Add(-s.jobs.ArchiveRetention))
	if err != nil {
		s.log.Errorf("Archive purge failed: %v", err)
	}
	if n > 0 {
		s.log.Infof("Purged %d archived delivery failures", n)
	}
}
