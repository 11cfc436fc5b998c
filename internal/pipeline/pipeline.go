// Package pipeline connects the deduplicator, matcher and rule evaluator
// with bounded queues and worker pools.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/rules"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// ErrClosed is returned by Submit once Stop has been called.
var ErrClosed = errors.New("pipeline is closed")

// Deduplicator is the ingestion stage.
type Deduplicator interface {
	Process(ctx context.Context, raw models.RawMention) (dedup.Result, error)
}

// Matcher is the monitor matching stage.
type Matcher interface {
	Match(ctx context.Context, mention *models.Mention) ([]models.MonitorMention, error)
}

// Evaluator is the rule evaluation stage.
type Evaluator interface {
	Evaluate(ctx context.Context, ev rules.Event) ([]*models.Alert, error)
}

// Submitter is the ingestion contract collectors and transports call.
type Submitter interface {
	Submit(ctx context.Context, raw models.RawMention) (dedup.Result, error)
}

type submission struct {
	ctx   context.Context
	raw   models.RawMention
	reply chan reply
}

type reply struct {
	result dedup.Result
	err    error
}

// job follows one admitted mention until every match it produced has been
// evaluated.
type job struct {
	mention *models.Mention
	pending atomic.Int32
	failed  atomic.Bool
}

type evalItem struct {
	event rules.Event
	job   *job
}

// Pipeline runs the processing stages. Evaluation is sharded by monitor so
// each rule's window state is only touched by one worker at a time.
type Pipeline struct {
	dedup     Deduplicator
	matcher   Matcher
	evaluator Evaluator
	mentions  storage.MentionStore
	cfg       config.PipelineConfig
	metrics   *Metrics
	log       *logrus.Entry

	dedupQ chan submission
	matchQ chan *job
	evalQs []chan evalItem

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	started bool

	dedupWG sync.WaitGroup
	matchWG sync.WaitGroup
	evalWG  sync.WaitGroup
}

// New creates a Pipeline. Call Start before submitting.
func New(d Deduplicator, m Matcher, e Evaluator, mentions storage.MentionStore, cfg config.PipelineConfig, metrics *Metrics, log *logrus.Entry) *Pipeline {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	cfg.QueueSize = atLeast(cfg.QueueSize, 1)
	cfg.DedupWorkers = atLeast(cfg.DedupWorkers, 1)
	cfg.MatchWorkers = atLeast(cfg.MatchWorkers, 1)
	cfg.EvalWorkers = atLeast(cfg.EvalWorkers, 1)

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		dedup:     d,
		matcher:   m,
		evaluator: e,
		mentions:  mentions,
		cfg:       cfg,
		metrics:   metrics,
		log:       log.WithField("component", "pipeline"),
		dedupQ:    make(chan submission, cfg.QueueSize),
		matchQ:    make(chan *job, cfg.QueueSize),
		evalQs:    make([]chan evalItem, cfg.EvalWorkers),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := range p.evalQs {
		p.evalQs[i] = make(chan evalItem, cfg.QueueSize)
	}
	return p
}

func atLeast(v, min int) int {
	if v < min {
		return min
	}
	return v
}

// Metrics returns the pipeline's metrics.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// Start launches the worker pools.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.DedupWorkers; i++ {
		p.dedupWG.Add(1)
		go p.dedupWorker()
	}
	for i := 0; i < p.cfg.MatchWorkers; i++ {
		p.matchWG.Add(1)
		go p.matchWorker()
	}
	for i := range p.evalQs {
		p.evalWG.Add(1)
		go p.evalWorker(p.evalQs[i])
	}

	p.log.WithFields(logrus.Fields{
		"dedup_workers": p.cfg.DedupWorkers,
		"match_workers": p.cfg.MatchWorkers,
		"eval_shards":   len(p.evalQs),
	}).Info("Pipeline started")
}

// Stop refuses new submissions and drains the stages in order. If ctx ends
// first, in-flight work is aborted and ctx's error returned.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		close(p.dedupQ)
		p.dedupWG.Wait()
		close(p.matchQ)
		p.matchWG.Wait()
		for _, q := range p.evalQs {
			close(q)
		}
		p.evalWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("Pipeline drained")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.log.Warn("Pipeline stopped before draining")
		return ctx.Err()
	}
}

// Submit hands raw to the deduplicator and waits for its verdict. Matching
// and evaluation continue asynchronously. A full queue blocks until ctx
// ends.
func (p *Pipeline) Submit(ctx context.Context, raw models.RawMention) (dedup.Result, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return dedup.Result{}, ErrClosed
	}

	s := submission{ctx: ctx, raw: raw, reply: make(chan reply, 1)}
	select {
	case p.dedupQ <- s:
		p.metrics.queueDepth.WithLabelValues("dedup").Inc()
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return dedup.Result{}, faults.Wrap(faults.KindTransient, "submit", ctx.Err())
	}

	select {
	case r := <-s.reply:
		return r.result, r.err
	case <-ctx.Done():
		return dedup.Result{}, faults.Wrap(faults.KindTransient, "submit", ctx.Err())
	}
}

func (p *Pipeline) dedupWorker() {
	defer p.dedupWG.Done()

	for s := range p.dedupQ {
		p.metrics.queueDepth.WithLabelValues("dedup").Dec()
		started := time.Now()

		result, err := p.dedup.Process(s.ctx, s.raw)
		p.metrics.stageDuration.WithLabelValues("dedup").Observe(time.Since(started).Seconds())
		s.reply <- reply{result: result, err: err}

		log := p.log.WithFields(logrus.Fields{
			"platform": s.raw.Platform,
			"post_id":  s.raw.PlatformPostID,
		})
		if err != nil {
			outcome := string(result.Outcome)
			if outcome == "" {
				outcome = "error"
			}
			p.metrics.mentionsIngested.WithLabelValues(outcome).Inc()
			if faults.IsKind(err, faults.KindData) {
				log.Warnf("Rejected mention: %v", err)
			} else {
				log.Errorf("Deduplication failed: %v", err)
			}
			continue
		}
		p.metrics.mentionsIngested.WithLabelValues(string(result.Outcome)).Inc()

		switch result.Outcome {
		case dedup.OutcomeAdmitted:
			p.enqueueMatch(result.Mention)
		case dedup.OutcomeNearDuplicate:
			p.setStatus(result.MentionID, models.StatusProcessed)
		case dedup.OutcomeDuplicate:
			p.resume(result.MentionID)
		}
	}
}

// resume re-runs matching for a replayed mention whose earlier run was
// interrupted or failed.
func (p *Pipeline) resume(id string) {
	m, err := p.mentions.GetMention(p.ctx, id)
	if err != nil {
		p.log.WithField("mention_id", id).Errorf("Failed to load replayed mention: %v", err)
		return
	}
	if m.Status != models.StatusProcessed && !m.IsDuplicate() {
		p.log.WithField("mention_id", id).Info("Resuming unfinished mention")
		p.enqueueMatch(m)
	}
}

func (p *Pipeline) enqueueMatch(m *models.Mention) {
	p.matchQ <- &job{mention: m}
	p.metrics.queueDepth.WithLabelValues("match").Inc()
}

func (p *Pipeline) matchWorker() {
	defer p.matchWG.Done()

	for j := range p.matchQ {
		p.metrics.queueDepth.WithLabelValues("match").Dec()
		started := time.Now()

		matches, err := p.matcher.Match(p.ctx, j.mention)
		p.metrics.stageDuration.WithLabelValues("match").Observe(time.Since(started).Seconds())
		if err != nil {
			j.failed.Store(true)
			p.log.WithField("mention_id", j.mention.ID).Errorf("Matching failed: %v", err)
		}
		p.metrics.monitorMatches.Add(float64(len(matches)))

		if len(matches) == 0 {
			p.finish(j)
			continue
		}

		j.pending.Store(int32(len(matches)))
		for _, mm := range matches {
			q := p.evalQs[xxhash.Sum64String(mm.MonitorID)%uint64(len(p.evalQs))]
			q <- evalItem{event: rules.Event{Match: mm, Mention: j.mention}, job: j}
			p.metrics.queueDepth.WithLabelValues("eval").Inc()
		}
	}
}

func (p *Pipeline) evalWorker(q chan evalItem) {
	defer p.evalWG.Done()

	for item := range q {
		p.metrics.queueDepth.WithLabelValues("eval").Dec()
		started := time.Now()

		alerts, err := p.evaluator.Evaluate(p.ctx, item.event)
		p.metrics.stageDuration.WithLabelValues("eval").Observe(time.Since(started).Seconds())
		for _, a := range alerts {
			p.metrics.alertsCreated.WithLabelValues(string(a.Severity)).Inc()
		}
		if err != nil {
			item.job.failed.Store(true)
			p.metrics.ruleEvaluationErrors.Inc()
			p.log.WithFields(logrus.Fields{
				"mention_id": item.event.Mention.ID,
				"monitor_id": item.event.Match.MonitorID,
			}).Errorf("Rule evaluation failed: %v", err)
		}

		if item.job.pending.Add(-1) == 0 {
			p.finish(item.job)
		}
	}
}

func (p *Pipeline) finish(j *job) {
	status := models.StatusProcessed
	if j.failed.Load() {
		status = models.StatusError
	}
	p.setStatus(j.mention.ID, status)
}

func (p *Pipeline) setStatus(id string, status models.ProcessingStatus) {
	if err := p.mentions.UpdateMentionStatus(p.ctx, id, status); err != nil {
		p.log.WithField("mention_id", id).Errorf("Failed to update mention status: %v", err)
	}
}
