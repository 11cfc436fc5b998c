package notifications

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// Channels lists every channel the dispatcher runs workers for. A channel
// without a configured sender fails its jobs permanently.
var Channels = []models.Channel{
	models.ChannelEmail,
	models.ChannelSMS,
	models.ChannelSlack,
	models.ChannelTeams,
	models.ChannelWebhook,
	models.ChannelPush,
}

const (
	breakerFailures = 5
	breakerWindow   = 10
	breakerDelay    = 30 * time.Second
)

// Dispatcher turns alerts into delivery jobs and drives them to a terminal
// state.
type Dispatcher struct {
	store    storage.DeliveryStore
	schedule ScheduleResolver
	senders  map[models.Channel]Sender
	audit    AuditSink
	cfg      config.DispatcherConfig
	log      *logrus.Entry
	now      func() time.Time

	limiters map[models.Channel]*rate.Limiter
	breakers map[models.Channel]circuitbreaker.CircuitBreaker[any]

	observe func(models.Channel, models.DeliveryStatus)
}

// NewDispatcher creates a Dispatcher. schedule and audit may be nil.
func NewDispatcher(store storage.DeliveryStore, schedule ScheduleResolver, senders map[models.Channel]Sender, audit AuditSink, cfg config.DispatcherConfig, log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	d := &Dispatcher{
		store:    store,
		schedule: schedule,
		senders:  senders,
		audit:    audit,
		cfg:      cfg,
		log:      log.WithField("component", "dispatcher"),
		now:      time.Now,
		limiters: make(map[models.Channel]*rate.Limiter),
		breakers: make(map[models.Channel]circuitbreaker.CircuitBreaker[any]),
		observe:  func(models.Channel, models.DeliveryStatus) {},
	}

	for _, ch := range Channels {
		d.limiters[ch] = newLimiter(cfg.RatePerSecond)
		d.breakers[ch] = d.newBreaker(ch)
	}
	return d
}

func newLimiter(perSecond float64) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

func (d *Dispatcher) newBreaker(ch models.Channel) circuitbreaker.CircuitBreaker[any] {
	log := d.log.WithField("channel", ch)
	return circuitbreaker.NewBuilder[any]().
		WithFailureThresholdRatio(breakerFailures, breakerWindow).
		WithDelay(breakerDelay).
		WithSuccessThreshold(1).
		HandleIf(func(_ any, err error) bool {
			// Rejections of a single recipient say nothing about the provider.
			return err != nil && faults.IsTransient(err)
		}).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			log.WithFields(logrus.Fields{
				"from_state": event.OldState,
				"to_state":   event.NewState,
			}).Warn("Channel circuit breaker state change")
		}).
		Build()
}

// OnResult registers a callback for every delivery status transition the
// dispatcher makes. It must be set before Run.
func (d *Dispatcher) OnResult(fn func(models.Channel, models.DeliveryStatus)) {
	if fn != nil {
		d.observe = fn
	}
}

// Enqueue creates one pending job per (channel, recipient address) of the
// rule. Recipients without an address on a channel, and users who disabled
// the channel, get no job. Repeated calls for the same alert return the
// jobs already queued.
func (d *Dispatcher) Enqueue(ctx context.Context, alert *models.Alert, rule models.AlertRule) ([]models.Delivery, error) {
	now := d.now()
	log := d.log.WithFields(logrus.Fields{"alert_id": alert.ID, "rule_id": rule.ID})

	var jobs []models.Delivery
	for _, ch := range rule.Channels {
		subject, body, err := Render(alert, ch)
		if err != nil {
			return nil, faults.Wrap(faults.KindData, "enqueue", err)
		}

		for _, r := range rule.Recipients {
			address := r.Addresses[ch]
			if address == "" {
				log.Debugf("Recipient %s has no %s address", r.UserID, ch)
				continue
			}

			scheduled := now
			if d.schedule != nil {
				at, enabled, err := d.schedule.ResolveSchedule(ctx, r.UserID, ch, now)
				if err != nil {
					return nil, fmt.Errorf("failed to resolve schedule for %s: %w", r.UserID, err)
				}
				if !enabled {
					log.Debugf("User %s disabled %s notifications", r.UserID, ch)
					continue
				}
				scheduled = at
			}

			jobs = append(jobs, models.Delivery{
				ID:           uuid.NewString(),
				AlertID:      alert.ID,
				RuleID:       rule.ID,
				Channel:      ch,
				UserID:       r.UserID,
				Recipient:    address,
				Subject:      subject,
				Body:         body,
				Priority:     alert.Severity.Priority(),
				Status:       models.DeliveryPending,
				MaxAttempts:  d.cfg.MaxAttempts,
				ScheduledFor: scheduled,
				CreatedAt:    now,
			})
		}
	}

	if len(jobs) == 0 {
		log.Warn("Alert has no deliverable recipients")
		return nil, nil
	}

	stored, err := d.store.CreateDeliveries(ctx, jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to queue deliveries: %w", err)
	}
	log.Infof("Queued %d deliveries", len(stored))
	return stored, nil
}

// ProcessNext claims and attempts one job of channel. It reports false when
// no job was eligible.
func (d *Dispatcher) ProcessNext(ctx context.Context, channel models.Channel) (bool, error) {
	if limiter := d.limiters[channel]; limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return false, err
		}
	}

	job, err := d.store.ClaimNextDelivery(ctx, channel, d.now())
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim delivery: %w", err)
	}

	return true, d.attempt(ctx, job)
}

func (d *Dispatcher) attempt(ctx context.Context, job *models.Delivery) error {
	log := d.log.WithFields(logrus.Fields{
		"delivery_id": job.ID,
		"alert_id":    job.AlertID,
		"channel":     job.Channel,
	})

	externalID, sendErr := d.send(ctx, job)

	now := d.now()
	maxAttempts := job.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = d.cfg.MaxAttempts
	}

	u := storage.DeliveryUpdate{Attempts: job.Attempts + 1}
	switch {
	case sendErr == nil:
		u.Status = models.DeliverySent
		u.SentAt = &now
		u.ExternalID = externalID
	case !faults.IsTransient(sendErr) || u.Attempts >= maxAttempts:
		u.Status = models.DeliveryFailed
		u.ErrorMessage = sendErr.Error()
	default:
		u.Status = models.DeliveryPending
		u.ScheduledFor = now.Add(d.backoff(u.Attempts))
		u.ErrorMessage = sendErr.Error()
	}

	if err := d.store.CompleteDelivery(ctx, job.ID, u); err != nil {
		if faults.IsKind(err, faults.KindConflict) {
			log.Info("Discarding result of a delivery that is no longer processing")
			return nil
		}
		return fmt.Errorf("failed to record delivery %s: %w", job.ID, err)
	}
	d.observe(job.Channel, u.Status)

	switch u.Status {
	case models.DeliverySent:
		log.Debugf("Delivered after %d attempts", u.Attempts)
	case models.DeliveryPending:
		log.Warnf("Attempt %d failed, retrying at %s: %v", u.Attempts, u.ScheduledFor.Format(time.RFC3339), sendErr)
	case models.DeliveryFailed:
		log.Errorf("Delivery failed after %d attempts: %v", u.Attempts, sendErr)
		if d.audit != nil {
			failed := *job
			failed.Status = u.Status
			failed.Attempts = u.Attempts
			failed.ErrorMessage = u.ErrorMessage
			if err := d.audit.RecordFailure(ctx, failed); err != nil {
				log.Errorf("Failed to archive delivery failure: %v", err)
			}
		}
	}
	return nil
}

func (d *Dispatcher) send(ctx context.Context, job *models.Delivery) (string, error) {
	const op = "deliver"

	sender, ok := d.senders[job.Channel]
	if !ok {
		return "", faults.Config(op, "no adapter configured for channel %s", job.Channel)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
	defer cancel()

	msg := Message{
		Channel:        job.Channel,
		Recipient:      job.Recipient,
		Subject:        job.Subject,
		Body:           job.Body,
		Priority:       job.Priority,
		AlertID:        job.AlertID,
		IdempotencyKey: job.ID,
	}

	result, err := failsafe.With[any](d.breakers[job.Channel]).Get(func() (any, error) {
		id, err := sender.Send(attemptCtx, msg)
		return id, err
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return "", faults.Wrap(faults.KindTransient, op, err)
	}
	if err != nil {
		return "", err
	}
	id, _ := result.(string)
	return id, nil
}

// backoff is base * 2^attempts, capped at the configured maximum.
func (d *Dispatcher) backoff(attempts int) time.Duration {
	delay := d.cfg.RetryBaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if d.cfg.RetryMaxDelay > 0 && delay >= d.cfg.RetryMaxDelay {
			return d.cfg.RetryMaxDelay
		}
	}
	return delay
}

// Run starts WorkersPerChannel workers for every channel and blocks until
// ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	workers := d.cfg.WorkersPerChannel
	if workers < 1 {
		workers = 1
	}

	var wg sync.WaitGroup
	for _, ch := range Channels {
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(ch models.Channel) {
				defer wg.Done()
				d.work(ctx, ch)
			}(ch)
		}
	}
	wg.Wait()
}

func (d *Dispatcher) work(ctx context.Context, ch models.Channel) {
	for ctx.Err() == nil {
		processed, err := d.ProcessNext(ctx, ch)
		if err != nil && ctx.Err() == nil {
			d.log.WithField("channel", ch).Errorf("Delivery worker error: %v", err)
		}
		if processed && err == nil {
			continue
		}

		timer := time.NewTimer(d.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Cancel flips the queued and in-flight jobs of an alert to cancelled.
func (d *Dispatcher) Cancel(ctx context.Context, alertID, reason string) (int, error) {
	deliveries, err := d.store.ListDeliveries(ctx, alertID)
	if err != nil {
		return 0, err
	}

	n, err := d.store.CancelAlertDeliveries(ctx, alertID, reason)
	if err != nil {
		return 0, err
	}

	for _, del := range deliveries {
		if del.Status == models.DeliveryPending || del.Status == models.DeliveryProcessing {
			d.observe(del.Channel, models.DeliveryCancelled)
		}
	}
	d.log.WithField("alert_id", alertID).Infof("Cancelled %d deliveries: %s", n, reason)
	return n, nil
}

// MarkBounced records an external bounce report for a delivery.
func (d *Dispatcher) MarkBounced(ctx context.Context, id, reason string) error {
	del, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return err
	}
	if err := d.store.MarkBounced(ctx, id, reason); err != nil {
		return err
	}
	d.observe(del.Channel, models.DeliveryBounced)
	d.log.WithField("delivery_id", id).Infof("Delivery bounced: %s", reason)
	return nil
}

// RecoverStale returns jobs whose processing lease expired to pending.
func (d *Dispatcher) RecoverStale(ctx context.Context) (int, error) {
	n, err := d.store.RecoverStale(ctx, d.now().Add(-d.cfg.ProcessingLease))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		d.log.Warnf("Recovered %d deliveries with expired leases", n)
	}
	return n, nil
}
