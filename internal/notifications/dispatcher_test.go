package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

type fakeSender struct {
	mu    sync.Mutex
	calls []Message
	send  func(Message) (string, error)
}

func (f *fakeSender) Send(ctx context.Context, msg Message) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	f.mu.Unlock()
	if f.send == nil {
		return "ext-" + msg.IdempotencyKey, nil
	}
	return f.send(msg)
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func testDispatcherConfig() config.DispatcherConfig {
	return config.DispatcherConfig{
		MaxAttempts:       3,
		RetryBaseDelay:    30 * time.Second,
		RetryMaxDelay:     10 * time.Minute,
		DeliveryTimeout:   time.Second,
		PollInterval:      10 * time.Millisecond,
		WorkersPerChannel: 1,
		ProcessingLease:   5 * time.Minute,
	}
}

type dispatcherFixture struct {
	store  *storage.MemoryStore
	blobs  *storage.MemoryBlobStore
	sender *fakeSender
	clock  *clock
	d      *Dispatcher

	mu       sync.Mutex
	observed []models.DeliveryStatus
}

func newDispatcherFixture(t *testing.T) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		store:  storage.NewMemoryStore(),
		blobs:  storage.NewMemoryBlobStore(),
		sender: &fakeSender{},
		clock:  &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.d = NewDispatcher(
		f.store,
		NewPreferenceResolver(f.store, nil),
		map[models.Channel]Sender{
			models.ChannelWebhook: f.sender,
			models.ChannelEmail:   f.sender,
		},
		NewBlobAuditSink(f.blobs),
		testDispatcherConfig(),
		nil,
	)
	f.d.now = f.clock.now
	f.d.OnResult(func(_ models.Channel, s models.DeliveryStatus) {
		f.mu.Lock()
		f.observed = append(f.observed, s)
		f.mu.Unlock()
	})
	return f
}

func (f *dispatcherFixture) queue(t *testing.T, id string, ch models.Channel, priority models.Priority) models.Delivery {
	t.Helper()
	d := models.Delivery{
		ID:           id,
		AlertID:      "alert-" + id,
		Channel:      ch,
		Recipient:    "https://hooks.example.com/" + id,
		Subject:      "subject",
		Body:         "body",
		Priority:     priority,
		Status:       models.DeliveryPending,
		MaxAttempts:  3,
		ScheduledFor: f.clock.t,
		CreatedAt:    f.clock.t,
	}
	_, err := f.store.CreateDeliveries(context.Background(), []models.Delivery{d})
	require.NoError(t, err)
	return d
}

func (f *dispatcherFixture) get(t *testing.T, id string) *models.Delivery {
	t.Helper()
	d, err := f.store.GetDelivery(context.Background(), id)
	require.NoError(t, err)
	return d
}

func testRule() models.AlertRule {
	return models.AlertRule{
		ID:        "rule-1",
		MonitorID: "mon-1",
		Name:      "Launch",
		Channels:  []models.Channel{models.ChannelEmail, models.ChannelWebhook},
		Recipients: []models.Recipient{
			{UserID: "alice", Addresses: map[models.Channel]string{
				models.ChannelEmail:   "alice@example.com",
				models.ChannelWebhook: "https://hooks.example.com/alice",
			}},
			{UserID: "bob", Addresses: map[models.Channel]string{
				models.ChannelEmail: "bob@example.com",
			}},
		},
	}
}

func TestEnqueue(t *testing.T) {
	f := newDispatcherFixture(t)
	alert := sampleAlert()
	alert.Severity = models.SeverityHigh

	jobs, err := f.d.Enqueue(context.Background(), alert, testRule())
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	for _, j := range jobs {
		assert.Equal(t, alert.ID, j.AlertID)
		assert.Equal(t, models.DeliveryPending, j.Status)
		assert.Equal(t, models.PriorityHigh, j.Priority)
		assert.Equal(t, 3, j.MaxAttempts)
		assert.Equal(t, f.clock.t, j.ScheduledFor)
		assert.Equal(t, "[HIGH] Launch: sentiment", j.Subject)
	}

	again, err := f.d.Enqueue(context.Background(), alert, testRule())
	require.NoError(t, err)
	stored, err := f.store.ListDeliveries(context.Background(), alert.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.Len(t, again, 3)
}

func TestEnqueueAppliesPreferences(t *testing.T) {
	f := newDispatcherFixture(t)
	f.store.PutPreference(models.Preference{UserID: "bob", Channel: models.ChannelEmail, Enabled: false})
	f.store.PutPreference(models.Preference{
		UserID: "alice", Channel: models.ChannelEmail, Enabled: true,
		QuietHoursStart: "11:00", QuietHoursEnd: "13:30", Timezone: "UTC",
	})

	jobs, err := f.d.Enqueue(context.Background(), sampleAlert(), testRule())
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	byChannel := map[models.Channel]models.Delivery{}
	for _, j := range jobs {
		assert.Equal(t, "alice", j.UserID)
		byChannel[j.Channel] = j
	}
	assert.Equal(t, time.Date(2024, 3, 1, 13, 30, 0, 0, time.UTC), byChannel[models.ChannelEmail].ScheduledFor)
	assert.Equal(t, f.clock.t, byChannel[models.ChannelWebhook].ScheduledFor)

	// Deferred jobs are not claimable before quiet hours end.
	processed, err := f.d.ProcessNext(context.Background(), models.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestEnqueueWithoutRecipients(t *testing.T) {
	f := newDispatcherFixture(t)
	rule := testRule()
	rule.Channels = []models.Channel{models.ChannelSMS}

	jobs, err := f.d.Enqueue(context.Background(), sampleAlert(), rule)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestProcessNextSuccess(t *testing.T) {
	f := newDispatcherFixture(t)
	f.queue(t, "d1", models.ChannelWebhook, models.PriorityNormal)

	processed, err := f.d.ProcessNext(context.Background(), models.ChannelWebhook)
	require.NoError(t, err)
	assert.True(t, processed)

	d := f.get(t, "d1")
	assert.Equal(t, models.DeliverySent, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, "ext-d1", d.ExternalID)
	require.NotNil(t, d.SentAt)
	assert.Equal(t, []models.DeliveryStatus{models.DeliverySent}, f.observed)
	assert.Equal(t, "d1", f.sender.calls[0].IdempotencyKey)

	processed, err = f.d.ProcessNext(context.Background(), models.ChannelWebhook)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNextRetriesThenFails(t *testing.T) {
	f := newDispatcherFixture(t)
	f.sender.send = func(Message) (string, error) {
		return "", faults.Transient("test", "gateway timeout")
	}
	f.queue(t, "d1", models.ChannelWebhook, models.PriorityNormal)
	ctx := context.Background()

	_, err := f.d.ProcessNext(ctx, models.ChannelWebhook)
	require.NoError(t, err)
	d := f.get(t, "d1")
	assert.Equal(t, models.DeliveryPending, d.Status)
	assert.Equal(t, 1, d.Attempts)
	assert.Equal(t, f.clock.t.Add(time.Minute), d.ScheduledFor)

	// Not eligible until the backoff elapses.
	processed, err := f.d.ProcessNext(ctx, models.ChannelWebhook)
	require.NoError(t, err)
	assert.False(t, processed)

	f.clock.advance(time.Minute)
	_, err = f.d.ProcessNext(ctx, models.ChannelWebhook)
	require.NoError(t, err)
	d = f.get(t, "d1")
	assert.Equal(t, models.DeliveryPending, d.Status)
	assert.Equal(t, 2, d.Attempts)
	assert.Equal(t, f.clock.t.Add(2*time.Minute), d.ScheduledFor)

	f.clock.advance(2 * time.Minute)
	_, err = f.d.ProcessNext(ctx, models.ChannelWebhook)
	require.NoError(t, err)
	d = f.get(t, "d1")
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Equal(t, 3, d.Attempts)
	assert.Contains(t, d.ErrorMessage, "gateway timeout")
	assert.Equal(t, 3, f.sender.count())

	f.clock.advance(time.Hour)
	processed, err = f.d.ProcessNext(ctx, models.ChannelWebhook)
	require.NoError(t, err)
	assert.False(t, processed)

	data, err := f.blobs.Retrieve(ctx, FailureBlobName(*d))
	require.NoError(t, err)
	var archived models.Delivery
	require.NoError(t, json.Unmarshal(data, &archived))
	assert.Equal(t, "d1", archived.ID)
	assert.Equal(t, models.DeliveryFailed, archived.Status)
	assert.Equal(t, 3, archived.Attempts)

	assert.Equal(t, []models.DeliveryStatus{
		models.DeliveryPending, models.DeliveryPending, models.DeliveryFailed,
	}, f.observed)
}

func TestProcessNextPermanentFailure(t *testing.T) {
	f := newDispatcherFixture(t)
	f.sender.send = func(Message) (string, error) {
		return "", faults.Permanent("test", "endpoint returned status 404")
	}
	f.queue(t, "d1", models.ChannelWebhook, models.PriorityNormal)

	_, err := f.d.ProcessNext(context.Background(), models.ChannelWebhook)
	require.NoError(t, err)

	d := f.get(t, "d1")
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Equal(t, 1, d.Attempts)

	names, err := f.blobs.List(context.Background(), "failed-deliveries/2024/03/01/")
	require.NoError(t, err)
	assert.Equal(t, []string{"failed-deliveries/2024/03/01/d1.json"}, names)
}

func TestProcessNextWithoutAdapter(t *testing.T) {
	f := newDispatcherFixture(t)
	f.queue(t, "d1", models.ChannelPush, models.PriorityNormal)

	processed, err := f.d.ProcessNext(context.Background(), models.ChannelPush)
	require.NoError(t, err)
	assert.True(t, processed)

	d := f.get(t, "d1")
	assert.Equal(t, models.DeliveryFailed, d.Status)
	assert.Contains(t, d.ErrorMessage, "no adapter configured")
}

func TestProcessNextDiscardsCancelledResult(t *testing.T) {
	f := newDispatcherFixture(t)
	f.queue(t, "d1", models.ChannelWebhook, models.PriorityNormal)
	f.sender.send = func(msg Message) (string, error) {
		_, err := f.d.Cancel(context.Background(), msg.AlertID, "resolved")
		require.NoError(t, err)
		return "ext", nil
	}

	processed, err := f.d.ProcessNext(context.Background(), models.ChannelWebhook)
	require.NoError(t, err)
	assert.True(t, processed)

	d := f.get(t, "d1")
	assert.Equal(t, models.DeliveryCancelled, d.Status)
	assert.Equal(t, "resolved", d.ErrorMessage)
	assert.Equal(t, 0, d.Attempts)
	assert.Equal(t, []models.DeliveryStatus{models.DeliveryCancelled}, f.observed)
}

func TestProcessNextPriorityOrder(t *testing.T) {
	f := newDispatcherFixture(t)
	f.queue(t, "low", models.ChannelWebhook, models.PriorityLow)
	f.queue(t, "normal", models.ChannelWebhook, models.PriorityNormal)
	f.queue(t, "urgent", models.ChannelWebhook, models.PriorityUrgent)

	for i := 0; i < 3; i++ {
		_, err := f.d.ProcessNext(context.Background(), models.ChannelWebhook)
		require.NoError(t, err)
	}

	var order []string
	for _, c := range f.sender.calls {
		order = append(order, c.IdempotencyKey)
	}
	assert.Equal(t, []string{"urgent", "normal", "low"}, order)
}

func TestCircuitBreakerOpensOnTransientFailures(t *testing.T) {
	f := newDispatcherFixture(t)
	f.sender.send = func(Message) (string, error) {
		return "", faults.Transient("test", "connection reset")
	}

	const jobs = 12
	for i := 0; i < jobs; i++ {
		f.queue(t, fmt.Sprintf("d%02d", i), models.ChannelWebhook, models.PriorityNormal)
	}
	for i := 0; i < jobs; i++ {
		processed, err := f.d.ProcessNext(context.Background(), models.ChannelWebhook)
		require.NoError(t, err)
		require.True(t, processed)
	}

	assert.LessOrEqual(t, f.sender.count(), 10)
	assert.Less(t, f.sender.count(), jobs)

	// Rejected attempts stay retryable.
	rejected := f.get(t, fmt.Sprintf("d%02d", jobs-1))
	assert.Equal(t, models.DeliveryPending, rejected.Status)
	assert.Equal(t, 1, rejected.Attempts)
	assert.Contains(t, rejected.ErrorMessage, "open")

	// Other channels keep their own breaker.
	f.queue(t, "mail", models.ChannelEmail, models.PriorityNormal)
	f.sender.send = nil
	_, err := f.d.ProcessNext(context.Background(), models.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, f.get(t, "mail").Status)
}

func TestPermanentFailuresDoNotOpenBreaker(t *testing.T) {
	f := newDispatcherFixture(t)
	f.sender.send = func(Message) (string, error) {
		return "", faults.Permanent("test", "endpoint returned status 410")
	}

	const jobs = 12
	for i := 0; i < jobs; i++ {
		f.queue(t, fmt.Sprintf("d%02d", i), models.ChannelWebhook, models.PriorityNormal)
	}
	for i := 0; i < jobs; i++ {
		_, err := f.d.ProcessNext(context.Background(), models.ChannelWebhook)
		require.NoError(t, err)
	}
	assert.Equal(t, jobs, f.sender.count())
}

func TestCancel(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()

	jobs, err := f.d.Enqueue(ctx, sampleAlert(), testRule())
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	_, err = f.d.ProcessNext(ctx, models.ChannelWebhook)
	require.NoError(t, err)

	n, err := f.d.Cancel(ctx, "alert-1", "resolved by alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	stored, err := f.store.ListDeliveries(ctx, "alert-1")
	require.NoError(t, err)
	for _, d := range stored {
		if d.Channel == models.ChannelWebhook {
			assert.Equal(t, models.DeliverySent, d.Status)
			continue
		}
		assert.Equal(t, models.DeliveryCancelled, d.Status)
	}

	processed, err := f.d.ProcessNext(ctx, models.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestMarkBounced(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	f.queue(t, "d1", models.ChannelEmail, models.PriorityNormal)

	_, err := f.d.ProcessNext(ctx, models.ChannelEmail)
	require.NoError(t, err)
	require.NoError(t, f.d.MarkBounced(ctx, "d1", "mailbox full"))

	d := f.get(t, "d1")
	assert.Equal(t, models.DeliveryBounced, d.Status)
	assert.Equal(t, "mailbox full", d.ErrorMessage)
	assert.Equal(t, []models.DeliveryStatus{models.DeliverySent, models.DeliveryBounced}, f.observed)

	assert.ErrorIs(t, f.d.MarkBounced(ctx, "missing", "x"), storage.ErrNotFound)
}

func TestRecoverStale(t *testing.T) {
	f := newDispatcherFixture(t)
	ctx := context.Background()
	f.queue(t, "d1", models.ChannelWebhook, models.PriorityNormal)

	_, err := f.store.ClaimNextDelivery(ctx, models.ChannelWebhook, f.clock.t)
	require.NoError(t, err)

	n, err := f.d.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.advance(6 * time.Minute)
	n, err = f.d.RecoverStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.DeliveryPending, f.get(t, "d1").Status)
}

func TestRunDeliversQueuedJobs(t *testing.T) {
	f := newDispatcherFixture(t)
	f.queue(t, "d1", models.ChannelWebhook, models.PriorityNormal)
	f.queue(t, "d2", models.ChannelEmail, models.PriorityNormal)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return f.sender.count() == 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, models.DeliverySent, f.get(t, "d1").Status)
	assert.Equal(t, models.DeliverySent, f.get(t, "d2").Status)
}

func TestBackoff(t *testing.T) {
	d := &Dispatcher{cfg: config.DispatcherConfig{RetryBaseDelay: 30 * time.Second, RetryMaxDelay: 5 * time.Minute}}
	assert.Equal(t, time.Minute, d.backoff(1))
	assert.Equal(t, 2*time.Minute, d.backoff(2))
	assert.Equal(t, 4*time.Minute, d.backoff(3))
	assert.Equal(t, 5*time.Minute, d.backoff(4))
	assert.Equal(t, 5*time.Minute, d.backoff(20))
}
