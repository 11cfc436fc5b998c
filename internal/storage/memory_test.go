package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

func storedMention(id, platform, postID string) (*models.Mention, *models.Fingerprint) {
	now := time.Now()
	m := &models.Mention{
		ID:             id,
		Platform:       platform,
		PlatformPostID: postID,
		Content:        "content " + id,
		CollectedAt:    now,
		Engagement:     models.Engagement{Likes: 1},
		Status:         models.StatusPending,
	}
	fp := &models.Fingerprint{MentionID: id, ContentHash: "hash-" + id, SimilarityHash: 0, CreatedAt: now}
	return m, fp
}

func TestMemoryStore_InsertMentionEnforcesPlatformPost(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m, fp := storedMention("m1", "twitter", "p1")
	require.NoError(t, s.InsertMention(ctx, m, fp))

	dup, dupFP := storedMention("m2", "twitter", "p1")
	err := s.InsertMention(ctx, dup, dupFP)
	assert.True(t, faults.IsKind(err, faults.KindConflict))
	assert.Equal(t, 1, s.MentionCount())

	id, err := s.LookupPlatformPost(ctx, "twitter", "p1")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
}

func TestMemoryStore_RecordDuplicateAliasesAndMerges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	m, fp := storedMention("m1", "reddit", "p1")
	require.NoError(t, s.InsertMention(ctx, m, fp))

	require.NoError(t, s.RecordDuplicate(ctx, "reddit", "p2", "m1", &models.Engagement{Likes: 4, Views: 10}))

	id, err := s.LookupPlatformPost(ctx, "reddit", "p2")
	require.NoError(t, err)
	assert.Equal(t, "m1", id)

	got, err := s.GetMention(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 5, got.Engagement.Likes)
	assert.Equal(t, 10, got.Engagement.Views)

	err = s.RecordDuplicate(ctx, "reddit", "p2", "m1", &models.Engagement{Likes: 4})
	assert.True(t, faults.IsKind(err, faults.KindConflict))
}

func TestMemoryStore_FindSimilarHonoursWindowAndDistance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	old, oldFP := storedMention("old", "twitter", "1")
	oldFP.SimilarityHash = 0b1111
	oldFP.CreatedAt = now.Add(-100 * time.Hour)
	require.NoError(t, s.InsertMention(ctx, old, oldFP))

	recent, recentFP := storedMention("recent", "twitter", "2")
	recentFP.SimilarityHash = 0b0111
	recentFP.CreatedAt = now.Add(-time.Hour)
	require.NoError(t, s.InsertMention(ctx, recent, recentFP))

	fp, distance, err := s.FindSimilar(ctx, 0b1111, 3, now.Add(-72*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "recent", fp.MentionID)
	assert.Equal(t, 1, distance)

	_, _, err = s.FindSimilar(ctx, 0xFFFF0000, 3, now.Add(-72*time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_ClaimOrdersByPriorityThenSchedule(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_, err := s.CreateDeliveries(ctx, []models.Delivery{
		{ID: "low", AlertID: "a", Channel: models.ChannelEmail, Recipient: "x", Priority: models.PriorityLow, Status: models.DeliveryPending, ScheduledFor: now.Add(-2 * time.Minute), CreatedAt: now},
		{ID: "high-late", AlertID: "a", Channel: models.ChannelEmail, Recipient: "y", Priority: models.PriorityHigh, Status: models.DeliveryPending, ScheduledFor: now.Add(-time.Minute), CreatedAt: now},
		{ID: "high-early", AlertID: "a", Channel: models.ChannelEmail, Recipient: "z", Priority: models.PriorityHigh, Status: models.DeliveryPending, ScheduledFor: now.Add(-2 * time.Minute), CreatedAt: now},
		{ID: "future", AlertID: "a", Channel: models.ChannelEmail, Recipient: "w", Priority: models.PriorityUrgent, Status: models.DeliveryPending, ScheduledFor: now.Add(time.Hour), CreatedAt: now},
		{ID: "other-channel", AlertID: "a", Channel: models.ChannelSlack, Recipient: "x", Priority: models.PriorityUrgent, Status: models.DeliveryPending, ScheduledFor: now, CreatedAt: now},
	})
	require.NoError(t, err)

	var order []string
	for {
		d, err := s.ClaimNextDelivery(ctx, models.ChannelEmail, now)
		if err == ErrNotFound {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, models.DeliveryProcessing, d.Status)
		order = append(order, d.ID)
	}
	assert.Equal(t, []string{"high-early", "high-late", "low"}, order)
}

func TestMemoryStore_CreateDeliveriesIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	job := models.Delivery{ID: "d1", AlertID: "a", Channel: models.ChannelSMS, Recipient: "+1", Status: models.DeliveryPending}
	_, err := s.CreateDeliveries(ctx, []models.Delivery{job})
	require.NoError(t, err)

	job.ID = "d2"
	out, err := s.CreateDeliveries(ctx, []models.Delivery{job})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "d1", out[0].ID)

	all, err := s.ListDeliveries(ctx, "a")
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMemoryStore_CompleteAfterCancelIsConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_, err := s.CreateDeliveries(ctx, []models.Delivery{
		{ID: "d1", AlertID: "a", Channel: models.ChannelWebhook, Recipient: "https://hook", Status: models.DeliveryPending, ScheduledFor: now},
		{ID: "d2", AlertID: "a", Channel: models.ChannelWebhook, Recipient: "https://other", Status: models.DeliverySent, ScheduledFor: now},
	})
	require.NoError(t, err)

	_, err = s.ClaimNextDelivery(ctx, models.ChannelWebhook, now)
	require.NoError(t, err)

	n, err := s.CancelAlertDeliveries(ctx, "a", "rule deleted")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	err = s.CompleteDelivery(ctx, "d1", DeliveryUpdate{Status: models.DeliverySent, Attempts: 1})
	assert.True(t, faults.IsKind(err, faults.KindConflict))

	d, err := s.GetDelivery(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryCancelled, d.Status)
	assert.Equal(t, 0, d.Attempts)
}

func TestMemoryStore_MarkBounced(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.CreateDeliveries(ctx, []models.Delivery{
		{ID: "sent", AlertID: "a", Channel: models.ChannelEmail, Recipient: "a@x", Status: models.DeliverySent},
		{ID: "failed", AlertID: "a", Channel: models.ChannelEmail, Recipient: "b@x", Status: models.DeliveryFailed},
	})
	require.NoError(t, err)

	require.NoError(t, s.MarkBounced(ctx, "sent", "mailbox unknown"))
	d, _ := s.GetDelivery(ctx, "sent")
	assert.Equal(t, models.DeliveryBounced, d.Status)

	assert.True(t, faults.IsKind(s.MarkBounced(ctx, "failed", "x"), faults.KindConflict))
	assert.ErrorIs(t, s.MarkBounced(ctx, "missing", "x"), ErrNotFound)
}

func TestMemoryStore_RecoverStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	_, err := s.CreateDeliveries(ctx, []models.Delivery{
		{ID: "d1", AlertID: "a", Channel: models.ChannelEmail, Recipient: "a@x", Status: models.DeliveryPending, ScheduledFor: now.Add(-time.Hour)},
	})
	require.NoError(t, err)
	_, err = s.ClaimNextDelivery(ctx, models.ChannelEmail, now.Add(-10*time.Minute))
	require.NoError(t, err)

	n, err := s.RecoverStale(ctx, now.Add(-5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	d, _ := s.GetDelivery(ctx, "d1")
	assert.Equal(t, models.DeliveryPending, d.Status)
	assert.Equal(t, 0, d.Attempts)
}

func TestMemoryStore_ArchivedMonitorIsHidden(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.PutMonitor(models.Monitor{ID: "m1", Status: models.MonitorActive})
	s.PutMonitor(models.Monitor{ID: "m2", Status: models.MonitorArchived})

	active, err := s.ListActiveMonitors(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "m1", active[0].ID)

	_, err = s.GetMonitor(ctx, "m2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_LoadSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `{
		"monitors": [{"id": "mon-1", "name": "Launch", "keywords": ["launch"], "status": "active"}],
		"rules": [{"id": "rule-1", "monitor_id": "mon-1", "frequency": "hourly", "status": "active",
			"conditions": {"sentiment": {"enabled": true, "threshold": -0.5, "operator": "below"}}}],
		"preferences": [{"user_id": "u1", "channel": "email", "enabled": false, "timezone": "UTC"}]
	}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	s := NewMemoryStore()
	require.NoError(t, s.LoadSeed(path))

	rules, err := s.ListRulesByMonitor(context.Background(), "mon-1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NotNil(t, rules[0].Conditions.Sentiment)
	assert.Equal(t, -0.5, rules[0].Conditions.Sentiment.Threshold)

	pref, err := s.GetPreference(context.Background(), "u1", models.ChannelEmail)
	require.NoError(t, err)
	assert.False(t, pref.Enabled)
}

func TestMemoryStore_LoadSeedRejectsBadConditions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")
	seed := `{"rules": [{"id": "r", "conditions": {"sentiment": {"enabled": true, "operator": "sideways", "threshold": 0}}}]}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o600))

	assert.Error(t, NewMemoryStore().LoadSeed(path))
}

func TestMemoryBlobStore(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBlobStore()

	require.NoError(t, b.Store(ctx, "failed/2024/a.json", []byte("a")))
	require.NoError(t, b.Store(ctx, "failed/2024/b.json", []byte("b")))
	require.NoError(t, b.Store(ctx, "other/c.json", []byte("c")))

	names, err := b.List(ctx, "failed/")
	require.NoError(t, err)
	assert.Equal(t, []string{"failed/2024/a.json", "failed/2024/b.json"}, names)

	data, err := b.Retrieve(ctx, "failed/2024/a.json")
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))

	require.NoError(t, b.Delete(ctx, "failed/2024/a.json"))
	_, err = b.Retrieve(ctx, "failed/2024/a.json")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, b.Delete(ctx, "failed/2024/a.json"))
}

func TestMemoryStore_ListUndeliveredAlerts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "queued", "resolved", "stranded"} {
		require.NoError(t, s.CreateAlert(ctx, &models.Alert{ID: id, RuleID: "r", MonitorID: "mon", TriggeredAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	_, err := s.CreateDeliveries(ctx, []models.Delivery{{ID: "d1", AlertID: "queued", Channel: models.ChannelEmail, Recipient: "a@example.com", Status: models.DeliveryPending}})
	require.NoError(t, err)
	require.NoError(t, s.ResolveAlert(ctx, "resolved", "alice", base))

	alerts, err := s.ListUndeliveredAlerts(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, "stranded", alerts[0].ID)
}

func TestMemoryStore_GetMonitorMention(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	first := &models.MonitorMention{ID: "mm-1", MonitorID: "mon", MentionID: "m1", MatchedKeywords: []string{"launch"}, MatchScore: 1}
	require.NoError(t, s.InsertMonitorMention(ctx, first))

	err := s.InsertMonitorMention(ctx, &models.MonitorMention{ID: "mm-2", MonitorID: "mon", MentionID: "m1"})
	assert.True(t, faults.IsKind(err, faults.KindConflict))

	got, err := s.GetMonitorMention(ctx, "mon", "m1")
	require.NoError(t, err)
	assert.Equal(t, "mm-1", got.ID)
	assert.Equal(t, []string{"launch"}, got.MatchedKeywords)

	_, err = s.GetMonitorMention(ctx, "mon", "m2")
	assert.ErrorIs(t, err, ErrNotFound)
}
