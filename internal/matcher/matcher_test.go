package matcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// MockMonitorStore is a mock implementation of storage.MonitorStore
type MockMonitorStore struct {
	mock.Mock
}

func (m *MockMonitorStore) ListActiveMonitors(ctx context.Context) ([]models.Monitor, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Monitor), args.Error(1)
}

func (m *MockMonitorStore) GetMonitor(ctx context.Context, id string) (*models.Monitor, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*models.Monitor), args.Error(1)
}

func (m *MockMonitorStore) InsertMonitorMention(ctx context.Context, mm *models.MonitorMention) error {
	args := m.Called(ctx, mm)
	return args.Error(0)
}

func (m *MockMonitorStore) GetMonitorMention(ctx context.Context, monitorID, mentionID string) (*models.MonitorMention, error) {
	args := m.Called(ctx, monitorID, mentionID)
	return args.Get(0).(*models.MonitorMention), args.Error(1)
}

func (m *MockMonitorStore) TouchMonitor(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func mentionOf(content string) *models.Mention {
	return &models.Mention{
		ID:                "mention-1",
		Platform:          "twitter",
		Content:           content,
		NormalizedContent: dedup.Normalize(content),
		Language:          "en",
		PostType:          "post",
		Author:            models.Author{ID: "a", FollowerCount: 500},
	}
}

func launchMonitor() models.Monitor {
	return models.Monitor{
		ID:               "mon-launch",
		Keywords:         []string{"launch"},
		NegativeKeywords: []string{"delay"},
		Platforms:        []string{"twitter", "reddit"},
		Status:           models.MonitorActive,
	}
}

func TestEvaluate_KeywordAndNegativeKeyword(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{content: "Product launch today", want: true},
		{content: "Launch delayed again", want: false},
		{content: "Nothing to see here", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.content, func(t *testing.T) {
			keywords, score, ok := Evaluate(launchMonitor(), mentionOf(tt.content))
			assert.Equal(t, tt.want, ok)
			if tt.want {
				assert.Equal(t, []string{"launch"}, keywords)
				assert.Equal(t, 1.0, score)
			}
		})
	}
}

func TestEvaluate_Filters(t *testing.T) {
	tests := []struct {
		name    string
		monitor func(*models.Monitor)
		mention func(*models.Mention)
		want    bool
	}{
		{name: "platform outside set", mention: func(m *models.Mention) { m.Platform = "youtube" }, want: false},
		{name: "empty platform set matches nothing", monitor: func(mo *models.Monitor) { mo.Platforms = nil }, want: false},
		{name: "platform compared case-insensitively", monitor: func(mo *models.Monitor) { mo.Platforms = []string{"Twitter"} }, want: true},
		{name: "language outside set", monitor: func(mo *models.Monitor) { mo.Languages = []string{"de"} }, want: false},
		{name: "language inside set", monitor: func(mo *models.Monitor) { mo.Languages = []string{"de", "en"} }, want: true},
		{name: "unknown language passes language filter", monitor: func(mo *models.Monitor) { mo.Languages = []string{"de"} }, mention: func(m *models.Mention) { m.Language = "" }, want: true},
		{name: "below min followers", monitor: func(mo *models.Monitor) { mo.MinFollowers = 1000 }, want: false},
		{name: "at min followers", monitor: func(mo *models.Monitor) { mo.MinFollowers = 500 }, want: true},
		{name: "repost excluded", mention: func(m *models.Mention) { m.PostType = "retweet" }, want: false},
		{name: "repost included", monitor: func(mo *models.Monitor) { mo.IncludeRetweets = true }, mention: func(m *models.Mention) { m.PostType = "repost" }, want: true},
		{name: "paused monitor", monitor: func(mo *models.Monitor) { mo.Status = models.MonitorPaused }, want: false},
		{name: "no keywords", monitor: func(mo *models.Monitor) { mo.Keywords = nil }, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := launchMonitor()
			if tt.monitor != nil {
				tt.monitor(&mon)
			}
			m := mentionOf("Product launch today")
			if tt.mention != nil {
				tt.mention(m)
			}
			_, _, ok := Evaluate(mon, m)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestEvaluate_ScoreIsFractionOfKeywords(t *testing.T) {
	mon := launchMonitor()
	mon.Keywords = []string{"launch", "Pixel", "battery life", "price"}

	keywords, score, ok := Evaluate(mon, mentionOf("The Pixel launch: battery-life looks great"))
	require.True(t, ok)
	assert.Equal(t, []string{"launch", "Pixel", "battery life"}, keywords)
	assert.InDelta(t, 0.75, score, 1e-9)
}

func TestMatch_RecordsOncePerMonitor(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	store.PutMonitor(launchMonitor())
	other := launchMonitor()
	other.ID = "mon-product"
	other.Keywords = []string{"product"}
	other.NegativeKeywords = nil
	store.PutMonitor(other)
	unrelated := launchMonitor()
	unrelated.ID = "mon-unrelated"
	unrelated.Keywords = []string{"weather"}
	store.PutMonitor(unrelated)

	m := New(store, config.MatcherConfig{Concurrency: 2}, nil)
	mention := mentionOf("Product launch today")

	matches, err := m.Match(ctx, mention)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// A replayed mention re-emits its matches without writing new rows.
	again, err := m.Match(ctx, mention)
	require.NoError(t, err)
	assert.ElementsMatch(t, matches, again)
	assert.Len(t, store.MonitorMentions("mon-launch"), 1)
	assert.Len(t, store.MonitorMentions("mon-product"), 1)
	assert.Empty(t, store.MonitorMentions("mon-unrelated"))

	monitor, err := store.GetMonitor(ctx, "mon-launch")
	require.NoError(t, err)
	assert.NotNil(t, monitor.LastMentionAt)
}

func TestMatch_ReplayReturnsStoredMatch(t *testing.T) {
	ctx := context.Background()
	store := &MockMonitorStore{}
	detected := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	stored := &models.MonitorMention{
		ID:              "mm-original",
		MonitorID:       "mon-launch",
		MentionID:       "mention-1",
		MatchedKeywords: []string{"launch"},
		MatchScore:      0.25,
		DetectedAt:      detected,
	}

	store.On("ListActiveMonitors", mock.Anything).Return([]models.Monitor{launchMonitor()}, nil)
	store.On("InsertMonitorMention", mock.Anything, mock.Anything).
		Return(faults.Conflict("insert monitor mention", "mention-1 already matched mon-launch"))
	store.On("GetMonitorMention", mock.Anything, "mon-launch", "mention-1").Return(stored, nil)
	store.On("TouchMonitor", mock.Anything, "mon-launch", detected).Return(nil)

	matches, err := New(store, config.MatcherConfig{Concurrency: 1}, nil).Match(ctx, mentionOf("Product launch today"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, *stored, matches[0])
	store.AssertExpectations(t)
}

func TestMatch_ReplayLookupFailure(t *testing.T) {
	store := &MockMonitorStore{}
	store.On("ListActiveMonitors", mock.Anything).Return([]models.Monitor{launchMonitor()}, nil)
	store.On("InsertMonitorMention", mock.Anything, mock.Anything).
		Return(faults.Conflict("insert monitor mention", "mention-1 already matched mon-launch"))
	store.On("GetMonitorMention", mock.Anything, "mon-launch", "mention-1").
		Return((*models.MonitorMention)(nil), errors.New("connection reset"))

	matches, err := New(store, config.MatcherConfig{Concurrency: 1}, nil).Match(context.Background(), mentionOf("Product launch today"))
	require.Error(t, err)
	assert.Empty(t, matches)
	store.AssertNotCalled(t, "TouchMonitor", mock.Anything, mock.Anything, mock.Anything)
}

func TestMatch_SkipsNearDuplicates(t *testing.T) {
	store := &MockMonitorStore{}
	mention := mentionOf("Product launch today")
	mention.Category = models.CategoryDuplicate

	matches, err := New(store, config.MatcherConfig{Concurrency: 1}, nil).Match(context.Background(), mention)
	require.NoError(t, err)
	assert.Empty(t, matches)
	store.AssertNotCalled(t, "ListActiveMonitors", mock.Anything)
}

func TestMatch_IsolatesMonitorFailures(t *testing.T) {
	ctx := context.Background()
	store := &MockMonitorStore{}

	failing := launchMonitor()
	failing.ID = "mon-failing"
	healthy := launchMonitor()

	store.On("ListActiveMonitors", mock.Anything).Return([]models.Monitor{failing, healthy}, nil)
	store.On("InsertMonitorMention", mock.Anything, mock.MatchedBy(func(mm *models.MonitorMention) bool {
		return mm.MonitorID == "mon-failing"
	})).Return(errors.New("connection reset"))
	store.On("InsertMonitorMention", mock.Anything, mock.MatchedBy(func(mm *models.MonitorMention) bool {
		return mm.MonitorID == "mon-launch"
	})).Return(nil)
	store.On("TouchMonitor", mock.Anything, "mon-launch", mock.Anything).Return(nil)

	matches, err := New(store, config.MatcherConfig{Concurrency: 4}, nil).Match(ctx, mentionOf("Product launch today"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mon-failing")
	require.Len(t, matches, 1)
	assert.Equal(t, "mon-launch", matches[0].MonitorID)
	store.AssertExpectations(t)
}

func TestMatch_ListFailure(t *testing.T) {
	store := &MockMonitorStore{}
	store.On("ListActiveMonitors", mock.Anything).Return([]models.Monitor(nil), errors.New("db down"))

	_, err := New(store, config.MatcherConfig{Concurrency: 1}, nil).Match(context.Background(), mentionOf("launch"))
	assert.Error(t, err)
}
