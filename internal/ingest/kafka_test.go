package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/socialmonitor/mention-pipeline/internal/dedup"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// MockSubmitter is a mock implementation of pipeline.Submitter
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, raw models.RawMention) (dedup.Result, error) {
	args := m.Called(ctx, raw)
	return args.Get(0).(dedup.Result), args.Error(1)
}

func record(t *testing.T, partition int32, offset int64, postID string) *kgo.Record {
	t.Helper()
	value, err := json.Marshal(models.RawMention{
		Platform:       "twitter",
		PlatformPostID: postID,
		Content:        "launch " + postID,
	})
	require.NoError(t, err)
	return &kgo.Record{Topic: "mentions.raw", Partition: partition, Offset: offset, Value: value}
}

func postID(id string) interface{} {
	return mock.MatchedBy(func(raw models.RawMention) bool { return raw.PlatformPostID == id })
}

func newTestConsumer(s *MockSubmitter) *KafkaConsumer {
	c := newKafkaConsumer(nil, "mentions.raw", s, nil)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func commitKeys(records []*kgo.Record) []string {
	var keys []string
	for _, r := range records {
		keys = append(keys, string(rune('0'+r.Partition))+":"+string(rune('0'+r.Offset)))
	}
	sort.Strings(keys)
	return keys
}

func TestProcessRecordsCommitsAcceptedAndMalformed(t *testing.T) {
	s := &MockSubmitter{}
	s.On("Submit", mock.Anything, postID("a")).Return(dedup.Result{Outcome: dedup.OutcomeAdmitted}, nil)
	s.On("Submit", mock.Anything, postID("b")).Return(dedup.Result{Outcome: dedup.OutcomeRejected}, faults.Data("dedup", "empty content"))
	s.On("Submit", mock.Anything, postID("c")).Return(dedup.Result{Outcome: dedup.OutcomeDuplicate}, nil)

	c := newTestConsumer(s)
	records := []*kgo.Record{
		record(t, 0, 0, "a"),
		record(t, 0, 1, "b"),
		{Topic: "mentions.raw", Partition: 0, Offset: 2, Value: []byte("{not json")},
		record(t, 0, 3, "c"),
	}

	commit := c.processRecords(context.Background(), records)
	assert.Equal(t, []string{"0:3"}, commitKeys(commit))
	s.AssertNumberOfCalls(t, "Submit", 3)
}

func TestProcessRecordsRetriesTransientFailures(t *testing.T) {
	s := &MockSubmitter{}
	s.On("Submit", mock.Anything, postID("a")).Return(dedup.Result{}, faults.Transient("submit", "queue full")).Twice()
	s.On("Submit", mock.Anything, postID("a")).Return(dedup.Result{Outcome: dedup.OutcomeAdmitted}, nil).Once()

	c := newTestConsumer(s)
	var delays []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	commit := c.processRecords(context.Background(), []*kgo.Record{record(t, 0, 0, "a")})
	assert.Equal(t, []string{"0:0"}, commitKeys(commit))
	assert.Equal(t, []time.Duration{retryBase, 2 * retryBase}, delays)
	s.AssertNumberOfCalls(t, "Submit", 3)
}

func TestProcessRecordsBlocksPartitionOnShutdown(t *testing.T) {
	s := &MockSubmitter{}
	s.On("Submit", mock.Anything, postID("a")).Return(dedup.Result{Outcome: dedup.OutcomeAdmitted}, nil)
	s.On("Submit", mock.Anything, postID("b")).Return(dedup.Result{}, faults.Transient("store", "connection refused"))
	s.On("Submit", mock.Anything, postID("d")).Return(dedup.Result{Outcome: dedup.OutcomeAdmitted}, nil)

	c := newTestConsumer(s)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	records := []*kgo.Record{
		record(t, 0, 0, "a"),
		record(t, 0, 1, "b"),
		record(t, 0, 2, "c"),
		record(t, 1, 0, "d"),
	}
	commit := c.processRecords(ctx, records)

	// Partition 0 stops before the failed record; partition 1 is unaffected.
	assert.Equal(t, []string{"0:0", "1:0"}, commitKeys(commit))
	for _, call := range s.Calls {
		assert.NotEqual(t, "c", call.Arguments.Get(1).(models.RawMention).PlatformPostID)
	}
}
