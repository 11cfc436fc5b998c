package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

func failedDelivery(id string, created time.Time) models.Delivery {
	return models.Delivery{
		ID:           id,
		AlertID:      "a1",
		Channel:      models.ChannelEmail,
		Recipient:    "ops@example.com",
		Status:       models.DeliveryFailed,
		Attempts:     3,
		ErrorMessage: "550 mailbox unavailable",
		CreatedAt:    created,
	}
}

func TestBlobAuditSink_FailuresByDay(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryBlobStore()
	sink := NewBlobAuditSink(blobs)
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, sink.RecordFailure(ctx, failedDelivery("d1", day.Add(9*time.Hour))))
	require.NoError(t, sink.RecordFailure(ctx, failedDelivery("d2", day.Add(23*time.Hour))))
	require.NoError(t, sink.RecordFailure(ctx, failedDelivery("d3", day.Add(25*time.Hour))))

	got, err := sink.Failures(ctx, day.Add(12*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d1", got[0].ID)
	assert.Equal(t, "d2", got[1].ID)
	assert.Equal(t, "550 mailbox unavailable", got[0].ErrorMessage)

	got, err = sink.Failures(ctx, day.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBlobAuditSink_Purge(t *testing.T) {
	ctx := context.Background()
	blobs := storage.NewMemoryBlobStore()
	sink := NewBlobAuditSink(blobs)
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)

	require.NoError(t, sink.RecordFailure(ctx, failedDelivery("old", day.Add(-48*time.Hour))))
	require.NoError(t, sink.RecordFailure(ctx, failedDelivery("edge", day.Add(-time.Minute))))
	require.NoError(t, sink.RecordFailure(ctx, failedDelivery("kept", day.Add(time.Hour))))
	require.NoError(t, blobs.Store(ctx, "failed-deliveries/readme.txt", []byte("layout")))

	n, err := sink.Purge(ctx, day.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	names, err := blobs.List(ctx, "failed-deliveries/")
	require.NoError(t, err)
	assert.Equal(t, []string{"failed-deliveries/2024/03/10/kept.json", "failed-deliveries/readme.txt"}, names)
}
