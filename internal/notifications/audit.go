package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

const (
	failurePrefix = "failed-deliveries/"
	dayLayout     = "2006/01/02"
)

// BlobAuditSink archives permanently failed deliveries as JSON documents,
// one per delivery, partitioned by the day the delivery was created.
type BlobAuditSink struct {
	blobs storage.BlobStore
}

// Ensure BlobAuditSink implements AuditSink
var _ AuditSink = (*BlobAuditSink)(nil)

func NewBlobAuditSink(blobs storage.BlobStore) *BlobAuditSink {
	return &BlobAuditSink{blobs: blobs}
}

// FailureBlobName is where the failure record of d is stored.
func FailureBlobName(d models.Delivery) string {
	return fmt.Sprintf("%s%s/%s.json", failurePrefix, d.CreatedAt.UTC().Format(dayLayout), d.ID)
}

func (s *BlobAuditSink) RecordFailure(ctx context.Context, d models.Delivery) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal delivery: %w", err)
	}
	return s.blobs.Store(ctx, FailureBlobName(d), data)
}

// Failures returns the failure records archived for deliveries created on
// day (UTC). Records removed between listing and reading are skipped.
func (s *BlobAuditSink) Failures(ctx context.Context, day time.Time) ([]models.Delivery, error) {
	prefix := failurePrefix + day.UTC().Format(dayLayout) + "/"
	names, err := s.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	out := make([]models.Delivery, 0, len(names))
	for _, name := range names {
		data, err := s.blobs.Retrieve(ctx, name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var d models.Delivery
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// Purge deletes the records of days before the day of cutoff and returns
// how many were removed. Names outside the dated layout are left alone.
func (s *BlobAuditSink) Purge(ctx context.Context, before time.Time) (int, error) {
	names, err := s.blobs.List(ctx, failurePrefix)
	if err != nil {
		return 0, err
	}

	cutoff := before.UTC().Truncate(24 * time.Hour)
	removed := 0
	for _, name := range names {
		day, ok := failureDay(name)
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := s.blobs.Delete(ctx, name); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// failureDay parses the partition day out of a failure record name.
func failureDay(name string) (time.Time, bool) {
	rest := strings.TrimPrefix(name, failurePrefix)
	if len(rest) <= len(dayLayout) || rest[len(dayLayout)] != '/' {
		return time.Time{}, false
	}
	day, err := time.Parse(dayLayout, rest[:len(dayLayout)])
	return day, err == nil
}
