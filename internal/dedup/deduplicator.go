package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/config"
	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
	"github.com/socialmonitor/mention-pipeline/internal/storage"
)

// Outcome is the ingestion verdict for one raw mention.
type Outcome string

const (
	OutcomeAdmitted      Outcome = "admitted"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeNearDuplicate Outcome = "near_duplicate"
	OutcomeRejected      Outcome = "rejected"
)

// Result describes what happened to a submitted mention. Mention is set
// when a new row was stored (admitted or near-duplicate).
type Result struct {
	Outcome   Outcome
	MentionID string
	Mention   *models.Mention
	Distance  int
}

const lockStripes = 64

// Deduplicator decides admit, reject or merge for raw mentions.
type Deduplicator struct {
	store storage.MentionStore
	cfg   config.DedupConfig
	log   *logrus.Entry
	now   func() time.Time

	// Decisions on the same normalized content are serialized so two
	// identical posts racing through different workers cannot both be
	// admitted as unique.
	locks [lockStripes]sync.Mutex
	// admit serializes the similarity check with the insert, so of two
	// near-duplicates arriving together the second sees the first. Always
	// taken after a stripe.
	admit sync.Mutex
}

// New creates a Deduplicator over store.
func New(store storage.MentionStore, cfg config.DedupConfig, log *logrus.Entry) *Deduplicator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Deduplicator{
		store: store,
		cfg:   cfg,
		log:   log.WithField("component", "dedup"),
		now:   time.Now,
	}
}

// Process applies the decision policy to raw. Resubmitting a stored post is
// a successful no-op reported as OutcomeDuplicate. Malformed input returns
// OutcomeRejected together with a DataError.
func (d *Deduplicator) Process(ctx context.Context, raw models.RawMention) (Result, error) {
	const op = "dedup"

	if strings.TrimSpace(raw.Platform) == "" || strings.TrimSpace(raw.PlatformPostID) == "" {
		return Result{Outcome: OutcomeRejected}, faults.Data(op, "platform and platform_post_id are required")
	}
	raw.Platform = strings.ToLower(strings.TrimSpace(raw.Platform))

	normalized := Normalize(raw.Content)
	if normalized == "" {
		return Result{Outcome: OutcomeRejected}, faults.Data(op, "content of %s/%s is empty after normalization", raw.Platform, raw.PlatformPostID)
	}

	contentHash := ContentHash(normalized)
	lock := &d.locks[xxhash.Sum64String(contentHash)%lockStripes]
	lock.Lock()
	defer lock.Unlock()

	if id, err := d.store.LookupPlatformPost(ctx, raw.Platform, raw.PlatformPostID); err == nil {
		d.log.WithField("mention_id", id).Debugf("Post %s/%s already ingested", raw.Platform, raw.PlatformPostID)
		return Result{Outcome: OutcomeDuplicate, MentionID: id}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	if fp, err := d.store.FindByContentHash(ctx, contentHash); err == nil {
		return d.recordExact(ctx, raw, fp.MentionID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return Result{}, err
	}

	now := d.now()
	m := d.buildMention(raw, normalized, now)
	fp := &models.Fingerprint{
		MentionID:      m.ID,
		ContentHash:    contentHash,
		SimilarityHash: Simhash(normalized),
		CreatedAt:      now,
	}

	d.admit.Lock()
	defer d.admit.Unlock()

	outcome := OutcomeAdmitted
	distance := 0
	similar, dist, err := d.store.FindSimilar(ctx, fp.SimilarityHash, d.cfg.NearDuplicateThreshold, now.Add(-d.cfg.NearDuplicateWindow))
	switch {
	case err == nil:
		outcome = OutcomeNearDuplicate
		distance = dist
		m.Category = models.CategoryDuplicate
		m.DuplicateOf = similar.MentionID
	case !errors.Is(err, storage.ErrNotFound):
		return Result{}, err
	}

	if err := d.store.InsertMention(ctx, m, fp); err != nil {
		if faults.IsKind(err, faults.KindConflict) {
			// Lost a race on the same post id under a different content stripe.
			id, lookupErr := d.store.LookupPlatformPost(ctx, raw.Platform, raw.PlatformPostID)
			if lookupErr != nil {
				return Result{}, lookupErr
			}
			return Result{Outcome: OutcomeDuplicate, MentionID: id}, nil
		}
		return Result{}, err
	}

	d.log.WithFields(logrus.Fields{
		"mention_id": m.ID,
		"outcome":    outcome,
	}).Debugf("Stored mention %s/%s", m.Platform, m.PlatformPostID)

	return Result{Outcome: outcome, MentionID: m.ID, Mention: m, Distance: distance}, nil
}

func (d *Deduplicator) recordExact(ctx context.Context, raw models.RawMention, originalID string) (Result, error) {
	var merge *models.Engagement
	if d.cfg.MergeEngagement {
		e := raw.Engagement
		merge = &e
	}

	err := d.store.RecordDuplicate(ctx, raw.Platform, raw.PlatformPostID, originalID, merge)
	if err != nil && !faults.IsKind(err, faults.KindConflict) {
		return Result{}, err
	}

	d.log.WithField("mention_id", originalID).Debugf("Post %s/%s is an exact duplicate", raw.Platform, raw.PlatformPostID)
	return Result{Outcome: OutcomeDuplicate, MentionID: originalID}, nil
}

func (d *Deduplicator) buildMention(raw models.RawMention, normalized string, now time.Time) *models.Mention {
	postType := strings.ToLower(strings.TrimSpace(raw.PostType))
	if postType == "" {
		postType = "post"
	}
	published := raw.PublishedAt
	if published.IsZero() {
		published = now
	}
	hashtags := raw.Hashtags
	if len(hashtags) == 0 {
		hashtags = ExtractHashtags(raw.Content)
	}

	return &models.Mention{
		ID:                uuid.NewString(),
		Platform:          raw.Platform,
		PlatformPostID:    raw.PlatformPostID,
		Author:            raw.Author,
		Content:           raw.Content,
		NormalizedContent: normalized,
		Language:          strings.ToLower(raw.Language),
		PostType:          postType,
		URL:               raw.URL,
		Hashtags:          hashtags,
		PublishedAt:       published,
		CollectedAt:       now,
		Engagement:        raw.Engagement,
		SentimentScore:    raw.SentimentScore,
		SentimentLabel:    raw.SentimentLabel,
		ToxicityScore:     raw.ToxicityScore,
		SpamProbability:   raw.SpamProbability,
		PriorityScore:     raw.PriorityScore,
		Status:            models.StatusPending,
	}
}
