package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// PostgresStore implements Store on PostgreSQL (14+ for bit_count). The
// schema is owned by the surrounding application; uniqueness of
// (platform, platform_post_id), (monitor_id, mention_id) and
// (alert_id, channel, recipient) is enforced by its constraints.
type PostgresStore struct {
	db *sql.DB
}

// Ensure PostgresStore implements Store
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens and verifies a connection pool.
func NewPostgresStore(ctx context.Context, connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing pool.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// classify marks database failures as transient so callers retry them.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if isUniqueViolation(err) {
		return faults.Wrap(faults.KindConflict, op, err)
	}
	return faults.Wrap(faults.KindTransient, op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func (p *PostgresStore) LookupPlatformPost(ctx context.Context, platform, postID string) (string, error) {
	const q = `
		SELECT id FROM mentions WHERE platform = $1 AND platform_post_id = $2
		UNION ALL
		SELECT mention_id FROM mention_aliases WHERE platform = $1 AND platform_post_id = $2
		LIMIT 1`

	var id string
	err := p.db.QueryRowContext(ctx, q, platform, postID).Scan(&id)
	if err != nil {
		return "", classify("lookup platform post", err)
	}
	return id, nil
}

func (p *PostgresStore) FindByContentHash(ctx context.Context, hash string) (*models.Fingerprint, error) {
	const q = `
		SELECT mention_id, content_hash, similarity_hash, created_at
		FROM mention_fingerprints WHERE content_hash = $1
		ORDER BY created_at LIMIT 1`

	var fp models.Fingerprint
	var sim int64
	err := p.db.QueryRowContext(ctx, q, hash).Scan(&fp.MentionID, &fp.ContentHash, &sim, &fp.CreatedAt)
	if err != nil {
		return nil, classify("find by content hash", err)
	}
	fp.SimilarityHash = uint64(sim)
	return &fp, nil
}

func (p *PostgresStore) FindSimilar(ctx context.Context, hash uint64, maxDistance int, since time.Time) (*models.Fingerprint, int, error) {
	const q = `
		SELECT mention_id, content_hash, similarity_hash, created_at, distance FROM (
			SELECT mention_id, content_hash, similarity_hash, created_at,
			       bit_count((similarity_hash # $1)::bit(64)) AS distance
			FROM mention_fingerprints WHERE created_at >= $2
		) candidates
		WHERE distance <= $3
		ORDER BY distance, created_at DESC LIMIT 1`

	var fp models.Fingerprint
	var sim int64
	var distance int
	err := p.db.QueryRowContext(ctx, q, int64(hash), since, maxDistance).
		Scan(&fp.MentionID, &fp.ContentHash, &sim, &fp.CreatedAt, &distance)
	if err != nil {
		return nil, 0, classify("find similar", err)
	}
	fp.SimilarityHash = uint64(sim)
	return &fp, distance, nil
}

func (p *PostgresStore) InsertMention(ctx context.Context, m *models.Mention, fp *models.Fingerprint) error {
	const op = "insert mention"

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mentions (
			id, platform, platform_post_id, author_id, author_username, author_followers,
			content_text, normalized_content, language, post_type, url, hashtags,
			published_at, collected_at, likes_count, shares_count, comments_count, views_count,
			sentiment_score, sentiment_label, toxicity_score, spam_probability,
			category, priority_score, duplicate_of, processing_status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)
		ON CONFLICT (platform, platform_post_id) DO NOTHING`,
		m.ID, m.Platform, m.PlatformPostID, m.Author.ID, nullString(m.Author.Username), m.Author.FollowerCount,
		m.Content, m.NormalizedContent, nullString(m.Language), m.PostType, nullString(m.URL), pq.Array(m.Hashtags),
		m.PublishedAt, m.CollectedAt, m.Engagement.Likes, m.Engagement.Shares, m.Engagement.Comments, m.Engagement.Views,
		nullFloat(m.SentimentScore), nullString(m.SentimentLabel), nullFloat(m.ToxicityScore), nullFloat(m.SpamProbability),
		nullString(m.Category), m.PriorityScore, nullString(m.DuplicateOf), string(m.Status),
	)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Conflict(op, "post %s/%s already stored", m.Platform, m.PlatformPostID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mention_fingerprints (mention_id, content_hash, similarity_hash, created_at)
		VALUES ($1, $2, $3, $4)`,
		fp.MentionID, fp.ContentHash, int64(fp.SimilarityHash), fp.CreatedAt,
	); err != nil {
		return classify(op, err)
	}

	return classify(op, tx.Commit())
}

func (p *PostgresStore) RecordDuplicate(ctx context.Context, platform, postID, originalID string, merge *models.Engagement) error {
	const op = "record duplicate"

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO mention_aliases (platform, platform_post_id, mention_id) VALUES ($1, $2, $3)`,
		platform, postID, originalID,
	); err != nil {
		return classify(op, err)
	}

	if merge != nil {
		res, err := tx.ExecContext(ctx, `
			UPDATE mentions SET likes_count = likes_count + $2, shares_count = shares_count + $3,
				comments_count = comments_count + $4, views_count = views_count + $5
			WHERE id = $1`,
			originalID, merge.Likes, merge.Shares, merge.Comments, merge.Views,
		)
		if err != nil {
			return classify(op, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
	}

	return classify(op, tx.Commit())
}

const mentionColumns = `id, platform, platform_post_id, author_id, author_username, author_followers,
	content_text, normalized_content, language, post_type, url, hashtags,
	published_at, collected_at, likes_count, shares_count, comments_count, views_count,
	sentiment_score, sentiment_label, toxicity_score, spam_probability,
	category, priority_score, duplicate_of, processing_status`

func (p *PostgresStore) GetMention(ctx context.Context, id string) (*models.Mention, error) {
	var m models.Mention
	var username, language, url, sentimentLabel, category, duplicateOf sql.NullString
	var sentiment, toxicity, spam sql.NullFloat64
	var status string

	err := p.db.QueryRowContext(ctx, `SELECT `+mentionColumns+` FROM mentions WHERE id = $1`, id).Scan(
		&m.ID, &m.Platform, &m.PlatformPostID, &m.Author.ID, &username, &m.Author.FollowerCount,
		&m.Content, &m.NormalizedContent, &language, &m.PostType, &url, pq.Array(&m.Hashtags),
		&m.PublishedAt, &m.CollectedAt, &m.Engagement.Likes, &m.Engagement.Shares, &m.Engagement.Comments, &m.Engagement.Views,
		&sentiment, &sentimentLabel, &toxicity, &spam,
		&category, &m.PriorityScore, &duplicateOf, &status,
	)
	if err != nil {
		return nil, classify("get mention", err)
	}

	m.Author.Username = username.String
	m.Language = language.String
	m.URL = url.String
	m.SentimentLabel = sentimentLabel.String
	m.Category = category.String
	m.DuplicateOf = duplicateOf.String
	m.SentimentScore = floatPtr(sentiment)
	m.ToxicityScore = floatPtr(toxicity)
	m.SpamProbability = floatPtr(spam)
	m.Status = models.ProcessingStatus(status)
	return &m, nil
}

func (p *PostgresStore) UpdateMentionStatus(ctx context.Context, id string, status models.ProcessingStatus) error {
	res, err := p.db.ExecContext(ctx, `UPDATE mentions SET processing_status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return classify("update mention status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const monitorColumns = `id, workspace_id, name, keywords, negative_keywords, platforms, languages,
	status, include_retweets, min_followers, last_mention_at`

func scanMonitor(row interface{ Scan(...interface{}) error }) (models.Monitor, error) {
	var m models.Monitor
	var status string
	var last sql.NullTime
	err := row.Scan(&m.ID, &m.WorkspaceID, &m.Name, pq.Array(&m.Keywords), pq.Array(&m.NegativeKeywords),
		pq.Array(&m.Platforms), pq.Array(&m.Languages), &status, &m.IncludeRetweets, &m.MinFollowers, &last)
	m.Status = models.MonitorStatus(status)
	m.LastMentionAt = timePtr(last)
	return m, err
}

func (p *PostgresStore) ListActiveMonitors(ctx context.Context) ([]models.Monitor, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE status = 'active' ORDER BY id`)
	if err != nil {
		return nil, classify("list monitors", err)
	}
	defer rows.Close()

	var out []models.Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, classify("list monitors", err)
		}
		out = append(out, m)
	}
	return out, classify("list monitors", rows.Err())
}

func (p *PostgresStore) GetMonitor(ctx context.Context, id string) (*models.Monitor, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+monitorColumns+` FROM monitors WHERE id = $1 AND status <> 'archived'`, id)
	m, err := scanMonitor(row)
	if err != nil {
		return nil, classify("get monitor", err)
	}
	return &m, nil
}

func (p *PostgresStore) InsertMonitorMention(ctx context.Context, mm *models.MonitorMention) error {
	const op = "insert monitor mention"

	res, err := p.db.ExecContext(ctx, `
		INSERT INTO monitor_mentions (id, monitor_id, mention_id, matched_keywords, match_score, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (monitor_id, mention_id) DO NOTHING`,
		mm.ID, mm.MonitorID, mm.MentionID, pq.Array(mm.MatchedKeywords), mm.MatchScore, mm.DetectedAt,
	)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Conflict(op, "monitor %s already matched mention %s", mm.MonitorID, mm.MentionID)
	}
	return nil
}

func (p *PostgresStore) GetMonitorMention(ctx context.Context, monitorID, mentionID string) (*models.MonitorMention, error) {
	var mm models.MonitorMention
	err := p.db.QueryRowContext(ctx, `
		SELECT id, monitor_id, mention_id, matched_keywords, match_score, detected_at
		FROM monitor_mentions WHERE monitor_id = $1 AND mention_id = $2`, monitorID, mentionID).Scan(
		&mm.ID, &mm.MonitorID, &mm.MentionID, pq.Array(&mm.MatchedKeywords), &mm.MatchScore, &mm.DetectedAt,
	)
	if err != nil {
		return nil, classify("get monitor mention", err)
	}
	return &mm, nil
}

func (p *PostgresStore) TouchMonitor(ctx context.Context, id string, at time.Time) error {
	_, err := p.db.ExecContext(ctx, `
		UPDATE monitors SET last_mention_at = $2
		WHERE id = $1 AND (last_mention_at IS NULL OR last_mention_at < $2)`, id, at)
	return classify("touch monitor", err)
}

func (p *PostgresStore) ListRulesByMonitor(ctx context.Context, monitorID string) ([]models.AlertRule, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, monitor_id, name, conditions, frequency, channels, recipients, status, created_by, last_triggered_at
		FROM alert_rules WHERE monitor_id = $1 ORDER BY id`, monitorID)
	if err != nil {
		return nil, classify("list rules", err)
	}
	defer rows.Close()

	var out []models.AlertRule
	for rows.Next() {
		var r models.AlertRule
		var conditions, recipients []byte
		var channels []string
		var frequency, status string
		var last sql.NullTime
		if err := rows.Scan(&r.ID, &r.MonitorID, &r.Name, &conditions, &frequency, pq.Array(&channels),
			&recipients, &status, &r.CreatedBy, &last); err != nil {
			return nil, classify("list rules", err)
		}

		// Decode at the boundary; a malformed rule is skipped, not fatal.
		parsed, err := models.ParseConditions(conditions)
		if err != nil {
			logrus.WithFields(logrus.Fields{"rule_id": r.ID, "monitor_id": monitorID}).
				Warnf("Skipping rule with invalid conditions: %v", err)
			continue
		}
		if err := json.Unmarshal(recipients, &r.Recipients); err != nil {
			logrus.WithFields(logrus.Fields{"rule_id": r.ID, "monitor_id": monitorID}).
				Warnf("Skipping rule with invalid recipients: %v", err)
			continue
		}

		r.Conditions = parsed
		r.Frequency = models.Frequency(frequency)
		r.Status = models.RuleStatus(status)
		r.LastTriggeredAt = timePtr(last)
		for _, c := range channels {
			r.Channels = append(r.Channels, models.Channel(c))
		}
		out = append(out, r)
	}
	return out, classify("list rules", rows.Err())
}

func (p *PostgresStore) MarkRuleTriggered(ctx context.Context, ruleID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `UPDATE alert_rules SET last_triggered_at = $2 WHERE id = $1`, ruleID, at)
	if err != nil {
		return classify("mark rule triggered", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	metadata, err := json.Marshal(a.Metadata)
	if err != nil {
		return faults.Wrap(faults.KindData, "create alert", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO alerts (id, rule_id, monitor_id, alert_type, severity, title, message, mention_ids, alert_metadata, triggered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.RuleID, a.MonitorID, a.AlertType, string(a.Severity), a.Title, nullString(a.Message),
		pq.Array(a.MentionIDs), metadata, a.TriggeredAt,
	)
	return classify("create alert", err)
}

const alertColumns = `id, rule_id, monitor_id, alert_type, severity, title, message, mention_ids, alert_metadata,
	triggered_at, resolved_at, resolved_by`

func scanAlert(row interface{ Scan(...interface{}) error }) (*models.Alert, error) {
	var a models.Alert
	var severity string
	var message, resolvedBy sql.NullString
	var metadata []byte
	var resolvedAt sql.NullTime

	if err := row.Scan(&a.ID, &a.RuleID, &a.MonitorID, &a.AlertType, &severity, &a.Title, &message,
		pq.Array(&a.MentionIDs), &metadata, &a.TriggeredAt, &resolvedAt, &resolvedBy); err != nil {
		return nil, err
	}

	a.Severity = models.Severity(severity)
	a.Message = message.String
	a.ResolvedAt = timePtr(resolvedAt)
	a.ResolvedBy = resolvedBy.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, faults.Wrap(faults.KindData, "scan alert", err)
		}
	}
	return &a, nil
}

func (p *PostgresStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(p.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if err != nil {
		return nil, classify("get alert", err)
	}
	return a, nil
}

func (p *PostgresStore) ListUndeliveredAlerts(ctx context.Context, since time.Time) ([]models.Alert, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+alertColumns+` FROM alerts a
		WHERE a.triggered_at >= $1 AND a.resolved_at IS NULL
		  AND NOT EXISTS (SELECT 1 FROM alert_deliveries d WHERE d.alert_id = a.id)
		ORDER BY a.triggered_at, a.id`, since)
	if err != nil {
		return nil, classify("list undelivered alerts", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, classify("list undelivered alerts", err)
		}
		out = append(out, *a)
	}
	return out, classify("list undelivered alerts", rows.Err())
}

func (p *PostgresStore) ResolveAlert(ctx context.Context, id, by string, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alerts SET resolved_at = $3, resolved_by = $2 WHERE id = $1 AND resolved_at IS NULL`, id, by, at)
	if err != nil {
		return classify("resolve alert", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetAlert(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

const deliveryColumns = `id, alert_id, rule_id, channel, user_id, recipient, subject, body, priority, status,
	attempts, max_attempts, scheduled_for, last_attempt_at, sent_at, error_message, external_id, created_at`

func scanDelivery(row interface{ Scan(...interface{}) error }) (models.Delivery, error) {
	var d models.Delivery
	var channel, priority, status string
	var userID, subject, errMsg, externalID sql.NullString
	var lastAttempt, sentAt sql.NullTime

	err := row.Scan(&d.ID, &d.AlertID, &d.RuleID, &channel, &userID, &d.Recipient, &subject, &d.Body,
		&priority, &status, &d.Attempts, &d.MaxAttempts, &d.ScheduledFor, &lastAttempt, &sentAt,
		&errMsg, &externalID, &d.CreatedAt)

	d.Channel = models.Channel(channel)
	d.Priority = models.Priority(priority)
	d.Status = models.DeliveryStatus(status)
	d.UserID = userID.String
	d.Subject = subject.String
	d.ErrorMessage = errMsg.String
	d.ExternalID = externalID.String
	d.LastAttemptAt = timePtr(lastAttempt)
	d.SentAt = timePtr(sentAt)
	return d, err
}

func (p *PostgresStore) CreateDeliveries(ctx context.Context, ds []models.Delivery) ([]models.Delivery, error) {
	const op = "create deliveries"
	if len(ds) == 0 {
		return nil, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(op, err)
	}
	defer tx.Rollback()

	for _, d := range ds {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO alert_deliveries (`+deliveryColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (alert_id, channel, recipient) DO NOTHING`,
			d.ID, d.AlertID, d.RuleID, string(d.Channel), nullString(d.UserID), d.Recipient, nullString(d.Subject), d.Body,
			string(d.Priority), string(d.Status), d.Attempts, d.MaxAttempts, d.ScheduledFor,
			nullTime(d.LastAttemptAt), nullTime(d.SentAt), nullString(d.ErrorMessage), nullString(d.ExternalID), d.CreatedAt,
		); err != nil {
			return nil, classify(op, err)
		}
	}

	out := make([]models.Delivery, 0, len(ds))
	for _, d := range ds {
		row := tx.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM alert_deliveries
			WHERE alert_id = $1 AND channel = $2 AND recipient = $3`, d.AlertID, string(d.Channel), d.Recipient)
		stored, err := scanDelivery(row)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, stored)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify(op, err)
	}
	return out, nil
}

func (p *PostgresStore) ClaimNextDelivery(ctx context.Context, channel models.Channel, now time.Time) (*models.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE alert_deliveries SET status = 'processing', last_attempt_at = $2
		WHERE id = (
			SELECT id FROM alert_deliveries
			WHERE channel = $1 AND status = 'pending' AND scheduled_for <= $2
			ORDER BY CASE priority WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'normal' THEN 2 WHEN 'low' THEN 1 ELSE 0 END DESC,
			         scheduled_for, created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryColumns, string(channel), now)

	d, err := scanDelivery(row)
	if err != nil {
		return nil, classify("claim delivery", err)
	}
	return &d, nil
}

func (p *PostgresStore) CompleteDelivery(ctx context.Context, id string, u DeliveryUpdate) error {
	const op = "complete delivery"

	var scheduled sql.NullTime
	if !u.ScheduledFor.IsZero() {
		scheduled = sql.NullTime{Time: u.ScheduledFor, Valid: true}
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = $2, attempts = $3,
			scheduled_for = COALESCE($4, scheduled_for), sent_at = COALESCE($5, sent_at),
			error_message = $6, external_id = COALESCE($7, external_id)
		WHERE id = $1 AND status = 'processing'`,
		id, string(u.Status), u.Attempts, scheduled, nullTime(u.SentAt), nullString(u.ErrorMessage), nullString(u.ExternalID),
	)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetDelivery(ctx, id); err != nil {
			return err
		}
		return faults.Conflict(op, "delivery %s is no longer processing", id)
	}
	return nil
}

func (p *PostgresStore) CancelAlertDeliveries(ctx context.Context, alertID, reason string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = 'cancelled', error_message = $2
		WHERE alert_id = $1 AND status IN ('pending', 'processing')`, alertID, reason)
	if err != nil {
		return 0, classify("cancel deliveries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) MarkBounced(ctx context.Context, id, reason string) error {
	const op = "mark bounced"

	res, err := p.db.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = 'bounced', error_message = $2
		WHERE id = $1 AND status IN ('pending', 'processing', 'sent')`, id, reason)
	if err != nil {
		return classify(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := p.GetDelivery(ctx, id); err != nil {
			return err
		}
		return faults.Conflict(op, "delivery %s is already terminal", id)
	}
	return nil
}

func (p *PostgresStore) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE alert_deliveries SET status = 'pending'
		WHERE status = 'processing' AND last_attempt_at < $1`, cutoff)
	if err != nil {
		return 0, classify("recover stale deliveries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM alert_deliveries WHERE id = $1`, id)
	d, err := scanDelivery(row)
	if err != nil {
		return nil, classify("get delivery", err)
	}
	return &d, nil
}

func (p *PostgresStore) ListDeliveries(ctx context.Context, alertID string) ([]models.Delivery, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+deliveryColumns+` FROM alert_deliveries
		WHERE alert_id = $1 ORDER BY channel, recipient`, alertID)
	if err != nil {
		return nil, classify("list deliveries", err)
	}
	defer rows.Close()

	var out []models.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, classify("list deliveries", err)
		}
		out = append(out, d)
	}
	return out, classify("list deliveries", rows.Err())
}

func (p *PostgresStore) GetPreference(ctx context.Context, userID string, channel models.Channel) (*models.Preference, error) {
	var pref models.Preference
	var start, end sql.NullString
	var ch string

	err := p.db.QueryRowContext(ctx, `
		SELECT user_id, channel, enabled, quiet_hours_start, quiet_hours_end, timezone
		FROM notification_preferences WHERE user_id = $1 AND channel = $2`, userID, string(channel)).
		Scan(&pref.UserID, &ch, &pref.Enabled, &start, &end, &pref.Timezone)
	if err != nil {
		return nil, classify("get preference", err)
	}

	pref.Channel = models.Channel(ch)
	pref.QuietHoursStart = start.String
	pref.QuietHoursEnd = end.String
	return &pref, nil
}
