package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math/bits"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/socialmonitor/mention-pipeline/internal/faults"
	"github.com/socialmonitor/mention-pipeline/internal/models"
)

// MemoryStore is a single-process Store. Every method runs under one lock,
// which gives each call the atomicity the contract asks of a transaction.
type MemoryStore struct {
	mu sync.Mutex

	mentions     map[string]*models.Mention
	postIndex    map[string]string // platform/post -> mention id, includes aliases
	fingerprints []models.Fingerprint
	contentIndex map[string]int // content hash -> fingerprints index

	monitors        map[string]*models.Monitor
	monitorMentions map[string]models.MonitorMention // monitor/mention -> record

	rules  map[string]*models.AlertRule
	alerts map[string]*models.Alert

	deliveries  map[string]*models.Delivery
	deliveryKey map[string]string // alert/channel/recipient -> delivery id

	preferences map[string]models.Preference
}

// Ensure MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		mentions:        make(map[string]*models.Mention),
		postIndex:       make(map[string]string),
		contentIndex:    make(map[string]int),
		monitors:        make(map[string]*models.Monitor),
		monitorMentions: make(map[string]models.MonitorMention),
		rules:           make(map[string]*models.AlertRule),
		alerts:          make(map[string]*models.Alert),
		deliveries:      make(map[string]*models.Delivery),
		deliveryKey:     make(map[string]string),
		preferences:     make(map[string]models.Preference),
	}
}

func postKey(platform, postID string) string {
	return strings.ToLower(platform) + "\x00" + postID
}

func pairKey(parts ...string) string {
	return strings.Join(parts, "\x00")
}

// Seed is the fixture document accepted by LoadSeed.
type Seed struct {
	Monitors    []models.Monitor    `json:"monitors"`
	Rules       []models.AlertRule  `json:"rules"`
	Preferences []models.Preference `json:"preferences"`
}

// LoadSeed reads monitors, rules and preferences from a JSON file. Rule
// conditions are decoded at this boundary, so a malformed rule fails the load.
func (s *MemoryStore) LoadSeed(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read seed file: %w", err)
	}

	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("failed to parse seed file: %w", err)
	}

	for i := range seed.Monitors {
		s.PutMonitor(seed.Monitors[i])
	}
	for i := range seed.Rules {
		s.PutRule(seed.Rules[i])
	}
	for i := range seed.Preferences {
		s.PutPreference(seed.Preferences[i])
	}
	return nil
}

// PutMonitor creates or replaces a monitor.
func (s *MemoryStore) PutMonitor(m models.Monitor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.monitors[m.ID] = &m
}

// PutRule creates or replaces an alert rule.
func (s *MemoryStore) PutRule(r models.AlertRule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[r.ID] = &r
}

// PutPreference creates or replaces a notification preference.
func (s *MemoryStore) PutPreference(p models.Preference) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[pairKey(p.UserID, string(p.Channel))] = p
}

// MentionCount returns the number of stored mentions.
func (s *MemoryStore) MentionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.mentions)
}

// MonitorMentions returns the matches recorded for a monitor.
func (s *MemoryStore) MonitorMentions(monitorID string) []models.MonitorMention {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.MonitorMention
	for _, mm := range s.monitorMentions {
		if mm.MonitorID == monitorID {
			out = append(out, mm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// Alerts returns the alerts fired by a rule in trigger order.
func (s *MemoryStore) Alerts(ruleID string) []models.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Alert
	for _, a := range s.alerts {
		if a.RuleID == ruleID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.Before(out[j].TriggeredAt) })
	return out
}

func (s *MemoryStore) LookupPlatformPost(ctx context.Context, platform, postID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.postIndex[postKey(platform, postID)]; ok {
		return id, nil
	}
	return "", ErrNotFound
}

func (s *MemoryStore) FindByContentHash(ctx context.Context, hash string) (*models.Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i, ok := s.contentIndex[hash]; ok {
		fp := s.fingerprints[i]
		return &fp, nil
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindSimilar(ctx context.Context, hash uint64, maxDistance int, since time.Time) (*models.Fingerprint, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	best := -1
	bestDistance := maxDistance + 1
	// Newest first so ties resolve to the most recent original.
	for i := len(s.fingerprints) - 1; i >= 0; i-- {
		fp := s.fingerprints[i]
		if fp.CreatedAt.Before(since) {
			continue
		}
		d := bits.OnesCount64(fp.SimilarityHash ^ hash)
		if d < bestDistance {
			best, bestDistance = i, d
		}
	}
	if best < 0 {
		return nil, 0, ErrNotFound
	}
	fp := s.fingerprints[best]
	return &fp, bestDistance, nil
}

func (s *MemoryStore) InsertMention(ctx context.Context, m *models.Mention, fp *models.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := postKey(m.Platform, m.PlatformPostID)
	if _, ok := s.postIndex[key]; ok {
		return faults.Conflict("insert mention", "post %s/%s already stored", m.Platform, m.PlatformPostID)
	}
	if _, ok := s.mentions[m.ID]; ok {
		return faults.Conflict("insert mention", "mention %s already stored", m.ID)
	}

	stored := *m
	s.mentions[m.ID] = &stored
	s.postIndex[key] = m.ID
	s.fingerprints = append(s.fingerprints, *fp)
	if _, ok := s.contentIndex[fp.ContentHash]; !ok {
		s.contentIndex[fp.ContentHash] = len(s.fingerprints) - 1
	}
	return nil
}

func (s *MemoryStore) RecordDuplicate(ctx context.Context, platform, postID, originalID string, merge *models.Engagement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := postKey(platform, postID)
	if _, ok := s.postIndex[key]; ok {
		return faults.Conflict("record duplicate", "post %s/%s already stored", platform, postID)
	}
	original, ok := s.mentions[originalID]
	if !ok {
		return ErrNotFound
	}

	s.postIndex[key] = originalID
	if merge != nil {
		original.Engagement = original.Engagement.Add(*merge)
	}
	return nil
}

func (s *MemoryStore) GetMention(ctx context.Context, id string) (*models.Mention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mentions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) UpdateMentionStatus(ctx context.Context, id string, status models.ProcessingStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mentions[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = status
	return nil
}

func (s *MemoryStore) ListActiveMonitors(ctx context.Context) ([]models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Monitor
	for _, m := range s.monitors {
		if m.Status == models.MonitorActive {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetMonitor(ctx context.Context, id string) (*models.Monitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monitors[id]
	if !ok || m.Status == models.MonitorArchived {
		return nil, ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) InsertMonitorMention(ctx context.Context, mm *models.MonitorMention) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(mm.MonitorID, mm.MentionID)
	if _, ok := s.monitorMentions[key]; ok {
		return faults.Conflict("insert monitor mention", "monitor %s already matched mention %s", mm.MonitorID, mm.MentionID)
	}
	s.monitorMentions[key] = *mm
	return nil
}

func (s *MemoryStore) GetMonitorMention(ctx context.Context, monitorID, mentionID string) (*models.MonitorMention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mm, ok := s.monitorMentions[pairKey(monitorID, mentionID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &mm, nil
}

func (s *MemoryStore) TouchMonitor(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.monitors[id]
	if !ok {
		return ErrNotFound
	}
	if m.LastMentionAt == nil || at.After(*m.LastMentionAt) {
		t := at
		m.LastMentionAt = &t
	}
	return nil
}

func (s *MemoryStore) ListRulesByMonitor(ctx context.Context, monitorID string) ([]models.AlertRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.AlertRule
	for _, r := range s.rules {
		if r.MonitorID == monitorID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) MarkRuleTriggered(ctx context.Context, ruleID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	t := at
	r.LastTriggeredAt = &t
	return nil
}

func (s *MemoryStore) CreateAlert(ctx context.Context, a *models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.alerts[a.ID]; ok {
		return faults.Conflict("create alert", "alert %s already exists", a.ID)
	}
	stored := *a
	stored.MentionIDs = append([]string(nil), a.MentionIDs...)
	s.alerts[a.ID] = &stored
	return nil
}

func (s *MemoryStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *a
	return &out, nil
}

func (s *MemoryStore) ResolveAlert(ctx context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if a.ResolvedAt != nil {
		return nil
	}
	t := at
	a.ResolvedAt = &t
	a.ResolvedBy = by
	return nil
}

func (s *MemoryStore) ListUndeliveredAlerts(ctx context.Context, since time.Time) ([]models.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queued := make(map[string]bool, len(s.deliveries))
	for _, d := range s.deliveries {
		queued[d.AlertID] = true
	}

	var out []models.Alert
	for _, a := range s.alerts {
		if queued[a.ID] || a.ResolvedAt != nil || a.TriggeredAt.Before(since) {
			continue
		}
		c := *a
		c.MentionIDs = append([]string(nil), a.MentionIDs...)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.Before(out[j].TriggeredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateDeliveries(ctx context.Context, ds []models.Delivery) ([]models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Delivery, 0, len(ds))
	for _, d := range ds {
		key := pairKey(d.AlertID, string(d.Channel), d.Recipient)
		if id, ok := s.deliveryKey[key]; ok {
			out = append(out, *s.deliveries[id])
			continue
		}
		stored := d
		s.deliveries[d.ID] = &stored
		s.deliveryKey[key] = d.ID
		out = append(out, stored)
	}
	return out, nil
}

func (s *MemoryStore) ClaimNextDelivery(ctx context.Context, channel models.Channel, now time.Time) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *models.Delivery
	for _, d := range s.deliveries {
		if d.Channel != channel || d.Status != models.DeliveryPending || d.ScheduledFor.After(now) {
			continue
		}
		if next == nil || deliveryBefore(d, next) {
			next = d
		}
	}
	if next == nil {
		return nil, ErrNotFound
	}

	t := now
	next.Status = models.DeliveryProcessing
	next.LastAttemptAt = &t
	out := *next
	return &out, nil
}

// deliveryBefore orders the queue: priority, then scheduled time, then age.
func deliveryBefore(a, b *models.Delivery) bool {
	if a.Priority.Rank() != b.Priority.Rank() {
		return a.Priority.Rank() > b.Priority.Rank()
	}
	if !a.ScheduledFor.Equal(b.ScheduledFor) {
		return a.ScheduledFor.Before(b.ScheduledFor)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) CompleteDelivery(ctx context.Context, id string, u DeliveryUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status != models.DeliveryProcessing {
		return faults.Conflict("complete delivery", "delivery %s is %s", id, d.Status)
	}

	d.Status = u.Status
	d.Attempts = u.Attempts
	d.ErrorMessage = u.ErrorMessage
	if !u.ScheduledFor.IsZero() {
		d.ScheduledFor = u.ScheduledFor
	}
	if u.SentAt != nil {
		t := *u.SentAt
		d.SentAt = &t
	}
	if u.ExternalID != "" {
		d.ExternalID = u.ExternalID
	}
	return nil
}

func (s *MemoryStore) CancelAlertDeliveries(ctx context.Context, alertID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, d := range s.deliveries {
		if d.AlertID != alertID {
			continue
		}
		if d.Status == models.DeliveryPending || d.Status == models.DeliveryProcessing {
			d.Status = models.DeliveryCancelled
			d.ErrorMessage = reason
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) MarkBounced(ctx context.Context, id, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status.Terminal() && d.Status != models.DeliverySent {
		return faults.Conflict("mark bounced", "delivery %s is %s", id, d.Status)
	}
	d.Status = models.DeliveryBounced
	d.ErrorMessage = reason
	return nil
}

func (s *MemoryStore) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, d := range s.deliveries {
		if d.Status != models.DeliveryProcessing || d.LastAttemptAt == nil || !d.LastAttemptAt.Before(cutoff) {
			continue
		}
		d.Status = models.DeliveryPending
		count++
	}
	return count, nil
}

func (s *MemoryStore) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *d
	return &out, nil
}

func (s *MemoryStore) ListDeliveries(ctx context.Context, alertID string) ([]models.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Delivery
	for _, d := range s.deliveries {
		if d.AlertID == alertID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Recipient < out[j].Recipient
	})
	return out, nil
}

func (s *MemoryStore) GetPreference(ctx context.Context, userID string, channel models.Channel) (*models.Preference, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.preferences[pairKey(userID, string(channel))]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (s *MemoryStore) Close() error { return nil }

// MemoryBlobStore is a BlobStore kept in process memory.
type MemoryBlobStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// Ensure MemoryBlobStore implements BlobStore
var _ BlobStore = (*MemoryBlobStore)(nil)

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{data: make(map[string][]byte)}
}

func (m *MemoryBlobStore) Store(ctx context.Context, name string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[name] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryBlobStore) Retrieve(ctx context.Context, name string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, exists := m.data[name]; exists {
		return data, nil
	}
	return nil, fmt.Errorf("retrieve %s: %w", name, ErrNotFound)
}

func (m *MemoryBlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.data {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryBlobStore) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, name)
	return nil
}
