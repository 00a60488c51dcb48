// Package remediation turns campaign verdicts into platform enforcement
// actions, case records and outbound notifications. All blocking I/O on the
// verdict path lives here, never in the detection engine.
package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/schema"

	"github.com/google/uuid"
)

// CaseStatus represents the lifecycle state of a moderation case.
type CaseStatus string

const (
	StatusNew      CaseStatus = "new"
	StatusActioned CaseStatus = "actioned"
	StatusFailed   CaseStatus = "failed"
	StatusResolved CaseStatus = "resolved"
)

// Case is the record of one verdict and everything done about it.
type Case struct {
	ID              uuid.UUID              `json:"id"`
	VerdictID       uuid.UUID              `json:"verdict_id"`
	UserID          string                 `json:"user_id"`
	GuildID         string                 `json:"guild_id,omitempty"`
	Severity        detection.Severity     `json:"severity"`
	Status          CaseStatus             `json:"status"`
	Basis           detection.MatchBasis   `json:"basis"`
	Content         string                 `json:"content,omitempty"`
	Fingerprint     string                 `json:"fingerprint,omitempty"`
	Messages        []detection.MessageRef `json:"messages"`
	SuspendDuration time.Duration          `json:"suspend_duration"`
	Offenses        int                    `json:"offenses"`
	Actions         []ActionRecord         `json:"actions,omitempty"`
	DetectedAt      time.Time              `json:"detected_at"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy      string                 `json:"resolved_by,omitempty"`
	Notes           []Note                 `json:"notes,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// ActionRecord captures the outcome of one platform action.
type ActionRecord struct {
	Action    schema.ModerationAction `json:"action"`
	Target    string                  `json:"target"`
	Error     string                  `json:"error,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Note represents a moderator note on a case.
type Note struct {
	ID        uuid.UUID `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationChannel delivers case notices to an external sink.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, c *Case) error
}

// ActionClient is the slice of the platform API the manager drives.
// *platform.Client satisfies it.
type ActionClient interface {
	DeleteMessage(ctx context.Context, channelID, messageID string) error
	TimeoutUser(ctx context.Context, guildID, userID string, until time.Time) error
	Announce(ctx context.Context, channelID, text string) error
}

// SuspensionRegistry records active suspensions so other components can
// consult them. *suspension.Registry satisfies it.
type SuspensionRegistry interface {
	Suspend(ctx context.Context, guildID, userID string, dur time.Duration, verdictID string) error
}

// CaseWriter persists cases to long-term storage. Called again on case
// updates; the storage layer keeps the latest version per case id.
type CaseWriter interface {
	WriteCase(c *Case) error
}

// ManagerConfig configures the remediation manager.
type ManagerConfig struct {
	DeleteMessages    bool
	SuspendUsers      bool
	Announce          bool
	AnnounceChannelID string
	AnnounceTemplate  string
	// Cooldown suppresses repeat verdicts per guild:user. Zero means the
	// cooldown follows the suspension length of the verdict being actioned.
	Cooldown          time.Duration
	MinNotifySeverity detection.Severity
	RetentionPeriod   time.Duration
	MaxCases          int
}

// DefaultManagerConfig returns default manager configuration.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DeleteMessages:    true,
		SuspendUsers:      true,
		Announce:          true,
		MinNotifySeverity: detection.SeverityMedium,
		RetentionPeriod:   30 * 24 * time.Hour,
		MaxCases:          100000,
	}
}

// Manager consumes verdicts and owns the case store.
type Manager struct {
	config     ManagerConfig
	platform   ActionClient
	registry   SuspensionRegistry
	caseWriter CaseWriter
	dispatcher *Dispatcher
	escalator  *Escalator

	cases map[uuid.UUID]*Case
	dedup map[string]time.Time // guild:user -> cooldown expiry
	mu    sync.RWMutex

	handled      uint64
	deduplicated uint64
	actioned     uint64
	failed       uint64
}

// NewManager creates a remediation manager. Collaborators are attached with
// the With* methods; each is optional and a nil collaborator disables the
// corresponding step.
func NewManager(config ManagerConfig) *Manager {
	if config.RetentionPeriod <= 0 {
		config.RetentionPeriod = 30 * 24 * time.Hour
	}
	return &Manager{
		config: config,
		cases:  make(map[uuid.UUID]*Case),
		dedup:  make(map[string]time.Time),
	}
}

// WithPlatform attaches the platform client used for enforcement actions.
func (m *Manager) WithPlatform(client ActionClient) *Manager {
	m.platform = client
	return m
}

// WithSuspensions attaches the suspension registry.
func (m *Manager) WithSuspensions(registry SuspensionRegistry) *Manager {
	m.registry = registry
	return m
}

// WithCaseWriter attaches long-term case storage.
func (m *Manager) WithCaseWriter(w CaseWriter) *Manager {
	m.caseWriter = w
	return m
}

// WithDispatcher attaches the notification dispatcher.
func (m *Manager) WithDispatcher(d *Dispatcher) *Manager {
	m.dispatcher = d
	return m
}

// WithEscalator attaches the repeat-offender escalator.
func (m *Manager) WithEscalator(e *Escalator) *Manager {
	m.escalator = e
	return m
}

// Dispatcher returns the attached notification dispatcher, nil if none.
func (m *Manager) Dispatcher() *Dispatcher {
	return m.dispatcher
}

// HandleVerdict actions one verdict: dedup, escalate, enforce, store, notify.
// Failures inside are logged and recorded on the case; they never propagate
// back to the detection path.
func (m *Manager) HandleVerdict(ctx context.Context, verdict *detection.Verdict) error {
	if verdict == nil {
		return fmt.Errorf("nil verdict")
	}
	atomic.AddUint64(&m.handled, 1)

	dedupKey := offenseKey(verdict.GuildID, verdict.UserID)
	cooldown := m.config.Cooldown
	if cooldown <= 0 {
		cooldown = verdict.SuspendDuration
	}

	m.mu.Lock()
	if until, ok := m.dedup[dedupKey]; ok && time.Now().Before(until) {
		m.mu.Unlock()
		atomic.AddUint64(&m.deduplicated, 1)
		slog.Debug("suppressing repeat verdict inside cooldown",
			"user_id", verdict.UserID,
			"guild_id", verdict.GuildID,
			"verdict_id", verdict.ID)
		return nil
	}
	m.dedup[dedupKey] = time.Now().Add(cooldown)
	m.mu.Unlock()

	// Escalation before actioning: repeat offenders get a longer suspension
	// and a higher case severity.
	duration := verdict.SuspendDuration
	severity := verdict.Severity
	offenses := 1
	if m.escalator != nil {
		offenses = m.escalator.Record(verdict.GuildID, verdict.UserID)
		duration, severity = m.escalator.Apply(verdict.SuspendDuration, verdict.Severity, offenses)
		if m.config.Cooldown <= 0 && duration > cooldown {
			m.mu.Lock()
			m.dedup[dedupKey] = time.Now().Add(duration)
			m.mu.Unlock()
		}
	}

	now := time.Now().UTC()
	c := &Case{
		ID:              uuid.New(),
		VerdictID:       verdict.ID,
		UserID:          verdict.UserID,
		GuildID:         verdict.GuildID,
		Severity:        severity,
		Status:          StatusNew,
		Basis:           verdict.Basis,
		Content:         verdict.Content,
		Fingerprint:     verdict.Fingerprint,
		Messages:        verdict.Messages,
		SuspendDuration: duration,
		Offenses:        offenses,
		DetectedAt:      verdict.DetectedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	m.executeActions(ctx, c)
	m.storeCase(c)
	m.notify(ctx, c)

	slog.Info("verdict actioned",
		"case_id", c.ID,
		"verdict_id", c.VerdictID,
		"user_id", c.UserID,
		"guild_id", c.GuildID,
		"severity", c.Severity,
		"status", c.Status,
		"suspension", c.SuspendDuration,
		"offenses", c.Offenses)
	return nil
}

// executeActions runs the configured platform actions and records their
// outcomes on the case. Any failure marks the case failed; remaining actions
// still run.
func (m *Manager) executeActions(ctx context.Context, c *Case) {
	if m.platform == nil {
		return
	}

	var lastErr string
	record := func(action schema.ModerationAction, target string, err error) {
		rec := ActionRecord{Action: action, Target: target, Timestamp: time.Now().UTC()}
		if err != nil {
			rec.Error = err.Error()
			lastErr = rec.Error
			slog.Warn("platform action failed",
				"case_id", c.ID,
				"action", action,
				"target", target,
				"error", err)
		}
		c.Actions = append(c.Actions, rec)
	}

	if m.config.DeleteMessages {
		for _, msg := range c.Messages {
			record(schema.ActionDeleteMessage, msg.MessageID,
				m.platform.DeleteMessage(ctx, msg.ChannelID, msg.MessageID))
		}
	}

	if m.config.SuspendUsers {
		until := time.Now().Add(c.SuspendDuration)
		record(schema.ActionTimeoutUser, c.UserID,
			m.platform.TimeoutUser(ctx, c.GuildID, c.UserID, until))

		if m.registry != nil {
			if err := m.registry.Suspend(ctx, c.GuildID, c.UserID, c.SuspendDuration, c.VerdictID.String()); err != nil {
				slog.Warn("failed to register suspension",
					"case_id", c.ID,
					"user_id", c.UserID,
					"error", err)
			}
		}
	}

	if m.config.Announce && m.config.AnnounceChannelID != "" {
		record(schema.ActionAnnounce, m.config.AnnounceChannelID,
			m.platform.Announce(ctx, m.config.AnnounceChannelID, m.announceText(c)))
	}

	if lastErr != "" {
		c.Status = StatusFailed
		c.Error = lastErr
		atomic.AddUint64(&m.failed, 1)
	} else if len(c.Actions) > 0 {
		c.Status = StatusActioned
		atomic.AddUint64(&m.actioned, 1)
	}
	c.UpdatedAt = time.Now().UTC()
}

// announceText renders the mod-channel notice. The notice never carries the
// campaign content itself; the mod channel may be visible to users.
func (m *Manager) announceText(c *Case) string {
	if m.config.AnnounceTemplate != "" {
		r := strings.NewReplacer(
			"{user}", c.UserID,
			"{guild}", c.GuildID,
			"{duration}", c.SuspendDuration.String(),
			"{channels}", strconv.Itoa(len(c.Messages)),
		)
		return r.Replace(m.config.AnnounceTemplate)
	}
	return fmt.Sprintf("User %s was timed out for %s after posting identical link content across %d channels.",
		c.UserID, c.SuspendDuration, len(c.Messages))
}

// storeCase records the case in memory and in long-term storage.
func (m *Manager) storeCase(c *Case) {
	m.mu.Lock()
	if m.config.MaxCases > 0 && len(m.cases) >= m.config.MaxCases {
		m.evictOldestLocked()
	}
	m.cases[c.ID] = c
	m.mu.Unlock()

	m.persist(c)
}

// evictOldestLocked drops the oldest case to keep the store bounded.
func (m *Manager) evictOldestLocked() {
	var oldest uuid.UUID
	var oldestAt time.Time
	for id, c := range m.cases {
		if oldestAt.IsZero() || c.CreatedAt.Before(oldestAt) {
			oldest = id
			oldestAt = c.CreatedAt
		}
	}
	if !oldestAt.IsZero() {
		delete(m.cases, oldest)
	}
}

func (m *Manager) persist(c *Case) {
	if m.caseWriter == nil {
		return
	}
	if err := m.caseWriter.WriteCase(c); err != nil {
		slog.Error("failed to persist case", "case_id", c.ID, "error", err)
	}
}

// notify hands the case to the dispatcher unless its severity falls below
// the notification floor.
func (m *Manager) notify(ctx context.Context, c *Case) {
	if m.dispatcher == nil {
		return
	}
	min := m.config.MinNotifySeverity
	if min != "" && min.IsValid() &&
		detection.SeverityToInt(c.Severity) < detection.SeverityToInt(min) {
		return
	}
	m.dispatcher.Dispatch(ctx, c)
}

// GetCase retrieves a case by ID. The returned case is a snapshot; later
// updates do not show through it.
func (m *Manager) GetCase(id uuid.UUID) (*Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cases[id]
	if !ok {
		return nil, fmt.Errorf("case not found: %s", id)
	}
	return cloneCase(c), nil
}

// CaseFilter defines filters for listing cases.
type CaseFilter struct {
	Status   *CaseStatus
	Severity *detection.Severity
	GuildID  string
	UserID   string
	Since    *time.Time
	Until    *time.Time
	Limit    int
	Offset   int
}

func (f *CaseFilter) matches(c *Case) bool {
	if f.Status != nil && c.Status != *f.Status {
		return false
	}
	if f.Severity != nil && c.Severity != *f.Severity {
		return false
	}
	if f.GuildID != "" && c.GuildID != f.GuildID {
		return false
	}
	if f.UserID != "" && c.UserID != f.UserID {
		return false
	}
	if f.Since != nil && c.CreatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && c.CreatedAt.After(*f.Until) {
		return false
	}
	return true
}

// ListCases lists cases matching the filter, newest first.
func (m *Manager) ListCases(filter CaseFilter) []*Case {
	m.mu.RLock()
	results := make([]*Case, 0, len(m.cases))
	for _, c := range m.cases {
		if filter.matches(c) {
			results = append(results, cloneCase(c))
		}
	}
	m.mu.RUnlock()

	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.After(results[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(results) {
			return []*Case{}
		}
		results = results[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(results) {
		results = results[:filter.Limit]
	}
	return results
}

// Resolve closes a case.
func (m *Manager) Resolve(id uuid.UUID, by string) error {
	m.mu.Lock()
	c, ok := m.cases[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("case not found: %s", id)
	}

	now := time.Now().UTC()
	c.Status = StatusResolved
	c.ResolvedAt = &now
	c.ResolvedBy = by
	c.UpdatedAt = now
	snapshot := cloneCase(c)
	m.mu.Unlock()

	m.persist(snapshot)
	return nil
}

// AddNote appends a moderator note to a case.
func (m *Manager) AddNote(id uuid.UUID, author, content string) error {
	m.mu.Lock()
	c, ok := m.cases[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("case not found: %s", id)
	}

	c.Notes = append(c.Notes, Note{
		ID:        uuid.New(),
		Author:    author,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	c.UpdatedAt = time.Now().UTC()
	snapshot := cloneCase(c)
	m.mu.Unlock()

	m.persist(snapshot)
	return nil
}

// Stats returns case statistics.
func (m *Manager) Stats() map[string]interface{} {
	m.mu.RLock()
	statusCounts := make(map[string]int)
	severityCounts := make(map[string]int)
	for _, c := range m.cases {
		statusCounts[string(c.Status)]++
		severityCounts[string(c.Severity)]++
	}
	total := len(m.cases)
	cooldowns := len(m.dedup)
	m.mu.RUnlock()

	stats := map[string]interface{}{
		"total":            total,
		"by_status":        statusCounts,
		"by_severity":      severityCounts,
		"handled":          atomic.LoadUint64(&m.handled),
		"deduplicated":     atomic.LoadUint64(&m.deduplicated),
		"actioned":         atomic.LoadUint64(&m.actioned),
		"failed":           atomic.LoadUint64(&m.failed),
		"active_cooldowns": cooldowns,
	}
	if m.escalator != nil {
		stats["tracked_offenders"] = m.escalator.Tracked()
	}
	if m.dispatcher != nil {
		stats["delivery"] = m.dispatcher.Stats()
	}
	return stats
}

// Cleanup drops resolved cases past retention, prunes expired cooldowns and
// triggers pruning on the attached escalator and dispatcher. Returns the
// number of cases removed.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	cutoff := time.Now().Add(-m.config.RetentionPeriod)
	removed := 0
	for id, c := range m.cases {
		if c.Status == StatusResolved && c.CreatedAt.Before(cutoff) {
			delete(m.cases, id)
			removed++
		}
	}

	now := time.Now()
	for key, until := range m.dedup {
		if now.After(until) {
			delete(m.dedup, key)
		}
	}
	m.mu.Unlock()

	if m.escalator != nil {
		m.escalator.Prune()
	}
	if m.dispatcher != nil {
		m.dispatcher.Cleanup(m.config.RetentionPeriod)
	}
	return removed
}

// cloneCase snapshots a case so readers never share mutable state with the
// manager.
func cloneCase(c *Case) *Case {
	cp := *c
	cp.Messages = append([]detection.MessageRef(nil), c.Messages...)
	cp.Actions = append([]ActionRecord(nil), c.Actions...)
	cp.Notes = append([]Note(nil), c.Notes...)
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	return &cp
}

// offenseKey builds the guild:user key used for dedup and escalation.
func offenseKey(guildID, userID string) string {
	return guildID + ":" + userID
}
