// Package detection implements the scam-campaign detection engine: a
// per-user history tracker and a campaign matcher over it. A verdict names
// the exact messages to remediate and the user to suspend.
package detection

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/schema"

	"github.com/google/uuid"
)

var (
	// ErrNilEvent is returned when Handle receives a nil event.
	ErrNilEvent = errors.New("detection: nil event")

	// ErrInvalidEvent is returned for events missing required identifiers.
	// The event is rejected without mutating any tracked state.
	ErrInvalidEvent = errors.New("detection: invalid event")
)

// Verdict is the engine's output decision: which messages to delete and
// which user to suspend. It is ephemeral; persistence and remediation
// belong to the collaborators consuming it.
type Verdict struct {
	ID              uuid.UUID     `json:"id"`
	UserID          string        `json:"user_id"`
	GuildID         string        `json:"guild_id,omitempty"`
	Messages        []MessageRef  `json:"messages"`
	Basis           MatchBasis    `json:"basis"`
	Content         string        `json:"content,omitempty"`
	Fingerprint     string        `json:"fingerprint,omitempty"`
	Severity        Severity      `json:"severity"`
	SuspendDuration time.Duration `json:"suspend_duration"`
	DetectedAt      time.Time     `json:"detected_at"`
}

// MessageRef references one matched message.
type MessageRef struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// MessageIDs returns the matched message identifiers.
func (v *Verdict) MessageIDs() []string {
	ids := make([]string, len(v.Messages))
	for i, m := range v.Messages {
		ids[i] = m.MessageID
	}
	return ids
}

// ChannelIDs returns the distinct channels the campaign spanned.
func (v *Verdict) ChannelIDs() []string {
	ids := make([]string, len(v.Messages))
	for i, m := range v.Messages {
		ids[i] = m.ChannelID
	}
	return ids
}

// Config configures the detection engine.
type Config struct {
	// Threshold is the number of qualifying messages that constitute a
	// campaign.
	Threshold int `yaml:"threshold" json:"threshold"`

	// StalenessWindow caps how old a tracked message may be before it no
	// longer counts toward a match. Bounds memory for one-off posters.
	StalenessWindow time.Duration `yaml:"staleness_window" json:"staleness_window"`

	// SuspendDuration is how long a detected user is timed out.
	SuspendDuration time.Duration `yaml:"suspend_duration" json:"suspend_duration"`

	// SweepInterval is how often the background sweep evicts stale records.
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`

	// Shards is the number of lock shards for per-user state.
	Shards int `yaml:"shards" json:"shards"`

	// MatchAttachments enables the attachment-fingerprint campaign basis.
	MatchAttachments bool `yaml:"match_attachments" json:"match_attachments"`

	// ScopeByGuild keys histories by (guild, user) instead of user alone.
	// Events without a guild id share one global scope either way.
	ScopeByGuild bool `yaml:"scope_by_guild" json:"scope_by_guild"`

	// Severity assigned to verdicts before any intel escalation.
	Severity Severity `yaml:"severity" json:"severity"`

	// Normalization rules applied to content before comparison.
	Normalization NormalizationConfig `yaml:"normalization" json:"normalization"`
}

// DefaultConfig returns the shipped engine defaults: three messages across
// distinct channels inside ten minutes, fifteen-minute suspension.
func DefaultConfig() Config {
	return Config{
		Threshold:        3,
		StalenessWindow:  10 * time.Minute,
		SuspendDuration:  15 * time.Minute,
		SweepInterval:    1 * time.Minute,
		Shards:           64,
		MatchAttachments: true,
		ScopeByGuild:     true,
		Severity:         SeverityHigh,
		Normalization:    DefaultNormalizationConfig(),
	}
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("detection: threshold must be at least 1, got %d", c.Threshold)
	}
	if c.StalenessWindow <= 0 {
		return fmt.Errorf("detection: staleness_window must be positive, got %v", c.StalenessWindow)
	}
	if c.SuspendDuration <= 0 {
		return fmt.Errorf("detection: suspend_duration must be positive, got %v", c.SuspendDuration)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("detection: sweep_interval must be positive, got %v", c.SweepInterval)
	}
	if c.Shards < 1 {
		return fmt.Errorf("detection: shards must be at least 1, got %d", c.Shards)
	}
	if c.Severity != "" && !c.Severity.IsValid() {
		return fmt.Errorf("detection: invalid severity %q", c.Severity)
	}
	return nil
}

// Engine correlates qualifying messages per user and emits verdicts.
// All state lives inside the instance; construct one per deployment scope.
type Engine struct {
	config     Config
	matcher    *Matcher
	normalizer *Normalizer
	shards     []*shard
	stopCh     chan struct{}
	wg         sync.WaitGroup
	metrics    engineMetrics
}

// shard holds the histories for one slice of the user-key space. The
// record-evaluate-clear sequence for a key runs entirely under its lock.
type shard struct {
	mu    sync.Mutex
	users map[string]*userHistory
}

type engineMetrics struct {
	handled    atomic.Int64
	qualifying atomic.Int64
	rejected   atomic.Int64
	duplicates atomic.Int64
	verdicts   atomic.Int64
	swept      atomic.Int64
}

// NewEngine creates a detection engine from the given configuration.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Severity == "" {
		cfg.Severity = SeverityHigh
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	shards := make([]*shard, cfg.Shards)
	for i := range shards {
		shards[i] = &shard{users: make(map[string]*userHistory)}
	}

	return &Engine{
		config:     cfg,
		matcher:    NewMatcher(cfg.Threshold, cfg.MatchAttachments),
		normalizer: NewNormalizer(cfg.Normalization),
		shards:     shards,
		stopCh:     make(chan struct{}),
	}, nil
}

// Config returns a copy of the engine configuration.
func (e *Engine) Config() Config {
	return e.config
}

// Handle processes one message event synchronously and returns a verdict
// when the event completes a campaign. A nil verdict is the normal outcome.
// Record, evaluation and post-verdict clearing are atomic per user key;
// events for different users never contend on the same lock shard state.
func (e *Engine) Handle(event *schema.MessageEvent) (*Verdict, error) {
	if event == nil {
		return nil, ErrNilEvent
	}
	e.metrics.handled.Add(1)

	if err := checkEvent(event); err != nil {
		e.metrics.rejected.Add(1)
		return nil, err
	}

	normalized := e.normalizer.Normalize(event.Content)
	hasLink := ContainsLink(normalized)
	fingerprint := FingerprintKey(attachmentHashes(event))

	qualifies := hasLink || (e.config.MatchAttachments && fingerprint != "")
	if !qualifies {
		return nil, nil
	}
	e.metrics.qualifying.Add(1)

	key := e.scopeKey(event.GuildID, event.Author.ID)
	msg := QualifyingMessage{
		MessageID:   event.MessageID,
		ChannelID:   event.ChannelID,
		Content:     normalized,
		Fingerprint: fingerprint,
		HasLink:     hasLink,
		ObservedAt:  event.ObservedAt,
	}

	sh := e.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h := sh.users[key]
	if h == nil {
		h = &userHistory{}
		sh.users[key] = h
	}

	h.dropStale(event.ObservedAt.Add(-e.config.StalenessWindow))

	if !h.insert(msg, e.config.Threshold) {
		e.metrics.duplicates.Add(1)
		return nil, nil
	}

	basis, matched := e.matcher.Evaluate(h.entries)
	if !matched {
		return nil, nil
	}

	verdict := e.buildVerdict(event, basis, h.snapshot())
	delete(sh.users, key)
	e.metrics.verdicts.Add(1)

	slog.Info("campaign verdict",
		"verdict_id", verdict.ID,
		"user_id", verdict.UserID,
		"guild_id", verdict.GuildID,
		"basis", verdict.Basis,
		"channels", len(verdict.Messages),
	)
	return verdict, nil
}

// Clear discards all tracked history for a user.
func (e *Engine) Clear(guildID, userID string) {
	key := e.scopeKey(guildID, userID)
	sh := e.shardFor(key)

	sh.mu.Lock()
	delete(sh.users, key)
	sh.mu.Unlock()
}

// Start launches the staleness sweep.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.sweepLoop(ctx)

	slog.Info("detection engine started",
		"threshold", e.config.Threshold,
		"staleness_window", e.config.StalenessWindow,
		"shards", e.config.Shards,
	)
}

// Stop halts the sweep. Tracked histories are retained so in-flight
// evaluation keeps its evidence.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	slog.Info("detection engine stopped")
}

func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.EvictStale(time.Now().UTC())
		}
	}
}

// EvictStale removes entries older than the staleness window and drops
// user records left empty. It takes each shard lock in turn, so a sweep
// never interleaves with record/evaluate for the same user.
func (e *Engine) EvictStale(now time.Time) {
	cutoff := now.Add(-e.config.StalenessWindow)

	var removed int64
	for _, sh := range e.shards {
		sh.mu.Lock()
		for key, h := range sh.users {
			h.dropStale(cutoff)
			if len(h.entries) == 0 {
				delete(sh.users, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		e.metrics.swept.Add(removed)
		slog.Debug("staleness sweep", "removed", removed)
	}
}

// TrackedUsers returns the number of users with live history.
func (e *Engine) TrackedUsers() int {
	total := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		total += len(sh.users)
		sh.mu.Unlock()
	}
	return total
}

// Stats returns engine statistics.
func (e *Engine) Stats() map[string]interface{} {
	return map[string]interface{}{
		"events_handled":   e.metrics.handled.Load(),
		"events_qualified": e.metrics.qualifying.Load(),
		"events_rejected":  e.metrics.rejected.Load(),
		"duplicates":       e.metrics.duplicates.Load(),
		"verdicts":         e.metrics.verdicts.Load(),
		"swept_records":    e.metrics.swept.Load(),
		"tracked_users":    e.TrackedUsers(),
		"shards":           len(e.shards),
	}
}

func (e *Engine) buildVerdict(event *schema.MessageEvent, basis MatchBasis, snapshot []QualifyingMessage) *Verdict {
	refs := make([]MessageRef, len(snapshot))
	for i, m := range snapshot {
		refs[i] = MessageRef{
			MessageID:  m.MessageID,
			ChannelID:  m.ChannelID,
			ObservedAt: m.ObservedAt,
		}
	}

	v := &Verdict{
		ID:              uuid.New(),
		UserID:          event.Author.ID,
		GuildID:         event.GuildID,
		Messages:        refs,
		Basis:           basis,
		Severity:        e.config.Severity,
		SuspendDuration: e.config.SuspendDuration,
		DetectedAt:      time.Now().UTC(),
	}

	switch basis {
	case BasisContent:
		v.Content = snapshot[0].Content
	case BasisAttachment:
		v.Fingerprint = snapshot[0].Fingerprint
	}
	return v
}

func (e *Engine) scopeKey(guildID, userID string) string {
	if e.config.ScopeByGuild {
		return guildID + "\x00" + userID
	}
	return userID
}

func (e *Engine) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

// checkEvent rejects events that cannot be safely tracked.
func checkEvent(event *schema.MessageEvent) error {
	if event.MessageID == "" {
		return fmt.Errorf("%w: missing message_id", ErrInvalidEvent)
	}
	if event.Author.ID == "" {
		return fmt.Errorf("%w: missing author id", ErrInvalidEvent)
	}
	if event.ChannelID == "" {
		return fmt.Errorf("%w: missing channel_id", ErrInvalidEvent)
	}
	if event.ObservedAt.IsZero() {
		return fmt.Errorf("%w: missing observed_at", ErrInvalidEvent)
	}
	return nil
}

func attachmentHashes(event *schema.MessageEvent) []string {
	if len(event.Attachments) == 0 {
		return nil
	}
	hashes := make([]string, 0, len(event.Attachments))
	for _, a := range event.Attachments {
		hashes = append(hashes, a.Hash)
	}
	return hashes
}
