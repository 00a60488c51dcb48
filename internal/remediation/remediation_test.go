package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/schema"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// mockChannel is a test double that records every case it receives.
type mockChannel struct {
	name      string
	sendFunc  func(ctx context.Context, c *Case) error
	sentCases []*Case
	mu        sync.Mutex
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name}
}

func (m *mockChannel) Name() string {
	return m.name
}

func (m *mockChannel) Send(ctx context.Context, c *Case) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentCases = append(m.sentCases, c)
	if m.sendFunc != nil {
		return m.sendFunc(ctx, c)
	}
	return nil
}

func (m *mockChannel) getSentCases() []*Case {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Case, len(m.sentCases))
	copy(out, m.sentCases)
	return out
}

// mockPlatform is an ActionClient double that records every call.
type mockPlatform struct {
	mu           sync.Mutex
	deleted      []string
	timeouts     []string
	announced    []string
	failDelete   bool
	failTimeout  bool
	failAnnounce bool
}

func (p *mockPlatform) DeleteMessage(_ context.Context, channelID, messageID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, channelID+"/"+messageID)
	if p.failDelete {
		return errTest
	}
	return nil
}

func (p *mockPlatform) TimeoutUser(_ context.Context, guildID, userID string, _ time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeouts = append(p.timeouts, guildID+"/"+userID)
	if p.failTimeout {
		return errTest
	}
	return nil
}

func (p *mockPlatform) Announce(_ context.Context, _, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announced = append(p.announced, text)
	if p.failAnnounce {
		return errTest
	}
	return nil
}

var errTest = errors.New("simulated platform failure")

// mockRegistry is a SuspensionRegistry double.
type mockRegistry struct {
	mu         sync.Mutex
	suspended  []string
	lastDur    time.Duration
	failAlways bool
}

func (r *mockRegistry) Suspend(_ context.Context, guildID, userID string, dur time.Duration, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suspended = append(r.suspended, guildID+"/"+userID)
	r.lastDur = dur
	if r.failAlways {
		return errTest
	}
	return nil
}

// mockCaseWriter is a CaseWriter double counting persisted cases.
type mockCaseWriter struct {
	mu      sync.Mutex
	written []*Case
}

func (w *mockCaseWriter) WriteCase(c *Case) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, c)
	return nil
}

func (w *mockCaseWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.written)
}

// makeVerdict builds a campaign verdict spanning the given number of
// channels.
func makeVerdict(userID, guildID string, severity detection.Severity, channels int) *detection.Verdict {
	now := time.Now()
	msgs := make([]detection.MessageRef, channels)
	for i := range msgs {
		msgs[i] = detection.MessageRef{
			MessageID:  uuid.NewString(),
			ChannelID:  "chan-" + string(rune('a'+i)),
			ObservedAt: now,
		}
	}
	return &detection.Verdict{
		ID:              uuid.New(),
		UserID:          userID,
		GuildID:         guildID,
		Messages:        msgs,
		Basis:           detection.BasisContent,
		Content:         "claim your prize at https://free-nitro.example/claim",
		Fingerprint:     "f1e2d3c4",
		Severity:        severity,
		SuspendDuration: 15 * time.Minute,
		DetectedAt:      now,
	}
}

// waitForCondition polls until fn returns true or the timeout elapses.
func waitForCondition(timeout time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ---------------------------------------------------------------------------
// 1. Case model
// ---------------------------------------------------------------------------

func TestCaseStatusConstants(t *testing.T) {
	tests := []struct {
		status   CaseStatus
		expected string
	}{
		{StatusNew, "new"},
		{StatusActioned, "actioned"},
		{StatusFailed, "failed"},
		{StatusResolved, "resolved"},
	}
	for _, tt := range tests {
		if string(tt.status) != tt.expected {
			t.Errorf("expected status %q, got %q", tt.expected, tt.status)
		}
	}
}

func TestCaseOptionalFieldsOmitEmpty(t *testing.T) {
	c := &Case{
		ID:        uuid.New(),
		VerdictID: uuid.New(),
		UserID:    "u-1",
		Severity:  detection.SeverityMedium,
		Status:    StatusNew,
		Basis:     detection.BasisContent,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	for _, key := range []string{"guild_id", "content", "fingerprint", "actions", "resolved_at", "resolved_by", "notes", "error"} {
		if _, ok := raw[key]; ok {
			t.Errorf("expected %q to be omitted when empty", key)
		}
	}
}

// ---------------------------------------------------------------------------
// 2. Verdict handling and platform actions
// ---------------------------------------------------------------------------

func TestNewManagerDefaults(t *testing.T) {
	config := DefaultManagerConfig()

	if !config.DeleteMessages || !config.SuspendUsers || !config.Announce {
		t.Error("expected all actions enabled by default")
	}
	if config.MinNotifySeverity != detection.SeverityMedium {
		t.Errorf("expected default notify floor medium, got %s", config.MinNotifySeverity)
	}
	if config.RetentionPeriod != 30*24*time.Hour {
		t.Errorf("expected 30 day retention, got %s", config.RetentionPeriod)
	}
	if config.MaxCases != 100000 {
		t.Errorf("expected max cases 100000, got %d", config.MaxCases)
	}
}

func TestHandleVerdictNil(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())
	if err := mgr.HandleVerdict(context.Background(), nil); err == nil {
		t.Fatal("expected error for nil verdict")
	}
}

func TestHandleVerdictExecutesActions(t *testing.T) {
	config := DefaultManagerConfig()
	config.AnnounceChannelID = "mod-log"

	platform := &mockPlatform{}
	registry := &mockRegistry{}
	writer := &mockCaseWriter{}
	mgr := NewManager(config).
		WithPlatform(platform).
		WithSuspensions(registry).
		WithCaseWriter(writer)

	verdict := makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3)
	if err := mgr.HandleVerdict(context.Background(), verdict); err != nil {
		t.Fatalf("HandleVerdict failed: %v", err)
	}

	if len(platform.deleted) != 3 {
		t.Errorf("expected 3 message deletions, got %d", len(platform.deleted))
	}
	if len(platform.timeouts) != 1 || platform.timeouts[0] != "guild-1/user-1" {
		t.Errorf("expected timeout for guild-1/user-1, got %v", platform.timeouts)
	}
	if len(platform.announced) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(platform.announced))
	}
	if !strings.Contains(platform.announced[0], "user-1") || !strings.Contains(platform.announced[0], "3 channels") {
		t.Errorf("announcement missing user or channel count: %s", platform.announced[0])
	}
	if strings.Contains(platform.announced[0], "free-nitro.example") {
		t.Errorf("announcement must not carry campaign content: %s", platform.announced[0])
	}

	if len(registry.suspended) != 1 || registry.lastDur != 15*time.Minute {
		t.Errorf("expected suspension registered for 15m, got %v for %s", registry.suspended, registry.lastDur)
	}
	if writer.count() != 1 {
		t.Errorf("expected 1 persisted case, got %d", writer.count())
	}

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
	c := cases[0]
	if c.Status != StatusActioned {
		t.Errorf("expected status actioned, got %s", c.Status)
	}
	if len(c.Actions) != 5 {
		t.Errorf("expected 5 action records (3 deletes, timeout, announce), got %d", len(c.Actions))
	}

	deletes := 0
	for _, a := range c.Actions {
		if a.Action == schema.ActionDeleteMessage {
			deletes++
		}
	}
	if deletes != 3 {
		t.Errorf("expected 3 delete records, got %d", deletes)
	}
}

func TestHandleVerdictNoPlatformKeepsCaseNew(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
	if cases[0].Status != StatusNew {
		t.Errorf("expected status new without a platform client, got %s", cases[0].Status)
	}
	if len(cases[0].Actions) != 0 {
		t.Errorf("expected no action records, got %d", len(cases[0].Actions))
	}
}

func TestHandleVerdictActionFailureMarksCaseFailed(t *testing.T) {
	config := DefaultManagerConfig()
	config.AnnounceChannelID = "mod-log"

	platform := &mockPlatform{failDelete: true}
	mgr := NewManager(config).WithPlatform(platform)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	// Remaining actions still run after a failure.
	if len(platform.timeouts) != 1 {
		t.Errorf("expected timeout to run after delete failure, got %d", len(platform.timeouts))
	}
	if len(platform.announced) != 1 {
		t.Errorf("expected announcement to run after delete failure, got %d", len(platform.announced))
	}

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
	if cases[0].Status != StatusFailed {
		t.Errorf("expected status failed, got %s", cases[0].Status)
	}
	if cases[0].Error == "" {
		t.Error("expected case error to be recorded")
	}
}

func TestHandleVerdictRegistryFailureDoesNotFailCase(t *testing.T) {
	platform := &mockPlatform{}
	registry := &mockRegistry{failAlways: true}
	mgr := NewManager(DefaultManagerConfig()).
		WithPlatform(platform).
		WithSuspensions(registry)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
	if cases[0].Status != StatusActioned {
		t.Errorf("registry failure must not fail the case, got status %s", cases[0].Status)
	}
}

func TestHandleVerdictAnnounceTemplate(t *testing.T) {
	config := DefaultManagerConfig()
	config.AnnounceChannelID = "mod-log"
	config.AnnounceTemplate = "{user} suspended {duration} across {channels} channels in {guild}"

	platform := &mockPlatform{}
	mgr := NewManager(config).WithPlatform(platform)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-9", "guild-7", detection.SeverityMedium, 3))

	if len(platform.announced) != 1 {
		t.Fatalf("expected 1 announcement, got %d", len(platform.announced))
	}
	want := "user-9 suspended 15m0s across 3 channels in guild-7"
	if platform.announced[0] != want {
		t.Errorf("expected %q, got %q", want, platform.announced[0])
	}
}

func TestHandleVerdictDisabledActions(t *testing.T) {
	config := DefaultManagerConfig()
	config.DeleteMessages = false
	config.SuspendUsers = false
	config.Announce = false

	platform := &mockPlatform{}
	mgr := NewManager(config).WithPlatform(platform)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	if len(platform.deleted)+len(platform.timeouts)+len(platform.announced) != 0 {
		t.Error("expected no platform calls with all actions disabled")
	}
	cases := mgr.ListCases(CaseFilter{})
	if cases[0].Status != StatusNew {
		t.Errorf("expected status new, got %s", cases[0].Status)
	}
}

// ---------------------------------------------------------------------------
// 3. Verdict deduplication
// ---------------------------------------------------------------------------

func TestDedupSuppressesRepeatVerdict(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	mgr := NewManager(config)

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	if n := len(mgr.ListCases(CaseFilter{})); n != 1 {
		t.Errorf("expected 1 case (repeat suppressed), got %d", n)
	}
}

func TestDedupFollowsSuspendDurationWhenCooldownZero(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())

	ctx := context.Background()
	v1 := makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3)
	v1.SuspendDuration = 100 * time.Millisecond
	_ = mgr.HandleVerdict(ctx, v1)

	v2 := makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3)
	v2.SuspendDuration = 100 * time.Millisecond
	_ = mgr.HandleVerdict(ctx, v2)

	if n := len(mgr.ListCases(CaseFilter{})); n != 1 {
		t.Fatalf("expected repeat inside suspension suppressed, got %d cases", n)
	}

	// After the suspension lapses the same user can be actioned again.
	time.Sleep(250 * time.Millisecond)

	v3 := makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3)
	_ = mgr.HandleVerdict(ctx, v3)

	if n := len(mgr.ListCases(CaseFilter{})); n != 2 {
		t.Errorf("expected 2 cases after cooldown expiry, got %d", n)
	}
}

func TestDedupDifferentUsersNotSuppressed(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	mgr := NewManager(config)

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-2", "guild-1", detection.SeverityMedium, 3))

	if n := len(mgr.ListCases(CaseFilter{})); n != 2 {
		t.Errorf("expected 2 cases for different users, got %d", n)
	}
}

func TestDedupDifferentGuildsNotSuppressed(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	mgr := NewManager(config)

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-2", detection.SeverityMedium, 3))

	if n := len(mgr.ListCases(CaseFilter{})); n != 2 {
		t.Errorf("expected 2 cases for different guilds, got %d", n)
	}
}

func TestDedupConcurrentVerdicts(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	mgr := NewManager(config)

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
		}()
	}
	wg.Wait()

	if n := len(mgr.ListCases(CaseFilter{})); n != 1 {
		t.Errorf("expected exactly 1 case from 10 concurrent verdicts, got %d", n)
	}

	stats := mgr.Stats()
	if stats["deduplicated"].(uint64) != 9 {
		t.Errorf("expected 9 deduplicated, got %v", stats["deduplicated"])
	}
}

// ---------------------------------------------------------------------------
// 4. Repeat-offender escalation
// ---------------------------------------------------------------------------

func TestEscalatorRecordCounts(t *testing.T) {
	esc := NewEscalator(DefaultEscalationConfig())

	for want := 1; want <= 3; want++ {
		if got := esc.Record("guild-1", "user-1"); got != want {
			t.Errorf("offense %d: expected count %d, got %d", want, want, got)
		}
	}
	if got := esc.Offenses("guild-1", "user-1"); got != 3 {
		t.Errorf("expected 3 offenses, got %d", got)
	}
	if got := esc.Offenses("guild-1", "user-2"); got != 0 {
		t.Errorf("expected 0 offenses for other user, got %d", got)
	}
}

func TestEscalatorWindowExpiry(t *testing.T) {
	esc := NewEscalator(EscalationConfig{
		Window:      50 * time.Millisecond,
		Multipliers: []int{1, 4, 16},
	})

	esc.Record("guild-1", "user-1")
	time.Sleep(120 * time.Millisecond)

	if got := esc.Offenses("guild-1", "user-1"); got != 0 {
		t.Errorf("expected offenses to expire, got %d", got)
	}
	if got := esc.Record("guild-1", "user-1"); got != 1 {
		t.Errorf("expected fresh offense to count 1, got %d", got)
	}
}

func TestEscalatorApplyMultipliers(t *testing.T) {
	esc := NewEscalator(DefaultEscalationConfig())
	base := 15 * time.Minute

	tests := []struct {
		offenses     int
		wantDur      time.Duration
		wantSeverity detection.Severity
	}{
		{1, 15 * time.Minute, detection.SeverityMedium},
		{2, 60 * time.Minute, detection.SeverityHigh},
		{3, 240 * time.Minute, detection.SeverityCritical},
		{4, 240 * time.Minute, detection.SeverityCritical},
	}

	for _, tt := range tests {
		dur, sev := esc.Apply(base, detection.SeverityMedium, tt.offenses)
		if dur != tt.wantDur {
			t.Errorf("offenses=%d: expected duration %s, got %s", tt.offenses, tt.wantDur, dur)
		}
		if sev != tt.wantSeverity {
			t.Errorf("offenses=%d: expected severity %s, got %s", tt.offenses, tt.wantSeverity, sev)
		}
	}
}

func TestEscalatorSeverityCapsAtCritical(t *testing.T) {
	esc := NewEscalator(DefaultEscalationConfig())

	_, sev := esc.Apply(time.Minute, detection.SeverityCritical, 3)
	if sev != detection.SeverityCritical {
		t.Errorf("expected severity to stay critical, got %s", sev)
	}
}

func TestEscalatorPruneAndTracked(t *testing.T) {
	esc := NewEscalator(EscalationConfig{
		Window:      50 * time.Millisecond,
		Multipliers: []int{1, 4},
	})

	esc.Record("guild-1", "user-1")
	esc.Record("guild-1", "user-2")
	if got := esc.Tracked(); got != 2 {
		t.Fatalf("expected 2 tracked pairs, got %d", got)
	}

	time.Sleep(120 * time.Millisecond)

	if removed := esc.Prune(); removed != 2 {
		t.Errorf("expected 2 pairs pruned, got %d", removed)
	}
	if got := esc.Tracked(); got != 0 {
		t.Errorf("expected 0 tracked pairs after prune, got %d", got)
	}
}

func TestManagerEscalatesRepeatOffender(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Millisecond
	mgr := NewManager(config).WithEscalator(NewEscalator(DefaultEscalationConfig()))

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	time.Sleep(20 * time.Millisecond)

	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}

	latest := cases[0]
	if latest.Offenses != 2 {
		t.Errorf("expected offense count 2, got %d", latest.Offenses)
	}
	if latest.SuspendDuration != time.Hour {
		t.Errorf("expected escalated suspension 1h, got %s", latest.SuspendDuration)
	}
	if latest.Severity != detection.SeverityHigh {
		t.Errorf("expected escalated severity high, got %s", latest.Severity)
	}

	first := cases[1]
	if first.Offenses != 1 || first.SuspendDuration != 15*time.Minute {
		t.Errorf("first offense must pass through unchanged, got offenses=%d duration=%s",
			first.Offenses, first.SuspendDuration)
	}
}

// ---------------------------------------------------------------------------
// 5. Notification floor
// ---------------------------------------------------------------------------

func TestNotifySeverityFloor(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	config.MinNotifySeverity = detection.SeverityHigh

	dispatcher := NewDispatcher(DefaultDeliveryConfig())
	ch := newMockChannel("test")
	dispatcher.AddChannel(ch)
	mgr := NewManager(config).WithDispatcher(dispatcher)

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-low", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-high", "guild-1", detection.SeverityHigh, 3))

	if !waitForCondition(2*time.Second, func() bool {
		return len(ch.getSentCases()) == 1
	}) {
		t.Fatalf("expected exactly 1 notification, got %d", len(ch.getSentCases()))
	}
	if ch.getSentCases()[0].UserID != "user-high" {
		t.Errorf("expected the high severity case to be notified, got %s", ch.getSentCases()[0].UserID)
	}
}

func TestNotifyUnsetFloorSendsEverything(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	config.MinNotifySeverity = ""

	dispatcher := NewDispatcher(DefaultDeliveryConfig())
	ch := newMockChannel("test")
	dispatcher.AddChannel(ch)
	mgr := NewManager(config).WithDispatcher(dispatcher)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityLow, 3))

	if !waitForCondition(2*time.Second, func() bool {
		return len(ch.getSentCases()) == 1
	}) {
		t.Error("expected low severity case to be notified with no floor configured")
	}
}

// ---------------------------------------------------------------------------
// 6. Delivery, retries and the dead letter queue
// ---------------------------------------------------------------------------

func makeDeliveryCase() *Case {
	now := time.Now().UTC()
	return &Case{
		ID:              uuid.New(),
		VerdictID:       uuid.New(),
		UserID:          "user-1",
		GuildID:         "guild-1",
		Severity:        detection.SeverityHigh,
		Status:          StatusActioned,
		Basis:           detection.BasisContent,
		Content:         "claim your prize at https://free-nitro.example/claim",
		Messages:        makeVerdict("user-1", "guild-1", detection.SeverityHigh, 3).Messages,
		SuspendDuration: 15 * time.Minute,
		Offenses:        1,
		DetectedAt:      now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestDispatcherDeliversToAllChannels(t *testing.T) {
	dispatcher := NewDispatcher(DefaultDeliveryConfig())
	ch1 := newMockChannel("one")
	ch2 := newMockChannel("two")
	dispatcher.AddChannel(ch1)
	dispatcher.AddChannel(ch2)

	c := makeDeliveryCase()
	dispatcher.Dispatch(context.Background(), c)

	if !waitForCondition(2*time.Second, func() bool {
		return len(ch1.getSentCases()) == 1 && len(ch2.getSentCases()) == 1
	}) {
		t.Fatal("expected both channels to receive the case")
	}

	records := dispatcher.Records(c.ID)
	if len(records) != 2 {
		t.Fatalf("expected 2 delivery records, got %d", len(records))
	}
	for _, r := range records {
		if r.Status != DeliverySent {
			t.Errorf("expected record sent, got %s", r.Status)
		}
		if r.DeliveredAt == nil {
			t.Error("expected delivered timestamp to be set")
		}
	}
}

func TestDispatcherRetriesThenDeadLetters(t *testing.T) {
	dispatcher := NewDispatcher(DeliveryConfig{
		MaxAttempts:    2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		BackoffFactor:  2.0,
		Timeout:        time.Second,
	})
	ch := newMockChannel("flaky")
	ch.sendFunc = func(context.Context, *Case) error { return errTest }
	dispatcher.AddChannel(ch)

	dispatcher.Dispatch(context.Background(), makeDeliveryCase())

	if !waitForCondition(2*time.Second, func() bool {
		return len(dispatcher.DeadLetter()) == 1
	}) {
		t.Fatal("expected delivery to land in the dead letter queue")
	}

	record := dispatcher.DeadLetter()[0]
	if record.Attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", record.Attempts)
	}
	if record.Status != DeliveryDeadLetter {
		t.Errorf("expected status dead_letter, got %s", record.Status)
	}
	if record.LastError == "" {
		t.Error("expected last error to be recorded")
	}
}

func TestDispatcherRetryFromDeadLetter(t *testing.T) {
	dispatcher := NewDispatcher(DeliveryConfig{
		MaxAttempts:    1,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		BackoffFactor:  2.0,
		Timeout:        time.Second,
	})

	var calls int64
	ch := newMockChannel("flaky")
	ch.sendFunc = func(context.Context, *Case) error {
		if atomic.AddInt64(&calls, 1) == 1 {
			return errTest
		}
		return nil
	}
	dispatcher.AddChannel(ch)

	c := makeDeliveryCase()
	dispatcher.Dispatch(context.Background(), c)

	if !waitForCondition(2*time.Second, func() bool {
		return len(dispatcher.DeadLetter()) == 1
	}) {
		t.Fatal("expected dead letter after exhausting attempts")
	}
	recordID := dispatcher.DeadLetter()[0].ID

	if err := dispatcher.Retry(context.Background(), recordID, c); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}

	if !waitForCondition(2*time.Second, func() bool {
		for _, r := range dispatcher.Records(c.ID) {
			if r.ID == recordID && r.Status == DeliverySent {
				return true
			}
		}
		return false
	}) {
		t.Fatal("expected retried delivery to succeed")
	}
	if n := len(dispatcher.DeadLetter()); n != 0 {
		t.Errorf("expected empty dead letter queue after retry, got %d", n)
	}
}

func TestDispatcherRetryUnknownRecord(t *testing.T) {
	dispatcher := NewDispatcher(DefaultDeliveryConfig())
	if err := dispatcher.Retry(context.Background(), uuid.New(), makeDeliveryCase()); err == nil {
		t.Fatal("expected error retrying unknown record")
	}
}

func TestDispatcherStats(t *testing.T) {
	dispatcher := NewDispatcher(DefaultDeliveryConfig())
	ch := newMockChannel("one")
	dispatcher.AddChannel(ch)

	dispatcher.Dispatch(context.Background(), makeDeliveryCase())

	if !waitForCondition(2*time.Second, func() bool {
		stats := dispatcher.Stats()
		byStatus := stats["by_status"].(map[DeliveryStatus]int)
		return byStatus[DeliverySent] == 1
	}) {
		t.Fatal("expected stats to report one sent delivery")
	}

	stats := dispatcher.Stats()
	if stats["total_deliveries"].(int) != 1 {
		t.Errorf("expected 1 total delivery, got %v", stats["total_deliveries"])
	}
	byChannel := stats["by_channel"].(map[string]int)
	if byChannel["one"] != 1 {
		t.Errorf("expected 1 delivery for channel one, got %d", byChannel["one"])
	}
}

func TestDispatcherCleanup(t *testing.T) {
	dispatcher := NewDispatcher(DefaultDeliveryConfig())
	ch := newMockChannel("one")
	dispatcher.AddChannel(ch)

	c := makeDeliveryCase()
	dispatcher.Dispatch(context.Background(), c)

	if !waitForCondition(2*time.Second, func() bool {
		records := dispatcher.Records(c.ID)
		return len(records) == 1 && records[0].Status == DeliverySent
	}) {
		t.Fatal("expected delivery to complete")
	}

	// Age the record past the cutoff.
	dispatcher.mu.Lock()
	for _, r := range dispatcher.records {
		r.CreatedAt = time.Now().Add(-48 * time.Hour)
	}
	dispatcher.mu.Unlock()

	if removed := dispatcher.Cleanup(24 * time.Hour); removed != 1 {
		t.Errorf("expected 1 record cleaned up, got %d", removed)
	}
	if n := len(dispatcher.Records(c.ID)); n != 0 {
		t.Errorf("expected no records after cleanup, got %d", n)
	}
}

func TestDispatcherStopAbandonsInFlight(t *testing.T) {
	dispatcher := NewDispatcher(DeliveryConfig{
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Second,
		BackoffFactor:  2.0,
		Timeout:        time.Second,
	})
	ch := newMockChannel("slow")
	ch.sendFunc = func(context.Context, *Case) error { return errTest }
	dispatcher.AddChannel(ch)

	dispatcher.Dispatch(context.Background(), makeDeliveryCase())

	// Let the first attempt fail, then stop during the long backoff.
	if !waitForCondition(2*time.Second, func() bool {
		return len(ch.getSentCases()) == 1
	}) {
		t.Fatal("expected first attempt to run")
	}
	dispatcher.Stop()

	dead := dispatcher.DeadLetter()
	if len(dead) != 1 {
		t.Fatalf("expected in-flight delivery moved to dead letter on stop, got %d", len(dead))
	}
	if dead[0].Status != DeliveryDeadLetter {
		t.Errorf("expected status dead_letter, got %s", dead[0].Status)
	}
}

// ---------------------------------------------------------------------------
// 7. Case store operations
// ---------------------------------------------------------------------------

func TestManagerGetCase(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())
	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}

	got, err := mgr.GetCase(cases[0].ID)
	if err != nil {
		t.Fatalf("GetCase failed: %v", err)
	}
	if got.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", got.UserID)
	}
}

func TestManagerGetCaseNotFound(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())
	if _, err := mgr.GetCase(uuid.New()); err == nil {
		t.Fatal("expected error for unknown case")
	}
}

func TestManagerResolve(t *testing.T) {
	writer := &mockCaseWriter{}
	mgr := NewManager(DefaultManagerConfig()).WithCaseWriter(writer)
	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	id := mgr.ListCases(CaseFilter{})[0].ID
	if err := mgr.Resolve(id, "mod-alice"); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	c, _ := mgr.GetCase(id)
	if c.Status != StatusResolved {
		t.Errorf("expected status resolved, got %s", c.Status)
	}
	if c.ResolvedBy != "mod-alice" {
		t.Errorf("expected resolved by mod-alice, got %s", c.ResolvedBy)
	}
	if c.ResolvedAt == nil {
		t.Error("expected resolved timestamp")
	}
	if writer.count() != 2 {
		t.Errorf("expected case persisted on create and resolve, got %d writes", writer.count())
	}
}

func TestManagerResolveNotFound(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())
	if err := mgr.Resolve(uuid.New(), "mod"); err == nil {
		t.Fatal("expected error resolving unknown case")
	}
}

func TestManagerAddNote(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())
	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))

	id := mgr.ListCases(CaseFilter{})[0].ID
	if err := mgr.AddNote(id, "mod-bob", "confirmed scam domain"); err != nil {
		t.Fatalf("AddNote failed: %v", err)
	}

	c, _ := mgr.GetCase(id)
	if len(c.Notes) != 1 {
		t.Fatalf("expected 1 note, got %d", len(c.Notes))
	}
	if c.Notes[0].Author != "mod-bob" || c.Notes[0].Content != "confirmed scam domain" {
		t.Errorf("unexpected note: %+v", c.Notes[0])
	}
}

func TestManagerAddNoteNotFound(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())
	if err := mgr.AddNote(uuid.New(), "mod", "note"); err == nil {
		t.Fatal("expected error adding note to unknown case")
	}
}

func TestManagerListCasesFilters(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	mgr := NewManager(config)

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-2", "guild-1", detection.SeverityHigh, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-3", "guild-2", detection.SeverityHigh, 3))

	if n := len(mgr.ListCases(CaseFilter{UserID: "user-1"})); n != 1 {
		t.Errorf("expected 1 case for user-1, got %d", n)
	}
	if n := len(mgr.ListCases(CaseFilter{GuildID: "guild-1"})); n != 2 {
		t.Errorf("expected 2 cases for guild-1, got %d", n)
	}
	high := detection.SeverityHigh
	if n := len(mgr.ListCases(CaseFilter{Severity: &high})); n != 2 {
		t.Errorf("expected 2 high severity cases, got %d", n)
	}
	status := StatusNew
	if n := len(mgr.ListCases(CaseFilter{Status: &status})); n != 3 {
		t.Errorf("expected 3 new cases, got %d", n)
	}
	if n := len(mgr.ListCases(CaseFilter{Limit: 2})); n != 2 {
		t.Errorf("expected limit 2 to cap results, got %d", n)
	}
	if n := len(mgr.ListCases(CaseFilter{Offset: 2})); n != 1 {
		t.Errorf("expected offset 2 to skip results, got %d", n)
	}
	if n := len(mgr.ListCases(CaseFilter{Offset: 10})); n != 0 {
		t.Errorf("expected offset past end to return none, got %d", n)
	}
}

func TestManagerStats(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	mgr := NewManager(config).WithEscalator(NewEscalator(DefaultEscalationConfig()))

	ctx := context.Background()
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	_ = mgr.HandleVerdict(ctx, makeVerdict("user-2", "guild-1", detection.SeverityHigh, 3))

	stats := mgr.Stats()
	if stats["total"].(int) != 2 {
		t.Errorf("expected 2 cases, got %v", stats["total"])
	}
	if stats["handled"].(uint64) != 3 {
		t.Errorf("expected 3 handled, got %v", stats["handled"])
	}
	if stats["deduplicated"].(uint64) != 1 {
		t.Errorf("expected 1 deduplicated, got %v", stats["deduplicated"])
	}
	if stats["active_cooldowns"].(int) != 2 {
		t.Errorf("expected 2 active cooldowns, got %v", stats["active_cooldowns"])
	}
	if stats["tracked_offenders"].(int) != 2 {
		t.Errorf("expected 2 tracked offenders, got %v", stats["tracked_offenders"])
	}
}

func TestManagerCleanupRemovesOldResolvedCases(t *testing.T) {
	config := DefaultManagerConfig()
	config.RetentionPeriod = time.Hour
	mgr := NewManager(config)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	id := mgr.ListCases(CaseFilter{})[0].ID
	_ = mgr.Resolve(id, "mod")

	// Age the case past retention.
	mgr.mu.Lock()
	mgr.cases[id].CreatedAt = time.Now().Add(-2 * time.Hour)
	mgr.mu.Unlock()

	if removed := mgr.Cleanup(); removed != 1 {
		t.Errorf("expected 1 case removed, got %d", removed)
	}
	if _, err := mgr.GetCase(id); err == nil {
		t.Error("expected case to be gone after cleanup")
	}
}

func TestManagerCleanupKeepsUnresolvedCases(t *testing.T) {
	config := DefaultManagerConfig()
	config.RetentionPeriod = time.Hour
	mgr := NewManager(config)

	_ = mgr.HandleVerdict(context.Background(), makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3))
	id := mgr.ListCases(CaseFilter{})[0].ID

	mgr.mu.Lock()
	mgr.cases[id].CreatedAt = time.Now().Add(-2 * time.Hour)
	mgr.mu.Unlock()

	if removed := mgr.Cleanup(); removed != 0 {
		t.Errorf("expected unresolved case kept, removed %d", removed)
	}
}

func TestManagerCleanupPrunesCooldowns(t *testing.T) {
	mgr := NewManager(DefaultManagerConfig())

	v := makeVerdict("user-1", "guild-1", detection.SeverityMedium, 3)
	v.SuspendDuration = 10 * time.Millisecond
	_ = mgr.HandleVerdict(context.Background(), v)

	time.Sleep(50 * time.Millisecond)
	mgr.Cleanup()

	stats := mgr.Stats()
	if stats["active_cooldowns"].(int) != 0 {
		t.Errorf("expected expired cooldown pruned, got %v", stats["active_cooldowns"])
	}
}

func TestManagerMaxCasesEviction(t *testing.T) {
	config := DefaultManagerConfig()
	config.Cooldown = time.Minute
	config.MaxCases = 3
	mgr := NewManager(config)

	ctx := context.Background()
	for _, user := range []string{"user-1", "user-2", "user-3", "user-4"} {
		_ = mgr.HandleVerdict(ctx, makeVerdict(user, "guild-1", detection.SeverityMedium, 3))
		time.Sleep(5 * time.Millisecond)
	}

	cases := mgr.ListCases(CaseFilter{})
	if len(cases) != 3 {
		t.Fatalf("expected store capped at 3 cases, got %d", len(cases))
	}
	for _, c := range cases {
		if c.UserID == "user-1" {
			t.Error("expected oldest case evicted")
		}
	}
}

func TestCaseFilterMatches(t *testing.T) {
	now := time.Now()
	actioned := StatusActioned
	high := detection.SeverityHigh

	c := &Case{
		Status:    StatusActioned,
		Severity:  detection.SeverityHigh,
		GuildID:   "guild-1",
		UserID:    "user-1",
		CreatedAt: now,
	}

	tests := []struct {
		name   string
		filter CaseFilter
		want   bool
	}{
		{"empty filter", CaseFilter{}, true},
		{"matching status", CaseFilter{Status: &actioned}, true},
		{"matching severity", CaseFilter{Severity: &high}, true},
		{"matching guild", CaseFilter{GuildID: "guild-1"}, true},
		{"wrong guild", CaseFilter{GuildID: "guild-2"}, false},
		{"matching user", CaseFilter{UserID: "user-1"}, true},
		{"wrong user", CaseFilter{UserID: "user-2"}, false},
		{"since before", CaseFilter{Since: timePtr(now.Add(-time.Hour))}, true},
		{"since after", CaseFilter{Since: timePtr(now.Add(time.Hour))}, false},
		{"until after", CaseFilter{Until: timePtr(now.Add(time.Hour))}, true},
		{"until before", CaseFilter{Until: timePtr(now.Add(-time.Hour))}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.matches(c); got != tt.want {
				t.Errorf("matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
