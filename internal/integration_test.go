package internal_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"scamwarden/internal/api"
	"scamwarden/internal/consumer"
	"scamwarden/internal/detection"
	"scamwarden/internal/ingest"
	"scamwarden/internal/queue"
	"scamwarden/internal/remediation"
	"scamwarden/internal/schema"

	"github.com/google/uuid"
)

// --- Test: Ingest → Detect → Case pipeline ---

func TestIngestDetectCase(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Set up queue
	eventQueue := queue.NewRingBuffer(1000)

	// Set up detection engine: three identical messages across distinct
	// channels inside ten minutes constitute a campaign.
	engine, err := detection.NewEngine(detection.Config{
		Threshold:       3,
		StalenessWindow: 10 * time.Minute,
		SuspendDuration: 15 * time.Minute,
		SweepInterval:   time.Minute,
		Shards:          8,
		ScopeByGuild:    true,
		Severity:        detection.SeverityHigh,
		Normalization:   detection.DefaultNormalizationConfig(),
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	// Remediation manager with no platform client: verdicts become cases
	// but no enforcement actions run.
	manager := remediation.NewManager(remediation.ManagerConfig{
		MinNotifySeverity: detection.SeverityMedium,
		RetentionPeriod:   time.Hour,
		MaxCases:          100,
	})

	// Consumer drains the queue through the engine into the manager.
	cons := consumer.New(eventQueue, engine, consumer.Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		ShutdownWait: 5 * time.Second,
	}).WithVerdictHandler(manager)

	cons.Start(ctx)
	defer cons.Stop()

	// HTTP ingest in front of the queue, through the composed route table.
	handler := ingest.NewHandler(schema.NewValidator(), eventQueue).
		WithMaxPayload(1 << 20).
		WithMaxBatch(100)
	router := &api.Router{Ingest: handler}
	mux := router.Handler()

	content := "Free nitro giveaway https://steam-gift.example/claim act fast"
	now := time.Now().UTC()

	events := make([]map[string]interface{}, 3)
	for i := 0; i < 3; i++ {
		events[i] = map[string]interface{}{
			"message_id": fmt.Sprintf("msg-%d", i+1),
			"channel_id": fmt.Sprintf("chan-%d", i+1),
			"guild_id":   "guild-1",
			"author":     map[string]interface{}{"id": "u-500", "name": "spammer"},
			"content":    content,
			"observed_at": now.Add(time.Duration(i-3) * time.Second).
				Format(time.RFC3339Nano),
		}
	}

	body, _ := json.Marshal(map[string]interface{}{"events": events})
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("ingest: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ingest.IngestResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse ingest response: %v", err)
	}
	if resp.Accepted != 3 {
		t.Fatalf("expected 3 accepted events, got %d", resp.Accepted)
	}

	// Wait for the consumer to drain the queue and the verdict to land.
	var cases []*remediation.Case
	deadline := time.Now().Add(5 * time.Second)
	for {
		cases = manager.ListCases(remediation.CaseFilter{Limit: 10})
		if len(cases) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for a case, got none")
		}
		time.Sleep(20 * time.Millisecond)
	}

	c := cases[0]
	if c.UserID != "u-500" {
		t.Errorf("expected case for u-500, got %q", c.UserID)
	}
	if c.GuildID != "guild-1" {
		t.Errorf("expected guild-1, got %q", c.GuildID)
	}
	if c.Basis != detection.BasisContent {
		t.Errorf("expected content basis, got %q", c.Basis)
	}
	if c.Severity != detection.SeverityHigh {
		t.Errorf("expected high severity, got %q", c.Severity)
	}
	if len(c.Messages) != 3 {
		t.Errorf("expected 3 matched messages, got %d", len(c.Messages))
	}
	// No platform client attached, so the case stays new.
	if c.Status != remediation.StatusNew {
		t.Errorf("expected status 'new', got %q", c.Status)
	}

	metrics := eventQueue.Metrics()
	if metrics.Pushed != 3 {
		t.Errorf("expected 3 pushed events, got %d", metrics.Pushed)
	}

	t.Logf("Pipeline test passed: 3 events -> 1 case (user=%s, messages=%d, severity=%s)",
		c.UserID, len(c.Messages), c.Severity)
}

// --- Test: Case → Webhook notification ---

func TestCaseNotifyWebhook(t *testing.T) {
	ctx := context.Background()

	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		select {
		case received <- body:
		default:
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dispatcher := remediation.NewDispatcher(remediation.DeliveryConfig{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Timeout:        2 * time.Second,
	})
	defer dispatcher.Stop()
	dispatcher.AddChannel(remediation.NewWebhookChannel("ticketing", srv.URL, nil, false))

	manager := remediation.NewManager(remediation.ManagerConfig{
		MinNotifySeverity: detection.SeverityMedium,
		RetentionPeriod:   time.Hour,
		MaxCases:          100,
	}).WithDispatcher(dispatcher)

	verdict := makeVerdict("u-900")
	if err := manager.HandleVerdict(ctx, verdict); err != nil {
		t.Fatalf("failed to handle verdict: %v", err)
	}

	var body []byte
	select {
	case body = <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for webhook delivery")
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("failed to parse webhook payload: %v", err)
	}
	if payload["user_id"] != "u-900" {
		t.Errorf("expected user_id 'u-900', got %v", payload["user_id"])
	}
	if payload["severity"] != "high" {
		t.Errorf("expected severity 'high', got %v", payload["severity"])
	}
	caseID, _ := payload["case_id"].(string)
	if _, err := uuid.Parse(caseID); err != nil {
		t.Errorf("expected a case_id UUID, got %v", payload["case_id"])
	}
	if payload["content"] != verdict.Content {
		t.Errorf("expected unredacted content %q, got %v", verdict.Content, payload["content"])
	}

	t.Logf("Webhook test passed: case %s delivered with user_id and severity", caseID)
}

// --- Test: Reliable delivery with retries ---

func TestReliableDeliveryRetry(t *testing.T) {
	ctx := context.Background()

	// Channel fails twice, then succeeds.
	var attempts atomic.Int32
	flaky := &mockNotificationChannel{
		name: "flaky-pager",
		sendFunc: func(ctx context.Context, c *remediation.Case) error {
			if attempts.Add(1) <= 2 {
				return fmt.Errorf("connection refused")
			}
			return nil
		},
	}

	dispatcher := remediation.NewDispatcher(remediation.DeliveryConfig{
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		BackoffFactor:  2.0,
		Timeout:        time.Second,
	})
	defer dispatcher.Stop()
	dispatcher.AddChannel(flaky)

	manager := remediation.NewManager(remediation.ManagerConfig{
		RetentionPeriod: time.Hour,
		MaxCases:        100,
	}).WithDispatcher(dispatcher)

	if err := manager.HandleVerdict(ctx, makeVerdict("u-901")); err != nil {
		t.Fatalf("failed to handle verdict: %v", err)
	}

	cases := manager.ListCases(remediation.CaseFilter{UserID: "u-901", Limit: 1})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}

	var record *remediation.DeliveryRecord
	deadline := time.Now().Add(5 * time.Second)
	for {
		records := dispatcher.Records(cases[0].ID)
		if len(records) == 1 && records[0].Status == remediation.DeliverySent {
			record = records[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for delivery, records=%v", records)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if record.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", record.Attempts)
	}
	if got := attempts.Load(); got != 3 {
		t.Errorf("expected channel called 3 times, got %d", got)
	}
	if record.DeliveredAt == nil {
		t.Error("expected delivered timestamp on sent record")
	}

	t.Logf("Retry test passed: delivered after %d attempts", record.Attempts)
}

// --- Test: Dead letter queue ---

func TestDeadLetterQueue(t *testing.T) {
	ctx := context.Background()

	var attempts atomic.Int32
	broken := &mockNotificationChannel{
		name: "dead-endpoint",
		sendFunc: func(ctx context.Context, c *remediation.Case) error {
			attempts.Add(1)
			return fmt.Errorf("endpoint permanently unavailable")
		},
	}

	dispatcher := remediation.NewDispatcher(remediation.DeliveryConfig{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		BackoffFactor:  2.0,
		Timeout:        time.Second,
	})
	defer dispatcher.Stop()
	dispatcher.AddChannel(broken)

	manager := remediation.NewManager(remediation.ManagerConfig{
		RetentionPeriod: time.Hour,
		MaxCases:        100,
	}).WithDispatcher(dispatcher)

	if err := manager.HandleVerdict(ctx, makeVerdict("u-902")); err != nil {
		t.Fatalf("failed to handle verdict: %v", err)
	}

	var dlEntry *remediation.DeliveryRecord
	deadline := time.Now().Add(5 * time.Second)
	for {
		if dlq := dispatcher.DeadLetter(); len(dlq) > 0 {
			dlEntry = dlq[0]
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for dead letter entry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if dlEntry.Status != remediation.DeliveryDeadLetter {
		t.Errorf("expected status 'dead_letter', got %q", dlEntry.Status)
	}
	if dlEntry.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", dlEntry.Attempts)
	}
	if dlEntry.LastError == "" {
		t.Error("expected last error to be recorded")
	}

	t.Logf("Dead letter test passed: %d retries exhausted, entry in DLQ with error: %s",
		dlEntry.Attempts, dlEntry.LastError)
}

// --- Test: Case management API ---

func TestCaseManagementAPI(t *testing.T) {
	ctx := context.Background()

	manager := remediation.NewManager(remediation.ManagerConfig{
		RetentionPeriod: time.Hour,
		MaxCases:        100,
	})
	if err := manager.HandleVerdict(ctx, makeVerdict("u-903")); err != nil {
		t.Fatalf("failed to create case: %v", err)
	}

	cases := manager.ListCases(remediation.CaseFilter{UserID: "u-903", Limit: 1})
	if len(cases) != 1 {
		t.Fatalf("expected 1 case, got %d", len(cases))
	}
	caseID := cases[0].ID

	handler := remediation.NewHandler(manager)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	// Test: List cases
	req := httptest.NewRequest(http.MethodGet, "/v1/cases", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("list cases: expected 200, got %d", rec.Code)
	}
	var listResp struct {
		Cases []json.RawMessage `json:"cases"`
		Total int               `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listResp); err != nil {
		t.Fatalf("failed to parse list response: %v", err)
	}
	if listResp.Total == 0 {
		t.Error("expected at least 1 case in list")
	}

	// Test: Get case by ID
	req = httptest.NewRequest(http.MethodGet, "/v1/cases/"+caseID.String(), nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("get case: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Test: Add note
	noteBody, _ := json.Marshal(map[string]string{
		"author":  "analyst",
		"content": "confirmed scam campaign, links match known kit",
	})
	req = httptest.NewRequest(http.MethodPost, "/v1/cases/"+caseID.String()+"/notes", bytes.NewReader(noteBody))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("add note: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Test: Resolve case
	resolveBody, _ := json.Marshal(map[string]string{"user": "analyst"})
	req = httptest.NewRequest(http.MethodPost, "/v1/cases/"+caseID.String()+"/resolve", bytes.NewReader(resolveBody))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("resolve case: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	// Verify final state
	c, err := manager.GetCase(caseID)
	if err != nil {
		t.Fatalf("get case after resolve: %v", err)
	}
	if c.Status != remediation.StatusResolved {
		t.Errorf("expected final status 'resolved', got %q", c.Status)
	}
	if c.ResolvedBy != "analyst" {
		t.Errorf("expected resolved_by 'analyst', got %q", c.ResolvedBy)
	}
	if len(c.Notes) != 1 {
		t.Errorf("expected 1 note, got %d", len(c.Notes))
	}

	// Test: Stats
	req = httptest.NewRequest(http.MethodGet, "/v1/cases/stats", nil)
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("stats: expected 200, got %d", rec.Code)
	}

	t.Log("Case management API test passed: list, get, note, resolve, stats")
}

// --- Test: Policy-driven detection ---

func TestPolicyDrivenDetection(t *testing.T) {
	policyYAML := []byte(`
id: raffle-spam
name: Raffle spam campaign
enabled: true
severity: critical
threshold: 2
staleness_window: 5m
suspend_duration: 1h
scope_by_guild: true
`)
	policy, err := detection.ParsePolicy(policyYAML)
	if err != nil {
		t.Fatalf("failed to parse policy: %v", err)
	}

	engine, err := detection.NewEngine(policy.EngineConfig())
	if err != nil {
		t.Fatalf("failed to create engine from policy: %v", err)
	}

	content := "You won our raffle! https://raffle-claim.example/win"
	base := time.Now().UTC().Add(-time.Minute)

	first := campaignEvent("p1", "chan-a", "u-910", content, base)
	verdict, err := engine.Handle(first)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if verdict != nil {
		t.Fatal("verdict after 1 message, want nil below policy threshold")
	}

	second := campaignEvent("p2", "chan-b", "u-910", content, base.Add(time.Minute))
	verdict, err = engine.Handle(second)
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if verdict == nil {
		t.Fatal("expected verdict at policy threshold of 2")
	}

	if verdict.Severity != detection.SeverityCritical {
		t.Errorf("expected policy severity 'critical', got %q", verdict.Severity)
	}
	if verdict.SuspendDuration != time.Hour {
		t.Errorf("expected policy suspension 1h, got %v", verdict.SuspendDuration)
	}
	if len(verdict.Messages) != 2 {
		t.Errorf("expected 2 matched messages, got %d", len(verdict.Messages))
	}

	t.Logf("Policy detection test passed: threshold=2 severity=%s suspension=%v",
		verdict.Severity, verdict.SuspendDuration)
}

// --- Helpers ---

func makeVerdict(userID string) *detection.Verdict {
	now := time.Now().UTC()
	return &detection.Verdict{
		ID:       uuid.New(),
		UserID:   userID,
		GuildID:  "guild-1",
		Basis:    detection.BasisContent,
		Content:  "Claim your prize https://totally-real-nitro.example/gift",
		Severity: detection.SeverityHigh,
		Messages: []detection.MessageRef{
			{MessageID: "m1", ChannelID: "chan-1", ObservedAt: now.Add(-2 * time.Minute)},
			{MessageID: "m2", ChannelID: "chan-2", ObservedAt: now.Add(-time.Minute)},
			{MessageID: "m3", ChannelID: "chan-3", ObservedAt: now},
		},
		SuspendDuration: 15 * time.Minute,
		DetectedAt:      now,
	}
}

func campaignEvent(messageID, channelID, userID, content string, observed time.Time) *schema.MessageEvent {
	e := &schema.MessageEvent{
		MessageID:  messageID,
		ChannelID:  channelID,
		GuildID:    "guild-1",
		Author:     schema.Author{ID: userID},
		Content:    content,
		ObservedAt: observed,
	}
	e.Normalize(schema.TransportHTTP)
	return e
}

// --- Mock notification channel ---

type mockNotificationChannel struct {
	name     string
	sendFunc func(ctx context.Context, c *remediation.Case) error
}

func (m *mockNotificationChannel) Name() string {
	return m.name
}

func (m *mockNotificationChannel) Send(ctx context.Context, c *remediation.Case) error {
	if m.sendFunc != nil {
		return m.sendFunc(ctx, c)
	}
	return nil
}
