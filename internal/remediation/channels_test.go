package remediation

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"scamwarden/internal/detection"
)

// ---------------------------------------------------------------------------
// Content rendering and redaction
// ---------------------------------------------------------------------------

func TestRenderContent(t *testing.T) {
	c := makeDeliveryCase()

	redacted := renderContent(c, true)
	if strings.Contains(redacted, "claim your prize") {
		t.Errorf("redacted content leaked message text: %s", redacted)
	}
	if !strings.Contains(redacted, "free-nitro.example") {
		t.Errorf("redacted content should keep the link domain hint: %s", redacted)
	}

	raw := renderContent(c, false)
	if raw != c.Content {
		t.Errorf("expected raw content pass-through, got %s", raw)
	}
}

func TestRenderContentAttachmentFallback(t *testing.T) {
	c := makeDeliveryCase()
	c.Content = ""
	c.Basis = detection.BasisAttachment

	got := renderContent(c, true)
	want := "Identical attachments posted across 3 channels."
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

// ---------------------------------------------------------------------------
// Discord channel -- httptest-based integration
// ---------------------------------------------------------------------------

func TestDiscordChannelSendSuccess(t *testing.T) {
	var receivedPayload map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewDiscordChannel(server.URL, "ScamWarden", true)
	c := makeDeliveryCase()

	if err := ch.Send(context.Background(), c); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if receivedPayload["username"] != "ScamWarden" {
		t.Errorf("expected username 'ScamWarden', got %v", receivedPayload["username"])
	}

	embeds, ok := receivedPayload["embeds"].([]interface{})
	if !ok || len(embeds) != 1 {
		t.Fatal("expected exactly one embed")
	}
	embed := embeds[0].(map[string]interface{})

	if embed["title"] != "[HIGH] Coordinated scam-link campaign" {
		t.Errorf("unexpected title: %v", embed["title"])
	}
	if embed["color"] != float64(0xFFA500) {
		t.Errorf("expected high severity color, got %v", embed["color"])
	}

	description := embed["description"].(string)
	if strings.Contains(description, "claim your prize") {
		t.Errorf("embed description leaked campaign content: %s", description)
	}
	if !strings.Contains(description, "free-nitro.example") {
		t.Errorf("embed description missing link domain hint: %s", description)
	}

	footer := embed["footer"].(map[string]interface{})
	if !strings.Contains(footer["text"].(string), shortID(c.ID)) {
		t.Errorf("footer missing case id: %v", footer["text"])
	}
}

func TestDiscordChannelNon2xxResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("webhook gone"))
	}))
	defer server.Close()

	ch := NewDiscordChannel(server.URL, "ScamWarden", true)

	err := ch.Send(context.Background(), makeDeliveryCase())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error should mention status code 500: %v", err)
	}
}

func TestDiscordChannelRedactionOff(t *testing.T) {
	var receivedPayload map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ch := NewDiscordChannel(server.URL, "ScamWarden", false)
	c := makeDeliveryCase()

	if err := ch.Send(context.Background(), c); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	embed := receivedPayload["embeds"].([]interface{})[0].(map[string]interface{})
	if embed["description"] != c.Content {
		t.Errorf("expected raw content with redaction off, got %v", embed["description"])
	}
}

func TestDiscordSeverityColors(t *testing.T) {
	ch := NewDiscordChannel("http://unused", "bot", true)

	tests := []struct {
		severity detection.Severity
		color    int
	}{
		{detection.SeverityCritical, 0xFF0000},
		{detection.SeverityHigh, 0xFFA500},
		{detection.SeverityMedium, 0xFFFF00},
		{detection.SeverityLow, 0x00FF00},
		{detection.Severity("unknown"), 0x808080},
	}

	for _, tt := range tests {
		if got := ch.severityColor(tt.severity); got != tt.color {
			t.Errorf("severity %s: expected color %#x, got %#x", tt.severity, tt.color, got)
		}
	}
}

// ---------------------------------------------------------------------------
// Slack channel -- httptest-based integration
// ---------------------------------------------------------------------------

func TestSlackChannelSendSuccess(t *testing.T) {
	var receivedPayload map[string]interface{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#mod-alerts", "ScamWarden", true)
	c := makeDeliveryCase()

	if err := ch.Send(context.Background(), c); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if receivedPayload["channel"] != "#mod-alerts" {
		t.Errorf("expected channel '#mod-alerts', got %v", receivedPayload["channel"])
	}
	if receivedPayload["username"] != "ScamWarden" {
		t.Errorf("expected username 'ScamWarden', got %v", receivedPayload["username"])
	}

	blocks, ok := receivedPayload["blocks"].([]interface{})
	if !ok || len(blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(blocks))
	}

	header := blocks[0].(map[string]interface{})
	if header["type"] != "header" {
		t.Errorf("expected first block to be a header, got %v", header["type"])
	}
	headerText := header["text"].(map[string]interface{})["text"].(string)
	if headerText != "[HIGH] Coordinated scam-link campaign" {
		t.Errorf("unexpected header text: %s", headerText)
	}

	body := blocks[1].(map[string]interface{})["text"].(map[string]interface{})["text"].(string)
	if strings.Contains(body, "claim your prize") {
		t.Errorf("slack body leaked campaign content: %s", body)
	}

	fields := blocks[2].(map[string]interface{})["fields"].([]interface{})
	foundUser := false
	for _, f := range fields {
		if strings.Contains(f.(map[string]interface{})["text"].(string), "user-1") {
			foundUser = true
		}
	}
	if !foundUser {
		t.Error("expected a field with the offending user id")
	}
}

func TestSlackChannelNon2xxResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("invalid_token"))
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL, "#mod-alerts", "bot", true)

	err := ch.Send(context.Background(), makeDeliveryCase())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Errorf("error should mention status code 403: %v", err)
	}
}

func TestSlackBuildFields(t *testing.T) {
	ch := NewSlackChannel("http://unused", "#c", "bot", true)

	c := makeDeliveryCase()
	c.Offenses = 3
	fields := ch.buildFields(c)
	if len(fields) != 6 {
		t.Errorf("expected 6 fields with guild and offense, got %d", len(fields))
	}

	c2 := makeDeliveryCase()
	c2.GuildID = ""
	c2.Offenses = 1
	fields = ch.buildFields(c2)
	if len(fields) != 4 {
		t.Errorf("expected 4 base fields, got %d", len(fields))
	}
}

// ---------------------------------------------------------------------------
// Generic webhook channel
// ---------------------------------------------------------------------------

func TestWebhookChannelSendSuccess(t *testing.T) {
	var receivedBody []byte
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		receivedBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel("case-hook", server.URL, map[string]string{
		"X-Custom-Header": "custom-value",
		"Authorization":   "Bearer test-token",
	}, true)
	c := makeDeliveryCase()

	if err := ch.Send(context.Background(), c); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", receivedHeaders.Get("Content-Type"))
	}
	if receivedHeaders.Get("X-Custom-Header") != "custom-value" {
		t.Errorf("expected X-Custom-Header 'custom-value', got %s", receivedHeaders.Get("X-Custom-Header"))
	}
	if receivedHeaders.Get(SignatureHeader) != "" {
		t.Error("expected no signature header without a secret")
	}

	var decoded webhookPayload
	if err := json.Unmarshal(receivedBody, &decoded); err != nil {
		t.Fatalf("received body is not valid JSON: %v", err)
	}
	if decoded.CaseID != c.ID {
		t.Errorf("expected case id %s, got %s", c.ID, decoded.CaseID)
	}
	if decoded.UserID != "user-1" {
		t.Errorf("expected user-1, got %s", decoded.UserID)
	}
	if len(decoded.Messages) != 3 {
		t.Errorf("expected 3 message refs, got %d", len(decoded.Messages))
	}
	if strings.Contains(decoded.Content, "claim your prize") {
		t.Errorf("webhook payload leaked campaign content: %s", decoded.Content)
	}
}

func TestWebhookChannelSignature(t *testing.T) {
	var receivedBody []byte
	var receivedSig string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedBody, _ = io.ReadAll(r.Body)
		receivedSig = r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewWebhookChannel("signed-hook", server.URL, nil, true).WithSecret("hmac-secret")

	if err := ch.Send(context.Background(), makeDeliveryCase()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if !strings.HasPrefix(receivedSig, "sha256=") {
		t.Fatalf("expected sha256= signature prefix, got %q", receivedSig)
	}
	if !VerifySignature("hmac-secret", receivedSig, receivedBody) {
		t.Error("signature should verify against the received body")
	}
	if VerifySignature("wrong-secret", receivedSig, receivedBody) {
		t.Error("signature must not verify with the wrong secret")
	}
	tampered := append([]byte{}, receivedBody...)
	tampered[0] ^= 0xFF
	if VerifySignature("hmac-secret", receivedSig, tampered) {
		t.Error("signature must not verify for a tampered body")
	}
}

func TestWebhookChannelNon2xxResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	ch := NewWebhookChannel("fail-hook", server.URL, nil, true)

	err := ch.Send(context.Background(), makeDeliveryCase())
	if err == nil {
		t.Fatal("expected error for non-2xx response")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("error should mention status code 502: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Redaction across channel types
// ---------------------------------------------------------------------------

func TestRedactingChannelsNeverLeakRawContent(t *testing.T) {
	var lastBody []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lastBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channels := []NotificationChannel{
		NewDiscordChannel(server.URL, "bot", true),
		NewSlackChannel(server.URL, "#c", "bot", true),
		NewWebhookChannel("hook", server.URL, nil, true),
	}

	for _, ch := range channels {
		lastBody = nil
		if err := ch.Send(context.Background(), makeDeliveryCase()); err != nil {
			t.Fatalf("%s Send() error: %v", ch.Name(), err)
		}
		if strings.Contains(string(lastBody), "claim your prize") {
			t.Errorf("%s leaked campaign content in request body", ch.Name())
		}
	}
}

func TestLogChannelAlwaysRedacts(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	ch := NewLogChannel(logger)
	if ch.Name() != "log" {
		t.Errorf("expected channel name 'log', got %s", ch.Name())
	}

	if err := ch.Send(context.Background(), makeDeliveryCase()); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	out := buf.String()
	if strings.Contains(out, "claim your prize") {
		t.Errorf("log output leaked campaign content: %s", out)
	}
	if !strings.Contains(out, "redacted") {
		t.Errorf("expected redaction marker in log output: %s", out)
	}
	if !strings.Contains(out, "user-1") {
		t.Errorf("expected user id in log output: %s", out)
	}
}
