package remediation

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/logging"

	"github.com/google/uuid"
)

// SignatureHeader carries the HMAC-SHA256 signature on signed webhook posts.
const SignatureHeader = "X-Warden-Signature"

// renderContent returns the campaign content for an outbound notice,
// redacted unless the channel was configured to pass it through.
func renderContent(c *Case, redact bool) string {
	if c.Content == "" {
		return fmt.Sprintf("Identical attachments posted across %d channels.", len(c.Messages))
	}
	if redact {
		return logging.RedactContent(c.Content)
	}
	return c.Content
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func caseTitle(c *Case) string {
	return fmt.Sprintf("[%s] Coordinated scam-link campaign", strings.ToUpper(string(c.Severity)))
}

// postJSON posts a marshaled payload and fails on any non-2xx response.
func postJSON(ctx context.Context, client *http.Client, name, url string, headers map[string]string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s returned %d: %s", name, resp.StatusCode, string(snippet))
	}
	return nil
}

// DiscordChannel posts case notices to a Discord webhook as an embed.
type DiscordChannel struct {
	webhookURL string
	username   string
	redact     bool
	client     *http.Client
}

// NewDiscordChannel creates a new Discord channel.
func NewDiscordChannel(webhookURL, username string, redact bool) *DiscordChannel {
	return &DiscordChannel{
		webhookURL: webhookURL,
		username:   username,
		redact:     redact,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (d *DiscordChannel) Name() string {
	return "discord"
}

func (d *DiscordChannel) Send(ctx context.Context, c *Case) error {
	payload := map[string]interface{}{
		"username": d.username,
		"embeds": []map[string]interface{}{
			{
				"title":       caseTitle(c),
				"description": renderContent(c, d.redact),
				"color":       d.severityColor(c.Severity),
				"fields":      d.buildFields(c),
				"footer": map[string]interface{}{
					"text": fmt.Sprintf("Case %s | Verdict %s", shortID(c.ID), shortID(c.VerdictID)),
				},
				"timestamp": c.CreatedAt.Format(time.RFC3339),
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, nil, data)
}

func (d *DiscordChannel) severityColor(sev detection.Severity) int {
	switch sev {
	case detection.SeverityCritical:
		return 0xFF0000
	case detection.SeverityHigh:
		return 0xFFA500
	case detection.SeverityMedium:
		return 0xFFFF00
	case detection.SeverityLow:
		return 0x00FF00
	default:
		return 0x808080
	}
}

func (d *DiscordChannel) buildFields(c *Case) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"name": "User", "value": c.UserID, "inline": true},
		{"name": "Channels", "value": fmt.Sprintf("%d", len(c.Messages)), "inline": true},
		{"name": "Suspension", "value": c.SuspendDuration.String(), "inline": true},
	}

	if c.GuildID != "" {
		fields = append(fields, map[string]interface{}{
			"name": "Guild", "value": c.GuildID, "inline": true,
		})
	}
	if c.Offenses > 1 {
		fields = append(fields, map[string]interface{}{
			"name": "Offense", "value": fmt.Sprintf("#%d", c.Offenses), "inline": true,
		})
	}
	return fields
}

// SlackChannel posts case notices to a Slack incoming webhook using blocks.
type SlackChannel struct {
	webhookURL string
	channel    string
	username   string
	redact     bool
	client     *http.Client
}

// NewSlackChannel creates a new Slack channel.
func NewSlackChannel(webhookURL, channel, username string, redact bool) *SlackChannel {
	return &SlackChannel{
		webhookURL: webhookURL,
		channel:    channel,
		username:   username,
		redact:     redact,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (s *SlackChannel) Name() string {
	return "slack"
}

func (s *SlackChannel) Send(ctx context.Context, c *Case) error {
	payload := map[string]interface{}{
		"channel":  s.channel,
		"username": s.username,
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]interface{}{"type": "plain_text", "text": caseTitle(c), "emoji": false},
			},
			{
				"type": "section",
				"text": map[string]interface{}{"type": "mrkdwn", "text": renderContent(c, s.redact)},
			},
			{
				"type":   "section",
				"fields": s.buildFields(c),
			},
			{
				"type": "context",
				"elements": []map[string]interface{}{
					{
						"type": "mrkdwn",
						"text": fmt.Sprintf("Case %s | Verdict %s | %s",
							shortID(c.ID), shortID(c.VerdictID), c.CreatedAt.Format(time.RFC3339)),
					},
				},
			},
		},
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return postJSON(ctx, s.client, "slack", s.webhookURL, nil, data)
}

func (s *SlackChannel) buildFields(c *Case) []map[string]interface{} {
	fields := []map[string]interface{}{
		{"type": "mrkdwn", "text": "*User:*\n" + c.UserID},
		{"type": "mrkdwn", "text": "*Severity:*\n" + string(c.Severity)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Channels:*\n%d", len(c.Messages))},
		{"type": "mrkdwn", "text": "*Suspension:*\n" + c.SuspendDuration.String()},
	}

	if c.GuildID != "" {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn", "text": "*Guild:*\n" + c.GuildID,
		})
	}
	if c.Offenses > 1 {
		fields = append(fields, map[string]interface{}{
			"type": "mrkdwn", "text": fmt.Sprintf("*Offense:*\n#%d", c.Offenses),
		})
	}
	return fields
}

// webhookPayload is the wire form generic webhooks receive. It carries the
// case minus anything the redaction setting strips.
type webhookPayload struct {
	CaseID          uuid.UUID              `json:"case_id"`
	VerdictID       uuid.UUID              `json:"verdict_id"`
	UserID          string                 `json:"user_id"`
	GuildID         string                 `json:"guild_id,omitempty"`
	Severity        detection.Severity     `json:"severity"`
	Status          CaseStatus             `json:"status"`
	Basis           detection.MatchBasis   `json:"basis"`
	Content         string                 `json:"content,omitempty"`
	Messages        []detection.MessageRef `json:"messages"`
	SuspendDuration string                 `json:"suspend_duration"`
	Offenses        int                    `json:"offenses"`
	DetectedAt      time.Time              `json:"detected_at"`
	CreatedAt       time.Time              `json:"created_at"`
}

// WebhookChannel POSTs case notifications as JSON to an arbitrary endpoint,
// optionally signing the body with HMAC-SHA256.
type WebhookChannel struct {
	name    string
	url     string
	headers map[string]string
	secret  string
	redact  bool
	client  *http.Client
}

// NewWebhookChannel creates a new webhook channel.
func NewWebhookChannel(name, url string, headers map[string]string, redact bool) *WebhookChannel {
	return &WebhookChannel{
		name:    name,
		url:     url,
		headers: headers,
		redact:  redact,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithSecret enables HMAC-SHA256 body signing.
func (w *WebhookChannel) WithSecret(secret string) *WebhookChannel {
	w.secret = secret
	return w
}

func (w *WebhookChannel) Name() string {
	return w.name
}

func (w *WebhookChannel) Send(ctx context.Context, c *Case) error {
	payload := webhookPayload{
		CaseID:          c.ID,
		VerdictID:       c.VerdictID,
		UserID:          c.UserID,
		GuildID:         c.GuildID,
		Severity:        c.Severity,
		Status:          c.Status,
		Basis:           c.Basis,
		Content:         renderContent(c, w.redact),
		Messages:        c.Messages,
		SuspendDuration: c.SuspendDuration.String(),
		Offenses:        c.Offenses,
		DetectedAt:      c.DetectedAt,
		CreatedAt:       c.CreatedAt,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal case: %w", err)
	}

	headers := make(map[string]string, len(w.headers)+1)
	for k, v := range w.headers {
		headers[k] = v
	}
	if w.secret != "" {
		headers[SignatureHeader] = "sha256=" + signBody(w.secret, body)
	}
	return postJSON(ctx, w.client, w.name, w.url, headers, body)
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature header against a body. Receivers
// use it to authenticate warden notifications.
func VerifySignature(secret, header string, body []byte) bool {
	expected := "sha256=" + signBody(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}

// LogChannel writes case notices to the structured log. Content is always
// redacted here; logs leave the box through collectors.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a new log channel. A nil logger uses the default.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, c *Case) error {
	l.logger.Info("campaign case",
		"case_id", c.ID,
		"verdict_id", c.VerdictID,
		"user_id", c.UserID,
		"guild_id", c.GuildID,
		"severity", c.Severity,
		"status", c.Status,
		"basis", c.Basis,
		"messages", len(c.Messages),
		"suspension", c.SuspendDuration,
		"offenses", c.Offenses,
		"content", logging.RedactContent(c.Content))
	return nil
}
