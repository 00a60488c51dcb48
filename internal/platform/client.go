// Package platform is the HTTP integration with the chat platform's bot
// API. The client performs moderation actions and fetches recent messages,
// the normalizer converts wire payloads into internal message events and
// the ingester polls the message feed into the processing queue. No
// detection logic lives here.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"
)

// ClientConfig holds connection settings for the platform bot API.
type ClientConfig struct {
	BaseURL      string        `yaml:"base_url"`
	BotToken     string        `yaml:"bot_token"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// DefaultClientConfig returns sensible defaults for a local platform API.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:      "http://localhost:8090",
		Timeout:      30 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
	}
}

// Client is an HTTP client for the platform bot API. It retries transient
// failures and is safe for concurrent use. *Client satisfies
// remediation.ActionClient.
type Client struct {
	baseURL      string
	botToken     string
	maxRetries   int
	retryBackoff time.Duration
	httpClient   *http.Client

	calls  uint64
	errors uint64
}

// NewClient creates a platform API client from the given configuration.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:8090"
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 1 * time.Second
	}

	return &Client{
		baseURL:      config.BaseURL,
		botToken:     config.BotToken,
		maxRetries:   config.MaxRetries,
		retryBackoff: config.RetryBackoff,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// WireMessage is a chat message as the platform API serves it.
type WireMessage struct {
	ID          string           `json:"id"`
	ChannelID   string           `json:"channel_id"`
	GuildID     string           `json:"guild_id,omitempty"`
	Author      WireAuthor       `json:"author"`
	Content     string           `json:"content,omitempty"`
	Timestamp   string           `json:"timestamp"`
	Attachments []WireAttachment `json:"attachments,omitempty"`
}

// WireAuthor identifies the sender of a wire message.
type WireAuthor struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Bot      bool   `json:"bot,omitempty"`
}

// WireAttachment describes a file attached to a wire message.
type WireAttachment struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type,omitempty"`
	Hash        string `json:"hash,omitempty"`
}

type messagesResponse struct {
	Messages []WireMessage `json:"messages"`
	Cursor   string        `json:"cursor"`
}

// FetchEvents retrieves messages observed after the given cursor, up to
// limit. It returns the messages and the cursor to resume from. An empty
// cursor starts from the oldest retained message.
func (c *Client) FetchEvents(ctx context.Context, cursor string, limit int) ([]WireMessage, string, error) {
	path := fmt.Sprintf("/api/v1/messages?limit=%d", limit)
	if cursor != "" {
		path += "&after=" + url.QueryEscape(cursor)
	}

	resp, err := c.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer resp.Body.Close()

	var result messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, "", fmt.Errorf("failed to decode messages response: %w", err)
	}
	return result.Messages, result.Cursor, nil
}

// DeleteMessage removes a message from a channel.
func (c *Client) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	path := fmt.Sprintf("/api/v1/channels/%s/messages/%s",
		url.PathEscape(channelID), url.PathEscape(messageID))

	resp, err := c.doRequest(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return fmt.Errorf("failed to delete message %s: %w", messageID, err)
	}
	resp.Body.Close()
	return nil
}

// TimeoutUser places a guild member in timeout until the given instant.
func (c *Client) TimeoutUser(ctx context.Context, guildID, userID string, until time.Time) error {
	path := fmt.Sprintf("/api/v1/guilds/%s/members/%s",
		url.PathEscape(guildID), url.PathEscape(userID))

	payload, err := json.Marshal(map[string]string{
		"timeout_until": until.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal timeout payload: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPatch, path, payload)
	if err != nil {
		return fmt.Errorf("failed to timeout user %s: %w", userID, err)
	}
	resp.Body.Close()
	return nil
}

// Announce posts a message to a channel.
func (c *Client) Announce(ctx context.Context, channelID, text string) error {
	path := fmt.Sprintf("/api/v1/channels/%s/messages", url.PathEscape(channelID))

	payload, err := json.Marshal(map[string]string{
		"content": text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal announce payload: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, path, payload)
	if err != nil {
		return fmt.Errorf("failed to announce in channel %s: %w", channelID, err)
	}
	resp.Body.Close()
	return nil
}

// Healthy checks connectivity to the platform API.
func (c *Client) Healthy(ctx context.Context) error {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("platform API unhealthy: %w", err)
	}
	resp.Body.Close()
	return nil
}

// doRequest performs an authenticated request against the platform API.
// Rate limits and server errors are retried up to MaxRetries times with
// doubling backoff; a Retry-After header on a 429 overrides the backoff.
func (c *Client) doRequest(ctx context.Context, method, path string, payload []byte) (*http.Response, error) {
	atomic.AddUint64(&c.calls, 1)

	backoff := c.retryBackoff
	var lastErr error

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				atomic.AddUint64(&c.errors, 1)
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
		if err != nil {
			atomic.AddUint64(&c.errors, 1)
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.botToken != "" {
			req.Header.Set("Authorization", "Bot "+c.botToken)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("API error %d: %s", resp.StatusCode, string(snippet))
			if wait := retryAfter(resp); wait > 0 {
				backoff = wait
			}
			continue
		}

		if resp.StatusCode >= 400 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			atomic.AddUint64(&c.errors, 1)
			return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(snippet))
		}

		return resp, nil
	}

	atomic.AddUint64(&c.errors, 1)
	return nil, fmt.Errorf("retries exhausted: %w", lastErr)
}

// retryAfter reads the Retry-After header. The platform API always sends
// delay-seconds, never an HTTP-date.
func retryAfter(resp *http.Response) time.Duration {
	header := resp.Header.Get("Retry-After")
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

// Stats returns call counters for monitoring.
func (c *Client) Stats() map[string]interface{} {
	return map[string]interface{}{
		"base_url": c.baseURL,
		"calls":    atomic.LoadUint64(&c.calls),
		"errors":   atomic.LoadUint64(&c.errors),
	}
}
