// Package api provides the HTTP client for connecting to the warden gateway
package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// apiKeyHeader carries the operator key on protected routes.
const apiKeyHeader = "X-API-Key"

// Client handles API communication with the gateway
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Stats represents combined gateway statistics for display
type Stats struct {
	EventsTotal     int64             `json:"events_total"`
	EventsRejected  int64             `json:"events_rejected"`
	EventsPerSecond float64           `json:"events_per_second"`
	QueueSize       int               `json:"queue_size"`
	QueueCapacity   int               `json:"queue_capacity"`
	QueuePushed     int64             `json:"queue_pushed"`
	QueuePopped     int64             `json:"queue_popped"`
	QueueDropped    int64             `json:"queue_dropped"`
	QueueUsage      float64           `json:"queue_usage_percent"`
	Uptime          string            `json:"uptime"`
	UptimeSeconds   int               `json:"uptime_seconds"`
	Healthy         bool              `json:"healthy"`
	HealthStatus    string            `json:"health_status"`
	StatusReason    string            `json:"status_reason"`
	Activity        string            `json:"activity"`
	ActivityDesc    string            `json:"activity_description"`
	Dependencies    map[string]string `json:"dependencies"`
}

// GatewayStats is the raw /v1/stats payload
type GatewayStats struct {
	Status          string     `json:"status"`
	Activity        string     `json:"activity"`
	Description     string     `json:"description"`
	UptimeSeconds   int        `json:"uptime_seconds"`
	EventsTotal     int64      `json:"events_total"`
	EventsRejected  int64      `json:"events_rejected"`
	EventsPerSecond float64    `json:"events_per_second"`
	Queue           QueueStats `json:"queue"`
}

// QueueStats holds the gateway's queue counters
type QueueStats struct {
	Pushed   int64 `json:"pushed"`
	Popped   int64 `json:"popped"`
	Dropped  int64 `json:"dropped"`
	Depth    int   `json:"depth"`
	Capacity int   `json:"capacity"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string            `json:"status"`
	QueueDepth    int               `json:"queue_depth"`
	QueueCapacity int               `json:"queue_capacity"`
	UptimeSeconds int               `json:"uptime_seconds"`
	Dependencies  map[string]string `json:"dependencies"`
}

// MessageRef identifies one matched chat message
type MessageRef struct {
	MessageID  string    `json:"message_id"`
	ChannelID  string    `json:"channel_id"`
	ObservedAt time.Time `json:"observed_at"`
}

// Case represents a moderation case
type Case struct {
	ID         string       `json:"id"`
	UserID     string       `json:"user_id"`
	GuildID    string       `json:"guild_id"`
	Severity   string       `json:"severity"`
	Status     string       `json:"status"`
	Basis      string       `json:"basis"`
	Content    string       `json:"content"`
	Messages   []MessageRef `json:"messages"`
	Offenses   int          `json:"offenses"`
	DetectedAt time.Time    `json:"detected_at"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedBy string       `json:"resolved_by"`
}

// CasesResponse holds a case listing
type CasesResponse struct {
	Cases []Case `json:"cases"`
	Total int    `json:"total"`
	Error string `json:"-"`
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithAPIKey sets the key sent on protected routes. Open endpoints
// work without one; the case listing needs at least a reader key.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

// get issues a GET with the API key attached when one is configured.
func (c *Client) get(path string) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set(apiKeyHeader, c.apiKey)
	}
	return c.httpClient.Do(req)
}

// GetHealth fetches health status
func (c *Client) GetHealth() (*HealthResponse, error) {
	resp, err := c.get("/v1/health")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &health, nil
}

// GetGatewayStats fetches the gateway activity and throughput stats
func (c *Client) GetGatewayStats() (*GatewayStats, error) {
	resp, err := c.get("/v1/stats")
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint returned %d", resp.StatusCode)
	}

	var stats GatewayStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &stats, nil
}

// GetCases fetches the most recent moderation cases. HTTP-level
// failures land in CasesResponse.Error so scenes can display them.
func (c *Client) GetCases(limit int) (*CasesResponse, error) {
	if limit <= 0 {
		limit = 50
	}

	resp, err := c.get("/v1/cases?limit=" + strconv.Itoa(limit))
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		cases := &CasesResponse{}
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			cases.Error = "unauthorized: the case listing needs a reader key (set WARDEN_API_KEY)"
		default:
			var body map[string]string
			if json.NewDecoder(resp.Body).Decode(&body) == nil && body["error"] != "" {
				cases.Error = body["error"]
			} else {
				cases.Error = fmt.Sprintf("gateway returned %d", resp.StatusCode)
			}
		}
		return cases, nil
	}

	var cases CasesResponse
	if err := json.NewDecoder(resp.Body).Decode(&cases); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &cases, nil
}

// GetStats fetches combined stats for the dashboard
func (c *Client) GetStats() (*Stats, error) {
	// Get health status first
	health, healthErr := c.GetHealth()

	stats := &Stats{
		Healthy:      false,
		HealthStatus: "unknown",
		StatusReason: "Unable to connect to the gateway",
		Activity:     "unknown",
		ActivityDesc: "Cannot connect to the gateway service",
	}

	if healthErr != nil {
		stats.StatusReason = healthErr.Error()
		return stats, nil
	}

	// Health endpoint returns status as "healthy" or "degraded"
	stats.HealthStatus = health.Status
	stats.Healthy = health.Status == "healthy"
	stats.QueueSize = health.QueueDepth
	stats.QueueCapacity = health.QueueCapacity
	stats.UptimeSeconds = health.UptimeSeconds
	stats.Uptime = formatUptime(float64(health.UptimeSeconds))
	stats.Dependencies = health.Dependencies

	// Calculate queue usage percent
	if health.QueueCapacity > 0 {
		stats.QueueUsage = float64(health.QueueDepth) / float64(health.QueueCapacity) * 100
	}

	if health.Status == "degraded" {
		stats.StatusReason = degradedReason(health, stats.QueueUsage)
	} else if stats.Healthy {
		stats.StatusReason = "All systems operational"
	}

	// The stats endpoint carries activity and queue counters
	if gw, err := c.GetGatewayStats(); err == nil {
		stats.Activity = gw.Activity
		stats.ActivityDesc = gw.Description
		stats.EventsTotal = gw.EventsTotal
		stats.EventsRejected = gw.EventsRejected
		stats.EventsPerSecond = gw.EventsPerSecond
		stats.QueuePushed = gw.Queue.Pushed
		stats.QueuePopped = gw.Queue.Popped
		stats.QueueDropped = gw.Queue.Dropped
		return stats, nil
	}

	// Fall back to the Prometheus endpoint for the counters
	resp, err := c.get("/metrics")
	if err == nil {
		defer resp.Body.Close()
		buf := new(strings.Builder)
		buf.Grow(4096)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			buf.WriteString(scanner.Text())
			buf.WriteString("\n")
		}
		metrics := c.parsePrometheusMetrics(buf.String())

		if total, ok := metrics["warden_events_total"]; ok {
			stats.EventsTotal = int64(total)
		}
		if pushed, ok := metrics["warden_queue_pushed_total"]; ok {
			stats.QueuePushed = int64(pushed)
		}
		if popped, ok := metrics["warden_queue_popped_total"]; ok {
			stats.QueuePopped = int64(popped)
		}
		if dropped, ok := metrics["warden_queue_dropped_total"]; ok {
			stats.QueueDropped = int64(dropped)
		}
		if uptime, ok := metrics["warden_uptime_seconds"]; ok && uptime > 0 {
			stats.EventsPerSecond = float64(stats.EventsTotal) / uptime
		}
	}

	return stats, nil
}

// parsePrometheusMetrics parses Prometheus-format metrics
func (c *Client) parsePrometheusMetrics(body string) map[string]float64 {
	metrics := make(map[string]float64)
	scanner := bufio.NewScanner(strings.NewReader(body))

	for scanner.Scan() {
		line := scanner.Text()
		// Skip comments and empty lines
		if strings.HasPrefix(line, "#") || line == "" {
			continue
		}
		// Parse metric line: metric_name value
		parts := strings.Fields(line)
		if len(parts) >= 2 {
			if val, err := strconv.ParseFloat(parts[1], 64); err == nil {
				metrics[parts[0]] = val
			}
		}
	}
	return metrics
}

// degradedReason names the failing dependency when one is down,
// otherwise points at queue pressure.
func degradedReason(health *HealthResponse, queueUsage float64) string {
	for name, status := range health.Dependencies {
		if status != "ok" {
			return fmt.Sprintf("Dependency %s: %s", name, status)
		}
	}
	return fmt.Sprintf("Queue at %.0f%% capacity", queueUsage)
}

func formatUptime(seconds float64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
