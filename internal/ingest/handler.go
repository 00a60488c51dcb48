// Package ingest handles HTTP, TCP and DTLS ingestion of message events.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	werrors "scamwarden/internal/errors"
	"scamwarden/internal/queue"
	"scamwarden/internal/schema"
)

// QuarantineSink receives events that failed validation. Implementations
// must not block the ingest path.
type QuarantineSink interface {
	Quarantine(raw []byte, sourceIP string, transport schema.Transport, validationErrors []string)
}

// dependencyCheck is a named readiness probe run by the health endpoint.
type dependencyCheck struct {
	name  string
	check func(context.Context) error
}

// statsSource contributes a named section to the stats endpoint.
type statsSource struct {
	name string
	fn   func() map[string]interface{}
}

// Handler handles HTTP message-event ingestion.
type Handler struct {
	validator  *schema.Validator
	queue      *queue.RingBuffer
	quarantine QuarantineSink
	deps       []dependencyCheck
	stats      []statsSource
	maxPayload int
	maxBatch   int
	strict     bool
	startTime  time.Time

	eventsTotal    uint64
	eventsRejected uint64
}

// NewHandler creates a new ingest Handler.
func NewHandler(validator *schema.Validator, q *queue.RingBuffer) *Handler {
	return &Handler{
		validator:  validator,
		queue:      q,
		maxPayload: 10 * 1024 * 1024, // 10MB default
		maxBatch:   1000,
		startTime:  time.Now(),
	}
}

// WithMaxPayload sets the maximum payload size.
func (h *Handler) WithMaxPayload(size int) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum batch size.
func (h *Handler) WithMaxBatch(size int) *Handler {
	h.maxBatch = size
	return h
}

// WithQuarantine sets the sink for events that fail validation.
func (h *Handler) WithQuarantine(sink QuarantineSink) *Handler {
	h.quarantine = sink
	return h
}

// WithStrictMode makes one invalid event fail its whole batch. The
// default accepts the valid remainder and quarantines the rest.
func (h *Handler) WithStrictMode(strict bool) *Handler {
	h.strict = strict
	return h
}

// WithDependencyCheck registers a named readiness probe for the health
// endpoint. Any failing probe degrades the reported status.
func (h *Handler) WithDependencyCheck(name string, check func(context.Context) error) *Handler {
	h.deps = append(h.deps, dependencyCheck{name: name, check: check})
	return h
}

// WithStatsSource registers a named section for the stats endpoint.
func (h *Handler) WithStatsSource(name string, fn func() map[string]interface{}) *Handler {
	h.stats = append(h.stats, statsSource{name: name, fn: fn})
	return h
}

// IngestRequest is the request body for batch message ingestion.
type IngestRequest struct {
	Events []MessageInput `json:"events"`
}

// MessageInput is the input format for message events.
type MessageInput struct {
	EventID     *uuid.UUID          `json:"event_id,omitempty"`
	MessageID   string              `json:"message_id"`
	ChannelID   string              `json:"channel_id"`
	GuildID     string              `json:"guild_id,omitempty"`
	Author      schema.Author       `json:"author"`
	Content     string              `json:"content,omitempty"`
	Attachments []schema.Attachment `json:"attachments,omitempty"`
	ObservedAt  time.Time           `json:"observed_at"`
}

// IngestResponse is the response for message ingestion.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleMessages handles POST /v1/messages.
// The body is either a batch ({"events": [...]}) or a single message object.
func (h *Handler) HandleMessages(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()

	// Limit request body size
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxPayload))

	body, err := io.ReadAll(r.Body)
	if err != nil {
		if err.Error() == "http: request body too large" {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, "failed to read request body", requestID)
		return
	}

	var req IngestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	// Fall back to a single message object
	if len(req.Events) == 0 {
		var single MessageInput
		if err := json.Unmarshal(body, &single); err == nil && single.MessageID != "" {
			req.Events = []MessageInput{single}
		}
	}

	if len(req.Events) == 0 {
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	}

	if len(req.Events) > h.maxBatch {
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	srcIP := remoteIP(r)

	// Validate the whole batch before enqueuing anything so strict mode
	// never partially accepts.
	events := make([]*schema.MessageEvent, len(req.Events))
	verrs := make([]error, len(req.Events))
	invalid := 0
	for i, input := range req.Events {
		events[i] = h.convertInput(input)
		if err := h.validator.Validate(events[i]); err != nil {
			verrs[i] = err
			invalid++
		}
	}

	if h.strict && invalid > 0 {
		var errors []string
		for i, err := range verrs {
			if err == nil {
				continue
			}
			errors = append(errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			h.quarantineInput(req.Events[i], srcIP, err)
		}
		atomic.AddUint64(&h.eventsRejected, uint64(len(req.Events)))
		respondJSON(w, http.StatusBadRequest, IngestResponse{
			Success:   false,
			Rejected:  len(req.Events),
			Errors:    errors,
			RequestID: requestID,
		})
		return
	}

	// Process events
	var accepted, rejected int
	var queueFull bool
	var errors []string

	for i, event := range events {
		if err := verrs[i]; err != nil {
			rejected++
			errors = append(errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			h.quarantineInput(req.Events[i], srcIP, err)
			continue
		}

		// Enqueue event
		if err := h.queue.Push(event); err != nil {
			rejected++
			if err == queue.ErrQueueFull {
				queueFull = true
				errors = append(errors, fmt.Sprintf("event[%d]: queue full", i))
			} else {
				errors = append(errors, fmt.Sprintf("event[%d]: %s", i, err.Error()))
			}
			continue
		}

		accepted++
		atomic.AddUint64(&h.eventsTotal, 1)
	}

	if rejected > 0 {
		atomic.AddUint64(&h.eventsRejected, uint64(rejected))
	}

	// Build response
	resp := IngestResponse{
		Success:   rejected == 0,
		Accepted:  accepted,
		Rejected:  rejected,
		RequestID: requestID,
	}

	if len(errors) > 0 {
		resp.Errors = errors
	}

	status := http.StatusAccepted
	if accepted == 0 && rejected > 0 {
		status = http.StatusBadRequest
		if queueFull {
			status = http.StatusServiceUnavailable
		}
	} else if rejected > 0 {
		status = http.StatusMultiStatus // 207 for partial success
	}

	respondJSON(w, status, resp)
}

// quarantineInput hands an invalid input to the quarantine sink, if any.
func (h *Handler) quarantineInput(input MessageInput, srcIP string, verr error) {
	if h.quarantine == nil {
		return
	}
	raw, _ := json.Marshal(input)
	h.quarantine.Quarantine(raw, srcIP, schema.TransportHTTP, schema.ValidationDetails(verr))
}

// convertInput converts a MessageInput to a canonical MessageEvent.
func (h *Handler) convertInput(input MessageInput) *schema.MessageEvent {
	event := &schema.MessageEvent{
		MessageID:   input.MessageID,
		ChannelID:   input.ChannelID,
		GuildID:     input.GuildID,
		Author:      input.Author,
		Content:     input.Content,
		Attachments: input.Attachments,
		ObservedAt:  input.ObservedAt,
	}

	if input.EventID != nil {
		event.EventID = *input.EventID
	}
	event.Normalize(schema.TransportHTTP)

	return event
}

// HealthCheck handles GET /v1/health.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	status := "healthy"
	if metrics.Depth > int(float64(metrics.Capacity)*0.9) {
		status = "degraded"
	}

	deps := make(map[string]string, len(h.deps))
	for _, d := range h.deps {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		if err := d.check(ctx); err != nil {
			status = "degraded"
			// The health endpoint is unauthenticated; backend addresses
			// and DSNs stay out of it.
			deps[d.name] = werrors.SafeErrorMessage(err)
		} else {
			deps[d.name] = "ok"
		}
		cancel()
	}

	resp := map[string]any{
		"status":         status,
		"queue_depth":    metrics.Depth,
		"queue_capacity": metrics.Capacity,
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
	}
	if len(deps) > 0 {
		resp["dependencies"] = deps
	}

	respondJSON(w, http.StatusOK, resp)
}

// Metrics handles GET /metrics (Prometheus format).
func (h *Handler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics := h.queue.Metrics()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")

	fmt.Fprintf(w, "# HELP warden_events_total Total number of message events accepted\n")
	fmt.Fprintf(w, "# TYPE warden_events_total counter\n")
	fmt.Fprintf(w, "warden_events_total %d\n\n", atomic.LoadUint64(&h.eventsTotal))

	fmt.Fprintf(w, "# HELP warden_events_rejected_total Total message events rejected at ingest\n")
	fmt.Fprintf(w, "# TYPE warden_events_rejected_total counter\n")
	fmt.Fprintf(w, "warden_events_rejected_total %d\n\n", atomic.LoadUint64(&h.eventsRejected))

	fmt.Fprintf(w, "# HELP warden_queue_pushed_total Total events pushed to queue\n")
	fmt.Fprintf(w, "# TYPE warden_queue_pushed_total counter\n")
	fmt.Fprintf(w, "warden_queue_pushed_total %d\n\n", metrics.Pushed)

	fmt.Fprintf(w, "# HELP warden_queue_popped_total Total events popped from queue\n")
	fmt.Fprintf(w, "# TYPE warden_queue_popped_total counter\n")
	fmt.Fprintf(w, "warden_queue_popped_total %d\n\n", metrics.Popped)

	fmt.Fprintf(w, "# HELP warden_queue_dropped_total Total events dropped due to full queue\n")
	fmt.Fprintf(w, "# TYPE warden_queue_dropped_total counter\n")
	fmt.Fprintf(w, "warden_queue_dropped_total %d\n\n", metrics.Dropped)

	fmt.Fprintf(w, "# HELP warden_queue_depth Current queue depth\n")
	fmt.Fprintf(w, "# TYPE warden_queue_depth gauge\n")
	fmt.Fprintf(w, "warden_queue_depth %d\n\n", metrics.Depth)

	fmt.Fprintf(w, "# HELP warden_queue_capacity Queue capacity\n")
	fmt.Fprintf(w, "# TYPE warden_queue_capacity gauge\n")
	fmt.Fprintf(w, "warden_queue_capacity %d\n\n", metrics.Capacity)

	fmt.Fprintf(w, "# HELP warden_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE warden_uptime_seconds gauge\n")
	fmt.Fprintf(w, "warden_uptime_seconds %d\n", int(time.Since(h.startTime).Seconds()))
}

// HandleStats handles GET /v1/stats.
// Reports ingest throughput, queue state and any registered stats sections.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	queueMetrics := h.queue.Metrics()
	uptime := time.Since(h.startTime)
	eventsTotal := atomic.LoadUint64(&h.eventsTotal)

	var eventsPerSec float64
	if uptime.Seconds() > 0 {
		eventsPerSec = float64(eventsTotal) / uptime.Seconds()
	}

	status, activity, description := h.determineActivity(queueMetrics, eventsPerSec)

	resp := map[string]any{
		"status":            status,
		"activity":          activity,
		"description":       description,
		"uptime_seconds":    int(uptime.Seconds()),
		"events_total":      eventsTotal,
		"events_rejected":   atomic.LoadUint64(&h.eventsRejected),
		"events_per_second": eventsPerSec,
		"queue":             queueMetrics,
		"timestamp":         time.Now().UTC(),
	}

	for _, src := range h.stats {
		resp[src.name] = src.fn()
	}

	respondJSON(w, http.StatusOK, resp)
}

// determineActivity analyzes system state and returns human-readable status.
func (h *Handler) determineActivity(metrics queue.QueueMetrics, eventsPerSec float64) (status, activity, description string) {
	queueUsage := float64(metrics.Depth) / float64(metrics.Capacity) * 100

	switch {
	case queueUsage > 90:
		return "busy", "processing_backlog",
			fmt.Sprintf("Processing message backlog - queue at %.1f%% capacity with %d events pending", queueUsage, metrics.Depth)

	case queueUsage > 50:
		return "active", "processing_events",
			fmt.Sprintf("Actively processing messages - %.1f events/sec, %d in queue", eventsPerSec, metrics.Depth)

	case eventsPerSec > 10:
		return "active", "high_throughput",
			fmt.Sprintf("High throughput ingestion - %.1f events/sec", eventsPerSec)

	case eventsPerSec > 1:
		return "active", "ingesting",
			fmt.Sprintf("Ingesting messages at %.1f events/sec", eventsPerSec)

	case eventsPerSec > 0:
		return "idle", "low_activity",
			fmt.Sprintf("Low activity - %.2f events/sec, watching for new messages", eventsPerSec)

	default:
		return "idle", "waiting",
			"Waiting for messages - all systems ready, listening on configured ports"
	}
}

// remoteIP extracts the client IP from the request's remote address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError writes a JSON error response.
func respondError(w http.ResponseWriter, status int, message string, requestID string) {
	resp := map[string]any{
		"success":    false,
		"error":      message,
		"request_id": requestID,
	}
	respondJSON(w, status, resp)
}
