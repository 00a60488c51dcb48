package remediation

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"scamwarden/internal/detection"

	"github.com/google/uuid"
)

// Handler provides HTTP handlers for case management.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new case handler.
func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers case routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/cases", h.HandleListCases)
	mux.HandleFunc("GET /v1/cases/{id}", h.HandleGetCase)
	mux.HandleFunc("POST /v1/cases/{id}/resolve", h.HandleResolve)
	mux.HandleFunc("POST /v1/cases/{id}/notes", h.HandleAddNote)
	mux.HandleFunc("GET /v1/cases/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/cases/deadletter", h.HandleDeadLetter)
	mux.HandleFunc("POST /v1/cases/deadletter/{id}/retry", h.HandleRetryDelivery)
}

// HandleListCases handles GET /v1/cases requests.
func (h *Handler) HandleListCases(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := CaseFilter{}

	if status := q.Get("status"); status != "" {
		s := CaseStatus(status)
		filter.Status = &s
	}
	if severity := q.Get("severity"); severity != "" {
		s := detection.Severity(severity)
		filter.Severity = &s
	}
	if guildID := q.Get("guild_id"); guildID != "" {
		filter.GuildID = guildID
	}
	if userID := q.Get("user_id"); userID != "" {
		filter.UserID = userID
	}
	if since := q.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filter.Since = &t
		}
	}
	if until := q.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			filter.Until = &t
		}
	}
	if limit := q.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if offset := q.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			filter.Offset = o
		}
	}

	if filter.Limit == 0 {
		filter.Limit = 100
	}

	cases := h.manager.ListCases(filter)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cases": cases,
		"total": len(cases),
	})
}

// HandleGetCase handles GET /v1/cases/{id} requests.
func (h *Handler) HandleGetCase(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	c, err := h.manager.GetCase(id)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "case not found")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

type actionRequest struct {
	User string `json:"user"`
}

type noteRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
}

// HandleResolve handles POST /v1/cases/{id}/resolve requests.
func (h *Handler) HandleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.User == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "user field is required")
		return
	}

	if err := h.manager.Resolve(id, req.User); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}

// HandleAddNote handles POST /v1/cases/{id}/notes requests.
func (h *Handler) HandleAddNote(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid case ID format")
		return
	}

	var req noteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "failed to parse request body")
		return
	}
	if req.Author == "" || req.Content == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "author and content fields are required")
		return
	}

	if err := h.manager.AddNote(id, req.Author, req.Content); err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "note_added"})
}

// HandleStats handles GET /v1/cases/stats requests.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, h.manager.Stats())
}

// HandleDeadLetter handles GET /v1/cases/deadletter requests.
func (h *Handler) HandleDeadLetter(w http.ResponseWriter, _ *http.Request) {
	dispatcher := h.manager.Dispatcher()
	if dispatcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "delivery_disabled", "notification delivery is not configured")
		return
	}

	records := dispatcher.DeadLetter()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"deliveries": records,
		"total":      len(records),
	})
}

// HandleRetryDelivery handles POST /v1/cases/deadletter/{id}/retry requests.
func (h *Handler) HandleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_id", "invalid delivery record ID format")
		return
	}

	dispatcher := h.manager.Dispatcher()
	if dispatcher == nil {
		h.writeError(w, http.StatusServiceUnavailable, "delivery_disabled", "notification delivery is not configured")
		return
	}

	var record *DeliveryRecord
	for _, rec := range dispatcher.DeadLetter() {
		if rec.ID == id {
			record = rec
			break
		}
	}
	if record == nil {
		h.writeError(w, http.StatusNotFound, "not_found", "delivery record not in dead letter queue")
		return
	}

	c, err := h.manager.GetCase(record.CaseID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "not_found", "case for delivery record no longer exists")
		return
	}

	// Delivery outlives the request.
	if err := dispatcher.Retry(context.WithoutCancel(r.Context()), id, c); err != nil {
		h.writeError(w, http.StatusConflict, "retry_failed", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "retrying"})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
