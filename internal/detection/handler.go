package detection

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// PolicyHandler provides HTTP handlers for campaign-policy management.
// Policies edited here are persisted to the policy directory and applied
// by the gateway at startup.
type PolicyHandler struct {
	policies    map[string]*Policy
	custom      map[string]bool
	policiesDir string
	mu          sync.RWMutex
}

// NewPolicyHandler creates a policy handler seeded with the builtin policy.
func NewPolicyHandler(policiesDir string) *PolicyHandler {
	builtin := DefaultPolicy()
	return &PolicyHandler{
		policies:    map[string]*Policy{builtin.ID: builtin},
		custom:      make(map[string]bool),
		policiesDir: policiesDir,
	}
}

// RegisterRoutes registers policy management routes on the given mux.
func (h *PolicyHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/policies", h.HandleListPolicies)
	mux.HandleFunc("GET /v1/policies/{id}", h.HandleGetPolicy)
	mux.HandleFunc("POST /v1/policies", h.HandleCreatePolicy)
	mux.HandleFunc("PUT /v1/policies/{id}", h.HandleUpdatePolicy)
	mux.HandleFunc("DELETE /v1/policies/{id}", h.HandleDeletePolicy)
}

// LoadPolicies loads custom policies from the policy directory.
func (h *PolicyHandler) LoadPolicies() error {
	if h.policiesDir == "" {
		return nil
	}

	entries, err := os.ReadDir(h.policiesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // directory doesn't exist yet
		}
		return err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(h.policiesDir, entry.Name()))
		if err != nil {
			slog.Error("failed to read policy file", "file", entry.Name(), "error", err)
			continue
		}

		policy, err := ParsePolicy(data)
		if err != nil {
			slog.Error("failed to parse policy file", "file", entry.Name(), "error", err)
			continue
		}

		h.mu.Lock()
		h.policies[policy.ID] = policy
		h.custom[policy.ID] = true
		h.mu.Unlock()
		loaded++
	}

	slog.Info("loaded custom policies", "count", loaded, "dir", h.policiesDir)
	return nil
}

// ActivePolicy returns the enabled policy the gateway should apply,
// preferring custom policies over the builtin one. Ties break by ID.
func (h *PolicyHandler) ActivePolicy() *Policy {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var ids []string
	for id, p := range h.policies {
		if p.Enabled {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return DefaultPolicy()
	}

	sort.Slice(ids, func(i, j int) bool {
		ci, cj := h.custom[ids[i]], h.custom[ids[j]]
		if ci != cj {
			return ci
		}
		return ids[i] < ids[j]
	})
	return h.policies[ids[0]]
}

// Policy returns the policy with the given ID, if known.
func (h *PolicyHandler) Policy(id string) (*Policy, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p, ok := h.policies[id]
	return p, ok
}

// IsCustom reports whether the policy was loaded from the policy
// directory or created through the API rather than built in.
func (h *PolicyHandler) IsCustom(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.custom[id]
}

// HandleListPolicies handles GET /v1/policies requests.
func (h *PolicyHandler) HandleListPolicies(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filterEnabled := q.Get("enabled")

	h.mu.RLock()
	type policyResponse struct {
		*Policy
		Source string `json:"source"` // "builtin" or "custom"
	}

	var filtered []policyResponse
	for id, policy := range h.policies {
		if filterEnabled == "true" && !policy.Enabled {
			continue
		}
		if filterEnabled == "false" && policy.Enabled {
			continue
		}

		source := "builtin"
		if h.custom[id] {
			source = "custom"
		}
		filtered = append(filtered, policyResponse{Policy: policy, Source: source})
	}
	h.mu.RUnlock()

	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policies": filtered,
		"total":    len(filtered),
	})
}

// HandleGetPolicy handles GET /v1/policies/{id} requests.
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("id")

	h.mu.RLock()
	policy, ok := h.policies[policyID]
	isCustom := h.custom[policyID]
	h.mu.RUnlock()

	if !ok {
		h.writeError(w, http.StatusNotFound, "not_found", "policy not found")
		return
	}

	source := "builtin"
	if isCustom {
		source = "custom"
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy": policy,
		"source": source,
	})
}

// HandleCreatePolicy handles POST /v1/policies requests.
func (h *PolicyHandler) HandleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	policy, ok := h.readPolicy(w, r)
	if !ok {
		return
	}

	h.mu.Lock()
	if _, exists := h.policies[policy.ID]; exists {
		h.mu.Unlock()
		h.writeError(w, http.StatusConflict, "duplicate_id", "a policy with this ID already exists")
		return
	}
	h.policies[policy.ID] = policy
	h.custom[policy.ID] = true
	h.mu.Unlock()

	h.persistPolicy(policy)

	h.writeJSON(w, http.StatusCreated, map[string]interface{}{
		"policy": policy,
		"source": "custom",
	})
}

// HandleUpdatePolicy handles PUT /v1/policies/{id} requests.
func (h *PolicyHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("id")

	h.mu.RLock()
	existing, exists := h.policies[policyID]
	isCustom := h.custom[policyID]
	h.mu.RUnlock()

	if !exists {
		h.writeError(w, http.StatusNotFound, "not_found", "policy not found")
		return
	}

	if !isCustom {
		// The builtin policy only allows toggling its enabled state.
		var patch map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			h.writeError(w, http.StatusBadRequest, "parse_error", "failed to parse request body")
			return
		}

		if enabled, ok := patch["enabled"].(bool); ok {
			h.mu.Lock()
			existing.Enabled = enabled
			h.mu.Unlock()
			h.writeJSON(w, http.StatusOK, map[string]interface{}{
				"policy": existing,
				"source": "builtin",
			})
			return
		}

		h.writeError(w, http.StatusForbidden, "immutable", "builtin policies can only toggle enabled state")
		return
	}

	policy, ok := h.readPolicy(w, r)
	if !ok {
		return
	}

	// Force the ID to match the URL
	policy.ID = policyID

	h.mu.Lock()
	h.policies[policyID] = policy
	h.mu.Unlock()

	h.persistPolicy(policy)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"policy": policy,
		"source": "custom",
	})
}

// HandleDeletePolicy handles DELETE /v1/policies/{id} requests.
func (h *PolicyHandler) HandleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	policyID := r.PathValue("id")

	h.mu.Lock()
	if !h.custom[policyID] {
		h.mu.Unlock()
		h.writeError(w, http.StatusForbidden, "immutable", "builtin policies cannot be deleted")
		return
	}
	delete(h.policies, policyID)
	delete(h.custom, policyID)
	h.mu.Unlock()

	if h.policiesDir != "" {
		path := filepath.Join(h.policiesDir, policyID+".yaml")
		os.Remove(path)
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// readPolicy parses a policy from the request body, trying YAML then JSON.
func (h *PolicyHandler) readPolicy(w http.ResponseWriter, r *http.Request) (*Policy, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20)) // 1MB limit
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "read_error", "failed to read request body")
		return nil, false
	}

	policy, err := ParsePolicy(body)
	if err != nil {
		var jsonPolicy Policy
		if jsonErr := json.Unmarshal(body, &jsonPolicy); jsonErr != nil {
			h.writeError(w, http.StatusBadRequest, "parse_error", err.Error())
			return nil, false
		}
		jsonPolicy.applyDefaults()
		if valErr := jsonPolicy.Validate(); valErr != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", valErr.Error())
			return nil, false
		}
		policy = &jsonPolicy
	}
	return policy, true
}

func (h *PolicyHandler) persistPolicy(policy *Policy) {
	if h.policiesDir == "" {
		return
	}

	if err := os.MkdirAll(h.policiesDir, 0750); err != nil {
		slog.Error("failed to create policies directory", "error", err)
		return
	}

	data, err := yaml.Marshal(policy)
	if err != nil {
		slog.Error("failed to marshal policy", "policy_id", policy.ID, "error", err)
		return
	}

	path := filepath.Join(h.policiesDir, policy.ID+".yaml")
	if err := os.WriteFile(path, data, 0640); err != nil {
		slog.Error("failed to write policy file", "path", path, "error", err)
	}
}

func (h *PolicyHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func (h *PolicyHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}
