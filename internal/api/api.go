// Package api assembles the gateway HTTP surface: open ingestion,
// health and metrics endpoints plus the key-protected ops routes for
// policy and case management.
package api

import (
	"net/http"

	"scamwarden/internal/api/auth"
	"scamwarden/internal/detection"
	"scamwarden/internal/ingest"
	"scamwarden/internal/remediation"
)

// Router composes the per-package HTTP handlers into one route table.
// Nil fields are skipped, so partial deployments (ingest-only, ops-only)
// serve whatever they carry.
type Router struct {
	Ingest   *ingest.Handler
	Policies *detection.PolicyHandler
	Cases    *remediation.Handler
	Auth     *auth.Authenticator
}

// Handler builds the composed route table.
//
// Ingestion, health, metrics and stats stay open: the relay fleet and
// scrapers do not carry ops keys. Policy and case routes go through the
// authenticator when one is configured; reads need the reader role,
// mutations the operator role.
func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()

	if rt.Ingest != nil {
		mux.HandleFunc("POST /v1/messages", rt.Ingest.HandleMessages)
		mux.HandleFunc("GET /v1/health", rt.Ingest.HealthCheck)
		mux.HandleFunc("GET /metrics", rt.Ingest.Metrics)
		mux.HandleFunc("GET /v1/stats", rt.Ingest.HandleStats)
	}

	ops := http.NewServeMux()
	if rt.Policies != nil {
		rt.Policies.RegisterRoutes(ops)
	}
	if rt.Cases != nil {
		rt.Cases.RegisterRoutes(ops)
	}

	protected := rt.protect(ops)
	for _, prefix := range []string{"/v1/policies", "/v1/policies/", "/v1/cases", "/v1/cases/"} {
		mux.Handle(prefix, protected)
	}

	return mux
}

// protect wraps the ops routes in authentication and the method-based
// role gate. Without an authenticator the routes are served open, which
// is the auth.enabled=false configuration.
func (rt *Router) protect(ops http.Handler) http.Handler {
	if rt.Auth == nil {
		return ops
	}

	read := rt.Auth.RequireRole(auth.RoleReader)(ops)
	write := rt.Auth.RequireRole(auth.RoleOperator)(ops)

	gate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			read.ServeHTTP(w, r)
		default:
			write.ServeHTTP(w, r)
		}
	})

	return rt.Auth.Middleware(gate)
}
