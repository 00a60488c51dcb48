package ingest

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"scamwarden/internal/config"
)

func TestRateLimiter_Allow(t *testing.T) {
	cfg := config.RateLimitConfig{
		RequestsPerIP: 2,
		WindowSize:    time.Minute,
		BurstSize:     1,
		CleanupPeriod: time.Minute,
	}

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	// Limit is base + burst = 3.
	for i := 0; i < 3; i++ {
		allowed, _, _ := rl.Allow("10.0.0.1")
		if !allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	allowed, remaining, _ := rl.Allow("10.0.0.1")
	if allowed {
		t.Error("request over the limit should be denied")
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	// A different IP has its own window.
	allowed, _, _ = rl.Allow("10.0.0.2")
	if !allowed {
		t.Error("a different IP should be allowed")
	}
}

func TestRateLimitMiddleware_TooManyRequests(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1,
		WindowSize:    time.Minute,
		BurstSize:     0,
		CleanupPeriod: time.Minute,
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(inner, cfg)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
	req.RemoteAddr = "10.0.0.9:4242"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header should be set")
	}
	if rec.Header().Get("X-RateLimit-Limit") == "" {
		t.Error("X-RateLimit-Limit header should be set")
	}
}

func TestRateLimitMiddleware_ExemptPath(t *testing.T) {
	cfg := config.RateLimitConfig{
		Enabled:       true,
		RequestsPerIP: 1,
		WindowSize:    time.Minute,
		CleanupPeriod: time.Minute,
		ExemptPaths:   []string{"/v1/health"},
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := rateLimitMiddleware(inner, cfg)

	// Exempt paths never hit the limiter.
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
		req.RemoteAddr = "10.0.0.9:4242"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("exempt request %d status = %d, want 200", i+1, rec.Code)
		}
	}
}

func TestGetClientIP(t *testing.T) {
	testCases := []struct {
		name       string
		remoteAddr string
		xff        string
		trustProxy bool
		want       string
	}{
		{"remote addr only", "192.168.1.5:1234", "", false, "192.168.1.5"},
		{"xff ignored without trust", "192.168.1.5:1234", "1.2.3.4", false, "192.168.1.5"},
		{"xff honored with trust", "192.168.1.5:1234", "1.2.3.4", true, "1.2.3.4"},
		{"xff first of many", "192.168.1.5:1234", "1.2.3.4, 5.6.7.8", true, "1.2.3.4"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}

			got := getClientIP(req, tc.trustProxy)
			if got != tc.want {
				t.Errorf("getClientIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	corsCfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://mod.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := corsMiddleware(inner, corsCfg)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("Origin", "https://mod.example.com")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://mod.example.com" {
			t.Errorf("Allow-Origin = %q, want the request origin", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
		req.Header.Set("Origin", "https://mod.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("preflight status = %d, want 204", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Methods") == "" {
			t.Error("Allow-Methods should be set on preflight")
		}
		if rec.Header().Get("Access-Control-Max-Age") != "300" {
			t.Errorf("Max-Age = %q, want 300", rec.Header().Get("Access-Control-Max-Age"))
		}
	})

	t.Run("disallowed origin gets no headers", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := recoveryMiddleware(inner)

	req := httptest.NewRequest(http.MethodGet, "/v1/stats", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}
