package intel

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"scamwarden/internal/detection"
)

func getTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func waitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return condition()
}

func TestNormalizeDomain(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"scam.example", "scam.example"},
		{" Scam.Example. ", "scam.example"},
		{"*.free-nitro.example", "free-nitro.example"},
		{"UPPER.EXAMPLE", "upper.example"},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		if got := normalizeDomain(tt.input); got != tt.want {
			t.Errorf("normalizeDomain(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestConfigSeeding(t *testing.T) {
	s := NewService(Config{
		Domains: []string{"Scam.Example", "free-nitro.example", ""},
	}, getTestLogger())

	if s.Size() != 2 {
		t.Fatalf("Size() = %d, want 2", s.Size())
	}

	ind, ok := s.Lookup("scam.example")
	if !ok {
		t.Fatal("expected hit for seeded domain")
	}
	if ind.Source != "config" {
		t.Errorf("source = %s, want config", ind.Source)
	}
}

func TestLookupSubdomains(t *testing.T) {
	s := NewService(Config{Domains: []string{"scam.example"}}, getTestLogger())

	tests := []struct {
		domain string
		want   bool
	}{
		{"scam.example", true},
		{"promo.scam.example", true},
		{"a.b.scam.example", true},
		{"example", false},
		{"notscam.example", false},
		{"scam.example.evil", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			if _, got := s.Lookup(tt.domain); got != tt.want {
				t.Errorf("Lookup(%q) hit = %v, want %v", tt.domain, got, tt.want)
			}
		})
	}
}

func TestMatchContent(t *testing.T) {
	s := NewService(Config{Domains: []string{"scam.example"}}, getTestLogger())

	tests := []struct {
		name    string
		content string
		want    bool
		domain  string
	}{
		{
			name:    "listed link",
			content: "grab it at https://promo.scam.example/claim now",
			want:    true,
			domain:  "scam.example",
		},
		{
			name:    "second link listed",
			content: "see https://ok.example/a and https://scam.example/b",
			want:    true,
			domain:  "scam.example",
		},
		{
			name:    "unlisted link",
			content: "docs at https://pkg.go.dev/net/http",
			want:    false,
		},
		{
			name:    "no links",
			content: "free nitro for everyone",
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ind, ok := s.MatchContent(tt.content)
			if ok != tt.want {
				t.Fatalf("MatchContent() hit = %v, want %v", ok, tt.want)
			}
			if tt.want && ind.Domain != tt.domain {
				t.Errorf("matched domain = %s, want %s", ind.Domain, tt.domain)
			}
		})
	}
}

func TestEnrich(t *testing.T) {
	s := NewService(Config{Domains: []string{"scam.example"}}, getTestLogger())

	t.Run("listed content raises severity", func(t *testing.T) {
		v := &detection.Verdict{
			ID:       uuid.New(),
			UserID:   "user-1",
			Content:  "https://promo.scam.example/claim",
			Severity: detection.SeverityHigh,
		}
		s.Enrich(v)
		if v.Severity != detection.SeverityCritical {
			t.Errorf("severity = %s, want critical", v.Severity)
		}
	})

	t.Run("clean content unchanged", func(t *testing.T) {
		v := &detection.Verdict{
			ID:       uuid.New(),
			Content:  "https://pkg.go.dev/net/http",
			Severity: detection.SeverityHigh,
		}
		s.Enrich(v)
		if v.Severity != detection.SeverityHigh {
			t.Errorf("severity = %s, want high", v.Severity)
		}
	})

	t.Run("attachment verdict without content unchanged", func(t *testing.T) {
		v := &detection.Verdict{
			ID:       uuid.New(),
			Basis:    detection.BasisAttachment,
			Severity: detection.SeverityHigh,
		}
		s.Enrich(v)
		if v.Severity != detection.SeverityHigh {
			t.Errorf("severity = %s, want high", v.Severity)
		}
	})

	t.Run("critical verdict stays critical", func(t *testing.T) {
		v := &detection.Verdict{
			ID:       uuid.New(),
			Content:  "https://scam.example/again",
			Severity: detection.SeverityCritical,
		}
		s.Enrich(v)
		if v.Severity != detection.SeverityCritical {
			t.Errorf("severity = %s, want critical", v.Severity)
		}
	})

	t.Run("nil verdict", func(t *testing.T) {
		s.Enrich(nil)
	})

	if got := s.Stats()["enriched"].(uint64); got != 2 {
		t.Errorf("enriched = %d, want 2", got)
	}
}

func TestAddRemove(t *testing.T) {
	s := NewService(Config{}, getTestLogger())

	s.Add("Late.Example")
	if ind, ok := s.Lookup("late.example"); !ok || ind.Source != "manual" {
		t.Errorf("expected manual hit, got ok=%v source=%s", ok, ind.Source)
	}

	s.Remove("late.example")
	if _, ok := s.Lookup("late.example"); ok {
		t.Error("expected miss after Remove")
	}
}

func TestFileLoadAndRefresh(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "domains.txt")

	initial := "# scam campaign domains\nscam.example\nraffle.example\n\n"
	if err := os.WriteFile(file, []byte(initial), 0644); err != nil {
		t.Fatalf("write domains file: %v", err)
	}

	s := NewService(Config{
		Domains:         []string{"seeded.example"},
		DomainsFile:     file,
		RefreshInterval: 20 * time.Millisecond,
	}, getTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer s.Stop()

	if s.Size() != 3 {
		t.Fatalf("Size() after initial load = %d, want 3", s.Size())
	}
	if ind, ok := s.Lookup("raffle.example"); !ok || ind.Source != "file" {
		t.Fatalf("expected file hit for raffle.example, got ok=%v source=%s", ok, ind.Source)
	}

	// Rewrite the file: raffle.example drops out, a new domain appears.
	updated := "scam.example\ngiveaway.example\n"
	if err := os.WriteFile(file, []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite domains file: %v", err)
	}

	if !waitForCondition(2*time.Second, func() bool {
		_, gone := s.Lookup("raffle.example")
		_, added := s.Lookup("giveaway.example")
		return !gone && added
	}) {
		t.Fatal("refresh did not apply the rewritten file")
	}

	if _, ok := s.Lookup("seeded.example"); !ok {
		t.Error("config-seeded domain must survive file refresh")
	}

	if got := s.Stats()["refreshes"].(uint64); got < 2 {
		t.Errorf("refreshes = %d, want at least 2", got)
	}
}

func TestStartMissingFile(t *testing.T) {
	s := NewService(Config{
		Domains:         []string{"seeded.example"},
		DomainsFile:     filepath.Join(t.TempDir(), "missing.txt"),
		RefreshInterval: time.Hour,
	}, getTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() with missing file must not fail, got %v", err)
	}
	s.Stop()

	if s.Size() != 1 {
		t.Errorf("Size() = %d, want the config seed to survive", s.Size())
	}
}

func TestStats(t *testing.T) {
	s := NewService(Config{Domains: []string{"scam.example"}}, getTestLogger())

	s.Lookup("scam.example")
	s.Lookup("clean.example")
	s.MatchContent("https://scam.example/x")

	stats := s.Stats()
	if stats["domains"].(int) != 1 {
		t.Errorf("domains = %v, want 1", stats["domains"])
	}
	if stats["lookups"].(uint64) != 3 {
		t.Errorf("lookups = %v, want 3", stats["lookups"])
	}
	if stats["hits"].(uint64) != 2 {
		t.Errorf("hits = %v, want 2", stats["hits"])
	}
}
