// Package intel maintains the scam-domain indicator set. Verdicts whose
// campaign content links to a listed domain are raised to critical
// severity before remediation sees them.
package intel

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/detection"
)

// Config configures the indicator service.
type Config struct {
	Domains         []string      `yaml:"domains" json:"domains"`
	DomainsFile     string        `yaml:"domains_file" json:"domains_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

// DefaultConfig returns the default indicator configuration.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: time.Hour,
	}
}

// Indicator is one listed scam domain.
type Indicator struct {
	Domain  string    `json:"domain"`
	Source  string    `json:"source"` // "config", "file" or "manual"
	AddedAt time.Time `json:"added_at"`
}

// Service holds the in-memory indicator set and refreshes the file-backed
// part on an interval.
type Service struct {
	config Config
	logger *slog.Logger

	mu      sync.RWMutex
	domains map[string]Indicator

	lastRefresh time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup

	lookups   uint64
	hits      uint64
	enriched  uint64
	refreshes uint64
}

// NewService creates an indicator service seeded from the config list.
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Service{
		config:  config,
		logger:  logger,
		domains: make(map[string]Indicator),
		stopCh:  make(chan struct{}),
	}

	now := time.Now()
	for _, d := range config.Domains {
		d = normalizeDomain(d)
		if d == "" {
			continue
		}
		s.domains[d] = Indicator{Domain: d, Source: "config", AddedAt: now}
	}

	return s
}

// Start loads the domains file and starts the refresh worker. A missing
// file is not fatal; the config-seeded set keeps working.
func (s *Service) Start(ctx context.Context) error {
	if s.config.DomainsFile != "" {
		if err := s.loadFile(); err != nil {
			s.logger.Warn("failed to load domains file",
				"file", s.config.DomainsFile,
				"error", err,
			)
		}

		if s.config.RefreshInterval > 0 {
			s.wg.Add(1)
			go s.refreshWorker(ctx)
		}
	}

	s.logger.Info("link intel started",
		"domains", s.Size(),
		"file", s.config.DomainsFile,
	)
	return nil
}

// Stop stops the refresh worker.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Service) refreshWorker(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.loadFile(); err != nil {
				s.logger.Error("domains file refresh failed",
					"file", s.config.DomainsFile,
					"error", err,
				)
			}
		}
	}
}

// loadFile reads the domains file and replaces the file-sourced part of
// the set. Domains removed from the file drop out; config and manual
// entries survive.
func (s *Service) loadFile() error {
	f, err := os.Open(s.config.DomainsFile)
	if err != nil {
		return fmt.Errorf("open domains file: %w", err)
	}
	defer f.Close()

	now := time.Now()
	fresh := make(map[string]Indicator)

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d := normalizeDomain(line)
		if d == "" {
			continue
		}
		fresh[d] = Indicator{Domain: d, Source: "file", AddedAt: now}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read domains file: %w", err)
	}

	s.mu.Lock()
	for d, ind := range s.domains {
		if ind.Source == "file" {
			delete(s.domains, d)
		}
	}
	for d, ind := range fresh {
		if _, exists := s.domains[d]; !exists {
			s.domains[d] = ind
		}
	}
	s.lastRefresh = now
	total := len(s.domains)
	s.mu.Unlock()

	atomic.AddUint64(&s.refreshes, 1)
	s.logger.Debug("domains file loaded",
		"file_domains", len(fresh),
		"total", total,
	)
	return nil
}

// Add inserts a domain at runtime.
func (s *Service) Add(domain string) {
	d := normalizeDomain(domain)
	if d == "" {
		return
	}

	s.mu.Lock()
	s.domains[d] = Indicator{Domain: d, Source: "manual", AddedAt: time.Now()}
	s.mu.Unlock()
}

// Remove drops a domain from the set.
func (s *Service) Remove(domain string) {
	s.mu.Lock()
	delete(s.domains, normalizeDomain(domain))
	s.mu.Unlock()
}

// Size returns the number of listed domains.
func (s *Service) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.domains)
}

// Lookup reports whether a domain is listed. Subdomains of a listed
// domain count: listing "scam.example" also hits "promo.scam.example",
// since campaign operators rotate subdomains faster than lists update.
func (s *Service) Lookup(domain string) (Indicator, bool) {
	atomic.AddUint64(&s.lookups, 1)
	ind, ok := s.match(normalizeDomain(domain))
	if ok {
		atomic.AddUint64(&s.hits, 1)
	}
	return ind, ok
}

// MatchContent extracts the link domains from normalized content and
// returns the first listed one.
func (s *Service) MatchContent(normalized string) (Indicator, bool) {
	atomic.AddUint64(&s.lookups, 1)

	for _, domain := range detection.LinkDomains(normalized) {
		if ind, ok := s.match(domain); ok {
			atomic.AddUint64(&s.hits, 1)
			return ind, true
		}
	}
	return Indicator{}, false
}

// Enrich raises a verdict to critical severity when its campaign content
// links to a listed domain. It satisfies the consumer's enricher hook.
func (s *Service) Enrich(verdict *detection.Verdict) {
	if verdict == nil || verdict.Content == "" {
		return
	}

	ind, ok := s.MatchContent(verdict.Content)
	if !ok {
		return
	}

	atomic.AddUint64(&s.enriched, 1)
	if verdict.Severity != detection.SeverityCritical {
		s.logger.Info("verdict raised to critical on listed domain",
			"verdict_id", verdict.ID,
			"user_id", verdict.UserID,
			"domain", ind.Domain,
			"source", ind.Source,
		)
		verdict.Severity = detection.SeverityCritical
	}
}

// match walks the domain's parent labels so subdomains of listed
// domains hit. The caller holds no lock.
func (s *Service) match(domain string) (Indicator, bool) {
	if domain == "" {
		return Indicator{}, false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for {
		if ind, ok := s.domains[domain]; ok {
			return ind, true
		}
		i := strings.Index(domain, ".")
		if i < 0 {
			return Indicator{}, false
		}
		domain = domain[i+1:]
	}
}

// Stats returns service counters for the stats endpoint.
func (s *Service) Stats() map[string]interface{} {
	s.mu.RLock()
	size := len(s.domains)
	lastRefresh := s.lastRefresh
	s.mu.RUnlock()

	stats := map[string]interface{}{
		"domains":   size,
		"lookups":   atomic.LoadUint64(&s.lookups),
		"hits":      atomic.LoadUint64(&s.hits),
		"enriched":  atomic.LoadUint64(&s.enriched),
		"refreshes": atomic.LoadUint64(&s.refreshes),
	}
	if !lastRefresh.IsZero() {
		stats["last_refresh"] = lastRefresh.UTC()
	}
	return stats
}

// normalizeDomain canonicalizes a domain for storage and lookup.
func normalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "*.")
	return strings.Trim(d, ".")
}
