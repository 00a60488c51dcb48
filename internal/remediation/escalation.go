package remediation

import (
	"sync"
	"time"

	"scamwarden/internal/detection"
)

// EscalationConfig controls how repeat offenders are punished harder.
type EscalationConfig struct {
	// Window bounds how far back prior offenses count.
	Window time.Duration
	// Multipliers scale the suspension per offense number; the last entry
	// applies to everything beyond it.
	Multipliers []int
}

// DefaultEscalationConfig returns the default escalation settings.
func DefaultEscalationConfig() EscalationConfig {
	return EscalationConfig{
		Window:      24 * time.Hour,
		Multipliers: []int{1, 4, 16},
	}
}

// Escalator tracks offense history per guild:user pair inside a sliding
// window and scales suspensions and severity for repeat offenders.
type Escalator struct {
	config   EscalationConfig
	offenses map[string][]time.Time
	mu       sync.Mutex
}

// NewEscalator creates an escalator with the given config.
func NewEscalator(config EscalationConfig) *Escalator {
	if config.Window <= 0 {
		config.Window = 24 * time.Hour
	}
	if len(config.Multipliers) == 0 {
		config.Multipliers = []int{1, 4, 16}
	}
	return &Escalator{
		config:   config,
		offenses: make(map[string][]time.Time),
	}
}

// Record adds an offense for the pair and returns the offense count inside
// the window, this one included.
func (e *Escalator) Record(guildID, userID string) int {
	key := offenseKey(guildID, userID)
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneKeyLocked(key, now)
	e.offenses[key] = append(e.offenses[key], now)
	return len(e.offenses[key])
}

// Offenses returns the current in-window offense count without recording.
func (e *Escalator) Offenses(guildID, userID string) int {
	key := offenseKey(guildID, userID)

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pruneKeyLocked(key, time.Now())
	count := len(e.offenses[key])
	if count == 0 {
		delete(e.offenses, key)
	}
	return count
}

func (e *Escalator) pruneKeyLocked(key string, now time.Time) {
	cutoff := now.Add(-e.config.Window)
	times := e.offenses[key]
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.offenses[key] = kept
}

// Apply scales a base suspension and severity by offense count. The first
// offense passes through unchanged.
func (e *Escalator) Apply(base time.Duration, severity detection.Severity, offenses int) (time.Duration, detection.Severity) {
	if offenses < 1 {
		offenses = 1
	}
	idx := offenses - 1
	if idx >= len(e.config.Multipliers) {
		idx = len(e.config.Multipliers) - 1
	}
	return base * time.Duration(e.config.Multipliers[idx]), raiseSeverity(severity, offenses-1)
}

var severityLadder = []detection.Severity{
	detection.SeverityLow,
	detection.SeverityMedium,
	detection.SeverityHigh,
	detection.SeverityCritical,
}

func raiseSeverity(severity detection.Severity, steps int) detection.Severity {
	if steps <= 0 {
		return severity
	}
	pos := -1
	for i, s := range severityLadder {
		if s == severity {
			pos = i
			break
		}
	}
	if pos < 0 {
		return severity
	}
	pos += steps
	if pos >= len(severityLadder) {
		pos = len(severityLadder) - 1
	}
	return severityLadder[pos]
}

// Prune drops pairs whose offenses all fell out of the window and returns
// how many pairs were removed.
func (e *Escalator) Prune() int {
	now := time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key := range e.offenses {
		e.pruneKeyLocked(key, now)
		if len(e.offenses[key]) == 0 {
			delete(e.offenses, key)
			removed++
		}
	}
	return removed
}

// Tracked returns how many guild:user pairs currently have offense history.
func (e *Escalator) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.offenses)
}
