package detection

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Severity levels for verdicts and policies.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity is a valid value.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// SeverityToInt converts severity to a numeric value for storage and
// sorting.
func SeverityToInt(s Severity) int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 4
	case SeverityHigh:
		return 7
	case SeverityCritical:
		return 10
	default:
		return 5
	}
}

// Duration wraps time.Duration so policy files can express windows as
// strings like "10m" or plain numeric seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*d = Duration(0)
		return nil
	}
	raw := strings.TrimSpace(node.Value)
	if raw == "" {
		*d = Duration(0)
		return nil
	}
	if td, err := time.ParseDuration(raw); err == nil {
		*d = Duration(td)
		return nil
	}
	// allow numeric seconds
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %q", node.Value)
}

// MarshalYAML writes the string form so persisted policies stay readable.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// MarshalJSON mirrors the YAML form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		td, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration value: %q", s)
		}
		*d = Duration(td)
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err == nil {
		*d = Duration(time.Duration(f * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration value: %s", string(data))
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Policy is the YAML-expressible form of the engine tunables. The gateway
// applies the enabled policy named in its config at startup; warden-policy
// validates policy files offline.
type Policy struct {
	ID          string        `yaml:"id" json:"id"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	Severity    Severity      `yaml:"severity,omitempty" json:"severity,omitempty"`
	Tags        []string      `yaml:"tags,omitempty" json:"tags,omitempty"`
	Guilds      []string      `yaml:"guilds,omitempty" json:"guilds,omitempty"`

	Threshold        int                 `yaml:"threshold" json:"threshold"`
	StalenessWindow  Duration            `yaml:"staleness_window" json:"staleness_window"`
	SuspendDuration  Duration            `yaml:"suspend_duration" json:"suspend_duration"`
	MatchAttachments bool                `yaml:"match_attachments" json:"match_attachments"`
	ScopeByGuild     bool                `yaml:"scope_by_guild" json:"scope_by_guild"`
	Normalization    NormalizationConfig `yaml:"normalization" json:"normalization"`
}

// DefaultPolicy returns the shipped campaign policy.
func DefaultPolicy() *Policy {
	cfg := DefaultConfig()
	return &Policy{
		ID:               "scam-link-campaign",
		Name:             "Cross-channel scam link campaign",
		Description:      "Identical link content or attachments posted by one user across distinct channels.",
		Enabled:          true,
		Severity:         cfg.Severity,
		Threshold:        cfg.Threshold,
		StalenessWindow:  Duration(cfg.StalenessWindow),
		SuspendDuration:  Duration(cfg.SuspendDuration),
		MatchAttachments: cfg.MatchAttachments,
		ScopeByGuild:     cfg.ScopeByGuild,
		Normalization:    cfg.Normalization,
	}
}

// applyDefaults fills unset tunables from the engine defaults so minimal
// policy files stay valid. Booleans are taken as written.
func (p *Policy) applyDefaults() {
	def := DefaultConfig()
	if p.Threshold == 0 {
		p.Threshold = def.Threshold
	}
	if p.StalenessWindow == 0 {
		p.StalenessWindow = Duration(def.StalenessWindow)
	}
	if p.SuspendDuration == 0 {
		p.SuspendDuration = Duration(def.SuspendDuration)
	}
	if p.Severity == "" {
		p.Severity = def.Severity
	}
	if p.Normalization == (NormalizationConfig{}) {
		p.Normalization = def.Normalization
	}
}

// Validate validates a policy definition.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy ID is required")
	}
	if p.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	if p.Threshold < 1 {
		return fmt.Errorf("threshold must be at least 1")
	}
	if p.StalenessWindow <= 0 {
		return fmt.Errorf("staleness window must be positive")
	}
	if p.SuspendDuration <= 0 {
		return fmt.Errorf("suspend duration must be positive")
	}
	if p.Severity != "" && !p.Severity.IsValid() {
		return fmt.Errorf("invalid severity: %s", p.Severity)
	}
	return nil
}

// EngineConfig materializes the engine configuration this policy describes,
// starting from defaults for fields a policy does not carry.
func (p *Policy) EngineConfig() Config {
	cfg := DefaultConfig()
	cfg.Threshold = p.Threshold
	cfg.StalenessWindow = p.StalenessWindow.Duration()
	cfg.SuspendDuration = p.SuspendDuration.Duration()
	cfg.MatchAttachments = p.MatchAttachments
	cfg.ScopeByGuild = p.ScopeByGuild
	cfg.Normalization = p.Normalization
	if p.Severity != "" {
		cfg.Severity = p.Severity
	}
	return cfg
}

// AppliesTo reports whether the policy covers a guild. An empty guild list
// covers everything.
func (p *Policy) AppliesTo(guildID string) bool {
	if len(p.Guilds) == 0 {
		return true
	}
	for _, g := range p.Guilds {
		if g == guildID {
			return true
		}
	}
	return false
}

// ParsePolicy parses a single policy from YAML bytes.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	policy.applyDefaults()
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &policy, nil
}

// ParsePolicies parses multiple policies from YAML bytes.
func ParsePolicies(data []byte) ([]*Policy, error) {
	var policies []*Policy
	if err := yaml.Unmarshal(data, &policies); err != nil {
		// Try single policy format
		policy, singleErr := ParsePolicy(data)
		if singleErr != nil {
			return nil, fmt.Errorf("failed to parse policies: %w", err)
		}
		return []*Policy{policy}, nil
	}

	for i, policy := range policies {
		policy.applyDefaults()
		if err := policy.Validate(); err != nil {
			return nil, fmt.Errorf("policy %d: %w", i, err)
		}
	}
	return policies, nil
}
