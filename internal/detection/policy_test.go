package detection

import (
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()

	if p.ID != "scam-link-campaign" {
		t.Errorf("ID = %v, want scam-link-campaign", p.ID)
	}
	if !p.Enabled {
		t.Error("expected default policy enabled")
	}
	if p.Threshold != 3 {
		t.Errorf("Threshold = %d, want 3", p.Threshold)
	}
	if p.SuspendDuration.Duration() != 15*time.Minute {
		t.Errorf("SuspendDuration = %v, want 15m", p.SuspendDuration)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestPolicyValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Policy)
		wantErr bool
	}{
		{"default", func(p *Policy) {}, false},
		{"missing id", func(p *Policy) { p.ID = "" }, true},
		{"missing name", func(p *Policy) { p.Name = "" }, true},
		{"zero threshold", func(p *Policy) { p.Threshold = 0 }, true},
		{"negative threshold", func(p *Policy) { p.Threshold = -1 }, true},
		{"zero window", func(p *Policy) { p.StalenessWindow = 0 }, true},
		{"bad severity", func(p *Policy) { p.Severity = "catastrophic" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := DefaultPolicy()
			tc.mutate(p)
			err := p.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestPolicyEngineConfig(t *testing.T) {
	p := DefaultPolicy()
	p.Threshold = 5
	p.StalenessWindow = Duration(20 * time.Minute)
	p.Severity = SeverityCritical

	cfg := p.EngineConfig()
	if cfg.Threshold != 5 {
		t.Errorf("Threshold = %d, want 5", cfg.Threshold)
	}
	if cfg.StalenessWindow != 20*time.Minute {
		t.Errorf("StalenessWindow = %v, want 20m", cfg.StalenessWindow)
	}
	if cfg.Severity != SeverityCritical {
		t.Errorf("Severity = %v, want critical", cfg.Severity)
	}
	if cfg.SuspendDuration != 15*time.Minute {
		t.Errorf("SuspendDuration = %v, want 15m", cfg.SuspendDuration)
	}

	// Fields a policy does not carry keep the engine defaults.
	if cfg.Shards != 64 {
		t.Errorf("Shards = %d, want default 64", cfg.Shards)
	}
	if cfg.SweepInterval != time.Minute {
		t.Errorf("SweepInterval = %v, want default 1m", cfg.SweepInterval)
	}
}

func TestPolicyAppliesTo(t *testing.T) {
	p := DefaultPolicy()

	// No guild list: applies everywhere.
	if !p.AppliesTo("any-guild") {
		t.Error("expected unrestricted policy to apply")
	}

	p.Guilds = []string{"g1", "g2"}
	if !p.AppliesTo("g1") {
		t.Error("expected policy to apply to listed guild")
	}
	if p.AppliesTo("g9") {
		t.Error("expected policy not to apply to unlisted guild")
	}
}

func TestParsePolicy(t *testing.T) {
	data := []byte(`
id: crypto-pump
name: Crypto pump campaign
severity: critical
enabled: true
threshold: 4
staleness_window: 5m
`)

	p, err := ParsePolicy(data)
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	if p.ID != "crypto-pump" {
		t.Errorf("ID = %v, want crypto-pump", p.ID)
	}
	if p.Threshold != 4 {
		t.Errorf("Threshold = %d, want 4", p.Threshold)
	}
	if p.Severity != SeverityCritical {
		t.Errorf("Severity = %v, want critical", p.Severity)
	}
	if p.StalenessWindow.Duration() != 5*time.Minute {
		t.Errorf("StalenessWindow = %v, want 5m", p.StalenessWindow)
	}

	// Omitted tunables pick up the defaults.
	if p.SuspendDuration.Duration() != 15*time.Minute {
		t.Errorf("SuspendDuration = %v, want default 15m", p.SuspendDuration)
	}
}

func TestParsePolicyInvalid(t *testing.T) {
	if _, err := ParsePolicy([]byte("name: no id")); err == nil {
		t.Error("expected error for policy without id")
	}
	if _, err := ParsePolicy([]byte("{{{not yaml")); err == nil {
		t.Error("expected error for malformed yaml")
	}
}

func TestParsePolicies(t *testing.T) {
	data := []byte(`
- id: p1
  name: First
  severity: high
- id: p2
  name: Second
  severity: low
`)

	policies, err := ParsePolicies(data)
	if err != nil {
		t.Fatalf("ParsePolicies() error = %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("len(policies) = %d, want 2", len(policies))
	}
	if policies[0].ID != "p1" || policies[1].ID != "p2" {
		t.Errorf("policies = [%s %s], want [p1 p2]", policies[0].ID, policies[1].ID)
	}
}

func TestParsePoliciesSingleDocument(t *testing.T) {
	data := []byte(`
id: solo
name: Single policy document
severity: medium
`)

	policies, err := ParsePolicies(data)
	if err != nil {
		t.Fatalf("ParsePolicies() error = %v", err)
	}
	if len(policies) != 1 || policies[0].ID != "solo" {
		t.Errorf("policies = %v, want single solo entry", policies)
	}
}

func TestSeverityToInt(t *testing.T) {
	testCases := []struct {
		severity Severity
		want     int
	}{
		{SeverityLow, 1},
		{SeverityMedium, 4},
		{SeverityHigh, 7},
		{SeverityCritical, 10},
		{Severity("unknown"), 5},
	}

	for _, tc := range testCases {
		if got := SeverityToInt(tc.severity); got != tc.want {
			t.Errorf("SeverityToInt(%v) = %d, want %d", tc.severity, got, tc.want)
		}
	}
}

func TestDurationUnmarshalYAML(t *testing.T) {
	testCases := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"d: 10m", 10 * time.Minute, false},
		{"d: 90s", 90 * time.Second, false},
		{"d: 1h30m", 90 * time.Minute, false},
		{"d: 300", 300 * time.Second, false}, // bare numbers are seconds
		{"d: 1.5", 1500 * time.Millisecond, false},
		{"d: soon", 0, true},
	}

	for _, tc := range testCases {
		var out struct {
			D Duration `yaml:"d"`
		}
		err := yaml.Unmarshal([]byte(tc.input), &out)
		if (err != nil) != tc.wantErr {
			t.Errorf("Unmarshal(%q) error = %v, wantErr %v", tc.input, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && out.D.Duration() != tc.want {
			t.Errorf("Unmarshal(%q) = %v, want %v", tc.input, out.D.Duration(), tc.want)
		}
	}
}

func TestDurationRoundTrip(t *testing.T) {
	p := DefaultPolicy()

	data, err := yaml.Marshal(p)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	parsed, err := ParsePolicy(data)
	if err != nil {
		t.Fatalf("ParsePolicy() error = %v", err)
	}
	if parsed.StalenessWindow != p.StalenessWindow {
		t.Errorf("StalenessWindow = %v, want %v", parsed.StalenessWindow, p.StalenessWindow)
	}
	if parsed.SuspendDuration != p.SuspendDuration {
		t.Errorf("SuspendDuration = %v, want %v", parsed.SuspendDuration, p.SuspendDuration)
	}
}

func TestSeverityIsValid(t *testing.T) {
	for _, s := range []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical} {
		if !s.IsValid() {
			t.Errorf("IsValid(%v) = false, want true", s)
		}
	}
	if Severity("urgent").IsValid() {
		t.Error("IsValid(urgent) = true, want false")
	}
}
