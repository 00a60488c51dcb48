// Package config - Platform adapter configuration types
package config

import (
	"time"
)

// PlatformConfig holds configuration for the chat-platform integration.
type PlatformConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Client   PlatformClientConfig   `yaml:"client"`
	Ingester PlatformIngesterConfig `yaml:"ingester"`
	Announce PlatformAnnounceConfig `yaml:"announce"`
}

// PlatformClientConfig holds client configuration for the platform API.
type PlatformClientConfig struct {
	BaseURL      string        `yaml:"base_url"`
	BotToken     string        `yaml:"bot_token"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// PlatformIngesterConfig holds poll ingester configuration.
type PlatformIngesterConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	Guilds       []string      `yaml:"guilds"`       // Guilds to poll; empty polls the token's guilds
	IgnoreBots   bool          `yaml:"ignore_bots"`  // Skip messages authored by bots
	Channels     []string      `yaml:"channels"`     // Restrict polling to these channels
}

// PlatformAnnounceConfig holds mod-channel announcement configuration.
type PlatformAnnounceConfig struct {
	ChannelID string `yaml:"channel_id"` // Mod channel for verdict notices
	Template  string `yaml:"template"`   // Message template; empty uses the builtin
}

// DefaultPlatformConfig returns the default platform configuration.
func DefaultPlatformConfig() PlatformConfig {
	return PlatformConfig{
		Enabled: false,
		Client: PlatformClientConfig{
			BaseURL:      "http://localhost:8090",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryBackoff: time.Second,
		},
		Ingester: PlatformIngesterConfig{
			PollInterval: 2 * time.Second,
			BatchSize:    200,
			IgnoreBots:   true,
		},
		Announce: PlatformAnnounceConfig{},
	}
}
