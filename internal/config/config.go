// Package config handles configuration loading for scamwarden.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Queue       QueueConfig       `yaml:"queue"`
	Validation  ValidationConfig  `yaml:"validation"`
	Detection   DetectionConfig   `yaml:"detection"`
	Auth        AuthConfig        `yaml:"auth"`
	CORS        CORSConfig        `yaml:"cors"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Consumer    ConsumerConfig    `yaml:"consumer"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Suspension  SuspensionConfig  `yaml:"suspension"`
	Remediation RemediationConfig `yaml:"remediation"`
	Platform    PlatformConfig    `yaml:"platform"`
	Intel       IntelConfig       `yaml:"intel"`
}

// DetectionConfig holds campaign detection settings.
type DetectionConfig struct {
	Threshold        int                 `yaml:"threshold"`         // Qualifying messages per campaign
	StalenessWindow  time.Duration       `yaml:"staleness_window"`  // Max age of a counted message
	SuspendDuration  time.Duration       `yaml:"suspend_duration"`  // Timeout applied on a verdict
	SweepInterval    time.Duration       `yaml:"sweep_interval"`    // Background staleness sweep cadence
	Shards           int                 `yaml:"shards"`            // Lock shards for per-user state
	MatchAttachments bool                `yaml:"match_attachments"` // Fingerprint-identical attachments count
	ScopeByGuild     bool                `yaml:"scope_by_guild"`    // Track per (guild, user) instead of user
	Severity         string              `yaml:"severity"`
	Normalization    NormalizationConfig `yaml:"normalization"`
	PoliciesDir      string              `yaml:"policies_dir"` // Custom policy files
	PolicyID         string              `yaml:"policy_id"`    // Policy applied at startup; empty = active one
}

// NormalizationConfig holds content normalization settings.
type NormalizationConfig struct {
	Trim       bool `yaml:"trim"`
	CaseFold   bool `yaml:"case_fold"`
	DefangURLs bool `yaml:"defang_urls"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"` // Max requests per IP per window
	WindowSize    time.Duration `yaml:"window_size"`     // Time window for rate limiting
	BurstSize     int           `yaml:"burst_size"`      // Allow burst above limit temporarily
	CleanupPeriod time.Duration `yaml:"cleanup_period"`  // How often to clean old entries
	ExemptPaths   []string      `yaml:"exempt_paths"`    // Paths exempt from rate limiting
	TrustProxy    bool          `yaml:"trust_proxy"`     // Trust X-Forwarded-For header
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `yaml:"enabled"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	ExposedHeaders   []string `yaml:"exposed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"` // Preflight cache duration in seconds
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
	Retention   RetentionConfig   `yaml:"retention"`
	Archive     ArchiveConfig     `yaml:"archive"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// RetentionConfig holds table retention settings.
type RetentionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MessageEventAge time.Duration `yaml:"message_event_age"`
	VerdictAge      time.Duration `yaml:"verdict_age"`
	QuarantineAge   time.Duration `yaml:"quarantine_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// ArchiveConfig holds S3 archive settings.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Endpoint        string        `yaml:"endpoint"` // For MinIO or custom endpoints
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	KeyPrefix       string        `yaml:"key_prefix"`
	BatchSize       int           `yaml:"batch_size"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
}

// ConsumerConfig holds consumer settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// KafkaConfig holds Kafka bus settings.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	GroupID       string   `yaml:"group_id"`
	EventsTopic   string   `yaml:"events_topic"`
	VerdictsTopic string   `yaml:"verdicts_topic"`
	SASLUsername  string   `yaml:"sasl_username"`
	SASLPassword  string   `yaml:"sasl_password"`
	TLSEnabled    bool     `yaml:"tls_enabled"`
}

// SuspensionConfig holds suspension registry settings.
type SuspensionConfig struct {
	Enabled   bool   `yaml:"enabled"`
	RedisAddr string `yaml:"redis_addr"`
	RedisPass string `yaml:"redis_pass"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// RemediationConfig holds verdict remediation settings.
type RemediationConfig struct {
	DeleteMessages bool                `yaml:"delete_messages"` // Delete matched messages on a verdict
	SuspendUsers   bool                `yaml:"suspend_users"`   // Time out the author on a verdict
	Announce       bool                `yaml:"announce"`        // Post a mod-channel notice
	DedupWindow    time.Duration       `yaml:"dedup_window"`    // Suppress repeat verdicts per user; 0 = suspension length
	Notifications  NotificationsConfig `yaml:"notifications"`
	Delivery       DeliveryConfig      `yaml:"delivery"`
	Escalation     EscalationConfig    `yaml:"escalation"`
}

// NotificationsConfig holds notification channel settings.
type NotificationsConfig struct {
	DiscordWebhookURL string   `yaml:"discord_webhook_url"`
	SlackWebhookURL   string   `yaml:"slack_webhook_url"`
	WebhookURLs       []string `yaml:"webhook_urls"`
	MinSeverity       string   `yaml:"min_severity"`
	RedactContent     bool     `yaml:"redact_content"` // Mask scam content in outbound notices
}

// DeliveryConfig holds reliable delivery settings.
type DeliveryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Timeout        time.Duration `yaml:"timeout"`
}

// EscalationConfig holds repeat-offender escalation settings.
type EscalationConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Window      time.Duration `yaml:"window"`      // Offense counting window
	Multipliers []int         `yaml:"multipliers"` // Suspension multiplier per repeat offense
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int         `yaml:"max_batch_size"`
	MaxPayloadSize int         `yaml:"max_payload_size"`
	Relay          RelayConfig `yaml:"relay"`
}

// RelayConfig holds the line-relay listeners chat bridges push through.
type RelayConfig struct {
	TCP  RelayTCPConfig  `yaml:"tcp"`
	DTLS RelayDTLSConfig `yaml:"dtls"`
}

// RelayTCPConfig holds TCP relay listener settings.
type RelayTCPConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"`
	TLSEnabled     bool          `yaml:"tls_enabled"`
	TLSCertFile    string        `yaml:"tls_cert_file"`
	TLSKeyFile     string        `yaml:"tls_key_file"`
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	MaxLineLength  int           `yaml:"max_line_length"`
}

// RelayDTLSConfig holds DTLS (secure UDP) relay listener settings.
type RelayDTLSConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Address           string        `yaml:"address"`
	CertFile          string        `yaml:"cert_file"`
	KeyFile           string        `yaml:"key_file"`
	CAFile            string        `yaml:"ca_file"`
	RequireClientCert bool          `yaml:"require_client_cert"`
	Workers           int           `yaml:"workers"`
	MaxMessageSize    int           `yaml:"max_message_size"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
}

// QueueConfig holds queue settings.
type QueueConfig struct {
	Size           int    `yaml:"size"`
	OverflowPolicy string `yaml:"overflow_policy"`
}

// ValidationConfig holds validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
	StrictMode  bool          `yaml:"strict_mode"`
}

// AuthConfig holds authentication settings.
type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	APIKeyHeader string        `yaml:"api_key_header"`
	Keys         []APIKeyEntry `yaml:"keys"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// APIKeyEntry pairs a key id and bcrypt secret hash with its role.
type APIKeyEntry struct {
	ID   string `yaml:"id"`
	Hash string `yaml:"hash"`
	Role string `yaml:"role"`
}

// IntelConfig holds scam-domain intelligence settings.
type IntelConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Domains         []string      `yaml:"domains"`
	DomainsFile     string        `yaml:"domains_file"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
			Relay: RelayConfig{
				TCP: RelayTCPConfig{
					Enabled:        false,
					Address:        ":5515",
					TLSEnabled:     false,
					MaxConnections: 1000,
					IdleTimeout:    5 * time.Minute,
					MaxLineLength:  65535,
				},
				DTLS: RelayDTLSConfig{
					Enabled:           false, // Enable when certificates are configured
					Address:           ":5516",
					Workers:           8,
					MaxMessageSize:    65535,
					ConnectionTimeout: 30 * time.Second,
					IdleTimeout:       5 * time.Minute,
					RequireClientCert: false,
				},
			},
		},
		Queue: QueueConfig{
			Size:           100000,
			OverflowPolicy: "reject",
		},
		Validation: ValidationConfig{
			MaxEventAge: 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
			StrictMode:  false, // Disabled by default - enable for production
		},
		Detection: DetectionConfig{
			Threshold:        3,
			StalenessWindow:  10 * time.Minute,
			SuspendDuration:  15 * time.Minute,
			SweepInterval:    time.Minute,
			Shards:           64,
			MatchAttachments: true,
			ScopeByGuild:     true,
			Severity:         "high",
			Normalization: NormalizationConfig{
				Trim:       true,
				CaseFold:   true,
				DefangURLs: false,
			},
			PoliciesDir: "configs/policies",
		},
		Auth: AuthConfig{
			APIKeyHeader: "X-API-Key",
			Enabled:      false, // Disabled by default for development
			CacheTTL:     5 * time.Minute,
		},
		CORS: CORSConfig{
			Enabled:        true, // CORS enabled by default for API access
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
			AllowedHeaders: []string{
				"Accept",
				"Authorization",
				"Content-Type",
				"X-API-Key",
				"X-Request-ID",
			},
			ExposedHeaders: []string{
				"X-Request-ID",
				"X-RateLimit-Limit",
				"X-RateLimit-Remaining",
				"X-RateLimit-Reset",
			},
			AllowCredentials: false, // Set to false when AllowedOrigins is "*"
			MaxAge:           86400, // 24 hours preflight cache
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/health", "/metrics"},
			TrustProxy:    false, // Don't trust X-Forwarded-For by default
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "scamwarden",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     1000,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
			Retention: RetentionConfig{
				Enabled:         false,
				MessageEventAge: 30 * 24 * time.Hour,
				VerdictAge:      365 * 24 * time.Hour,
				QuarantineAge:   7 * 24 * time.Hour,
				SweepInterval:   time.Hour,
			},
			Archive: ArchiveConfig{
				Enabled:       false,
				Region:        "us-east-1",
				BatchSize:     5000,
				FlushInterval: 15 * time.Minute,
			},
		},
		Consumer: ConsumerConfig{
			Workers:      4,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Kafka: KafkaConfig{
			Enabled:       false,
			Brokers:       []string{"localhost:9092"},
			GroupID:       "scamwarden",
			EventsTopic:   "chat.message-events",
			VerdictsTopic: "warden.verdicts",
		},
		Suspension: SuspensionConfig{
			Enabled:   false,
			RedisAddr: "localhost:6379",
			KeyPrefix: "warden:susp:",
		},
		Remediation: RemediationConfig{
			DeleteMessages: true,
			SuspendUsers:   true,
			Announce:       true,
			Notifications: NotificationsConfig{
				MinSeverity:   "medium",
				RedactContent: true,
			},
			Delivery: DeliveryConfig{
				MaxAttempts:    5,
				InitialBackoff: time.Second,
				MaxBackoff:     30 * time.Second,
				Timeout:        10 * time.Second,
			},
			Escalation: EscalationConfig{
				Enabled:     true,
				Window:      24 * time.Hour,
				Multipliers: []int{1, 4, 16},
			},
		},
		Platform: DefaultPlatformConfig(),
		Intel: IntelConfig{
			Enabled:         false,
			RefreshInterval: time.Hour,
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Check for config file path in environment
	configPath := os.Getenv("WARDEN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	// Try to load from file
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("WARDEN_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("WARDEN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if key := os.Getenv("WARDEN_API_KEY_HASH"); key != "" {
		c.Auth.Keys = append(c.Auth.Keys, APIKeyEntry{ID: "env", Hash: key, Role: "operator"})
		c.Auth.Enabled = true
	}

	// Storage settings
	if enabled := os.Getenv("WARDEN_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Kafka settings
	if brokers := os.Getenv("WARDEN_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
		c.Kafka.Enabled = true
	}

	// Suspension registry
	if addr := os.Getenv("WARDEN_REDIS_ADDR"); addr != "" {
		c.Suspension.RedisAddr = addr
		c.Suspension.Enabled = true
	}

	if pass := os.Getenv("WARDEN_REDIS_PASSWORD"); pass != "" {
		c.Suspension.RedisPass = pass
	}

	// Platform adapter
	if token := os.Getenv("WARDEN_BOT_TOKEN"); token != "" {
		c.Platform.Client.BotToken = token
	}

	if url := os.Getenv("WARDEN_PLATFORM_URL"); url != "" {
		c.Platform.Client.BaseURL = url
	}

	// Notifications
	if url := os.Getenv("WARDEN_DISCORD_WEBHOOK"); url != "" {
		c.Remediation.Notifications.DiscordWebhookURL = url
	}

	if url := os.Getenv("WARDEN_SLACK_WEBHOOK"); url != "" {
		c.Remediation.Notifications.SlackWebhookURL = url
	}

	// CORS settings
	if enabled := os.Getenv("WARDEN_CORS_ENABLED"); enabled == "false" {
		c.CORS.Enabled = false
	}

	if origins := os.Getenv("WARDEN_CORS_ORIGINS"); origins != "" {
		c.CORS.AllowedOrigins = splitAndTrim(origins, ",")
	}

	// Rate limit settings
	if enabled := os.Getenv("WARDEN_RATELIMIT_ENABLED"); enabled == "false" {
		c.RateLimit.Enabled = false
	}

	if rps := os.Getenv("WARDEN_RATELIMIT_RPS"); rps != "" {
		fmt.Sscanf(rps, "%d", &c.RateLimit.RequestsPerIP)
	}

	if burst := os.Getenv("WARDEN_RATELIMIT_BURST"); burst != "" {
		fmt.Sscanf(burst, "%d", &c.RateLimit.BurstSize)
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Detection.Threshold < 1 {
		return fmt.Errorf("detection threshold must be at least 1")
	}

	if c.Detection.StalenessWindow <= 0 {
		return fmt.Errorf("detection staleness_window must be positive")
	}

	return nil
}
