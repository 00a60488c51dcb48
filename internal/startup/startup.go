// Package startup runs pre-flight diagnostics for the warden gateway.
// The checks surface misconfiguration before the pipeline starts taking
// traffic: missing directories, occupied ports, unreachable backends,
// and settings that are unsafe outside development.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strconv"
	"time"

	"scamwarden/internal/config"
)

// Status classifies the outcome of a single diagnostic check.
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

// String returns the human-readable form of the status.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DiagnosticResult holds the outcome of one check.
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Diagnostics runs startup checks against a configuration and collects
// the results. Checks accumulate across calls to RunAll.
type Diagnostics struct {
	cfg     *config.Config
	results []DiagnosticResult
	logger  *slog.Logger
}

// NewDiagnostics creates a diagnostics runner for the given configuration.
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	return &Diagnostics{
		cfg:     cfg,
		results: make([]DiagnosticResult, 0, 32),
		logger:  logger,
	}
}

// RunAll executes every diagnostic check and returns the collected results.
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("=== Scamwarden Startup Diagnostics ===")

	d.checkSystem()
	d.checkDirectories()
	d.checkConfiguration()
	d.checkPorts()
	d.checkSecurityConfiguration()
	d.checkModules()
	d.checkBackends(ctx)

	d.printSummary()

	return d.results
}

// addResult records a check outcome and logs it at a level matching the status.
func (d *Diagnostics) addResult(name string, status Status, message string, details map[string]string) {
	d.results = append(d.results, DiagnosticResult{
		Name:    name,
		Status:  status,
		Message: message,
		Details: details,
	})

	attrs := []any{"check", name, "status", status.String()}
	if message != "" {
		attrs = append(attrs, "message", message)
	}
	for k, v := range details {
		attrs = append(attrs, k, v)
	}

	switch status {
	case StatusOK:
		d.logger.Info("startup check", attrs...)
	case StatusWarning:
		d.logger.Warn("startup check", attrs...)
	case StatusError:
		d.logger.Error("startup check", attrs...)
	default:
		d.logger.Debug("startup check", attrs...)
	}
}

func (d *Diagnostics) checkSystem() {
	d.addResult("runtime", StatusOK, "Runtime environment", map[string]string{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       strconv.Itoa(runtime.NumCPU()),
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	d.addResult("memory", StatusOK, "Memory statistics", map[string]string{
		"alloc_mb":       strconv.FormatUint(mem.Alloc/1024/1024, 10),
		"sys_mb":         strconv.FormatUint(mem.Sys/1024/1024, 10),
		"num_goroutines": strconv.Itoa(runtime.NumGoroutine()),
	})
}

type dirCheck struct {
	path     string
	required bool
	create   bool
}

func (d *Diagnostics) checkDirectories() {
	dirs := []dirCheck{
		{"data", false, true},
		{"logs", false, true},
		{"certs", false, true},
		{"configs", true, false},
	}
	if d.cfg.Detection.PoliciesDir != "" {
		dirs = append(dirs, dirCheck{d.cfg.Detection.PoliciesDir, false, false})
	}

	for _, dir := range dirs {
		name := "directory_" + dir.path
		info, err := os.Stat(dir.path)
		switch {
		case os.IsNotExist(err):
			if dir.create {
				if mkErr := os.MkdirAll(dir.path, 0750); mkErr != nil {
					d.addResult(name, StatusError, fmt.Sprintf("Cannot create directory: %s", mkErr), nil)
				} else {
					d.addResult(name, StatusOK, "Directory created", nil)
				}
			} else if dir.required {
				d.addResult(name, StatusError, "Required directory missing", nil)
			} else {
				d.addResult(name, StatusWarning, "Directory missing", nil)
			}
		case err != nil:
			d.addResult(name, StatusError, fmt.Sprintf("Cannot stat directory: %s", err), nil)
		case !info.IsDir():
			d.addResult(name, StatusError, "Path exists but is not a directory", nil)
		default:
			d.addResult(name, StatusOK, "Directory exists", nil)
		}
	}
}

func (d *Diagnostics) checkConfiguration() {
	configPath := os.Getenv("WARDEN_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	if fileExists(configPath) {
		d.addResult("config_file", StatusOK, "Config file found", map[string]string{"path": configPath})
	} else {
		d.addResult("config_file", StatusWarning, "Config file not found, using defaults", map[string]string{"path": configPath})
	}

	if err := d.cfg.Validate(); err != nil {
		d.addResult("config_validation", StatusError, fmt.Sprintf("Configuration validation failed: %s", err), nil)
	} else {
		d.addResult("config_validation", StatusOK, "Configuration is valid", nil)
	}
}

type portCheck struct {
	name    string
	network string
	addr    string
}

func (d *Diagnostics) checkPorts() {
	checks := []portCheck{
		{"http_api", "tcp", fmt.Sprintf(":%d", d.cfg.Server.HTTPPort)},
	}
	if d.cfg.Ingest.Relay.TCP.Enabled {
		checks = append(checks, portCheck{"relay_tcp", "tcp", d.cfg.Ingest.Relay.TCP.Address})
	}
	if d.cfg.Ingest.Relay.DTLS.Enabled {
		checks = append(checks, portCheck{"relay_dtls", "udp", d.cfg.Ingest.Relay.DTLS.Address})
	}

	for _, pc := range checks {
		name := "port_" + pc.name
		details := map[string]string{"address": pc.addr, "network": pc.network}

		if pc.network == "udp" {
			conn, err := net.ListenPacket("udp", pc.addr)
			if err != nil {
				d.addResult(name, StatusWarning, fmt.Sprintf("Cannot bind port (may be in use): %s", err), details)
				continue
			}
			conn.Close()
		} else {
			ln, err := net.Listen("tcp", pc.addr)
			if err != nil {
				d.addResult(name, StatusWarning, fmt.Sprintf("Cannot bind port (may be in use): %s", err), details)
				continue
			}
			ln.Close()
		}
		d.addResult(name, StatusOK, "Port is available", details)
	}
}

func (d *Diagnostics) checkSecurityConfiguration() {
	if d.cfg.Auth.Enabled {
		d.addResult("auth", StatusOK, "API key authentication enabled", map[string]string{
			"keys": strconv.Itoa(len(d.cfg.Auth.Keys)),
		})
	} else {
		d.addResult("auth", StatusWarning, "Authentication is DISABLED - enable for production", nil)
	}

	if d.cfg.Ingest.Relay.TCP.Enabled {
		tcp := d.cfg.Ingest.Relay.TCP
		switch {
		case !tcp.TLSEnabled:
			d.addResult("relay_tcp_tls", StatusWarning, "Relay TCP accepts plaintext - enable TLS for production", nil)
		case !fileExists(tcp.TLSCertFile) || !fileExists(tcp.TLSKeyFile):
			d.addResult("relay_tcp_tls", StatusError, "TLS enabled but certificate files missing", map[string]string{
				"cert": tcp.TLSCertFile,
				"key":  tcp.TLSKeyFile,
			})
		default:
			d.addResult("relay_tcp_tls", StatusOK, "Relay TCP TLS configured", nil)
		}
	}

	if d.cfg.Ingest.Relay.DTLS.Enabled {
		dtls := d.cfg.Ingest.Relay.DTLS
		if !fileExists(dtls.CertFile) || !fileExists(dtls.KeyFile) {
			d.addResult("relay_dtls_certs", StatusError, "DTLS enabled but certificate files missing", map[string]string{
				"cert": dtls.CertFile,
				"key":  dtls.KeyFile,
			})
		} else {
			d.addResult("relay_dtls_certs", StatusOK, "Relay DTLS certificates configured", nil)
		}
	}

	if d.cfg.RateLimit.Enabled {
		d.addResult("rate_limiting", StatusOK, "Rate limiting enabled", map[string]string{
			"requests_per_ip": strconv.Itoa(d.cfg.RateLimit.RequestsPerIP),
			"window":          d.cfg.RateLimit.WindowSize.String(),
		})
	} else {
		d.addResult("rate_limiting", StatusWarning, "Rate limiting is DISABLED - enable for production", nil)
	}

	wildcard := false
	for _, origin := range d.cfg.CORS.AllowedOrigins {
		if origin == "*" {
			wildcard = true
			break
		}
	}
	switch {
	case d.cfg.CORS.Enabled && wildcard:
		d.addResult("cors", StatusWarning, "CORS allows any origin - restrict for production", nil)
	case d.cfg.CORS.Enabled:
		d.addResult("cors", StatusOK, "CORS origin allowlist configured", map[string]string{
			"origins": strconv.Itoa(len(d.cfg.CORS.AllowedOrigins)),
		})
	default:
		d.addResult("cors", StatusOK, "CORS disabled", nil)
	}

	if d.cfg.Validation.StrictMode {
		d.addResult("strict_validation", StatusOK, "Strict validation enabled", nil)
	} else {
		d.addResult("strict_validation", StatusWarning, "Strict validation is DISABLED - invalid events are dropped from batches instead of failing them", nil)
	}

	if d.cfg.Remediation.Notifications.RedactContent {
		d.addResult("notification_redaction", StatusOK, "Outbound notifications redact scam content", nil)
	} else {
		d.addResult("notification_redaction", StatusWarning, "Notification redaction is DISABLED - scam content goes to webhooks verbatim", nil)
	}
}

func (d *Diagnostics) checkModules() {
	modules := []struct {
		name    string
		enabled bool
	}{
		{"http_api", true},
		{"relay_tcp", d.cfg.Ingest.Relay.TCP.Enabled},
		{"relay_dtls", d.cfg.Ingest.Relay.DTLS.Enabled},
		{"platform_ingester", d.cfg.Platform.Enabled},
		{"kafka_bus", d.cfg.Kafka.Enabled},
		{"clickhouse_storage", d.cfg.Storage.Enabled},
		{"s3_archive", d.cfg.Storage.Archive.Enabled},
		{"retention", d.cfg.Storage.Retention.Enabled},
		{"suspension_registry", d.cfg.Suspension.Enabled},
		{"domain_intel", d.cfg.Intel.Enabled},
	}

	enabled := 0
	for _, m := range modules {
		name := "module_" + m.name
		if m.enabled {
			d.addResult(name, StatusOK, "Enabled", nil)
			enabled++
		} else {
			d.addResult(name, StatusSkipped, "Disabled", nil)
		}
	}

	d.logger.Info("modules summary", "enabled", enabled, "total", len(modules))
}

// checkBackends probes the TCP reachability of every enabled backing
// service. A failed probe is an error: the gateway would start but the
// corresponding pipeline stage would stall immediately.
func (d *Diagnostics) checkBackends(ctx context.Context) {
	if d.cfg.Storage.Enabled {
		host := "localhost:9000"
		if len(d.cfg.Storage.ClickHouse.Hosts) > 0 {
			host = d.cfg.Storage.ClickHouse.Hosts[0]
		}
		d.probeBackend(ctx, "clickhouse", "ClickHouse", host, d.cfg.Storage.ClickHouse.DialTimeout)
	} else {
		d.addResult("storage", StatusWarning, "Storage is DISABLED - verdicts and cases are held in memory only", map[string]string{
			"mode": "memory",
		})
	}

	if d.cfg.Suspension.Enabled {
		d.probeBackend(ctx, "redis", "Redis", d.cfg.Suspension.RedisAddr, 0)
	}

	if d.cfg.Kafka.Enabled {
		broker := "localhost:9092"
		if len(d.cfg.Kafka.Brokers) > 0 {
			broker = d.cfg.Kafka.Brokers[0]
		}
		d.probeBackend(ctx, "kafka", "Kafka", broker, 0)
	}
}

func (d *Diagnostics) probeBackend(ctx context.Context, name, label, addr string, timeout time.Duration) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		d.addResult(name+"_connectivity", StatusError, fmt.Sprintf("Cannot connect to %s: %s", label, err), map[string]string{
			"address": addr,
		})
		return
	}
	conn.Close()

	d.addResult(name+"_connectivity", StatusOK, fmt.Sprintf("%s is reachable", label), map[string]string{
		"address": addr,
	})
}

func (d *Diagnostics) printSummary() {
	var passed, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			passed++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	attrs := []any{"passed", passed, "warnings", warnings, "errors", errors, "skipped", skipped}
	switch {
	case errors > 0:
		d.logger.Error("startup diagnostics found critical errors", attrs...)
	case warnings > 0:
		d.logger.Warn("startup diagnostics found warnings - review for production readiness", attrs...)
	default:
		d.logger.Info("all startup diagnostics passed", attrs...)
	}
}

// HasErrors reports whether any check failed.
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings reports whether any check raised a warning.
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// EnsureDirectories creates the working directories the gateway expects.
func EnsureDirectories() error {
	dirs := []string{"data", "logs", "certs", "configs", "configs/policies"}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// PrintBanner writes the startup banner to stdout.
func PrintBanner(version string) {
	banner := `
 ____    ____     _     __  __ __        __    _     ____   ____   _____  _   _
/ ___|  / ___|   / \   |  \/  |\ \      / /   / \   |  _ \ |  _ \ | ____|| \ | |
\___ \ | |      / _ \  | |\/| | \ \ /\ / /   / _ \  | |_) || | | ||  _|  |  \| |
 ___) || |___  / ___ \ | |  | |  \ V  V /   / ___ \ |  _ < | |_| || |___ | |\  |
|____/  \____|/_/   \_\|_|  |_|   \_/\_/   /_/   \_\|_| \_\|____/ |_____||_| \_|
`
	fmt.Print(banner)
	fmt.Println()
	fmt.Println("  scamwarden - scam campaign detection for chat platforms")
	fmt.Printf("  Version: %s\n\n", version)
}
