package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RetentionConfig caps how long each audit table keeps rows.
type RetentionConfig struct {
	MessageEventAge time.Duration `yaml:"message_event_age" json:"message_event_age"`
	VerdictAge      time.Duration `yaml:"verdict_age" json:"verdict_age"`
	QuarantineAge   time.Duration `yaml:"quarantine_age" json:"quarantine_age"`
	SweepInterval   time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// DefaultRetentionConfig returns a config with sensible defaults. Cases are
// not covered; they are kept indefinitely as the audit record.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		MessageEventAge: 30 * 24 * time.Hour,
		VerdictAge:      365 * 24 * time.Hour,
		QuarantineAge:   7 * 24 * time.Hour,
		SweepInterval:   time.Hour,
	}
}

// retentionTable binds a table to its time column and configured age.
type retentionTable struct {
	name   string
	column string
	age    time.Duration
}

// Retention enforces per-table retention windows. Table TTLs handle
// row-level expiry on merges; the periodic sweep drops whole partitions
// that have aged out entirely, which also covers cold partitions that
// merges never touch.
type Retention struct {
	client *ClickHouseClient
	config *RetentionConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRetention creates a retention enforcer.
func NewRetention(client *ClickHouseClient, config *RetentionConfig, logger *slog.Logger) *Retention {
	if config == nil {
		config = DefaultRetentionConfig()
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retention{
		client: client,
		config: config,
		logger: logger,
	}
}

func (r *Retention) tables() []retentionTable {
	return []retentionTable{
		{name: "message_events", column: "observed_at", age: r.config.MessageEventAge},
		{name: "verdicts", column: "detected_at", age: r.config.VerdictAge},
		{name: "messages_quarantine", column: "quarantined_at", age: r.config.QuarantineAge},
	}
}

// ApplyTTLs sets the table TTLs from the configured retention ages. TTL
// failures are logged and skipped so a schema mismatch does not block
// startup.
func (r *Retention) ApplyTTLs(ctx context.Context) {
	for _, t := range r.tables() {
		if t.age <= 0 {
			continue
		}

		days := int(t.age.Hours() / 24)
		if days < 1 {
			days = 1
		}

		query := fmt.Sprintf(
			"ALTER TABLE %s MODIFY TTL toDateTime(%s) + INTERVAL %d DAY DELETE",
			sanitizeIdentifier(t.name), sanitizeIdentifier(t.column), days)
		if err := r.client.Exec(ctx, query); err != nil {
			r.logger.Warn("failed to apply retention ttl",
				"table", t.name,
				"days", days,
				"error", err)
			continue
		}

		r.logger.Info("retention ttl applied", "table", t.name, "days", days)
	}
}

// Start runs the periodic sweep until Stop is called or the context is
// canceled. It blocks; run it in a goroutine.
func (r *Retention) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stopCh := r.stopCh
	r.mu.Unlock()

	r.logger.Info("retention sweeper started",
		"sweep_interval", r.config.SweepInterval)

	r.ApplyTTLs(ctx)
	if err := r.Sweep(ctx); err != nil {
		r.logger.Warn("retention sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stopCh:
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				r.logger.Warn("retention sweep failed", "error", err)
			}
		}
	}
}

// Stop halts the periodic sweep.
func (r *Retention) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		close(r.stopCh)
		r.running = false
	}
}

// Sweep drops partitions whose entire month lies beyond the retention
// window. Rows in the current boundary partition are left for TTL expiry.
func (r *Retention) Sweep(ctx context.Context) error {
	for _, t := range r.tables() {
		if t.age <= 0 {
			continue
		}

		cutoffMonth := time.Now().UTC().Add(-t.age).Format("200601")

		partitions, err := r.GetPartitions(ctx, t.name)
		if err != nil {
			return fmt.Errorf("list partitions for %s: %w", t.name, err)
		}

		for _, p := range expiredPartitions(partitions, cutoffMonth) {
			if err := r.DropPartition(ctx, t.name, p.Partition); err != nil {
				return fmt.Errorf("drop partition %s of %s: %w", p.Partition, t.name, err)
			}
			r.logger.Info("dropped expired partition",
				"table", t.name,
				"partition", p.Partition,
				"rows", p.Rows)
		}
	}
	return nil
}

// expiredPartitions selects the monthly partitions that lie wholly before
// the cutoff month. The boundary month itself is kept: it still holds rows
// inside the window.
func expiredPartitions(partitions []PartitionInfo, cutoffMonth string) []PartitionInfo {
	var expired []PartitionInfo
	for _, p := range partitions {
		if len(p.Partition) != 6 || p.Partition >= cutoffMonth {
			continue
		}
		expired = append(expired, p)
	}
	return expired
}

// PartitionInfo describes one active partition of a table.
type PartitionInfo struct {
	Partition string
	Rows      uint64
	Bytes     uint64
}

// GetPartitions returns the active partitions of a table.
func (r *Retention) GetPartitions(ctx context.Context, table string) ([]PartitionInfo, error) {
	rows, err := r.client.Query(ctx, `
		SELECT partition, sum(rows) AS rows, sum(bytes_on_disk) AS bytes
		FROM system.parts
		WHERE database = ? AND table = ? AND active
		GROUP BY partition
		ORDER BY partition`,
		r.client.Database(), table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var partitions []PartitionInfo
	for rows.Next() {
		var p PartitionInfo
		if err := rows.Scan(&p.Partition, &p.Rows, &p.Bytes); err != nil {
			return nil, WrapQueryError("scan_partition", err)
		}
		partitions = append(partitions, p)
	}
	return partitions, rows.Err()
}

// DropPartition drops one partition of a table.
func (r *Retention) DropPartition(ctx context.Context, table, partition string) error {
	query := fmt.Sprintf("ALTER TABLE %s DROP PARTITION '%s'",
		sanitizeIdentifier(table), sanitizeIdentifier(partition))
	if err := r.client.Exec(ctx, query); err != nil {
		return NewStorageError("drop_partition", table, err)
	}
	return nil
}

// sanitizeIdentifier strips everything but alphanumerics and underscores.
// Table and partition names are interpolated into DDL and must never carry
// quoting characters.
func sanitizeIdentifier(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			out = append(out, r)
		}
	}
	return string(out)
}
