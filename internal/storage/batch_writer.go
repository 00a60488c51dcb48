package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/schema"
)

// insertTimeout bounds a single batch insert.
const insertTimeout = 30 * time.Second

// BatchWriterConfig holds batching behavior for the audit writers.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries" json:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay" json:"retry_delay"`
}

// DefaultBatchWriterConfig returns a config with sensible defaults.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     1000,
		FlushInterval: 5 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
	}
}

// BatchMetrics reports writer throughput.
type BatchMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Batches uint64 `json:"batches"`
	Pending uint64 `json:"pending"`
}

// batchWriter accumulates rows and flushes them when the buffer reaches
// BatchSize or the flush interval elapses, whichever comes first.
type batchWriter[T any] struct {
	client *ClickHouseClient
	config BatchWriterConfig
	table  string
	insert func(ctx context.Context, client *ClickHouseClient, rows []T) error

	mu         sync.Mutex
	buffer     []T
	flushTimer *time.Timer
	closed     bool

	written uint64
	failed  uint64
	dropped uint64
	batches uint64
}

func newBatchWriter[T any](client *ClickHouseClient, config BatchWriterConfig, table string,
	insert func(ctx context.Context, client *ClickHouseClient, rows []T) error) *batchWriter[T] {
	if config.BatchSize <= 0 {
		config.BatchSize = 1000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	w := &batchWriter[T]{
		client: client,
		config: config,
		table:  table,
		insert: insert,
		buffer: make([]T, 0, config.BatchSize),
	}
	w.flushTimer = time.AfterFunc(config.FlushInterval, w.timerFlush)
	return w
}

func (w *batchWriter[T]) write(row T) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		atomic.AddUint64(&w.dropped, 1)
		return ErrClosed
	}

	w.buffer = append(w.buffer, row)
	if len(w.buffer) >= w.config.BatchSize {
		return w.flushLocked()
	}
	return nil
}

func (w *batchWriter[T]) timerFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	// Flush errors are recorded in the metrics; the timer keeps running.
	_ = w.flushLocked()
	w.flushTimer.Reset(w.config.FlushInterval)
}

// flushLocked sends the buffered rows, retrying with exponential backoff.
// The lock is held across retries: writers block instead of growing the
// buffer while the store is unhealthy.
func (w *batchWriter[T]) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}

	batch := w.buffer
	w.buffer = make([]T, 0, w.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(w.config.RetryDelay * time.Duration(1<<(attempt-1)))
		}

		ctx, cancel := context.WithTimeout(context.Background(), insertTimeout)
		err := w.insert(ctx, w.client, batch)
		cancel()

		if err == nil {
			atomic.AddUint64(&w.written, uint64(len(batch)))
			atomic.AddUint64(&w.batches, 1)
			return nil
		}
		lastErr = err
		atomic.AddUint64(&w.failed, 1)
	}

	atomic.AddUint64(&w.dropped, uint64(len(batch)))
	return NewStorageErrorWithRetries("flush", w.table, lastErr, w.config.MaxRetries)
}

func (w *batchWriter[T]) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.flushLocked()
}

func (w *batchWriter[T]) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.flushTimer.Stop()
	return w.flushLocked()
}

func (w *batchWriter[T]) metrics() BatchMetrics {
	w.mu.Lock()
	pending := uint64(len(w.buffer))
	w.mu.Unlock()

	return BatchMetrics{
		Written: atomic.LoadUint64(&w.written),
		Failed:  atomic.LoadUint64(&w.failed),
		Dropped: atomic.LoadUint64(&w.dropped),
		Batches: atomic.LoadUint64(&w.batches),
		Pending: pending,
	}
}

// EventWriter batches message events into the message_events table.
type EventWriter struct {
	w *batchWriter[*schema.MessageEvent]
}

// NewEventWriter creates an event writer on the given client.
func NewEventWriter(client *ClickHouseClient, config BatchWriterConfig) *EventWriter {
	return &EventWriter{
		w: newBatchWriter(client, config, "message_events", insertEvents),
	}
}

// Write buffers one event for insertion.
func (e *EventWriter) Write(event *schema.MessageEvent) error {
	if event == nil {
		return NewStorageError("write", "message_events", ErrInvalidData)
	}
	return e.w.write(event)
}

// Flush forces a flush of the buffered events.
func (e *EventWriter) Flush() error {
	return e.w.flush()
}

// Close flushes remaining events and stops the writer.
func (e *EventWriter) Close() error {
	return e.w.close()
}

// Metrics returns writer throughput counters.
func (e *EventWriter) Metrics() BatchMetrics {
	return e.w.metrics()
}

func insertEvents(ctx context.Context, client *ClickHouseClient, events []*schema.MessageEvent) error {
	batch, err := client.PrepareBatch(ctx, `INSERT INTO message_events (
		event_id, message_id, channel_id, guild_id, user_id, user_name, bot,
		content, attachment_hashes, attachment_types, transport,
		schema_version, observed_at, received_at)`)
	if err != nil {
		return err
	}

	for _, event := range events {
		hashes := make([]string, 0, len(event.Attachments))
		types := make([]string, 0, len(event.Attachments))
		for _, a := range event.Attachments {
			hashes = append(hashes, a.Hash)
			types = append(types, a.ContentType)
		}

		if err := batch.Append(
			event.EventID,
			event.MessageID,
			event.ChannelID,
			event.GuildID,
			event.Author.ID,
			event.Author.Name,
			event.Author.Bot,
			event.Content,
			hashes,
			types,
			string(event.Transport),
			event.SchemaVersion,
			event.ObservedAt,
			event.ReceivedAt,
		); err != nil {
			return NewStorageError("append", "message_events", err)
		}
	}

	if err := batch.Send(); err != nil {
		return NewStorageError("send", "message_events", fmt.Errorf("%w: %v", ErrBatchInsertFailed, err))
	}
	return nil
}

// VerdictWriter batches verdicts into the verdicts table.
type VerdictWriter struct {
	w *batchWriter[*detection.Verdict]
}

// NewVerdictWriter creates a verdict writer on the given client.
func NewVerdictWriter(client *ClickHouseClient, config BatchWriterConfig) *VerdictWriter {
	return &VerdictWriter{
		w: newBatchWriter(client, config, "verdicts", insertVerdicts),
	}
}

// WriteVerdict buffers one verdict for insertion.
func (v *VerdictWriter) WriteVerdict(verdict *detection.Verdict) error {
	if verdict == nil {
		return NewStorageError("write", "verdicts", ErrInvalidData)
	}
	return v.w.write(verdict)
}

// Flush forces a flush of the buffered verdicts.
func (v *VerdictWriter) Flush() error {
	return v.w.flush()
}

// Close flushes remaining verdicts and stops the writer.
func (v *VerdictWriter) Close() error {
	return v.w.close()
}

// Metrics returns writer throughput counters.
func (v *VerdictWriter) Metrics() BatchMetrics {
	return v.w.metrics()
}

func insertVerdicts(ctx context.Context, client *ClickHouseClient, verdicts []*detection.Verdict) error {
	batch, err := client.PrepareBatch(ctx, `INSERT INTO verdicts (
		id, user_id, guild_id, basis, content, fingerprint, severity,
		message_ids, channel_ids, message_observed_ats, message_count,
		suspend_duration_s, detected_at)`)
	if err != nil {
		return err
	}

	for _, verdict := range verdicts {
		observedAts := make([]time.Time, len(verdict.Messages))
		for i, m := range verdict.Messages {
			observedAts[i] = m.ObservedAt
		}

		if err := batch.Append(
			verdict.ID,
			verdict.UserID,
			verdict.GuildID,
			string(verdict.Basis),
			verdict.Content,
			verdict.Fingerprint,
			string(verdict.Severity),
			verdict.MessageIDs(),
			verdict.ChannelIDs(),
			observedAts,
			uint8(len(verdict.Messages)),
			uint32(verdict.SuspendDuration/time.Second),
			verdict.DetectedAt,
		); err != nil {
			return NewStorageError("append", "verdicts", err)
		}
	}

	if err := batch.Send(); err != nil {
		return NewStorageError("send", "verdicts", fmt.Errorf("%w: %v", ErrBatchInsertFailed, err))
	}
	return nil
}
