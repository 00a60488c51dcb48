package s3

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/remediation"
)

// ErrSinkClosed is returned when writing to a closed sink.
var ErrSinkClosed = errors.New("s3: archive sink is closed")

// archiveTimeout bounds a single archive run triggered by the sink.
const archiveTimeout = 5 * time.Minute

// SinkConfig holds archive sink settings.
type SinkConfig struct {
	// BatchSize triggers an archive run when the buffer reaches it.
	BatchSize int `yaml:"batch_size" json:"batch_size"`

	// FlushInterval archives a partial buffer after this long.
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// DefaultSinkConfig returns a SinkConfig with sensible defaults.
func DefaultSinkConfig() SinkConfig {
	return SinkConfig{
		BatchSize:     5000,
		FlushInterval: 15 * time.Minute,
	}
}

// SinkMetrics is a snapshot of sink counters.
type SinkMetrics struct {
	Buffered uint64 `json:"buffered"`
	Archived uint64 `json:"archived"`
	Dropped  uint64 `json:"dropped"`
	Pending  int    `json:"pending"`
}

// archiveFunc is the archiver call the sink flushes through.
type archiveFunc func(ctx context.Context, dataType string, records []ArchiveRecord) (*ArchiveManifest, error)

// sink buffers archive records and hands them to the archiver when the
// buffer fills or the flush interval elapses. A failed archive run drops
// the batch; the warm store still holds those rows until retention.
type sink struct {
	archive  archiveFunc
	dataType string
	config   SinkConfig
	logger   *slog.Logger

	mu         sync.Mutex
	buffer     []ArchiveRecord
	flushTimer *time.Timer
	closed     bool

	buffered uint64
	archived uint64
	dropped  uint64
}

func newSink(archive archiveFunc, dataType string, config SinkConfig, logger *slog.Logger) *sink {
	if config.BatchSize <= 0 {
		config.BatchSize = 5000
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &sink{
		archive:  archive,
		dataType: dataType,
		config:   config,
		logger:   logger,
		buffer:   make([]ArchiveRecord, 0, config.BatchSize),
	}
	s.flushTimer = time.AfterFunc(config.FlushInterval, s.timerFlush)
	return s
}

func (s *sink) add(record ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		atomic.AddUint64(&s.dropped, 1)
		return ErrSinkClosed
	}

	s.buffer = append(s.buffer, record)
	atomic.AddUint64(&s.buffered, 1)

	if len(s.buffer) >= s.config.BatchSize {
		return s.flushLocked()
	}
	return nil
}

// timerFlush archives a partial buffer on the interval. Errors are
// recorded in the metrics; the timer keeps running.
func (s *sink) timerFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	_ = s.flushLocked()
	s.flushTimer.Reset(s.config.FlushInterval)
}

// flushLocked archives the buffered records. The caller holds the lock.
func (s *sink) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	batch := s.buffer
	s.buffer = make([]ArchiveRecord, 0, s.config.BatchSize)

	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()

	if _, err := s.archive(ctx, s.dataType, batch); err != nil {
		atomic.AddUint64(&s.dropped, uint64(len(batch)))
		s.logger.Warn("archive run failed, dropping batch",
			"data_type", s.dataType,
			"records", len(batch),
			"error", err,
		)
		return err
	}

	atomic.AddUint64(&s.archived, uint64(len(batch)))
	return nil
}

func (s *sink) flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSinkClosed
	}
	return s.flushLocked()
}

// close archives the remaining buffer and stops the timer. It is safe
// to call more than once.
func (s *sink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.flushTimer.Stop()
	return s.flushLocked()
}

func (s *sink) metrics() SinkMetrics {
	s.mu.Lock()
	pending := len(s.buffer)
	s.mu.Unlock()

	return SinkMetrics{
		Buffered: atomic.LoadUint64(&s.buffered),
		Archived: atomic.LoadUint64(&s.archived),
		Dropped:  atomic.LoadUint64(&s.dropped),
		Pending:  pending,
	}
}

// VerdictSink streams verdicts into the cold archive alongside the warm
// store. The gateway fans verdicts out to both.
type VerdictSink struct {
	s *sink
}

// NewVerdictSink creates a sink that archives verdicts.
func NewVerdictSink(archiver *Archiver, config SinkConfig, logger *slog.Logger) *VerdictSink {
	return &VerdictSink{s: newSink(archiver.Archive, DataTypeVerdicts, config, logger)}
}

// WriteVerdict buffers a verdict for archiving.
func (vs *VerdictSink) WriteVerdict(verdict *detection.Verdict) error {
	record, err := NewVerdictRecord(verdict)
	if err != nil {
		return err
	}
	return vs.s.add(record)
}

// Flush archives the buffered verdicts immediately.
func (vs *VerdictSink) Flush() error {
	return vs.s.flush()
}

// Close archives the remaining buffer and stops the sink.
func (vs *VerdictSink) Close() error {
	return vs.s.close()
}

// Metrics returns a snapshot of the sink counters.
func (vs *VerdictSink) Metrics() SinkMetrics {
	return vs.s.metrics()
}

// CaseSink streams remediation cases into the cold archive. Every case
// update is archived, so a restored archive replays the case history.
type CaseSink struct {
	s *sink
}

// NewCaseSink creates a sink that archives cases.
func NewCaseSink(archiver *Archiver, config SinkConfig, logger *slog.Logger) *CaseSink {
	return &CaseSink{s: newSink(archiver.Archive, DataTypeCases, config, logger)}
}

// WriteCase buffers a case version for archiving.
func (cs *CaseSink) WriteCase(c *remediation.Case) error {
	record, err := NewCaseRecord(c)
	if err != nil {
		return err
	}
	return cs.s.add(record)
}

// Flush archives the buffered cases immediately.
func (cs *CaseSink) Flush() error {
	return cs.s.flush()
}

// Close archives the remaining buffer and stops the sink.
func (cs *CaseSink) Close() error {
	return cs.s.close()
}

// Metrics returns a snapshot of the sink counters.
func (cs *CaseSink) Metrics() SinkMetrics {
	return cs.s.metrics()
}
