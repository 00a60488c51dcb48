// Package consumer drains the ingest queue through the detection engine and
// fans verdicts out to remediation and storage.
package consumer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/detection"
	"scamwarden/internal/queue"
	"scamwarden/internal/schema"
)

// Config holds the consumer configuration.
type Config struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		ShutdownWait: 30 * time.Second,
	}
}

// VerdictHandler consumes campaign verdicts. The remediation manager
// implements this.
type VerdictHandler interface {
	HandleVerdict(ctx context.Context, verdict *detection.Verdict) error
}

// EventWriter persists accepted message events.
type EventWriter interface {
	Write(event *schema.MessageEvent) error
	Flush() error
}

// VerdictWriter persists verdicts.
type VerdictWriter interface {
	WriteVerdict(verdict *detection.Verdict) error
	Flush() error
}

// Enricher can adjust a verdict before fan-out. The link-intel matcher
// implements this to raise severity on known scam domains.
type Enricher interface {
	Enrich(verdict *detection.Verdict)
}

// Consumer reads events from the queue, runs them through the detection
// engine, and routes the results.
type Consumer struct {
	queue    *queue.RingBuffer
	engine   *detection.Engine
	config   Config
	verdicts VerdictHandler
	events   EventWriter
	vwriter  VerdictWriter
	enricher Enricher

	wg   sync.WaitGroup
	done chan struct{}

	// Metrics
	consumed     uint64
	verdictCount uint64
	errors       uint64
}

// New creates a new Consumer.
func New(q *queue.RingBuffer, engine *detection.Engine, cfg Config) *Consumer {
	return &Consumer{
		queue:  q,
		engine: engine,
		config: cfg,
		done:   make(chan struct{}),
	}
}

// WithVerdictHandler routes verdicts to the given handler.
func (c *Consumer) WithVerdictHandler(h VerdictHandler) *Consumer {
	c.verdicts = h
	return c
}

// WithEventWriter persists every consumed event through the given writer.
func (c *Consumer) WithEventWriter(w EventWriter) *Consumer {
	c.events = w
	return c
}

// WithVerdictWriter persists every verdict through the given writer.
func (c *Consumer) WithVerdictWriter(w VerdictWriter) *Consumer {
	c.vwriter = w
	return c
}

// WithEnricher runs verdicts through the given enricher before fan-out.
func (c *Consumer) WithEnricher(e Enricher) *Consumer {
	c.enricher = e
	return c
}

// Start starts the consumer workers.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	slog.Info("queue consumer started", "workers", c.config.Workers)
}

// worker is a single consumer worker goroutine.
func (c *Consumer) worker(ctx context.Context, id int) {
	defer c.wg.Done()

	slog.Debug("consumer worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("consumer worker stopping (context)", "worker_id", id)
			return
		case <-c.done:
			slog.Debug("consumer worker stopping (done)", "worker_id", id)
			return
		default:
			event, err := c.queue.PopWithTimeout(c.config.PollInterval)
			if err != nil {
				if err == queue.ErrQueueEmpty {
					continue
				}
				if err == queue.ErrQueueClosed {
					return
				}
				slog.Warn("unexpected queue error", "worker_id", id, "error", err)
				atomic.AddUint64(&c.errors, 1)
				continue
			}

			c.processEvent(ctx, id, event)
		}
	}
}

// processEvent runs one event through detection and routes the outcome.
func (c *Consumer) processEvent(ctx context.Context, workerID int, event *schema.MessageEvent) {
	verdict, err := c.engine.Handle(event)
	if err != nil {
		// Events were validated at ingest; a rejection here is unexpected.
		slog.Warn("engine rejected event",
			"worker_id", workerID,
			"event_id", event.EventID,
			"error", err,
		)
		atomic.AddUint64(&c.errors, 1)
		return
	}

	atomic.AddUint64(&c.consumed, 1)

	if c.events != nil {
		if err := c.events.Write(event); err != nil {
			slog.Error("failed to write event",
				"worker_id", workerID,
				"event_id", event.EventID,
				"error", err,
			)
			atomic.AddUint64(&c.errors, 1)
		}
	}

	if verdict == nil {
		return
	}

	atomic.AddUint64(&c.verdictCount, 1)

	if c.enricher != nil {
		c.enricher.Enrich(verdict)
	}

	if c.vwriter != nil {
		if err := c.vwriter.WriteVerdict(verdict); err != nil {
			slog.Error("failed to write verdict",
				"worker_id", workerID,
				"verdict_id", verdict.ID,
				"error", err,
			)
			atomic.AddUint64(&c.errors, 1)
		}
	}

	if c.verdicts != nil {
		if err := c.verdicts.HandleVerdict(ctx, verdict); err != nil {
			slog.Error("verdict handler failed",
				"worker_id", workerID,
				"verdict_id", verdict.ID,
				"user_id", verdict.UserID,
				"error", err,
			)
			atomic.AddUint64(&c.errors, 1)
		}
	}
}

// Stop stops the consumer gracefully.
func (c *Consumer) Stop() {
	close(c.done)

	// Wait for workers with timeout
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("queue consumer stopped gracefully")
	case <-time.After(c.config.ShutdownWait):
		slog.Warn("queue consumer shutdown timed out")
	}

	// Final flush
	if c.events != nil {
		if err := c.events.Flush(); err != nil {
			slog.Error("event writer flush failed", "error", err)
		}
	}
	if c.vwriter != nil {
		if err := c.vwriter.Flush(); err != nil {
			slog.Error("verdict writer flush failed", "error", err)
		}
	}
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() ConsumerMetrics {
	return ConsumerMetrics{
		Consumed: atomic.LoadUint64(&c.consumed),
		Verdicts: atomic.LoadUint64(&c.verdictCount),
		Errors:   atomic.LoadUint64(&c.errors),
	}
}

// ConsumerMetrics holds consumer statistics.
type ConsumerMetrics struct {
	Consumed uint64 `json:"consumed"`
	Verdicts uint64 `json:"verdicts"`
	Errors   uint64 `json:"errors"`
}
