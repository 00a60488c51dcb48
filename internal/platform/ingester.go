package platform

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"scamwarden/internal/queue"
)

// IngesterConfig controls the message feed polling loop.
type IngesterConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
	// Guilds restricts ingestion to these guild IDs. Empty allows all.
	Guilds []string `yaml:"guilds"`
	// Channels restricts ingestion to these channel IDs. Empty allows all.
	Channels []string `yaml:"channels"`
}

// DefaultIngesterConfig returns sensible ingester defaults.
func DefaultIngesterConfig() IngesterConfig {
	return IngesterConfig{
		PollInterval: 2 * time.Second,
		BatchSize:    200,
	}
}

// Ingester polls the platform message feed and pushes normalized events
// into the processing queue. It tracks a resume cursor so restarted polls
// continue where the previous one stopped.
type Ingester struct {
	client     *Client
	normalizer *Normalizer
	queue      *queue.RingBuffer
	config     IngesterConfig

	cursor  string
	running bool
	mu      sync.RWMutex
	stopCh  chan struct{}

	polled  uint64
	pushed  uint64
	skipped uint64
	errors  uint64
}

// NewIngester creates an ingester feeding the given queue.
func NewIngester(client *Client, normalizer *Normalizer, q *queue.RingBuffer, config IngesterConfig) *Ingester {
	if config.PollInterval <= 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}

	return &Ingester{
		client:     client,
		normalizer: normalizer,
		queue:      q,
		config:     config,
		stopCh:     make(chan struct{}),
	}
}

// Start runs the polling loop until the context is cancelled or Stop is
// called. It blocks; run it in a goroutine.
func (i *Ingester) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return nil
	}
	i.running = true
	i.mu.Unlock()

	slog.Info("starting platform ingester",
		"poll_interval", i.config.PollInterval,
		"batch_size", i.config.BatchSize,
		"guild_filter", len(i.config.Guilds),
		"channel_filter", len(i.config.Channels),
	)

	if err := i.client.Healthy(ctx); err != nil {
		slog.Warn("platform API health check failed", "error", err)
	} else {
		slog.Info("platform connection established")
	}

	timer := time.NewTimer(i.config.PollInterval)
	defer timer.Stop()

	failures := 0
	if err := i.poll(ctx); err != nil {
		failures++
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-i.stopCh:
			return nil
		case <-timer.C:
			if err := i.poll(ctx); err != nil {
				failures++
			} else {
				failures = 0
			}
			timer.Reset(i.pollDelay(failures))
		}
	}
}

// Stop terminates the polling loop.
func (i *Ingester) Stop() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		close(i.stopCh)
		i.running = false
	}
}

// pollDelay backs off exponentially on consecutive failures, capped at
// sixteen poll intervals.
func (i *Ingester) pollDelay(failures int) time.Duration {
	if failures <= 0 {
		return i.config.PollInterval
	}
	shift := failures
	if shift > 4 {
		shift = 4
	}
	return i.config.PollInterval * time.Duration(1<<shift)
}

// poll fetches one batch of messages, pushes the qualifying ones into the
// queue and advances the cursor.
func (i *Ingester) poll(ctx context.Context) error {
	i.mu.RLock()
	cursor := i.cursor
	i.mu.RUnlock()

	messages, next, err := i.client.FetchEvents(ctx, cursor, i.config.BatchSize)
	if err != nil {
		atomic.AddUint64(&i.errors, 1)
		slog.Error("failed to fetch platform messages", "cursor", cursor, "error", err)
		return err
	}

	atomic.AddUint64(&i.polled, uint64(len(messages)))

	for idx := range messages {
		msg := &messages[idx]

		if !i.allowed(msg) {
			atomic.AddUint64(&i.skipped, 1)
			continue
		}

		event, err := i.normalizer.Normalize(msg)
		if err != nil {
			atomic.AddUint64(&i.skipped, 1)
			if !errors.Is(err, ErrMessageFiltered) {
				slog.Warn("failed to normalize platform message",
					"message_id", msg.ID,
					"error", err,
				)
			}
			continue
		}

		if err := i.queue.Push(event); err != nil {
			atomic.AddUint64(&i.errors, 1)
			slog.Warn("failed to enqueue platform message",
				"message_id", msg.ID,
				"error", err,
			)
			continue
		}
		atomic.AddUint64(&i.pushed, 1)
	}

	if next != "" && next != cursor {
		i.mu.Lock()
		i.cursor = next
		i.mu.Unlock()
	}
	return nil
}

// allowed applies the guild and channel allowlists.
func (i *Ingester) allowed(msg *WireMessage) bool {
	if len(i.config.Guilds) > 0 && !containsString(i.config.Guilds, msg.GuildID) {
		return false
	}
	if len(i.config.Channels) > 0 && !containsString(i.config.Channels, msg.ChannelID) {
		return false
	}
	return true
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

// Cursor returns the current resume cursor.
func (i *Ingester) Cursor() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cursor
}

// SetCursor seeds the resume cursor, typically before Start when resuming
// from persisted state.
func (i *Ingester) SetCursor(cursor string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.cursor = cursor
}

// Stats returns ingester counters for monitoring.
func (i *Ingester) Stats() map[string]interface{} {
	i.mu.RLock()
	running := i.running
	cursor := i.cursor
	i.mu.RUnlock()

	return map[string]interface{}{
		"running": running,
		"cursor":  cursor,
		"polled":  atomic.LoadUint64(&i.polled),
		"pushed":  atomic.LoadUint64(&i.pushed),
		"skipped": atomic.LoadUint64(&i.skipped),
		"errors":  atomic.LoadUint64(&i.errors),
	}
}
