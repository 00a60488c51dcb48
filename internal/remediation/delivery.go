package remediation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks a notification attempt through its lifecycle.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord is one case notification bound for one channel.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	CaseID      uuid.UUID      `json:"case_id"`
	ChannelName string         `json:"channel_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `json:"delivered_at,omitempty"`
}

// DeliveryConfig controls retry behaviour for notification delivery.
type DeliveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Timeout        time.Duration
}

// DefaultDeliveryConfig returns the default delivery settings.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Timeout:        10 * time.Second,
	}
}

// Dispatcher fans case notifications out to channels with retries and a
// dead-letter queue for exhausted deliveries.
type Dispatcher struct {
	config     DeliveryConfig
	channels   []NotificationChannel
	records    map[uuid.UUID]*DeliveryRecord
	deadLetter []*DeliveryRecord
	mu         sync.RWMutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher with the given config.
func NewDispatcher(config DeliveryConfig) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.BackoffFactor <= 1 {
		config.BackoffFactor = 2.0
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		config:  config,
		records: make(map[uuid.UUID]*DeliveryRecord),
		stopCh:  make(chan struct{}),
	}
}

// AddChannel registers a notification channel.
func (d *Dispatcher) AddChannel(ch NotificationChannel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
	slog.Info("notification channel registered", "channel", ch.Name())
}

// Dispatch sends a case to every registered channel. Each channel gets its
// own delivery record and retry loop; Dispatch itself does not block on I/O.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Case) {
	d.mu.RLock()
	channels := make([]NotificationChannel, len(d.channels))
	copy(channels, d.channels)
	d.mu.RUnlock()

	for _, ch := range channels {
		record := &DeliveryRecord{
			ID:          uuid.New(),
			CaseID:      c.ID,
			ChannelName: ch.Name(),
			Status:      DeliveryPending,
			CreatedAt:   time.Now().UTC(),
		}

		d.mu.Lock()
		d.records[record.ID] = record
		d.mu.Unlock()

		d.wg.Add(1)
		go d.deliverWithRetry(ctx, ch, c, record)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ch NotificationChannel, c *Case, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.config.InitialBackoff

	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		record.LastAttempt = time.Now().UTC()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		err := ch.Send(attemptCtx, c)
		cancel()

		if err == nil {
			now := time.Now().UTC()
			d.mu.Lock()
			record.Status = DeliverySent
			record.DeliveredAt = &now
			record.LastError = ""
			d.mu.Unlock()
			slog.Debug("notification delivered",
				"channel", ch.Name(), "case_id", c.ID, "attempts", attempt)
			return
		}

		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()
		slog.Warn("notification attempt failed",
			"channel", ch.Name(), "case_id", c.ID, "attempt", attempt, "error", err)

		if attempt == d.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			d.moveToDeadLetter(record, "context cancelled")
			return
		case <-d.stopCh:
			d.moveToDeadLetter(record, "dispatcher stopped")
			return
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
		if backoff > d.config.MaxBackoff {
			backoff = d.config.MaxBackoff
		}
	}

	d.moveToDeadLetter(record, record.LastError)
}

func (d *Dispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	record.Status = DeliveryDeadLetter
	if record.LastError == "" {
		record.LastError = reason
	}
	d.deadLetter = append(d.deadLetter, record)
	d.mu.Unlock()

	slog.Error("notification moved to dead letter",
		"channel", record.ChannelName, "case_id", record.CaseID,
		"attempts", record.Attempts, "reason", reason)
}

// DeadLetter returns a snapshot of the dead-letter queue.
func (d *Dispatcher) DeadLetter() []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]*DeliveryRecord, len(d.deadLetter))
	for i, r := range d.deadLetter {
		clone := *r
		out[i] = &clone
	}
	return out
}

// Retry removes a record from the dead-letter queue and re-delivers its
// case. The caller supplies the case; delivery records do not retain it.
func (d *Dispatcher) Retry(ctx context.Context, recordID uuid.UUID, c *Case) error {
	d.mu.Lock()
	var record *DeliveryRecord
	idx := -1
	for i, r := range d.deadLetter {
		if r.ID == recordID {
			record = r
			idx = i
			break
		}
	}
	if record == nil {
		d.mu.Unlock()
		return fmt.Errorf("delivery record %s not in dead letter queue", recordID)
	}
	d.deadLetter = append(d.deadLetter[:idx], d.deadLetter[idx+1:]...)

	var channel NotificationChannel
	for _, ch := range d.channels {
		if ch.Name() == record.ChannelName {
			channel = ch
			break
		}
	}
	if channel == nil {
		d.deadLetter = append(d.deadLetter, record)
		d.mu.Unlock()
		return fmt.Errorf("channel %s no longer registered", record.ChannelName)
	}

	record.Status = DeliveryPending
	record.Attempts = 0
	record.LastError = ""
	d.mu.Unlock()

	d.wg.Add(1)
	go d.deliverWithRetry(ctx, channel, c, record)
	return nil
}

// Records returns a snapshot of delivery records for a case.
func (d *Dispatcher) Records(caseID uuid.UUID) []*DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []*DeliveryRecord
	for _, r := range d.records {
		if r.CaseID == caseID {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out
}

// Stats returns delivery counters.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	byStatus := make(map[DeliveryStatus]int)
	byChannel := make(map[string]int)
	for _, r := range d.records {
		byStatus[r.Status]++
		byChannel[r.ChannelName]++
	}

	return map[string]interface{}{
		"total_deliveries":  len(d.records),
		"dead_letter_count": len(d.deadLetter),
		"by_status":         byStatus,
		"by_channel":        byChannel,
	}
}

// Cleanup drops sent records older than the cutoff and returns the count.
func (d *Dispatcher) Cleanup(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	d.mu.Lock()
	defer d.mu.Unlock()

	removed := 0
	for id, r := range d.records {
		if r.Status == DeliverySent && r.CreatedAt.Before(cutoff) {
			delete(d.records, id)
			removed++
		}
	}
	return removed
}

// Stop signals in-flight retry loops to give up and waits for them.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}
