package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"scamwarden/internal/schema"
)

// EventHandler processes a decoded message event. Return nil to commit
// the offset, or an error to leave it uncommitted for redelivery.
type EventHandler func(ctx context.Context, event *schema.MessageEvent) error

// Consumer reads chat message events from the events topic and hands them
// to the configured handler. Offsets are committed only after the handler
// accepts the event. Undecodable payloads are committed and skipped so a
// single bad record cannot wedge its partition.
type Consumer struct {
	reader  *kafka.Reader
	config  *Config
	logger  *slog.Logger
	handler EventHandler
	metrics *consumerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	malformed        atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewConsumer creates a consumer on the events topic.
func NewConsumer(config *Config, handler EventHandler, logger *slog.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	if handler == nil {
		return nil, errors.New("kafka: event handler is required")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           config.Brokers,
		GroupID:           config.ConsumerGroup,
		Topic:             config.EventsTopic,
		Dialer:            dialer,
		MinBytes:          config.ConsumerMinBytes,
		MaxBytes:          config.ConsumerMaxBytes,
		MaxWait:           config.ConsumerMaxWait,
		CommitInterval:    config.CommitInterval,
		StartOffset:       config.StartOffset,
		HeartbeatInterval: config.HeartbeatInterval,
		SessionTimeout:    config.SessionTimeout,
		RebalanceTimeout:  config.RebalanceTimeout,
		ReadBackoffMin:    100 * time.Millisecond,
		ReadBackoffMax:    time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	c := &Consumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		handler: handler,
		metrics: &consumerMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("kafka event consumer initialized",
		"brokers", config.Brokers,
		"topic", config.EventsTopic,
		"group", config.ConsumerGroup,
		"start_offset", config.StartOffset,
	)

	return c, nil
}

// Start begins consuming events. This is a blocking call.
// Use StartAsync for non-blocking consumption.
func (c *Consumer) Start() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.logger.Info("starting kafka event consumer",
		"topic", c.config.EventsTopic,
		"group", c.config.ConsumerGroup,
	)

	return c.consumeLoop()
}

// StartAsync begins consuming events in a goroutine.
// Returns immediately. Use Stop() to stop consumption.
func (c *Consumer) StartAsync() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka event consumer started async",
		"topic", c.config.EventsTopic,
		"group", c.config.ConsumerGroup,
	)

	return nil
}

// consumeLoop is the main consumption loop.
func (c *Consumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.metrics.errors.Add(1)
			c.metrics.lastError.Store(err)
			c.metrics.lastErrorTime.Store(time.Now())

			c.logger.Error("failed to fetch event",
				"error", err,
				"topic", c.config.EventsTopic,
			)

			// Back off on errors
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		var event schema.MessageEvent
		if err := json.Unmarshal(kafkaMsg.Value, &event); err != nil {
			c.metrics.malformed.Add(1)
			c.logger.Warn("dropping undecodable event",
				"partition", kafkaMsg.Partition,
				"offset", kafkaMsg.Offset,
				"error", err,
			)
			c.commit(kafkaMsg)
			continue
		}
		if event.MessageID == "" || event.ChannelID == "" || event.Author.ID == "" {
			c.metrics.malformed.Add(1)
			c.logger.Warn("dropping incomplete event",
				"partition", kafkaMsg.Partition,
				"offset", kafkaMsg.Offset,
			)
			c.commit(kafkaMsg)
			continue
		}
		event.Normalize(schema.TransportKafka)

		if err := c.processEvent(&event); err != nil {
			c.logger.Error("failed to process event",
				"error", err,
				"message_id", event.MessageID,
				"partition", kafkaMsg.Partition,
				"offset", kafkaMsg.Offset,
			)
			// Leave uncommitted for reprocessing
			continue
		}

		c.commit(kafkaMsg)

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(kafkaMsg.Value) + len(kafkaMsg.Key)))
		c.metrics.lastOffset.Store(kafkaMsg.Offset)
	}
}

// commit acknowledges a message's offset.
func (c *Consumer) commit(msg kafka.Message) {
	if err := c.reader.CommitMessages(c.ctx, msg); err != nil {
		c.logger.Error("failed to commit offset",
			"error", err,
			"offset", msg.Offset,
		)
	}
}

// processEvent calls the handler with a processing timeout.
func (c *Consumer) processEvent(event *schema.MessageEvent) error {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	if err := c.handler(ctx, event); err != nil {
		c.metrics.errors.Add(1)
		return err
	}

	return nil
}

// GetMetrics returns current consumer counters.
func (c *Consumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		Malformed:        c.metrics.malformed.Load(),
		Errors:           c.metrics.errors.Load(),
	}

	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stats returns internal reader statistics.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// HealthCheck verifies the consumer can reach the cluster.
func (c *Consumer) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LastCheck: time.Now(),
	}

	if c.closed.Load() {
		status.Error = "consumer is closed"
		return status
	}

	start := time.Now()
	count, err := checkBrokers(ctx, c.config)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = c.started.Load() && !c.closed.Load()
	status.BrokerCount = count

	return status
}

// Stop gracefully stops the consumer.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.logger.Info("stopping kafka event consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"malformed", c.metrics.malformed.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}

	return nil
}
