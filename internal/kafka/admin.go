package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/segmentio/kafka-go"
)

// Admin provisions the pipeline topics.
type Admin struct {
	config *Config
	logger *slog.Logger
}

// NewAdmin creates a Kafka admin client.
func NewAdmin(config *Config, logger *slog.Logger) (*Admin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Admin{
		config: config,
		logger: logger,
	}, nil
}

// TopicConfig defines configuration for topic creation.
type TopicConfig struct {
	Name              string
	Partitions        int
	ReplicationFactor int
	RetentionMs       int64
	MaxMessageBytes   int
}

// EnsureTopics creates the events and verdicts topics if they do not
// exist, using the shared partition and retention settings.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, name := range []string{a.config.EventsTopic, a.config.VerdictsTopic} {
		err := a.EnsureTopic(ctx, TopicConfig{
			Name:              name,
			Partitions:        a.config.Partitions,
			ReplicationFactor: a.config.ReplicationFactor,
			RetentionMs:       a.config.RetentionMs,
			MaxMessageBytes:   a.config.MaxMessageBytes,
		})
		if err != nil {
			return fmt.Errorf("kafka: failed to ensure topic %s: %w", name, err)
		}
	}
	return nil
}

// EnsureTopic creates a topic if it doesn't exist.
func (a *Admin) EnsureTopic(ctx context.Context, cfg TopicConfig) error {
	topics, err := a.ListTopics(ctx)
	if err != nil {
		return err
	}

	for _, t := range topics {
		if t == cfg.Name {
			a.logger.Debug("topic already exists", "topic", cfg.Name)
			return nil
		}
	}

	return a.CreateTopic(ctx, cfg)
}

// CreateTopic creates a new Kafka topic.
func (a *Admin) CreateTopic(ctx context.Context, cfg TopicConfig) error {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: failed to get controller: %w", err)
	}

	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: failed to connect to controller: %w", err)
	}
	defer controllerConn.Close()

	configEntries := []kafka.ConfigEntry{
		{ConfigName: "retention.ms", ConfigValue: fmt.Sprintf("%d", cfg.RetentionMs)},
	}
	if cfg.MaxMessageBytes > 0 {
		configEntries = append(configEntries, kafka.ConfigEntry{
			ConfigName:  "max.message.bytes",
			ConfigValue: fmt.Sprintf("%d", cfg.MaxMessageBytes),
		})
	}

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             cfg.Name,
		NumPartitions:     cfg.Partitions,
		ReplicationFactor: cfg.ReplicationFactor,
		ConfigEntries:     configEntries,
	})
	if err != nil {
		return fmt.Errorf("kafka: failed to create topic %s: %w", cfg.Name, err)
	}

	a.logger.Info("kafka topic created",
		"topic", cfg.Name,
		"partitions", cfg.Partitions,
		"replication_factor", cfg.ReplicationFactor,
	)

	return nil
}

// ListTopics returns all topics in the cluster.
func (a *Admin) ListTopics(ctx context.Context) ([]string, error) {
	dialer, err := a.config.GetDialer()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to create dialer: %w", err)
	}

	conn, err := dialer.DialContext(ctx, "tcp", a.config.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to connect to broker: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		return nil, fmt.Errorf("kafka: failed to read partitions: %w", err)
	}

	topicMap := make(map[string]bool)
	for _, p := range partitions {
		topicMap[p.Topic] = true
	}

	topics := make([]string, 0, len(topicMap))
	for topic := range topicMap {
		topics = append(topics, topic)
	}

	return topics, nil
}

// HealthCheck performs a health check on the Kafka cluster.
func (a *Admin) HealthCheck(ctx context.Context) HealthStatus {
	status := HealthStatus{
		LastCheck: time.Now(),
	}

	start := time.Now()
	count, err := checkBrokers(ctx, a.config)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	status.Latency = time.Since(start)
	status.Connected = true
	status.Healthy = count > 0
	status.BrokerCount = count

	return status
}
