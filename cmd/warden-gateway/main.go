// Command warden-gateway runs the scamwarden detection gateway: it ingests
// chat message events over HTTP, TCP, DTLS, Kafka and the platform poller,
// feeds them through the campaign detection engine, and remediates verdicts.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"scamwarden/internal/api"
	"scamwarden/internal/api/auth"
	"scamwarden/internal/config"
	"scamwarden/internal/consumer"
	"scamwarden/internal/detection"
	werrors "scamwarden/internal/errors"
	"scamwarden/internal/ingest"
	"scamwarden/internal/intel"
	"scamwarden/internal/kafka"
	"scamwarden/internal/platform"
	"scamwarden/internal/queue"
	"scamwarden/internal/remediation"
	"scamwarden/internal/schema"
	"scamwarden/internal/startup"
	"scamwarden/internal/storage"
	"scamwarden/internal/storage/s3"
	"scamwarden/internal/suspension"
)

var version = "dev"

func main() {
	logger := newLogger("info", "json")
	slog.SetDefault(logger)

	startup.PrintBanner(version)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// Rebuild the logger with the configured level and format.
	logger = newLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	// Debug runs keep raw error detail; everything else sanitizes
	// errors before they reach API clients.
	werrors.SetProductionMode(!strings.EqualFold(cfg.Logging.Level, "debug"))

	logger.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"detection_threshold", cfg.Detection.Threshold,
		"storage_enabled", cfg.Storage.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"platform_enabled", cfg.Platform.Enabled,
	)

	if err := startup.EnsureDirectories(); err != nil {
		logger.Warn("failed to create runtime directories", "error", err)
	}

	// Pre-flight diagnostics. Warnings are logged and tolerated; errors
	// mean the gateway cannot do its job.
	diagnostics := startup.NewDiagnostics(cfg, logger)
	diagnostics.RunAll(context.Background())
	if diagnostics.HasErrors() {
		logger.Error("startup diagnostics found critical errors, aborting")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Core pipeline: validator, queue, detection engine
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:    cfg.Validation.MaxEventAge,
		MaxFuture: cfg.Validation.MaxFuture,
	})

	eventQueue := queue.NewRingBuffer(cfg.Queue.Size)

	policies := detection.NewPolicyHandler(cfg.Detection.PoliciesDir)
	if err := policies.LoadPolicies(); err != nil {
		logger.Warn("failed to load campaign policies",
			"dir", cfg.Detection.PoliciesDir,
			"error", err,
		)
	}

	engineCfg := engineConfigFrom(cfg, policies, logger)
	engine, err := detection.NewEngine(engineCfg)
	if err != nil {
		logger.Error("failed to create detection engine", "error", err)
		os.Exit(1)
	}
	engine.Start(ctx)

	// ClickHouse storage
	var (
		chClient      *storage.ClickHouseClient
		eventWriter   *storage.EventWriter
		verdictWriter *storage.VerdictWriter
		caseWriter    *storage.CaseWriter
		quarantine    *storage.Quarantine
		retention     *storage.Retention
	)
	if cfg.Storage.Enabled {
		chClient, err = storage.NewClickHouseClient(&storage.ClickHouseConfig{
			Hosts:           cfg.Storage.ClickHouse.Hosts,
			Database:        cfg.Storage.ClickHouse.Database,
			Username:        cfg.Storage.ClickHouse.Username,
			Password:        cfg.Storage.ClickHouse.Password,
			MaxOpenConns:    cfg.Storage.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Storage.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Storage.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Storage.ClickHouse.DialTimeout,
		})
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		if err := storage.NewMigrator(chClient, logger).Run(ctx); err != nil {
			logger.Error("failed to run storage migrations", "error", err)
			os.Exit(1)
		}

		writerCfg := storage.BatchWriterConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		}
		eventWriter = storage.NewEventWriter(chClient, writerCfg)
		verdictWriter = storage.NewVerdictWriter(chClient, writerCfg)
		caseWriter = storage.NewCaseWriter(chClient)
		quarantine = storage.NewQuarantine(chClient)

		if cfg.Storage.Retention.Enabled {
			retention = storage.NewRetention(chClient, &storage.RetentionConfig{
				MessageEventAge: cfg.Storage.Retention.MessageEventAge,
				VerdictAge:      cfg.Storage.Retention.VerdictAge,
				QuarantineAge:   cfg.Storage.Retention.QuarantineAge,
				SweepInterval:   cfg.Storage.Retention.SweepInterval,
			}, logger)
			retention.ApplyTTLs(ctx)
			if err := retention.Start(ctx); err != nil {
				logger.Warn("failed to start retention sweeper", "error", err)
			}
		}

		logger.Info("storage enabled",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
			"retention", cfg.Storage.Retention.Enabled,
		)
	}

	// S3 cold archive
	var (
		verdictSink *s3.VerdictSink
		caseSink    *s3.CaseSink
	)
	if cfg.Storage.Archive.Enabled {
		s3Client, err := s3.NewClient(ctx, &s3.Config{
			Region:          cfg.Storage.Archive.Region,
			Bucket:          cfg.Storage.Archive.Bucket,
			Prefix:          cfg.Storage.Archive.KeyPrefix,
			Endpoint:        cfg.Storage.Archive.Endpoint,
			AccessKeyID:     cfg.Storage.Archive.AccessKeyID,
			SecretAccessKey: cfg.Storage.Archive.SecretAccessKey,
			UsePathStyle:    cfg.Storage.Archive.UsePathStyle,
		}, logger)
		if err != nil {
			logger.Error("failed to create archive client", "error", err)
			os.Exit(1)
		}

		archiver := s3.NewArchiver(s3Client, nil, logger)
		sinkCfg := s3.SinkConfig{
			BatchSize:     cfg.Storage.Archive.BatchSize,
			FlushInterval: cfg.Storage.Archive.FlushInterval,
		}
		verdictSink = s3.NewVerdictSink(archiver, sinkCfg, logger)
		caseSink = s3.NewCaseSink(archiver, sinkCfg, logger)

		logger.Info("archive enabled",
			"bucket", cfg.Storage.Archive.Bucket,
			"region", cfg.Storage.Archive.Region,
		)
	}

	// Suspension registry (Redis)
	var (
		redisClient *suspension.GoRedisClient
		registry    *suspension.Registry
	)
	if cfg.Suspension.Enabled {
		redisClient, err = suspension.NewGoRedisClient(suspension.RedisConfig{
			Addr:     cfg.Suspension.RedisAddr,
			Password: cfg.Suspension.RedisPass,
			DB:       cfg.Suspension.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		registry = suspension.NewRegistry(redisClient, cfg.Suspension.KeyPrefix)
		logger.Info("suspension registry enabled", "addr", cfg.Suspension.RedisAddr)
	}

	// API authentication
	var authenticator *auth.Authenticator
	if cfg.Auth.Enabled {
		keys := make([]auth.Key, 0, len(cfg.Auth.Keys))
		for _, k := range cfg.Auth.Keys {
			keys = append(keys, auth.Key{ID: k.ID, Hash: k.Hash, Role: auth.Role(k.Role)})
		}

		var keyCache *auth.KeyCache
		if redisClient != nil {
			keyCache = auth.NewKeyCache(redisClient, "", cfg.Auth.CacheTTL)
		}

		authenticator, err = auth.New(auth.Config{
			Header:   cfg.Auth.APIKeyHeader,
			Keys:     keys,
			CacheTTL: cfg.Auth.CacheTTL,
		}, keyCache, logger)
		if err != nil {
			logger.Error("invalid authentication configuration", "error", err)
			os.Exit(1)
		}
		logger.Info("API authentication enabled", "keys", len(keys))
	}

	// Platform client and poll ingester
	var (
		platformClient *platform.Client
		ingester       *platform.Ingester
	)
	if cfg.Platform.Enabled {
		platformClient = platform.NewClient(platform.ClientConfig{
			BaseURL:      cfg.Platform.Client.BaseURL,
			BotToken:     cfg.Platform.Client.BotToken,
			Timeout:      cfg.Platform.Client.Timeout,
			MaxRetries:   cfg.Platform.Client.MaxRetries,
			RetryBackoff: cfg.Platform.Client.RetryBackoff,
		})

		normalizer := platform.NewNormalizer(platform.NormalizerConfig{
			IgnoreBots: cfg.Platform.Ingester.IgnoreBots,
			MaxSkew:    cfg.Validation.MaxFuture,
		})

		ingester = platform.NewIngester(platformClient, normalizer, eventQueue, platform.IngesterConfig{
			PollInterval: cfg.Platform.Ingester.PollInterval,
			BatchSize:    cfg.Platform.Ingester.BatchSize,
			Guilds:       cfg.Platform.Ingester.Guilds,
			Channels:     cfg.Platform.Ingester.Channels,
		})
		if err := ingester.Start(ctx); err != nil {
			logger.Error("failed to start platform ingester", "error", err)
			os.Exit(1)
		}
		logger.Info("platform ingester started",
			"base_url", cfg.Platform.Client.BaseURL,
			"poll_interval", cfg.Platform.Ingester.PollInterval,
		)
	}

	// Scam-domain intel
	var intelService *intel.Service
	if cfg.Intel.Enabled {
		intelService = intel.NewService(intel.Config{
			Domains:         cfg.Intel.Domains,
			DomainsFile:     cfg.Intel.DomainsFile,
			RefreshInterval: cfg.Intel.RefreshInterval,
		}, logger)
		if err := intelService.Start(ctx); err != nil {
			logger.Warn("failed to start intel service", "error", err)
		}
		logger.Info("domain intel enabled", "domains", intelService.Size())
	}

	// Remediation: case manager, notification dispatcher, escalation
	manager := remediation.NewManager(remediation.ManagerConfig{
		DeleteMessages:    cfg.Remediation.DeleteMessages,
		SuspendUsers:      cfg.Remediation.SuspendUsers,
		Announce:          cfg.Remediation.Announce,
		AnnounceChannelID: cfg.Platform.Announce.ChannelID,
		AnnounceTemplate:  cfg.Platform.Announce.Template,
		Cooldown:          cfg.Remediation.DedupWindow,
		MinNotifySeverity: detection.Severity(cfg.Remediation.Notifications.MinSeverity),
	})
	if platformClient != nil {
		manager.WithPlatform(platformClient)
	}
	if registry != nil {
		manager.WithSuspensions(registry)
	}
	if cw := caseWriterFor(caseWriter, caseSink); cw != nil {
		manager.WithCaseWriter(cw)
	}

	dispatcher := remediation.NewDispatcher(remediation.DeliveryConfig{
		MaxAttempts:    cfg.Remediation.Delivery.MaxAttempts,
		InitialBackoff: cfg.Remediation.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Remediation.Delivery.MaxBackoff,
		Timeout:        cfg.Remediation.Delivery.Timeout,
	})
	notifications := cfg.Remediation.Notifications
	if notifications.DiscordWebhookURL != "" {
		dispatcher.AddChannel(remediation.NewDiscordChannel(notifications.DiscordWebhookURL, "scamwarden", notifications.RedactContent))
	}
	if notifications.SlackWebhookURL != "" {
		dispatcher.AddChannel(remediation.NewSlackChannel(notifications.SlackWebhookURL, "", "scamwarden", notifications.RedactContent))
	}
	for i, url := range notifications.WebhookURLs {
		dispatcher.AddChannel(remediation.NewWebhookChannel(fmt.Sprintf("webhook-%d", i+1), url, nil, notifications.RedactContent))
	}
	dispatcher.AddChannel(remediation.NewLogChannel(logger))
	manager.WithDispatcher(dispatcher)

	if cfg.Remediation.Escalation.Enabled {
		manager.WithEscalator(remediation.NewEscalator(remediation.EscalationConfig{
			Window:      cfg.Remediation.Escalation.Window,
			Multipliers: cfg.Remediation.Escalation.Multipliers,
		}))
	}

	// Kafka event bus
	var (
		kafkaConsumer *kafka.Consumer
		kafkaProducer *kafka.Producer
	)
	if cfg.Kafka.Enabled {
		kafkaCfg := kafkaConfigFrom(cfg)

		if admin, err := kafka.NewAdmin(kafkaCfg, logger); err != nil {
			logger.Warn("failed to create kafka admin", "error", err)
		} else {
			ensureCtx, ensureCancel := context.WithTimeout(ctx, 30*time.Second)
			if err := admin.EnsureTopics(ensureCtx); err != nil {
				logger.Warn("failed to ensure kafka topics", "error", err)
			}
			ensureCancel()
		}

		// Invalid events are dropped so a poison message cannot wedge the
		// partition. A full queue stays uncommitted and is retried.
		kafkaHandler := func(ctx context.Context, event *schema.MessageEvent) error {
			if err := validator.Validate(event); err != nil {
				slog.Warn("dropping invalid kafka event",
					"message_id", event.MessageID,
					"error", err,
				)
				return nil
			}
			return eventQueue.Push(event)
		}

		kafkaConsumer, err = kafka.NewConsumer(kafkaCfg, kafkaHandler, logger)
		if err != nil {
			logger.Error("failed to create kafka consumer", "error", err)
			os.Exit(1)
		}
		if err := kafkaConsumer.StartAsync(); err != nil {
			logger.Error("failed to start kafka consumer", "error", err)
			os.Exit(1)
		}

		kafkaProducer, err = kafka.NewProducer(kafkaCfg, logger)
		if err != nil {
			logger.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}

		logger.Info("kafka bus enabled",
			"brokers", kafkaCfg.Brokers,
			"events_topic", kafkaCfg.EventsTopic,
			"verdicts_topic", kafkaCfg.VerdictsTopic,
		)
	}

	// Queue consumer: engine fan-in plus verdict fan-out
	var verdictHandler consumer.VerdictHandler = manager
	if kafkaProducer != nil {
		verdictHandler = &verdictFanout{manager: manager, producer: kafkaProducer}
	}

	detectConsumer := consumer.New(eventQueue, engine, consumer.Config{
		Workers:      cfg.Consumer.Workers,
		PollInterval: cfg.Consumer.PollInterval,
		ShutdownWait: cfg.Consumer.ShutdownWait,
	}).WithVerdictHandler(verdictHandler)
	if eventWriter != nil {
		detectConsumer.WithEventWriter(eventWriter)
	}
	if vw := verdictWriterFor(verdictWriter, verdictSink); vw != nil {
		detectConsumer.WithVerdictWriter(vw)
	}
	if intelService != nil {
		detectConsumer.WithEnricher(intelService)
	}
	detectConsumer.Start(ctx)

	// HTTP ingest handler and API router
	ingestHandler := ingest.NewHandler(validator, eventQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize).
		WithStrictMode(cfg.Validation.StrictMode)

	var qsink ingest.QuarantineSink
	if quarantine != nil {
		qsink = &quarantineSink{store: quarantine}
		ingestHandler.WithQuarantine(qsink)
	}

	if chClient != nil {
		ingestHandler.WithDependencyCheck("clickhouse", chClient.Ping)
	}
	if registry != nil {
		ingestHandler.WithDependencyCheck("redis", registry.Healthy)
	}
	if platformClient != nil {
		ingestHandler.WithDependencyCheck("platform", platformClient.Healthy)
	}
	if kafkaConsumer != nil {
		ingestHandler.WithDependencyCheck("kafka", func(ctx context.Context) error {
			status := kafkaConsumer.HealthCheck(ctx)
			if !status.Healthy {
				return fmt.Errorf("kafka consumer unhealthy: %s", status.Error)
			}
			return nil
		})
	}

	ingestHandler.WithStatsSource("detection", engine.Stats)
	ingestHandler.WithStatsSource("cases", manager.Stats)
	ingestHandler.WithStatsSource("delivery", dispatcher.Stats)
	if registry != nil {
		ingestHandler.WithStatsSource("suspensions", registry.Stats)
	}
	if intelService != nil {
		ingestHandler.WithStatsSource("intel", intelService.Stats)
	}
	if ingester != nil {
		ingestHandler.WithStatsSource("platform_ingester", ingester.Stats)
	}

	router := &api.Router{
		Ingest:   ingestHandler,
		Policies: policies,
		Cases:    remediation.NewHandler(manager),
		Auth:     authenticator,
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(router.Handler(), cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Relay listeners
	var tcpRelay *ingest.TCPServer
	if cfg.Ingest.Relay.TCP.Enabled {
		tcpRelay = ingest.NewTCPServer(ingest.TCPServerConfig{
			Address:        cfg.Ingest.Relay.TCP.Address,
			TLSEnabled:     cfg.Ingest.Relay.TCP.TLSEnabled,
			TLSCertFile:    cfg.Ingest.Relay.TCP.TLSCertFile,
			TLSKeyFile:     cfg.Ingest.Relay.TCP.TLSKeyFile,
			MaxConnections: cfg.Ingest.Relay.TCP.MaxConnections,
			IdleTimeout:    cfg.Ingest.Relay.TCP.IdleTimeout,
			MaxLineLength:  cfg.Ingest.Relay.TCP.MaxLineLength,
		}, validator, eventQueue)
		if qsink != nil {
			tcpRelay.WithQuarantine(qsink)
		}
		if err := tcpRelay.Start(ctx); err != nil {
			logger.Error("failed to start TCP relay", "error", err)
			os.Exit(1)
		}
	}

	var dtlsRelay *ingest.DTLSServer
	if cfg.Ingest.Relay.DTLS.Enabled {
		dtlsRelay, err = ingest.NewDTLSServer(ingest.DTLSServerConfig{
			Address:           cfg.Ingest.Relay.DTLS.Address,
			CertFile:          cfg.Ingest.Relay.DTLS.CertFile,
			KeyFile:           cfg.Ingest.Relay.DTLS.KeyFile,
			CAFile:            cfg.Ingest.Relay.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.Relay.DTLS.RequireClientCert,
			Workers:           cfg.Ingest.Relay.DTLS.Workers,
			MaxMessageSize:    cfg.Ingest.Relay.DTLS.MaxMessageSize,
			ConnectionTimeout: cfg.Ingest.Relay.DTLS.ConnectionTimeout,
			IdleTimeout:       cfg.Ingest.Relay.DTLS.IdleTimeout,
		}, validator, eventQueue, logger)
		if err != nil {
			logger.Error("failed to create DTLS relay", "error", err)
			os.Exit(1)
		}
		if err := dtlsRelay.Start(ctx); err != nil {
			logger.Error("failed to start DTLS relay", "error", err)
			os.Exit(1)
		}
	}

	// Hourly sweep of resolved cases and settled delivery records.
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed := manager.Cleanup()
				removed += dispatcher.Cleanup(24 * time.Hour)
				if removed > 0 {
					slog.Debug("case cleanup", "removed", removed)
				}
			}
		}
	}()

	go func() {
		logger.Info("warden gateway listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop intake first, then drain the pipeline, then close the stores.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "error", err)
	}
	if tcpRelay != nil {
		tcpRelay.Stop()
	}
	if dtlsRelay != nil {
		dtlsRelay.Stop()
	}
	if ingester != nil {
		ingester.Stop()
	}
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Warn("kafka consumer stop failed", "error", err)
		}
	}

	cancel()

	detectConsumer.Stop()
	engine.Stop()
	dispatcher.Stop()
	if retention != nil {
		retention.Stop()
	}
	if intelService != nil {
		intelService.Stop()
	}

	if eventWriter != nil {
		if err := eventWriter.Close(); err != nil {
			logger.Warn("event writer close failed", "error", err)
		}
	}
	if verdictWriter != nil {
		if err := verdictWriter.Close(); err != nil {
			logger.Warn("verdict writer close failed", "error", err)
		}
	}
	if verdictSink != nil {
		if err := verdictSink.Close(); err != nil {
			logger.Warn("verdict archive close failed", "error", err)
		}
	}
	if caseSink != nil {
		if err := caseSink.Close(); err != nil {
			logger.Warn("case archive close failed", "error", err)
		}
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close failed", "error", err)
		}
	}
	if registry != nil {
		registry.Close()
	}
	if chClient != nil {
		chClient.Close()
	}
	eventQueue.Close()

	queueMetrics := eventQueue.Metrics()
	logger.Info("final queue metrics",
		"pushed", queueMetrics.Pushed,
		"popped", queueMetrics.Popped,
		"dropped", queueMetrics.Dropped,
	)
	consumerMetrics := detectConsumer.Metrics()
	logger.Info("final detection metrics",
		"consumed", consumerMetrics.Consumed,
		"verdicts", consumerMetrics.Verdicts,
		"errors", consumerMetrics.Errors,
	)
	if eventWriter != nil {
		writerMetrics := eventWriter.Metrics()
		logger.Info("final storage metrics",
			"written", writerMetrics.Written,
			"failed", writerMetrics.Failed,
			"dropped", writerMetrics.Dropped,
		)
	}

	logger.Info("warden gateway stopped")
}

// newLogger builds a slog logger for the given level and format.
func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// engineConfigFrom resolves the detection engine configuration. The YAML
// detection block supplies the baseline; an explicitly pinned policy or a
// loaded custom policy overrides the campaign parameters while the runtime
// tunables (sweep interval, shard count) stay with the YAML config.
func engineConfigFrom(cfg *config.Config, policies *detection.PolicyHandler, logger *slog.Logger) detection.Config {
	engineCfg := detection.Config{
		Threshold:        cfg.Detection.Threshold,
		StalenessWindow:  cfg.Detection.StalenessWindow,
		SuspendDuration:  cfg.Detection.SuspendDuration,
		SweepInterval:    cfg.Detection.SweepInterval,
		Shards:           cfg.Detection.Shards,
		MatchAttachments: cfg.Detection.MatchAttachments,
		ScopeByGuild:     cfg.Detection.ScopeByGuild,
		Severity:         detection.Severity(cfg.Detection.Severity),
		Normalization: detection.NormalizationConfig{
			Trim:       cfg.Detection.Normalization.Trim,
			CaseFold:   cfg.Detection.Normalization.CaseFold,
			DefangURLs: cfg.Detection.Normalization.DefangURLs,
		},
	}

	var policy *detection.Policy
	if cfg.Detection.PolicyID != "" {
		p, ok := policies.Policy(cfg.Detection.PolicyID)
		if !ok {
			logger.Error("configured policy not found", "policy_id", cfg.Detection.PolicyID)
			os.Exit(1)
		}
		policy = p
	} else if active := policies.ActivePolicy(); policies.IsCustom(active.ID) {
		policy = active
	}

	if policy != nil {
		policyCfg := policy.EngineConfig()
		policyCfg.SweepInterval = engineCfg.SweepInterval
		policyCfg.Shards = engineCfg.Shards
		engineCfg = policyCfg
		logger.Info("applying campaign policy",
			"policy_id", policy.ID,
			"policy_name", policy.Name,
		)
	}

	return engineCfg
}

// kafkaConfigFrom maps the gateway Kafka settings onto the bus defaults.
func kafkaConfigFrom(cfg *config.Config) *kafka.Config {
	kafkaCfg := kafka.DefaultConfig()
	kafkaCfg.Brokers = cfg.Kafka.Brokers
	if cfg.Kafka.GroupID != "" {
		kafkaCfg.ConsumerGroup = cfg.Kafka.GroupID
	}
	if cfg.Kafka.EventsTopic != "" {
		kafkaCfg.EventsTopic = cfg.Kafka.EventsTopic
	}
	if cfg.Kafka.VerdictsTopic != "" {
		kafkaCfg.VerdictsTopic = cfg.Kafka.VerdictsTopic
	}
	kafkaCfg.TLSEnabled = cfg.Kafka.TLSEnabled
	if cfg.Kafka.SASLUsername != "" {
		kafkaCfg.SASLMechanism = "SCRAM-SHA-256"
		kafkaCfg.SASLUsername = cfg.Kafka.SASLUsername
		kafkaCfg.SASLPassword = cfg.Kafka.SASLPassword
		kafkaCfg.SecurityProtocol = "SASL_PLAINTEXT"
		if cfg.Kafka.TLSEnabled {
			kafkaCfg.SecurityProtocol = "SASL_SSL"
		}
	} else if cfg.Kafka.TLSEnabled {
		kafkaCfg.SecurityProtocol = "SSL"
	}
	return kafkaCfg
}

// verdictFanout feeds verdicts to remediation and to the Kafka verdicts
// topic. Both sides run on every verdict; errors are joined so the queue
// consumer logs a single failure.
type verdictFanout struct {
	manager  *remediation.Manager
	producer *kafka.Producer
}

func (f *verdictFanout) HandleVerdict(ctx context.Context, verdict *detection.Verdict) error {
	remErr := f.manager.HandleVerdict(ctx, verdict)
	pubErr := f.producer.Publish(ctx, verdict)
	return errors.Join(remErr, pubErr)
}

// verdictWriterFor combines the ClickHouse writer and the S3 archive sink
// into the single writer slot the queue consumer exposes.
func verdictWriterFor(hot *storage.VerdictWriter, cold *s3.VerdictSink) consumer.VerdictWriter {
	switch {
	case hot != nil && cold != nil:
		return multiVerdictWriter{hot, cold}
	case hot != nil:
		return hot
	case cold != nil:
		return cold
	default:
		return nil
	}
}

type multiVerdictWriter []consumer.VerdictWriter

func (m multiVerdictWriter) WriteVerdict(v *detection.Verdict) error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.WriteVerdict(v))
	}
	return errors.Join(errs...)
}

func (m multiVerdictWriter) Flush() error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.Flush())
	}
	return errors.Join(errs...)
}

// caseWriterFor combines the ClickHouse case writer and the S3 archive
// sink into the manager's single case writer slot.
func caseWriterFor(hot *storage.CaseWriter, cold *s3.CaseSink) remediation.CaseWriter {
	switch {
	case hot != nil && cold != nil:
		return multiCaseWriter{hot, cold}
	case hot != nil:
		return hot
	case cold != nil:
		return cold
	default:
		return nil
	}
}

type multiCaseWriter []remediation.CaseWriter

func (m multiCaseWriter) WriteCase(c *remediation.Case) error {
	var errs []error
	for _, w := range m {
		errs = append(errs, w.WriteCase(c))
	}
	return errors.Join(errs...)
}

// quarantineSink adapts the ClickHouse quarantine store to the ingest
// sink interface. Writes are best-effort; a storage failure must not
// stall the ingest path.
type quarantineSink struct {
	store *storage.Quarantine
}

func (s *quarantineSink) Quarantine(raw []byte, sourceIP string, transport schema.Transport, validationErrors []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.store.Write(ctx, &storage.QuarantineEntry{
		RawEvent:         string(raw),
		Source:           sourceIP,
		Transport:        string(transport),
		ValidationErrors: validationErrors,
		ErrorCode:        "validation_failed",
	})
	if err != nil {
		slog.Error("failed to quarantine event", "source", sourceIP, "error", err)
	}
}
