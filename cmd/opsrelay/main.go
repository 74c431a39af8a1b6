// Package main is the entry point for the opsrelay escalation engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"opsrelay/internal/api"
	"opsrelay/internal/archive"
	"opsrelay/internal/audit"
	"opsrelay/internal/config"
	"opsrelay/internal/consumer"
	"opsrelay/internal/dispatch"
	"opsrelay/internal/escalate"
	"opsrelay/internal/ingest"
	opskafka "opsrelay/internal/kafka"
	"opsrelay/internal/logging"
	"opsrelay/internal/queue"
	"opsrelay/internal/rules"
	"opsrelay/internal/scheduler"
	"opsrelay/internal/schema"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Structured logging with sensitive field masking
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"http_port", cfg.Server.HTTPPort,
		"queue_size", cfg.Queue.Size,
		"auth_enabled", cfg.Auth.Enabled,
		"durable_timers", cfg.Scheduler.Redis.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"audit_enabled", cfg.Audit.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Rule store, seeded from the rules directory when configured
	ruleStore := rules.NewStore()
	if cfg.Rules.Dir != "" {
		loaded, err := rules.LoadDir(cfg.Rules.Dir)
		if err != nil {
			slog.Error("failed to load rules", "dir", cfg.Rules.Dir, "error", err)
			os.Exit(1)
		}
		if err := ruleStore.Load(loaded); err != nil {
			slog.Error("failed to seed rule store", "error", err)
			os.Exit(1)
		}
		slog.Info("rules loaded", "count", len(loaded), "dir", cfg.Rules.Dir)
	}

	// Timer store: Redis for durability, memory otherwise
	var timerStore scheduler.TimerStore
	var redisStore *scheduler.RedisStore
	if cfg.Scheduler.Redis.Enabled {
		redisStore, err = scheduler.NewRedisStore(scheduler.RedisConfig{
			Addr:         cfg.Scheduler.Redis.Addr,
			Password:     cfg.Scheduler.Redis.Password,
			DB:           cfg.Scheduler.Redis.DB,
			KeyPrefix:    cfg.Scheduler.Redis.KeyPrefix,
			DialTimeout:  cfg.Scheduler.Redis.DialTimeout,
			ReadTimeout:  cfg.Scheduler.Redis.ReadTimeout,
			WriteTimeout: cfg.Scheduler.Redis.WriteTimeout,
			PoolSize:     cfg.Scheduler.Redis.PoolSize,
			TLSEnabled:   cfg.Scheduler.Redis.TLSEnabled,
		})
		if err != nil {
			slog.Error("failed to connect to redis timer store", "error", err)
			os.Exit(1)
		}
		timerStore = redisStore
	} else {
		slog.Warn("durable timer store disabled, pending timers will not survive a restart")
		timerStore = scheduler.NewMemoryStore()
	}

	// Dispatcher with the standard channel routing
	dispatcher := dispatch.New(dispatch.Config{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		InitialBackoff: cfg.Dispatch.InitialBackoff,
		MaxBackoff:     cfg.Dispatch.MaxBackoff,
		BackoffFactor:  cfg.Dispatch.BackoffFactor,
		AttemptTimeout: cfg.Dispatch.AttemptTimeout,
	})

	var messaging *dispatch.MessagingChannel
	if cfg.Dispatch.NotifyURL != "" {
		messaging = dispatch.NewMessagingChannel("notify", cfg.Dispatch.NotifyURL, nil)
	}
	var ticketing *dispatch.TicketChannel
	if cfg.Dispatch.TicketURL != "" {
		ticketing = dispatch.NewTicketChannel(cfg.Dispatch.TicketURL, nil)
	}
	var sms *dispatch.SMSChannel
	if cfg.Dispatch.SMSURL != "" {
		sms = dispatch.NewSMSChannel(cfg.Dispatch.SMSURL, nil)
	}
	dispatch.RegisterDefaults(dispatcher, messaging, ticketing, sms, dispatch.NewWebhookChannel(nil))

	// Audit trail: in-memory window, plus ClickHouse when enabled
	var chClient *audit.ClickHouseClient
	var batchWriter *audit.BatchWriter
	var sink audit.Sink
	if cfg.Audit.Enabled {
		slog.Info("initializing audit store",
			"hosts", cfg.Audit.ClickHouse.Hosts,
			"database", cfg.Audit.ClickHouse.Database,
		)

		chClient, err = audit.NewClickHouseClient(audit.ClickHouseConfig{
			Hosts:           cfg.Audit.ClickHouse.Hosts,
			Database:        cfg.Audit.ClickHouse.Database,
			Username:        cfg.Audit.ClickHouse.Username,
			Password:        cfg.Audit.ClickHouse.Password,
			MaxOpenConns:    cfg.Audit.ClickHouse.MaxOpenConns,
			MaxIdleConns:    cfg.Audit.ClickHouse.MaxIdleConns,
			ConnMaxLifetime: cfg.Audit.ClickHouse.ConnMaxLifetime,
			TLSEnabled:      cfg.Audit.ClickHouse.TLSEnabled,
			DialTimeout:     cfg.Audit.ClickHouse.DialTimeout,
		})
		if err != nil {
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		if err := chClient.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure audit schema", "error", err)
			os.Exit(1)
		}

		batchWriter = audit.NewBatchWriter(chClient, audit.BatchWriterConfig{
			BatchSize:     cfg.Audit.BatchWriter.BatchSize,
			FlushInterval: cfg.Audit.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Audit.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Audit.BatchWriter.RetryDelay,
		})
		sink = batchWriter
	}
	recorder := audit.NewRecorder(sink, 0)

	// Kafka producer for operational alerts; engine failures that break the
	// escalation guarantee are published rather than only logged.
	var opsProducer *opskafka.Producer
	var opsAlert escalate.OpsAlertFunc
	if cfg.Kafka.Enabled {
		for _, topic := range []string{cfg.Kafka.AlertsTopic, cfg.Kafka.SignalsTopic, cfg.Kafka.OpsTopic} {
			err := opskafka.EnsureTopic(ctx, kafkaConfig(cfg, topic, ""), opskafka.TopicConfig{Name: topic})
			if err != nil {
				slog.Error("failed to ensure kafka topic", "topic", topic, "error", err)
				os.Exit(1)
			}
		}

		opsProducer, err = opskafka.NewProducer(kafkaConfig(cfg, cfg.Kafka.OpsTopic, ""))
		if err != nil {
			slog.Error("failed to create ops producer", "error", err)
			os.Exit(1)
		}
		opsAlert = opsProducer.OpsAlertFunc()
	}

	// Scheduler and tracker. The fire callback closes over the tracker,
	// which is constructed right after; Start comes later still.
	var tracker *escalate.Tracker
	sched := scheduler.New(timerStore, func(ctx context.Context, timer scheduler.Timer) {
		tracker.HandleTimer(ctx, timer.CaseID, timer.TimerID, timer.Level)
	}, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		ClaimLimit:   cfg.Scheduler.ClaimLimit,
	})
	tracker = escalate.NewTracker(ruleStore, sched, dispatcher, recorder, opsAlert)
	sched.Start(ctx)

	// Ingest pipeline
	validator := schema.NewValidatorWithConfig(schema.ValidatorConfig{
		MaxAge:     cfg.Validation.MaxAlertAge,
		MaxFuture:  cfg.Validation.MaxFuture,
		StrictMode: cfg.Validation.StrictMode,
	})

	alertQueue := queue.NewRingBuffer(cfg.Queue.Size)

	handler := ingest.NewHandler(validator, alertQueue).
		WithMaxPayload(cfg.Ingest.MaxPayloadSize).
		WithMaxBatch(cfg.Ingest.MaxBatchSize)

	apiHandler := api.NewHandler(ruleStore, tracker, dispatcher, recorder)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/alerts", handler.HandleAlerts)
	mux.HandleFunc("GET /health", handler.HealthCheck)
	mux.HandleFunc("GET /metrics", handler.Metrics)
	apiHandler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      ingest.WithMiddleware(mux, cfg),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Engine consumer drains the queue into the tracker
	engineConsumer := consumer.New(alertQueue, tracker, consumer.Config{
		Workers:      cfg.Engine.Workers,
		PollInterval: cfg.Engine.PollInterval,
		ShutdownWait: cfg.Engine.ShutdownWait,
	})
	engineConsumer.Start(ctx)

	// Optional DTLS datagram ingest
	var dtlsServer *ingest.DTLSServer
	if cfg.Ingest.DTLS.Enabled {
		dtlsServer, err = ingest.NewDTLSServer(ingest.DTLSServerConfig{
			Address:           cfg.Ingest.DTLS.Address,
			CertFile:          cfg.Ingest.DTLS.CertFile,
			KeyFile:           cfg.Ingest.DTLS.KeyFile,
			CAFile:            cfg.Ingest.DTLS.CAFile,
			RequireClientCert: cfg.Ingest.DTLS.RequireClientCert,
			Workers:           cfg.Ingest.DTLS.Workers,
			MaxMessageSize:    cfg.Ingest.DTLS.MaxMessageSize,
			ConnectionTimeout: cfg.Ingest.DTLS.ConnectionTimeout,
			IdleTimeout:       cfg.Ingest.DTLS.IdleTimeout,
			AllowInsecure:     cfg.Ingest.DTLS.AllowInsecure,
		}, validator, alertQueue, slog.Default())
		if err != nil {
			slog.Error("failed to create DTLS server", "error", err)
			os.Exit(1)
		}
		if err := dtlsServer.Start(ctx); err != nil {
			slog.Error("failed to start DTLS server", "error", err)
			os.Exit(1)
		}
	}

	// Optional Kafka ingest: alerts feed the queue, signals go straight to
	// the tracker
	var alertConsumer, signalConsumer *opskafka.Consumer
	if cfg.Kafka.Enabled {
		alertConsumer, err = opskafka.NewConsumer(
			kafkaConfig(cfg, cfg.Kafka.AlertsTopic, cfg.Kafka.ConsumerGroup),
			opskafka.AlertHandler(validator, alertQueue),
		)
		if err != nil {
			slog.Error("failed to create alert consumer", "error", err)
			os.Exit(1)
		}
		signalConsumer, err = opskafka.NewConsumer(
			kafkaConfig(cfg, cfg.Kafka.SignalsTopic, cfg.Kafka.ConsumerGroup),
			opskafka.SignalHandler(validator, tracker),
		)
		if err != nil {
			slog.Error("failed to create signal consumer", "error", err)
			os.Exit(1)
		}
		if err := alertConsumer.Start(); err != nil {
			slog.Error("failed to start alert consumer", "error", err)
			os.Exit(1)
		}
		if err := signalConsumer.Start(); err != nil {
			slog.Error("failed to start signal consumer", "error", err)
			os.Exit(1)
		}
	}

	// Sweep loop evicts old closed cases, archiving them when configured
	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.New(ctx, cfg.Archive.S3, slog.Default())
		if err != nil {
			slog.Error("failed to create case archiver", "error", err)
			os.Exit(1)
		}
	}
	go sweepLoop(ctx, tracker, dispatcher, archiver, cfg.Engine.SweepAge, cfg.Engine.SweepInterval)

	// Start HTTP server
	go func() {
		slog.Info("starting server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop accepting new requests
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	if dtlsServer != nil {
		dtlsServer.Stop()
	}

	// Stop Kafka consumers before draining the queue
	if alertConsumer != nil {
		if err := alertConsumer.Close(); err != nil {
			slog.Error("alert consumer close error", "error", err)
		}
	}
	if signalConsumer != nil {
		if err := signalConsumer.Close(); err != nil {
			slog.Error("signal consumer close error", "error", err)
		}
	}

	// Drain the engine, then stop the timer loop
	engineConsumer.Stop()
	sched.Stop()
	cancel()

	if opsProducer != nil {
		if err := opsProducer.Close(); err != nil {
			slog.Error("ops producer close error", "error", err)
		}
	}

	// Close drains the recorder's sink backlog and flushes the batch writer.
	if err := recorder.Close(); err != nil {
		slog.Error("audit recorder close error", "error", err)
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}

	alertQueue.Close()

	queueMetrics := alertQueue.Metrics()
	caseStats := tracker.Stats()
	slog.Info("shutdown complete",
		"alerts_pushed", queueMetrics.Pushed,
		"alerts_popped", queueMetrics.Popped,
		"alerts_dropped", queueMetrics.Dropped,
		"total_cases", caseStats.TotalCases,
		"cases_by_state", caseStats.ByState,
	)
}

// kafkaConfig builds a topic-specific Kafka config from the app config.
func kafkaConfig(cfg *config.Config, topic, group string) *opskafka.Config {
	kc := opskafka.DefaultConfig(topic, group)
	kc.Brokers = cfg.Kafka.Brokers
	if cfg.Kafka.SecurityProtocol != "" {
		kc.SecurityProtocol = cfg.Kafka.SecurityProtocol
	}
	kc.SASLMechanism = cfg.Kafka.SASLMechanism
	kc.SASLUsername = cfg.Kafka.SASLUsername
	kc.SASLPassword = cfg.Kafka.SASLPassword
	if cfg.Kafka.TLSCAFile != "" || cfg.Kafka.TLSCertFile != "" {
		kc.TLSEnabled = true
		kc.TLSCertFile = cfg.Kafka.TLSCertFile
		kc.TLSKeyFile = cfg.Kafka.TLSKeyFile
		kc.TLSCAFile = cfg.Kafka.TLSCAFile
	}
	return kc
}

// sweepLoop periodically evicts closed cases from the tracker, drops their
// dispatch outcomes and archives them to object storage when an archiver is
// configured.
func sweepLoop(ctx context.Context, tracker *escalate.Tracker, dispatcher *dispatch.Dispatcher, archiver *archive.Archiver, age, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	if age <= 0 {
		age = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept := tracker.Sweep(age)
			if len(swept) == 0 {
				continue
			}
			for _, c := range swept {
				dispatcher.Evict(c.CaseID)
			}
			if archiver == nil {
				slog.Info("swept closed cases", "count", len(swept))
				continue
			}
			result, err := archiver.ArchiveCases(ctx, swept)
			if err != nil {
				slog.Error("failed to archive swept cases", "count", len(swept), "error", err)
				continue
			}
			slog.Info("archived swept cases", "count", result.Count, "key", result.Key)
		}
	}
}
