// Package main is the entry point for the bridge-sentinel monitoring daemon.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"bridge-sentinel/internal/attack"
	"bridge-sentinel/internal/attestation"
	"bridge-sentinel/internal/chain"
	"bridge-sentinel/internal/config"
	"bridge-sentinel/internal/kafka"
	"bridge-sentinel/internal/liveness"
	"bridge-sentinel/internal/orchestrator"
	"bridge-sentinel/internal/schema"
	"bridge-sentinel/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogging(cfg.Logging)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"networks", len(cfg.Networks),
		"validators", len(cfg.Validators),
		"kafka_enabled", cfg.Kafka.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Chain access
	networks := cfg.ChainNetworks()
	rpcClient := chain.NewRPCClient(networks, cfg.Liveness.PollTimeout)
	prober := chain.NewHTTPProber(cfg.ProberEndpoints(), cfg.Liveness.PollTimeout)

	// Detectors
	detector := attestation.NewDetector(cfg.Attestation, nil)

	patterns := attack.BuiltinPatterns()
	if cfg.Attack.PatternsFile != "" {
		loaded, err := attack.LoadPatternsFile(cfg.Attack.PatternsFile)
		if err != nil {
			slog.Error("failed to load attack patterns", "path", cfg.Attack.PatternsFile, "error", err)
			os.Exit(1)
		}
		patterns = append(patterns, loaded...)
	}
	matcher, err := attack.NewMatcher(cfg.Attack.Matcher, patterns, nil)
	if err != nil {
		slog.Error("failed to create attack matcher", "error", err)
		os.Exit(1)
	}

	monitor := liveness.NewMonitor(cfg.Liveness, networks, cfg.ValidatorAddresses(), rpcClient, rpcClient, prober)

	// Event sinks
	var sinks []orchestrator.EventSink

	var publisher *kafka.Publisher
	if cfg.Kafka.Enabled {
		publisher, err = kafka.NewPublisher(kafka.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			BatchSize:    cfg.Kafka.BatchSize,
			BatchTimeout: cfg.Kafka.BatchTimeout,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryDelay:   cfg.Kafka.RetryDelay,
			RequiredAcks: cfg.Kafka.RequiredAcks,
			WriteTimeout: kafka.DefaultConfig().WriteTimeout,
		})
		if err != nil {
			slog.Error("failed to create kafka publisher", "error", err)
			os.Exit(1)
		}
		sinks = append(sinks, publisher)
	}

	var chClient *storage.ClickHouseClient
	var archiver *storage.Archiver
	if cfg.Storage.Enabled {
		slog.Info("initializing ClickHouse storage",
			"hosts", cfg.Storage.ClickHouse.Hosts,
			"database", cfg.Storage.ClickHouse.Database,
		)

		chClient, err = storage.NewClickHouseClient(storage.ClickHouseConfig{
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
			slog.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}

		if err := chClient.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure storage schema", "error", err)
			os.Exit(1)
		}

		archiver = storage.NewArchiver(chClient, storage.ArchiverConfig{
			BatchSize:     cfg.Storage.BatchWriter.BatchSize,
			FlushInterval: cfg.Storage.BatchWriter.FlushInterval,
			MaxRetries:    cfg.Storage.BatchWriter.MaxRetries,
			RetryDelay:    cfg.Storage.BatchWriter.RetryDelay,
		})
		sinks = append(sinks, archiver)
	}

	orch := orchestrator.New(cfg.Orchestrator, detector, matcher, monitor, nil, sinks...)

	// Detector output flows into the orchestrator.
	detector.AddHandler(orch.IngestAnomaly)
	matcher.AddHandler(func(ctx context.Context, tx *chain.Transaction, det *schema.AttackDetection) {
		var bridge, network string
		if tx != nil {
			bridge = tx.BridgeAddress
			network = tx.Network
		}
		orch.IngestDetection(ctx, bridge, network, det)
	})
	monitor.AddHandler(orch.IngestGap)

	detector.Start(ctx)
	monitor.Start(ctx)
	orch.Start(ctx)

	slog.Info("bridge-sentinel started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	slog.Info("shutdown signal received", "signal", sig.String())

	orch.Stop()
	monitor.Stop()
	detector.Stop()
	cancel()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			slog.Error("kafka publisher close error", "error", err)
		}
	}
	if archiver != nil {
		if err := archiver.Close(); err != nil {
			slog.Error("archiver close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			slog.Error("clickhouse close error", "error", err)
		}
	}

	stats := orch.Stats()
	slog.Info("shutdown complete",
		"events_created", stats["events_created"],
		"alerts_created", stats["alerts_created"],
		"correlations", stats["correlations"],
	)
}

func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
