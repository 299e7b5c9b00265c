package main

import (
	"context"
	"fmt"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/kubilitics/anomaly-hunter/internal/analytics"
	"github.com/kubilitics/anomaly-hunter/internal/analytics/anomaly"
	"github.com/kubilitics/anomaly-hunter/internal/audit"
	"github.com/kubilitics/anomaly-hunter/internal/config"
	"github.com/kubilitics/anomaly-hunter/internal/db"
	"github.com/kubilitics/anomaly-hunter/internal/integration/events"
	"github.com/kubilitics/anomaly-hunter/internal/learning"
	"github.com/kubilitics/anomaly-hunter/internal/llm/provider/ollama"
)

const readinessTimeout = 2 * time.Second

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	audit  audit.Logger

	store   db.Store
	tracker learning.Tracker
	oracle  *ollama.Client

	recent     *events.RecentEvents
	dispatcher *events.Dispatcher
	engine     *analytics.Engine
	pipeline   *analytics.Pipeline

	// closers run in reverse order on Close.
	closers []func() error
}

// loadConfig builds the config manager with the command's flag overrides,
// loads and validates it.
func loadConfig(ctx context.Context, cmd *cobra.Command, extra ...config.FlagBinding) (config.ConfigManager, *config.Config, error) {
	bindings := []config.FlagBinding{
		{Key: "logging.level", Flag: cmd.Flag("log-level")},
		{Key: "oracle.enabled", Flag: cmd.Flag("oracle")},
	}
	bindings = append(bindings, extra...)

	mgr, err := config.NewConfigManager(cfgFile, bindings...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return mgr, mgr.Get(ctx), nil
}

// newApp wires logging, storage, the tracker and the oracle. Detection
// components are built by startDetection once the caller knows its sinks.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	if err := a.initLogging(); err != nil {
		return nil, err
	}

	store, err := db.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	tracker, err := learning.NewTracker(ctx, learning.Options{
		Store:           store,
		Logger:          a.logger.Named("learning"),
		RetryMaxElapsed: cfg.Storage.PersistRetryMaxElapsed,
		RecentRuns:      cfg.Storage.RecentRuns,
	})
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("start tracker: %w", err)
	}
	a.tracker = tracker
	a.closers = append(a.closers, tracker.Close)

	if cfg.Oracle.Enabled {
		a.oracle = ollama.NewClient(ollama.Config{
			BaseURL:     cfg.Oracle.Endpoint,
			Model:       cfg.Oracle.Model,
			Timeout:     cfg.Oracle.Timeout,
			Temperature: cfg.Oracle.Temperature,
			CacheSize:   cfg.Oracle.CacheSize,
			CacheTTL:    cfg.Oracle.CacheTTL,
		}, a.logger.Named("oracle"))
	}

	return a, nil
}

func (a *app) initLogging() error {
	cfg := a.cfg
	if cfg.Audit.Enabled {
		al, err := audit.NewLogger(&audit.Config{
			AuditLogPath: cfg.Audit.File,
			AppLogPath:   cfg.Audit.AppFile,
			MaxSize:      cfg.Audit.MaxSizeMB,
			MaxBackups:   cfg.Audit.MaxBackups,
			MaxAge:       cfg.Audit.MaxAgeDays,
			Compress:     cfg.Audit.Compress,
			LogLevel:     cfg.Logging.Level,
			Console:      cfg.Logging.Console,
		})
		if err != nil {
			return fmt.Errorf("init audit logger: %w", err)
		}
		a.audit = al
		a.logger = al.AppLogger()
		a.closers = append(a.closers, al.Close)
		return nil
	}

	logger, err := newConsoleLogger(cfg.Logging.Level, cfg.Logging.Console)
	if err != nil {
		return err
	}
	a.logger = logger
	a.audit = audit.NewNopLogger(logger)
	a.closers = append(a.closers, func() error {
		_ = logger.Sync()
		return nil
	})
	return nil
}

// newConsoleLogger logs to stderr only; used when file logging is disabled.
func newConsoleLogger(level string, console bool) (*zap.Logger, error) {
	if !console {
		return zap.NewNop(), nil
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", level, err)
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	return zc.Build()
}

// startDetection builds the event dispatcher and the synthesis engine.
// The ring buffer and run history are always subscribed; Kafka and the
// object archive follow configuration; extra sinks are appended.
func (a *app) startDetection(ctx context.Context, extra ...events.Sink) error {
	cfg := a.cfg

	a.recent = events.NewRecentEvents(cfg.Events.RingSize)
	sinks := []events.Sink{a.recent, events.NewRunStoreSink(a.store)}

	if cfg.Events.Kafka.Enabled {
		ks, err := events.NewKafkaSink(events.KafkaConfig{
			Brokers:  cfg.Events.Kafka.Brokers,
			Topic:    cfg.Events.Kafka.Topic,
			Balancer: cfg.Events.Kafka.Balancer,
		})
		if err != nil {
			return fmt.Errorf("kafka sink: %w", err)
		}
		a.closers = append(a.closers, ks.Close)
		sinks = append(sinks, ks)
		a.logger.Info("Kafka event sink enabled",
			zap.Strings("brokers", cfg.Events.Kafka.Brokers),
			zap.String("topic", cfg.Events.Kafka.Topic))
	}

	if cfg.Events.Archive.Enabled {
		as, err := events.NewArchiveSink(ctx, events.ArchiveConfig{
			Endpoint:        cfg.Events.Archive.Endpoint,
			Bucket:          cfg.Events.Archive.Bucket,
			AccessKeyID:     cfg.Events.Archive.AccessKeyID,
			SecretAccessKey: cfg.Events.Archive.SecretAccessKey,
			Secure:          cfg.Events.Archive.Secure,
			Prefix:          cfg.Events.Archive.Prefix,
		})
		if err != nil {
			return fmt.Errorf("archive sink: %w", err)
		}
		sinks = append(sinks, as)
		a.logger.Info("Object archive sink enabled",
			zap.String("endpoint", cfg.Events.Archive.Endpoint),
			zap.String("bucket", cfg.Events.Archive.Bucket))
	}

	sinks = append(sinks, extra...)
	a.dispatcher = events.NewDispatcher(events.DispatcherOptions{
		QueueSize: cfg.Events.QueueSize,
		Logger:    a.logger.Named("events"),
	}, sinks...)
	// The dispatcher drains before the tracker and store shut down.
	a.closers = append(a.closers, a.dispatcher.Close)

	detOpts := anomaly.Options{
		Logger: a.logger.Named("detectors"),
		Thresholds: anomaly.Thresholds{
			ZScore:        cfg.Detection.ZThreshold,
			IQRMultiplier: cfg.Detection.IQRMultiplier,
			ClusterGap:    cfg.Detection.ClusterGap,
			MaxClusters:   cfg.Detection.MaxClusters,
			DriftPercent:  cfg.Detection.DriftThreshold,
			TrendPercent:  cfg.Detection.TrendThreshold,
		},
	}
	if a.oracle != nil {
		detOpts.Oracle = a.oracle
		detOpts.History = learning.NewContextProvider(a.tracker, 0)
	}

	a.engine = analytics.NewEngine(analytics.EngineOptions{
		Detectors:         anomaly.NewDetectors(detOpts),
		Tracker:           a.tracker,
		Sink:              a.dispatcher,
		DetectorTimeout:   cfg.Detection.DetectorTimeout,
		MaxConcurrentRuns: int64(cfg.Detection.MaxConcurrentRuns),
		Logger:            a.logger.Named("engine"),
		Audit:             a.audit,
	})
	a.pipeline = analytics.NewPipeline(a.engine, cfg.Detection.BatchConcurrency, a.logger.Named("pipeline"))
	return nil
}

// readinessChecks reports storage and, when enabled, oracle reachability.
func (a *app) readinessChecks() map[string]healthcheck.Check {
	checks := map[string]healthcheck.Check{
		"storage": func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return a.store.Ping(ctx)
		},
	}
	if a.oracle != nil {
		checks["oracle"] = func() error {
			ctx, cancel := context.WithTimeout(context.Background(), readinessTimeout)
			defer cancel()
			return a.oracle.Ping(ctx)
		}
	}
	return checks
}

// Close releases components in reverse construction order and returns the
// first error.
func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}
