package config

import (
	"context"
	"time"

	"github.com/spf13/pflag"
)

// Package config provides configuration management for anomaly-hunter.
//
// Responsibilities:
//   - Load configuration from YAML files, environment variables, and CLI flags
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Manage sensitive data (object store credentials)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//  1. CLI flags (highest priority)
//  2. Environment variables (ANOMALY_HUNTER_* prefix, "." becomes "_")
//  3. YAML config file (default: ./anomaly-hunter.yaml)
//  4. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//  1. Server
//     - host, port: HTTP listen address (default :8090)
//     - grpc_port: gRPC health service, 0 disables it
//     - read_timeout, write_timeout
//     - rate_limit_per_minute: per-client budget, 0 disables limiting
//     - allowed_origins: websocket origin allow-list
//
//  2. Detection
//     - detector_timeout: bound on one detector invocation
//     - z_threshold, iqr_multiplier, cluster_gap, max_clusters
//     - drift_threshold, trend_threshold: percent
//     - max_concurrent_runs, batch_concurrency
//
//  3. Oracle
//     - enabled: consult the local LLM for severity and prose
//     - endpoint, model, timeout, temperature
//     - cache_size, cache_ttl: response cache
//
//  4. Storage
//     - driver: "sqlite" | "postgres"
//     - dsn: SQLite path or PostgreSQL connection string
//     - persist_retry_max_elapsed: give-up bound for state saves
//     - recent_runs: run IDs remembered for feedback
//
//  5. Events
//     - queue_size, ring_size
//     - kafka: enabled, brokers, topic, balancer
//     - archive: enabled, endpoint, bucket, access_key_id, secret_access_key, secure, prefix
//
//  6. Audit
//     - enabled, file, app_file, max_size_mb, max_backups, max_age_days, compress
//
//  7. Logging
//     - level: "debug" | "info" | "warn" | "error"
//     - console: mirror application logs to stderr
//
//  8. Metrics
//     - enabled: expose /metrics
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Host               string
		Port               int
		GRPCPort           int
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		RateLimitPerMinute int
		// AllowedOrigins is a list of origins permitted to open WebSocket connections.
		// Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// Detection configuration
	Detection struct {
		DetectorTimeout   time.Duration
		ZThreshold        float64
		IQRMultiplier     float64
		ClusterGap        int
		MaxClusters       int
		DriftThreshold    float64
		TrendThreshold    float64
		MaxConcurrentRuns int
		BatchConcurrency  int
	}

	// Oracle (local LLM) configuration
	Oracle struct {
		Enabled     bool
		Endpoint    string
		Model       string
		Timeout     time.Duration
		Temperature float64
		CacheSize   int
		CacheTTL    time.Duration
	}

	// Storage configuration
	Storage struct {
		Driver                 string
		DSN                    string
		PersistRetryMaxElapsed time.Duration
		RecentRuns             int
	}

	// Events configuration
	Events struct {
		QueueSize int
		RingSize  int

		Kafka struct {
			Enabled  bool
			Brokers  []string
			Topic    string
			Balancer string
		}

		Archive struct {
			Enabled         bool
			Endpoint        string
			Bucket          string
			AccessKeyID     string
			SecretAccessKey string
			Secure          bool
			Prefix          string
		}
	}

	// Audit log configuration
	Audit struct {
		Enabled    bool
		File       string
		AppFile    string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Logging configuration
	Logging struct {
		Level   string
		Console bool
	}

	// Metrics configuration
	Metrics struct {
		Enabled bool
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// FlagBinding maps a config key to a CLI flag that overrides it when set.
type FlagBinding struct {
	Key  string
	Flag *pflag.Flag
}

// DefaultConfigPath is used when no --config flag is given.
const DefaultConfigPath = "anomaly-hunter.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string, flags ...FlagBinding) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		flags:      flags,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager(DefaultConfigPath)
}
