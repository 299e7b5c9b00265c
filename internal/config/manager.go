package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ANOMALY_HUNTER"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	mu         sync.RWMutex
	configPath string
	flags      []FlagBinding
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
	watchOnce  sync.Once
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	for _, b := range m.flags {
		if b.Flag == nil {
			continue
		}
		if err := m.viper.BindPFlag(b.Key, b.Flag); err != nil {
			return fmt.Errorf("bind flag %s: %w", b.Flag.Name, err)
		}
	}

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		// Config file not found is OK, we'll use defaults + env vars
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			// Other error reading config file
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		// Combine all errors into a single error message
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	if m.viper == nil {
		return m.watchChan
	}
	m.watchOnce.Do(func() {
		m.viper.OnConfigChange(func(e fsnotify.Event) {
			if err := m.unmarshalConfig(); err != nil {
				return
			}
			select {
			case m.watchChan <- *m.Get(ctx):
			default:
				// Channel full, skip this update
			}
		})
		m.viper.WatchConfig()
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if m.viper == nil {
		return m.Load(ctx)
	}
	// Re-read config file
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", defaults.Server.Host)
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.grpc_port", defaults.Server.GRPCPort)
	m.viper.SetDefault("server.read_timeout", defaults.Server.ReadTimeout)
	m.viper.SetDefault("server.write_timeout", defaults.Server.WriteTimeout)
	m.viper.SetDefault("server.rate_limit_per_minute", defaults.Server.RateLimitPerMinute)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// Detection defaults
	m.viper.SetDefault("detection.detector_timeout", defaults.Detection.DetectorTimeout)
	m.viper.SetDefault("detection.z_threshold", defaults.Detection.ZThreshold)
	m.viper.SetDefault("detection.iqr_multiplier", defaults.Detection.IQRMultiplier)
	m.viper.SetDefault("detection.cluster_gap", defaults.Detection.ClusterGap)
	m.viper.SetDefault("detection.max_clusters", defaults.Detection.MaxClusters)
	m.viper.SetDefault("detection.drift_threshold", defaults.Detection.DriftThreshold)
	m.viper.SetDefault("detection.trend_threshold", defaults.Detection.TrendThreshold)
	m.viper.SetDefault("detection.max_concurrent_runs", defaults.Detection.MaxConcurrentRuns)
	m.viper.SetDefault("detection.batch_concurrency", defaults.Detection.BatchConcurrency)

	// Oracle defaults
	m.viper.SetDefault("oracle.enabled", defaults.Oracle.Enabled)
	m.viper.SetDefault("oracle.endpoint", defaults.Oracle.Endpoint)
	m.viper.SetDefault("oracle.model", defaults.Oracle.Model)
	m.viper.SetDefault("oracle.timeout", defaults.Oracle.Timeout)
	m.viper.SetDefault("oracle.temperature", defaults.Oracle.Temperature)
	m.viper.SetDefault("oracle.cache_size", defaults.Oracle.CacheSize)
	m.viper.SetDefault("oracle.cache_ttl", defaults.Oracle.CacheTTL)

	// Storage defaults
	m.viper.SetDefault("storage.driver", defaults.Storage.Driver)
	m.viper.SetDefault("storage.dsn", defaults.Storage.DSN)
	m.viper.SetDefault("storage.persist_retry_max_elapsed", defaults.Storage.PersistRetryMaxElapsed)
	m.viper.SetDefault("storage.recent_runs", defaults.Storage.RecentRuns)

	// Events defaults
	m.viper.SetDefault("events.queue_size", defaults.Events.QueueSize)
	m.viper.SetDefault("events.ring_size", defaults.Events.RingSize)
	m.viper.SetDefault("events.kafka.enabled", defaults.Events.Kafka.Enabled)
	m.viper.SetDefault("events.kafka.brokers", defaults.Events.Kafka.Brokers)
	m.viper.SetDefault("events.kafka.topic", defaults.Events.Kafka.Topic)
	m.viper.SetDefault("events.kafka.balancer", defaults.Events.Kafka.Balancer)
	m.viper.SetDefault("events.archive.enabled", defaults.Events.Archive.Enabled)
	m.viper.SetDefault("events.archive.endpoint", defaults.Events.Archive.Endpoint)
	m.viper.SetDefault("events.archive.bucket", defaults.Events.Archive.Bucket)
	m.viper.SetDefault("events.archive.access_key_id", defaults.Events.Archive.AccessKeyID)
	m.viper.SetDefault("events.archive.secret_access_key", defaults.Events.Archive.SecretAccessKey)
	m.viper.SetDefault("events.archive.secure", defaults.Events.Archive.Secure)
	m.viper.SetDefault("events.archive.prefix", defaults.Events.Archive.Prefix)

	// Audit defaults
	m.viper.SetDefault("audit.enabled", defaults.Audit.Enabled)
	m.viper.SetDefault("audit.file", defaults.Audit.File)
	m.viper.SetDefault("audit.app_file", defaults.Audit.AppFile)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.console", defaults.Logging.Console)

	// Metrics defaults
	m.viper.SetDefault("metrics.enabled", defaults.Metrics.Enabled)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Host = m.viper.GetString("server.host")
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.GRPCPort = m.viper.GetInt("server.grpc_port")
	cfg.Server.ReadTimeout = m.viper.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = m.viper.GetDuration("server.write_timeout")
	cfg.Server.RateLimitPerMinute = m.viper.GetInt("server.rate_limit_per_minute")
	cfg.Server.AllowedOrigins = splitList(m.viper.GetStringSlice("server.allowed_origins"))

	// Detection
	cfg.Detection.DetectorTimeout = m.viper.GetDuration("detection.detector_timeout")
	cfg.Detection.ZThreshold = m.viper.GetFloat64("detection.z_threshold")
	cfg.Detection.IQRMultiplier = m.viper.GetFloat64("detection.iqr_multiplier")
	cfg.Detection.ClusterGap = m.viper.GetInt("detection.cluster_gap")
	cfg.Detection.MaxClusters = m.viper.GetInt("detection.max_clusters")
	cfg.Detection.DriftThreshold = m.viper.GetFloat64("detection.drift_threshold")
	cfg.Detection.TrendThreshold = m.viper.GetFloat64("detection.trend_threshold")
	cfg.Detection.MaxConcurrentRuns = m.viper.GetInt("detection.max_concurrent_runs")
	cfg.Detection.BatchConcurrency = m.viper.GetInt("detection.batch_concurrency")

	// Oracle
	cfg.Oracle.Enabled = m.viper.GetBool("oracle.enabled")
	cfg.Oracle.Endpoint = m.viper.GetString("oracle.endpoint")
	cfg.Oracle.Model = m.viper.GetString("oracle.model")
	cfg.Oracle.Timeout = m.viper.GetDuration("oracle.timeout")
	cfg.Oracle.Temperature = m.viper.GetFloat64("oracle.temperature")
	cfg.Oracle.CacheSize = m.viper.GetInt("oracle.cache_size")
	cfg.Oracle.CacheTTL = m.viper.GetDuration("oracle.cache_ttl")

	// Storage
	cfg.Storage.Driver = m.viper.GetString("storage.driver")
	cfg.Storage.DSN = m.viper.GetString("storage.dsn")
	cfg.Storage.PersistRetryMaxElapsed = m.viper.GetDuration("storage.persist_retry_max_elapsed")
	cfg.Storage.RecentRuns = m.viper.GetInt("storage.recent_runs")

	// Events
	cfg.Events.QueueSize = m.viper.GetInt("events.queue_size")
	cfg.Events.RingSize = m.viper.GetInt("events.ring_size")
	cfg.Events.Kafka.Enabled = m.viper.GetBool("events.kafka.enabled")
	cfg.Events.Kafka.Brokers = splitList(m.viper.GetStringSlice("events.kafka.brokers"))
	cfg.Events.Kafka.Topic = m.viper.GetString("events.kafka.topic")
	cfg.Events.Kafka.Balancer = m.viper.GetString("events.kafka.balancer")
	cfg.Events.Archive.Enabled = m.viper.GetBool("events.archive.enabled")
	cfg.Events.Archive.Endpoint = m.viper.GetString("events.archive.endpoint")
	cfg.Events.Archive.Bucket = m.viper.GetString("events.archive.bucket")
	cfg.Events.Archive.AccessKeyID = m.viper.GetString("events.archive.access_key_id")
	cfg.Events.Archive.SecretAccessKey = m.viper.GetString("events.archive.secret_access_key")
	cfg.Events.Archive.Secure = m.viper.GetBool("events.archive.secure")
	cfg.Events.Archive.Prefix = m.viper.GetString("events.archive.prefix")

	// Audit
	cfg.Audit.Enabled = m.viper.GetBool("audit.enabled")
	cfg.Audit.File = m.viper.GetString("audit.file")
	cfg.Audit.AppFile = m.viper.GetString("audit.app_file")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Console = m.viper.GetBool("logging.console")

	// Metrics
	cfg.Metrics.Enabled = m.viper.GetBool("metrics.enabled")

	applyEnvOverrides(cfg)

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies the conventional environment variables of the
// services we talk to, for deployments that already export them.
func applyEnvOverrides(cfg *Config) {
	// Ollama host from environment
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			host = "http://" + host
		}
		cfg.Oracle.Endpoint = host
	}

	// Object store credentials from environment
	if cfg.Events.Archive.AccessKeyID == "" {
		cfg.Events.Archive.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	}
	if cfg.Events.Archive.SecretAccessKey == "" {
		cfg.Events.Archive.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")
	}

	// Postgres DSN from environment
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" && cfg.Storage.Driver == "postgres" {
		cfg.Storage.DSN = dsn
	}
}

// splitList accepts both YAML lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
