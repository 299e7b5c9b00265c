package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap/zapcore"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port", "port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		add("server.grpc_port", "grpc_port must be between 0 and 65535, got %d", c.Server.GRPCPort)
	} else if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		add("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		add("server.read_timeout", "read_timeout must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		add("server.write_timeout", "write_timeout must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Server.RateLimitPerMinute < 0 {
		add("server.rate_limit_per_minute", "rate_limit_per_minute cannot be negative, got %d", c.Server.RateLimitPerMinute)
	}

	// Validate detection configuration
	if c.Detection.DetectorTimeout <= 0 {
		add("detection.detector_timeout", "detector_timeout must be positive, got %s", c.Detection.DetectorTimeout)
	}
	if c.Detection.ZThreshold <= 0 {
		add("detection.z_threshold", "z_threshold must be positive, got %g", c.Detection.ZThreshold)
	}
	if c.Detection.IQRMultiplier <= 0 {
		add("detection.iqr_multiplier", "iqr_multiplier must be positive, got %g", c.Detection.IQRMultiplier)
	}
	if c.Detection.ClusterGap < 1 {
		add("detection.cluster_gap", "cluster_gap must be at least 1, got %d", c.Detection.ClusterGap)
	}
	if c.Detection.MaxClusters < 1 {
		add("detection.max_clusters", "max_clusters must be at least 1, got %d", c.Detection.MaxClusters)
	}
	if c.Detection.DriftThreshold <= 0 {
		add("detection.drift_threshold", "drift_threshold must be positive, got %g", c.Detection.DriftThreshold)
	}
	if c.Detection.TrendThreshold <= 0 {
		add("detection.trend_threshold", "trend_threshold must be positive, got %g", c.Detection.TrendThreshold)
	}
	if c.Detection.MaxConcurrentRuns < 0 {
		add("detection.max_concurrent_runs", "max_concurrent_runs cannot be negative, got %d", c.Detection.MaxConcurrentRuns)
	}
	if c.Detection.BatchConcurrency < 1 {
		add("detection.batch_concurrency", "batch_concurrency must be at least 1, got %d", c.Detection.BatchConcurrency)
	}

	// Validate oracle configuration
	if c.Oracle.Enabled {
		if u, err := url.Parse(c.Oracle.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
			add("oracle.endpoint", "endpoint must be an absolute URL, got %q", c.Oracle.Endpoint)
		}
		if c.Oracle.Model == "" {
			add("oracle.model", "model is required when the oracle is enabled")
		}
		if c.Oracle.Timeout <= 0 {
			add("oracle.timeout", "timeout must be positive, got %s", c.Oracle.Timeout)
		}
	}
	if c.Oracle.CacheSize < 0 {
		add("oracle.cache_size", "cache_size cannot be negative, got %d", c.Oracle.CacheSize)
	}

	// Validate storage configuration
	switch c.Storage.Driver {
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn", "dsn is required for driver %s", c.Storage.Driver)
		}
	default:
		add("storage.driver", "driver must be one of: sqlite, postgres (got %q)", c.Storage.Driver)
	}
	if c.Storage.PersistRetryMaxElapsed <= 0 {
		add("storage.persist_retry_max_elapsed", "persist_retry_max_elapsed must be positive, got %s", c.Storage.PersistRetryMaxElapsed)
	}

	// Validate events configuration
	if c.Events.QueueSize < 1 {
		add("events.queue_size", "queue_size must be at least 1, got %d", c.Events.QueueSize)
	}
	if c.Events.RingSize < 1 {
		add("events.ring_size", "ring_size must be at least 1, got %d", c.Events.RingSize)
	}
	if c.Events.Kafka.Enabled {
		if len(c.Events.Kafka.Brokers) == 0 {
			add("events.kafka.brokers", "at least one broker is required when kafka is enabled")
		}
		for _, b := range c.Events.Kafka.Brokers {
			if _, _, err := net.SplitHostPort(b); err != nil {
				add("events.kafka.brokers", "invalid broker address %q (expected host:port)", b)
			}
		}
		switch c.Events.Kafka.Balancer {
		case "", "Hash", "RoundRobin", "LeastBytes":
		default:
			add("events.kafka.balancer", "balancer must be one of: Hash, RoundRobin, LeastBytes (got %q)", c.Events.Kafka.Balancer)
		}
	}
	if c.Events.Archive.Enabled {
		if c.Events.Archive.Endpoint == "" || strings.Contains(c.Events.Archive.Endpoint, "://") {
			add("events.archive.endpoint", "endpoint must be host[:port] without scheme, got %q", c.Events.Archive.Endpoint)
		}
		if c.Events.Archive.Bucket == "" {
			add("events.archive.bucket", "bucket is required when the archive is enabled")
		}
	}

	// Validate audit configuration
	if c.Audit.Enabled {
		if c.Audit.File == "" {
			add("audit.file", "file is required when audit is enabled")
		}
		if c.Audit.MaxSizeMB < 1 {
			add("audit.max_size_mb", "max_size_mb must be at least 1, got %d", c.Audit.MaxSizeMB)
		}
	}

	// Validate logging configuration
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		add("logging.level", "level must be one of: debug, info, warn, error (got %q)", c.Logging.Level)
	}

	return errs
}
