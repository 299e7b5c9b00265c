package config

import "time"

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = ""
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 0
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 60 * time.Second
	cfg.Server.RateLimitPerMinute = 120
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	// Detection defaults
	cfg.Detection.DetectorTimeout = 10 * time.Second
	cfg.Detection.ZThreshold = 3.0
	cfg.Detection.IQRMultiplier = 1.5
	cfg.Detection.ClusterGap = 5
	cfg.Detection.MaxClusters = 10
	cfg.Detection.DriftThreshold = 20
	cfg.Detection.TrendThreshold = 5
	cfg.Detection.MaxConcurrentRuns = 8
	cfg.Detection.BatchConcurrency = 4

	// Oracle defaults
	cfg.Oracle.Enabled = false
	cfg.Oracle.Endpoint = "http://localhost:11434"
	cfg.Oracle.Model = "llama3"
	cfg.Oracle.Timeout = 30 * time.Second
	cfg.Oracle.Temperature = 0.2
	cfg.Oracle.CacheSize = 512
	cfg.Oracle.CacheTTL = 24 * time.Hour

	// Storage defaults
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.DSN = "anomaly-hunter.db"
	cfg.Storage.PersistRetryMaxElapsed = 30 * time.Second
	cfg.Storage.RecentRuns = 1024

	// Events defaults
	cfg.Events.QueueSize = 256
	cfg.Events.RingSize = 1000
	cfg.Events.Kafka.Enabled = false
	cfg.Events.Kafka.Brokers = []string{"localhost:9092"}
	cfg.Events.Kafka.Topic = "anomaly-hunter-events"
	cfg.Events.Kafka.Balancer = "Hash"
	cfg.Events.Archive.Enabled = false
	cfg.Events.Archive.Bucket = "anomaly-hunter"
	cfg.Events.Archive.Secure = true
	cfg.Events.Archive.Prefix = "runs/"

	// Audit defaults
	cfg.Audit.Enabled = true
	cfg.Audit.File = "logs/audit.log"
	cfg.Audit.AppFile = "logs/app.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Console = true

	// Metrics defaults
	cfg.Metrics.Enabled = true

	return cfg
}
