package server

import (
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/config"
)

// Version is reported by the info endpoint.
const Version = "0.1.0"

// Config represents the server configuration
type Config struct {
	// Server settings
	HTTPPort int    `json:"http_port"`
	GRPCPort int    `json:"grpc_port"` // 0 disables the gRPC health service
	Host     string `json:"host"`

	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// RateLimitPerMinute bounds API requests per client; 0 disables limiting.
	RateLimitPerMinute int `json:"rate_limit_per_minute"`

	// WebSocket settings
	// AllowedOrigins lists permitted WebSocket origins.
	// Use "*" to allow all origins (development only). Defaults to localhost origins.
	AllowedOrigins []string `json:"allowed_origins"`

	MetricsEnabled bool `json:"metrics_enabled"`

	// Reported by /info
	StorageDriver string `json:"storage_driver"`
	OracleEnabled bool   `json:"oracle_enabled"`

	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64 `json:"max_body_bytes"`
}

// FromConfig derives the server configuration from the application config.
func FromConfig(cfg *config.Config) *Config {
	return &Config{
		HTTPPort:           cfg.Server.Port,
		GRPCPort:           cfg.Server.GRPCPort,
		Host:               cfg.Server.Host,
		ReadTimeout:        cfg.Server.ReadTimeout,
		WriteTimeout:       cfg.Server.WriteTimeout,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		AllowedOrigins:     cfg.Server.AllowedOrigins,
		MetricsEnabled:     cfg.Metrics.Enabled,
		StorageDriver:      cfg.Storage.Driver,
		OracleEnabled:      cfg.Oracle.Enabled,
	}
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 30 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 60 * time.Second
	}
	if out.MaxBodyBytes <= 0 {
		out.MaxBodyBytes = 10 << 20
	}
	return &out
}
