package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Detection service metrics for production monitoring
var (
	// Detection run metrics
	DetectionRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_detection_runs_total",
			Help: "Total number of detection runs by outcome",
		},
		[]string{"outcome"}, // complete, degraded, failed, invalid, cancelled
	)

	DetectionRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anomaly_hunter_detection_run_duration_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
	)

	VerdictSeverity = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "anomaly_hunter_verdict_severity",
			Help:    "Distribution of synthesized verdict severities",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
	)

	// Per-strategy metrics
	FindingSeverity = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_hunter_finding_severity",
			Help:    "Distribution of per-strategy finding severities",
			Buckets: prometheus.LinearBuckets(1, 1, 10),
		},
		[]string{"strategy"},
	)

	FindingConfidence = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_hunter_finding_confidence",
			Help:    "Distribution of per-strategy finding confidences",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
		},
		[]string{"strategy"},
	)

	DetectorFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_detector_failures_total",
			Help: "Total number of detector failures and timeouts",
		},
		[]string{"strategy"},
	)

	AdaptiveWeight = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "anomaly_hunter_adaptive_weight",
			Help: "Current adaptive weight per strategy",
		},
		[]string{"strategy"},
	)

	// Oracle metrics
	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_oracle_requests_total",
			Help: "Total number of oracle requests",
		},
		[]string{"provider", "model", "status"},
	)

	OracleRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_hunter_oracle_request_duration_seconds",
			Help:    "Oracle request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	OracleFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_oracle_fallbacks_total",
			Help: "Total number of deterministic severity fallbacks",
		},
		[]string{"strategy"},
	)

	// Cache metrics
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// Persistence metrics
	PersistRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_persist_retries_total",
			Help: "Total number of learning-state persistence retries",
		},
	)

	PersistFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_persist_failures_total",
			Help: "Total number of learning-state writes abandoned after retries",
		},
	)

	// Event metrics
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_events_published_total",
			Help: "Total number of detection events published per sink",
		},
		[]string{"sink", "status"},
	)

	// API metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "anomaly_hunter_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "anomaly_hunter_rate_limited_total",
			Help: "Total number of requests rejected by the rate limiter",
		},
	)

	// WebSocket metrics
	WebSocketConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "anomaly_hunter_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		},
	)
)
