package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/kubilitics/anomaly-hunter/internal/analytics"
	"github.com/kubilitics/anomaly-hunter/internal/audit"
	"github.com/kubilitics/anomaly-hunter/internal/db"
	"github.com/kubilitics/anomaly-hunter/internal/integration/events"
	"github.com/kubilitics/anomaly-hunter/internal/learning"
	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/middleware"
)

// Dependencies are the components the server exposes over HTTP.
type Dependencies struct {
	Engine   *analytics.Engine
	Pipeline *analytics.Pipeline
	Tracker  learning.Tracker
	// Runs is optional; without it run lookups return 503.
	Runs   db.RunStore
	Recent *events.RecentEvents
	Hub    *Hub
	Audit  audit.Logger
	Logger *zap.Logger

	// ReadinessChecks are added to /ready (storage ping, oracle ping).
	ReadinessChecks map[string]healthcheck.Check
}

// Server represents the anomaly-hunter API server
type Server struct {
	config *Config
	deps   Dependencies
	logger *zap.Logger

	limiter *middleware.RateLimiter
	health  healthcheck.Handler

	// HTTP and gRPC servers
	httpServer   *http.Server
	grpcServer   *grpc.Server
	healthServer *health.Server

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates a new API server
func NewServer(cfg *Config, deps Dependencies) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if deps.Tracker == nil {
		return nil, fmt.Errorf("tracker cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = audit.NewNopLogger(deps.Logger)
	}
	if deps.Recent == nil {
		deps.Recent = events.NewRecentEvents(0)
	}
	if deps.Pipeline == nil {
		deps.Pipeline = analytics.NewPipeline(deps.Engine, 0, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:  cfg.withDefaults(),
		deps:    deps,
		logger:  deps.Logger,
		limiter: middleware.NewRateLimiter(cfg.RateLimitPerMinute),
		ctx:     ctx,
		cancel:  cancel,
	}
	if srv.deps.Hub == nil {
		srv.deps.Hub = NewHub(cfg.AllowedOrigins, deps.Logger)
	}
	srv.initializeHealth()

	return srv, nil
}

// initializeHealth registers liveness and readiness checks
func (s *Server) initializeHealth() {
	s.health = healthcheck.NewHandler()
	s.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))
	s.health.AddReadinessCheck("server", func() error {
		if !s.IsRunning() {
			return errors.New("server is not running")
		}
		return nil
	})
	for name, check := range s.deps.ReadinessChecks {
		s.health.AddReadinessCheck(name, check)
	}
}

// Handler returns the full HTTP handler (routes plus middleware)
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerHandlers(mux)
	return s.instrument(mux)
}

// Start starts the server
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.HTTPPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	if s.config.GRPCPort > 0 {
		if err := s.startGRPC(); err != nil {
			s.mu.Unlock()
			listener.Close()
			return err
		}
	}
	s.running = true
	s.mu.Unlock()

	// Start HTTP server
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("anomaly-hunter server started",
		zap.String("address", listener.Addr().String()),
		zap.Int("grpc_port", s.config.GRPCPort),
		zap.String("storage", s.config.StorageDriver),
		zap.Bool("oracle", s.config.OracleEnabled),
		zap.Int("rate_limit_per_minute", s.config.RateLimitPerMinute),
	)
	return nil
}

// startGRPC exposes the standard gRPC health service for orchestrators
func (s *Server) startGRPC() error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.GRPCPort))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.grpcServer = grpc.NewServer(grpc.ConnectionTimeout(30 * time.Second))
	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(listener); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	s.logger.Info("gRPC health service started", zap.String("address", listener.Addr().String()))
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	s.logger.Info("Stopping anomaly-hunter server")
	_ = s.deps.Audit.Log(context.Background(), audit.NewEvent(audit.EventServerShutdown).WithResult(audit.ResultSuccess))

	if s.healthServer != nil {
		s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	}

	// Shutdown HTTP server
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("Error shutting down HTTP server", zap.Error(err))
		}
	}

	if s.grpcServer != nil {
		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(5 * time.Second):
			s.logger.Warn("gRPC server forced to stop after timeout")
			s.grpcServer.Stop()
		}
	}

	s.deps.Hub.Close()
	s.limiter.Stop()

	// Cancel context
	s.cancel()

	// Wait for goroutines
	s.wg.Wait()

	s.logger.Info("anomaly-hunter server stopped")
	return nil
}

// Wait blocks until the server is stopped
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers
func (s *Server) registerHandlers(mux *http.ServeMux) {
	// Liveness and readiness
	mux.Handle("GET /live", s.health)
	mux.Handle("GET /ready", s.health)

	// Info endpoint
	mux.HandleFunc("GET /info", s.handleInfo)

	if s.config.MetricsEnabled {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Detection endpoints (rate limited)
	api := func(h http.HandlerFunc) http.Handler { return s.limiter.Middleware(h) }
	mux.Handle("POST /api/v1/detect", api(s.handleDetect))
	mux.Handle("POST /api/v1/detect/batch", api(s.handleDetectBatch))
	mux.Handle("GET /api/v1/detect/batch/last", api(s.handleLastBatch))

	// Learning endpoints
	mux.Handle("GET /api/v1/learning", api(s.handleLearning))

	// Run history and feedback
	mux.Handle("GET /api/v1/runs", api(s.handleListRuns))
	mux.Handle("GET /api/v1/runs/{id}", api(s.handleGetRun))
	mux.Handle("POST /api/v1/runs/{id}/feedback", api(s.handleFeedback))

	// Events
	mux.Handle("GET /api/v1/events/recent", api(s.handleRecentEvents))
	mux.Handle("GET /api/v1/events/stats", api(s.handleEventStats))
	mux.Handle("GET /ws/verdicts", s.deps.Hub)
}

// statusRecorder captures the response status for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

// instrument records request counts and latencies by route pattern
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, pattern, strconv.Itoa(rec.status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, pattern).Observe(time.Since(start).Seconds())
	})
}
