package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Logger defines the interface for audit logging
type Logger interface {
	// Log logs an audit event
	Log(ctx context.Context, event *Event) error

	// Detection run lifecycle
	LogDetectionCompleted(ctx context.Context, verdict *models.Verdict) error
	LogDetectionFailed(ctx context.Context, runID string, err error) error

	// LogFeedback logs an external correctness label for a run
	LogFeedback(ctx context.Context, runID string, strategy models.StrategyID, correct bool) error

	// AppLogger returns the rotating application logger
	AppLogger() *zap.Logger

	// Sync flushes buffered log entries
	Sync() error

	// Close closes the audit logger
	Close() error
}

// Config represents audit logger configuration
type Config struct {
	// AuditLogPath is the path to the audit log file
	AuditLogPath string

	// AppLogPath is the path to the application log file
	AppLogPath string

	// MaxSize is the maximum size in megabytes before rotation
	MaxSize int

	// MaxBackups is the maximum number of old log files to retain
	MaxBackups int

	// MaxAge is the maximum number of days to retain old log files
	MaxAge int

	// Compress determines if rotated files should be compressed
	Compress bool

	// LogLevel is the minimum log level (debug, info, warn, error)
	LogLevel string

	// Console mirrors application logs to stderr
	Console bool
}

// DefaultConfig returns default audit logger configuration
func DefaultConfig() *Config {
	return &Config{
		AuditLogPath: "logs/audit.log",
		AppLogPath:   "logs/app.log",
		MaxSize:      100, // megabytes
		MaxBackups:   10,
		MaxAge:       30, // days
		Compress:     true,
		LogLevel:     "info",
		Console:      true,
	}
}

const flushThreshold = 100

// auditLogger implements the Logger interface
type auditLogger struct {
	appLogger   *zap.Logger
	auditLogger *zap.Logger
	config      *Config
	mu          sync.Mutex
	buffer      []*Event
	flushTicker *time.Ticker
	stopCh      chan struct{}
	closeOnce   sync.Once
}

// NewLogger creates a new audit logger
func NewLogger(config *Config) (Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zapcore.ParseLevel(config.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %s: %w", config.LogLevel, err)
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	appRotator := &lumberjack.Logger{
		Filename:   config.AppLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	appCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(appRotator),
		level,
	)
	if config.Console {
		consoleCore := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			level,
		)
		appCore = zapcore.NewTee(appCore, consoleCore)
	}

	appLogger := zap.New(appCore, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	// Audit logs are always INFO level, append-only
	auditRotator := &lumberjack.Logger{
		Filename:   config.AuditLogPath,
		MaxSize:    config.MaxSize,
		MaxBackups: config.MaxBackups,
		MaxAge:     config.MaxAge,
		Compress:   config.Compress,
	}

	auditCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(auditRotator),
		zapcore.InfoLevel,
	)

	logger := &auditLogger{
		appLogger:   appLogger,
		auditLogger: zap.New(auditCore),
		config:      config,
		buffer:      make([]*Event, 0, flushThreshold),
		flushTicker: time.NewTicker(1 * time.Second),
		stopCh:      make(chan struct{}),
	}

	go logger.autoFlush()

	return logger, nil
}

// Log logs an audit event
func (l *auditLogger) Log(ctx context.Context, event *Event) error {
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.buffer = append(l.buffer, event)

	if len(l.buffer) >= flushThreshold {
		return l.flushLocked()
	}

	return nil
}

// flushLocked flushes the buffer (caller must hold lock)
func (l *auditLogger) flushLocked() error {
	if len(l.buffer) == 0 {
		return nil
	}

	for _, event := range l.buffer {
		eventJSON, err := json.Marshal(event)
		if err != nil {
			l.appLogger.Error("failed to marshal audit event",
				zap.Error(err),
				zap.String("event_type", string(event.EventType)),
			)
			continue
		}

		l.auditLogger.Info(string(eventJSON),
			zap.String("correlation_id", event.CorrelationID),
			zap.String("event_type", string(event.EventType)),
			zap.String("result", string(event.Result)),
		)
	}

	l.buffer = l.buffer[:0]

	return nil
}

// autoFlush periodically flushes the buffer
func (l *auditLogger) autoFlush() {
	for {
		select {
		case <-l.flushTicker.C:
			l.mu.Lock()
			_ = l.flushLocked()
			l.mu.Unlock()
		case <-l.stopCh:
			return
		}
	}
}

// LogDetectionCompleted logs a completed (possibly degraded) detection run
func (l *auditLogger) LogDetectionCompleted(ctx context.Context, v *models.Verdict) error {
	return l.Log(ctx, DetectionCompletedEvent(v))
}

// LogDetectionFailed logs a detection run that produced no verdict
func (l *auditLogger) LogDetectionFailed(ctx context.Context, runID string, err error) error {
	return l.Log(ctx, DetectionFailedEvent(runID, err))
}

// LogFeedback logs an external correctness label
func (l *auditLogger) LogFeedback(ctx context.Context, runID string, strategy models.StrategyID, correct bool) error {
	event := NewEvent(EventLearningFeedback).
		WithCorrelationID(runID).
		WithStrategy(strategy).
		WithResult(ResultSuccess).
		WithMetadata("correct", correct).
		WithDescription(fmt.Sprintf("Feedback for %s on run %s: correct=%t", strategy, runID, correct))

	return l.Log(ctx, event)
}

// AppLogger returns the rotating application logger
func (l *auditLogger) AppLogger() *zap.Logger {
	return l.appLogger
}

// Sync flushes buffered log entries
func (l *auditLogger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.flushLocked(); err != nil {
		return err
	}

	if err := l.auditLogger.Sync(); err != nil {
		return err
	}

	// stderr sync fails on some terminals; the file core has been flushed.
	_ = l.appLogger.Sync()
	return nil
}

// Close closes the audit logger
func (l *auditLogger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stopCh)
		l.flushTicker.Stop()
	})
	return l.Sync()
}

// DetectionCompletedEvent builds the audit record of a verdict
func DetectionCompletedEvent(v *models.Verdict) *Event {
	result := ResultSuccess
	if v.Degraded() {
		result = ResultDegraded
	}
	event := NewEvent(EventDetectionCompleted).
		WithCorrelationID(v.RunID).
		WithResult(result).
		WithDuration(v.Duration).
		WithSeverity(v.Severity).
		WithMetadata("confidence", v.Confidence).
		WithMetadata("anomaly_count", len(v.AnomalyIndices)).
		WithMetadata("recommendation", v.Recommendation).
		WithDescription(fmt.Sprintf("Detection %s completed with severity %d", v.RunID, v.Severity))
	for _, s := range v.Skipped {
		event.WithMetadata("skipped_"+string(s.Strategy), s.Reason)
	}
	return event
}

// DetectionFailedEvent builds the audit record of a failed run
func DetectionFailedEvent(runID string, err error) *Event {
	return NewEvent(EventDetectionFailed).
		WithCorrelationID(runID).
		WithError(err, "detection_error").
		WithDescription(fmt.Sprintf("Detection %s failed", runID))
}

type correlationKey struct{}

// GetCorrelationID extracts correlation ID from context
func GetCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(correlationKey{}).(string); ok {
		return id
	}
	return ""
}

// WithCorrelationID adds correlation ID to context
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// GenerateCorrelationID generates a new correlation ID
func GenerateCorrelationID() string {
	return uuid.NewString()
}

// nopLogger discards audit events; used when auditing is disabled.
type nopLogger struct {
	app *zap.Logger
}

// NewNopLogger returns a Logger that drops every event.
func NewNopLogger(app *zap.Logger) Logger {
	if app == nil {
		app = zap.NewNop()
	}
	return &nopLogger{app: app}
}

func (n *nopLogger) Log(context.Context, *Event) error { return nil }
func (n *nopLogger) LogDetectionCompleted(context.Context, *models.Verdict) error {
	return nil
}
func (n *nopLogger) LogDetectionFailed(context.Context, string, error) error { return nil }
func (n *nopLogger) LogFeedback(context.Context, string, models.StrategyID, bool) error {
	return nil
}
func (n *nopLogger) AppLogger() *zap.Logger { return n.app }
func (n *nopLogger) Sync() error            { return nil }
func (n *nopLogger) Close() error           { return nil }
