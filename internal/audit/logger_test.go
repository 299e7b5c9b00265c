package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	tmpDir := t.TempDir()
	return &Config{
		AuditLogPath: filepath.Join(tmpDir, "audit.log"),
		AppLogPath:   filepath.Join(tmpDir, "app.log"),
		MaxSize:      10,
		MaxBackups:   3,
		MaxAge:       7,
		LogLevel:     "info",
	}
}

func readAudit(t *testing.T, logger Logger, config *Config) string {
	t.Helper()
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	content, err := os.ReadFile(config.AuditLogPath)
	if err != nil {
		t.Fatalf("Failed to read audit log: %v", err)
	}
	return string(content)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(testConfig(t))
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if logger.AppLogger() == nil {
		t.Fatal("Expected app logger to be non-nil")
	}
}

func TestNewLoggerWithInvalidLevel(t *testing.T) {
	config := testConfig(t)
	config.LogLevel = "invalid"

	_, err := NewLogger(config)
	if err == nil {
		t.Fatal("Expected error for invalid log level")
	}
	if !strings.Contains(err.Error(), "invalid log level") {
		t.Errorf("Expected 'invalid log level' error, got: %v", err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.AuditLogPath != "logs/audit.log" {
		t.Errorf("Expected audit log path 'logs/audit.log', got %s", config.AuditLogPath)
	}
	if config.MaxSize != 100 {
		t.Errorf("Expected max size 100, got %d", config.MaxSize)
	}
	if config.LogLevel != "info" {
		t.Errorf("Expected log level 'info', got %s", config.LogLevel)
	}
}

func TestLogDetectionLifecycle(t *testing.T) {
	config := testConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	verdict := &models.Verdict{
		RunID:          "run-456",
		Severity:       7,
		Confidence:     0.63,
		AnomalyIndices: []int{25, 28},
		Recommendation: "HIGH",
		Findings:       []models.Finding{{Strategy: models.StrategyStatistical}},
		Skipped:        []models.SkippedStrategy{{Strategy: models.StrategyDrift, Reason: "timeout"}},
		Duration:       40 * time.Millisecond,
	}
	if err := logger.LogDetectionCompleted(ctx, verdict); err != nil {
		t.Fatalf("LogDetectionCompleted failed: %v", err)
	}
	if err := logger.LogDetectionFailed(ctx, "run-789", errors.New("all strategies failed")); err != nil {
		t.Fatalf("LogDetectionFailed failed: %v", err)
	}

	logContent := readAudit(t, logger, config)
	for _, want := range []string{"run-456", "detection.completed", "degraded", "skipped_drift", "run-789", "detection.failed"} {
		if !strings.Contains(logContent, want) {
			t.Errorf("Log does not contain %q", want)
		}
	}
}

func TestLogFeedback(t *testing.T) {
	config := testConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	if err := logger.LogFeedback(context.Background(), "run-1", models.StrategyCluster, true); err != nil {
		t.Fatalf("LogFeedback failed: %v", err)
	}

	logContent := readAudit(t, logger, config)
	if !strings.Contains(logContent, "learning.feedback") {
		t.Error("Log does not contain feedback event")
	}
	if !strings.Contains(logContent, "cluster") {
		t.Error("Log does not contain strategy")
	}
}

func TestBufferFullFlush(t *testing.T) {
	config := testConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := context.Background()
	for i := 0; i < 105; i++ {
		event := NewEvent(EventHealthCheck).
			WithCorrelationID("test").
			WithResult(ResultSuccess)
		if err := logger.Log(ctx, event); err != nil {
			t.Fatalf("Log failed: %v", err)
		}
	}

	eventCount := 0
	for _, line := range strings.Split(readAudit(t, logger, config), "\n") {
		if strings.TrimSpace(line) != "" {
			eventCount++
		}
	}
	if eventCount < 105 {
		t.Errorf("Expected at least 105 events, got %d", eventCount)
	}
}

func TestLogUsesContextCorrelationID(t *testing.T) {
	config := testConfig(t)
	logger, err := NewLogger(config)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	defer logger.Close()

	ctx := WithCorrelationID(context.Background(), "ctx-corr")
	if err := logger.Log(ctx, NewEvent(EventServerStarted)); err != nil {
		t.Fatalf("Log failed: %v", err)
	}
	if !strings.Contains(readAudit(t, logger, config), "ctx-corr") {
		t.Error("Log does not contain correlation ID from context")
	}
}

func TestCorrelationID(t *testing.T) {
	if GenerateCorrelationID() == GenerateCorrelationID() {
		t.Error("Generated correlation IDs should be unique")
	}

	ctx := context.Background()
	if id := GetCorrelationID(ctx); id != "" {
		t.Errorf("Expected empty correlation ID, got %s", id)
	}
	ctx = WithCorrelationID(ctx, "test-correlation-id")
	if id := GetCorrelationID(ctx); id != "test-correlation-id" {
		t.Errorf("Expected 'test-correlation-id', got %s", id)
	}
}

func TestEventBuilderChain(t *testing.T) {
	event := NewEvent(EventDetectionCompleted).
		WithCorrelationID("corr-123").
		WithSource("10.0.0.1", "curl/8").
		WithStrategy(models.StrategyDrift).
		WithSeverity(8).
		WithResult(ResultSuccess).
		WithDuration(3*time.Second).
		WithMetadata("reason", "spike")

	if event.CorrelationID != "corr-123" {
		t.Errorf("Expected correlation ID 'corr-123', got %s", event.CorrelationID)
	}
	if event.SourceIP != "10.0.0.1" {
		t.Errorf("Expected source IP '10.0.0.1', got %s", event.SourceIP)
	}
	if event.Strategy != "drift" {
		t.Errorf("Expected strategy 'drift', got %s", event.Strategy)
	}
	if event.Severity != 8 {
		t.Errorf("Expected severity 8, got %d", event.Severity)
	}
	if event.DurationMs != 3000 {
		t.Errorf("Expected duration 3000ms, got %d", event.DurationMs)
	}
	if reason, ok := event.Metadata["reason"].(string); !ok || reason != "spike" {
		t.Errorf("Expected metadata reason 'spike', got %v", event.Metadata["reason"])
	}
}

func TestWithErrorMarksFailure(t *testing.T) {
	event := DetectionFailedEvent("run-x", errors.New("boom"))
	if event.Result != ResultFailure {
		t.Errorf("Expected failure result, got %s", event.Result)
	}
	if event.ErrorCode != "detection_error" {
		t.Errorf("Expected error code 'detection_error', got %s", event.ErrorCode)
	}
}

func TestNopLogger(t *testing.T) {
	l := NewNopLogger(nil)
	if err := l.LogDetectionCompleted(context.Background(), &models.Verdict{}); err != nil {
		t.Fatalf("nop logger returned error: %v", err)
	}
	if l.AppLogger() == nil {
		t.Fatal("Expected nop app logger")
	}
}
