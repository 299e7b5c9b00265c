package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the main persistence interface.
type Store interface {
	LearningStore
	RunStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// Open returns a store for the given driver ("sqlite" or "postgres").
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// ─── Learning store ───────────────────────────────────────────────────────────

// LearningStore persists the adaptive weight tracker state.
type LearningStore interface {
	// LoadStrategyPerformance returns every persisted strategy record.
	LoadStrategyPerformance(ctx context.Context) ([]models.StrategyPerformanceRecord, error)

	// SaveStrategyPerformance upserts the given records in one transaction.
	SaveStrategyPerformance(ctx context.Context, records []models.StrategyPerformanceRecord) error

	// AppendSuccessfulStrategies appends entries and keeps only the newest keep rows.
	AppendSuccessfulStrategies(ctx context.Context, items []models.SuccessfulStrategy, keep int) error

	// ListSuccessfulStrategies returns up to limit entries, newest first.
	ListSuccessfulStrategies(ctx context.Context, limit int) ([]models.SuccessfulStrategy, error)
}

// ─── Run store ────────────────────────────────────────────────────────────────

// RunRecord is the DB representation of a detection run.
type RunRecord struct {
	RunID          string    `json:"run_id"`
	CreatedAt      time.Time `json:"created_at"`
	Severity       int       `json:"severity"`
	Confidence     float64   `json:"confidence"`
	AnomalyCount   int       `json:"anomaly_count"`
	Recommendation string    `json:"recommendation"`
	Degraded       bool      `json:"degraded"`
	Verdict        string    `json:"verdict"` // JSON blob
}

// RunStore persists detection run history.
type RunStore interface {
	// AppendRun stores a run; a duplicate run ID is ignored.
	AppendRun(ctx context.Context, rec *RunRecord) error

	// GetRun retrieves a run by ID. Returns ErrNotFound when absent.
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)
}
