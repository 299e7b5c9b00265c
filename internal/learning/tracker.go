package learning

import (
	"context"
	"errors"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Package learning provides the adaptive weight tracker.
//
// Responsibilities:
//   - Own every StrategyPerformanceRecord (total runs, running confidence sum)
//   - Derive the per-strategy weight used by the synthesis engine
//   - Update records from every completed verdict
//   - Persist learning state durably, best-effort and off the hot path
//   - Keep a log of high-confidence verdicts as historical context
//   - Accept optional correctness feedback without touching weights
//   - Suggest calibration work from accumulated statistics
//
// Learning Rule:
//   - weight = running_confidence_sum / total_runs
//   - 0.5 before a strategy's first run (cold start)
//   - Simple cumulative mean, no decay and no windowing
//
// Concurrency:
//   - Reads (Weights) return one consistent snapshot across strategies
//   - Updates are serialized, so concurrent runs never lose increments
//   - Persistence runs on a background worker with exponential backoff
//
// Integration Points:
//   - Synthesis Engine: Weights before a run, RecordOutcome after it
//   - Storage (db): load at startup, save after each outcome
//   - REST API: snapshot, suggestions and feedback endpoints
//   - Metrics: adaptive weight gauge per strategy

// ColdStartWeight is the weight of a strategy that has never run.
const ColdStartWeight = 0.5

var (
	// ErrUnknownRun is returned for feedback on a run the tracker never saw
	// or has already evicted.
	ErrUnknownRun = errors.New("unknown run")

	// ErrStrategyNotInRun is returned for feedback naming a strategy that did
	// not produce a finding in that run.
	ErrStrategyNotInRun = errors.New("strategy did not participate in run")
)

// Tracker is the adaptive weight tracker.
type Tracker interface {
	// WeightFor returns the adaptive weight in [0,1] for a strategy.
	WeightFor(strategy models.StrategyID) float64

	// Weights returns a consistent snapshot of all known strategy weights.
	Weights() map[models.StrategyID]float64

	// RecordOutcome folds every finding of the verdict into the records.
	RecordOutcome(verdict *models.Verdict) error

	// RecordFeedback stores a correctness label for a past run. An empty
	// strategy applies the label to every strategy of the run.
	// Weights are not affected.
	RecordFeedback(ctx context.Context, runID string, strategy models.StrategyID, correct bool) error

	// Snapshot exports the tracker state for dashboards.
	Snapshot() Snapshot

	// SuccessfulStrategies returns up to limit high-confidence verdicts, newest first.
	SuccessfulStrategies(limit int) []models.SuccessfulStrategy

	// Suggestions returns calibration suggestions.
	Suggestions() []string

	// Flush persists the current state synchronously.
	Flush(ctx context.Context) error

	// Close stops the persistence worker after a final save.
	Close() error
}

// StateStore is the durable backend of the tracker.
type StateStore interface {
	LoadStrategyPerformance(ctx context.Context) ([]models.StrategyPerformanceRecord, error)
	SaveStrategyPerformance(ctx context.Context, records []models.StrategyPerformanceRecord) error
	AppendSuccessfulStrategies(ctx context.Context, items []models.SuccessfulStrategy, keep int) error
	ListSuccessfulStrategies(ctx context.Context, limit int) ([]models.SuccessfulStrategy, error)
}

// StrategySnapshot is the exported state of one strategy.
type StrategySnapshot struct {
	TotalRuns     int64   `json:"total_runs"`
	AvgConfidence float64 `json:"avg_confidence"`
	Weight        float64 `json:"weight"`
	FeedbackTotal int64   `json:"feedback_total"`
	// Accuracy is nil until feedback exists.
	Accuracy *float64 `json:"accuracy,omitempty"`
}

// Snapshot is the read-only export of the tracker.
type Snapshot struct {
	Strategies           map[models.StrategyID]StrategySnapshot `json:"strategies"`
	TotalDetections      int64                                  `json:"total_detections"`
	SuccessfulStrategies int                                    `json:"successful_strategies"`
}
