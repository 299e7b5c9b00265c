package analytics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/kubilitics/anomaly-hunter/internal/analytics/anomaly"
	"github.com/kubilitics/anomaly-hunter/internal/audit"
	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Package analytics provides the synthesis engine.
//
// Responsibilities:
//   - Validate the input series before any detector runs
//   - Fan out to every detector concurrently, each under its own timeout
//   - Absorb single-detector failures (graceful degradation)
//   - Combine findings into one verdict: weighted severity, mean confidence,
//     union of anomaly indices, recommendation tier
//   - Report every completed verdict to the weight tracker and event sink
//
// Synthesis Rule:
//   weight_i   = confidence_i * (0.5 + 0.5 * adaptive_weight_i)
//   severity   = round_half_up(sum(severity_i * weight_i) / sum(weight_i)), clamp [1,10]
//   confidence = mean(confidence_i)
//
// Cancellation:
//   - A cancelled run returns the context error
//   - Cancelled or totally failed runs are never recorded
//
// Integration Points:
//   - Detectors (analytics/anomaly)
//   - Adaptive Weight Tracker (learning)
//   - Event sinks (integration/events)
//   - Audit log, Prometheus metrics

// DefaultDetectorTimeout bounds one detector invocation.
const DefaultDetectorTimeout = 10 * time.Second

// WeightTracker is the part of the adaptive weight tracker the engine needs.
type WeightTracker interface {
	Weights() map[models.StrategyID]float64
	RecordOutcome(verdict *models.Verdict) error
}

// EventSink receives one event per completed run.
type EventSink interface {
	RecordDetectionEvent(ctx context.Context, verdict *models.Verdict) error
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// Detectors default to anomaly.NewDetectors with no oracle.
	Detectors       []anomaly.Detector
	Tracker         WeightTracker
	Sink            EventSink
	DetectorTimeout time.Duration
	// MaxConcurrentRuns bounds simultaneous Investigate calls; 0 means unbounded.
	MaxConcurrentRuns int64
	Clock             clock.Clock
	Logger            *zap.Logger
	Audit             audit.Logger
}

// Engine is the synthesis engine.
type Engine struct {
	detectors       []anomaly.Detector
	tracker         WeightTracker
	sink            EventSink
	detectorTimeout time.Duration
	sem             *semaphore.Weighted
	clock           clock.Clock
	logger          *zap.Logger
	audit           audit.Logger
}

// NewEngine creates a synthesis engine.
func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		detectors:       opts.Detectors,
		tracker:         opts.Tracker,
		sink:            opts.Sink,
		detectorTimeout: opts.DetectorTimeout,
		clock:           opts.Clock,
		logger:          opts.Logger,
		audit:           opts.Audit,
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if len(e.detectors) == 0 {
		e.detectors = anomaly.NewDetectors(anomaly.Options{Logger: e.logger})
	}
	if e.detectorTimeout <= 0 {
		e.detectorTimeout = DefaultDetectorTimeout
	}
	if opts.MaxConcurrentRuns > 0 {
		e.sem = semaphore.NewWeighted(opts.MaxConcurrentRuns)
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	if e.audit == nil {
		e.audit = audit.NewNopLogger(e.logger)
	}
	return e
}

// Investigate runs every detector on the series and synthesizes a verdict.
func (e *Engine) Investigate(ctx context.Context, series *models.Series) (*models.Verdict, error) {
	if series == nil {
		metrics.DetectionRunsTotal.WithLabelValues("invalid").Inc()
		return nil, &models.InvalidInputError{Reason: "nil series"}
	}
	if err := series.Validate(); err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	if e.sem != nil {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			metrics.DetectionRunsTotal.WithLabelValues("cancelled").Inc()
			return nil, fmt.Errorf("waiting for run slot: %w", err)
		}
		defer e.sem.Release(1)
	}

	runID := uuid.NewString()
	ctx = audit.WithCorrelationID(ctx, runID)
	start := e.clock.Now()
	logger := e.logger.With(zap.String("run_id", runID))

	// Weights are read once so this run never sees its own updates.
	var weights map[models.StrategyID]float64
	if e.tracker != nil {
		weights = e.tracker.Weights()
	}

	findings := make([]*models.Finding, len(e.detectors))
	errs := make([]error, len(e.detectors))

	var g errgroup.Group
	for i, d := range e.detectors {
		i, d := i, d
		g.Go(func() error {
			findings[i], errs[i] = e.runDetector(ctx, d, series)
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		metrics.DetectionRunsTotal.WithLabelValues("cancelled").Inc()
		logger.Info("detection run cancelled", zap.Error(err))
		return nil, fmt.Errorf("detection run %s: %w", runID, err)
	}

	var (
		ok       []models.Finding
		failures []*models.DetectorFailure
		skipped  []models.SkippedStrategy
	)
	for i, d := range e.detectors {
		if errs[i] != nil {
			failure := &models.DetectorFailure{Strategy: d.Strategy(), Err: errs[i]}
			failures = append(failures, failure)
			skipped = append(skipped, models.SkippedStrategy{Strategy: d.Strategy(), Reason: errs[i].Error()})
			metrics.DetectorFailuresTotal.WithLabelValues(string(d.Strategy())).Inc()
			logger.Warn("detector failed, continuing without it",
				zap.String("strategy", string(d.Strategy())),
				zap.Error(errs[i]),
			)
			continue
		}
		ok = append(ok, normalizeFinding(*findings[i], series.Len()))
	}

	if len(ok) == 0 {
		err := &models.AllStrategiesFailedError{Failures: failures}
		metrics.DetectionRunsTotal.WithLabelValues("failed").Inc()
		_ = e.audit.LogDetectionFailed(ctx, runID, err)
		logger.Error("detection run failed", zap.Error(err))
		return nil, err
	}

	v := Synthesize(ok, weights)
	v.RunID = runID
	v.Timestamp = start.UTC()
	v.Duration = e.clock.Since(start)
	v.Skipped = skipped

	if e.tracker != nil {
		if err := e.tracker.RecordOutcome(v); err != nil {
			logger.Warn("failed to record outcome", zap.Error(err))
		}
	}
	if e.sink != nil {
		if err := e.sink.RecordDetectionEvent(ctx, v); err != nil {
			logger.Warn("failed to emit detection event", zap.Error(err))
		}
	}
	_ = e.audit.LogDetectionCompleted(ctx, v)
	observeVerdict(v)

	logger.Info("detection run completed",
		zap.Int("severity", v.Severity),
		zap.Float64("confidence", v.Confidence),
		zap.Int("anomalies", len(v.AnomalyIndices)),
		zap.Int("skipped", len(v.Skipped)),
		zap.Duration("duration", v.Duration),
	)
	return v, nil
}

// runDetector invokes one detector under the per-detector timeout. A panic
// or a missed deadline counts as a failure of that detector only.
func (e *Engine) runDetector(ctx context.Context, d anomaly.Detector, series *models.Series) (*models.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, e.detectorTimeout)
	defer cancel()

	type result struct {
		finding *models.Finding
		err     error
	}
	ch := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		f, err := d.Detect(ctx, series)
		ch <- result{finding: f, err: err}
	}()

	select {
	case r := <-ch:
		if r.err == nil && r.finding == nil {
			return nil, errors.New("detector returned no finding")
		}
		return r.finding, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("detector %s: %w", d.Strategy(), ctx.Err())
	}
}

// ─── Synthesis ────────────────────────────────────────────────────────────────

// Synthesize combines findings into a verdict. Strategies missing from
// weights use the cold-start weight 0.5. findings must not be empty.
func Synthesize(findings []models.Finding, weights map[models.StrategyID]float64) *models.Verdict {
	var (
		totalWeight  float64
		weightedSum  float64
		confSum      float64
		maxSeverity  int
		indexSet     = make(map[int]struct{})
		summaryParts = make([]string, 0, len(findings))
		observed     = make(map[models.StrategyID]float64, len(findings))
	)

	for _, f := range findings {
		adaptive, ok := weights[f.Strategy]
		if !ok {
			adaptive = 0.5
		}
		observed[f.Strategy] = adaptive

		w := f.Confidence * (0.5 + 0.5*adaptive)
		totalWeight += w
		weightedSum += float64(f.Severity) * w
		confSum += f.Confidence
		if f.Severity > maxSeverity {
			maxSeverity = f.Severity
		}
		for _, idx := range f.AnomalyIndices {
			indexSet[idx] = struct{}{}
		}
		summaryParts = append(summaryParts, fmt.Sprintf("%s: %s", f.Strategy, f.Summary))
	}

	severity := maxSeverity
	if totalWeight > 0 {
		severity = int(math.Floor(weightedSum/totalWeight + 0.5))
	}
	severity = clampSeverity(severity)

	indices := make([]int, 0, len(indexSet))
	for idx := range indexSet {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	return &models.Verdict{
		Severity:       severity,
		Confidence:     confSum / float64(len(findings)),
		AnomalyIndices: indices,
		Recommendation: Recommend(severity),
		Summary:        strings.Join(summaryParts, " | "),
		Findings:       findings,
		Weights:        observed,
	}
}

// normalizeFinding copies a finding with sorted, de-duplicated, in-range
// indices and bounded scores.
func normalizeFinding(f models.Finding, n int) models.Finding {
	seen := make(map[int]struct{}, len(f.AnomalyIndices))
	indices := make([]int, 0, len(f.AnomalyIndices))
	for _, idx := range f.AnomalyIndices {
		if idx < 0 || idx >= n {
			continue
		}
		if _, dup := seen[idx]; dup {
			continue
		}
		seen[idx] = struct{}{}
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	f.AnomalyIndices = indices
	f.Severity = clampSeverity(f.Severity)
	if math.IsNaN(f.Confidence) || f.Confidence < 0 {
		f.Confidence = 0
	} else if f.Confidence > 1 {
		f.Confidence = 1
	}
	return f
}

func clampSeverity(s int) int {
	if s < 1 {
		return 1
	}
	if s > 10 {
		return 10
	}
	return s
}

func observeVerdict(v *models.Verdict) {
	outcome := "success"
	if v.Degraded() {
		outcome = "degraded"
	}
	metrics.DetectionRunsTotal.WithLabelValues(outcome).Inc()
	metrics.DetectionRunDuration.Observe(v.Duration.Seconds())
	metrics.VerdictSeverity.Observe(float64(v.Severity))
	for _, f := range v.Findings {
		metrics.FindingSeverity.WithLabelValues(string(f.Strategy)).Observe(float64(f.Severity))
		metrics.FindingConfidence.WithLabelValues(string(f.Strategy)).Observe(f.Confidence)
	}
}
