package learning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
)

const (
	maxSuccessfulStrategies = 100
	successConfidence       = 0.85
	summaryLimit            = 200
	defaultRecentRuns       = 1024
	defaultRetryMaxElapsed  = 30 * time.Second
)

// Options configures a tracker.
type Options struct {
	// Store is optional; without it state lives for the process only.
	Store           StateStore
	Clock           clock.Clock
	Logger          *zap.Logger
	RetryMaxElapsed time.Duration
	// RecentRuns bounds how many run IDs accept feedback.
	RecentRuns int
}

// trackerImpl is the concrete Tracker.
type trackerImpl struct {
	mu              sync.RWMutex
	records         map[models.StrategyID]*models.StrategyPerformanceRecord
	totalDetections int64
	successful      []models.SuccessfulStrategy // oldest first
	pendingSuccess  []models.SuccessfulStrategy
	recentRuns      *lru.Cache[string, []models.StrategyID]

	store           StateStore
	clock           clock.Clock
	logger          *zap.Logger
	retryMaxElapsed time.Duration

	persistMu sync.Mutex
	dirty     chan struct{}
	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewTracker creates a tracker, loading any persisted state, and starts the
// persistence worker when a store is configured.
func NewTracker(ctx context.Context, opts Options) (Tracker, error) {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	if opts.RecentRuns <= 0 {
		opts.RecentRuns = defaultRecentRuns
	}

	recent, err := lru.New[string, []models.StrategyID](opts.RecentRuns)
	if err != nil {
		return nil, fmt.Errorf("recent runs cache: %w", err)
	}

	t := &trackerImpl{
		records:         make(map[models.StrategyID]*models.StrategyPerformanceRecord),
		recentRuns:      recent,
		store:           opts.Store,
		clock:           opts.Clock,
		logger:          opts.Logger,
		retryMaxElapsed: opts.RetryMaxElapsed,
		dirty:           make(chan struct{}, 1),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
	for _, s := range models.AllStrategies {
		t.records[s] = &models.StrategyPerformanceRecord{Strategy: s}
	}

	if t.store == nil {
		close(t.doneCh)
		t.publishWeights()
		return t, nil
	}

	if err := t.load(ctx); err != nil {
		return nil, err
	}
	t.publishWeights()
	go t.run()
	return t, nil
}

func (t *trackerImpl) load(ctx context.Context) error {
	records, err := t.store.LoadStrategyPerformance(ctx)
	if err != nil {
		return fmt.Errorf("load strategy performance: %w", err)
	}
	for i := range records {
		r := records[i]
		if !r.Strategy.Valid() {
			t.logger.Warn("ignoring persisted record for unknown strategy", zap.String("strategy", string(r.Strategy)))
			continue
		}
		t.records[r.Strategy] = &r
		// Every detection run produces at least one finding, so the largest
		// run count is the best lower bound on total detections.
		if r.TotalRuns > t.totalDetections {
			t.totalDetections = r.TotalRuns
		}
	}

	successful, err := t.store.ListSuccessfulStrategies(ctx, maxSuccessfulStrategies)
	if err != nil {
		return fmt.Errorf("load successful strategies: %w", err)
	}
	// The store returns newest first.
	for i := len(successful) - 1; i >= 0; i-- {
		t.successful = append(t.successful, successful[i])
	}

	t.logger.Info("learning state loaded",
		zap.Int("records", len(records)),
		zap.Int("successful_strategies", len(t.successful)),
	)
	return nil
}

// WeightFor returns the adaptive weight for a strategy.
func (t *trackerImpl) WeightFor(strategy models.StrategyID) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.weightLocked(strategy)
}

func (t *trackerImpl) weightLocked(strategy models.StrategyID) float64 {
	r, ok := t.records[strategy]
	if !ok || r.TotalRuns == 0 {
		return ColdStartWeight
	}
	return r.RunningConfidenceSum / float64(r.TotalRuns)
}

// Weights returns a consistent snapshot of all weights.
func (t *trackerImpl) Weights() map[models.StrategyID]float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[models.StrategyID]float64, len(t.records))
	for s := range t.records {
		out[s] = t.weightLocked(s)
	}
	return out
}

// RecordOutcome updates every strategy that produced a finding.
func (t *trackerImpl) RecordOutcome(v *models.Verdict) error {
	if v == nil {
		return fmt.Errorf("record outcome: nil verdict")
	}
	now := t.clock.Now().UTC()

	t.mu.Lock()
	strategies := make([]models.StrategyID, 0, len(v.Findings))
	for _, f := range v.Findings {
		r, ok := t.records[f.Strategy]
		if !ok {
			r = &models.StrategyPerformanceRecord{Strategy: f.Strategy}
			t.records[f.Strategy] = r
		}
		r.TotalRuns++
		r.RunningConfidenceSum += f.Confidence
		r.UpdatedAt = now
		strategies = append(strategies, f.Strategy)
	}
	t.totalDetections++

	if v.Confidence > successConfidence {
		s := successfulStrategy(v, now)
		t.successful = append(t.successful, s)
		if len(t.successful) > maxSuccessfulStrategies {
			t.successful = t.successful[len(t.successful)-maxSuccessfulStrategies:]
		}
		t.pendingSuccess = append(t.pendingSuccess, s)
	}
	t.mu.Unlock()

	if v.RunID != "" {
		t.recentRuns.Add(v.RunID, strategies)
	}
	t.publishWeights()
	t.markDirty()
	return nil
}

// RecordFeedback stores a correctness label; weights are untouched.
func (t *trackerImpl) RecordFeedback(ctx context.Context, runID string, strategy models.StrategyID, correct bool) error {
	strategies, ok := t.recentRuns.Get(runID)
	if !ok {
		return fmt.Errorf("feedback for %s: %w", runID, ErrUnknownRun)
	}

	targets := strategies
	if strategy != "" {
		found := false
		for _, s := range strategies {
			if s == strategy {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("feedback for %s/%s: %w", runID, strategy, ErrStrategyNotInRun)
		}
		targets = []models.StrategyID{strategy}
	}

	t.mu.Lock()
	for _, s := range targets {
		r := t.records[s]
		r.FeedbackTotal++
		if correct {
			r.FeedbackCorrect++
		}
	}
	t.mu.Unlock()

	t.markDirty()
	return nil
}

// Snapshot exports the tracker state.
func (t *trackerImpl) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snap := Snapshot{
		Strategies:           make(map[models.StrategyID]StrategySnapshot, len(t.records)),
		TotalDetections:      t.totalDetections,
		SuccessfulStrategies: len(t.successful),
	}
	for s, r := range t.records {
		ss := StrategySnapshot{
			TotalRuns:     r.TotalRuns,
			AvgConfidence: r.AvgConfidence(),
			Weight:        t.weightLocked(s),
			FeedbackTotal: r.FeedbackTotal,
		}
		if acc := r.Accuracy(); acc >= 0 {
			ss.Accuracy = &acc
		}
		snap.Strategies[s] = ss
	}
	return snap
}

// SuccessfulStrategies returns up to limit entries, newest first.
func (t *trackerImpl) SuccessfulStrategies(limit int) []models.SuccessfulStrategy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if limit <= 0 || limit > len(t.successful) {
		limit = len(t.successful)
	}
	out := make([]models.SuccessfulStrategy, 0, limit)
	for i := len(t.successful) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, t.successful[i])
	}
	return out
}

// Suggestions returns calibration suggestions.
func (t *trackerImpl) Suggestions() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var suggestions []string
	for _, s := range models.AllStrategies {
		r, ok := t.records[s]
		if !ok || r.TotalRuns < 10 {
			continue
		}
		if acc := r.Accuracy(); acc >= 0 && acc < 0.7 {
			suggestions = append(suggestions, fmt.Sprintf(
				"%s has low accuracy (%.1f%%). Consider adjusting thresholds.", s, acc*100))
		}
		if avg := r.AvgConfidence(); avg < 0.6 {
			suggestions = append(suggestions, fmt.Sprintf(
				"%s shows low confidence (%.1f%%). May need additional context.", s, avg*100))
		}
	}
	if t.totalDetections > 50 {
		suggestions = append(suggestions, fmt.Sprintf(
			"System has processed %d detections. Consider analyzing patterns for automation opportunities.",
			t.totalDetections))
	}
	return suggestions
}

// Flush persists the current state synchronously.
func (t *trackerImpl) Flush(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	return t.persist(ctx)
}

// Close stops the persistence worker after a final save.
func (t *trackerImpl) Close() error {
	t.closeOnce.Do(func() {
		if t.store != nil {
			close(t.stopCh)
		}
	})
	<-t.doneCh
	return nil
}

// ─── Persistence ──────────────────────────────────────────────────────────────

func (t *trackerImpl) markDirty() {
	if t.store == nil {
		return
	}
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

func (t *trackerImpl) run() {
	defer close(t.doneCh)
	for {
		select {
		case <-t.dirty:
			_ = t.persist(context.Background())
		case <-t.stopCh:
			_ = t.persist(context.Background())
			return
		}
	}
}

// persist writes a full snapshot of the records plus any new successful
// strategies, retrying with exponential backoff.
func (t *trackerImpl) persist(ctx context.Context) error {
	t.persistMu.Lock()
	defer t.persistMu.Unlock()

	t.mu.Lock()
	records := make([]models.StrategyPerformanceRecord, 0, len(t.records))
	for _, s := range models.AllStrategies {
		if r, ok := t.records[s]; ok {
			records = append(records, *r)
		}
	}
	pending := t.pendingSuccess
	t.pendingSuccess = nil
	t.mu.Unlock()

	op := func() error {
		if err := t.store.SaveStrategyPerformance(ctx, records); err != nil {
			return err
		}
		if len(pending) > 0 {
			if err := t.store.AppendSuccessfulStrategies(ctx, pending, maxSuccessfulStrategies); err != nil {
				return err
			}
			pending = nil
		}
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = t.retryMaxElapsed
	notify := func(err error, next time.Duration) {
		metrics.PersistRetriesTotal.Inc()
		t.logger.Warn("learning state write failed, retrying",
			zap.Error(err), zap.Duration("next", next))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		metrics.PersistFailuresTotal.Inc()
		t.logger.Error("learning state write abandoned", zap.Error(err))
		if len(pending) > 0 {
			t.mu.Lock()
			t.pendingSuccess = append(pending, t.pendingSuccess...)
			if len(t.pendingSuccess) > maxSuccessfulStrategies {
				t.pendingSuccess = t.pendingSuccess[len(t.pendingSuccess)-maxSuccessfulStrategies:]
			}
			t.mu.Unlock()
		}
		return fmt.Errorf("persist learning state: %w", err)
	}
	return nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (t *trackerImpl) publishWeights() {
	for s, w := range t.Weights() {
		metrics.AdaptiveWeight.WithLabelValues(string(s)).Set(w)
	}
}

func successfulStrategy(v *models.Verdict, now time.Time) models.SuccessfulStrategy {
	summary := models.TruncateText(v.Summary, summaryLimit)
	return models.SuccessfulStrategy{
		RunID:          v.RunID,
		Timestamp:      now,
		Severity:       v.Severity,
		Confidence:     v.Confidence,
		AnomalyCount:   len(v.AnomalyIndices),
		AgentAgreement: agentAgreement(v.Findings),
		Summary:        summary,
	}
}

// agentAgreement is 1/(1+variance) of the finding severities.
func agentAgreement(findings []models.Finding) float64 {
	if len(findings) == 0 {
		return 0
	}
	mean := 0.0
	for _, f := range findings {
		mean += float64(f.Severity)
	}
	mean /= float64(len(findings))
	variance := 0.0
	for _, f := range findings {
		d := float64(f.Severity) - mean
		variance += d * d
	}
	variance /= float64(len(findings))
	return 1 / (1 + variance)
}
