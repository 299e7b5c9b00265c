package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Strategy performance ─────────────────────────────────────────────────────

func TestStrategyPerformanceUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	got, err := s.LoadStrategyPerformance(ctx)
	if err != nil {
		t.Fatalf("LoadStrategyPerformance: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty store, got %d records", len(got))
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	recs := []models.StrategyPerformanceRecord{
		{Strategy: models.StrategyStatistical, TotalRuns: 2, RunningConfidenceSum: 1.5, UpdatedAt: now},
		{Strategy: models.StrategyDrift, TotalRuns: 1, RunningConfidenceSum: 0.5, FeedbackTotal: 1, FeedbackCorrect: 1},
	}
	if err := s.SaveStrategyPerformance(ctx, recs); err != nil {
		t.Fatalf("SaveStrategyPerformance: %v", err)
	}

	recs[0].TotalRuns = 3
	recs[0].RunningConfidenceSum = 2.5
	if err := s.SaveStrategyPerformance(ctx, recs[:1]); err != nil {
		t.Fatalf("SaveStrategyPerformance update: %v", err)
	}

	got, err = s.LoadStrategyPerformance(ctx)
	if err != nil {
		t.Fatalf("LoadStrategyPerformance: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d", len(got))
	}
	// ordered by strategy_id: drift, statistical
	if got[0].Strategy != models.StrategyDrift || got[0].FeedbackCorrect != 1 {
		t.Errorf("unexpected drift record: %+v", got[0])
	}
	if got[1].TotalRuns != 3 || got[1].RunningConfidenceSum != 2.5 {
		t.Errorf("expected updated statistical record, got %+v", got[1])
	}
	if !got[1].UpdatedAt.Equal(now) {
		t.Errorf("expected updated_at %v, got %v", now, got[1].UpdatedAt)
	}
	if !got[0].UpdatedAt.IsZero() {
		t.Errorf("expected zero updated_at, got %v", got[0].UpdatedAt)
	}
}

// ─── Successful strategies ────────────────────────────────────────────────────

func TestSuccessfulStrategiesKeepNewest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for batch := 0; batch < 3; batch++ {
		var items []models.SuccessfulStrategy
		for i := 0; i < 4; i++ {
			n := batch*4 + i
			items = append(items, models.SuccessfulStrategy{
				RunID:          fmt.Sprintf("run-%02d", n),
				Timestamp:      time.Now(),
				Severity:       8,
				Confidence:     0.9,
				AnomalyCount:   n,
				AgentAgreement: 1,
				Summary:        "spike",
			})
		}
		if err := s.AppendSuccessfulStrategies(ctx, items, 5); err != nil {
			t.Fatalf("AppendSuccessfulStrategies: %v", err)
		}
	}

	list, err := s.ListSuccessfulStrategies(ctx, 100)
	if err != nil {
		t.Fatalf("ListSuccessfulStrategies: %v", err)
	}
	if len(list) != 5 {
		t.Fatalf("expected 5 retained entries, got %d", len(list))
	}
	if list[0].RunID != "run-11" || list[4].RunID != "run-07" {
		t.Errorf("expected run-11..run-07 newest first, got %s..%s", list[0].RunID, list[4].RunID)
	}

	list, err = s.ListSuccessfulStrategies(ctx, 2)
	if err != nil {
		t.Fatalf("ListSuccessfulStrategies: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("expected 2 entries, got %d", len(list))
	}
}

func TestAppendSuccessfulStrategiesEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendSuccessfulStrategies(context.Background(), nil, 100); err != nil {
		t.Fatalf("AppendSuccessfulStrategies: %v", err)
	}
}

// ─── Detection runs ───────────────────────────────────────────────────────────

func TestRunHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 10, 17, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		rec := &RunRecord{
			RunID:          fmt.Sprintf("run-%d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
			Severity:       5 + i,
			Confidence:     0.6,
			AnomalyCount:   i,
			Recommendation: "MEDIUM",
			Degraded:       i == 1,
			Verdict:        `{"severity":5}`,
		}
		if err := s.AppendRun(ctx, rec); err != nil {
			t.Fatalf("AppendRun %d: %v", i, err)
		}
	}

	// duplicates are ignored
	if err := s.AppendRun(ctx, &RunRecord{RunID: "run-0", CreatedAt: base, Severity: 10}); err != nil {
		t.Fatalf("AppendRun duplicate: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if !got.Degraded || got.Severity != 6 || !got.CreatedAt.Equal(base.Add(time.Minute)) {
		t.Errorf("unexpected run: %+v", got)
	}

	first, err := s.GetRun(ctx, "run-0")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if first.Severity != 5 {
		t.Errorf("duplicate insert overwrote run: severity %d", first.Severity)
	}

	list, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(list) != 2 || list[0].RunID != "run-2" {
		t.Errorf("expected newest run first, got %+v", list)
	}

	_, err = s.GetRun(ctx, "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "learning.db")

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ctx := context.Background()
	if err := s.SaveStrategyPerformance(ctx, []models.StrategyPerformanceRecord{
		{Strategy: models.StrategyCluster, TotalRuns: 4, RunningConfidenceSum: 2},
	}); err != nil {
		t.Fatalf("SaveStrategyPerformance: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	got, err := s.LoadStrategyPerformance(ctx)
	if err != nil {
		t.Fatalf("LoadStrategyPerformance: %v", err)
	}
	if len(got) != 1 || got[0].TotalRuns != 4 {
		t.Errorf("expected persisted cluster record, got %+v", got)
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	if _, err := Open("oracle", ""); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
