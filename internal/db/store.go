package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// migrations are written in the SQL subset shared by SQLite and Postgres.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     []string
}{
	{
		version: 1,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS strategy_performance (
    strategy_id            TEXT PRIMARY KEY,
    total_runs             BIGINT NOT NULL DEFAULT 0,
    running_confidence_sum DOUBLE PRECISION NOT NULL DEFAULT 0,
    feedback_total         BIGINT NOT NULL DEFAULT 0,
    feedback_correct       BIGINT NOT NULL DEFAULT 0,
    updated_at             BIGINT NOT NULL DEFAULT 0
)`,
			`CREATE TABLE IF NOT EXISTS successful_strategies (
    seq             BIGINT NOT NULL,
    run_id          TEXT NOT NULL DEFAULT '',
    created_at      BIGINT NOT NULL,
    severity        BIGINT NOT NULL,
    confidence      DOUBLE PRECISION NOT NULL,
    anomaly_count   BIGINT NOT NULL DEFAULT 0,
    agent_agreement DOUBLE PRECISION NOT NULL DEFAULT 0,
    summary         TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (seq)
)`,
		},
	},
	// Migration 2: run history
	{
		version: 2,
		sql: []string{
			`CREATE TABLE IF NOT EXISTS detection_runs (
    run_id         TEXT PRIMARY KEY,
    created_at     BIGINT NOT NULL,
    severity       BIGINT NOT NULL,
    confidence     DOUBLE PRECISION NOT NULL,
    anomaly_count  BIGINT NOT NULL DEFAULT 0,
    recommendation TEXT NOT NULL DEFAULT '',
    degraded       BIGINT NOT NULL DEFAULT 0,
    verdict        TEXT NOT NULL DEFAULT '{}'
)`,
			`CREATE INDEX IF NOT EXISTS idx_detection_runs_created_at ON detection_runs(created_at DESC)`,
		},
	},
}

// sqlStore is the sqlx-backed implementation of Store shared by both drivers.
type sqlStore struct {
	db *sqlx.DB
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    BIGINT PRIMARY KEY,
        applied_at BIGINT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		tx, err := s.db.Beginx()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.sql {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(tx.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`),
			m.version, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Strategy performance ─────────────────────────────────────────────────────

type performanceRow struct {
	StrategyID           string  `db:"strategy_id"`
	TotalRuns            int64   `db:"total_runs"`
	RunningConfidenceSum float64 `db:"running_confidence_sum"`
	FeedbackTotal        int64   `db:"feedback_total"`
	FeedbackCorrect      int64   `db:"feedback_correct"`
	UpdatedAt            int64   `db:"updated_at"`
}

func (s *sqlStore) LoadStrategyPerformance(ctx context.Context) ([]models.StrategyPerformanceRecord, error) {
	var rows []performanceRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT strategy_id, total_runs, running_confidence_sum, feedback_total, feedback_correct, updated_at
        FROM strategy_performance ORDER BY strategy_id`)
	if err != nil {
		return nil, fmt.Errorf("query strategy_performance: %w", err)
	}
	out := make([]models.StrategyPerformanceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.StrategyPerformanceRecord{
			Strategy:             models.StrategyID(r.StrategyID),
			TotalRuns:            r.TotalRuns,
			RunningConfidenceSum: r.RunningConfidenceSum,
			FeedbackTotal:        r.FeedbackTotal,
			FeedbackCorrect:      r.FeedbackCorrect,
			UpdatedAt:            fromMillis(r.UpdatedAt),
		})
	}
	return out, nil
}

func (s *sqlStore) SaveStrategyPerformance(ctx context.Context, records []models.StrategyPerformanceRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := tx.Rebind(`
        INSERT INTO strategy_performance(strategy_id, total_runs, running_confidence_sum, feedback_total, feedback_correct, updated_at)
        VALUES(?,?,?,?,?,?)
        ON CONFLICT(strategy_id) DO UPDATE SET
            total_runs             = excluded.total_runs,
            running_confidence_sum = excluded.running_confidence_sum,
            feedback_total         = excluded.feedback_total,
            feedback_correct       = excluded.feedback_correct,
            updated_at             = excluded.updated_at
    `)
	for _, r := range records {
		_, err := tx.ExecContext(ctx, query,
			string(r.Strategy), r.TotalRuns, r.RunningConfidenceSum,
			r.FeedbackTotal, r.FeedbackCorrect, toMillis(r.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("upsert strategy %s: %w", r.Strategy, err)
		}
	}
	return tx.Commit()
}

// ─── Successful strategies ────────────────────────────────────────────────────

type successfulRow struct {
	RunID          string  `db:"run_id"`
	CreatedAt      int64   `db:"created_at"`
	Severity       int     `db:"severity"`
	Confidence     float64 `db:"confidence"`
	AnomalyCount   int     `db:"anomaly_count"`
	AgentAgreement float64 `db:"agent_agreement"`
	Summary        string  `db:"summary"`
}

func (s *sqlStore) AppendSuccessfulStrategies(ctx context.Context, items []models.SuccessfulStrategy, keep int) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.GetContext(ctx, &seq, `SELECT COALESCE(MAX(seq), 0) FROM successful_strategies`); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	insert := tx.Rebind(`
        INSERT INTO successful_strategies(seq, run_id, created_at, severity, confidence, anomaly_count, agent_agreement, summary)
        VALUES(?,?,?,?,?,?,?,?)`)
	for _, it := range items {
		seq++
		_, err := tx.ExecContext(ctx, insert,
			seq, it.RunID, toMillis(it.Timestamp), it.Severity, it.Confidence,
			it.AnomalyCount, it.AgentAgreement, it.Summary,
		)
		if err != nil {
			return fmt.Errorf("insert successful strategy: %w", err)
		}
	}

	if keep > 0 {
		if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM successful_strategies WHERE seq <= ?`), seq-int64(keep)); err != nil {
			return fmt.Errorf("trim successful strategies: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqlStore) ListSuccessfulStrategies(ctx context.Context, limit int) ([]models.SuccessfulStrategy, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []successfulRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
        SELECT run_id, created_at, severity, confidence, anomaly_count, agent_agreement, summary
        FROM successful_strategies ORDER BY seq DESC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("query successful_strategies: %w", err)
	}
	out := make([]models.SuccessfulStrategy, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.SuccessfulStrategy{
			RunID:          r.RunID,
			Timestamp:      fromMillis(r.CreatedAt),
			Severity:       r.Severity,
			Confidence:     r.Confidence,
			AnomalyCount:   r.AnomalyCount,
			AgentAgreement: r.AgentAgreement,
			Summary:        r.Summary,
		})
	}
	return out, nil
}

// ─── Detection runs ───────────────────────────────────────────────────────────

type runRow struct {
	RunID          string  `db:"run_id"`
	CreatedAt      int64   `db:"created_at"`
	Severity       int     `db:"severity"`
	Confidence     float64 `db:"confidence"`
	AnomalyCount   int     `db:"anomaly_count"`
	Recommendation string  `db:"recommendation"`
	Degraded       int     `db:"degraded"`
	Verdict        string  `db:"verdict"`
}

func (r runRow) record() *RunRecord {
	return &RunRecord{
		RunID:          r.RunID,
		CreatedAt:      fromMillis(r.CreatedAt),
		Severity:       r.Severity,
		Confidence:     r.Confidence,
		AnomalyCount:   r.AnomalyCount,
		Recommendation: r.Recommendation,
		Degraded:       r.Degraded != 0,
		Verdict:        r.Verdict,
	}
}

func (s *sqlStore) AppendRun(ctx context.Context, rec *RunRecord) error {
	degraded := 0
	if rec.Degraded {
		degraded = 1
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO detection_runs(run_id, created_at, severity, confidence, anomaly_count, recommendation, degraded, verdict)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(run_id) DO NOTHING`),
		rec.RunID, toMillis(rec.CreatedAt), rec.Severity, rec.Confidence,
		rec.AnomalyCount, rec.Recommendation, degraded, rec.Verdict,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *sqlStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
        SELECT run_id, created_at, severity, confidence, anomaly_count, recommendation, degraded, verdict
        FROM detection_runs WHERE run_id = ?`), runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return row.record(), nil
}

func (s *sqlStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
        SELECT run_id, created_at, severity, confidence, anomaly_count, recommendation, degraded, verdict
        FROM detection_runs ORDER BY created_at DESC, run_id LIMIT ? OFFSET ?`), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	out := make([]*RunRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
