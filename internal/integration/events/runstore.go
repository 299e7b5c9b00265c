package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kubilitics/anomaly-hunter/internal/db"
	"github.com/kubilitics/anomaly-hunter/internal/models"
	"github.com/kubilitics/anomaly-hunter/pkg/contracts"
)

// RunStoreSink records every run in the run history table.
type RunStoreSink struct {
	store db.RunStore
}

// NewRunStoreSink wraps a run store.
func NewRunStoreSink(store db.RunStore) *RunStoreSink {
	return &RunStoreSink{store: store}
}

func (r *RunStoreSink) Name() string { return "runstore" }

// Publish stores the verdict.
func (r *RunStoreSink) Publish(ctx context.Context, v *models.Verdict, ev contracts.DetectionEvent) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	return r.store.AppendRun(ctx, &db.RunRecord{
		RunID:          v.RunID,
		CreatedAt:      v.Timestamp,
		Severity:       v.Severity,
		Confidence:     v.Confidence,
		AnomalyCount:   ev.AnomalyCount,
		Recommendation: v.Recommendation,
		Degraded:       ev.Degraded,
		Verdict:        string(payload),
	})
}
