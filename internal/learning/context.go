package learning

import (
	"context"
	"fmt"
)

const defaultContextLimit = 3

// ContextProvider serves past high-confidence verdicts as oracle context.
type ContextProvider struct {
	tracker Tracker
	limit   int
}

// NewContextProvider returns a provider yielding at most limit entries.
func NewContextProvider(tracker Tracker, limit int) *ContextProvider {
	if limit <= 0 {
		limit = defaultContextLimit
	}
	return &ContextProvider{tracker: tracker, limit: limit}
}

// Query returns one line per recent successful strategy. The series summary
// is not used for ranking yet; entries come back newest first.
func (p *ContextProvider) Query(ctx context.Context, seriesSummary string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := p.tracker.SuccessfulStrategies(p.limit)
	out := make([]string, 0, len(items))
	for _, s := range items {
		out = append(out, fmt.Sprintf("Past detection (severity %d, confidence %.2f, %d anomalies, agreement %.2f): %s",
			s.Severity, s.Confidence, s.AnomalyCount, s.AgentAgreement, s.Summary))
	}
	return out, nil
}
