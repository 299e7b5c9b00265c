package anomaly

import (
	"context"
	"strings"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// OracleRequest is what a detector hands to the oracle.
type OracleRequest struct {
	Strategy models.StrategyID
	Evidence models.Evidence
	// Context holds prior-pattern strings from the historical context provider.
	Context []string
	// Prompt is the rendered natural-language request.
	Prompt string
}

// Assessment is the oracle's answer.
type Assessment struct {
	// Severity is 1-10, or 0 when the oracle did not rate the evidence.
	Severity int
	Summary  string
	// Confidence is nil when the oracle did not state one.
	Confidence *float64
	// Hypotheses are oracle-proposed root causes, if any.
	Hypotheses []string
}

// TextAndSeverityOracle is an external reasoning capability. Implementations
// return models.ErrOracleUnavailable (wrapped) when unreachable; detectors
// then use their deterministic fallback.
type TextAndSeverityOracle interface {
	Assess(ctx context.Context, req OracleRequest) (*Assessment, error)
}

// HistoricalContextProvider supplies prior-pattern context strings.
// Its absence only affects prompt richness.
type HistoricalContextProvider interface {
	Query(ctx context.Context, seriesSummary string) ([]string, error)
}

// OracleFunc adapts a function to TextAndSeverityOracle.
type OracleFunc func(ctx context.Context, req OracleRequest) (*Assessment, error)

func (f OracleFunc) Assess(ctx context.Context, req OracleRequest) (*Assessment, error) {
	return f(ctx, req)
}

// FullPrompt renders the prompt with any prior-pattern context appended.
func (r OracleRequest) FullPrompt() string {
	if len(r.Context) == 0 {
		return r.Prompt
	}
	var b strings.Builder
	b.WriteString(r.Prompt)
	b.WriteString("\nKNOWLEDGE BASE CONTEXT:\n")
	for _, p := range r.Context {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	return b.String()
}
