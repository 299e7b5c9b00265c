package analytics

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// DefaultBatchConcurrency bounds simultaneous runs of a batch.
const DefaultBatchConcurrency = 4

// NamedSeries is one input of a batch.
type NamedSeries struct {
	Name   string
	Series *models.Series
}

// BatchResult is the outcome of one batch input.
type BatchResult struct {
	Name    string          `json:"name"`
	Verdict *models.Verdict `json:"verdict,omitempty"`
	Err     error           `json:"-"`
	Error   string          `json:"error,omitempty"`
}

// BatchSummary aggregates a batch.
type BatchSummary struct {
	Total       int            `json:"total"`
	Failed      int            `json:"failed"`
	Degraded    int            `json:"degraded"`
	MaxSeverity int            `json:"max_severity"`
	ByTier      map[string]int `json:"by_tier"`
}

// Pipeline runs the engine over many series, sharing one tracker.
type Pipeline struct {
	mu sync.RWMutex

	engine      *Engine
	concurrency int
	logger      *zap.Logger

	// Results of the most recent batch
	last []BatchResult
}

// NewPipeline creates a batch pipeline.
func NewPipeline(engine *Engine, concurrency int, logger *zap.Logger) *Pipeline {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		engine:      engine,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Run investigates every series and returns results in input order.
// A failing series does not stop the batch; cancelling ctx does.
func (p *Pipeline) Run(ctx context.Context, items []NamedSeries) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i, item := range items {
		i, item := i, item
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			v, err := p.engine.Investigate(gctx, item.Series)
			results[i] = BatchResult{Name: item.Name, Verdict: v, Err: err}
			if err != nil {
				results[i].Error = err.Error()
				p.logger.Warn("batch item failed", zap.String("series", item.Name), zap.Error(err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.last = results
	p.mu.Unlock()
	return results, nil
}

// Last returns the results of the most recent completed batch.
func (p *Pipeline) Last() []BatchResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BatchResult, len(p.last))
	copy(out, p.last)
	return out
}

// Summarize aggregates batch results.
func Summarize(results []BatchResult) BatchSummary {
	s := BatchSummary{Total: len(results), ByTier: make(map[string]int)}
	for _, r := range results {
		if r.Err != nil || r.Verdict == nil {
			s.Failed++
			continue
		}
		if r.Verdict.Degraded() {
			s.Degraded++
		}
		if r.Verdict.Severity > s.MaxSeverity {
			s.MaxSeverity = r.Verdict.Severity
		}
		s.ByTier[Tier(r.Verdict.Severity)]++
	}
	return s
}
