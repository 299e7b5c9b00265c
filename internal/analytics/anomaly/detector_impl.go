package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/montanaflynn/stats"
	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/metrics"
	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// baseline holds summary statistics of a series.
type baseline struct {
	mean   float64
	stdDev float64
	median float64
	min    float64
	max    float64
	q1     float64
	q3     float64
	iqr    float64
	count  int
}

// constant reports whether the series has no spread at all.
func (b *baseline) constant() bool {
	return b.count < 2 || b.stdDev == 0 || b.min == b.max
}

func computeBaseline(values []float64) (*baseline, error) {
	data := stats.Float64Data(values)
	mean, err := stats.Mean(data)
	if err != nil {
		return nil, fmt.Errorf("mean: %w", err)
	}
	// Population standard deviation.
	stdDev, err := stats.StandardDeviationPopulation(data)
	if err != nil {
		return nil, fmt.Errorf("std dev: %w", err)
	}
	median, err := stats.Median(data)
	if err != nil {
		return nil, fmt.Errorf("median: %w", err)
	}
	lo, err := stats.Min(data)
	if err != nil {
		return nil, fmt.Errorf("min: %w", err)
	}
	hi, err := stats.Max(data)
	if err != nil {
		return nil, fmt.Errorf("max: %w", err)
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	q1 := quartile(sorted, 25)
	q3 := quartile(sorted, 75)

	return &baseline{
		mean:   mean,
		stdDev: stdDev,
		median: median,
		min:    lo,
		max:    hi,
		q1:     q1,
		q3:     q3,
		iqr:    q3 - q1,
		count:  len(values),
	}, nil
}

// quartile uses linear interpolation between closest ranks.
func quartile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi || hi >= len(sorted) {
		return sorted[lo]
	}
	w := rank - float64(lo)
	return sorted[lo]*(1-w) + sorted[hi]*w
}

// noteDropped records how many non-finite samples were left out.
func noteDropped(evidence models.Evidence, series, clean *models.Series) {
	if dropped := len(series.Values) - len(clean.Values); dropped > 0 {
		evidence["non_finite_dropped"] = float64(dropped)
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
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

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Options) thresholds() Thresholds {
	t := o.Thresholds
	d := DefaultThresholds()
	if t.ZScore <= 0 {
		t.ZScore = d.ZScore
	}
	if t.IQRMultiplier <= 0 {
		t.IQRMultiplier = d.IQRMultiplier
	}
	if t.ClusterGap <= 0 {
		t.ClusterGap = d.ClusterGap
	}
	if t.MaxClusters <= 0 {
		t.MaxClusters = d.MaxClusters
	}
	if t.DriftPercent <= 0 {
		t.DriftPercent = d.DriftPercent
	}
	if t.TrendPercent <= 0 {
		t.TrendPercent = d.TrendPercent
	}
	return t
}

// assess consults the oracle. A nil assessment with a nil error means the
// caller must use its deterministic fallback. The only error returned is the
// context's, so cancellation propagates to the synthesis engine.
func (o *Options) assess(ctx context.Context, strategy models.StrategyID, evidence models.Evidence, prompt, seriesSummary string) (*Assessment, error) {
	if o.Oracle == nil {
		metrics.OracleFallbacksTotal.WithLabelValues(string(strategy)).Inc()
		return nil, nil
	}

	req := OracleRequest{Strategy: strategy, Evidence: evidence, Prompt: prompt}
	if o.History != nil {
		prior, err := o.History.Query(ctx, seriesSummary)
		if err != nil {
			o.logger().Debug("historical context unavailable",
				zap.String("strategy", string(strategy)), zap.Error(err))
		} else {
			req.Context = prior
		}
	}

	a, err := o.Oracle.Assess(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		o.logger().Warn("oracle unavailable, using fallback severity",
			zap.String("strategy", string(strategy)), zap.Error(err))
		metrics.OracleFallbacksTotal.WithLabelValues(string(strategy)).Inc()
		return nil, nil
	}
	if a == nil {
		metrics.OracleFallbacksTotal.WithLabelValues(string(strategy)).Inc()
		return nil, nil
	}
	return a, nil
}

func firstN(indices []int, n int) []int {
	if len(indices) <= n {
		return indices
	}
	return indices[:n]
}
