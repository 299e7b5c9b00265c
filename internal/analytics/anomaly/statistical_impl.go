package anomaly

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

const (
	topDeviationCount             = 5
	statisticalUnratedSeverity    = 5
	statisticalDegenerateConf     = 0.1
	statisticalDegenerateSeverity = 1
)

// deviation is one point's z-score.
type deviation struct {
	index int
	z     float64
}

// statisticalDetector is the z-score strategy.
type statisticalDetector struct {
	opts Options
}

// NewStatisticalDetector creates the z-score detector.
func NewStatisticalDetector(opts Options) Detector {
	return &statisticalDetector{opts: opts}
}

func (d *statisticalDetector) Strategy() models.StrategyID {
	return models.StrategyStatistical
}

// Detect flags points whose |z| exceeds the threshold.
func (d *statisticalDetector) Detect(ctx context.Context, series *models.Series) (*models.Finding, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	th := d.opts.thresholds()
	clean, positions := series.Finite()

	b, err := computeBaseline(clean.Values)
	if err != nil {
		return nil, fmt.Errorf("statistical baseline: %w", err)
	}

	evidence := models.Evidence{
		"mean":      b.mean,
		"std_dev":   b.stdDev,
		"median":    b.median,
		"min":       b.min,
		"max":       b.max,
		"threshold": th.ZScore,
	}
	noteDropped(evidence, series, clean)

	if b.constant() {
		evidence["anomaly_count"] = 0
		evidence["max_abs_z"] = 0
		return &models.Finding{
			Strategy:       models.StrategyStatistical,
			AnomalyIndices: []int{},
			Severity:       statisticalDegenerateSeverity,
			Confidence:     statisticalDegenerateConf,
			Evidence:       evidence,
			Summary:        "No variation in series; z-scores undefined.",
		}, nil
	}

	devs := make([]deviation, len(clean.Values))
	flagged := make([]int, 0)
	for i, v := range clean.Values {
		z := (v - b.mean) / b.stdDev
		idx := models.OriginalIndex(positions, i)
		devs[i] = deviation{index: idx, z: z}
		if math.Abs(z) > th.ZScore {
			flagged = append(flagged, idx)
		}
	}

	sort.SliceStable(devs, func(i, j int) bool {
		return math.Abs(devs[i].z) > math.Abs(devs[j].z)
	})
	top := devs
	if len(top) > topDeviationCount {
		top = top[:topDeviationCount]
	}
	maxAbsZ := math.Abs(top[0].z)

	evidence["anomaly_count"] = float64(len(flagged))
	evidence["max_abs_z"] = maxAbsZ

	details := make([]string, 0, len(top))
	for _, dv := range top {
		details = append(details, fmt.Sprintf("index %d: z=%.2f", dv.index, dv.z))
	}

	f := &models.Finding{
		Strategy:       models.StrategyStatistical,
		AnomalyIndices: flagged,
		Severity:       clampSeverity(3 + int(math.Floor(maxAbsZ))),
		Confidence:     statisticalConfidence(maxAbsZ, len(flagged), th.ZScore),
		Evidence:       evidence,
		Details:        details,
		Summary: fmt.Sprintf("%d points beyond |z|>%.1f (max |z| %.2f, mean %.2f, std %.2f).",
			len(flagged), th.ZScore, maxAbsZ, b.mean, b.stdDev),
	}

	seriesSummary := fmt.Sprintf("mean=%.2f std=%.2f anomalies=%d max_z=%.2f", b.mean, b.stdDev, len(flagged), maxAbsZ)
	a, err := d.opts.assess(ctx, models.StrategyStatistical, evidence, statisticalPrompt(b, flagged, top), seriesSummary)
	if err != nil {
		return nil, err
	}
	if a != nil {
		f.OracleUsed = true
		f.Severity = statisticalUnratedSeverity
		if a.Severity > 0 {
			f.Severity = clampSeverity(a.Severity)
		}
		if a.Summary != "" {
			f.Summary = a.Summary
		}
	}
	return f, nil
}

// statisticalConfidence is additive: base 0.5 plus independent bonuses.
func statisticalConfidence(maxAbsZ float64, count int, threshold float64) float64 {
	c := 0.5
	if maxAbsZ > 5 {
		c += 0.3
	}
	if maxAbsZ > threshold {
		c += 0.2
	}
	if count > 3 {
		c += 0.1
	}
	return clamp01(c)
}

func statisticalPrompt(b *baseline, flagged []int, top []deviation) string {
	var sb strings.Builder
	sb.WriteString("You are a Pattern Analyst specializing in statistical anomaly detection.\n\n")
	sb.WriteString("DATA STATISTICS:\n")
	fmt.Fprintf(&sb, "- Mean: %.2f\n- Std Dev: %.2f\n- Median: %.2f\n- Range: [%.2f, %.2f]\n\n",
		b.mean, b.stdDev, b.median, b.min, b.max)
	fmt.Fprintf(&sb, "ANOMALIES DETECTED: %d points\nIndices: %v\n\n", len(flagged), firstN(flagged, 10))
	sb.WriteString("TOP DEVIATIONS (Z-scores):\n")
	for _, dv := range top {
		fmt.Fprintf(&sb, "- Index %d: Z-score = %.2f\n", dv.index, dv.z)
	}
	sb.WriteString("\nDescribe the anomaly pattern (spike, dip, drift, outlier) in 2-3 sentences.\n")
	sb.WriteString("Answer with lines 'Severity: <1-10>' and 'Confidence: <0.0-1.0>'.\n")
	return sb.String()
}
