package anomaly

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

const (
	driftUnratedSeverity = 5
	minDriftWindow       = 3

	trendUpward   = "upward"
	trendDownward = "downward"
	trendStable   = "stable"
)

// relativeFlatness is the std/max ratio below which the derivative is
// treated as constant (pure ramp or flat line).
const relativeFlatness = 1e-9

// driftDetector is the change-point and drift strategy.
type driftDetector struct {
	opts Options
}

// NewDriftDetector creates the drift / change-point detector.
func NewDriftDetector(opts Options) Detector {
	return &driftDetector{opts: opts}
}

func (d *driftDetector) Strategy() models.StrategyID {
	return models.StrategyDrift
}

// driftResult is the numeric outcome before severity and confidence.
type driftResult struct {
	window       int
	changePoints []int
	derivStd     float64
	meanFirst    float64
	meanSecond   float64
	drift        float64
	undefined    bool
	trend        string
}

// Detect flags abrupt changes in the moving average and measures half-over-half drift.
func (d *driftDetector) Detect(ctx context.Context, series *models.Series) (*models.Finding, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	th := d.opts.thresholds()
	clean, positions := series.Finite()

	r, err := analyzeDrift(clean.Values, th.TrendPercent)
	if err != nil {
		return nil, fmt.Errorf("drift analysis: %w", err)
	}
	r.changePoints = models.OriginalIndices(positions, r.changePoints)

	absDrift := math.Abs(r.drift)
	evidence := models.Evidence{
		"window":             float64(r.window),
		"change_point_count": float64(len(r.changePoints)),
		"derivative_std":     r.derivStd,
		"mean_first_half":    r.meanFirst,
		"mean_second_half":   r.meanSecond,
		"drift_percentage":   r.drift,
		"drift_undefined":    boolToFloat(r.undefined),
		"trend":              trendToFloat(r.trend),
	}
	noteDropped(evidence, series, clean)

	f := &models.Finding{
		Strategy:       models.StrategyDrift,
		AnomalyIndices: r.changePoints,
		Severity:       clampSeverity(3 + int(math.Floor(absDrift/20))),
		Confidence:     driftConfidence(absDrift, len(r.changePoints), th.DriftPercent),
		Evidence:       evidence,
		Details:        []string{"trend: " + r.trend},
		Summary:        driftSummary(r),
	}
	if r.undefined {
		f.Details = append(f.Details, "baseline mean is zero; drift reported as absolute difference")
	}

	seriesSummary := fmt.Sprintf("drift=%.1f%% trend=%s change_points=%d", r.drift, r.trend, len(r.changePoints))
	a, err := d.opts.assess(ctx, models.StrategyDrift, evidence, driftPrompt(r), seriesSummary)
	if err != nil {
		return nil, err
	}
	if a != nil {
		f.OracleUsed = true
		f.Severity = driftUnratedSeverity
		if a.Severity > 0 {
			f.Severity = clampSeverity(a.Severity)
		}
		if a.Summary != "" {
			f.Summary = a.Summary
		}
	}
	return f, nil
}

func analyzeDrift(values []float64, trendPercent float64) (*driftResult, error) {
	n := len(values)
	r := &driftResult{
		window:       max(minDriftWindow, n/20),
		changePoints: []int{},
		trend:        trendStable,
	}

	// Change points need at least two moving-average samples.
	if n > r.window {
		deriv := movingAverageDerivative(values, r.window)
		std, err := stats.StandardDeviationPopulation(stats.Float64Data(deriv))
		if err != nil {
			return nil, fmt.Errorf("derivative std: %w", err)
		}
		r.derivStd = std

		maxAbs := 0.0
		for _, v := range deriv {
			maxAbs = math.Max(maxAbs, math.Abs(v))
		}
		if std > 0 && std > relativeFlatness*maxAbs {
			for i, v := range deriv {
				// deriv[i] is driven by the sample entering the window.
				if math.Abs(v) > 2*std {
					r.changePoints = append(r.changePoints, i+r.window)
				}
			}
		}
	}

	if n < 2 {
		return r, nil
	}
	half := n / 2
	first, err := stats.Mean(stats.Float64Data(values[:half]))
	if err != nil {
		return nil, fmt.Errorf("first half mean: %w", err)
	}
	second, err := stats.Mean(stats.Float64Data(values[half:]))
	if err != nil {
		return nil, fmt.Errorf("second half mean: %w", err)
	}
	r.meanFirst, r.meanSecond = first, second

	if first == 0 {
		r.drift = second - first
		r.undefined = true
	} else {
		r.drift = (second - first) / first * 100
	}

	switch {
	case r.drift > trendPercent:
		r.trend = trendUpward
	case r.drift < -trendPercent:
		r.trend = trendDownward
	}
	return r, nil
}

// movingAverageDerivative returns successive differences of the
// valid-mode moving average. Length is n-window.
func movingAverageDerivative(values []float64, window int) []float64 {
	n := len(values)
	ma := make([]float64, n-window+1)
	for i := range ma {
		sum := 0.0
		for _, v := range values[i : i+window] {
			sum += v
		}
		ma[i] = sum / float64(window)
	}
	deriv := make([]float64, len(ma)-1)
	for i := range deriv {
		deriv[i] = ma[i+1] - ma[i]
	}
	return deriv
}

func driftConfidence(absDrift float64, changePoints int, driftThreshold float64) float64 {
	c := 0.5
	if absDrift > driftThreshold {
		c += 0.2
	}
	switch {
	case changePoints > 5:
		c += 0.2
	case changePoints > 2:
		c += 0.1
	}
	switch {
	case absDrift > 50:
		c += 0.2
	case absDrift > 30:
		c += 0.1
	}
	return clamp01(c)
}

func driftSummary(r *driftResult) string {
	unit := "%"
	if r.undefined {
		unit = " (absolute)"
	}
	return fmt.Sprintf("%d change points (window %d); %s drift of %.1f%s between halves.",
		len(r.changePoints), r.window, r.trend, r.drift, unit)
}

func driftPrompt(r *driftResult) string {
	var sb strings.Builder
	sb.WriteString("You are a Change Detective specializing in drift and regime shifts.\n\n")
	fmt.Fprintf(&sb, "CHANGE POINTS: %d (moving-average window %d)\nIndices: %v\n\n",
		len(r.changePoints), r.window, firstN(r.changePoints, 10))
	fmt.Fprintf(&sb, "FIRST HALF MEAN: %.2f\nSECOND HALF MEAN: %.2f\nDRIFT: %.2f%%\nTREND: %s\n\n",
		r.meanFirst, r.meanSecond, r.drift, r.trend)
	sb.WriteString("Explain whether this is a sudden shift or gradual drift in 2-3 sentences.\n")
	sb.WriteString("Answer with lines 'Severity: <1-10>' and 'Confidence: <0.0-1.0>'.\n")
	return sb.String()
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func trendToFloat(trend string) float64 {
	switch trend {
	case trendUpward:
		return 1
	case trendDownward:
		return -1
	}
	return 0
}
