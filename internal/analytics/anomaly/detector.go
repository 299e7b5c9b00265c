package anomaly

import (
	"context"

	"go.uber.org/zap"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Package anomaly provides the three independent anomaly-analysis strategies.
//
// Responsibilities:
//   - Detect anomalies in a single numeric series using classical statistics
//   - Report a per-strategy severity (1-10) and confidence (0-1)
//   - Keep every result interpretable (evidence bag, supporting details)
//   - Delegate prose and severity judgement to an optional oracle
//   - Fall back to deterministic formulas when the oracle is absent or failing
//
// Philosophy: Classical Statistics, NOT Machine Learning
//   - No training data required
//   - Deterministic and reproducible for a fixed series
//   - Detectors are stateless and never read each other's output
//
// Strategies:
//
//   1. Statistical (z-score)
//      - Baseline: mean, population std dev, median, min, max
//      - Flag: |z| > 3
//      - Fallback severity: min(10, 3 + floor(max|z|))
//      - Confidence: 0.5 + 0.3[max|z|>5] + 0.2[max|z|>3] + 0.1[count>3]
//
//   2. Drift (change point)
//      - Moving average with window max(3, n/20), then its derivative
//      - Flag: |derivative| > 2 × std(derivative)
//      - Drift: mean of second half vs first half, in percent
//      - Fallback severity: min(10, 3 + floor(|drift|/20))
//
//   3. Cluster (root cause)
//      - IQR outlier bounds, outliers grouped when within 5 positions
//      - Lag-1 Pearson autocorrelation as correlation strength
//      - Hypotheses from cluster shape, variance and metadata
//      - Fallback severity: min(10, 2 + cluster_count)
//
// Degenerate input:
//   - Empty or non-finite series → InvalidInputError
//   - Constant series or series shorter than a window → zero anomalies
//
// Integration Points:
//   - Synthesis Engine: fans out to all detectors per run
//   - Oracle (TextAndSeverityOracle): severity and summary text
//   - Historical context (HistoricalContextProvider): prior patterns for prompts
//   - Metrics: oracle fallbacks per strategy

// Detector is one anomaly-analysis strategy.
type Detector interface {
	// Strategy identifies the detector.
	Strategy() models.StrategyID

	// Detect analyses the series and returns the detector's Finding.
	// Returns an InvalidInputError for empty or non-finite series.
	Detect(ctx context.Context, series *models.Series) (*models.Finding, error)
}

// Thresholds tunes the detectors. Zero values are replaced by defaults.
type Thresholds struct {
	ZScore        float64
	IQRMultiplier float64
	ClusterGap    int
	MaxClusters   int
	// DriftPercent is the |drift| above which drift counts as detected.
	DriftPercent float64
	// TrendPercent is the |drift| above which the trend is not "stable".
	TrendPercent float64
}

// DefaultThresholds returns the standard detector thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ZScore:        3.0,
		IQRMultiplier: 1.5,
		ClusterGap:    5,
		MaxClusters:   10,
		DriftPercent:  20,
		TrendPercent:  5,
	}
}

// Options carries the collaborators shared by all detectors.
type Options struct {
	Oracle     TextAndSeverityOracle
	History    HistoricalContextProvider
	Logger     *zap.Logger
	Thresholds Thresholds
}

// NewDetectors builds the three strategies in canonical order.
func NewDetectors(opts Options) []Detector {
	return []Detector{
		NewStatisticalDetector(opts),
		NewDriftDetector(opts),
		NewClusterAnalyzer(opts),
	}
}
