package anomaly

import (
	"context"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

const (
	clusterUnratedSeverity = 6
	clusterBaseConfidence  = 0.5
	maxLocalHypotheses     = 3
)

// Autocorrelation is reported as zero below this length.
const minCorrelationLength = 10

// clusterAnalyzer is the root-cause strategy: IQR outliers grouped by
// proximity, with lag-1 autocorrelation backing the hypotheses.
type clusterAnalyzer struct {
	opts Options
}

// NewClusterAnalyzer creates the cluster / correlation analyzer.
func NewClusterAnalyzer(opts Options) Detector {
	return &clusterAnalyzer{opts: opts}
}

func (d *clusterAnalyzer) Strategy() models.StrategyID {
	return models.StrategyCluster
}

// Detect groups IQR outliers into clusters and scores root-cause hypotheses.
func (d *clusterAnalyzer) Detect(ctx context.Context, series *models.Series) (*models.Finding, error) {
	if err := series.Validate(); err != nil {
		return nil, err
	}
	th := d.opts.thresholds()
	clean, positions := series.Finite()

	b, err := computeBaseline(clean.Values)
	if err != nil {
		return nil, fmt.Errorf("cluster baseline: %w", err)
	}

	lower := b.q1 - th.IQRMultiplier*b.iqr
	upper := b.q3 + th.IQRMultiplier*b.iqr
	outliers := make([]int, 0)
	if !b.constant() {
		for i, v := range clean.Values {
			if v < lower || v > upper {
				outliers = append(outliers, models.OriginalIndex(positions, i))
			}
		}
	}

	reps := clusterRepresentatives(outliers, th.ClusterGap, th.MaxClusters)
	correlation := 0.0
	if !b.constant() {
		correlation = lagOneCorrelation(clean.Values)
	}
	hypotheses := localHypotheses(b, len(reps), series.Metadata)

	evidence := models.Evidence{
		"q1":                   b.q1,
		"q3":                   b.q3,
		"iqr":                  b.iqr,
		"lower_bound":          lower,
		"upper_bound":          upper,
		"outlier_count":        float64(len(outliers)),
		"cluster_count":        float64(len(reps)),
		"correlation_strength": correlation,
	}
	noteDropped(evidence, series, clean)

	f := &models.Finding{
		Strategy:       models.StrategyCluster,
		AnomalyIndices: outliers,
		Severity:       clampSeverity(2 + len(reps)),
		Evidence:       evidence,
	}

	seriesSummary := fmt.Sprintf("clusters=%d outliers=%d correlation=%.2f", len(reps), len(outliers), correlation)
	a, err := d.opts.assess(ctx, models.StrategyCluster, evidence, clusterPrompt(reps, correlation, hypotheses), seriesSummary)
	if err != nil {
		return nil, err
	}

	base := clusterBaseConfidence
	if a != nil {
		f.OracleUsed = true
		f.Severity = clusterUnratedSeverity
		if a.Severity > 0 {
			f.Severity = clampSeverity(a.Severity)
		}
		if a.Confidence != nil {
			base = clamp01(*a.Confidence)
		}
		hypotheses = append(hypotheses, a.Hypotheses...)
	}

	evidence["hypothesis_count"] = float64(len(hypotheses))
	f.Confidence = clusterConfidence(base, correlation, len(hypotheses))
	f.Details = hypotheses
	f.Summary = clusterSummary(hypotheses, reps, correlation)
	if a != nil && a.Summary != "" {
		f.Summary = a.Summary
	}
	return f, nil
}

// clusterRepresentatives groups sorted indices whose gap is at most maxGap
// and returns the first index of each group, capped at maxClusters.
func clusterRepresentatives(indices []int, maxGap, maxClusters int) []int {
	if len(indices) == 0 {
		return []int{}
	}
	reps := []int{indices[0]}
	for i := 1; i < len(indices); i++ {
		if indices[i]-indices[i-1] > maxGap {
			reps = append(reps, indices[i])
		}
	}
	if len(reps) > maxClusters {
		reps = reps[:maxClusters]
	}
	return reps
}

// lagOneCorrelation is |pearson(x[:-1], x[1:])|, zero when undefined.
func lagOneCorrelation(values []float64) float64 {
	n := len(values)
	if n < minCorrelationLength {
		return 0
	}
	r := stat.Correlation(values[:n-1], values[1:], nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0
	}
	return math.Abs(r)
}

func localHypotheses(b *baseline, clusterCount int, metadata map[string]string) []string {
	hypotheses := make([]string, 0, maxLocalHypotheses)

	switch {
	case clusterCount == 0:
		hypotheses = append(hypotheses, "No outlier clusters - variation stays within expected range")
	case clusterCount == 1:
		hypotheses = append(hypotheses, "Isolated incident - likely single event trigger")
	case clusterCount > 5:
		hypotheses = append(hypotheses, "Recurring pattern - systematic issue or cyclic load")
	default:
		hypotheses = append(hypotheses, "Multiple incidents - correlated events or cascading failure")
	}

	if b.mean != 0 && b.stdDev/math.Abs(b.mean) > 0.5 {
		hypotheses = append(hypotheses, "High variance - resource contention or unstable system")
	} else {
		hypotheses = append(hypotheses, "Low variance - external trigger or input spike")
	}

	if src, ok := metadata["source"]; ok && src != "" {
		hypotheses = append(hypotheses, fmt.Sprintf("Source: %s - check upstream dependencies", src))
	}
	return hypotheses
}

func clusterConfidence(base, correlation float64, hypothesisCount int) float64 {
	c := base
	if correlation > 0.7 {
		c += 0.1
	} else if correlation < 0.3 {
		c -= 0.1
	}
	if hypothesisCount > 4 {
		c -= 0.1
	}
	return clamp01(c)
}

func clusterSummary(hypotheses []string, reps []int, correlation float64) string {
	lead := "Unknown root cause"
	if len(hypotheses) > 0 {
		lead = hypotheses[0]
	}
	return fmt.Sprintf("Root cause hypothesis: %s. Evidence: %d anomaly clusters, correlation strength %.2f.",
		lead, len(reps), correlation)
}

func clusterPrompt(reps []int, correlation float64, hypotheses []string) string {
	var sb strings.Builder
	sb.WriteString("You are a Root Cause Analyst correlating anomaly clusters.\n\n")
	fmt.Fprintf(&sb, "ANOMALY CLUSTERS: %d distinct clusters detected\nCluster Indices: %v\n\n", len(reps), reps)
	fmt.Fprintf(&sb, "CORRELATION STRENGTH: %.2f\n", correlation)
	if correlation > 0.7 {
		sb.WriteString("(Strong temporal correlation - likely systemic)\n\n")
	} else {
		sb.WriteString("(Weak correlation - likely independent events)\n\n")
	}
	sb.WriteString("INITIAL HYPOTHESES:\n")
	for i, h := range hypotheses {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, h)
	}
	sb.WriteString("\nEvaluate the hypotheses and state your strongest one.\n")
	sb.WriteString("Answer with lines 'Severity: <1-10>', 'Confidence: <0.0-1.0>' and 'Hypothesis: <text>'.\n")
	return sb.String()
}
