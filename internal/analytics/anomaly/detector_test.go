package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

// spikeSeries is 50 points of 100 with a single 500 at index 25.
func spikeSeries() *models.Series {
	values := make([]float64, 50)
	for i := range values {
		values[i] = 100
	}
	values[25] = 500
	return &models.Series{Values: values}
}

func constantSeries(n int, v float64) *models.Series {
	values := make([]float64, n)
	for i := range values {
		values[i] = v
	}
	return &models.Series{Values: values}
}

type stubHistory struct {
	queries []string
	out     []string
}

func (h *stubHistory) Query(_ context.Context, summary string) ([]string, error) {
	h.queries = append(h.queries, summary)
	return h.out, nil
}

func ptr(f float64) *float64 { return &f }

// ─── Statistical ─────────────────────────────────────────────────────────────

func TestStatistical_SpikeIsFlagged(t *testing.T) {
	d := NewStatisticalDetector(Options{})
	f, err := d.Detect(context.Background(), spikeSeries())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyStatistical, f.Strategy)
	assert.Equal(t, []int{25}, f.AnomalyIndices)
	assert.InDelta(t, 108.0, f.Evidence["mean"], 1e-9)
	assert.InDelta(t, 56.0, f.Evidence["std_dev"], 1e-9)
	assert.InDelta(t, 7.0, f.Evidence["max_abs_z"], 1e-9)
	assert.Equal(t, 10, f.Severity)
	assert.InDelta(t, 1.0, f.Confidence, 1e-12)
	assert.False(t, f.OracleUsed)
	assert.Len(t, f.Details, topDeviationCount)
	assert.Contains(t, f.Details[0], "index 25")
}

func TestStatistical_SingleDeviantOfTwenty(t *testing.T) {
	const v = 42.0
	s := constantSeries(20, v)
	s.Values[7] = v + 100*1e-6

	f, err := NewStatisticalDetector(Options{}).Detect(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, f.AnomalyIndices)
}

func TestStatistical_ConstantSeries(t *testing.T) {
	for _, v := range []float64{100, 0.1, -3} {
		f, err := NewStatisticalDetector(Options{}).Detect(context.Background(), constantSeries(30, v))
		require.NoError(t, err)
		assert.Empty(t, f.AnomalyIndices)
		assert.Equal(t, 1, f.Severity)
		assert.Equal(t, 0.1, f.Confidence)
	}
}

func TestStatistical_SinglePoint(t *testing.T) {
	f, err := NewStatisticalDetector(Options{}).Detect(context.Background(), &models.Series{Values: []float64{3}})
	require.NoError(t, err)
	assert.Empty(t, f.AnomalyIndices)
	assert.Equal(t, 1, f.Severity)
	assert.Equal(t, 0.1, f.Confidence)
}

func TestDetectors_EmptySeriesIsInvalid(t *testing.T) {
	for _, d := range NewDetectors(Options{}) {
		_, err := d.Detect(context.Background(), &models.Series{})
		require.Error(t, err, d.Strategy())
		assert.True(t, errors.Is(err, models.ErrInvalidInput))
	}
}

func TestStatisticalConfidence(t *testing.T) {
	tests := []struct {
		maxZ  float64
		count int
		want  float64
	}{
		{2.0, 0, 0.5},
		{3.5, 1, 0.7},
		{3.5, 4, 0.8},
		{6.0, 1, 1.0},
		{6.0, 10, 1.0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("z=%v/n=%d", tt.maxZ, tt.count), func(t *testing.T) {
			assert.InDelta(t, tt.want, statisticalConfidence(tt.maxZ, tt.count, 3.0), 1e-12)
		})
	}
}

func TestStatistical_OracleSeverity(t *testing.T) {
	hist := &stubHistory{out: []string{"similar spike last week"}}
	var got OracleRequest
	oracle := OracleFunc(func(_ context.Context, req OracleRequest) (*Assessment, error) {
		got = req
		return &Assessment{Severity: 8, Summary: "Sharp isolated spike."}, nil
	})

	f, err := NewStatisticalDetector(Options{Oracle: oracle, History: hist}).Detect(context.Background(), spikeSeries())
	require.NoError(t, err)
	assert.True(t, f.OracleUsed)
	assert.Equal(t, 8, f.Severity)
	assert.Equal(t, "Sharp isolated spike.", f.Summary)
	// Confidence stays on the deterministic formula.
	assert.InDelta(t, 1.0, f.Confidence, 1e-12)

	assert.Equal(t, models.StrategyStatistical, got.Strategy)
	assert.Equal(t, []string{"similar spike last week"}, got.Context)
	assert.Contains(t, got.FullPrompt(), "KNOWLEDGE BASE CONTEXT")
	assert.Len(t, hist.queries, 1)
}

func TestStatistical_OracleUnratedUsesDefault(t *testing.T) {
	oracle := OracleFunc(func(context.Context, OracleRequest) (*Assessment, error) {
		return &Assessment{Summary: "no number here"}, nil
	})
	f, err := NewStatisticalDetector(Options{Oracle: oracle}).Detect(context.Background(), spikeSeries())
	require.NoError(t, err)
	assert.Equal(t, statisticalUnratedSeverity, f.Severity)
}

func TestStatistical_OracleFailureFallsBack(t *testing.T) {
	oracle := OracleFunc(func(context.Context, OracleRequest) (*Assessment, error) {
		return nil, fmt.Errorf("dial: %w", models.ErrOracleUnavailable)
	})
	f, err := NewStatisticalDetector(Options{Oracle: oracle}).Detect(context.Background(), spikeSeries())
	require.NoError(t, err)
	assert.False(t, f.OracleUsed)
	assert.Equal(t, 10, f.Severity)
}

func TestStatistical_CancellationPropagates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	oracle := OracleFunc(func(ctx context.Context, _ OracleRequest) (*Assessment, error) {
		return nil, ctx.Err()
	})
	_, err := NewStatisticalDetector(Options{Oracle: oracle}).Detect(ctx, spikeSeries())
	assert.ErrorIs(t, err, context.Canceled)
}

// ─── Drift ───────────────────────────────────────────────────────────────────

func TestDrift_SpikeProducesChangePointBurst(t *testing.T) {
	f, err := NewDriftDetector(Options{}).Detect(context.Background(), spikeSeries())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyDrift, f.Strategy)
	assert.Equal(t, []int{25, 28}, f.AnomalyIndices)
	assert.Equal(t, 3.0, f.Evidence["window"])
	assert.InDelta(t, 16.0, f.Evidence["drift_percentage"], 1e-9)
	assert.Equal(t, 1.0, f.Evidence["trend"])
	assert.Equal(t, 3, f.Severity)
	assert.InDelta(t, 0.5, f.Confidence, 1e-12)
}

func TestDrift_ConstantSeries(t *testing.T) {
	f, err := NewDriftDetector(Options{}).Detect(context.Background(), constantSeries(40, 0.1))
	require.NoError(t, err)
	assert.Empty(t, f.AnomalyIndices)
	assert.Equal(t, 0.0, f.Evidence["drift_percentage"])
	assert.Contains(t, f.Details, "trend: stable")
}

func TestDrift_RampHasNoChangePoints(t *testing.T) {
	values := make([]float64, 60)
	for i := range values {
		values[i] = float64(i)
	}
	f, err := NewDriftDetector(Options{}).Detect(context.Background(), &models.Series{Values: values})
	require.NoError(t, err)
	assert.Empty(t, f.AnomalyIndices)
	assert.Contains(t, f.Details, "trend: upward")
	assert.Equal(t, 10, f.Severity)
	assert.InDelta(t, 0.9, f.Confidence, 1e-12)
}

func TestDrift_FallingStepIsDownward(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = 100
		if i >= 20 {
			values[i] = 50
		}
	}
	f, err := NewDriftDetector(Options{}).Detect(context.Background(), &models.Series{Values: values})
	require.NoError(t, err)

	assert.Contains(t, f.Details, "trend: downward")
	assert.Equal(t, -1.0, f.Evidence["trend"])
	assert.InDelta(t, -50.0, f.Evidence["drift_percentage"], 1e-9)
	// The step is reported from the first sample at the new level.
	assert.Equal(t, []int{20, 21, 22}, f.AnomalyIndices)
}

func TestDrift_ZeroBaselineIsUndefined(t *testing.T) {
	values := make([]float64, 20)
	for i := 10; i < 20; i++ {
		values[i] = 5
	}
	f, err := NewDriftDetector(Options{}).Detect(context.Background(), &models.Series{Values: values})
	require.NoError(t, err)
	assert.Equal(t, 1.0, f.Evidence["drift_undefined"])
	assert.Equal(t, 5.0, f.Evidence["drift_percentage"])
	assert.Equal(t, []int{10, 11, 12}, f.AnomalyIndices)
	assert.Len(t, f.Details, 2)
}

func TestDrift_ShortSeries(t *testing.T) {
	f, err := NewDriftDetector(Options{}).Detect(context.Background(), &models.Series{Values: []float64{1, 9}})
	require.NoError(t, err)
	assert.Empty(t, f.AnomalyIndices)
	assert.InDelta(t, 800.0, f.Evidence["drift_percentage"], 1e-9)
}

func TestDriftConfidence(t *testing.T) {
	tests := []struct {
		drift float64
		cps   int
		want  float64
	}{
		{0, 0, 0.5},
		{10, 3, 0.6},
		{25, 0, 0.7},
		{35, 6, 1.0},
		{60, 0, 0.9},
		{60, 6, 1.0},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, driftConfidence(tt.drift, tt.cps, 20), 1e-12, "drift=%v cps=%d", tt.drift, tt.cps)
	}
}

// ─── Cluster ─────────────────────────────────────────────────────────────────

func TestCluster_SpikeIsSingleCluster(t *testing.T) {
	f, err := NewClusterAnalyzer(Options{}).Detect(context.Background(), spikeSeries())
	require.NoError(t, err)

	assert.Equal(t, models.StrategyCluster, f.Strategy)
	assert.Equal(t, []int{25}, f.AnomalyIndices)
	assert.Equal(t, 1.0, f.Evidence["cluster_count"])
	assert.Less(t, f.Evidence["correlation_strength"], 0.3)
	assert.Equal(t, 3, f.Severity)
	assert.InDelta(t, 0.4, f.Confidence, 1e-12)
	require.Len(t, f.Details, 2)
	assert.Contains(t, f.Details[0], "Isolated incident")
	assert.Contains(t, f.Details[1], "High variance")
}

func TestCluster_ConstantSeries(t *testing.T) {
	f, err := NewClusterAnalyzer(Options{}).Detect(context.Background(), constantSeries(25, 0.1))
	require.NoError(t, err)
	assert.Empty(t, f.AnomalyIndices)
	assert.Equal(t, 0.0, f.Evidence["correlation_strength"])
	assert.Equal(t, 2, f.Severity)
}

func TestCluster_MetadataSourceHypothesis(t *testing.T) {
	s := spikeSeries()
	s.Metadata = map[string]string{"source": "payments-db"}
	f, err := NewClusterAnalyzer(Options{}).Detect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, f.Details, 3)
	assert.Equal(t, "Source: payments-db - check upstream dependencies", f.Details[2])
}

func TestCluster_OracleConfidenceAndHypotheses(t *testing.T) {
	oracle := OracleFunc(func(context.Context, OracleRequest) (*Assessment, error) {
		return &Assessment{
			Severity:   7,
			Confidence: ptr(0.8),
			Hypotheses: []string{"a", "b", "c"},
		}, nil
	})
	f, err := NewClusterAnalyzer(Options{Oracle: oracle}).Detect(context.Background(), spikeSeries())
	require.NoError(t, err)
	assert.Equal(t, 7, f.Severity)
	// 0.8 base, -0.1 weak correlation, -0.1 for five hypotheses.
	assert.InDelta(t, 0.6, f.Confidence, 1e-12)
	assert.Equal(t, 5.0, f.Evidence["hypothesis_count"])
}

func TestCluster_StrongCorrelation(t *testing.T) {
	values := make([]float64, 40)
	for i := range values {
		values[i] = float64(i % 20)
	}
	f, err := NewClusterAnalyzer(Options{}).Detect(context.Background(), &models.Series{Values: values})
	require.NoError(t, err)
	assert.Greater(t, f.Evidence["correlation_strength"], 0.7)
	assert.InDelta(t, 0.6, f.Confidence, 1e-12)
}

func TestClusterRepresentatives(t *testing.T) {
	tests := []struct {
		name   string
		in     []int
		maxRep int
		want   []int
	}{
		{"empty", nil, 10, []int{}},
		{"single", []int{4}, 10, []int{4}},
		{"merged within gap", []int{3, 8, 13}, 10, []int{3}},
		{"split beyond gap", []int{3, 9, 30, 31}, 10, []int{3, 9, 30}},
		{"capped", []int{0, 10, 20, 30}, 2, []int{0, 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clusterRepresentatives(tt.in, 5, tt.maxRep))
		})
	}
}

// ─── Shared ──────────────────────────────────────────────────────────────────

func TestDetectors_Deterministic(t *testing.T) {
	for _, d := range NewDetectors(Options{}) {
		a, err := d.Detect(context.Background(), spikeSeries())
		require.NoError(t, err)
		b, err := d.Detect(context.Background(), spikeSeries())
		require.NoError(t, err)
		assert.Equal(t, a, b, d.Strategy())
	}
}

func TestDetectors_MixedNonFiniteSeries(t *testing.T) {
	series := &models.Series{Values: []float64{1, 2, math.NaN(), 3, 100, 2}}
	for _, d := range NewDetectors(Options{}) {
		f, err := d.Detect(context.Background(), series)
		require.NoError(t, err, d.Strategy())
		assert.Equal(t, 1.0, f.Evidence["non_finite_dropped"], d.Strategy())
		for _, idx := range f.AnomalyIndices {
			assert.True(t, idx >= 0 && idx < 6, "%s index %d", d.Strategy(), idx)
			assert.NotEqual(t, 2, idx, d.Strategy())
		}
	}

	f, err := NewClusterAnalyzer(Options{}).Detect(context.Background(), series)
	require.NoError(t, err)
	assert.Equal(t, []int{4}, f.AnomalyIndices)
}

func TestDetectors_NonFiniteIndicesMapBack(t *testing.T) {
	series := spikeSeries()
	series.Values[10] = math.Inf(1)

	f, err := NewStatisticalDetector(Options{}).Detect(context.Background(), series)
	require.NoError(t, err)
	assert.Equal(t, []int{25}, f.AnomalyIndices)

	f, err = NewClusterAnalyzer(Options{}).Detect(context.Background(), series)
	require.NoError(t, err)
	assert.Equal(t, []int{25}, f.AnomalyIndices)
}

func TestDetectors_AllNonFiniteIsInvalid(t *testing.T) {
	series := &models.Series{Values: []float64{math.NaN(), math.Inf(-1)}}
	for _, d := range NewDetectors(Options{}) {
		_, err := d.Detect(context.Background(), series)
		assert.Error(t, err, d.Strategy())
	}
}

func TestQuartile(t *testing.T) {
	sorted := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 2.0, quartile(sorted, 25))
	assert.Equal(t, 4.0, quartile(sorted, 75))
	assert.Equal(t, 1.75, quartile([]float64{1, 2, 3, 4}, 25))
	assert.Equal(t, 0.0, quartile(nil, 25))
}
