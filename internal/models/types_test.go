package models

import (
	"errors"
	"math"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeriesValidate(t *testing.T) {
	tests := []struct {
		name    string
		series  *Series
		wantErr bool
	}{
		{"nil", nil, true},
		{"empty", &Series{}, true},
		{"all NaN", &Series{Values: []float64{math.NaN(), math.NaN()}}, true},
		{"all Inf", &Series{Values: []float64{math.Inf(1), math.Inf(-1)}}, true},
		{"mixed NaN", &Series{Values: []float64{1, math.NaN(), 3}}, false},
		{"mixed Inf", &Series{Values: []float64{1, math.Inf(1)}}, false},
		{"timestamp mismatch", &Series{Values: []float64{1, 2}, Timestamps: []time.Time{time.Now()}}, true},
		{"single value", &Series{Values: []float64{1}}, false},
		{"ok", &Series{Values: []float64{1, 2, 3}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.series.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSeriesFinite(t *testing.T) {
	ts := []time.Time{time.Unix(0, 0), time.Unix(1, 0), time.Unix(2, 0), time.Unix(3, 0)}
	s := &Series{
		Values:     []float64{1, math.NaN(), 3, math.Inf(-1)},
		Timestamps: ts,
		Metadata:   map[string]string{"source": "a"},
	}

	clean, positions := s.Finite()
	assert.Equal(t, []float64{1, 3}, clean.Values)
	assert.Equal(t, []time.Time{ts[0], ts[2]}, clean.Timestamps)
	assert.Equal(t, []int{0, 2}, positions)
	assert.Equal(t, "a", clean.Metadata["source"])
	assert.Equal(t, 2, OriginalIndex(positions, 1))
	assert.Equal(t, []int{0, 2}, OriginalIndices(positions, []int{0, 1}))

	all := &Series{Values: []float64{4, 5}}
	same, none := all.Finite()
	assert.Same(t, all, same)
	assert.Nil(t, none)
	assert.Equal(t, []int{1}, OriginalIndices(none, []int{1}))
}

func TestTruncateText(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short", "spike", 10, "spike"},
		{"exact", "spike", 5, "spike"},
		{"ascii cut", "spike!", 5, "spike"},
		{"inside multibyte", "ab→c", 3, "ab"},
		{"after multibyte", "ab→c", 5, "ab→"},
		{"zero", "spike", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateText(tt.in, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestAllStrategiesFailedError(t *testing.T) {
	cause := errors.New("boom")
	err := error(&AllStrategiesFailedError{Failures: []*DetectorFailure{
		{Strategy: StrategyDrift, Err: cause},
		{Strategy: StrategyCluster, Err: cause},
	}})
	assert.True(t, errors.Is(err, ErrAllStrategiesFailed))
	assert.Contains(t, err.Error(), "detector drift failed: boom")

	var df error = &DetectorFailure{Strategy: StrategyStatistical, Err: cause}
	assert.True(t, errors.Is(df, cause))
}

func TestStrategyPerformanceRecord(t *testing.T) {
	r := StrategyPerformanceRecord{Strategy: StrategyDrift}
	assert.Equal(t, 0.0, r.AvgConfidence())
	assert.Equal(t, -1.0, r.Accuracy())

	r.TotalRuns = 4
	r.RunningConfidenceSum = 3
	r.FeedbackTotal = 2
	r.FeedbackCorrect = 1
	assert.InDelta(t, 0.75, r.AvgConfidence(), 1e-12)
	assert.InDelta(t, 0.5, r.Accuracy(), 1e-12)
	assert.True(t, StrategyDrift.Valid())
	assert.False(t, StrategyID("other").Valid())
}
