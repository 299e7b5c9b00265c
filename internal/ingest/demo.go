package ingest

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// Demo scenarios understood by DemoSeries.
const (
	ScenarioSample = "sample"
	ScenarioSpike  = "spike"
	ScenarioNormal = "normal"
)

// DemoStart is the timestamp of the first demo sample.
var DemoStart = time.Date(2024, time.October, 17, 0, 0, 0, 0, time.UTC)

// Scenarios lists the demo scenario names.
func Scenarios() []string {
	return []string{ScenarioSample, ScenarioSpike, ScenarioNormal}
}

// DemoSeries builds a reproducible synthetic series for a scenario.
//
// sample: 100 hourly readings around 100 with a spike at 20, a dip over
// 45..49, a negative reading at 75 and an upward drift from 50 on.
// spike: 60 quiet readings around 50 with one spike at 30.
// normal: 60 quiet readings around 50.
func DemoSeries(scenario string) (*models.Series, error) {
	switch scenario {
	case "", ScenarioSample:
		return sampleSeries(), nil
	case ScenarioSpike:
		s := quietSeries(ScenarioSpike, 7)
		s.Values[30] = 120
		return s, nil
	case ScenarioNormal:
		return quietSeries(ScenarioNormal, 11), nil
	default:
		return nil, fmt.Errorf("unknown scenario %q (want one of %v)", scenario, Scenarios())
	}
}

func sampleSeries() *models.Series {
	rng := rand.New(rand.NewSource(42))
	const n = 100
	values := make([]float64, n)
	for i := range values {
		values[i] = 100 + rng.NormFloat64()*10
	}

	values[20] = 250
	for i := 45; i < 50; i++ {
		values[i] = 30
	}
	values[75] = -50
	for i := 50; i < n; i++ {
		values[i] += 0.4 * float64(i-50)
	}

	return &models.Series{
		Values:     values,
		Timestamps: hourly(n),
		Metadata: map[string]string{
			"source":   "demo_sensor",
			"scenario": ScenarioSample,
		},
	}
}

func quietSeries(scenario string, seed int64) *models.Series {
	rng := rand.New(rand.NewSource(seed))
	const n = 60
	values := make([]float64, n)
	for i := range values {
		values[i] = 50 + rng.NormFloat64()*2
	}
	return &models.Series{
		Values:     values,
		Timestamps: hourly(n),
		Metadata: map[string]string{
			"source":   "demo_sensor",
			"scenario": scenario,
		},
	}
}

func hourly(n int) []time.Time {
	ts := make([]time.Time, n)
	for i := range ts {
		ts[i] = DemoStart.Add(time.Duration(i) * time.Hour)
	}
	return ts
}
