package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDemoSeries_Sample(t *testing.T) {
	s, err := DemoSeries(ScenarioSample)
	require.NoError(t, err)
	require.Len(t, s.Values, 100)
	require.Len(t, s.Timestamps, 100)
	require.NoError(t, s.Validate())

	assert.Equal(t, 250.0, s.Values[20])
	for i := 45; i < 50; i++ {
		assert.Equal(t, 30.0, s.Values[i], "index %d", i)
	}
	assert.InDelta(t, -50+0.4*25, s.Values[75], 1e-9)
	assert.Equal(t, "demo_sensor", s.Metadata["source"])
	assert.Equal(t, DemoStart, s.Timestamps[0])
	assert.Equal(t, time.Hour, s.Timestamps[1].Sub(s.Timestamps[0]))
}

func TestDemoSeries_Reproducible(t *testing.T) {
	for _, sc := range Scenarios() {
		a, err := DemoSeries(sc)
		require.NoError(t, err)
		b, err := DemoSeries(sc)
		require.NoError(t, err)
		assert.Equal(t, a.Values, b.Values, sc)
	}
}

func TestDemoSeries_Spike(t *testing.T) {
	s, err := DemoSeries(ScenarioSpike)
	require.NoError(t, err)
	assert.Len(t, s.Values, 60)
	assert.Equal(t, 120.0, s.Values[30])
}

func TestDemoSeries_Unknown(t *testing.T) {
	_, err := DemoSeries("tsunami")
	assert.Error(t, err)
}
