package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/anomaly-hunter/internal/models"
)

// useTestConfig points the commands at a throwaway config with a file-backed
// SQLite store and logging silenced.
func useTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "anomaly-hunter.yaml")
	content := fmt.Sprintf(`storage:
  driver: sqlite
  dsn: %s
audit:
  enabled: false
logging:
  level: error
  console: false
`, filepath.Join(dir, "state.db"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	prev := cfgFile
	cfgFile = path
	t.Cleanup(func() { cfgFile = prev })
	return dir
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.ExecuteContext(context.Background()), out.String())
	return out.String()
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, loadEnvFile(filepath.Join(dir, "missing.env"), false))
	assert.Error(t, loadEnvFile(filepath.Join(dir, "missing.env"), true))
	assert.NoError(t, loadEnvFile("", true))

	path := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(path, []byte("ANOMALY_HUNTER_TEST_VALUE=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ANOMALY_HUNTER_TEST_VALUE") })

	require.NoError(t, loadEnvFile(path, true))
	assert.Equal(t, "from-dotenv", os.Getenv("ANOMALY_HUNTER_TEST_VALUE"))
}

func TestDemoCommand_JSON(t *testing.T) {
	useTestConfig(t)

	out := execute(t, newDemoCmd(), "--scenario", "sample", "--format", "json")

	var v models.Verdict
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.NotEmpty(t, v.RunID)
	assert.GreaterOrEqual(t, v.Severity, 1)
	assert.LessOrEqual(t, v.Severity, 10)
	assert.Len(t, v.Findings, 3)
	assert.Contains(t, v.AnomalyIndices, 20)
}

func TestDemoCommand_RejectsUnknownScenario(t *testing.T) {
	useTestConfig(t)

	cmd := newDemoCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--scenario", "tsunami"})
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestDetectCommand_CSV(t *testing.T) {
	dir := useTestConfig(t)

	var b strings.Builder
	b.WriteString("timestamp,value,load\n")
	for i := 0; i < 40; i++ {
		v := 10.0 + float64(i%3)
		if i == 25 {
			v = 95
		}
		fmt.Fprintf(&b, "2024-10-17T%02d:00:00Z,%.1f,%d\n", i%24, v, i%5)
	}
	data := filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(data, []byte(b.String()), 0o600))

	out := execute(t, newDetectCmd(), "--file", data)
	assert.Contains(t, out, "Severity:")
	assert.Contains(t, out, "statistical")
	assert.Contains(t, out, "drift")
	assert.Contains(t, out, "cluster")

	out = execute(t, newDetectCmd(), "--file", data, "--all", "--format", "json")
	var batch batchOutput
	require.NoError(t, json.Unmarshal([]byte(out), &batch))
	assert.Equal(t, 2, batch.Summary.Total)
}

func TestDetectCommand_RequiresFile(t *testing.T) {
	useTestConfig(t)

	cmd := newDetectCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)
	assert.Error(t, cmd.ExecuteContext(context.Background()))
}

func TestLearningCommand_ReflectsPastRuns(t *testing.T) {
	useTestConfig(t)

	execute(t, newDemoCmd(), "--scenario", "spike", "--format", "json")
	out := execute(t, newLearningCmd(), "--format", "json")

	var got learningOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, int64(1), got.TotalDetections)
	require.Contains(t, got.Strategies, models.StrategyStatistical)
	assert.Equal(t, int64(1), got.Strategies[models.StrategyStatistical].TotalRuns)
	assert.NotNil(t, got.Suggestions)

	text := execute(t, newLearningCmd())
	assert.Contains(t, text, "Total detections:")
	assert.Contains(t, text, "WEIGHT")
}

func TestCheckFormat(t *testing.T) {
	assert.NoError(t, checkFormat(formatText))
	assert.NoError(t, checkFormat(formatJSON))
	assert.Error(t, checkFormat("yaml"))
}
