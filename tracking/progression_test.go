package tracking

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func readProgression(t *testing.T, path string) ProgressionState {
	t.Helper()
	state, err := ReadProgression(path)
	require.NoError(t, err)
	return *state
}

func TestProgressionTracksRun(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	p := NewProgression(path, "run-1", "mnist", 10, discardLogger())
	p.stepEvery = 0

	p.RecordStep(1, 0.1, nil)
	state := readProgression(t, path)
	require.Equal(t, "run-1", state.Run)
	require.Equal(t, "mnist", state.Name)
	require.Equal(t, 1, state.Counter)
	require.Equal(t, 0.1, state.LR)
	require.Equal(t, 10.0, state.Percent)
	require.False(t, state.Updated.IsZero())

	p.RecordEvaluation("best", 5, map[string]float64{"loss": 0.5}, map[string]float64{"loss": 0.6})
	state = readProgression(t, path)
	require.Equal(t, 5, state.Counter)
	require.Equal(t, 50.0, state.Percent)
	require.Equal(t, 0.5, state.Valid["loss"])
	require.Equal(t, 0.6, state.Train["loss"])

	p.RecordImprovement("best", 5, 0.5)
	state = readProgression(t, path)
	require.Equal(t, 0.5, state.Best["best"])

	_, err := os.Stat(path + ".tmp")
	require.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestProgressionEMAEvaluationKeepsPrimaryMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	p := NewProgression(path, "run-1", "mnist", 0, discardLogger())
	p.stepEvery = 0

	p.RecordEvaluation("best", 1, map[string]float64{"loss": 0.5}, nil)
	p.RecordEvaluation("best_ema", 1, map[string]float64{"loss": 0.4}, nil)

	state := readProgression(t, path)
	require.Equal(t, 0.5, state.Valid["loss"], "ema metrics must not overwrite the primary view")
	require.Zero(t, state.Percent, "unknown total leaves percent unset")
}

func TestProgressionThrottlesStepWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	p := NewProgression(path, "run-1", "mnist", 0, discardLogger())

	p.RecordStep(1, 0.1, nil)
	first := readProgression(t, path)

	// Within the throttle window the second step must not hit the disk.
	p.RecordStep(2, 0.1, nil)
	second := readProgression(t, path)
	require.Equal(t, first.Counter, second.Counter)

	// Evaluations flush regardless of the throttle.
	p.RecordEvaluation("best", 2, nil, nil)
	third := readProgression(t, path)
	require.Equal(t, 2, third.Counter)
}
