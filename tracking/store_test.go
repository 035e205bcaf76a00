package tracking

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreRunLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.BeginRun(ctx, "mnist-baseline", HostInfo{Hostname: "worker-1", CPU: "test-cpu", Cores: 8})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, id, runs[0].ID)
	require.Equal(t, "mnist-baseline", runs[0].Name)
	require.Equal(t, "worker-1", runs[0].Hostname)
	require.Equal(t, 8, runs[0].Cores)
	require.Equal(t, StatusRunning, runs[0].Status)
	require.True(t, runs[0].Finished.IsZero())

	require.NoError(t, store.FinishRun(ctx, id, StatusFinished))

	runs, err = store.Runs(ctx)
	require.NoError(t, err)
	require.Equal(t, StatusFinished, runs[0].Status)
	require.False(t, runs[0].Finished.IsZero())
}

func TestStoreFinishUnknownRun(t *testing.T) {
	store := openTestStore(t)
	err := store.FinishRun(context.Background(), "no-such-run", StatusFailed)
	require.Error(t, err)
	require.Contains(t, err.Error(), "run not found")
}

func TestStoreRunsNewestFirst(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.BeginRun(ctx, "first", HostInfo{})
	require.NoError(t, err)
	second, err := store.BeginRun(ctx, "second", HostInfo{})
	require.NoError(t, err)

	runs, err := store.Runs(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second, runs[0].ID)
	require.Equal(t, first, runs[1].ID)
}

func TestStoreEvaluationHistory(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.BeginRun(ctx, "history", HostInfo{})
	require.NoError(t, err)

	require.NoError(t, store.AddEvaluation(ctx, id, "best", 1,
		map[string]float64{"loss": 0.9, "mae": 0.5}, map[string]float64{"loss": 1.1}))
	require.NoError(t, store.AddEvaluation(ctx, id, "best", 2,
		map[string]float64{"loss": 0.7}, map[string]float64{"loss": 0.8}))
	require.NoError(t, store.AddEvaluation(ctx, id, "best_ema", 2,
		map[string]float64{"loss": 0.75}, nil))

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, 1, history[0].Counter)
	require.Equal(t, 0.9, history[0].Valid["loss"])
	require.Equal(t, 0.5, history[0].Valid["mae"])
	require.Equal(t, 1.1, history[0].Train["loss"])
	require.Equal(t, "best", history[1].Group)
	require.Equal(t, "best_ema", history[2].Group)

	other, err := store.History(ctx, "unrelated")
	require.NoError(t, err)
	require.Empty(t, other)
}

func TestStoreImprovementsAndCheckpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.BeginRun(ctx, "improving", HostInfo{})
	require.NoError(t, err)

	require.NoError(t, store.AddImprovement(ctx, id, "best", 1, 0.9))
	require.NoError(t, store.AddImprovement(ctx, id, "best", 3, 0.6))
	require.NoError(t, store.AddCheckpoint(ctx, id, "best", 3, "ckpts/best_ep0003.ckpt"))

	improvements, err := store.Improvements(ctx, id)
	require.NoError(t, err)
	require.Len(t, improvements, 2)
	require.Equal(t, 0.6, improvements[1].Value)
	require.Equal(t, 3, improvements[1].Counter)

	checkpoints, err := store.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	require.Equal(t, "ckpts/best_ep0003.ckpt", checkpoints[0].Path)
}

func TestStoreRecorderAdapter(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	id, err := store.BeginRun(ctx, "adapted", HostInfo{})
	require.NoError(t, err)

	rec := store.Recorder(id, discardLogger())
	rec.RecordStep(1, 0.1, map[string]float64{"loss": 1.0})
	rec.RecordEvaluation("best", 1, map[string]float64{"loss": 0.5}, map[string]float64{"loss": 0.6})
	rec.RecordImprovement("best", 1, 0.5)
	rec.RecordCheckpoint("best", 1, "ckpts/best_ep0001.ckpt")

	history, err := store.History(ctx, id)
	require.NoError(t, err)
	require.Len(t, history, 1)

	improvements, err := store.Improvements(ctx, id)
	require.NoError(t, err)
	require.Len(t, improvements, 1)

	checkpoints, err := store.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
}
