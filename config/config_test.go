package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-trainer/checkpoints"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
name: tiny
training:
  epochs: 3
optimizer:
  target: sgd
`)
	exp, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "tiny", exp.Name)
	require.Equal(t, 3, exp.Training.Epochs)
	require.Equal(t, 32, exp.Data.BatchSize)
	require.Equal(t, "info", exp.Logging.Level)
	require.Equal(t, "text", exp.Logging.Format)
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("RUN_CKPT_DIR", "/tmp/run-42")
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
name: env-run
training:
  epochs: 1
  checkpoint_dir: ${RUN_CKPT_DIR}/ckpts
optimizer:
  target: sgd
`)
	exp, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/run-42/ckpts", exp.Training.CheckpointDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "not found")
}

func TestLoadRequiresName(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
training:
  epochs: 1
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "name is required")
}

func TestLoadValidatesMonitorMode(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
name: bad-mode
training:
  monitor_mode: sideways
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "monitor_mode")
}

func TestExtendsOverridesParent(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "base.yaml", `
name: base
seed: 7
training:
  epochs: 100
  monitor: loss
  num_saves: 3
optimizer:
  target: sgd
  params:
    lr: 0.1
    momentum: 0.9
`)
	child := writeConfig(t, dir, "child.yaml", `
extends: base.yaml
name: child
training:
  epochs: 10
optimizer:
  params:
    lr: 0.01
`)
	exp, err := Load(child)
	require.NoError(t, err)
	require.Equal(t, "child", exp.Name)
	require.EqualValues(t, 7, exp.Seed)
	require.Equal(t, 10, exp.Training.Epochs)
	require.Equal(t, "loss", exp.Training.Monitor)
	require.Equal(t, 3, exp.Training.NumSaves)
	require.Equal(t, "sgd", exp.Optimizer.Target)
	require.Equal(t, 0.01, exp.Optimizer.Params["lr"])
	require.Equal(t, 0.9, exp.Optimizer.Params["momentum"])
}

func TestExtendsChain(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "root.yaml", `
name: root
training:
  epochs: 100
  monitor: loss
`)
	writeConfig(t, dir, "mid.yaml", `
extends: root.yaml
training:
  epochs: 50
  use_ema: true
`)
	leaf := writeConfig(t, dir, "leaf.yaml", `
extends: mid.yaml
name: leaf
training:
  epochs: 25
`)
	exp, err := Load(leaf)
	require.NoError(t, err)
	require.Equal(t, "leaf", exp.Name)
	require.Equal(t, 25, exp.Training.Epochs)
	require.Equal(t, "loss", exp.Training.Monitor)
	require.True(t, exp.Training.UseEMA)
}

func TestExtendsCycleDetected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "a.yaml", "extends: b.yaml\nname: a\n")
	path := writeConfig(t, dir, "b.yaml", "extends: a.yaml\nname: b\n")
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "extends itself")
}

func TestTrainingConfigMapping(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
name: full
seed: 1337
training:
  epochs: 40
  monitor: accuracy
  monitor_mode: max
  save_only_improved: false
  sample_at_least_every: 5
  warmup_saves: 2
  checkpoint_dir: out/ckpts
  checkpoint_format: binary
  num_saves: 8
  use_ema: true
  ema_decay: 0.99
  use_mixed_precision: true
  initial_loss_scale: 1024
  clip_grad_norm: 1.5
  schedule_on_step: true
  prefetch_depth: 4
  progress_width: 40
optimizer:
  target: sgd
`)
	exp, err := Load(path)
	require.NoError(t, err)

	cfg, err := exp.TrainingConfig()
	require.NoError(t, err)
	require.Equal(t, 40, cfg.Epochs)
	require.Equal(t, "accuracy", cfg.Monitor)
	require.Equal(t, "max", cfg.MonitorMode)
	require.False(t, cfg.SaveOnlyImproved)
	require.Equal(t, 5, cfg.SampleAtLeastEvery)
	require.Equal(t, 2, cfg.WarmupSaves)
	require.Equal(t, "out/ckpts", cfg.CheckpointDir)
	require.Equal(t, checkpoints.FormatBinary, cfg.CheckpointFormat)
	require.Equal(t, 8, cfg.NumSaves)
	require.True(t, cfg.UseEMA)
	require.Equal(t, 0.99, cfg.EMADecay)
	require.True(t, cfg.UseMixedPrecision)
	require.Equal(t, 1024.0, cfg.InitialLossScale)
	require.Equal(t, 1.5, cfg.ClipGradNorm)
	require.True(t, cfg.ScheduleOnStep)
	require.Equal(t, 4, cfg.PrefetchDepth)
	require.EqualValues(t, 1337, cfg.Seed)
	require.Equal(t, 40, cfg.ProgressWidth)
}

func TestTrainingConfigDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
name: sparse
training:
  epochs: 2
optimizer:
  target: sgd
`)
	exp, err := Load(path)
	require.NoError(t, err)

	cfg, err := exp.TrainingConfig()
	require.NoError(t, err)
	require.Equal(t, "loss", cfg.Monitor)
	require.Equal(t, "min", cfg.MonitorMode)
	require.True(t, cfg.SaveOnlyImproved)
	require.Equal(t, "checkpoints", cfg.CheckpointDir)
	require.Equal(t, 5, cfg.NumSaves)
	require.Equal(t, 0.999, cfg.EMADecay)
}

func TestTrainingConfigBuildsScheduler(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "exp.yaml", `
name: sched
training:
  epochs: 2
optimizer:
  target: sgd
scheduler:
  target: cosine
  params:
    t_max: 10
`)
	exp, err := Load(path)
	require.NoError(t, err)

	cfg, err := exp.TrainingConfig()
	require.NoError(t, err)
	require.NotNil(t, cfg.Scheduler)
	require.Equal(t, "CosineAnnealingLR", cfg.Scheduler.GetName())
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    checkpoints.Format
		wantErr bool
	}{
		{in: "json", want: checkpoints.FormatJSON},
		{in: "JSON", want: checkpoints.FormatJSON},
		{in: "binary", want: checkpoints.FormatBinary},
		{in: "bin", want: checkpoints.FormatBinary},
		{in: "xml", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if tt.wantErr {
			require.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
}

func TestInitWritesLoadableExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, Init(path, false))

	exp, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "example-run", exp.Name)
	require.Equal(t, "sgd", exp.Optimizer.Target)

	err = Init(path, false)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")

	require.NoError(t, Init(path, true))
}
