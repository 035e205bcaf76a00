// Package config loads experiment configuration from YAML files and turns
// the declarative sections into the runtime objects the training package
// consumes. A file may extend another one; the child document is merged
// over its parent so shared settings live in a single base file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/training"
)

// Experiment is the top-level schema of an experiment file.
type Experiment struct {
	Extends string `yaml:"extends,omitempty"`
	Name    string `yaml:"name"`
	Seed    int64  `yaml:"seed,omitempty"`

	Training  Training       `yaml:"training"`
	Optimizer ComponentSpec  `yaml:"optimizer"`
	Scheduler *ComponentSpec `yaml:"scheduler,omitempty"`
	Data      Data           `yaml:"data,omitempty"`
	Tracking  Tracking       `yaml:"tracking,omitempty"`
	Logging   Logging        `yaml:"logging,omitempty"`
}

// Training mirrors the scalar knobs of training.Config. Zero values defer
// to the trainer's own defaults so a sparse file stays sparse.
type Training struct {
	Epochs        int `yaml:"epochs,omitempty"`
	TotalSteps    int `yaml:"total_steps,omitempty"`
	ValidPerSteps int `yaml:"valid_per_steps,omitempty"`

	Monitor            string `yaml:"monitor,omitempty"`
	MonitorMode        string `yaml:"monitor_mode,omitempty"`
	SaveOnlyImproved   *bool  `yaml:"save_only_improved,omitempty"`
	SampleAtLeastEvery int    `yaml:"sample_at_least_every,omitempty"`
	WarmupSaves        int    `yaml:"warmup_saves,omitempty"`

	CheckpointDir    string `yaml:"checkpoint_dir,omitempty"`
	CheckpointFormat string `yaml:"checkpoint_format,omitempty"`
	NumSaves         int    `yaml:"num_saves,omitempty"`

	UseEMA   bool    `yaml:"use_ema,omitempty"`
	EMADecay float64 `yaml:"ema_decay,omitempty"`

	UseMixedPrecision bool    `yaml:"use_mixed_precision,omitempty"`
	InitialLossScale  float64 `yaml:"initial_loss_scale,omitempty"`

	ClipGradNorm   float64 `yaml:"clip_grad_norm,omitempty"`
	ScheduleOnStep bool    `yaml:"schedule_on_step,omitempty"`
	PrefetchDepth  int     `yaml:"prefetch_depth,omitempty"`

	Debug         bool `yaml:"debug,omitempty"`
	ProgressWidth int  `yaml:"progress_width,omitempty"`
}

// Data describes how batches are drawn from the dataset.
type Data struct {
	BatchSize int  `yaml:"batch_size,omitempty"`
	Shuffle   bool `yaml:"shuffle,omitempty"`
}

// Tracking selects where run history and live metrics are published.
type Tracking struct {
	Database    string     `yaml:"database,omitempty"`
	Progression string     `yaml:"progression,omitempty"`
	NATS        NATSSink   `yaml:"nats,omitempty"`
	Prometheus  Prometheus `yaml:"prometheus,omitempty"`
}

// NATSSink points at a NATS server and the subject training events go to.
type NATSSink struct {
	URL     string `yaml:"url,omitempty"`
	Subject string `yaml:"subject,omitempty"`
}

// Prometheus configures the metric registry namespace.
type Prometheus struct {
	Enabled   bool   `yaml:"enabled,omitempty"`
	Namespace string `yaml:"namespace,omitempty"`
}

// Logging selects the handler the run logs through.
type Logging struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// maxExtendsDepth bounds the inheritance chain so a runaway set of files
// fails fast instead of exhausting the stack.
const maxExtendsDepth = 16

// Load reads an experiment file, resolves its extends chain, expands
// environment variables and applies defaults.
func Load(path string) (*Experiment, error) {
	doc, err := loadMerged(path, map[string]bool{}, 0)
	if err != nil {
		return nil, err
	}
	delete(doc, "extends")

	raw, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("re-encoding merged configuration: %w", err)
	}
	var exp Experiment
	if err := yaml.Unmarshal(raw, &exp); err != nil {
		return nil, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	exp.Extends = ""
	exp.applyDefaults()
	if err := exp.validate(); err != nil {
		return nil, fmt.Errorf("configuration %s: %w", path, err)
	}
	return &exp, nil
}

// loadMerged reads one file as a generic document and merges it over its
// parent. Paths in extends are resolved relative to the child file.
func loadMerged(path string, seen map[string]bool, depth int) (map[string]any, error) {
	if depth > maxExtendsDepth {
		return nil, fmt.Errorf("extends chain deeper than %d files", maxExtendsDepth)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving configuration path: %w", err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("configuration extends itself: %s", abs)
	}
	seen[abs] = true

	if _, err := os.Stat(abs); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", path)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading configuration: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	var doc map[string]any
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("parsing configuration %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}

	parent, _ := doc["extends"].(string)
	if parent == "" {
		return doc, nil
	}
	if !filepath.IsAbs(parent) {
		parent = filepath.Join(filepath.Dir(abs), parent)
	}
	base, err := loadMerged(parent, seen, depth+1)
	if err != nil {
		return nil, err
	}
	delete(doc, "extends")
	return mergeDocs(base, doc), nil
}

// mergeDocs lays override on top of base. Nested mappings merge key by
// key; scalars and sequences in the override replace the base value.
func mergeDocs(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if bm, ok := out[k].(map[string]any); ok {
			if om, ok := v.(map[string]any); ok {
				out[k] = mergeDocs(bm, om)
				continue
			}
		}
		out[k] = v
	}
	return out
}

func (e *Experiment) applyDefaults() {
	if e.Data.BatchSize == 0 {
		e.Data.BatchSize = 32
	}
	if e.Logging.Level == "" {
		e.Logging.Level = "info"
	}
	if e.Logging.Format == "" {
		e.Logging.Format = "text"
	}
}

func (e *Experiment) validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch e.Training.MonitorMode {
	case "", "min", "max":
	default:
		return fmt.Errorf("training.monitor_mode must be min or max, got %q", e.Training.MonitorMode)
	}
	if e.Training.CheckpointFormat != "" {
		if _, err := ParseFormat(e.Training.CheckpointFormat); err != nil {
			return err
		}
	}
	switch e.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", e.Logging.Format)
	}
	if e.Data.BatchSize < 1 {
		return fmt.Errorf("data.batch_size must be positive, got %d", e.Data.BatchSize)
	}
	return nil
}

// ParseFormat maps a format name from the experiment file onto the
// checkpoint serialization format.
func ParseFormat(name string) (checkpoints.Format, error) {
	switch strings.ToLower(name) {
	case "json":
		return checkpoints.FormatJSON, nil
	case "binary", "bin":
		return checkpoints.FormatBinary, nil
	default:
		return 0, fmt.Errorf("unknown checkpoint format %q (want json or binary)", name)
	}
}

// TrainingConfig converts the declarative sections into a training.Config.
// The scheduler spec, when present, is instantiated through the registry;
// collaborators such as the recorder or communicator stay nil and are
// wired by the caller.
func (e *Experiment) TrainingConfig() (training.Config, error) {
	cfg := training.DefaultConfig()
	t := e.Training

	cfg.Epochs = t.Epochs
	cfg.TotalSteps = t.TotalSteps
	cfg.ValidPerSteps = t.ValidPerSteps

	if t.Monitor != "" {
		cfg.Monitor = t.Monitor
	}
	if t.MonitorMode != "" {
		cfg.MonitorMode = t.MonitorMode
	}
	if t.SaveOnlyImproved != nil {
		cfg.SaveOnlyImproved = *t.SaveOnlyImproved
	}
	cfg.SampleAtLeastEvery = t.SampleAtLeastEvery
	cfg.WarmupSaves = t.WarmupSaves

	if t.CheckpointDir != "" {
		cfg.CheckpointDir = t.CheckpointDir
	}
	if t.CheckpointFormat != "" {
		format, err := ParseFormat(t.CheckpointFormat)
		if err != nil {
			return training.Config{}, err
		}
		cfg.CheckpointFormat = format
	}
	if t.NumSaves > 0 {
		cfg.NumSaves = t.NumSaves
	}

	cfg.UseEMA = t.UseEMA
	if t.EMADecay > 0 {
		cfg.EMADecay = t.EMADecay
	}
	cfg.UseMixedPrecision = t.UseMixedPrecision
	if t.InitialLossScale > 0 {
		cfg.InitialLossScale = t.InitialLossScale
	}

	cfg.ClipGradNorm = t.ClipGradNorm
	cfg.ScheduleOnStep = t.ScheduleOnStep
	cfg.PrefetchDepth = t.PrefetchDepth
	cfg.Debug = t.Debug
	cfg.Seed = e.Seed
	if t.ProgressWidth > 0 {
		cfg.ProgressWidth = t.ProgressWidth
	}

	if e.Scheduler != nil {
		sched, err := BuildScheduler(*e.Scheduler)
		if err != nil {
			return training.Config{}, err
		}
		cfg.Scheduler = sched
	}
	return cfg, nil
}

// Init writes an example experiment file to path. It refuses to overwrite
// an existing file unless force is set.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0644); err != nil {
		return fmt.Errorf("writing configuration: %w", err)
	}
	return nil
}

const exampleConfig = `# Experiment configuration.
#
# A file may extend another one; values here override the parent's.
# extends: base.yaml

name: example-run
seed: 42

training:
  epochs: 100
  monitor: loss
  monitor_mode: min
  checkpoint_dir: checkpoints
  checkpoint_format: binary
  num_saves: 5
  warmup_saves: 0
  use_ema: false
  ema_decay: 0.999
  clip_grad_norm: 0.0

optimizer:
  target: sgd
  params:
    lr: 0.01
    momentum: 0.9

scheduler:
  target: cosine
  params:
    t_max: 100
    eta_min: 0.0001

data:
  batch_size: 32
  shuffle: true

tracking:
  database: runs.db
  progression: status.json

logging:
  level: info
  format: text
`
