package training

import (
	"io"
	"log/slog"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/distributed"
)

// Config provides comprehensive configuration for training. Scalar fields
// describe the run; collaborator fields inject the pieces the engine treats
// as external, each with a safe default when nil.
type Config struct {
	// Loop sizing. Epochs drives the epoch-indexed Trainer; TotalSteps and
	// ValidPerSteps drive the step-indexed StepTrainer.
	Epochs        int `json:"epochs"`
	TotalSteps    int `json:"total_steps"`
	ValidPerSteps int `json:"valid_per_steps"`

	// Improvement policy. Monitor is the validation metric the decision
	// watches (default "loss"); MonitorMode is "min" or "max".
	// SampleAtLeastEvery > 0 forces a save and sampling pass when the best
	// counter is at least that stale. WarmupSaves suppresses sampling for
	// the first counters unless SaveOnlyImproved is off or Debug is set.
	Monitor            string `json:"monitor"`
	MonitorMode        string `json:"monitor_mode"`
	SaveOnlyImproved   bool   `json:"save_only_improved"`
	SampleAtLeastEvery int    `json:"sample_at_least_every"`
	WarmupSaves        int    `json:"warmup_saves"`

	// Checkpointing.
	CheckpointDir    string             `json:"checkpoint_dir"`
	CheckpointFormat checkpoints.Format `json:"checkpoint_format"`
	NumSaves         int                `json:"num_saves"`

	// EMA shadow weights.
	UseEMA   bool    `json:"use_ema"`
	EMADecay float64 `json:"ema_decay"`

	// Mixed precision loss scaling. Incompatible with sharpness-aware
	// optimizers.
	UseMixedPrecision bool    `json:"use_mixed_precision"`
	InitialLossScale  float64 `json:"initial_loss_scale"`

	// Global L2 gradient clipping; 0 disables.
	ClipGradNorm float64 `json:"clip_grad_norm"`

	// ScheduleOnStep advances the scheduler after every optimization step
	// instead of once per evaluation boundary.
	ScheduleOnStep bool `json:"schedule_on_step"`

	// PrefetchDepth enables background batch prefetching in the
	// step-indexed trainer; 0 disables it.
	PrefetchDepth int `json:"prefetch_depth"`

	// Debug shortens the run and forces sampling at every boundary.
	Debug bool `json:"debug"`

	// Seed fixes data shuffling.
	Seed int64 `json:"seed"`

	// ProgressWidth is the character width of progress bars.
	ProgressWidth int `json:"progress_width"`

	// Collaborators.
	Scheduler      LRScheduler              `json:"-"`
	Preprocessor   Preprocessor             `json:"-"`
	Sampler        Sampler                  `json:"-"`
	Recorder       Recorder                 `json:"-"`
	Communicator   distributed.Communicator `json:"-"`
	Logger         *slog.Logger             `json:"-"`
	ProgressOutput io.Writer                `json:"-"` // progress bar target, default os.Stdout
}

// DefaultConfig returns the baseline configuration: monitor "loss"
// minimized, checkpoints kept five deep, EMA decay 0.999, saves only on
// improvement.
func DefaultConfig() Config {
	return Config{
		Monitor:          "loss",
		MonitorMode:      "min",
		SaveOnlyImproved: true,
		CheckpointDir:    "checkpoints",
		NumSaves:         5,
		EMADecay:         0.999,
		InitialLossScale: defaultLossScale,
		ProgressWidth:    70,
	}
}
