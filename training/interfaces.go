// Package training orchestrates iterative model optimization: timed passes
// over batched data, running metric aggregates, best-model improvement
// decisions, checkpoint persistence, an EMA shadow of the weights, and
// consistent coordination across distributed ranks. Model architectures,
// dataset contents and accelerators stay outside the package, consumed
// through the interfaces below.
package training

import (
	"github.com/tsawler/go-trainer/tensor"
)

// Sample is a preprocessed batch ready for a model step: named inputs and
// targets plus the sample count used as the metric weight.
type Sample struct {
	Inputs  map[string]*tensor.Tensor
	Targets map[string]*tensor.Tensor
	Size    int
}

// StepResult carries the loss and auxiliary metrics of one model step. The
// auxiliary map may be nil; its entries join the loss in the metric banks.
type StepResult struct {
	Loss    float64
	Metrics map[string]float64
}

// Model is the engine's view of a trainable model. The model owns its
// forward and backward computation; the engine owns everything around it.
type Model interface {
	// Params returns the primary parameter set. The engine snapshots it
	// for the EMA shadow and hands it to the optimizer and checkpoints.
	Params() *tensor.ParamSet

	// Step computes the loss and auxiliary metrics for sample against the
	// given parameter set, which is either the primary set or the EMA
	// shadow. When backward is true the model accumulates gradients on
	// params, scaled by gradScale (loss scaling for mixed precision;
	// 1 otherwise).
	Step(params *tensor.ParamSet, sample *Sample, backward bool, gradScale float64) (StepResult, error)
}

// Preprocessor converts raw loader batches into model-ready samples.
// Augmentation is requested for training passes and suppressed for
// validation.
type Preprocessor interface {
	Process(batch *Batch, augment bool) (*Sample, error)
}

// passthroughPreprocessor wraps a raw batch without transformation.
type passthroughPreprocessor struct{}

func (passthroughPreprocessor) Process(batch *Batch, augment bool) (*Sample, error) {
	sample := &Sample{
		Inputs: map[string]*tensor.Tensor{"data": batch.Data},
		Size:   batch.Size,
	}
	if batch.Labels != nil {
		sample.Targets = map[string]*tensor.Tensor{"labels": batch.Labels}
	}
	return sample, nil
}

// Sampler generates qualitative artifacts (generated text, rendered images,
// audio) from a parameter set when the orchestrator signals a sampling
// point. Every rank is called; implementations decide what each rank emits.
type Sampler interface {
	Sample(params *tensor.ParamSet, counter int) error
}

// Recorder receives run observations. Implementations must be cheap; they
// run on the training path. The tracking package provides slog, Prometheus,
// NATS and SQLite recorders plus a fan-out.
type Recorder interface {
	// RecordStep is called after every optimization step with the step's
	// instantaneous metrics and the current learning rate.
	RecordStep(counter int, lr float64, stepMetrics map[string]float64)

	// RecordEvaluation is called at every evaluation boundary with the
	// rank-reduced validation and training averages. group names the
	// checkpoint group the evaluation belongs to ("best" or "best_ema").
	RecordEvaluation(group string, counter int, valid, train map[string]float64)

	// RecordImprovement is called on the coordinator when the monitored
	// metric improved for the given checkpoint group.
	RecordImprovement(group string, counter int, value float64)

	// RecordCheckpoint is called on the coordinator after a checkpoint
	// was written.
	RecordCheckpoint(group string, counter int, path string)
}

// nopRecorder is the default when no recorder is configured.
type nopRecorder struct{}

func (nopRecorder) RecordStep(int, float64, map[string]float64)                          {}
func (nopRecorder) RecordEvaluation(string, int, map[string]float64, map[string]float64) {}
func (nopRecorder) RecordImprovement(string, int, float64)                               {}
func (nopRecorder) RecordCheckpoint(string, int, string)                                 {}
