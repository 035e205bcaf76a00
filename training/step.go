package training

import (
	"fmt"
	"math"

	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
)

// stepEngine executes one optimization step per batch. The execution
// variant (plain, mixed precision, sharpness-aware) is fixed at
// construction; per-batch code never re-inspects the configuration.
type stepEngine struct {
	model    Model
	pair     *ModelPair
	opt      optimizer.Optimizer
	twoPhase optimizer.TwoPhase // non-nil for sharpness-aware training
	scaler   *GradScaler        // non-nil for mixed precision
	ema      *EMATracker        // non-nil when the pair carries a shadow
	clipNorm float64            // 0 disables gradient clipping
}

func newStepEngine(model Model, pair *ModelPair, opt optimizer.Optimizer, scaler *GradScaler, ema *EMATracker, clipNorm float64) (*stepEngine, error) {
	if model == nil {
		return nil, fmt.Errorf("model cannot be nil")
	}
	if opt == nil {
		return nil, fmt.Errorf("optimizer cannot be nil")
	}
	if clipNorm < 0 {
		return nil, fmt.Errorf("clip norm cannot be negative, got %g", clipNorm)
	}
	twoPhase, _ := opt.(optimizer.TwoPhase)
	if twoPhase != nil && scaler != nil {
		return nil, fmt.Errorf("mixed precision and sharpness-aware optimization cannot be combined")
	}
	if ema != nil && !pair.HasEMA() {
		return nil, fmt.Errorf("ema tracking requires a model pair with a shadow")
	}
	return &stepEngine{
		model:    model,
		pair:     pair,
		opt:      opt,
		twoPhase: twoPhase,
		scaler:   scaler,
		ema:      ema,
		clipNorm: clipNorm,
	}, nil
}

// TrainStep runs one optimization step on sample and returns the metrics to
// fold into the training bank.
func (e *stepEngine) TrainStep(sample *Sample) (StepResult, error) {
	if e.twoPhase != nil {
		return e.sharpnessStep(sample)
	}
	return e.plainStep(sample)
}

// plainStep is the standard path: one forward/backward, optional loss
// scaling and gradient clipping, one optimizer step.
func (e *stepEngine) plainStep(sample *Sample) (StepResult, error) {
	e.opt.ZeroGrad()

	gradScale := 1.0
	if e.scaler != nil {
		gradScale = e.scaler.Scale()
	}
	res, err := e.model.Step(e.pair.Primary, sample, true, gradScale)
	if err != nil {
		return res, fmt.Errorf("model step: %w", err)
	}
	if err := checkLoss(res.Loss); err != nil {
		return res, err
	}

	overflow := false
	if e.scaler != nil {
		e.scaler.UnscaleGrads(e.pair.Primary)
		overflow = e.scaler.CheckOverflow(e.pair.Primary)
	}

	if !overflow {
		if e.clipNorm > 0 {
			if _, err := optimizer.ClipGradNorm(e.pair.Primary, e.clipNorm); err != nil {
				return res, err
			}
		}
		if err := e.opt.Step(); err != nil {
			return res, fmt.Errorf("optimizer step: %w", err)
		}
		if e.ema != nil {
			if err := e.ema.Update(e.pair.Primary, e.pair.EMA); err != nil {
				return res, err
			}
		}
	}
	if e.scaler != nil {
		e.scaler.Update(overflow)
	}
	return res, nil
}

// sharpnessStep runs the two-phase SAM cycle: forward/backward at the
// current weights, perturb, forward/backward at the perturbed point on the
// same batch, restore and apply the base update. Reported metrics come from
// the second pass.
func (e *stepEngine) sharpnessStep(sample *Sample) (StepResult, error) {
	e.twoPhase.ZeroGrad()

	first, err := e.model.Step(e.pair.Primary, sample, true, 1)
	if err != nil {
		return first, fmt.Errorf("model step: %w", err)
	}
	if err := checkLoss(first.Loss); err != nil {
		return first, err
	}
	if err := e.twoPhase.FirstStep(true); err != nil {
		return first, err
	}

	res, err := e.model.Step(e.pair.Primary, sample, true, 1)
	if err != nil {
		return res, fmt.Errorf("model step at perturbed point: %w", err)
	}
	if err := checkLoss(res.Loss); err != nil {
		return res, err
	}

	if e.clipNorm > 0 {
		if _, err := optimizer.ClipGradNorm(e.pair.Primary, e.clipNorm); err != nil {
			return res, err
		}
	}
	if err := e.twoPhase.SecondStep(false); err != nil {
		return res, err
	}
	if e.ema != nil {
		if err := e.ema.Update(e.pair.Primary, e.pair.EMA); err != nil {
			return res, err
		}
	}
	return res, nil
}

// EvalStep computes metrics for sample against the given parameter set
// without touching gradients.
func (e *stepEngine) EvalStep(params *tensor.ParamSet, sample *Sample) (StepResult, error) {
	return e.model.Step(params, sample, false, 1)
}

// checkLoss aborts training on a non-finite loss; continuing would corrupt
// the weights and every later checkpoint.
func checkLoss(loss float64) error {
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return fmt.Errorf("non-finite loss %v, aborting training", loss)
	}
	return nil
}
