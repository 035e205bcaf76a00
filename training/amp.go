package training

import (
	"fmt"

	"github.com/tsawler/go-trainer/tensor"
)

// Dynamic loss scaling defaults. The scale halves on every overflow and
// doubles after a window of clean steps, staying just under the overflow
// threshold.
const (
	defaultLossScale    = 65536.0
	scaleGrowthFactor   = 2.0
	scaleBackoffFactor  = 0.5
	scaleGrowthInterval = 2000
	minLossScale        = 1.0
)

// GradScaler implements dynamic loss scaling for mixed-precision training.
// The loss is scaled up before the backward pass so small gradients survive
// reduced precision, then the gradients are unscaled before clipping and the
// optimizer step. Steps whose unscaled gradients contain Inf or NaN are
// skipped and the scale backs off.
type GradScaler struct {
	scale      float64
	cleanSteps int
}

// NewGradScaler creates a scaler starting at initialScale. Zero or negative
// means the default of 65536.
func NewGradScaler(initialScale float64) *GradScaler {
	if initialScale <= 0 {
		initialScale = defaultLossScale
	}
	return &GradScaler{scale: initialScale}
}

// Scale returns the current loss scale.
func (gs *GradScaler) Scale() float64 { return gs.scale }

// UnscaleGrads divides every gradient by the current scale, restoring true
// gradient magnitudes after a scaled backward pass.
func (gs *GradScaler) UnscaleGrads(params *tensor.ParamSet) {
	params.ScaleGrads(float32(1 / gs.scale))
}

// CheckOverflow reports whether any unscaled gradient is Inf or NaN.
func (gs *GradScaler) CheckOverflow(params *tensor.ParamSet) bool {
	return params.HasNonFiniteGrads()
}

// Update adjusts the scale after a step: back off on overflow, grow after a
// window of clean steps.
func (gs *GradScaler) Update(overflow bool) {
	if overflow {
		gs.scale *= scaleBackoffFactor
		if gs.scale < minLossScale {
			gs.scale = minLossScale
		}
		gs.cleanSteps = 0
		return
	}
	gs.cleanSteps++
	if gs.cleanSteps >= scaleGrowthInterval {
		gs.scale *= scaleGrowthFactor
		gs.cleanSteps = 0
	}
}

// String describes the scaler state for logs.
func (gs *GradScaler) String() string {
	return fmt.Sprintf("GradScaler(scale=%g, clean=%d)", gs.scale, gs.cleanSteps)
}
