package optimizer

import (
	"fmt"

	"github.com/tsawler/go-trainer/tensor"
)

// ClipGradNorm rescales all gradients in place so their global L2 norm does
// not exceed maxNorm. It returns the norm measured before clipping. When
// the measured norm is at or below maxNorm the gradients are left alone.
func ClipGradNorm(params *tensor.ParamSet, maxNorm float64) (float64, error) {
	if params == nil {
		return 0, fmt.Errorf("parameter set cannot be nil")
	}
	if maxNorm <= 0 {
		return 0, fmt.Errorf("max norm must be positive, got %g", maxNorm)
	}

	totalNorm := params.GradNorm()
	if totalNorm > maxNorm {
		params.ScaleGrads(float32(maxNorm / totalNorm))
	}
	return totalNorm, nil
}
