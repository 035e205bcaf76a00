package training

import (
	"fmt"

	"github.com/tsawler/go-trainer/tensor"
)

// EMATracker maintains an exponential moving average of model parameters.
// The tracked shadow trails the primary weights and usually evaluates
// better than any single step's weights.
type EMATracker struct {
	decay float64
}

// NewEMATracker creates a tracker with the given decay. Typical decays are
// 0.999 to 0.9999; higher decay means a slower, smoother shadow.
func NewEMATracker(decay float64) (*EMATracker, error) {
	if decay <= 0 || decay >= 1 {
		return nil, fmt.Errorf("ema decay must be in (0, 1), got %g", decay)
	}
	return &EMATracker{decay: decay}, nil
}

// Decay returns the configured decay factor.
func (t *EMATracker) Decay() float64 { return t.decay }

// Update folds the source parameters into the target shadow:
// target = target*decay + source*(1-decay), element-wise. The two sets must
// hold the same parameter names with the same shapes; a mismatch means the
// shadow no longer corresponds to the model and is an error.
func (t *EMATracker) Update(source, target *tensor.ParamSet) error {
	if source.Len() != target.Len() {
		return fmt.Errorf("ema update: source has %d parameters, target has %d", source.Len(), target.Len())
	}

	decay := float32(t.decay)
	alpha := float32(1 - t.decay)

	return source.Each(func(name string, src *tensor.Tensor) error {
		dst, ok := target.Get(name)
		if !ok {
			return fmt.Errorf("ema update: parameter %q missing from target", name)
		}
		if !tensor.SameShape(src.Shape, dst.Shape) {
			return fmt.Errorf("ema update: parameter %q has shape %v in source, %v in target",
				name, src.Shape, dst.Shape)
		}
		for i := range dst.Data {
			dst.Data[i] = dst.Data[i]*decay + src.Data[i]*alpha
		}
		return nil
	})
}

// ModelPair couples a model's primary parameters with their EMA shadow. The
// shadow starts as a value copy of the primary set and is thereafter
// updated only by an EMATracker; it never receives gradients.
type ModelPair struct {
	Primary *tensor.ParamSet
	EMA     *tensor.ParamSet
}

// NewModelPair builds a pair around the primary set, snapshotting it into
// an EMA shadow when withEMA is set.
func NewModelPair(primary *tensor.ParamSet, withEMA bool) *ModelPair {
	pair := &ModelPair{Primary: primary}
	if withEMA {
		pair.EMA = primary.Snapshot()
	}
	return pair
}

// HasEMA reports whether the pair carries an EMA shadow.
func (mp *ModelPair) HasEMA() bool { return mp.EMA != nil }
