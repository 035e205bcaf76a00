// Package optimizer provides gradient-based parameter update rules together
// with state extraction and restoration for checkpointing. All optimizers
// operate on a tensor.ParamSet and key their internal buffers by parameter
// name so that state survives a serialization round trip.
package optimizer

import (
	"fmt"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/tensor"
)

// Optimizer updates parameters in place from their accumulated gradients.
type Optimizer interface {
	// Step applies one update using the gradients currently stored on the
	// parameter set. Gradients are left untouched.
	Step() error

	// ZeroGrad clears all gradients on the parameter set.
	ZeroGrad()

	// Name reports the update rule, e.g. "sgd" or "adam".
	Name() string

	// GetLR returns the current learning rate.
	GetLR() float64

	// SetLR replaces the learning rate. Schedulers call this between steps.
	SetLR(lr float64)

	// GetState extracts optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint.
	LoadState(state *checkpoints.OptimizerState) error
}

// TwoPhase is implemented by sharpness-aware optimizers that require a
// second forward/backward pass at a perturbed parameter point. Callers
// invoke FirstStep after the first backward pass and SecondStep after the
// second; plain Step must not be used while a perturbation is pending.
type TwoPhase interface {
	Optimizer

	// FirstStep perturbs the parameters towards the local worst case and
	// optionally clears gradients for the second pass.
	FirstStep(zeroGrad bool) error

	// SecondStep restores the original parameters and applies the base
	// update using the gradients from the second pass.
	SecondStep(zeroGrad bool) error
}

// appendStateTensors appends one OptimizerTensor per parameter that has a
// buffer in buffers, in parameter-set order, tagged with stateType.
func appendStateTensors(dst []checkpoints.OptimizerTensor, stateType string, params *tensor.ParamSet, buffers map[string][]float32) []checkpoints.OptimizerTensor {
	for _, name := range params.Names() {
		buf, ok := buffers[name]
		if !ok {
			continue
		}
		p, _ := params.Get(name)
		data := make([]float32, len(buf))
		copy(data, buf)
		shape := make([]int, len(p.Shape))
		copy(shape, p.Shape)
		dst = append(dst, checkpoints.OptimizerTensor{
			Name:      name,
			Shape:     shape,
			Data:      data,
			StateType: stateType,
		})
	}
	return dst
}

// restoreStateTensors collects the tensors tagged stateType out of src and
// validates each against the parameter set before returning them as a
// name-keyed buffer map.
func restoreStateTensors(stateType string, params *tensor.ParamSet, src []checkpoints.OptimizerTensor) (map[string][]float32, error) {
	buffers := make(map[string][]float32)
	for _, st := range src {
		if st.StateType != stateType {
			continue
		}
		p, ok := params.Get(st.Name)
		if !ok {
			return nil, fmt.Errorf("state tensor %q (%s): no matching parameter", st.Name, stateType)
		}
		if len(st.Data) != p.NumElems() {
			return nil, fmt.Errorf("state tensor %q (%s): has %d elements, parameter has %d",
				st.Name, stateType, len(st.Data), p.NumElems())
		}
		buf := make([]float32, len(st.Data))
		copy(buf, st.Data)
		buffers[st.Name] = buf
	}
	return buffers, nil
}
