package optimizer

import (
	"fmt"
	"math"
	"sync"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/tensor"
)

// Adam implements the Adam update rule with bias correction. Weight decay,
// when set, is added to the gradient before the moment updates.
type Adam struct {
	params      *tensor.ParamSet
	lr          float64
	beta1       float64
	beta2       float64
	epsilon     float64
	weightDecay float64

	m         map[string][]float32
	v         map[string][]float32
	stepCount uint64
	mu        sync.RWMutex
}

// NewAdam creates an Adam optimizer for the given parameter set.
func NewAdam(params *tensor.ParamSet, lr, beta1, beta2, epsilon, weightDecay float64) (*Adam, error) {
	if params == nil {
		return nil, fmt.Errorf("parameter set cannot be nil")
	}
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	if beta1 < 0 || beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1), got %g", beta1)
	}
	if beta2 < 0 || beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1), got %g", beta2)
	}
	if epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive, got %g", epsilon)
	}

	adam := &Adam{
		params:      params,
		lr:          lr,
		beta1:       beta1,
		beta2:       beta2,
		epsilon:     epsilon,
		weightDecay: weightDecay,
		m:           make(map[string][]float32),
		v:           make(map[string][]float32),
	}
	for _, name := range params.Names() {
		p, _ := params.Get(name)
		adam.m[name] = make([]float32, p.NumElems())
		adam.v[name] = make([]float32, p.NumElems())
	}
	return adam, nil
}

// Step applies one Adam update to every parameter with a gradient.
func (adam *Adam) Step() error {
	adam.mu.Lock()
	defer adam.mu.Unlock()

	adam.stepCount++
	bias1 := 1 - math.Pow(adam.beta1, float64(adam.stepCount))
	bias2 := 1 - math.Pow(adam.beta2, float64(adam.stepCount))

	lr := adam.lr
	beta1 := float32(adam.beta1)
	beta2 := float32(adam.beta2)
	weightDecay := float32(adam.weightDecay)

	return adam.params.Each(func(name string, p *tensor.Tensor) error {
		if p.Grad == nil {
			return nil
		}

		m := adam.m[name]
		if m == nil {
			m = make([]float32, p.NumElems())
			adam.m[name] = m
		}
		v := adam.v[name]
		if v == nil {
			v = make([]float32, p.NumElems())
			adam.v[name] = v
		}

		for i := range p.Data {
			grad := p.Grad[i]
			if weightDecay != 0 {
				grad += weightDecay * p.Data[i]
			}

			m[i] = beta1*m[i] + (1-beta1)*grad
			v[i] = beta2*v[i] + (1-beta2)*grad*grad

			mHat := float64(m[i]) / bias1
			vHat := float64(v[i]) / bias2
			p.Data[i] -= float32(lr * mHat / (math.Sqrt(vHat) + adam.epsilon))
		}
		return nil
	})
}

// ZeroGrad clears all parameter gradients.
func (adam *Adam) ZeroGrad() {
	adam.params.ZeroGrads()
}

// Name returns "adam".
func (adam *Adam) Name() string {
	return "adam"
}

// GetLR returns the current learning rate.
func (adam *Adam) GetLR() float64 {
	adam.mu.RLock()
	defer adam.mu.RUnlock()
	return adam.lr
}

// SetLR updates the learning rate.
func (adam *Adam) SetLR(lr float64) {
	adam.mu.Lock()
	defer adam.mu.Unlock()
	adam.lr = lr
}

// GetState extracts both moment buffers, the step count and the
// hyperparameters.
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	adam.mu.RLock()
	defer adam.mu.RUnlock()

	state := &checkpoints.OptimizerState{
		Type:      adam.Name(),
		StepCount: adam.stepCount,
		Parameters: map[string]float64{
			"learning_rate": adam.lr,
			"beta1":         adam.beta1,
			"beta2":         adam.beta2,
			"epsilon":       adam.epsilon,
			"weight_decay":  adam.weightDecay,
		},
	}
	state.StateData = appendStateTensors(state.StateData, "m", adam.params, adam.m)
	state.StateData = appendStateTensors(state.StateData, "v", adam.params, adam.v)
	return state, nil
}

// LoadState restores the moment buffers, step count and learning rate from
// a checkpointed state.
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != adam.Name() {
		return fmt.Errorf("state type %q does not match optimizer %q", state.Type, adam.Name())
	}

	m, err := restoreStateTensors("m", adam.params, state.StateData)
	if err != nil {
		return fmt.Errorf("restore adam state: %w", err)
	}
	v, err := restoreStateTensors("v", adam.params, state.StateData)
	if err != nil {
		return fmt.Errorf("restore adam state: %w", err)
	}

	adam.mu.Lock()
	defer adam.mu.Unlock()
	adam.stepCount = state.StepCount
	if lr, ok := state.Parameters["learning_rate"]; ok {
		adam.lr = lr
	}
	for name, buf := range m {
		adam.m[name] = buf
	}
	for name, buf := range v {
		adam.v[name] = buf
	}
	return nil
}
