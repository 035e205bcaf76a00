package optimizer

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/tensor"
)

// SGD implements stochastic gradient descent with optional momentum,
// dampening, weight decay and Nesterov acceleration.
type SGD struct {
	params      *tensor.ParamSet
	lr          float64
	momentum    float64
	dampening   float64
	weightDecay float64
	nesterov    bool

	velocities map[string][]float32
	mu         sync.RWMutex
}

// NewSGD creates an SGD optimizer for the given parameter set.
func NewSGD(params *tensor.ParamSet, lr, momentum, dampening, weightDecay float64, nesterov bool) (*SGD, error) {
	if params == nil {
		return nil, fmt.Errorf("parameter set cannot be nil")
	}
	if lr <= 0 {
		return nil, fmt.Errorf("learning rate must be positive, got %g", lr)
	}
	if momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative, got %g", momentum)
	}
	if nesterov && momentum == 0 {
		return nil, fmt.Errorf("nesterov requires momentum")
	}

	sgd := &SGD{
		params:      params,
		lr:          lr,
		momentum:    momentum,
		dampening:   dampening,
		weightDecay: weightDecay,
		nesterov:    nesterov,
		velocities:  make(map[string][]float32),
	}

	if momentum > 0 {
		for _, name := range params.Names() {
			p, _ := params.Get(name)
			sgd.velocities[name] = make([]float32, p.NumElems())
		}
	}
	return sgd, nil
}

// Step applies one SGD update to every parameter with a gradient.
func (sgd *SGD) Step() error {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()

	lr := float32(sgd.lr)
	momentum := float32(sgd.momentum)
	dampening := float32(sgd.dampening)
	weightDecay := float32(sgd.weightDecay)

	return sgd.params.Each(func(name string, p *tensor.Tensor) error {
		if p.Grad == nil {
			return nil
		}

		var velocity []float32
		if sgd.momentum > 0 {
			velocity = sgd.velocities[name]
			if velocity == nil {
				velocity = make([]float32, p.NumElems())
				sgd.velocities[name] = velocity
			}
		}

		for i := range p.Data {
			grad := p.Grad[i]
			if weightDecay != 0 {
				grad += weightDecay * p.Data[i]
			}
			if momentum > 0 {
				velocity[i] = momentum*velocity[i] + (1-dampening)*grad
				if sgd.nesterov {
					grad += momentum * velocity[i]
				} else {
					grad = velocity[i]
				}
			}
			p.Data[i] -= lr * grad
		}
		return nil
	})
}

// ZeroGrad clears all parameter gradients.
func (sgd *SGD) ZeroGrad() {
	sgd.params.ZeroGrads()
}

// Name returns "sgd".
func (sgd *SGD) Name() string {
	return "sgd"
}

// GetLR returns the current learning rate.
func (sgd *SGD) GetLR() float64 {
	sgd.mu.RLock()
	defer sgd.mu.RUnlock()
	return sgd.lr
}

// SetLR updates the learning rate.
func (sgd *SGD) SetLR(lr float64) {
	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	sgd.lr = lr
}

// GetState extracts the momentum buffers and hyperparameters.
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	sgd.mu.RLock()
	defer sgd.mu.RUnlock()

	nesterov := 0.0
	if sgd.nesterov {
		nesterov = 1.0
	}
	state := &checkpoints.OptimizerState{
		Type: sgd.Name(),
		Parameters: map[string]float64{
			"learning_rate": sgd.lr,
			"momentum":      sgd.momentum,
			"dampening":     sgd.dampening,
			"weight_decay":  sgd.weightDecay,
			"nesterov":      nesterov,
		},
	}
	state.StateData = appendStateTensors(state.StateData, "momentum", sgd.params, sgd.velocities)
	return state, nil
}

// LoadState restores momentum buffers and the learning rate from a
// checkpointed state.
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state cannot be nil")
	}
	if state.Type != sgd.Name() {
		return fmt.Errorf("state type %q does not match optimizer %q", state.Type, sgd.Name())
	}

	velocities, err := restoreStateTensors("momentum", sgd.params, state.StateData)
	if err != nil {
		return fmt.Errorf("restore sgd state: %w", err)
	}

	sgd.mu.Lock()
	defer sgd.mu.Unlock()
	if lr, ok := state.Parameters["learning_rate"]; ok {
		sgd.lr = lr
	}
	for name, buf := range velocities {
		sgd.velocities[name] = buf
	}
	return nil
}
