package optimizer

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-trainer/checkpoints"
	"github.com/tsawler/go-trainer/tensor"
)

const samNormEpsilon = 1e-12

// SAM wraps a base optimizer with sharpness-aware minimization. FirstStep
// climbs to the local worst case by perturbing each parameter along its
// gradient, scaled so the joint perturbation has L2 norm rho. SecondStep
// undoes the perturbation and applies the base update with the gradients
// computed at the perturbed point.
type SAM struct {
	params *tensor.ParamSet
	base   Optimizer
	rho    float64

	perturb map[string][]float32
}

// NewSAM wraps base with sharpness-aware minimization using perturbation
// radius rho.
func NewSAM(params *tensor.ParamSet, base Optimizer, rho float64) (*SAM, error) {
	if params == nil {
		return nil, fmt.Errorf("parameter set cannot be nil")
	}
	if base == nil {
		return nil, fmt.Errorf("base optimizer cannot be nil")
	}
	if rho <= 0 {
		return nil, fmt.Errorf("rho must be positive, got %g", rho)
	}
	return &SAM{
		params:  params,
		base:    base,
		rho:     rho,
		perturb: make(map[string][]float32),
	}, nil
}

// FirstStep perturbs the parameters towards the local worst case. The
// perturbation is remembered so SecondStep can undo it.
func (sam *SAM) FirstStep(zeroGrad bool) error {
	if len(sam.perturb) > 0 {
		return fmt.Errorf("first step called with a perturbation pending")
	}

	scale := float32(sam.rho / (sam.params.GradNorm() + samNormEpsilon))
	err := sam.params.Each(func(name string, p *tensor.Tensor) error {
		if p.Grad == nil {
			return nil
		}
		e := make([]float32, len(p.Data))
		for i := range p.Data {
			e[i] = scale * p.Grad[i]
			p.Data[i] += e[i]
		}
		sam.perturb[name] = e
		return nil
	})
	if err != nil {
		return err
	}

	if zeroGrad {
		sam.params.ZeroGrads()
	}
	return nil
}

// SecondStep restores the original parameters and applies the base update
// using the gradients from the second pass.
func (sam *SAM) SecondStep(zeroGrad bool) error {
	if len(sam.perturb) == 0 {
		return fmt.Errorf("second step called without a matching first step")
	}

	err := sam.params.Each(func(name string, p *tensor.Tensor) error {
		e, ok := sam.perturb[name]
		if !ok {
			return nil
		}
		for i := range p.Data {
			p.Data[i] -= e[i]
		}
		return nil
	})
	if err != nil {
		return err
	}
	sam.perturb = make(map[string][]float32)

	if err := sam.base.Step(); err != nil {
		return err
	}
	if zeroGrad {
		sam.params.ZeroGrads()
	}
	return nil
}

// Step applies the base update directly. It fails while a perturbation is
// pending; callers doing sharpness-aware training must use FirstStep and
// SecondStep instead.
func (sam *SAM) Step() error {
	if len(sam.perturb) > 0 {
		return fmt.Errorf("step called with a perturbation pending")
	}
	return sam.base.Step()
}

// ZeroGrad clears all parameter gradients.
func (sam *SAM) ZeroGrad() {
	sam.params.ZeroGrads()
}

// Name returns "sam".
func (sam *SAM) Name() string {
	return "sam"
}

// GetLR returns the base optimizer's learning rate.
func (sam *SAM) GetLR() float64 {
	return sam.base.GetLR()
}

// SetLR updates the base optimizer's learning rate.
func (sam *SAM) SetLR(lr float64) {
	sam.base.SetLR(lr)
}

// GetState extracts the base optimizer's state. The perturbation is
// transient and never checkpointed.
func (sam *SAM) GetState() (*checkpoints.OptimizerState, error) {
	return sam.base.GetState()
}

// LoadState restores the base optimizer's state.
func (sam *SAM) LoadState(state *checkpoints.OptimizerState) error {
	return sam.base.LoadState(state)
}

// ESAM is the efficient SAM variant. FirstStep perturbs a random subset of
// the weights, each selected with probability beta and rescaled by 1/beta
// so the perturbation matches SAM in expectation.
type ESAM struct {
	*SAM
	beta float64
	rng  *rand.Rand
}

// NewESAM wraps base with efficient sharpness-aware minimization. beta is
// the fraction of weights perturbed each step and seed fixes the selection
// sequence.
func NewESAM(params *tensor.ParamSet, base Optimizer, rho, beta float64, seed int64) (*ESAM, error) {
	if beta <= 0 || beta > 1 {
		return nil, fmt.Errorf("beta must be in (0, 1], got %g", beta)
	}
	sam, err := NewSAM(params, base, rho)
	if err != nil {
		return nil, err
	}
	return &ESAM{
		SAM:  sam,
		beta: beta,
		rng:  rand.New(rand.NewSource(seed)),
	}, nil
}

// FirstStep perturbs a random subset of the weights towards the local
// worst case.
func (esam *ESAM) FirstStep(zeroGrad bool) error {
	if len(esam.perturb) > 0 {
		return fmt.Errorf("first step called with a perturbation pending")
	}

	scale := float32(esam.rho / (esam.params.GradNorm() + samNormEpsilon) / esam.beta)
	err := esam.params.Each(func(name string, p *tensor.Tensor) error {
		if p.Grad == nil {
			return nil
		}
		e := make([]float32, len(p.Data))
		for i := range p.Data {
			if esam.rng.Float64() >= esam.beta {
				continue
			}
			e[i] = scale * p.Grad[i]
			p.Data[i] += e[i]
		}
		esam.perturb[name] = e
		return nil
	})
	if err != nil {
		return err
	}

	if zeroGrad {
		esam.params.ZeroGrads()
	}
	return nil
}

// Name returns "esam".
func (esam *ESAM) Name() string {
	return "esam"
}
