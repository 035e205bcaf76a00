package config

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-trainer/optimizer"
	"github.com/tsawler/go-trainer/tensor"
	"github.com/tsawler/go-trainer/training"
)

// ComponentSpec names a registered component and carries its parameters.
// In YAML it reads as
//
//	optimizer:
//	  target: sgd
//	  params:
//	    lr: 0.01
//	    momentum: 0.9
type ComponentSpec struct {
	Target string         `yaml:"target"`
	Params map[string]any `yaml:"params,omitempty"`
}

// Decode unmarshals the spec's params into a typed parameter struct.
func (s ComponentSpec) Decode(out any) error {
	if len(s.Params) == 0 {
		return nil
	}
	raw, err := yaml.Marshal(s.Params)
	if err != nil {
		return fmt.Errorf("encoding params for %q: %w", s.Target, err)
	}
	if err := yaml.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding params for %q: %w", s.Target, err)
	}
	return nil
}

// OptimizerFactory builds an optimizer over params from a spec.
type OptimizerFactory func(params *tensor.ParamSet, spec ComponentSpec) (optimizer.Optimizer, error)

// SchedulerFactory builds a learning rate scheduler from a spec.
type SchedulerFactory func(spec ComponentSpec) (training.LRScheduler, error)

var (
	optimizerFactories map[string]OptimizerFactory
	schedulerFactories map[string]SchedulerFactory
)

// The maps are populated in init rather than in their declarations because
// buildSAM/buildESAM and buildWarmup call back into BuildOptimizer and
// BuildScheduler, which the compiler rejects as an initialization cycle.
func init() {
	optimizerFactories = map[string]OptimizerFactory{
		"sgd":  buildSGD,
		"adam": buildAdam,
		"sam":  buildSAM,
		"esam": buildESAM,
	}

	schedulerFactories = map[string]SchedulerFactory{
		"constant":    buildConstant,
		"step":        buildStep,
		"exponential": buildExponential,
		"cosine":      buildCosine,
		"warmup":      buildWarmup,
		"plateau":     buildPlateau,
	}
}

// RegisterOptimizer adds a factory under the given target name. It is meant
// to be called during program initialization and is not safe for concurrent
// use with Build calls.
func RegisterOptimizer(name string, factory OptimizerFactory) {
	optimizerFactories[name] = factory
}

// RegisterScheduler adds a scheduler factory under the given target name.
func RegisterScheduler(name string, factory SchedulerFactory) {
	schedulerFactories[name] = factory
}

// BuildOptimizer instantiates the optimizer named by spec.Target.
func BuildOptimizer(params *tensor.ParamSet, spec ComponentSpec) (optimizer.Optimizer, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("optimizer target is required")
	}
	factory, ok := optimizerFactories[spec.Target]
	if !ok {
		return nil, fmt.Errorf("unknown optimizer %q (known: %s)", spec.Target, knownNames(optimizerFactories))
	}
	return factory(params, spec)
}

// BuildScheduler instantiates the scheduler named by spec.Target.
func BuildScheduler(spec ComponentSpec) (training.LRScheduler, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("scheduler target is required")
	}
	factory, ok := schedulerFactories[spec.Target]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler %q (known: %s)", spec.Target, knownNames(schedulerFactories))
	}
	return factory(spec)
}

func knownNames[T any](m map[string]T) string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

type sgdParams struct {
	LR          float64 `yaml:"lr"`
	Momentum    float64 `yaml:"momentum"`
	Dampening   float64 `yaml:"dampening"`
	WeightDecay float64 `yaml:"weight_decay"`
	Nesterov    bool    `yaml:"nesterov"`
}

func buildSGD(params *tensor.ParamSet, spec ComponentSpec) (optimizer.Optimizer, error) {
	p := sgdParams{LR: 0.01}
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	return optimizer.NewSGD(params, p.LR, p.Momentum, p.Dampening, p.WeightDecay, p.Nesterov)
}

type adamParams struct {
	LR          float64 `yaml:"lr"`
	Beta1       float64 `yaml:"beta1"`
	Beta2       float64 `yaml:"beta2"`
	Epsilon     float64 `yaml:"epsilon"`
	WeightDecay float64 `yaml:"weight_decay"`
}

func buildAdam(params *tensor.ParamSet, spec ComponentSpec) (optimizer.Optimizer, error) {
	p := adamParams{LR: 0.001, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	return optimizer.NewAdam(params, p.LR, p.Beta1, p.Beta2, p.Epsilon, p.WeightDecay)
}

type samParams struct {
	Rho  float64       `yaml:"rho"`
	Base ComponentSpec `yaml:"base"`
}

func buildSAM(params *tensor.ParamSet, spec ComponentSpec) (optimizer.Optimizer, error) {
	p := samParams{Rho: 0.05}
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	base, err := BuildOptimizer(params, p.Base)
	if err != nil {
		return nil, fmt.Errorf("sam base optimizer: %w", err)
	}
	return optimizer.NewSAM(params, base, p.Rho)
}

type esamParams struct {
	Rho  float64       `yaml:"rho"`
	Beta float64       `yaml:"beta"`
	Seed int64         `yaml:"seed"`
	Base ComponentSpec `yaml:"base"`
}

func buildESAM(params *tensor.ParamSet, spec ComponentSpec) (optimizer.Optimizer, error) {
	p := esamParams{Rho: 0.05, Beta: 0.5}
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	base, err := BuildOptimizer(params, p.Base)
	if err != nil {
		return nil, fmt.Errorf("esam base optimizer: %w", err)
	}
	return optimizer.NewESAM(params, base, p.Rho, p.Beta, p.Seed)
}

func buildConstant(ComponentSpec) (training.LRScheduler, error) {
	return &training.ConstantLR{}, nil
}

type stepParams struct {
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
}

func buildStep(spec ComponentSpec) (training.LRScheduler, error) {
	var p stepParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	return training.NewStepLR(p.StepSize, p.Gamma), nil
}

type exponentialParams struct {
	Gamma float64 `yaml:"gamma"`
}

func buildExponential(spec ComponentSpec) (training.LRScheduler, error) {
	var p exponentialParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	return training.NewExponentialLR(p.Gamma), nil
}

type cosineParams struct {
	TMax   int     `yaml:"t_max"`
	EtaMin float64 `yaml:"eta_min"`
}

func buildCosine(spec ComponentSpec) (training.LRScheduler, error) {
	var p cosineParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	return training.NewCosineAnnealingLR(p.TMax, p.EtaMin), nil
}

type warmupParams struct {
	WarmupSteps int            `yaml:"warmup_steps"`
	After       *ComponentSpec `yaml:"after,omitempty"`
}

func buildWarmup(spec ComponentSpec) (training.LRScheduler, error) {
	var p warmupParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	var after training.LRScheduler
	if p.After != nil {
		inner, err := BuildScheduler(*p.After)
		if err != nil {
			return nil, fmt.Errorf("warmup inner scheduler: %w", err)
		}
		after = inner
	}
	return training.NewWarmupLR(p.WarmupSteps, after), nil
}

type plateauParams struct {
	Factor    float64 `yaml:"factor"`
	Patience  int     `yaml:"patience"`
	Threshold float64 `yaml:"threshold"`
	Mode      string  `yaml:"mode"`
}

func buildPlateau(spec ComponentSpec) (training.LRScheduler, error) {
	var p plateauParams
	if err := spec.Decode(&p); err != nil {
		return nil, err
	}
	return training.NewReduceLROnPlateau(p.Factor, p.Patience, p.Threshold, p.Mode), nil
}
