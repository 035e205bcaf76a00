package training

import (
	"math"
)

// LRScheduler computes the learning rate for a counter (epoch or step,
// whichever indexes the run). Schedulers are pure functions of the counter;
// the one stateful exception is ReduceLROnPlateau, which additionally
// implements MetricScheduler.
type LRScheduler interface {
	// GetLR returns the learning rate for the given counter.
	GetLR(counter int, baseLR float64) float64

	// GetName returns the scheduler name for logging.
	GetName() string
}

// MetricScheduler is implemented by schedulers that consume the monitored
// validation metric at evaluation boundaries instead of following the
// counter. The orchestrator checks for this capability once at construction.
type MetricScheduler interface {
	LRScheduler

	// StepMetric observes the monitored metric and returns the learning
	// rate to use from now on.
	StepMetric(metric float64, currentLR float64) float64
}

// ConstantLR keeps the learning rate fixed (default behavior).
type ConstantLR struct{}

func (s *ConstantLR) GetLR(counter int, baseLR float64) float64 {
	return baseLR
}

func (s *ConstantLR) GetName() string {
	return "ConstantLR"
}

// StepLR reduces the learning rate by a factor every stepSize counters.
type StepLR struct {
	StepSize int
	Gamma    float64
}

// NewStepLR creates a step learning rate scheduler.
func NewStepLR(stepSize int, gamma float64) *StepLR {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLR{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLR) GetLR(counter int, baseLR float64) float64 {
	times := counter / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLR) GetName() string {
	return "StepLR"
}

// ExponentialLR decays the learning rate exponentially per counter.
type ExponentialLR struct {
	Gamma float64
}

// NewExponentialLR creates an exponential learning rate scheduler.
func NewExponentialLR(gamma float64) *ExponentialLR {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLR{
		Gamma: gamma,
	}
}

func (s *ExponentialLR) GetLR(counter int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(counter))
}

func (s *ExponentialLR) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLR anneals the learning rate along a half cosine from
// baseLR down to EtaMin over TMax counters.
type CosineAnnealingLR struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLR creates a cosine annealing scheduler.
func NewCosineAnnealingLR(tMax int, etaMin float64) *CosineAnnealingLR {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLR{
		TMax:   tMax,
		EtaMin: etaMin,
	}
}

func (s *CosineAnnealingLR) GetLR(counter int, baseLR float64) float64 {
	if counter >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(counter)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLR) GetName() string {
	return "CosineAnnealingLR"
}

// WarmupLR ramps the learning rate linearly from zero over WarmupSteps
// counters, then hands over to the wrapped scheduler (counter shifted so
// the wrapped schedule starts at zero).
type WarmupLR struct {
	WarmupSteps int
	After       LRScheduler
}

// NewWarmupLR wraps after with a linear warmup phase.
func NewWarmupLR(warmupSteps int, after LRScheduler) *WarmupLR {
	if warmupSteps <= 0 {
		warmupSteps = 1
	}
	if after == nil {
		after = &ConstantLR{}
	}
	return &WarmupLR{
		WarmupSteps: warmupSteps,
		After:       after,
	}
}

func (s *WarmupLR) GetLR(counter int, baseLR float64) float64 {
	if counter < s.WarmupSteps {
		return baseLR * float64(counter+1) / float64(s.WarmupSteps)
	}
	return s.After.GetLR(counter-s.WarmupSteps, baseLR)
}

func (s *WarmupLR) GetName() string {
	return "Warmup" + s.After.GetName()
}

// ReduceLROnPlateau reduces the learning rate when the monitored metric has
// stopped improving for Patience evaluations. It is the metric-consuming
// scheduler: the orchestrator feeds it through MetricScheduler at every
// evaluation boundary.
type ReduceLROnPlateau struct {
	Factor    float64
	Patience  int
	Threshold float64
	Mode      string

	bestMetric  float64
	badEvals    int
	currentLR   float64
	initialized bool
}

// NewReduceLROnPlateau creates a plateau-based scheduler. Mode is "min" or
// "max" depending on whether smaller or larger metric values are better.
func NewReduceLROnPlateau(factor float64, patience int, threshold float64, mode string) *ReduceLROnPlateau {
	if factor <= 0 || factor >= 1 {
		factor = 0.1
	}
	if patience <= 0 {
		patience = 10
	}
	if threshold < 0 {
		threshold = 1e-4
	}
	if mode != "min" && mode != "max" {
		mode = "min"
	}
	return &ReduceLROnPlateau{
		Factor:    factor,
		Patience:  patience,
		Threshold: threshold,
		Mode:      mode,
	}
}

// StepMetric observes the monitored metric and returns the learning rate to
// use from now on.
func (s *ReduceLROnPlateau) StepMetric(metric float64, currentLR float64) float64 {
	if !s.initialized {
		s.bestMetric = metric
		s.currentLR = currentLR
		s.initialized = true
		return currentLR
	}

	improved := false
	if s.Mode == "min" {
		improved = metric < s.bestMetric-s.Threshold
	} else {
		improved = metric > s.bestMetric+s.Threshold
	}

	if improved {
		s.bestMetric = metric
		s.badEvals = 0
	} else {
		s.badEvals++
		if s.badEvals >= s.Patience {
			s.currentLR *= s.Factor
			s.badEvals = 0
		}
	}
	return s.currentLR
}

func (s *ReduceLROnPlateau) GetLR(counter int, baseLR float64) float64 {
	// The reduction happens in StepMetric; between evaluations the last
	// decided rate holds.
	if s.initialized {
		return s.currentLR
	}
	return baseLR
}

func (s *ReduceLROnPlateau) GetName() string {
	return "ReduceLROnPlateau"
}
