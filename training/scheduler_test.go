package training

import (
	"math"
	"testing"
)

func TestConstantLR(t *testing.T) {
	s := &ConstantLR{}
	for _, counter := range []int{0, 1, 100, 10000} {
		if lr := s.GetLR(counter, 0.01); lr != 0.01 {
			t.Errorf("counter %d: expected 0.01, got %g", counter, lr)
		}
	}
}

func TestStepLR(t *testing.T) {
	s := NewStepLR(10, 0.5)

	tests := []struct {
		counter int
		want    float64
	}{
		{0, 1.0},
		{9, 1.0},
		{10, 0.5},
		{19, 0.5},
		{20, 0.25},
	}
	for _, tt := range tests {
		if got := s.GetLR(tt.counter, 1.0); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("counter %d: expected %g, got %g", tt.counter, tt.want, got)
		}
	}
}

func TestStepLRDefaults(t *testing.T) {
	s := NewStepLR(0, 2.0)
	if s.StepSize != 30 || s.Gamma != 0.1 {
		t.Errorf("expected defaults 30/0.1, got %d/%g", s.StepSize, s.Gamma)
	}
}

func TestExponentialLR(t *testing.T) {
	s := NewExponentialLR(0.9)
	if got := s.GetLR(0, 1.0); got != 1.0 {
		t.Errorf("counter 0: expected 1.0, got %g", got)
	}
	if got := s.GetLR(2, 1.0); math.Abs(got-0.81) > 1e-12 {
		t.Errorf("counter 2: expected 0.81, got %g", got)
	}
}

func TestCosineAnnealingLR(t *testing.T) {
	s := NewCosineAnnealingLR(100, 0.001)

	if got := s.GetLR(0, 0.1); math.Abs(got-0.1) > 1e-12 {
		t.Errorf("counter 0: expected base 0.1, got %g", got)
	}

	mid := s.GetLR(50, 0.1)
	want := (0.1 + 0.001) / 2
	if math.Abs(mid-want) > 1e-9 {
		t.Errorf("midpoint: expected %g, got %g", want, mid)
	}

	if got := s.GetLR(100, 0.1); got != 0.001 {
		t.Errorf("counter TMax: expected eta min, got %g", got)
	}
	if got := s.GetLR(500, 0.1); got != 0.001 {
		t.Errorf("past TMax: expected eta min, got %g", got)
	}
}

func TestWarmupLR(t *testing.T) {
	s := NewWarmupLR(4, &ConstantLR{})

	ramp := []float64{0.25, 0.5, 0.75, 1.0}
	for counter, frac := range ramp {
		want := 0.1 * frac
		if got := s.GetLR(counter, 0.1); math.Abs(got-want) > 1e-12 {
			t.Errorf("counter %d: expected %g, got %g", counter, want, got)
		}
	}

	// After warmup the wrapped scheduler takes over at its own zero.
	if got := s.GetLR(10, 0.1); got != 0.1 {
		t.Errorf("past warmup: expected 0.1, got %g", got)
	}
	if s.GetName() != "WarmupConstantLR" {
		t.Errorf("unexpected name %q", s.GetName())
	}
}

func TestWarmupLRWrapsDecay(t *testing.T) {
	s := NewWarmupLR(2, NewStepLR(10, 0.5))

	// Counter 12 is 10 steps past warmup, exactly one decay period.
	if got := s.GetLR(12, 1.0); math.Abs(got-0.5) > 1e-12 {
		t.Errorf("expected shifted decay 0.5, got %g", got)
	}
}

func TestReduceLROnPlateau(t *testing.T) {
	s := NewReduceLROnPlateau(0.5, 2, 0, "min")

	lr := s.StepMetric(1.0, 0.1) // initializes best
	if lr != 0.1 {
		t.Fatalf("first observation should keep lr, got %g", lr)
	}

	lr = s.StepMetric(0.9, lr) // improvement
	if lr != 0.1 {
		t.Fatalf("improvement should keep lr, got %g", lr)
	}

	lr = s.StepMetric(0.95, lr) // bad eval 1
	if lr != 0.1 {
		t.Fatalf("first bad eval should keep lr, got %g", lr)
	}

	lr = s.StepMetric(0.95, lr) // bad eval 2, patience hit
	if math.Abs(lr-0.05) > 1e-12 {
		t.Fatalf("expected lr halved after patience, got %g", lr)
	}

	// GetLR reports the decided rate between evaluations.
	if got := s.GetLR(7, 0.1); math.Abs(got-0.05) > 1e-12 {
		t.Errorf("GetLR should report the decided rate, got %g", got)
	}
}

func TestReduceLROnPlateauMaxMode(t *testing.T) {
	s := NewReduceLROnPlateau(0.1, 1, 0, "max")

	lr := s.StepMetric(0.5, 1.0)
	lr = s.StepMetric(0.6, lr) // improvement in max mode
	if lr != 1.0 {
		t.Fatalf("improvement should keep lr, got %g", lr)
	}
	lr = s.StepMetric(0.4, lr) // regression, patience 1
	if math.Abs(lr-0.1) > 1e-12 {
		t.Fatalf("expected lr reduced, got %g", lr)
	}
}

func TestReduceLROnPlateauImplementsMetricScheduler(t *testing.T) {
	var s LRScheduler = NewReduceLROnPlateau(0.5, 2, 0, "min")
	if _, ok := s.(MetricScheduler); !ok {
		t.Error("ReduceLROnPlateau must implement MetricScheduler")
	}

	var c LRScheduler = &ConstantLR{}
	if _, ok := c.(MetricScheduler); ok {
		t.Error("ConstantLR must not implement MetricScheduler")
	}
}
