package training

import (
	"math"
	"testing"
)

func TestGradScalerDefaults(t *testing.T) {
	gs := NewGradScaler(0)
	if gs.Scale() != defaultLossScale {
		t.Errorf("expected default scale %g, got %g", defaultLossScale, gs.Scale())
	}

	gs = NewGradScaler(-5)
	if gs.Scale() != defaultLossScale {
		t.Errorf("expected default scale for negative input, got %g", gs.Scale())
	}

	gs = NewGradScaler(1024)
	if gs.Scale() != 1024 {
		t.Errorf("expected configured scale 1024, got %g", gs.Scale())
	}
}

func TestGradScalerBackoffOnOverflow(t *testing.T) {
	gs := NewGradScaler(8.0)

	gs.Update(true)
	if gs.Scale() != 4.0 {
		t.Errorf("expected scale 4.0 after overflow, got %g", gs.Scale())
	}

	// The scale never drops below the floor.
	for i := 0; i < 10; i++ {
		gs.Update(true)
	}
	if gs.Scale() != minLossScale {
		t.Errorf("expected scale floored at %g, got %g", minLossScale, gs.Scale())
	}
}

func TestGradScalerGrowthAfterCleanWindow(t *testing.T) {
	gs := NewGradScaler(2.0)

	for i := 0; i < scaleGrowthInterval-1; i++ {
		gs.Update(false)
	}
	if gs.Scale() != 2.0 {
		t.Fatalf("scale grew before the clean window elapsed: %g", gs.Scale())
	}

	gs.Update(false)
	if gs.Scale() != 4.0 {
		t.Errorf("expected scale 4.0 after %d clean steps, got %g", scaleGrowthInterval, gs.Scale())
	}
}

func TestGradScalerOverflowResetsCleanWindow(t *testing.T) {
	gs := NewGradScaler(2.0)

	for i := 0; i < scaleGrowthInterval-1; i++ {
		gs.Update(false)
	}
	gs.Update(true) // 1.0
	gs.Update(false)
	if gs.Scale() != 1.0 {
		t.Errorf("clean window should restart after overflow, got scale %g", gs.Scale())
	}
}

func TestGradScalerUnscaleGrads(t *testing.T) {
	gs := NewGradScaler(4.0)

	params := newNamedParams(t, "weight", []float32{1.0, 1.0})
	p, _ := params.Get("weight")
	p.EnsureGrad()
	p.Grad[0] = 8.0
	p.Grad[1] = 2.0

	gs.UnscaleGrads(params)
	if p.Grad[0] != 2.0 || p.Grad[1] != 0.5 {
		t.Errorf("expected grads [2.0 0.5] after unscale, got %v", p.Grad)
	}
}

func TestGradScalerCheckOverflow(t *testing.T) {
	gs := NewGradScaler(2.0)

	params := newNamedParams(t, "weight", []float32{1.0})
	p, _ := params.Get("weight")
	p.EnsureGrad()
	p.Grad[0] = 1.0
	if gs.CheckOverflow(params) {
		t.Error("finite gradients should not report overflow")
	}

	p.Grad[0] = float32(math.Inf(1))
	if !gs.CheckOverflow(params) {
		t.Error("infinite gradient should report overflow")
	}

	p.Grad[0] = float32(math.NaN())
	if !gs.CheckOverflow(params) {
		t.Error("NaN gradient should report overflow")
	}
}
