package optimizer

import (
	"testing"
)

func TestClipGradNormScalesDown(t *testing.T) {
	params := newTestParams(t, []float32{0, 0}, []float32{3.0, 4.0})

	norm, err := ClipGradNorm(params, 1.0)
	if err != nil {
		t.Fatalf("clip failed: %v", err)
	}
	if !closeEnough(float32(norm), 5.0) {
		t.Errorf("expected reported norm 5.0, got %f", norm)
	}

	p, _ := params.Get("weight")
	if !closeEnough(p.Grad[0], 0.6) || !closeEnough(p.Grad[1], 0.8) {
		t.Errorf("expected clipped gradients [0.6 0.8], got %v", p.Grad)
	}
	if !closeEnough(float32(params.GradNorm()), 1.0) {
		t.Errorf("expected post-clip norm 1.0, got %f", params.GradNorm())
	}
}

func TestClipGradNormLeavesSmallGradientsAlone(t *testing.T) {
	params := newTestParams(t, []float32{0, 0}, []float32{3.0, 4.0})

	norm, err := ClipGradNorm(params, 10.0)
	if err != nil {
		t.Fatalf("clip failed: %v", err)
	}
	if !closeEnough(float32(norm), 5.0) {
		t.Errorf("expected reported norm 5.0, got %f", norm)
	}

	p, _ := params.Get("weight")
	if p.Grad[0] != 3.0 || p.Grad[1] != 4.0 {
		t.Errorf("gradients below the limit were modified: %v", p.Grad)
	}
}

func TestClipGradNormValidation(t *testing.T) {
	params := newTestParams(t, []float32{0}, []float32{1.0})

	if _, err := ClipGradNorm(nil, 1.0); err == nil {
		t.Error("expected error for nil parameter set")
	}
	if _, err := ClipGradNorm(params, 0); err == nil {
		t.Error("expected error for non-positive max norm")
	}
}
