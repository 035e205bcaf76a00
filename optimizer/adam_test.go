package optimizer

import (
	"testing"
)

func TestAdamFirstStepApproachesLR(t *testing.T) {
	// With bias correction the very first Adam update is close to
	// lr * sign(gradient) regardless of the gradient magnitude.
	params := newTestParams(t, []float32{1.0, 1.0}, []float32{0.5, -2.0})

	adam, err := NewAdam(params, 0.1, 0.9, 0.999, 1e-8, 0)
	if err != nil {
		t.Fatalf("failed to create Adam: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	data := paramData(t, params, "weight")
	if !closeEnough(data[0], 0.9) {
		t.Errorf("positive gradient: expected ~0.9, got %f", data[0])
	}
	if !closeEnough(data[1], 1.1) {
		t.Errorf("negative gradient: expected ~1.1, got %f", data[1])
	}
}

func TestAdamWeightDecayMovesZeroGradParams(t *testing.T) {
	params := newTestParams(t, []float32{1.0}, []float32{0.0})

	adam, err := NewAdam(params, 0.1, 0.9, 0.999, 1e-8, 0.1)
	if err != nil {
		t.Fatalf("failed to create Adam: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}

	// Decay enters the gradient, so the first update is ~lr towards zero.
	data := paramData(t, params, "weight")
	if !closeEnough(data[0], 0.9) {
		t.Errorf("expected ~0.9, got %f", data[0])
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	params := newTestParams(t, []float32{1.0, 2.0}, []float32{0.5, 1.0})
	adam, err := NewAdam(params, 0.01, 0.9, 0.999, 1e-8, 0)
	if err != nil {
		t.Fatalf("failed to create Adam: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := adam.Step(); err != nil {
			t.Fatalf("step %d failed: %v", i, err)
		}
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}
	if state.Type != "adam" {
		t.Errorf("expected state type adam, got %q", state.Type)
	}
	if state.StepCount != 3 {
		t.Errorf("expected step count 3, got %d", state.StepCount)
	}
	if len(state.StateData) != 2 {
		t.Fatalf("expected 2 state tensors (m and v), got %d", len(state.StateData))
	}

	paramsB := newTestParams(t, paramData(t, params, "weight"), []float32{0.5, 1.0})
	restored, err := NewAdam(paramsB, 0.01, 0.9, 0.999, 1e-8, 0)
	if err != nil {
		t.Fatalf("failed to create Adam: %v", err)
	}
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("failed to load state: %v", err)
	}

	if err := adam.Step(); err != nil {
		t.Fatalf("original step failed: %v", err)
	}
	if err := restored.Step(); err != nil {
		t.Fatalf("restored step failed: %v", err)
	}

	a := paramData(t, params, "weight")
	b := paramData(t, paramsB, "weight")
	for i := range a {
		if !closeEnough(a[i], b[i]) {
			t.Errorf("element %d diverged after restore: %f vs %f", i, a[i], b[i])
		}
	}
}

func TestAdamLoadStateRejectsShapeMismatch(t *testing.T) {
	params := newTestParams(t, []float32{1.0, 2.0}, []float32{0.5, 1.0})
	adam, err := NewAdam(params, 0.01, 0.9, 0.999, 1e-8, 0)
	if err != nil {
		t.Fatalf("failed to create Adam: %v", err)
	}
	if err := adam.Step(); err != nil {
		t.Fatalf("step failed: %v", err)
	}
	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("failed to get state: %v", err)
	}

	smaller := newTestParams(t, []float32{1.0}, []float32{0.5})
	other, err := NewAdam(smaller, 0.01, 0.9, 0.999, 1e-8, 0)
	if err != nil {
		t.Fatalf("failed to create Adam: %v", err)
	}
	if err := other.LoadState(state); err == nil {
		t.Error("expected error for mismatched state tensor size")
	}
}

func TestAdamValidation(t *testing.T) {
	params := newTestParams(t, []float32{1.0}, []float32{1.0})

	tests := []struct {
		name    string
		lr      float64
		beta1   float64
		beta2   float64
		epsilon float64
	}{
		{"zero learning rate", 0, 0.9, 0.999, 1e-8},
		{"beta1 too large", 0.1, 1.0, 0.999, 1e-8},
		{"negative beta1", 0.1, -0.1, 0.999, 1e-8},
		{"beta2 too large", 0.1, 0.9, 1.0, 1e-8},
		{"zero epsilon", 0.1, 0.9, 0.999, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewAdam(params, tt.lr, tt.beta1, tt.beta2, tt.epsilon, 0); err == nil {
				t.Error("expected constructor error")
			}
		})
	}

	if _, err := NewAdam(nil, 0.1, 0.9, 0.999, 1e-8, 0); err == nil {
		t.Error("expected error for nil parameter set")
	}
}
