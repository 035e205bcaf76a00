package tensor

import (
	"fmt"
	"math"
)

// ParamSet is an ordered collection of named parameter tensors. Iteration
// order is insertion order, which keeps optimizer updates and serialization
// deterministic across runs and ranks.
type ParamSet struct {
	names  []string
	byName map[string]*Tensor
}

// NewParamSet creates an empty parameter set.
func NewParamSet() *ParamSet {
	return &ParamSet{byName: make(map[string]*Tensor)}
}

// Add registers a named parameter. Names must be unique within the set.
func (p *ParamSet) Add(name string, t *Tensor) error {
	if name == "" {
		return fmt.Errorf("parameter name must not be empty")
	}
	if _, exists := p.byName[name]; exists {
		return fmt.Errorf("duplicate parameter name %q", name)
	}
	p.names = append(p.names, name)
	p.byName[name] = t
	return nil
}

// Get returns the parameter with the given name.
func (p *ParamSet) Get(name string) (*Tensor, bool) {
	t, ok := p.byName[name]
	return t, ok
}

// Names returns the parameter names in insertion order.
func (p *ParamSet) Names() []string {
	return append([]string(nil), p.names...)
}

// Len returns the number of parameters in the set.
func (p *ParamSet) Len() int {
	return len(p.names)
}

// NumElems returns the total element count across all parameters.
func (p *ParamSet) NumElems() int {
	n := 0
	for _, name := range p.names {
		n += len(p.byName[name].Data)
	}
	return n
}

// Each calls fn for every parameter in insertion order, stopping at the
// first error.
func (p *ParamSet) Each(fn func(name string, t *Tensor) error) error {
	for _, name := range p.names {
		if err := fn(name, p.byName[name]); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot returns a deep value copy of the set. Gradient buffers are not
// copied.
func (p *ParamSet) Snapshot() *ParamSet {
	s := NewParamSet()
	for _, name := range p.names {
		// Add cannot fail here: names were unique in the source set.
		_ = s.Add(name, p.byName[name].Clone())
	}
	return s
}

// CopyValuesFrom overwrites this set's parameter values with those from src.
// Both sets must contain exactly the same names with identical shapes.
func (p *ParamSet) CopyValuesFrom(src *ParamSet) error {
	if p.Len() != src.Len() {
		return fmt.Errorf("parameter count mismatch: %d vs %d", p.Len(), src.Len())
	}
	for _, name := range p.names {
		st, ok := src.byName[name]
		if !ok {
			return fmt.Errorf("parameter %q missing from source set", name)
		}
		if err := p.byName[name].CopyFrom(st); err != nil {
			return fmt.Errorf("parameter %q: %w", name, err)
		}
	}
	return nil
}

// EnsureGrads allocates gradient buffers for every parameter.
func (p *ParamSet) EnsureGrads() {
	for _, name := range p.names {
		p.byName[name].EnsureGrad()
	}
}

// ZeroGrads clears all gradient buffers.
func (p *ParamSet) ZeroGrads() {
	for _, name := range p.names {
		p.byName[name].ZeroGrad()
	}
}

// ScaleGrads multiplies every gradient element by alpha.
func (p *ParamSet) ScaleGrads(alpha float32) {
	for _, name := range p.names {
		t := p.byName[name]
		for i := range t.Grad {
			t.Grad[i] *= alpha
		}
	}
}

// GradNorm returns the global L2 norm over all gradient buffers.
func (p *ParamSet) GradNorm() float64 {
	var sum float64
	for _, name := range p.names {
		sum += p.byName[name].GradNormSquared()
	}
	return math.Sqrt(sum)
}

// HasNonFiniteGrads reports whether any gradient element is Inf or NaN.
func (p *ParamSet) HasNonFiniteGrads() bool {
	for _, name := range p.names {
		if p.byName[name].HasNonFiniteGrad() {
			return true
		}
	}
	return false
}
