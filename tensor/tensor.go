// Package tensor provides the minimal dense float32 tensors the training
// engine moves between models, optimizers, and checkpoints. Device-resident
// math stays inside model providers; this package only needs shapes, values,
// and gradients.
package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense float32 array with a shape. Data is laid out in
// row-major order. Grad, when non-nil, has the same length as Data and
// accumulates gradients between optimizer steps.
type Tensor struct {
	Shape []int
	Data  []float32
	Grad  []float32
}

// New creates a tensor of the given shape backed by data. The data length
// must match the shape's element count.
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := numElements(shape)
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data}, nil
}

// Zeros creates a zero-filled tensor of the given shape.
func Zeros(shape []int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, numElements(shape)),
	}, nil
}

// Full creates a tensor of the given shape with every element set to value.
func Full(shape []int, value float32) (*Tensor, error) {
	t, err := Zeros(shape)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// NumElems returns the number of elements in the tensor.
func (t *Tensor) NumElems() int {
	return len(t.Data)
}

// Clone returns a deep copy of the tensor. Gradients are not copied; the
// clone starts with no gradient buffer.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		Shape: append([]int(nil), t.Shape...),
		Data:  make([]float32, len(t.Data)),
	}
	copy(c.Data, t.Data)
	return c
}

// EnsureGrad allocates the gradient buffer if it does not exist yet.
func (t *Tensor) EnsureGrad() {
	if t.Grad == nil {
		t.Grad = make([]float32, len(t.Data))
	}
}

// ZeroGrad clears the gradient buffer in place.
func (t *Tensor) ZeroGrad() {
	for i := range t.Grad {
		t.Grad[i] = 0
	}
}

// CopyFrom overwrites the tensor's values with those of src. Shapes must
// match exactly.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !SameShape(t.Shape, src.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	copy(t.Data, src.Data)
	return nil
}

// AddScaled adds alpha*src to the tensor's values element-wise.
func (t *Tensor) AddScaled(src *Tensor, alpha float32) error {
	if !SameShape(t.Shape, src.Shape) {
		return fmt.Errorf("shape mismatch: %v vs %v", t.Shape, src.Shape)
	}
	for i, v := range src.Data {
		t.Data[i] += alpha * v
	}
	return nil
}

// Scale multiplies every element by alpha.
func (t *Tensor) Scale(alpha float32) {
	for i := range t.Data {
		t.Data[i] *= alpha
	}
}

// GradNormSquared returns the sum of squared gradient elements, or 0 when
// no gradient buffer exists.
func (t *Tensor) GradNormSquared() float64 {
	var sum float64
	for _, g := range t.Grad {
		sum += float64(g) * float64(g)
	}
	return sum
}

// HasNonFiniteGrad reports whether the gradient buffer contains an Inf or
// NaN element.
func (t *Tensor) HasNonFiniteGrad() bool {
	for _, g := range t.Grad {
		f := float64(g)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// SameShape reports whether two shapes are identical.
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: must have at least one dimension")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func numElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}
