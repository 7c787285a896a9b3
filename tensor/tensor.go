package tensor

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Shape describes tensor dimensions.
type Shape []int

// NumElements returns the total element count for the shape.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Tensor is a named, CPU-resident parameter tensor with an optional
// gradient buffer. The training loop owns tensors exclusively; nothing
// here is goroutine-safe.
type Tensor struct {
	name  string
	shape Shape
	data  []float64
	grad  []float64
}

// New creates a zero-filled tensor.
func New(name string, shape Shape) *Tensor {
	return &Tensor{
		name:  name,
		shape: shape,
		data:  make([]float64, shape.NumElements()),
	}
}

// FromSlice creates a tensor backed by a copy of data.
func FromSlice(name string, data []float64, shape Shape) (*Tensor, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("tensor %s: data length %d does not match shape %v", name, len(data), shape)
	}
	t := New(name, shape)
	copy(t.data, data)
	return t, nil
}

func (t *Tensor) Name() string { return t.name }

func (t *Tensor) Shape() Shape { return t.shape }

func (t *Tensor) NumElements() int { return len(t.data) }

// Data returns the underlying parameter values. Mutations are visible
// to every holder of the tensor.
func (t *Tensor) Data() []float64 { return t.data }

// Grad returns the gradient buffer, allocating it on first use.
func (t *Tensor) Grad() []float64 {
	if t.grad == nil {
		t.grad = make([]float64, len(t.data))
	}
	return t.grad
}

// HasGrad reports whether a gradient buffer has been allocated.
func (t *Tensor) HasGrad() bool { return t.grad != nil }

// ZeroGrad clears the gradient buffer if one exists.
func (t *Tensor) ZeroGrad() {
	if t.grad != nil {
		for i := range t.grad {
			t.grad[i] = 0
		}
	}
}

// ScaleGrad multiplies every gradient element by s.
func (t *Tensor) ScaleGrad(s float64) {
	if t.grad != nil {
		floats.Scale(s, t.grad)
	}
}

// GradNorm returns the L2 norm of the gradient buffer.
func (t *Tensor) GradNorm() float64 {
	if t.grad == nil {
		return 0
	}
	return floats.Norm(t.grad, 2)
}

// SetData overwrites the parameter values. Used when restoring from a
// checkpoint; the length must match exactly.
func (t *Tensor) SetData(data []float64) error {
	if len(data) != len(t.data) {
		return fmt.Errorf("tensor %s: cannot load %d values into %d elements", t.name, len(data), len(t.data))
	}
	copy(t.data, data)
	return nil
}

// GlobalGradNorm returns the combined L2 norm of the gradients of all
// params, treating absent gradient buffers as zero.
func GlobalGradNorm(params []*Tensor) float64 {
	total := 0.0
	for _, p := range params {
		n := p.GradNorm()
		total += n * n
	}
	return math.Sqrt(total)
}
