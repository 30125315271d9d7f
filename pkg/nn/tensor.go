package nn

import (
	"fmt"
	"slices"
	"strings"
)

// Shape lists tensor dimensions. Layer shapes exclude the batch dimension;
// tensor shapes include it first.
type Shape []int

// Size returns the product of the dimensions.
func (s Shape) Size() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Equal reports whether s and o have identical dimensions.
func (s Shape) Equal(o Shape) bool { return slices.Equal(s, o) }

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tensor is a dense row-major float64 array.
type Tensor struct {
	Shape Shape
	Data  []float64
}

// NewTensor allocates a zero tensor.
func NewTensor(shape ...int) *Tensor {
	s := Shape(shape)
	return &Tensor{Shape: s, Data: make([]float64, s.Size())}
}

// FromFloat32 converts data into a float64 tensor of the given shape.
func FromFloat32(data []float32, shape ...int) (*Tensor, error) {
	t := NewTensor(shape...)
	if len(data) != len(t.Data) {
		return nil, fmt.Errorf("%w: %d values for shape %v", ErrShape, len(data), t.Shape)
	}
	for i, v := range data {
		t.Data[i] = float64(v)
	}
	return t, nil
}

// Batch returns the leading dimension.
func (t *Tensor) Batch() int { return t.Shape[0] }

// SampleShape returns the shape without the batch dimension.
func (t *Tensor) SampleShape() Shape { return t.Shape[1:] }

// Row returns sample i as a slice aliasing the tensor data.
func (t *Tensor) Row(i int) []float64 {
	n := t.SampleShape().Size()
	return t.Data[i*n : (i+1)*n : (i+1)*n]
}

// Rows copies the samples at idx into a new tensor.
func (t *Tensor) Rows(idx []int) *Tensor {
	shape := append(Shape{len(idx)}, t.SampleShape()...)
	out := NewTensor(shape...)
	for j, i := range idx {
		copy(out.Row(j), t.Row(i))
	}
	return out
}
