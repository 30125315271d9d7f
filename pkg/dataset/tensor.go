package dataset

import (
	"fmt"
	"sort"

	"github.com/haivivi/soundclass/pkg/audio/mfcc"
)

// Tensor is a batch of single-channel feature maps laid out [N, T, C, 1]
// in row-major order.
type Tensor struct {
	N, T, C int
	Data    []float32
}

// NewTensor allocates a zero tensor.
func NewTensor(n, t, c int) *Tensor {
	return &Tensor{N: n, T: t, C: c, Data: make([]float32, n*t*c)}
}

// Shape returns [N, T, C, 1].
func (x *Tensor) Shape() [4]int { return [4]int{x.N, x.T, x.C, 1} }

// SampleSize returns T*C.
func (x *Tensor) SampleSize() int { return x.T * x.C }

// Sample returns sample i. The slice aliases the tensor data.
func (x *Tensor) Sample(i int) []float32 {
	n := x.SampleSize()
	return x.Data[i*n : (i+1)*n : (i+1)*n]
}

// Subset copies the samples at idx into a new tensor.
func (x *Tensor) Subset(idx []int) *Tensor {
	out := NewTensor(len(idx), x.T, x.C)
	for j, i := range idx {
		copy(out.Sample(j), x.Sample(i))
	}
	return out
}

// MedianLength returns the median row count of mats. For an even count it
// is the floor of the mean of the two middle values.
func MedianLength(mats []mfcc.Matrix) int {
	if len(mats) == 0 {
		return 0
	}
	rows := make([]int, len(mats))
	for i, m := range mats {
		rows[i] = m.Rows
	}
	sort.Ints(rows)
	mid := len(rows) / 2
	if len(rows)%2 == 1 {
		return rows[mid]
	}
	return (rows[mid-1] + rows[mid]) / 2
}

// FixLength truncates m to its first t rows or zero-pads rows at the end.
func FixLength(m mfcc.Matrix, t int) mfcc.Matrix {
	out := mfcc.NewMatrix(t, m.Cols)
	n := min(t, m.Rows) * m.Cols
	copy(out.Data, m.Data[:n])
	return out
}

// Assemble stacks feature matrices into an [N, T, C, 1] tensor. Every
// matrix is fixed to fixedTime rows; fixedTime <= 0 uses the median row
// count of mats. It returns the tensor and the labels unchanged.
func Assemble(mats []mfcc.Matrix, labels []int, enc *LabelEncoder, fixedTime int) (*Tensor, []int, error) {
	if len(mats) != len(labels) {
		return nil, nil, fmt.Errorf("dataset: assemble: %d matrices, %d labels", len(mats), len(labels))
	}
	if len(mats) == 0 {
		return nil, nil, ErrEmptyPartition
	}
	if fixedTime <= 0 {
		fixedTime = MedianLength(mats)
	}
	cols := mats[0].Cols
	for i, l := range labels {
		if mats[i].Cols != cols {
			return nil, nil, fmt.Errorf("dataset: assemble: sample %d has %d coefficients, want %d", i, mats[i].Cols, cols)
		}
		if enc != nil && (l < 0 || l >= enc.Len()) {
			return nil, nil, fmt.Errorf("%w: label %d", ErrUnknownLabel, l)
		}
	}

	x := NewTensor(len(mats), fixedTime, cols)
	for i, m := range mats {
		copy(x.Sample(i), FixLength(m, fixedTime).Data)
	}
	return x, labels, nil
}
