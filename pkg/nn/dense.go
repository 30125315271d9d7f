package nn

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Dense is a fully connected layer with kernel layout [In, Units].
type Dense struct {
	name       string
	In, Units  int
	Activation Activation

	Kernel *Param
	Bias   *Param

	x   *Tensor
	out *Tensor
}

// NewDense builds a dense layer over in features.
func NewDense(name string, in, units int, act Activation, l2 float64, rng *rand.Rand) *Dense {
	d := &Dense{name: name, In: in, Units: units, Activation: act}
	d.Kernel = newParam(name+"/kernel", true, in, units).glorotUniform(rng, in, units)
	d.Kernel.L2 = l2
	d.Bias = newParam(name+"/bias", true, units)
	return d
}

func (d *Dense) Name() string       { return d.name }
func (d *Dense) Kind() string       { return "dense" }
func (d *Dense) OutputShape() Shape { return Shape{d.Units} }
func (d *Dense) Params() []*Param   { return []*Param{d.Kernel, d.Bias} }

func (d *Dense) weights() blas64.General {
	return blas64.General{Rows: d.In, Cols: d.Units, Stride: d.Units, Data: d.Kernel.Value}
}

func (d *Dense) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	out := NewTensor(n, d.Units)
	for r := 0; r < n; r++ {
		copy(out.Row(r), d.Bias.Value)
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: n, Cols: d.In, Stride: d.In, Data: x.Data},
		d.weights(), 1,
		blas64.General{Rows: n, Cols: d.Units, Stride: d.Units, Data: out.Data})
	applyActivation(d.Activation, out.Data, d.Units)
	if training {
		d.x, d.out = x, out
	}
	return out
}

func (d *Dense) Backward(dy *Tensor) *Tensor {
	n := dy.Batch()
	dz := append([]float64(nil), dy.Data...)
	activationGrad(d.Activation, d.out.Data, dz, d.Units)
	dzm := blas64.General{Rows: n, Cols: d.Units, Stride: d.Units, Data: dz}

	blas64.Gemm(blas.Trans, blas.NoTrans, 1,
		blas64.General{Rows: n, Cols: d.In, Stride: d.In, Data: d.x.Data}, dzm, 1,
		blas64.General{Rows: d.In, Cols: d.Units, Stride: d.Units, Data: d.Kernel.Grad})
	for r := 0; r < n; r++ {
		for u, g := range dz[r*d.Units : (r+1)*d.Units] {
			d.Bias.Grad[u] += g
		}
	}
	dx := NewTensor(n, d.In)
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, dzm, d.weights(), 0,
		blas64.General{Rows: n, Cols: d.In, Stride: d.In, Data: dx.Data})
	d.x, d.out = nil, nil
	return dx
}
