package nn

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// Conv2D is a stride-1 "same"-padded 2D convolution over NHWC input with
// an odd square kernel. Kernel layout is [KH, KW, InC, Filters].
type Conv2D struct {
	name       string
	H, W, InC  int
	Size       int
	Filters    int
	Activation Activation

	Kernel *Param
	Bias   *Param

	cols []float64 // im2col of the last training batch
	out  *Tensor
	n    int
}

// NewConv2D builds a convolution for per-sample input (h, w, inC).
func NewConv2D(name string, in Shape, filters, size int, act Activation, l2 float64, rng *rand.Rand) *Conv2D {
	if len(in) != 3 || size%2 == 0 {
		panic(fmt.Sprintf("nn: conv2d %s: input %v, kernel %d", name, in, size))
	}
	c := &Conv2D{
		name: name, H: in[0], W: in[1], InC: in[2],
		Size: size, Filters: filters, Activation: act,
	}
	c.Kernel = newParam(name+"/kernel", true, size, size, c.InC, filters).
		glorotUniform(rng, size*size*c.InC, size*size*filters)
	c.Kernel.L2 = l2
	c.Bias = newParam(name+"/bias", true, filters)
	return c
}

func (c *Conv2D) Name() string       { return c.name }
func (c *Conv2D) Kind() string       { return "conv2d" }
func (c *Conv2D) OutputShape() Shape { return Shape{c.H, c.W, c.Filters} }
func (c *Conv2D) Params() []*Param   { return []*Param{c.Kernel, c.Bias} }

func (c *Conv2D) patch() int { return c.Size * c.Size * c.InC }

func (c *Conv2D) im2col(x []float64, cols []float64) {
	pad := c.Size / 2
	k := c.patch()
	for oh := 0; oh < c.H; oh++ {
		for ow := 0; ow < c.W; ow++ {
			row := cols[(oh*c.W+ow)*k:][:k]
			j := 0
			for kh := 0; kh < c.Size; kh++ {
				ih := oh + kh - pad
				for kw := 0; kw < c.Size; kw++ {
					iw := ow + kw - pad
					if ih < 0 || ih >= c.H || iw < 0 || iw >= c.W {
						clear(row[j : j+c.InC])
					} else {
						copy(row[j:j+c.InC], x[(ih*c.W+iw)*c.InC:])
					}
					j += c.InC
				}
			}
		}
	}
}

func (c *Conv2D) col2im(cols []float64, dx []float64) {
	pad := c.Size / 2
	k := c.patch()
	for oh := 0; oh < c.H; oh++ {
		for ow := 0; ow < c.W; ow++ {
			row := cols[(oh*c.W+ow)*k:][:k]
			j := 0
			for kh := 0; kh < c.Size; kh++ {
				ih := oh + kh - pad
				for kw := 0; kw < c.Size; kw++ {
					iw := ow + kw - pad
					if ih >= 0 && ih < c.H && iw >= 0 && iw < c.W {
						d := dx[(ih*c.W+iw)*c.InC:][:c.InC]
						for ci, g := range row[j : j+c.InC] {
							d[ci] += g
						}
					}
					j += c.InC
				}
			}
		}
	}
}

func (c *Conv2D) Forward(x *Tensor, training bool) *Tensor {
	n := x.Batch()
	k := c.patch()
	pixels := c.H * c.W
	cols := make([]float64, n*pixels*k)
	parallel(n, func(i int) {
		c.im2col(x.Row(i), cols[i*pixels*k:(i+1)*pixels*k])
	})

	out := NewTensor(n, c.H, c.W, c.Filters)
	for r := 0; r < n*pixels; r++ {
		copy(out.Data[r*c.Filters:(r+1)*c.Filters], c.Bias.Value)
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: n * pixels, Cols: k, Stride: k, Data: cols},
		c.weights(),
		1,
		blas64.General{Rows: n * pixels, Cols: c.Filters, Stride: c.Filters, Data: out.Data})
	applyActivation(c.Activation, out.Data, c.Filters)

	if training {
		c.cols, c.out, c.n = cols, out, n
	}
	return out
}

func (c *Conv2D) weights() blas64.General {
	return blas64.General{Rows: c.patch(), Cols: c.Filters, Stride: c.Filters, Data: c.Kernel.Value}
}

func (c *Conv2D) Backward(dy *Tensor) *Tensor {
	n, k := c.n, c.patch()
	pixels := c.H * c.W
	dz := &Tensor{Shape: dy.Shape, Data: append([]float64(nil), dy.Data...)}
	activationGrad(c.Activation, c.out.Data, dz.Data, c.Filters)

	dzm := blas64.General{Rows: n * pixels, Cols: c.Filters, Stride: c.Filters, Data: dz.Data}
	colm := blas64.General{Rows: n * pixels, Cols: k, Stride: k, Data: c.cols}

	blas64.Gemm(blas.Trans, blas.NoTrans, 1, colm, dzm, 1,
		blas64.General{Rows: k, Cols: c.Filters, Stride: c.Filters, Data: c.Kernel.Grad})
	for r := 0; r < n*pixels; r++ {
		for f, g := range dz.Data[r*c.Filters : (r+1)*c.Filters] {
			c.Bias.Grad[f] += g
		}
	}

	dcols := make([]float64, len(c.cols))
	blas64.Gemm(blas.NoTrans, blas.Trans, 1, dzm, c.weights(), 0,
		blas64.General{Rows: n * pixels, Cols: k, Stride: k, Data: dcols})

	dx := NewTensor(n, c.H, c.W, c.InC)
	parallel(n, func(i int) {
		c.col2im(dcols[i*pixels*k:(i+1)*pixels*k], dx.Row(i))
	})
	c.cols, c.out = nil, nil
	return dx
}
