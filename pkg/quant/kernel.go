package quant

import (
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
)

// kernel is an op with real-valued parameters, runnable on one sample.
// The exporter builds kernels from the float model for calibration; the
// interpreter builds them from a mobile model's dequantized weights.
type kernel struct {
	kind  OpKind
	in    []int
	out   []int
	size  int
	relu  bool
	w     []float64 // [rows][outC]
	b     []float64
	scale []float64
	shift []float64
}

func (k *kernel) outC() int { return k.out[len(k.out)-1] }

func (k *kernel) run(x []float64) []float64 {
	switch k.kind {
	case OpConv2D:
		return k.conv(x)
	case OpDense:
		return k.dense(x)
	case OpAffine:
		y := make([]float64, len(x))
		c := len(k.scale)
		for i, v := range x {
			y[i] = v*k.scale[i%c] + k.shift[i%c]
		}
		return y
	case OpMaxPool2D:
		return k.maxpool(x)
	case OpGAP:
		c := k.in[2]
		y := make([]float64, c)
		for i, v := range x {
			y[i%c] += v
		}
		inv := 1 / float64(k.in[0]*k.in[1])
		for i := range y {
			y[i] *= inv
		}
		return y
	case OpSoftmax:
		y := append([]float64(nil), x...)
		peak := math.Inf(-1)
		for _, v := range y {
			peak = math.Max(peak, v)
		}
		sum := 0.0
		for i, v := range y {
			y[i] = math.Exp(v - peak)
			sum += y[i]
		}
		for i := range y {
			y[i] /= sum
		}
		return y
	}
	panic("quant: unknown op " + string(k.kind))
}

func (k *kernel) conv(x []float64) []float64 {
	h, w, inC := k.in[0], k.in[1], k.in[2]
	f := k.outC()
	pad := k.size / 2
	patch := k.size * k.size * inC
	cols := make([]float64, h*w*patch)
	for oh := 0; oh < h; oh++ {
		for ow := 0; ow < w; ow++ {
			row := cols[(oh*w+ow)*patch:][:patch]
			j := 0
			for kh := 0; kh < k.size; kh++ {
				ih := oh + kh - pad
				for kw := 0; kw < k.size; kw++ {
					iw := ow + kw - pad
					if ih >= 0 && ih < h && iw >= 0 && iw < w {
						copy(row[j:j+inC], x[(ih*w+iw)*inC:])
					}
					j += inC
				}
			}
		}
	}
	y := make([]float64, h*w*f)
	for p := 0; p < h*w; p++ {
		copy(y[p*f:(p+1)*f], k.b)
	}
	blas64.Gemm(blas.NoTrans, blas.NoTrans, 1,
		blas64.General{Rows: h * w, Cols: patch, Stride: patch, Data: cols},
		blas64.General{Rows: patch, Cols: f, Stride: f, Data: k.w},
		1, blas64.General{Rows: h * w, Cols: f, Stride: f, Data: y})
	if k.relu {
		relu(y)
	}
	return y
}

func (k *kernel) dense(x []float64) []float64 {
	in, units := len(x), k.outC()
	y := append([]float64(nil), k.b...)
	blas64.Gemv(blas.Trans, 1,
		blas64.General{Rows: in, Cols: units, Stride: units, Data: k.w},
		blas64.Vector{N: in, Inc: 1, Data: x},
		1, blas64.Vector{N: units, Inc: 1, Data: y})
	if k.relu {
		relu(y)
	}
	return y
}

func (k *kernel) maxpool(x []float64) []float64 {
	w, c := k.in[1], k.in[2]
	oh, ow := k.out[0], k.out[1]
	y := make([]float64, oh*ow*c)
	for i := 0; i < oh; i++ {
		for j := 0; j < ow; j++ {
			for ch := 0; ch < c; ch++ {
				best := math.Inf(-1)
				for di := 0; di < k.size; di++ {
					for dj := 0; dj < k.size; dj++ {
						best = math.Max(best, x[((i*k.size+di)*w+(j*k.size+dj))*c+ch])
					}
				}
				y[(i*ow+j)*c+ch] = best
			}
		}
	}
	return y
}

func relu(x []float64) {
	for i, v := range x {
		if v < 0 {
			x[i] = 0
		}
	}
}

func runKernels(ks []kernel, x []float64) []float64 {
	for i := range ks {
		x = ks[i].run(x)
	}
	return x
}
