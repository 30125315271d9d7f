package quant

import (
	"fmt"
	"math"

	"github.com/haivivi/soundclass/pkg/nn"
)

// lower converts a trained model into inference kernels:
//
//   - Dropout is dropped.
//   - A BatchNorm whose next non-dropout layer is Dense is folded into
//     that Dense layer's weights and bias.
//   - Every other BatchNorm becomes a per-channel affine op.
//   - A softmax Dense layer becomes a linear dense op plus a softmax op.
func lower(m *nn.Model) ([]kernel, []string, error) {
	var (
		ks      []kernel
		names   []string
		pending *nn.BatchNorm
		shape   = []int(m.InputShape())
	)
	emit := func(k kernel, name string) {
		ks = append(ks, k)
		names = append(names, name)
		shape = k.out
	}
	flush := func() {
		if pending == nil {
			return
		}
		s, t := bnAffine(pending)
		emit(kernel{kind: OpAffine, in: shape, out: shape, scale: s, shift: t}, pending.Name())
		pending = nil
	}

	for _, l := range m.Layers {
		switch l := l.(type) {
		case *nn.Dropout:
		case *nn.BatchNorm:
			flush()
			pending = l
		case *nn.Dense:
			w := append([]float64(nil), l.Kernel.Value...)
			b := append([]float64(nil), l.Bias.Value...)
			if pending != nil {
				s, t := bnAffine(pending)
				for i := 0; i < l.In; i++ {
					for u := 0; u < l.Units; u++ {
						b[u] += t[i] * w[i*l.Units+u]
						w[i*l.Units+u] *= s[i]
					}
				}
				pending = nil
			}
			emit(kernel{kind: OpDense, in: shape, out: []int{l.Units}, relu: l.Activation == nn.ReLU, w: w, b: b}, l.Name())
			if l.Activation == nn.Softmax {
				emit(kernel{kind: OpSoftmax, in: shape, out: shape}, l.Name()+"/softmax")
			}
		case *nn.Conv2D:
			flush()
			emit(kernel{
				kind: OpConv2D, in: shape, out: []int(l.OutputShape()), size: l.Size,
				relu: l.Activation == nn.ReLU,
				w:    append([]float64(nil), l.Kernel.Value...),
				b:    append([]float64(nil), l.Bias.Value...),
			}, l.Name())
		case *nn.MaxPool2D:
			flush()
			emit(kernel{kind: OpMaxPool2D, in: shape, out: []int(l.OutputShape()), size: l.Size}, l.Name())
		case *nn.GlobalAvgPool:
			flush()
			emit(kernel{kind: OpGAP, in: shape, out: []int(l.OutputShape())}, l.Name())
		default:
			return nil, nil, fmt.Errorf("quant: unsupported layer %s (%s)", l.Name(), l.Kind())
		}
	}
	flush()
	return ks, names, nil
}

func bnAffine(b *nn.BatchNorm) (scale, shift []float64) {
	n := len(b.Gamma.Value)
	scale = make([]float64, n)
	shift = make([]float64, n)
	for c := 0; c < n; c++ {
		scale[c] = b.Gamma.Value[c] / math.Sqrt(b.MovingVar.Value[c]+b.Epsilon)
		shift[c] = b.Beta.Value[c] - b.MovingMean.Value[c]*scale[c]
	}
	return scale, shift
}

// quantizeWeights maps w, laid out [rows][outC], to symmetric int8 with
// one scale per output channel.
func quantizeWeights(w []float64, outC int) ([]int8, []float32) {
	scales := make([]float32, outC)
	maxAbs := make([]float64, outC)
	for i, v := range w {
		maxAbs[i%outC] = math.Max(maxAbs[i%outC], math.Abs(v))
	}
	for c, m := range maxAbs {
		scales[c] = 1
		if m > 0 {
			scales[c] = float32(m / 127)
		}
	}
	q := make([]int8, len(w))
	for i, v := range w {
		q[i] = int8(clamp(math.Round(v/float64(scales[i%outC])), -127, 127))
	}
	return q, scales
}

func dequantizeWeights(q []int8, scales []float32) []float64 {
	outC := len(scales)
	w := make([]float64, len(q))
	for i, v := range q {
		w[i] = float64(v) * float64(scales[i%outC])
	}
	return w
}

// rangeParams derives asymmetric int8 params covering [lo, hi]. The range
// is widened to include zero so that zero is exactly representable.
func rangeParams(lo, hi float64) QParams {
	lo, hi = math.Min(lo, 0), math.Max(hi, 0)
	if hi-lo < 1e-8 {
		return QParams{Scale: 1, ZeroPoint: 0}
	}
	scale := (hi - lo) / 255
	zp := int32(clamp(math.Round(-128-lo/scale), -128, 127))
	return QParams{Scale: scale, ZeroPoint: zp}
}

func quantize(v float64, p QParams) int8 {
	return int8(clamp(math.Round(v/p.Scale)+float64(p.ZeroPoint), -128, 127))
}

func dequantize(q int8, p QParams) float64 {
	return p.Scale * float64(int32(q)-p.ZeroPoint)
}

// fakeQuant rounds every value to the nearest representable int8 level.
func fakeQuant(x []float64, p QParams) {
	for i, v := range x {
		x[i] = dequantize(quantize(v, p), p)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func toFloat64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}
