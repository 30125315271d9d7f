package nn

import "math"

// BatchNorm normalizes over every axis but the last. In training it uses
// batch statistics and updates the moving averages:
//
//	moving = moving*Momentum + batch*(1-Momentum)
type BatchNorm struct {
	name     string
	shape    Shape
	channels int
	Momentum float64
	Epsilon  float64

	Gamma, Beta           *Param
	MovingMean, MovingVar *Param

	xhat   []float64
	invStd []float64
}

// NewBatchNorm builds a batch normalization layer for per-sample input in.
func NewBatchNorm(name string, in Shape) *BatchNorm {
	ch := in[len(in)-1]
	return &BatchNorm{
		name:       name,
		shape:      in,
		channels:   ch,
		Momentum:   0.99,
		Epsilon:    1e-3,
		Gamma:      newParam(name+"/gamma", true, ch).fill(1),
		Beta:       newParam(name+"/beta", true, ch),
		MovingMean: newParam(name+"/moving_mean", false, ch),
		MovingVar:  newParam(name+"/moving_variance", false, ch).fill(1),
	}
}

func (b *BatchNorm) Name() string       { return b.name }
func (b *BatchNorm) Kind() string       { return "batch_normalization" }
func (b *BatchNorm) OutputShape() Shape { return b.shape }
func (b *BatchNorm) Params() []*Param {
	return []*Param{b.Gamma, b.Beta, b.MovingMean, b.MovingVar}
}

func (b *BatchNorm) Forward(x *Tensor, training bool) *Tensor {
	ch := b.channels
	m := len(x.Data) / ch
	out := &Tensor{Shape: x.Shape, Data: make([]float64, len(x.Data))}

	if !training {
		for c := 0; c < ch; c++ {
			scale := b.Gamma.Value[c] / math.Sqrt(b.MovingVar.Value[c]+b.Epsilon)
			shift := b.Beta.Value[c] - b.MovingMean.Value[c]*scale
			for i := c; i < len(x.Data); i += ch {
				out.Data[i] = x.Data[i]*scale + shift
			}
		}
		return out
	}

	mean := make([]float64, ch)
	variance := make([]float64, ch)
	for i, v := range x.Data {
		mean[i%ch] += v
	}
	for c := range mean {
		mean[c] /= float64(m)
	}
	for i, v := range x.Data {
		d := v - mean[i%ch]
		variance[i%ch] += d * d
	}
	b.invStd = make([]float64, ch)
	for c := range variance {
		variance[c] /= float64(m)
		b.invStd[c] = 1 / math.Sqrt(variance[c]+b.Epsilon)
		b.MovingMean.Value[c] = b.MovingMean.Value[c]*b.Momentum + mean[c]*(1-b.Momentum)
		b.MovingVar.Value[c] = b.MovingVar.Value[c]*b.Momentum + variance[c]*(1-b.Momentum)
	}
	b.xhat = make([]float64, len(x.Data))
	for i, v := range x.Data {
		c := i % ch
		b.xhat[i] = (v - mean[c]) * b.invStd[c]
		out.Data[i] = b.Gamma.Value[c]*b.xhat[i] + b.Beta.Value[c]
	}
	return out
}

func (b *BatchNorm) Backward(dy *Tensor) *Tensor {
	ch := b.channels
	m := float64(len(dy.Data) / ch)
	sumDy := make([]float64, ch)
	sumDyX := make([]float64, ch)
	for i, g := range dy.Data {
		c := i % ch
		sumDy[c] += g
		sumDyX[c] += g * b.xhat[i]
	}
	for c := 0; c < ch; c++ {
		b.Gamma.Grad[c] += sumDyX[c]
		b.Beta.Grad[c] += sumDy[c]
	}
	dx := &Tensor{Shape: dy.Shape, Data: make([]float64, len(dy.Data))}
	for i, g := range dy.Data {
		c := i % ch
		dx.Data[i] = b.Gamma.Value[c] * b.invStd[c] / m * (m*g - sumDy[c] - b.xhat[i]*sumDyX[c])
	}
	b.xhat = nil
	return dx
}
