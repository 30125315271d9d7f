package nn

import "math/rand/v2"

// Dropout zeroes a Rate fraction of inputs during training and scales the
// rest by 1/(1-Rate). It is the identity at inference.
type Dropout struct {
	name  string
	shape Shape
	Rate  float64

	rng  *rand.Rand
	mask []float64
}

// NewDropout builds a dropout layer drawing its masks from rng.
func NewDropout(name string, in Shape, rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{name: name, shape: in, Rate: rate, rng: rng}
}

func (d *Dropout) Name() string       { return d.name }
func (d *Dropout) Kind() string       { return "dropout" }
func (d *Dropout) OutputShape() Shape { return d.shape }
func (d *Dropout) Params() []*Param   { return nil }

func (d *Dropout) Forward(x *Tensor, training bool) *Tensor {
	if !training || d.Rate <= 0 {
		d.mask = nil
		return x
	}
	keep := 1 - d.Rate
	d.mask = make([]float64, len(x.Data))
	out := &Tensor{Shape: x.Shape, Data: make([]float64, len(x.Data))}
	for i, v := range x.Data {
		if d.rng.Float64() < keep {
			d.mask[i] = 1 / keep
			out.Data[i] = v / keep
		}
	}
	return out
}

func (d *Dropout) Backward(dy *Tensor) *Tensor {
	if d.mask == nil {
		return dy
	}
	dx := &Tensor{Shape: dy.Shape, Data: make([]float64, len(dy.Data))}
	for i, g := range dy.Data {
		dx.Data[i] = g * d.mask[i]
	}
	d.mask = nil
	return dx
}
