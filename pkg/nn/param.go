package nn

import (
	"math"
	"math/rand/v2"
)

// Param is a named weight array with its gradient.
type Param struct {
	Name  string
	Shape Shape
	Value []float64
	Grad  []float64

	// L2 is the kernel regularization coefficient; the penalty is
	// L2*sum(w^2).
	L2 float64

	// Trainable is false for running statistics updated in the forward
	// pass rather than by the optimizer.
	Trainable bool
}

func newParam(name string, trainable bool, shape ...int) *Param {
	s := Shape(shape)
	p := &Param{Name: name, Shape: s, Value: make([]float64, s.Size()), Trainable: trainable}
	if trainable {
		p.Grad = make([]float64, s.Size())
	}
	return p
}

func (p *Param) fill(v float64) *Param {
	for i := range p.Value {
		p.Value[i] = v
	}
	return p
}

// glorotUniform fills p from U(-limit, limit), limit = sqrt(6/(fanIn+fanOut)).
func (p *Param) glorotUniform(rng *rand.Rand, fanIn, fanOut int) *Param {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range p.Value {
		p.Value[i] = (rng.Float64()*2 - 1) * limit
	}
	return p
}

func (p *Param) zeroGrad() {
	clear(p.Grad)
}
