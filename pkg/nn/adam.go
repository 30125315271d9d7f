package nn

import "math"

// Adam implements the Adam optimizer with bias correction folded into
// the step size:
//
//	lr_t = lr * sqrt(1-β2^t) / (1-β1^t)
//	w   -= lr_t * m / (sqrt(v) + ε)
type Adam struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64

	t int
	m map[*Param][]float64
	v map[*Param][]float64
}

// NewAdam returns an optimizer with β1 0.9, β2 0.999 and ε 1e-7.
func NewAdam(lr float64) *Adam {
	return &Adam{
		LearningRate: lr,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		m:            make(map[*Param][]float64),
		v:            make(map[*Param][]float64),
	}
}

// Iterations returns the number of steps taken.
func (a *Adam) Iterations() int { return a.t }

// Step applies one update to every trainable parameter.
func (a *Adam) Step(params []*Param) {
	a.t++
	t := float64(a.t)
	lr := a.LearningRate * math.Sqrt(1-math.Pow(a.Beta2, t)) / (1 - math.Pow(a.Beta1, t))
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		m, ok := a.m[p]
		if !ok {
			m = make([]float64, len(p.Value))
			a.m[p] = m
			a.v[p] = make([]float64, len(p.Value))
		}
		v := a.v[p]
		for i, g := range p.Grad {
			m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
			v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
			p.Value[i] -= lr * m[i] / (math.Sqrt(v[i]) + a.Epsilon)
		}
	}
}
