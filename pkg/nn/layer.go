package nn

// Activation is a pointwise or row-wise output function.
type Activation string

const (
	Linear  Activation = "linear"
	ReLU    Activation = "relu"
	Softmax Activation = "softmax"
)

// Layer is one stage of a sequential model. Forward caches whatever
// Backward needs, so calls must alternate Forward(training=true) then
// Backward on the same batch.
type Layer interface {
	// Name is unique within a model and prefixes parameter names.
	Name() string

	// Kind names the layer type, e.g. "conv2d".
	Kind() string

	// OutputShape is the per-sample output shape.
	OutputShape() Shape

	Forward(x *Tensor, training bool) *Tensor

	// Backward takes the gradient w.r.t. the layer output, accumulates
	// parameter gradients and returns the gradient w.r.t. the input.
	Backward(dy *Tensor) *Tensor

	// Params returns trainable and non-trainable parameters.
	Params() []*Param
}

func applyActivation(act Activation, data []float64, rowLen int) {
	switch act {
	case ReLU:
		for i, v := range data {
			if v < 0 {
				data[i] = 0
			}
		}
	case Softmax:
		for r := 0; r < len(data); r += rowLen {
			softmax(data[r : r+rowLen])
		}
	}
}

// activationGrad turns the gradient w.r.t. the activated output y into the
// gradient w.r.t. the pre-activation, in place.
func activationGrad(act Activation, y, dy []float64, rowLen int) {
	switch act {
	case ReLU:
		for i, v := range y {
			if v <= 0 {
				dy[i] = 0
			}
		}
	case Softmax:
		for r := 0; r < len(y); r += rowLen {
			p, g := y[r:r+rowLen], dy[r:r+rowLen]
			dot := 0.0
			for i := range p {
				dot += p[i] * g[i]
			}
			for i := range p {
				g[i] = p[i] * (g[i] - dot)
			}
		}
	}
}
