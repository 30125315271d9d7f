package nn

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

// Architecture fixes the classifier topology. The zero values of Filters,
// Hidden and KernelSize take the defaults 32/64/128, 64 and 3.
type Architecture struct {
	InputShape  Shape   `msgpack:"input_shape" yaml:"input_shape"` // (time, coeffs, 1)
	Classes     int     `msgpack:"classes" yaml:"classes"`
	Filters     []int   `msgpack:"filters" yaml:"filters"`
	KernelSize  int     `msgpack:"kernel_size" yaml:"kernel_size"`
	Hidden      int     `msgpack:"hidden" yaml:"hidden"`
	L2          float64 `msgpack:"l2" yaml:"l2"`
	ConvDropout float64 `msgpack:"conv_dropout" yaml:"conv_dropout"`
	Dropout     float64 `msgpack:"dropout" yaml:"dropout"`
	Seed        uint64  `msgpack:"seed" yaml:"seed"`
}

func (a Architecture) withDefaults() Architecture {
	if len(a.Filters) == 0 {
		a.Filters = []int{32, 64, 128}
	}
	if a.KernelSize == 0 {
		a.KernelSize = 3
	}
	if a.Hidden == 0 {
		a.Hidden = 64
	}
	return a
}

// Model is a sequential stack of layers.
type Model struct {
	Arch   Architecture
	Layers []Layer

	// RunID identifies the training run that produced the weights.
	RunID string
}

// BuildClassifier constructs the classifier:
//
//	3 × [Conv2D(f, 3×3, same, relu, L2) → BatchNorm → MaxPool 2×2 → Dropout]
//	GlobalAvgPool → Dense(hidden, relu, L2) → BatchNorm → Dropout
//	Dense(classes, softmax)
//
// Kernels are Glorot-uniform from a generator seeded with Arch.Seed.
func BuildClassifier(arch Architecture) (*Model, error) {
	arch = arch.withDefaults()
	if len(arch.InputShape) != 3 || arch.InputShape[2] != 1 {
		return nil, fmt.Errorf("%w: input shape %v, want (time, coeffs, 1)", ErrShape, arch.InputShape)
	}
	if arch.Classes < 2 {
		return nil, fmt.Errorf("nn: need at least 2 classes, got %d", arch.Classes)
	}
	shape := arch.InputShape
	for range arch.Filters {
		if shape[0] < 2 || shape[1] < 2 {
			return nil, fmt.Errorf("%w: input %v too small for %d pooling blocks", ErrShape, arch.InputShape, len(arch.Filters))
		}
		shape = Shape{shape[0] / 2, shape[1] / 2, 1}
	}

	rng := rand.New(rand.NewPCG(arch.Seed, arch.Seed+1))
	dropRNG := func(i int) *rand.Rand {
		return rand.New(rand.NewPCG(arch.Seed, uint64(i)+1000))
	}

	m := &Model{Arch: arch}
	add := func(l Layer) Shape {
		m.Layers = append(m.Layers, l)
		return l.OutputShape()
	}

	shape = arch.InputShape
	for i, f := range arch.Filters {
		b := i + 1
		shape = add(NewConv2D(fmt.Sprintf("conv%d", b), shape, f, arch.KernelSize, ReLU, arch.L2, rng))
		shape = add(NewBatchNorm(fmt.Sprintf("bn%d", b), shape))
		shape = add(NewMaxPool2D(fmt.Sprintf("pool%d", b), shape, 2))
		shape = add(NewDropout(fmt.Sprintf("drop%d", b), shape, arch.ConvDropout, dropRNG(b)))
	}
	shape = add(NewGlobalAvgPool("gap", shape))
	shape = add(NewDense("dense", shape[0], arch.Hidden, ReLU, arch.L2, rng))
	shape = add(NewBatchNorm("bn_dense", shape))
	shape = add(NewDropout("drop_dense", shape, arch.Dropout, dropRNG(len(arch.Filters)+1)))
	add(NewDense("output", shape[0], arch.Classes, Softmax, 0, rng))
	return m, nil
}

// InputShape returns the per-sample input shape.
func (m *Model) InputShape() Shape { return m.Arch.InputShape }

// Params returns all parameters in layer order.
func (m *Model) Params() []*Param {
	var ps []*Param
	for _, l := range m.Layers {
		ps = append(ps, l.Params()...)
	}
	return ps
}

// Forward runs the network on x, shaped (n, time, coeffs, 1).
func (m *Model) Forward(x *Tensor, training bool) (*Tensor, error) {
	if !x.SampleShape().Equal(m.Arch.InputShape) {
		return nil, fmt.Errorf("%w: input %v, model expects %v", ErrShape, x.SampleShape(), m.Arch.InputShape)
	}
	for _, l := range m.Layers {
		x = l.Forward(x, training)
	}
	return x, nil
}

// Backward propagates dy, the gradient w.r.t. the model output, through
// every layer. It must follow a training Forward.
func (m *Model) Backward(dy *Tensor) {
	for i := len(m.Layers) - 1; i >= 0; i-- {
		dy = m.Layers[i].Backward(dy)
	}
}

// ZeroGrad clears all gradients.
func (m *Model) ZeroGrad() {
	for _, p := range m.Params() {
		p.zeroGrad()
	}
}

// L2Penalty returns sum over regularized kernels of L2*sum(w^2).
func (m *Model) L2Penalty() float64 {
	total := 0.0
	for _, p := range m.Params() {
		if p.L2 == 0 {
			continue
		}
		s := 0.0
		for _, w := range p.Value {
			s += w * w
		}
		total += p.L2 * s
	}
	return total
}

// AddL2Grad adds the gradient of L2Penalty to the parameter gradients.
func (m *Model) AddL2Grad() {
	for _, p := range m.Params() {
		if p.L2 == 0 || !p.Trainable {
			continue
		}
		for i, w := range p.Value {
			p.Grad[i] += 2 * p.L2 * w
		}
	}
}

// Predict runs inference over x in batches and returns the class
// probabilities, shaped (n, classes).
func (m *Model) Predict(x *Tensor, batchSize int) (*Tensor, error) {
	if batchSize <= 0 {
		batchSize = 32
	}
	n := x.Batch()
	out := NewTensor(n, m.Arch.Classes)
	for start := 0; start < n; start += batchSize {
		end := min(start+batchSize, n)
		idx := make([]int, end-start)
		for i := range idx {
			idx[i] = start + i
		}
		probs, err := m.Forward(x.Rows(idx), false)
		if err != nil {
			return nil, err
		}
		copy(out.Data[start*m.Arch.Classes:], probs.Data)
	}
	return out, nil
}

// Weights returns a copy of every parameter value, including moving
// statistics.
func (m *Model) Weights() [][]float64 {
	ps := m.Params()
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = append([]float64(nil), p.Value...)
	}
	return out
}

// SetWeights restores values captured by Weights.
func (m *Model) SetWeights(w [][]float64) error {
	ps := m.Params()
	if len(w) != len(ps) {
		return fmt.Errorf("%w: %d weight arrays for %d params", ErrShape, len(w), len(ps))
	}
	for i, p := range ps {
		if len(w[i]) != len(p.Value) {
			return fmt.Errorf("%w: %s has %d values, got %d", ErrShape, p.Name, len(p.Value), len(w[i]))
		}
		copy(p.Value, w[i])
	}
	return nil
}

// CountParams returns the trainable and non-trainable parameter counts.
func (m *Model) CountParams() (trainable, frozen int) {
	for _, p := range m.Params() {
		if p.Trainable {
			trainable += len(p.Value)
		} else {
			frozen += len(p.Value)
		}
	}
	return trainable, frozen
}

// Summary renders a layer / output shape / parameter count table.
func (m *Model) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-14s %-26s %-20s %10s\n", "Layer", "Type", "Output Shape", "Params")
	b.WriteString(strings.Repeat("─", 73) + "\n")
	for _, l := range m.Layers {
		n := 0
		for _, p := range l.Params() {
			n += len(p.Value)
		}
		fmt.Fprintf(&b, "%-14s %-26s %-20s %10d\n", l.Name(), l.Kind(), append(Shape{-1}, l.OutputShape()...).String(), n)
	}
	b.WriteString(strings.Repeat("─", 73) + "\n")
	tr, fr := m.CountParams()
	fmt.Fprintf(&b, "Total params: %d\nTrainable params: %d\nNon-trainable params: %d\n", tr+fr, tr, fr)
	return b.String()
}
