package quant

import (
	"errors"
	"fmt"

	"github.com/haivivi/soundclass/pkg/nn"
)

// ErrMode is returned when an int8 entry point is used on a dynamic range
// model.
var ErrMode = errors.New("quant: operation not supported in this mode")

// Interpreter runs a mobile model on single samples. Full int8 models are
// simulated exactly: weights are dequantized from int8 and every op
// output is rounded to its int8 grid. An Interpreter is safe for
// concurrent use.
type Interpreter struct {
	m  *MobileModel
	ks []kernel
}

// NewInterpreter prepares m for execution.
func NewInterpreter(m *MobileModel) (*Interpreter, error) {
	it := &Interpreter{m: m}
	full := m.Mode == FullInt8
	if full && (m.Input == nil || m.Output == nil) {
		return nil, fmt.Errorf("%w: full int8 model without input/output params", ErrFormat)
	}
	var prev QParams
	if full {
		prev = *m.Input
	}
	for _, op := range m.Ops {
		k := kernel{kind: op.Kind, in: op.InShape, out: op.OutShape, size: op.Size, relu: op.Activation == "relu"}
		switch op.Kind {
		case OpConv2D, OpDense:
			k.w = dequantizeWeights(op.Weights, op.WeightScales)
			if full {
				k.b = make([]float64, len(op.BiasQ))
				for c, q := range op.BiasQ {
					k.b[c] = float64(q) * prev.Scale * float64(op.WeightScales[c])
				}
			} else {
				k.b = toFloat64(op.Bias)
			}
		case OpAffine:
			k.scale, k.shift = toFloat64(op.Scale), toFloat64(op.Shift)
		case OpMaxPool2D, OpGAP, OpSoftmax:
		default:
			return nil, fmt.Errorf("%w: unknown op kind %q", ErrFormat, op.Kind)
		}
		if full {
			if op.Out == nil {
				return nil, fmt.Errorf("%w: op %s has no output params", ErrFormat, op.Name)
			}
			prev = *op.Out
		}
		it.ks = append(it.ks, k)
	}
	return it, nil
}

// Model returns the interpreted model.
func (it *Interpreter) Model() *MobileModel { return it.m }

// Invoke runs one float sample, flattened (time, coeffs), and returns the
// class probabilities. On a full int8 model the input is quantized and the
// output dequantized.
func (it *Interpreter) Invoke(input []float32) ([]float32, error) {
	if it.m.Mode == FullInt8 {
		q, err := it.InvokeInt8(it.QuantizeInput(input))
		if err != nil {
			return nil, err
		}
		return it.DequantizeOutput(q), nil
	}
	if len(input) != it.m.InputSize() {
		return nil, fmt.Errorf("%w: %d input values, want %d", nn.ErrShape, len(input), it.m.InputSize())
	}
	return toFloat32(runKernels(it.ks, toFloat64(input))), nil
}

// InvokeInt8 runs one quantized sample through a full int8 model.
func (it *Interpreter) InvokeInt8(input []int8) ([]int8, error) {
	if it.m.Mode != FullInt8 {
		return nil, ErrMode
	}
	if len(input) != it.m.InputSize() {
		return nil, fmt.Errorf("%w: %d input values, want %d", nn.ErrShape, len(input), it.m.InputSize())
	}
	x := make([]float64, len(input))
	for i, q := range input {
		x[i] = dequantize(q, *it.m.Input)
	}
	for i := range it.ks {
		x = it.ks[i].run(x)
		fakeQuant(x, *it.m.Ops[i].Out)
	}
	out := make([]int8, len(x))
	for i, v := range x {
		out[i] = quantize(v, *it.m.Output)
	}
	return out, nil
}

// QuantizeInput maps a float sample onto the input grid. On a dynamic
// range model it returns nil.
func (it *Interpreter) QuantizeInput(x []float32) []int8 {
	if it.m.Input == nil {
		return nil
	}
	q := make([]int8, len(x))
	for i, v := range x {
		q[i] = quantize(float64(v), *it.m.Input)
	}
	return q
}

// DequantizeOutput maps int8 outputs back to probabilities.
func (it *Interpreter) DequantizeOutput(q []int8) []float32 {
	if it.m.Output == nil {
		return nil
	}
	out := make([]float32, len(q))
	for i, v := range q {
		out[i] = float32(dequantize(v, *it.m.Output))
	}
	return out
}

// Predict returns the most probable class index and its probability.
func (it *Interpreter) Predict(input []float32) (int, float32, error) {
	probs, err := it.Invoke(input)
	if err != nil {
		return 0, 0, err
	}
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return best, probs[best], nil
}
