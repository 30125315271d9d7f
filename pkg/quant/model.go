package quant

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Magic starts every mobile model file.
const Magic = "SCQM"

// FormatVersion is the current mobile model format version.
const FormatVersion byte = 1

// ErrFormat is returned for files that are not mobile models.
var ErrFormat = errors.New("quant: not a mobile model")

// Mode is the quantization scheme of a mobile model.
type Mode string

const (
	// DynamicRange stores int8 weights and runs float activations.
	DynamicRange Mode = "dynamic_range"
	// FullInt8 quantizes weights and activations; input and output are int8.
	FullInt8 Mode = "full_int8"
)

// OpKind identifies a mobile op.
type OpKind string

const (
	OpConv2D    OpKind = "conv2d"
	OpAffine    OpKind = "affine"
	OpMaxPool2D OpKind = "maxpool2d"
	OpGAP       OpKind = "global_avg_pool"
	OpDense     OpKind = "dense"
	OpSoftmax   OpKind = "softmax"
)

// QParams maps int8 values to reals: real = Scale * (q - ZeroPoint).
type QParams struct {
	Scale     float64 `msgpack:"scale"`
	ZeroPoint int32   `msgpack:"zero_point"`
}

// Op is one step of the mobile graph.
type Op struct {
	Kind       OpKind `msgpack:"kind"`
	Name       string `msgpack:"name"`
	InShape    []int  `msgpack:"in_shape"`
	OutShape   []int  `msgpack:"out_shape"`
	Activation string `msgpack:"activation,omitempty"`
	Size       int    `msgpack:"size,omitempty"` // kernel or pool size

	// Conv and dense weights, [patch or in][out channel], symmetric
	// per output channel.
	Weights      []int8    `msgpack:"weights,omitempty"`
	WeightScales []float32 `msgpack:"weight_scales,omitempty"`
	Bias         []float32 `msgpack:"bias,omitempty"`   // dynamic range
	BiasQ        []int32   `msgpack:"bias_q,omitempty"` // full int8, scale in*weight, zero point 0

	// Affine: y = x*Scale[c] + Shift[c].
	Scale []float32 `msgpack:"scale,omitempty"`
	Shift []float32 `msgpack:"shift,omitempty"`

	// Out holds the output activation params in full int8 mode.
	Out *QParams `msgpack:"out,omitempty"`
}

// MobileModel is the self-contained on-device classifier.
type MobileModel struct {
	Mode       Mode     `msgpack:"mode"`
	RunID      string   `msgpack:"run_id"`
	InputShape []int    `msgpack:"input_shape"` // (time, coeffs, 1)
	Classes    []string `msgpack:"classes"`
	FixedTime  int      `msgpack:"fixed_time"`
	Input      *QParams `msgpack:"input,omitempty"`
	Output     *QParams `msgpack:"output,omitempty"`
	Ops        []Op     `msgpack:"ops"`
}

// InputSize returns the number of values one input sample holds.
func (m *MobileModel) InputSize() int {
	n := 1
	for _, d := range m.InputShape {
		n *= d
	}
	return n
}

// Encode writes m as magic, version byte and msgpack body.
func Encode(w io.Writer, m *MobileModel) error {
	bw := bufio.NewWriter(w)
	bw.WriteString(Magic)
	bw.WriteByte(FormatVersion)
	if err := msgpack.NewEncoder(bw).Encode(m); err != nil {
		return fmt.Errorf("quant: encode: %w", err)
	}
	return bw.Flush()
}

// Marshal returns the encoded bytes of m.
func Marshal(m *MobileModel) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Load reads a mobile model written by Encode.
func Load(r io.Reader) (*MobileModel, error) {
	br := bufio.NewReader(r)
	head := make([]byte, len(Magic)+1)
	if _, err := io.ReadFull(br, head); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if string(head[:len(Magic)]) != Magic {
		return nil, ErrFormat
	}
	if v := head[len(Magic)]; v != FormatVersion {
		return nil, fmt.Errorf("quant: unsupported format version %d", v)
	}
	var m MobileModel
	if err := msgpack.NewDecoder(br).Decode(&m); err != nil {
		return nil, fmt.Errorf("quant: decode: %w", err)
	}
	return &m, nil
}
