// Package quant converts a trained classifier into a compact mobile model
// and runs it.
//
// Two schemes are supported. Dynamic range stores int8 weights with one
// scale per output channel and keeps activations in float. Full int8
// additionally calibrates activation ranges on a representative stream of
// training samples, so input, intermediate tensors and output are all
// int8. The output uses scale 1/256 and zero point -128, which covers
// softmax probabilities in [0, 1).
package quant

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"math"

	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/nn"
	"github.com/haivivi/soundclass/pkg/storage"
)

// ErrNoCalibration is returned when full int8 export has no
// representative samples.
var ErrNoCalibration = errors.New("quant: full integer quantization needs representative samples")

// softmaxOutput are the fixed params of the final probabilities.
var softmaxOutput = QParams{Scale: 1.0 / 256, ZeroPoint: -128}

// Options configures Export.
type Options struct {
	// ModelDir holds the saved full-precision model. Ignored when Model
	// is set.
	ModelDir string
	Model    *nn.Model

	Classes   []string
	FixedTime int
	RunID     string

	// FullInteger selects FullInt8; otherwise DynamicRange.
	FullInteger bool

	// Representative yields calibration samples, each a flattened
	// (time, coeffs) map. Required for FullInteger.
	Representative iter.Seq[[]float32]

	// Store and Path name the destination. With a nil Store the model
	// is converted but not written.
	Store storage.FileStore
	Path  string

	// Logger receives conversion progress. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Result describes an exported model.
type Result struct {
	Mode               Mode
	Path               string
	Bytes              int
	CalibrationSamples int
	Model              *MobileModel
}

// RepresentativeDataset yields the first min(n, x.N) samples of x.
func RepresentativeDataset(x *dataset.Tensor, n int) iter.Seq[[]float32] {
	return func(yield func([]float32) bool) {
		for i := 0; i < min(n, x.N); i++ {
			if !yield(x.Sample(i)) {
				return
			}
		}
	}
}

// Export converts the model, quantizes it and writes the mobile model
// file.
func Export(ctx context.Context, opts Options) (*Result, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	model := opts.Model
	if model == nil {
		var err error
		if model, err = nn.Load(opts.ModelDir); err != nil {
			return nil, err
		}
	}
	if opts.FullInteger && opts.Representative == nil {
		return nil, ErrNoCalibration
	}

	ks, names, err := lower(model)
	if err != nil {
		return nil, err
	}
	mm := &MobileModel{
		Mode:       DynamicRange,
		RunID:      opts.RunID,
		InputShape: []int(model.InputShape()),
		Classes:    opts.Classes,
		FixedTime:  opts.FixedTime,
	}
	if mm.RunID == "" {
		mm.RunID = model.RunID
	}
	if len(mm.Classes) != 0 && len(mm.Classes) != model.Arch.Classes {
		return nil, fmt.Errorf("quant: %d class names for a %d-class model", len(mm.Classes), model.Arch.Classes)
	}

	var (
		ranges  [][2]float64
		inRange [2]float64
		samples int
	)
	if opts.FullInteger {
		mm.Mode = FullInt8
		ranges, inRange, samples, err = calibrate(ctx, ks, mm.InputSize(), opts.Representative)
		if err != nil {
			return nil, err
		}
		log.Info("calibrated activation ranges", "samples", samples, "ops", len(ks))
	}

	inQ := rangeParams(inRange[0], inRange[1])
	if opts.FullInteger {
		mm.Input = &inQ
	}
	prev := inQ
	for i, k := range ks {
		op := Op{
			Kind:     k.kind,
			Name:     names[i],
			InShape:  k.in,
			OutShape: k.out,
			Size:     k.size,
		}
		if k.relu {
			op.Activation = "relu"
		}
		var out QParams
		if opts.FullInteger {
			switch k.kind {
			case OpMaxPool2D:
				out = prev
			case OpSoftmax:
				out = softmaxOutput
			default:
				out = rangeParams(ranges[i][0], ranges[i][1])
			}
			op.Out = &out
		}
		switch k.kind {
		case OpConv2D, OpDense:
			op.Weights, op.WeightScales = quantizeWeights(k.w, k.outC())
			if opts.FullInteger {
				op.BiasQ = make([]int32, len(k.b))
				for c, b := range k.b {
					s := prev.Scale * float64(op.WeightScales[c])
					op.BiasQ[c] = int32(clamp(math.Round(b/s), math.MinInt32, math.MaxInt32))
				}
			} else {
				op.Bias = toFloat32(k.b)
			}
		case OpAffine:
			op.Scale, op.Shift = toFloat32(k.scale), toFloat32(k.shift)
		}
		mm.Ops = append(mm.Ops, op)
		prev = out
	}
	if opts.FullInteger {
		o := softmaxOutput
		mm.Output = &o
	}

	data, err := Marshal(mm)
	if err != nil {
		return nil, err
	}
	res := &Result{Mode: mm.Mode, Path: opts.Path, Bytes: len(data), CalibrationSamples: samples, Model: mm}
	if opts.Store != nil {
		if err := storage.WriteFile(ctx, opts.Store, opts.Path, data); err != nil {
			return nil, err
		}
	}
	log.Info("exported mobile model", "mode", mm.Mode, "path", opts.Path, "bytes", len(data), "ops", len(mm.Ops))
	return res, nil
}

// calibrate runs the float kernels over the representative samples and
// records the min and max of the input and of every op output.
func calibrate(ctx context.Context, ks []kernel, inputSize int, rep iter.Seq[[]float32]) (ranges [][2]float64, in [2]float64, n int, err error) {
	ranges = make([][2]float64, len(ks))
	for i := range ranges {
		ranges[i] = [2]float64{math.Inf(1), math.Inf(-1)}
	}
	in = [2]float64{math.Inf(1), math.Inf(-1)}
	track := func(r *[2]float64, x []float64) {
		for _, v := range x {
			r[0] = math.Min(r[0], v)
			r[1] = math.Max(r[1], v)
		}
	}
	for sample := range rep {
		if err := ctx.Err(); err != nil {
			return nil, in, n, err
		}
		if len(sample) != inputSize {
			return nil, in, n, fmt.Errorf("%w: representative sample has %d values, want %d", nn.ErrShape, len(sample), inputSize)
		}
		x := toFloat64(sample)
		track(&in, x)
		for i := range ks {
			x = ks[i].run(x)
			track(&ranges[i], x)
		}
		n++
	}
	if n == 0 {
		return nil, in, 0, ErrNoCalibration
	}
	return ranges, in, n, nil
}
