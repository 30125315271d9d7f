package quant

import (
	"bytes"
	"context"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haivivi/soundclass/pkg/dataset"
	"github.com/haivivi/soundclass/pkg/nn"
	"github.com/haivivi/soundclass/pkg/storage"
)

// trainedModel returns a small classifier whose batch norm statistics and
// weights have moved away from their initial values.
func trainedModel(t *testing.T) (*nn.Model, *dataset.Tensor) {
	t.Helper()
	m, err := nn.BuildClassifier(nn.Architecture{
		InputShape: nn.Shape{16, 8, 1},
		Classes:    4,
		Filters:    []int{4, 6, 8},
		Hidden:     8,
		L2:         1e-4,
		Seed:       21,
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 5))
	x := dataset.NewTensor(12, 16, 8)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64()*10 - 20)
	}
	in, err := nn.FromFloat32(x.Data, 12, 16, 8, 1)
	require.NoError(t, err)
	labels := []int{0, 1, 2, 3, 0, 1, 2, 3, 0, 1, 2, 3}
	opt := nn.NewAdam(0.01)
	for i := 0; i < 5; i++ {
		m.ZeroGrad()
		probs, err := m.Forward(in, true)
		require.NoError(t, err)
		_, dy, err := nn.SparseCrossEntropy(probs, labels)
		require.NoError(t, err)
		m.Backward(dy)
		opt.Step(m.Params())
	}
	return m, x
}

func floatProbs(t *testing.T, m *nn.Model, x *dataset.Tensor, i int) []float64 {
	t.Helper()
	in, err := nn.FromFloat32(x.Sample(i), 1, x.T, x.C, 1)
	require.NoError(t, err)
	p, err := m.Forward(in, false)
	require.NoError(t, err)
	return p.Data
}

func TestLowerMatchesModel(t *testing.T) {
	m, x := trainedModel(t)
	ks, names, err := lower(m)
	require.NoError(t, err)

	var kinds []OpKind
	for _, k := range ks {
		kinds = append(kinds, k.kind)
	}
	require.Equal(t, []OpKind{
		OpConv2D, OpAffine, OpMaxPool2D,
		OpConv2D, OpAffine, OpMaxPool2D,
		OpConv2D, OpAffine, OpMaxPool2D,
		OpGAP, OpDense, OpDense, OpSoftmax,
	}, kinds)
	require.Equal(t, "output", names[11])

	for i := 0; i < x.N; i++ {
		want := floatProbs(t, m, x, i)
		got := runKernels(ks, toFloat64(x.Sample(i)))
		for j := range want {
			require.InDelta(t, want[j], got[j], 1e-9, "sample %d class %d", i, j)
		}
	}
}

func TestExportDynamicRange(t *testing.T) {
	ctx := context.Background()
	m, x := trainedModel(t)
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	res, err := Export(ctx, Options{
		Model:     m,
		Classes:   []string{"a", "b", "c", "d"},
		FixedTime: 16,
		RunID:     "run-7",
		Store:     store,
		Path:      "classifier.scqm",
	})
	require.NoError(t, err)
	require.Equal(t, DynamicRange, res.Mode)
	require.Greater(t, res.Bytes, 0)

	data, err := storage.ReadFile(ctx, store, "classifier.scqm")
	require.NoError(t, err)
	require.Len(t, data, res.Bytes)
	mm, err := Load(bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, []int{16, 8, 1}, mm.InputShape)
	require.Equal(t, "run-7", mm.RunID)
	require.Equal(t, 16, mm.FixedTime)
	require.Nil(t, mm.Input)

	it, err := NewInterpreter(mm)
	require.NoError(t, err)
	for i := 0; i < x.N; i++ {
		probs, err := it.Invoke(x.Sample(i))
		require.NoError(t, err)
		require.Len(t, probs, 4)
		sum := float32(0)
		for _, p := range probs {
			sum += p
		}
		require.InDelta(t, 1, sum, 1e-5)

		want := floatProbs(t, m, x, i)
		for j := range want {
			require.InDelta(t, want[j], float64(probs[j]), 0.05)
		}
	}

	_, err = it.InvokeInt8(make([]int8, 16*8))
	require.ErrorIs(t, err, ErrMode)
	_, err = it.Invoke(make([]float32, 3))
	require.ErrorIs(t, err, nn.ErrShape)
}

func TestExportFullInt8(t *testing.T) {
	ctx := context.Background()
	m, x := trainedModel(t)

	_, err := Export(ctx, Options{Model: m, FullInteger: true})
	require.ErrorIs(t, err, ErrNoCalibration)

	_, err = Export(ctx, Options{Model: m, FullInteger: true, Representative: RepresentativeDataset(x, 0)})
	require.ErrorIs(t, err, ErrNoCalibration)

	res, err := Export(ctx, Options{Model: m, FullInteger: true, Representative: RepresentativeDataset(x, 100)})
	require.NoError(t, err)
	require.Equal(t, FullInt8, res.Mode)
	require.Equal(t, x.N, res.CalibrationSamples)

	mm := res.Model
	require.Equal(t, QParams{Scale: 1.0 / 256, ZeroPoint: -128}, *mm.Output)
	require.NotNil(t, mm.Input)
	for _, op := range mm.Ops {
		require.NotNil(t, op.Out, op.Name)
		if op.Kind == OpConv2D || op.Kind == OpDense {
			require.Len(t, op.BiasQ, op.OutShape[len(op.OutShape)-1])
			require.Nil(t, op.Bias)
		}
	}

	it, err := NewInterpreter(mm)
	require.NoError(t, err)
	var diff float64
	for i := 0; i < x.N; i++ {
		q := it.QuantizeInput(x.Sample(i))
		require.Len(t, q, 16*8)
		out, err := it.InvokeInt8(q)
		require.NoError(t, err)
		require.Len(t, out, 4)
		for _, v := range out {
			require.GreaterOrEqual(t, int(v), -128)
			require.LessOrEqual(t, int(v), 127)
		}
		probs := it.DequantizeOutput(out)
		sum := float32(0)
		for _, p := range probs {
			sum += p
		}
		require.InDelta(t, 1, sum, 0.1)
		for j, w := range floatProbs(t, m, x, i) {
			diff += math.Abs(w - float64(probs[j]))
		}
	}
	require.Less(t, diff/float64(x.N*4), 0.1)
}

func TestExportRejectsBadRepresentative(t *testing.T) {
	m, _ := trainedModel(t)
	bad := func(yield func([]float32) bool) { yield(make([]float32, 5)) }
	_, err := Export(context.Background(), Options{Model: m, FullInteger: true, Representative: bad})
	require.ErrorIs(t, err, nn.ErrShape)

	_, err = Export(context.Background(), Options{Model: m, Classes: []string{"only"}})
	require.Error(t, err)
}

func TestExportFromModelDir(t *testing.T) {
	m, _ := trainedModel(t)
	m.RunID = "from-dir"
	dir := t.TempDir()
	require.NoError(t, m.Save(dir))
	res, err := Export(context.Background(), Options{ModelDir: dir})
	require.NoError(t, err)
	require.Equal(t, "from-dir", res.Model.RunID)
}

func TestRepresentativeDataset(t *testing.T) {
	x := dataset.NewTensor(5, 2, 2)
	n := 0
	for s := range RepresentativeDataset(x, 3) {
		require.Len(t, s, 4)
		n++
	}
	require.Equal(t, 3, n)

	n = 0
	for range RepresentativeDataset(x, 100) {
		n++
	}
	require.Equal(t, 5, n)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(bytes.NewReader([]byte("NOPE\x01")))
	require.ErrorIs(t, err, ErrFormat)
	_, err = Load(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrFormat)
	_, err = Load(bytes.NewReader([]byte("SCQM\x09")))
	require.Error(t, err)
}

func TestQuantizationHelpers(t *testing.T) {
	q, scales := quantizeWeights([]float64{1.1, -0.5, -2, 0.3, 0, 0}, 2)
	require.Equal(t, []float32{float32(2.0 / 127), float32(0.5 / 127)}, scales)
	require.Equal(t, []int8{70, -127, -127, 76, 0, 0}, q)

	p := rangeParams(-1, 3)
	require.InDelta(t, 4.0/255, p.Scale, 1e-12)
	require.Equal(t, int8(int(p.ZeroPoint)), quantize(0, p))
	require.InDelta(t, 0, dequantize(quantize(0, p), p), 1e-12)
	require.Equal(t, int8(127), quantize(100, p))
	require.Equal(t, int8(-128), quantize(-100, p))

	p = rangeParams(0.5, 2)
	require.InDelta(t, 2.0/255, p.Scale, 1e-12)
	require.Equal(t, int32(-128), p.ZeroPoint)

	require.False(t, math.IsNaN(rangeParams(0, 0).Scale))
}
