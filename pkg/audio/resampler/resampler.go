package resampler

import (
	"errors"
	"fmt"
	"math"

	resampling "github.com/tphakala/go-audio-resampling"
)

// ErrInvalidRate is returned when a sample rate is not positive.
var ErrInvalidRate = errors.New("resampler: sample rate must be positive")

// flushFrames is the number of trailing zeros pushed through the filter so
// that its delay line is drained into the output.
const flushFrames = 4096

// Format describes the rate conversion performed by a Resampler.
type Format struct {
	// SrcRate is the input sample rate in Hz (e.g., 44100).
	SrcRate int

	// DstRate is the output sample rate in Hz (e.g., 22050).
	DstRate int
}

// OutputLen returns the number of output samples produced for n input samples.
func (f Format) OutputLen(n int) int {
	if f.SrcRate == f.DstRate {
		return n
	}
	return int(math.Round(float64(n) * float64(f.DstRate) / float64(f.SrcRate)))
}

// Resample converts mono samples from srcRate to dstRate. When the rates are
// equal the input is returned unchanged.
func Resample(samples []float32, srcRate, dstRate int) ([]float32, error) {
	f := Format{SrcRate: srcRate, DstRate: dstRate}
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("%w: %d -> %d", ErrInvalidRate, srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}

	input := make([]float64, len(samples)+flushFrames)
	for i, s := range samples {
		input[i] = float64(s)
	}
	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("resample error: %w", err)
	}

	want := f.OutputLen(len(samples))
	if len(output) > want {
		output = output[:want]
	}
	out := make([]float32, len(output))
	for i, s := range output {
		out[i] = float32(s)
	}
	return out, nil
}
