package resampler

import (
	"errors"
	"math"
	"testing"
)

func TestFormatOutputLen(t *testing.T) {
	tests := []struct {
		src, dst, n, want int
	}{
		{44100, 22050, 44100, 22050},
		{22050, 22050, 1000, 1000},
		{48000, 22050, 48000, 22050},
		{16000, 22050, 16000, 22050},
		{8000, 22050, 3, 8},
	}
	for _, tt := range tests {
		got := Format{SrcRate: tt.src, DstRate: tt.dst}.OutputLen(tt.n)
		if got != tt.want {
			t.Errorf("OutputLen(%d->%d, %d) = %d, want %d", tt.src, tt.dst, tt.n, got, tt.want)
		}
	}
}

func TestResampleSameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out, err := Resample(in, 22050, 22050)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	if len(out) != len(in) || &out[0] != &in[0] {
		t.Fatal("same-rate resample should return the input slice")
	}
}

func TestResampleInvalidRate(t *testing.T) {
	_, err := Resample([]float32{0}, 0, 22050)
	if !errors.Is(err, ErrInvalidRate) {
		t.Fatalf("err = %v, want ErrInvalidRate", err)
	}
}

func TestResampleDownsample(t *testing.T) {
	const src, dst = 44100, 22050
	in := make([]float32, src)
	for i := range in {
		in[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/src))
	}
	out, err := Resample(in, src, dst)
	if err != nil {
		t.Fatalf("Resample: %v", err)
	}
	want := Format{SrcRate: src, DstRate: dst}.OutputLen(len(in))
	if len(out) > want || len(out) < want*9/10 {
		t.Fatalf("len = %d, want ~%d", len(out), want)
	}

	// A 440 Hz tone is well inside the passband; energy must survive.
	var energy float64
	for _, s := range out[len(out)/4 : len(out)*3/4] {
		energy += float64(s) * float64(s)
	}
	rms := math.Sqrt(energy / float64(len(out)/2))
	if rms < 0.2 || rms > 0.5 {
		t.Errorf("rms = %f, want ~0.35", rms)
	}
}
