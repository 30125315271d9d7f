// Package fbank computes mel filterbank spectrograms from mono PCM audio.
//
// Framing and scaling use the common MFCC front-end conventions:
//
//	centered frames (n_fft/2 zeros on both sides)
//	periodic Hann window
//	power spectrum |X|^2
//	Slaney mel scale with area-normalized triangular filters
//
// The output is a [T][NumMels] matrix, time-major, where
// T = 1 + len(pcm)/HopSize.
//
// Default parameters:
//
//	SampleRate: 22050
//	FFTSize:     2048
//	HopSize:      512
//	NumMels:      128
//	LowFreq:        0
//	HighFreq:       0 (Nyquist)
package fbank

import (
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

// Config controls mel filterbank extraction parameters.
type Config struct {
	SampleRate int     // audio sample rate in Hz (default 22050)
	FFTSize    int     // FFT size and frame length (default 2048)
	HopSize    int     // hop length in samples (default 512)
	NumMels    int     // number of mel bins (default 128)
	LowFreq    float64 // lowest filter edge in Hz (default 0)
	HighFreq   float64 // highest filter edge in Hz (0 = Nyquist)
}

// DefaultConfig returns the configuration used for the classifier features.
func DefaultConfig() Config {
	return Config{
		SampleRate: 22050,
		FFTSize:    2048,
		HopSize:    512,
		NumMels:    128,
	}
}

// Extractor computes mel filterbank features from PCM samples.
// An Extractor is not safe for concurrent use.
type Extractor struct {
	cfg     Config
	window  []float64
	melBank [][]float64
	fft     *fourier.FFT

	frame  []float64
	coeffs []complex128
}

// New creates a new fbank Extractor with the given config.
func New(cfg Config) *Extractor {
	if cfg.HighFreq <= 0 {
		cfg.HighFreq = float64(cfg.SampleRate) / 2
	}
	e := &Extractor{cfg: cfg, window: hannWindow(cfg.FFTSize)}
	e.melBank = melFilterBank(cfg.NumMels, cfg.FFTSize, cfg.SampleRate, cfg.LowFreq, cfg.HighFreq)
	e.fft = fourier.NewFFT(cfg.FFTSize)
	e.frame = make([]float64, cfg.FFTSize)
	e.coeffs = make([]complex128, cfg.FFTSize/2+1)
	return e
}

// Config returns the effective configuration.
func (e *Extractor) Config() Config { return e.cfg }

// NumFrames returns the number of frames produced for n samples.
func (e *Extractor) NumFrames(n int) int {
	return 1 + n/e.cfg.HopSize
}

// PowerSpectrogram returns |STFT|^2 as a [T][FFTSize/2+1] matrix.
func (e *Extractor) PowerSpectrogram(pcm []float32) [][]float64 {
	cfg := e.cfg
	numFrames := e.NumFrames(len(pcm))
	halfFFT := cfg.FFTSize/2 + 1
	offset := cfg.FFTSize / 2

	spec := make([][]float64, numFrames)
	for t := 0; t < numFrames; t++ {
		start := t*cfg.HopSize - offset
		for i := range e.frame {
			j := start + i
			if j < 0 || j >= len(pcm) {
				e.frame[i] = 0
				continue
			}
			e.frame[i] = float64(pcm[j]) * e.window[i]
		}
		e.coeffs = e.fft.Coefficients(e.coeffs, e.frame)

		power := make([]float64, halfFFT)
		for k, c := range e.coeffs {
			power[k] = real(c)*real(c) + imag(c)*imag(c)
		}
		spec[t] = power
	}
	return spec
}

// Extract computes the mel power spectrogram as a [T][NumMels] matrix.
func (e *Extractor) Extract(pcm []float32) [][]float64 {
	spec := e.PowerSpectrogram(pcm)
	out := make([][]float64, len(spec))
	for t, power := range spec {
		mel := make([]float64, e.cfg.NumMels)
		for m, filter := range e.melBank {
			sum := 0.0
			for k, w := range filter {
				if w != 0 {
					sum += w * power[k]
				}
			}
			mel[m] = sum
		}
		out[t] = mel
	}
	return out
}

// PowerToDB converts a power spectrogram to decibels in place:
// 10*log10(max(amin, s)), then clips every value to at most topDB below
// the global peak. A topDB <= 0 disables clipping.
func PowerToDB(spec [][]float64, amin, topDB float64) {
	peak := math.Inf(-1)
	for _, row := range spec {
		for i, v := range row {
			db := 10 * math.Log10(math.Max(amin, v))
			row[i] = db
			peak = math.Max(peak, db)
		}
	}
	if topDB <= 0 {
		return
	}
	floor := peak - topDB
	for _, row := range spec {
		for i, v := range row {
			if v < floor {
				row[i] = floor
			}
		}
	}
}
