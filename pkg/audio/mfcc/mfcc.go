// Package mfcc computes Mel-Frequency Cepstral Coefficients.
//
// The log mel spectrogram from package fbank is projected onto an
// orthonormal DCT-II basis and the first NumMFCC coefficients are kept.
// Output matrices are time-major: one row per STFT frame, one column per
// coefficient.
package mfcc

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/haivivi/soundclass/pkg/audio/fbank"
)

// Config controls MFCC extraction.
type Config struct {
	SampleRate int     // Hz (default 22050)
	NFFT       int     // FFT window size (default 2048)
	HopLength  int     // hop length in samples (default 512)
	NMels      int     // mel bands used internally (default 128)
	NMFCC      int     // coefficients kept (default 40)
	TopDB      float64 // dB clipping below peak (default 80)
}

// DefaultConfig returns the classifier feature configuration.
func DefaultConfig() Config {
	return Config{
		SampleRate: 22050,
		NFFT:       2048,
		HopLength:  512,
		NMels:      128,
		NMFCC:      40,
		TopDB:      80,
	}
}

const amin = 1e-10

// Matrix is a dense row-major time × coefficient matrix.
type Matrix struct {
	Rows int       `msgpack:"r"`
	Cols int       `msgpack:"c"`
	Data []float32 `msgpack:"d"`
}

// NewMatrix allocates a zero matrix.
func NewMatrix(rows, cols int) Matrix {
	return Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

// Row returns row t. The slice aliases the matrix data.
func (m Matrix) Row(t int) []float32 {
	return m.Data[t*m.Cols : (t+1)*m.Cols]
}

// At returns the element at (t, c).
func (m Matrix) At(t, c int) float32 {
	return m.Data[t*m.Cols+c]
}

// Extractor turns waveforms into MFCC matrices.
// An Extractor is not safe for concurrent use.
type Extractor struct {
	cfg   Config
	mel   *fbank.Extractor
	basis *mat.Dense // NMFCC × NMels
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	if cfg.TopDB == 0 {
		cfg.TopDB = 80
	}
	mel := fbank.New(fbank.Config{
		SampleRate: cfg.SampleRate,
		FFTSize:    cfg.NFFT,
		HopSize:    cfg.HopLength,
		NumMels:    cfg.NMels,
	})
	return &Extractor{cfg: cfg, mel: mel, basis: dctBasis(cfg.NMFCC, cfg.NMels)}
}

// Config returns the extractor configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Frames returns the number of rows Extract produces for n samples.
func (e *Extractor) Frames(n int) int { return e.mel.NumFrames(n) }

// Extract computes the MFCC matrix of a waveform.
func (e *Extractor) Extract(pcm []float32) Matrix {
	spec := e.mel.Extract(pcm)
	fbank.PowerToDB(spec, amin, e.cfg.TopDB)

	rows := len(spec)
	if rows == 0 {
		return Matrix{Cols: e.cfg.NMFCC}
	}
	flat := make([]float64, 0, rows*e.cfg.NMels)
	for _, r := range spec {
		flat = append(flat, r...)
	}
	logMel := mat.NewDense(rows, e.cfg.NMels, flat)

	var out mat.Dense
	out.Mul(logMel, e.basis.T())

	m := NewMatrix(rows, e.cfg.NMFCC)
	for t := 0; t < rows; t++ {
		row := m.Row(t)
		for c := range row {
			row[c] = float32(out.At(t, c))
		}
	}
	return m
}

// dctBasis returns the orthonormal DCT-II matrix truncated to k rows.
func dctBasis(k, n int) *mat.Dense {
	d := mat.NewDense(k, n, nil)
	s0 := math.Sqrt(1 / float64(n))
	s := math.Sqrt(2 / float64(n))
	for i := 0; i < k; i++ {
		scale := s
		if i == 0 {
			scale = s0
		}
		for j := 0; j < n; j++ {
			d.Set(i, j, scale*math.Cos(math.Pi/float64(n)*(float64(j)+0.5)*float64(i)))
		}
	}
	return d
}
