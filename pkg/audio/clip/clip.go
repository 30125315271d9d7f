// Package clip loads audio files as fixed-length mono waveforms.
//
// Every call to Loader.Load returns exactly SampleRate × Duration samples:
// longer audio is truncated from the start, shorter audio is zero-padded at
// the end. A file that cannot be read or resampled is replaced by silence
// of the same length; the failure is logged and reported through
// Options.OnFallback so that callers can count degraded clips.
package clip

import (
	"fmt"
	"log/slog"

	"github.com/haivivi/soundclass/pkg/audio/resampler"
	"github.com/haivivi/soundclass/pkg/audio/wavfile"
)

// Waveform is a mono sequence of samples at the loader's sample rate.
type Waveform []float32

// Options configures a Loader.
type Options struct {
	// SampleRate is the target sample rate in Hz (default 22050).
	SampleRate int

	// Duration is the target clip length in seconds (default 4).
	Duration float64

	// Logger is optional. If nil, uses slog.Default().
	Logger *slog.Logger

	// OnFallback is called with the path and cause whenever a file is
	// replaced by silence. Optional.
	OnFallback func(path string, err error)
}

// Loader reads, downmixes, resamples and length-normalizes audio files.
type Loader struct {
	sampleRate int
	length     int
	logger     *slog.Logger
	onFallback func(string, error)
}

// New creates a Loader.
func New(opts Options) *Loader {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 22050
	}
	if opts.Duration <= 0 {
		opts.Duration = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		sampleRate: opts.SampleRate,
		length:     int(float64(opts.SampleRate) * opts.Duration),
		logger:     logger,
		onFallback: opts.OnFallback,
	}
}

// SampleRate returns the output sample rate in Hz.
func (l *Loader) SampleRate() int { return l.sampleRate }

// ExpectedLength returns the number of samples of every loaded waveform.
func (l *Loader) ExpectedLength() int { return l.length }

// Load returns the normalized waveform for the file at path. It never fails:
// unreadable files yield a silent waveform.
func (l *Loader) Load(path string) Waveform {
	samples, err := l.read(path)
	if err != nil {
		l.logger.Warn("audio load failed, using silence", "path", path, "error", err)
		if l.onFallback != nil {
			l.onFallback(path, err)
		}
		samples = nil
	}
	return Fix(samples, l.length)
}

func (l *Loader) read(path string) ([]float32, error) {
	a, err := wavfile.ReadFile(path)
	if err != nil {
		return nil, err
	}
	mono := a.Mono()
	out, err := resampler.Resample(mono, a.SampleRate, l.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("clip: resample %s: %w", path, err)
	}
	return out, nil
}

// Fix truncates samples to n or pads them with trailing zeros. The result
// always has length n and never aliases a padded input.
func Fix(samples []float32, n int) Waveform {
	if len(samples) >= n {
		return Waveform(samples[:n:n])
	}
	out := make(Waveform, n)
	copy(out, samples)
	return out
}

// Silence returns a zero waveform of length n.
func Silence(n int) Waveform {
	return make(Waveform, n)
}
