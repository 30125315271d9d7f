// Package audio provides the audio front-end used by the training pipeline.
//
// This package serves as an umbrella for audio-related sub-packages:
//
//   - wavfile: WAV decoding to normalized float32 samples
//   - resampler: sample rate conversion of mono float32 buffers
//   - clip: fixed-length clip loading (mono, resampled, padded or truncated)
//   - fbank: STFT power spectrum and mel filterbank
//   - mfcc: cepstral coefficients on top of fbank
//
// Example usage:
//
//	import (
//	    "github.com/haivivi/soundclass/pkg/audio/clip"
//	    "github.com/haivivi/soundclass/pkg/audio/mfcc"
//	)
//
//	loader := clip.New(clip.Options{SampleRate: 22050, Duration: 4})
//	ext := mfcc.New(mfcc.DefaultConfig())
//	features := ext.Extract(loader.Load("fold1/7061-6-0-0.wav"))
package audio
