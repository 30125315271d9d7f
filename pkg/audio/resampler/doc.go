// Package resampler converts mono float32 audio between sample rates using
// a pure Go polyphase resampler (no CGO/FFI dependencies).
//
// Clips are resampled in one shot: the whole buffer is pushed through the
// filter, followed by a run of zeros that flushes the filter tail, and the
// result is trimmed to round(len * dst / src) samples.
//
// Example usage:
//
//	out, err := resampler.Resample(samples, 44100, 22050)
//	if err != nil {
//	    log.Fatal(err)
//	}
package resampler
