// Package wavfile decodes RIFF/WAVE files into normalized float32 samples.
//
// Integer PCM at 8, 16, 24 and 32 bits and IEEE float at 32 and 64 bits are
// supported, in plain or WAVE_FORMAT_EXTENSIBLE layout. Integer samples are
// scaled to the range [-1, 1); float samples are passed through. Multi-channel data is kept interleaved; use Mono to
// downmix.
package wavfile

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/go-audio/wav"
)

// Sentinel errors.
var (
	// ErrInvalidFile is returned when the input is not a RIFF/WAVE stream.
	ErrInvalidFile = errors.New("wavfile: not a valid wav file")

	// ErrUnsupportedFormat is returned for compressed encodings (ADPCM,
	// mu-law, ...) and unusual bit depths.
	ErrUnsupportedFormat = errors.New("wavfile: unsupported encoding")
)

// Format tags from the fmt chunk.
const (
	wavFormatPCM        = 0x0001
	wavFormatFloat      = 0x0003
	wavFormatExtensible = 0xFFFE
)

// guidSuffix is the fixed tail shared by the KSDATAFORMAT_SUBTYPE GUIDs. The
// first four bytes of the GUID carry the plain format tag.
var guidSuffix = [12]byte{0x00, 0x00, 0x10, 0x00, 0x80, 0x00, 0x00, 0xaa, 0x00, 0x38, 0x9b, 0x71}

// Audio is a decoded WAV stream.
type Audio struct {
	// SampleRate is the sample rate in Hz.
	SampleRate int

	// Channels is the number of interleaved channels in Samples.
	Channels int

	// BitDepth is the bit depth of the source encoding.
	BitDepth int

	// Samples holds interleaved samples scaled to [-1, 1).
	Samples []float32
}

// Frames returns the number of sample frames (samples per channel).
func (a *Audio) Frames() int {
	if a.Channels == 0 {
		return 0
	}
	return len(a.Samples) / a.Channels
}

// Mono averages all channels into a single channel. For mono input the
// sample slice is returned as is.
func (a *Audio) Mono() []float32 {
	if a.Channels <= 1 {
		return a.Samples
	}
	frames := a.Frames()
	out := make([]float32, frames)
	inv := 1 / float32(a.Channels)
	for i := range frames {
		var sum float32
		base := i * a.Channels
		for c := 0; c < a.Channels; c++ {
			sum += a.Samples[base+c]
		}
		out[i] = sum * inv
	}
	return out
}

// ReadFile decodes the WAV file at path.
func ReadFile(path string) (*Audio, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a complete WAV stream from r.
func Decode(r io.ReadSeeker) (*Audio, error) {
	format, err := readFormat(r)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wavfile: rewind: %w", err)
	}

	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidFile
	}
	channels, depth := int(d.NumChans), int(d.BitDepth)

	var samples []float32
	switch format {
	case wavFormatPCM:
		samples, err = decodeInt(d, depth)
	case wavFormatFloat:
		samples, err = decodeFloat(d, depth)
	default:
		return nil, fmt.Errorf("%w: format tag %#x", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}
	return &Audio{
		SampleRate: int(d.SampleRate),
		Channels:   channels,
		BitDepth:   depth,
		Samples:    samples,
	}, nil
}

func decodeInt(d *wav.Decoder, depth int) ([]float32, error) {
	scale, offset, err := sampleScale(depth)
	if err != nil {
		return nil, err
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode: %w", err)
	}
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = float32(float64(v-offset) * scale)
	}
	return samples, nil
}

func decodeFloat(d *wav.Decoder, depth int) ([]float32, error) {
	if depth != 32 && depth != 64 {
		return nil, fmt.Errorf("%w: %d-bit float samples", ErrUnsupportedFormat, depth)
	}
	if err := d.FwdToPCM(); err != nil {
		return nil, fmt.Errorf("wavfile: decode: %w", err)
	}
	if d.PCMChunk == nil {
		return nil, fmt.Errorf("%w: no data chunk", ErrInvalidFile)
	}
	raw, err := io.ReadAll(d.PCMChunk)
	if err != nil {
		return nil, fmt.Errorf("wavfile: decode: %w", err)
	}
	width := depth / 8
	samples := make([]float32, len(raw)/width)
	for i := range samples {
		b := raw[i*width:]
		if width == 4 {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b))
		} else {
			samples[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b)))
		}
	}
	return samples, nil
}

// readFormat scans the RIFF chunks for "fmt " and returns the effective
// format tag. WAVE_FORMAT_EXTENSIBLE is resolved through its sub-format GUID.
func readFormat(r io.Reader) (uint16, error) {
	var hdr [12]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, ErrInvalidFile
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return 0, ErrInvalidFile
	}
	for {
		var ch [8]byte
		if _, err := io.ReadFull(r, ch[:]); err != nil {
			return 0, fmt.Errorf("%w: missing fmt chunk", ErrInvalidFile)
		}
		size := int64(binary.LittleEndian.Uint32(ch[4:8]))
		if string(ch[0:4]) != "fmt " {
			if _, err := io.CopyN(io.Discard, r, size+size%2); err != nil {
				return 0, fmt.Errorf("%w: missing fmt chunk", ErrInvalidFile)
			}
			continue
		}
		if size < 16 {
			return 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidFile)
		}
		body := make([]byte, size)
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, fmt.Errorf("%w: short fmt chunk", ErrInvalidFile)
		}
		tag := binary.LittleEndian.Uint16(body[0:2])
		if tag != wavFormatExtensible {
			return tag, nil
		}
		if size < 40 || !bytes.Equal(body[28:40], guidSuffix[:]) {
			return 0, fmt.Errorf("%w: unknown extensible sub-format", ErrUnsupportedFormat)
		}
		return binary.LittleEndian.Uint16(body[24:26]), nil
	}
}

// sampleScale returns the multiplier and zero offset that map integer
// samples of the given bit depth into [-1, 1). 8-bit WAV is unsigned.
func sampleScale(depth int) (scale float64, offset int, err error) {
	switch depth {
	case 8:
		return 1.0 / 128, 128, nil
	case 16, 24, 32:
		return 1.0 / float64(int64(1)<<(depth-1)), 0, nil
	}
	return 0, 0, fmt.Errorf("%w: %d-bit samples", ErrUnsupportedFormat, depth)
}
