package wavfile

import (
	"fmt"
	"math"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteFile writes a as 16-bit PCM WAV to path.
func WriteFile(path string, a *Audio) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := wav.NewEncoder(f, a.SampleRate, 16, a.Channels, wavFormatPCM)

	data := make([]int, len(a.Samples))
	for i, s := range a.Samples {
		v := math.Round(float64(s) * 32768)
		data[i] = int(max(-32768, min(32767, v)))
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: a.Channels, SampleRate: a.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	return f.Close()
}
