package audio

import (
	"bytes"
	"fmt"

	"github.com/zaf/resample"
)

// adaptChunk converts a chunk in place to the target tier's profile:
// stereo is downmixed to mono when the tier calls for it, and the sample
// rate is downconverted when it exceeds the tier's target. Upconversion is
// never performed; audio below the tier target passes through untouched.
func adaptChunk(c *Chunk, tier Tier) error {
	if c.Channels == 2 && tier.Channels() == 1 {
		c.Data = downmixStereo(c.Data)
		c.Channels = 1
	}

	target := tier.SampleRate()
	if c.SampleRate <= target {
		return nil
	}

	out, err := resamplePCM(c.Data, c.SampleRate, target, c.Channels)
	if err != nil {
		return fmt.Errorf("resample %d -> %d Hz: %w", c.SampleRate, target, err)
	}
	c.Data = out
	c.SampleRate = target
	return nil
}

// resamplePCM converts little-endian PCM16 between sample rates. A fresh
// resampler per chunk trades a little CPU for clean chunk boundaries.
func resamplePCM(data []byte, srcRate, dstRate, channels int) ([]byte, error) {
	var buf bytes.Buffer
	r, err := resample.New(&buf, float64(srcRate), float64(dstRate), channels, resample.I16, resample.MediumQ)
	if err != nil {
		return nil, err
	}
	if _, err := r.Write(data); err != nil {
		r.Close()
		return nil, err
	}
	if err := r.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// downmixStereo averages interleaved stereo PCM16 frames into mono.
func downmixStereo(data []byte) []byte {
	frames := len(data) / 4
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		left := int16(data[i*4]) | int16(data[i*4+1])<<8
		right := int16(data[i*4+2]) | int16(data[i*4+3])<<8
		mixed := int16((int32(left) + int32(right)) / 2)
		out[i*2] = byte(mixed)
		out[i*2+1] = byte(uint16(mixed) >> 8)
	}
	return out
}
