package audio

import (
	"time"
)

// Chunk is one ephemeral PCM16 audio chunk. Chunks live only in the ring
// buffer until evicted or flushed for transcription.
type Chunk struct {
	ID         string
	SessionID  string
	UserID     string
	Data       []byte // little-endian PCM16
	SampleRate int
	Channels   int
	Timestamp  time.Time
}

// Samples returns the number of per-channel sample frames in the chunk.
func (c *Chunk) Samples() int {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	return len(c.Data) / 2 / c.Channels
}

// Duration returns the playback duration of the chunk.
func (c *Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(float64(c.Samples()) / float64(c.SampleRate) * float64(time.Second))
}
