package audio

import (
	"math"
	"time"
)

// Level is a speech-activity snapshot for one speaker, derived from a single
// chunk. RMS and Peak are normalized to [0, 1].
type Level struct {
	UserID     string
	RMS        float64
	Peak       float64
	IsSpeaking bool
	Timestamp  time.Time
}

// ComputeLevel derives RMS energy, peak amplitude and a speaking flag from
// little-endian PCM16 data. The speaking flag is a fixed threshold on the
// normalized RMS.
func ComputeLevel(userID string, data []byte, threshold float64, ts time.Time) Level {
	n := len(data) / 2
	if n == 0 {
		return Level{UserID: userID, Timestamp: ts}
	}

	var sumSquares float64
	var peak float64
	for i := 0; i < n; i++ {
		s := float64(int16(data[i*2]) | int16(data[i*2+1])<<8)
		sumSquares += s * s
		if a := math.Abs(s); a > peak {
			peak = a
		}
	}

	rms := math.Sqrt(sumSquares/float64(n)) / 32768.0
	peak = peak / 32768.0

	return Level{
		UserID:     userID,
		RMS:        rms,
		Peak:       peak,
		IsSpeaking: rms >= threshold,
		Timestamp:  ts,
	}
}
