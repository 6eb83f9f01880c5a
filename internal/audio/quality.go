package audio

// Tier is a discrete audio encoding profile selected from the rolling
// network-quality score.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
	TierExcellent
)

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierLow:
		return "low"
	case TierMedium:
		return "medium"
	case TierHigh:
		return "high"
	case TierExcellent:
		return "excellent"
	default:
		return "unknown"
	}
}

// SampleRate returns the target sample rate for the tier.
func (t Tier) SampleRate() int {
	switch t {
	case TierLow:
		return 8000
	case TierMedium:
		return 16000
	case TierHigh:
		return 24000
	default:
		return 48000
	}
}

// Channels returns the target channel count for the tier. Only the top tier
// keeps stereo; everything below is downmixed to mono.
func (t Tier) Channels() int {
	if t == TierExcellent {
		return 2
	}
	return 1
}

// NetworkSample is one observation of a connection's network conditions.
type NetworkSample struct {
	BandwidthKbps float64
	LatencyMs     float64
	LossRate      float64 // fraction in [0, 1]
	JitterMs      float64
}

// Scorer maps a network sample to a quality score in [0, 1]. The default is
// a fixed-weight blend; production deployments can substitute a calibrated
// strategy without touching the pipeline.
type Scorer interface {
	Score(s NetworkSample) float64
}

// WeightedScorer is the default Scorer: bandwidth and latency dominate, loss
// and jitter cover the rest.
type WeightedScorer struct{}

// Score implements Scorer.
func (WeightedScorer) Score(s NetworkSample) float64 {
	bandwidth := clamp01(s.BandwidthKbps / 256.0)
	latency := 1 - clamp01(s.LatencyMs/300.0)
	loss := 1 - clamp01(s.LossRate*10.0)
	jitter := 1 - clamp01(s.JitterMs/50.0)

	return 0.3*bandwidth + 0.3*latency + 0.25*loss + 0.15*jitter
}

// TierForScore maps a quality score to a tier. The mapping is monotone and
// reconsidered on every update; there is no hysteresis.
func TierForScore(score float64) Tier {
	switch {
	case score > 0.8:
		return TierExcellent
	case score > 0.6:
		return TierHigh
	case score > 0.4:
		return TierMedium
	default:
		return TierLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
