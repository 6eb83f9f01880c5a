package audio

import (
	"log/slog"
	"sync"
	"time"

	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/metrics"
)

// PipelineConfig contains ingest parameters for one session pipeline.
// Metrics may be nil when none are collected.
type PipelineConfig struct {
	MaxChunkBytes     int
	LatencyWindow     time.Duration
	MaxBufferedChunks int
	SpeakingThreshold float64
	LevelInterval     time.Duration
	Metrics           *metrics.Metrics
}

// PipelineStats reports ingest counters for monitoring.
type PipelineStats struct {
	ChunksIngested uint64    `json:"chunks_ingested"`
	ChunksRejected uint64    `json:"chunks_rejected"`
	BytesIngested  uint64    `json:"bytes_ingested"`
	QualityScore   float64   `json:"quality_score"`
	Tier           string    `json:"tier"`
	Ring           RingStats `json:"ring"`
}

// Pipeline is the per-session audio ingest pipeline. It validates chunks,
// adapts them to the session's current quality tier, computes levels and
// feeds the latency-bounded ring buffer.
type Pipeline struct {
	sessionID string
	cfg       PipelineConfig
	logger    *slog.Logger
	ring      *RingBuffer
	scorer    Scorer

	mu        sync.Mutex
	score     float64
	tier      Tier
	lastLevel map[string]time.Time

	chunksIngested uint64
	chunksRejected uint64
	bytesIngested  uint64
}

// NewPipeline creates an ingest pipeline for one session. The quality score
// starts at 1.0 (top tier) until network samples say otherwise.
func NewPipeline(sessionID string, cfg PipelineConfig, scorer Scorer, logger *slog.Logger) *Pipeline {
	if scorer == nil {
		scorer = WeightedScorer{}
	}
	return &Pipeline{
		sessionID: sessionID,
		cfg:       cfg,
		logger:    logger,
		ring:      NewRingBuffer(cfg.LatencyWindow, cfg.MaxBufferedChunks),
		scorer:    scorer,
		score:     1.0,
		tier:      TierExcellent,
		lastLevel: make(map[string]time.Time),
	}
}

// Ingest validates, adapts and buffers one chunk, returning the speaker's
// level snapshot. A ValidationError means the chunk was dropped and counted;
// the session is otherwise untouched.
func (p *Pipeline) Ingest(c *Chunk) (Level, error) {
	if err := p.validate(c); err != nil {
		p.mu.Lock()
		p.chunksRejected++
		p.mu.Unlock()
		return Level{}, err
	}

	p.mu.Lock()
	tier := p.tier
	p.mu.Unlock()

	if err := adaptChunk(c, tier); err != nil {
		p.mu.Lock()
		p.chunksRejected++
		p.mu.Unlock()
		p.logger.Warn("chunk adaptation failed",
			slog.String("session_id", p.sessionID),
			slog.String("user_id", c.UserID),
			slog.String("error", err.Error()),
		)
		return Level{}, &errs.ValidationError{Field: "data", Reason: "undecodable audio"}
	}

	level := ComputeLevel(c.UserID, c.Data, p.cfg.SpeakingThreshold, c.Timestamp)
	if evicted := p.ring.Append(c); evicted > 0 && p.cfg.Metrics != nil {
		p.cfg.Metrics.RingEvictions.Add(float64(evicted))
	}

	p.mu.Lock()
	p.chunksIngested++
	p.bytesIngested += uint64(len(c.Data))
	p.mu.Unlock()

	return level, nil
}

func (p *Pipeline) validate(c *Chunk) error {
	if len(c.Data) == 0 {
		return &errs.ValidationError{Field: "data", Reason: "empty audio payload"}
	}
	if len(c.Data) > p.cfg.MaxChunkBytes {
		return &errs.ValidationError{Field: "data", Reason: "audio payload exceeds size limit"}
	}
	if len(c.Data)%2 != 0 {
		return &errs.ValidationError{Field: "data", Reason: "PCM16 payload length must be even"}
	}
	if c.SampleRate <= 0 {
		return &errs.ValidationError{Field: "sample_rate", Reason: "must be positive"}
	}
	if c.Channels < 1 || c.Channels > 2 {
		return &errs.ValidationError{Field: "channels", Reason: "must be 1 or 2"}
	}
	return nil
}

// ObserveNetwork folds one network sample into the rolling quality score and
// reconsiders the tier. Returns the tier now in effect.
func (p *Pipeline) ObserveNetwork(s NetworkSample) Tier {
	sample := p.scorer.Score(s)

	p.mu.Lock()
	defer p.mu.Unlock()

	// Exponential smoothing; recent samples dominate.
	p.score = 0.3*sample + 0.7*p.score
	p.tier = TierForScore(p.score)
	return p.tier
}

// Tier returns the quality tier currently in effect.
func (p *Pipeline) Tier() Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tier
}

// ShouldEmitLevel reports whether a level snapshot for the speaker is due,
// stamping the emit time when it is. Snapshots are rate-limited per speaker.
func (p *Pipeline) ShouldEmitLevel(userID string, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.lastLevel[userID]; ok && now.Sub(last) < p.cfg.LevelInterval {
		return false
	}
	p.lastLevel[userID] = now
	return true
}

// Ring exposes the session's ring buffer.
func (p *Pipeline) Ring() *RingBuffer {
	return p.ring
}

// Stats returns current pipeline counters.
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PipelineStats{
		ChunksIngested: p.chunksIngested,
		ChunksRejected: p.chunksRejected,
		BytesIngested:  p.bytesIngested,
		QualityScore:   p.score,
		Tier:           p.tier.String(),
		Ring:           p.ring.Stats(),
	}
}

// Close drops buffered audio. Called when the session ends.
func (p *Pipeline) Close() {
	p.ring.Clear()
}
