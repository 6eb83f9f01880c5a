package transcription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voxmeet/voice-session-service/internal/audio"
	"github.com/voxmeet/voice-session-service/internal/errs"
)

// Quality labels a transcript segment by collaborator confidence.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityHigh      Quality = "high"
	QualityMedium    Quality = "medium"
	QualityLow       Quality = "low"
)

// QualityForConfidence maps a confidence score onto a quality label.
func QualityForConfidence(confidence float64) Quality {
	switch {
	case confidence >= 0.9:
		return QualityExcellent
	case confidence >= 0.8:
		return QualityHigh
	case confidence >= 0.6:
		return QualityMedium
	default:
		return QualityLow
	}
}

// Segment is one transcript unit, partial or final. Finals are committed
// and immutable; a partial is provisional and is replaced by the next
// partial or final for the same speaker.
type Segment struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	SpeakerID         SpeakerID `json:"speaker_id"`
	SpeakerConfidence float64   `json:"speaker_confidence"`
	UserID            string    `json:"user_id"`
	Text              string    `json:"text"`
	Confidence        float64   `json:"confidence"`
	Quality           Quality   `json:"quality"`
	Language          string    `json:"language,omitempty"`
	StartTime         time.Time `json:"start_time"`
	EndTime           time.Time `json:"end_time"`
	Duration          float64   `json:"duration"`
	IsFinal           bool      `json:"is_final"`
	Words             []Word    `json:"words,omitempty"`
}

// Stats aggregates transcription activity for one session. They are
// runtime counters only and are discarded when the pipeline stops.
type Stats struct {
	TotalChunks         uint64          `json:"total_chunks"`
	TotalSegments       uint64          `json:"total_segments"`
	TotalDuration       float64         `json:"total_duration_seconds"`
	AverageConfidence   float64         `json:"average_confidence"`
	UniqueSpeakers      int             `json:"unique_speakers"`
	LanguagesDetected   []string        `json:"languages_detected"`
	QualityDistribution map[Quality]int `json:"quality_distribution"`
	ErrorCount          uint64          `json:"error_count"`
}

// PipelineConfig contains settings for one session's transcription pipeline.
type PipelineConfig struct {
	SessionID string
	// FlushMin is the accumulated audio duration that triggers a flush.
	FlushMin time.Duration
	// FlushMax caps how much audio a single flush may carry.
	FlushMax time.Duration
	// PartialInterval limits how often a provisional transcript is
	// produced per speaker. Zero disables partials.
	PartialInterval time.Duration
	// CollaboratorTimeout bounds each transcription call.
	CollaboratorTimeout time.Duration
}

type bufferedAudio struct {
	chunks   []*audio.Chunk
	duration time.Duration
	started  time.Time
	speakers map[string]time.Duration // userID -> accumulated duration
}

func newBufferedAudio() *bufferedAudio {
	return &bufferedAudio{speakers: make(map[string]time.Duration)}
}

func (b *bufferedAudio) add(c *audio.Chunk) {
	if len(b.chunks) == 0 {
		b.started = c.Timestamp
	}
	b.chunks = append(b.chunks, c)
	d := c.Duration()
	b.duration += d
	b.speakers[c.UserID] += d
}

// dominant returns the user who contributed the most audio to the buffer.
func (b *bufferedAudio) dominant() string {
	var best string
	var bestDur time.Duration
	for userID, d := range b.speakers {
		if d > bestDur || best == "" {
			best = userID
			bestDur = d
		}
	}
	return best
}

// pcm concatenates buffered chunk payloads. Chunks share a sample rate
// because the audio pipeline adapts them to the session tier before they
// reach transcription.
func (b *bufferedAudio) pcm() ([]byte, int) {
	if len(b.chunks) == 0 {
		return nil, 0
	}
	total := 0
	for _, c := range b.chunks {
		total += len(c.Data)
	}
	out := make([]byte, 0, total)
	for _, c := range b.chunks {
		out = append(out, c.Data...)
	}
	return out, b.chunks[0].SampleRate
}

// Pipeline buffers audio for one session and turns it into transcript
// segments via the collaborator. At most one flush is in flight at a time,
// and buffered audio is claimed before the collaborator call so each chunk
// is submitted at most once.
type Pipeline struct {
	cfg         PipelineConfig
	transcriber Transcriber
	identifier  Identifier
	logger      *slog.Logger

	mu          sync.Mutex
	buffer      *bufferedAudio
	flushing    bool
	partials    map[SpeakerID]*Segment
	lastPartial map[SpeakerID]time.Time
	language    string
	stopped     bool

	statsMu      sync.Mutex
	stats        Stats
	confidenceTo float64 // running confidence total for the average
}

// NewPipeline creates a transcription pipeline for one session.
func NewPipeline(cfg PipelineConfig, transcriber Transcriber, identifier Identifier, logger *slog.Logger) *Pipeline {
	if cfg.FlushMin <= 0 {
		cfg.FlushMin = 500 * time.Millisecond
	}
	if cfg.FlushMax <= 0 {
		cfg.FlushMax = 10 * time.Second
	}
	if cfg.CollaboratorTimeout <= 0 {
		cfg.CollaboratorTimeout = 30 * time.Second
	}
	if identifier == nil {
		identifier = NewProfileCache()
	}
	return &Pipeline{
		cfg:         cfg,
		transcriber: transcriber,
		identifier:  identifier,
		logger:      logger.With("component", "transcription", "session_id", cfg.SessionID),
		buffer:      newBufferedAudio(),
		partials:    make(map[SpeakerID]*Segment),
		lastPartial: make(map[SpeakerID]time.Time),
		stats: Stats{
			QualityDistribution: make(map[Quality]int),
		},
	}
}

// IngestChunk buffers one chunk and may produce a committed final segment,
// a provisional partial for the chunk's speaker, both, or neither. The
// final, when produced, replaces any outstanding partial for its speaker.
func (p *Pipeline) IngestChunk(ctx context.Context, c *audio.Chunk) (final *Segment, partial *Segment, err error) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("transcription pipeline stopped")
	}
	p.buffer.add(c)

	p.statsMu.Lock()
	p.stats.TotalChunks++
	p.statsMu.Unlock()

	// Claim the buffer before calling out so a failed collaborator call
	// cannot cause the same audio to be submitted twice.
	var claimed *bufferedAudio
	if !p.flushing && p.buffer.duration >= p.cfg.FlushMin {
		claimed = p.claimBufferLocked()
	}
	p.mu.Unlock()

	if claimed != nil {
		final, err = p.transcribeBuffer(ctx, claimed)
	}

	if final == nil && err == nil {
		partial = p.maybePartial(ctx, c)
	}
	return final, partial, err
}

// Flush forces transcription of whatever is buffered, regardless of the
// minimum duration. Used at session pause and end.
func (p *Pipeline) Flush(ctx context.Context) (*Segment, error) {
	p.mu.Lock()
	var claimed *bufferedAudio
	if !p.flushing && len(p.buffer.chunks) > 0 {
		claimed = p.claimBufferLocked()
	}
	p.mu.Unlock()

	if claimed == nil {
		return nil, nil
	}
	return p.transcribeBuffer(ctx, claimed)
}

// claimBufferLocked swaps out the accumulated buffer and marks a flush in
// flight. Caller must hold p.mu.
func (p *Pipeline) claimBufferLocked() *bufferedAudio {
	claimed := p.buffer
	if claimed.duration > p.cfg.FlushMax {
		// Oversized buffers are submitted whole anyway; the cap is
		// enforced upstream by the ring buffer's latency window.
		p.logger.Warn("flush exceeds configured maximum",
			"buffered", claimed.duration,
			"max", p.cfg.FlushMax)
	}
	p.buffer = newBufferedAudio()
	p.flushing = true
	return claimed
}

func (p *Pipeline) transcribeBuffer(ctx context.Context, buf *bufferedAudio) (*Segment, error) {
	defer func() {
		p.mu.Lock()
		p.flushing = false
		p.mu.Unlock()
	}()

	pcm, sampleRate := buf.pcm()
	if len(pcm) == 0 {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
	defer cancel()

	result, err := p.transcriber.Transcribe(callCtx, pcm, sampleRate)
	if err != nil {
		p.recordError()
		p.logger.Error("transcription request failed",
			"error", err,
			"duration", buf.duration)
		return nil, &errs.CollaboratorError{Collaborator: "transcription", Err: err}
	}
	if result.Text == "" {
		return nil, nil
	}

	userID := buf.dominant()
	speakerID, speakerConfidence := p.identifier.Identify(p.cfg.SessionID, userID, pcm)

	p.mu.Lock()
	if result.Language != "" {
		p.language = result.Language
	}
	language := p.language
	delete(p.partials, speakerID)
	p.mu.Unlock()

	seg := &Segment{
		ID:                uuid.New().String(),
		SessionID:         p.cfg.SessionID,
		SpeakerID:         speakerID,
		SpeakerConfidence: speakerConfidence,
		UserID:            userID,
		Text:              result.Text,
		Confidence:        result.Confidence,
		Quality:           QualityForConfidence(result.Confidence),
		Language:          language,
		StartTime:         buf.started,
		EndTime:           buf.started.Add(buf.duration),
		Duration:          buf.duration.Seconds(),
		IsFinal:           true,
		Words:             result.Words,
	}
	p.recordSegment(seg)

	p.logger.Debug("final segment committed",
		"speaker_id", seg.SpeakerID,
		"duration", buf.duration,
		"confidence", seg.Confidence)
	return seg, nil
}

// maybePartial produces a provisional transcript from just the latest
// chunk. Partial failures are skipped silently; the audio is still in the
// accumulation buffer and will be covered by the next final.
func (p *Pipeline) maybePartial(ctx context.Context, c *audio.Chunk) *Segment {
	if p.cfg.PartialInterval <= 0 {
		return nil
	}

	speakerID, speakerConfidence := p.identifier.Identify(p.cfg.SessionID, c.UserID, c.Data)

	p.mu.Lock()
	now := time.Now()
	if last, ok := p.lastPartial[speakerID]; ok && now.Sub(last) < p.cfg.PartialInterval {
		p.mu.Unlock()
		return nil
	}
	p.lastPartial[speakerID] = now
	p.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.CollaboratorTimeout)
	defer cancel()

	result, err := p.transcriber.Transcribe(callCtx, c.Data, c.SampleRate)
	if err != nil || result.Text == "" {
		return nil
	}

	// Single-chunk context makes partials less reliable than finals.
	confidence := result.Confidence * 0.8

	seg := &Segment{
		ID:                uuid.New().String(),
		SessionID:         p.cfg.SessionID,
		SpeakerID:         speakerID,
		SpeakerConfidence: speakerConfidence,
		UserID:            c.UserID,
		Text:              result.Text,
		Confidence:        confidence,
		Quality:           QualityForConfidence(confidence),
		StartTime:         c.Timestamp,
		EndTime:           c.Timestamp.Add(c.Duration()),
		Duration:          c.Duration().Seconds(),
		IsFinal:           false,
	}

	p.mu.Lock()
	p.partials[speakerID] = seg
	p.mu.Unlock()
	return seg
}

// Partial returns the outstanding provisional segment for a speaker, nil
// when none is pending.
func (p *Pipeline) Partial(speakerID SpeakerID) *Segment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.partials[speakerID]
}

func (p *Pipeline) recordSegment(seg *Segment) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	p.stats.TotalSegments++
	p.stats.TotalDuration += seg.Duration
	p.confidenceTo += seg.Confidence
	p.stats.AverageConfidence = p.confidenceTo / float64(p.stats.TotalSegments)
	p.stats.QualityDistribution[seg.Quality]++

	if seg.Language != "" {
		found := false
		for _, l := range p.stats.LanguagesDetected {
			if l == seg.Language {
				found = true
				break
			}
		}
		if !found {
			p.stats.LanguagesDetected = append(p.stats.LanguagesDetected, seg.Language)
		}
	}
}

func (p *Pipeline) recordError() {
	p.statsMu.Lock()
	p.stats.ErrorCount++
	p.statsMu.Unlock()
}

// GetStats returns a snapshot of the pipeline's counters.
func (p *Pipeline) GetStats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	snapshot := p.stats
	snapshot.QualityDistribution = make(map[Quality]int, len(p.stats.QualityDistribution))
	for q, n := range p.stats.QualityDistribution {
		snapshot.QualityDistribution[q] = n
	}
	snapshot.LanguagesDetected = append([]string(nil), p.stats.LanguagesDetected...)

	if cache, ok := p.identifier.(*ProfileCache); ok {
		snapshot.UniqueSpeakers = cache.SpeakerCount(p.cfg.SessionID)
	}
	return snapshot
}

// Stop discards buffered audio, pending partials and runtime counters.
// Callers that want the tail transcribed must Flush first.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	p.stopped = true
	p.buffer = newBufferedAudio()
	p.partials = make(map[SpeakerID]*Segment)
	p.lastPartial = make(map[SpeakerID]time.Time)
	p.mu.Unlock()

	p.statsMu.Lock()
	p.stats = Stats{QualityDistribution: make(map[Quality]int)}
	p.confidenceTo = 0
	p.statsMu.Unlock()

	if cache, ok := p.identifier.(*ProfileCache); ok {
		cache.DropSession(p.cfg.SessionID)
	}
}
