package transcription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/voxmeet/voice-session-service/internal/audio"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeTranscriber scripts collaborator behavior per call.
type fakeTranscriber struct {
	mu      sync.Mutex
	calls   int
	failOn  map[int]bool // 1-based call numbers that fail
	results []*Result    // cycled when shorter than the call count
}

func (f *fakeTranscriber) Transcribe(_ context.Context, pcm []byte, _ int) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn[f.calls] {
		return nil, errors.New("model unavailable")
	}
	if len(f.results) > 0 {
		return f.results[(f.calls-1)%len(f.results)], nil
	}
	return &Result{
		Text:       fmt.Sprintf("transcript of %d bytes", len(pcm)),
		Confidence: 0.92,
		Language:   "en",
	}, nil
}

func (f *fakeTranscriber) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testPipeline(tr Transcriber, partials bool) *Pipeline {
	cfg := PipelineConfig{
		SessionID:           "session-1",
		FlushMin:            500 * time.Millisecond,
		FlushMax:            10 * time.Second,
		CollaboratorTimeout: time.Second,
	}
	if partials {
		cfg.PartialInterval = time.Millisecond
	}
	return NewPipeline(cfg, tr, nil, testLogger())
}

// tenMillis builds one 10 ms mono chunk at 8 kHz.
func tenMillis(userID string, seq int, base time.Time) *audio.Chunk {
	return &audio.Chunk{
		ID:         fmt.Sprintf("chunk-%d", seq),
		SessionID:  "session-1",
		UserID:     userID,
		Data:       make([]byte, 80*2),
		SampleRate: 8000,
		Channels:   1,
		Timestamp:  base.Add(time.Duration(seq) * 10 * time.Millisecond),
	}
}

func TestFlushAtMinimumDuration(t *testing.T) {
	tr := &fakeTranscriber{}
	p := testPipeline(tr, false)
	base := time.Now()

	// 40 chunks of 10 ms accumulate 0.4 s, below the flush threshold.
	var finals int
	for i := 0; i < 40; i++ {
		final, _, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed at %d: %v", i, err)
		}
		if final != nil {
			finals++
		}
	}

	if finals != 0 {
		t.Fatalf("expected no flush before 0.5s accumulated, got %d", finals)
	}

	// Chunks 40..49 bring the total to exactly 0.5 s.
	for i := 40; i < 50; i++ {
		final, _, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed at %d: %v", i, err)
		}
		if final != nil {
			finals++
			if !final.IsFinal {
				t.Error("flush result must be final")
			}
			if final.Duration != 0.5 {
				t.Errorf("expected 0.5s segment, got %fs", final.Duration)
			}
		}
	}

	if finals != 1 {
		t.Fatalf("expected exactly one flush, got %d", finals)
	}
	if tr.callCount() != 1 {
		t.Errorf("expected one collaborator call, got %d", tr.callCount())
	}

	// The buffer restarted empty: the next chunk alone must not flush.
	final, _, err := p.IngestChunk(context.Background(), tenMillis("u1", 50, base))
	if err != nil {
		t.Fatalf("IngestChunk failed: %v", err)
	}
	if final != nil {
		t.Error("buffer was not cleared after flush")
	}
}

func TestCollaboratorErrorClearsBuffer(t *testing.T) {
	tr := &fakeTranscriber{failOn: map[int]bool{1: true}}
	p := testPipeline(tr, false)
	base := time.Now()

	var flushErr error
	for i := 0; i < 50; i++ {
		_, _, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			flushErr = err
		}
	}
	if flushErr == nil {
		t.Fatal("expected the failing flush to surface an error")
	}

	if got := p.GetStats().ErrorCount; got != 1 {
		t.Errorf("expected error count 1, got %d", got)
	}

	// The failed buffer was discarded, not resubmitted: the next 0.5 s of
	// audio flushes successfully on its own.
	var final *Segment
	for i := 50; i < 100; i++ {
		f, _, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed at %d: %v", i, err)
		}
		if f != nil {
			final = f
		}
	}
	if final == nil {
		t.Fatal("expected a successful flush after the failed one")
	}
	if final.Duration != 0.5 {
		t.Errorf("expected the new flush to carry only fresh audio, got %fs", final.Duration)
	}
	if tr.callCount() != 2 {
		t.Errorf("expected two collaborator calls, got %d", tr.callCount())
	}
}

func TestAtMostOnePartialPerSpeaker(t *testing.T) {
	tr := &fakeTranscriber{}
	p := testPipeline(tr, true)
	base := time.Now()

	var last *Segment
	for i := 0; i < 10; i++ {
		_, partial, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed: %v", err)
		}
		if partial != nil {
			last = partial
			if partial.IsFinal {
				t.Error("partial must not be final")
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if last == nil {
		t.Fatal("expected at least one partial")
	}

	stored := p.Partial(last.SpeakerID)
	if stored == nil {
		t.Fatal("expected an outstanding partial for the speaker")
	}
	if stored.ID != last.ID {
		t.Error("an older partial survived; each partial must overwrite the last")
	}
}

func TestFinalSupersedesPartial(t *testing.T) {
	tr := &fakeTranscriber{}
	p := testPipeline(tr, true)
	base := time.Now()

	var speaker SpeakerID
	for i := 0; i < 50; i++ {
		final, partial, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed: %v", err)
		}
		if partial != nil {
			speaker = partial.SpeakerID
		}
		if final != nil {
			if p.Partial(final.SpeakerID) != nil {
				t.Error("final segment did not clear the speaker's partial")
			}
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no final produced for speaker %s", speaker)
}

func TestPartialConfidenceReduced(t *testing.T) {
	tr := &fakeTranscriber{results: []*Result{{Text: "hello", Confidence: 1.0, Language: "en"}}}
	p := testPipeline(tr, true)

	_, partial, err := p.IngestChunk(context.Background(), tenMillis("u1", 0, time.Now()))
	if err != nil {
		t.Fatalf("IngestChunk failed: %v", err)
	}
	if partial == nil {
		t.Fatal("expected a partial")
	}
	if partial.Confidence >= 1.0 {
		t.Errorf("partial confidence must be reduced, got %f", partial.Confidence)
	}
}

func TestSegmentsCarrySpeakerConfidence(t *testing.T) {
	tr := &fakeTranscriber{}
	p := testPipeline(tr, true)
	base := time.Now()

	var sawFinal, sawPartial bool
	for i := 0; i < 60; i++ {
		final, partial, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed: %v", err)
		}
		if partial != nil {
			sawPartial = true
			if partial.SpeakerConfidence <= 0 || partial.SpeakerConfidence > 1 {
				t.Errorf("partial speaker confidence out of range: %f", partial.SpeakerConfidence)
			}
		}
		if final != nil {
			sawFinal = true
			if final.SpeakerConfidence <= 0 || final.SpeakerConfidence > 1 {
				t.Errorf("final speaker confidence out of range: %f", final.SpeakerConfidence)
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	if !sawFinal || !sawPartial {
		t.Fatalf("expected both segment kinds, got final=%v partial=%v", sawFinal, sawPartial)
	}
}

func TestQualityForConfidence(t *testing.T) {
	cases := []struct {
		confidence float64
		want       Quality
	}{
		{0.95, QualityExcellent},
		{0.9, QualityExcellent},
		{0.85, QualityHigh},
		{0.8, QualityHigh},
		{0.7, QualityMedium},
		{0.6, QualityMedium},
		{0.5, QualityLow},
		{0.0, QualityLow},
	}
	for _, tc := range cases {
		if got := QualityForConfidence(tc.confidence); got != tc.want {
			t.Errorf("QualityForConfidence(%f): expected %s, got %s", tc.confidence, tc.want, got)
		}
	}
}

func TestStatsAccumulateAndReset(t *testing.T) {
	tr := &fakeTranscriber{results: []*Result{{Text: "hello", Confidence: 0.9, Language: "uk"}}}
	p := testPipeline(tr, false)
	base := time.Now()

	for i := 0; i < 50; i++ {
		if _, _, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base)); err != nil {
			t.Fatalf("IngestChunk failed: %v", err)
		}
	}

	stats := p.GetStats()
	if stats.TotalChunks != 50 {
		t.Errorf("expected 50 chunks counted, got %d", stats.TotalChunks)
	}
	if stats.TotalSegments != 1 {
		t.Fatalf("expected 1 segment, got %d", stats.TotalSegments)
	}
	if stats.AverageConfidence != 0.9 {
		t.Errorf("expected average confidence 0.9, got %f", stats.AverageConfidence)
	}
	if len(stats.LanguagesDetected) != 1 || stats.LanguagesDetected[0] != "uk" {
		t.Errorf("expected detected language uk, got %v", stats.LanguagesDetected)
	}
	if stats.QualityDistribution[QualityExcellent] != 1 {
		t.Errorf("expected one excellent segment, got %v", stats.QualityDistribution)
	}
	if stats.UniqueSpeakers != 1 {
		t.Errorf("expected 1 unique speaker, got %d", stats.UniqueSpeakers)
	}

	p.Stop()
	stats = p.GetStats()
	if stats.TotalSegments != 0 || stats.TotalChunks != 0 || stats.ErrorCount != 0 {
		t.Error("stats must be discarded when the pipeline stops")
	}
}

func TestStickyLanguage(t *testing.T) {
	tr := &fakeTranscriber{results: []*Result{
		{Text: "bonjour", Confidence: 0.9, Language: "fr"},
		{Text: "encore", Confidence: 0.9}, // no language detected this time
	}}
	p := testPipeline(tr, false)
	base := time.Now()

	var segments []*Segment
	for i := 0; i < 100; i++ {
		final, _, err := p.IngestChunk(context.Background(), tenMillis("u1", i, base))
		if err != nil {
			t.Fatalf("IngestChunk failed: %v", err)
		}
		if final != nil {
			segments = append(segments, final)
		}
	}
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if segments[1].Language != "fr" {
		t.Errorf("language must stick across segments, got %q", segments[1].Language)
	}
}

func TestProfileCacheStableSpeakers(t *testing.T) {
	cache := NewProfileCache()

	id1, conf := cache.Identify("s1", "alice", nil)
	if conf <= 0 || conf > 1 {
		t.Errorf("confidence out of range: %f", conf)
	}
	id2, _ := cache.Identify("s1", "bob", nil)
	if id1 == id2 {
		t.Error("distinct users must get distinct speaker ids")
	}

	again, _ := cache.Identify("s1", "alice", nil)
	if again != id1 {
		t.Error("speaker id must be stable within a session")
	}

	if n := cache.SpeakerCount("s1"); n != 2 {
		t.Errorf("expected 2 speakers, got %d", n)
	}

	cache.DropSession("s1")
	if n := cache.SpeakerCount("s1"); n != 0 {
		t.Errorf("expected 0 speakers after drop, got %d", n)
	}
}
