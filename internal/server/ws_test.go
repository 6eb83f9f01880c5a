package server

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/voxmeet/voice-session-service/internal/audio"
	"github.com/voxmeet/voice-session-service/internal/auth"
	"github.com/voxmeet/voice-session-service/internal/broadcast"
	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/connection"
	"github.com/voxmeet/voice-session-service/internal/metrics"
	"github.com/voxmeet/voice-session-service/internal/persistence"
	"github.com/voxmeet/voice-session-service/internal/protocol"
	"github.com/voxmeet/voice-session-service/internal/session"
	"github.com/voxmeet/voice-session-service/internal/transcription"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingTransport captures everything sent to one connection.
type recordingTransport struct {
	mu   sync.Mutex
	sent [][]byte
}

func (t *recordingTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, data)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func (t *recordingTransport) messages(tb testing.TB) []map[string]interface{} {
	tb.Helper()
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(t.sent))
	for _, data := range t.sent {
		var m map[string]interface{}
		if err := json.Unmarshal(data, &m); err != nil {
			tb.Fatalf("sent payload is not valid JSON: %v", err)
		}
		out = append(out, m)
	}
	return out
}

var testMetricsOnce = sync.OnceValue(metrics.NewMetrics)

// testHandler stands up the full dispatch stack with one connection in s1.
func testHandler(t *testing.T) (*WSHandler, *connection.Conn, *recordingTransport) {
	t.Helper()
	cfg := config.Default()
	logger := testLogger()
	registry := connection.NewRegistry(cfg.Connection, nil, logger)
	sessions := session.NewManager(cfg.Audio, cfg.Transcription, cfg.Session,
		transcription.Disabled{}, persistence.NewMemoryStore(), nil, logger)
	router := broadcast.NewRouter(registry, logger)
	verifier := auth.NewStaticVerifier(map[string]string{"tok": "alice"})
	h := NewWSHandler(cfg, verifier, registry, sessions, router, testMetricsOnce(), logger)

	tr := &recordingTransport{}
	conn, err := registry.Register("c1", "alice", "Alice", tr)
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	join, err := protocol.Parse([]byte(`{"type":"join_session","session_id":"s1","display_name":"Alice"}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	h.dispatch(conn, join)
	return h, conn, tr
}

func dispatchRaw(t *testing.T, h *WSHandler, conn *connection.Conn, raw string) {
	t.Helper()
	msg, err := protocol.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	h.dispatch(conn, msg)
}

func TestDispatchNetworkStatsAdjustsTier(t *testing.T) {
	h, conn, _ := testHandler(t)

	s := h.sessions.Get("s1")
	if s.AudioPipeline().Tier() != audio.TierExcellent {
		t.Fatalf("expected initial tier excellent, got %s", s.AudioPipeline().Tier())
	}

	// Sustained bad link reports, fed through the wire path, drop the tier.
	for i := 0; i < 10; i++ {
		dispatchRaw(t, h, conn,
			`{"type":"network_stats","session_id":"s1","bandwidth_kbps":8,"latency_ms":500,"packet_loss":0.3,"jitter_ms":80}`)
	}
	if got := s.AudioPipeline().Tier(); got != audio.TierLow {
		t.Errorf("expected tier low after bad network reports, got %s", got)
	}
}

func TestDispatchNetworkStatsUnknownSession(t *testing.T) {
	h, conn, tr := testHandler(t)

	dispatchRaw(t, h, conn,
		`{"type":"network_stats","session_id":"nope","latency_ms":40}`)

	msgs := tr.messages(t)
	last := msgs[len(msgs)-1]
	if last["type"] != string(protocol.TypeError) {
		t.Errorf("expected error echo for unknown session, got %v", last["type"])
	}
}

func TestDispatchMutedAudioWarnsSender(t *testing.T) {
	h, conn, tr := testHandler(t)

	dispatchRaw(t, h, conn, `{"type":"session_control","session_id":"s1","action":"start"}`)
	dispatchRaw(t, h, conn, `{"type":"participant_state_update","session_id":"s1","user_id":"alice","is_muted":true}`)

	dispatchRaw(t, h, conn,
		`{"type":"audio_data","session_id":"s1","data":"AAAAAAAAAAAA","sample_rate":8000,"channels":1}`)

	var warned bool
	for _, m := range tr.messages(t) {
		if m["type"] == string(protocol.TypeWarning) {
			warned = true
		}
	}
	if !warned {
		t.Error("expected a warning echo when muted audio is dropped")
	}
}
