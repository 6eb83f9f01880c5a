package connection

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voxmeet/voice-session-service/internal/config"
	"github.com/voxmeet/voice-session-service/internal/errs"
	"github.com/voxmeet/voice-session-service/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testRegistryConfig() config.ConnectionConfig {
	return config.ConnectionConfig{
		MaxPerUser:       3,
		MaxPerSession:    5,
		HeartbeatTimeout: 3600,
		SweepInterval:    3600,
		SendQueueSize:    16,
	}
}

// fakeTransport records sends and can be scripted to fail.
type fakeTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	failSend bool
	closed   int
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.failSend {
		return errors.New("transport broken")
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) sentCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sent)
}

func (t *fakeTransport) closeCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func register(t *testing.T, r *Registry, id, userID string) (*Conn, *fakeTransport) {
	t.Helper()
	tr := &fakeTransport{}
	conn, err := r.Register(id, userID, userID, tr)
	if err != nil {
		t.Fatalf("Register(%s) failed: %v", id, err)
	}
	return conn, tr
}

func TestPerUserCap(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())

	for i := 0; i < 3; i++ {
		register(t, r, fmt.Sprintf("c%d", i), "alice")
	}

	_, err := r.Register("c3", "alice", "alice", &fakeTransport{})
	if !errs.IsRateLimit(err) {
		t.Fatalf("expected RateLimitError for the 4th connection, got %v", err)
	}

	// Existing connections are untouched by the rejection.
	if got := r.UserConnCount("alice"); got != 3 {
		t.Errorf("expected 3 active connections, got %d", got)
	}

	// Other users still have room.
	if _, err := r.Register("c4", "bob", "bob", &fakeTransport{}); err != nil {
		t.Errorf("other user rejected: %v", err)
	}
}

func TestPerSessionCap(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())

	for i := 0; i < 5; i++ {
		register(t, r, fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i))
		if err := r.BindSession(fmt.Sprintf("c%d", i), "s1"); err != nil {
			t.Fatalf("BindSession failed: %v", err)
		}
	}

	register(t, r, "c5", "u5")
	if err := r.BindSession("c5", "s1"); !errs.IsRateLimit(err) {
		t.Fatalf("expected RateLimitError at the session cap, got %v", err)
	}

	// The connection itself survives and can join another session.
	if err := r.BindSession("c5", "s2"); err != nil {
		t.Errorf("bind to another session failed: %v", err)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())
	_, tr := register(t, r, "c1", "alice")
	if err := r.BindSession("c1", "s1"); err != nil {
		t.Fatalf("BindSession failed: %v", err)
	}

	r.Disconnect("c1")
	statsAfterFirst := r.GetStats()

	r.Disconnect("c1")
	statsAfterSecond := r.GetStats()

	if statsAfterFirst != statsAfterSecond {
		t.Error("second disconnect changed observable state")
	}
	if tr.closeCount() != 1 {
		t.Errorf("expected transport closed once, got %d", tr.closeCount())
	}
	if r.Get("c1") != nil {
		t.Error("connection still resolvable after disconnect")
	}
	if got := len(r.SessionConns("s1")); got != 0 {
		t.Errorf("session index not cleaned, %d conns remain", got)
	}
}

func TestDisconnectHookFires(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())

	var mu sync.Mutex
	var gotSession string
	var fired int
	r.OnDisconnect(func(conn *Conn, sessionID string) {
		mu.Lock()
		defer mu.Unlock()
		fired++
		gotSession = sessionID
	})

	register(t, r, "c1", "alice")
	if err := r.BindSession("c1", "s1"); err != nil {
		t.Fatalf("BindSession failed: %v", err)
	}
	r.Disconnect("c1")
	r.Disconnect("c1")

	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Errorf("expected hook to fire once, got %d", fired)
	}
	if gotSession != "s1" {
		t.Errorf("expected hook to see session s1, got %q", gotSession)
	}
}

func TestSendFailureDisconnects(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())
	_, tr := register(t, r, "c1", "alice")
	tr.failSend = true

	if err := r.Send("c1", []byte("hello")); err == nil {
		t.Fatal("expected send error")
	}
	if r.Get("c1") != nil {
		t.Error("failed connection must be disconnected")
	}
	if got := r.GetStats().SendFailures; got != 1 {
		t.Errorf("expected 1 send failure, got %d", got)
	}
}

func TestBroadcastExcludesAndSurvivesFailures(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())

	transports := make(map[string]*fakeTransport)
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("c%d", i)
		_, tr := register(t, r, id, fmt.Sprintf("u%d", i))
		if err := r.BindSession(id, "s1"); err != nil {
			t.Fatalf("BindSession failed: %v", err)
		}
		transports[id] = tr
	}
	transports["c2"].failSend = true

	delivered := r.Broadcast("s1", []byte("msg"), "c0")

	if delivered != 2 {
		t.Errorf("expected 2 deliveries (one excluded, one failed), got %d", delivered)
	}
	if transports["c0"].sentCount() != 0 {
		t.Error("excluded connection received the broadcast")
	}
	if transports["c1"].sentCount() != 1 || transports["c3"].sentCount() != 1 {
		t.Error("healthy connections missed the broadcast")
	}
	if r.Get("c2") != nil {
		t.Error("failed receiver must be disconnected")
	}
	if r.Get("c1") == nil || r.Get("c3") == nil {
		t.Error("one receiver's failure disturbed another connection")
	}
}

func TestBindSessionRules(t *testing.T) {
	r := NewRegistry(testRegistryConfig(), nil, testLogger())
	register(t, r, "c1", "alice")

	if err := r.BindSession("c1", "s1"); err != nil {
		t.Fatalf("BindSession failed: %v", err)
	}
	// Rebinding to the same session is a no-op.
	if err := r.BindSession("c1", "s1"); err != nil {
		t.Errorf("rebind to same session should succeed: %v", err)
	}
	// A second session requires leaving first.
	if err := r.BindSession("c1", "s2"); !errs.IsValidation(err) {
		t.Errorf("expected ValidationError for cross-session bind, got %v", err)
	}

	r.UnbindSession("c1")
	if err := r.BindSession("c1", "s2"); err != nil {
		t.Errorf("bind after unbind failed: %v", err)
	}
}

func TestSweepRemovesStaleConnections(t *testing.T) {
	cfg := testRegistryConfig()
	cfg.HeartbeatTimeout = 0.05 // 50 ms
	r := NewRegistry(cfg, nil, testLogger())

	conn, _ := register(t, r, "c1", "alice")
	register(t, r, "c2", "bob")

	// Backdate c1's heartbeat past the timeout; keep c2 fresh.
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-time.Second)
	conn.mu.Unlock()
	r.Touch("c2")

	r.sweepStale()

	if r.Get("c1") != nil {
		t.Error("stale connection survived the sweep")
	}
	if r.Get("c2") == nil {
		t.Error("fresh connection was swept")
	}
	if got := r.GetStats().TotalSwept; got != 1 {
		t.Errorf("expected 1 swept, got %d", got)
	}
}

func TestRegistryReportsMetrics(t *testing.T) {
	appMetrics := metrics.NewMetrics()
	cfg := testRegistryConfig()
	cfg.HeartbeatTimeout = 0.05 // 50 ms
	r := NewRegistry(cfg, appMetrics, testLogger())

	conn, tr := register(t, r, "c1", "alice")
	tr.failSend = true
	if err := r.Send("c1", []byte("x")); err == nil {
		t.Fatal("expected send to fail")
	}
	if got := testutil.ToFloat64(appMetrics.SendFailures); got != 1 {
		t.Errorf("expected 1 send failure, got %f", got)
	}

	conn, _ = register(t, r, "c2", "bob")
	conn.mu.Lock()
	conn.lastHeartbeat = time.Now().Add(-time.Second)
	conn.mu.Unlock()
	r.sweepStale()
	if got := testutil.ToFloat64(appMetrics.ConnectionsSwept); got != 1 {
		t.Errorf("expected 1 swept connection, got %f", got)
	}
}
