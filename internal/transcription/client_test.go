package transcription

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/voxmeet/voice-session-service/internal/metrics"
)

func TestClientReportsRequestMetrics(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		w.Write([]byte(`{"text":"hello","confidence":0.9}`))
	}))
	defer srv.Close()

	appMetrics := metrics.NewMetrics()
	client, err := NewClient(ClientConfig{
		Endpoint: srv.URL,
		Metrics:  appMetrics,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	status.Store(http.StatusOK)
	if _, err := client.Transcribe(context.Background(), make([]byte, 160), 8000); err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}

	status.Store(http.StatusServiceUnavailable)
	if _, err := client.Transcribe(context.Background(), make([]byte, 160), 8000); err == nil {
		t.Fatal("expected the 503 response to surface an error")
	}

	if got := testutil.ToFloat64(appMetrics.TranscriptionRequests); got != 2 {
		t.Errorf("expected 2 requests, got %f", got)
	}
	if got := testutil.ToFloat64(appMetrics.TranscriptionSuccesses); got != 1 {
		t.Errorf("expected 1 success, got %f", got)
	}
	if got := testutil.ToFloat64(appMetrics.TranscriptionFailures); got != 1 {
		t.Errorf("expected 1 failure, got %f", got)
	}

	stats := client.GetStats()
	if stats.TotalRequests != 2 || stats.SuccessRequests != 1 || stats.FailedRequests != 1 {
		t.Errorf("client counters disagree with metrics: %+v", stats)
	}
}
