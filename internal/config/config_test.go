package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

const minimalConfig = `
auth:
  static_tokens:
    tok: user-1
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.Connection.MaxPerUser != 3 {
		t.Errorf("expected default max_per_user 3, got %d", cfg.Connection.MaxPerUser)
	}
	if cfg.Connection.MaxPerSession != 50 {
		t.Errorf("expected default max_per_session 50, got %d", cfg.Connection.MaxPerSession)
	}
	if cfg.Audio.GetLatencyWindow() != 100*time.Millisecond {
		t.Errorf("expected default latency window 100ms, got %v", cfg.Audio.GetLatencyWindow())
	}
	if cfg.Transcription.GetFlushMin() != 500*time.Millisecond {
		t.Errorf("expected default flush_min 500ms, got %v", cfg.Transcription.GetFlushMin())
	}
	if cfg.Transcription.GetFlushMax() != 10*time.Second {
		t.Errorf("expected default flush_max 10s, got %v", cfg.Transcription.GetFlushMax())
	}
	if cfg.Session.GetMaxDuration() != 2*time.Hour {
		t.Errorf("expected default max_duration 2h, got %v", cfg.Session.GetMaxDuration())
	}
	if cfg.Connection.GetHeartbeatTimeout() != 24*time.Hour {
		t.Errorf("expected default heartbeat timeout 24h, got %v", cfg.Connection.GetHeartbeatTimeout())
	}
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
http:
  port: 9090
connection:
  max_per_user: 5
  max_per_session: 100
  heartbeat_timeout: 60
transcription:
  endpoint: "http://localhost:9000/transcribe"
  flush_min: 1
  flush_max: 20
auth:
  static_tokens:
    tok: user-1
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HTTP.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.HTTP.Port)
	}
	if cfg.Connection.MaxPerUser != 5 {
		t.Errorf("expected max_per_user 5, got %d", cfg.Connection.MaxPerUser)
	}
	if cfg.Connection.GetHeartbeatTimeout() != time.Minute {
		t.Errorf("expected heartbeat timeout 60s, got %v", cfg.Connection.GetHeartbeatTimeout())
	}
	if cfg.Transcription.Endpoint != "http://localhost:9000/transcribe" {
		t.Errorf("unexpected endpoint %q", cfg.Transcription.Endpoint)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, "{{{not yaml")); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidationRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"bad port", minimalConfig + "\nhttp:\n  port: -1\n"},
		{"zero max_per_user", minimalConfig + "\nconnection:\n  max_per_user: 0\n"},
		{"session cap below user cap", minimalConfig + "\nconnection:\n  max_per_user: 10\n  max_per_session: 5\n"},
		{"negative latency window", minimalConfig + "\naudio:\n  latency_window: -0.1\n"},
		{"flush_max below flush_min", minimalConfig + "\ntranscription:\n  flush_min: 5\n  flush_max: 1\n"},
		{"bad log level", minimalConfig + "\nlogging:\n  level: shouting\n"},
		{"no auth at all", "http:\n  port: 8080\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, tc.content)); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	c := &ConnectionConfig{HeartbeatTimeout: 1.5, SweepInterval: 0.25}
	if c.GetHeartbeatTimeout() != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", c.GetHeartbeatTimeout())
	}
	if c.GetSweepInterval() != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", c.GetSweepInterval())
	}
}
