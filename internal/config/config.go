package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration.
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Connection    ConnectionConfig    `yaml:"connection"`
	Audio         AudioConfig         `yaml:"audio"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Auth          AuthConfig          `yaml:"auth"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains the HTTP/WebSocket server configuration.
type HTTPConfig struct {
	Port            int    `yaml:"port"`
	Address         string `yaml:"address"`
	ReadBufferSize  int    `yaml:"read_buffer_size"`
	WriteBufferSize int    `yaml:"write_buffer_size"`
	MaxMessageSize  int64  `yaml:"max_message_size"`
}

// ConnectionConfig contains admission caps and heartbeat reaping parameters.
type ConnectionConfig struct {
	MaxPerUser       int     `yaml:"max_per_user"`
	MaxPerSession    int     `yaml:"max_per_session"`
	HeartbeatTimeout float64 `yaml:"heartbeat_timeout"` // seconds
	SweepInterval    float64 `yaml:"sweep_interval"`    // seconds
	SendQueueSize    int     `yaml:"send_queue_size"`
}

// AudioConfig contains audio ingest and ring buffer parameters.
type AudioConfig struct {
	MaxChunkBytes     int     `yaml:"max_chunk_bytes"`
	LatencyWindow     float64 `yaml:"latency_window"` // seconds
	MaxBufferedChunks int     `yaml:"max_buffered_chunks"`
	SpeakingThreshold float64 `yaml:"speaking_threshold"` // normalized RMS
	LevelInterval     float64 `yaml:"level_interval"`     // seconds between level emits per speaker
}

// TranscriptionConfig contains the collaborator endpoint and flush windowing.
type TranscriptionConfig struct {
	Endpoint      string  `yaml:"endpoint"`
	APIKey        string  `yaml:"api_key"`
	Timeout       float64 `yaml:"timeout"` // seconds
	MaxConcurrent int     `yaml:"max_concurrent"`
	FlushMin      float64 `yaml:"flush_min"` // seconds of accumulated audio
	FlushMax      float64 `yaml:"flush_max"` // seconds of accumulated audio
	// PartialInterval throttles provisional per-speaker transcripts.
	// Zero disables partials entirely.
	PartialInterval float64 `yaml:"partial_interval"` // seconds
}

// SessionConfig contains lifecycle sweep parameters.
type SessionConfig struct {
	MaxDuration     float64 `yaml:"max_duration"`     // seconds
	CleanupInterval float64 `yaml:"cleanup_interval"` // seconds all participants may stay disconnected
	SweepInterval   float64 `yaml:"sweep_interval"`   // seconds
}

// AuthConfig contains the token verification collaborator configuration.
// When Endpoint is empty, the static token table is used instead.
type AuthConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	Timeout      float64           `yaml:"timeout"`       // seconds
	StaticTokens map[string]string `yaml:"static_tokens"` // token -> user_id, dev only
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the configuration defaults used when a field is unset.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            8080,
			Address:         "0.0.0.0",
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			MaxMessageSize:  2 << 20, // headroom over the 1 MiB chunk cap
		},
		Connection: ConnectionConfig{
			MaxPerUser:       3,
			MaxPerSession:    50,
			HeartbeatTimeout: 24 * 3600, // unusually long upstream default, kept configurable
			SweepInterval:    300,
			SendQueueSize:    256,
		},
		Audio: AudioConfig{
			MaxChunkBytes:     1 << 20,
			LatencyWindow:     0.1,
			MaxBufferedChunks: 1000,
			SpeakingThreshold: 0.02,
			LevelInterval:     0.1,
		},
		Transcription: TranscriptionConfig{
			Timeout:         30,
			MaxConcurrent:   10,
			FlushMin:        0.5,
			FlushMax:        10,
			PartialInterval: 1,
		},
		Session: SessionConfig{
			MaxDuration:     2 * 3600,
			CleanupInterval: 300,
			SweepInterval:   30,
		},
		Auth: AuthConfig{
			Timeout: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads and parses the configuration file, applying defaults for unset
// fields and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("connection config: %w", err)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth config: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}
	return nil
}

// Validate validates HTTP configuration.
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}
	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if h.ReadBufferSize < 1024 {
		return fmt.Errorf("read_buffer_size must be at least 1024 bytes, got %d", h.ReadBufferSize)
	}
	if h.WriteBufferSize < 1024 {
		return fmt.Errorf("write_buffer_size must be at least 1024 bytes, got %d", h.WriteBufferSize)
	}
	if h.MaxMessageSize < 1024 {
		return fmt.Errorf("max_message_size must be at least 1024 bytes, got %d", h.MaxMessageSize)
	}
	return nil
}

// Validate validates connection admission configuration.
func (c *ConnectionConfig) Validate() error {
	if c.MaxPerUser < 1 {
		return fmt.Errorf("max_per_user must be at least 1, got %d", c.MaxPerUser)
	}
	if c.MaxPerSession < c.MaxPerUser {
		return fmt.Errorf("max_per_session (%d) must be at least max_per_user (%d)",
			c.MaxPerSession, c.MaxPerUser)
	}
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive, got %f", c.HeartbeatTimeout)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %f", c.SweepInterval)
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("send_queue_size must be at least 1, got %d", c.SendQueueSize)
	}
	return nil
}

// Validate validates audio ingest configuration.
func (a *AudioConfig) Validate() error {
	if a.MaxChunkBytes < 2 {
		return fmt.Errorf("max_chunk_bytes must be at least 2, got %d", a.MaxChunkBytes)
	}
	if a.LatencyWindow <= 0 {
		return fmt.Errorf("latency_window must be positive, got %f", a.LatencyWindow)
	}
	if a.MaxBufferedChunks < 1 {
		return fmt.Errorf("max_buffered_chunks must be at least 1, got %d", a.MaxBufferedChunks)
	}
	if a.SpeakingThreshold <= 0 || a.SpeakingThreshold >= 1 {
		return fmt.Errorf("speaking_threshold must be in (0, 1), got %f", a.SpeakingThreshold)
	}
	if a.LevelInterval < 0 {
		return fmt.Errorf("level_interval cannot be negative, got %f", a.LevelInterval)
	}
	return nil
}

// Validate validates transcription configuration. Endpoint may be empty, in
// which case the pipeline runs with a disabled collaborator.
func (t *TranscriptionConfig) Validate() error {
	if t.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %f", t.Timeout)
	}
	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}
	if t.FlushMin <= 0 {
		return fmt.Errorf("flush_min must be positive, got %f", t.FlushMin)
	}
	if t.FlushMax <= t.FlushMin {
		return fmt.Errorf("flush_max (%f) must be greater than flush_min (%f)", t.FlushMax, t.FlushMin)
	}
	return nil
}

// Validate validates session sweep configuration.
func (s *SessionConfig) Validate() error {
	if s.MaxDuration <= 0 {
		return fmt.Errorf("max_duration must be positive, got %f", s.MaxDuration)
	}
	if s.CleanupInterval <= 0 {
		return fmt.Errorf("cleanup_interval must be positive, got %f", s.CleanupInterval)
	}
	if s.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive, got %f", s.SweepInterval)
	}
	return nil
}

// Validate validates auth configuration.
func (a *AuthConfig) Validate() error {
	if a.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %f", a.Timeout)
	}
	if a.Endpoint == "" && len(a.StaticTokens) == 0 {
		return fmt.Errorf("either endpoint or static_tokens must be set")
	}
	return nil
}

// Validate validates logging configuration.
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}
	return nil
}

// GetHeartbeatTimeout returns the heartbeat timeout as a time.Duration.
func (c *ConnectionConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeout * float64(time.Second))
}

// GetSweepInterval returns the connection sweep interval as a time.Duration.
func (c *ConnectionConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepInterval * float64(time.Second))
}

// GetLatencyWindow returns the ring buffer latency window as a time.Duration.
func (a *AudioConfig) GetLatencyWindow() time.Duration {
	return time.Duration(a.LatencyWindow * float64(time.Second))
}

// GetLevelInterval returns the per-speaker level emit interval as a time.Duration.
func (a *AudioConfig) GetLevelInterval() time.Duration {
	return time.Duration(a.LevelInterval * float64(time.Second))
}

// GetTimeout returns the transcription timeout as a time.Duration.
func (t *TranscriptionConfig) GetTimeout() time.Duration {
	return time.Duration(t.Timeout * float64(time.Second))
}

// GetFlushMin returns the minimum flush threshold as a time.Duration.
func (t *TranscriptionConfig) GetFlushMin() time.Duration {
	return time.Duration(t.FlushMin * float64(time.Second))
}

// GetFlushMax returns the maximum flush cap as a time.Duration.
func (t *TranscriptionConfig) GetFlushMax() time.Duration {
	return time.Duration(t.FlushMax * float64(time.Second))
}

// GetPartialInterval returns the per-speaker partial throttle as a
// time.Duration.
func (t *TranscriptionConfig) GetPartialInterval() time.Duration {
	return time.Duration(t.PartialInterval * float64(time.Second))
}

// GetMaxDuration returns the session duration cap as a time.Duration.
func (s *SessionConfig) GetMaxDuration() time.Duration {
	return time.Duration(s.MaxDuration * float64(time.Second))
}

// GetCleanupInterval returns the abandoned-session grace period as a time.Duration.
func (s *SessionConfig) GetCleanupInterval() time.Duration {
	return time.Duration(s.CleanupInterval * float64(time.Second))
}

// GetSweepInterval returns the session sweep interval as a time.Duration.
func (s *SessionConfig) GetSweepInterval() time.Duration {
	return time.Duration(s.SweepInterval * float64(time.Second))
}

// GetTimeout returns the auth verification timeout as a time.Duration.
func (a *AuthConfig) GetTimeout() time.Duration {
	return time.Duration(a.Timeout * float64(time.Second))
}
