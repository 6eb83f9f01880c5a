package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sync"
	"time"

	"github.com/voxmeet/voice-session-service/internal/metrics"
)

// Result is the collaborator's answer for one audio submission.
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language,omitempty"`
	Words      []Word  `json:"words,omitempty"`
}

// Word is one word-level timing entry, when the collaborator provides them.
type Word struct {
	Word       string  `json:"word"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// Transcriber is the opaque transcription collaborator: bytes in, text out.
// Implementations may be slow or failing; callers own error accounting.
type Transcriber interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error)
}

// Disabled is a no-op Transcriber for deployments without a transcription
// endpoint. Audio still flows; no segments are ever produced.
type Disabled struct{}

func (Disabled) Transcribe(context.Context, []byte, int) (*Result, error) {
	return &Result{}, nil
}

// ClientConfig contains transcription client configuration. Metrics may be
// nil when none are collected.
type ClientConfig struct {
	Endpoint      string
	APIKey        string
	Timeout       time.Duration
	MaxConcurrent int
	Metrics       *metrics.Metrics
}

// ClientStats represents client statistics.
type ClientStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

// Client submits audio to the transcription API over HTTP multipart. There
// is deliberately no retry loop: each flush is submitted at most once.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	semaphore  chan struct{}

	mu              sync.RWMutex
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	avgResponseTime time.Duration
}

// NewClient creates a new transcription HTTP client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &Client{
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Transcribe implements Transcriber against the configured HTTP endpoint.
func (c *Client) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	c.mu.Lock()
	c.totalRequests++
	c.mu.Unlock()
	if c.config.Metrics != nil {
		c.config.Metrics.TranscriptionRequests.Inc()
	}

	result, err := c.doRequest(ctx, pcm, sampleRate)
	elapsed := time.Since(startTime)

	c.mu.Lock()
	if err != nil {
		c.failedRequests++
	} else {
		c.successRequests++
		if c.avgResponseTime == 0 {
			c.avgResponseTime = elapsed
		} else {
			c.avgResponseTime = (c.avgResponseTime + elapsed) / 2
		}
	}
	c.mu.Unlock()
	if c.config.Metrics != nil {
		c.config.Metrics.TranscriptionDuration.Observe(elapsed.Seconds())
		if err != nil {
			c.config.Metrics.TranscriptionFailures.Inc()
		} else {
			c.config.Metrics.TranscriptionSuccesses.Inc()
		}
	}

	return result, err
}

func (c *Client) doRequest(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	body, contentType, err := c.createMultipartRequest(pcm, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	if c.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return &result, nil
}

func (c *Client) createMultipartRequest(pcm []byte, sampleRate int) (io.Reader, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", "audio.pcm")
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(pcm); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := map[string]string{
		"sample_rate": fmt.Sprintf("%d", sampleRate),
		"format":      "pcm_s16le",
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return &buf, writer.FormDataContentType(), nil
}

// GetStats returns current client statistics.
func (c *Client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}

// Close drains in-flight requests.
func (c *Client) Close() error {
	for i := 0; i < cap(c.semaphore); i++ {
		c.semaphore <- struct{}{}
	}
	return nil
}
