package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice session service
type Metrics struct {
	// Connection metrics
	ConnectionsActive   prometheus.Gauge
	ConnectionsTotal    prometheus.Counter
	ConnectionsRejected *prometheus.CounterVec
	ConnectionsSwept    prometheus.Counter
	SendFailures        prometheus.Counter

	// Session metrics
	SessionsActive   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsEnded    prometheus.Counter
	SessionsSwept    prometheus.Counter
	SessionDuration  prometheus.Histogram
	ParticipantCount prometheus.Histogram

	// Audio ingest metrics
	ChunksIngested prometheus.Counter
	ChunksRejected prometheus.Counter
	BytesIngested  prometheus.Counter
	ChunkDuration  prometheus.Histogram
	RingEvictions  prometheus.Counter

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	SegmentConfidence      prometheus.Histogram
	PartialsEmitted        prometheus.Counter
	FinalsEmitted          prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Connection metrics
		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voice_connections_active",
			Help: "Current number of registered realtime connections",
		}),
		ConnectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_connections_total",
			Help: "Total number of connections registered",
		}),
		ConnectionsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_connections_rejected_total",
			Help: "Total number of connections rejected by admission control",
		}, []string{"reason"}),
		ConnectionsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_connections_swept_total",
			Help: "Total number of connections reaped by the heartbeat sweep",
		}),
		SendFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_send_failures_total",
			Help: "Total number of failed outbound deliveries",
		}),

		// Session metrics
		SessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "voice_sessions_active",
			Help: "Current number of live sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEnded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_ended_total",
			Help: "Total number of sessions ended",
		}),
		SessionsSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_sessions_swept_total",
			Help: "Total number of sessions ended by the lifecycle sweep",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_duration_seconds",
			Help:    "Distribution of completed session durations",
			Buckets: prometheus.ExponentialBuckets(60, 2, 10), // 1m to ~8.5h
		}),
		ParticipantCount: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_session_participants",
			Help:    "Distribution of participant counts at join time",
			Buckets: prometheus.LinearBuckets(1, 5, 10),
		}),

		// Audio ingest metrics
		ChunksIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_ingested_total",
			Help: "Total number of audio chunks accepted by the ingest pipeline",
		}),
		ChunksRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_chunks_rejected_total",
			Help: "Total number of audio chunks dropped by validation",
		}),
		BytesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_bytes_ingested_total",
			Help: "Total audio payload bytes accepted",
		}),
		ChunkDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_audio_chunk_duration_seconds",
			Help:    "Distribution of ingested chunk durations",
			Buckets: []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		RingEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_audio_ring_evictions_total",
			Help: "Total chunks evicted from ring buffers by age or count",
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_duration_seconds",
			Help:    "Transcription request duration",
			Buckets: prometheus.DefBuckets,
		}),
		SegmentConfidence: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_transcription_confidence",
			Help:    "Distribution of committed segment confidence scores",
			Buckets: prometheus.LinearBuckets(0.1, 0.1, 9),
		}),
		PartialsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_partials_total",
			Help: "Total number of provisional transcripts emitted",
		}),
		FinalsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "voice_transcription_finals_total",
			Help: "Total number of committed segments emitted",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordConnectionRejected increments the rejection counter for a reason
func (m *Metrics) RecordConnectionRejected(reason string) {
	m.ConnectionsRejected.WithLabelValues(reason).Inc()
}

// RecordChunk records one accepted audio chunk
func (m *Metrics) RecordChunk(bytes int, durationSeconds float64) {
	m.ChunksIngested.Inc()
	m.BytesIngested.Add(float64(bytes))
	m.ChunkDuration.Observe(durationSeconds)
}

// RecordSegment records one committed transcript segment
func (m *Metrics) RecordSegment(confidence float64) {
	m.FinalsEmitted.Inc()
	m.SegmentConfidence.Observe(confidence)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
