package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the audio event service
type Metrics struct {
	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionsRejected *prometheus.CounterVec
	SessionDuration  prometheus.Histogram

	// Audio ingest metrics
	BytesReceived  prometheus.Counter
	ChunksReceived prometheus.Counter
	ChunkSize      prometheus.Histogram

	// Window metrics
	WindowsEmitted prometheus.Counter

	// Classification metrics
	Classifications      *prometheus.CounterVec
	ClassificationErrors prometheus.Counter
	InferenceDuration    prometheus.Histogram
	ResultScore          prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all Prometheus metrics and registers them on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hear2help_active_sessions",
			Help: "Current number of open audio stream sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "hear2help_sessions_opened_total",
			Help: "Total number of audio stream sessions opened",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hear2help_sessions_closed_total",
			Help: "Total number of audio stream sessions closed, by reason",
		}, []string{"reason"}),
		SessionsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hear2help_sessions_rejected_total",
			Help: "Total number of connection attempts rejected before upgrade",
		}, []string{"reason"}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hear2help_session_duration_seconds",
			Help:    "Duration of audio stream sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),

		// Audio ingest metrics
		BytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "hear2help_audio_bytes_received_total",
			Help: "Total number of PCM bytes received from clients",
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "hear2help_audio_chunks_received_total",
			Help: "Total number of binary messages received from clients",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hear2help_audio_chunk_size_bytes",
			Help:    "Size of received audio messages in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 2, 12), // 256B to ~512KB
		}),

		// Window metrics
		WindowsEmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hear2help_windows_emitted_total",
			Help: "Total number of complete audio windows extracted",
		}),

		// Classification metrics
		Classifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hear2help_classifications_total",
			Help: "Total number of classified windows, by detected label",
		}, []string{"label"}),
		ClassificationErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "hear2help_classification_errors_total",
			Help: "Total number of windows that failed classification",
		}),
		InferenceDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hear2help_inference_duration_seconds",
			Help:    "Time spent classifying one window",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		}),
		ResultScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hear2help_result_score",
			Help:    "Frame-averaged score of the winning class",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11), // 0.0 to 1.0
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hear2help_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hear2help_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hear2help_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// SetActiveSessions sets the current number of open sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionOpened increments the sessions opened counter
func (m *Metrics) RecordSessionOpened() {
	m.SessionsOpened.Inc()
}

// RecordSessionClosed records a closed session with its close reason and duration
func (m *Metrics) RecordSessionClosed(reason string, durationSeconds float64) {
	m.SessionsClosed.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(durationSeconds)
}

// RecordSessionRejected records a connection refused before upgrade
func (m *Metrics) RecordSessionRejected(reason string) {
	m.SessionsRejected.WithLabelValues(reason).Inc()
}

// RecordChunk records a received audio message
func (m *Metrics) RecordChunk(sizeBytes int) {
	m.ChunksReceived.Inc()
	m.BytesReceived.Add(float64(sizeBytes))
	m.ChunkSize.Observe(float64(sizeBytes))
}

// RecordWindow increments the windows emitted counter
func (m *Metrics) RecordWindow() {
	m.WindowsEmitted.Inc()
}

// RecordClassification records a successful classification
func (m *Metrics) RecordClassification(label string, score float64, durationSeconds float64) {
	m.Classifications.WithLabelValues(label).Inc()
	m.ResultScore.Observe(score)
	m.InferenceDuration.Observe(durationSeconds)
}

// RecordClassificationError records a failed classification
func (m *Metrics) RecordClassificationError(durationSeconds float64) {
	m.ClassificationErrors.Inc()
	m.InferenceDuration.Observe(durationSeconds)
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
