package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/anmzahid/Hear2Help/internal/classifier"
	"github.com/anmzahid/Hear2Help/internal/config"
	"github.com/anmzahid/Hear2Help/internal/metrics"
	"github.com/anmzahid/Hear2Help/internal/protocol"
	"github.com/anmzahid/Hear2Help/internal/stream"
)

const (
	serviceName    = "hear2help-audio-service"
	serviceVersion = "1.0.0"
)

// HTTPServer serves the WebSocket audio endpoint and the monitoring API
type HTTPServer struct {
	server     *http.Server
	handler    http.Handler
	upgrader   *websocket.Upgrader
	logger     *slog.Logger
	config     *config.Config
	streamMgr  *stream.Manager
	classifier *classifier.Classifier
	model      *classifier.RemoteModel
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new HTTP server. model may be nil when the
// classifier is not backed by a remote inference service.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, streamMgr *stream.Manager,
	clf *classifier.Classifier, model *classifier.RemoteModel, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		upgrader:   newUpgrader(newOriginPolicy(cfg.Server, logger)),
		logger:     logger,
		config:     cfg,
		streamMgr:  streamMgr,
		classifier: clf,
		model:      model,
		metrics:    m,
		gatherer:   gatherer,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	// No read or write timeouts: WebSocket sessions are long lived and the
	// upgrader clears deadlines after the handshake
	h.server = &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// setupRoutes configures HTTP routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Audio stream endpoint
	mux.HandleFunc(h.config.Server.WebSocketPath, h.withMetrics(h.config.Server.WebSocketPath, h.handleWebSocket))

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/streams", h.withMetrics("/streams", h.handleStreams))
	mux.HandleFunc("/streams/", h.withMetrics("/streams/{id}", h.handleStreamDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoints
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/stats/classifier", h.withMetrics("/stats/classifier", h.handleClassifierStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection. For upgraded
// connections only the handshake is timed; sessions have their own metrics.
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		endTime := time.Now()
		if !ww.hijackedAt.IsZero() {
			endTime = ww.hijackedAt
		}
		duration := endTime.Sub(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	hijackedAt time.Time
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	rw.hijackedAt = time.Now()
	return hijacker.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start begins listening and serving in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("HTTP server started",
		slog.String("address", listener.Addr().String()),
		slog.String("websocket_path", h.config.Server.WebSocketPath),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting connections. Hijacked WebSocket connections are not
// tracked by the HTTP server; stop the stream manager to close them.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP server...")

	return h.server.Shutdown(ctx)
}

// handleWebSocket validates the handshake, upgrades the connection and runs
// the session until it ends
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	params, err := protocol.ParseSessionParams(r.URL.Query())
	if err != nil {
		h.metrics.RecordSessionRejected("invalid_params")
		writeJSON(w, http.StatusBadRequest, err)
		return
	}

	if params.NeedsConversion() && !h.config.Audio.AllowResample {
		h.metrics.RecordSessionRejected("conversion_disabled")
		http.Error(w, fmt.Sprintf("only %d Hz mono audio is accepted", protocol.DefaultSampleRate), http.StatusBadRequest)
		return
	}

	if !h.streamMgr.CanAccept() {
		h.metrics.RecordSessionRejected("capacity")
		http.Error(w, "Too many concurrent streams", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error response
		h.logger.Warn("WebSocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	transport := newWSTransport(conn, int64(h.config.Server.ReadLimit))

	session, err := h.streamMgr.Open(transport, params, r.RemoteAddr)
	if err != nil {
		h.logger.Warn("Failed to open stream session",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		transport.Close(err)
		return
	}

	// Errors are logged by the session
	h.streamMgr.Serve(r.Context(), session)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	classifierStats := h.classifier.GetStats()

	components := map[string]interface{}{
		"stream_manager": map[string]interface{}{
			"status":          "running",
			"active_sessions": h.streamMgr.GetActiveSessionCount(),
			"accepting":       h.streamMgr.CanAccept(),
		},
		"classifier": map[string]interface{}{
			"status":         "running",
			"classes":        classifierStats.Classes,
			"total_windows":  classifierStats.TotalWindows,
			"failed_windows": classifierStats.FailedWindows,
		},
	}

	if h.model != nil {
		modelStats := h.model.GetStats()
		components["inference"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  modelStats.TotalRequests,
			"success_rate":    modelStats.SuccessRate,
			"active_requests": modelStats.ActiveRequests,
		}
	}

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStreams implements the /streams endpoint
func (h *HTTPServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.streamMgr.GetAllSessions()
	sessionInfos := make([]stream.SessionInfo, 0, len(sessions))
	for _, session := range sessions {
		sessionInfos = append(sessionInfos, session.GetSessionInfo())
	}

	response := map[string]interface{}{
		"total_streams": len(sessionInfos),
		"timestamp":     time.Now().UTC(),
		"streams":       sessionInfos,
	}

	writeJSON(w, http.StatusOK, response)
}

// handleStreamDetail implements the /streams/{id} endpoint
func (h *HTTPServer) handleStreamDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/streams/")
	if id == "" {
		http.Error(w, "Stream ID required", http.StatusBadRequest)
		return
	}

	session, exists := h.streamMgr.GetSession(id)
	if !exists {
		http.Error(w, "Stream not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, session.GetSessionInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// API key is omitted
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"port":                   h.config.Server.Port,
			"address":                h.config.Server.Address,
			"websocket_path":         h.config.Server.WebSocketPath,
			"read_limit":             h.config.Server.ReadLimit,
			"idle_timeout":           h.config.Server.IdleTimeout,
			"max_concurrent_streams": h.config.Server.MaxConcurrentStreams,
			"allow_any_origin":       h.config.Server.AllowAnyOrigin,
			"allowed_origins":        h.config.Server.AllowedOrigins,
		},
		"audio": map[string]interface{}{
			"sample_rate":    h.config.Audio.SampleRate,
			"channels":       h.config.Audio.Channels,
			"bit_depth":      h.config.Audio.BitDepth,
			"window_seconds": h.config.Audio.WindowSeconds,
			"allow_resample": h.config.Audio.AllowResample,
		},
		"classifier": map[string]interface{}{
			"endpoint":       h.config.Classifier.Endpoint,
			"model":          h.config.Classifier.Model,
			"scores_output":  h.config.Classifier.ScoresOutput,
			"class_map":      h.config.Classifier.ClassMap,
			"timeout":        h.config.Classifier.Timeout,
			"max_retries":    h.config.Classifier.MaxRetries,
			"max_concurrent": h.config.Classifier.MaxConcurrent,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var bytesReceived, windowsEmitted, resultsSent uint64
	for _, session := range h.streamMgr.GetAllSessions() {
		info := session.GetSessionInfo()
		bytesReceived += info.BytesReceived
		windowsEmitted += info.WindowsEmitted
		resultsSent += info.ResultsSent
	}

	mgrConfig := h.streamMgr.Config()
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"streams": map[string]interface{}{
			"active_count":    h.streamMgr.GetActiveSessionCount(),
			"max_concurrent":  mgrConfig.MaxSessions,
			"window_bytes":    mgrConfig.Window.WindowBytes(),
			"idle_timeout":    mgrConfig.IdleTimeout.String(),
			"bytes_received":  bytesReceived,
			"windows_emitted": windowsEmitted,
			"results_sent":    resultsSent,
		},
		"classifier": h.classifier.GetStats(),
	}

	if h.model != nil {
		stats["inference"] = h.model.GetStats()
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleClassifierStats implements the /stats/classifier endpoint
func (h *HTTPServer) handleClassifierStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"classifier": h.classifier.GetStats(),
	}
	if h.model != nil {
		response["inference"] = h.model.GetStats()
	}

	writeJSON(w, http.StatusOK, response)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Hear2Help Audio Event Service",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET " + h.config.Server.WebSocketPath: "WebSocket audio stream (binary int16 LE PCM in, \"Detected: <label>\" text out); query: sample_rate, channels, format",
			"GET /":                                "API documentation",
			"GET /health":                          "Service health check",
			"GET /streams":                         "List all active streams",
			"GET /streams/{id}":                    "Get detailed stream information",
			"GET /config":                          "Get service configuration",
			"GET /stats":                           "Get service statistics",
			"GET /stats/classifier":                "Get classifier and inference statistics",
			"GET /metrics":                         "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
