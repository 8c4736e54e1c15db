package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anmzahid/Hear2Help/internal/audio"
	"github.com/anmzahid/Hear2Help/internal/classifier"
	"github.com/anmzahid/Hear2Help/internal/config"
	"github.com/anmzahid/Hear2Help/internal/metrics"
	"github.com/anmzahid/Hear2Help/internal/protocol"
	"github.com/anmzahid/Hear2Help/internal/stream"
)

const windowBytes = 160000

type testServer struct {
	srv       *httptest.Server
	manager   *stream.Manager
	registry  *prometheus.Registry
	predicted atomic.Int64
}

// newTestServer starts the service with a model that always prefers "Dog"
func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()

	cfg := config.Default()
	cfg.Classifier.Endpoint = "http://inference.invalid"
	cfg.Classifier.APIKey = "secret-key"
	if mutate != nil {
		mutate(&cfg)
	}

	ts := &testServer{}
	model := classifier.ModelFunc(func(ctx context.Context, waveform []float32) (classifier.ScoreMatrix, error) {
		ts.predicted.Add(1)
		return classifier.ScoreMatrix{{0.1, 0.9, 0.2}, {0.2, 0.7, 0.1}}, nil
	})

	clf, err := classifier.New(model, classifier.Labels{"Speech", "Dog", "Vehicle"})
	if err != nil {
		t.Fatalf("Failed to create classifier: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics(registry)

	mgr, err := stream.NewManager(logger, stream.ManagerConfig{
		Window:        audio.DefaultWindowConfig(),
		MaxSessions:   cfg.Server.MaxConcurrentStreams,
		AllowResample: cfg.Audio.AllowResample,
		IdleTimeout:   cfg.Server.GetIdleTimeout(),
	}, clf, m)
	if err != nil {
		t.Fatalf("Failed to create stream manager: %v", err)
	}

	h := NewHTTPServer(&cfg, logger, mgr, clf, nil, m, registry)
	ts.srv = httptest.NewServer(h.Handler())
	ts.manager = mgr
	ts.registry = registry

	// Cleanups run last-in first-out: sessions end before the server closes
	t.Cleanup(ts.srv.Close)
	t.Cleanup(mgr.Stop)

	return ts
}

func (ts *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + protocol.DefaultPath
	if query != "" {
		u += "?" + query
	}
	return u
}

func (ts *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(query), nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("Failed to dial: %v (status %d)", err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read result: %v", err)
	}
	if messageType != websocket.TextMessage {
		t.Fatalf("Expected text message, got type %d", messageType)
	}
	return string(data)
}

func TestWebSocketSingleWindow(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, windowBytes)); err != nil {
		t.Fatalf("Failed to write audio: %v", err)
	}

	if got := readText(t, conn); got != "Detected: Dog" {
		t.Errorf("Expected 'Detected: Dog', got %q", got)
	}
}

func TestWebSocketTwoHalves(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	half := make([]byte, windowBytes/2)
	for i := 0; i < 2; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, half); err != nil {
			t.Fatalf("Failed to write half %d: %v", i, err)
		}
	}

	if got := readText(t, conn); got != "Detected: Dog" {
		t.Errorf("Expected 'Detected: Dog', got %q", got)
	}

	// Only one window was complete
	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected no second result")
	}
	if got := ts.predicted.Load(); got != 1 {
		t.Errorf("Expected 1 prediction, got %d", got)
	}
}

func TestWebSocketDisconnectMidWindow(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, windowBytes/2)); err != nil {
		t.Fatalf("Failed to write audio: %v", err)
	}
	waitFor(t, "session to open", func() bool { return ts.manager.GetActiveSessionCount() == 1 })

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, "session to end", func() bool { return ts.manager.GetActiveSessionCount() == 0 })

	// The partial window is discarded, never classified
	if got := ts.predicted.Load(); got != 0 {
		t.Errorf("Expected no predictions, got %d", got)
	}
}

func TestWebSocketMultipleWindowsInOneMessage(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "format=json")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 2*windowBytes+100)); err != nil {
		t.Fatalf("Failed to write audio: %v", err)
	}

	for want := uint64(0); want < 2; want++ {
		var detection protocol.Detection
		if err := json.Unmarshal([]byte(readText(t, conn)), &detection); err != nil {
			t.Fatalf("Failed to decode detection: %v", err)
		}
		if detection.Window != want {
			t.Errorf("Expected window %d, got %d", want, detection.Window)
		}
		if detection.Label != "Dog" || detection.Index != 1 {
			t.Errorf("Expected Dog at index 1, got %s at %d", detection.Label, detection.Index)
		}
		if detection.Type != protocol.MessageTypeDetection {
			t.Errorf("Expected type %q, got %q", protocol.MessageTypeDetection, detection.Type)
		}
	}
}

func TestWebSocketStereoConversion(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "sample_rate=16000&channels=2")

	// Two seconds of stereo per message, three messages hold one mono window
	chunk := make([]byte, 16000*2*2*2)
	for i := 0; i < 3; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			t.Fatalf("Failed to write chunk %d: %v", i, err)
		}
	}

	if got := readText(t, conn); got != "Detected: Dog" {
		t.Errorf("Expected 'Detected: Dog', got %q", got)
	}
}

func TestWebSocketTextFrameClosesConnection(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("Failed to write text: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseUnsupportedData) {
		t.Errorf("Expected close code %d, got %v", websocket.CloseUnsupportedData, err)
	}
}

func TestWebSocketHandshakeRejected(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*config.Config)
		query      string
		wantStatus int
	}{
		{
			name:       "invalid channels",
			query:      "channels=3",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non-numeric sample rate",
			query:      "sample_rate=fast",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown format",
			query:      "format=xml",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "conversion disabled",
			mutate:     func(c *config.Config) { c.Audio.AllowResample = false },
			query:      "sample_rate=44100",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.mutate)

			conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(tt.query), nil)
			if err == nil {
				conn.Close()
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil {
				t.Fatalf("Expected an HTTP response, got %v", err)
			}
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
		})
	}
}

func TestWebSocketInvalidParamsBody(t *testing.T) {
	ts := newTestServer(t, nil)

	// A plain GET reaches the handshake validation before the upgrade
	resp, err := http.Get(ts.srv.URL + protocol.DefaultPath + "?channels=5")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected status 400, got %d", resp.StatusCode)
	}

	var perr protocol.ParamError
	if err := json.NewDecoder(resp.Body).Decode(&perr); err != nil {
		t.Fatalf("Failed to decode error body: %v", err)
	}
	if len(perr.Fields) != 1 || perr.Fields[0].Field != protocol.ParamChannels {
		t.Errorf("Expected one channels error, got %+v", perr.Fields)
	}
}

func TestWebSocketCapacity(t *testing.T) {
	ts := newTestServer(t, func(c *config.Config) { c.Server.MaxConcurrentStreams = 1 })

	ts.dial(t, "")
	waitFor(t, "first session to open", func() bool { return ts.manager.GetActiveSessionCount() == 1 })

	conn, resp, err := websocket.DefaultDialer.Dial(ts.wsURL(""), nil)
	if err == nil {
		conn.Close()
		t.Fatal("Expected second connection to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %v", resp)
	}
}

func TestManagerStopClosesConnections(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")
	waitFor(t, "session to open", func() bool { return ts.manager.GetActiveSessionCount() == 1 })

	ts.manager.Stop()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("Expected close code %d, got %v", websocket.CloseGoingAway, err)
	}
}

func getJSON(t *testing.T, url string, wantStatus int, v interface{}) {
	t.Helper()

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("Request to %s failed: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		t.Fatalf("Expected status %d from %s, got %d", wantStatus, url, resp.StatusCode)
	}

	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("Failed to decode %s: %v", url, err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	var health map[string]interface{}
	getJSON(t, ts.srv.URL+"/health", http.StatusOK, &health)

	if health["status"] != "healthy" {
		t.Errorf("Expected healthy status, got %v", health["status"])
	}

	components, ok := health["components"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected components object, got %T", health["components"])
	}
	if _, ok := components["classifier"]; !ok {
		t.Error("Expected classifier component")
	}
	if _, ok := components["inference"]; ok {
		t.Error("Expected no inference component without a remote model")
	}
}

func TestStreamsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 1000)); err != nil {
		t.Fatalf("Failed to write audio: %v", err)
	}
	waitFor(t, "audio to be received", func() bool {
		sessions := ts.manager.GetAllSessions()
		return len(sessions) == 1 && sessions[0].GetSessionInfo().BytesReceived == 1000
	})

	var list struct {
		TotalStreams int                  `json:"total_streams"`
		Streams      []stream.SessionInfo `json:"streams"`
	}
	getJSON(t, ts.srv.URL+"/streams", http.StatusOK, &list)

	if list.TotalStreams != 1 || len(list.Streams) != 1 {
		t.Fatalf("Expected 1 stream, got %d", list.TotalStreams)
	}

	id := list.Streams[0].ID
	var info stream.SessionInfo
	getJSON(t, ts.srv.URL+"/streams/"+id, http.StatusOK, &info)

	if info.ID != id {
		t.Errorf("Expected stream %s, got %s", id, info.ID)
	}
	if info.PendingBytes != 1000 {
		t.Errorf("Expected 1000 pending bytes, got %d", info.PendingBytes)
	}
	if info.Declared {
		t.Error("Expected a stream without query parameters to be undeclared")
	}

	getJSON(t, ts.srv.URL+"/streams/does-not-exist", http.StatusNotFound, nil)
}

func TestConfigEndpointOmitsAPIKey(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := http.Get(ts.srv.URL + "/config")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if strings.Contains(string(body), "secret-key") || strings.Contains(string(body), "api_key") {
		t.Errorf("Config response leaks the API key: %s", body)
	}
	if !strings.Contains(string(body), `"websocket_path":"/ws/audio"`) {
		t.Errorf("Expected websocket path in config, got %s", body)
	}
}

func TestStatsEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, windowBytes)); err != nil {
		t.Fatalf("Failed to write audio: %v", err)
	}
	readText(t, conn)

	var stats struct {
		Classifier classifier.Stats `json:"classifier"`
	}
	getJSON(t, ts.srv.URL+"/stats/classifier", http.StatusOK, &stats)

	if stats.Classifier.TotalWindows != 1 {
		t.Errorf("Expected 1 classified window, got %d", stats.Classifier.TotalWindows)
	}
	if len(stats.Classifier.TopLabels) != 1 || stats.Classifier.TopLabels[0].Label != "Dog" {
		t.Errorf("Expected Dog as top label, got %+v", stats.Classifier.TopLabels)
	}

	var overview struct {
		Streams struct {
			MaxConcurrent int    `json:"max_concurrent"`
			WindowBytes   int    `json:"window_bytes"`
			IdleTimeout   string `json:"idle_timeout"`
		} `json:"streams"`
	}
	getJSON(t, ts.srv.URL+"/stats", http.StatusOK, &overview)

	if overview.Streams.WindowBytes != windowBytes {
		t.Errorf("Expected window_bytes %d, got %d", windowBytes, overview.Streams.WindowBytes)
	}
	if overview.Streams.MaxConcurrent != config.Default().Server.MaxConcurrentStreams {
		t.Errorf("Expected max_concurrent %d, got %d",
			config.Default().Server.MaxConcurrentStreams, overview.Streams.MaxConcurrent)
	}
	if overview.Streams.IdleTimeout == "" {
		t.Error("Expected idle_timeout in stream stats")
	}
}

func TestStreamInfoDeclaredFormat(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  bool
	}{
		{"default format", "", false},
		{"declared format", "sample_rate=16000&channels=1", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, nil)
			ts.dial(t, tt.query)

			waitFor(t, "session to open", func() bool {
				return ts.manager.GetActiveSessionCount() == 1
			})

			info := ts.manager.GetAllSessions()[0].GetSessionInfo()
			if info.Declared != tt.want {
				t.Errorf("Expected declared %v, got %v", tt.want, info.Declared)
			}
		})
	}
}

// handshakeDuration returns the sample count and sum of the HTTP duration
// histogram for the WebSocket endpoint
func (ts *testServer) handshakeDuration(t *testing.T) (uint64, float64) {
	t.Helper()

	families, err := ts.registry.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	for _, family := range families {
		if family.GetName() != "hear2help_http_request_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "endpoint" && label.GetValue() == protocol.DefaultPath {
					h := metric.GetHistogram()
					return h.GetSampleCount(), h.GetSampleSum()
				}
			}
		}
	}
	return 0, 0
}

func TestWebSocketHTTPDurationExcludesSession(t *testing.T) {
	const held = 300 * time.Millisecond

	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	waitFor(t, "session to open", func() bool {
		return ts.manager.GetActiveSessionCount() == 1
	})
	time.Sleep(held)

	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	waitFor(t, "session to end", func() bool {
		return ts.manager.GetActiveSessionCount() == 0
	})
	waitFor(t, "handshake to be recorded", func() bool {
		count, _ := ts.handshakeDuration(t)
		return count == 1
	})

	if _, sum := ts.handshakeDuration(t); sum >= held.Seconds() {
		t.Errorf("Expected only the handshake to be timed, got %.3fs for a session held %v", sum, held)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t, "")

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, windowBytes)); err != nil {
		t.Fatalf("Failed to write audio: %v", err)
	}
	readText(t, conn)

	resp, err := http.Get(ts.srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	for _, want := range []string{
		"hear2help_sessions_opened_total 1",
		"hear2help_windows_emitted_total 1",
		`hear2help_classifications_total{label="Dog"} 1`,
		"hear2help_audio_bytes_received_total 160000",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Expected metrics to contain %q", want)
		}
	}
}

func TestRootEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	var doc map[string]interface{}
	getJSON(t, ts.srv.URL+"/", http.StatusOK, &doc)
	if _, ok := doc["endpoints"]; !ok {
		t.Error("Expected endpoints in API documentation")
	}

	getJSON(t, ts.srv.URL+"/unknown", http.StatusNotFound, nil)
}
