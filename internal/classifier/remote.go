package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// StatusError is returned when the inference service answers with a non-2xx
// status code
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP error %d: %s", e.StatusCode, e.Body)
}

// Temporary reports whether the request may succeed when retried
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// RemoteConfig contains inference service client configuration
type RemoteConfig struct {
	Endpoint      string // Base URL, e.g. http://localhost:8501
	Model         string // Served model name
	ScoresOutput  string // Output tensor holding the frame scores
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
}

// RemoteModel is a Model backed by a TensorFlow Serving compatible REST
// predict endpoint
type RemoteModel struct {
	config     RemoteConfig
	predictURL string
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalRetries    uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// RemoteStats represents inference client statistics
type RemoteStats struct {
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalRetries    uint64        `json:"total_retries"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

type predictRequest struct {
	Inputs []float32 `json:"inputs"`
}

type predictResponse struct {
	Outputs json.RawMessage `json:"outputs"`
}

// NewRemoteModel creates a new inference service client
func NewRemoteModel(config RemoteConfig) (*RemoteModel, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}

	if config.Model == "" {
		return nil, fmt.Errorf("model name cannot be empty")
	}

	if config.ScoresOutput == "" {
		config.ScoresOutput = "output_0"
	}

	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: config.MaxConcurrent,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &RemoteModel{
		config:     config,
		predictURL: fmt.Sprintf("%s/v1/models/%s:predict", strings.TrimRight(config.Endpoint, "/"), config.Model),
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// Predict sends the waveform to the inference service and returns the score
// matrix
func (m *RemoteModel) Predict(ctx context.Context, waveform []float32) (ScoreMatrix, error) {
	select {
	case m.semaphore <- struct{}{}:
		defer func() { <-m.semaphore }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	startTime := time.Now()
	m.incrementTotalRequests()

	body, err := json.Marshal(predictRequest{Inputs: waveform})
	if err != nil {
		m.incrementFailedRequests()
		return nil, fmt.Errorf("failed to encode predict request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= m.config.MaxRetries; attempt++ {
		if attempt > 0 {
			m.incrementTotalRetries()

			backoffTime := time.Duration(math.Pow(2, float64(attempt-1))) * 100 * time.Millisecond
			if backoffTime > 5*time.Second {
				backoffTime = 5 * time.Second
			}

			select {
			case <-time.After(backoffTime):
			case <-ctx.Done():
				m.incrementFailedRequests()
				return nil, ctx.Err()
			}
		}

		scores, err := m.doRequest(ctx, body)
		if err == nil {
			m.incrementSuccessRequests()
			m.updateAvgResponseTime(time.Since(startTime))
			return scores, nil
		}

		lastErr = err
		if !isRetryableError(err) {
			break
		}
	}

	m.incrementFailedRequests()
	return nil, fmt.Errorf("predict failed: %w", lastErr)
}

func (m *RemoteModel) doRequest(ctx context.Context, body []byte) (ScoreMatrix, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.predictURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", "Hear2Help-Audio-Service/1.0")
	if m.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+m.config.APIKey)
	}

	resp, err := m.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	return decodeOutputs(respBody, m.config.ScoresOutput)
}

// decodeOutputs extracts the score matrix from a predict response. The
// outputs field is either the matrix itself or an object keyed by output name.
func decodeOutputs(body []byte, scoresOutput string) (ScoreMatrix, error) {
	var resp predictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if len(resp.Outputs) == 0 {
		return nil, fmt.Errorf("response has no outputs")
	}

	var scores ScoreMatrix
	if err := json.Unmarshal(resp.Outputs, &scores); err == nil {
		return scores, nil
	}

	var named map[string]json.RawMessage
	if err := json.Unmarshal(resp.Outputs, &named); err != nil {
		return nil, fmt.Errorf("outputs is neither a matrix nor a named map: %w", err)
	}

	raw, ok := named[scoresOutput]
	if !ok {
		return nil, fmt.Errorf("response has no output named %q", scoresOutput)
	}

	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil, fmt.Errorf("output %q is not a score matrix: %w", scoresOutput, err)
	}
	return scores, nil
}

func isRetryableError(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Temporary()
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// Statistics methods
func (m *RemoteModel) incrementTotalRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRequests++
}

func (m *RemoteModel) incrementSuccessRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.successRequests++
}

func (m *RemoteModel) incrementFailedRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failedRequests++
}

func (m *RemoteModel) incrementTotalRetries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalRetries++
}

func (m *RemoteModel) updateAvgResponseTime(responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.avgResponseTime == 0 {
		m.avgResponseTime = responseTime
	} else {
		m.avgResponseTime = (m.avgResponseTime + responseTime) / 2
	}
}

// GetStats returns current client statistics
func (m *RemoteModel) GetStats() RemoteStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	successRate := float64(0)
	if m.totalRequests > 0 {
		successRate = float64(m.successRequests) / float64(m.totalRequests) * 100
	}

	return RemoteStats{
		TotalRequests:   m.totalRequests,
		SuccessRequests: m.successRequests,
		FailedRequests:  m.failedRequests,
		SuccessRate:     successRate,
		TotalRetries:    m.totalRetries,
		AvgResponseTime: m.avgResponseTime,
		ActiveRequests:  len(m.semaphore),
	}
}

// Close waits for in-flight requests to finish
func (m *RemoteModel) Close() error {
	for i := 0; i < m.config.MaxConcurrent; i++ {
		m.semaphore <- struct{}{}
	}
	m.httpClient.CloseIdleConnections()
	return nil
}
