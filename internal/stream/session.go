package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anmzahid/Hear2Help/internal/audio"
	"github.com/anmzahid/Hear2Help/internal/classifier"
	"github.com/anmzahid/Hear2Help/internal/protocol"
)

var (
	// ErrClientDisconnected marks the expected end of a stream: the client
	// went away. Transports wrap it so the session can tell it apart from
	// processing failures.
	ErrClientDisconnected = errors.New("client disconnected")

	// ErrUnsupportedMessage is returned by transports for frames that are not
	// binary audio
	ErrUnsupportedMessage = errors.New("unsupported message type")

	// ErrIdleTimeout is the close reason for sessions that stopped sending audio
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrServerShutdown is the close reason for sessions ended by Stop
	ErrServerShutdown = errors.New("server shutting down")
)

// Transport is a bidirectional message connection to one client
type Transport interface {
	// Receive blocks until the next binary audio message arrives
	Receive(ctx context.Context) ([]byte, error)
	// SendText delivers one text message to the client
	SendText(ctx context.Context, msg []byte) error
	// Close ends the connection. A nil or ErrClientDisconnected reason is a
	// normal closure; anything else is reported to the client as an error.
	Close(reason error) error
}

// Classifier labels one window of audio
type Classifier interface {
	Classify(ctx context.Context, waveform []float32) (*classifier.Result, error)
}

// Session states
const (
	StateOpen   = "open"
	StateClosed = "closed"
)

// Close reasons reported in metrics and session info
const (
	ReasonClientDisconnected = "client_disconnected"
	ReasonError              = "error"
	ReasonIdleTimeout        = "idle_timeout"
	ReasonShutdown           = "shutdown"
)

// Session is one client connection: a sequential receive, window, classify,
// send loop over a private buffer
type Session struct {
	ID         string
	RemoteAddr string
	Params     protocol.SessionParams
	StartTime  time.Time

	transport  Transport
	windower   *audio.Windower
	converter  *audio.StreamConverter
	classifier Classifier
	manager    *Manager
	logger     *slog.Logger

	// Processing state
	lastActivity time.Time
	resultsSent  uint64
	lastLabel    string
	state        string
	closeReason  string

	// Set when the manager ends the session from outside the loop
	stopReason error
	cancel     context.CancelFunc

	mu sync.RWMutex
}

// Run processes the stream until the client disconnects or an error occurs.
// A client disconnect returns nil; any buffered partial window is discarded.
// Any other failure closes the transport and is returned.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.cancel = cancel
	stopped := s.stopReason
	s.mu.Unlock()
	if stopped != nil {
		return s.finish(stopped)
	}

	s.logger.Info("Session started",
		slog.Int("sample_rate", s.Params.SampleRate),
		slog.Int("channels", s.Params.Channels),
		slog.String("format", s.Params.Format),
		slog.Bool("declared", s.Params.Declared),
	)

	for {
		chunk, err := s.transport.Receive(ctx)
		if err != nil {
			return s.finish(err)
		}

		if err := s.handleChunk(ctx, chunk); err != nil {
			return s.finish(err)
		}
	}
}

// handleChunk buffers one received message and classifies every window it
// completes, in arrival order
func (s *Session) handleChunk(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	s.manager.metrics.RecordChunk(len(chunk))

	pcm := chunk
	if s.converter != nil {
		converted, err := s.converter.Convert(chunk)
		if err != nil {
			return fmt.Errorf("audio conversion failed: %w", err)
		}
		pcm = converted
	}

	for _, window := range s.windower.Append(pcm) {
		s.manager.metrics.RecordWindow()

		startTime := time.Now()
		result, err := s.classifier.Classify(ctx, window.Waveform)
		if err != nil {
			s.manager.metrics.RecordClassificationError(time.Since(startTime).Seconds())
			return fmt.Errorf("classification of window %d failed: %w", window.Seq, err)
		}
		s.manager.metrics.RecordClassification(result.Label, float64(result.Score), time.Since(startTime).Seconds())

		msg, err := protocol.FormatResult(s.Params.Format, window.Seq, result)
		if err != nil {
			return err
		}

		if err := s.transport.SendText(ctx, msg); err != nil {
			return fmt.Errorf("failed to send result: %w", err)
		}

		s.mu.Lock()
		s.resultsSent++
		s.lastLabel = result.Label
		s.mu.Unlock()

		s.logger.Debug("Window classified",
			slog.Uint64("window", window.Seq),
			slog.String("label", result.Label),
			slog.Float64("score", float64(result.Score)),
			slog.Duration("processing_time", result.ProcessingTime),
		)
	}

	return nil
}

// finish ends the session for err and decides whether it was a failure
func (s *Session) finish(err error) error {
	s.mu.Lock()
	stopReason := s.stopReason
	s.state = StateClosed
	s.mu.Unlock()

	stats := s.windower.Stats()
	attrs := []any{
		slog.Uint64("bytes_received", stats.BytesReceived),
		slog.Uint64("windows", stats.WindowsEmitted),
		slog.Int("discarded_bytes", stats.PendingBytes),
		slog.Duration("duration", time.Since(s.StartTime)),
	}

	switch {
	case stopReason != nil:
		reason := ReasonShutdown
		if errors.Is(stopReason, ErrIdleTimeout) {
			reason = ReasonIdleTimeout
		}
		s.setCloseReason(reason)
		s.logger.Info("Session stopped by server", append(attrs, slog.String("reason", stopReason.Error()))...)
		return nil

	case errors.Is(err, ErrClientDisconnected):
		s.setCloseReason(ReasonClientDisconnected)
		s.logger.Info("Client disconnected", attrs...)
		s.transport.Close(ErrClientDisconnected)
		return nil

	default:
		s.setCloseReason(ReasonError)
		s.logger.Error("Session failed", append(attrs, slog.String("error", err.Error()))...)
		if closeErr := s.transport.Close(err); closeErr != nil {
			s.logger.Debug("Error closing transport", slog.String("error", closeErr.Error()))
		}
		return err
	}
}

// stop ends the session from outside the receive loop
func (s *Session) stop(reason error) {
	s.mu.Lock()
	if s.stopReason != nil || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.stopReason = reason
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.transport.Close(reason)
}

func (s *Session) setCloseReason(reason string) {
	s.mu.Lock()
	s.closeReason = reason
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// CloseReason returns why the session ended, or "" while it is open
func (s *Session) CloseReason() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closeReason
}

// GetSessionInfo returns a snapshot of the session for monitoring
func (s *Session) GetSessionInfo() SessionInfo {
	stats := s.windower.Stats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		ID:             s.ID,
		RemoteAddr:     s.RemoteAddr,
		State:          s.state,
		SampleRate:     s.Params.SampleRate,
		Channels:       s.Params.Channels,
		Format:         s.Params.Format,
		Declared:       s.Params.Declared,
		Converted:      s.converter != nil,
		StartTime:      s.StartTime,
		LastActivity:   s.lastActivity,
		Duration:       time.Since(s.StartTime),
		BytesReceived:  stats.BytesReceived,
		ChunksReceived: stats.ChunksReceived,
		WindowsEmitted: stats.WindowsEmitted,
		PendingBytes:   stats.PendingBytes,
		ResultsSent:    s.resultsSent,
		LastLabel:      s.lastLabel,
	}
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	ID           string        `json:"id"`
	RemoteAddr   string        `json:"remote_addr"`
	State        string        `json:"state"`
	SampleRate   int           `json:"sample_rate"`
	Channels     int           `json:"channels"`
	Format       string        `json:"format"`
	Declared     bool          `json:"declared"` // Format came from query parameters
	Converted    bool          `json:"converted"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	// Windowing statistics
	BytesReceived  uint64 `json:"bytes_received"`
	ChunksReceived uint64 `json:"chunks_received"`
	WindowsEmitted uint64 `json:"windows_emitted"`
	PendingBytes   int    `json:"pending_bytes"`

	// Classification statistics
	ResultsSent uint64 `json:"results_sent"`
	LastLabel   string `json:"last_label,omitempty"`
}
