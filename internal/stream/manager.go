package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/anmzahid/Hear2Help/internal/audio"
	"github.com/anmzahid/Hear2Help/internal/metrics"
	"github.com/anmzahid/Hear2Help/internal/protocol"
)

var (
	// ErrTooManySessions is returned by Open when the session limit is reached
	ErrTooManySessions = errors.New("too many concurrent sessions")

	// ErrConversionDisabled is returned by Open for audio that would need
	// resampling or downmixing while conversion is turned off
	ErrConversionDisabled = errors.New("audio conversion is disabled")

	// ErrManagerStopped is returned by Open after Stop
	ErrManagerStopped = errors.New("stream manager stopped")
)

// ManagerConfig contains configuration for the stream manager
type ManagerConfig struct {
	Window        audio.WindowConfig
	MaxSessions   int           // 0 means unlimited
	AllowResample bool          // Accept declared formats other than 16 kHz mono
	IdleTimeout   time.Duration // Close sessions silent for this long; 0 disables
}

// Manager tracks every open session and enforces session limits
type Manager struct {
	sessions   map[string]*Session
	config     ManagerConfig
	classifier Classifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	stopped    bool
	mu         sync.RWMutex

	// Running sessions and the idle cleanup routine
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a new stream manager. A nil m records metrics on an
// unregistered registry.
func NewManager(logger *slog.Logger, config ManagerConfig, classifier Classifier, m *metrics.Metrics) (*Manager, error) {
	if classifier == nil {
		return nil, fmt.Errorf("classifier cannot be nil")
	}

	if config.Window.WindowBytes() <= 0 {
		return nil, fmt.Errorf("window of %v at %d Hz holds no samples", config.Window.WindowDuration, config.Window.SampleRate)
	}

	if config.MaxSessions < 0 {
		return nil, fmt.Errorf("max sessions cannot be negative, got %d", config.MaxSessions)
	}

	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr := &Manager{
		sessions:   make(map[string]*Session),
		config:     config,
		classifier: classifier,
		metrics:    m,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		cleanup:    make(chan struct{}),
	}

	if config.IdleTimeout > 0 {
		go mgr.startCleanupRoutine()
	} else {
		close(mgr.cleanup)
	}

	return mgr, nil
}

// CanAccept reports whether a new session would currently be admitted
func (m *Manager) CanAccept() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.stopped && (m.config.MaxSessions == 0 || len(m.sessions) < m.config.MaxSessions)
}

// Open registers a session for a newly connected client. Every opened
// session must be passed to Serve.
func (m *Manager) Open(transport Transport, params protocol.SessionParams, remoteAddr string) (*Session, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if params.NeedsConversion() && !m.config.AllowResample {
		m.metrics.RecordSessionRejected("conversion_disabled")
		return nil, fmt.Errorf("%w: client declared %d Hz, %d channel(s)", ErrConversionDisabled, params.SampleRate, params.Channels)
	}

	windower, err := audio.NewWindower(m.config.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to create windower: %w", err)
	}

	var converter *audio.StreamConverter
	if params.NeedsConversion() {
		src := audio.Format{SampleRate: params.SampleRate, Channels: params.Channels}
		converter, err = audio.NewStreamConverter(src, m.config.Window.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("failed to create stream converter: %w", err)
		}
	}

	now := time.Now()
	id := uuid.NewString()
	session := &Session{
		ID:           id,
		RemoteAddr:   remoteAddr,
		Params:       params,
		StartTime:    now,
		transport:    transport,
		windower:     windower,
		converter:    converter,
		classifier:   m.classifier,
		manager:      m,
		lastActivity: now,
		state:        StateOpen,
		logger: m.logger.With(
			slog.String("session_id", id),
			slog.String("remote_addr", remoteAddr),
		),
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrManagerStopped
	}
	if m.config.MaxSessions > 0 && len(m.sessions) >= m.config.MaxSessions {
		m.mu.Unlock()
		m.metrics.RecordSessionRejected("capacity")
		return nil, ErrTooManySessions
	}
	m.sessions[id] = session
	m.wg.Add(1)
	count := len(m.sessions)
	m.mu.Unlock()

	m.metrics.RecordSessionOpened()
	m.metrics.SetActiveSessions(count)

	attrs := []any{
		slog.String("session_id", id),
		slog.String("remote_addr", remoteAddr),
		slog.Bool("converted", converter != nil),
		slog.Int("active_sessions", count),
	}
	if converter != nil {
		src := converter.Source()
		attrs = append(attrs,
			slog.Int("source_sample_rate", src.SampleRate),
			slog.Int("source_channels", src.Channels),
		)
	}
	m.logger.Info("Created new stream session", attrs...)

	return session, nil
}

// Serve runs the session loop and unregisters the session when it ends
func (m *Manager) Serve(ctx context.Context, session *Session) error {
	defer m.wg.Done()
	defer m.removeSession(session)

	return session.Run(ctx)
}

// removeSession unregisters a finished session
func (m *Manager) removeSession(session *Session) {
	m.mu.Lock()
	_, exists := m.sessions[session.ID]
	delete(m.sessions, session.ID)
	count := len(m.sessions)
	m.mu.Unlock()

	if !exists {
		return
	}

	reason := session.CloseReason()
	duration := time.Since(session.StartTime)
	m.metrics.RecordSessionClosed(reason, duration.Seconds())
	m.metrics.SetActiveSessions(count)

	m.logger.Info("Stream session removed",
		slog.String("session_id", session.ID),
		slog.String("reason", reason),
		slog.Duration("total_duration", duration),
		slog.Int("active_sessions", count),
	)
}

// GetSession retrieves an open session
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session, exists := m.sessions[id]
	return session, exists
}

// GetActiveSessionCount returns the number of currently open sessions
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetAllSessions returns a snapshot of all open sessions, oldest first
func (m *Manager) GetAllSessions() []*Session {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartTime.Before(sessions[j].StartTime)
	})
	return sessions
}

// Config returns the manager configuration
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// Stop closes every open session and waits for their loops to return
func (m *Manager) Stop() {
	m.logger.Info("Stopping stream manager...")

	m.mu.Lock()
	m.stopped = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.stop(ErrServerShutdown)
	}

	m.cancel()
	<-m.cleanup
	m.wg.Wait()

	m.logger.Info("Stream manager stopped",
		slog.Int("closed_sessions", len(sessions)),
	)
}

// startCleanupRoutine closes sessions that have not sent audio within the
// idle timeout
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	interval := m.config.IdleTimeout / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.logger.Info("Stream cleanup routine started",
		slog.Duration("timeout", m.config.IdleTimeout),
		slog.Duration("check_interval", interval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("Stream cleanup routine stopping")
			return

		case <-ticker.C:
			m.cleanupIdleSessions()
		}
	}
}

// cleanupIdleSessions closes sessions that have been silent for too long
func (m *Manager) cleanupIdleSessions() {
	now := time.Now()
	idle := make([]*Session, 0)

	m.mu.RLock()
	for _, session := range m.sessions {
		if now.Sub(session.idleSince()) > m.config.IdleTimeout {
			idle = append(idle, session)
		}
	}
	m.mu.RUnlock()

	if len(idle) > 0 {
		m.logger.Info("Closing idle sessions",
			slog.Int("idle_count", len(idle)),
		)

		for _, session := range idle {
			session.stop(ErrIdleTimeout)
		}
	}
}
