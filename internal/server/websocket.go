package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/anmzahid/Hear2Help/internal/config"
	"github.com/anmzahid/Hear2Help/internal/stream"
)

// closeWriteTimeout bounds how long a close frame may take to send
const closeWriteTimeout = time.Second

// maxCloseReason is the longest close reason that fits a control frame
const maxCloseReason = 123

// originPolicy decides which browser origins may open an audio stream.
// Native clients send no Origin header and are always accepted.
type originPolicy struct {
	allowAny bool
	allowed  map[string]bool // "scheme://host[:port]" or bare hostnames, lower case
	logger   *slog.Logger
}

func newOriginPolicy(cfg config.ServerConfig, logger *slog.Logger) *originPolicy {
	p := &originPolicy{
		allowAny: cfg.AllowAnyOrigin,
		allowed:  make(map[string]bool, len(cfg.AllowedOrigins)),
		logger:   logger,
	}
	for _, origin := range cfg.AllowedOrigins {
		p.allowed[strings.ToLower(strings.TrimRight(origin, "/"))] = true
	}
	return p
}

// newUpgrader returns the WebSocket upgrader for the audio endpoint
func newUpgrader(policy *originPolicy) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  16 * 1024,
		WriteBufferSize: 4 * 1024,
		CheckOrigin:     policy.check,
	}
}

// check reports whether the connection origin is allowed: any origin when
// configured so, otherwise listed origins, the serving host and loopback
// development servers
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.allowAny {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		p.logger.Warn("Rejected WebSocket connection: invalid origin", slog.String("origin", origin))
		return false
	}

	host := strings.ToLower(u.Hostname())
	if p.allowed[strings.ToLower(u.Scheme+"://"+u.Host)] || p.allowed[host] {
		return true
	}

	requestHost := r.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if strings.EqualFold(host, requestHost) {
		return true
	}

	if host == "localhost" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}

	p.logger.Warn("Rejected WebSocket connection",
		slog.String("origin", origin),
		slog.String("remote_addr", r.RemoteAddr),
	)
	return false
}

// wsTransport adapts a gorilla WebSocket connection to stream.Transport.
// Receive must only be called from the session loop; SendText and Close may
// be called from any goroutine.
type wsTransport struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSTransport(conn *websocket.Conn, readLimit int64) *wsTransport {
	if readLimit > 0 {
		conn.SetReadLimit(readLimit)
	}
	return &wsTransport{conn: conn}
}

// Receive returns the next binary message. Peer close frames, dropped
// connections and EOF are reported as stream.ErrClientDisconnected.
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	messageType, data, err := t.conn.ReadMessage()
	if err != nil {
		if isDisconnect(err) {
			return nil, fmt.Errorf("%w: %v", stream.ErrClientDisconnected, err)
		}
		return nil, fmt.Errorf("websocket read failed: %w", err)
	}

	if messageType != websocket.BinaryMessage {
		return nil, fmt.Errorf("%w: expected binary PCM frame, got text", stream.ErrUnsupportedMessage)
	}

	return data, nil
}

// SendText writes one text frame. A failed write means the peer is gone.
func (t *wsTransport) SendText(ctx context.Context, msg []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	// Zero deadline when ctx has none
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrClientDisconnected, err)
	}

	if err := t.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("%w: %v", stream.ErrClientDisconnected, err)
	}
	return nil
}

// Close sends a close frame describing reason and closes the connection
func (t *wsTransport) Close(reason error) error {
	t.closeOnce.Do(func() {
		if !errors.Is(reason, stream.ErrClientDisconnected) {
			code, text := closeCode(reason)
			// WriteControl may run concurrently with a pending write.
			// Best effort; the peer may already be gone.
			_ = t.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(code, text),
				time.Now().Add(closeWriteTimeout))
		}
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// closeCode maps a session close reason to a WebSocket close code
func closeCode(reason error) (int, string) {
	switch {
	case reason == nil:
		return websocket.CloseNormalClosure, ""
	case errors.Is(reason, stream.ErrServerShutdown):
		return websocket.CloseGoingAway, reason.Error()
	case errors.Is(reason, stream.ErrIdleTimeout):
		return websocket.ClosePolicyViolation, reason.Error()
	case errors.Is(reason, stream.ErrUnsupportedMessage):
		return websocket.CloseUnsupportedData, "binary PCM frames only"
	case errors.Is(reason, websocket.ErrReadLimit):
		return websocket.CloseMessageTooBig, "message too big"
	default:
		return websocket.CloseInternalServerErr, truncateReason(reason.Error())
	}
}

// truncateReason cuts text to fit a close frame without splitting a UTF-8
// sequence
func truncateReason(text string) string {
	if len(text) <= maxCloseReason {
		return text
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

// isDisconnect reports whether a read error means the client went away
func isDisconnect(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var opErr *net.OpError
	return errors.As(err, &opErr) && !opErr.Timeout()
}
