// Package relay bridges an inbound WebSocket whose path encodes a target
// ws(s):// URL to a live outbound socket on the real target. Frames are piped
// 1:1 in both directions with their text/binary framing preserved; when
// either leg closes or errors the whole session tears down immediately.
package relay

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/metrics"
)

// Close code 1002 (protocol error) mirrors the rejection behavior for bad
// targets and blocked hosts.
const closeProtocolError = websocket.CloseProtocolError

// Relay accepts upgrade requests and bridges them to target WebSockets.
type Relay struct {
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	blocked  func(string) bool
}

// New creates a Relay. The metrics parameter is optional.
func New(logger *slog.Logger, m *metrics.Metrics) *Relay {
	r := NewForTest(logger, m)
	r.blocked = bridge.IsBlocked
	return r
}

// NewForTest creates a Relay without the admission guard. This is intended
// only for tests that use httptest targets on localhost.
func NewForTest(logger *slog.Logger, m *metrics.Metrics) *Relay {
	return &Relay{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// The bridge serves third-party frames on purpose.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		dialer:  websocket.DefaultDialer,
		logger:  logger.With("component", "relay"),
		metrics: m,
		blocked: func(string) bool { return false },
	}
}

// Handle upgrades the inbound request and bridges it to the target encoded in
// encodedTarget (the sub-path after "<prefix>ws/"). Validation failures close
// the client socket with code 1002 and never dial out.
func (r *Relay) Handle(w http.ResponseWriter, req *http.Request, encodedTarget string) {
	clientConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("upgrade failed", "err", err)
		return
	}

	target, err := decodeTarget(encodedTarget)
	if err != nil {
		r.reject(clientConn, err.Error())
		return
	}

	targetURL, err := url.Parse(target)
	if err != nil {
		r.reject(clientConn, "Invalid URL encoding")
		return
	}
	if r.blocked(targetURL.Hostname()) {
		r.reject(clientConn, "Access to internal resources not allowed")
		return
	}

	targetConn, _, err := r.dialer.DialContext(req.Context(), target, nil)
	if err != nil {
		r.logger.Debug("target dial failed", "target", targetURL.Host, "err", err)
		r.reject(clientConn, "Target connection failed")
		return
	}

	r.logger.Debug("relay session open", "target", targetURL.Host)
	if r.metrics != nil {
		r.metrics.RelaySessions.Inc()
		defer r.metrics.RelaySessions.Dec()
	}

	r.pipe(clientConn, targetConn)
}

// pipe forwards frames in both directions until either leg fails, then
// closes both. Message types pass through untouched.
func (r *Relay) pipe(clientConn, targetConn *websocket.Conn) {
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = targetConn.Close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer teardown()
		copyFrames(targetConn, clientConn)
	}()
	go func() {
		defer wg.Done()
		defer teardown()
		copyFrames(clientConn, targetConn)
	}()
	wg.Wait()
}

func copyFrames(dst, src *websocket.Conn) {
	for {
		mt, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(mt, data); err != nil {
			return
		}
	}
}

// reject sends a close frame with code 1002 and drops the connection.
func (r *Relay) reject(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(closeProtocolError, reason)
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// decodeTarget percent-decodes the relay sub-path and requires an explicit
// ws:// or wss:// scheme; the relay never upgrades schemes on its own.
// PathUnescape keeps "+" literal in target query strings.
func decodeTarget(encoded string) (string, error) {
	target, err := url.PathUnescape(encoded)
	if err != nil {
		return "", errInvalidEncoding
	}
	if !strings.HasPrefix(target, "ws://") && !strings.HasPrefix(target, "wss://") {
		return "", errInvalidTarget
	}
	return target, nil
}

type relayError string

func (e relayError) Error() string { return string(e) }

const (
	errInvalidEncoding = relayError("Invalid URL encoding")
	errInvalidTarget   = relayError("Invalid WebSocket URL")
)
