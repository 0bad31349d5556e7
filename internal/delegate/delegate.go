package delegate

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"bridge-proxy-go/internal/model"
)

// ErrNoTransport is returned when no transport handle is registered and
// negotiation with the attached controllers times out.
var ErrNoTransport = errors.New("no transport port available")

// Hub tracks the controller clients a transport handle can be negotiated
// from, the way a service worker enumerates its controllable windows.
type Hub struct {
	mu      sync.Mutex
	clients map[*Port]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*Port]struct{})}
}

// Attach registers a controller client port.
func (h *Hub) Attach(p *Port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[p] = struct{}{}
}

// Detach removes a controller client port.
func (h *Hub) Detach(p *Port) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, p)
}

// Snapshot returns the currently attached controller ports.
func (h *Hub) Snapshot() []*Port {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Port, 0, len(h.clients))
	for p := range h.clients {
		out = append(out, p)
	}
	return out
}

// Delegate forwards fetches over the registered transport handle.
type Delegate struct {
	registry *Registry
	hub      *Hub
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a Delegate. timeout bounds the getPort negotiation so a fetch
// never hangs waiting for a handle.
func New(registry *Registry, hub *Hub, timeout time.Duration, logger *slog.Logger) *Delegate {
	return &Delegate{
		registry: registry,
		hub:      hub,
		timeout:  timeout,
		logger:   logger.With("component", "delegate"),
	}
}

// Fetch delegates one request over the transport handle, negotiating a handle
// first if none is registered. The reply is synthesized into an
// UpstreamResponse; an error reply fails the fetch with its message.
func (d *Delegate) Fetch(ctx context.Context, target, method string, headers map[string]string, body []byte) (*model.UpstreamResponse, error) {
	port := d.registry.Get()
	if port == nil {
		negotiated, err := d.negotiate(ctx)
		if err != nil {
			return nil, err
		}
		d.registry.Set(negotiated)
		port = negotiated
	}

	reply, replyRemote := NewPortPair()
	defer reply.Close()

	env := Envelope{
		Message: Message{
			Type: "fetch",
			Fetch: &FetchPayload{
				Remote:  target,
				Method:  method,
				Headers: headers,
				Body:    body,
			},
		},
		Reply: replyRemote,
	}
	if err := port.Post(ctx, env); err != nil {
		if errors.Is(err, ErrPortClosed) {
			return nil, ErrNoTransport
		}
		return nil, err
	}

	answer, err := reply.Recv(ctx)
	if err != nil {
		if errors.Is(err, ErrPortClosed) {
			return nil, ErrNoTransport
		}
		return nil, err
	}

	switch answer.Message.Type {
	case "fetch":
		f := answer.Message.Fetch
		if f == nil {
			return nil, fmt.Errorf("delegated fetch: malformed reply")
		}
		header := make(http.Header, len(f.Headers))
		for k, v := range f.Headers {
			header.Set(k, v)
		}
		return &model.UpstreamResponse{
			StatusCode: f.Status,
			Status:     f.StatusText,
			Header:     header,
			Body:       f.Body,
		}, nil
	case "error":
		return nil, fmt.Errorf("delegated fetch: %s", answer.Message.Error)
	default:
		return nil, fmt.Errorf("delegated fetch: unexpected reply type %q", answer.Message.Type)
	}
}

// negotiate broadcasts a getPort request to every attached controller with a
// fresh reply channel each, and adopts the first granted port. On timeout it
// fails fast with ErrNoTransport rather than retrying.
func (d *Delegate) negotiate(ctx context.Context) (*Port, error) {
	clients := d.hub.Snapshot()
	if len(clients) == 0 {
		return nil, ErrNoTransport
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	granted := make(chan *Port, len(clients))
	for _, client := range clients {
		go func(client *Port) {
			reply, replyRemote := NewPortPair()
			defer reply.Close()

			env := Envelope{Message: Message{Type: "getPort"}, Reply: replyRemote}
			if err := client.Post(ctx, env); err != nil {
				return
			}
			answer, err := reply.Recv(ctx)
			if err != nil || answer.Granted == nil {
				return
			}
			granted <- answer.Granted
		}(client)
	}

	select {
	case port := <-granted:
		d.logger.Debug("transport port negotiated")
		return port, nil
	case <-ctx.Done():
		d.logger.Warn("transport negotiation timed out", "clients", len(clients))
		return nil, ErrNoTransport
	}
}

// ErrorPage renders the end-user-facing HTML shown when a delegated fetch
// fails inside the frame; navigation failures must be visible, not silent.
func ErrorPage(target string, cause error) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head><title>Proxy Error</title></head>
<body style="background:#1a1a1a;color:#fff;font-family:system-ui;display:flex;justify-content:center;align-items:center;height:100vh;margin:0;">
  <div style="text-align:center;">
    <h1 style="color:#f5a623;">Proxy Error</h1>
    <p>Failed to load: %s</p>
    <p style="color:#888;font-size:14px;">%s</p>
    <p style="color:#666;font-size:12px;margin-top:20px;">
      Make sure a valid Wisp server is configured in Settings.
    </p>
  </div>
</body>
</html>`, html.EscapeString(target), html.EscapeString(cause.Error()))
}
