package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/delegate"
	"bridge-proxy-go/internal/model"
	"bridge-proxy-go/internal/relay"
	"bridge-proxy-go/internal/service"
)

// attachSegment marks a transport controller attach request under the
// delegate prefix.
const attachSegment = "attach"

// DelegateHandler serves delegated frame requests and the controller attach
// endpoint. Fetches under the delegate prefix always go through the delegated
// transport regardless of the configured bridge backend.
type DelegateHandler struct {
	service  *service.BridgeService
	codec    *bridge.Codec
	registry *delegate.Registry
	hub      *delegate.Hub
	relay    *relay.Relay
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewDelegateHandler creates a DelegateHandler. codec must carry the delegate
// prefix, not the bridge prefix.
func NewDelegateHandler(svc *service.BridgeService, codec *bridge.Codec, registry *delegate.Registry, hub *delegate.Hub, rl *relay.Relay, logger *slog.Logger) *DelegateHandler {
	return &DelegateHandler{
		service:  svc,
		codec:    codec,
		registry: registry,
		hub:      hub,
		relay:    rl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger.With("component", "delegate_handler"),
	}
}

// Ingress returns the pre-routing middleware for the delegate prefix.
func (h *DelegateHandler) Ingress() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rawURI := c.Request().RequestURI
			rest, ok := h.codec.Remainder(rawURI)
			if !ok {
				return next(c)
			}

			setEmbeddingHeaders(c.Response().Header())

			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}

			// Delegated pages carry the same injected WebSocket override
			// as bridged pages, so relay upgrades arrive under this prefix
			// too.
			if strings.HasPrefix(rest, relaySegment) {
				h.relay.Handle(c.Response(), c.Request(), strings.TrimPrefix(rest, relaySegment))
				return nil
			}

			if strings.TrimSuffix(rest, "/") == attachSegment {
				return h.attach(c)
			}

			return h.handle(c, rawURI)
		}
	}
}

// attach upgrades the connection and runs a controller session until the
// controller disconnects. Sessions register themselves with the hub so the
// delegate can negotiate a transport port from them.
func (h *DelegateHandler) attach(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	session := delegate.NewWSSession(conn, h.registry, h.hub, h.logger)
	if err := session.Run(c.Request().Context()); err != nil {
		h.logger.Debug("controller session ended", "err", err)
	}
	return nil
}

func (h *DelegateHandler) handle(c echo.Context, rawURI string) error {
	req := c.Request()

	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Handle(pr, rawURI)
	if err != nil {
		return h.mapError(c, rawURI, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	return c.Blob(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

// mapError renders failures as a visible HTML error page rather than a bare
// status: delegated frames are navigated to directly, so a JSON body would
// show up as raw text inside the frame.
func (h *DelegateHandler) mapError(c echo.Context, rawURI string, err error) error {
	if errors.Is(err, bridge.ErrMalformedAddress) || errors.Is(err, bridge.ErrUnsupportedScheme) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})
	}
	if errors.Is(err, service.ErrAdmissionBlocked) {
		return c.JSON(http.StatusForbidden, map[string]string{
			"error": service.ErrAdmissionBlocked.Error(),
		})
	}

	target := rawURI
	if rest, ok := h.codec.Remainder(rawURI); ok {
		target = rest
	}

	h.logger.Error("delegated fetch failed",
		"err", err,
		"target", target,
	)

	status := http.StatusInternalServerError
	if errors.Is(err, delegate.ErrNoTransport) {
		status = http.StatusBadGateway
	}
	return c.HTML(status, delegate.ErrorPage(target, err))
}
