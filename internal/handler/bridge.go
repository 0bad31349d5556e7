package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"bridge-proxy-go/internal/bridge"
	"bridge-proxy-go/internal/client"
	"bridge-proxy-go/internal/model"
	"bridge-proxy-go/internal/relay"
	"bridge-proxy-go/internal/service"
)

// relaySegment marks a websocket relay request under the bridge prefix.
const relaySegment = "ws/"

// BridgeHandler intercepts bridged content requests before normal routing.
type BridgeHandler struct {
	service *service.BridgeService
	codec   *bridge.Codec
	relay   *relay.Relay
	logger  *slog.Logger
}

// NewBridgeHandler creates a BridgeHandler.
func NewBridgeHandler(svc *service.BridgeService, codec *bridge.Codec, rl *relay.Relay, logger *slog.Logger) *BridgeHandler {
	return &BridgeHandler{
		service: svc,
		codec:   codec,
		relay:   rl,
		logger:  logger.With("component", "bridge_handler"),
	}
}

// Ingress returns the pre-routing middleware. Any request whose raw URI
// carries the bridge prefix, literal or percent-encoded, is served here and
// never reaches the router; everything else passes through. The raw
// RequestURI is inspected because path normalization would collapse the
// encoded prefix and the target's own URL structure.
func (h *BridgeHandler) Ingress() echo.MiddlewareFunc {
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

			if strings.HasPrefix(rest, relaySegment) {
				h.relay.Handle(c.Response(), c.Request(), strings.TrimPrefix(rest, relaySegment))
				return nil
			}

			return h.handle(c, rawURI)
		}
	}
}

func (h *BridgeHandler) handle(c echo.Context, rawURI string) error {
	req := c.Request()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "failed to read request body",
			})
		}
	}

	pr := &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Header: req.Header,
		Body:   body,
	}

	resp, err := h.service.Handle(pr, rawURI)
	if err != nil {
		return h.mapError(c, err)
	}

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}
	return c.Blob(resp.StatusCode, resp.Header.Get("Content-Type"), resp.Body)
}

func (h *BridgeHandler) mapError(c echo.Context, err error) error {
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

	h.logger.Error("bridge fetch failed",
		"err", err,
		"uri", c.Request().RequestURI,
	)

	if errors.Is(err, client.ErrUpstreamFetch) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": client.ErrUpstreamFetch.Error(),
		})
	}

	return c.JSON(http.StatusInternalServerError, map[string]string{
		"error": "failed to fetch URL",
	})
}

// setEmbeddingHeaders marks a response as embeddable from any origin. Every
// bridged branch must carry these, error responses included, or the embedding
// frame cannot read them.
func setEmbeddingHeaders(h http.Header) {
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, PATCH, HEAD, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "*")
	h.Set("Cross-Origin-Resource-Policy", "cross-origin")
}
