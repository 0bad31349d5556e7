package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"bridge-proxy-go/internal/config"
	"bridge-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	svc     *service.BridgeService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, svc *service.BridgeService, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, svc: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status reports the active backend, transport and wisp endpoint.
func (h *HealthHandler) Status(c echo.Context) error {
	settings := h.cfg.Settings()
	return c.JSON(http.StatusOK, map[string]string{
		"status":      "ok",
		"version":     string(h.version),
		"backend":     h.svc.Backend(),
		"transport":   settings.ProxyTransport,
		"wisp_server": settings.WispServer,
	})
}
