package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the route handlers onto the Echo instance. The bridge
// and delegate ingress middlewares are registered as pre-routing middleware
// because bridged URIs embed full target URLs the router must never see.
func RegisterRoutes(e *echo.Echo, bridge *BridgeHandler, delegated *DelegateHandler, health *HealthHandler) {
	e.Pre(bridge.Ingress())
	e.Pre(delegated.Ingress())

	e.GET("/healthz", health.Healthz)
	e.GET("/bridge/status", health.Status)
}
