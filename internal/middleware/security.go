package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// hopByHopHeaders are headers that should not be forwarded by proxies.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// SecurityHeaders returns an Echo middleware that adds security headers and
// strips hop-by-hop headers from requests. WebSocket upgrades are left
// untouched: Connection and Upgrade are load-bearing for the relay and
// controller handshakes. X-Frame-Options is deliberately absent since
// bridged content is meant to render inside frames.
func SecurityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !isUpgrade(c) {
				for _, h := range hopByHopHeaders {
					c.Request().Header.Del(h)
				}
			}

			err := next(c)

			c.Response().Header().Set("X-Content-Type-Options", "nosniff")

			return err
		}
	}
}

func isUpgrade(c echo.Context) bool {
	return strings.EqualFold(c.Request().Header.Get("Upgrade"), "websocket")
}
