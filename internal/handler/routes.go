package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
// Everything that is not a service endpoint is relayed upstream.
func RegisterRoutes(e *echo.Echo, rl *RelayHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.Any("/*", rl.Handle)
}
