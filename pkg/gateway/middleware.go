package gateway

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/swarmfleet/swarmd/pkg/command"
)

// securityHeaders returns middleware that sets standard security response headers.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

// commandHTTPError maps a command error onto an HTTP status, keeping the
// stable code and message as the response payload.
func commandHTTPError(err error) error {
	ce := command.AsError(err)
	status := http.StatusBadRequest
	switch ce.Code {
	case command.CodeNotFound:
		status = http.StatusNotFound
	case command.CodeConflict, command.CodeInUse, command.CodeTerminal:
		status = http.StatusConflict
	case command.CodeQueueFull, command.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case command.CodeInternal, command.CodeSpawn, command.CodeResource:
		status = http.StatusInternalServerError
	}
	return echo.NewHTTPError(status, ce.Code+": "+ce.Message)
}
