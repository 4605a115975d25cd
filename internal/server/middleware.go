package server

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bastion/internal/router"
)

// requestID tags every request with a UUID, echoed back to the client and
// forwarded upstream so both sides of the hop can be correlated.
func requestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	})
}

// requestLogger logs one line per request. Health polls log at Debug so a
// monitoring loop does not drown the request log.
func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()
			fields := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"query", req.URL.RawQuery,
				"status", res.Status,
				"bytes", res.Size,
				"duration", time.Since(start),
				"client_ip", c.RealIP(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
			}

			if req.URL.Path == router.HealthPath {
				log.Debug("request", fields...)
				return nil
			}
			log.Info("request", fields...)
			return nil
		}
	}
}
