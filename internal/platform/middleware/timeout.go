package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// DeadlineConfig bounds how long a request may spend in handlers.
type DeadlineConfig struct {
	Timeout time.Duration
	// Skip exempts paths such as /metrics from the deadline.
	Skip func(path string) bool
}

// Deadline runs the handler under a context deadline. Handlers observe the
// deadline through their store calls; once one gives up, a response that has
// not been written yet becomes a 504. The handler runs on the calling
// goroutine, so the echo.Context is never shared with a straggler.
func Deadline(cfg DeadlineConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if cfg.Timeout <= 0 {
			return next
		}
		return func(c echo.Context) error {
			if cfg.Skip != nil && cfg.Skip(c.Request().URL.Path) {
				return next(c)
			}

			parent := c.Request()
			ctx, cancel := context.WithTimeout(parent.Context(), cfg.Timeout)
			defer cancel()
			c.SetRequest(parent.WithContext(ctx))

			err := next(c)
			if !errors.Is(ctx.Err(), context.DeadlineExceeded) || c.Response().Committed {
				return err
			}
			// The client went away first; nothing useful to send.
			if parent.Context().Err() != nil {
				return err
			}
			return echo.NewHTTPError(http.StatusGatewayTimeout, "Request timed out")
		}
	}
}
