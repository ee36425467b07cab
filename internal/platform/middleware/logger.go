package middleware

import (
	"errors"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/anonymize"
)

// Logger logs one line per request. The client address is hashed with
// hasher; raw IPs never reach the log stream.
func Logger(logger zerolog.Logger, hasher *anonymize.Hasher) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			rid, _ := c.Get("request_id").(string)

			err := next(c)
			status := responseStatus(c, err)

			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case err != nil:
				evt = logger.Warn().Err(err)
			}

			evt.
				Str("request_id", rid).
				Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("client_hash", hasher.Hash(c.RealIP())).
				Msg("request")

			return err
		}
	}
}

// responseStatus is the status the client will see. An error returned up
// the chain is rendered later by the HTTPErrorHandler, so the response has
// not been written yet.
func responseStatus(c echo.Context, err error) int {
	if err == nil || c.Response().Committed {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 500
}
