package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/ratelimit"
)

// RateLimit applies the fixed-window policy of class to every request,
// keyed on the client address. Rejections carry the threshold and window
// but never the bucket key.
func RateLimit(limiter *ratelimit.Limiter, class string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			d, err := limiter.Allow(c.Request().Context(), class, c.RealIP())
			if err != nil {
				if errors.Is(err, ratelimit.ErrUnavailable) {
					return echo.NewHTTPError(http.StatusServiceUnavailable, "Rate limiting service unavailable")
				}
				return err
			}

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(d.Policy.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				retry := int(math.Ceil(d.RetryAfter.Seconds()))
				if retry < 1 {
					retry = 1
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				logger.Warn().
					Str("class", class).
					Int64("count", d.Count).
					Int("limit", d.Policy.Limit).
					Msg("rate limit exceeded")
				return echo.NewHTTPError(http.StatusTooManyRequests, d.Policy.Message())
			}
			return next(c)
		}
	}
}
