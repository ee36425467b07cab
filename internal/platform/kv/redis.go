// Package kv wires the shared Redis counter store used by the rate limiter.
package kv

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/labstack/echo/v4"
)

// NewRedisClient parses a redis:// URL and builds a client. The connection is
// verified with a PING, but an unreachable Redis is reported rather than
// fatal: the rate limiter decides what an outage means.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 500 * time.Millisecond
	opts.WriteTimeout = 500 * time.Millisecond
	// The limiter sits on every emergency request; a failed command should
	// surface at once so fail-open can apply. -1 disables retries in v8.
	opts.MaxRetries = -1

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return client, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// HealthHandler reports whether Redis answers a PING.
func HealthHandler(client *redis.Client) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()

		if err := client.Ping(ctx).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]interface{}{
				"status": "unhealthy",
			})
		}
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status": "healthy",
		})
	}
}
