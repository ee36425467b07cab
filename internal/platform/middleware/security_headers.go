package middleware

import (
	"strings"

	"github.com/labstack/echo/v4"
)

// HeaderPolicy controls the response hardening applied to every route.
type HeaderPolicy struct {
	// HSTS is only sent once TLS terminates in front of us for real.
	HSTS bool
	// NoStorePrefixes lists path prefixes whose bodies carry health data.
	NoStorePrefixes []string
}

// DefaultHeaderPolicy keeps emergency views and owner data out of caches.
func DefaultHeaderPolicy(production bool) HeaderPolicy {
	return HeaderPolicy{
		HSTS:            production,
		NoStorePrefixes: []string{"/e/", "/api/"},
	}
}

// SecureHeaders sets browser hardening headers. Emergency pages are opened
// from a phone camera by strangers, so the rules lean towards never framing,
// indexing or caching anything.
func SecureHeaders(p HeaderPolicy) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-Robots-Tag", "noindex, nofollow")
			if p.HSTS {
				h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			path := c.Request().URL.Path
			for _, prefix := range p.NoStorePrefixes {
				if strings.HasPrefix(path, prefix) {
					h.Set("Cache-Control", "no-store")
					h.Set("Pragma", "no-cache")
					break
				}
			}
			return next(c)
		}
	}
}
