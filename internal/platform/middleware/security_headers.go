package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
)

// SecurityHeadersConfig controls the headers that depend on deployment.
type SecurityHeadersConfig struct {
	// HSTSMaxAge enables Strict-Transport-Security on HTTPS requests.
	// Zero leaves it off, which is what local development wants.
	HSTSMaxAge time.Duration
}

// SecurityHeaders sets response headers for a JSON API that returns
// appointment and payment data. Nothing is framed, nothing is rendered by a
// browser and nothing may be cached.
func SecurityHeaders(cfg SecurityHeadersConfig) echo.MiddlewareFunc {
	var hsts string
	if cfg.HSTSMaxAge > 0 {
		hsts = "max-age=" + strconv.FormatInt(int64(cfg.HSTSMaxAge/time.Second), 10)
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("Cache-Control", "no-store")
			// Scheme honours X-Forwarded-Proto behind a terminating proxy.
			if hsts != "" && c.Scheme() == "https" {
				h.Set("Strict-Transport-Security", hsts)
			}
			return next(c)
		}
	}
}
