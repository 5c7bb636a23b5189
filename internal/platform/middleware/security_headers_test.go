package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

var wantSecurityHeaders = map[string]string{
	"X-Content-Type-Options":  "nosniff",
	"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
	"Referrer-Policy":         "no-referrer",
	"Cache-Control":           "no-store",
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		path    string
		handler echo.HandlerFunc
		code    int
	}{
		{
			name:    "appointment list",
			method:  http.MethodGet,
			path:    "/api/v1/appointments",
			handler: func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]int{"total": 0}) },
			code:    http.StatusOK,
		},
		{
			name:    "checkout created",
			method:  http.MethodPost,
			path:    "/api/v1/appointments/checkout",
			handler: func(c echo.Context) error { return c.JSON(http.StatusCreated, map[string]string{"reference": "cs_1"}) },
			code:    http.StatusCreated,
		},
		{
			name:    "rejected cancellation",
			method:  http.MethodPost,
			path:    "/api/v1/appointments/a-1/cancel",
			handler: func(c echo.Context) error { return echo.NewHTTPError(http.StatusUnprocessableEntity, "locked") },
			code:    http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(SecurityHeaders(SecurityHeadersConfig{}))
			e.Add(tt.method, tt.path, tt.handler)

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			for header, want := range wantSecurityHeaders {
				if got := rec.Header().Get(header); got != want {
					t.Errorf("%s = %q, want %q", header, got, want)
				}
			}
			for _, header := range []string{"X-Frame-Options", "X-XSS-Protection", "Permissions-Policy"} {
				if rec.Header().Get(header) != "" {
					t.Errorf("%s is meaningless for a JSON API and should not be sent", header)
				}
			}
		})
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	tests := []struct {
		name   string
		maxAge time.Duration
		proto  string
		want   string
	}{
		{"disabled", 0, "https", ""},
		{"plain http", 24 * time.Hour, "", ""},
		{"behind tls proxy", 24 * time.Hour, "https", "max-age=86400"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			e.Use(SecurityHeaders(SecurityHeadersConfig{HSTSMaxAge: tt.maxAge}))
			e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			if tt.proto != "" {
				req.Header.Set(echo.HeaderXForwardedProto, tt.proto)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if got := rec.Header().Get("Strict-Transport-Security"); got != tt.want {
				t.Errorf("Strict-Transport-Security = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSecurityHeaders_UnknownRoute(t *testing.T) {
	e := echo.New()
	e.Use(SecurityHeaders(SecurityHeadersConfig{}))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Error("expected headers on 404 responses too")
	}
}
