package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestSecurityHeaders(t *testing.T) {
	want := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}

	handlers := map[string]echo.HandlerFunc{
		"ok":    func(c echo.Context) error { return c.JSON(http.StatusOK, map[string]int{"waiting": 3}) },
		"error": func(c echo.Context) error { return echo.NewHTTPError(http.StatusConflict, "slot occupied") },
	}
	for name, h := range handlers {
		t.Run(name, func(t *testing.T) {
			e := echo.New()
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/opd/opd1/queue", nil), rec)

			err := SecurityHeaders()(h)(c)
			if name == "error" {
				var he *echo.HTTPError
				if !errors.As(err, &he) || he.Code != http.StatusConflict {
					t.Fatalf("expected handler error to pass through, got %v", err)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			for header, v := range want {
				if got := rec.Header().Get(header); got != v {
					t.Errorf("%s: got %q, want %q", header, got, v)
				}
			}
		})
	}
}
