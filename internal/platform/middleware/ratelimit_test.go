package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/ratelimit"
)

type brokenStore struct{}

func (brokenStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection refused")
}

func newTestLimiter(store ratelimit.Store, failOpen bool) *ratelimit.Limiter {
	return ratelimit.NewLimiter(store, ratelimit.Config{
		Policies: map[string]ratelimit.Policy{"test": {Limit: 3, Window: time.Minute}},
		FailOpen: failOpen,
	}, zerolog.Nop())
}

func doRequest(e *echo.Echo, h echo.HandlerFunc, ip string) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(http.MethodGet, "/e/Ab3dE9xZ", nil)
	req.RemoteAddr = ip + ":1234"
	rec := httptest.NewRecorder()
	return rec, h(e.NewContext(req, rec))
}

func TestRateLimit_RequestsWithinLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(newTestLimiter(ratelimit.NewMemoryStore(), false), "test", zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 3; i++ {
		rec, err := doRequest(e, h, "192.0.2.1")
		if err != nil {
			t.Fatalf("request %d: expected no error, got %v", i+1, err)
		}
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rec.Code)
		}
		if got := rec.Header().Get("X-RateLimit-Limit"); got != "3" {
			t.Errorf("request %d: expected X-RateLimit-Limit '3', got %q", i+1, got)
		}
	}
}

func TestRateLimit_ExceedsLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(newTestLimiter(ratelimit.NewMemoryStore(), false), "test", zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 3; i++ {
		if _, err := doRequest(e, h, "192.0.2.1"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i+1, err)
		}
	}

	rec, err := doRequest(e, h, "192.0.2.1")
	if err == nil {
		t.Fatal("expected 4th request to be rejected")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", httpErr.Code)
	}
	if httpErr.Message != "Rate limit exceeded. Max 3 requests per 60 seconds." {
		t.Errorf("unexpected message %v", httpErr.Message)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("expected remaining 0, got %q", got)
	}
}

func TestRateLimit_IdentitiesAreIndependent(t *testing.T) {
	e := echo.New()
	h := RateLimit(newTestLimiter(ratelimit.NewMemoryStore(), false), "test", zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 3; i++ {
		doRequest(e, h, "192.0.2.1")
	}
	if _, err := doRequest(e, h, "192.0.2.2"); err != nil {
		t.Fatalf("expected other client to be allowed, got %v", err)
	}
}

func TestRateLimit_StoreFailure(t *testing.T) {
	e := echo.New()
	next := func(c echo.Context) error { return c.String(http.StatusOK, "ok") }

	open := RateLimit(newTestLimiter(brokenStore{}, true), "test", zerolog.Nop())(next)
	if rec, err := doRequest(e, open, "192.0.2.1"); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("fail-open: expected 200, got %d err=%v", rec.Code, err)
	}

	closed := RateLimit(newTestLimiter(brokenStore{}, false), "test", zerolog.Nop())(next)
	_, err := doRequest(e, closed, "192.0.2.1")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusServiceUnavailable {
		t.Fatalf("fail-closed: expected 503, got %v", err)
	}
}
