package kv

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/labstack/echo/v4"
)

func TestNewRedisClient_InvalidURL(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), "://nope"); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestNewRedisClient_Healthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/redis", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(client)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestNewRedisClient_NoRetries(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()

	if got := client.Options().MaxRetries; got != -1 {
		t.Errorf("expected retries disabled, got MaxRetries=%d", got)
	}
}

func TestHealthHandler_Unhealthy(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer client.Close()
	mr.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/health/redis", nil)
	rec := httptest.NewRecorder()
	if err := HealthHandler(client)(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}
