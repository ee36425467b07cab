package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisStore(client)
}

func TestRedisStore_IncrArmsExpiry(t *testing.T) {
	mr, store := setupTestRedis(t)
	ctx := context.Background()

	n, ttl, err := store.Incr(ctx, "rate_limit:test:abc", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected count 1, got %d", n)
	}
	if ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl within window, got %s", ttl)
	}
	if got := mr.TTL("rate_limit:test:abc"); got <= 0 {
		t.Errorf("expected key to carry a TTL, got %s", got)
	}

	n, _, err = store.Incr(ctx, "rate_limit:test:abc", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("expected count 2, got %d", n)
	}
}

func TestRedisStore_WindowReset(t *testing.T) {
	mr, store := setupTestRedis(t)
	l := NewLimiter(store, Config{
		Policies: map[string]Policy{"test": {Limit: 3, Window: time.Minute}},
	}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := l.Allow(ctx, "test", "192.0.2.1")
		if err != nil || !d.Allowed {
			t.Fatalf("request %d: expected allowed, got %+v err=%v", i+1, d, err)
		}
	}
	d, err := l.Allow(ctx, "test", "192.0.2.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected 4th request rejected")
	}
	if d.RetryAfter <= 0 {
		t.Error("expected positive retry-after")
	}

	mr.FastForward(61 * time.Second)

	d, err = l.Allow(ctx, "test", "192.0.2.1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("expected request allowed after window elapsed")
	}
}

func TestRedisStore_RearmsKeyWithoutTTL(t *testing.T) {
	mr, store := setupTestRedis(t)
	mr.Set("rate_limit:test:stale", "5")

	n, ttl, err := store.Incr(context.Background(), "rate_limit:test:stale", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 6 {
		t.Errorf("expected count 6, got %d", n)
	}
	if ttl != time.Minute {
		t.Errorf("expected re-armed ttl of 1m, got %s", ttl)
	}
}

func TestRedisStore_Unreachable(t *testing.T) {
	mr, store := setupTestRedis(t)
	mr.Close()

	l := NewLimiter(store, Config{FailOpen: true}, zerolog.Nop())
	d, err := l.Allow(context.Background(), ClassEmergencyAccess, "ip")
	if err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
	if !d.Allowed || !d.Degraded {
		t.Errorf("expected degraded allow, got %+v", d)
	}
}
