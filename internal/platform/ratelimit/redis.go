package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// incrScript increments the counter and arms the expiry in one round trip.
// A key left without a TTL (e.g. written by an older client) is re-armed.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// RedisStore keeps fixed-window counters in Redis so all replicas share them.
type RedisStore struct {
	client redis.Scripter
}

func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	ms := window.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	res, err := incrScript.Run(ctx, s.client, []string{key}, ms).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis incr %s: %w", key, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return 0, 0, fmt.Errorf("redis incr %s: unexpected reply %T", key, res)
	}
	count, ok1 := vals[0].(int64)
	ttl, ok2 := vals[1].(int64)
	if !ok1 || !ok2 {
		return 0, 0, fmt.Errorf("redis incr %s: unexpected reply types %T/%T", key, vals[0], vals[1])
	}
	return count, time.Duration(ttl) * time.Millisecond, nil
}
