// Package ratelimit implements fixed-window request limiting keyed by
// (action class, hashed client identity) on top of a shared counter store.
//
// Fixed windows accept bursts of up to twice the limit across a window
// boundary; that is a known limitation, not a bug.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitaltags/vitaltags/internal/platform/anonymize"
)

// ErrUnavailable is returned when the counter store cannot be reached and
// the limiter is configured to fail closed.
var ErrUnavailable = errors.New("rate limiting service unavailable")

// Config configures a Limiter.
type Config struct {
	Policies map[string]Policy
	// FailOpen allows requests when the counter store errors.
	FailOpen bool
	// Hasher keys counter identities. Instances sharing a store must share
	// the key; nil gets a per-process random key.
	Hasher *anonymize.Hasher
	// StoreTimeout bounds one counter round trip so a stalled store turns
	// into a fail-open decision quickly.
	StoreTimeout time.Duration
}

// DefaultStoreTimeout is used when Config.StoreTimeout is zero.
const DefaultStoreTimeout = 300 * time.Millisecond

// Decision describes the outcome of a single Allow call.
type Decision struct {
	Allowed    bool
	Policy     Policy
	Count      int64
	Remaining  int
	RetryAfter time.Duration
	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

// Limiter decides whether a request may proceed.
type Limiter struct {
	store        Store
	policies     map[string]Policy
	failOpen     bool
	hasher       *anonymize.Hasher
	storeTimeout time.Duration
	logger       zerolog.Logger
}

func NewLimiter(store Store, cfg Config, logger zerolog.Logger) *Limiter {
	policies := DefaultPolicies()
	for class, p := range cfg.Policies {
		policies[class] = p
	}
	if cfg.Hasher == nil {
		cfg.Hasher = anonymize.NewHasher("")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	return &Limiter{
		store:        store,
		policies:     policies,
		failOpen:     cfg.FailOpen,
		hasher:       cfg.Hasher,
		storeTimeout: cfg.StoreTimeout,
		logger:       logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Policy returns the policy applied to class.
func (l *Limiter) Policy(class string) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return fallbackPolicy
}

// Key returns the counter key for (class, identity). The raw identity never
// leaves this function.
func (l *Limiter) Key(class, identity string) string {
	if identity == "" {
		identity = "unknown"
	}
	return fmt.Sprintf("rate_limit:%s:%s", class, l.hasher.Hash(identity))
}

// Allow counts one request for (class, identity) and reports whether it is
// within the class threshold.
func (l *Limiter) Allow(ctx context.Context, class, identity string) (Decision, error) {
	p := l.Policy(class)
	key := l.Key(class, identity)

	ctx, cancel := context.WithTimeout(ctx, l.storeTimeout)
	count, ttl, err := l.store.Incr(ctx, key, p.Window)
	cancel()
	if err != nil {
		if l.failOpen {
			l.logger.Warn().Err(err).Str("class", class).Msg("counter store unavailable, allowing request")
			return Decision{Allowed: true, Policy: p, Remaining: p.Limit, Degraded: true}, nil
		}
		l.logger.Error().Err(err).Str("class", class).Msg("counter store unavailable, rejecting request")
		return Decision{Policy: p}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	d := Decision{
		Allowed: count <= int64(p.Limit),
		Policy:  p,
		Count:   count,
	}
	if rem := int64(p.Limit) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		d.RetryAfter = ttl
		if d.RetryAfter <= 0 {
			d.RetryAfter = p.Window
		}
	}
	return d, nil
}
