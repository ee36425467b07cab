package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Store is the shared counter backend. Incr atomically increments key and
// returns the post-increment count together with the time left in the
// window. The increment that creates the key starts a new window of the
// given length; the key disappears when the window elapses.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

// ---------------------------------------------------------------------------
// In-memory store
// ---------------------------------------------------------------------------

type memoryWindow struct {
	count   int64
	expires time.Time
}

// MemoryStore is a process-local Store for development and tests. It is not
// shared between replicas.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*memoryWindow
	now     func() time.Time
	incrs   int
}

// pruneEvery controls how often expired windows are swept.
const pruneEvery = 1024

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows: make(map[string]*memoryWindow),
		now:     time.Now,
	}
}

// SetClock replaces the time source. Used by tests to step over windows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.incrs++
	if s.incrs%pruneEvery == 0 {
		for k, w := range s.windows {
			if !now.Before(w.expires) {
				delete(s.windows, k)
			}
		}
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &memoryWindow{expires: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}
