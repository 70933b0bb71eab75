package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket is a lazy-refill token bucket. Configuration is passed per call so
// rule changes take effect without rebuilding state, mirroring the shared
// store's script arguments.
type bucket struct {
	tokens     float64
	lastRefill time.Time
	lastUsed   time.Time
}

func (b *bucket) refill(cfg Config, now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(cfg.Capacity, b.tokens+elapsed*cfg.Rate)
	b.lastRefill = now
}

// LocalStore is the per-process fallback bucket map. It mirrors the shared
// store's math exactly; the only divergence is that its state is invisible
// to other processes, a documented drift window during shared-store outages.
type LocalStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLocalStore returns an empty local bucket store.
func NewLocalStore() *LocalStore {
	return &LocalStore{buckets: make(map[string]*bucket)}
}

// Take refills and consumes atomically under the store lock.
func (s *LocalStore) Take(_ context.Context, key string, cfg Config, cost float64, now time.Time) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(key, cfg, now)
	b.refill(cfg, now)
	b.lastUsed = now

	if b.tokens >= cost {
		b.tokens -= cost
		return true, 0, nil
	}
	retryMs := int64(math.Ceil((cost - b.tokens) / cfg.Rate * 1000))
	return false, retryMs, nil
}

// Penalize refills then subtracts cost. Overdraw below zero is deliberate:
// the deficit must refill before any acquire succeeds again.
func (s *LocalStore) Penalize(_ context.Context, key string, cfg Config, cost float64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.bucket(key, cfg, now)
	b.refill(cfg, now)
	b.lastUsed = now
	b.tokens -= cost
	return nil
}

// EvictStale removes buckets not used since cutoff.
func (s *LocalStore) EvictStale(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := 0
	for k, b := range s.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(s.buckets, k)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of live buckets.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// tokensOf reports the current token count of key, for tests.
func (s *LocalStore) tokensOf(key string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return 0, false
	}
	return b.tokens, true
}

func (s *LocalStore) bucket(key string, cfg Config, now time.Time) *bucket {
	b := s.buckets[key]
	if b == nil {
		b = &bucket{tokens: cfg.Capacity, lastRefill: now}
		s.buckets[key] = b
	}
	return b
}
