package ratelimit

import (
	"testing"
	"time"
)

func TestLocalStore_TakeAndRefill(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	cfg := Config{Rate: 1, Capacity: 3, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	// Fresh bucket starts full.
	for i := range 3 {
		allowed, _, err := s.Take(t.Context(), "rate:k:c", cfg, 1, now)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("take %d should be allowed", i+1)
		}
	}

	allowed, retryMs, err := s.Take(t.Context(), "rate:k:c", cfg, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("empty bucket should deny")
	}
	if retryMs != 1000 {
		t.Errorf("retryMs = %d, want 1000", retryMs)
	}

	// Half a token after 500ms: still short.
	now = now.Add(500 * time.Millisecond)
	allowed, retryMs, _ = s.Take(t.Context(), "rate:k:c", cfg, 1, now)
	if allowed {
		t.Fatal("should still deny at half a token")
	}
	if retryMs != 500 {
		t.Errorf("retryMs = %d, want 500", retryMs)
	}

	// One full second later the token is back.
	now = now.Add(500 * time.Millisecond)
	allowed, _, _ = s.Take(t.Context(), "rate:k:c", cfg, 1, now)
	if !allowed {
		t.Error("should allow after refill")
	}
}

func TestLocalStore_RefillCapped(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	cfg := Config{Rate: 10, Capacity: 5, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	s.Take(t.Context(), "rate:k:c", cfg, 5, now)

	// An hour idle refills to capacity, not beyond.
	now = now.Add(time.Hour)
	s.Take(t.Context(), "rate:k:c", cfg, 1, now)

	tokens, ok := s.tokensOf("rate:k:c")
	if !ok {
		t.Fatal("bucket missing")
	}
	if tokens != 4 {
		t.Errorf("tokens = %v, want 4", tokens)
	}
}

func TestLocalStore_NegativeElapsed(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	cfg := Config{Rate: 1, Capacity: 2, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	s.Take(t.Context(), "rate:k:c", cfg, 1, now)

	// Clock going backwards must not refill.
	allowed, _, _ := s.Take(t.Context(), "rate:k:c", cfg, 1, now.Add(-time.Hour))
	if !allowed {
		t.Fatal("one token should remain")
	}
	if tokens, _ := s.tokensOf("rate:k:c"); tokens != 0 {
		t.Errorf("tokens = %v, want 0", tokens)
	}
}

func TestLocalStore_PenalizeOverdraw(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	cfg := Config{Rate: 1, Capacity: 3, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	// Drain 5s worth from a full 3-token bucket: balance goes to -2.
	if err := s.Penalize(t.Context(), "rate:k:c", cfg, 5, now); err != nil {
		t.Fatal(err)
	}
	tokens, _ := s.tokensOf("rate:k:c")
	if tokens != -2 {
		t.Errorf("tokens = %v, want -2", tokens)
	}

	// The deficit stretches the retry hint: 1 token needs 3s of refill.
	allowed, retryMs, _ := s.Take(t.Context(), "rate:k:c", cfg, 1, now)
	if allowed {
		t.Fatal("overdrawn bucket should deny")
	}
	if retryMs != 3000 {
		t.Errorf("retryMs = %d, want 3000", retryMs)
	}

	// After the deficit refills, acquires flow again.
	allowed, _, _ = s.Take(t.Context(), "rate:k:c", cfg, 1, now.Add(3*time.Second))
	if !allowed {
		t.Error("should allow once the deficit refilled")
	}
}

func TestLocalStore_EvictStale(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	cfg := Config{Rate: 1, Capacity: 1, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	s.Take(t.Context(), "rate:k:old", cfg, 1, now.Add(-2*time.Hour))
	s.Take(t.Context(), "rate:k:fresh", cfg, 1, now)

	evicted := s.EvictStale(now.Add(-time.Hour))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}
	if _, ok := s.tokensOf("rate:k:old"); ok {
		t.Error("stale bucket should be gone")
	}
	if _, ok := s.tokensOf("rate:k:fresh"); !ok {
		t.Error("fresh bucket should survive")
	}
	if s.Len() != 1 {
		t.Errorf("len = %d, want 1", s.Len())
	}
}

func TestLocalStore_RetryMsRoundsUp(t *testing.T) {
	t.Parallel()
	s := NewLocalStore()
	cfg := Config{Rate: 3, Capacity: 1, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	s.Take(t.Context(), "rate:k:c", cfg, 1, now)

	// 1 token at 3/s is 333.3ms: hint rounds up, never under-waits.
	_, retryMs, _ := s.Take(t.Context(), "rate:k:c", cfg, 1, now)
	if retryMs != 334 {
		t.Errorf("retryMs = %d, want 334", retryMs)
	}
}
