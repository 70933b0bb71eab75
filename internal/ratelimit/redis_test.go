package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	connector "github.com/andersh/bifrost/internal"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStore_TakeGrantAndDeny(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	cfg := Config{Rate: 1, Capacity: 2, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	for i := range 2 {
		allowed, _, err := s.Take(t.Context(), "rate:slack:c1", cfg, 1, now)
		if err != nil {
			t.Fatal(err)
		}
		if !allowed {
			t.Fatalf("take %d should be allowed", i+1)
		}
	}

	allowed, retryMs, err := s.Take(t.Context(), "rate:slack:c1", cfg, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("empty bucket should deny")
	}
	if retryMs != 1000 {
		t.Errorf("retryMs = %d, want 1000", retryMs)
	}
}

func TestRedisStore_Refill(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	cfg := Config{Rate: 2, Capacity: 2, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	s.Take(t.Context(), "rate:slack:c1", cfg, 2, now)

	// 500ms at 2/s brings one token back.
	allowed, _, err := s.Take(t.Context(), "rate:slack:c1", cfg, 1, now.Add(500*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Error("should allow after refill")
	}

	// Idle for an hour: capped at capacity, not 7200 tokens.
	allowed, _, _ = s.Take(t.Context(), "rate:slack:c1", cfg, 2, now.Add(time.Hour))
	if !allowed {
		t.Fatal("full bucket should grant capacity")
	}
	allowed, _, _ = s.Take(t.Context(), "rate:slack:c1", cfg, 1, now.Add(time.Hour))
	if allowed {
		t.Error("refill must cap at capacity")
	}
}

func TestRedisStore_Penalize(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	cfg := Config{Rate: 1, Capacity: 3, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	// Drain 5 tokens from a full 3-token bucket.
	if err := s.Penalize(t.Context(), "rate:slack:c1", cfg, 5, now); err != nil {
		t.Fatal(err)
	}

	allowed, retryMs, err := s.Take(t.Context(), "rate:slack:c1", cfg, 1, now)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("overdrawn bucket should deny")
	}
	if retryMs != 3000 {
		t.Errorf("retryMs = %d, want 3000", retryMs)
	}

	allowed, _, _ = s.Take(t.Context(), "rate:slack:c1", cfg, 1, now.Add(3*time.Second))
	if !allowed {
		t.Error("should allow once the deficit refilled")
	}
}

func TestRedisStore_SetsTTL(t *testing.T) {
	t.Parallel()
	s, mr := newRedisStore(t)
	cfg := Config{Rate: 1, Capacity: 3, TTL: 90 * time.Second}
	now := time.Unix(1700000000, 0)

	if _, _, err := s.Take(t.Context(), "rate:slack:c1", cfg, 1, now); err != nil {
		t.Fatal(err)
	}

	if ttl := mr.TTL("rate:slack:c1"); ttl != 90*time.Second {
		t.Errorf("ttl = %v, want 90s", ttl)
	}
}

func TestRedisStore_BucketsIndependent(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	cfg := Config{Rate: 1, Capacity: 1, TTL: time.Minute}
	now := time.Unix(1700000000, 0)

	allowed, _, _ := s.Take(t.Context(), "rate:slack:c1", cfg, 1, now)
	if !allowed {
		t.Fatal("first bucket should grant")
	}
	allowed, _, _ = s.Take(t.Context(), "rate:slack:c2", cfg, 1, now)
	if !allowed {
		t.Error("second bucket must not share state with the first")
	}
}

func TestRedisStore_TakeError(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := NewRedisStore(client)
	mr.Close()

	_, _, err := s.Take(t.Context(), "rate:slack:c1", Config{Rate: 1, Capacity: 1, TTL: time.Minute}, 1, time.Now())
	if err == nil {
		t.Fatal("closed server should surface an error")
	}
}

func TestLimiter_WithRedisStore(t *testing.T) {
	t.Parallel()
	s, _ := newRedisStore(t)
	l, _ := newTestLimiter(s)

	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1, Burst: 2}}

	for range 2 {
		if _, err := l.Acquire(t.Context(), req); err != nil {
			t.Fatal(err)
		}
	}

	lease, err := l.Acquire(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Attempts < 2 {
		t.Errorf("attempts = %d, want >= 2", lease.Attempts)
	}
	if l.Local().Len() != 0 {
		t.Error("healthy shared store should not touch local buckets")
	}
}
