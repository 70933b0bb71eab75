package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

func TestConfigFor(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		rules        *connector.RateLimitRules
		wantRate     float64
		wantCapacity float64
		wantTTL      time.Duration
	}{
		{
			name:         "rps only",
			rules:        &connector.RateLimitRules{RPS: 2},
			wantRate:     2,
			wantCapacity: 6,
			wantTTL:      time.Minute,
		},
		{
			name:         "rpm stricter than rps",
			rules:        &connector.RateLimitRules{RPS: 10, RPM: 60},
			wantRate:     1,
			wantCapacity: 3,
			wantTTL:      time.Minute,
		},
		{
			name:         "rpd dominates",
			rules:        &connector.RateLimitRules{RPS: 5, RPD: 8640},
			wantRate:     0.1,
			wantCapacity: 1,
			wantTTL:      time.Minute,
		},
		{
			name:         "clamped to min",
			rules:        &connector.RateLimitRules{RPM: 1},
			wantRate:     0.1,
			wantCapacity: 1,
			wantTTL:      time.Minute,
		},
		{
			name:         "slow bucket with big burst drains past the floor",
			rules:        &connector.RateLimitRules{RPM: 6, Burst: 30},
			wantRate:     0.1,
			wantCapacity: 30,
			wantTTL:      10 * time.Minute,
		},
		{
			name:         "clamped to max",
			rules:        &connector.RateLimitRules{RPS: 5000},
			wantRate:     1000,
			wantCapacity: 3000,
			wantTTL:      time.Minute,
		},
		{
			name:         "explicit burst wins",
			rules:        &connector.RateLimitRules{RPS: 2, Burst: 10},
			wantRate:     2,
			wantCapacity: 10,
			wantTTL:      time.Minute,
		},
		{
			name:         "burst only",
			rules:        &connector.RateLimitRules{Burst: 5},
			wantRate:     1000,
			wantCapacity: 5,
			wantTTL:      time.Minute,
		},
		{
			name:         "nil rules",
			rules:        nil,
			wantRate:     1000,
			wantCapacity: 3000,
			wantTTL:      time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := ConfigFor(tt.rules)
			if cfg.Rate != tt.wantRate {
				t.Errorf("rate = %v, want %v", cfg.Rate, tt.wantRate)
			}
			if cfg.Capacity != tt.wantCapacity {
				t.Errorf("capacity = %v, want %v", cfg.Capacity, tt.wantCapacity)
			}
			if cfg.TTL != tt.wantTTL {
				t.Errorf("ttl = %v, want %v", cfg.TTL, tt.wantTTL)
			}
		})
	}
}

func TestBucketKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		connector  string
		connection string
		want       string
	}{
		{"slack", "conn_123", "rate:slack:conn_123"},
		{"slack", "", "rate:slack:global"},
		{"Google-Sheets", "Team A", "rate:google-sheets:team-a"},
		{"stripe", "acct/9!x", "rate:stripe:acct-9-x"},
	}

	for _, tt := range tests {
		got := BucketKey(tt.connector, tt.connection)
		if got != tt.want {
			t.Errorf("BucketKey(%q, %q) = %q, want %q", tt.connector, tt.connection, got, tt.want)
		}
	}
}

// testClock wires a limiter to manual time: sleeps advance the clock instead
// of blocking.
type testClock struct {
	now time.Time
}

func newTestLimiter(shared Store) (*Limiter, *testClock) {
	c := &testClock{now: time.Unix(1700000000, 0)}
	l := New(shared)
	l.now = func() time.Time { return c.now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		c.now = c.now.Add(d)
		return nil
	}
	return l, c
}

func TestLimiter_AcquireUnenforced(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)

	lease, err := l.Acquire(t.Context(), Request{Connector: "slack"})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Enforced {
		t.Error("no declared rules should be unenforced")
	}
	if lease.Attempts != 0 {
		t.Errorf("attempts = %d, want 0", lease.Attempts)
	}
	lease.Release()

	if l.Local().Len() != 0 {
		t.Error("unenforced acquire should not create buckets")
	}
}

func TestLimiter_AcquireGrant(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	// Capacity 3: three immediate grants.
	for i := range 3 {
		lease, err := l.Acquire(t.Context(), req)
		if err != nil {
			t.Fatalf("acquire %d: %v", i+1, err)
		}
		if lease.Attempts != 1 {
			t.Errorf("acquire %d attempts = %d, want 1", i+1, lease.Attempts)
		}
		if lease.WaitMs != 0 {
			t.Errorf("acquire %d waitMs = %d, want 0", i+1, lease.WaitMs)
		}
	}
}

func TestLimiter_AcquireBlocksThenGrants(t *testing.T) {
	t.Parallel()
	l, clock := newTestLimiter(nil)
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	for range 3 {
		if _, err := l.Acquire(t.Context(), req); err != nil {
			t.Fatal(err)
		}
	}
	start := clock.now

	lease, err := l.Acquire(t.Context(), req)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if lease.Attempts < 2 {
		t.Errorf("attempts = %d, want >= 2", lease.Attempts)
	}
	if lease.WaitMs < 1000 {
		t.Errorf("waitMs = %d, want >= 1000", lease.WaitMs)
	}
	if elapsed := clock.now.Sub(start); elapsed < time.Second {
		t.Errorf("clock advanced %v, want >= 1s", elapsed)
	}
}

func TestLimiter_AcquireCanceled(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)
	req := Request{Connector: "slack", Rules: &connector.RateLimitRules{RPS: 1}}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	if _, err := l.Acquire(ctx, req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLimiter_AcquireCanceledDuringWait(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)
	l.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1, Burst: 1}}

	if _, err := l.Acquire(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Acquire(t.Context(), req); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLimiter_SchedulePenaltyConnection(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	if _, err := l.Acquire(t.Context(), req); err != nil {
		t.Fatal(err)
	}

	// Drain 2s worth: 2 tokens out of the remaining 2.
	l.SchedulePenalty(t.Context(), req, 2000, ScopeConnection)

	tokens, ok := l.Local().tokensOf("rate:slack:c1")
	if !ok {
		t.Fatal("bucket missing after penalty")
	}
	if tokens != 0 {
		t.Errorf("tokens = %v, want 0", tokens)
	}

	lease, err := l.Acquire(t.Context(), req)
	if err != nil {
		t.Fatal(err)
	}
	if lease.Attempts < 2 {
		t.Errorf("attempts after penalty = %d, want >= 2", lease.Attempts)
	}
}

func TestLimiter_SchedulePenaltyConnector(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	l.SchedulePenalty(t.Context(), req, 1000, ScopeConnector)

	if _, ok := l.Local().tokensOf("rate:slack:global"); !ok {
		t.Error("connector scope should hit the global bucket")
	}
	if _, ok := l.Local().tokensOf("rate:slack:c1"); ok {
		t.Error("connector scope should not touch the connection bucket")
	}
}

func TestLimiter_SchedulePenaltyNoRules(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(nil)

	l.SchedulePenalty(t.Context(), Request{Connector: "slack"}, 5000, ScopeConnection)
	if l.Local().Len() != 0 {
		t.Error("penalty without rules should be a no-op")
	}
}

// errStore fails every shared-store call.
type errStore struct{}

func (errStore) Take(context.Context, string, Config, float64, time.Time) (bool, int64, error) {
	return false, 0, errors.New("store down")
}

func (errStore) Penalize(context.Context, string, Config, float64, time.Time) error {
	return errors.New("store down")
}

func TestLimiter_FallbackOnStoreError(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(errStore{})
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	lease, err := l.Acquire(t.Context(), req)
	if err != nil {
		t.Fatalf("acquire with broken shared store: %v", err)
	}
	if lease.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", lease.Attempts)
	}
	if !l.degraded.Load() {
		t.Error("limiter should be marked degraded")
	}
	if l.Local().Len() != 1 {
		t.Errorf("local buckets = %d, want 1", l.Local().Len())
	}
}

func TestLimiter_PenaltyFallbackOnStoreError(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(errStore{})
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	l.SchedulePenalty(t.Context(), req, 1000, ScopeConnection)
	if _, ok := l.Local().tokensOf("rate:slack:c1"); !ok {
		t.Error("penalty should fall back to local buckets")
	}
}

// grantStore counts shared-store hits and always grants.
type grantStore struct {
	takes int
}

func (s *grantStore) Take(context.Context, string, Config, float64, time.Time) (bool, int64, error) {
	s.takes++
	return true, 0, nil
}

func (s *grantStore) Penalize(context.Context, string, Config, float64, time.Time) error {
	return nil
}

func TestLimiter_SharedStorePreferred(t *testing.T) {
	t.Parallel()
	shared := &grantStore{}
	l, _ := newTestLimiter(shared)
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1}}

	if _, err := l.Acquire(t.Context(), req); err != nil {
		t.Fatal(err)
	}
	if shared.takes != 1 {
		t.Errorf("shared takes = %d, want 1", shared.takes)
	}
	if l.Local().Len() != 0 {
		t.Error("healthy shared store should leave local buckets untouched")
	}
}

func BenchmarkAcquire(b *testing.B) {
	l := New(nil)
	req := Request{Connector: "slack", Connection: "c1", Rules: &connector.RateLimitRules{RPS: 1000, Burst: 1 << 30}}
	ctx := context.Background()
	for b.Loop() {
		if _, err := l.Acquire(ctx, req); err != nil {
			b.Fatal(err)
		}
	}
}
