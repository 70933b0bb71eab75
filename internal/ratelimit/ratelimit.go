// Package ratelimit enforces per-(connector, connection) token buckets.
// Bucket state lives in a shared Redis store so every runtime process observes
// the same vendor budget; a per-process store with identical math takes over
// while the shared store is unreachable.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	connector "github.com/andersh/bifrost/internal"
)

// Rate bounds in tokens per second. Declared rates collapse to
// min(rps, rpm/60, rph/3600, rpd/86400) and are clamped to this range.
const (
	MinRate = 0.1
	MaxRate = 1000.0
)

// minRetryWait is the floor on the sleep between denied acquires.
const minRetryWait = 50 * time.Millisecond

// Config is the derived bucket configuration for one rule set.
type Config struct {
	Rate     float64       // refill, tokens per second
	Capacity float64       // bucket maximum
	TTL      time.Duration // shared-store key expiry
}

// ConfigFor derives the bucket configuration from declared rules:
// the strictest declared rate clamped to [MinRate, MaxRate], capacity
// burst (or 3x rate) but at least one token, and a TTL long enough for a
// full bucket to drain twice.
func ConfigFor(rules *connector.RateLimitRules) Config {
	var rate float64
	if rules != nil {
		for _, r := range []float64{rules.RPS, rules.RPM / 60, rules.RPH / 3600, rules.RPD / 86400} {
			if r <= 0 {
				continue
			}
			if rate <= 0 || r < rate {
				rate = r
			}
		}
	}
	if rate <= 0 {
		rate = MaxRate
	}
	rate = min(MaxRate, max(MinRate, rate))

	capacity := math.Ceil(rate * 3)
	if rules != nil && rules.Burst > 0 {
		capacity = float64(rules.Burst)
	}
	capacity = max(1, capacity)

	ttl := time.Duration(2 * capacity / rate * float64(time.Second))
	ttl = max(ttl, time.Minute)

	return Config{Rate: rate, Capacity: capacity, TTL: ttl}
}

// BucketKey returns the store key for a connector/connection pair:
// rate:{connector}:{connection or "global"}.
func BucketKey(connectorID, connectionID string) string {
	conn := normalizeID(connectionID)
	if conn == "" {
		conn = "global"
	}
	return "rate:" + normalizeID(connectorID) + ":" + conn
}

// normalizeID lowercases the id and replaces every rune outside [a-z0-9:_-]
// with '-'. Keeps keys safe for the shared store and for log lines.
func normalizeID(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == ':', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// Store is the bucket state backend. Take atomically refills and consumes;
// when denied, retryMs estimates how long until cost tokens accumulate.
// Penalize atomically refills and subtracts cost, allowing overdraw below
// zero so subsequent acquires naturally stall.
type Store interface {
	Take(ctx context.Context, key string, cfg Config, cost float64, now time.Time) (allowed bool, retryMs int64, err error)
	Penalize(ctx context.Context, key string, cfg Config, cost float64, now time.Time) error
}

// Penalty scopes.
const (
	ScopeConnection = "connection"
	ScopeConnector  = "connector"
)

// Request identifies the bucket an acquire targets.
type Request struct {
	Connector  string
	Connection string
	Org        string
	Tokens     float64 // defaults to 1
	Rules      *connector.RateLimitRules
}

// Lease is the outcome of a successful acquire.
type Lease struct {
	Key      string
	WaitMs   int64 // total time spent sleeping on denials
	Attempts int   // store roundtrips; >1 means at least one denial
	Enforced bool  // false when no rules were declared
}

// Release returns the lease's in-flight slot. Reserved for concurrency
// accounting; nothing to return today.
func (l *Lease) Release() {}

// Limiter coordinates acquires against the shared store with local fallback.
type Limiter struct {
	shared Store
	local  *LocalStore

	degraded atomic.Bool

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Limiter using shared for bucket state. A nil shared store
// runs purely on the per-process buckets.
func New(shared Store) *Limiter {
	return &Limiter{
		shared: shared,
		local:  NewLocalStore(),
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Local exposes the fallback store for stale-bucket eviction.
func (l *Limiter) Local() *LocalStore { return l.local }

// Acquire blocks until the bucket grants the requested tokens or ctx is
// canceled. With no declared rules the acquire is unenforced and returns
// immediately. A canceled acquire holds no token; there is nothing to
// release.
func (l *Limiter) Acquire(ctx context.Context, req Request) (*Lease, error) {
	if req.Rules.Empty() {
		return &Lease{Enforced: false}, nil
	}

	cfg := ConfigFor(req.Rules)
	key := BucketKey(req.Connector, req.Connection)
	cost := req.Tokens
	if cost <= 0 {
		cost = 1
	}

	lease := &Lease{Key: key, Enforced: true}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		allowed, retryMs := l.take(ctx, key, cfg, cost)
		lease.Attempts++
		if allowed {
			return lease, nil
		}

		wait := max(minRetryWait, time.Duration(retryMs)*time.Millisecond)
		if err := l.sleep(ctx, wait); err != nil {
			return nil, err
		}
		lease.WaitMs += wait.Milliseconds()
	}
}

// SchedulePenalty drains waitMs worth of tokens from the scoped bucket after
// a vendor signaled saturation. Connection scope hits the acquire bucket;
// connector scope hits the connector's global bucket.
func (l *Limiter) SchedulePenalty(ctx context.Context, req Request, waitMs int64, scope string) {
	if req.Rules.Empty() || waitMs <= 0 {
		return
	}
	cfg := ConfigFor(req.Rules)
	key := BucketKey(req.Connector, req.Connection)
	if scope == ScopeConnector {
		key = BucketKey(req.Connector, "")
	}
	cost := float64(waitMs) / 1000 * cfg.Rate
	now := l.now()

	if l.shared != nil {
		if err := l.shared.Penalize(ctx, key, cfg, cost, now); err == nil {
			return
		}
	}
	l.local.Penalize(ctx, key, cfg, cost, now)
}

// take consults the shared store first and falls back to the local buckets
// on error. The fallback warning is logged once per outage; recovery arms
// it again.
func (l *Limiter) take(ctx context.Context, key string, cfg Config, cost float64) (bool, int64) {
	now := l.now()
	if l.shared != nil {
		allowed, retryMs, err := l.shared.Take(ctx, key, cfg, cost, now)
		if err == nil {
			if l.degraded.CompareAndSwap(true, false) {
				slog.Info("rate limiter shared store recovered")
			}
			return allowed, retryMs
		}
		if l.degraded.CompareAndSwap(false, true) {
			slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter degraded to local buckets",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
	allowed, retryMs, _ := l.local.Take(ctx, key, cfg, cost, now)
	return allowed, retryMs
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
