package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one bucket atomically.
// KEYS[1] = bucket key ("rate:{connector}:{connection}")
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = now (unix seconds, fractional)
// ARGV[5] = key TTL (whole seconds)
// Returns {allowed, retry_ms}. Run re-sends the source on NOSCRIPT, so a
// flushed script cache never fails an acquire.
var takeScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
local retry_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    retry_ms = math.ceil(((cost - tokens) / rate) * 1000)
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return {allowed, retry_ms}
`)

// penaltyScript refills then subtracts cost without a floor, so a penalized
// bucket goes negative and stalls acquires for the penalty window.
var penaltyScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

tokens = tokens - cost

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, ttl)

return 1
`)

// RedisStore holds bucket state in Redis so all runtime processes share one
// view of each vendor budget.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore returns a Store backed by the given client.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Take runs the atomic refill-and-consume script.
func (s *RedisStore) Take(ctx context.Context, key string, cfg Config, cost float64, now time.Time) (bool, int64, error) {
	res, err := takeScript.Run(ctx, s.client, []string{key},
		cfg.Rate, cfg.Capacity, cost, unixSeconds(now), ttlSeconds(cfg.TTL)).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit take: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("rate limit take: unexpected script reply %T", res)
	}
	allowed, _ := vals[0].(int64)
	retryMs, _ := vals[1].(int64)
	return allowed == 1, retryMs, nil
}

// Penalize runs the atomic refill-and-drain script.
func (s *RedisStore) Penalize(ctx context.Context, key string, cfg Config, cost float64, now time.Time) error {
	if err := penaltyScript.Run(ctx, s.client, []string{key},
		cfg.Rate, cfg.Capacity, cost, unixSeconds(now), ttlSeconds(cfg.TTL)).Err(); err != nil {
		return fmt.Errorf("rate limit penalize: %w", err)
	}
	return nil
}

// unixSeconds renders now as fractional unix seconds with microsecond
// precision, matching the script's refill arithmetic.
func unixSeconds(now time.Time) float64 {
	return float64(now.UnixMicro()) / 1e6
}

func ttlSeconds(ttl time.Duration) int64 {
	return int64(math.Ceil(ttl.Seconds()))
}
