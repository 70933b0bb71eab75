// Package retry decides whether a failed connector call is worth another
// attempt, and how long to wait before it.
package retry

import (
	"fmt"
	"math/rand/v2"
	"time"
)

// DefaultMaxAttempts bounds a call to the first try plus two retries.
const DefaultMaxAttempts = 3

const (
	baseBackoffMs = 500
	maxBackoffMs  = 4000
)

// PenaltyScopeConnection drains the bucket the call acquired from.
const PenaltyScopeConnection = "connection"

// retryable lists the HTTP statuses worth another attempt. Every other 4xx
// is the caller's fault and terminal.
var retryable = map[int]bool{
	408: true,
	425: true,
	429: true,
	500: true,
	502: true,
	503: true,
	504: true,
}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool { return retryable[code] }

// Input describes one finished attempt.
type Input struct {
	Attempt      int // 1-based
	MaxAttempts  int // 0 means DefaultMaxAttempts
	StatusCode   int // 0 when no response arrived
	RetryAfterMs int64
	Err          error // transport error, nil when a response arrived
}

// Decision is the verdict for one attempt. PenaltyMs is nonzero when the
// vendor signaled saturation; the transport applies it to the limiter bucket
// named by PenaltyScope.
type Decision struct {
	Retry        bool
	Wait         time.Duration
	Reason       string
	PenaltyMs    int64
	PenaltyScope string
}

// Policy computes retry decisions. The zero value is usable and applies
// DefaultMaxAttempts.
type Policy struct {
	MaxAttempts int

	// rng drives backoff jitter; overridable in tests.
	rng func() float64
}

// NewPolicy returns a Policy with the given attempt cap; maxAttempts <= 0
// falls back to DefaultMaxAttempts.
func NewPolicy(maxAttempts int) *Policy {
	return &Policy{MaxAttempts: maxAttempts}
}

// Decide applies the retry rules to one finished attempt.
//
// Transport errors retry only for timeout and network kinds. Statuses retry
// per RetryableStatus. A retry-after hint with no status and no error is a
// vendor throttle envelope and retries as "retry_after". The wait honors
// the vendor hint exactly when present, otherwise exponential backoff with
// jitter. Saturation signals (429, 503, throttle envelopes) carry a bucket
// penalty of at least a second.
func (p *Policy) Decide(in Input) Decision {
	maxAttempts := p.MaxAttempts
	if in.MaxAttempts > 0 {
		maxAttempts = in.MaxAttempts
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var reason string
	saturated := false
	switch {
	case in.Err != nil:
		kind := ClassifyError(in.Err)
		if kind != KindTimeout && kind != KindNetwork {
			if kind == "" {
				kind = "fatal"
			}
			return Decision{Reason: kind}
		}
		reason = kind
	case in.StatusCode > 0:
		reason = fmt.Sprintf("http_%d", in.StatusCode)
		if !retryable[in.StatusCode] {
			return Decision{Reason: reason}
		}
		saturated = in.StatusCode == 429 || in.StatusCode == 503
	case in.RetryAfterMs > 0:
		reason = "retry_after"
		saturated = true
	default:
		return Decision{}
	}

	if in.Attempt >= maxAttempts {
		return Decision{Reason: reason}
	}

	wait := p.backoff(in.Attempt)
	if in.RetryAfterMs > 0 {
		wait = time.Duration(in.RetryAfterMs) * time.Millisecond
	}

	d := Decision{Retry: true, Wait: wait, Reason: reason}
	if saturated {
		d.PenaltyMs = max(wait.Milliseconds(), 1000)
		d.PenaltyScope = PenaltyScopeConnection
	}
	return d
}

// backoff returns min(500*2^(attempt-1), 4000)ms with ±20% jitter.
func (p *Policy) backoff(attempt int) time.Duration {
	shift := min(max(attempt-1, 0), 3)
	ms := min(baseBackoffMs<<shift, maxBackoffMs)

	rng := p.rng
	if rng == nil {
		rng = rand.Float64
	}
	jittered := float64(ms) * (0.8 + 0.4*rng())
	return time.Duration(jittered * float64(time.Millisecond))
}
