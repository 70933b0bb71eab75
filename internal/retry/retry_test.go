package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fixedPolicy pins jitter to the midpoint so waits are exact.
func fixedPolicy(maxAttempts int) *Policy {
	p := NewPolicy(maxAttempts)
	p.rng = func() float64 { return 0.5 }
	return p
}

func TestPolicy_RetryableStatuses(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	for _, code := range []int{408, 425, 429, 500, 502, 503, 504} {
		d := p.Decide(Input{Attempt: 1, StatusCode: code})
		if !d.Retry {
			t.Errorf("status %d should retry", code)
		}
	}

	for _, code := range []int{400, 401, 403, 404, 409, 422, 501} {
		d := p.Decide(Input{Attempt: 1, StatusCode: code})
		if d.Retry {
			t.Errorf("status %d should be terminal", code)
		}
	}
}

func TestPolicy_ReasonCodes(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	d := p.Decide(Input{Attempt: 1, StatusCode: 429})
	if d.Reason != "http_429" {
		t.Errorf("reason = %q, want http_429", d.Reason)
	}

	d = p.Decide(Input{Attempt: 1, StatusCode: 404})
	if d.Reason != "http_404" {
		t.Errorf("terminal reason = %q, want http_404", d.Reason)
	}

	d = p.Decide(Input{Attempt: 1, Err: context.DeadlineExceeded})
	if d.Reason != "timeout" {
		t.Errorf("reason = %q, want timeout", d.Reason)
	}
}

func TestPolicy_MaxAttempts(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	if d := p.Decide(Input{Attempt: 2, StatusCode: 500}); !d.Retry {
		t.Error("attempt 2 of 3 should retry")
	}
	if d := p.Decide(Input{Attempt: 3, StatusCode: 500}); d.Retry {
		t.Error("attempt 3 of 3 should be terminal")
	}

	// Per-call override beats the policy cap.
	if d := p.Decide(Input{Attempt: 3, MaxAttempts: 5, StatusCode: 500}); !d.Retry {
		t.Error("override to 5 should allow attempt 3")
	}

	// Zero everywhere falls back to the default of 3.
	var zero Policy
	zero.rng = func() float64 { return 0.5 }
	if d := zero.Decide(Input{Attempt: 2, StatusCode: 500}); !d.Retry {
		t.Error("default cap should allow attempt 2")
	}
	if d := zero.Decide(Input{Attempt: 3, StatusCode: 500}); d.Retry {
		t.Error("default cap should stop at attempt 3")
	}
}

func TestPolicy_BackoffSchedule(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(10)

	// Midpoint jitter: 500, 1000, 2000, 4000, then capped.
	want := []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		4 * time.Second,
		4 * time.Second,
	}
	for i, w := range want {
		d := p.Decide(Input{Attempt: i + 1, StatusCode: 500})
		if d.Wait != w {
			t.Errorf("attempt %d wait = %v, want %v", i+1, d.Wait, w)
		}
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	t.Parallel()

	low := NewPolicy(3)
	low.rng = func() float64 { return 0 }
	if d := low.Decide(Input{Attempt: 1, StatusCode: 500}); d.Wait != 400*time.Millisecond {
		t.Errorf("low jitter wait = %v, want 400ms", d.Wait)
	}

	high := NewPolicy(3)
	high.rng = func() float64 { return 1 }
	d := high.Decide(Input{Attempt: 1, StatusCode: 500})
	if d.Wait < 599*time.Millisecond || d.Wait > 600*time.Millisecond {
		t.Errorf("high jitter wait = %v, want ~600ms", d.Wait)
	}
}

func TestPolicy_RetryAfterExact(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	// Vendor hint bypasses jitter entirely.
	d := p.Decide(Input{Attempt: 1, StatusCode: 429, RetryAfterMs: 1000})
	if !d.Retry {
		t.Fatal("should retry")
	}
	if d.Wait != time.Second {
		t.Errorf("wait = %v, want 1s", d.Wait)
	}
	if d.Reason != "http_429" {
		t.Errorf("reason = %q, want http_429", d.Reason)
	}
}

func TestPolicy_Penalty(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	// 429 with a short wait still penalizes a full second.
	d := p.Decide(Input{Attempt: 1, StatusCode: 429})
	if d.PenaltyMs != 1000 {
		t.Errorf("penaltyMs = %d, want 1000", d.PenaltyMs)
	}
	if d.PenaltyScope != PenaltyScopeConnection {
		t.Errorf("scope = %q, want connection", d.PenaltyScope)
	}

	// A longer vendor hint penalizes that long.
	d = p.Decide(Input{Attempt: 1, StatusCode: 503, RetryAfterMs: 5000})
	if d.PenaltyMs != 5000 {
		t.Errorf("penaltyMs = %d, want 5000", d.PenaltyMs)
	}

	// Plain server errors carry no penalty.
	d = p.Decide(Input{Attempt: 1, StatusCode: 500})
	if d.PenaltyMs != 0 || d.PenaltyScope != "" {
		t.Errorf("500 penalty = %d/%q, want none", d.PenaltyMs, d.PenaltyScope)
	}
}

func TestPolicy_ThrottleEnvelope(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	// A throttle parsed out of a 200-status vendor envelope: retry-after
	// only, no status, no error.
	d := p.Decide(Input{Attempt: 1, RetryAfterMs: 30000})
	if !d.Retry {
		t.Fatal("should retry")
	}
	if d.Reason != "retry_after" {
		t.Errorf("reason = %q, want retry_after", d.Reason)
	}
	if d.Wait != 30*time.Second {
		t.Errorf("wait = %v, want 30s", d.Wait)
	}
	if d.PenaltyMs != 30000 {
		t.Errorf("penaltyMs = %d, want 30000", d.PenaltyMs)
	}
}

func TestPolicy_ErrorKinds(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	if d := p.Decide(Input{Attempt: 1, Err: context.DeadlineExceeded}); !d.Retry {
		t.Error("timeout should retry")
	}
	if d := p.Decide(Input{Attempt: 1, Err: context.Canceled}); d.Retry {
		t.Error("caller cancellation must not retry")
	}
	if d := p.Decide(Input{Attempt: 1, Err: errors.New("bad payload")}); d.Retry {
		t.Error("unclassified errors must not retry")
	}

	d := p.Decide(Input{Attempt: 1, Err: errors.New("bad payload")})
	if d.Reason != "fatal" {
		t.Errorf("reason = %q, want fatal", d.Reason)
	}
}

func TestPolicy_EmptyInput(t *testing.T) {
	t.Parallel()
	p := fixedPolicy(3)

	if d := p.Decide(Input{Attempt: 1}); d.Retry {
		t.Error("no status, no error, no hint: nothing to retry")
	}
}

func TestPolicy_RealJitterWithinBounds(t *testing.T) {
	t.Parallel()
	p := NewPolicy(3)

	for range 200 {
		d := p.Decide(Input{Attempt: 1, StatusCode: 500})
		if d.Wait < 400*time.Millisecond || d.Wait > 600*time.Millisecond {
			t.Fatalf("wait %v outside ±20%% of 500ms", d.Wait)
		}
	}
}
