// Package transport drives vendor HTTP exchanges through the
// guard-acquire-call-decide loop: SSRF check on the first attempt, a limiter
// token per attempt, the call under its own deadline, then the retry policy
// until the attempt budget runs out.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/dnscache"

	connector "github.com/andersh/bifrost/internal"
	"github.com/andersh/bifrost/internal/ratelimit"
	"github.com/andersh/bifrost/internal/retry"
	"github.com/andersh/bifrost/internal/ssrf"
	"github.com/andersh/bifrost/internal/telemetry"
)

// DefaultMaxBodyBytes caps how much of a vendor response body is read.
const DefaultMaxBodyBytes = 10 << 20

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching. Set forceHTTP2 to true for remote HTTPS APIs.
func NewTransport(resolver *dnscache.Resolver, forceHTTP2 bool) *http.Transport {
	t := &http.Transport{
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   forceHTTP2,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}
	return t
}

// Options scope one exchange: limiter identity, retry budget, and the
// per-attempt call deadline. OnResponse lets the caller parse vendor throttle
// envelopes out of 2xx bodies; a returned retryAfterMs > 0 overrides the
// Retry-After header.
type Options struct {
	Connector   string
	Connection  string
	Org         string
	Rules       *connector.RateLimitRules
	MaxAttempts int
	Timeout     time.Duration
	OnResponse  func(status int, header http.Header, body []byte) (retryAfterMs int64)
}

// Result is the terminal outcome of an exchange that produced a response.
// Status may be any HTTP status; mapping >= 400 to the error taxonomy is the
// caller's job.
type Result struct {
	Status           int
	Header           http.Header
	Body             []byte
	Attempts         int
	BackoffEvents    []connector.BackoffEvent
	LimiterWaitMs    int64
	LimiterAttempts  int
	LimiterEnforced  bool
	LastRetryAfterMs int64
}

// BackoffTotalMs sums the retry waits for audit records.
func (r *Result) BackoffTotalMs() int64 {
	var total int64
	for _, e := range r.BackoffEvents {
		total += e.WaitMs
	}
	return total
}

// Transport executes guarded, rate-limited, retried vendor calls.
type Transport struct {
	client  *http.Client
	guard   *ssrf.Guard
	limiter *ratelimit.Limiter
	policy  *retry.Policy
	metrics *telemetry.Metrics // optional

	maxBody int64

	// Overridable in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Transport. metrics may be nil.
func New(client *http.Client, guard *ssrf.Guard, limiter *ratelimit.Limiter, policy *retry.Policy, metrics *telemetry.Metrics) *Transport {
	if policy == nil {
		policy = &retry.Policy{}
	}
	return &Transport{
		client:  client,
		guard:   guard,
		limiter: limiter,
		policy:  policy,
		metrics: metrics,
		maxBody: DefaultMaxBodyBytes,
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

// Do runs the exchange until a terminal state. The request body must be
// rewindable (req.GetBody set); http.NewRequest does this for byte readers.
// The Result is always non-nil: on error it still carries the attempts and
// backoff events that happened before the failure. Check err first.
func (t *Transport) Do(ctx context.Context, req *http.Request, opts Options) (*Result, error) {
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = retry.DefaultMaxAttempts
	}

	res := &Result{}
	rateReq := ratelimit.Request{
		Connector:  opts.Connector,
		Connection: opts.Connection,
		Org:        opts.Org,
		Rules:      opts.Rules,
	}

	for attempt := 1; ; attempt++ {
		if attempt == 1 {
			if err := t.guard.AssertSafe(ctx, req.URL.String()); err != nil {
				t.countBlocked(err)
				return res, err
			}
		}

		status, header, body, attemptErr := t.attempt(ctx, req, rateReq, opts, attempt, res)
		res.Attempts = attempt
		if t.metrics != nil {
			t.metrics.AttemptsTotal.WithLabelValues(opts.Connector).Inc()
		}

		var hint int64
		if attemptErr == nil {
			hint = retryAfterMs(header, t.now())
			if opts.OnResponse != nil {
				if v := opts.OnResponse(status, header, body); v > 0 {
					hint = v
				}
			}
			if hint > 0 {
				res.LastRetryAfterMs = hint
			}
		}

		in := retry.Input{Attempt: attempt, MaxAttempts: maxAttempts}
		switch {
		case attemptErr != nil:
			in.Err = attemptErr
		case status >= 400:
			in.StatusCode = status
			in.RetryAfterMs = hint
		case hint > 0:
			// 2xx carrying a vendor throttle envelope.
			in.RetryAfterMs = hint
		default:
			res.Status = status
			res.Header = header
			res.Body = body
			return res, nil
		}

		decision := t.policy.Decide(in)
		if decision.PenaltyMs > 0 {
			t.limiter.SchedulePenalty(ctx, rateReq, decision.PenaltyMs, decision.PenaltyScope)
		}

		if !decision.Retry {
			if attemptErr != nil {
				return res, wrapAttemptErr(attemptErr)
			}
			res.Status = status
			res.Header = header
			res.Body = body
			return res, nil
		}

		evType := connector.BackoffHTTPRetry
		if attemptErr != nil {
			evType = connector.BackoffNetworkRetry
		}
		res.BackoffEvents = append(res.BackoffEvents, connector.BackoffEvent{
			Type:       evType,
			Attempt:    attempt,
			WaitMs:     decision.Wait.Milliseconds(),
			Reason:     decision.Reason,
			StatusCode: in.StatusCode,
		})
		t.logRetry(ctx, opts, attempt, decision)
		if t.metrics != nil {
			t.metrics.RetriesTotal.WithLabelValues(opts.Connector, decision.Reason).Inc()
		}

		if err := t.sleep(ctx, decision.Wait); err != nil {
			return res, err
		}
	}
}

// attempt takes a limiter token, performs one HTTP call under the per-attempt
// deadline, and reads the body through the size cap. The token is released on
// every path.
func (t *Transport) attempt(ctx context.Context, req *http.Request, rateReq ratelimit.Request, opts Options, attempt int, res *Result) (int, http.Header, []byte, error) {
	lease, err := t.limiter.Acquire(ctx, rateReq)
	if err != nil {
		return 0, nil, nil, err
	}
	defer lease.Release()

	res.LimiterWaitMs += lease.WaitMs
	res.LimiterAttempts += lease.Attempts
	res.LimiterEnforced = res.LimiterEnforced || lease.Enforced
	if lease.WaitMs > 0 {
		res.BackoffEvents = append(res.BackoffEvents, connector.BackoffEvent{
			Type:            connector.BackoffRateLimiter,
			Attempt:         attempt,
			WaitMs:          lease.WaitMs,
			LimiterAttempts: lease.Attempts,
		})
		if t.metrics != nil {
			t.metrics.LimiterWaitSeconds.WithLabelValues(opts.Connector).Observe(float64(lease.WaitMs) / 1000)
		}
	}

	callCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	r := req.Clone(callCtx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return 0, nil, nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
	}

	resp, err := t.client.Do(r)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBody+1))
	if err != nil {
		return 0, nil, nil, err
	}
	if int64(len(data)) > t.maxBody {
		return 0, nil, nil, connector.E(connector.KindVendor, connector.CodeVendorError,
			"response body exceeds %d bytes", t.maxBody)
	}
	return resp.StatusCode, resp.Header, data, nil
}

func (t *Transport) logRetry(ctx context.Context, opts Options, attempt int, d retry.Decision) {
	event := "connector_retry_event"
	if d.PenaltyMs > 0 {
		event = "connector_throttle_event"
	}
	slog.LogAttrs(ctx, slog.LevelWarn, event,
		slog.String("connector", opts.Connector),
		slog.String("connection", opts.Connection),
		slog.Int("attempt", attempt),
		slog.String("reason", d.Reason),
		slog.Int64("waitMs", d.Wait.Milliseconds()),
		slog.Int64("penaltyMs", d.PenaltyMs),
	)
}

func (t *Transport) countBlocked(err error) {
	if t.metrics == nil {
		return
	}
	code := connector.CodeTargetNotAllowed
	var ce *connector.Error
	if errors.As(err, &ce) {
		code = ce.Code
	}
	t.metrics.BlockedTargets.WithLabelValues(code).Inc()
}

// retryAfterMs parses a Retry-After header, delta-seconds or HTTP-date form.
func retryAfterMs(h http.Header, now time.Time) int64 {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return int64(secs) * 1000
	}
	if when, err := http.ParseTime(v); err == nil {
		if d := when.Sub(now); d > 0 {
			return d.Milliseconds()
		}
	}
	return 0
}

// wrapAttemptErr translates a terminal transport failure into the error
// taxonomy. Context cancellation and already-coded errors pass through.
func wrapAttemptErr(err error) error {
	var ce *connector.Error
	if errors.As(err, &ce) {
		return err
	}
	switch retry.ClassifyError(err) {
	case retry.KindTimeout:
		return &connector.Error{
			Kind: connector.KindTransient, Code: connector.CodeTimeout,
			Message: "vendor call timed out", Err: err,
		}
	case retry.KindNetwork:
		return &connector.Error{
			Kind: connector.KindTransient, Code: connector.CodeNetworkError,
			Message: "vendor call failed", Err: err,
		}
	default:
		return err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
