// Package telemetry provides observability primitives for the Bifrost runtime.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the runtime.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	ActiveRequests     prometheus.Gauge
	ExecutionsTotal    *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	AttemptsTotal      *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	LimiterWaitSeconds *prometheus.HistogramVec
	RateLimitRejects   *prometheus.CounterVec
	BlockedTargets     *prometheus.CounterVec
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	BudgetRejects      *prometheus.CounterVec
	UsageQueueLength   prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "bifrost",
			Name:                            "request_duration_seconds",
			Help:                            "HTTP request duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bifrost",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "executions_total",
			Help:      "Total connector executions by outcome.",
		}, []string{"connector", "outcome"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "bifrost",
			Name:                            "execution_duration_seconds",
			Help:                            "End-to-end connector execution duration in seconds.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"connector"}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "attempts_total",
			Help:      "Total vendor HTTP attempts, retries included.",
		}, []string{"connector"}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "retries_total",
			Help:      "Total retried vendor attempts by reason.",
		}, []string{"connector", "reason"}),

		LimiterWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:                       "bifrost",
			Name:                            "limiter_wait_seconds",
			Help:                            "Time spent waiting on rate limiter tokens.",
			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: 0,
		}, []string{"connector"}),

		RateLimitRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "ratelimit_rejects_total",
			Help:      "Total inbound rate limit rejections.",
		}, []string{"type"}),

		BlockedTargets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "blocked_targets_total",
			Help:      "Total outbound URLs rejected by the target guard.",
		}, []string{"code"}),

		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "cache_hits_total",
			Help:      "Total response cache hits.",
		}),

		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "cache_misses_total",
			Help:      "Total response cache misses.",
		}),

		BudgetRejects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bifrost",
			Name:      "budget_rejects_total",
			Help:      "Total executions rejected by budget checks.",
		}, []string{"reason"}),

		UsageQueueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "bifrost",
			Name:      "usage_queue_length",
			Help:      "Current number of queued usage records.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.AttemptsTotal,
		m.RetriesTotal,
		m.LimiterWaitSeconds,
		m.RateLimitRejects,
		m.BlockedTargets,
		m.CacheHits,
		m.CacheMisses,
		m.BudgetRejects,
		m.UsageQueueLength,
	)

	return m
}
