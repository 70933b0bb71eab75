package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/andersh/bifrost/internal/budget"
	"github.com/andersh/bifrost/internal/ratelimit"
)

// Fallback buckets idle longer than this are dropped by the hourly sweep.
const bucketIdleAfter = time.Hour

// RetentionStore is the at-rest half of the retention sweep.
type RetentionStore interface {
	DeleteUsageBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SweepWorker owns the cron hygiene jobs: hourly it drops expired cache
// entries and stale fallback buckets, daily it enforces the usage retention
// horizon in memory and at rest.
type SweepWorker struct {
	budgets *budget.Manager
	usage   RetentionStore        // nil = in-memory retention only
	buckets *ratelimit.LocalStore // nil = no bucket eviction
}

// NewSweepWorker creates a SweepWorker over the given collaborators.
func NewSweepWorker(budgets *budget.Manager, usage RetentionStore, buckets *ratelimit.LocalStore) *SweepWorker {
	return &SweepWorker{budgets: budgets, usage: usage, buckets: buckets}
}

// Name returns the worker identifier.
func (w *SweepWorker) Name() string { return "sweeper" }

// Run schedules the sweeps and blocks until ctx is cancelled, then waits for
// any in-flight job to finish.
func (w *SweepWorker) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc("@hourly", w.hourly); err != nil {
		return fmt.Errorf("schedule hourly sweep: %w", err)
	}
	if _, err := c.AddFunc("@daily", func() { w.daily(ctx) }); err != nil {
		return fmt.Errorf("schedule daily sweep: %w", err)
	}
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (w *SweepWorker) hourly() {
	now := time.Now()
	expired := w.budgets.SweepCache(now)
	evicted := 0
	if w.buckets != nil {
		evicted = w.buckets.EvictStale(now.Add(-bucketIdleAfter))
	}
	slog.Info("hourly sweep completed", "cacheExpired", expired, "bucketsEvicted", evicted)
}

func (w *SweepWorker) daily(ctx context.Context) {
	now := time.Now()
	removed := w.budgets.SweepRetention(now)
	var atRest int64
	if w.usage != nil {
		cutoff := now.UTC().AddDate(0, 0, -budget.RetentionDays)
		n, err := w.usage.DeleteUsageBefore(ctx, cutoff)
		if err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "retention sweep failed",
				slog.String("error", err.Error()),
			)
		} else {
			atRest = n
		}
	}
	slog.Info("retention sweep completed", "memoryRemoved", removed, "storeRemoved", atRest)
}
