package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/andersh/bifrost/internal/budget"
)

const budgetSyncInterval = 60 * time.Second

// BudgetSyncWorker periodically reloads the budget manager's windows from
// retained usage records, so spend survives restarts and converges with
// what the recorder actually persisted.
type BudgetSyncWorker struct {
	manager *budget.Manager
	store   budget.UsageStore
}

// NewBudgetSyncWorker creates a BudgetSyncWorker.
func NewBudgetSyncWorker(manager *budget.Manager, store budget.UsageStore) *BudgetSyncWorker {
	return &BudgetSyncWorker{manager: manager, store: store}
}

// Name returns the worker identifier.
func (w *BudgetSyncWorker) Name() string { return "budget_sync" }

// Run performs an initial resync, then periodically resyncs until ctx is
// cancelled.
func (w *BudgetSyncWorker) Run(ctx context.Context) error {
	if err := w.manager.Resync(ctx, w.store); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "initial budget sync failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(budgetSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.manager.Resync(ctx, w.store); err != nil {
				slog.LogAttrs(ctx, slog.LevelError, "budget sync failed",
					slog.String("error", err.Error()),
				)
			}
		case <-ctx.Done():
			return nil
		}
	}
}
