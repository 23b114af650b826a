package accounting

import (
	"context"

	"github.com/bardlex/poolacct/pkg/log"
)

// CleanupStore is the persistence surface of the retention pass.
type CleanupStore interface {
	// UnsettledBlockCount counts blocks that are not merged and not yet
	// processed. Their reward windows pin the ledger.
	UnsettledBlockCount(ctx context.Context) (int64, error)
	// Prune clears the last_share_id cursor on every block whose cursor is
	// at or below boundary, then deletes every ledger entry older than
	// boundary, both inside one transaction. It returns the number of
	// cursors cleared and entries deleted.
	Prune(ctx context.Context, boundary int64) (cursorsCleared, entriesDeleted int64, err error)
}

// DifficultySource supplies the rolling average difficulty maintained in
// the shared cache. ok is false when the average is not currently cached.
type DifficultySource interface {
	AverageDifficulty(ctx context.Context) (avg float64, ok bool, err error)
}

// CleanupConfig carries the retention knobs.
type CleanupConfig struct {
	// WindowMultiplier is N, the same lookback multiplier the payout engine
	// uses. Each unsettled block pins N windows of ledger.
	WindowMultiplier int64
	// Margin is the extra N of ledger kept beyond what unsettled blocks
	// require.
	Margin int64
}

// CleanupEngine prunes ledger entries no longer reachable by any future
// settlement. The retention boundary always covers every unsettled block's
// window plus a safety margin, and cursors are cleared before entries are
// deleted so no block is left pointing at a pruned entry.
type CleanupEngine struct {
	shares ShareSource
	store  CleanupStore
	diff   DifficultySource
	cfg    CleanupConfig
	logger *log.Logger
}

// NewCleanupEngine creates a retention engine.
func NewCleanupEngine(shares ShareSource, store CleanupStore, diff DifficultySource, cfg CleanupConfig, logger *log.Logger) *CleanupEngine {
	return &CleanupEngine{
		shares: shares,
		store:  store,
		diff:   diff,
		cfg:    cfg,
		logger: logger.WithComponent("cleanup"),
	}
}

// Run computes the retention boundary and prunes everything older. With
// simulate set the boundary is computed and logged but nothing is deleted.
// When the cached average difficulty is unavailable the pass is skipped:
// without it the boundary cannot be computed safely.
func (e *CleanupEngine) Run(ctx context.Context, simulate bool) error {
	avg, ok, err := e.diff.AverageDifficulty(ctx)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn("average difficulty unavailable, skipping retention pass")
		return nil
	}

	unsettled, err := e.store.UnsettledBlockCount(ctx)
	if err != nil {
		return err
	}

	// Every unsettled block pins N of ledger, plus the configured margin
	// and one extra N so a block found mid-pass is still covered.
	keepN := unsettled*e.cfg.WindowMultiplier + e.cfg.Margin + e.cfg.WindowMultiplier
	budget := WindowBudget(avg, keepN)

	window, err := AggregateWindow(ctx, e.shares, budget, 0)
	if err != nil {
		return err
	}
	if window.BoundaryID == 0 {
		// Ledger is smaller than the retention budget, nothing to prune.
		e.logger.Debug("ledger within retention budget",
			"budget", budget,
			"counted", window.Counted,
		)
		return nil
	}

	if simulate {
		e.logger.LogRetention(window.BoundaryID, 0, 0, true)
		return nil
	}

	cleared, deleted, err := e.store.Prune(ctx, window.BoundaryID)
	if err != nil {
		return err
	}

	e.logger.LogRetention(window.BoundaryID, cleared, deleted, false)
	return nil
}
