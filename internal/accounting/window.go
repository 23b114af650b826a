// Package accounting implements the reward accounting engine of the pool:
// the windowed share-ledger aggregation primitive, the PPLNS estimator, the
// block lifecycle tracker, the payout engine, and the ledger retention pass.
//
// All money arithmetic is integer-exact. Components coordinate only through
// the durable store and the shared cache; none of them holds state between
// invocations, so an at-least-once scheduler can re-run any of them safely.
package accounting

import (
	"context"
)

// Share is a single ledger entry as seen by the aggregation walk. Entries
// are identified by a monotonically increasing id assigned at insert;
// walking by descending id is walking newest to oldest.
type Share struct {
	ID     int64
	User   string
	Amount int64
}

// ShareSource streams ledger entries newest to oldest. When upper is
// non-zero the walk starts at the entry with that id (inclusive) instead of
// the newest entry. The walk stops early when fn returns false.
type ShareSource interface {
	SharesDesc(ctx context.Context, upper int64, fn func(Share) bool) error
}

// WindowResult is the outcome of a budgeted aggregation walk.
type WindowResult struct {
	// PerUser maps each user to the share amount credited inside the window.
	PerUser map[string]int64
	// BoundaryID is the id of the last entry touched by the walk, which may
	// have been credited only partially. Zero when the ledger ran out before
	// the budget was spent.
	BoundaryID int64
	// Counted is the total amount credited. Equal to the budget unless the
	// ledger was exhausted.
	Counted int64
	// Exhausted reports that the ledger ran out before the budget was spent.
	Exhausted bool
}

// AggregateWindow walks the ledger newest to oldest crediting share amounts
// per user until budget is spent. An entry whose amount is below the
// remaining budget is credited in full; the first entry whose amount would
// meet or exceed it is credited only the remaining amount and ends the walk
// as the boundary entry.
//
// The same primitive serves the estimator (full-ledger walk, difficulty
// budget), the payout engine (walk from a block's cursor, block budget) and
// the retention pass (full-ledger walk, retention budget).
func AggregateWindow(ctx context.Context, src ShareSource, budget int64, upper int64) (*WindowResult, error) {
	res := &WindowResult{
		PerUser: make(map[string]int64),
	}

	if budget <= 0 {
		return res, nil
	}

	remaining := budget
	err := src.SharesDesc(ctx, upper, func(s Share) bool {
		if remaining > s.Amount {
			res.PerUser[s.User] += s.Amount
			remaining -= s.Amount
			return true
		}
		// Partial credit: this entry supplies the tail of the window.
		res.PerUser[s.User] += remaining
		res.BoundaryID = s.ID
		remaining = 0
		return false
	})
	if err != nil {
		return nil, err
	}

	res.Counted = budget - remaining
	res.Exhausted = remaining > 0
	return res, nil
}
