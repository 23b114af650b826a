package accounting

import (
	"context"
	"time"

	"github.com/bardlex/poolacct/pkg/log"
)

// EstimateSink publishes the live PPLNS snapshot to the shared cache with a
// bounded time-to-live.
type EstimateSink interface {
	PublishEstimate(ctx context.Context, perUser map[string]int64, counted int64, at time.Time) error
}

// Estimator recomputes the display-only PPLNS share distribution. The
// snapshot is non-authoritative: settlements always recompute from the
// ledger, so a skipped or stale cycle costs nothing but display freshness.
type Estimator struct {
	shares ShareSource
	diff   DifficultySource
	sink   EstimateSink
	n      int64
	logger *log.Logger
	now    func() time.Time
}

// NewEstimator creates a PPLNS estimator with window multiplier n.
func NewEstimator(shares ShareSource, diff DifficultySource, sink EstimateSink, n int64, logger *log.Logger) *Estimator {
	return &Estimator{
		shares: shares,
		diff:   diff,
		sink:   sink,
		n:      n,
		logger: logger.WithComponent("estimator"),
		now:    time.Now,
	}
}

// Update recomputes the per-user share distribution over the current PPLNS
// window and publishes it. When the cached average difficulty is missing
// the cycle is skipped and the previously published snapshot stays in place
// until its TTL expires.
func (e *Estimator) Update(ctx context.Context) error {
	avg, ok, err := e.diff.AverageDifficulty(ctx)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn("average difficulty unavailable, skipping estimate cycle")
		return nil
	}

	budget := WindowBudget(avg, e.n)
	window, err := AggregateWindow(ctx, e.shares, budget, 0)
	if err != nil {
		return err
	}

	if err := e.sink.PublishEstimate(ctx, window.PerUser, window.Counted, e.now()); err != nil {
		return err
	}

	e.logger.Debug("published share estimate",
		"users", len(window.PerUser),
		"counted", window.Counted,
		"budget", budget,
		"exhausted", window.Exhausted,
	)
	return nil
}
