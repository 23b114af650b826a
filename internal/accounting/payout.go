package accounting

import (
	"context"
	"math"
	"math/bits"
	"sort"

	"github.com/bardlex/poolacct/pkg/errors"
	"github.com/bardlex/poolacct/pkg/log"
)

// PayoutBlock is a matured block eligible for settlement.
type PayoutBlock struct {
	ID              int64
	Height          int64
	Hash            string
	Bits            uint32
	TotalValue      int64
	TransactionFees int64
	FoundBy         string
	// LastShareID is the ledger cursor marking the end of this block's
	// reward window. Zero when the retention pass has cleared it; a cleared
	// cursor on an unsettled block cannot happen under the scheduling
	// order, and settlement refuses to run without one.
	LastShareID int64
}

// UserPayout is one user's settled amount for one block.
type UserPayout struct {
	User string
	// Amount is the final amount after the donation/bonus adjustment.
	Amount int64
	// Shares is the share count credited inside the block's window.
	Shares int64
	// Percent is the signed donation percent applied (positive donation,
	// negative bonus, zero no-op).
	Percent float64
	// Applied is the adjustment amount: positive for a collected donation,
	// negative for a paid bonus, zero when Percent is zero.
	Applied int64
}

// ExtraPayout is a side payout recorded alongside the per-user rows: the
// collected donation routed to the pool's donation address, or the fixed
// block-finder bonus.
type ExtraPayout struct {
	User        string
	Amount      int64
	Description string
}

// Settlement is the complete, reconciled outcome of settling one block.
// Stores persist it atomically: every row and the block state flip commit
// together or not at all.
type Settlement struct {
	Block         *PayoutBlock
	Payouts       []UserPayout // ascending user order
	DonationTotal int64
	BonusTotal    int64
	Donation      *ExtraPayout
	FinderBonus   *ExtraPayout
}

// PayoutStore is the persistence surface of the payout engine.
type PayoutStore interface {
	// OldestSettleable returns the oldest (lowest height) block that is
	// mature, not merged, and not yet processed, or nil when there is none.
	OldestSettleable(ctx context.Context) (*PayoutBlock, error)
	// DonationPercents returns the custom signed percent for each of the
	// given users that has one configured.
	DonationPercents(ctx context.Context, users []string) (map[string]float64, error)
	// CommitSettlement persists the settlement in a single transaction and
	// marks the block processed.
	CommitSettlement(ctx context.Context, s *Settlement) error
}

// PayoutConfig carries the settlement knobs.
type PayoutConfig struct {
	// WindowMultiplier is N: the PPLNS lookback in multiples of the block's
	// implied share count.
	WindowMultiplier int64
	// DefaultPercent applies to users without a custom donation percent.
	DefaultPercent float64
	// DonateAddress receives the collected donation total when non-empty.
	DonateAddress string
	// FinderBonus, when positive, is a fixed bonus recorded for the block
	// finder on every settled block.
	FinderBonus int64
}

// PayoutEngine settles matured blocks one at a time. It is retry-safe by
// construction: a settled block stops matching the oldest-unprocessed query,
// so a re-delivered invocation finds nothing to do.
type PayoutEngine struct {
	shares ShareSource
	store  PayoutStore
	cfg    PayoutConfig
	logger *log.Logger
}

// NewPayoutEngine creates a payout engine.
func NewPayoutEngine(shares ShareSource, store PayoutStore, cfg PayoutConfig, logger *log.Logger) *PayoutEngine {
	return &PayoutEngine{
		shares: shares,
		store:  store,
		cfg:    cfg,
		logger: logger.WithComponent("payout"),
	}
}

// Settle finds the oldest settleable block and distributes its reward. With
// simulate set the full computation runs and the would-be distribution is
// logged, but nothing is committed. Returns without error when no block is
// ready.
func (e *PayoutEngine) Settle(ctx context.Context, simulate bool) error {
	block, err := e.store.OldestSettleable(ctx)
	if err != nil {
		return err
	}
	if block == nil {
		e.logger.Debug("no settleable block")
		return nil
	}

	logger := e.logger.WithBlock(block.Height, block.Hash)

	if block.LastShareID == 0 {
		return errors.New(errors.ErrorTypeInvariant, "settle_block",
			"unprocessed block has no ledger cursor").
			WithContext("block_height", block.Height)
	}

	settlement, err := e.compute(ctx, block)
	if err != nil {
		return err
	}

	if simulate {
		for _, p := range settlement.Payouts {
			logger.Info("simulated payout",
				"user", p.User,
				"amount", p.Amount,
				"shares", p.Shares,
				"percent", p.Percent,
			)
		}
		logger.LogSettlement(block.Height, len(settlement.Payouts),
			block.TotalValue, settlement.DonationTotal, settlement.BonusTotal, true)
		return nil
	}

	if err := e.store.CommitSettlement(ctx, settlement); err != nil {
		return err
	}

	logger.LogSettlement(block.Height, len(settlement.Payouts),
		block.TotalValue, settlement.DonationTotal, settlement.BonusTotal, false)
	return nil
}

// compute produces the reconciled settlement for one block. Both invariants
// are checked here, before anything could be written; a violation surfaces
// as a non-retryable invariant error.
func (e *PayoutEngine) compute(ctx context.Context, block *PayoutBlock) (*Settlement, error) {
	budget := SharesToSolve(block.Bits) * e.cfg.WindowMultiplier

	window, err := AggregateWindow(ctx, e.shares, budget, block.LastShareID)
	if err != nil {
		return nil, err
	}
	// A thin ledger shrinks the divisor so the whole reward is still
	// distributed over what was actually contributed.
	totalShares := window.Counted
	if totalShares <= 0 {
		return nil, errors.New(errors.ErrorTypeInvariant, "settle_block",
			"no shares found in reward window").
			WithContext("block_height", block.Height).
			WithContext("budget", budget)
	}

	users := make([]string, 0, len(window.PerUser))
	for user := range window.PerUser {
		users = append(users, user)
	}
	// Remainder distribution order must be deterministic for payouts to be
	// reproducible; ascending user order is the documented choice.
	sort.Strings(users)

	// Truncated base payouts. shares × total_value exceeds int64 for
	// realistic minor-unit block values, so the multiply and divide run in
	// 128 bits. The quotient fits int64 again because shares never exceeds
	// the divisor.
	payouts := make([]UserPayout, 0, len(users))
	var accrued int64
	for _, user := range users {
		shares := window.PerUser[user]
		hi, lo := bits.Mul64(uint64(shares), uint64(block.TotalValue))
		quo, _ := bits.Div64(hi, lo, uint64(totalShares))
		amount := int64(quo)
		accrued += amount
		payouts = append(payouts, UserPayout{
			User:   user,
			Amount: amount,
			Shares: shares,
		})
	}

	// Hand the truncation remainder out one unit at a time in ascending
	// user order. Truncation loses under one unit per user, so a larger
	// remainder means the arithmetic above went wrong.
	remainder := block.TotalValue - accrued
	if remainder < 0 || remainder >= int64(len(payouts)) {
		return nil, errors.New(errors.ErrorTypeInvariant, "settle_block",
			"truncation remainder out of range").
			WithContext("remainder", remainder).
			WithContext("users", len(payouts))
	}
	for i := int64(0); i < remainder; i++ {
		payouts[i].Amount++
	}
	accrued += remainder

	if accrued != block.TotalValue {
		return nil, errors.New(errors.ErrorTypeInvariant, "settle_block",
			"pre-adjustment payouts do not sum to block value").
			WithContext("accrued", accrued).
			WithContext("total_value", block.TotalValue)
	}

	custom, err := e.store.DonationPercents(ctx, users)
	if err != nil {
		return nil, err
	}

	var donationTotal, bonusTotal int64
	for i := range payouts {
		percent, ok := custom[payouts[i].User]
		if !ok {
			percent = e.cfg.DefaultPercent
		}
		payouts[i].Percent = percent

		switch {
		case percent > 0:
			donation := int64(math.Ceil(percent / 100 * float64(payouts[i].Amount)))
			payouts[i].Amount -= donation
			payouts[i].Applied = donation
			donationTotal += donation
		case percent < 0:
			bonus := int64(math.Floor(-percent / 100 * float64(payouts[i].Amount)))
			payouts[i].Amount += bonus
			payouts[i].Applied = -bonus
			bonusTotal += bonus
		}
	}

	var finalSum int64
	for i := range payouts {
		finalSum += payouts[i].Amount
	}
	if finalSum != block.TotalValue+bonusTotal-donationTotal {
		return nil, errors.New(errors.ErrorTypeInvariant, "settle_block",
			"final payouts do not reconcile with block value").
			WithContext("final_sum", finalSum).
			WithContext("total_value", block.TotalValue).
			WithContext("donation_total", donationTotal).
			WithContext("bonus_total", bonusTotal)
	}

	s := &Settlement{
		Block:         block,
		Payouts:       payouts,
		DonationTotal: donationTotal,
		BonusTotal:    bonusTotal,
	}

	if donationTotal > 0 && e.cfg.DonateAddress != "" {
		s.Donation = &ExtraPayout{
			User:        e.cfg.DonateAddress,
			Amount:      donationTotal,
			Description: "collected donations",
		}
	}
	if e.cfg.FinderBonus > 0 {
		s.FinderBonus = &ExtraPayout{
			User:        block.FoundBy,
			Amount:      e.cfg.FinderBonus,
			Description: "block finder bonus",
		}
	}

	return s, nil
}
