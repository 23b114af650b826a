package accounting

import (
	"context"
	"testing"

	"github.com/bardlex/poolacct/pkg/errors"
	"github.com/bardlex/poolacct/pkg/log"
)

type fakePayoutStore struct {
	block     *PayoutBlock
	percents  map[string]float64
	committed []*Settlement
}

func (f *fakePayoutStore) OldestSettleable(context.Context) (*PayoutBlock, error) {
	return f.block, nil
}

func (f *fakePayoutStore) DonationPercents(_ context.Context, users []string) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, u := range users {
		if p, ok := f.percents[u]; ok {
			out[u] = p
		}
	}
	return out, nil
}

func (f *fakePayoutStore) CommitSettlement(_ context.Context, s *Settlement) error {
	f.committed = append(f.committed, s)
	f.block = nil // settled blocks stop matching the query
	return nil
}

func testLogger() *log.Logger {
	return log.New("test", "test", "error", "text")
}

// evenLedger gives two users one entry each, far larger than any test
// budget, so share splits are controlled by the budget alone.
func twoUserLedger(aAmount, bAmount int64) *memLedger {
	return &memLedger{entries: []Share{
		{ID: 2, User: "userA", Amount: aAmount},
		{ID: 1, User: "userB", Amount: bAmount},
	}}
}

func newTestEngine(src ShareSource, store *fakePayoutStore, cfg PayoutConfig) *PayoutEngine {
	if cfg.WindowMultiplier == 0 {
		cfg.WindowMultiplier = 1
	}
	return NewPayoutEngine(src, store, cfg, testLogger())
}

func settledOnce(t *testing.T, store *fakePayoutStore) *Settlement {
	t.Helper()
	if len(store.committed) != 1 {
		t.Fatalf("expected exactly one committed settlement, got %d", len(store.committed))
	}
	return store.committed[0]
}

func payoutSum(s *Settlement) int64 {
	var sum int64
	for _, p := range s.Payouts {
		sum += p.Amount
	}
	return sum
}

func TestSettle_RemainderRoundRobin(t *testing.T) {
	// Two users with equal shares and an odd remainder: raw payouts are
	// 499 each, the 2-unit remainder goes +1 to each in sorted user order.
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 100, Hash: "h100",
			Bits:        0x1d00ffff, // 65536 shares to solve
			TotalValue:  999,
			FoundBy:     "userA",
			LastShareID: 2,
		},
	}
	src := twoUserLedger(32768, 32768) // fills the budget exactly, half each

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	if len(s.Payouts) != 2 {
		t.Fatalf("expected 2 payouts, got %d", len(s.Payouts))
	}
	// Raw: floor(32768*999/65536) = 499 each, remainder 1 goes to userA
	// (first in ascending order).
	if s.Payouts[0].User != "userA" || s.Payouts[0].Amount != 500 {
		t.Errorf("payout[0] = %s/%d, want userA/500", s.Payouts[0].User, s.Payouts[0].Amount)
	}
	if s.Payouts[1].User != "userB" || s.Payouts[1].Amount != 499 {
		t.Errorf("payout[1] = %s/%d, want userB/499", s.Payouts[1].User, s.Payouts[1].Amount)
	}
	if got := payoutSum(s); got != 999 {
		t.Errorf("payout sum = %d, want 999", got)
	}
}

func TestSettle_LargeBlockValueNoOverflow(t *testing.T) {
	// Minor-unit chains produce block values around 2.4e14; multiplied by a
	// full window's shares the product passes int64, so the split must run
	// in wider arithmetic. Budget here is 131072 (bits 0x1d00ffff, N=2).
	const totalValue = 236468104976814
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 120, Hash: "h120",
			Bits: 0x1d00ffff, TotalValue: totalValue, FoundBy: "userA", LastShareID: 2,
		},
	}
	src := twoUserLedger(70000, 61072) // fills the budget exactly

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 2})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	// floor(70000×totalValue/131072) = 126287592684760, the 1-unit
	// remainder goes to userA.
	if s.Payouts[0].User != "userA" || s.Payouts[0].Amount != 126287592684761 {
		t.Errorf("payout[0] = %s/%d, want userA/126287592684761",
			s.Payouts[0].User, s.Payouts[0].Amount)
	}
	if s.Payouts[1].User != "userB" || s.Payouts[1].Amount != 110180512292053 {
		t.Errorf("payout[1] = %s/%d, want userB/110180512292053",
			s.Payouts[1].User, s.Payouts[1].Amount)
	}
	for _, p := range s.Payouts {
		if p.Amount < 0 {
			t.Errorf("%s amount is negative: %d", p.User, p.Amount)
		}
	}
	if got := payoutSum(s); got != totalValue {
		t.Errorf("payout sum = %d, want exact block value %d", got, totalValue)
	}
}

func TestSettle_SumInvariantHolds(t *testing.T) {
	// Uneven shares and a prime total value stress the truncation path.
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 101, Hash: "h101",
			Bits: 0x1d00ffff, TotalValue: 1000003, FoundBy: "userC", LastShareID: 4,
		},
	}
	src := &memLedger{entries: []Share{
		{ID: 4, User: "userC", Amount: 17},
		{ID: 3, User: "userA", Amount: 31337},
		{ID: 2, User: "userB", Amount: 12345},
		{ID: 1, User: "userA", Amount: 50000},
	}}

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	if got := payoutSum(s); got != 1000003 {
		t.Errorf("payout sum = %d, want full block value 1000003", got)
	}
}

func TestSettle_ExhaustedLedgerShrinksDivisor(t *testing.T) {
	// Ledger holds fewer shares than the window calls for: the whole block
	// value must still be distributed over what exists.
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 102, Hash: "h102",
			Bits: 0x1d00ffff, TotalValue: 900, FoundBy: "userA", LastShareID: 2,
		},
	}
	src := twoUserLedger(200, 100) // 300 counted vs 65536 budget

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	if got := payoutSum(s); got != 900 {
		t.Errorf("payout sum = %d, want 900", got)
	}
	// 200/300 and 100/300 of 900.
	if s.Payouts[0].Amount != 600 || s.Payouts[1].Amount != 300 {
		t.Errorf("payouts = %d/%d, want 600/300", s.Payouts[0].Amount, s.Payouts[1].Amount)
	}
}

func TestSettle_DonationAndBonus(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 103, Hash: "h103",
			Bits: 0x1d00ffff, TotalValue: 400, FoundBy: "userB", LastShareID: 2,
		},
		percents: map[string]float64{
			"userA": 10,  // donation
			"userB": -50, // bonus
		},
	}
	src := twoUserLedger(150, 150) // even split: 200 each

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1, DonateAddress: "poolDonate"})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)

	// userA: 200 − ceil(10% × 200) = 180, donation 20.
	if s.Payouts[0].User != "userA" || s.Payouts[0].Amount != 180 || s.Payouts[0].Applied != 20 {
		t.Errorf("userA payout = %+v, want amount 180, applied 20", s.Payouts[0])
	}
	// userB: 200 + floor(50% × 200) = 300, bonus 100.
	if s.Payouts[1].User != "userB" || s.Payouts[1].Amount != 300 || s.Payouts[1].Applied != -100 {
		t.Errorf("userB payout = %+v, want amount 300, applied -100", s.Payouts[1])
	}

	if s.DonationTotal != 20 || s.BonusTotal != 100 {
		t.Errorf("totals = donation %d / bonus %d, want 20/100", s.DonationTotal, s.BonusTotal)
	}

	// sum(final) == total_value + bonus − donation
	if got := payoutSum(s); got != 400+100-20 {
		t.Errorf("final sum = %d, want %d", got, 400+100-20)
	}

	if s.Donation == nil || s.Donation.User != "poolDonate" || s.Donation.Amount != 20 {
		t.Errorf("donation payout = %+v, want poolDonate/20", s.Donation)
	}
}

func TestSettle_DonationCeilRounding(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 104, Hash: "h104",
			Bits: 0x1d00ffff, TotalValue: 402, FoundBy: "userA", LastShareID: 2,
		},
		percents: map[string]float64{"userA": 2.5, "userB": 2.5},
	}
	src := twoUserLedger(150, 150) // 201 each

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	// ceil(2.5% × 201) = ceil(5.025) = 6 collected from each.
	for _, p := range s.Payouts {
		if p.Applied != 6 {
			t.Errorf("%s applied = %d, want 6 (ceil rounding)", p.User, p.Applied)
		}
		if p.Amount != 195 {
			t.Errorf("%s amount = %d, want 195", p.User, p.Amount)
		}
	}
	if s.DonationTotal != 12 {
		t.Errorf("DonationTotal = %d, want 12", s.DonationTotal)
	}
}

func TestSettle_DefaultPercentApplies(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 105, Hash: "h105",
			Bits: 0x1d00ffff, TotalValue: 200, FoundBy: "userA", LastShareID: 2,
		},
	}
	src := twoUserLedger(100, 100)

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1, DefaultPercent: 10})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	for _, p := range s.Payouts {
		if p.Percent != 10 {
			t.Errorf("%s percent = %v, want default 10", p.User, p.Percent)
		}
	}
}

func TestSettle_FinderBonus(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 106, Hash: "h106",
			Bits: 0x1d00ffff, TotalValue: 200, FoundBy: "userB", LastShareID: 2,
		},
	}
	src := twoUserLedger(100, 100)

	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1, FinderBonus: 5000})
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("Settle() error = %v", err)
	}

	s := settledOnce(t, store)
	if s.FinderBonus == nil || s.FinderBonus.User != "userB" || s.FinderBonus.Amount != 5000 {
		t.Errorf("finder bonus = %+v, want userB/5000", s.FinderBonus)
	}
}

func TestSettle_IdempotentAcrossRetries(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 107, Hash: "h107",
			Bits: 0x1d00ffff, TotalValue: 100, FoundBy: "userA", LastShareID: 2,
		},
	}
	src := twoUserLedger(100, 100)
	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1})

	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("first Settle() error = %v", err)
	}
	// A retried delivery finds no settleable block and is a no-op.
	if err := engine.Settle(context.Background(), false); err != nil {
		t.Fatalf("second Settle() error = %v", err)
	}

	if len(store.committed) != 1 {
		t.Errorf("expected exactly one settlement after retry, got %d", len(store.committed))
	}
}

func TestSettle_SimulateDoesNotCommit(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 108, Hash: "h108",
			Bits: 0x1d00ffff, TotalValue: 100, FoundBy: "userA", LastShareID: 2,
		},
	}
	src := twoUserLedger(100, 100)
	engine := newTestEngine(src, store, PayoutConfig{WindowMultiplier: 1})

	if err := engine.Settle(context.Background(), true); err != nil {
		t.Fatalf("Settle(simulate) error = %v", err)
	}
	if len(store.committed) != 0 {
		t.Errorf("simulate mode committed %d settlements, want 0", len(store.committed))
	}
}

func TestSettle_NoBlockIsNoOp(t *testing.T) {
	store := &fakePayoutStore{}
	engine := newTestEngine(twoUserLedger(1, 1), store, PayoutConfig{WindowMultiplier: 1})

	if err := engine.Settle(context.Background(), false); err != nil {
		t.Errorf("Settle() with no block should be a no-op, got %v", err)
	}
}

func TestSettle_EmptyWindowIsInvariantViolation(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 109, Hash: "h109",
			Bits: 0x1d00ffff, TotalValue: 100, FoundBy: "userA", LastShareID: 2,
		},
	}
	engine := newTestEngine(&memLedger{}, store, PayoutConfig{WindowMultiplier: 1})

	err := engine.Settle(context.Background(), false)
	if !errors.IsInvariant(err) {
		t.Errorf("Settle() over empty ledger = %v, want invariant error", err)
	}
	if len(store.committed) != 0 {
		t.Error("nothing may be committed after an invariant violation")
	}
}

func TestSettle_MissingCursorIsInvariantViolation(t *testing.T) {
	store := &fakePayoutStore{
		block: &PayoutBlock{
			ID: 1, Height: 110, Hash: "h110",
			Bits: 0x1d00ffff, TotalValue: 100, FoundBy: "userA",
		},
	}
	engine := newTestEngine(twoUserLedger(1, 1), store, PayoutConfig{WindowMultiplier: 1})

	err := engine.Settle(context.Background(), false)
	if !errors.IsInvariant(err) {
		t.Errorf("Settle() without ledger cursor = %v, want invariant error", err)
	}
}
