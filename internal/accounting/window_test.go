package accounting

import (
	"context"
	"testing"
)

// memLedger is an in-memory ShareSource ordered newest-first for tests.
type memLedger struct {
	entries []Share // descending id order
}

func (m *memLedger) SharesDesc(_ context.Context, upper int64, fn func(Share) bool) error {
	for _, s := range m.entries {
		if upper != 0 && s.ID > upper {
			continue
		}
		if !fn(s) {
			return nil
		}
	}
	return nil
}

func testLedger() *memLedger {
	return &memLedger{entries: []Share{
		{ID: 5, User: "userA", Amount: 100},
		{ID: 4, User: "userB", Amount: 30},
		{ID: 3, User: "userA", Amount: 50},
		{ID: 2, User: "userC", Amount: 40},
		{ID: 1, User: "userB", Amount: 50},
	}}
}

func TestAggregateWindow_PartialBoundary(t *testing.T) {
	src := &memLedger{entries: []Share{
		{ID: 5, User: "userA", Amount: 100},
		{ID: 4, User: "userB", Amount: 50},
		{ID: 3, User: "userB", Amount: 10},
		{ID: 2, User: "userC", Amount: 25},
		{ID: 1, User: "userB", Amount: 50},
	}}

	res, err := AggregateWindow(context.Background(), src, 120, 0)
	if err != nil {
		t.Fatalf("AggregateWindow() error = %v", err)
	}

	if res.PerUser["userA"] != 100 {
		t.Errorf("userA = %d, want 100", res.PerUser["userA"])
	}
	if res.PerUser["userB"] != 20 {
		t.Errorf("userB = %d, want 20 (partial credit)", res.PerUser["userB"])
	}
	if res.BoundaryID != 4 {
		t.Errorf("BoundaryID = %d, want 4 (the partially counted entry)", res.BoundaryID)
	}
	if res.Counted != 120 {
		t.Errorf("Counted = %d, want 120", res.Counted)
	}
	if res.Exhausted {
		t.Error("Exhausted should be false when budget is fully spent")
	}
}

func TestAggregateWindow_BudgetMet_SumEqualsBudget(t *testing.T) {
	src := testLedger()

	for _, budget := range []int64{1, 50, 99, 100, 130, 269} {
		res, err := AggregateWindow(context.Background(), src, budget, 0)
		if err != nil {
			t.Fatalf("AggregateWindow(%d) error = %v", budget, err)
		}

		var sum int64
		for _, v := range res.PerUser {
			sum += v
		}
		if sum != budget {
			t.Errorf("budget %d: per-user sum = %d, want %d", budget, sum, budget)
		}
		if res.Exhausted {
			t.Errorf("budget %d: Exhausted should be false", budget)
		}
		if res.Counted != budget {
			t.Errorf("budget %d: Counted = %d", budget, res.Counted)
		}
	}
}

func TestAggregateWindow_Exhausted(t *testing.T) {
	src := testLedger() // total available = 270

	res, err := AggregateWindow(context.Background(), src, 1000, 0)
	if err != nil {
		t.Fatalf("AggregateWindow() error = %v", err)
	}

	var sum int64
	for _, v := range res.PerUser {
		sum += v
	}
	if sum != 270 {
		t.Errorf("per-user sum = %d, want 270 (total available)", sum)
	}
	if !res.Exhausted {
		t.Error("Exhausted should be true")
	}
	if res.Counted != 270 {
		t.Errorf("Counted = %d, want 270", res.Counted)
	}
	if res.BoundaryID != 0 {
		t.Errorf("BoundaryID = %d, want 0 when exhausted", res.BoundaryID)
	}
}

func TestAggregateWindow_UpperCursor(t *testing.T) {
	src := testLedger()

	// Starting at id=3 skips the two newest entries.
	res, err := AggregateWindow(context.Background(), src, 60, 3)
	if err != nil {
		t.Fatalf("AggregateWindow() error = %v", err)
	}

	if res.PerUser["userA"] != 50 {
		t.Errorf("userA = %d, want 50", res.PerUser["userA"])
	}
	if res.PerUser["userC"] != 10 {
		t.Errorf("userC = %d, want 10", res.PerUser["userC"])
	}
	if res.BoundaryID != 2 {
		t.Errorf("BoundaryID = %d, want 2", res.BoundaryID)
	}
}

func TestAggregateWindow_ExactAmountEndsWalk(t *testing.T) {
	// When the remaining budget equals an entry's amount, the entry is
	// credited via the partial branch and becomes the boundary.
	src := &memLedger{entries: []Share{
		{ID: 2, User: "userA", Amount: 70},
		{ID: 1, User: "userB", Amount: 30},
	}}

	res, err := AggregateWindow(context.Background(), src, 100, 0)
	if err != nil {
		t.Fatalf("AggregateWindow() error = %v", err)
	}

	if res.PerUser["userB"] != 30 {
		t.Errorf("userB = %d, want 30", res.PerUser["userB"])
	}
	if res.BoundaryID != 1 {
		t.Errorf("BoundaryID = %d, want 1", res.BoundaryID)
	}
	if res.Exhausted {
		t.Error("Exhausted should be false")
	}
}

func TestAggregateWindow_NonPositiveBudget(t *testing.T) {
	res, err := AggregateWindow(context.Background(), testLedger(), 0, 0)
	if err != nil {
		t.Fatalf("AggregateWindow() error = %v", err)
	}
	if len(res.PerUser) != 0 || res.Counted != 0 || res.Exhausted {
		t.Errorf("zero budget should be an empty, non-exhausted result: %+v", res)
	}
}

func TestAggregateWindow_EmptyLedger(t *testing.T) {
	res, err := AggregateWindow(context.Background(), &memLedger{}, 100, 0)
	if err != nil {
		t.Fatalf("AggregateWindow() error = %v", err)
	}
	if !res.Exhausted {
		t.Error("empty ledger should report Exhausted")
	}
	if res.Counted != 0 {
		t.Errorf("Counted = %d, want 0", res.Counted)
	}
}
