package accounting

import (
	"context"
	"errors"
	"testing"
)

type fakeNode struct {
	height   int64
	confirms map[string]int64 // missing hash means ErrBlockNotFound
	txs      map[string]int64
	rpcErr   map[string]error // per-hash injected failures
}

func (f *fakeNode) BlockCount(context.Context) (int64, error) {
	return f.height, nil
}

func (f *fakeNode) BlockConfirmations(_ context.Context, hash string) (int64, error) {
	if err, ok := f.rpcErr[hash]; ok {
		return 0, err
	}
	c, ok := f.confirms[hash]
	if !ok {
		return 0, ErrBlockNotFound
	}
	return c, nil
}

func (f *fakeNode) TransactionConfirmations(_ context.Context, txid string) (int64, error) {
	c, ok := f.txs[txid]
	if !ok {
		return 0, ErrBlockNotFound
	}
	return c, nil
}

type fakeLifecycleStore struct {
	pending  []PendingBlock
	mature   []int64
	orphaned []int64
}

func (f *fakeLifecycleStore) PendingBlocks(context.Context) ([]PendingBlock, error) {
	return f.pending, nil
}

func (f *fakeLifecycleStore) MarkMature(_ context.Context, id int64) error {
	f.mature = append(f.mature, id)
	return nil
}

func (f *fakeLifecycleStore) MarkOrphan(_ context.Context, id int64) error {
	f.orphaned = append(f.orphaned, id)
	return nil
}

type fakeTxStore struct {
	unconfirmed []string
	confirmed   []string
}

func (f *fakeTxStore) UnconfirmedTransactions(context.Context) ([]string, error) {
	return f.unconfirmed, nil
}

func (f *fakeTxStore) MarkTransactionConfirmed(_ context.Context, txid string) error {
	f.confirmed = append(f.confirmed, txid)
	return nil
}

func TestUpdateBlockState_Mature(t *testing.T) {
	store := &fakeLifecycleStore{pending: []PendingBlock{{ID: 1, Height: 100, Hash: "a"}}}
	node := &fakeNode{height: 110, confirms: map[string]int64{"a": 6}}

	tracker := NewTracker(store, &fakeTxStore{}, node, 5, testLogger())
	if err := tracker.UpdateBlockState(context.Background()); err != nil {
		t.Fatalf("UpdateBlockState() error = %v", err)
	}

	if len(store.mature) != 1 || store.mature[0] != 1 {
		t.Errorf("mature = %v, want [1]", store.mature)
	}
	if len(store.orphaned) != 0 {
		t.Errorf("orphaned = %v, want none", store.orphaned)
	}
}

func TestUpdateBlockState_ExactThresholdStaysPending(t *testing.T) {
	// Maturity needs strictly more confirmations than the threshold.
	store := &fakeLifecycleStore{pending: []PendingBlock{{ID: 1, Height: 100, Hash: "a"}}}
	node := &fakeNode{height: 104, confirms: map[string]int64{"a": 5}}

	tracker := NewTracker(store, &fakeTxStore{}, node, 5, testLogger())
	if err := tracker.UpdateBlockState(context.Background()); err != nil {
		t.Fatalf("UpdateBlockState() error = %v", err)
	}

	if len(store.mature) != 0 || len(store.orphaned) != 0 {
		t.Errorf("block should remain pending, got mature=%v orphaned=%v", store.mature, store.orphaned)
	}
}

func TestUpdateBlockState_OrphanByNotFound(t *testing.T) {
	store := &fakeLifecycleStore{pending: []PendingBlock{{ID: 7, Height: 100, Hash: "gone"}}}
	node := &fakeNode{height: 101, confirms: map[string]int64{}}

	tracker := NewTracker(store, &fakeTxStore{}, node, 5, testLogger())
	if err := tracker.UpdateBlockState(context.Background()); err != nil {
		t.Fatalf("UpdateBlockState() error = %v", err)
	}

	if len(store.orphaned) != 1 || store.orphaned[0] != 7 {
		t.Errorf("orphaned = %v, want [7]", store.orphaned)
	}
}

func TestUpdateBlockState_OrphanByChainGrowth(t *testing.T) {
	// Chain grew 10 past the block but it gathered no confirmations: the
	// block was reorganized out.
	store := &fakeLifecycleStore{pending: []PendingBlock{{ID: 2, Height: 100, Hash: "stale"}}}
	node := &fakeNode{height: 110, confirms: map[string]int64{"stale": 0}}

	tracker := NewTracker(store, &fakeTxStore{}, node, 5, testLogger())
	if err := tracker.UpdateBlockState(context.Background()); err != nil {
		t.Fatalf("UpdateBlockState() error = %v", err)
	}

	if len(store.orphaned) != 1 || store.orphaned[0] != 2 {
		t.Errorf("orphaned = %v, want [2]", store.orphaned)
	}
	if len(store.mature) != 0 {
		t.Errorf("mature = %v, want none", store.mature)
	}
}

func TestUpdateBlockState_PerBlockIsolation(t *testing.T) {
	// An RPC failure on one block must not stop the rest of the batch.
	store := &fakeLifecycleStore{pending: []PendingBlock{
		{ID: 1, Height: 100, Hash: "broken"},
		{ID: 2, Height: 101, Hash: "good"},
	}}
	node := &fakeNode{
		height:   120,
		confirms: map[string]int64{"good": 19},
		rpcErr:   map[string]error{"broken": errors.New("rpc timeout")},
	}

	tracker := NewTracker(store, &fakeTxStore{}, node, 5, testLogger())
	if err := tracker.UpdateBlockState(context.Background()); err != nil {
		t.Fatalf("UpdateBlockState() error = %v", err)
	}

	if len(store.mature) != 1 || store.mature[0] != 2 {
		t.Errorf("mature = %v, want [2]", store.mature)
	}
	// The failing block resolves as not-in-chain.
	if len(store.orphaned) != 1 || store.orphaned[0] != 1 {
		t.Errorf("orphaned = %v, want [1]", store.orphaned)
	}
}

func TestUpdateBlockState_EmptyBatchSkipsNode(t *testing.T) {
	store := &fakeLifecycleStore{}
	tracker := NewTracker(store, &fakeTxStore{}, &fakeNode{}, 5, testLogger())

	if err := tracker.UpdateBlockState(context.Background()); err != nil {
		t.Errorf("UpdateBlockState() with no pending blocks = %v, want nil", err)
	}
}

func TestConfirmTransactions(t *testing.T) {
	txs := &fakeTxStore{unconfirmed: []string{"tx-deep", "tx-shallow", "tx-unknown"}}
	node := &fakeNode{txs: map[string]int64{"tx-deep": 6, "tx-shallow": 3}}

	tracker := NewTracker(&fakeLifecycleStore{}, txs, node, 5, testLogger())
	if err := tracker.ConfirmTransactions(context.Background()); err != nil {
		t.Fatalf("ConfirmTransactions() error = %v", err)
	}

	if len(txs.confirmed) != 1 || txs.confirmed[0] != "tx-deep" {
		t.Errorf("confirmed = %v, want [tx-deep]", txs.confirmed)
	}
}
