package accounting

import (
	"context"
	"errors"

	"github.com/bardlex/poolacct/pkg/log"
)

// ErrBlockNotFound is returned by NodeClient implementations when the node
// does not know the requested hash. For a block the pool found, this means
// the block is no longer part of the canonical chain.
var ErrBlockNotFound = errors.New("block not found in chain")

// NodeClient is the slice of the blockchain node RPC surface the lifecycle
// tracker needs.
type NodeClient interface {
	BlockCount(ctx context.Context) (int64, error)
	// BlockConfirmations returns the confirmation count for a block hash,
	// or ErrBlockNotFound when the node does not recognize it.
	BlockConfirmations(ctx context.Context, hash string) (int64, error)
	// TransactionConfirmations returns the confirmation count for a wallet
	// transaction, or ErrBlockNotFound when the node does not know it.
	TransactionConfirmations(ctx context.Context, txid string) (int64, error)
}

// PendingBlock is a pool-found block awaiting maturity or orphan resolution.
type PendingBlock struct {
	ID     int64
	Height int64
	Hash   string
}

// LifecycleStore is the block state persistence needed by the tracker.
type LifecycleStore interface {
	// PendingBlocks returns every block that is neither mature nor orphaned.
	PendingBlocks(ctx context.Context) ([]PendingBlock, error)
	MarkMature(ctx context.Context, blockID int64) error
	MarkOrphan(ctx context.Context, blockID int64) error
}

// TransactionStore is the payout-transaction persistence used by the
// confirmation pass.
type TransactionStore interface {
	UnconfirmedTransactions(ctx context.Context) ([]string, error)
	MarkTransactionConfirmed(ctx context.Context, txid string) error
}

// Tracker re-evaluates pending block state against the chain. Every poll is
// a full recomputation from current chain state; it keeps no memory of
// earlier polls, so duplicate or re-delivered invocations are harmless.
type Tracker struct {
	store    LifecycleStore
	txs      TransactionStore
	node     NodeClient
	confirms int64
	logger   *log.Logger
}

// NewTracker creates a block lifecycle tracker. matureConfirms is the
// confirmation depth past which a block's reward is considered payable.
func NewTracker(store LifecycleStore, txs TransactionStore, node NodeClient, matureConfirms int64, logger *log.Logger) *Tracker {
	return &Tracker{
		store:    store,
		txs:      txs,
		node:     node,
		confirms: matureConfirms,
		logger:   logger.WithComponent("lifecycle"),
	}
}

// UpdateBlockState advances every pending block toward mature or orphan.
//
// A hash unknown to the node means the block fell out of the canonical
// chain: orphan. Confirmations above the threshold: mature. Enough chain
// growth without enough confirmations: reorganized out, orphan. Anything
// else stays pending until the next poll. RPC failures for one block are
// contained to that block so the rest of the batch still advances.
func (t *Tracker) UpdateBlockState(ctx context.Context) error {
	pending, err := t.store.PendingBlocks(ctx)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	height, err := t.node.BlockCount(ctx)
	if err != nil {
		return err
	}

	for _, block := range pending {
		logger := t.logger.WithBlock(block.Height, block.Hash)

		confirms, err := t.node.BlockConfirmations(ctx, block.Hash)
		if err != nil {
			// Not found, or the node misbehaved for this one hash. Treat
			// both as "not in the chain": the next poll re-checks anyway.
			logger.WithError(err).Info("block not in chain, marking orphan")
			if err := t.store.MarkOrphan(ctx, block.ID); err != nil {
				return err
			}
			continue
		}

		switch {
		case confirms > t.confirms:
			logger.LogBlockTransition(block.Height, block.Hash, "mature", confirms)
			if err := t.store.MarkMature(ctx, block.ID); err != nil {
				return err
			}
		case (height-block.Height) > t.confirms && confirms < t.confirms:
			logger.LogBlockTransition(block.Height, block.Hash, "orphan", confirms)
			if err := t.store.MarkOrphan(ctx, block.ID); err != nil {
				return err
			}
		default:
			logger.Debug("block still pending",
				"confirmations", confirms,
				"height_delta", height-block.Height,
			)
		}
	}

	return nil
}

// ConfirmTransactions marks payout transactions confirmed once they reach
// six confirmations. Transactions the node no longer knows stay unconfirmed
// for the next poll.
func (t *Tracker) ConfirmTransactions(ctx context.Context) error {
	txids, err := t.txs.UnconfirmedTransactions(ctx)
	if err != nil {
		return err
	}

	for _, txid := range txids {
		confirms, err := t.node.TransactionConfirmations(ctx, txid)
		if err != nil {
			t.logger.WithError(err).Debug("transaction not yet visible", "txid", txid)
			continue
		}
		if confirms >= 6 {
			if err := t.txs.MarkTransactionConfirmed(ctx, txid); err != nil {
				return err
			}
		}
	}

	return nil
}
