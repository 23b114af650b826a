package postgres

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/lib/pq"

	"github.com/bardlex/poolacct/internal/accounting"
	"github.com/bardlex/poolacct/pkg/errors"
)

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// BlockRepository handles block lifecycle state
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// AddBlock records a pool-found block. A block with the same hash already
// recorded returns a conflict error, which the caller treats as a duplicate
// delivery.
func (r *BlockRepository) AddBlock(ctx context.Context, b *Block) error {
	query := `
		INSERT INTO blocks ("user", worker, height, blockhash, total_value,
			transaction_fees, bits, merged, last_share_id, shares_to_solve, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		b.User, b.Worker, b.Height, b.Hash, b.TotalValue,
		b.TransactionFees, int64(b.Bits), b.Merged, b.LastShareID,
		b.SharesToSolve, b.FoundAt,
	).Scan(&b.ID)

	if err != nil {
		var pqErr *pq.Error
		if stderrors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return errors.New(errors.ErrorTypeConflict, "add_block",
				"block already recorded").
				WithContext("hash", b.Hash)
		}
		return errors.Wrap(err, errors.ErrorTypePersistence, "add_block",
			"failed to insert block").
			WithContext("hash", b.Hash)
	}
	return nil
}

// PendingBlocks returns every block that is neither mature nor orphaned.
func (r *BlockRepository) PendingBlocks(ctx context.Context) ([]accounting.PendingBlock, error) {
	query := `
		SELECT id, height, blockhash FROM blocks
		WHERE mature = false AND orphan = false
		ORDER BY height`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "pending_blocks",
			"failed to query pending blocks")
	}
	defer rows.Close()

	var out []accounting.PendingBlock
	for rows.Next() {
		var b accounting.PendingBlock
		if err := rows.Scan(&b.ID, &b.Height, &b.Hash); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "pending_blocks",
				"failed to scan block row")
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// MarkMature flips a block to mature.
func (r *BlockRepository) MarkMature(ctx context.Context, blockID int64) error {
	return r.setState(ctx, blockID, "mature")
}

// MarkOrphan flips a block to orphan.
func (r *BlockRepository) MarkOrphan(ctx context.Context, blockID int64) error {
	return r.setState(ctx, blockID, "orphan")
}

func (r *BlockRepository) setState(ctx context.Context, blockID int64, column string) error {
	// column is one of two fixed names, never caller input
	query := `UPDATE blocks SET ` + column + ` = true WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, blockID); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "set_block_state",
			"failed to update block state").
			WithContext("block_id", blockID).
			WithContext("state", column)
	}
	return nil
}

// OldestSettleable returns the lowest mature, unprocessed, non-merged
// block, or nil when none is ready.
func (r *BlockRepository) OldestSettleable(ctx context.Context) (*accounting.PayoutBlock, error) {
	query := `
		SELECT id, height, blockhash, bits, total_value, transaction_fees,
		       "user", COALESCE(last_share_id, 0)
		FROM blocks
		WHERE mature = true AND processed = false AND merged = false
		ORDER BY height
		LIMIT 1`

	var b accounting.PayoutBlock
	var bits int64
	err := r.db.QueryRowContext(ctx, query).Scan(
		&b.ID, &b.Height, &b.Hash, &bits, &b.TotalValue,
		&b.TransactionFees, &b.FoundBy, &b.LastShareID,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "oldest_settleable",
			"failed to query settleable block")
	}
	b.Bits = uint32(bits)
	return &b, nil
}

// UnsettledBlockCount counts non-merged blocks that still await settlement.
// Their reward windows pin the ledger against pruning.
func (r *BlockRepository) UnsettledBlockCount(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM blocks WHERE processed = false AND merged = false`

	var n int64
	if err := r.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "unsettled_count",
			"failed to count unsettled blocks")
	}
	return n, nil
}

// Prune clears ledger cursors at or below boundary and deletes all older
// ledger entries, in one transaction so no block ever points at a deleted
// entry.
func (r *BlockRepository) Prune(ctx context.Context, boundary int64) (int64, int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypePersistence, "prune",
			"failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE blocks SET last_share_id = NULL WHERE last_share_id <= $1`, boundary)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypePersistence, "prune",
			"failed to clear ledger cursors")
	}
	cleared, _ := res.RowsAffected()

	res, err = tx.ExecContext(ctx, `DELETE FROM shares WHERE id < $1`, boundary)
	if err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypePersistence, "prune",
			"failed to delete ledger entries")
	}
	deleted, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, errors.Wrap(err, errors.ErrorTypePersistence, "prune",
			"failed to commit prune")
	}
	return cleared, deleted, nil
}
