package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/bardlex/poolacct/internal/accounting"
	"github.com/bardlex/poolacct/pkg/errors"
)

// ShareRepository handles the append-only share ledger
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// AddShare appends one accepted share entry to the ledger
func (r *ShareRepository) AddShare(ctx context.Context, user string, shares int64, at time.Time) error {
	query := `INSERT INTO shares ("user", shares, submitted_at) VALUES ($1, $2, $3)`

	if _, err := r.db.ExecContext(ctx, query, user, shares, at); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "add_share",
			"failed to insert share").
			WithContext("user", user)
	}
	return nil
}

// SharesDesc streams ledger entries in descending id order, starting at
// upper when non-zero, until fn returns false or the ledger is exhausted.
func (r *ShareRepository) SharesDesc(ctx context.Context, upper int64, fn func(accounting.Share) bool) error {
	query := `SELECT id, "user", shares FROM shares WHERE ($1 = 0 OR id <= $1) ORDER BY id DESC`

	rows, err := r.db.QueryContext(ctx, query, upper)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "shares_desc",
			"failed to query share ledger")
	}
	defer rows.Close()

	for rows.Next() {
		var s accounting.Share
		if err := rows.Scan(&s.ID, &s.User, &s.Amount); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "shares_desc",
				"failed to scan share row")
		}
		if !fn(s) {
			return nil
		}
	}
	return rows.Err()
}

// LastShareID returns the newest ledger entry id, zero for an empty ledger.
func (r *ShareRepository) LastShareID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM shares`).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "last_share_id",
			"failed to read ledger cursor")
	}
	return id.Int64, nil
}

// MinuteShareRepository handles one-minute share aggregates
type MinuteShareRepository struct {
	db *sql.DB
}

// NewMinuteShareRepository creates a new minute share repository
func NewMinuteShareRepository(db *sql.DB) *MinuteShareRepository {
	return &MinuteShareRepository{db: db}
}

// UpsertMinuteShare accumulates an aggregate onto the minute row, creating
// it when absent. Re-delivered aggregates for the same minute add up, so
// the producer keys idempotency upstream of this call.
func (r *MinuteShareRepository) UpsertMinuteShare(ctx context.Context, ms *MinuteShare) error {
	query := `
		INSERT INTO minute_shares ("user", worker, minute, category, shares)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT ("user", worker, minute, category)
		DO UPDATE SET shares = minute_shares.shares + EXCLUDED.shares`

	_, err := r.db.ExecContext(ctx, query,
		ms.User, ms.Worker, ms.Minute, ms.Category, ms.Shares)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "upsert_minute_share",
			"failed to upsert minute aggregate").
			WithContext("user", ms.User).
			WithContext("worker", ms.Worker)
	}
	return nil
}
