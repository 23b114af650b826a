package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/poolacct/internal/accounting"
	"github.com/bardlex/poolacct/pkg/errors"
)

// PayoutRepository persists settlement results
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// DonationPercents returns the configured signed donation percent for each
// of the given users that has one.
func (r *PayoutRepository) DonationPercents(ctx context.Context, users []string) (map[string]float64, error) {
	query := `SELECT "user", perc FROM donation_percents WHERE "user" = ANY($1)`

	rows, err := r.db.QueryContext(ctx, query, pq.Array(users))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "donation_percents",
			"failed to query donation percents")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var user string
		var perc float64
		if err := rows.Scan(&user, &perc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "donation_percents",
				"failed to scan donation percent")
		}
		out[user] = perc
	}
	return out, rows.Err()
}

// AllDonationPercents returns every configured donation percent.
func (r *PayoutRepository) AllDonationPercents(ctx context.Context) (map[string]float64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT "user", perc FROM donation_percents`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "all_donation_percents",
			"failed to query donation percents")
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var user string
		var perc float64
		if err := rows.Scan(&user, &perc); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "all_donation_percents",
				"failed to scan donation percent")
		}
		out[user] = perc
	}
	return out, rows.Err()
}

// CommitSettlement writes every payout row of a settlement and marks the
// block processed, all in one transaction.
func (r *PayoutRepository) CommitSettlement(ctx context.Context, s *accounting.Settlement) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "commit_settlement",
			"failed to begin transaction")
	}
	defer tx.Rollback()

	payoutStmt := `
		INSERT INTO payouts (block_id, "user", amount, shares, perc, perc_applied)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for _, p := range s.Payouts {
		if _, err := tx.ExecContext(ctx, payoutStmt,
			s.Block.ID, p.User, p.Amount, p.Shares, p.Percent, p.Applied); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "commit_settlement",
				"failed to insert payout").
				WithContext("user", p.User)
		}
	}

	bonusStmt := `
		INSERT INTO bonus_payouts (block_id, "user", amount, description)
		VALUES ($1, $2, $3, $4)`
	for _, extra := range []*accounting.ExtraPayout{s.Donation, s.FinderBonus} {
		if extra == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, bonusStmt,
			s.Block.ID, extra.User, extra.Amount, extra.Description); err != nil {
			return errors.Wrap(err, errors.ErrorTypePersistence, "commit_settlement",
				"failed to insert bonus payout").
				WithContext("user", extra.User)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE blocks SET processed = true WHERE id = $1 AND processed = false`,
		s.Block.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "commit_settlement",
			"failed to mark block processed")
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Another settle run got here first; roll everything back.
		return errors.New(errors.ErrorTypeConflict, "commit_settlement",
			"block already processed").
			WithContext("block_id", s.Block.ID)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "commit_settlement",
			"failed to commit settlement")
	}
	return nil
}

// TransactionRepository tracks on-chain payout transactions
type TransactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *sql.DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// AddTransaction records a broadcast payout transaction.
func (r *TransactionRepository) AddTransaction(ctx context.Context, txid string, at time.Time) error {
	query := `INSERT INTO transactions (txid, confirmed, created_at) VALUES ($1, false, $2)
		ON CONFLICT (txid) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, txid, at); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "add_transaction",
			"failed to insert transaction").
			WithContext("txid", txid)
	}
	return nil
}

// UnconfirmedTransactions returns every transaction not yet confirmed.
func (r *TransactionRepository) UnconfirmedTransactions(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT txid FROM transactions WHERE confirmed = false`)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "unconfirmed_transactions",
			"failed to query transactions")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var txid string
		if err := rows.Scan(&txid); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "unconfirmed_transactions",
				"failed to scan transaction")
		}
		out = append(out, txid)
	}
	return out, rows.Err()
}

// MarkTransactionConfirmed flips a transaction to confirmed.
func (r *TransactionRepository) MarkTransactionConfirmed(ctx context.Context, txid string) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE transactions SET confirmed = true WHERE txid = $1`, txid); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "confirm_transaction",
			"failed to mark transaction confirmed").
			WithContext("txid", txid)
	}
	return nil
}
