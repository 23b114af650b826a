package postgres

import (
	"database/sql"
	"time"
)

// Block is a pool-found block and its lifecycle state. LastShareID is the
// ledger cursor captured when the block was recorded; the retention pass
// clears it once the block is settled and its window has aged out.
type Block struct {
	ID              int64
	User            string
	Worker          string
	Height          int64
	Hash            string
	TotalValue      int64
	TransactionFees int64
	Bits            uint32
	Merged          bool
	Mature          bool
	Orphan          bool
	Processed       bool
	LastShareID     sql.NullInt64
	SharesToSolve   int64
	FoundAt         time.Time
}

// Payout is one user's settled amount for one block.
type Payout struct {
	ID          int64
	BlockID     int64
	User        string
	Amount      int64
	Shares      int64
	Percent     float64
	PercApplied int64
}

// BonusPayout is a side payout not tied to share counts: the routed
// donation total or a block finder bonus.
type BonusPayout struct {
	ID          int64
	BlockID     int64
	User        string
	Amount      int64
	Description string
}

// PayoutTransaction is an on-chain payment covering settled payouts.
type PayoutTransaction struct {
	TxID      string
	Confirmed bool
	CreatedAt time.Time
}

// MinuteShare is a one-minute aggregate for one user/worker and share
// category.
type MinuteShare struct {
	User     string
	Worker   string
	Minute   time.Time
	Category string
	Shares   int64
}

// Minute share categories. Per-category rows are recorded pool-wide under
// the pool user; each reporting user gets a valid total and a single
// summed reject total.
const (
	CategoryValid   = "valid"
	CategoryReject  = "reject"
	CategoryLowDiff = "lowdiff"
	CategoryDup     = "dup"
	CategoryStale   = "stale"
)

// Event is one recorded alert notification.
type Event struct {
	ID        int64
	User      string
	Worker    string
	Condition string
	Message   string
	Raised    bool
	CreatedAt time.Time
}
