package messaging

import (
	"encoding/json"
	"time"
)

// ShareEvent is one accepted share credited to a user's ledger.
type ShareEvent struct {
	User        string    `json:"user"`
	Shares      int64     `json:"shares"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// BlockEvent announces a block the pool found. TotalValue and
// TransactionFees are in the chain's base unit.
type BlockEvent struct {
	User            string    `json:"user"`
	Worker          string    `json:"worker"`
	Height          int64     `json:"height"`
	Hash            string    `json:"hash"`
	TotalValue      int64     `json:"total_value"`
	TransactionFees int64     `json:"transaction_fees"`
	Bits            string    `json:"bits"` // hex-encoded compact target
	Merged          bool      `json:"merged"`
	FoundAt         time.Time `json:"found_at"`
}

// MinuteStatsEvent is a one-minute share aggregate for a user/worker pair.
// Reject counts ride along and are recorded pool-wide by category.
type MinuteStatsEvent struct {
	User    string    `json:"user"`
	Worker  string    `json:"worker"`
	Minute  time.Time `json:"minute"`
	Valid   int64     `json:"valid"`
	LowDiff int64     `json:"lowdiff,omitempty"`
	Dup     int64     `json:"dup,omitempty"`
	Stale   int64     `json:"stale,omitempty"`
}

// Agent stat types reported by worker-side monitoring agents.
const (
	AgentStatTemperature = "temp"
	AgentStatHashrate    = "hashrate"
	AgentStatStatus      = "status"
	AgentStatThresholds  = "thresholds"
)

// AgentStatsEvent is one telemetry report from a worker's monitoring agent.
// Payload is decoded per Type: a reading-per-device array for temp and
// hashrate, a status document, or a threshold configuration.
type AgentStatsEvent struct {
	User       string          `json:"user"`
	Worker     string          `json:"worker"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	ReportedAt time.Time       `json:"reported_at"`
}

// ChainEvent announces a new network block, found by anyone.
type ChainEvent struct {
	Height     int64     `json:"height"`
	Bits       string    `json:"bits"`
	Reward     int64     `json:"reward"`
	ObservedAt time.Time `json:"observed_at"`
}

/// AlertMessage is an edge-triggered worker condition notification: raised
// once when a threshold trips, once more when it recovers.
type AlertMessage struct {
	User      string    `json:"user"`
	Worker    string    `json:"worker"`
	Condition string    `json:"condition"`
	Raised    bool      `json:"raised"`
	Message   string    `json:"message"`
	RaisedAt  time.Time `json:"raised_at"`
}
