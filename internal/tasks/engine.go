// Package tasks wires inbound events and periodic triggers to the
// accounting and monitoring engines. Every entry point returns an explicit
// error so the consumer loop can decide between redelivery and skip.
package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"time"

	"github.com/bardlex/poolacct/internal/accounting"
	"github.com/bardlex/poolacct/internal/database/postgres"
	"github.com/bardlex/poolacct/internal/messaging"
	"github.com/bardlex/poolacct/internal/monitor"
	"github.com/bardlex/poolacct/pkg/errors"
	"github.com/bardlex/poolacct/pkg/log"
)

// PoolUser is the synthetic user that pool-wide reject aggregates are
// recorded under.
const PoolUser = "pool"

const (
	statusRetention = 12 * time.Hour
	eventRetention  = time.Hour
)

// ShareLedger is the ledger surface the ingest handlers need.
type ShareLedger interface {
	AddShare(ctx context.Context, user string, shares int64, at time.Time) error
	LastShareID(ctx context.Context) (int64, error)
}

// BlockStore records discovered blocks.
type BlockStore interface {
	AddBlock(ctx context.Context, b *postgres.Block) error
}

// MinuteStore records one-minute aggregates.
type MinuteStore interface {
	UpsertMinuteShare(ctx context.Context, ms *postgres.MinuteShare) error
}

// ChainCache is the cache surface for network chain state.
type ChainCache interface {
	CachedHeight(ctx context.Context) (int64, bool, error)
	SetChainInfo(ctx context.Context, height int64, difficulty float64, reward int64) error
	PushDifficulty(ctx context.Context, difficulty float64) (float64, error)
	SetUserDonations(ctx context.Context, percents map[string]float64) error
}

// DonationSource supplies the full donation percent map for caching.
type DonationSource interface {
	AllDonationPercents(ctx context.Context) (map[string]float64, error)
}

// ChainNode is the daemon surface used when a new network block arrives.
type ChainNode interface {
	BlockInfo(ctx context.Context, hash string) (height int64, bits string, err error)
	BlockReward(ctx context.Context, hash string) (int64, error)
}

// ChainTelemetry records chain samples for charts.
type ChainTelemetry interface {
	RecordNetworkDifficulty(difficulty float64, height int64, at time.Time)
	RecordBlockFound(height int64, user string, totalValue int64, at time.Time)
}

// MaintenanceStore is the retention surface of the general cleanup task.
type MaintenanceStore interface {
	DeleteStatusesBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Engine glues event payloads to the domain engines.
type Engine struct {
	ledger    ShareLedger
	blocks    BlockStore
	minutes   MinuteStore
	chain     ChainCache
	donations DonationSource
	node      ChainNode
	telemetry ChainTelemetry
	maint     MaintenanceStore

	payout    *accounting.PayoutEngine
	cleanup   *accounting.CleanupEngine
	estimator *accounting.Estimator
	tracker   *accounting.Tracker
	monitor   *monitor.Monitor
	poller    *monitor.Poller

	simulatePayouts bool
	logger          *log.Logger
	now             func() time.Time
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Ledger    ShareLedger
	Blocks    BlockStore
	Minutes   MinuteStore
	Chain     ChainCache
	Donations DonationSource
	Node      ChainNode
	Telemetry ChainTelemetry
	Maint     MaintenanceStore

	Payout    *accounting.PayoutEngine
	Cleanup   *accounting.CleanupEngine
	Estimator *accounting.Estimator
	Tracker   *accounting.Tracker
	Monitor   *monitor.Monitor
	Poller    *monitor.Poller

	SimulatePayouts bool
}

// NewEngine creates the task engine.
func NewEngine(d Deps, logger *log.Logger) *Engine {
	return &Engine{
		ledger:          d.Ledger,
		blocks:          d.Blocks,
		minutes:         d.Minutes,
		chain:           d.Chain,
		donations:       d.Donations,
		node:            d.Node,
		telemetry:       d.Telemetry,
		maint:           d.Maint,
		payout:          d.Payout,
		cleanup:         d.Cleanup,
		estimator:       d.Estimator,
		tracker:         d.Tracker,
		monitor:         d.Monitor,
		poller:          d.Poller,
		simulatePayouts: d.SimulatePayouts,
		logger:          logger.WithComponent("tasks"),
		now:             time.Now,
	}
}

// Event handlers, one per inbound topic

// HandleShareEvent appends an accepted share to the ledger.
func (e *Engine) HandleShareEvent(ctx context.Context, _ string, value []byte) error {
	var ev messaging.ShareEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "add_share",
			"malformed share event")
	}
	if ev.User == "" || ev.Shares <= 0 {
		return errors.New(errors.ErrorTypeValidation, "add_share",
			"share event missing user or amount")
	}
	return e.ledger.AddShare(ctx, ev.User, ev.Shares, ev.SubmittedAt)
}

// HandleBlockEvent records a pool-found block, capturing the current
// ledger cursor as the end of the block's reward window. A duplicate
// delivery of an already recorded hash is a no-op.
func (e *Engine) HandleBlockEvent(ctx context.Context, _ string, value []byte) error {
	var ev messaging.BlockEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "add_block",
			"malformed block event")
	}

	bits, err := parseBits(ev.Bits)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "add_block",
			"malformed compact bits").
			WithContext("bits", ev.Bits)
	}

	cursor, err := e.ledger.LastShareID(ctx)
	if err != nil {
		return err
	}

	block := &postgres.Block{
		User:            ev.User,
		Worker:          ev.Worker,
		Height:          ev.Height,
		Hash:            ev.Hash,
		TotalValue:      ev.TotalValue,
		TransactionFees: ev.TransactionFees,
		Bits:            bits,
		Merged:          ev.Merged,
		LastShareID:     sql.NullInt64{Int64: cursor, Valid: cursor > 0},
		SharesToSolve:   accounting.SharesToSolve(bits),
		FoundAt:         ev.FoundAt,
	}

	if err := e.blocks.AddBlock(ctx, block); err != nil {
		if errors.IsConflict(err) {
			e.logger.Info("duplicate block delivery ignored",
				"height", ev.Height, "hash", ev.Hash)
			return nil
		}
		return err
	}

	e.logger.WithBlock(ev.Height, ev.Hash).Info("block recorded",
		"user", ev.User,
		"total_value", ev.TotalValue,
		"merged", ev.Merged,
	)

	if !ev.Merged {
		e.telemetry.RecordBlockFound(ev.Height, ev.User, ev.TotalValue, ev.FoundAt)
	}
	return nil
}

// HandleMinuteStatsEvent accumulates a one-minute aggregate. Pool-wide
// events carry per-category reject rows; everyone else gets a valid total
// and one summed reject total.
func (e *Engine) HandleMinuteStatsEvent(ctx context.Context, _ string, value []byte) error {
	var ev messaging.MinuteStatsEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "add_minute_stats",
			"malformed minute stats event")
	}

	minute := ev.Minute.Truncate(time.Minute)

	if ev.Valid > 0 {
		err := e.minutes.UpsertMinuteShare(ctx, &postgres.MinuteShare{
			User: ev.User, Worker: ev.Worker, Minute: minute,
			Category: postgres.CategoryValid, Shares: ev.Valid,
		})
		if err != nil {
			return err
		}
	}

	if ev.User == PoolUser {
		rejects := []struct {
			category string
			count    int64
		}{
			{postgres.CategoryLowDiff, ev.LowDiff},
			{postgres.CategoryDup, ev.Dup},
			{postgres.CategoryStale, ev.Stale},
		}
		for _, r := range rejects {
			if r.count == 0 {
				continue
			}
			err := e.minutes.UpsertMinuteShare(ctx, &postgres.MinuteShare{
				User: PoolUser, Worker: "", Minute: minute,
				Category: r.category, Shares: r.count,
			})
			if err != nil {
				return err
			}
		}
		return nil
	}

	if rejected := ev.LowDiff + ev.Dup + ev.Stale; rejected > 0 {
		return e.minutes.UpsertMinuteShare(ctx, &postgres.MinuteShare{
			User: ev.User, Worker: ev.Worker, Minute: minute,
			Category: postgres.CategoryReject, Shares: rejected,
		})
	}
	return nil
}

// HandleAgentStatsEvent dispatches one worker agent report.
func (e *Engine) HandleAgentStatsEvent(ctx context.Context, _ string, value []byte) error {
	var ev messaging.AgentStatsEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "agent_receive",
			"malformed agent stats event")
	}

	switch ev.Type {
	case messaging.AgentStatTemperature, messaging.AgentStatHashrate:
		var values []float64
		if err := json.Unmarshal(ev.Payload, &values); err != nil {
			return errors.Wrap(err, errors.ErrorTypeValidation, "agent_receive",
				"malformed device readings").
				WithContext("type", ev.Type)
		}
		if ev.Type == messaging.AgentStatTemperature {
			return e.monitor.HandleTemperature(ctx, ev.User, ev.Worker, values, ev.ReportedAt)
		}
		return e.monitor.HandleHashrate(ctx, ev.User, ev.Worker, values, ev.ReportedAt)

	case messaging.AgentStatStatus:
		return e.monitor.HandleStatus(ctx, ev.User, ev.Worker, string(ev.Payload), ev.ReportedAt)

	case messaging.AgentStatThresholds:
		var payload *monitor.ThresholdPayload
		if len(ev.Payload) > 0 && string(ev.Payload) != "null" {
			payload = &monitor.ThresholdPayload{}
			if err := json.Unmarshal(ev.Payload, payload); err != nil {
				// An undecodable configuration is treated as a removal
				// request, matching the agent's retraction convention.
				e.logger.Warn("bad threshold payload, removing",
					"user", ev.User, "worker", ev.Worker)
				payload = nil
			}
		}
		return e.monitor.HandleThresholds(ctx, ev.User, ev.Worker, payload)

	default:
		e.logger.Warn("unknown agent stat type", "type", ev.Type)
		return nil
	}
}

// HandleChainEvent processes a relayed network block announcement. It is
// the at-least-once delivery path beside the ZMQ subscription; the
// duplicate-height suppression in NewBlock makes redeliveries harmless.
func (e *Engine) HandleChainEvent(ctx context.Context, _ string, value []byte) error {
	var ev messaging.ChainEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "new_block",
			"malformed chain event")
	}
	return e.NewBlock(ctx, ev.Height, ev.Bits, ev.Reward)
}

// HandleBlockNotification reacts to a daemon hashblock announcement by
// refreshing the cached chain state.
func (e *Engine) HandleBlockNotification(ctx context.Context, hash string) error {
	height, bitsHex, err := e.node.BlockInfo(ctx, hash)
	if err != nil {
		return err
	}
	reward, err := e.node.BlockReward(ctx, hash)
	if err != nil {
		return err
	}
	return e.NewBlock(ctx, height, bitsHex, reward)
}

// NewBlock records a new network block: duplicate announcements for an
// already seen height are suppressed, then the chain info cache, the
// rolling difficulty average, and the difficulty chart all refresh.
func (e *Engine) NewBlock(ctx context.Context, height int64, bitsHex string, reward int64) error {
	cached, ok, err := e.chain.CachedHeight(ctx)
	if err != nil {
		return err
	}
	if ok && cached >= height {
		e.logger.Debug("duplicate block announcement", "height", height)
		return nil
	}

	bits, err := parseBits(bitsHex)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "new_block",
			"malformed compact bits").
			WithContext("bits", bitsHex)
	}
	difficulty := accounting.CompactToDifficulty(bits)

	if err := e.chain.SetChainInfo(ctx, height, difficulty, reward); err != nil {
		return err
	}

	avg, err := e.chain.PushDifficulty(ctx, difficulty)
	if err != nil {
		return err
	}

	e.telemetry.RecordNetworkDifficulty(difficulty, height, e.now())

	e.logger.Info("network block recorded",
		"height", height,
		"difficulty", difficulty,
		"difficulty_avg", avg,
	)
	return nil
}

// Periodic tasks

// UpdateEstimate refreshes the cached PPLNS snapshot.
func (e *Engine) UpdateEstimate(ctx context.Context) error {
	return e.estimator.Update(ctx)
}

// UpdateBlockState advances pending blocks toward mature or orphan.
func (e *Engine) UpdateBlockState(ctx context.Context) error {
	return e.tracker.UpdateBlockState(ctx)
}

// ConfirmTransactions marks deeply confirmed payout transactions.
func (e *Engine) ConfirmTransactions(ctx context.Context) error {
	return e.tracker.ConfirmTransactions(ctx)
}

// Settle distributes the reward of the oldest matured block.
func (e *Engine) Settle(ctx context.Context) error {
	return e.payout.Settle(ctx, e.simulatePayouts)
}

// Cleanup prunes ledger entries beyond the retention window. It runs only
// after Settle in the periodic schedule so a freshly matured block is
// settled before its window can age out.
func (e *Engine) Cleanup(ctx context.Context) error {
	return e.cleanup.Run(ctx, e.simulatePayouts)
}

// CheckOffline evaluates offline thresholds.
func (e *Engine) CheckOffline(ctx context.Context) error {
	return e.monitor.CheckOffline(ctx)
}

// PollOnlineWorkers refreshes the cached connected-worker view.
func (e *Engine) PollOnlineWorkers(ctx context.Context) error {
	return e.poller.PollOnlineWorkers(ctx)
}

// PollServerStatus refreshes the cached connection counts.
func (e *Engine) PollServerStatus(ctx context.Context) error {
	return e.poller.PollServerStatus(ctx)
}

// CacheUserDonations refreshes the cached donation percent map.
func (e *Engine) CacheUserDonations(ctx context.Context) error {
	percents, err := e.donations.AllDonationPercents(ctx)
	if err != nil {
		return err
	}
	return e.chain.SetUserDonations(ctx, percents)
}

// GeneralCleanup prunes stale monitoring rows: worker statuses past the
// status retention and notification events past the event retention.
func (e *Engine) GeneralCleanup(ctx context.Context) error {
	now := e.now()

	statuses, err := e.maint.DeleteStatusesBefore(ctx, now.Add(-statusRetention))
	if err != nil {
		return err
	}
	events, err := e.maint.DeleteEventsBefore(ctx, now.Add(-eventRetention))
	if err != nil {
		return err
	}

	if statuses > 0 || events > 0 {
		e.logger.Info("general cleanup",
			"statuses_deleted", statuses,
			"events_deleted", events,
		)
	}
	return nil
}

func parseBits(hex string) (uint32, error) {
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}
