// Package database provides unified storage management for the pool
// accounting service. It coordinates PostgreSQL (ledger, blocks, payouts,
// monitoring rows), Redis (estimate and chain caches), and InfluxDB
// (telemetry).
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/bardlex/poolacct/internal/database/influx"
	"github.com/bardlex/poolacct/internal/database/postgres"
	"github.com/bardlex/poolacct/internal/database/redis"
	"github.com/bardlex/poolacct/pkg/errors"
)

// Manager holds the storage clients and the repositories built on them.
type Manager struct {
	Postgres *postgres.Client
	Redis    *redis.Client
	Influx   *influx.Client

	// Repositories
	Shares       *postgres.ShareRepository
	MinuteShares *postgres.MinuteShareRepository
	Blocks       *postgres.BlockRepository
	Payouts      *postgres.PayoutRepository
	Transactions *postgres.TransactionRepository
	Thresholds   *postgres.ThresholdRepository
	Statuses     *postgres.StatusRepository
	Events       *postgres.EventRepository
}

// Config holds configuration for all storage systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config
}

// NewManager creates a database manager with all connections established.
func NewManager(cfg *Config) (*Manager, error) {
	pgClient, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "postgres_connection",
			"failed to connect to PostgreSQL")
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		if closeErr := pgClient.Close(); closeErr != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeCache, "redis_connection",
				"failed to connect to Redis").
				WithContext("postgres_cleanup_error", closeErr.Error())
		}
		return nil, errors.Wrap(err, errors.ErrorTypeCache, "redis_connection",
			"failed to connect to Redis")
	}

	influxClient, err := influx.NewClient(cfg.Influx)
	if err != nil {
		var closeErrs []error
		if closeErr := pgClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}
		if closeErr := redisClient.Close(); closeErr != nil {
			closeErrs = append(closeErrs, closeErr)
		}

		wrapped := errors.Wrap(err, errors.ErrorTypePersistence, "influx_connection",
			"failed to connect to InfluxDB")
		if len(closeErrs) > 0 {
			return nil, wrapped.WithContext("cleanup_errors", fmt.Sprintf("%v", closeErrs))
		}
		return nil, wrapped
	}

	db := pgClient.DB()
	return &Manager{
		Postgres:     pgClient,
		Redis:        redisClient,
		Influx:       influxClient,
		Shares:       postgres.NewShareRepository(db),
		MinuteShares: postgres.NewMinuteShareRepository(db),
		Blocks:       postgres.NewBlockRepository(db),
		Payouts:      postgres.NewPayoutRepository(db),
		Transactions: postgres.NewTransactionRepository(db),
		Thresholds:   postgres.NewThresholdRepository(db),
		Statuses:     postgres.NewStatusRepository(db),
		Events:       postgres.NewEventRepository(db),
	}, nil
}

// Close closes all storage connections
func (m *Manager) Close() error {
	var errs []error

	if err := m.Postgres.Close(); err != nil {
		errs = append(errs, fmt.Errorf("PostgreSQL close error: %w", err))
	}

	if err := m.Redis.Close(); err != nil {
		errs = append(errs, fmt.Errorf("redis close error: %w", err))
	}

	m.Influx.Close()

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}

	return nil
}

// Health checks every storage connection
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Postgres.Health(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if err := m.Redis.Health(ctx); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}

	if err := m.Influx.Health(ctx); err != nil {
		return fmt.Errorf("InfluxDB health check failed: %w", err)
	}

	return nil
}

// StartPeriodicFlush flushes buffered telemetry writes until ctx ends.
func (m *Manager) StartPeriodicFlush(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Influx.Flush()
			}
		}
	}()
}

// MaintenanceStore bundles the retention deletes for monitoring rows.
type MaintenanceStore struct {
	statuses *postgres.StatusRepository
	events   *postgres.EventRepository
}

// Maintenance returns the retention surface over worker statuses and
// notification events.
func (m *Manager) Maintenance() *MaintenanceStore {
	return &MaintenanceStore{statuses: m.Statuses, events: m.Events}
}

// DeleteStatusesBefore removes worker status rows older than cutoff.
func (s *MaintenanceStore) DeleteStatusesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.statuses.DeleteStatusesBefore(ctx, cutoff)
}

// DeleteEventsBefore removes notification events older than cutoff.
func (s *MaintenanceStore) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	return s.events.DeleteEventsBefore(ctx, cutoff)
}
