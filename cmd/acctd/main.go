// Package main implements acctd, the accounting daemon for the GOMP
// mining pool. It consumes share, block, and agent events, settles block
// rewards over a PPLNS window, tracks block and transaction confirmations,
// and evaluates per-worker monitoring thresholds.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bardlex/poolacct/internal/accounting"
	"github.com/bardlex/poolacct/internal/alert"
	"github.com/bardlex/poolacct/internal/config"
	"github.com/bardlex/poolacct/internal/database"
	"github.com/bardlex/poolacct/internal/database/influx"
	"github.com/bardlex/poolacct/internal/database/postgres"
	"github.com/bardlex/poolacct/internal/database/redis"
	"github.com/bardlex/poolacct/internal/messaging"
	"github.com/bardlex/poolacct/internal/monitor"
	"github.com/bardlex/poolacct/internal/node"
	"github.com/bardlex/poolacct/internal/tasks"
	"github.com/bardlex/poolacct/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting acctd",
		"version", cfg.Version,
		"network", cfg.Network,
		"window_multiplier", cfg.WindowMultiplier,
		"simulate_payouts", cfg.SimulatePayouts,
	)

	service, err := NewService(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize service")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := service.Start(ctx); err != nil && err != context.Canceled {
			logger.WithError(err).Error("accounting service failed")
			cancel()
		}
	}()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}

	logger.Info("acctd stopped")
}

// Service owns every long-lived connection and the task engine.
type Service struct {
	cfg    *config.Config
	logger *log.Logger

	db     *database.Manager
	kafka  *messaging.KafkaClient
	rpc    *node.RPCClient
	zmq    *node.ZMQNotifier
	engine *tasks.Engine

	done chan struct{}
}

// NewService builds the full dependency graph.
func NewService(cfg *config.Config, logger *log.Logger) (*Service, error) {
	db, err := database.NewManager(&database.Config{
		Postgres: &postgres.Config{
			Host:     cfg.PostgresHost,
			Port:     cfg.PostgresPort,
			Database: cfg.PostgresDatabase,
			User:     cfg.PostgresUser,
			Password: cfg.PostgresPassword,
			SSLMode:  cfg.PostgresSSLMode,
		},
		Redis: &redis.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	})
	if err != nil {
		return nil, err
	}

	rpc, err := node.NewRPCClient(cfg.NodeRPCHost, cfg.NodeRPCPort, cfg.NodeRPCUser, cfg.NodeRPCPassword)
	if err != nil {
		db.Close()
		return nil, err
	}

	zmq, err := node.NewZMQNotifier(cfg.NodeZMQAddr, logger)
	if err != nil {
		db.Close()
		return nil, err
	}

	kafkaClient := messaging.NewKafkaClient(cfg.KafkaBrokers, logger)

	notifier := alert.NewNotifier(kafkaClient, db.Events, logger)
	mon := monitor.New(db.Thresholds, db.Statuses, db.Influx, notifier, logger)
	poller := monitor.NewPoller(cfg.MonitorEndpoints, db.Redis, logger)

	n := int64(cfg.WindowMultiplier)
	payout := accounting.NewPayoutEngine(db.Shares, db.Payouts, accounting.PayoutConfig{
		WindowMultiplier: n,
		DefaultPercent:   cfg.DefaultDonatePercent,
		DonateAddress:    cfg.DonateAddress,
		FinderBonus:      cfg.BlockFinderBonus,
	}, logger)
	cleanup := accounting.NewCleanupEngine(db.Shares, db.Blocks, db.Redis, accounting.CleanupConfig{
		WindowMultiplier: n,
		Margin:           int64(cfg.CleanupMargin),
	}, logger)
	estimator := accounting.NewEstimator(db.Shares, db.Redis, db.Redis, n, logger)
	tracker := accounting.NewTracker(db.Blocks, db.Transactions, rpc, cfg.MatureConfirms, logger)

	engine := tasks.NewEngine(tasks.Deps{
		Ledger:          db.Shares,
		Blocks:          db.Blocks,
		Minutes:         db.MinuteShares,
		Chain:           db.Redis,
		Donations:       db.Payouts,
		Node:            rpc,
		Telemetry:       db.Influx,
		Maint:           db.Maintenance(),
		Payout:          payout,
		Cleanup:         cleanup,
		Estimator:       estimator,
		Tracker:         tracker,
		Monitor:         mon,
		Poller:          poller,
		SimulatePayouts: cfg.SimulatePayouts,
	}, logger)

	return &Service{
		cfg:    cfg,
		logger: logger.WithComponent("acctd"),
		db:     db,
		kafka:  kafkaClient,
		rpc:    rpc,
		zmq:    zmq,
		engine: engine,
		done:   make(chan struct{}),
	}, nil
}

// Start runs the consumers, the block notification listener, and the
// periodic scheduler until the context is canceled.
func (s *Service) Start(ctx context.Context) error {
	if err := s.rpc.Ping(ctx); err != nil {
		return err
	}
	if err := s.zmq.Connect(); err != nil {
		return err
	}

	s.db.StartPeriodicFlush(ctx)

	consumers := []struct {
		topic   string
		handler messaging.EventHandler
	}{
		{messaging.TopicShares, s.engine.HandleShareEvent},
		{messaging.TopicBlocks, s.engine.HandleBlockEvent},
		{messaging.TopicMinuteStats, s.engine.HandleMinuteStatsEvent},
		{messaging.TopicAgentStats, s.engine.HandleAgentStatsEvent},
		{messaging.TopicChain, s.engine.HandleChainEvent},
	}
	for _, c := range consumers {
		c := c
		go func() {
			if err := s.kafka.StartConsumer(ctx, c.topic, s.cfg.KafkaGroupID, c.handler); err != nil && err != context.Canceled {
				s.logger.WithError(err).Error("consumer stopped", "topic", c.topic)
			}
		}()
	}

	go func() {
		if err := s.zmq.Listen(ctx, func(blockHash string) error {
			return s.engine.HandleBlockNotification(ctx, blockHash)
		}); err != nil && err != context.Canceled {
			s.logger.WithError(err).Error("block notification listener stopped")
		}
	}()

	go s.runScheduler(ctx)

	s.logger.Info("accounting service started")

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return nil
	}
}

// runScheduler drives the periodic tasks. Settlement and cleanup share
// one ticker so a matured block always settles before the ledger it
// depends on can be pruned.
func (s *Service) runScheduler(ctx context.Context) {
	type periodic struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}

	jobs := []periodic{
		{"update_estimate", s.cfg.EstimateInterval, s.engine.UpdateEstimate},
		{"update_block_state", s.cfg.BlockStateInterval, s.engine.UpdateBlockState},
		{"confirm_transactions", s.cfg.BlockStateInterval, s.engine.ConfirmTransactions},
		{"check_offline", s.cfg.OfflineCheckInterval, s.engine.CheckOffline},
		{"poll_online_workers", s.cfg.EndpointPollInterval, s.engine.PollOnlineWorkers},
		{"poll_server_status", s.cfg.EndpointPollInterval, s.engine.PollServerStatus},
		{"cache_user_donations", s.cfg.DonationCacheInterval, s.engine.CacheUserDonations},
		{"general_cleanup", s.cfg.GeneralCleanupInterval, s.engine.GeneralCleanup},
	}

	for _, job := range jobs {
		job := job
		go s.runPeriodic(ctx, job.name, job.interval, job.run)
	}

	// Settle, then prune, in that order on every tick.
	go s.runPeriodic(ctx, "settle", s.cfg.SettleInterval, s.engine.Settle)
	go s.runPeriodic(ctx, "cleanup", s.cfg.CleanupInterval, func(ctx context.Context) error {
		if err := s.engine.Settle(ctx); err != nil {
			return err
		}
		return s.engine.Cleanup(ctx)
	})
}

func (s *Service) runPeriodic(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	logger := s.logger.WithTask(name)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			start := time.Now()
			if err := run(ctx); err != nil {
				logger.WithError(err).Error("periodic task failed")
				continue
			}
			logger.Debug("periodic task completed",
				"duration_ms", time.Since(start).Milliseconds())
		}
	}
}

// Shutdown stops the scheduler and closes every connection.
func (s *Service) Shutdown(_ context.Context) error {
	s.logger.Info("shutting down accounting service")
	close(s.done)

	if err := s.zmq.Close(); err != nil {
		s.logger.WithError(err).Error("failed to close block notification socket")
	}
	if err := s.kafka.Close(); err != nil {
		s.logger.WithError(err).Error("failed to close Kafka client")
	}
	s.rpc.Close()
	return s.db.Close()
}
