// Package redis provides the shared cache for the pool accounting service:
// the live PPLNS estimate, the rolling network difficulty average, and the
// polled front-end worker state that backs the display layer.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/poolacct/internal/monitor"
)

// Cache key layout. Everything the service caches lives under one of these
// prefixes so operators can inspect and flush it selectively.
const (
	keyEstimate       = "pplns:estimate"
	keyEstimateTotal  = "pplns:estimate_total"
	keyDifficultyList = "pplns:difficulty_list"
	keyDifficultyAvg  = "pplns:difficulty_avg"

	keyChainHeight     = "chain:height"
	keyChainDifficulty = "chain:difficulty"
	keyChainReward     = "chain:reward"

	keyTotalWorkers  = "workers:total"
	prefixStratum    = "workers:stratum:"
	prefixOnlineUser = "workers:online:"
	keyUserDonations = "users:donations"

	difficultyListMax = 500

	estimateTTL  = 40 * time.Minute
	chainInfoTTL = 20 * time.Minute
	diffAvgTTL   = 2 * time.Hour
	donationsTTL = 24 * time.Hour
)

// Client wraps Redis operations for the accounting service
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient creates a new Redis client
func NewClient(cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// PPLNS estimate

// PublishEstimate stores the live per-user share distribution. The TTL
// keeps a stalled estimator from serving an ancient snapshot forever.
func (c *Client) PublishEstimate(ctx context.Context, perUser map[string]int64, counted int64, at time.Time) error {
	payload := struct {
		Users     map[string]int64 `json:"users"`
		UpdatedAt time.Time        `json:"updated_at"`
	}{Users: perUser, UpdatedAt: at}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal estimate: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, keyEstimate, data, estimateTTL)
	pipe.Set(ctx, keyEstimateTotal, counted, estimateTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store estimate: %w", err)
	}
	return nil
}

// Network difficulty

// PushDifficulty prepends a network difficulty sample to the bounded list
// and refreshes the cached rolling average.
func (c *Client) PushDifficulty(ctx context.Context, difficulty float64) (float64, error) {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, keyDifficultyList, difficulty)
	pipe.LTrim(ctx, keyDifficultyList, 0, difficultyListMax-1)
	lrange := pipe.LRange(ctx, keyDifficultyList, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to push difficulty: %w", err)
	}

	samples := lrange.Val()
	var sum float64
	for _, s := range samples {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt difficulty sample %q: %w", s, err)
		}
		sum += v
	}
	avg := sum / float64(len(samples))

	if err := c.rdb.Set(ctx, keyDifficultyAvg, avg, diffAvgTTL).Err(); err != nil {
		return 0, fmt.Errorf("failed to cache difficulty average: %w", err)
	}
	return avg, nil
}

// AverageDifficulty returns the cached rolling average, ok false when the
// cache has expired or was never populated.
func (c *Client) AverageDifficulty(ctx context.Context) (float64, bool, error) {
	val, err := c.rdb.Get(ctx, keyDifficultyAvg).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get difficulty average: %w", err)
	}

	avg, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt difficulty average %q: %w", val, err)
	}
	return avg, true, nil
}

// Chain state

// CachedHeight returns the last announced network block height, ok false
// when none is cached.
func (c *Client) CachedHeight(ctx context.Context) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, keyChainHeight).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get cached height: %w", err)
	}
	height, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached height %q: %w", val, err)
	}
	return height, true, nil
}

// SetChainInfo caches the announced height, difficulty and reward for the
// display layer.
func (c *Client) SetChainInfo(ctx context.Context, height int64, difficulty float64, reward int64) error {
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, keyChainHeight, height, chainInfoTTL)
	pipe.Set(ctx, keyChainDifficulty, difficulty, chainInfoTTL)
	pipe.Set(ctx, keyChainReward, reward, chainInfoTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache chain info: %w", err)
	}
	return nil
}

// Front-end worker state

// SetOnlineWorkers caches the merged per-user connected-worker view.
func (c *Client) SetOnlineWorkers(ctx context.Context, byUser map[string][]monitor.OnlineWorker, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	for user, workers := range byUser {
		data, err := json.Marshal(workers)
		if err != nil {
			return fmt.Errorf("failed to marshal online workers: %w", err)
		}
		pipe.Set(ctx, prefixOnlineUser+user, data, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to cache online workers: %w", err)
	}
	return nil
}

// SetStratumCount caches one endpoint's connection count.
func (c *Client) SetStratumCount(ctx context.Context, endpoint int, count int64, ttl time.Duration) error {
	key := prefixStratum + strconv.Itoa(endpoint)
	if err := c.rdb.Set(ctx, key, count, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache stratum count: %w", err)
	}
	return nil
}

// SetTotalWorkers caches the pool-wide connection count.
func (c *Client) SetTotalWorkers(ctx context.Context, total int64, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, keyTotalWorkers, total, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache total workers: %w", err)
	}
	return nil
}

// User settings

// SetUserDonations caches the custom donation percent map for the display
// layer.
func (c *Client) SetUserDonations(ctx context.Context, percents map[string]float64) error {
	data, err := json.Marshal(percents)
	if err != nil {
		return fmt.Errorf("failed to marshal donation percents: %w", err)
	}
	if err := c.rdb.Set(ctx, keyUserDonations, data, donationsTTL).Err(); err != nil {
		return fmt.Errorf("failed to cache donation percents: %w", err)
	}
	return nil
}
