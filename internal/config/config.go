// Package config provides configuration management for poolacct services.
// It handles loading configuration from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Config holds the global configuration for poolacct services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Chain selection, used for payout address validation
	Network string

	// Blockchain node connection
	NodeRPCHost     string
	NodeRPCPort     int
	NodeRPCUser     string
	NodeRPCPassword string
	NodeZMQAddr     string

	// Kafka configuration
	KafkaBrokers []string
	KafkaGroupID string

	// Database connections
	PostgresHost     string
	PostgresPort     int
	PostgresDatabase string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	// Accounting configuration
	WindowMultiplier     int     // N: PPLNS lookback multiplier
	CleanupMargin        int     // extra N of ledger kept beyond unprocessed blocks
	MatureConfirms       int64   // confirmation depth for block maturity
	DefaultDonatePercent float64 // pool-wide donation percent fallback
	DonateAddress        string  // address credited with collected donations
	BlockFinderBonus     int64   // fixed bonus in minor units for the block finder, 0 disables
	SimulatePayouts      bool    // compute and log settlements without committing

	// Monitoring endpoints polled for online workers / stratum counts
	MonitorEndpoints []string

	// Periodic task intervals
	EstimateInterval       time.Duration
	BlockStateInterval     time.Duration
	SettleInterval         time.Duration
	CleanupInterval        time.Duration
	OfflineCheckInterval   time.Duration
	EndpointPollInterval   time.Duration
	DonationCacheInterval  time.Duration
	GeneralCleanupInterval time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "poolacct"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Network: getEnv("NETWORK", "mainnet"),

		NodeRPCHost:     getEnv("NODE_RPC_HOST", "localhost"),
		NodeRPCPort:     getEnvInt("NODE_RPC_PORT", 8332),
		NodeRPCUser:     getEnv("NODE_RPC_USER", ""),
		NodeRPCPassword: getEnv("NODE_RPC_PASSWORD", ""),
		NodeZMQAddr:     getEnv("NODE_ZMQ_ADDR", "tcp://localhost:28332"),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "poolacct"),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDatabase: getEnv("POSTGRES_DATABASE", "poolacct"),
		PostgresUser:     getEnv("POSTGRES_USER", "poolacct"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		RedisAddr:        getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		InfluxURL:        getEnv("INFLUX_URL", "http://localhost:8086"),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "poolacct"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "telemetry"),

		WindowMultiplier:     getEnvInt("WINDOW_MULTIPLIER", 2),
		CleanupMargin:        getEnvInt("CLEANUP_MARGIN", 4),
		MatureConfirms:       int64(getEnvInt("MATURE_CONFIRMS", 120)),
		DefaultDonatePercent: getEnvFloat("DEFAULT_DONATE_PERCENT", 0),
		DonateAddress:        getEnv("DONATE_ADDRESS", ""),
		BlockFinderBonus:     getEnvInt64("BLOCK_FINDER_BONUS", 0),
		SimulatePayouts:      getEnvBool("SIMULATE_PAYOUTS", false),

		MonitorEndpoints: getEnvSlice("MONITOR_ENDPOINTS", nil),

		EstimateInterval:       getEnvDuration("ESTIMATE_INTERVAL", time.Minute),
		BlockStateInterval:     getEnvDuration("BLOCK_STATE_INTERVAL", time.Minute),
		SettleInterval:         getEnvDuration("SETTLE_INTERVAL", 2*time.Minute),
		CleanupInterval:        getEnvDuration("CLEANUP_INTERVAL", time.Hour),
		OfflineCheckInterval:   getEnvDuration("OFFLINE_CHECK_INTERVAL", time.Minute),
		EndpointPollInterval:   getEnvDuration("ENDPOINT_POLL_INTERVAL", 2*time.Minute),
		DonationCacheInterval:  getEnvDuration("DONATION_CACHE_INTERVAL", 15*time.Minute),
		GeneralCleanupInterval: getEnvDuration("GENERAL_CLEANUP_INTERVAL", time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// ChainParams returns the chain parameters for the configured network
func (c *Config) ChainParams() *chaincfg.Params {
	switch strings.ToLower(c.Network) {
	case "testnet", "testnet3":
		return &chaincfg.TestNet3Params
	case "regtest":
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.NodeRPCPort <= 0 || c.NodeRPCPort > 65535 {
		return fmt.Errorf("NODE_RPC_PORT must be between 1 and 65535")
	}

	if c.WindowMultiplier <= 0 {
		return fmt.Errorf("WINDOW_MULTIPLIER must be positive")
	}

	if c.CleanupMargin < 0 {
		return fmt.Errorf("CLEANUP_MARGIN cannot be negative")
	}

	if c.MatureConfirms <= 0 {
		return fmt.Errorf("MATURE_CONFIRMS must be positive")
	}

	if c.DefaultDonatePercent < -100 || c.DefaultDonatePercent > 100 {
		return fmt.Errorf("DEFAULT_DONATE_PERCENT must be between -100 and 100")
	}

	if c.BlockFinderBonus < 0 {
		return fmt.Errorf("BLOCK_FINDER_BONUS cannot be negative")
	}

	// Collected donations are paid out to this address, so a malformed one
	// would surface only at settlement time. Reject it at startup instead.
	if c.DonateAddress != "" {
		if _, err := btcutil.DecodeAddress(c.DonateAddress, c.ChainParams()); err != nil {
			return fmt.Errorf("DONATE_ADDRESS invalid for %s: %w", c.Network, err)
		}
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}
