// Package log provides structured logging utilities for poolacct services.
// It wraps the standard library's slog package with additional convenience methods.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// Logger wraps slog.Logger with additional context and convenience methods
type Logger struct {
	*slog.Logger
	service string
	version string
}

// New creates a new logger with the specified configuration
func New(service, version, level, format string) *Logger {
	var handler slog.Handler

	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn", "warning":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     logLevel,
		AddSource: logLevel == slog.LevelDebug,
	}

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	baseLogger := slog.New(handler).With(
		"service", service,
		"version", version,
	)

	return &Logger{
		Logger:  baseLogger,
		service: service,
		version: version,
	}
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields ...any) *Logger {
	return &Logger{
		Logger:  l.With(fields...),
		service: l.service,
		version: l.version,
	}
}

// WithComponent returns a logger with a component field
func (l *Logger) WithComponent(component string) *Logger {
	return l.WithFields("component", component)
}

// WithTask returns a logger scoped to a scheduled task run
func (l *Logger) WithTask(task string) *Logger {
	return l.WithFields("task", task)
}

// WithWorker returns a logger with user/worker identification
func (l *Logger) WithWorker(user, worker string) *Logger {
	return l.WithFields("user", user, "worker", worker)
}

// WithBlock returns a logger with block identification
func (l *Logger) WithBlock(height int64, hash string) *Logger {
	return l.WithFields("block_height", height, "block_hash", hash)
}

// WithError returns a logger with error context
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields("error", err.Error())
}

// Accounting-specific logging helpers

// LogBlockTransition logs a block lifecycle transition
func (l *Logger) LogBlockTransition(height int64, hash, state string, confirmations int64) {
	l.Info("block state transition",
		"block_height", height,
		"block_hash", hash,
		"state", state,
		"confirmations", confirmations,
	)
}

// LogSettlement logs the outcome of a block settlement
func (l *Logger) LogSettlement(height int64, users int, totalValue, donationTotal, bonusTotal int64, simulated bool) {
	l.Info("block settled",
		"block_height", height,
		"users", users,
		"total_value", totalValue,
		"donation_total", donationTotal,
		"bonus_total", bonusTotal,
		"simulated", simulated,
	)
}

// LogRetention logs a ledger retention pass
func (l *Logger) LogRetention(boundaryID, cursorsCleared, entriesDeleted int64, simulated bool) {
	l.Info("ledger retention pass",
		"boundary_id", boundaryID,
		"cursors_cleared", cursorsCleared,
		"entries_deleted", entriesDeleted,
		"simulated", simulated,
	)
}

// LogAlert logs an emitted threshold alert
func (l *Logger) LogAlert(user, worker, condition string, raised bool) {
	l.Info("threshold alert",
		"user", user,
		"worker", worker,
		"condition", condition,
		"raised", raised,
	)
}
