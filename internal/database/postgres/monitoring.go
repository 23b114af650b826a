package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/bardlex/poolacct/internal/monitor"
	"github.com/bardlex/poolacct/pkg/errors"
)

// ThresholdRepository persists per-worker alert configuration
type ThresholdRepository struct {
	db *sql.DB
}

// NewThresholdRepository creates a new threshold repository
func NewThresholdRepository(db *sql.DB) *ThresholdRepository {
	return &ThresholdRepository{db: db}
}

const thresholdColumns = `"user", worker, green_notif, temp_thresh, hashrate_thresh,
	offline_thresh, emails, temp_err, hashrate_err, offline_err`

func scanThreshold(row interface{ Scan(...any) error }) (*monitor.Threshold, error) {
	var t monitor.Threshold
	var emails pq.StringArray
	err := row.Scan(&t.User, &t.Worker, &t.GreenNotif, &t.TempThresh,
		&t.HashrateThresh, &t.OfflineThresh, &emails,
		&t.TempErr, &t.HashrateErr, &t.OfflineErr)
	if err != nil {
		return nil, err
	}
	t.Emails = emails
	return &t, nil
}

// Threshold returns the configuration for a user/worker pair, nil when
// none is set.
func (r *ThresholdRepository) Threshold(ctx context.Context, user, worker string) (*monitor.Threshold, error) {
	query := `SELECT ` + thresholdColumns + ` FROM thresholds WHERE "user" = $1 AND worker = $2`

	t, err := scanThreshold(r.db.QueryRowContext(ctx, query, user, worker))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "get_threshold",
			"failed to query threshold").
			WithContext("user", user).
			WithContext("worker", worker)
	}
	return t, nil
}

// UpsertThreshold replaces a worker's configuration. A replaced
// configuration resets the condition flags.
func (r *ThresholdRepository) UpsertThreshold(ctx context.Context, t *monitor.Threshold) error {
	query := `
		INSERT INTO thresholds ("user", worker, green_notif, temp_thresh,
			hashrate_thresh, offline_thresh, emails)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT ("user", worker) DO UPDATE SET
			green_notif = EXCLUDED.green_notif,
			temp_thresh = EXCLUDED.temp_thresh,
			hashrate_thresh = EXCLUDED.hashrate_thresh,
			offline_thresh = EXCLUDED.offline_thresh,
			emails = EXCLUDED.emails,
			temp_err = false,
			hashrate_err = false,
			offline_err = false`

	_, err := r.db.ExecContext(ctx, query,
		t.User, t.Worker, t.GreenNotif, t.TempThresh, t.HashrateThresh,
		t.OfflineThresh, pq.Array(t.Emails))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "upsert_threshold",
			"failed to upsert threshold").
			WithContext("user", t.User).
			WithContext("worker", t.Worker)
	}
	return nil
}

// DeleteThreshold removes a worker's configuration.
func (r *ThresholdRepository) DeleteThreshold(ctx context.Context, user, worker string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM thresholds WHERE "user" = $1 AND worker = $2`, user, worker); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "delete_threshold",
			"failed to delete threshold").
			WithContext("user", user).
			WithContext("worker", worker)
	}
	return nil
}

// OfflineThresholds returns every threshold with offline detection enabled.
func (r *ThresholdRepository) OfflineThresholds(ctx context.Context) ([]monitor.Threshold, error) {
	query := `SELECT ` + thresholdColumns + ` FROM thresholds WHERE offline_thresh IS NOT NULL`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypePersistence, "offline_thresholds",
			"failed to query thresholds")
	}
	defer rows.Close()

	var out []monitor.Threshold
	for rows.Next() {
		t, err := scanThreshold(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypePersistence, "offline_thresholds",
				"failed to scan threshold")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// SetConditionFlag flips one condition flag on a threshold row.
func (r *ThresholdRepository) SetConditionFlag(ctx context.Context, user, worker, condition string, raised bool) error {
	var column string
	switch condition {
	case monitor.CondTemperature:
		column = "temp_err"
	case monitor.CondHashrate:
		column = "hashrate_err"
	case monitor.CondOffline:
		column = "offline_err"
	default:
		return errors.New(errors.ErrorTypeValidation, "set_condition_flag",
			"unknown condition").
			WithContext("condition", condition)
	}

	query := `UPDATE thresholds SET ` + column + ` = $1 WHERE "user" = $2 AND worker = $3`
	if _, err := r.db.ExecContext(ctx, query, raised, user, worker); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "set_condition_flag",
			"failed to update condition flag").
			WithContext("user", user).
			WithContext("worker", worker).
			WithContext("condition", condition)
	}
	return nil
}

// StatusRepository persists the latest agent status per worker
type StatusRepository struct {
	db *sql.DB
}

// NewStatusRepository creates a new status repository
func NewStatusRepository(db *sql.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// UpsertStatus stores a worker's latest status report.
func (r *StatusRepository) UpsertStatus(ctx context.Context, user, worker, status string, at time.Time) error {
	query := `
		INSERT INTO statuses ("user", worker, status, time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT ("user", worker) DO UPDATE SET
			status = EXCLUDED.status,
			time = EXCLUDED.time`

	if _, err := r.db.ExecContext(ctx, query, user, worker, status, at); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "upsert_status",
			"failed to upsert worker status").
			WithContext("user", user).
			WithContext("worker", worker)
	}
	return nil
}

// LastStatusTime returns the latest report time, ok false when the worker
// has never reported.
func (r *StatusRepository) LastStatusTime(ctx context.Context, user, worker string) (time.Time, bool, error) {
	var at time.Time
	err := r.db.QueryRowContext(ctx,
		`SELECT time FROM statuses WHERE "user" = $1 AND worker = $2`,
		user, worker).Scan(&at)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrap(err, errors.ErrorTypePersistence, "last_status_time",
			"failed to query worker status").
			WithContext("user", user).
			WithContext("worker", worker)
	}
	return at, true, nil
}

// EventRepository records alert notifications
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// RecordEvent appends one notification record.
func (r *EventRepository) RecordEvent(ctx context.Context, user, worker, condition, message string, raised bool, at time.Time) error {
	query := `
		INSERT INTO events ("user", worker, condition, message, raised, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if _, err := r.db.ExecContext(ctx, query, user, worker, condition, message, raised, at); err != nil {
		return errors.Wrap(err, errors.ErrorTypePersistence, "record_event",
			"failed to insert event").
			WithContext("user", user).
			WithContext("worker", worker)
	}
	return nil
}
