package postgres

import (
	"context"
	"time"

	"github.com/bardlex/poolacct/pkg/errors"
)

// DeleteStatusesBefore removes worker status rows older than cutoff.
func (r *StatusRepository) DeleteStatusesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM statuses WHERE time < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "delete_statuses",
			"failed to delete stale statuses")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeleteEventsBefore removes notification records older than cutoff.
func (r *EventRepository) DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "delete_events",
			"failed to delete stale events")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
