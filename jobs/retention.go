package jobs

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tyler-ng/event-tracking/sqlutil"
	"github.com/tyler-ng/event-tracking/state"
)

// DefaultRetentionDays is how long events are kept when no policy is configured.
const DefaultRetentionDays = 365

// Retention purges events past the retention cutoff in bounded batches. Each
// batch commits in its own transaction, which bounds lock duration and doubles
// as a checkpoint: if a purge is interrupted, deleted batches stay deleted and
// the next run picks up from the same cutoff query.
type Retention struct {
	store *state.Storage
}

func NewRetention(store *state.Storage) *Retention {
	return &Retention{store: store}
}

// PurgeOlderThan deletes all events with a timestamp before the cutoff,
// batchSize rows at a time, until none remain. A failing batch aborts the rest
// of the run but already-committed batches are not rolled back. Returns how
// many rows were deleted.
func (r *Retention) PurgeOlderThan(cutoff time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		return 0, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	var total int64
	for {
		var deleted int64
		err := sqlutil.WithTransaction(r.store.DB, func(txn *sqlx.Tx) error {
			ids, err := r.store.EventsTable.SelectIDsBefore(txn, cutoff, batchSize)
			if err != nil {
				return fmt.Errorf("select purge batch: %w", err)
			}
			if len(ids) == 0 {
				return nil
			}
			deleted, err = r.store.EventsTable.DeleteByIDs(txn, ids)
			if err != nil {
				return fmt.Errorf("delete purge batch: %w", err)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		if deleted == 0 {
			break
		}
		total += deleted
		logger.Info().Int64("deleted", deleted).Int64("total", total).Msg("deleted batch of old events")
	}
	return total, nil
}

// DryRun reports how many events a purge at this cutoff would delete, without
// deleting anything.
func (r *Retention) DryRun(cutoff time.Time) (int64, error) {
	return r.store.EventsTable.CountBefore(cutoff)
}
