package migrations

import (
	"context"
	"database/sql"

	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationContext(upUnprocessedEventsIndex, downUnprocessedEventsIndex)
}

// The requeue sweep scans for stale unprocessed events; a partial index keeps
// that lookup cheap without indexing the (far larger) processed majority.
func upUnprocessedEventsIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
	CREATE INDEX IF NOT EXISTS tracker_events_unprocessed_idx
		ON tracker_events(created_at) WHERE NOT processed;`)
	return err
}

func downUnprocessedEventsIndex(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `DROP INDEX IF EXISTS tracker_events_unprocessed_idx;`)
	return err
}
