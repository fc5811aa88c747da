package state

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tyler-ng/event-tracking/internal"
	"github.com/tyler-ng/event-tracking/sqlutil"
)

type Event struct {
	ID             string              `db:"event_id"`
	SessionID      *string             `db:"session_id"`
	DistinctID     string              `db:"distinct_id"`
	EventType      string              `db:"event_type"`
	Properties     internal.Properties `db:"properties"`
	Timestamp      time.Time           `db:"ts"`
	DeviceID       *string             `db:"device_id"`
	LocationID     *int64              `db:"location_id"`
	UserID         *string             `db:"user_id"`
	Latitude       *float64            `db:"latitude"`
	Longitude      *float64            `db:"longitude"`
	AppCheckResult *bool               `db:"app_check_result"`
	Processed      bool                `db:"processed"`
	CreatedAt      time.Time           `db:"created_at"`
}

// TypeCount is one row of a per-type rollup over a time range.
type TypeCount struct {
	EventType   string `db:"event_type"`
	Count       int64  `db:"count"`
	UniqueUsers int64  `db:"unique_users"`
}

// EventTable stores raw analytics events. Rows are immutable after creation
// except for the processed flag and the session reference, which is set at
// most once during async processing.
type EventTable struct {
	db *sqlx.DB
}

func NewEventTable(db *sqlx.DB) *EventTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracker_events (
		event_id TEXT NOT NULL PRIMARY KEY,
		session_id TEXT,
		distinct_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		properties JSONB NOT NULL DEFAULT '{}',
		ts TIMESTAMPTZ NOT NULL,
		device_id TEXT,
		location_id BIGINT,
		user_id TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		app_check_result BOOLEAN,
		processed BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS tracker_events_distinct_idx ON tracker_events(distinct_id);
	CREATE INDEX IF NOT EXISTS tracker_events_type_idx ON tracker_events(event_type);
	CREATE INDEX IF NOT EXISTS tracker_events_ts_idx ON tracker_events(ts);`)
	return &EventTable{
		db: db,
	}
}

// Insert writes a new event row, generating an event_id if one isn't set.
func (t *EventTable) Insert(ev *Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	_, err := t.db.NamedExec(`
	INSERT INTO tracker_events (event_id, session_id, distinct_id, event_type, properties, ts, device_id, location_id, user_id, latitude, longitude, app_check_result, processed, created_at)
	VALUES (:event_id, :session_id, :distinct_id, :event_type, :properties, :ts, :device_id, :location_id, :user_id, :latitude, :longitude, :app_check_result, :processed, :created_at)`, ev)
	return err
}

// EventChunker lets a batch of events be split into statement-sized pieces.
type EventChunker []*Event

func (c EventChunker) Len() int {
	return len(c)
}

func (c EventChunker) Subslice(i, j int) sqlutil.Chunker {
	return c[i:j]
}

// InsertAll writes a batch of event rows in as few statements as possible.
// Each row binds 14 parameters, so large batches are chunked against
// MaxPostgresParameters. IDs and created_at are filled in like Insert does.
func (t *EventTable) InsertAll(events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	now := time.Now()
	for _, ev := range events {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
	}
	chunks := sqlutil.Chunkify(14, MaxPostgresParameters, EventChunker(events))
	for _, chunk := range chunks {
		_, err := t.db.NamedExec(`
		INSERT INTO tracker_events (event_id, session_id, distinct_id, event_type, properties, ts, device_id, location_id, user_id, latitude, longitude, app_check_result, processed, created_at)
		VALUES (:event_id, :session_id, :distinct_id, :event_type, :properties, :ts, :device_id, :location_id, :user_id, :latitude, :longitude, :app_check_result, :processed, :created_at)`,
			[]*Event(chunk.(EventChunker)))
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *EventTable) SelectByID(eventID string) (*Event, error) {
	var ev Event
	err := t.db.Get(&ev, `SELECT * FROM tracker_events WHERE event_id = $1`, eventID)
	if err == sql.ErrNoRows {
		return nil, internal.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// SelectForUpdate fetches an event with a row-level lock, blocking concurrent
// workers trying to process the same event until the transaction finishes.
func (t *EventTable) SelectForUpdate(txn *sqlx.Tx, eventID string) (*Event, error) {
	var ev Event
	err := txn.Get(&ev, `SELECT * FROM tracker_events WHERE event_id = $1 FOR UPDATE`, eventID)
	if err == sql.ErrNoRows {
		return nil, internal.ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// SetSession attaches the event to a session. The reference is set at most
// once, during processing.
func (t *EventTable) SetSession(txn *sqlx.Tx, eventID, sessionID string) error {
	_, err := txn.Exec(`UPDATE tracker_events SET session_id = $2 WHERE event_id = $1`, eventID, sessionID)
	return err
}

func (t *EventTable) MarkProcessed(txn *sqlx.Tx, eventID string) error {
	_, err := txn.Exec(`UPDATE tracker_events SET processed = TRUE WHERE event_id = $1`, eventID)
	return err
}

// SelectUnprocessedBefore returns up to limit IDs of events still awaiting
// processing that were created before the cutoff. Backed by the partial index
// on unprocessed rows; the requeue sweep uses this to recover events whose
// queue notification was lost (notify timeout, process restart).
func (t *EventTable) SelectUnprocessedBefore(cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := t.db.Select(&ids, `
	SELECT event_id FROM tracker_events
	WHERE NOT processed AND created_at < $1
	ORDER BY created_at LIMIT $2`, cutoff, limit)
	return ids, err
}

// SelectLatestTimestamp returns the timestamp of the most recent event for
// (distinctID, deviceID) strictly after the given time, or nil if none exists.
func (t *EventTable) SelectLatestTimestamp(distinctID, deviceID string, after time.Time) (*time.Time, error) {
	var ts time.Time
	err := t.db.Get(&ts, `
	SELECT ts FROM tracker_events
	WHERE distinct_id = $1 AND device_id = $2 AND ts > $3
	ORDER BY ts DESC LIMIT 1`, distinctID, deviceID, after)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ts, nil
}

// AggregateCounts rolls up events in [start, end) by type, counting rows and
// distinct users. Used by the aggregation engine; re-running over the same
// range always yields the same rows.
func (t *EventTable) AggregateCounts(start, end time.Time) ([]TypeCount, error) {
	var counts []TypeCount
	err := t.db.Select(&counts, `
	SELECT event_type, COUNT(*) AS count, COUNT(DISTINCT distinct_id) AS unique_users
	FROM tracker_events WHERE ts >= $1 AND ts < $2
	GROUP BY event_type`, start, end)
	return counts, err
}

// CountBefore returns how many events would be eligible for a purge at this cutoff.
func (t *EventTable) CountBefore(cutoff time.Time) (int64, error) {
	var count int64
	err := t.db.Get(&count, `SELECT COUNT(*) FROM tracker_events WHERE ts < $1`, cutoff)
	return count, err
}

// SelectIDsBefore returns up to limit event IDs older than the cutoff.
func (t *EventTable) SelectIDsBefore(txn *sqlx.Tx, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := txn.Select(&ids, `SELECT event_id FROM tracker_events WHERE ts < $1 LIMIT $2`, cutoff, limit)
	return ids, err
}

// DeleteByIDs removes the given events, returning how many rows went away.
func (t *EventTable) DeleteByIDs(txn *sqlx.Tx, ids []string) (int64, error) {
	result, err := txn.Exec(`DELETE FROM tracker_events WHERE event_id = ANY($1)`, pq.StringArray(ids))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// SelectByTypeBetween is the read-only query surface for the admin API.
func (t *EventTable) SelectByTypeBetween(eventType string, start, end time.Time, limit int) ([]Event, error) {
	var events []Event
	err := t.db.Select(&events, `
	SELECT * FROM tracker_events
	WHERE event_type = $1 AND ts >= $2 AND ts < $3
	ORDER BY ts DESC LIMIT $4`, eventType, start, end, limit)
	return events, err
}
