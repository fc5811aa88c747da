package state

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type Session struct {
	ID             string     `db:"session_id"`
	DistinctID     string     `db:"distinct_id"`
	DeviceID       *string    `db:"device_id"`
	LocationID     *int64     `db:"location_id"`
	UserID         *string    `db:"user_id"`
	StartTime      time.Time  `db:"start_time"`
	EndTime        *time.Time `db:"end_time"`
	DurationMS     *int64     `db:"duration_ms"`
	EventsCount    int        `db:"events_count"`
	Latitude       *float64   `db:"latitude"`
	Longitude      *float64   `db:"longitude"`
	AppCheckResult *bool      `db:"app_check_result"`
}

// Open returns true if the session has not ended yet.
func (s *Session) Open() bool {
	return s.EndTime == nil
}

// SessionsTable stores activity windows per (distinct_id, device) pair.
// The resolver's matching rule, not a DB constraint, is what keeps at most one
// open session per pair overlapping any timestamp.
type SessionsTable struct {
	db *sqlx.DB
}

func NewSessionsTable(db *sqlx.DB) *SessionsTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracker_sessions (
		session_id TEXT NOT NULL PRIMARY KEY,
		distinct_id TEXT NOT NULL,
		device_id TEXT,
		location_id BIGINT,
		user_id TEXT,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		duration_ms BIGINT,
		events_count INTEGER NOT NULL DEFAULT 0,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		app_check_result BOOLEAN
	);
	CREATE INDEX IF NOT EXISTS tracker_sessions_distinct_idx ON tracker_sessions(distinct_id, device_id, start_time);
	CREATE INDEX IF NOT EXISTS tracker_sessions_open_idx ON tracker_sessions(start_time) WHERE end_time IS NULL;`)
	return &SessionsTable{
		db: db,
	}
}

// Insert writes a new session row, generating a session_id if one isn't set.
func (t *SessionsTable) Insert(q sqlx.Ext, s *Session) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	_, err := sqlx.NamedExec(q, `
	INSERT INTO tracker_sessions (session_id, distinct_id, device_id, location_id, user_id, start_time, end_time, duration_ms, events_count, latitude, longitude, app_check_result)
	VALUES (:session_id, :distinct_id, :device_id, :location_id, :user_id, :start_time, :end_time, :duration_ms, :events_count, :latitude, :longitude, :app_check_result)`, s)
	return err
}

func (t *SessionsTable) SelectByID(sessionID string) (*Session, error) {
	var s Session
	err := t.db.Get(&s, `SELECT * FROM tracker_sessions WHERE session_id = $1`, sessionID)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Resolve finds the most-recently-started session for (distinctID, deviceID)
// whose window contains ts: start_time <= ts and either still open or ended at
// or after ts. Late events can therefore still attach to an open session even
// if a newer event already advanced its counter. Returns nil if no session
// matches; the caller decides whether to create one.
func (t *SessionsTable) Resolve(distinctID, deviceID string, ts time.Time) (*Session, error) {
	var s Session
	err := t.db.Get(&s, `
	SELECT * FROM tracker_sessions
	WHERE distinct_id = $1 AND device_id = $2 AND start_time <= $3
	AND (end_time IS NULL OR end_time >= $3)
	ORDER BY start_time DESC LIMIT 1`, distinctID, deviceID, ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SelectOpenSince returns the latest open session for (distinctID, deviceID)
// started after the given time, locking the row for the duration of the
// transaction so concurrent workers cannot both mutate it.
func (t *SessionsTable) SelectOpenSince(txn *sqlx.Tx, distinctID, deviceID string, since time.Time) (*Session, error) {
	var s Session
	err := txn.Get(&s, `
	SELECT * FROM tracker_sessions
	WHERE distinct_id = $1 AND device_id = $2 AND end_time IS NULL AND start_time > $3
	ORDER BY start_time DESC LIMIT 1
	FOR UPDATE`, distinctID, deviceID, since)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// IncrementEventsCount advances the session counter by one. The increment is
// applied in SQL so concurrent callers cannot lose updates.
func (t *SessionsTable) IncrementEventsCount(q sqlx.Execer, sessionID string) error {
	_, err := q.Exec(`UPDATE tracker_sessions SET events_count = events_count + 1 WHERE session_id = $1`, sessionID)
	return err
}

// SelectOpenStartedBefore returns all open sessions whose start_time is older
// than the cutoff. Used by the idle sweep.
func (t *SessionsTable) SelectOpenStartedBefore(cutoff time.Time) ([]Session, error) {
	var sessions []Session
	err := t.db.Select(&sessions, `
	SELECT * FROM tracker_sessions WHERE end_time IS NULL AND start_time < $1`, cutoff)
	return sessions, err
}

// MarkEnded closes the session, deriving duration from the window in SQL.
// Returns the updated row.
func (t *SessionsTable) MarkEnded(sessionID string, endTime time.Time) (*Session, error) {
	var s Session
	err := t.db.Get(&s, `
	UPDATE tracker_sessions
	SET end_time = $2, duration_ms = (EXTRACT(EPOCH FROM ($2::timestamptz - start_time)) * 1000)::BIGINT
	WHERE session_id = $1
	RETURNING *`, sessionID, endTime)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SelectByDistinctID returns sessions for a user, newest first. Read-only
// query surface for the admin API.
func (t *SessionsTable) SelectByDistinctID(distinctID string, limit int) ([]Session, error) {
	var sessions []Session
	err := t.db.Select(&sessions, `
	SELECT * FROM tracker_sessions WHERE distinct_id = $1 ORDER BY start_time DESC LIMIT $2`, distinctID, limit)
	return sessions, err
}
