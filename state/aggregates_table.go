package state

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/tyler-ng/event-tracking/internal"
)

type Aggregate struct {
	ID          string              `db:"aggregate_id"`
	EventType   string              `db:"event_type"`
	Date        time.Time           `db:"date"`
	Hour        *int                `db:"hour"`
	Count       int64               `db:"count"`
	UniqueUsers int64               `db:"unique_users"`
	Properties  internal.Properties `db:"properties"`
}

// Mismatch is a disagreement between the raw event count and the stored daily
// aggregate for one (date, event_type) pair.
type Mismatch struct {
	Date      time.Time `db:"event_date"`
	EventType string    `db:"event_type"`
	RawCount  int64     `db:"raw_count"`
	AggCount  int64     `db:"agg_count"`
}

// AggregatesTable stores precomputed rollups keyed by (event_type, date, hour),
// where a NULL hour marks a daily aggregate. Postgres treats NULLs as distinct
// in plain unique constraints, so uniqueness is enforced through an expression
// index on COALESCE(hour, -1) and upserts conflict on the same expression.
//
// Days are bucketed in UTC. Date parameters are bound as YYYY-MM-DD strings
// and raw timestamps are converted with AT TIME ZONE 'UTC', so results do not
// depend on the server's session TimeZone.
type AggregatesTable struct {
	db *sqlx.DB
}

// dateArg formats a date parameter so Postgres parses it as a plain DATE
// instead of casting a timestamptz through the session TimeZone.
func dateArg(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func NewAggregatesTable(db *sqlx.DB) *AggregatesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracker_aggregates (
		aggregate_id TEXT NOT NULL PRIMARY KEY,
		event_type TEXT NOT NULL,
		date DATE NOT NULL,
		hour SMALLINT,
		count BIGINT NOT NULL DEFAULT 0,
		unique_users BIGINT NOT NULL DEFAULT 0,
		properties JSONB NOT NULL DEFAULT '{}'
	);
	CREATE UNIQUE INDEX IF NOT EXISTS tracker_aggregates_period_idx
		ON tracker_aggregates(event_type, date, COALESCE(hour, -1));`)
	return &AggregatesTable{
		db: db,
	}
}

// Upsert replaces count and unique_users for the (eventType, date, hour)
// triple. A full replace keeps re-aggregation idempotent: replaying a period
// always converges on the same stored values.
func (t *AggregatesTable) Upsert(eventType string, date time.Time, hour *int, count, uniqueUsers int64) error {
	_, err := t.db.Exec(`
	INSERT INTO tracker_aggregates(aggregate_id, event_type, date, hour, count, unique_users, properties)
	VALUES ($1, $2, $3, $4, $5, $6, '{}')
	ON CONFLICT (event_type, date, COALESCE(hour, -1))
	DO UPDATE SET count = excluded.count, unique_users = excluded.unique_users`,
		uuid.NewString(), eventType, dateArg(date), hour, count, uniqueUsers,
	)
	return err
}

// Select returns the aggregate row for the triple, or nil if none is stored.
func (t *AggregatesTable) Select(eventType string, date time.Time, hour *int) (*Aggregate, error) {
	var agg Aggregate
	err := t.db.Get(&agg, `
	SELECT * FROM tracker_aggregates
	WHERE event_type = $1 AND date = $2 AND COALESCE(hour, -1) = COALESCE($3, -1)`, eventType, dateArg(date), hour)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

// SelectByDateRange is the read-only query surface for the admin API. The end
// bound is exclusive; a mid-day end still includes that day's rows.
func (t *AggregatesTable) SelectByDateRange(start, end time.Time) ([]Aggregate, error) {
	y, m, d := end.UTC().Date()
	endDay := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	if !end.UTC().Equal(endDay) {
		endDay = endDay.AddDate(0, 0, 1)
	}
	var aggs []Aggregate
	err := t.db.Select(&aggs, `
	SELECT * FROM tracker_aggregates WHERE date >= $1 AND date < $2 ORDER BY date, event_type`, dateArg(start), dateArg(endDay))
	return aggs, err
}

// SelectDailyMismatches compares raw event counts in [start, end) against
// stored daily aggregates and returns every (date, event_type) pair where they
// differ. A missing aggregate row counts as 0. Read-only: drift is surfaced,
// never self-healed.
func (t *AggregatesTable) SelectDailyMismatches(start, end time.Time) ([]Mismatch, error) {
	var mismatches []Mismatch
	err := t.db.Select(&mismatches, `
	SELECT (e.ts AT TIME ZONE 'UTC')::date AS event_date,
	       e.event_type,
	       COUNT(e.event_id) AS raw_count,
	       COALESCE(a.count, 0) AS agg_count
	FROM tracker_events e
	LEFT JOIN tracker_aggregates a
		ON (e.ts AT TIME ZONE 'UTC')::date = a.date AND e.event_type = a.event_type AND a.hour IS NULL
	WHERE e.ts >= $1 AND e.ts < $2
	GROUP BY (e.ts AT TIME ZONE 'UTC')::date, e.event_type, a.count
	HAVING COUNT(e.event_id) != COALESCE(a.count, 0)`, start, end)
	return mismatches, err
}
