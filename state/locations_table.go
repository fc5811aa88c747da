package state

import (
	"database/sql"

	"github.com/jmoiron/sqlx"
)

type Location struct {
	ID        int64   `db:"location_id"`
	IPAddress string  `db:"ip_address"`
	City      *string `db:"city"`
	Country   *string `db:"country"`
	Continent *string `db:"continent"`
}

// LocationsTable dedupes location metadata by IP address. Rows are created
// once and never updated afterwards: geolocation for a given IP going stale is
// an accepted tradeoff, and refreshing it would change cardinality assumptions
// for everything querying by location.
type LocationsTable struct {
	db *sqlx.DB
}

func NewLocationsTable(db *sqlx.DB) *LocationsTable {
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS tracker_location_ids_seq;
	CREATE TABLE IF NOT EXISTS tracker_locations (
		location_id BIGINT PRIMARY KEY NOT NULL DEFAULT nextval('tracker_location_ids_seq'),
		ip_address TEXT NOT NULL UNIQUE,
		city TEXT,
		country TEXT,
		continent TEXT
	);
	CREATE INDEX IF NOT EXISTS tracker_locations_country_idx ON tracker_locations(country);`)
	return &LocationsTable{
		db: db,
	}
}

// GetOrCreate returns the row for this IP, inserting it with the given fields
// if absent. A nil result (no error) means no IP was supplied: location is
// optional. Concurrent first-creation attempts for the same IP are resolved by
// the unique constraint; whichever insert wins supplies the stored fields.
func (t *LocationsTable) GetOrCreate(loc Location) (*Location, error) {
	if loc.IPAddress == "" {
		return nil, nil
	}
	var row Location
	err := t.db.Get(&row, `
	INSERT INTO tracker_locations(ip_address, city, country, continent)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (ip_address) DO NOTHING
	RETURNING location_id, ip_address, city, country, continent`,
		loc.IPAddress, loc.City, loc.Country, loc.Continent,
	)
	if err == nil {
		return &row, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}
	// ON CONFLICT DO NOTHING returns nothing on conflict: the row already
	// exists (possibly committed by a concurrent inserter), so fetch it.
	err = t.db.Get(&row, `SELECT location_id, ip_address, city, country, continent FROM tracker_locations WHERE ip_address = $1`, loc.IPAddress)
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (t *LocationsTable) Select(id int64) (*Location, error) {
	var row Location
	err := t.db.Get(&row, `SELECT location_id, ip_address, city, country, continent FROM tracker_locations WHERE location_id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &row, nil
}
