package state

import (
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Device struct {
	DeviceID     string    `db:"device_id"`
	AppVersion   string    `db:"app_version"`
	OSName       string    `db:"os_name"`
	OSVersion    string    `db:"os_version"`
	IsSimulator  *bool     `db:"is_simulator"`
	IsRooted     *bool     `db:"is_rooted"`
	IsVPNEnabled *bool     `db:"is_vpn_enabled"`
	LastSeen     time.Time `db:"last_seen"`
}

// DevicesTable dedupes device metadata: one row per device_id, however many
// events reference it. The cache is intentionally unbounded as device
// cardinality is orders of magnitude smaller than event volume.
type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS tracker_devices (
		device_id TEXT NOT NULL PRIMARY KEY,
		app_version TEXT NOT NULL DEFAULT '',
		os_name TEXT NOT NULL DEFAULT '',
		os_version TEXT NOT NULL DEFAULT '',
		is_simulator BOOLEAN,
		is_rooted BOOLEAN,
		is_vpn_enabled BOOLEAN,
		last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`)
	return &DevicesTable{
		db: db,
	}
}

// GetOrCreate inserts a device row with the given fields as defaults, or
// returns the existing row if one exists for this device_id. Existing metadata
// is never overwritten; only last_seen is refreshed. The upsert is driven by
// the primary key constraint so concurrent first sightings of the same device
// collapse to a single row.
func (t *DevicesTable) GetOrCreate(d Device) (*Device, error) {
	if d.LastSeen.IsZero() {
		d.LastSeen = time.Now()
	}
	var dev Device
	err := t.db.Get(&dev, `
	INSERT INTO tracker_devices(device_id, app_version, os_name, os_version, is_simulator, is_rooted, is_vpn_enabled, last_seen)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	ON CONFLICT (device_id) DO UPDATE SET last_seen = excluded.last_seen
	RETURNING device_id, app_version, os_name, os_version, is_simulator, is_rooted, is_vpn_enabled, last_seen`,
		d.DeviceID, d.AppVersion, d.OSName, d.OSVersion, d.IsSimulator, d.IsRooted, d.IsVPNEnabled, d.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (t *DevicesTable) Select(deviceID string) (*Device, error) {
	var dev Device
	err := t.db.Get(&dev, `SELECT device_id, app_version, os_name, os_version, is_simulator, is_rooted, is_vpn_enabled, last_seen
	FROM tracker_devices WHERE device_id = $1`, deviceID)
	if err != nil {
		return nil, err
	}
	return &dev, nil
}
