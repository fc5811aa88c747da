package state

import (
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/jmoiron/sqlx"
)

type FeatureFlag struct {
	ID                int64     `db:"flag_id"`
	Name              string    `db:"name"`
	Key               string    `db:"key"`
	Description       string    `db:"description"`
	Active            bool      `db:"active"`
	RolloutPercentage int       `db:"rollout_percentage"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// EnabledForUser applies the percentage rollout: a user is in the rollout if
// the FNV hash of (key, distinct_id) lands below the percentage. The bucket is
// stable per user per flag, so users don't flap in and out between requests.
func (f *FeatureFlag) EnabledForUser(distinctID string) bool {
	if !f.Active {
		return false
	}
	if f.RolloutPercentage >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(f.Key))
	h.Write([]byte(":"))
	h.Write([]byte(distinctID))
	return int(h.Sum32()%100) < f.RolloutPercentage
}

// FeatureFlagsTable is simple CRUD for flags. No algorithmic complexity lives
// here beyond the rollout bucketing above.
type FeatureFlagsTable struct {
	db *sqlx.DB
}

func NewFeatureFlagsTable(db *sqlx.DB) *FeatureFlagsTable {
	db.MustExec(`
	CREATE SEQUENCE IF NOT EXISTS tracker_flag_ids_seq;
	CREATE TABLE IF NOT EXISTS tracker_feature_flags (
		flag_id BIGINT PRIMARY KEY NOT NULL DEFAULT nextval('tracker_flag_ids_seq'),
		name TEXT NOT NULL UNIQUE,
		key TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT FALSE,
		rollout_percentage INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);`)
	return &FeatureFlagsTable{
		db: db,
	}
}

// Upsert creates or updates a flag by key.
func (t *FeatureFlagsTable) Upsert(f FeatureFlag) (*FeatureFlag, error) {
	var flag FeatureFlag
	err := t.db.Get(&flag, `
	INSERT INTO tracker_feature_flags(name, key, description, active, rollout_percentage)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (key) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		active = excluded.active,
		rollout_percentage = excluded.rollout_percentage,
		updated_at = NOW()
	RETURNING *`, f.Name, f.Key, f.Description, f.Active, f.RolloutPercentage)
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

func (t *FeatureFlagsTable) SelectByKey(key string) (*FeatureFlag, error) {
	var flag FeatureFlag
	err := t.db.Get(&flag, `SELECT * FROM tracker_feature_flags WHERE key = $1`, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &flag, nil
}

// SelectActive returns all active flags. Mobile SDKs only ever need these.
func (t *FeatureFlagsTable) SelectActive() ([]FeatureFlag, error) {
	var flags []FeatureFlag
	err := t.db.Select(&flags, `SELECT * FROM tracker_feature_flags WHERE active ORDER BY key`)
	return flags, err
}

func (t *FeatureFlagsTable) Delete(key string) error {
	_, err := t.db.Exec(`DELETE FROM tracker_feature_flags WHERE key = $1`, key)
	return err
}
