package state

import (
	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
)

// Max number of parameters in a single SQL command
const MaxPostgresParameters = 65535

// Storage bundles every table over one DB handle. Constructing it ensures all
// schemas exist.
type Storage struct {
	DevicesTable      *DevicesTable
	LocationsTable    *LocationsTable
	SessionsTable     *SessionsTable
	EventsTable       *EventTable
	AggregatesTable   *AggregatesTable
	FeatureFlagsTable *FeatureFlagsTable
	DB                *sqlx.DB
}

func NewStorage(postgresURI string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db)
}

func NewStorageWithDB(db *sqlx.DB) *Storage {
	return &Storage{
		DevicesTable:      NewDevicesTable(db),
		LocationsTable:    NewLocationsTable(db),
		SessionsTable:     NewSessionsTable(db),
		EventsTable:       NewEventTable(db),
		AggregatesTable:   NewAggregatesTable(db),
		FeatureFlagsTable: NewFeatureFlagsTable(db),
		DB:                db,
	}
}

func (s *Storage) Teardown() {
	if err := s.DB.Close(); err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
