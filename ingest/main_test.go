package ingest

import (
	"os"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/tyler-ng/event-tracking/state"
	"github.com/tyler-ng/event-tracking/testutils"
)

var postgresConnectionString = "user=xxxxx dbname=tracker_test sslmode=disable"

func TestMain(m *testing.M) {
	postgresConnectionString = testutils.PrepareDBConnectionString("tracker_ingest_test")
	exitCode := m.Run()
	os.Exit(exitCode)
}

func connectToDB(t *testing.T) (*state.Storage, func()) {
	db, err := sqlx.Open("postgres", postgresConnectionString)
	if err != nil {
		t.Fatalf("failed to open SQL db: %s", err)
	}
	store := state.NewStorageWithDB(db)
	return store, func() {
		db.Close()
	}
}

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %s", err)
	}
}
