package jobs

import (
	"fmt"
	"testing"
	"time"
)

func TestPurgeOlderThan(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	retention := NewRetention(store)

	// far enough in the past that no other fixture's events fall before it
	cutoff := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 250; i++ {
		insertEvent(t, store, fmt.Sprintf("purge-user-%d", i%7), "", "purge_check", cutoff.Add(-time.Duration(i+1)*time.Minute))
	}
	// events at or after the cutoff survive
	keep := insertEvent(t, store, "purge-user-keep", "", "purge_check", cutoff.Add(time.Hour))

	// dry run reports the damage without doing it
	wouldDelete, err := retention.DryRun(cutoff)
	assertNoError(t, err)
	if wouldDelete != 250 {
		t.Fatalf("dry run expected 250 eligible events, got %d", wouldDelete)
	}
	var count int
	assertNoError(t, store.DB.Get(&count, `SELECT COUNT(*) FROM tracker_events WHERE event_type = $1`, "purge_check"))
	if count != 251 {
		t.Fatalf("dry run deleted rows: %d remain", count)
	}

	// batch size of 100 forces multiple passes
	deleted, err := retention.PurgeOlderThan(cutoff, 100)
	assertNoError(t, err)
	if deleted != 250 {
		t.Fatalf("expected 250 deletions, got %d", deleted)
	}
	assertNoError(t, store.DB.Get(&count, `SELECT COUNT(*) FROM tracker_events WHERE event_type = $1`, "purge_check"))
	if count != 1 {
		t.Fatalf("expected only the kept event to remain, got %d", count)
	}
	if _, err := store.EventsTable.SelectByID(keep.ID); err != nil {
		t.Fatalf("recent event was purged: %s", err)
	}

	// nothing left to do
	deleted, err = retention.PurgeOlderThan(cutoff, 100)
	assertNoError(t, err)
	if deleted != 0 {
		t.Fatalf("second purge deleted %d rows", deleted)
	}
}

func TestPurgeRejectsBadBatchSize(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	retention := NewRetention(store)
	if _, err := retention.PurgeOlderThan(time.Now(), 0); err == nil {
		t.Fatalf("expected an error for batch size 0")
	}
}
