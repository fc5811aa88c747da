package state

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tyler-ng/event-tracking/internal"
	"github.com/tyler-ng/event-tracking/sqlutil"
)

func TestEventTableInsertSelect(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventTable(db)

	deviceID := "ev-device"
	ev := &Event{
		DistinctID: "ev-user",
		EventType:  "screen_view",
		Properties: internal.Properties{"screen": "home", "load_ms": 41.0},
		Timestamp:  time.Now().Truncate(time.Millisecond),
		DeviceID:   &deviceID,
	}
	assertNoError(t, table.Insert(ev))
	if ev.ID == "" {
		t.Fatalf("Insert did not assign an event_id")
	}

	got, err := table.SelectByID(ev.ID)
	assertNoError(t, err)
	if got.EventType != "screen_view" || got.DistinctID != "ev-user" {
		t.Fatalf("wrong event: %+v", got)
	}
	if got.Processed {
		t.Fatalf("new event must not be processed")
	}
	if got.Properties["screen"] != "home" {
		t.Fatalf("properties did not round-trip: %+v", got.Properties)
	}

	if _, err = table.SelectByID("nope"); err != internal.ErrEventNotFound {
		t.Fatalf("expected ErrEventNotFound, got %v", err)
	}
}

func TestEventTableInsertAll(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventTable(db)

	base := time.Date(2032, 4, 10, 9, 0, 0, 0, time.UTC)
	events := make([]*Event, 0, 7)
	for i := 0; i < 7; i++ {
		events = append(events, &Event{
			DistinctID: "bulk-user",
			EventType:  "bulk_insert",
			Properties: internal.Properties{"n": float64(i)},
			Timestamp:  base.Add(time.Duration(i) * time.Second),
		})
	}
	assertNoError(t, table.InsertAll(events))
	for i, ev := range events {
		if ev.ID == "" {
			t.Fatalf("event %d was not assigned an event_id", i)
		}
		got, err := table.SelectByID(ev.ID)
		assertNoError(t, err)
		if got.Properties["n"] != float64(i) {
			t.Fatalf("event %d round-tripped wrong properties: %+v", i, got.Properties)
		}
	}
	counts, err := table.AggregateCounts(base, base.Add(time.Minute))
	assertNoError(t, err)
	if len(counts) != 1 || counts[0].Count != 7 {
		t.Fatalf("expected 7 bulk_insert events, got %+v", counts)
	}

	// an empty batch is a no-op, not an error
	assertNoError(t, table.InsertAll(nil))
}

func TestEventTableProcessingUpdates(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventTable(db)
	sessions := NewSessionsTable(db)

	deviceID := "proc-device"
	ev := &Event{
		DistinctID: "proc-user",
		EventType:  "tap",
		Properties: internal.Properties{},
		Timestamp:  time.Now(),
		DeviceID:   &deviceID,
	}
	assertNoError(t, table.Insert(ev))
	session := &Session{DistinctID: "proc-user", DeviceID: &deviceID, StartTime: time.Now()}
	assertNoError(t, sessions.Insert(db, session))

	err := sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		locked, err := table.SelectForUpdate(txn, ev.ID)
		if err != nil {
			return err
		}
		if locked.Processed {
			t.Fatalf("event already processed: %+v", locked)
		}
		if err = table.SetSession(txn, ev.ID, session.ID); err != nil {
			return err
		}
		return table.MarkProcessed(txn, ev.ID)
	})
	assertNoError(t, err)

	got, err := table.SelectByID(ev.ID)
	assertNoError(t, err)
	if !got.Processed || got.SessionID == nil || *got.SessionID != session.ID {
		t.Fatalf("processing updates not applied: %+v", got)
	}
}

func TestEventTableAggregateCounts(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventTable(db)

	base := time.Date(2031, 5, 1, 12, 0, 0, 0, time.UTC)
	insert := func(distinctID, eventType string, ts time.Time) {
		t.Helper()
		assertNoError(t, table.Insert(&Event{
			DistinctID: distinctID,
			EventType:  eventType,
			Properties: internal.Properties{},
			Timestamp:  ts,
		}))
	}
	insert("agg-u1", "click", base)
	insert("agg-u1", "click", base.Add(time.Minute))
	insert("agg-u2", "click", base.Add(2*time.Minute))
	insert("agg-u1", "view", base.Add(3*time.Minute))
	// outside the window
	insert("agg-u1", "click", base.Add(2*time.Hour))

	counts, err := table.AggregateCounts(base, base.Add(time.Hour))
	assertNoError(t, err)
	byType := map[string]TypeCount{}
	for _, c := range counts {
		byType[c.EventType] = c
	}
	if c := byType["click"]; c.Count != 3 || c.UniqueUsers != 2 {
		t.Fatalf("wrong click rollup: %+v", c)
	}
	if c := byType["view"]; c.Count != 1 || c.UniqueUsers != 1 {
		t.Fatalf("wrong view rollup: %+v", c)
	}
}

func TestEventTableSelectLatestTimestamp(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventTable(db)

	deviceID := "latest-device"
	base := time.Date(2031, 6, 1, 9, 0, 0, 0, time.UTC)
	for _, offset := range []time.Duration{0, time.Minute, 5 * time.Minute} {
		assertNoError(t, table.Insert(&Event{
			DistinctID: "latest-user",
			EventType:  "ping",
			Properties: internal.Properties{},
			Timestamp:  base.Add(offset),
			DeviceID:   &deviceID,
		}))
	}

	ts, err := table.SelectLatestTimestamp("latest-user", deviceID, base.Add(-time.Hour))
	assertNoError(t, err)
	if ts == nil || !ts.Equal(base.Add(5*time.Minute)) {
		t.Fatalf("wrong latest timestamp: %v", ts)
	}

	ts, err = table.SelectLatestTimestamp("latest-user", deviceID, base.Add(time.Hour))
	assertNoError(t, err)
	if ts != nil {
		t.Fatalf("expected no events after cutoff, got %v", ts)
	}
}

func TestEventTableDeleteByIDs(t *testing.T) {
	db, close := connectToDB(t)
	defer close()
	table := NewEventTable(db)

	cutoff := time.Date(2031, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		assertNoError(t, table.Insert(&Event{
			DistinctID: "purge-user",
			EventType:  "old",
			Properties: internal.Properties{},
			Timestamp:  cutoff.Add(-time.Duration(i+1) * time.Hour),
		}))
	}

	count, err := table.CountBefore(cutoff)
	assertNoError(t, err)
	if count < 5 {
		t.Fatalf("expected at least 5 purgeable events, got %d", count)
	}

	err = sqlutil.WithTransaction(db, func(txn *sqlx.Tx) error {
		ids, err := table.SelectIDsBefore(txn, cutoff, 3)
		if err != nil {
			return err
		}
		if len(ids) != 3 {
			t.Fatalf("expected a batch of 3 IDs, got %d", len(ids))
		}
		deleted, err := table.DeleteByIDs(txn, ids)
		if err != nil {
			return err
		}
		if deleted != 3 {
			t.Fatalf("expected 3 deletions, got %d", deleted)
		}
		return nil
	})
	assertNoError(t, err)
}
