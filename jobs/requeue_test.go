package jobs

import (
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tyler-ng/event-tracking/pubsub"
	"github.com/tyler-ng/event-tracking/sqlutil"
)

type recordingNotifier struct {
	payloads []pubsub.Payload
}

func (n *recordingNotifier) Notify(chanName string, p pubsub.Payload) error {
	n.payloads = append(n.payloads, p)
	return nil
}

func (n *recordingNotifier) Close() error { return nil }

func TestRequeueUnprocessed(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	notifier := &recordingNotifier{}
	requeuer := NewRequeuer(store, notifier)

	// stale and unprocessed: must be requeued
	stale := insertEvent(t, store, "requeue-user", "", "requeue_check", time.Now())
	_, err := store.DB.Exec(`UPDATE tracker_events SET created_at = $2 WHERE event_id = $1`,
		stale.ID, time.Now().Add(-time.Hour))
	assertNoError(t, err)

	// fresh and unprocessed: its first delivery may still be in flight
	insertEvent(t, store, "requeue-user", "", "requeue_check", time.Now())

	// stale but already processed: nothing to recover
	done := insertEvent(t, store, "requeue-user", "", "requeue_check", time.Now())
	_, err = store.DB.Exec(`UPDATE tracker_events SET created_at = $2, processed = TRUE WHERE event_id = $1`,
		done.ID, time.Now().Add(-time.Hour))
	assertNoError(t, err)

	requeued, err := requeuer.RequeueUnprocessed(10*time.Minute, 100)
	assertNoError(t, err)
	if requeued != 1 {
		t.Fatalf("expected 1 requeued event, got %d", requeued)
	}
	if len(notifier.payloads) != 1 {
		t.Fatalf("expected 1 published payload, got %d", len(notifier.payloads))
	}
	queued, ok := notifier.payloads[0].(*pubsub.EventsQueued)
	if !ok {
		t.Fatalf("wrong payload type %T", notifier.payloads[0])
	}
	if len(queued.EventIDs) != 1 || queued.EventIDs[0] != stale.ID {
		t.Fatalf("wrong requeued IDs: %v", queued.EventIDs)
	}

	// nothing stale left once the events are processed
	err = sqlutil.WithTransaction(store.DB, func(txn *sqlx.Tx) error {
		return store.EventsTable.MarkProcessed(txn, stale.ID)
	})
	assertNoError(t, err)
	requeued, err = requeuer.RequeueUnprocessed(10*time.Minute, 100)
	assertNoError(t, err)
	if requeued != 0 {
		t.Fatalf("expected nothing to requeue, got %d", requeued)
	}
}
