package jobs

import (
	"time"

	"github.com/tyler-ng/event-tracking/pubsub"
	"github.com/tyler-ng/event-tracking/state"
)

// Requeuer recovers events whose queue notification was lost. The in-process
// queue drops anything buffered when the process dies, and a notify timeout is
// only logged, so an event can commit with processed=false and never be picked
// up. Re-publishing is safe because processing is idempotent per event.
type Requeuer struct {
	store    *state.Storage
	notifier pubsub.Notifier
}

func NewRequeuer(store *state.Storage, notifier pubsub.Notifier) *Requeuer {
	return &Requeuer{store: store, notifier: notifier}
}

// RequeueUnprocessed re-publishes up to limit events that are still
// unprocessed after the given age. The age keeps freshly queued events out of
// the sweep while their first delivery is in flight. Returns how many were
// re-published.
func (r *Requeuer) RequeueUnprocessed(age time.Duration, limit int) (int, error) {
	ids, err := r.store.EventsTable.SelectUnprocessedBefore(time.Now().Add(-age), limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := r.notifier.Notify(pubsub.ChanIngest, &pubsub.EventsQueued{EventIDs: ids}); err != nil {
		return 0, err
	}
	logger.Info().Int("num_events", len(ids)).Msg("requeued stale unprocessed events")
	return len(ids), nil
}
