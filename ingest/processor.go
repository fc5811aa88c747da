package ingest

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tyler-ng/event-tracking/internal"
	"github.com/tyler-ng/event-tracking/pubsub"
	"github.com/tyler-ng/event-tracking/sqlutil"
	"github.com/tyler-ng/event-tracking/state"
)

// How far back an open session may have started and still absorb a freshly
// processed event.
const sessionWindow = 6 * time.Hour

// BatchResult tallies the outcome of processing a batch of event IDs.
type BatchResult struct {
	SuccessCount int `json:"success_count"`
	ErrorCount   int `json:"error_count"`
}

// Processor is the async half of ingestion. It consumes queued event IDs from
// pubsub on a worker pool and runs the idempotent processing step for each:
// attach-or-create a session, then flip the processed flag, in one atomic
// transaction per event. Ordering between workers is not guaranteed, which is
// exactly why processing must be idempotent.
type Processor struct {
	store    *state.Storage
	pipeline *Pipeline
	sub      *pubsub.IngestSub
	pool     *internal.WorkerPool

	eventsProcessed *prometheus.CounterVec
}

func NewProcessor(store *state.Storage, pipeline *Pipeline, listener pubsub.Listener, numWorkers int, enablePrometheus bool) *Processor {
	p := &Processor{
		store:    store,
		pipeline: pipeline,
		pool:     internal.NewWorkerPool(numWorkers),
	}
	if enablePrometheus {
		p.addPrometheusMetrics()
	}
	p.sub = pubsub.NewIngestSub(listener, p)
	return p
}

func (p *Processor) addPrometheusMetrics() {
	p.eventsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_tracking",
		Subsystem: "processor",
		Name:      "events_processed",
		Help:      "Number of async processing attempts by outcome.",
	}, []string{"outcome"})
	prometheus.MustRegister(p.eventsProcessed)
}

// Listen starts the worker pool and the pubsub consumer.
func (p *Processor) Listen() {
	p.pool.Start()
	go func() {
		defer internal.ReportPanicsToSentry()
		if err := p.sub.Listen(); err != nil {
			logger.Err(err).Msg("processor: failed to listen for ingest messages")
			sentry.CaptureException(err)
		}
	}()
}

func (p *Processor) Teardown() {
	p.sub.Teardown()
	p.pool.Stop()
	if p.eventsProcessed != nil {
		prometheus.Unregister(p.eventsProcessed)
	}
}

// OnEventsQueued fans queued event IDs out to the worker pool.
func (p *Processor) OnEventsQueued(payload *pubsub.EventsQueued) {
	for _, eventID := range payload.EventIDs {
		id := eventID
		p.pool.Queue(func() {
			if err := p.Process(id); err != nil {
				logger.Err(err).Str("event_id", id).Msg("failed to process event")
				sentry.CaptureException(err)
			}
		})
	}
}

// OnUserChanged records a user lifecycle event and processes it inline.
func (p *Processor) OnUserChanged(payload *pubsub.UserChanged) {
	ev, err := p.pipeline.RecordUserChange(payload)
	if err != nil {
		logger.Err(err).Str("user_id", payload.UserID).Msg("failed to record user change")
		sentry.CaptureException(err)
		return
	}
	if err := p.Process(ev.ID); err != nil {
		logger.Err(err).Str("event_id", ev.ID).Msg("failed to process user event")
		sentry.CaptureException(err)
	}
}

// Process runs the idempotent processing step for one event. The event row is
// locked for the duration of the transaction so concurrent workers serialize
// on it; an already-processed event is a no-op. Events without a session get
// one here: the latest open session for (distinct_id, device_id) started
// within the last 6 hours, or a fresh session seeded from the event. The
// session mutation and the processed flag commit together or not at all.
func (p *Processor) Process(eventID string) error {
	return sqlutil.WithTransaction(p.store.DB, func(txn *sqlx.Tx) error {
		ev, err := p.store.EventsTable.SelectForUpdate(txn, eventID)
		if err != nil {
			p.countOutcome("error")
			return err
		}
		if ev.Processed {
			// Idempotence: a second attempt must not touch the session again.
			p.countOutcome("noop")
			return nil
		}
		if ev.DeviceID != nil && ev.SessionID == nil {
			if err := p.attachSession(txn, ev); err != nil {
				p.countOutcome("error")
				return err
			}
		}
		if err := p.store.EventsTable.MarkProcessed(txn, ev.ID); err != nil {
			p.countOutcome("error")
			return err
		}
		p.countOutcome("ok")
		return nil
	})
}

// attachSession links the event to a recent open session, creating one seeded
// from the event if none exists. The synchronous path owns the counter for
// events it attached at ingest time; this is the only other place the counter
// moves, so each event is counted exactly once.
func (p *Processor) attachSession(txn *sqlx.Tx, ev *state.Event) error {
	session, err := p.store.SessionsTable.SelectOpenSince(txn, ev.DistinctID, *ev.DeviceID, time.Now().Add(-sessionWindow))
	if err != nil {
		return fmt.Errorf("find open session: %w", err)
	}
	if session != nil {
		if err := p.store.SessionsTable.IncrementEventsCount(txn, session.ID); err != nil {
			return fmt.Errorf("bump session counter: %w", err)
		}
		return p.store.EventsTable.SetSession(txn, ev.ID, session.ID)
	}
	fresh := &state.Session{
		DistinctID:     ev.DistinctID,
		DeviceID:       ev.DeviceID,
		LocationID:     ev.LocationID,
		UserID:         ev.UserID,
		StartTime:      ev.Timestamp,
		EventsCount:    1,
		Latitude:       ev.Latitude,
		Longitude:      ev.Longitude,
		AppCheckResult: ev.AppCheckResult,
	}
	if err := p.store.SessionsTable.Insert(txn, fresh); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return p.store.EventsTable.SetSession(txn, ev.ID, fresh.ID)
}

// ProcessBatch processes event IDs sequentially, tallying successes and
// failures. One bad event never aborts the rest of the batch.
func (p *Processor) ProcessBatch(eventIDs []string) BatchResult {
	logger.Info().Int("num_events", len(eventIDs)).Msg("processing batch")
	var result BatchResult
	for _, eventID := range eventIDs {
		if err := p.Process(eventID); err != nil {
			logger.Err(err).Str("event_id", eventID).Msg("batch: failed to process event")
			result.ErrorCount++
			continue
		}
		result.SuccessCount++
	}
	logger.Info().Int("success", result.SuccessCount).Int("errors", result.ErrorCount).Msg("batch processing completed")
	return result
}

func (p *Processor) countOutcome(outcome string) {
	if p.eventsProcessed != nil {
		p.eventsProcessed.WithLabelValues(outcome).Inc()
	}
}
