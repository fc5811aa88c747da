package jobs

import (
	"fmt"
	"time"

	"github.com/tyler-ng/event-tracking/state"
)

// Granularity selects the size of an aggregation period.
type Granularity string

const (
	Hourly Granularity = "hour"
	Daily  Granularity = "day"
)

// Aggregator rolls raw events up into per-type counts and unique-user tallies.
// Upserts are full replaces, so re-running any period (replay, backfill)
// converges on the same stored values.
type Aggregator struct {
	store *state.Storage
}

func NewAggregator(store *state.Storage) *Aggregator {
	return &Aggregator{store: store}
}

// Aggregate computes one EventAggregate row per event type seen in the period
// starting at periodStart. Daily aggregates carry a null hour; hourly ones the
// hour of day. periodStart is truncated to its period boundary in UTC.
func (a *Aggregator) Aggregate(granularity Granularity, periodStart time.Time) error {
	var start, end time.Time
	var hour *int
	switch granularity {
	case Hourly:
		start = periodStart.UTC().Truncate(time.Hour)
		end = start.Add(time.Hour)
		h := start.Hour()
		hour = &h
	case Daily:
		y, m, d := periodStart.UTC().Date()
		start = time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
		end = start.AddDate(0, 0, 1)
	default:
		return fmt.Errorf("unknown granularity %q", granularity)
	}
	date := time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, time.UTC)

	counts, err := a.store.EventsTable.AggregateCounts(start, end)
	if err != nil {
		return fmt.Errorf("aggregate counts: %w", err)
	}
	for _, tc := range counts {
		if err := a.store.AggregatesTable.Upsert(tc.EventType, date, hour, tc.Count, tc.UniqueUsers); err != nil {
			return fmt.Errorf("upsert aggregate for %q: %w", tc.EventType, err)
		}
	}
	logger.Info().Str("granularity", string(granularity)).Time("period_start", start).Int("num_types", len(counts)).Msg("aggregated events")
	return nil
}

// AggregatePreviousHour rolls up the hour that just finished.
func (a *Aggregator) AggregatePreviousHour() error {
	return a.Aggregate(Hourly, time.Now().Add(-time.Hour))
}

// AggregatePreviousDay rolls up yesterday.
func (a *Aggregator) AggregatePreviousDay() error {
	return a.Aggregate(Daily, time.Now().AddDate(0, 0, -1))
}
