package jobs

import (
	"time"

	"golang.org/x/exp/slices"

	"github.com/tyler-ng/event-tracking/state"
)

// Verifier reconciles stored daily aggregates against raw event counts.
// It only ever reports drift; fixing it is an operator decision (usually a
// forced re-aggregation of the affected day).
type Verifier struct {
	store *state.Storage
}

func NewVerifier(store *state.Storage) *Verifier {
	return &Verifier{store: store}
}

// Verify compares raw and aggregated counts per (date, event_type) over the
// trailing windowDays (today included) and returns every pair that disagrees.
// A missing aggregate row is treated as a count of 0.
func (v *Verifier) Verify(windowDays int) ([]state.Mismatch, error) {
	now := time.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	start := end.AddDate(0, 0, -windowDays-1)

	mismatches, err := v.store.AggregatesTable.SelectDailyMismatches(start, end)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(mismatches, func(a, b state.Mismatch) int {
		if !a.Date.Equal(b.Date) {
			return a.Date.Compare(b.Date)
		}
		if a.EventType < b.EventType {
			return -1
		}
		if a.EventType > b.EventType {
			return 1
		}
		return 0
	})
	for _, m := range mismatches {
		logger.Warn().
			Time("date", m.Date).
			Str("event_type", m.EventType).
			Int64("raw", m.RawCount).
			Int64("agg", m.AggCount).
			Msg("aggregate count drift")
	}
	return mismatches, nil
}
