package jobs

import (
	"testing"
	"time"
)

func TestAggregateDaily(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	aggregator := NewAggregator(store)

	day := time.Date(2031, 8, 14, 0, 0, 0, 0, time.UTC)
	insertEvent(t, store, "agg-u1", "", "agg_click", day.Add(2*time.Hour))
	insertEvent(t, store, "agg-u1", "", "agg_click", day.Add(3*time.Hour))
	insertEvent(t, store, "agg-u2", "", "agg_click", day.Add(4*time.Hour))
	insertEvent(t, store, "agg-u2", "", "agg_view", day.Add(5*time.Hour))
	// the next day must not bleed in
	insertEvent(t, store, "agg-u1", "", "agg_click", day.AddDate(0, 0, 1))

	assertNoError(t, aggregator.Aggregate(Daily, day.Add(9*time.Hour)))

	clicks, err := store.AggregatesTable.Select("agg_click", day, nil)
	assertNoError(t, err)
	if clicks == nil || clicks.Count != 3 || clicks.UniqueUsers != 2 {
		t.Fatalf("wrong daily click aggregate: %+v", clicks)
	}
	views, err := store.AggregatesTable.Select("agg_view", day, nil)
	assertNoError(t, err)
	if views == nil || views.Count != 1 {
		t.Fatalf("wrong daily view aggregate: %+v", views)
	}

	// re-running the same period converges on the same values
	assertNoError(t, aggregator.Aggregate(Daily, day))
	clicks, err = store.AggregatesTable.Select("agg_click", day, nil)
	assertNoError(t, err)
	if clicks.Count != 3 || clicks.UniqueUsers != 2 {
		t.Fatalf("re-aggregation drifted: %+v", clicks)
	}
}

func TestAggregateHourly(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	aggregator := NewAggregator(store)

	day := time.Date(2031, 8, 15, 0, 0, 0, 0, time.UTC)
	insertEvent(t, store, "agg-h1", "", "agg_hourly_check", day.Add(14*time.Hour+5*time.Minute))
	insertEvent(t, store, "agg-h2", "", "agg_hourly_check", day.Add(14*time.Hour+40*time.Minute))
	insertEvent(t, store, "agg-h1", "", "agg_hourly_check", day.Add(15*time.Hour+1*time.Minute))

	assertNoError(t, aggregator.Aggregate(Hourly, day.Add(14*time.Hour+30*time.Minute)))

	hour := 14
	agg, err := store.AggregatesTable.Select("agg_hourly_check", day, &hour)
	assertNoError(t, err)
	if agg == nil || agg.Count != 2 || agg.UniqueUsers != 2 {
		t.Fatalf("wrong hourly aggregate: %+v", agg)
	}
	// the daily slot for the same (type, date) stays untouched
	daily, err := store.AggregatesTable.Select("agg_hourly_check", day, nil)
	assertNoError(t, err)
	if daily != nil {
		t.Fatalf("hourly aggregation wrote a daily row: %+v", daily)
	}
}

func TestAggregateUnknownGranularity(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	aggregator := NewAggregator(store)
	if err := aggregator.Aggregate(Granularity("weekly"), time.Now()); err == nil {
		t.Fatalf("expected an error for an unknown granularity")
	}
}
