package jobs

import (
	"testing"
	"time"
)

func TestReporterTrends(t *testing.T) {
	store, close := connectToDB(t)
	defer close()
	reporter := NewReporter(store)

	now := time.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	yesterday := end.AddDate(0, 0, -1)
	threeDaysAgo := end.AddDate(0, 0, -3)

	// two daily rows inside the window, one day apart, leaving a gap
	assertNoError(t, store.AggregatesTable.Upsert("trend_metric", yesterday, nil, 10, 4))
	assertNoError(t, store.AggregatesTable.Upsert("trend_metric", threeDaysAgo, nil, 6, 3))
	// an hourly row on the same day must not be double-counted
	hour := 9
	assertNoError(t, store.AggregatesTable.Upsert("trend_metric", yesterday, &hour, 5, 2))
	// a different event type must not leak into a filtered report
	assertNoError(t, store.AggregatesTable.Upsert("trend_noise", yesterday, nil, 100, 50))

	report, err := reporter.Trends(3, "trend_metric")
	assertNoError(t, err)
	if report.TotalCount != 16 {
		t.Fatalf("expected total 16, got %d", report.TotalCount)
	}
	if len(report.ByType) != 1 || report.ByType["trend_metric"] != 16 {
		t.Fatalf("wrong by-type counts: %+v", report.ByType)
	}
	if report.DaysTotal != 3 || report.DaysCovered != 2 {
		t.Fatalf("expected 2 of 3 days covered, got %d of %d", report.DaysCovered, report.DaysTotal)
	}
	if len(report.Daily) != 2 {
		t.Fatalf("expected 2 daily rows, got %+v", report.Daily)
	}
	if report.Daily[0].Count != 6 || report.Daily[0].UniqueUsers != 3 {
		t.Fatalf("wrong oldest day: %+v", report.Daily[0])
	}
	if report.Daily[1].Count != 10 || report.Daily[1].UniqueUsers != 4 {
		t.Fatalf("wrong latest day: %+v", report.Daily[1])
	}

	// the daily report is the one-day window ending yesterday
	daily, err := reporter.DailyReport()
	assertNoError(t, err)
	if daily.DaysTotal != 1 || !daily.Start.Equal(yesterday) || !daily.End.Equal(end) {
		t.Fatalf("wrong daily report window: %+v", daily)
	}
}
