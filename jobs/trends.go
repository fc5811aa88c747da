package jobs

import (
	"time"

	"github.com/tyler-ng/event-tracking/state"
)

// DailyTrend is one day of a trend report.
type DailyTrend struct {
	Date        time.Time `json:"date"`
	Count       int64     `json:"count"`
	UniqueUsers int64     `json:"unique_users"`
}

// TrendReport summarizes activity over a trailing window of days, built from
// the stored daily aggregates rather than raw events.
type TrendReport struct {
	Start      time.Time        `json:"start"`
	End        time.Time        `json:"end"`
	TotalCount int64            `json:"total_count"`
	ByType     map[string]int64 `json:"by_type"`
	Daily      []DailyTrend     `json:"daily"`
	// DaysCovered < DaysTotal means some days in the window have no data,
	// either a real traffic gap or a missed aggregation run.
	DaysCovered int `json:"days_covered"`
	DaysTotal   int `json:"days_total"`
}

// Reporter builds trend reports off the daily aggregates.
type Reporter struct {
	store *state.Storage
}

func NewReporter(store *state.Storage) *Reporter {
	return &Reporter{store: store}
}

// Trends summarizes the trailing windowDays ending yesterday (inclusive),
// optionally filtered to one event type (empty string means all).
func (r *Reporter) Trends(windowDays int, eventType string) (*TrendReport, error) {
	now := time.Now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	start := end.AddDate(0, 0, -windowDays)

	aggs, err := r.store.AggregatesTable.SelectByDateRange(start, end)
	if err != nil {
		return nil, err
	}
	report := &TrendReport{
		Start:     start,
		End:       end,
		ByType:    map[string]int64{},
		DaysTotal: windowDays,
	}
	perDay := map[string]*DailyTrend{}
	for _, agg := range aggs {
		if agg.Hour != nil {
			continue // daily rows only; hourly rows would double-count
		}
		if eventType != "" && agg.EventType != eventType {
			continue
		}
		report.TotalCount += agg.Count
		report.ByType[agg.EventType] += agg.Count
		key := agg.Date.Format("2006-01-02")
		day := perDay[key]
		if day == nil {
			day = &DailyTrend{Date: agg.Date}
			perDay[key] = day
		}
		day.Count += agg.Count
		day.UniqueUsers += agg.UniqueUsers
	}
	for d := start; d.Before(end); d = d.AddDate(0, 0, 1) {
		if day := perDay[d.Format("2006-01-02")]; day != nil {
			report.Daily = append(report.Daily, *day)
			report.DaysCovered++
		}
	}
	logger.Info().
		Time("start", start).
		Time("end", end).
		Int64("total", report.TotalCount).
		Int("days_covered", report.DaysCovered).
		Int("days_total", report.DaysTotal).
		Msg("trend report")
	return report, nil
}

// DailyReport summarizes yesterday's activity. Runs after the daily
// aggregation so yesterday's rollups exist.
func (r *Reporter) DailyReport() (*TrendReport, error) {
	return r.Trends(1, "")
}
