package jobs

import (
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tyler-ng/event-tracking/pubsub"
	"github.com/tyler-ng/event-tracking/state"
)

// SchedulerOpts carries the cadences and policies for the periodic jobs.
// Zero values fall back to the documented defaults. Cadence is deployment
// configuration, not a core contract.
type SchedulerOpts struct {
	SweepInterval    time.Duration // idle-session sweep, default 10m
	IdleThreshold    time.Duration // default 30m
	HourlyInterval   time.Duration // hourly aggregation, default 1h
	DailyInterval    time.Duration // daily aggregation + retention, default 24h
	VerifyInterval   time.Duration // integrity verification, default 7d
	VerifyWindowDays int           // default 7
	RetentionDays    int           // default 365
	RetentionBatch   int           // default 10000
	RequeueInterval  time.Duration // stale unprocessed-event sweep, default 5m
	RequeueAge       time.Duration // default 10m
	RequeueBatch     int           // default 1000
	EnablePrometheus bool
}

func (o *SchedulerOpts) defaults() {
	if o.SweepInterval == 0 {
		o.SweepInterval = 10 * time.Minute
	}
	if o.IdleThreshold == 0 {
		o.IdleThreshold = DefaultIdleThreshold
	}
	if o.HourlyInterval == 0 {
		o.HourlyInterval = time.Hour
	}
	if o.DailyInterval == 0 {
		o.DailyInterval = 24 * time.Hour
	}
	if o.VerifyInterval == 0 {
		o.VerifyInterval = 7 * 24 * time.Hour
	}
	if o.VerifyWindowDays == 0 {
		o.VerifyWindowDays = 7
	}
	if o.RetentionDays == 0 {
		o.RetentionDays = DefaultRetentionDays
	}
	if o.RetentionBatch == 0 {
		o.RetentionBatch = 10000
	}
	if o.RequeueInterval == 0 {
		o.RequeueInterval = 5 * time.Minute
	}
	if o.RequeueAge == 0 {
		o.RequeueAge = 10 * time.Minute
	}
	if o.RequeueBatch == 0 {
		o.RequeueBatch = 1000
	}
}

// Scheduler drives the periodic jobs off plain tickers. The jobs touch
// disjoint or eventually-consistent data, so they need no mutual exclusion
// between them, and every run is safe to repeat.
type Scheduler struct {
	lifecycle  *Lifecycle
	aggregator *Aggregator
	retention  *Retention
	verifier   *Verifier
	requeuer   *Requeuer
	reporter   *Reporter
	opts       SchedulerOpts
	done       chan struct{}

	jobRuns *prometheus.CounterVec
}

func NewScheduler(store *state.Storage, notifier pubsub.Notifier, opts SchedulerOpts) *Scheduler {
	opts.defaults()
	s := &Scheduler{
		lifecycle:  NewLifecycle(store),
		aggregator: NewAggregator(store),
		retention:  NewRetention(store),
		verifier:   NewVerifier(store),
		requeuer:   NewRequeuer(store, notifier),
		reporter:   NewReporter(store),
		opts:       opts,
		done:       make(chan struct{}),
	}
	if opts.EnablePrometheus {
		s.jobRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "event_tracking",
			Subsystem: "jobs",
			Name:      "runs",
			Help:      "Number of scheduled job runs by job and outcome.",
		}, []string{"job", "outcome"})
		prometheus.MustRegister(s.jobRuns)
	}
	return s
}

// Run blocks, ticking until Stop() is called. Do this in a goroutine.
func (s *Scheduler) Run() {
	sweep := time.NewTicker(s.opts.SweepInterval)
	hourly := time.NewTicker(s.opts.HourlyInterval)
	daily := time.NewTicker(s.opts.DailyInterval)
	verify := time.NewTicker(s.opts.VerifyInterval)
	requeue := time.NewTicker(s.opts.RequeueInterval)
	defer sweep.Stop()
	defer hourly.Stop()
	defer daily.Stop()
	defer verify.Stop()
	defer requeue.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-sweep.C:
			s.runJob("close_inactive_sessions", func() error {
				_, err := s.lifecycle.CloseInactiveSessions(s.opts.IdleThreshold)
				return err
			})
		case <-requeue.C:
			s.runJob("requeue_unprocessed", func() error {
				_, err := s.requeuer.RequeueUnprocessed(s.opts.RequeueAge, s.opts.RequeueBatch)
				return err
			})
		case <-hourly.C:
			s.runJob("aggregate_hourly", s.aggregator.AggregatePreviousHour)
		case <-daily.C:
			s.runJob("aggregate_daily", s.aggregator.AggregatePreviousDay)
			s.runJob("generate_daily_report", func() error {
				_, err := s.reporter.DailyReport()
				return err
			})
			s.runJob("cleanup_old_events", func() error {
				cutoff := time.Now().AddDate(0, 0, -s.opts.RetentionDays)
				_, err := s.retention.PurgeOlderThan(cutoff, s.opts.RetentionBatch)
				return err
			})
		case <-verify.C:
			s.runJob("verify_data_integrity", func() error {
				_, err := s.verifier.Verify(s.opts.VerifyWindowDays)
				return err
			})
		}
	}
}

// Stop ticking.
func (s *Scheduler) Stop() {
	close(s.done)
	if s.jobRuns != nil {
		prometheus.Unregister(s.jobRuns)
	}
}

func (s *Scheduler) runJob(name string, fn func() error) {
	if err := fn(); err != nil {
		logger.Err(err).Str("job", name).Msg("scheduled job failed")
		sentry.CaptureException(err)
		s.countRun(name, "error")
		return
	}
	s.countRun(name, "ok")
}

func (s *Scheduler) countRun(job, outcome string) {
	if s.jobRuns != nil {
		s.jobRuns.WithLabelValues(job, outcome).Inc()
	}
}
