package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"

	tracker "github.com/tyler-ng/event-tracking"
	"github.com/tyler-ng/event-tracking/internal"
)

const version = "0.1.0"

var (
	flagBindAddr  = flag.String("port", ":8009", "Bind address")
	flagPostgres  = flag.String("db", "user=postgres dbname=tracker sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagWorkers   = flag.Int("workers", 64, "Number of async event processing workers")
	flagProm      = flag.Bool("prometheus", false, "Expose Prometheus metrics on /metrics")
	flagSentryDSN = flag.String("sentry-dsn", "", "Sentry DSN for error reporting (disabled when empty)")
	flagOTLPURL   = flag.String("otlp-url", "", "OTLP HTTP endpoint for trace export (disabled when empty)")
	flagOTLPUser  = flag.String("otlp-user", "", "Basic auth username for the OTLP endpoint")
	flagOTLPPass  = flag.String("otlp-pass", "", "Basic auth password for the OTLP endpoint")
	flagRetention = flag.Int("retention-days", 0, "Days to keep raw events, 0 for the default")
	flagIdleMins  = flag.Int("session-idle-mins", 0, "Minutes of inactivity before a session is closed, 0 for the default")
)

func main() {
	flag.Parse()
	if *flagPostgres == "" {
		flag.Usage()
		os.Exit(1)
	}

	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     *flagSentryDSN,
			Release: version,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise sentry: %s\n", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}
	if *flagOTLPURL != "" {
		if err := internal.ConfigureOTLP(*flagOTLPURL, *flagOTLPUser, *flagOTLPPass, version); err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure OTLP export: %s\n", err)
			os.Exit(1)
		}
	}

	opts := tracker.Opts{
		NumWorkers:       *flagWorkers,
		EnablePrometheus: *flagProm,
	}
	opts.Jobs.RetentionDays = *flagRetention
	if *flagIdleMins > 0 {
		opts.Jobs.IdleThreshold = time.Duration(*flagIdleMins) * time.Minute
	}

	srv := tracker.Setup(*flagPostgres, opts)
	srv.Start()
	defer srv.Teardown()
	tracker.RunTrackerServer(srv, *flagBindAddr)
}
