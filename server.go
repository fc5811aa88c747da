package tracker

import (
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tyler-ng/event-tracking/ingest"
	"github.com/tyler-ng/event-tracking/jobs"
	"github.com/tyler-ng/event-tracking/pubsub"
	"github.com/tyler-ng/event-tracking/state"
	"github.com/tyler-ng/event-tracking/state/migrations"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Opts tunes the server. Zero values use the defaults documented per field.
type Opts struct {
	// Number of async processing workers. Sized against DB connection limits,
	// not request volume.
	NumWorkers int // default 64
	// TTL for the active feature flag cache.
	FlagCacheTTL     time.Duration // default 30s
	EnablePrometheus bool
	Jobs             jobs.SchedulerOpts
}

// Server owns the ingest pipeline, the async processor, the scheduled jobs and
// the storage they all share.
type Server struct {
	Store     *state.Storage
	Pipeline  *ingest.Pipeline
	Processor *ingest.Processor
	Scheduler *jobs.Scheduler
	Notifier  pubsub.Notifier

	flagCache   *ttlcache.Cache[string, []state.FeatureFlag]
	promEnabled bool
}

// Setup opens storage, applies migrations and wires every component together.
// Nothing is started yet; call Start.
func Setup(postgresURI string, opts Opts) *Server {
	if opts.NumWorkers == 0 {
		opts.NumWorkers = 64
	}
	if opts.FlagCacheTTL == 0 {
		opts.FlagCacheTTL = 30 * time.Second
	}
	opts.Jobs.EnablePrometheus = opts.EnablePrometheus

	store := state.NewStorage(postgresURI)
	if err := migrations.Up(store.DB.DB); err != nil {
		logger.Panic().Err(err).Msg("failed to run migrations")
	}

	bus := pubsub.NewPubSub(128)
	var notifier pubsub.Notifier = bus
	if opts.EnablePrometheus {
		notifier = pubsub.NewPromNotifier(bus, "ingest")
	}
	pipeline := ingest.NewPipeline(store, notifier, opts.EnablePrometheus)
	processor := ingest.NewProcessor(store, pipeline, bus, opts.NumWorkers, opts.EnablePrometheus)

	return &Server{
		Store:     store,
		Pipeline:  pipeline,
		Processor: processor,
		Scheduler: jobs.NewScheduler(store, notifier, opts.Jobs),
		Notifier:  notifier,
		flagCache: ttlcache.New[string, []state.FeatureFlag](
			ttlcache.WithTTL[string, []state.FeatureFlag](opts.FlagCacheTTL),
		),
		promEnabled: opts.EnablePrometheus,
	}
}

// Start spins up the async consumers and scheduled jobs.
func (s *Server) Start() {
	s.Processor.Listen()
	go s.Scheduler.Run()
	go s.flagCache.Start()
}

func (s *Server) Teardown() {
	s.Scheduler.Stop()
	s.Processor.Teardown()
	s.Pipeline.Teardown()
	s.Notifier.Close()
	s.flagCache.Stop()
	s.Store.Teardown()
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// RunTrackerServer is the main entry point to the server
func RunTrackerServer(s *Server, bindAddr string) {
	// HTTP path routing
	r := mux.NewRouter()
	r.Handle("/capture", allowCORS(http.HandlerFunc(s.handleCapture))).Methods("POST")
	r.Handle("/batch", allowCORS(http.HandlerFunc(s.handleBatch))).Methods("POST")
	r.Handle("/session/start", allowCORS(http.HandlerFunc(s.handleSessionStart))).Methods("POST")
	r.Handle("/session/{sessionID}/end", allowCORS(http.HandlerFunc(s.handleSessionEnd))).Methods("PUT")
	r.Handle("/flags", allowCORS(http.HandlerFunc(s.handleFlags))).Methods("GET")
	r.Handle("/events", allowCORS(http.HandlerFunc(s.handleQueryEvents))).Methods("GET")
	r.Handle("/sessions", allowCORS(http.HandlerFunc(s.handleQuerySessions))).Methods("GET")
	r.Handle("/aggregates", allowCORS(http.HandlerFunc(s.handleQueryAggregates))).Methods("GET")
	if s.promEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "tracker")
			},
		},
		final: r,
	}

	// Block forever
	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
