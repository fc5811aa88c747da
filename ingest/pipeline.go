package ingest

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/tyler-ng/event-tracking/internal"
	"github.com/tyler-ng/event-tracking/pubsub"
	"github.com/tyler-ng/event-tracking/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// MaxBatchSize bounds how many events one batch call may carry.
const MaxBatchSize = 1000

// Pipeline is the synchronous ingest path: it validates a raw capture payload,
// normalizes device and location metadata, attaches the event to an existing
// session if one matches, persists the event and queues its ID for async
// processing. It never creates sessions itself; creation happens through the
// explicit session-start operation or the async processor.
type Pipeline struct {
	store    *state.Storage
	notifier pubsub.Notifier

	eventsIngested *prometheus.CounterVec
}

func NewPipeline(store *state.Storage, notifier pubsub.Notifier, enablePrometheus bool) *Pipeline {
	p := &Pipeline{
		store:    store,
		notifier: notifier,
	}
	if enablePrometheus {
		p.addPrometheusMetrics()
	}
	return p
}

func (p *Pipeline) addPrometheusMetrics() {
	p.eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "event_tracking",
		Subsystem: "ingest",
		Name:      "events_ingested",
		Help:      "Number of events accepted by the ingest pipeline.",
	}, []string{"event_type"})
	prometheus.MustRegister(p.eventsIngested)
}

func (p *Pipeline) Teardown() {
	if p.eventsIngested != nil {
		prometheus.Unregister(p.eventsIngested)
	}
}

// Ingest validates and persists a single raw event, then queues it for
// processing. Any validation or persistence failure aborts the whole event: no
// partial event row is left behind. Device/location rows created along the way
// are left alone on failure; they are deduped so a later attempt reuses them.
func (p *Pipeline) Ingest(raw json.RawMessage) (*state.Event, error) {
	ev, err := p.buildEvent(raw)
	if err != nil {
		return nil, err
	}
	if err := p.persist(ev); err != nil {
		return nil, err
	}
	if err := p.notifier.Notify(pubsub.ChanIngest, &pubsub.EventsQueued{EventIDs: []string{ev.ID}}); err != nil {
		logger.Err(err).Str("event_id", ev.ID).Msg("failed to queue event for processing")
	}
	return ev, nil
}

// IngestBatch handles up to MaxBatchSize events in one call. All payloads are
// validated up front so a malformed item rejects the batch before anything is
// written; after that, the whole batch is bulk-inserted and a single queue
// notification covers it.
func (p *Pipeline) IngestBatch(raws []json.RawMessage) ([]*state.Event, error) {
	if len(raws) == 0 {
		return nil, internal.NewValidationError("batch", "must contain at least one event")
	}
	if len(raws) > MaxBatchSize {
		return nil, internal.NewValidationError("batch", fmt.Sprintf("must contain at most %d events", MaxBatchSize))
	}
	events := make([]*state.Event, 0, len(raws))
	for i, raw := range raws {
		ev, err := p.buildEvent(raw)
		if err != nil {
			return nil, fmt.Errorf("batch item %d: %w", i, err)
		}
		events = append(events, ev)
	}
	if err := p.store.EventsTable.InsertAll(events); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	eventIDs := make([]string, 0, len(events))
	for _, ev := range events {
		eventIDs = append(eventIDs, ev.ID)
		if ev.SessionID != nil {
			if err := p.store.SessionsTable.IncrementEventsCount(p.store.DB, *ev.SessionID); err != nil {
				logger.Err(err).Str("session_id", *ev.SessionID).Msg("failed to bump session counter")
			}
		}
		if p.eventsIngested != nil {
			p.eventsIngested.WithLabelValues(ev.EventType).Inc()
		}
	}
	if err := p.notifier.Notify(pubsub.ChanIngest, &pubsub.EventsQueued{EventIDs: eventIDs}); err != nil {
		logger.Err(err).Int("num_events", len(eventIDs)).Msg("failed to queue batch for processing")
	}
	return events, nil
}

// buildEvent splits the flattened capture payload into event-core, device and
// location fields, normalizes the latter two and resolves a session, returning
// an unpersisted event.
func (p *Pipeline) buildEvent(raw json.RawMessage) (*state.Event, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, internal.NewValidationError("body", "expected a JSON object")
	}
	distinctID := parsed.Get("distinct_id").Str
	if distinctID == "" {
		return nil, internal.NewValidationError("distinct_id", "required")
	}
	eventType := parsed.Get("event_type").Str
	if eventType == "" {
		return nil, internal.NewValidationError("event_type", "required")
	}

	ts := time.Now()
	if tsField := parsed.Get("timestamp"); tsField.Exists() {
		var err error
		ts, err = time.Parse(time.RFC3339Nano, tsField.Str)
		if err != nil {
			return nil, internal.NewValidationError("timestamp", "must be RFC3339")
		}
	}

	props, err := parseProperties(parsed.Get("properties"))
	if err != nil {
		return nil, err
	}

	ev := &state.Event{
		DistinctID: distinctID,
		EventType:  eventType,
		Properties: props,
		Timestamp:  ts,
	}
	if userID := parsed.Get("user_id").Str; userID != "" {
		ev.UserID = &userID
	}
	if lat := parsed.Get("latitude"); lat.Exists() {
		v := lat.Float()
		ev.Latitude = &v
	}
	if lon := parsed.Get("longitude"); lon.Exists() {
		v := lon.Float()
		ev.Longitude = &v
	}
	if acr := parsed.Get("app_check_result"); acr.IsBool() {
		v := acr.Bool()
		ev.AppCheckResult = &v
	}

	// Normalize the device fields. No device_id means no device, which in turn
	// means session resolution is skipped entirely.
	if deviceID := parsed.Get("device_id").Str; deviceID != "" {
		device, err := p.store.DevicesTable.GetOrCreate(state.Device{
			DeviceID:     deviceID,
			AppVersion:   parsed.Get("app_version").Str,
			OSName:       parsed.Get("os_name").Str,
			OSVersion:    parsed.Get("os_version").Str,
			IsSimulator:  optBool(parsed.Get("is_simulator")),
			IsRooted:     optBool(parsed.Get("is_rooted_device")),
			IsVPNEnabled: optBool(parsed.Get("is_vpn_enabled")),
		})
		if err != nil {
			return nil, fmt.Errorf("get-or-create device: %w", err)
		}
		ev.DeviceID = &device.DeviceID
	}

	// Normalize the location fields; a missing IP yields no location.
	location, err := p.store.LocationsTable.GetOrCreate(state.Location{
		IPAddress: parsed.Get("ip_address").Str,
		City:      optStr(parsed.Get("city")),
		Country:   optStr(parsed.Get("country")),
		Continent: optStr(parsed.Get("continent")),
	})
	if err != nil {
		return nil, fmt.Errorf("get-or-create location: %w", err)
	}
	if location != nil {
		ev.LocationID = &location.ID
	}

	if ev.DeviceID != nil {
		session, err := p.store.SessionsTable.Resolve(ev.DistinctID, *ev.DeviceID, ev.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("resolve session: %w", err)
		}
		if session != nil {
			ev.SessionID = &session.ID
		}
	}
	return ev, nil
}

// persist writes the event and, if it attached to a session, advances that
// session's counter. The counter increment is deliberately outside any
// transaction with the insert: it is an approximate counter, reconciled by the
// integrity verifier.
func (p *Pipeline) persist(ev *state.Event) error {
	if err := p.store.EventsTable.Insert(ev); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if ev.SessionID != nil {
		if err := p.store.SessionsTable.IncrementEventsCount(p.store.DB, *ev.SessionID); err != nil {
			logger.Err(err).Str("session_id", *ev.SessionID).Msg("failed to bump session counter")
		}
	}
	if p.eventsIngested != nil {
		p.eventsIngested.WithLabelValues(ev.EventType).Inc()
	}
	return nil
}

// StartSession is the explicit session-start operation: it normalizes device
// and location the same way ingest does, then opens a new session.
func (p *Pipeline) StartSession(raw json.RawMessage) (*state.Session, error) {
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, internal.NewValidationError("body", "expected a JSON object")
	}
	distinctID := parsed.Get("distinct_id").Str
	if distinctID == "" {
		return nil, internal.NewValidationError("distinct_id", "required")
	}
	session := &state.Session{
		DistinctID: distinctID,
		StartTime:  time.Now(),
	}
	if deviceID := parsed.Get("device_id").Str; deviceID != "" {
		device, err := p.store.DevicesTable.GetOrCreate(state.Device{
			DeviceID:     deviceID,
			AppVersion:   parsed.Get("app_version").Str,
			OSName:       parsed.Get("os_name").Str,
			OSVersion:    parsed.Get("os_version").Str,
			IsSimulator:  optBool(parsed.Get("is_simulator")),
			IsRooted:     optBool(parsed.Get("is_rooted_device")),
			IsVPNEnabled: optBool(parsed.Get("is_vpn_enabled")),
		})
		if err != nil {
			return nil, fmt.Errorf("get-or-create device: %w", err)
		}
		session.DeviceID = &device.DeviceID
	}
	location, err := p.store.LocationsTable.GetOrCreate(state.Location{
		IPAddress: parsed.Get("ip_address").Str,
		City:      optStr(parsed.Get("city")),
		Country:   optStr(parsed.Get("country")),
		Continent: optStr(parsed.Get("continent")),
	})
	if err != nil {
		return nil, fmt.Errorf("get-or-create location: %w", err)
	}
	if location != nil {
		session.LocationID = &location.ID
	}
	if lat := parsed.Get("latitude"); lat.Exists() {
		v := lat.Float()
		session.Latitude = &v
	}
	if lon := parsed.Get("longitude"); lon.Exists() {
		v := lon.Float()
		session.Longitude = &v
	}
	if acr := parsed.Get("app_check_result"); acr.IsBool() {
		v := acr.Bool()
		session.AppCheckResult = &v
	}
	if err := p.store.SessionsTable.Insert(p.store.DB, session); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return session, nil
}

// RecordUserChange turns a user lifecycle message into a system analytics
// event. User creation and updates flow through the same pipeline as any other
// event rather than through implicit save hooks.
func (p *Pipeline) RecordUserChange(u *pubsub.UserChanged) (*state.Event, error) {
	eventType := "user_updated"
	if u.Created {
		eventType = "user_created"
	}
	props := internal.Properties{
		"username": u.Username,
		"email":    u.Email,
	}
	if len(u.ChangedFields) > 0 {
		props["changed_fields"] = strings.Join(u.ChangedFields, ",")
	}
	device, err := p.store.DevicesTable.GetOrCreate(state.Device{
		DeviceID:   "system",
		AppVersion: "1.0",
		OSName:     "system",
		OSVersion:  "1.0",
	})
	if err != nil {
		return nil, fmt.Errorf("get-or-create system device: %w", err)
	}
	ev := &state.Event{
		DistinctID: u.UserID,
		EventType:  eventType,
		Properties: props,
		Timestamp:  time.Now(),
		DeviceID:   &device.DeviceID,
		UserID:     &u.UserID,
	}
	if err := p.persist(ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func parseProperties(result gjson.Result) (internal.Properties, error) {
	if !result.Exists() {
		return internal.Properties{}, nil
	}
	if !result.IsObject() {
		return nil, internal.NewValidationError("properties", "must be a JSON object")
	}
	props := internal.Properties{}
	for k, v := range result.Map() {
		switch v.Type {
		case gjson.String:
			props[k] = v.Str
		case gjson.Number:
			props[k] = v.Num
		case gjson.True, gjson.False:
			props[k] = v.Bool()
		default:
			return nil, internal.NewValidationError("properties."+k, "values must be scalar (string/number/bool)")
		}
	}
	if err := props.Validate(); err != nil {
		return nil, err
	}
	return props, nil
}

func optBool(result gjson.Result) *bool {
	if !result.IsBool() {
		return nil
	}
	v := result.Bool()
	return &v
}

func optStr(result gjson.Result) *string {
	if result.Type != gjson.String || result.Str == "" {
		return nil
	}
	return &result.Str
}
