package tracker

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jellydator/ttlcache/v3"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tyler-ng/event-tracking/internal"
	"github.com/tyler-ng/event-tracking/state"
)

const maxBodyBytes = 4 * 1024 * 1024

type sessionResponse struct {
	ID          string     `json:"id"`
	DistinctID  string     `json:"distinct_id"`
	DeviceID    *string    `json:"device_id,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	DurationMS  *int64     `json:"duration_ms,omitempty"`
	EventsCount int        `json:"events_count"`
}

func newSessionResponse(s *state.Session) sessionResponse {
	return sessionResponse{
		ID:          s.ID,
		DistinctID:  s.DistinctID,
		DeviceID:    s.DeviceID,
		StartTime:   s.StartTime,
		EndTime:     s.EndTime,
		DurationMS:  s.DurationMS,
		EventsCount: s.EventsCount,
	}
}

type eventResponse struct {
	ID         string              `json:"id"`
	DistinctID string              `json:"distinct_id"`
	EventType  string              `json:"event_type"`
	Properties internal.Properties `json:"properties"`
	Timestamp  time.Time           `json:"timestamp"`
	SessionID  *string             `json:"session_id,omitempty"`
	DeviceID   *string             `json:"device_id,omitempty"`
	Processed  bool                `json:"processed"`
}

func newEventResponse(ev *state.Event) eventResponse {
	return eventResponse{
		ID:         ev.ID,
		DistinctID: ev.DistinctID,
		EventType:  ev.EventType,
		Properties: ev.Properties,
		Timestamp:  ev.Timestamp,
		SessionID:  ev.SessionID,
		DeviceID:   ev.DeviceID,
		Processed:  ev.Processed,
	}
}

func (s *Server) handleCapture(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(w, req)
	if err != nil {
		respondError(w, req, err)
		return
	}
	body = defaultClientIP(body, req)
	ev, err := s.Pipeline.Ingest(body)
	if err != nil {
		respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":   "success",
		"event_id": ev.ID,
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(w, req)
	if err != nil {
		respondError(w, req, err)
		return
	}
	items := gjson.GetBytes(body, "batch").Array()
	raws := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		raws = append(raws, defaultClientIP(json.RawMessage(item.Raw), req))
	}
	events, err := s.Pipeline.IngestBatch(raws)
	if err != nil {
		respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"status":      "success",
		"event_count": len(events),
	})
}

func (s *Server) handleSessionStart(w http.ResponseWriter, req *http.Request) {
	body, err := readBody(w, req)
	if err != nil {
		respondError(w, req, err)
		return
	}
	session, err := s.Pipeline.StartSession(defaultClientIP(body, req))
	if err != nil {
		respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusCreated, newSessionResponse(session))
}

func (s *Server) handleSessionEnd(w http.ResponseWriter, req *http.Request) {
	sessionID := mux.Vars(req)["sessionID"]
	session, err := s.Store.SessionsTable.MarkEnded(sessionID, time.Now())
	if err == sql.ErrNoRows {
		respondError(w, req, internal.ErrSessionNotFound)
		return
	}
	if err != nil {
		respondError(w, req, err)
		return
	}
	respondJSON(w, http.StatusOK, newSessionResponse(session))
}

func (s *Server) handleFlags(w http.ResponseWriter, req *http.Request) {
	var flags []state.FeatureFlag
	if item := s.flagCache.Get("active"); item != nil {
		flags = item.Value()
	} else {
		var err error
		flags, err = s.Store.FeatureFlagsTable.SelectActive()
		if err != nil {
			respondError(w, req, err)
			return
		}
		s.flagCache.Set("active", flags, ttlcache.DefaultTTL)
	}
	distinctID := req.URL.Query().Get("distinct_id")
	result := make(map[string]interface{}, len(flags))
	for _, flag := range flags {
		entry := map[string]interface{}{
			"active":             flag.Active,
			"name":               flag.Name,
			"rollout_percentage": flag.RolloutPercentage,
		}
		if distinctID != "" {
			entry["enabled"] = flag.EnabledForUser(distinctID)
		}
		result[flag.Key] = entry
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleQueryEvents(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	eventType := q.Get("event_type")
	if eventType == "" {
		respondError(w, req, internal.NewValidationError("event_type", "required"))
		return
	}
	start, end, err := parseDateRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		respondError(w, req, err)
		return
	}
	limit := parseLimit(q.Get("limit"))
	events, err := s.Store.EventsTable.SelectByTypeBetween(eventType, start, end, limit)
	if err != nil {
		respondError(w, req, err)
		return
	}
	out := make([]eventResponse, 0, len(events))
	for i := range events {
		out = append(out, newEventResponse(&events[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleQuerySessions(w http.ResponseWriter, req *http.Request) {
	distinctID := req.URL.Query().Get("distinct_id")
	if distinctID == "" {
		respondError(w, req, internal.NewValidationError("distinct_id", "required"))
		return
	}
	limit := parseLimit(req.URL.Query().Get("limit"))
	sessions, err := s.Store.SessionsTable.SelectByDistinctID(distinctID, limit)
	if err != nil {
		respondError(w, req, err)
		return
	}
	out := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, newSessionResponse(&sessions[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleQueryAggregates(w http.ResponseWriter, req *http.Request) {
	q := req.URL.Query()
	start, end, err := parseDateRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		respondError(w, req, err)
		return
	}
	aggs, err := s.Store.AggregatesTable.SelectByDateRange(start, end)
	if err != nil {
		respondError(w, req, err)
		return
	}
	type aggResponse struct {
		EventType   string `json:"event_type"`
		Date        string `json:"date"`
		Hour        *int   `json:"hour"`
		Count       int64  `json:"count"`
		UniqueUsers int64  `json:"unique_users"`
	}
	out := make([]aggResponse, 0, len(aggs))
	for _, a := range aggs {
		out = append(out, aggResponse{
			EventType:   a.EventType,
			Date:        a.Date.Format("2006-01-02"),
			Hour:        a.Hour,
			Count:       a.Count,
			UniqueUsers: a.UniqueUsers,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func readBody(w http.ResponseWriter, req *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxBodyBytes))
	if err != nil {
		return nil, internal.NewValidationError("body", "unreadable or too large")
	}
	return body, nil
}

// defaultClientIP fills in ip_address from the request when the payload didn't
// carry one, preferring the first hop of X-Forwarded-For.
func defaultClientIP(raw json.RawMessage, req *http.Request) json.RawMessage {
	if gjson.GetBytes(raw, "ip_address").Str != "" {
		return raw
	}
	ip := ""
	if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
		ip = strings.TrimSpace(strings.Split(xff, ",")[0])
	} else if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		ip = host
	}
	if ip == "" {
		return raw
	}
	out, err := sjson.SetBytes(raw, "ip_address", ip)
	if err != nil {
		return raw
	}
	return out
}

func parseDateRange(startStr, endStr string) (time.Time, time.Time, error) {
	now := time.Now()
	start := now.AddDate(0, 0, -7)
	end := now
	var err error
	if startStr != "" {
		start, err = parseDate(startStr)
		if err != nil {
			return start, end, internal.NewValidationError("start_date", "must be YYYY-MM-DD or RFC3339")
		}
	}
	if endStr != "" {
		end, err = parseDate(endStr)
		if err != nil {
			return start, end, internal.NewValidationError("end_date", "must be YYYY-MM-DD or RFC3339")
		}
		// a bare date means "the whole day"
		if len(endStr) == len("2006-01-02") {
			end = end.AddDate(0, 0, 1)
		}
	}
	return start, end, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

func parseLimit(s string) int {
	limit, err := strconv.Atoi(s)
	if err != nil || limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, req *http.Request, err error) {
	herr := &internal.HandlerError{
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
	switch {
	case internal.IsValidation(err):
		herr.StatusCode = http.StatusBadRequest
	case errors.Is(err, internal.ErrSessionNotFound), errors.Is(err, internal.ErrEventNotFound):
		herr.StatusCode = http.StatusNotFound
	}
	if herr.StatusCode == http.StatusInternalServerError {
		logger.Err(err).Str("path", req.URL.Path).Msg("request failed")
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		herr.Err = fmt.Errorf("internal server error")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(herr.StatusCode)
	w.Write(herr.JSON())
}
