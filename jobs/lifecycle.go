package jobs

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/tyler-ng/event-tracking/internal"
	"github.com/tyler-ng/event-tracking/state"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultIdleThreshold is how long a session may stay open with no explicit
// end before the sweep closes it.
const DefaultIdleThreshold = 30 * time.Minute

// Lifecycle closes idle sessions on a fixed interval rather than per-event.
type Lifecycle struct {
	store *state.Storage
}

func NewLifecycle(store *state.Storage) *Lifecycle {
	return &Lifecycle{store: store}
}

// CloseInactiveSessions ends every open session whose start_time is older than
// now - idleThreshold. The end time is the latest event seen for the same
// (distinct_id, device) after the session started, falling back to one minute
// past the start when no such event exists. Durations are recomputed from the
// final window. Returns how many sessions were closed.
func (l *Lifecycle) CloseInactiveSessions(idleThreshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-idleThreshold)
	sessions, err := l.store.SessionsTable.SelectOpenStartedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, session := range sessions {
		endTime := session.StartTime.Add(time.Minute)
		if session.DeviceID != nil {
			lastEventTS, err := l.store.EventsTable.SelectLatestTimestamp(session.DistinctID, *session.DeviceID, session.StartTime)
			if err != nil {
				logger.Err(err).Str("session_id", session.ID).Msg("idle sweep: failed to find last event")
				continue
			}
			if lastEventTS != nil {
				endTime = *lastEventTS
			}
		}
		// the latest-event query only considers ts > start_time, so the
		// window can never be negative
		internal.Assert("session end not before its start", !endTime.Before(session.StartTime))
		if _, err := l.store.SessionsTable.MarkEnded(session.ID, endTime); err != nil {
			logger.Err(err).Str("session_id", session.ID).Msg("idle sweep: failed to close session")
			continue
		}
		closed++
	}
	if closed > 0 {
		logger.Info().Int("closed", closed).Msg("closed inactive sessions")
	}
	return closed, nil
}
