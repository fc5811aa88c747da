package pubsub

// The channel which has ingestion payloads
const ChanIngest = "ingestch"

// EventsQueued is published by the ingest pipeline once events have been
// persisted, and consumed by the async processor.
type EventsQueued struct {
	EventIDs []string
}

func (e EventsQueued) Type() string { return "q" }

// UserChanged is published by the user lifecycle component when a user is
// created or materially updated. The ingest pipeline consumes it and records
// a system analytics event, replacing implicit save hooks with explicit
// domain event publication.
type UserChanged struct {
	UserID        string
	Username      string
	Email         string
	Created       bool
	ChangedFields []string
}

func (u UserChanged) Type() string { return "u" }

type IngestListener interface {
	OnEventsQueued(p *EventsQueued)
	OnUserChanged(p *UserChanged)
}

type IngestSub struct {
	listener Listener
	receiver IngestListener
}

func NewIngestSub(l Listener, recv IngestListener) *IngestSub {
	return &IngestSub{
		listener: l,
		receiver: recv,
	}
}

func (s *IngestSub) Teardown() {
	s.listener.Close()
}

func (s *IngestSub) onMessage(p Payload) {
	switch p.Type() {
	case EventsQueued{}.Type():
		s.receiver.OnEventsQueued(p.(*EventsQueued))
	case UserChanged{}.Type():
		s.receiver.OnUserChanged(p.(*UserChanged))
	}
}

func (s *IngestSub) Listen() error {
	return s.listener.Listen(ChanIngest, s.onMessage)
}
