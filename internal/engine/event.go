package engine

// Event is a push notification from an engine about one transfer. The
// reconciler treats it as a hint and re-reads the status before acting.
type Event struct {
	ExternalID string
	Type       EventType
}

type EventType string

const (
	EventStart    EventType = "Start"
	EventComplete EventType = "Complete"
	EventFailed   EventType = "Failed"
	EventStopped  EventType = "Stopped"
)

// Reporter publishes engine events.
type Reporter interface {
	Report(Event)
}

// ChanReporter writes events to a channel.
type ChanReporter struct {
	ch chan<- Event
}

func NewChanReporter(ch chan<- Event) *ChanReporter { return &ChanReporter{ch: ch} }

func (r *ChanReporter) Report(e Event) {
	if r == nil {
		return
	}
	r.ch <- e
}
