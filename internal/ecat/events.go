package ecat

import "time"

// EventKind names a supervision transition.
type EventKind string

// Supervision event kinds.
const (
	EventAck          EventKind = "ack"
	EventOPRequest    EventKind = "op-request"
	EventReconfigured EventKind = "reconfigured"
	EventLost         EventKind = "lost"
	EventRecovered    EventKind = "recovered"
	EventFound        EventKind = "found"
	EventResumed      EventKind = "resumed"
	EventTimeout      EventKind = "timeout"
)

// Event records one supervision transition. Device is 0 for segment-wide events.
type Event struct {
	Time   time.Time `json:"time"`
	Kind   EventKind `json:"kind"`
	Device int       `json:"device"`
	State  State     `json:"state"`
	Detail string    `json:"detail,omitempty"`
}

// EventSink receives supervision events. Publish is called outside the
// image lock, but on the supervisor goroutine, so it should return quickly.
type EventSink interface {
	Publish(ev Event)
}

// EventSinks fans events out to several sinks in order.
type EventSinks []EventSink

// Publish sends ev to every sink.
func (s EventSinks) Publish(ev Event) {
	for _, sink := range s {
		if sink != nil {
			sink.Publish(ev)
		}
	}
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(ev).
func (f EventSinkFunc) Publish(ev Event) { f(ev) }

type noopSink struct{}

func (noopSink) Publish(Event) {}
