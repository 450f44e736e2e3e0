package notification

import (
	"time"

	"github.com/ca-x/hostsync/internal/model"
)

type EventType string

const (
	// EventStatus is emitted on every state transition.
	EventStatus EventType = "status"
	// EventProgress is emitted after each acknowledged chunk.
	EventProgress EventType = "progress"
)

// Event carries a snapshot of a job at the moment it changed.
type Event struct {
	Type EventType     `json:"type"`
	Job  model.SyncJob `json:"job"`
	Time time.Time     `json:"time"`
}

// Notifier receives job events. Implementations must not block the caller.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(e Event) {
	f(e)
}

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(Event) {})

// Multi fans an event out to several notifiers in order.
type Multi []Notifier

func (m Multi) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}
