package daemon

import (
	"sync"
	"time"
)

// EventType names what happened to a change.
type EventType string

const (
	EventChangeClaimed   EventType = "change_claimed"
	EventChangeSkipped   EventType = "change_skipped"
	EventChangePopulated EventType = "change_populated"
	EventChangeFailed    EventType = "change_failed"
	EventCycleIdle       EventType = "cycle_idle"
)

// Event is emitted by a Driver for every decision it makes.
type Event struct {
	Type   EventType `json:"type"`
	Worker string    `json:"worker"`
	Change int       `json:"change,omitempty"`
	Files  int       `json:"files,omitempty"`
	Cursor int       `json:"cursor,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Time   time.Time `json:"time"`
}

// Observer receives events. Observe must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Recorder is an Observer that keeps every event. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Observe implements Observer.
func (r *Recorder) Observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Of returns the recorded events of one type.
func (r *Recorder) Of(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
