package dashboard

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/mschirtzinger/p4sync/internal/daemon"
)

// MessageType defines the type of dashboard message
type MessageType string

const (
	// MessageTypeEvent carries one daemon event
	MessageTypeEvent MessageType = "event"

	// MessageTypeStats carries the running totals
	MessageTypeStats MessageType = "stats"
)

// Message is the envelope of everything written to a client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StatsData contains the running totals of one process.
type StatsData struct {
	Claimed    int            `json:"claimed"`
	Skipped    int            `json:"skipped"`
	Populated  int            `json:"populated"`
	Failed     int            `json:"failed"`
	IdlePolls  int            `json:"idle_polls"`
	Files      int            `json:"files"`
	Cursor     int            `json:"cursor"`
	LastChange int            `json:"last_change,omitempty"`
	SkipReason map[string]int `json:"skip_reasons"`
	Since      time.Time      `json:"since"`
}

// DefaultHistory is how many events a feed remembers for new clients.
const DefaultHistory = 50

// outboxSize is how many encoded messages a subscriber may fall behind
// before it is dropped.
const outboxSize = 64

// subscriber is one connected client. out is closed when the feed drops it.
type subscriber struct {
	out chan []byte
}

// Feed tallies daemon events, remembers the most recent ones and fans them
// out to subscribers. It implements daemon.Observer and is safe for
// concurrent use.
//
// A new subscriber first receives the current totals and then the remembered
// events, so a dashboard opened mid-run shows what the worker just did.
type Feed struct {
	logger *log.Logger
	limit  int

	mu     sync.Mutex
	stats  StatsData
	recent []daemon.Event
	subs   map[*subscriber]struct{}
}

var _ daemon.Observer = (*Feed)(nil)

// NewFeed creates a feed remembering up to history events.
func NewFeed(history int, logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	if history < 0 {
		history = 0
	}
	return &Feed{
		logger: logger,
		limit:  history,
		stats: StatsData{
			SkipReason: make(map[string]int),
			Since:      time.Now(),
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Observe implements daemon.Observer.
func (f *Feed) Observe(e daemon.Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.tally(e)
	if f.limit > 0 {
		if len(f.recent) == f.limit {
			f.recent = append(f.recent[:0], f.recent[1:]...)
		}
		f.recent = append(f.recent, e)
	}

	f.publish(f.encode(MessageTypeEvent, e.Time, e))
	// Idle polls are frequent and change nothing but a counter.
	if e.Type != daemon.EventCycleIdle {
		f.publish(f.encode(MessageTypeStats, time.Now(), f.snapshot()))
	}
}

func (f *Feed) tally(e daemon.Event) {
	switch e.Type {
	case daemon.EventChangeClaimed:
		f.stats.Claimed++
		f.stats.LastChange = e.Change
		f.stats.Cursor = max(f.stats.Cursor, e.Cursor)
	case daemon.EventChangeSkipped:
		f.stats.Skipped++
		f.stats.SkipReason[e.Reason]++
	case daemon.EventChangePopulated:
		f.stats.Populated++
		f.stats.Files += e.Files
	case daemon.EventChangeFailed:
		f.stats.Failed++
	case daemon.EventCycleIdle:
		f.stats.IdlePolls++
		f.stats.Cursor = max(f.stats.Cursor, e.Cursor)
	}
}

// Stats returns a copy of the current totals.
func (f *Feed) Stats() StatsData {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshot()
}

// Recent returns the remembered events, oldest first.
func (f *Feed) Recent() []daemon.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]daemon.Event(nil), f.recent...)
}

// Subscribers returns the number of connected clients.
func (f *Feed) Subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// snapshot copies the totals. f.mu must be held.
func (f *Feed) snapshot() StatsData {
	s := f.stats
	s.SkipReason = make(map[string]int, len(f.stats.SkipReason))
	for k, v := range f.stats.SkipReason {
		s.SkipReason[k] = v
	}
	return s
}

// subscribe registers a client with its catch-up messages already queued.
// Holding f.mu while queueing keeps live events behind the catch-up.
func (f *Feed) subscribe() *subscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	sub := &subscriber{out: make(chan []byte, outboxSize+len(f.recent)+1)}
	if msg := f.encode(MessageTypeStats, time.Now(), f.snapshot()); msg != nil {
		sub.out <- msg
	}
	for _, e := range f.recent {
		if msg := f.encode(MessageTypeEvent, e.Time, e); msg != nil {
			sub.out <- msg
		}
	}
	f.subs[sub] = struct{}{}
	return sub
}

func (f *Feed) unsubscribe(sub *subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop(sub)
}

// drop removes sub and closes its outbox. f.mu must be held.
func (f *Feed) drop(sub *subscriber) {
	if _, ok := f.subs[sub]; !ok {
		return
	}
	delete(f.subs, sub)
	close(sub.out)
}

// publish queues msg for every subscriber without blocking. A subscriber
// whose outbox is full is dropped. f.mu must be held.
func (f *Feed) publish(msg []byte) {
	if msg == nil {
		return
	}
	for sub := range f.subs {
		select {
		case sub.out <- msg:
		default:
			f.drop(sub)
			f.logger.Printf("Dropped a client %d messages behind", outboxSize)
		}
	}
}

func (f *Feed) encode(t MessageType, at time.Time, v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		f.logger.Printf("Failed to marshal %s: %v", t, err)
		return nil
	}
	msg, err := json.Marshal(Message{Type: t, Timestamp: at, Data: data})
	if err != nil {
		f.logger.Printf("Failed to marshal %s: %v", t, err)
		return nil
	}
	return msg
}
