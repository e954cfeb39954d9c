package httpapi

import (
	"context"
	"sync"
	"time"

	"github.com/mcpgate/mcpgate/internal/eventbus"
)

// logEntry is one captured backend log line as served over the stream.
type logEntry struct {
	Seq        uint64    `json:"seq"`
	InstanceID string    `json:"instanceId"`
	Template   string    `json:"template"`
	Line       string    `json:"line"`
	Time       time.Time `json:"time"`
}

// logRing buffers the most recent log lines for stream backfill and fans
// live entries out to connected stream clients.
type logRing struct {
	mu      sync.Mutex
	entries []logEntry
	cap     int
	seq     uint64

	subs   map[int]chan logEntry
	nextID int
}

func newLogRing(capacity int) *logRing {
	return &logRing{
		cap:  capacity,
		subs: make(map[int]chan logEntry),
	}
}

// handler returns the bus handler that feeds the ring.
func (r *logRing) handler() eventbus.Handler {
	return eventbus.HandlerFunc{
		Name:  "httpapi-logring",
		Types: []eventbus.EventType{eventbus.EventLogLine},
		Fn: func(_ context.Context, event *eventbus.Event) error {
			line, _ := event.Payload["line"].(string)
			r.append(logEntry{
				InstanceID: event.InstanceID,
				Template:   event.Template,
				Line:       line,
				Time:       event.Time,
			})
			return nil
		},
	}
}

func (r *logRing) append(e logEntry) {
	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	subs := make([]chan logEntry, 0, len(r.subs))
	for _, ch := range r.subs {
		subs = append(subs, ch)
	}
	r.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			// A stalled stream client loses lines rather than blocking
			// the bus handler.
		}
	}
}

// snapshot returns the buffered entries oldest-first.
func (r *logRing) snapshot() []logEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]logEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// subscribe registers a live tail channel; the returned function removes it.
func (r *logRing) subscribe() (<-chan logEntry, func()) {
	ch := make(chan logEntry, 32)
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = ch
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}
