package bus

import (
	"github.com/google/uuid"
)

// Recorder accumulates the notifications produced inside one unit of work.
// Nothing reaches the hub until Flush runs, which the owning service calls
// only after its transaction commits: an observer never hears about a row it
// cannot yet read. Duplicate (category, id) pairs are coalesced in queue
// order.
//
// A Recorder belongs to a single unit of work and is not safe for concurrent
// use.
type Recorder struct {
	pending []Event
	seen    map[Event]struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{seen: make(map[Event]struct{})}
}

// Queue records one event for post-commit delivery.
func (r *Recorder) Queue(category Category, id uuid.UUID) {
	event := Event{Category: category, ID: id}
	if _, dup := r.seen[event]; dup {
		return
	}
	r.seen[event] = struct{}{}
	r.pending = append(r.pending, event)
}

// Pending returns the queued events in order, for inspection.
func (r *Recorder) Pending() []Event {
	out := make([]Event, len(r.pending))
	copy(out, r.pending)
	return out
}

// Reset discards everything queued. Call it at the start of a transaction
// body that may be retried, so events from a rolled-back attempt are not
// delivered.
func (r *Recorder) Reset() {
	r.pending = nil
	r.seen = make(map[Event]struct{})
}

// Flush publishes everything queued and resets the recorder. Call only once
// the owning transaction has committed; on rollback, drop the recorder
// instead.
func (r *Recorder) Flush(hub *Hub) {
	if hub != nil {
		for _, event := range r.pending {
			hub.Publish(event)
		}
	}
	r.Reset()
}
