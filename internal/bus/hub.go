package bus

import (
	"sync"

	"github.com/google/uuid"

	"github.com/forgebuild/coordinator/internal/logger"
)

// Category names the kind of row change an event announces.
type Category string

const (
	CategoryAddBuildset        Category = "add-buildset"
	CategoryModifyBuildset     Category = "modify-buildset"
	CategoryCompleteBuildset   Category = "complete-buildset"
	CategoryAddBuildRequest    Category = "add-buildrequest"
	CategoryModifyBuildRequest Category = "modify-buildrequest"
)

// Event is one process-local "a row changed" notification.
type Event struct {
	Category Category
	ID       uuid.UUID
}

// Subscription is one subscriber's feed. Events arrive on C; Cancel detaches
// the subscription from the hub.
type Subscription struct {
	C      chan Event
	id     uuid.UUID
	hub    *Hub
	cancel sync.Once
}

func (s *Subscription) Cancel() {
	s.cancel.Do(func() {
		s.hub.remove(s)
	})
}

// Hub fans row-change events out to in-process subscribers, keyed by
// category. Delivery is best-effort: a subscriber that stops draining its
// channel loses events rather than blocking the publisher. The hub is never
// used across processes; masters observe each other only through the store.
type Hub struct {
	mu     sync.RWMutex
	log    *logger.Logger
	byCat  map[Category]map[uuid.UUID]*Subscription
	bufLen int
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:    log.With("component", "NotificationHub"),
		byCat:  make(map[Category]map[uuid.UUID]*Subscription),
		bufLen: 64,
	}
}

// Subscribe registers interest in the given categories and returns the feed.
func (h *Hub) Subscribe(categories ...Category) *Subscription {
	sub := &Subscription{
		C:   make(chan Event, h.bufLen),
		id:  uuid.New(),
		hub: h,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, category := range categories {
		if h.byCat[category] == nil {
			h.byCat[category] = make(map[uuid.UUID]*Subscription)
		}
		h.byCat[category][sub.id] = sub
	}
	return sub
}

// Publish delivers the event to every current subscriber of its category.
func (h *Hub) Publish(event Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.byCat[event.Category] {
		select {
		case sub.C <- event:
		default:
			h.log.Warn("Dropping notification for slow subscriber", "category", string(event.Category), "id", event.ID)
		}
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.byCat {
		delete(subs, sub.id)
	}
	close(sub.C)
}
