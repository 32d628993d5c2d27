package tracking

import (
	"sync"

	"github.com/google/uuid"
)

// Event names emitted on the tracking stream.
const (
	EventOrderStatus    = "order:status_updated"
	EventDriverLocation = "order:driver_location_updated"
)

// subscriberBuffer bounds how far a slow SSE client may lag before updates
// are dropped for it. Location updates are superseding, so dropping is safe.
const subscriberBuffer = 16

// StreamEvent is one named payload bound for an order's subscribers.
type StreamEvent struct {
	Name string
	Data interface{}
}

// Hub fans events out to the SSE subscribers of each order within one
// process. Cross-process delivery rides the event bus; every api instance
// runs its own hub.
type Hub struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]map[chan StreamEvent]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[chan StreamEvent]struct{})}
}

// Subscribe registers a new subscriber for an order and returns its channel.
// The caller must Unsubscribe when done.
func (h *Hub) Subscribe(orderID uuid.UUID) chan StreamEvent {
	ch := make(chan StreamEvent, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[orderID] == nil {
		h.subs[orderID] = make(map[chan StreamEvent]struct{})
	}
	h.subs[orderID][ch] = struct{}{}
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(orderID uuid.UUID, ch chan StreamEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[orderID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	if len(set) == 0 {
		delete(h.subs, orderID)
	}
	close(ch)
}

// Broadcast delivers an event to every subscriber of the order. Sends never
// block; a subscriber with a full buffer misses the event.
func (h *Hub) Broadcast(orderID uuid.UUID, event StreamEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[orderID] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribers reports how many clients are watching the order.
func (h *Hub) Subscribers(orderID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[orderID])
}
