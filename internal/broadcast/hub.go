package broadcast

import (
	"strings"
	"sync"

	"github.com/skillscreen/proctoring-service/internal/models"
	"github.com/skillscreen/proctoring-service/internal/utils"
)

const subscriberBuffer = 16

// Subscription is one observer's view of a room. Events arrive on Events()
// until Leave is called; a slow consumer loses messages rather than
// blocking the sender.
type Subscription struct {
	room string
	ch   chan Event
}

func (s *Subscription) Events() <-chan Event {
	return s.ch
}

func (s *Subscription) Room() string {
	return s.room
}

// Hub is the in-process fan-out. Monitor rooms are gated on role; an
// unauthorized join returns a subscription that never receives anything,
// so callers cannot distinguish a denied join from a quiet room.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	logger utils.Logger
}

func NewHub(logger utils.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		logger: logger,
	}
}

// Join registers identity in room. Monitor rooms require a monitoring
// role; failed gates are ignored silently.
func (h *Hub) Join(identity models.Identity, room string) *Subscription {
	sub := &Subscription{room: room, ch: make(chan Event, subscriberBuffer)}
	if strings.HasPrefix(room, "monitor:") && !identity.CanMonitor() {
		h.logger.Warn("monitor join ignored", "user_id", identity.UserID, "role", identity.Role, "room", room)
		return sub
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[room]
	if !ok {
		subs = make(map[*Subscription]struct{})
		h.rooms[room] = subs
	}
	subs[sub] = struct{}{}
	return sub
}

// Leave removes the subscription and closes its channel. Safe to call for
// subscriptions that were never registered.
func (h *Hub) Leave(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[sub.room]; ok {
		if _, registered := subs[sub]; registered {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.rooms, sub.room)
			}
		}
	}
	close(sub.ch)
}

// Publish delivers ev to every subscriber of room without blocking. Full
// buffers drop the event for that subscriber.
func (h *Hub) Publish(room string, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[room] {
		select {
		case sub.ch <- ev:
		default:
			h.logger.Warn("subscriber buffer full, event dropped", "room", room, "event_type", string(ev.Type))
		}
	}
}

// Subscribers reports the current subscriber count for a room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}
