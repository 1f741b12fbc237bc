package dispatch

import (
	"sync"

	"waypoint/internal/types"
)

// Subscription receives the notifications addressed to one participant
// connection. C is closed when the subscription ends.
type Subscription struct {
	ParticipantID types.ID
	C             <-chan Notification

	ch chan Notification
}

// Hub routes notifications to connected participants and tracks task rooms.
// Delivery is at-most-once: a full subscriber buffer drops the message.
type Hub struct {
	buffer int

	mu    sync.RWMutex
	subs  map[types.ID]map[*Subscription]struct{}
	rooms map[types.ID]map[types.ID]struct{}
}

func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		buffer: buffer,
		subs:   make(map[types.ID]map[*Subscription]struct{}),
		rooms:  make(map[types.ID]map[types.ID]struct{}),
	}
}

func (h *Hub) Subscribe(id types.ID) *Subscription {
	ch := make(chan Notification, h.buffer)
	sub := &Subscription{ParticipantID: id, C: ch, ch: ch}
	h.mu.Lock()
	if h.subs[id] == nil {
		h.subs[id] = make(map[*Subscription]struct{})
	}
	h.subs[id][sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Unsubscribe ends sub and reports how many connections the participant
// still has.
func (h *Hub) Unsubscribe(sub *Subscription) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.subs[sub.ParticipantID]
	if _, ok := set[sub]; ok {
		delete(set, sub)
		close(sub.ch)
	}
	if len(set) == 0 {
		delete(h.subs, sub.ParticipantID)
	}
	return len(set)
}

func (h *Hub) Connected(id types.ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[id]) > 0
}

// Send delivers n to every connection of id without blocking. It reports
// how many connections dropped the message.
func (h *Hub) Send(id types.ID, n Notification) (delivered, dropped int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[id] {
		select {
		case sub.ch <- n:
			delivered++
		default:
			dropped++
		}
	}
	return delivered, dropped
}

func (h *Hub) Join(taskID, id types.ID) {
	h.mu.Lock()
	if h.rooms[taskID] == nil {
		h.rooms[taskID] = make(map[types.ID]struct{})
	}
	h.rooms[taskID][id] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) Leave(taskID, id types.ID) {
	h.mu.Lock()
	delete(h.rooms[taskID], id)
	if len(h.rooms[taskID]) == 0 {
		delete(h.rooms, taskID)
	}
	h.mu.Unlock()
}

func (h *Hub) Members(taskID types.ID) []types.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ID, 0, len(h.rooms[taskID]))
	for id := range h.rooms[taskID] {
		out = append(out, id)
	}
	return out
}
