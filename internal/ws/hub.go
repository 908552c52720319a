package ws

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"group-chat/internal/models"
	"group-chat/internal/observability"
)

// Subscriber is a live connection as the hub sees it. Send must not block.
type Subscriber interface {
	ID() string
	Send(frame []byte) bool
}

type room struct {
	mu      sync.Mutex
	members map[string]Subscriber
	closed  bool
}

// Hub maps group ids to the connections currently joined to them. The map
// lock only guards room lookup; membership and broadcast snapshots are
// serialized per room so unrelated rooms never contend.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[int]*room
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{rooms: make(map[int]*room), logger: logger}
}

// Join adds s to the room of groupID, creating the room on first use.
func (h *Hub) Join(groupID int, s Subscriber) {
	for {
		r := h.roomFor(groupID, true)
		r.mu.Lock()
		if r.closed {
			// lost a race with the last member leaving, drop the stale room and retry
			r.mu.Unlock()
			h.dropRoom(groupID, r)
			continue
		}
		r.members[s.ID()] = s
		r.mu.Unlock()
		return
	}
}

// Leave removes s from the room of groupID and reports whether it was a
// member. An emptied room is removed from the hub.
func (h *Hub) Leave(groupID int, s Subscriber) bool {
	r := h.roomFor(groupID, false)
	if r == nil {
		return false
	}

	r.mu.Lock()
	_, present := r.members[s.ID()]
	delete(r.members, s.ID())
	empty := len(r.members) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()

	if empty {
		h.dropRoom(groupID, r)
	}
	return present
}

// LeaveAll removes s from every listed room and returns the rooms it was
// actually a member of.
func (h *Hub) LeaveAll(s Subscriber, groupIDs []int) []int {
	left := make([]int, 0, len(groupIDs))
	for _, groupID := range groupIDs {
		if h.Leave(groupID, s) {
			left = append(left, groupID)
		}
	}
	return left
}

// Broadcast delivers event to every connection in the room at the moment of
// the call and returns how many accepted it.
func (h *Hub) Broadcast(groupID int, event string, payload any) int {
	return h.BroadcastExcept(groupID, event, payload, nil)
}

// BroadcastExcept is Broadcast skipping one connection.
func (h *Hub) BroadcastExcept(groupID int, event string, payload any, except Subscriber) int {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		h.logger.Error("encode broadcast", zap.String("event", event), zap.Error(err))
		return 0
	}

	targets := h.snapshot(groupID)
	delivered := 0
	for _, s := range targets {
		if except != nil && s.ID() == except.ID() {
			continue
		}
		if s.Send(frame) {
			delivered++
			continue
		}
		h.logger.Warn("dropping slow or closed subscriber",
			zap.Int("group_id", groupID), zap.String("conn_id", s.ID()), zap.String("event", event))
	}
	return delivered
}

// Members returns the number of live connections in a room.
func (h *Hub) Members(groupID int) int {
	return len(h.snapshot(groupID))
}

// IsMember reports whether s is currently joined to groupID.
func (h *Hub) IsMember(groupID int, s Subscriber) bool {
	r := h.roomFor(groupID, false)
	if r == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[s.ID()]
	return ok
}

// Rooms returns the number of non-empty rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) snapshot(groupID int) []Subscriber {
	r := h.roomFor(groupID, false)
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Subscriber, 0, len(r.members))
	for _, s := range r.members {
		out = append(out, s)
	}
	return out
}

func (h *Hub) roomFor(groupID int, create bool) *room {
	h.mu.RLock()
	r, ok := h.rooms[groupID]
	h.mu.RUnlock()
	if ok || !create {
		return r
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok = h.rooms[groupID]; ok {
		return r
	}
	r = &room{members: make(map[string]Subscriber)}
	h.rooms[groupID] = r
	observability.SetWSRooms(len(h.rooms))
	return r
}

func (h *Hub) dropRoom(groupID int, r *room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[groupID] == r {
		delete(h.rooms, groupID)
		observability.SetWSRooms(len(h.rooms))
	}
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(models.Frame{Event: event, Data: data})
}
