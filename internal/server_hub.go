package internal

import (
	"slices"
	"sync"

	"github.com/rs/zerolog"
)

// Hub is the session registry: room name -> sessions currently in that room.
// The mutex guards only the index; frames are written outside of it.
type Hub struct {
	mutex   sync.RWMutex
	rooms   map[string][]*Session
	log     zerolog.Logger
	metrics *Metrics
}

// NewHub builds an empty registry. metrics may be nil.
func NewHub(logger zerolog.Logger, metrics *Metrics) *Hub {
	return &Hub{
		rooms:   make(map[string][]*Session),
		log:     logger,
		metrics: metrics,
	}
}

// Register adds the session to the room; adding it twice is a no-op.
func (hub *Hub) Register(session *Session, room string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	if slices.Contains(hub.rooms[room], session) {
		return
	}
	hub.rooms[room] = append(hub.rooms[room], session)
	hub.metrics.SetRooms(len(hub.rooms))
}

// Unregister removes the session from the room if it is there.
func (hub *Hub) Unregister(session *Session, room string) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	members := hub.rooms[room]
	idx := slices.Index(members, session)
	if idx < 0 {
		return
	}
	members = slices.Delete(members, idx, idx+1)
	if len(members) == 0 {
		delete(hub.rooms, room)
	} else {
		hub.rooms[room] = members
	}
	hub.metrics.SetRooms(len(hub.rooms))
}

// Members is a snapshot of the room in registration order.
func (hub *Hub) Members(room string) []*Session {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return slices.Clone(hub.rooms[room])
}

// Exists reports whether anyone is currently in the room.
func (hub *Hub) Exists(room string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms[room]) > 0
}

// RoomCount is the number of rooms with at least one live session.
func (hub *Hub) RoomCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms)
}

// Broadcast sends the formatted text to every session registered in room at
// call time and returns how many received it. A recipient whose write fails is
// dropped from the room and closed; the others still get the frame.
func (hub *Hub) Broadcast(room, text string) int {
	frame, err := EncodeFrame(text)
	if err != nil {
		hub.log.Error().Err(err).Str("room", room).Msg("broadcast: cannot encode frame")
		return 0
	}
	delivered := 0
	for _, session := range hub.Members(room) {
		if err := session.writeFrame(frame); err != nil {
			hub.log.Warn().Err(err).
				Str("room", room).
				Str("session", session.ID()).
				Str("user", session.Username()).
				Msg("broadcast: dropping recipient")
			hub.metrics.IncBroadcastFailure()
			hub.Unregister(session, room)
			_ = session.Close()
			continue
		}
		delivered++
	}
	return delivered
}
