package collaboration

import (
	"sync"
	"time"

	"collab-canvas/internal/keyed"
	"collab-canvas/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

/*
SessionManager keeps two views of the live connections:

 1. every connected session, joined or not, for shutdown and stats
 2. per room, the sessions currently joined to it, for fan-out

Room member sets live in a keyed.Map, so fan-out for one room holds only
that room's lock. The relay mutates room state and enqueues the resulting
messages inside the same locked section; a joiner therefore sees each
operation either in its room-state snapshot or as a live message, never
both and never neither.
*/

// Connection is one live client channel as the relay sees it.
type Connection interface {
	// ID is unique per connection and doubles as the user id.
	ID() string
	// Send enqueues msg without blocking and reports whether it was accepted.
	Send(msg []byte) bool
	Close() error
}

// Session is the relay-side state of one connection. Its fields are only
// touched by the connection's own read loop.
type Session struct {
	models.Session
	conn Connection
}

// Send enqueues an encoded message for this session only.
func (s *Session) Send(msg []byte) bool {
	return s.conn.Send(msg)
}

type roomMembers struct {
	sessions map[string]*Session // connID -> session
}

func newRoomMembers(string) *roomMembers {
	return &roomMembers{sessions: make(map[string]*Session)}
}

// broadcast enqueues msg for every member except the one with connID
// except. It returns how many sends were accepted and how many dropped.
func (m *roomMembers) broadcast(msg []byte, except string) (sent, dropped int) {
	for id, s := range m.sessions {
		if id == except {
			continue
		}
		if s.conn.Send(msg) {
			sent++
			continue
		}
		dropped++
		log.Warn().Str("connId", id).Msg("send buffer full, message dropped")
	}
	return sent, dropped
}

// SessionManager tracks connected sessions and room membership.
type SessionManager struct {
	rooms *keyed.Map[roomMembers]

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		rooms:    keyed.New(newRoomMembers),
		sessions: make(map[string]*Session),
	}
}

// NewConnID returns a fresh connection id.
func NewConnID() string {
	return uuid.NewString()
}

// Register starts tracking conn and returns its unjoined session.
func (sm *SessionManager) Register(conn Connection) *Session {
	now := time.Now()
	s := &Session{
		Session: models.Session{
			ConnID:       conn.ID(),
			ConnectedAt:  now,
			LastActiveAt: now,
		},
		conn: conn,
	}

	sm.mu.Lock()
	sm.sessions[s.ConnID] = s
	total := len(sm.sessions)
	sm.mu.Unlock()

	log.Debug().Str("connId", s.ConnID).Int("connections", total).Msg("session registered")
	return s
}

// Unregister stops tracking s and reports whether it was tracked.
func (sm *SessionManager) Unregister(s *Session) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if _, ok := sm.sessions[s.ConnID]; !ok {
		return false
	}
	delete(sm.sessions, s.ConnID)
	return true
}

// withRoom runs fn with the room's member set locked, creating it if needed.
func (sm *SessionManager) withRoom(roomID string, fn func(m *roomMembers)) {
	sm.rooms.Update(roomID, fn)
}

// inRoom runs fn with an existing room's member set locked. It reports
// false when the room has no members entry.
func (sm *SessionManager) inRoom(roomID string, fn func(m *roomMembers)) bool {
	return sm.rooms.View(roomID, fn)
}

// dropIfEmpty forgets the room's member set once nobody is in it.
func (sm *SessionManager) dropIfEmpty(roomID string) {
	sm.rooms.RemoveIf(roomID, func(m *roomMembers) bool {
		return len(m.sessions) == 0
	})
}

// RoomSize returns the number of sessions joined to roomID.
func (sm *SessionManager) RoomSize(roomID string) int {
	n := 0
	sm.rooms.View(roomID, func(m *roomMembers) { n = len(m.sessions) })
	return n
}

// Count returns the number of connected sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// Shutdown closes every connection. Each connection's read loop then
// performs its normal disconnect.
func (sm *SessionManager) Shutdown() {
	sm.mu.RLock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		sessions = append(sessions, s)
	}
	sm.mu.RUnlock()

	for _, s := range sessions {
		if err := s.conn.Close(); err != nil {
			log.Debug().Err(err).Str("connId", s.ConnID).Msg("close connection")
		}
	}
	log.Info().Int("connections", len(sessions)).Msg("session manager shutdown complete")
}
