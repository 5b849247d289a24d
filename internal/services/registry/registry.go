// Package registry tracks room membership.
//
// A room is created on first join and removed a grace window after its
// last member leaves. A join during the window cancels the removal, so a
// client that reconnects quickly finds its room (and, through the evict
// hook, its drawing history) intact.
package registry

import (
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"collab-canvas/internal/keyed"
	"collab-canvas/internal/models"
)

// DefaultGrace is the eviction window used when none is configured.
const DefaultGrace = 30 * time.Second

var ErrRoomNotFound = errors.New("room not found")

type room struct {
	id        string
	users     map[string]models.User
	createdAt time.Time

	// gen is bumped on every join and every scheduled eviction. A timer
	// only evicts when the generation it captured is still current.
	gen   uint64
	timer *time.Timer
}

// Registry owns every room's roster, keyed by room id.
type Registry struct {
	rooms   *keyed.Map[room]
	grace   time.Duration
	onEvict func(roomID string)
	now     func() time.Time
}

// New creates a Registry that evicts empty rooms after grace.
func New(grace time.Duration) *Registry {
	if grace < 0 {
		grace = DefaultGrace
	}
	reg := &Registry{
		grace: grace,
		now:   time.Now,
	}
	reg.rooms = keyed.New(func(id string) *room {
		return &room{
			id:        id,
			users:     make(map[string]models.User),
			createdAt: reg.now(),
		}
	})
	return reg
}

// SetOnEvict installs a hook called when an empty room is evicted. The hook
// runs while the room's entry is locked, so it cannot interleave with a
// join of the same room. It must not call back into the Registry.
func (r *Registry) SetOnEvict(fn func(roomID string)) {
	r.onEvict = fn
}

// Join adds user to the room, creating the room if needed, and stamps the
// join time. Any pending eviction of the room is cancelled.
func (r *Registry) Join(roomID string, user models.User) models.RoomInfo {
	var info models.RoomInfo
	r.rooms.Update(roomID, func(rm *room) {
		rm.gen++
		if rm.timer != nil {
			rm.timer.Stop()
			rm.timer = nil
		}
		user.JoinedAt = r.now()
		rm.users[user.ID] = user
		info = rm.info()
	})
	return info
}

// Leave removes the user and reports whether it was present. When the
// room becomes empty its eviction is scheduled after the grace window.
func (r *Registry) Leave(roomID, userID string) bool {
	removed := false
	r.rooms.View(roomID, func(rm *room) {
		if _, ok := rm.users[userID]; !ok {
			return
		}
		delete(rm.users, userID)
		removed = true

		if len(rm.users) == 0 {
			rm.gen++
			gen := rm.gen
			rm.timer = time.AfterFunc(r.grace, func() { r.evict(roomID, gen) })
			log.Debug().Str("room", roomID).Dur("grace", r.grace).Msg("room empty, eviction scheduled")
		}
	})
	return removed
}

func (r *Registry) evict(roomID string, gen uint64) {
	evicted := r.rooms.RemoveIf(roomID, func(rm *room) bool {
		if rm.gen != gen || len(rm.users) > 0 {
			return false
		}
		if r.onEvict != nil {
			r.onEvict(roomID)
		}
		return true
	})
	if evicted {
		log.Info().Str("room", roomID).Msg("room evicted")
	}
}

// ListUsers returns the room's members ordered by join time. An unknown
// room yields an empty slice.
func (r *Registry) ListUsers(roomID string) []models.User {
	users := []models.User{}
	r.rooms.View(roomID, func(rm *room) {
		users = rm.sortedUsers()
	})
	return users
}

// RoomInfo returns the room's metadata or ErrRoomNotFound.
func (r *Registry) RoomInfo(roomID string) (models.RoomInfo, error) {
	var info models.RoomInfo
	if !r.rooms.View(roomID, func(rm *room) { info = rm.info() }) {
		return models.RoomInfo{}, ErrRoomNotFound
	}
	return info, nil
}

// Stats returns the number of rooms and the total number of users.
// Rooms waiting out their grace window are counted.
func (r *Registry) Stats() (rooms, users int) {
	r.rooms.Range(func(_ string, rm *room) {
		rooms++
		users += len(rm.users)
	})
	return rooms, users
}

// Close stops every pending eviction timer.
func (r *Registry) Close() {
	r.rooms.Range(func(_ string, rm *room) {
		rm.gen++
		if rm.timer != nil {
			rm.timer.Stop()
			rm.timer = nil
		}
	})
}

func (rm *room) info() models.RoomInfo {
	users := rm.sortedUsers()
	return models.RoomInfo{
		ID:        rm.id,
		UserCount: len(users),
		Users:     users,
		CreatedAt: rm.createdAt,
	}
}

func (rm *room) sortedUsers() []models.User {
	users := make([]models.User, 0, len(rm.users))
	for _, u := range rm.users {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].JoinedAt.Equal(users[j].JoinedAt) {
			return users[i].ID < users[j].ID
		}
		return users[i].JoinedAt.Before(users[j].JoinedAt)
	})
	return users
}
