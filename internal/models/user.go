package models

import "time"

// DefaultRoomID is used when a join does not name a room.
const DefaultRoomID = "default"

// User is a room participant. It lives exactly as long as its connection's
// membership in the room.
type User struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
}

// RoomInfo is the out-of-band view of a room's membership.
type RoomInfo struct {
	ID        string    `json:"id"`
	UserCount int       `json:"userCount"`
	Users     []User    `json:"users"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session binds one live connection to the room it joined.
type Session struct {
	ConnID       string
	RoomID       string
	User         User
	ConnectedAt  time.Time
	LastActiveAt time.Time
}

// Joined reports whether the session is currently bound to a room.
func (s *Session) Joined() bool {
	return s != nil && s.RoomID != ""
}
