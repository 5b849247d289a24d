package models

import (
	"encoding/json"
	"time"
)

// MessageType names an event on the real-time channel.
type MessageType string

const (
	// Inbound (client -> relay)
	MessageJoin       MessageType = "join"
	MessageDraw       MessageType = "draw"
	MessageCursorMove MessageType = "cursor-move"
	MessageUndo       MessageType = "undo"
	MessageRedo       MessageType = "redo"
	MessageClear      MessageType = "clear-canvas"
	MessageSave       MessageType = "save-canvas"
	MessageResync     MessageType = "resync"
	MessagePing       MessageType = "ping"

	// Outbound (relay -> client)
	MessageRoomState    MessageType = "room-state"
	MessageUserJoined   MessageType = "user-joined"
	MessageUserLeft     MessageType = "user-left"
	MessageHistorySince MessageType = "history-since"
	MessageCanvasSaved  MessageType = "canvas-saved"
	MessagePong         MessageType = "pong"
	MessageError        MessageType = "error"
)

// Envelope is the JSON frame every websocket message travels in.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload in an envelope of the given type.
func Encode(t MessageType, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

type JoinRequest struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

type RoomState struct {
	RoomID        string      `json:"roomId"`
	Users         []User      `json:"users"`
	ActiveHistory []Operation `json:"activeHistory"`
	CurrentUser   User        `json:"currentUser"`
	CanUndo       bool        `json:"canUndo"`
	CanRedo       bool        `json:"canRedo"`
}

type UserJoined struct {
	User User `json:"user"`
}

type UserLeft struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

// CursorMove carries a pointer position. Inbound only X and Y are read;
// the relay fills in the author fields.
type CursorMove struct {
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	UserID   string  `json:"userId,omitempty"`
	Username string  `json:"username,omitempty"`
	Color    string  `json:"color,omitempty"`
}

type UndoApplied struct {
	OperationID string `json:"operationId"`
	UserID      string `json:"userId,omitempty"`
}

type RedoApplied struct {
	Operation Operation `json:"operation"`
	UserID    string    `json:"userId,omitempty"`
}

type CanvasCleared struct {
	UserID string `json:"userId"`
}

type ResyncRequest struct {
	Since int64 `json:"since"`
}

type HistorySince struct {
	Since      int64       `json:"since"`
	Operations []Operation `json:"operations"`
	CanUndo    bool        `json:"canUndo"`
	CanRedo    bool        `json:"canRedo"`
}

type CanvasSaved struct {
	RoomID         string    `json:"roomId"`
	SnapshotID     string    `json:"snapshotId"`
	OperationCount int       `json:"operationCount"`
	SavedBy        string    `json:"savedBy"`
	SavedAt        time.Time `json:"savedAt"`
}

type Ping struct {
	Timestamp int64 `json:"timestamp"`
}

type Pong struct {
	Timestamp  int64 `json:"timestamp"`
	ServerTime int64 `json:"serverTime"`
}

// ErrorMessage is unicast to a sender whose event was rejected.
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
