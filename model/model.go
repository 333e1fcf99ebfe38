package model

import (
	"encoding/json"
	"time"
)

// Inbound event names sent by clients.
const (
	EventJoin    = "join"
	EventLeave   = "leave"
	EventMessage = "message"
)

// Outbound event names sent by server.
const (
	EventRoomHistory = "room_history"
	EventUserJoined  = "user_joined"
	EventUserLeft    = "user_left"
	EventJoinSuccess = "join_success"
)

// Event is the wire envelope for both directions. Inbound Data is decoded
// per event name; outbound Data is the already-built payload.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// RawEvent is the inbound envelope before payload decoding.
type RawEvent struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data"`
}

type JoinPayload struct {
	Room     string `json:"room"`
	Username string `json:"username"`
}

type LeavePayload struct {
	Room string `json:"room"`
}

type MessagePayload struct {
	Room    string `json:"room"`
	Message string `json:"message"`
}

// PresencePayload is broadcast on user_joined and user_left.
type PresencePayload struct {
	Username    string `json:"username"`
	Room        string `json:"room"`
	MemberCount int    `json:"member_count"`
}

type JoinSuccessPayload struct {
	Room string `json:"room"`
}

// Message is a chat message as stored and as broadcast. Field names match
// the storage records; once built it is never mutated.
type Message struct {
	Username  string `json:"username"`
	Content   string `json:"message"`
	Room      string `json:"room"`
	Timestamp string `json:"timestamp"`
}

// NewMessage builds a message with a server-assigned UTC timestamp.
func NewMessage(room, username, content string) Message {
	return Message{
		Username:  username,
		Content:   content,
		Room:      room,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// Wire is a per-connection channel pair: RX carries decoded inbound events
// from the transport, TX carries outbound events back to it.
type Wire struct {
	RX chan RawEvent
	TX chan Event
}

func NewWire() Wire {
	return Wire{
		RX: make(chan RawEvent),
		TX: make(chan Event),
	}
}
