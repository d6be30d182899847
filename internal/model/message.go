// Package model defines the wire envelopes shared by the client, front,
// and bridge.
package model

import (
	"time"
)

// Message types carried by ChatMessage.
const (
	TypeJoin  = "JOIN"
	TypeText  = "TEXT"
	TypeLeave = "LEAVE"
)

// ChatMessage is the chat envelope sent from the client to the front and
// carried through the durable queue. All fields are required on the wire.
type ChatMessage struct {
	UserID      string    `json:"userId"`
	RoomID      string    `json:"roomId"`
	MessageID   string    `json:"messageId"`
	Username    string    `json:"username"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	MessageType string    `json:"messageType"`
}

// ResponseMessage is the ack frame the front sends back on its websocket.
// Echo carries the original envelope so the sender can correlate it.
type ResponseMessage struct {
	Echo            *ChatMessage `json:"echo"`
	ServerTimestamp time.Time    `json:"serverTimestamp"`
	Status          string       `json:"status"`
	Error           string       `json:"error,omitempty"`
}

// DLQMessage wraps a message that permanently failed processing.
// OriginalMessage is nil when the raw payload failed to even deserialize.
type DLQMessage struct {
	RoomID          string       `json:"roomId"`
	OriginalMessage *ChatMessage `json:"originalMessage"`
	Error           string       `json:"error"`
	Timestamp       time.Time    `json:"timestamp"`
}

// BroadcastMessage is the unit the bridge republishes toward a front.
type BroadcastMessage struct {
	ChatMessage        *ChatMessage `json:"chatMessage"`
	BroadcastTimestamp time.Time    `json:"broadcastTimestamp"`
	RoomID             string       `json:"roomId"`
}
