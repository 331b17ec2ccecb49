package websocket

import (
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
)

// MessageType defines the type of WebSocket message. Bus events are sent
// with their event kind as type.
type MessageType string

const (
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
	MessageTypeSubscribed  MessageType = "subscribed"

	// MessageTypeMachineStatus carries a full status snapshot, sent once after
	// authentication.
	MessageTypeMachineStatus MessageType = "machine_status"
)

// Message represents a WebSocket message
type Message struct {
	Type          MessageType `json:"type"`
	Timestamp     time.Time   `json:"timestamp"`
	Sequence      uint64      `json:"sequence,omitempty"`
	Source        string      `json:"source,omitempty"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Data          interface{} `json:"data,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(e events.Event) Message {
	return Message{
		Type:          MessageType(e.Kind),
		Timestamp:     e.Timestamp,
		Sequence:      e.Sequence,
		Source:        e.Source,
		CorrelationID: e.CorrelationID,
		Data:          e.Payload,
	}
}

// clientMessage is what clients send: an auth message first, then optional
// subscribe messages narrowing the event kinds they receive.
type clientMessage struct {
	Type  string   `json:"type"`
	Token string   `json:"token,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}
