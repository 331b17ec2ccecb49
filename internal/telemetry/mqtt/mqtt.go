// Package mqtt bridges machine events to a plant MQTT broker.
package mqtt

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/KevinKickass/OpenKitchenCore/internal/events"
)

// Publisher sends raw messages to a broker.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close() error
}

// ConnectionStatus is optionally implemented by publishers that can report
// broker connectivity.
type ConnectionStatus interface {
	IsConnected() bool
}

// Message is the JSON document published for every bridged event.
type Message struct {
	Kind          string `json:"kind"`
	Source        string `json:"source"`
	Sequence      uint64 `json:"sequence"`
	Priority      string `json:"priority"`
	Timestamp     string `json:"timestamp"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Payload       any    `json:"payload,omitempty"`
}

// Topic maps an event kind onto the broker topic tree, so
// "safety.emergency_stop" becomes "<prefix>/safety/emergency_stop".
func Topic(prefix string, kind events.Kind) string {
	t := strings.ReplaceAll(string(kind), ".", "/")
	if prefix == "" {
		return t
	}
	return strings.TrimSuffix(prefix, "/") + "/" + t
}

func FormatPayload(e events.Event) ([]byte, error) {
	return json.Marshal(Message{
		Kind:          string(e.Kind),
		Source:        e.Source,
		Sequence:      e.Sequence,
		Priority:      e.Priority.String(),
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	})
}
