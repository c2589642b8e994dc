// Package streaming defines the realtime wire protocol shared by the push
// transports.
package streaming

import (
	"encoding/json"
)

// Frame types.
const (
	TypeHello = "hello"
	TypeJoin  = "join"
	TypeLeave = "leave"
	TypeAck   = "ack"
	TypeEvent = "event"
)

// Envelope wraps every frame on the wire.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage is the server's acknowledgement of a hello, join or leave.
type AckMessage struct {
	Type  string `json:"type"` // always "ack"
	For   string `json:"for"`  // the frame type being acknowledged
	Topic string `json:"topic,omitempty"`
}

// HelloPayload authenticates the connection.
type HelloPayload struct {
	Token     string `json:"token,omitempty"`
	InstallID string `json:"installId,omitempty"`
}

// TopicPayload names the topic of a join or leave.
type TopicPayload struct {
	Topic string `json:"topic"`
}

// EventPayload is a push event. Topic is the room it was published to.
type EventPayload struct {
	Name  string          `json:"name"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal builds a JSON-encoded Envelope.
func Marshal(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeEvent extracts the event name and data from a frame. Frames other
// than "event" are treated as named events whose payload is the data.
func DecodeEvent(env Envelope) (name string, data []byte, err error) {
	if env.Type != TypeEvent {
		return env.Type, env.Payload, nil
	}
	var ev EventPayload
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		return "", nil, err
	}
	return ev.Name, ev.Data, nil
}
