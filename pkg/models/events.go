package models

import (
	"encoding/json"
	"fmt"
)

// Realtime event names.
const (
	EventSendMessage     = "send_message"
	EventReplay          = "replay"
	EventMessageResponse = "message_response"
	EventHistory         = "history"
	EventError           = "error"
)

// Envelope is the frame exchanged over the realtime channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// SendMessage is the client request to run a chat turn.
type SendMessage struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
	Text      string `json:"text" validate:"required,max=4000"`
}

// ReplayRequest asks for the last Limit messages of a session.
type ReplayRequest struct {
	SessionID string `json:"sessionId" validate:"required,max=128"`
	Limit     int    `json:"limit" validate:"min=0,max=200"`
}

// MessageResponse is pushed to every connection of a session after a turn.
type MessageResponse struct {
	SessionID       string   `json:"sessionId"`
	MessageID       string   `json:"messageId"`
	Text            string   `json:"text"`
	Recommendations []string `json:"recommendations"`
	Degraded        bool     `json:"degraded,omitempty"`
}

// HistoryReplay carries persisted messages to a single connection.
type HistoryReplay struct {
	SessionID string    `json:"sessionId"`
	Messages  []Message `json:"messages"`
}

// ErrorEvent reports a failed request to the originating connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

// NewEnvelope marshals data under the given event name.
func NewEnvelope(event string, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", event, err)
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %q has no data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", e.Event, err)
	}
	return nil
}
