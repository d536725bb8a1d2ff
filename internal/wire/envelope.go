// Package wire defines the frames exchanged with the chat server and the
// closed set of typed events decoded from them.
package wire

import (
	"encoding/json"
	"fmt"
)

// Kind names a frame type on the wire.
type Kind string

// Control frames.
const (
	KindAuth      Kind = "auth"
	KindAuthOK    Kind = "auth_ok"
	KindAuthError Kind = "auth_error"
	KindAck       Kind = "ack"
)

// Outbound intents.
const (
	KindSendMessage    Kind = "send_message"
	KindReadMessage    Kind = "read_message"
	KindTyping         Kind = "typing"
	KindJoinChat       Kind = "join_chat"
	KindLeaveChat      Kind = "leave_chat"
	KindDeleteMessage  Kind = "delete_message"
	KindEditMessage    Kind = "edit_message"
	KindAddReaction    Kind = "add_reaction"
	KindRemoveReaction Kind = "remove_reaction"
)

// Inbound events. Call kinds travel in both directions.
const (
	KindNewMessage       Kind = "new_message"
	KindMessageUpdated   Kind = "message_updated"
	KindMessageDeleted   Kind = "message_deleted"
	KindMessageRead      Kind = "message_read"
	KindMessageReaction  Kind = "message_reaction"
	KindReactionRemoved  Kind = "reaction_removed"
	KindMessageDelivered Kind = "message_delivered"
	KindCallStarted      Kind = "call_started"
	KindCallAccepted     Kind = "call_accepted"
	KindCallDeclined     Kind = "call_declined"
	KindCallEnded        Kind = "call_ended"
	KindCallCandidate    Kind = "call_candidate"
)

// Envelope is a single JSON frame.
type Envelope struct {
	Type  Kind            `json:"type"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *ErrorPayload   `json:"error,omitempty"`
}

// ErrorPayload carries an explicit server rejection.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope of the given kind.
func NewEnvelope(kind Kind, id string, payload any) (Envelope, error) {
	env := Envelope{Type: kind, ID: id}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env.Data = data
	return env, nil
}

// Marshal encodes the envelope as a text frame.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a text frame.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode envelope: missing type")
	}
	return env, nil
}
