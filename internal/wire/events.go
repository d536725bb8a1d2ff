package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownKind is returned by Decode for frames outside the event set.
var ErrUnknownKind = errors.New("unknown event kind")

// Event is an inbound server event. The set of implementations is closed.
type Event interface {
	Kind() Kind
	isEvent()
}

// MessagePayload is a full message as sent by the server.
type MessagePayload struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"clientId,omitempty"`
	ChatID    string    `json:"chatId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	ReplyTo   string    `json:"replyTo,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewMessage announces a message in a chat.
type NewMessage struct {
	Message MessagePayload `json:"message"`
}

// MessageUpdated carries an edit.
type MessageUpdated struct {
	MessageID string    `json:"messageId"`
	ChatID    string    `json:"chatId"`
	Content   string    `json:"content"`
	EditedAt  time.Time `json:"editedAt"`
}

// MessageDeleted tombstones a message.
type MessageDeleted struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// MessageRead reports that a peer has seen a message.
type MessageRead struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	ReaderID  string `json:"readerId"`
}

// MessageReaction adds a reaction.
type MessageReaction struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// ReactionRemoved removes a reaction.
type ReactionRemoved struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

// MessageDelivered is the server-side delivery report. It is unrelated to
// read state.
type MessageDelivered struct {
	MessageID string `json:"messageId"`
	Status    string `json:"status"`
}

// Typing is a remote typing transition.
type Typing struct {
	ChatID   string `json:"chatId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// CallStarted announces a call offer.
type CallStarted struct {
	CallID      string `json:"callId"`
	Type        string `json:"type"`
	Initiator   string `json:"initiator"`
	Participant string `json:"participant"`
}

// CallAccepted reports the callee accepted.
type CallAccepted struct {
	CallID string `json:"callId"`
	By     string `json:"by"`
}

// CallDeclined reports the callee declined.
type CallDeclined struct {
	CallID string `json:"callId"`
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// CallEnded reports either party hung up.
type CallEnded struct {
	CallID string `json:"callId"`
	By     string `json:"by"`
	Reason string `json:"reason,omitempty"`
}

// CallCandidate relays an ICE candidate.
type CallCandidate struct {
	CallID    string          `json:"callId"`
	Candidate json.RawMessage `json:"candidate"`
}

func (NewMessage) Kind() Kind       { return KindNewMessage }
func (MessageUpdated) Kind() Kind   { return KindMessageUpdated }
func (MessageDeleted) Kind() Kind   { return KindMessageDeleted }
func (MessageRead) Kind() Kind      { return KindMessageRead }
func (MessageReaction) Kind() Kind  { return KindMessageReaction }
func (ReactionRemoved) Kind() Kind  { return KindReactionRemoved }
func (MessageDelivered) Kind() Kind { return KindMessageDelivered }
func (Typing) Kind() Kind           { return KindTyping }
func (CallStarted) Kind() Kind      { return KindCallStarted }
func (CallAccepted) Kind() Kind     { return KindCallAccepted }
func (CallDeclined) Kind() Kind     { return KindCallDeclined }
func (CallEnded) Kind() Kind        { return KindCallEnded }
func (CallCandidate) Kind() Kind    { return KindCallCandidate }

func (NewMessage) isEvent()       {}
func (MessageUpdated) isEvent()   {}
func (MessageDeleted) isEvent()   {}
func (MessageRead) isEvent()      {}
func (MessageReaction) isEvent()  {}
func (ReactionRemoved) isEvent()  {}
func (MessageDelivered) isEvent() {}
func (Typing) isEvent()           {}
func (CallStarted) isEvent()      {}
func (CallAccepted) isEvent()     {}
func (CallDeclined) isEvent()     {}
func (CallEnded) isEvent()        {}
func (CallCandidate) isEvent()    {}

// Decode turns an inbound envelope into its typed event.
func Decode(env Envelope) (Event, error) {
	switch env.Type {
	case KindNewMessage:
		return decodeAs[NewMessage](env)
	case KindMessageUpdated:
		return decodeAs[MessageUpdated](env)
	case KindMessageDeleted:
		return decodeAs[MessageDeleted](env)
	case KindMessageRead:
		return decodeAs[MessageRead](env)
	case KindMessageReaction:
		return decodeAs[MessageReaction](env)
	case KindReactionRemoved:
		return decodeAs[ReactionRemoved](env)
	case KindMessageDelivered:
		return decodeAs[MessageDelivered](env)
	case KindTyping:
		return decodeAs[Typing](env)
	case KindCallStarted:
		return decodeAs[CallStarted](env)
	case KindCallAccepted:
		return decodeAs[CallAccepted](env)
	case KindCallDeclined:
		return decodeAs[CallDeclined](env)
	case KindCallEnded:
		return decodeAs[CallEnded](env)
	case KindCallCandidate:
		return decodeAs[CallCandidate](env)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, env.Type)
	}
}

func decodeAs[T Event](env Envelope) (Event, error) {
	var evt T
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("decode %s: empty data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return evt, nil
}

// ChatOf returns the chat an event belongs to, or "" for chat-less events.
func ChatOf(evt Event) string {
	switch e := evt.(type) {
	case NewMessage:
		return e.Message.ChatID
	case MessageUpdated:
		return e.ChatID
	case MessageDeleted:
		return e.ChatID
	case MessageRead:
		return e.ChatID
	case MessageReaction:
		return e.ChatID
	case ReactionRemoved:
		return e.ChatID
	case Typing:
		return e.ChatID
	default:
		return ""
	}
}
