package wire

import "time"

// Auth is the first frame sent on every new channel.
type Auth struct {
	Token string `json:"token"`
}

// AuthOK confirms the handshake.
type AuthOK struct {
	UserID string `json:"userId"`
}

// SendMessage is the ack-required message send intent.
type SendMessage struct {
	ChatID   string `json:"chatId"`
	ClientID string `json:"clientId"`
	Content  string `json:"content"`
	Type     string `json:"type"`
	ReplyTo  string `json:"replyTo,omitempty"`
}

// SendAck is the data of a successful send_message ack.
type SendAck struct {
	MessageID string    `json:"messageId"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
}

// ReadMessage is a read receipt.
type ReadMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// TypingSignal is sent for local typing transitions.
type TypingSignal struct {
	ChatID   string `json:"chatId"`
	IsTyping bool   `json:"isTyping"`
}

// ChatRef names a chat for join/leave.
type ChatRef struct {
	ChatID string `json:"chatId"`
}

// MessageRef targets an existing message.
type MessageRef struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
}

// EditMessage replaces the content of an existing message.
type EditMessage struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Content   string `json:"content"`
}

// Reaction adds or removes an emoji on a message.
type Reaction struct {
	MessageID string `json:"messageId"`
	ChatID    string `json:"chatId"`
	Emoji     string `json:"emoji"`
}

// CallSignal is sent for every local call transition.
type CallSignal struct {
	CallID      string `json:"callId"`
	Type        string `json:"type,omitempty"`
	Initiator   string `json:"initiator,omitempty"`
	Participant string `json:"participant,omitempty"`
	Reason      string `json:"reason,omitempty"`
}
