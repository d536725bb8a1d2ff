// Package chat holds the domain types shared by the synchronization
// components.
package chat

import (
	"maps"
	"slices"
	"time"
)

// DeliveryState tracks the transport-level fate of an outgoing message.
type DeliveryState string

const (
	Sending   DeliveryState = "SENDING"
	Delivered DeliveryState = "DELIVERED"
	Failed    DeliveryState = "FAILED"
)

// ReadState tracks whether the message has been seen.
type ReadState string

const (
	Unread ReadState = "UNREAD"
	Read   ReadState = "READ"
)

// Draft is the user input for a new message.
type Draft struct {
	Content string
	Type    string
	ReplyTo string
}

// Message is a single transcript entry. Values held by the view-model are
// never mutated in place; updates produce a modified copy via Clone.
type Message struct {
	ClientID  string
	ServerID  string
	ChatID    string
	Sender    string
	Content   string
	Type      string
	ReplyTo   string
	CreatedAt time.Time
	EditedAt  time.Time
	Deleted   bool

	Delivery DeliveryState
	Read     ReadState
	Attempts int
	// FailReason is set while Delivery is Failed.
	FailReason string

	// Reactions maps emoji to the users who reacted with it.
	Reactions map[string][]string
}

// Identity returns the stable transcript key of the message.
func (m *Message) Identity() Identity {
	if m.ServerID != "" {
		return Confirmed(m.ServerID)
	}
	return Local(m.ClientID)
}

// HasID reports whether id is either the client or the server id.
func (m *Message) HasID(id string) bool {
	return id != "" && (id == m.ClientID || id == m.ServerID)
}

// FromUser reports whether the message was authored by userID.
func (m *Message) FromUser(userID string) bool {
	return m.Sender == userID
}

// Clone returns a deep copy suitable for modification.
func (m *Message) Clone() *Message {
	c := *m
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			c.Reactions[emoji] = slices.Clone(users)
		}
	}
	return &c
}

// AddReaction records userID reacting with emoji. Returns false if it was
// already present.
func (m *Message) AddReaction(emoji, userID string) bool {
	if m.Reactions == nil {
		m.Reactions = make(map[string][]string)
	}
	if slices.Contains(m.Reactions[emoji], userID) {
		return false
	}
	m.Reactions[emoji] = append(m.Reactions[emoji], userID)
	return true
}

// RemoveReaction drops userID's emoji reaction. Returns false if absent.
func (m *Message) RemoveReaction(emoji, userID string) bool {
	users := m.Reactions[emoji]
	i := slices.Index(users, userID)
	if i < 0 {
		return false
	}
	users = slices.Delete(users, i, i+1)
	if len(users) == 0 {
		delete(m.Reactions, emoji)
	} else {
		m.Reactions[emoji] = users
	}
	return true
}

// ReactionEmojis returns the emojis present, sorted.
func (m *Message) ReactionEmojis() []string {
	return slices.Sorted(maps.Keys(m.Reactions))
}
