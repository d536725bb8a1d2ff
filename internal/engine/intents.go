package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

var (
	// ErrNotConfirmed rejects actions on messages the server has not
	// confirmed yet.
	ErrNotConfirmed = errors.New("message not confirmed by server")
	ErrNotFound     = errors.New("message not found")
	ErrNotOwn       = errors.New("message authored by someone else")
)

// OpenChat switches to chatID. Typing for the previous chat stops, pending
// receipts are flushed and the signaled set starts over. In-flight
// deliveries are left alone.
func (e *Engine) OpenChat(ctx context.Context, chatID string) error {
	if chatID == "" {
		return conversation.ErrNoChat
	}
	prev := e.view.ChatID()
	if prev != "" {
		e.typing.StopChat(prev)
	}
	e.receipts.Reset()

	e.mu.Lock()
	joined := e.joined
	e.joined = ""
	e.mu.Unlock()
	if joined != "" && joined != chatID {
		if _, err := e.conn.EmitAsync(wire.KindLeaveChat, wire.ChatRef{ChatID: joined}, transport.EmitOptions{}); err != nil {
			e.logger.Debug("leave not sent", zap.String("chat_id", joined), zap.Error(err))
		}
	}
	if e.conn.IsConnected() {
		e.join(chatID)
	}

	e.logger.Info("chat opened", zap.String("chat_id", chatID), zap.String("previous", prev))
	return e.view.Open(ctx, chatID)
}

func (e *Engine) openChat() (string, error) {
	chatID := e.view.ChatID()
	if chatID == "" {
		return "", conversation.ErrNoChat
	}
	return chatID, nil
}

// Send posts a new message to the open chat.
func (e *Engine) Send(ctx context.Context, d chat.Draft) (*delivery.Pending, error) {
	chatID, err := e.openChat()
	if err != nil {
		return nil, err
	}
	e.typing.StopChat(chatID)
	return e.delivery.Send(ctx, chatID, d)
}

// Reply posts content as a reply to messageID.
func (e *Engine) Reply(ctx context.Context, messageID, content string) (*delivery.Pending, error) {
	target, ok := e.view.Lookup(messageID)
	if !ok {
		return nil, fmt.Errorf("reply to %s: %w", messageID, ErrNotFound)
	}
	if target.ServerID == "" {
		return nil, fmt.Errorf("reply to %s: %w", messageID, ErrNotConfirmed)
	}
	return e.Send(ctx, chat.Draft{Content: content, ReplyTo: target.ServerID})
}

// Retry re-sends a FAILED message under its original client id.
func (e *Engine) Retry(ctx context.Context, clientID string) (*delivery.Pending, error) {
	return e.delivery.Retry(ctx, clientID)
}

// CancelSend withdraws a message still waiting in the outbox.
func (e *Engine) CancelSend(clientID string) (bool, error) {
	return e.delivery.Cancel(clientID)
}

// confirmed resolves messageID to a server-confirmed transcript entry.
func (e *Engine) confirmed(messageID string) (*chat.Message, error) {
	m, ok := e.view.Lookup(messageID)
	if !ok {
		return nil, fmt.Errorf("%s: %w", messageID, ErrNotFound)
	}
	if m.ServerID == "" {
		return nil, fmt.Errorf("%s: %w", messageID, ErrNotConfirmed)
	}
	return m, nil
}

// own reports whether m was sent from this client. Sends queued before the
// first handshake carry no sender.
func (e *Engine) own(m *chat.Message) bool {
	return m.Sender == "" || m.FromUser(e.conn.UserID())
}

// Delete asks the server to delete an own message and tombstones it once
// acknowledged. Deletion is not queued while offline.
func (e *Engine) Delete(ctx context.Context, messageID string) error {
	m, err := e.confirmed(messageID)
	if err != nil {
		return fmt.Errorf("delete %w", err)
	}
	if !e.own(m) {
		return fmt.Errorf("delete %s: %w", messageID, ErrNotOwn)
	}
	ref := wire.MessageRef{MessageID: m.ServerID, ChatID: m.ChatID}
	if _, err := e.conn.Emit(ctx, wire.KindDeleteMessage, ref, transport.EmitOptions{WaitForAck: true, Timeout: e.cfg.AckTimeout}); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	e.applyLocal(wire.MessageDeleted{MessageID: m.ServerID, ChatID: m.ChatID})
	return nil
}

// Edit replaces the content of an own message once the server acknowledges.
func (e *Engine) Edit(ctx context.Context, messageID, content string) error {
	if content == "" {
		return delivery.ErrEmptyMessage
	}
	m, err := e.confirmed(messageID)
	if err != nil {
		return fmt.Errorf("edit %w", err)
	}
	if !e.own(m) {
		return fmt.Errorf("edit %s: %w", messageID, ErrNotOwn)
	}
	req := wire.EditMessage{MessageID: m.ServerID, ChatID: m.ChatID, Content: content}
	if _, err := e.conn.Emit(ctx, wire.KindEditMessage, req, transport.EmitOptions{WaitForAck: true, Timeout: e.cfg.AckTimeout}); err != nil {
		return fmt.Errorf("edit %s: %w", messageID, err)
	}
	e.applyLocal(wire.MessageUpdated{MessageID: m.ServerID, ChatID: m.ChatID, Content: content, EditedAt: time.Now()})
	return nil
}

// React adds emoji to a message.
func (e *Engine) React(ctx context.Context, messageID, emoji string) error {
	return e.reaction(ctx, wire.KindAddReaction, messageID, emoji)
}

// Unreact removes emoji from a message.
func (e *Engine) Unreact(ctx context.Context, messageID, emoji string) error {
	return e.reaction(ctx, wire.KindRemoveReaction, messageID, emoji)
}

func (e *Engine) reaction(ctx context.Context, kind wire.Kind, messageID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("%s: empty emoji", kind)
	}
	m, err := e.confirmed(messageID)
	if err != nil {
		return fmt.Errorf("%s %w", kind, err)
	}
	req := wire.Reaction{MessageID: m.ServerID, ChatID: m.ChatID, Emoji: emoji}
	if _, err := e.conn.Emit(ctx, kind, req, transport.EmitOptions{WaitForAck: true, Timeout: e.cfg.AckTimeout}); err != nil {
		return fmt.Errorf("%s %s: %w", kind, messageID, err)
	}

	user := e.conn.UserID()
	if kind == wire.KindAddReaction {
		e.applyLocal(wire.MessageReaction{MessageID: m.ServerID, ChatID: m.ChatID, UserID: user, Emoji: emoji})
	} else {
		e.applyLocal(wire.ReactionRemoved{MessageID: m.ServerID, ChatID: m.ChatID, UserID: user, Emoji: emoji})
	}
	return nil
}

// applyLocal merges an acknowledged change as if the server had echoed it.
// A later echo is a no-op.
func (e *Engine) applyLocal(evt wire.Event) {
	if err := e.cache.Apply(evt); err != nil {
		e.logger.Warn("local change not cached", zap.String("kind", string(evt.Kind())), zap.Error(err))
	}
	e.view.ApplyRemoteEvent(evt)
	e.bus.Emit(bus.WireKind(string(evt.Kind())), evt)
}

// MarkVisible reports that a message of the open chat is on screen.
func (e *Engine) MarkVisible(messageID string) bool {
	chatID := e.view.ChatID()
	if chatID == "" {
		return false
	}
	return e.receipts.MarkVisible(messageID, chatID)
}

// SetTyping reports local input activity in the open chat.
func (e *Engine) SetTyping(isTyping bool) error {
	chatID, err := e.openChat()
	if err != nil {
		return err
	}
	e.typing.SetTyping(chatID, isTyping)
	return nil
}

// LoadOlder prepends the next history page. It returns how many messages
// were added; zero once the beginning is reached.
func (e *Engine) LoadOlder(ctx context.Context) (int, error) {
	cursor, more := e.view.Cursor()
	if !more {
		return 0, nil
	}
	return e.view.LoadOlder(ctx, cursor)
}

// StartCall places a call to participant.
func (e *Engine) StartCall(ctx context.Context, participant string, typ call.Type) (call.Session, error) {
	return e.calls.Start(ctx, participant, typ)
}

// AcceptCall answers the incoming call.
func (e *Engine) AcceptCall(ctx context.Context) (call.Session, error) {
	return e.calls.Accept(ctx)
}

// DeclineCall rejects the incoming call.
func (e *Engine) DeclineCall(ctx context.Context) (call.Session, error) {
	return e.calls.Decline(ctx)
}

// EndCall hangs up.
func (e *Engine) EndCall(ctx context.Context) (call.Session, error) {
	return e.calls.End(ctx)
}
