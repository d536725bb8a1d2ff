// Package sync persists confirmed messages and remote changes into the local
// cache so history pages survive restarts.
package sync

import (
	"fmt"
	"strconv"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

const previewLen = 100

// Engine handles idempotent ingestion into the store. Callers feed it on
// the path that produced the change, before the transcript sees it, so a
// reopened chat always finds what was shown. Each write is announced on
// the bus as sync.message_cached.
type Engine struct {
	db          *store.DB
	bus         *bus.Bus
	checkpoints *Checkpoints
	userID      func() string
	logger      *zap.Logger

	mu sync.Mutex
	// optimistic remembers own messages until their outcome arrives.
	optimistic map[string]*chat.Message
}

// NewEngine creates a new sync engine.
func NewEngine(db *store.DB, b *bus.Bus, userID func() string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if userID == nil {
		userID = func() string { return "" }
	}
	return &Engine{
		db:          db,
		bus:         b,
		checkpoints: NewCheckpoints(db, logger),
		userID:      userID,
		logger:      logger.Named("sync"),
		optimistic:  make(map[string]*chat.Message),
	}
}

// Checkpoints exposes the engine's sync checkpoints.
func (e *Engine) Checkpoints() *Checkpoints { return e.checkpoints }

// Ingest applies one inbound event and advances the last-event checkpoint.
// Failures are logged.
func (e *Engine) Ingest(evt wire.Event) {
	if err := e.Apply(evt); err != nil {
		e.logger.Error("failed to ingest event", zap.String("kind", string(evt.Kind())), zap.Error(err))
		return
	}
	e.checkpoints.Touch(KeyLastEvent, time.Now())
}

// Apply persists one inbound wire event. Events that do not touch the
// cache are ignored.
func (e *Engine) Apply(evt wire.Event) error {
	switch ev := evt.(type) {
	case wire.NewMessage:
		return e.IngestMessage(fromPayload(ev.Message))
	case wire.MessageUpdated:
		at := ev.EditedAt.UnixMilli()
		if ev.EditedAt.IsZero() {
			at = 0
		}
		if _, err := e.db.EditMessage(ev.ChatID, ev.MessageID, ev.Content, at); err != nil {
			return fmt.Errorf("edit message %s: %w", ev.MessageID, err)
		}
	case wire.MessageDeleted:
		if _, err := e.db.DeleteMessage(ev.ChatID, ev.MessageID); err != nil {
			return fmt.Errorf("delete message %s: %w", ev.MessageID, err)
		}
		return e.refreshUnread(ev.ChatID)
	case wire.MessageRead:
		return e.MarkRead(ev.ChatID, ev.MessageID)
	}
	return nil
}

func fromPayload(p wire.MessagePayload) *chat.Message {
	m := &chat.Message{
		ClientID:  p.ClientID,
		ServerID:  p.ID,
		ChatID:    p.ChatID,
		Sender:    p.Sender,
		Content:   p.Content,
		Type:      p.Type,
		ReplyTo:   p.ReplyTo,
		CreatedAt: p.CreatedAt,
		Delivery:  chat.Delivered,
		Read:      chat.Unread,
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	return m
}

// IngestMessage stores a confirmed message and bumps its chat preview
// (idempotent).
func (e *Engine) IngestMessage(m *chat.Message) error {
	if m.ServerID == "" || m.ChatID == "" {
		return fmt.Errorf("ingest message: missing server or chat id")
	}
	row := history.ToRow(m)
	if err := e.db.TouchChat(row.ChatID, row.CreatedAt, truncate(row.Content, previewLen)); err != nil {
		return fmt.Errorf("touch chat: %w", err)
	}
	if err := e.db.UpsertMessage(row); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	if !m.FromUser(e.userID()) {
		if err := e.refreshUnread(m.ChatID); err != nil {
			return err
		}
	}

	e.bus.Publish(bus.Event{
		Kind:      bus.SyncMessageCached,
		Timestamp: time.Now(),
		Payload: map[string]string{
			"chat_id":    m.ChatID,
			"message_id": m.ServerID,
		},
	})
	return nil
}

// Remember holds an optimistic own message until its outcome arrives.
func (e *Engine) Remember(m *chat.Message) {
	e.mu.Lock()
	e.optimistic[m.ClientID] = m
	e.mu.Unlock()
}

// IngestOutcome stores an own message once the server confirmed it.
// Failed attempts keep the optimistic copy for a later retry.
func (e *Engine) IngestOutcome(o delivery.Outcome) error {
	if o.State != chat.Delivered {
		return nil
	}
	e.mu.Lock()
	m, ok := e.optimistic[o.ClientID]
	delete(e.optimistic, o.ClientID)
	e.mu.Unlock()
	if !ok {
		e.logger.Debug("outcome for unknown optimistic message", zap.String("client_id", o.ClientID))
		return nil
	}

	confirmed := m.Clone()
	confirmed.ServerID = o.ServerID
	confirmed.Delivery = chat.Delivered
	confirmed.Read = chat.Unread
	if !o.CreatedAt.IsZero() {
		confirmed.CreatedAt = o.CreatedAt
	}
	return e.IngestMessage(confirmed)
}

// MarkRead flips the cached read state and recounts the chat's unread
// messages.
func (e *Engine) MarkRead(chatID, messageID string) error {
	if chatID == "" || messageID == "" {
		return nil
	}
	if _, err := e.db.MarkMessageRead(chatID, messageID); err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	return e.refreshUnread(chatID)
}

func (e *Engine) refreshUnread(chatID string) error {
	n, err := e.db.CountUnread(chatID, e.userID())
	if err != nil {
		return fmt.Errorf("count unread: %w", err)
	}
	return e.db.SetUnread(chatID, n)
}

// truncate cuts s to at most maxLen bytes on a rune boundary.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
