// Package receipts turns "message became visible" signals into at most one
// read receipt per message, batched and queued while offline.
package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Emitter is the slice of the transport the tracker needs.
type Emitter interface {
	EmitAsync(kind wire.Kind, payload any, opts transport.EmitOptions) (<-chan transport.Result, error)
	IsConnected() bool
}

// Queue is the slice of the outbox the tracker needs.
type Queue interface {
	Enqueue(in outbox.Intent) error
	Busy() bool
	Kick(ctx context.Context)
}

// Lookup resolves a transcript entry by client or server id.
type Lookup interface {
	Lookup(id string) (*chat.Message, bool)
}

// Options configures a Tracker.
type Options struct {
	// BatchWindow delays dispatch to collect signals; zero dispatches at once.
	BatchWindow time.Duration
	UserID      func() string
	// OnMarkedRead is called once per newly signaled message.
	OnMarkedRead func(messageID, chatID string)
}

// Tracker deduplicates visibility signals for the current chat session.
type Tracker struct {
	conn   Emitter
	queue  Queue
	lookup Lookup
	opts   Options
	logger *zap.Logger

	mu       sync.Mutex
	signaled map[string]struct{}
	batch    []wire.ReadMessage
	timer    *time.Timer
}

// New creates a tracker.
func New(conn Emitter, queue Queue, lookup Lookup, opts Options, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserID == nil {
		opts.UserID = func() string { return "" }
	}
	return &Tracker{
		conn:     conn,
		queue:    queue,
		lookup:   lookup,
		opts:     opts,
		logger:   logger.Named("receipts"),
		signaled: make(map[string]struct{}),
	}
}

// MarkVisible records that messageID is on screen. It reports whether a
// receipt was scheduled; own, already read, unknown or already signaled
// messages are ignored.
func (t *Tracker) MarkVisible(messageID, chatID string) bool {
	m, ok := t.lookup.Lookup(messageID)
	if !ok {
		t.logger.Debug("visibility for unknown message", zap.String("message_id", messageID))
		return false
	}
	if m.FromUser(t.opts.UserID()) || m.Read == chat.Read || m.Deleted {
		return false
	}
	id := m.ServerID
	if id == "" {
		id = messageID
	}

	t.mu.Lock()
	if _, done := t.signaled[id]; done {
		t.mu.Unlock()
		return false
	}
	t.signaled[id] = struct{}{}
	if m.ClientID != "" {
		t.signaled[m.ClientID] = struct{}{}
	}
	t.batch = append(t.batch, wire.ReadMessage{MessageID: id, ChatID: chatID})
	immediate := t.opts.BatchWindow <= 0
	if !immediate && t.timer == nil {
		t.timer = time.AfterFunc(t.opts.BatchWindow, t.Flush)
	}
	t.mu.Unlock()

	if t.opts.OnMarkedRead != nil {
		t.opts.OnMarkedRead(id, chatID)
	}
	if immediate {
		t.Flush()
	}
	return true
}

// Flush dispatches every batched receipt now.
func (t *Tracker) Flush() {
	t.mu.Lock()
	batch := t.batch
	t.batch = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()

	for _, r := range batch {
		t.dispatch(r)
	}
}

// Reset flushes pending receipts and forgets the signaled set, starting a
// new chat session.
func (t *Tracker) Reset() {
	t.Flush()
	t.mu.Lock()
	t.signaled = make(map[string]struct{})
	t.mu.Unlock()
}

// Signaled reports whether a receipt was already scheduled for id.
func (t *Tracker) Signaled(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.signaled[id]
	return ok
}

func (t *Tracker) dispatch(r wire.ReadMessage) {
	connected := t.conn.IsConnected()
	if connected && !t.queue.Busy() {
		_, err := t.conn.EmitAsync(wire.KindReadMessage, r, transport.EmitOptions{})
		if err == nil {
			t.logger.Debug("read receipt sent", zap.String("message_id", r.MessageID))
			return
		}
		if !transport.IsConnectivity(err) {
			t.logger.Warn("read receipt failed", zap.String("message_id", r.MessageID), zap.Error(err))
			return
		}
		connected = false
	}
	if err := t.enqueue(r); err != nil {
		t.logger.Error("failed to queue read receipt", zap.String("message_id", r.MessageID), zap.Error(err))
		return
	}
	// A running flush may already be past its last read of the queue.
	if connected {
		t.queue.Kick(context.Background())
	}
}

func (t *Tracker) enqueue(r wire.ReadMessage) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return t.queue.Enqueue(outbox.Intent{
		Kind:    outbox.KindReadReceipt,
		Key:     r.MessageID,
		ChatID:  r.ChatID,
		Payload: payload,
	})
}

// Route returns the outbox route for queued READ_RECEIPT intents.
func (t *Tracker) Route() outbox.Route {
	return outbox.Route{
		Send: func(_ context.Context, in outbox.Intent) error {
			var r wire.ReadMessage
			if err := json.Unmarshal(in.Payload, &r); err != nil {
				return fmt.Errorf("decode queued receipt %s: %w", in.Key, err)
			}
			_, err := t.conn.EmitAsync(wire.KindReadMessage, r, transport.EmitOptions{})
			return err
		},
		Drop: func(in outbox.Intent, reason error) {
			t.logger.Warn("read receipt dropped", zap.String("message_id", in.Key), zap.Error(reason))
		},
	}
}
