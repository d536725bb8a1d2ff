// Package engine is the root composition of the synchronization components.
// It owns one transport connection and wires the outbox, delivery, receipts,
// typing, call and conversation components around it.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/history"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/receipts"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	cachesync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/typing"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Config tunes every component.
type Config struct {
	Transport      transport.Config
	AckTimeout     time.Duration
	Retention      time.Duration
	SweepInterval  time.Duration
	ReceiptBatch   time.Duration
	TypingDebounce time.Duration
	TypingIdle     time.Duration
	TypingTTL      time.Duration
	PageSize       int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Transport:      transport.DefaultConfig(),
		AckTimeout:     10 * time.Second,
		Retention:      24 * time.Hour,
		SweepInterval:  time.Minute,
		ReceiptBatch:   250 * time.Millisecond,
		TypingDebounce: 500 * time.Millisecond,
		TypingIdle:     3 * time.Second,
		TypingTTL:      6 * time.Second,
		PageSize:       50,
	}
}

// Engine is one client session.
type Engine struct {
	conn     *transport.Connection
	queue    *outbox.Queue
	delivery *delivery.Coordinator
	receipts *receipts.Tracker
	typing   *typing.Debouncer
	calls    *call.Machine
	view     *conversation.ViewModel
	cache    *cachesync.Engine
	bus      *bus.Bus
	cfg      Config
	logger   *zap.Logger

	mu     sync.Mutex
	joined string
	unsubs []func()
	closed bool
}

// New builds an engine. Inbound handlers and reconnect hooks are registered
// once here and survive every reconnect.
func New(dialer transport.Dialer, db *store.DB, b *bus.Bus, media call.Media, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{bus: b, cfg: cfg, logger: logger.Named("engine")}

	e.conn = transport.New(dialer, cfg.Transport, b, logger)
	e.cache = cachesync.NewEngine(db, b, e.conn.UserID, logger)
	e.queue = outbox.NewQueue(db, b, cfg.Retention, logger)
	e.view = conversation.New(history.NewStore(db, cfg.PageSize, logger), b, conversation.Options{
		UserID:    e.conn.UserID,
		TypingTTL: cfg.TypingTTL,
		PageSize:  cfg.PageSize,
	}, logger)
	e.delivery = delivery.New(e.conn, e.queue, &observer{view: e.view, cache: e.cache, bus: b, logger: e.logger}, delivery.Options{
		AckTimeout: cfg.AckTimeout,
		UserID:     e.conn.UserID,
	}, logger)
	e.receipts = receipts.New(e.conn, e.queue, e.view, receipts.Options{
		BatchWindow:  cfg.ReceiptBatch,
		UserID:       e.conn.UserID,
		OnMarkedRead: e.markedRead,
	}, logger)
	e.typing = typing.New(e.conn, typing.Options{Debounce: cfg.TypingDebounce, IdleTimeout: cfg.TypingIdle}, logger)
	e.calls = call.New(e.conn, media, e.conn.UserID, logger)

	e.queue.Register(outbox.KindMessage, e.delivery.Route())
	e.queue.Register(outbox.KindReadReceipt, e.receipts.Route())
	e.bind()
	return e
}

// observer forwards delivery notifications to the cache, the view-model and
// the bus, in that order. A confirmed message is cached before the
// view-model lets go of its local copy.
type observer struct {
	view   *conversation.ViewModel
	cache  *cachesync.Engine
	bus    *bus.Bus
	logger *zap.Logger
}

func (o *observer) OnOptimistic(m *chat.Message) {
	o.cache.Remember(m)
	o.view.OnOptimistic(m)
	o.bus.Emit(bus.MessageOptimistic, m)
}

func (o *observer) OnOutcome(out delivery.Outcome) {
	if err := o.cache.IngestOutcome(out); err != nil {
		o.logger.Error("confirmed message not cached", zap.String("client_id", out.ClientID), zap.Error(err))
	}
	o.view.OnOutcome(out)
	o.bus.Emit(bus.MessageOutcome, out)
}

func (e *Engine) markedRead(messageID, chatID string) {
	if err := e.cache.MarkRead(chatID, messageID); err != nil {
		e.logger.Warn("local read not cached", zap.String("message_id", messageID), zap.Error(err))
	}
	e.view.ApplyLocalRead(messageID, chatID)
	e.bus.Emit(bus.MessageReadLocally, map[string]string{
		"chat_id":    chatID,
		"message_id": messageID,
	})
}

func (e *Engine) bind() {
	e.unsubs = append(e.unsubs,
		// Registered first so the cache is written before any view handler
		// runs for the same event.
		e.conn.OnAll(func(evt wire.Event) {
			e.cache.Ingest(evt)
			e.bus.Emit(bus.WireKind(string(evt.Kind())), evt)
		}),
		e.conn.SubscribeStatus(func(c status.Change) {
			e.view.SetConnection(c)
		}),
		e.calls.Subscribe(func(s call.Session) {
			e.view.SetCall(s)
			e.bus.Emit(bus.CallChanged, s)
		}),
	)

	for _, kind := range []wire.Kind{
		wire.KindNewMessage, wire.KindMessageUpdated, wire.KindMessageDeleted,
		wire.KindMessageRead, wire.KindMessageReaction, wire.KindReactionRemoved,
		wire.KindMessageDelivered, wire.KindTyping,
	} {
		e.unsubs = append(e.unsubs, e.conn.On(kind, func(evt wire.Event) {
			e.view.ApplyRemoteEvent(evt)
		}))
	}
	// A broadcast of an own message confirms it even if the ack goes missing.
	e.unsubs = append(e.unsubs, e.conn.On(wire.KindNewMessage, func(evt wire.Event) {
		if nm, ok := evt.(wire.NewMessage); ok {
			e.delivery.Echoed(nm.Message.ClientID, nm.Message.ID)
		}
	}))
	for _, kind := range []wire.Kind{
		wire.KindCallStarted, wire.KindCallAccepted, wire.KindCallDeclined,
		wire.KindCallEnded, wire.KindCallCandidate,
	} {
		e.unsubs = append(e.unsubs, e.conn.On(kind, e.handleCall))
	}

	// Order matters: the chat is rejoined before queued intents flush, and
	// both finish before the connection counts as settled.
	e.conn.OnConnected("rejoin", e.rejoin)
	e.conn.OnConnected("outbox", e.flushOutbox)
}

func (e *Engine) handleCall(evt wire.Event) {
	err := e.calls.HandleRemote(evt)
	switch {
	case errors.Is(err, call.ErrStaleEvent):
		e.logger.Debug("ignoring stale call event", zap.String("kind", string(evt.Kind())))
	case err != nil:
		e.logger.Warn("call event rejected", zap.String("kind", string(evt.Kind())), zap.Error(err))
	}
}

func (e *Engine) rejoin(ctx context.Context) {
	chatID := e.view.ChatID()
	if chatID == "" {
		return
	}
	e.join(chatID)
}

func (e *Engine) join(chatID string) {
	if _, err := e.conn.EmitAsync(wire.KindJoinChat, wire.ChatRef{ChatID: chatID}, transport.EmitOptions{}); err != nil {
		e.logger.Debug("join not sent", zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	e.mu.Lock()
	e.joined = chatID
	e.mu.Unlock()
}

func (e *Engine) flushOutbox(ctx context.Context) {
	report, err := e.queue.Flush(ctx)
	if err != nil {
		e.logger.Warn("outbox flush incomplete", zap.Int("remaining", report.Remaining), zap.Error(err))
		return
	}
	e.cache.Checkpoints().Touch(cachesync.KeyLastFlush, time.Now())
	e.cache.Checkpoints().Touch(cachesync.KeyLastConnected, time.Now())
}

// Start runs the outbox retention sweeper.
func (e *Engine) Start(ctx context.Context) {
	if e.cfg.Retention > 0 {
		e.queue.Start(ctx, e.cfg.SweepInterval)
	}
	if n := e.queue.Size(); n > 0 {
		e.logger.Info("outbox restored from previous run", zap.Int("pending", n))
	}
}

// Close stops typing, flushes receipts, disconnects and stops the workers.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	e.mu.Unlock()

	e.typing.Close()
	e.receipts.Flush()
	e.conn.Disconnect()
	e.queue.Stop()
	for _, u := range unsubs {
		u()
	}
	e.logger.Info("engine closed")
}

// Connect starts connecting with credential.
func (e *Engine) Connect(credential string) error {
	return e.conn.Connect(credential)
}

// Disconnect closes the connection without reconnecting.
func (e *Engine) Disconnect() {
	e.conn.Disconnect()
}

// View returns the conversation view-model.
func (e *Engine) View() *conversation.ViewModel { return e.view }

// Connection returns the transport.
func (e *Engine) Connection() *transport.Connection { return e.conn }

// Queue returns the outbox.
func (e *Engine) Queue() *outbox.Queue { return e.queue }

// Calls returns the call machine.
func (e *Engine) Calls() *call.Machine { return e.calls }

// Checkpoints returns the sync checkpoints.
func (e *Engine) Checkpoints() *cachesync.Checkpoints { return e.cache.Checkpoints() }

// Status is a point-in-time summary of the session.
type Status struct {
	Connection  status.State
	Attempts    int
	MaxAttempts int
	Settled     bool
	UserID      string
	ChatID      string
	Outbox      int
	InFlight    int
	Banner      conversation.Banner
}

// Status returns the session summary.
func (e *Engine) Status() Status {
	return Status{
		Connection:  e.conn.Status(),
		Attempts:    e.conn.Attempts(),
		MaxAttempts: e.conn.MaxAttempts(),
		Settled:     e.conn.Settled(),
		UserID:      e.conn.UserID(),
		ChatID:      e.view.ChatID(),
		Outbox:      e.queue.Size(),
		InFlight:    e.delivery.InFlight(),
		Banner:      e.view.Banner(),
	}
}
