// Package typing rate-limits local typing signals per chat: "started" is
// debounced, "stopped" is immediate.
package typing

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// State is the per-chat debouncer state.
type State int

const (
	Idle State = iota
	PendingStart
	SentTyping
)

func (s State) String() string {
	switch s {
	case PendingStart:
		return "PENDING_START"
	case SentTyping:
		return "SENT_TYPING"
	default:
		return "IDLE"
	}
}

// Emitter is the slice of the transport the debouncer needs.
type Emitter interface {
	EmitAsync(kind wire.Kind, payload any, opts transport.EmitOptions) (<-chan transport.Result, error)
	IsConnected() bool
}

// Options tunes the debouncer.
type Options struct {
	// Debounce delays "started typing" until input has been steady this long.
	Debounce time.Duration
	// IdleTimeout emits "stopped typing" after this long without keystrokes.
	IdleTimeout time.Duration
}

type chatState struct {
	state      State
	gen        int
	idleSeq    int
	startTimer *time.Timer
	idleTimer  *time.Timer
}

// Debouncer collapses keystrokes into typing transitions.
type Debouncer struct {
	conn   Emitter
	opts   Options
	logger *zap.Logger

	mu    sync.Mutex
	chats map[string]*chatState
}

// New creates a debouncer.
func New(conn Emitter, opts Options, logger *zap.Logger) *Debouncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Debouncer{
		conn:   conn,
		opts:   opts,
		logger: logger.Named("typing"),
		chats:  make(map[string]*chatState),
	}
}

// SetTyping reports local input activity. isTyping=false is a stop signal.
func (d *Debouncer) SetTyping(chatID string, isTyping bool) {
	if !isTyping {
		d.StopChat(chatID)
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.chats[chatID]
	if !ok {
		cs = &chatState{}
		d.chats[chatID] = cs
	}
	if cs.state == Idle {
		cs.state = PendingStart
		cs.gen++
		gen := cs.gen
		cs.startTimer = time.AfterFunc(d.opts.Debounce, func() { d.fire(chatID, gen) })
	}
	d.armIdle(chatID, cs)
}

// StopChat cancels pending timers for chatID and emits "stopped typing" if
// a start was pending or sent. It reports whether a stop was emitted.
func (d *Debouncer) StopChat(chatID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.chats[chatID]
	if !ok || cs.state == Idle {
		return false
	}
	d.reset(cs)
	delete(d.chats, chatID)
	d.emit(chatID, false)
	return true
}

// State returns the current state for chatID.
func (d *Debouncer) State(chatID string) State {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cs, ok := d.chats[chatID]; ok {
		return cs.state
	}
	return Idle
}

// Close stops every chat.
func (d *Debouncer) Close() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.chats))
	for id := range d.chats {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		d.StopChat(id)
	}
}

func (d *Debouncer) fire(chatID string, gen int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cs, ok := d.chats[chatID]
	if !ok || cs.gen != gen || cs.state != PendingStart {
		return
	}
	cs.state = SentTyping
	d.emit(chatID, true)
}

// armIdle restarts the idle timeout. Must hold d.mu.
func (d *Debouncer) armIdle(chatID string, cs *chatState) {
	if d.opts.IdleTimeout <= 0 {
		return
	}
	if cs.idleTimer != nil {
		cs.idleTimer.Stop()
	}
	cs.idleSeq++
	seq := cs.idleSeq
	cs.idleTimer = time.AfterFunc(d.opts.IdleTimeout, func() { d.idle(chatID, seq) })
}

func (d *Debouncer) idle(chatID string, seq int) {
	d.mu.Lock()
	cs, ok := d.chats[chatID]
	stale := !ok || cs.idleSeq != seq
	d.mu.Unlock()
	if stale {
		return
	}
	d.logger.Debug("typing idle timeout", zap.String("chat_id", chatID))
	d.StopChat(chatID)
}

// reset stops timers and returns cs to Idle. Must hold d.mu.
func (d *Debouncer) reset(cs *chatState) {
	if cs.startTimer != nil {
		cs.startTimer.Stop()
	}
	if cs.idleTimer != nil {
		cs.idleTimer.Stop()
	}
	cs.state = Idle
	cs.gen++
	cs.idleSeq++
}

// emit sends a typing transition. Typing is never queued: offline or failed
// signals are dropped. Called with d.mu held so transitions leave in order.
func (d *Debouncer) emit(chatID string, isTyping bool) {
	if !d.conn.IsConnected() {
		d.logger.Debug("dropping typing signal while offline", zap.String("chat_id", chatID), zap.Bool("typing", isTyping))
		return
	}
	_, err := d.conn.EmitAsync(wire.KindTyping, wire.TypingSignal{ChatID: chatID, IsTyping: isTyping}, transport.EmitOptions{})
	if err != nil {
		d.logger.Debug("typing signal not sent", zap.String("chat_id", chatID), zap.Error(err))
	}
}
