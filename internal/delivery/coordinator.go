// Package delivery tracks per-message delivery confirmation. It builds the
// optimistic message, transmits it through the transport or the outbox, and
// reports exactly one outcome per attempt to its observer.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

var (
	ErrEmptyMessage   = errors.New("message has no content")
	ErrNoChat         = errors.New("message has no chat")
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotRetryable   = errors.New("message is not in FAILED state")
)

// Emitter is the slice of the transport the coordinator needs.
type Emitter interface {
	EmitAsync(kind wire.Kind, payload any, opts transport.EmitOptions) (<-chan transport.Result, error)
	IsConnected() bool
}

// Queue is the slice of the outbox the coordinator needs.
type Queue interface {
	Enqueue(in outbox.Intent) error
	Busy() bool
	Kick(ctx context.Context)
	Cancel(kind outbox.Kind, key string) (bool, error)
}

// Outcome is the terminal result of one delivery attempt.
type Outcome struct {
	ClientID  string
	ChatID    string
	ServerID  string
	State     chat.DeliveryState
	Err       error
	Attempt   int
	CreatedAt time.Time
}

// Observer receives optimistic entries and outcomes. The coordinator never
// touches the transcript; the observer owns it.
type Observer interface {
	OnOptimistic(m *chat.Message)
	OnOutcome(o Outcome)
}

// Pending is the promise returned by Send and Retry.
type Pending struct {
	Message *chat.Message

	done    chan struct{}
	outcome Outcome
}

func newPending(m *chat.Message) *Pending {
	return &Pending{Message: m, done: make(chan struct{})}
}

// Done is closed once the attempt resolves.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Outcome returns the resolution; valid after Done is closed.
func (p *Pending) Outcome() Outcome { return p.outcome }

// Wait blocks until the attempt resolves or ctx is done.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

type tracked struct {
	msg     *chat.Message
	attempt int
	state   chat.DeliveryState
	pending *Pending
	// echoed is the server id seen in a broadcast of this message.
	echoed string
}

// Coordinator owns delivery bookkeeping for one session.
type Coordinator struct {
	conn       Emitter
	queue      Queue
	observer   Observer
	userID     func() string
	ackTimeout time.Duration
	logger     *zap.Logger
	now        func() time.Time
	newID      func() string

	mu      sync.Mutex
	tracked map[string]*tracked
}

// Options configures a Coordinator.
type Options struct {
	AckTimeout time.Duration
	// UserID returns the local user id stamped as sender.
	UserID func() string
}

// New creates a coordinator.
func New(conn Emitter, queue Queue, observer Observer, opts Options, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.UserID == nil {
		opts.UserID = func() string { return "" }
	}
	return &Coordinator{
		conn:       conn,
		queue:      queue,
		observer:   observer,
		userID:     opts.UserID,
		ackTimeout: opts.AckTimeout,
		logger:     logger.Named("delivery"),
		now:        time.Now,
		newID:      uuid.NewString,
		tracked:    make(map[string]*tracked),
	}
}

// Send builds the optimistic message, hands it to the observer and starts
// transmission. The message stays SENDING until the returned Pending resolves.
func (c *Coordinator) Send(ctx context.Context, chatID string, d chat.Draft) (*Pending, error) {
	if chatID == "" {
		return nil, ErrNoChat
	}
	if d.Content == "" {
		return nil, ErrEmptyMessage
	}
	if d.Type == "" {
		d.Type = "text"
	}
	msg := &chat.Message{
		ClientID:  c.newID(),
		ChatID:    chatID,
		Sender:    c.userID(),
		Content:   d.Content,
		Type:      d.Type,
		ReplyTo:   d.ReplyTo,
		CreatedAt: c.now(),
		Delivery:  chat.Sending,
		Read:      chat.Unread,
		Attempts:  1,
	}
	t := &tracked{msg: msg, attempt: 1, state: chat.Sending, pending: newPending(msg)}

	c.mu.Lock()
	c.tracked[msg.ClientID] = t
	c.mu.Unlock()

	c.logger.Debug("sending message", zap.String("client_id", msg.ClientID), zap.String("chat_id", chatID))
	c.observer.OnOptimistic(msg)
	c.transmit(ctx, msg, 1)
	return t.pending, nil
}

// Retry re-attempts a FAILED message under the same client id.
func (c *Coordinator) Retry(ctx context.Context, clientID string) (*Pending, error) {
	c.mu.Lock()
	t, ok := c.tracked[clientID]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", clientID, ErrUnknownMessage)
	}
	if t.state != chat.Failed {
		c.mu.Unlock()
		return nil, fmt.Errorf("retry %s: %w", clientID, ErrNotRetryable)
	}
	t.attempt++
	msg := t.msg.Clone()
	msg.Delivery = chat.Sending
	msg.FailReason = ""
	msg.Attempts = t.attempt
	t.msg = msg
	t.state = chat.Sending
	t.pending = newPending(msg)
	attempt, pending := t.attempt, t.pending
	c.mu.Unlock()

	c.logger.Info("retrying message", zap.String("client_id", clientID), zap.Int("attempt", attempt))
	c.observer.OnOptimistic(msg)
	c.transmit(ctx, msg, attempt)
	return pending, nil
}

// Cancel withdraws a message that is still waiting in the outbox. In-flight
// sends cannot be withdrawn and report false.
func (c *Coordinator) Cancel(clientID string) (bool, error) {
	return c.queue.Cancel(outbox.KindMessage, clientID)
}

// InFlight returns how many messages are still SENDING.
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tracked {
		if t.state == chat.Sending {
			n++
		}
	}
	return n
}

func sendPayload(m *chat.Message) wire.SendMessage {
	return wire.SendMessage{
		ChatID:   m.ChatID,
		ClientID: m.ClientID,
		Content:  m.Content,
		Type:     m.Type,
		ReplyTo:  m.ReplyTo,
	}
}

func (c *Coordinator) transmit(ctx context.Context, msg *chat.Message, attempt int) {
	connected := c.conn.IsConnected()
	if !connected || c.queue.Busy() {
		c.enqueue(msg, attempt)
		if connected {
			c.queue.Kick(context.WithoutCancel(ctx))
		}
		return
	}

	done, err := c.conn.EmitAsync(wire.KindSendMessage, sendPayload(msg),
		transport.EmitOptions{WaitForAck: true, Timeout: c.ackTimeout})
	if transport.IsConnectivity(err) {
		c.enqueue(msg, attempt)
		return
	}
	if err != nil {
		c.settle(msg.ClientID, attempt, transport.Result{Err: err})
		return
	}
	go c.await(msg.ClientID, attempt, done)
}

func (c *Coordinator) enqueue(msg *chat.Message, attempt int) {
	payload, err := json.Marshal(sendPayload(msg))
	if err == nil {
		err = c.queue.Enqueue(outbox.Intent{
			Kind:      outbox.KindMessage,
			Key:       msg.ClientID,
			ChatID:    msg.ChatID,
			Payload:   payload,
			CreatedAt: msg.CreatedAt,
		})
	}
	if err != nil {
		c.logger.Error("failed to queue message", zap.String("client_id", msg.ClientID), zap.Error(err))
		c.settle(msg.ClientID, attempt, transport.Result{Err: err})
		return
	}
	c.logger.Info("message queued until reconnect", zap.String("client_id", msg.ClientID))
}

func (c *Coordinator) await(clientID string, attempt int, done <-chan transport.Result) {
	c.settle(clientID, attempt, <-done)
}

// settle resolves attempt of clientID once. Results for superseded attempts
// or already-resolved messages are discarded.
func (c *Coordinator) settle(clientID string, attempt int, r transport.Result) {
	c.mu.Lock()
	t, ok := c.tracked[clientID]
	if !ok || t.attempt != attempt || t.state != chat.Sending {
		c.mu.Unlock()
		c.logger.Debug("discarding stale delivery result",
			zap.String("client_id", clientID), zap.Int("attempt", attempt))
		return
	}

	o := Outcome{
		ClientID:  clientID,
		ChatID:    t.msg.ChatID,
		Attempt:   attempt,
		CreatedAt: t.msg.CreatedAt,
	}
	if r.Err != nil && t.echoed != "" {
		c.logger.Info("ack lost after server echo",
			zap.String("client_id", clientID), zap.NamedError("ack_error", r.Err))
		r = transport.Result{}
	}
	if r.Err == nil {
		var ack wire.SendAck
		if len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, &ack); err != nil {
				c.logger.Warn("malformed send ack", zap.String("client_id", clientID), zap.Error(err))
			}
		}
		o.State = chat.Delivered
		o.ServerID = ack.MessageID
		if o.ServerID == "" {
			o.ServerID = t.echoed
		}
		if o.ServerID == "" {
			o.ServerID = clientID
		}
		if !ack.CreatedAt.IsZero() {
			o.CreatedAt = ack.CreatedAt
		}
		delete(c.tracked, clientID)
	} else {
		o.State = chat.Failed
		o.Err = r.Err
		t.state = chat.Failed
	}
	t.pending.outcome = o
	pending := t.pending
	c.mu.Unlock()

	if o.State == chat.Delivered {
		c.logger.Info("message delivered",
			zap.String("client_id", clientID), zap.String("message_id", o.ServerID), zap.Int("attempt", attempt))
	} else {
		c.logger.Warn("message failed",
			zap.String("client_id", clientID), zap.Int("attempt", attempt), zap.Error(o.Err))
	}
	// Observers see the outcome before waiters wake.
	c.observer.OnOutcome(o)
	close(pending.done)
}

// Echoed records that the server broadcast clientID under serverID. An
// in-flight send then resolves DELIVERED even if its ack is lost, and a
// FAILED send is resolved DELIVERED at once so it cannot be retried into a
// duplicate.
func (c *Coordinator) Echoed(clientID, serverID string) {
	if clientID == "" || serverID == "" {
		return
	}
	c.mu.Lock()
	t, ok := c.tracked[clientID]
	if !ok {
		c.mu.Unlock()
		return
	}
	if t.state != chat.Failed {
		t.echoed = serverID
		c.mu.Unlock()
		return
	}
	delete(c.tracked, clientID)
	o := Outcome{
		ClientID:  clientID,
		ChatID:    t.msg.ChatID,
		ServerID:  serverID,
		State:     chat.Delivered,
		Attempt:   t.attempt,
		CreatedAt: t.msg.CreatedAt,
	}
	c.mu.Unlock()

	c.logger.Info("failed message confirmed by server echo",
		zap.String("client_id", clientID), zap.String("message_id", serverID))
	c.observer.OnOutcome(o)
}

// Route returns the outbox route for queued MESSAGE intents. Intents
// restored from a previous run are re-adopted so they still resolve through
// the observer.
func (c *Coordinator) Route() outbox.Route {
	return outbox.Route{Send: c.flushIntent, Drop: c.dropIntent}
}

func (c *Coordinator) flushIntent(_ context.Context, in outbox.Intent) error {
	msg, attempt, err := c.adopt(in)
	if err != nil {
		return err
	}
	done, err := c.conn.EmitAsync(wire.KindSendMessage, sendPayload(msg),
		transport.EmitOptions{WaitForAck: true, Timeout: c.ackTimeout})
	if err != nil {
		return err
	}
	go c.await(msg.ClientID, attempt, done)
	return nil
}

func (c *Coordinator) dropIntent(in outbox.Intent, reason error) {
	msg, attempt, err := c.adopt(in)
	if err != nil {
		c.logger.Error("dropping undecodable intent", zap.String("key", in.Key), zap.Error(err))
		return
	}
	c.settle(msg.ClientID, attempt, transport.Result{Err: reason})
}

// adopt returns the tracked message for a queued intent, rebuilding it from
// the payload when the intent predates this process.
func (c *Coordinator) adopt(in outbox.Intent) (*chat.Message, int, error) {
	c.mu.Lock()
	if t, ok := c.tracked[in.Key]; ok {
		msg, attempt := t.msg, t.attempt
		c.mu.Unlock()
		return msg, attempt, nil
	}
	c.mu.Unlock()

	var p wire.SendMessage
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, 0, fmt.Errorf("decode queued message %s: %w", in.Key, err)
	}
	msg := &chat.Message{
		ClientID:  p.ClientID,
		ChatID:    p.ChatID,
		Sender:    c.userID(),
		Content:   p.Content,
		Type:      p.Type,
		ReplyTo:   p.ReplyTo,
		CreatedAt: in.CreatedAt,
		Delivery:  chat.Sending,
		Read:      chat.Unread,
		Attempts:  1,
	}

	c.mu.Lock()
	if t, ok := c.tracked[msg.ClientID]; ok {
		c.mu.Unlock()
		return t.msg, t.attempt, nil
	}
	c.tracked[msg.ClientID] = &tracked{msg: msg, attempt: 1, state: chat.Sending, pending: newPending(msg)}
	c.mu.Unlock()

	c.logger.Info("adopted queued message from previous run", zap.String("client_id", msg.ClientID))
	c.observer.OnOptimistic(msg)
	return msg, 1, nil
}
