// Package transport owns the single event channel between the client
// session and the chat server: handshake, reconnection, acknowledgment
// correlation and inbound dispatch.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// Config tunes the reconnection policy and acknowledgment timing.
type Config struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	AckTimeout       time.Duration
}

// DefaultConfig returns the policy used when the caller leaves fields zero.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		InitialDelay:     time.Second,
		MaxDelay:         30 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		AckTimeout:       10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	return c
}

// EmitOptions controls acknowledgment handling for one emit.
type EmitOptions struct {
	WaitForAck bool
	// Timeout overrides Config.AckTimeout when positive.
	Timeout time.Duration
}

// Result is the single resolution of an emit.
type Result struct {
	Data json.RawMessage
	Err  error
}

// Hook runs after every successful (re)connection, before the cycle is
// considered settled.
type Hook func(ctx context.Context)

type namedHook struct {
	name string
	fn   Hook
}

type pendingAck struct {
	kind  wire.Kind
	done  chan Result
	timer *time.Timer
}

// cycle is one Connect call's lifetime, spanning all its reconnect attempts.
type cycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *cycle) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// Connection is the client's transport. Construct one per session and share
// it; there is no package-level instance.
type Connection struct {
	dialer   Dialer
	cfg      Config
	machine  *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	handlers *registry

	mu         sync.Mutex
	credential string
	userID     string
	ch         Channel
	cycle      *cycle
	attempts   int
	settled    bool
	pending    map[string]*pendingAck
	hooks      []namedHook
}

// New creates a disconnected Connection.
func New(dialer Dialer, cfg Config, b *bus.Bus, logger *zap.Logger) *Connection {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connection{
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		machine:  status.NewMachine(b),
		bus:      b,
		logger:   logger.Named("transport"),
		handlers: newRegistry(),
		pending:  make(map[string]*pendingAck),
	}
}

// On registers a handler for an inbound event kind. Handlers registered at
// any time, connected or not, stay bound across every reconnect.
func (c *Connection) On(kind wire.Kind, h Handler) func() {
	return c.handlers.add(kind, h)
}

// OnAll registers a handler receiving every inbound event.
func (c *Connection) OnAll(h Handler) func() {
	return c.handlers.add(anyKind, h)
}

// OnConnected appends a hook run, in registration order, after each
// successful connection.
func (c *Connection) OnConnected(name string, h Hook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, namedHook{name: name, fn: h})
}

// SubscribeStatus registers a status listener.
func (c *Connection) SubscribeStatus(l status.Listener) func() {
	return c.machine.Subscribe(l)
}

// Status returns the current connection status.
func (c *Connection) Status() status.State {
	return c.machine.Current()
}

// Attempts returns the attempt number of the current retry cycle.
func (c *Connection) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// MaxAttempts returns the configured attempt limit.
func (c *Connection) MaxAttempts() int {
	return c.cfg.MaxAttempts
}

// IsConnected reports whether a live channel is attached.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil
}

// Settled reports whether the post-connect hooks have completed for the
// current channel.
func (c *Connection) Settled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ch != nil && c.settled
}

// UserID returns the user id confirmed by the last handshake.
func (c *Connection) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect starts a connect cycle in the background. It is a no-op, apart
// from refreshing the credential, while a cycle is already running.
func (c *Connection) Connect(credential string) error {
	if credential == "" {
		c.logger.Warn("connect called without credential")
		return ErrMissingCredential
	}

	c.mu.Lock()
	c.credential = credential
	if c.cycle != nil && c.cycle.running() {
		c.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	cyc := &cycle{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	c.cycle = cyc
	c.attempts = 0
	c.mu.Unlock()

	go c.run(cyc)
	return nil
}

// Disconnect stops the current cycle, closes the channel and waits for the
// background loop to exit. It never triggers a reconnect.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	cyc := c.cycle
	c.cycle = nil
	ch := c.ch
	c.mu.Unlock()

	if cyc == nil {
		return
	}
	cyc.cancel()
	if ch != nil {
		_ = ch.Close()
	}
	<-cyc.done

	switch c.machine.Current() {
	case status.Connecting:
		// An aborted attempt still closes its cycle through ERROR.
		c.fail(c.Attempts(), false)
		c.transition(status.Disconnected, 0)
	case status.Error, status.Connected:
		c.transition(status.Disconnected, 0)
	}
	c.logger.Info("disconnected")
}

func (c *Connection) newPolicy() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.cfg.InitialDelay
	exp.MaxInterval = c.cfg.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithMaxRetries(exp, uint64(c.cfg.MaxAttempts-1))
}

func (c *Connection) run(cyc *cycle) {
	defer close(cyc.done)
	if c.machine.Current() == status.Error {
		c.transition(status.Disconnected, 0)
	}

	policy := c.newPolicy()
	attempt := 0
	for {
		attempt++
		ch, err := c.establish(cyc, attempt)
		if err == nil {
			c.serve(cyc, ch)
			if cyc.ctx.Err() != nil {
				return
			}
			c.logger.Warn("connection lost, reconnecting")
			policy.Reset()
			attempt = 0
			if !sleepCtx(cyc.ctx, c.cfg.InitialDelay) {
				return
			}
			continue
		}
		if cyc.ctx.Err() != nil {
			return
		}

		delay := policy.NextBackOff()
		c.logger.Warn("connect attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.MaxAttempts),
			zap.Error(err))
		if errors.Is(err, ErrAuthRejected) || delay == backoff.Stop {
			c.fail(attempt, true)
			c.logger.Error("giving up on connection", zap.Int("attempts", attempt), zap.Error(err))
			return
		}
		c.fail(attempt, false)
		c.transition(status.Disconnected, attempt)
		if !sleepCtx(cyc.ctx, delay) {
			return
		}
	}
}

// establish dials and authenticates one channel.
func (c *Connection) establish(cyc *cycle, attempt int) (Channel, error) {
	c.mu.Lock()
	c.attempts = attempt
	credential := c.credential
	c.mu.Unlock()
	c.transition(status.Connecting, attempt)

	ctx, cancel := context.WithTimeout(cyc.ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	ch, err := c.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	userID, err := handshake(ctx, ch, credential)
	if err != nil {
		_ = ch.Close()
		return nil, err
	}

	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
	return ch, nil
}

func handshake(ctx context.Context, ch Channel, credential string) (string, error) {
	env, err := wire.NewEnvelope(wire.KindAuth, "", wire.Auth{Token: credential})
	if err != nil {
		return "", err
	}
	if err := ch.Write(env); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	type reply struct {
		env wire.Envelope
		err error
	}
	replyCh := make(chan reply, 1)
	go func() {
		env, err := ch.Read()
		replyCh <- reply{env, err}
	}()

	select {
	case <-ctx.Done():
		// Closing unblocks the pending Read.
		_ = ch.Close()
		return "", fmt.Errorf("handshake: %w", ctx.Err())
	case r := <-replyCh:
		if r.err != nil {
			return "", fmt.Errorf("handshake: %w", r.err)
		}
		switch r.env.Type {
		case wire.KindAuthOK:
			var ok wire.AuthOK
			if len(r.env.Data) > 0 {
				_ = json.Unmarshal(r.env.Data, &ok)
			}
			return ok.UserID, nil
		case wire.KindAuthError:
			msg := "unauthorized"
			if r.env.Error != nil {
				msg = r.env.Error.Message
			}
			return "", fmt.Errorf("%w: %s", ErrAuthRejected, msg)
		default:
			return "", fmt.Errorf("handshake: unexpected frame %q", r.env.Type)
		}
	}
}

// serve attaches ch, runs the connected hooks and reads until the channel
// fails or the cycle is cancelled.
func (c *Connection) serve(cyc *cycle, ch Channel) {
	c.mu.Lock()
	c.ch = ch
	c.settled = false
	c.mu.Unlock()
	stop := context.AfterFunc(cyc.ctx, func() { _ = ch.Close() })
	defer stop()
	c.transition(status.Connected, 0)
	c.logger.Info("connected")

	hooksDone := make(chan struct{})
	go func() {
		defer close(hooksDone)
		c.runHooks(cyc.ctx)
	}()

	err := c.readLoop(ch)

	c.mu.Lock()
	if c.ch == ch {
		c.ch = nil
	}
	c.settled = false
	pending := c.pending
	c.pending = make(map[string]*pendingAck)
	c.mu.Unlock()
	_ = ch.Close()

	for id, p := range pending {
		p.timer.Stop()
		p.done <- Result{Err: fmt.Errorf("%s %s: %w", p.kind, id, ErrConnectionLost)}
	}
	<-hooksDone

	if cyc.ctx.Err() == nil {
		c.logger.Warn("channel closed", zap.Error(err), zap.Int("unresolved_acks", len(pending)))
	}
	c.transition(status.Disconnected, 0)
}

func (c *Connection) runHooks(ctx context.Context) {
	c.mu.Lock()
	hooks := append([]namedHook(nil), c.hooks...)
	c.mu.Unlock()

	for _, h := range hooks {
		if ctx.Err() != nil {
			return
		}
		h.fn(ctx)
		c.logger.Debug("connected hook done", zap.String("hook", h.name))
	}

	c.mu.Lock()
	if c.ch != nil {
		c.settled = true
	}
	c.mu.Unlock()
	c.bus.Emit(bus.ConnectionSettled, nil)
}

func (c *Connection) readLoop(ch Channel) error {
	for {
		env, err := ch.Read()
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Connection) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.KindAck:
		r := Result{Data: env.Data}
		if env.Error != nil {
			r.Err = &RejectionError{Code: env.Error.Code, Message: env.Error.Message}
		}
		if !c.resolve(env.ID, r) {
			c.logger.Debug("ack for unknown correlation id", zap.String("id", env.ID))
		}
		return
	case wire.KindAuthOK, wire.KindAuthError:
		return
	}

	evt, err := wire.Decode(env)
	if err != nil {
		c.logger.Warn("dropping inbound frame", zap.String("kind", string(env.Type)), zap.Error(err))
		return
	}
	if n := c.handlers.dispatch(evt); n == 0 {
		c.logger.Debug("no handler for event", zap.String("kind", string(env.Type)))
	}
}

// resolve settles a pending ack exactly once. It reports whether id was
// still pending.
func (c *Connection) resolve(id string, r Result) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	p.timer.Stop()
	if rej, isRej := r.Err.(*RejectionError); isRej {
		rej.Kind = p.kind
	}
	p.done <- r
	return true
}

// EmitAsync writes one frame. With WaitForAck the returned channel receives
// exactly one Result: the ack, a DeliveryTimeoutError, or ErrConnectionLost.
// Without it the channel is already resolved once the frame is written.
// ErrNotConnected is returned when no channel is attached.
func (c *Connection) EmitAsync(kind wire.Kind, payload any, opts EmitOptions) (<-chan Result, error) {
	var id string
	if opts.WaitForAck {
		id = uuid.NewString()
	}
	env, err := wire.NewEnvelope(kind, id, payload)
	if err != nil {
		return nil, err
	}

	done := make(chan Result, 1)
	c.mu.Lock()
	ch := c.ch
	if ch == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("emit %s: %w", kind, ErrNotConnected)
	}
	if opts.WaitForAck {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = c.cfg.AckTimeout
		}
		c.pending[id] = &pendingAck{
			kind: kind,
			done: done,
			timer: time.AfterFunc(timeout, func() {
				c.resolve(id, Result{Err: &DeliveryTimeoutError{Kind: kind, ID: id, Timeout: timeout}})
			}),
		}
	}
	c.mu.Unlock()

	if err := ch.Write(env); err != nil {
		if opts.WaitForAck {
			c.mu.Lock()
			if p, ok := c.pending[id]; ok {
				p.timer.Stop()
				delete(c.pending, id)
			}
			c.mu.Unlock()
		}
		return nil, fmt.Errorf("emit %s: %w: %v", kind, ErrNotConnected, err)
	}

	if !opts.WaitForAck {
		done <- Result{}
	}
	return done, nil
}

// Emit is the blocking form of EmitAsync.
func (c *Connection) Emit(ctx context.Context, kind wire.Kind, payload any, opts EmitOptions) (json.RawMessage, error) {
	done, err := c.EmitAsync(kind, payload, opts)
	if err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.Data, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PendingAcks returns the number of unresolved correlation ids.
func (c *Connection) PendingAcks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Connection) transition(to status.State, attempt int) {
	if err := c.machine.Transition(to, attempt); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func (c *Connection) fail(attempt int, final bool) {
	if err := c.machine.Fail(attempt, final); err != nil {
		c.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
