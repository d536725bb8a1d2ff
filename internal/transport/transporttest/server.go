// Package transporttest provides an in-memory chat server implementing
// transport.Dialer for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
)

// ErrOffline is returned by Dial while the server is offline.
var ErrOffline = errors.New("server offline")

// AckFunc decides the ack for an ack-required client frame. Returning a
// non-nil error payload rejects the frame. Returning drop=true sends no ack.
type AckFunc func(env wire.Envelope) (data any, rejection *wire.ErrorPayload, drop bool)

// Server is a fake chat server. The zero value is not usable; call NewServer.
type Server struct {
	mu         sync.Mutex
	offline    bool
	rejectAuth bool
	userID     string
	ack        AckFunc
	current    *conn
	dials      int

	frames chan wire.Envelope
}

// NewServer returns an online server that acks nothing until SetAck is called.
func NewServer() *Server {
	return &Server{
		userID: "me",
		frames: make(chan wire.Envelope, 1024),
	}
}

// SetAck installs the ack policy.
func (s *Server) SetAck(f AckFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = f
}

// SetOffline makes subsequent dials fail.
func (s *Server) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// SetRejectAuth makes subsequent handshakes fail with auth_error.
func (s *Server) SetRejectAuth(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectAuth = reject
}

// Dials returns how many dial attempts were made.
func (s *Server) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Dial implements transport.Dialer.
func (s *Server) Dial(ctx context.Context) (transport.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	if s.offline {
		return nil, ErrOffline
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c := newConn()
	if s.rejectAuth {
		c.toClient <- wire.Envelope{Type: wire.KindAuthError, Error: &wire.ErrorPayload{Code: "unauthorized", Message: "bad token"}}
	} else {
		ok, _ := wire.NewEnvelope(wire.KindAuthOK, "", wire.AuthOK{UserID: s.userID})
		c.toClient <- ok
	}
	s.current = c
	go s.pump(c)
	return &clientChannel{c: c}, nil
}

func (s *Server) pump(c *conn) {
	for {
		select {
		case env := <-c.fromClient:
			if env.Type == wire.KindAuth {
				continue
			}
			s.frames <- env
			if env.ID == "" {
				continue
			}
			s.mu.Lock()
			ack := s.ack
			s.mu.Unlock()
			if ack == nil {
				continue
			}
			data, rej, drop := ack(env)
			if drop {
				continue
			}
			reply := wire.Envelope{Type: wire.KindAck, ID: env.ID, Error: rej}
			if data != nil {
				reply.Data, _ = json.Marshal(data)
			}
			c.send(reply)
		case <-c.closed:
			return
		}
	}
}

// Push delivers an inbound event to the currently connected client.
func (s *Server) Push(kind wire.Kind, payload any) error {
	env, err := wire.NewEnvelope(kind, "", payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	c := s.current
	s.mu.Unlock()
	if c == nil || !c.send(env) {
		return io.ErrClosedPipe
	}
	return nil
}

// Drop closes the current channel as a network failure would.
func (s *Server) Drop() {
	s.mu.Lock()
	c := s.current
	s.current = nil
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// Next returns the next non-auth frame written by the client.
func (s *Server) Next(timeout time.Duration) (wire.Envelope, bool) {
	select {
	case env := <-s.frames:
		return env, true
	case <-time.After(timeout):
		return wire.Envelope{}, false
	}
}

// Drain returns every frame received so far without waiting.
func (s *Server) Drain() []wire.Envelope {
	var out []wire.Envelope
	for {
		select {
		case env := <-s.frames:
			out = append(out, env)
		default:
			return out
		}
	}
}

type conn struct {
	toClient   chan wire.Envelope
	fromClient chan wire.Envelope
	closed     chan struct{}
	once       sync.Once
}

func newConn() *conn {
	return &conn{
		toClient:   make(chan wire.Envelope, 256),
		fromClient: make(chan wire.Envelope, 256),
		closed:     make(chan struct{}),
	}
}

func (c *conn) send(env wire.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.toClient <- env:
		return true
	case <-c.closed:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.closed) })
}

type clientChannel struct {
	c *conn
}

func (ch *clientChannel) Write(env wire.Envelope) error {
	select {
	case <-ch.c.closed:
		return transport.ErrChannelClosed
	default:
	}
	select {
	case ch.c.fromClient <- env:
		return nil
	case <-ch.c.closed:
		return transport.ErrChannelClosed
	}
}

func (ch *clientChannel) Read() (wire.Envelope, error) {
	// Frames already queued are still delivered before EOF.
	select {
	case env := <-ch.c.toClient:
		return env, nil
	default:
	}
	select {
	case env := <-ch.c.toClient:
		return env, nil
	case <-ch.c.closed:
		return wire.Envelope{}, io.EOF
	}
}

func (ch *clientChannel) Close() error {
	ch.c.close()
	return nil
}
