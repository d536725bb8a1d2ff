package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/zap"
)

// WebSocketDialer opens channels to a websocket endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	// HandshakeTimeout bounds the HTTP upgrade; zero means 10s.
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	Logger           *zap.Logger
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context) (Channel, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	conn, resp, err := dialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (http %d)", d.URL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.URL, err)
	}
	return NewWebSocketChannel(conn, d.PingInterval, d.WriteTimeout, d.Logger), nil
}

type writeRequest struct {
	data []byte
	done chan error
}

// WebSocketChannel adapts a gorilla connection to Channel. All writes go
// through a single writer goroutine; gorilla allows one concurrent writer.
type WebSocketChannel struct {
	conn         *websocket.Conn
	writeCh      chan writeRequest
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewWebSocketChannel wraps conn and starts its writer. A zero pingInterval
// disables keepalive pings and read deadlines.
func NewWebSocketChannel(conn *websocket.Conn, pingInterval, writeTimeout time.Duration, logger *zap.Logger) *WebSocketChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &WebSocketChannel{
		conn:         conn,
		writeCh:      make(chan writeRequest, 100),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
	if pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(2 * pingInterval))
		})
	}
	go c.writeLoop()
	return c
}

func (c *WebSocketChannel) writeLoop() {
	var ping <-chan time.Time
	if c.pingInterval > 0 {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case req := <-c.writeCh:
			if c.ctx.Err() != nil {
				req.done <- ErrChannelClosed
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			err := c.conn.WriteMessage(websocket.TextMessage, req.data)
			req.done <- err
			if err != nil {
				c.logger.Debug("websocket write failed", zap.Error(err))
				_ = c.Close()
				return
			}
		case <-ping:
			deadline := time.Now().Add(c.writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				_ = c.Close()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Write implements Channel. It returns once the frame is on the socket.
func (c *WebSocketChannel) Write(env wire.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrChannelClosed
	}
	req := writeRequest{data: data, done: make(chan error, 1)}
	select {
	case c.writeCh <- req:
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
	select {
	case err := <-req.done:
		return err
	case <-c.ctx.Done():
		return ErrChannelClosed
	}
}

// Read implements Channel.
func (c *WebSocketChannel) Read() (wire.Envelope, error) {
	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			return wire.Envelope{}, err
		}
		if kind != websocket.TextMessage {
			continue
		}
		env, err := wire.Unmarshal(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		return env, nil
	}
}

// Close implements Channel.
func (c *WebSocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
