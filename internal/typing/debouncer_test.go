package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	signals   []wire.TypingSignal
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) EmitAsync(kind wire.Kind, payload any, _ transport.EmitOptions) (<-chan transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, payload.(wire.TypingSignal))
	done := make(chan transport.Result, 1)
	done <- transport.Result{}
	return done, nil
}

func (f *fakeConn) sent() []wire.TypingSignal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.TypingSignal(nil), f.signals...)
}

func count(signals []wire.TypingSignal, typing bool) int {
	n := 0
	for _, s := range signals {
		if s.IsTyping == typing {
			n++
		}
	}
	return n
}

func TestBurstOfKeystrokesEmitsOneStart(t *testing.T) {
	conn := &fakeConn{connected: true}
	d := New(conn, Options{Debounce: 50 * time.Millisecond, IdleTimeout: time.Minute}, zaptest.NewLogger(t))
	defer d.Close()

	for range 5 {
		d.SetTyping("c", true)
		time.Sleep(10 * time.Millisecond)
	}
	require.Eventually(t, func() bool { return d.State("c") == SentTyping }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, count(conn.sent(), true))

	d.SetTyping("c", false)
	assert.Equal(t, Idle, d.State("c"))
	signals := conn.sent()
	assert.Equal(t, 1, count(signals, false))
	assert.False(t, signals[len(signals)-1].IsTyping)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, 1, count(conn.sent(), true), "no start after stop")
}

func TestStopDuringPendingCancelsStart(t *testing.T) {
	conn := &fakeConn{connected: true}
	d := New(conn, Options{Debounce: 30 * time.Millisecond}, zaptest.NewLogger(t))

	d.SetTyping("c", true)
	assert.Equal(t, PendingStart, d.State("c"))
	d.SetTyping("c", false)

	time.Sleep(60 * time.Millisecond)
	signals := conn.sent()
	assert.Equal(t, 0, count(signals, true))
	assert.Equal(t, 1, count(signals, false))
}

func TestStopWhenIdleIsNoop(t *testing.T) {
	conn := &fakeConn{connected: true}
	d := New(conn, Options{Debounce: 30 * time.Millisecond}, zaptest.NewLogger(t))

	assert.False(t, d.StopChat("c"))
	d.SetTyping("c", false)
	assert.Empty(t, conn.sent())
}

func TestIdleTimeoutStopsTyping(t *testing.T) {
	conn := &fakeConn{connected: true}
	d := New(conn, Options{Debounce: 10 * time.Millisecond, IdleTimeout: 60 * time.Millisecond}, zaptest.NewLogger(t))

	d.SetTyping("c", true)
	require.Eventually(t, func() bool { return d.State("c") == SentTyping }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return d.State("c") == Idle }, time.Second, 5*time.Millisecond)

	signals := conn.sent()
	require.Len(t, signals, 2)
	assert.True(t, signals[0].IsTyping)
	assert.False(t, signals[1].IsTyping)
}

func TestChatsAreIndependent(t *testing.T) {
	conn := &fakeConn{connected: true}
	d := New(conn, Options{Debounce: 10 * time.Millisecond}, zaptest.NewLogger(t))

	d.SetTyping("a", true)
	d.SetTyping("b", true)
	require.Eventually(t, func() bool {
		return d.State("a") == SentTyping && d.State("b") == SentTyping
	}, time.Second, 5*time.Millisecond)

	d.StopChat("a")
	assert.Equal(t, Idle, d.State("a"))
	assert.Equal(t, SentTyping, d.State("b"))
	d.Close()
	assert.Equal(t, Idle, d.State("b"))
	assert.Equal(t, 2, count(conn.sent(), false))
}

func TestOfflineSignalsAreDropped(t *testing.T) {
	conn := &fakeConn{}
	d := New(conn, Options{Debounce: 10 * time.Millisecond}, zaptest.NewLogger(t))

	d.SetTyping("c", true)
	require.Eventually(t, func() bool { return d.State("c") == SentTyping }, time.Second, 5*time.Millisecond)
	d.SetTyping("c", false)
	assert.Empty(t, conn.sent())
}
