package receipts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeConn struct {
	mu        sync.Mutex
	connected bool
	emitted   []wire.ReadMessage
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) EmitAsync(kind wire.Kind, payload any, _ transport.EmitOptions) (<-chan transport.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return nil, transport.ErrNotConnected
	}
	f.emitted = append(f.emitted, payload.(wire.ReadMessage))
	done := make(chan transport.Result, 1)
	done <- transport.Result{}
	return done, nil
}

func (f *fakeConn) sent() []wire.ReadMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.ReadMessage(nil), f.emitted...)
}

type fakeQueue struct {
	mu      sync.Mutex
	intents []outbox.Intent
	busy    bool
	kicks   int
}

func (f *fakeQueue) Enqueue(in outbox.Intent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.intents = append(f.intents, in)
	return nil
}

func (f *fakeQueue) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy || len(f.intents) > 0
}

func (f *fakeQueue) Kick(context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kicks++
}

func (f *fakeQueue) kicked() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.kicks
}

type transcript map[string]*chat.Message

func (tr transcript) Lookup(id string) (*chat.Message, bool) {
	for _, m := range tr {
		if m.HasID(id) {
			return m, true
		}
	}
	return nil, false
}

func peerMessages() transcript {
	return transcript{
		"p1":   {ServerID: "p1", ChatID: "c", Sender: "peer", Read: chat.Unread},
		"p2":   {ServerID: "p2", ChatID: "c", Sender: "peer", Read: chat.Unread},
		"p3":   {ServerID: "p3", ChatID: "c", Sender: "peer", Read: chat.Unread},
		"mine": {ServerID: "mine", ClientID: "c1", ChatID: "c", Sender: "me", Read: chat.Unread},
		"seen": {ServerID: "seen", ChatID: "c", Sender: "peer", Read: chat.Read},
	}
}

func newTracker(t *testing.T, conn *fakeConn, q *fakeQueue, window time.Duration) (*Tracker, *[]string) {
	t.Helper()
	var mu sync.Mutex
	var marked []string
	tr := New(conn, q, peerMessages(), Options{
		BatchWindow: window,
		UserID:      func() string { return "me" },
		OnMarkedRead: func(id, _ string) {
			mu.Lock()
			marked = append(marked, id)
			mu.Unlock()
		},
	}, zaptest.NewLogger(t))
	return tr, &marked
}

func TestMarkVisibleIsIdempotent(t *testing.T) {
	conn := &fakeConn{connected: true}
	tr, marked := newTracker(t, conn, &fakeQueue{}, 0)

	assert.True(t, tr.MarkVisible("p1", "c"))
	assert.False(t, tr.MarkVisible("p1", "c"))
	assert.Len(t, conn.sent(), 1)
	assert.Equal(t, []string{"p1"}, *marked)
}

func TestMarkVisibleSkipsOwnReadAndUnknown(t *testing.T) {
	conn := &fakeConn{connected: true}
	tr, _ := newTracker(t, conn, &fakeQueue{}, 0)

	assert.False(t, tr.MarkVisible("mine", "c"))
	assert.False(t, tr.MarkVisible("c1", "c"))
	assert.False(t, tr.MarkVisible("seen", "c"))
	assert.False(t, tr.MarkVisible("ghost", "c"))
	assert.Empty(t, conn.sent())
}

func TestThreeVisibleMessagesAcrossRerendersSendThreeReceipts(t *testing.T) {
	conn := &fakeConn{connected: true}
	tr, _ := newTracker(t, conn, &fakeQueue{}, 20*time.Millisecond)

	for range 3 {
		for _, id := range []string{"p1", "p2", "p3"} {
			tr.MarkVisible(id, "c")
		}
	}
	require.Eventually(t, func() bool { return len(conn.sent()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Len(t, conn.sent(), 3)
}

func TestOfflineReceiptsAreQueued(t *testing.T) {
	conn := &fakeConn{}
	q := &fakeQueue{}
	tr, _ := newTracker(t, conn, q, 0)

	tr.MarkVisible("p1", "c")
	tr.MarkVisible("p2", "c")
	require.Len(t, q.intents, 2)
	assert.Equal(t, outbox.KindReadReceipt, q.intents[0].Kind)
	assert.Equal(t, "p1", q.intents[0].Key)
	assert.Empty(t, conn.sent())

	assert.Zero(t, q.kicked(), "nothing can flush while offline")

	// A busy queue keeps later receipts behind earlier ones even once online.
	conn.connected = true
	tr.MarkVisible("p3", "c")
	assert.Len(t, q.intents, 3)
	assert.Empty(t, conn.sent())
	assert.Equal(t, 1, q.kicked())
}

func TestReceiptQueuedBehindFlushKicksQueue(t *testing.T) {
	conn := &fakeConn{connected: true}
	q := &fakeQueue{busy: true}
	tr, _ := newTracker(t, conn, q, 0)

	require.True(t, tr.MarkVisible("p1", "c"))
	require.Len(t, q.intents, 1)
	assert.Empty(t, conn.sent())
	assert.Equal(t, 1, q.kicked(), "queued receipt must not wait for the next reconnect")
}

func TestBatchWindowDefersDispatch(t *testing.T) {
	conn := &fakeConn{connected: true}
	tr, marked := newTracker(t, conn, &fakeQueue{}, time.Hour)

	tr.MarkVisible("p1", "c")
	tr.MarkVisible("p2", "c")
	assert.Empty(t, conn.sent())
	assert.Len(t, *marked, 2, "read state flips before dispatch")

	tr.Flush()
	assert.Len(t, conn.sent(), 2)
}

func TestResetStartsNewSession(t *testing.T) {
	conn := &fakeConn{connected: true}
	tr, _ := newTracker(t, conn, &fakeQueue{}, time.Hour)

	tr.MarkVisible("p1", "c")
	tr.Reset()
	assert.Len(t, conn.sent(), 1, "reset flushes pending receipts")
	assert.False(t, tr.Signaled("p1"))
	assert.True(t, tr.MarkVisible("p1", "c"))
}

func TestRouteSendsQueuedReceipt(t *testing.T) {
	conn := &fakeConn{}
	q := &fakeQueue{}
	tr, _ := newTracker(t, conn, q, 0)
	tr.MarkVisible("p1", "c")
	require.Len(t, q.intents, 1)

	route := tr.Route()
	err := route.Send(t.Context(), q.intents[0])
	assert.True(t, transport.IsConnectivity(err))

	conn.connected = true
	require.NoError(t, route.Send(t.Context(), q.intents[0]))
	assert.Equal(t, []wire.ReadMessage{{MessageID: "p1", ChatID: "c"}}, conn.sent())
}
