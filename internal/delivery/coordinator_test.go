package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const wait = 2 * time.Second

type recordingObserver struct {
	mu         sync.Mutex
	optimistic []*chat.Message
	outcomes   []Outcome
}

func (r *recordingObserver) OnOptimistic(m *chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.optimistic = append(r.optimistic, m)
}

func (r *recordingObserver) OnOutcome(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *recordingObserver) snapshot() ([]*chat.Message, []Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*chat.Message(nil), r.optimistic...), append([]Outcome(nil), r.outcomes...)
}

type harness struct {
	srv   *transporttest.Server
	conn  *transport.Connection
	queue *outbox.Queue
	coord *Coordinator
	obs   *recordingObserver
}

// ackWith answers send_message frames with a server id derived from seq.
func ackWith(serverIDs ...string) transporttest.AckFunc {
	var n atomic.Int32
	return func(env wire.Envelope) (any, *wire.ErrorPayload, bool) {
		i := int(n.Add(1)) - 1
		if i >= len(serverIDs) {
			return nil, nil, true
		}
		if serverIDs[i] == "" {
			return nil, &wire.ErrorPayload{Code: "rejected", Message: "try later"}, false
		}
		return wire.SendAck{MessageID: serverIDs[i]}, nil, false
	}
}

func setup(t *testing.T, ackTimeout time.Duration) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zaptest.NewLogger(t)
	b := bus.New()
	srv := transporttest.NewServer()
	conn := transport.New(srv, transport.Config{
		MaxAttempts:  3,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     20 * time.Millisecond,
	}, b, logger)
	t.Cleanup(conn.Disconnect)

	q := outbox.NewQueue(db, b, time.Hour, logger)
	obs := &recordingObserver{}
	coord := New(conn, q, obs, Options{AckTimeout: ackTimeout, UserID: conn.UserID}, logger)
	q.Register(outbox.KindMessage, coord.Route())
	conn.OnConnected("outbox", func(ctx context.Context) { _, _ = q.Flush(ctx) })

	return &harness{srv: srv, conn: conn, queue: q, coord: coord, obs: obs}
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, h.conn.Connect("token"))
	require.Eventually(t, h.conn.Settled, wait, 5*time.Millisecond)
}

func waitOutcome(t *testing.T, p *Pending) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	o, err := p.Wait(ctx)
	require.NoError(t, err, "delivery never resolved")
	return o
}

func TestSendWhileConnectedDelivers(t *testing.T) {
	h := setup(t, time.Second)
	h.srv.SetAck(ackWith("s1"))
	h.connect(t)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, chat.Sending, p.Message.Delivery)
	assert.Equal(t, "me", p.Message.Sender)
	assert.NotEmpty(t, p.Message.ClientID)

	o := waitOutcome(t, p)
	assert.Equal(t, chat.Delivered, o.State)
	assert.Equal(t, "s1", o.ServerID)
	assert.Equal(t, p.Message.ClientID, o.ClientID)

	opt, outs := h.obs.snapshot()
	assert.Len(t, opt, 1)
	assert.Len(t, outs, 1)
	assert.Zero(t, h.coord.InFlight())
}

func TestAckTimeoutFailsMessage(t *testing.T) {
	h := setup(t, 30*time.Millisecond)
	h.srv.SetAck(ackWith())
	h.connect(t)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)

	o := waitOutcome(t, p)
	assert.Equal(t, chat.Failed, o.State)
	var timeout *transport.DeliveryTimeoutError
	assert.ErrorAs(t, o.Err, &timeout)
}

func TestEchoResolvesSendWhoseAckIsLost(t *testing.T) {
	h := setup(t, 100*time.Millisecond)
	h.srv.SetAck(ackWith())
	h.connect(t)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	h.coord.Echoed(p.Message.ClientID, "s7")

	o := waitOutcome(t, p)
	assert.Equal(t, chat.Delivered, o.State)
	assert.Equal(t, "s7", o.ServerID)
	assert.NoError(t, o.Err)
	assert.Zero(t, h.coord.InFlight())
}

func TestEchoAfterFailureBlocksRetry(t *testing.T) {
	h := setup(t, 30*time.Millisecond)
	h.srv.SetAck(ackWith())
	h.connect(t)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, chat.Failed, waitOutcome(t, p).State)

	h.coord.Echoed(p.Message.ClientID, "s7")
	_, outs := h.obs.snapshot()
	require.Len(t, outs, 2)
	assert.Equal(t, chat.Delivered, outs[1].State)
	assert.Equal(t, "s7", outs[1].ServerID)

	_, err = h.coord.Retry(context.Background(), p.Message.ClientID)
	assert.ErrorIs(t, err, ErrUnknownMessage, "a message the server already has must not be re-sent")

	// Unknown ids are ignored.
	h.coord.Echoed("nope", "s8")
	_, outs = h.obs.snapshot()
	assert.Len(t, outs, 2)
}

func TestRejectionFailsAndRetryReusesClientID(t *testing.T) {
	h := setup(t, time.Second)
	h.srv.SetAck(ackWith("", "s9"))
	h.connect(t)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	o := waitOutcome(t, p)
	require.Equal(t, chat.Failed, o.State)
	var rej *transport.RejectionError
	require.ErrorAs(t, o.Err, &rej)

	retry, err := h.coord.Retry(context.Background(), p.Message.ClientID)
	require.NoError(t, err)
	assert.Equal(t, p.Message.ClientID, retry.Message.ClientID)
	assert.Equal(t, 2, retry.Message.Attempts)
	assert.Equal(t, chat.Sending, retry.Message.Delivery)

	o = waitOutcome(t, retry)
	assert.Equal(t, chat.Delivered, o.State)
	assert.Equal(t, "s9", o.ServerID)
	assert.Equal(t, 2, o.Attempt)

	// Original message value was not mutated.
	assert.Equal(t, 1, p.Message.Attempts)
}

func TestRetryRequiresFailedState(t *testing.T) {
	h := setup(t, time.Second)
	h.srv.SetAck(ackWith("s1"))
	h.connect(t)

	_, err := h.coord.Retry(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownMessage)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	waitOutcome(t, p)
	_, err = h.coord.Retry(context.Background(), p.Message.ClientID)
	assert.ErrorIs(t, err, ErrUnknownMessage)
}

func TestSendValidatesInput(t *testing.T) {
	h := setup(t, time.Second)

	_, err := h.coord.Send(context.Background(), "chat", chat.Draft{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	_, err = h.coord.Send(context.Background(), "", chat.Draft{Content: "x"})
	assert.ErrorIs(t, err, ErrNoChat)
}

func TestOfflineSendIsQueuedAndFlushedOnce(t *testing.T) {
	h := setup(t, time.Second)
	h.srv.SetAck(ackWith("s1"))

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.queue.Size())
	select {
	case <-p.Done():
		t.Fatal("offline send resolved before reconnect")
	default:
	}

	h.connect(t)
	o := waitOutcome(t, p)
	assert.Equal(t, chat.Delivered, o.State)
	assert.Equal(t, "s1", o.ServerID)
	assert.Zero(t, h.queue.Size())

	sends := 0
	for _, env := range h.srv.Drain() {
		if env.Type == wire.KindSendMessage {
			sends++
		}
	}
	assert.Equal(t, 1, sends)
}

func TestQueuedSendsFlushInOrder(t *testing.T) {
	h := setup(t, time.Second)
	h.srv.SetAck(ackWith("s1", "s2", "s3"))

	var pending []*Pending
	for _, text := range []string{"one", "two", "three"} {
		p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: text})
		require.NoError(t, err)
		pending = append(pending, p)
	}
	h.connect(t)

	for i, p := range pending {
		o := waitOutcome(t, p)
		assert.Equal(t, chat.Delivered, o.State, "message %d", i)
	}
	var order []string
	for _, env := range h.srv.Drain() {
		var sm wire.SendMessage
		require.NoError(t, json.Unmarshal(env.Data, &sm))
		order = append(order, sm.Content)
	}
	assert.Equal(t, []string{"one", "two", "three"}, order)
}

func TestCancelQueuedMessageFailsIt(t *testing.T) {
	h := setup(t, time.Second)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)

	ok, err := h.coord.Cancel(p.Message.ClientID)
	require.NoError(t, err)
	assert.True(t, ok)

	o := waitOutcome(t, p)
	assert.Equal(t, chat.Failed, o.State)
	assert.ErrorIs(t, o.Err, outbox.ErrCancelled)
}

func TestStaleAttemptResultIsIgnored(t *testing.T) {
	h := setup(t, time.Second)

	p, err := h.coord.Send(context.Background(), "chat", chat.Draft{Content: "hello"})
	require.NoError(t, err)
	id := p.Message.ClientID

	h.coord.settle(id, 1, transport.Result{Err: errors.New("boom")})
	retry, err := h.coord.Retry(context.Background(), id)
	require.NoError(t, err)

	// A late result from attempt 1 must not resolve attempt 2.
	h.coord.settle(id, 1, transport.Result{Data: json.RawMessage(`{"messageId":"late"}`)})
	select {
	case <-retry.Done():
		t.Fatal("stale result resolved the retry")
	default:
	}

	h.coord.settle(id, 2, transport.Result{Data: json.RawMessage(`{"messageId":"s2"}`)})
	o := waitOutcome(t, retry)
	assert.Equal(t, "s2", o.ServerID)

	_, outs := h.obs.snapshot()
	assert.Len(t, outs, 2)
}

func TestQueuedIntentFromPreviousRunIsAdopted(t *testing.T) {
	h := setup(t, time.Second)
	h.srv.SetAck(ackWith("s5"))

	payload, _ := json.Marshal(wire.SendMessage{ChatID: "chat", ClientID: "old-1", Content: "from before", Type: "text"})
	require.NoError(t, h.queue.Enqueue(outbox.Intent{Kind: outbox.KindMessage, Key: "old-1", ChatID: "chat", Payload: payload}))

	h.connect(t)
	require.Eventually(t, func() bool {
		_, outs := h.obs.snapshot()
		return len(outs) == 1
	}, wait, 5*time.Millisecond)

	opt, outs := h.obs.snapshot()
	require.Len(t, opt, 1)
	assert.Equal(t, "old-1", opt[0].ClientID)
	assert.Equal(t, "from before", opt[0].Content)
	assert.Equal(t, chat.Delivered, outs[0].State)
	assert.Equal(t, "s5", outs[0].ServerID)
}
