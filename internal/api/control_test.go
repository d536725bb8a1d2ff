package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/call"
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/engine"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
	"github.com/matheus3301/chatsync/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type harness struct {
	srv    *transporttest.Server
	eng    *engine.Engine
	client *Client
}

func setup(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zaptest.NewLogger(t)
	b := bus.New()
	srv := transporttest.NewServer()
	srv.SetAck(func(env wire.Envelope) (any, *wire.ErrorPayload, bool) {
		return wire.SendAck{MessageID: "s1"}, nil, false
	})

	cfg := engine.DefaultConfig()
	cfg.Transport = transport.Config{MaxAttempts: 2, InitialDelay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond}
	cfg.Retention = 0
	eng := engine.New(srv, db, b, call.NopMedia{}, cfg, logger)
	eng.Start(context.Background())
	t.Cleanup(eng.Close)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	Register(gs, NewControl("test", "token", eng, db, b, logger))
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	return &harness{srv: srv, eng: eng, client: NewClient(conn)}
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStatusBeforeConnect(t *testing.T) {
	h := setup(t)
	resp, err := h.client.Call(ctxTimeout(t), MethodStatus, nil)
	require.NoError(t, err)
	assert.Equal(t, "test", resp["session"])
	assert.Equal(t, false, resp["settled"])
	assert.EqualValues(t, 0, resp["outbox"])
}

func TestSendAndTranscriptOverGRPC(t *testing.T) {
	h := setup(t)
	ctx := ctxTimeout(t)

	_, err := h.client.Call(ctx, MethodConnect, map[string]any{})
	require.NoError(t, err)
	require.Eventually(t, h.eng.Connection().Settled, 2*time.Second, 5*time.Millisecond)

	opened, err := h.client.Call(ctx, MethodOpenChat, map[string]any{"chat_id": "chat"})
	require.NoError(t, err)
	assert.Equal(t, "chat", opened["chat_id"])
	assert.Empty(t, opened["messages"])

	sent, err := h.client.Call(ctx, MethodSend, map[string]any{"content": "hello", "wait": true})
	require.NoError(t, err)
	outcome := sent["outcome"].(map[string]any)
	assert.Equal(t, "DELIVERED", outcome["state"])
	assert.Equal(t, "s1", outcome["server_id"])

	tr, err := h.client.Call(ctx, MethodTranscript, nil)
	require.NoError(t, err)
	msgs := tr["messages"].([]any)
	require.Len(t, msgs, 1)
	m := msgs[0].(map[string]any)
	assert.Equal(t, "hello", m["content"])
	assert.Equal(t, "s1", m["id"])
	assert.Equal(t, "DELIVERED", m["delivery"])
}

func TestErrorsMapToStatusCodes(t *testing.T) {
	h := setup(t)
	ctx := ctxTimeout(t)

	_, err := h.client.Call(ctx, MethodSend, map[string]any{"content": "x"})
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err), err)

	_, err = h.client.Call(ctx, MethodRetry, map[string]any{})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err), err)

	_, err = h.client.Call(ctx, MethodStartCall, map[string]any{"participant": "bob", "type": "HOLOGRAM"})
	assert.Equal(t, codes.InvalidArgument, grpcstatus.Code(err), err)

	_, err = h.client.Call(ctx, MethodStartCall, map[string]any{"participant": "bob"})
	assert.Equal(t, codes.Unavailable, grpcstatus.Code(err), err)

	_, err = h.client.Call(ctx, MethodAcceptCall, nil)
	assert.Equal(t, codes.FailedPrecondition, grpcstatus.Code(err), err)
}

func TestWatchStreamsBusEvents(t *testing.T) {
	h := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan map[string]any, 16)
	done := make(chan error, 1)
	go func() {
		done <- h.client.Watch(ctx, []string{bus.NSMessage}, func(evt map[string]any) error {
			got <- evt
			return nil
		})
	}()

	_, err := h.client.Call(ctx, MethodOpenChat, map[string]any{"chat_id": "chat"})
	require.NoError(t, err)

	// The subscription is registered asynchronously; keep sending until the
	// first optimistic event arrives.
	var evt map[string]any
	require.Eventually(t, func() bool {
		if _, err := h.client.Call(ctx, MethodSend, map[string]any{"content": "queued"}); err != nil {
			return false
		}
		select {
		case evt = <-got:
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, bus.MessageOptimistic, evt["kind"])
	payload := evt["payload"].(map[string]any)
	assert.Equal(t, "queued", payload["content"])
	assert.Equal(t, "SENDING", payload["delivery"])

	cancel()
	assert.NoError(t, <-done)
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want codes.Code
	}{
		{transport.ErrNotConnected, codes.Unavailable},
		{fmt.Errorf("send: %w", transport.ErrConnectionLost), codes.Unavailable},
		{&transport.DeliveryTimeoutError{Kind: wire.KindSendMessage, ID: "1", Timeout: time.Second}, codes.DeadlineExceeded},
		{&transport.RejectionError{Kind: wire.KindSendMessage, Code: "x", Message: "no"}, codes.Aborted},
		{&call.MediaAccessError{Kind: call.Video, Err: errors.New("denied")}, codes.PermissionDenied},
		{conversation.ErrNoChat, codes.FailedPrecondition},
		{fmt.Errorf("edit %w", engine.ErrNotConfirmed), codes.FailedPrecondition},
		{engine.ErrNotFound, codes.NotFound},
		{transport.ErrAuthRejected, codes.Unauthenticated},
		{context.Canceled, codes.Canceled},
		{errors.New("boom"), codes.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, grpcstatus.Code(toStatus(tt.err)))
		})
	}
	assert.NoError(t, toStatus(nil))
}
