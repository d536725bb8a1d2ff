package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/transport"
	"github.com/matheus3301/chatsync/internal/transport/transporttest"
	"github.com/matheus3301/chatsync/internal/wire"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// shortHome points CHATSYNC_HOME at /tmp to stay under the 104-char Unix
// socket limit on macOS.
func shortHome(t *testing.T, pattern string) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", pattern)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.HomeEnv, dir)
	return dir
}

func testConfig(token string) *config.Engine {
	cfg := config.DefaultEngine()
	cfg.Server.Token = token
	cfg.Transport.MaxReconnectAttempts = 2
	cfg.Transport.ReconnectInitialDelay.Duration = 10 * time.Millisecond
	cfg.Transport.ReconnectMaxDelay.Duration = 20 * time.Millisecond
	cfg.Receipts.BatchWindow.Duration = 0
	return cfg
}

func fakeServer() *transporttest.Server {
	srv := transporttest.NewServer()
	srv.SetAck(func(env wire.Envelope) (any, *wire.ErrorPayload, bool) {
		return wire.SendAck{MessageID: "s1"}, nil, false
	})
	return srv
}

func startApp(t *testing.T, p Params) *api.Client {
	t.Helper()
	app := fx.New(Module(p), fx.NopLogger)
	if err := app.Err(); err != nil {
		t.Fatalf("fx.New() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("app.Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})

	client, err := api.Dial(p.SocketPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestDaemonLifecycle(t *testing.T) {
	home := shortHome(t, "cs-test-*")
	client := startApp(t, Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "d.sock"),
		Config:      testConfig("token"),
		Dialer:      fakeServer(),
		Logger:      zaptest.NewLogger(t),
	})
	ctx := context.Background()

	// A configured token connects on start.
	waitFor(t, "auto-connect", func() bool {
		resp, err := client.Call(ctx, api.MethodStatus, nil)
		return err == nil && resp["settled"] == true
	})

	resp, err := client.Call(ctx, api.MethodStatus, nil)
	if err != nil {
		t.Fatalf("Status error = %v", err)
	}
	if resp["session"] != "test" || resp["user_id"] != "me" {
		t.Errorf("status = %v", resp)
	}

	if _, err := client.Call(ctx, api.MethodOpenChat, map[string]any{"chat_id": "general"}); err != nil {
		t.Fatalf("OpenChat error = %v", err)
	}
	sent, err := client.Call(ctx, api.MethodSend, map[string]any{"content": "hello world", "wait": true})
	if err != nil {
		t.Fatalf("Send error = %v", err)
	}
	if state := sent["outcome"].(map[string]any)["state"]; state != "DELIVERED" {
		t.Errorf("outcome state = %v, want DELIVERED", state)
	}

	// The confirmed send reaches the cache.
	waitFor(t, "chat cached", func() bool {
		resp, err := client.Call(ctx, api.MethodListChats, map[string]any{})
		return err == nil && len(resp["chats"].([]any)) == 1
	})
	found, err := client.Call(ctx, api.MethodSearch, map[string]any{"query": "hello"})
	if err != nil {
		t.Fatalf("Search error = %v", err)
	}
	if n := len(found["messages"].([]any)); n != 1 {
		t.Errorf("search results = %d, want 1", n)
	}

	if _, err := os.Stat(session.CacheDBPath("test")); err != nil {
		t.Errorf("cache db not created: %v", err)
	}
}

// TestDaemonWithoutTokenWaitsForConnect verifies nothing dials until a
// token arrives, then Connect takes the session online.
func TestDaemonWithoutTokenWaitsForConnect(t *testing.T) {
	home := shortHome(t, "cs-notoken-*")
	srv := fakeServer()
	client := startApp(t, Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "d.sock"),
		Config:      testConfig(""),
		Dialer:      srv,
		Logger:      zap.NewNop(),
	})
	ctx := context.Background()

	resp, err := client.Call(ctx, api.MethodStatus, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp["connection"] != "DISCONNECTED" {
		t.Errorf("connection = %v, want DISCONNECTED", resp["connection"])
	}
	if srv.Dials() != 0 {
		t.Errorf("dials = %d, want 0 without a token", srv.Dials())
	}

	if _, err := client.Call(ctx, api.MethodConnect, map[string]any{}); err == nil {
		t.Error("Connect without any token should fail")
	}
	if _, err := client.Call(ctx, api.MethodConnect, map[string]any{"token": "late"}); err != nil {
		t.Fatalf("Connect error = %v", err)
	}
	waitFor(t, "connected", func() bool {
		resp, err := client.Call(ctx, api.MethodStatus, nil)
		return err == nil && resp["settled"] == true
	})
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	home := shortHome(t, "cs-lock-*")
	startApp(t, Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "a.sock"),
		Config:      testConfig(""),
		Dialer:      fakeServer(),
		Logger:      zap.NewNop(),
	})

	second := fx.New(Module(Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "b.sock"),
		Config:      testConfig(""),
		Dialer:      fakeServer(),
		Logger:      zap.NewNop(),
	}), fx.NopLogger)
	err := second.Err()
	if err == nil {
		t.Fatal("second daemon started on a locked session")
	}
	if !strings.Contains(err.Error(), "session lock held") {
		t.Errorf("error = %v, want lock held", err)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	home := shortHome(t, "cs-cfg-*")
	cfg := testConfig("")
	cfg.History.PageSize = 0

	app := fx.New(Module(Params{
		SessionName: "test",
		SocketPath:  filepath.Join(home, "d.sock"),
		Config:      cfg,
		Logger:      zap.NewNop(),
	}), fx.NopLogger)
	if err := app.Err(); err == nil || !strings.Contains(err.Error(), "page_size") {
		t.Errorf("fx.New() error = %v, want page_size validation error", err)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := config.DefaultEngine()
	got := EngineConfig(cfg)

	if got.Transport.MaxAttempts != 5 || got.Transport.InitialDelay != time.Second || got.Transport.MaxDelay != 30*time.Second {
		t.Errorf("transport = %+v", got.Transport)
	}
	if got.AckTimeout != 10*time.Second || got.Retention != 24*time.Hour {
		t.Errorf("ack timeout %v, retention %v", got.AckTimeout, got.Retention)
	}
	if got.SweepInterval != time.Hour {
		t.Errorf("sweep interval = %v, want 1h for 24h retention", got.SweepInterval)
	}
	if got.TypingTTL != 6*time.Second || got.PageSize != 50 {
		t.Errorf("typing ttl %v, page size %d", got.TypingTTL, got.PageSize)
	}
	if sweepInterval(10*time.Second) != time.Second {
		t.Errorf("sweepInterval(10s) = %v, want 1s floor", sweepInterval(10*time.Second))
	}
}

func TestDialerUsesConfiguredTimeouts(t *testing.T) {
	cfg := config.DefaultEngine()
	cfg.Server.URL = "ws://localhost:1/ws"
	cfg.Server.HandshakeTimeout.Duration = 3 * time.Second

	d, ok := provideDialer(Params{}, cfg, zap.NewNop()).(*transport.WebSocketDialer)
	if !ok {
		t.Fatal("default dialer is not a websocket dialer")
	}
	if d.HandshakeTimeout != 3*time.Second {
		t.Errorf("handshake timeout = %v, want 3s", d.HandshakeTimeout)
	}
	if d.URL != cfg.Server.URL || d.PingInterval != cfg.Transport.PingInterval.Duration {
		t.Errorf("dialer = %+v", d)
	}
}

// TestFxModuleWiring verifies NewServer takes Params rather than a bare
// string, which fx cannot resolve ("missing type: string").
func TestFxModuleWiring(t *testing.T) {
	home := shortHome(t, "cs-fx-*")
	socketPath := filepath.Join(home, "d.sock")

	p := Params{SessionName: "fxtest", SocketPath: socketPath}
	srv, err := NewServer(p, zap.NewNop(), api.NewControl("fxtest", "", nil, nil, nil, nil))
	if err != nil {
		t.Fatalf("NewServer() with Params failed: %v", err)
	}

	// Verify socket was created inside the temp dir (not ~/.chatsync).
	if _, statErr := os.Stat(socketPath); statErr != nil {
		t.Fatalf("socket not created at %s: %v", socketPath, statErr)
	}

	srv.Stop(context.Background())
	if _, statErr := os.Stat(socketPath); !os.IsNotExist(statErr) {
		t.Errorf("socket not removed on stop: %v", statErr)
	}
}
