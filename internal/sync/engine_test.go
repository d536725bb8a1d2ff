package sync

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/delivery"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/wire"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func me() string { return "me" }

func newMessage(id, chatID, sender, content string, ms int64) wire.NewMessage {
	return wire.NewMessage{Message: wire.MessagePayload{
		ID: id, ChatID: chatID, Sender: sender, Content: content, Type: "text",
		CreatedAt: time.UnixMilli(ms),
	}}
}

func TestEngineIngestMessage(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	e := NewEngine(db, b, me, nil)

	ch, unsub := b.Subscribe(bus.NSSync, 10)
	defer unsub()

	if err := e.Apply(newMessage("m1", "chat", "peer", "hello", 1000)); err != nil {
		t.Fatal(err)
	}

	c, err := db.GetChat("chat")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil {
		t.Fatal("chat not created")
	}
	if c.LastMessagePreview != "hello" || c.UnreadCount != 1 {
		t.Errorf("chat = %+v, want preview hello and 1 unread", c)
	}

	m, err := db.GetMessage("chat", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil || m.Content != "hello" || m.CreatedAt != 1000 {
		t.Fatalf("stored message = %+v", m)
	}

	select {
	case evt := <-ch:
		if evt.Kind != bus.SyncMessageCached {
			t.Errorf("event kind = %q, want %s", evt.Kind, bus.SyncMessageCached)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for sync.message_cached event")
	}
}

func TestEngineIngestMessageIdempotent(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), me, nil)

	for _, content := range []string{"v1", "v2"} {
		if err := e.Apply(newMessage("m1", "chat", "peer", content, 1000)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := db.ListMessagesBefore("chat", 0, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (idempotent)", len(msgs))
	}
	if msgs[0].Content != "v2" {
		t.Errorf("content = %q, want v2", msgs[0].Content)
	}
}

func TestEngineAppliesEditsDeletesAndReads(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), me, nil)

	steps := []wire.Event{
		newMessage("m1", "chat", "peer", "one", 1000),
		newMessage("m2", "chat", "peer", "two", 2000),
		wire.MessageUpdated{MessageID: "m1", ChatID: "chat", Content: "one!", EditedAt: time.UnixMilli(3000)},
		wire.MessageDeleted{MessageID: "m2", ChatID: "chat"},
		wire.MessageRead{MessageID: "m1", ChatID: "chat", ReaderID: "me"},
		// Events for unknown messages never create rows.
		wire.MessageUpdated{MessageID: "ghost", ChatID: "chat", Content: "x"},
		wire.MessageDeleted{MessageID: "ghost", ChatID: "chat"},
		wire.Typing{ChatID: "chat", UserID: "peer", IsTyping: true},
	}
	for _, evt := range steps {
		if err := e.Apply(evt); err != nil {
			t.Fatalf("%s: %v", evt.Kind(), err)
		}
	}

	m1, _ := db.GetMessage("chat", "m1")
	if m1.Content != "one!" || m1.Read != "READ" {
		t.Errorf("m1 = %+v", m1)
	}
	m2, _ := db.GetMessage("chat", "m2")
	if !m2.Deleted || m2.Content != "" {
		t.Errorf("m2 = %+v, want tombstone", m2)
	}
	if ghost, _ := db.GetMessage("chat", "ghost"); ghost != nil {
		t.Error("ghost message created")
	}
	c, _ := db.GetChat("chat")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestEngineOwnMessagesDoNotCountUnread(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), me, nil)

	if err := e.Apply(newMessage("m1", "chat", "me", "mine", 1000)); err != nil {
		t.Fatal(err)
	}
	c, _ := db.GetChat("chat")
	if c.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0", c.UnreadCount)
	}
}

func TestEngineIngestOutcome(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), me, nil)

	e.Remember(&chat.Message{ClientID: "c1", ChatID: "chat", Sender: "me", Content: "hello", Type: "text", CreatedAt: time.UnixMilli(1000)})

	if err := e.IngestOutcome(delivery.Outcome{ClientID: "c1", ChatID: "chat", State: chat.Failed}); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetMessage("chat", "s1"); m != nil {
		t.Fatal("failed outcome must not be cached")
	}

	if err := e.IngestOutcome(delivery.Outcome{ClientID: "c1", ChatID: "chat", ServerID: "s1", State: chat.Delivered, CreatedAt: time.UnixMilli(1500)}); err != nil {
		t.Fatal(err)
	}
	m, _ := db.GetMessage("chat", "s1")
	if m == nil {
		t.Fatal("confirmed message not cached")
	}
	if m.ClientID != "c1" || m.Content != "hello" || m.CreatedAt != 1500 {
		t.Errorf("cached = %+v", m)
	}

	// A second outcome for the same client id is a no-op.
	if err := e.IngestOutcome(delivery.Outcome{ClientID: "c1", ChatID: "chat", ServerID: "s1", State: chat.Delivered}); err != nil {
		t.Fatal(err)
	}
}

func TestEngineIngestAdvancesCheckpoint(t *testing.T) {
	db := testDB(t)
	e := NewEngine(db, bus.New(), me, nil)

	before := time.Now().UnixMilli()
	e.Ingest(newMessage("m1", "chat", "peer", "hi", 5000))
	if m, _ := db.GetMessage("chat", "m1"); m == nil {
		t.Fatal("message not cached")
	}
	last, err := e.Checkpoints().Get(KeyLastEvent)
	if err != nil {
		t.Fatal(err)
	}
	if last == "" || last < millis(time.UnixMilli(before)) {
		t.Errorf("last event checkpoint = %q, want at least %d", last, before)
	}

	// A failed write leaves the checkpoint alone.
	if err := e.Checkpoints().Update(KeyLastEvent, "1"); err != nil {
		t.Fatal(err)
	}
	e.Ingest(wire.NewMessage{Message: wire.MessagePayload{ChatID: "chat", Content: "no id"}})
	if last, _ := e.Checkpoints().Get(KeyLastEvent); last != "1" {
		t.Errorf("checkpoint after failed ingest = %q, want 1", last)
	}
}

func TestTruncateKeepsRunes(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo", 2, "h"},
		{"日本語", 4, "日"},
		{strings.Repeat("ü", 60), previewLen, strings.Repeat("ü", 50)},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.max)
		if got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) is not valid UTF-8", tt.in, tt.max)
		}
	}
}

func TestCheckpoints(t *testing.T) {
	c := NewCheckpoints(testDB(t), nil)

	v, err := c.Get("missing")
	if err != nil || v != "" {
		t.Fatalf("Get(missing) = %q, %v", v, err)
	}
	if err := c.Update("k", "1"); err != nil {
		t.Fatal(err)
	}
	if err := c.Update("k", "2"); err != nil {
		t.Fatal(err)
	}
	c.Touch(KeyLastConnected, time.UnixMilli(42))

	all, err := c.All()
	if err != nil {
		t.Fatal(err)
	}
	if all["k"] != "2" || all[KeyLastConnected] != "42" || len(all) != 2 {
		t.Errorf("checkpoints = %v", all)
	}
}
