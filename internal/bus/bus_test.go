package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSConnection, 10)
	defer unsub()

	b.Emit(ConnectionStatusChanged, "test")

	select {
	case evt := <-ch:
		if evt.Kind != ConnectionStatusChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, ConnectionStatusChanged)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not stamped")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSWire, 10)
	defer unsub()

	b.Emit(ConnectionSettled, nil)
	b.Emit(WireKind("new_message"), nil)

	select {
	case evt := <-ch:
		if evt.Kind != "wire.new_message" {
			t.Errorf("got kind %q, want wire.new_message", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the connection event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(NSMessage, 10)
	unsub()
	unsub() // idempotent

	b.Emit(MessageOutcome, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	if b.Dropped() != 1 {
		t.Errorf("dropped = %d, want 1", b.Dropped())
	}
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var b *Bus
	b.Emit(ViewRefreshed, nil)
}
