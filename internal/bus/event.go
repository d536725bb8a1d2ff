package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Namespaces used across the engine.
const (
	NSConnection = "connection."
	NSMessage    = "message."
	NSWire       = "wire."
	NSCall       = "call."
	NSView       = "view."
	NSOutbox     = "outbox."
	NSSync       = "sync."
)

// Well-known event kinds.
const (
	ConnectionStatusChanged = "connection.status_changed"
	ConnectionSettled       = "connection.settled"
	MessageOptimistic       = "message.optimistic"
	MessageOutcome          = "message.outcome"
	MessageReadLocally      = "message.read_locally"
	CallChanged             = "call.changed"
	ViewRefreshed           = "view.refreshed"
	OutboxFlushed           = "outbox.flushed"
	OutboxDropped           = "outbox.dropped"
	SyncMessageCached       = "sync.message_cached"
)

// WireKind returns the bus kind for an inbound wire event.
func WireKind(kind string) string {
	return NSWire + kind
}
