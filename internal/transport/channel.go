package transport

import (
	"context"

	"github.com/matheus3301/chatsync/internal/wire"
)

// Channel is one established bidirectional frame stream. Write may be called
// from several goroutines; Read is only called by the connection's reader.
type Channel interface {
	Write(env wire.Envelope) error
	Read() (wire.Envelope, error)
	Close() error
}

// Dialer opens new channels. The connection calls it once per attempt.
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Channel, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Channel, error) {
	return f(ctx)
}
