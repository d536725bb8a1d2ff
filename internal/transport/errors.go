package transport

import (
	"errors"
	"fmt"
	"time"

	"github.com/matheus3301/chatsync/internal/wire"
)

var (
	// ErrNotConnected is the connectivity error: there is no active channel.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionLost resolves acks still pending when a channel dies.
	ErrConnectionLost = errors.New("connection lost before acknowledgment")
	// ErrMissingCredential is returned by Connect without a credential.
	ErrMissingCredential = errors.New("missing credential")
	// ErrAuthRejected is returned when the server refuses the handshake.
	ErrAuthRejected = errors.New("authentication rejected")
	// ErrChannelClosed is returned by channel operations after Close.
	ErrChannelClosed = errors.New("channel closed")
)

// DeliveryTimeoutError reports that no ack arrived within the timeout.
type DeliveryTimeoutError struct {
	Kind    wire.Kind
	ID      string
	Timeout time.Duration
}

func (e *DeliveryTimeoutError) Error() string {
	return fmt.Sprintf("%s %s: no acknowledgment within %s", e.Kind, e.ID, e.Timeout)
}

// RejectionError is an explicit error payload returned by the server.
type RejectionError struct {
	Kind    wire.Kind
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("%s rejected: %s (%s)", e.Kind, e.Message, e.Code)
}

// IsConnectivity reports whether err means the intent never reached a live
// channel, so it may be queued and sent later.
func IsConnectivity(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
