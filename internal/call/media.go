package call

import (
	"context"
	"sync/atomic"
)

// Stream is an opaque handle to captured local media.
type Stream any

// Media acquires and releases local capture devices.
type Media interface {
	Acquire(ctx context.Context, kind Type) (Stream, error)
	Release(s Stream)
}

// NopMedia hands out placeholder streams. The daemon has no capture devices;
// it only drives signaling.
type NopMedia struct{}

func (NopMedia) Acquire(context.Context, Type) (Stream, error) { return struct{}{}, nil }
func (NopMedia) Release(Stream)                                {}

// CountingMedia wraps a Media and tracks how many streams are held.
type CountingMedia struct {
	Media
	held atomic.Int32
}

// Acquire implements Media.
func (c *CountingMedia) Acquire(ctx context.Context, kind Type) (Stream, error) {
	inner := c.Media
	if inner == nil {
		inner = NopMedia{}
	}
	s, err := inner.Acquire(ctx, kind)
	if err == nil {
		c.held.Add(1)
	}
	return s, err
}

// Release implements Media.
func (c *CountingMedia) Release(s Stream) {
	inner := c.Media
	if inner == nil {
		inner = NopMedia{}
	}
	inner.Release(s)
	c.held.Add(-1)
}

// Held returns the number of acquired, unreleased streams.
func (c *CountingMedia) Held() int {
	return int(c.held.Load())
}
