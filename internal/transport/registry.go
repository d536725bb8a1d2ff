package transport

import (
	"maps"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/wire"
)

// Handler receives decoded inbound events on the reader goroutine.
type Handler func(wire.Event)

// anyKind registers a handler for every event kind.
const anyKind wire.Kind = ""

// registry is the permanent handler table owned by the Connection. It is
// independent of any channel, so handlers survive reconnects untouched.
type registry struct {
	mu       sync.RWMutex
	handlers map[wire.Kind]map[int]Handler
	next     int
}

func newRegistry() *registry {
	return &registry{handlers: make(map[wire.Kind]map[int]Handler)}
}

func (r *registry) add(kind wire.Kind, h Handler) func() {
	r.mu.Lock()
	id := r.next
	r.next++
	if r.handlers[kind] == nil {
		r.handlers[kind] = make(map[int]Handler)
	}
	r.handlers[kind][id] = h
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.handlers[kind], id)
			r.mu.Unlock()
		})
	}
}

// matching returns handlers for kind plus wildcard handlers in registration order.
func (r *registry) matching(kind wire.Kind) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := make(map[int]Handler)
	maps.Copy(byID, r.handlers[kind])
	maps.Copy(byID, r.handlers[anyKind])
	out := make([]Handler, 0, len(byID))
	for _, id := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[id])
	}
	return out
}

func (r *registry) dispatch(evt wire.Event) int {
	hs := r.matching(evt.Kind())
	for _, h := range hs {
		h(evt)
	}
	return len(hs)
}
