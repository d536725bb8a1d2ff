package status

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State represents the connection status of the client session.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Error        State = "ERROR"
)

// validTransitions defines allowed state transitions. A connect cycle is
// CONNECTING -> CONNECTED|ERROR -> DISCONNECTED -> CONNECTING.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Error},
	Connected:    {Disconnected},
	Error:        {Disconnected},
}

// Listener observes every accepted transition.
type Listener func(Change)

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	bus       *bus.Bus
	listeners map[int]Listener
	nextID    int
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current:   Disconnected,
		bus:       b,
		listeners: make(map[int]Listener),
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Subscribe registers a listener and returns its unsubscribe function.
func (m *Machine) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Transition attempts to move to a new state. attempt is the reconnect
// attempt number the transition belongs to (0 outside of a retry cycle).
// Returns error if the transition is invalid.
func (m *Machine) Transition(to State, attempt int) error {
	return m.apply(Change{To: to, Attempt: attempt})
}

// Fail moves CONNECTING to ERROR. final marks a failure that ends the
// cycle; otherwise DISCONNECTED follows while the next attempt waits.
func (m *Machine) Fail(attempt int, final bool) error {
	return m.apply(Change{To: Error, Attempt: attempt, Final: final})
}

func (m *Machine) apply(change Change) error {
	m.mu.Lock()
	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, change.To) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, change.To)
	}
	change.From = m.current
	change.At = time.Now()
	m.current = change.To
	listeners := make([]Listener, 0, len(m.listeners))
	for _, id := range slices.Sorted(maps.Keys(m.listeners)) {
		listeners = append(listeners, m.listeners[id])
	}
	m.mu.Unlock()

	for _, l := range listeners {
		l(change)
	}
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.ConnectionStatusChanged,
			Timestamp: change.At,
			Payload:   change,
		})
	}
	return nil
}

// Change is the payload for status change events.
type Change struct {
	From    State
	To      State
	Attempt int
	// Final is set on ERROR when no automatic retry follows.
	Final bool
	At    time.Time
}
