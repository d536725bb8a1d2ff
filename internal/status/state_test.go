package status

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Connected},
		{Connecting, Error},
		{Connected, Disconnected},
		{Error, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, 0); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connected},
		{Disconnected, Error},
		{Connecting, Disconnected},
		{Connected, Connecting},
		{Connected, Error},
		{Error, Connecting},
		{Error, Connected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to, 0); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("connection.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting, 1); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != "connection.status_changed" {
		t.Errorf("event kind = %q, want connection.status_changed", evt.Kind)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting || change.Attempt != 1 {
		t.Errorf("change = %+v, want DISCONNECTED -> CONNECTING attempt 1", change)
	}
}

func TestListenersSeeEveryTransitionInOrder(t *testing.T) {
	m := NewMachine(nil)
	var seen []State
	unsub := m.Subscribe(func(c Change) { seen = append(seen, c.To) })

	// Reconnect cycle with one failed attempt, then exhaustion.
	steps := []State{Connecting, Connected, Disconnected, Connecting, Error, Disconnected, Connecting, Error}
	for i, s := range steps {
		if err := m.Transition(s, i); err != nil {
			t.Fatalf("Transition to %s: %v", s, err)
		}
	}
	if len(seen) != len(steps) {
		t.Fatalf("listener saw %d transitions, want %d", len(seen), len(steps))
	}
	for i := range steps {
		if seen[i] != steps[i] {
			t.Errorf("seen[%d] = %s, want %s", i, seen[i], steps[i])
		}
	}

	unsub()
	_ = m.Transition(Connecting, 0)
	if len(seen) != len(steps) {
		t.Error("listener called after unsubscribe")
	}
}

func TestFailMarksFinal(t *testing.T) {
	m := NewMachine(nil)
	var seen []Change
	m.Subscribe(func(c Change) { seen = append(seen, c) })

	if err := m.Fail(1, false); err == nil {
		t.Fatal("Fail from DISCONNECTED should be rejected")
	}
	steps := []func() error{
		func() error { return m.Transition(Connecting, 1) },
		func() error { return m.Fail(1, false) },
		func() error { return m.Transition(Disconnected, 1) },
		func() error { return m.Transition(Connecting, 2) },
		func() error { return m.Fail(2, true) },
	}
	for i, step := range steps {
		if err := step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if len(seen) != 5 {
		t.Fatalf("saw %d changes, want 5", len(seen))
	}
	if seen[1].To != Error || seen[1].Final {
		t.Errorf("retried failure = %+v, want non-final ERROR", seen[1])
	}
	if seen[4].To != Error || !seen[4].Final || seen[4].From != Connecting || seen[4].Attempt != 2 {
		t.Errorf("exhaustion = %+v, want final ERROR from CONNECTING at attempt 2", seen[4])
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected: {},
		Connecting:   {Connecting},
		Connected:    {Connecting, Connected},
		Error:        {Connecting, Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s, 0); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
