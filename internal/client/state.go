// Package client is the embeddable client runtime: a reconnecting
// websocket connection, a local reconciliation cache and the REST seeding
// that refreshes the cache after every (re)connect.
package client

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/relaychat/relay/internal/bus"
)

// State represents a client connection state.
type State string

const (
	Connecting   State = "CONNECTING"
	Connected    State = "CONNECTED"
	Reconnecting State = "RECONNECTING"
	Closed       State = "CLOSED"
)

// validTransitions defines allowed state transitions. Closed is terminal.
var validTransitions = map[State][]State{
	Connecting:   {Connected, Reconnecting, Closed},
	Connected:    {Reconnecting, Closed},
	Reconnecting: {Connecting, Closed},
	Closed:       {},
}

// backoffSchedule spaces reconnect attempts; past the last entry the delay
// holds steady rather than growing without bound.
var backoffSchedule = []time.Duration{0, 2 * time.Second, 5 * time.Second, 10 * time.Second}

// backoffFor returns the delay before the given reconnect attempt
// (zero-based).
func backoffFor(attempt int) time.Duration {
	if attempt >= len(backoffSchedule) {
		return backoffSchedule[len(backoffSchedule)-1]
	}
	return backoffSchedule[attempt]
}

// Machine tracks and enforces client connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a state machine starting in Connecting.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Connecting,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindClientStateChanged,
			Timestamp: time.Now(),
			Payload: StateChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StateChange is the payload for connection state change events.
type StateChange struct {
	From State
	To   State
}
