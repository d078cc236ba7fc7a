package session

import (
	"fmt"
	"sync"
)

// State is a live session lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateLive       State = "live"
	StatePaused     State = "paused"
	StateEnded      State = "ended"
)

func (s State) Valid() bool {
	switch s {
	case StateIdle, StateConnecting, StateLive, StatePaused, StateEnded:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are accepted.
func (s State) Terminal() bool { return s == StateEnded }

// validEdges is the full transition table. Anything not listed is an
// InvalidTransition.
var validEdges = map[State]map[State]bool{
	StateIdle:       {StateConnecting: true},
	StateConnecting: {StateLive: true, StateEnded: true},
	StateLive:       {StatePaused: true, StateEnded: true},
	StatePaused:     {StateLive: true, StateEnded: true},
	StateEnded:      {},
}

// InvalidTransitionError is returned for any transition request outside the
// edge table. It is a client/programming error and is never retried.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.From, e.To)
}

// CanTransition reports whether from -> to is an edge in the table.
// Same-state requests on non-terminal states are allowed as no-ops.
func CanTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	return validEdges[from][to]
}

// Machine serializes all state transitions for one session. Every mutation
// of the session's lifecycle state, and every persistence write that must
// observe a consistent state, goes through this mutex: two callers racing
// the same edge see exactly one winner.
type Machine struct {
	mu    sync.Mutex
	state State
}

func NewMachine(initial State) *Machine {
	if !initial.Valid() {
		initial = StateIdle
	}
	return &Machine{state: initial}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Request attempts the transition to target. It returns the resulting state
// and whether the state actually changed. A request for the current state of
// a non-terminal session is an idempotent no-op. Any request against ENDED,
// and any edge outside the table, fails with *InvalidTransitionError.
func (m *Machine) Request(target State) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestLocked(target)
}

// Apply performs the transition and, while still holding the serialization
// lock, runs persist with the old and new states. If persist fails the
// in-memory state is rolled back, so persistence and machine state never
// diverge. A no-op transition skips persist.
func (m *Machine) Apply(target State, persist func(from, to State) error) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from := m.state
	next, changed, err := m.requestLocked(target)
	if err != nil || !changed {
		return next, changed, err
	}
	if persist != nil {
		if perr := persist(from, next); perr != nil {
			m.state = from
			return from, false, perr
		}
	}
	return next, true, nil
}

func (m *Machine) requestLocked(target State) (State, bool, error) {
	if !target.Valid() {
		return m.state, false, &InvalidTransitionError{From: m.state, To: target}
	}
	if target == m.state {
		if m.state.Terminal() {
			return m.state, false, &InvalidTransitionError{From: m.state, To: target}
		}
		return m.state, false, nil
	}
	if !validEdges[m.state][target] {
		return m.state, false, &InvalidTransitionError{From: m.state, To: target}
	}
	m.state = target
	return m.state, true, nil
}
