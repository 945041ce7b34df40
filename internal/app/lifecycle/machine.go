// Package lifecycle owns session state: the shared Service that persists it
// and the local Machine each participant drives.
package lifecycle

import (
	"fmt"
	"sync"

	"github.com/dkeye/Consult/internal/domain"
)

var transitions = map[domain.State][]domain.State{
	domain.StateUninitialized: {domain.StateWaiting, domain.StateActive, domain.StatePaused, domain.StateEnded},
	domain.StateWaiting:       {domain.StateActive, domain.StateEnded},
	domain.StateActive:        {domain.StatePaused, domain.StateEnded},
	domain.StatePaused:        {domain.StateActive, domain.StateEnded},
}

// CanTransition reports whether from -> to is allowed. Leaving
// uninitialized to any state restores a resumed session.
func CanTransition(from, to domain.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine is one participant's view of the session state.
type Machine struct {
	mu    sync.Mutex
	state domain.State
}

func NewMachine() *Machine {
	return &Machine{state: domain.StateUninitialized}
}

func (m *Machine) State() domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to next. Re-entering the current state is a no-op
// reported as changed=false; ended is terminal.
func (m *Machine) Transition(next domain.State) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == next {
		return false, nil
	}
	if !CanTransition(m.state, next) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, m.state, next)
	}
	m.state = next
	return true, nil
}
