package core

import (
	"fmt"
	"slices"
	"sync"
)

// ConnState is the connection status of a conversation's channel subscription.
type ConnState string

const (
	ConnIdle         ConnState = "idle"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnError        ConnState = "error"
)

// Phase is the loading phase of a session.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseReady   Phase = "ready"
)

// connTransitions lists the valid moves between connection states. Every state
// may go back to idle when the session stops.
var connTransitions = map[ConnState][]ConnState{
	ConnIdle:         {ConnConnecting, ConnError},
	ConnConnecting:   {ConnConnected, ConnDisconnected, ConnError, ConnIdle},
	ConnConnected:    {ConnDisconnected, ConnError, ConnIdle},
	ConnDisconnected: {ConnConnecting, ConnConnected, ConnError, ConnIdle},
	ConnError:        {ConnConnecting, ConnIdle},
}

// ConnMachine validates connection state transitions.
type ConnMachine struct {
	mu    sync.RWMutex
	state ConnState
}

func NewConnMachine() *ConnMachine {
	return &ConnMachine{state: ConnIdle}
}

func (m *ConnMachine) State() ConnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CanTransition reports whether moving from one state to another is valid.
func CanTransition(from, to ConnState) bool {
	if from == to {
		return true
	}
	return slices.Contains(connTransitions[from], to)
}

// Transition moves to the given state. Staying in the same state is a no-op.
func (m *ConnMachine) Transition(to ConnState) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == to {
		return false, nil
	}
	if !CanTransition(m.state, to) {
		return false, fmt.Errorf("invalid transition from %s to %s", m.state, to)
	}
	m.state = to
	return true, nil
}

// Reset forces the machine back to idle.
func (m *ConnMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = ConnIdle
}
