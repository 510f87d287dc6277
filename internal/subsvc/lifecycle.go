package subsvc

import (
	"fmt"

	"go.uber.org/atomic"
)

// State is the lifecycle position of one subscriber connection.
type State uint32

const (
	StateConnecting State = iota
	StateActive
	StateDisconnected
	StateRemoved
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	case StateRemoved:
		return "removed"
	}
	return fmt.Sprintf("state(%d)", uint32(s))
}

// Lifecycle moves a connection through Connecting -> Active -> Disconnected -> Removed.
// States only move forward; Active may be skipped, Removed is terminal.
type Lifecycle struct {
	state *atomic.Uint32
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: atomic.NewUint32(uint32(StateConnecting))}
}

func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Transition moves to next and reports whether the move was allowed.
func (l *Lifecycle) Transition(next State) bool {
	for {
		cur := l.state.Load()
		if !allowed(State(cur), next) {
			return false
		}
		if l.state.CompareAndSwap(cur, uint32(next)) {
			return true
		}
	}
}

func allowed(from, to State) bool {
	switch from {
	case StateConnecting:
		return to == StateActive || to == StateDisconnected
	case StateActive:
		return to == StateDisconnected
	case StateDisconnected:
		return to == StateRemoved
	}
	return false
}
