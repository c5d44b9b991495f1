package session

import "fmt"

type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateError      State = "error"
)

// transitions lists the allowed moves. Error is reachable from every
// non-terminal state.
var transitions = map[State][]State{
	StateIdle:       {StateConnecting, StateError},
	StateConnecting: {StateOpen, StateClosing, StateClosed, StateError},
	StateOpen:       {StateClosing, StateClosed, StateError},
	StateClosing:    {StateClosed, StateError},
}

func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type transitionError struct {
	from, to State
}

func (e transitionError) Error() string {
	return fmt.Sprintf("invalid session transition %s -> %s", e.from, e.to)
}

// Status is reported to the surrounding application on every change.
type Status struct {
	SessionID string
	State     State
	// Cause is set once the session entered the error state.
	Cause    error
	Speaking bool
	Muted    bool
}

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Transcript carries the running text of the current turn for one side.
// Final is set once when the turn completes; the accumulator then resets.
type Transcript struct {
	SessionID string
	Role      Role
	Text      string
	Final     bool
}
