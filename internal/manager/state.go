package manager

import "slices"

// State is the lifecycle state of a Manager.
type State string

// Manager states.
const (
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateBootstrapping State = "bootstrapping"
	StateConnected     State = "connected"
	StateStopping      State = "stopping"
	StateError         State = "error"
)

// transitions lists the states reachable from each state. Every state other
// than Error may fall into Error; Error is left only through Stop.
var transitions = map[State][]State{
	StateStopped:       {StateStarting, StateError},
	StateStarting:      {StateBootstrapping, StateStopping, StateError},
	StateBootstrapping: {StateConnected, StateStopping, StateError},
	StateConnected:     {StateStopping, StateError},
	StateStopping:      {StateStopped, StateError},
	StateError:         {StateStopping, StateStopped},
}

// CanTransition reports whether the state machine allows s -> to.
func (s State) CanTransition(to State) bool {
	return slices.Contains(transitions[s], to)
}

// Running reports whether a daemon is starting, bootstrapping or connected.
func (s State) Running() bool {
	switch s {
	case StateStarting, StateBootstrapping, StateConnected:
		return true
	default:
		return false
	}
}

// String returns the state name.
func (s State) String() string {
	return string(s)
}
