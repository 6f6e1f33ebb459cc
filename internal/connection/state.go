package connection

import (
	"github.com/Meteo-X/pixiu-sub007/errs"
)

// State is the connection lifecycle state.
type State string

const (
	// StateIdle is the initial state before Start.
	StateIdle State = "idle"
	// StateConnecting covers an in-flight dial.
	StateConnecting State = "connecting"
	// StateConnected means the socket is up but no data frame has arrived yet.
	StateConnected State = "connected"
	// StateActive means data frames are flowing.
	StateActive State = "active"
	// StateReconnecting covers the backoff wait between dial attempts.
	StateReconnecting State = "reconnecting"
	// StateError is terminal after escalation or a non-retryable failure.
	StateError State = "error"
	// StateClosed is terminal after an orderly Stop.
	StateClosed State = "closed"
)

var stateTransitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateReconnecting, StateError, StateClosed},
	StateConnected:    {StateActive, StateReconnecting, StateError, StateClosed},
	StateActive:       {StateReconnecting, StateError, StateClosed},
	StateReconnecting: {StateConnecting, StateError, StateClosed},
	StateError:        {},
	StateClosed:       {},
}

// ValidTransition reports whether the lifecycle permits moving from one state
// to the other. Self transitions are allowed.
func ValidTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, next := range stateTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an invalid-state error for forbidden transitions.
func CheckTransition(from, to State) error {
	if ValidTransition(from, to) {
		return nil
	}
	return errs.New("connection/state", errs.KindInvalidState,
		errs.WithMessage("cannot transition from "+string(from)+" to "+string(to)))
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateError || s == StateClosed
}
