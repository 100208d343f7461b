// Copyright IBM Corp. 2020, 2025
// SPDX-License-Identifier: BUSL-1.1

package session

// State is a session's lifecycle state.  One state machine exists per worker
// connection; transitions are validated centrally so neither daemon can
// drive a session somewhere illegal.
type State uint32

const (
	StateNew State = iota
	StateHandshaking
	StateRegistered
	StateReady
	StateDraining
	StateClosed
	StateBackoff
)

func (s State) String() string {
	return [...]string{
		"new",
		"handshaking",
		"registered",
		"ready",
		"draining",
		"closed",
		"backoff",
	}[s]
}

// validTransitions holds the forward edges of the lifecycle.  A transition
// to StateBackoff is additionally allowed from every state except
// StateClosed (network errors and control.reset can land at any time).
var validTransitions = map[State][]State{
	StateNew:         {StateHandshaking},
	StateHandshaking: {StateRegistered},
	StateRegistered:  {StateReady},
	StateReady:       {StateDraining, StateClosed},
	StateDraining:    {StateClosed},
	StateBackoff:     {StateNew},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	if next == StateBackoff {
		return s != StateClosed
	}
	for _, v := range validTransitions[s] {
		if v == next {
			return true
		}
	}
	return false
}

// Health summarizes heartbeat liveness for a ready session.
type Health uint32

const (
	Healthy Health = iota
	Warn
	Degraded
	Unhealthy
)

func (h Health) String() string {
	return [...]string{"healthy", "warn", "degraded", "unhealthy"}[h]
}

// HealthForMisses maps consecutive heartbeat misses to a Health: 1 missed is
// a warning, 2 degraded, 3 or more unhealthy (the session is treated as
// lost and its bindings released).
func HealthForMisses(misses uint32) Health {
	switch {
	case misses == 0:
		return Healthy
	case misses == 1:
		return Warn
	case misses == 2:
		return Degraded
	default:
		return Unhealthy
	}
}
