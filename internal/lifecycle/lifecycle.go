// SPDX-License-Identifier: MIT

// Package lifecycle defines the task state machine: the closed state set,
// the allowed transition table, and per-task-type execution timeouts.
package lifecycle

import (
	"fmt"
	"time"
)

// State is one of the eight task lifecycle labels.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateAssigned  State = "assigned"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// InvalidTransitionError reports an attempt to take an edge that is not in
// the transition table. It is a programmer error at the call site.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s -> %s", e.From, e.To)
}

// validTransitions is the complete edge set. Terminal states have no
// outgoing edges.
var validTransitions = map[State]map[State]bool{
	StatePending:   {StateQueued: true, StateCancelled: true, StateFailed: true},
	StateQueued:    {StateAssigned: true, StateCancelled: true, StateFailed: true},
	StateAssigned:  {StateRunning: true, StateCancelled: true, StateFailed: true},
	StateRunning:   {StateCompleted: true, StateFailed: true, StateCancelled: true, StateTimeout: true},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
	StateTimeout:   {},
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	return validTransitions[from][to]
}

// ValidateTransition returns an *InvalidTransitionError if from -> to is not
// an allowed edge. Callers must validate before mutating task state.
func ValidateTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &InvalidTransitionError{From: from, To: to}
}

// IsTerminal reports whether the state accepts no outgoing edges.
func IsTerminal(s State) bool {
	edges, ok := validTransitions[s]
	return ok && len(edges) == 0
}

// IsActive reports whether the task is still owned by the scheduler core.
func IsActive(s State) bool {
	switch s {
	case StatePending, StateQueued, StateAssigned, StateRunning:
		return true
	}
	return false
}

// CanCancel reports whether a cancellation request is meaningful in s.
func CanCancel(s State) bool {
	return IsActive(s)
}

// NextStates returns the set of states reachable from s in one edge.
func NextStates(s State) []State {
	edges := validTransitions[s]
	out := make([]State, 0, len(edges))
	for st := range edges {
		out = append(out, st)
	}
	return out
}

// MaxTimeout caps every effective task timeout.
const MaxTimeout = 86400 * time.Second

// DefaultTimeout applies to unknown task types.
const DefaultTimeout = 3600 * time.Second

var taskTypeTimeouts = map[string]time.Duration{
	"optimization":       1800 * time.Second,
	"stability":          7200 * time.Second,
	"bulk_modulus":       3600 * time.Second,
	"heat_capacity":      7200 * time.Second,
	"interaction_energy": 1800 * time.Second,
	"single_point":       600 * time.Second,
}

// TimeoutFor returns the effective timeout for a task: the custom value
// clamped to MaxTimeout when supplied, otherwise the per-type default.
func TimeoutFor(taskType string, custom time.Duration) time.Duration {
	if custom > 0 {
		if custom > MaxTimeout {
			return MaxTimeout
		}
		return custom
	}
	if d, ok := taskTypeTimeouts[taskType]; ok {
		return d
	}
	return DefaultTimeout
}
