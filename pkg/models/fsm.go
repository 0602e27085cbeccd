package models

import "fmt"

// WorkerState is the lifecycle state of a worker process
type WorkerState string

// Strict worker states
const (
	StateIdle        WorkerState = "idle"        // waiting for a job request
	StateDispatching WorkerState = "dispatching" // validating budget, starting governor
	StateRunning     WorkerState = "running"     // engine call in progress
	StateReporting   WorkerState = "reporting"   // sending the outcome
	StateExiting     WorkerState = "exiting"     // orderly shutdown, terminal
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[WorkerState]map[WorkerState]bool{
	StateIdle: {
		StateDispatching: true, // job received
		StateExiting:     true, // shutdown, channel closed, or signal
	},
	StateDispatching: {
		StateRunning:   true, // budget accepted, governor measuring
		StateReporting: true, // request rejected before dispatch
		StateExiting:   true, // termination signal
	},
	StateRunning: {
		StateReporting: true, // engine call returned or was classified
		StateExiting:   true, // governor already reported a breach
	},
	StateReporting: {
		StateIdle:    true, // reusable worker
		StateExiting: true, // single-use worker or fatal fault
	},
	// Terminal
	StateExiting: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to WorkerState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if no further transitions are allowed
func IsTerminalState(state WorkerState) bool {
	return state == StateExiting
}

// IsJobActive returns true while a job is outstanding
func IsJobActive(state WorkerState) bool {
	return state == StateDispatching || state == StateRunning || state == StateReporting
}
