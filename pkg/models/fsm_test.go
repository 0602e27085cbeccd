package models

import "testing"

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    WorkerState
		to      WorkerState
		wantErr bool
	}{
		// Valid transitions
		{"Idle to Dispatching", StateIdle, StateDispatching, false},
		{"Idle to Exiting", StateIdle, StateExiting, false},
		{"Dispatching to Running", StateDispatching, StateRunning, false},
		{"Dispatching to Reporting", StateDispatching, StateReporting, false},
		{"Dispatching to Exiting", StateDispatching, StateExiting, false},
		{"Running to Reporting", StateRunning, StateReporting, false},
		{"Running to Exiting", StateRunning, StateExiting, false},
		{"Reporting to Idle", StateReporting, StateIdle, false},
		{"Reporting to Exiting", StateReporting, StateExiting, false},

		// Invalid transitions
		{"Idle to Running", StateIdle, StateRunning, true},
		{"Idle to Reporting", StateIdle, StateReporting, true},
		{"Running to Idle", StateRunning, StateIdle, true},
		{"Running to Dispatching", StateRunning, StateDispatching, true},
		{"Exiting to Idle", StateExiting, StateIdle, true},
		{"Exiting to Dispatching", StateExiting, StateDispatching, true},
		{"Unknown source", WorkerState("bogus"), StateIdle, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.to, err, tt.wantErr)
			}
		})
	}
}

func TestIsTerminalState(t *testing.T) {
	tests := []struct {
		state    WorkerState
		expected bool
	}{
		{StateExiting, true},
		{StateIdle, false},
		{StateDispatching, false},
		{StateRunning, false},
		{StateReporting, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := IsTerminalState(tt.state); got != tt.expected {
				t.Errorf("IsTerminalState(%v) = %v, want %v", tt.state, got, tt.expected)
			}
		})
	}
}

func TestIsJobActive(t *testing.T) {
	active := []WorkerState{StateDispatching, StateRunning, StateReporting}
	for _, s := range active {
		if !IsJobActive(s) {
			t.Errorf("IsJobActive(%v) = false, want true", s)
		}
	}
	for _, s := range []WorkerState{StateIdle, StateExiting} {
		if IsJobActive(s) {
			t.Errorf("IsJobActive(%v) = true, want false", s)
		}
	}
}
