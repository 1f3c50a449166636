// SPDX-License-Identifier: MIT

package lifecycle

import (
	"errors"
	"testing"
	"time"
)

func TestValidateTransition_AllowedEdges(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StatePending, StateQueued},
		{StatePending, StateCancelled},
		{StatePending, StateFailed},
		{StateQueued, StateAssigned},
		{StateQueued, StateCancelled},
		{StateQueued, StateFailed},
		{StateAssigned, StateRunning},
		{StateAssigned, StateCancelled},
		{StateAssigned, StateFailed},
		{StateRunning, StateCompleted},
		{StateRunning, StateFailed},
		{StateRunning, StateCancelled},
		{StateRunning, StateTimeout},
	}
	for _, tc := range allowed {
		if err := ValidateTransition(tc.from, tc.to); err != nil {
			t.Errorf("ValidateTransition(%s, %s) = %v, want nil", tc.from, tc.to, err)
		}
	}
}

func TestValidateTransition_TerminalStatesHaveNoEdges(t *testing.T) {
	terminals := []State{StateCompleted, StateFailed, StateCancelled, StateTimeout}
	all := []State{
		StatePending, StateQueued, StateAssigned, StateRunning,
		StateCompleted, StateFailed, StateCancelled, StateTimeout,
	}
	for _, from := range terminals {
		if !IsTerminal(from) {
			t.Errorf("IsTerminal(%s) = false, want true", from)
		}
		for _, to := range all {
			err := ValidateTransition(from, to)
			if err == nil {
				t.Errorf("ValidateTransition(%s, %s) = nil, want error", from, to)
				continue
			}
			var ite *InvalidTransitionError
			if !errors.As(err, &ite) {
				t.Errorf("ValidateTransition(%s, %s) error type = %T", from, to, err)
			}
		}
	}
}

func TestValidateTransition_SkippingStatesRejected(t *testing.T) {
	rejected := []struct{ from, to State }{
		{StatePending, StateRunning},
		{StatePending, StateCompleted},
		{StateQueued, StateRunning},
		{StateQueued, StateTimeout},
		{StateAssigned, StateCompleted},
		{StateCompleted, StateRunning},
	}
	for _, tc := range rejected {
		if err := ValidateTransition(tc.from, tc.to); err == nil {
			t.Errorf("ValidateTransition(%s, %s) = nil, want error", tc.from, tc.to)
		}
	}
}

func TestCanCancel(t *testing.T) {
	for _, s := range []State{StatePending, StateQueued, StateAssigned, StateRunning} {
		if !CanCancel(s) {
			t.Errorf("CanCancel(%s) = false, want true", s)
		}
	}
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateTimeout} {
		if CanCancel(s) {
			t.Errorf("CanCancel(%s) = true, want false", s)
		}
	}
}

func TestTimeoutFor_Defaults(t *testing.T) {
	cases := map[string]time.Duration{
		"optimization":       1800 * time.Second,
		"stability":          7200 * time.Second,
		"bulk_modulus":       3600 * time.Second,
		"heat_capacity":      7200 * time.Second,
		"interaction_energy": 1800 * time.Second,
		"single_point":       600 * time.Second,
		"unknown":            DefaultTimeout,
	}
	for taskType, want := range cases {
		if got := TimeoutFor(taskType, 0); got != want {
			t.Errorf("TimeoutFor(%q, 0) = %v, want %v", taskType, got, want)
		}
	}
}

func TestTimeoutFor_CustomClamped(t *testing.T) {
	if got := TimeoutFor("single_point", 2*time.Second); got != 2*time.Second {
		t.Errorf("custom timeout = %v, want 2s", got)
	}
	if got := TimeoutFor("stability", 100*MaxTimeout); got != MaxTimeout {
		t.Errorf("clamped timeout = %v, want %v", got, MaxTimeout)
	}
}
