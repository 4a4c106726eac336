package core

import (
	"errors"
	"fmt"
)

// validTransitions defines the allowed state transitions for alerts. Every
// transition here requires an explicit operator action; nothing advances
// silently. Resolved and false-positive are terminal.
var validTransitions = map[AlertStatus][]AlertStatus{
	AlertStatusNew:           {AlertStatusAcknowledged, AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusAcknowledged:  {AlertStatusResolved, AlertStatusFalsePositive},
	AlertStatusResolved:      {},
	AlertStatusFalsePositive: {},
}

// TransitionTo validates and executes an alert state transition.
// Returns an error if the transition is not allowed.
func (a *Alert) TransitionTo(newStatus AlertStatus) error {
	if newStatus == "" {
		return errors.New("new status cannot be empty")
	}

	if !newStatus.IsValid() {
		return fmt.Errorf("invalid alert status: %s", newStatus)
	}

	allowed, exists := validTransitions[a.Status]
	if !exists {
		return fmt.Errorf("unknown current status: %s", a.Status)
	}

	for _, status := range allowed {
		if status == newStatus {
			a.Status = newStatus
			return nil
		}
	}

	return fmt.Errorf("invalid transition: %s -> %s (allowed: %v)", a.Status, newStatus, allowed)
}

// CanTransitionTo checks if a transition is allowed without executing it.
func (a *Alert) CanTransitionTo(newStatus AlertStatus) bool {
	if !newStatus.IsValid() {
		return false
	}
	for _, status := range validTransitions[a.Status] {
		if status == newStatus {
			return true
		}
	}
	return false
}

// IsFinalState checks if the alert can no longer change status.
func (a *Alert) IsFinalState() bool {
	return len(validTransitions[a.Status]) == 0
}
