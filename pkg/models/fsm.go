package models

import (
	"fmt"
	"time"
)

// validTransitions maps from-state to allowed to-states
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning:   true, // Queue → Running (worker slot acquired)
		JobStatusCancelled: true, // Queue → Cancelled (user cancels, no side effects)
	},
	JobStatusRunning: {
		JobStatusSucceeded: true, // Running → Succeeded
		JobStatusFailed:    true, // Running → Failed (error kind recorded)
		JobStatusCancelled: true, // Running → Cancelled (cooperative cancel observed)
	},
	// Terminal states (no transitions allowed)
	JobStatusSucceeded: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks if a state transition is valid
func ValidateTransition(from, to JobStatus) error {
	allowedStates, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowedStates[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true if the state is terminal
func IsTerminalState(status JobStatus) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// TransitionTo moves the job to a new state, recording the transition and
// the relevant timestamps. Invalid transitions leave the job untouched.
func (j *Job) TransitionTo(to JobStatus, reason string) error {
	if err := ValidateTransition(j.Status, to); err != nil {
		return fmt.Errorf("job %s: %w", j.ID, err)
	}

	now := time.Now()
	j.StateTransitions = append(j.StateTransitions, StateTransition{
		From:      j.Status,
		To:        to,
		Timestamp: now,
		Reason:    reason,
	})
	j.Status = to

	switch {
	case to == JobStatusRunning:
		j.StartedAt = &now
	case IsTerminalState(to):
		j.CompletedAt = &now
	}
	return nil
}
