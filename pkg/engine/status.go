package engine

import (
	"fmt"
)

// PlaybookStatus represents the lifecycle status of a playbook execution.
type PlaybookStatus string

const (
	// PlaybookStatusPending indicates the execution is created but not yet started.
	PlaybookStatusPending PlaybookStatus = "pending"

	// PlaybookStatusRunning indicates steps are being driven.
	PlaybookStatusRunning PlaybookStatus = "running"

	// PlaybookStatusCompleted indicates every step completed.
	PlaybookStatusCompleted PlaybookStatus = "completed"

	// PlaybookStatusFailed indicates a step failed or the execution was cancelled.
	PlaybookStatusFailed PlaybookStatus = "failed"

	// PlaybookStatusPaused indicates the driver is holding at a step boundary.
	PlaybookStatusPaused PlaybookStatus = "paused"
)

// playbookTransitions lists the legal targets for each playbook status.
// Cancellation (any -> failed) is handled separately by CanTransition.
var playbookTransitions = map[PlaybookStatus][]PlaybookStatus{
	PlaybookStatusPending: {PlaybookStatusRunning},
	PlaybookStatusRunning: {PlaybookStatusCompleted, PlaybookStatusFailed, PlaybookStatusPaused},
	PlaybookStatusPaused:  {PlaybookStatusRunning},
}

// IsTerminal returns true if the playbook status represents a final state.
func (s PlaybookStatus) IsTerminal() bool {
	return s == PlaybookStatusCompleted || s == PlaybookStatusFailed
}

// IsActive returns true if the execution still holds a place in the active set.
func (s PlaybookStatus) IsActive() bool {
	return s == PlaybookStatusPending || s == PlaybookStatusRunning || s == PlaybookStatusPaused
}

// CanTransition reports whether moving from s to next is legal.
// Every status may move to failed (cancellation).
func (s PlaybookStatus) CanTransition(next PlaybookStatus) bool {
	if next == PlaybookStatusFailed {
		return true
	}
	for _, allowed := range playbookTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Transition validates a status change and returns a classified error when illegal.
func (s PlaybookStatus) Transition(next PlaybookStatus) error {
	if !s.CanTransition(next) {
		return NewPermanentError(fmt.Sprintf("illegal playbook transition %s -> %s", s, next), nil).
			WithCode(ErrCodeInvalidTransition)
	}
	return nil
}

// Validate checks if the playbook status is valid.
func (s PlaybookStatus) Validate() error {
	switch s {
	case PlaybookStatusPending, PlaybookStatusRunning, PlaybookStatusCompleted,
		PlaybookStatusFailed, PlaybookStatusPaused:
		return nil
	default:
		return fmt.Errorf("invalid playbook status: %s", s)
	}
}

// StepStatus represents the lifecycle status of a single step execution.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step holds resources and is being dispatched.
	StepStatusRunning StepStatus = "running"

	// StepStatusCompleted indicates a strategy succeeded for the step.
	StepStatusCompleted StepStatus = "completed"

	// StepStatusFailed indicates allocation, admission or execution failed.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step never ran because the playbook stopped first.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// CanTransition reports whether moving from s to next is legal.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusRunning || next == StepStatusSkipped
	case StepStatusRunning:
		return next == StepStatusCompleted || next == StepStatusFailed
	default:
		return false
	}
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted,
		StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// ExecutionType identifies one of the interchangeable ways a step can be carried out.
type ExecutionType string

const (
	// ExecutionTypeAlgorithmic runs deterministic code registered for the step.
	ExecutionTypeAlgorithmic ExecutionType = "algorithmic"

	// ExecutionTypeAI delegates the step to an AI agent.
	ExecutionTypeAI ExecutionType = "ai"

	// ExecutionTypeHuman delegates the step to a person.
	ExecutionTypeHuman ExecutionType = "human"
)

// Validate checks if the execution type is valid.
func (t ExecutionType) Validate() error {
	switch t {
	case ExecutionTypeAlgorithmic, ExecutionTypeAI, ExecutionTypeHuman:
		return nil
	default:
		return fmt.Errorf("invalid execution type: %s", t)
	}
}
