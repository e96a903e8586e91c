// Package persistence provides standardized error types for storage operations.
package persistence

import (
	"errors"
)

var (
	// ErrTaskNotFound indicates a task was not found by the given identifier.
	ErrTaskNotFound = errors.New("task not found")

	// ErrExecutionNotFound indicates an execution was not found.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrOrganizationNotFound indicates an organization was not found.
	ErrOrganizationNotFound = errors.New("organization not found")

	// ErrWorkflowNotFound indicates a workflow definition was not found.
	ErrWorkflowNotFound = errors.New("workflow definition not found")

	// ErrRunNotFound indicates a workflow run was not found.
	ErrRunNotFound = errors.New("workflow run not found")

	// ErrStepRunNotFound indicates a step run was not found, including
	// lookups by callback token.
	ErrStepRunNotFound = errors.New("step run not found")

	// ErrExecutionNotClaimable indicates a claim attempt found the
	// execution already taken. Callers treat it as "try the next one".
	ErrExecutionNotClaimable = errors.New("execution not claimable")
)

func IsTaskNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}

func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

func IsRunNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound)
}

func IsStepRunNotFound(err error) bool {
	return errors.Is(err, ErrStepRunNotFound)
}
