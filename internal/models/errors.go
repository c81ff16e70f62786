// Package models defines sentinel errors shared across Wayline components.
package models

import "errors"

// Error variables for better error handling and testability.
//
// Structural/definition defects (MissingInitialState, UnknownExecution,
// InvalidState, NoOutgoingTransition, NoMatchingBranch) are non-recoverable:
// the execution aborts and the failure is surfaced to the caller.
// ToolExecutionFailed is recoverable by default. SessionNotFound and
// NotPaused are caller usage errors rejected without mutating state.
var (
	ErrMissingInitialState  = errors.New("journey definition has no initial state")
	ErrUnknownExecution     = errors.New("unknown journey execution")
	ErrInvalidState         = errors.New("current state not present in journey definition")
	ErrNoOutgoingTransition = errors.New("no outgoing transition from state")
	ErrNoMatchingBranch     = errors.New("no conditional branch matched and no default transition exists")
	ErrToolExecutionFailed  = errors.New("tool execution failed")
	ErrSessionNotFound      = errors.New("session not found")
	ErrNotPaused            = errors.New("session is not paused")
)

// IsRecoverable reports whether the given failure allows retry or skip
// without restarting the whole execution.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrToolExecutionFailed)
}
