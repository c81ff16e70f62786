// Package models defines session-layer structures for Wayline.
package models

import "time"

// SessionStatus represents the lifecycle status of an agent session.
type SessionStatus string

const (
	// SessionStatusInitializing indicates the session is being set up.
	SessionStatusInitializing SessionStatus = "initializing"
	// SessionStatusActive indicates the session is processing normally.
	SessionStatusActive SessionStatus = "active"
	// SessionStatusWaitingInput indicates the engine requires user input.
	SessionStatusWaitingInput SessionStatus = "waiting_input"
	// SessionStatusError indicates the engine reported an unhandled failure.
	SessionStatusError SessionStatus = "error"
	// SessionStatusPaused indicates the session was explicitly paused.
	SessionStatusPaused SessionStatus = "paused"
	// SessionStatusCompleted indicates the journey reached a final state.
	SessionStatusCompleted SessionStatus = "completed"
	// SessionStatusTerminated indicates the session was torn down.
	SessionStatusTerminated SessionStatus = "terminated"
)

// Absorbing reports whether the status permits no further transitions.
func (s SessionStatus) Absorbing() bool {
	return s == SessionStatusCompleted || s == SessionStatusTerminated
}

// AgentSession is the lifecycle wrapper around one running journey
// execution, independent of journey-internal state.
type AgentSession struct {
	SessionID           string                `json:"session_id"`
	JourneyID           string                `json:"journey_id"`
	UserID              string                `json:"user_id"`
	WorkspaceID         string                `json:"workspace_id"`
	Status              SessionStatus         `json:"status"`
	StartTime           time.Time             `json:"start_time"`
	LastActivity        time.Time             `json:"last_activity"`
	ConversationHistory []ConversationMessage `json:"conversation_history"`
	Preferences         Preferences           `json:"preferences"`
}

// AgentResponse is the agent-facing reply to one inbound message. The
// session layer always returns one, degrading to generic guidance rather
// than propagating internal failures.
type AgentResponse struct {
	SessionID         string        `json:"session_id"`
	Message           string        `json:"message"`
	Success           bool          `json:"success"`
	UserInputRequired bool          `json:"user_input_required"`
	Completed         bool          `json:"completed"`
	Status            SessionStatus `json:"status"`
	Suggestions       []string      `json:"suggestions,omitempty"` // recommended next actions
	Timestamp         time.Time     `json:"timestamp"`
}

// ExecutionSummary reports the outcome of a terminated session.
type ExecutionSummary struct {
	SessionID        string        `json:"session_id"`
	JourneyID        string        `json:"journey_id"`
	StatesExecuted   int           `json:"states_executed"`
	ToolExecutions   int           `json:"tool_executions"`
	UserInteractions int           `json:"user_interactions"`
	Duration         time.Duration `json:"duration"`
	FinalStatus      SessionStatus `json:"final_status"`
}
