// Package models defines conversational-layer structures for Wayline.
package models

import "time"

// ConversationMode shapes response decoration and default confirmation
// behavior. It never changes the underlying journey execution.
type ConversationMode string

const (
	// ModeGuided walks the user through each step with encouragement.
	ModeGuided ConversationMode = "guided"
	// ModeFreeform stays out of the way.
	ModeFreeform ConversationMode = "freeform"
	// ModeExpert keeps responses terse and skips confirmations.
	ModeExpert ConversationMode = "expert"
	// ModeTutorial explains every step as it happens.
	ModeTutorial ConversationMode = "tutorial"
)

// IsValidConversationMode checks if the given mode is supported.
func IsValidConversationMode(m ConversationMode) bool {
	switch m {
	case ModeGuided, ModeFreeform, ModeExpert, ModeTutorial:
		return true
	default:
		return false
	}
}

// Verbosity levels for response decoration.
const (
	VerbosityConcise  = "concise"
	VerbosityNormal   = "normal"
	VerbosityDetailed = "detailed"
)

// Preferences holds the per-session conversational preferences.
type Preferences struct {
	Verbosity             string `json:"verbosity,omitempty"`          // concise, normal, detailed
	ConfirmationLevel     string `json:"confirmation_level,omitempty"` // none, destructive, all
	ErrorStrategy         string `json:"error_strategy,omitempty"`     // retry, skip, ask
	Explanations          bool   `json:"explanations"`
	Suggestions           bool   `json:"suggestions"`
	ProgressNotifications bool   `json:"progress_notifications"`
}

// ConversationMetadata tracks bookkeeping counters for a conversation.
type ConversationMetadata struct {
	MessageCount   int       `json:"message_count"`
	ErrorCount     int       `json:"error_count"`
	CompletionRate float64   `json:"completion_rate"`
	CreatedAt      time.Time `json:"created_at"`
	LastMessageAt  time.Time `json:"last_message_at"`
}

// ConversationContext is the conversational-layer state for one session.
// Destroyed when the session ends.
type ConversationContext struct {
	SessionID   string               `json:"session_id"`
	WorkflowID  string               `json:"workflow_id"`
	UserID      string               `json:"user_id"`
	WorkspaceID string               `json:"workspace_id"`
	Mode        ConversationMode     `json:"mode"`
	Preferences Preferences          `json:"preferences"`
	Metadata    ConversationMetadata `json:"metadata"`
}
