// Package models defines execution-side structures for running journeys.
package models

import (
	"math"
	"time"
)

// ConversationMessage represents a single message in a conversation history.
type ConversationMessage struct {
	Role      string    `json:"role"` // "user", "assistant" or "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolResult records one invocation of an external tool during execution.
type ToolResult struct {
	ToolID    string        `json:"tool_id"`
	Success   bool          `json:"success"`
	Output    string        `json:"output,omitempty"`
	Error     string        `json:"error,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Milestone is a progress-tracking unit for one non-initial, non-final state.
type Milestone struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	StateID   string     `json:"state_id"`
	Completed bool       `json:"completed"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// ProgressTracker tracks completion of a journey execution. CompletedStates
// and CompletionPercentage are monotonically non-decreasing.
type ProgressTracker struct {
	TotalStates          int         `json:"total_states"` // count of non-initial states
	CompletedStates      int         `json:"completed_states"`
	CurrentStateName     string      `json:"current_state_name"`
	CompletionPercentage int         `json:"completion_percentage"`
	Milestones           []Milestone `json:"milestones"`
	FinalReached         bool        `json:"final_reached"`
}

// NewProgressTracker builds a tracker from a journey definition: TotalStates
// counts the non-initial states, with one milestone per non-initial,
// non-final state.
func NewProgressTracker(def *JourneyDefinition) *ProgressTracker {
	tracker := &ProgressTracker{}
	for _, s := range def.States {
		if s.Kind == StateKindInitial {
			continue
		}
		tracker.TotalStates++
		if s.Kind == StateKindFinal {
			continue
		}
		tracker.Milestones = append(tracker.Milestones, Milestone{
			ID:      "milestone_" + s.ID,
			Name:    s.Name,
			StateID: s.ID,
		})
	}
	return tracker
}

// CompleteState marks the milestone for the given state as completed and
// recomputes the completion percentage. Idempotent: re-entering an already
// completed state changes nothing. Returns true when the state was newly
// completed.
func (p *ProgressTracker) CompleteState(stateID string, kind StateKind) bool {
	if kind == StateKindInitial {
		return false
	}
	if kind == StateKindFinal {
		if p.FinalReached {
			return false
		}
		p.FinalReached = true
		p.CompletedStates++
		p.recompute()
		return true
	}
	for i := range p.Milestones {
		if p.Milestones[i].StateID != stateID {
			continue
		}
		if p.Milestones[i].Completed {
			return false
		}
		now := time.Now()
		p.Milestones[i].Completed = true
		p.Milestones[i].Timestamp = &now
		p.CompletedStates++
		p.recompute()
		return true
	}
	return false
}

// MilestoneFor returns the milestone tracking the given state, or nil.
func (p *ProgressTracker) MilestoneFor(stateID string) *Milestone {
	for i := range p.Milestones {
		if p.Milestones[i].StateID == stateID {
			return &p.Milestones[i]
		}
	}
	return nil
}

func (p *ProgressTracker) recompute() {
	if p.TotalStates == 0 {
		return
	}
	pct := int(math.Round(float64(p.CompletedStates) / float64(p.TotalStates) * 100))
	if pct > p.CompletionPercentage {
		p.CompletionPercentage = pct
	}
}

// Clone returns a deep copy of the tracker, safe to hand to observers.
func (p *ProgressTracker) Clone() *ProgressTracker {
	if p == nil {
		return nil
	}
	out := *p
	out.Milestones = make([]Milestone, len(p.Milestones))
	copy(out.Milestones, p.Milestones)
	for i := range out.Milestones {
		if out.Milestones[i].Timestamp != nil {
			ts := *out.Milestones[i].Timestamp
			out.Milestones[i].Timestamp = &ts
		}
	}
	return &out
}

// ExecutionContext holds the mutable state of one running journey execution.
// Owned exclusively by the execution engine; at most one context exists per
// journey id at any time.
type ExecutionContext struct {
	JourneyID           string                `json:"journey_id"` // engine-generated, distinct from the definition id
	SessionID           string                `json:"session_id"`
	UserID              string                `json:"user_id"`
	WorkspaceID         string                `json:"workspace_id"`
	CurrentStateID      string                `json:"current_state_id"`
	ExecutionState      map[string]any        `json:"execution_state"` // free-form scratch storage
	ConversationHistory []ConversationMessage `json:"conversation_history"`
	ToolResults         []ToolResult          `json:"tool_results"`
	StartTime           time.Time             `json:"start_time"`
	Progress            *ProgressTracker      `json:"progress"`
}

// ExecutionResult is the outcome of one ProcessInput call. Expected failure
// modes are carried in Err rather than raised; Recoverable distinguishes
// tool failures from structural defects.
type ExecutionResult struct {
	Success           bool             `json:"success"`
	Response          string           `json:"response,omitempty"`
	UserInputRequired bool             `json:"user_input_required"`
	Completed         bool             `json:"completed"`
	StateID           string           `json:"state_id,omitempty"`
	Err               error            `json:"-"`
	Recoverable       bool             `json:"recoverable,omitempty"`
	Progress          *ProgressTracker `json:"progress,omitempty"`
}
