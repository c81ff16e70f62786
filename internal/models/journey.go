// Package models defines the core data structures for Wayline.
//
// It includes journey definitions, execution contexts, sessions and
// broadcast events, which are shared across modules.
package models

import (
	"fmt"
	"time"
)

// StateKind determines the execution semantics of a journey state.
type StateKind string

const (
	// StateKindInitial is the single entry state of a journey.
	StateKindInitial StateKind = "initial"
	// StateKindFinal is a terminal state; reaching it completes the journey.
	StateKindFinal StateKind = "final"
	// StateKindTool invokes an external tool and advances automatically.
	StateKindTool StateKind = "tool"
	// StateKindChat waits for user input before advancing.
	StateKindChat StateKind = "chat"
	// StateKindConditional evaluates an expression and branches.
	StateKindConditional StateKind = "conditional"
	// StateKindParallel fans out to branches and joins before advancing.
	StateKindParallel StateKind = "parallel"
)

// IsValidStateKind checks if the given state kind is supported.
func IsValidStateKind(k StateKind) bool {
	switch k {
	case StateKindInitial, StateKindFinal, StateKindTool, StateKindChat, StateKindConditional, StateKindParallel:
		return true
	default:
		return false
	}
}

// IsAutomated reports whether a state of this kind executes without waiting
// for new user input.
func (k StateKind) IsAutomated() bool {
	switch k {
	case StateKindInitial, StateKindTool, StateKindConditional, StateKindParallel:
		return true
	default:
		return false
	}
}

// JourneyState is a named step in a journey, tagged with a kind.
type JourneyState struct {
	ID          string         `json:"id"`
	Kind        StateKind      `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`   // kind-specific parameters
	OnEntry     []string       `json:"on_entry,omitempty"` // side-effecting actions on entry
}

// Transition is a directed, optionally conditional edge between two states.
type Transition struct {
	ID        string `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Condition string `json:"condition,omitempty"` // empty means default/unconditional
	Priority  int    `json:"priority"`            // lower wins on ties
}

// JourneyMetadata records the origin of a converted journey definition.
type JourneyMetadata struct {
	SourceWorkflowID string    `json:"source_workflow_id,omitempty"`
	ConvertedAt      time.Time `json:"converted_at,omitempty"`
}

// JourneyDefinition is a declarative state-machine definition describing a
// conversational execution of a workflow. Immutable once loaded.
type JourneyDefinition struct {
	ID          string          `json:"id"`
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Conditions  []string        `json:"conditions,omitempty"` // triggers describing when this journey applies
	States      []JourneyState  `json:"states"`
	Transitions []Transition    `json:"transitions"`
	Metadata    JourneyMetadata `json:"metadata,omitempty"`
}

// StateByID returns the state with the given id, or nil if absent.
func (d *JourneyDefinition) StateByID(id string) *JourneyState {
	for i := range d.States {
		if d.States[i].ID == id {
			return &d.States[i]
		}
	}
	return nil
}

// InitialState returns the first state of kind initial, or nil if none
// exists. When a definition carries more than one initial state the first in
// definition order wins.
func (d *JourneyDefinition) InitialState() *JourneyState {
	for i := range d.States {
		if d.States[i].Kind == StateKindInitial {
			return &d.States[i]
		}
	}
	return nil
}

// TransitionsFrom returns all transitions whose source is the given state id,
// in definition order.
func (d *JourneyDefinition) TransitionsFrom(stateID string) []Transition {
	var out []Transition
	for _, t := range d.Transitions {
		if t.From == stateID {
			out = append(out, t)
		}
	}
	return out
}

// Validate checks the structural invariants of a journey definition: exactly
// one initial state, at least one final state, every non-final state is the
// source of at least one transition, and every transition references known
// states.
func (d *JourneyDefinition) Validate() error {
	if len(d.States) == 0 {
		return fmt.Errorf("journey %s: %w", d.ID, ErrMissingInitialState)
	}

	initials := 0
	finals := 0
	ids := make(map[string]bool, len(d.States))
	for _, s := range d.States {
		if !IsValidStateKind(s.Kind) {
			return fmt.Errorf("journey %s: state %s has unknown kind %q", d.ID, s.ID, s.Kind)
		}
		if ids[s.ID] {
			return fmt.Errorf("journey %s: duplicate state id %s", d.ID, s.ID)
		}
		ids[s.ID] = true
		switch s.Kind {
		case StateKindInitial:
			initials++
		case StateKindFinal:
			finals++
		}
	}
	if initials == 0 {
		return fmt.Errorf("journey %s: %w", d.ID, ErrMissingInitialState)
	}
	if finals == 0 {
		return fmt.Errorf("journey %s: no final state", d.ID)
	}

	for _, t := range d.Transitions {
		if !ids[t.From] {
			return fmt.Errorf("journey %s: transition %s references unknown source state %s", d.ID, t.ID, t.From)
		}
		if !ids[t.To] {
			return fmt.Errorf("journey %s: transition %s references unknown target state %s", d.ID, t.ID, t.To)
		}
	}

	for _, s := range d.States {
		if s.Kind == StateKindFinal {
			continue
		}
		if len(d.TransitionsFrom(s.ID)) == 0 {
			return fmt.Errorf("journey %s: state %s: %w", d.ID, s.ID, ErrNoOutgoingTransition)
		}
	}
	return nil
}
