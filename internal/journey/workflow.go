// Package journey converts workflow definitions into executable journey
// definitions and loads them from files or memory.
package journey

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wayline/wayline/internal/models"
)

// Workflow is the source-of-truth automation definition authored in the
// workspace. It is a node/edge graph; journeys are its conversational
// rendering.
type Workflow struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Triggers    []string       `json:"triggers,omitempty"`
	Nodes       []WorkflowNode `json:"nodes"`
	Edges       []WorkflowEdge `json:"edges"`
}

// WorkflowNode is one step in a workflow graph.
type WorkflowNode struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	OnEntry     []string       `json:"on_entry,omitempty"`
}

// WorkflowEdge is a directed edge between two workflow nodes.
type WorkflowEdge struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Priority  int    `json:"priority"`
}

// nodeKinds maps workflow node types onto journey state kinds.
var nodeKinds = map[string]models.StateKind{
	"start":    models.StateKindInitial,
	"trigger":  models.StateKindInitial,
	"end":      models.StateKindFinal,
	"finish":   models.StateKindFinal,
	"action":   models.StateKindTool,
	"task":     models.StateKindTool,
	"tool":     models.StateKindTool,
	"input":    models.StateKindChat,
	"question": models.StateKindChat,
	"chat":     models.StateKindChat,
	"decision": models.StateKindConditional,
	"branch":   models.StateKindConditional,
	"fork":     models.StateKindParallel,
	"parallel": models.StateKindParallel,
}

// ConvertWorkflowToJourney renders a workflow graph as a journey definition:
// nodes become states, edges become transitions, and conversion metadata
// records the source workflow. The result is validated before being returned.
func ConvertWorkflowToJourney(w *Workflow) (*models.JourneyDefinition, error) {
	slog.Debug("Journey.ConvertWorkflowToJourney: converting", "workflowID", w.ID, "nodes", len(w.Nodes), "edges", len(w.Edges))

	def := &models.JourneyDefinition{
		ID:          "journey_" + w.ID,
		Title:       w.Name,
		Description: w.Description,
		Conditions:  append([]string(nil), w.Triggers...),
		Metadata: models.JourneyMetadata{
			SourceWorkflowID: w.ID,
			ConvertedAt:      time.Now(),
		},
	}

	for _, node := range w.Nodes {
		kind, ok := nodeKinds[node.Type]
		if !ok {
			return nil, fmt.Errorf("workflow %s: node %s has unsupported type %q", w.ID, node.ID, node.Type)
		}
		def.States = append(def.States, models.JourneyState{
			ID:          node.ID,
			Kind:        kind,
			Name:        node.Name,
			Description: node.Description,
			Config:      node.Config,
			OnEntry:     append([]string(nil), node.OnEntry...),
		})
	}

	for _, edge := range w.Edges {
		id := edge.ID
		if id == "" {
			id = fmt.Sprintf("%s_to_%s", edge.Source, edge.Target)
		}
		def.Transitions = append(def.Transitions, models.Transition{
			ID:        id,
			From:      edge.Source,
			To:        edge.Target,
			Condition: edge.Condition,
			Priority:  edge.Priority,
		})
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("workflow %s converts to invalid journey: %w", w.ID, err)
	}
	slog.Info("Journey.ConvertWorkflowToJourney: converted", "workflowID", w.ID, "journeyID", def.ID, "states", len(def.States))
	return def, nil
}
