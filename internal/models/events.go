// Package models defines broadcast event and visualization structures.
package models

import "time"

// EventType names a journey-scoped broadcast event.
type EventType string

const (
	// EventStateChanged is emitted when an execution enters a new state.
	EventStateChanged EventType = "journey:state_changed"
	// EventProgressUpdated is emitted (throttled) on progress updates.
	EventProgressUpdated EventType = "journey:progress_updated"
	// EventErrorOccurred is emitted immediately, unthrottled, on errors.
	EventErrorOccurred EventType = "journey:error_occurred"
	// EventCompleted is emitted when a journey reaches a final state.
	EventCompleted EventType = "journey:completed"
	// EventMilestoneReached is emitted when a milestone is newly completed.
	EventMilestoneReached EventType = "journey:milestone_reached"
	// EventAlertTriggered is emitted when an alert rule condition holds.
	EventAlertTriggered EventType = "journey:alert_triggered"
)

// Event is a journey-scoped broadcast payload delivered to subscribers.
type Event struct {
	Type      EventType        `json:"type"`
	JourneyID string           `json:"journey_id"`
	SessionID string           `json:"session_id,omitempty"`
	StateID   string           `json:"state_id,omitempty"`
	StateName string           `json:"state_name,omitempty"`
	Milestone *Milestone       `json:"milestone,omitempty"`
	Progress  *ProgressTracker `json:"progress,omitempty"`
	Message   string           `json:"message,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// VisualizationKind only affects metadata hints, not the data shape.
type VisualizationKind string

const (
	VisualizationLinear   VisualizationKind = "linear"
	VisualizationCircular VisualizationKind = "circular"
	VisualizationTree     VisualizationKind = "tree"
	VisualizationTimeline VisualizationKind = "timeline"
)

// NodeStatus is the rendering status of one visualization node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusActive    NodeStatus = "active"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusError     NodeStatus = "error"
)

// VisualizationNode is one ordered step in a journey visualization.
type VisualizationNode struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    NodeStatus `json:"status"`
	Progress  int        `json:"progress"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
}

// Visualization is a point-in-time rendering of journey progress.
type Visualization struct {
	JourneyID   string              `json:"journey_id"`
	Kind        VisualizationKind   `json:"kind"`
	Nodes       []VisualizationNode `json:"nodes"`
	GeneratedAt time.Time           `json:"generated_at"`
}

// Alert rule vocabulary.
const (
	AlertConditionThreshold = "threshold" // compares completion percentage
	AlertConditionDuration  = "duration"  // compares elapsed seconds

	AlertActionNotify   = "notify"
	AlertActionEscalate = "escalate"
)

// AlertRule is a per-journey alerting rule evaluated against each progress
// update.
type AlertRule struct {
	ID         string   `json:"id"`
	Condition  string   `json:"condition"`  // threshold or duration
	Comparison string   `json:"comparison"` // gt, gte, lt, lte, eq
	Value      float64  `json:"value"`
	Actions    []string `json:"actions"`
}

// BroadcastStats is a point-in-time aggregate across tracked journeys.
type BroadcastStats struct {
	TotalJourneys          int     `json:"total_journeys"`
	ActiveJourneys         int     `json:"active_journeys"`
	CompletedJourneys      int     `json:"completed_journeys"`
	ErroredJourneys        int     `json:"errored_journeys"`
	AverageExecutionMillis float64 `json:"average_execution_millis"`
	SuccessRate            float64 `json:"success_rate"`
	ErrorRate              float64 `json:"error_rate"`
}
