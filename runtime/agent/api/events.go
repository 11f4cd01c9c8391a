package api

import "time"

// EventType tags entries in the append-only workflow event log.
type EventType string

const (
	EventGoalReceived         EventType = "GoalReceived"
	EventPlanGenerated        EventType = "PlanGenerated"
	EventToolCallRequested    EventType = "ToolCallRequested"
	EventToolResultReceived   EventType = "ToolResultReceived"
	EventManTaskOpened        EventType = "ManTaskOpened"
	EventManDecisionApplied   EventType = "ManDecisionApplied"
	EventCompensationExecuted EventType = "CompensationExecuted"
	EventWorkflowCompleted    EventType = "WorkflowCompleted"
	EventWorkflowFailed       EventType = "WorkflowFailed"
)

// AgentEvent is one entry of the event log. Events are created only by the
// workflow coordinator, never mutated, and form the authoritative state.
// Timestamp is workflow logical time so replay reproduces identical events.
type AgentEvent struct {
	Type          EventType      `json:"event_type"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id"`
	WorkflowID    string         `json:"workflow_id"`
	RunID         string         `json:"run_id,omitempty"`
	StepID        string         `json:"step_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// AsPayload flattens the event into a single map for redaction, mirroring,
// and audit sinks. Envelope fields use the tracing key names the redaction
// allowlist preserves.
func (e *AgentEvent) AsPayload() map[string]any {
	out := make(map[string]any, len(e.Payload)+6)
	for k, v := range e.Payload {
		out[k] = v
	}
	out["event_type"] = string(e.Type)
	out["timestamp"] = Timestamp(e.Timestamp)
	out["workflow_id"] = e.WorkflowID
	if e.RunID != "" {
		out["run_id"] = e.RunID
	}
	if e.StepID != "" {
		out["step_id"] = e.StepID
	}
	if e.CorrelationID != "" {
		out["correlation_id"] = e.CorrelationID
	}
	return out
}
