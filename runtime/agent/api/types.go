// Package api defines shared types that cross workflow/activity boundaries in
// the agent orchestrator: workflow inputs and outputs, plan structures, the
// event log entries, signal and update payloads, and the continue-as-new
// snapshot.
package api

import (
	"time"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
)

type (
	// RunInput carries everything the agent workflow needs to start or, when
	// Snapshot is set, to resume after continue-as-new.
	RunInput struct {
		// Goal is the user's natural-language goal.
		Goal string `json:"goal"`

		// UserID identifies the requesting user.
		UserID string `json:"user_id"`

		// TenantID scopes policies, tasks, and backlog accounting. Empty selects
		// the default tenant.
		TenantID string `json:"tenant_id,omitempty"`

		// TraceID is the caller-provided correlation identifier, if any.
		TraceID string `json:"trace_id,omitempty"`

		// Context carries caller preferences and metadata passed through to the
		// planner.
		Context map[string]any `json:"context,omitempty"`

		// Snapshot restores prior state when the workflow re-enters itself with
		// fresh history. Nil for first runs.
		Snapshot *Snapshot `json:"snapshot,omitempty"`
	}

	// RunOutput is the terminal result returned by a successful workflow.
	RunOutput struct {
		// Status is "completed" for successful runs.
		Status string `json:"status"`

		// PlanID identifies the executed plan.
		PlanID string `json:"plan_id"`

		// StepsExecuted counts plan steps that ran (excluding retries).
		StepsExecuted int `json:"steps_executed"`

		// Results maps step ID to the tool result it produced.
		Results map[string]map[string]any `json:"results"`
	}

	// Snapshot is the continue-as-new state capsule. It must contain everything
	// required to resume execution with replay equivalence; events before the
	// cutover are archived with the previous run's history.
	Snapshot struct {
		Goal        string                    `json:"goal"`
		UserID      string                    `json:"user_id"`
		TenantID    string                    `json:"tenant_id,omitempty"`
		PlanID      string                    `json:"plan_id"`
		PlanSteps   []Step                    `json:"plan_steps"`
		StepResults map[string]map[string]any `json:"step_results"`

		// CompensationStack preserves registered compensations in push order so
		// a post-snapshot failure still unwinds pre-snapshot steps.
		CompensationStack []CompensationStep `json:"compensation_stack"`

		ManMode ManModeState `json:"man_mode"`
	}

	// ManModeState carries the approval-gate latches across continue-as-new.
	ManModeState struct {
		Enabled      bool     `json:"enabled"`
		ForceAll     bool     `json:"force_all"`
		ForceStepIDs []string `json:"force_step_ids,omitempty"`
	}

	// CompensationStep is one registered inverse operation. Input holds the
	// already-injected values (placeholders resolved at push time).
	CompensationStep struct {
		ActivityName string         `json:"activity_name"`
		Input        map[string]any `json:"input,omitempty"`
		StepID       string         `json:"step_id"`
	}

	// CompensationResult records the outcome of one compensation during
	// rollback.
	CompensationResult struct {
		StepID  string         `json:"step_id"`
		Success bool           `json:"success"`
		Result  map[string]any `json:"result,omitempty"`
		Error   string         `json:"error,omitempty"`
	}

	// PauseRequest is the payload of the pause signal.
	PauseRequest struct {
		Reason      string `json:"reason,omitempty"`
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// ResumeRequest is the payload of the resume signal.
	ResumeRequest struct {
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// CancelRequest is the payload of the cancel signal.
	CancelRequest struct {
		Reason      string `json:"reason,omitempty"`
		RequestedBy string `json:"requested_by,omitempty"`
	}

	// ForceManModeRequest promotes steps into the approval gate. Scope ALL
	// forces every remaining step; scope STEPS unions StepIDs into the forced
	// set. Arrival order relative to planning is irrelevant: promotion is
	// evaluated at gate time.
	ForceManModeRequest struct {
		Scope   ForceScope `json:"scope"`
		StepIDs []string   `json:"step_ids,omitempty"`
	}

	// ForceScope selects how a force-man-mode signal applies.
	ForceScope string

	// ManDecisionSubmission is the payload of the submit_man_decision update.
	ManDecisionSubmission struct {
		TaskID  string                     `json:"task_id"`
		Payload manmode.ManDecisionPayload `json:"payload"`
	}
)

const (
	// ForceScopeAll forces the approval gate for every step.
	ForceScopeAll ForceScope = "ALL"

	// ForceScopeSteps forces the approval gate for the listed step IDs.
	ForceScopeSteps ForceScope = "STEPS"
)

const (
	// WorkflowName is the registered workflow type.
	WorkflowName = "AgentWorkflow"

	// WorkflowIDPrefix prefixes generated workflow identifiers.
	WorkflowIDPrefix = "agent-workflow-"

	// DefaultTaskQueue is used when TEMPORAL_TASK_QUEUE is unset.
	DefaultTaskQueue = "agent-orchestrator"

	// DefaultTenant scopes runs that do not carry an explicit tenant.
	DefaultTenant = "default_tenant"
)

const (
	// SignalPauseWorkflow pauses execution before the next step.
	SignalPauseWorkflow = "pause_workflow"

	// SignalResumeWorkflow clears the pause latch.
	SignalResumeWorkflow = "resume_workflow"

	// SignalCancelWorkflow sets the cancel latch and wakes approval waits.
	SignalCancelWorkflow = "cancel_workflow"

	// SignalForceManMode promotes steps into the approval gate.
	SignalForceManMode = "force_man_mode"

	// UpdateSubmitManDecision delivers an operator decision to a waiting run.
	UpdateSubmitManDecision = "submit_man_decision"

	// QueryWorkflowState returns a read-only view of coordinator state.
	QueryWorkflowState = "workflow_state"
)

// NormalizedTenant returns the input's tenant, falling back to DefaultTenant.
func (in *RunInput) NormalizedTenant() string {
	if in.TenantID == "" {
		return DefaultTenant
	}
	return in.TenantID
}

// Timestamp formats t the way event payloads and keys expect.
func Timestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
