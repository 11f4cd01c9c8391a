// Package manmode implements Manual Assistance Needed (MAN) mode: risk
// triage of agent tool calls, an approval-task lifecycle for actions that
// require a human decision, and the tenant/workflow policy configuration
// that drives both.
//
// The package is deliberately free of durable-executor concerns. The
// workflow coordinator builds an ActionIntent per step, asks the Engine for
// a RiskTriageResult, and only when the lane is RED does it open a ManTask
// through the TaskRepository and block until a reviewer resolves it.
package manmode

import (
	"fmt"
	"strings"
	"time"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/omnitrace"
)

// ManLane classifies how much human oversight an action requires.
type ManLane string

const (
	// LaneGreen auto-approves the action.
	LaneGreen ManLane = "GREEN"
	// LaneYellow records the action for optional review but does not block.
	LaneYellow ManLane = "YELLOW"
	// LaneRed blocks the action until a reviewer decides.
	LaneRed ManLane = "RED"
	// LaneBlocked rejects the action outright without opening a task.
	LaneBlocked ManLane = "BLOCKED"
)

// Priority returns the lane's position in the GREEN < YELLOW < RED < BLOCKED
// order. Unknown lanes sort below GREEN so a corrupted value can never
// accidentally out-rank a configured minimum.
func (l ManLane) Priority() int {
	switch l {
	case LaneGreen:
		return 0
	case LaneYellow:
		return 1
	case LaneRed:
		return 2
	case LaneBlocked:
		return 3
	default:
		return -1
	}
}

// Valid reports whether l is one of the four defined lanes.
func (l ManLane) Valid() bool { return l.Priority() >= 0 }

// MaxLane returns the more restrictive of two lanes.
func MaxLane(a, b ManLane) ManLane {
	if b.Priority() > a.Priority() {
		return b
	}
	return a
}

// IntentFlags are the recognized risk attributes of an action. Unknown
// attributes supplied by callers are dropped during decoding.
type IntentFlags struct {
	Irreversible          bool `json:"irreversible,omitempty"`
	ContainsSensitiveData bool `json:"contains_sensitive_data,omitempty"`
	AffectsRights         bool `json:"affects_rights,omitempty"`
}

// ActionIntent describes one tool invocation that is about to happen and may
// need manual review. Construct intents with NewActionIntent so credential
// shaped parameters are projected away before anything else sees them.
type ActionIntent struct {
	TenantID   string         `json:"tenant_id"`
	WorkflowID string         `json:"workflow_id"`
	RunID      string         `json:"run_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	ToolName   string         `json:"tool_name"`
	ToolParams map[string]any `json:"tool_params"`
	Flags      IntentFlags    `json:"flags"`
}

// sensitiveParamMarkers are matched as substrings against lower-cased
// parameter keys. Values under matching keys are replaced with "[REDACTED]"
// at ingestion and never read again by the triage or task layers.
var sensitiveParamMarkers = []string{"password", "token", "secret", "key", "api_key", "auth"}

// NewActionIntent builds an intent with redacted parameters. The input map
// is not mutated; nil params become an empty map so downstream code can
// treat ToolParams as always present.
func NewActionIntent(tenantID, workflowID, runID, stepID, toolName string, params map[string]any, flags IntentFlags) ActionIntent {
	redacted := make(map[string]any, len(params))
	for k, v := range params {
		if sensitiveParamKey(k) {
			redacted[k] = "[REDACTED]"
			continue
		}
		redacted[k] = v
	}
	return ActionIntent{
		TenantID:   tenantID,
		WorkflowID: workflowID,
		RunID:      runID,
		StepID:     stepID,
		ToolName:   toolName,
		ToolParams: redacted,
		Flags:      flags,
	}
}

func sensitiveParamKey(key string) bool {
	lower := strings.ToLower(key)
	for _, marker := range sensitiveParamMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IdempotencyKey derives the stable identity of this intent. Two intents for
// the same step with the same redacted parameters share a key, which is what
// lets task creation collapse retries onto one PENDING row.
func (i ActionIntent) IdempotencyKey() string {
	params, err := omnitrace.CanonicalJSON(i.ToolParams)
	if err != nil {
		// CanonicalJSON only fails on unserializable values, which redacted
		// params never contain; keep the key total anyway.
		params = fmt.Sprintf("%v", i.ToolParams)
	}
	return strings.Join([]string{i.TenantID, i.WorkflowID, i.StepID, i.ToolName, params}, "|")
}

// RiskTriageResult is the outcome of policy evaluation for one intent.
// Reasons are ordered and stable: equal inputs produce byte-equal results.
type RiskTriageResult struct {
	Lane      ManLane  `json:"lane"`
	RiskScore float64  `json:"risk_score"`
	Reasons   []string `json:"reasons"`
}

// RequiresApproval reports whether the action must wait for a human.
func (r RiskTriageResult) RequiresApproval() bool { return r.Lane == LaneRed }

// Blocked reports whether the action is rejected without review.
func (r RiskTriageResult) Blocked() bool { return r.Lane == LaneBlocked }

// TaskStatus is the lifecycle state of a ManTask.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskApproved  TaskStatus = "APPROVED"
	TaskDenied    TaskStatus = "DENIED"
	TaskModified  TaskStatus = "MODIFIED"
	TaskCancelled TaskStatus = "CANCELLED"
	TaskExpired   TaskStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (s TaskStatus) Terminal() bool { return s != TaskPending && s != "" }

// DecisionType enumerates reviewer verdicts.
type DecisionType string

const (
	// DecisionApprove lets the step run with its original parameters.
	DecisionApprove DecisionType = "APPROVE"
	// DecisionDeny fails the step and triggers compensation.
	DecisionDeny DecisionType = "DENY"
	// DecisionModify lets the step run with reviewer-supplied parameters.
	DecisionModify DecisionType = "MODIFY"
	// DecisionCancelWorkflow aborts the whole workflow, not just the step.
	DecisionCancelWorkflow DecisionType = "CANCEL_WORKFLOW"
)

// ManDecisionPayload is what a reviewer submits to resolve a task.
type ManDecisionPayload struct {
	Decision       DecisionType   `json:"decision"`
	ReviewerID     string         `json:"reviewer_id"`
	Reason         string         `json:"reason,omitempty"`
	ModifiedParams map[string]any `json:"modified_params,omitempty"`
}

// Validate checks the payload before it is applied to a task.
func (p ManDecisionPayload) Validate() error {
	switch p.Decision {
	case DecisionApprove, DecisionDeny, DecisionModify, DecisionCancelWorkflow:
	default:
		return fmt.Errorf("manmode: unknown decision %q", p.Decision)
	}
	if strings.TrimSpace(p.ReviewerID) == "" {
		return fmt.Errorf("manmode: decision %s requires reviewer_id", p.Decision)
	}
	if p.Decision == DecisionModify && len(p.ModifiedParams) == 0 {
		return fmt.Errorf("manmode: MODIFY requires modified_params")
	}
	return nil
}

// TerminalStatus maps the decision onto the task status it produces.
func (p ManDecisionPayload) TerminalStatus() TaskStatus {
	switch p.Decision {
	case DecisionApprove:
		return TaskApproved
	case DecisionDeny:
		return TaskDenied
	case DecisionModify:
		return TaskModified
	default:
		return TaskCancelled
	}
}

// ManTask is a pending or resolved approval request.
type ManTask struct {
	ID             string              `json:"id"`
	IdempotencyKey string              `json:"idempotency_key"`
	TenantID       string              `json:"tenant_id"`
	WorkflowID     string              `json:"workflow_id"`
	RunID          string              `json:"run_id,omitempty"`
	StepID         string              `json:"step_id"`
	ToolName       string              `json:"tool_name"`
	Status         TaskStatus          `json:"status"`
	RiskScore      float64             `json:"risk_score"`
	RiskReasons    []string            `json:"risk_reasons"`
	Intent         ActionIntent        `json:"intent"`
	Decision       *ManDecisionPayload `json:"decision,omitempty"`
	ReviewerID     string              `json:"reviewer_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// DecisionEvent is one audit-trail entry recorded when a task reaches a
// terminal state.
type DecisionEvent struct {
	ID         string       `json:"id"`
	TaskID     string       `json:"task_id"`
	Decision   DecisionType `json:"decision"`
	ReviewerID string       `json:"reviewer_id"`
	Reason     string       `json:"reason,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}
