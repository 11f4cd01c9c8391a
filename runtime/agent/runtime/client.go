package runtime

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
)

// Client is the caller-side surface: it starts runs and delivers signals,
// updates, and queries. The HTTP API and the CLI both sit on it.
type Client struct {
	engine    engine.Engine
	taskQueue string
}

// NewClient builds a client for the given engine and task queue.
func NewClient(eng engine.Engine, taskQueue string) *Client {
	if taskQueue == "" {
		taskQueue = api.DefaultTaskQueue
	}
	return &Client{engine: eng, taskQueue: taskQueue}
}

// StartGoal begins a new agent workflow for the input and returns its
// handle. The workflow id is generated here; callers needing idempotent
// starts pass their own through StartWorkflow directly.
func (c *Client) StartGoal(ctx context.Context, input *api.RunInput) (engine.WorkflowHandle, error) {
	if input == nil || input.Goal == "" {
		return nil, fmt.Errorf("client: goal is required")
	}
	return c.engine.StartWorkflow(ctx, engine.StartWorkflowRequest{
		WorkflowID: api.WorkflowIDPrefix + uuid.NewString(),
		Workflow:   api.WorkflowName,
		TaskQueue:  c.taskQueue,
		Input:      input,
	})
}

// SubmitDecision delivers a reviewer decision to a waiting run and blocks
// until the update handler accepts or rejects it.
func (c *Client) SubmitDecision(ctx context.Context, workflowID, taskID string, payload manmode.ManDecisionPayload) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	return c.engine.UpdateWorkflow(ctx, workflowID, "", api.UpdateSubmitManDecision, api.ManDecisionSubmission{
		TaskID:  taskID,
		Payload: payload,
	})
}

// Pause sets a run's pause latch before its next step.
func (c *Client) Pause(ctx context.Context, workflowID string, req api.PauseRequest) error {
	return c.engine.SignalWorkflow(ctx, workflowID, "", api.SignalPauseWorkflow, req)
}

// Resume clears a run's pause latch.
func (c *Client) Resume(ctx context.Context, workflowID string, req api.ResumeRequest) error {
	return c.engine.SignalWorkflow(ctx, workflowID, "", api.SignalResumeWorkflow, req)
}

// Cancel sets a run's cancel latch; compensations run before it fails.
func (c *Client) Cancel(ctx context.Context, workflowID string, req api.CancelRequest) error {
	return c.engine.SignalWorkflow(ctx, workflowID, "", api.SignalCancelWorkflow, req)
}

// ForceManMode promotes steps of a run into the approval gate.
func (c *Client) ForceManMode(ctx context.Context, workflowID string, req api.ForceManModeRequest) error {
	switch req.Scope {
	case api.ForceScopeAll, api.ForceScopeSteps:
	default:
		return fmt.Errorf("client: unknown force scope %q", req.Scope)
	}
	if req.Scope == api.ForceScopeSteps && len(req.StepIDs) == 0 {
		return fmt.Errorf("client: scope STEPS requires step_ids")
	}
	return c.engine.SignalWorkflow(ctx, workflowID, "", api.SignalForceManMode, req)
}

// State returns the coordinator's read-only state view.
func (c *Client) State(ctx context.Context, workflowID string) (map[string]any, error) {
	return c.engine.QueryWorkflow(ctx, workflowID, "", api.QueryWorkflowState)
}

// Status reports the backend execution status of a run.
func (c *Client) Status(ctx context.Context, workflowID string) (engine.RunStatus, error) {
	return c.engine.QueryRunStatus(ctx, workflowID)
}
