package runtime

import (
	"sort"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/dag"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/saga"
)

// Coordinator phase, exposed through the workflow_state query.
const (
	phasePlanning     = "PLANNING"
	phaseExecuting    = "EXECUTING"
	phaseAwaitingMan  = "AWAITING_MAN"
	phasePaused       = "PAUSED"
	phaseCompensating = "COMPENSATING"
	phaseCompleted    = "COMPLETED"
	phaseFailed       = "FAILED"
)

// workflowState is everything the coordinator mutates. All mutation happens
// on workflow coroutines, which the engine runs one at a time; the query
// handler only reads.
type workflowState struct {
	input  *api.RunInput
	tenant string

	plan        *api.Plan
	graph       *dag.Graph
	stepResults map[string]map[string]any
	saga        *saga.Context

	events []api.AgentEvent

	phase        string
	paused       bool
	cancelled    bool
	manMode      api.ManModeState
	failedStepID string

	// decisions holds update-delivered verdicts keyed by task id. Decisions
	// for unknown tasks are recorded silently; late arrivals are harmless.
	decisions map[string]manmode.ManDecisionPayload

	// pendingTasks maps step id to the open approval task, for the query.
	pendingTasks map[string]string
}

func newWorkflowState(input *api.RunInput) *workflowState {
	s := &workflowState{
		input:        input,
		tenant:       input.NormalizedTenant(),
		stepResults:  make(map[string]map[string]any),
		saga:         saga.New(),
		phase:        phasePlanning,
		decisions:    make(map[string]manmode.ManDecisionPayload),
		pendingTasks: make(map[string]string),
	}
	if snap := input.Snapshot; snap != nil {
		s.plan = &api.Plan{ID: snap.PlanID, Steps: snap.PlanSteps}
		for id, res := range snap.StepResults {
			s.stepResults[id] = res
		}
		s.saga = saga.Restore(snap.CompensationStack)
		s.manMode = snap.ManMode
	}
	return s
}

// drainSignals applies every buffered signal. Called at each gate and inside
// await conditions so latches stay current wherever the workflow is blocked.
func (s *workflowState) drainSignals(wctx engine.WorkflowContext) {
	for {
		if _, ok := wctx.PauseRequests().ReceiveAsync(); ok {
			s.paused = true
			continue
		}
		if _, ok := wctx.ResumeRequests().ReceiveAsync(); ok {
			s.paused = false
			continue
		}
		if _, ok := wctx.CancelRequests().ReceiveAsync(); ok {
			s.cancelled = true
			continue
		}
		if req, ok := wctx.ForceManModeRequests().ReceiveAsync(); ok {
			s.applyForce(req)
			continue
		}
		return
	}
}

func (s *workflowState) applyForce(req api.ForceManModeRequest) {
	s.manMode.Enabled = true
	switch req.Scope {
	case api.ForceScopeAll:
		s.manMode.ForceAll = true
	case api.ForceScopeSteps:
		s.manMode.ForceStepIDs = unionStepIDs(s.manMode.ForceStepIDs, req.StepIDs)
	}
}

// forced reports whether the approval gate is forced for a step. Evaluated
// at gate time, so signal arrival order relative to planning is irrelevant.
func (s *workflowState) forced(stepID string) bool {
	if !s.manMode.Enabled {
		return false
	}
	if s.manMode.ForceAll {
		return true
	}
	for _, id := range s.manMode.ForceStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// snapshot captures resume state for continue-as-new. The event log is not
// carried over; it belongs to the history being retired.
func (s *workflowState) snapshot() *api.Snapshot {
	return &api.Snapshot{
		Goal:              s.input.Goal,
		UserID:            s.input.UserID,
		TenantID:          s.input.TenantID,
		PlanID:            s.plan.ID,
		PlanSteps:         s.plan.Steps,
		StepResults:       s.stepResults,
		CompensationStack: s.saga.Stack(),
		ManMode:           s.manMode,
	}
}

// queryView renders the read-only state the workflow_state query returns.
func (s *workflowState) queryView() map[string]any {
	view := map[string]any{
		"status":         s.phase,
		"paused":         s.paused,
		"cancelled":      s.cancelled,
		"history_length": len(s.events),
		"man_mode": map[string]any{
			"enabled":        s.manMode.Enabled,
			"force_all":      s.manMode.ForceAll,
			"force_step_ids": append([]string(nil), s.manMode.ForceStepIDs...),
		},
	}
	if s.plan != nil {
		view["plan_id"] = s.plan.ID
		view["total_steps"] = len(s.plan.Steps)
	}
	completed := make([]string, 0, len(s.stepResults))
	for id := range s.stepResults {
		completed = append(completed, id)
	}
	sort.Strings(completed)
	view["completed_steps"] = completed
	pending := make(map[string]any, len(s.pendingTasks))
	for stepID, taskID := range s.pendingTasks {
		pending[stepID] = taskID
	}
	view["pending_tasks"] = pending
	return view
}

func unionStepIDs(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	out := append([]string(nil), existing...)
	for _, id := range existing {
		seen[id] = struct{}{}
	}
	for _, id := range incoming {
		if _, dup := seen[id]; !dup {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
