package runtime

import (
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/dag"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
)

// Workflow is the AgentWorkflow body. It is deterministic: every side effect
// goes through an activity, every wall-clock read through wctx.Now, and
// every suspension through Await or an activity future.
func (r *Runtime) Workflow(wctx engine.WorkflowContext, input *api.RunInput) (*api.RunOutput, error) {
	s := newWorkflowState(input)

	if err := wctx.SetQueryHandler(api.QueryWorkflowState, func() (map[string]any, error) {
		return s.queryView(), nil
	}); err != nil {
		return nil, err
	}
	if err := wctx.SetDecisionHandler(func(sub api.ManDecisionSubmission) error {
		if err := sub.Payload.Validate(); err != nil {
			return err
		}
		// Unknown task ids are recorded anyway; a late decision for a step
		// already resolved through the store poll is harmless.
		s.decisions[sub.TaskID] = sub.Payload
		return nil
	}); err != nil {
		return nil, err
	}

	if input.Snapshot == nil {
		r.emit(wctx, s, api.AgentEvent{Type: api.EventGoalReceived, Payload: map[string]any{
			"goal":      input.Goal,
			"user_id":   input.UserID,
			"tenant_id": s.tenant,
		}})
	}

	if s.plan == nil {
		if err := r.planPhase(wctx, s); err != nil {
			return nil, r.fail(wctx, s, err)
		}
	}

	graph, err := dag.Build(s.plan)
	if err != nil {
		return nil, r.fail(wctx, s, err)
	}
	s.graph = graph
	// Steps finished before continue-as-new are already done.
	for stepID := range s.stepResults {
		if _, known := graph.Step(stepID); known {
			if err := graph.Complete(stepID); err != nil {
				return nil, r.fail(wctx, s, err)
			}
		}
	}

	s.phase = phaseExecuting
	for s.graph.Remaining() > 0 {
		if len(s.events) >= r.maxHistory {
			s.input.Snapshot = s.snapshot()
			wctx.Logger().Info(wctx.Context(), "history threshold reached, continuing as new",
				"events", len(s.events), "completed", s.graph.Completed())
			return nil, wctx.NewContinueAsNewError(s.input)
		}

		frontier := s.graph.Ready()
		if len(frontier) == 0 {
			return nil, r.fail(wctx, s, fault.New(fault.KindDAGCycle,
				"plan %s has no runnable step with %d remaining", s.plan.ID, s.graph.Remaining()))
		}
		if err := r.runFrontier(wctx, s, frontier); err != nil {
			return nil, r.fail(wctx, s, err)
		}
	}

	s.phase = phaseCompleted
	r.emit(wctx, s, api.AgentEvent{Type: api.EventWorkflowCompleted, Payload: map[string]any{
		"plan_id":          s.plan.ID,
		"steps_executed":   len(s.stepResults),
		"duration_seconds": s.durationSeconds(),
	}})
	return &api.RunOutput{
		Status:        "completed",
		PlanID:        s.plan.ID,
		StepsExecuted: len(s.stepResults),
		Results:       s.stepResults,
	}, nil
}

// planPhase resolves the plan: semantic cache first, the planner on a miss,
// then a best-effort cache write-back.
func (r *Runtime) planPhase(wctx engine.WorkflowContext, s *workflowState) error {
	cacheHit := false
	res, err := wctx.ExecuteActivity(ActivityCheckSemanticCache, cacheActivityOpts, map[string]any{
		"goal": s.input.Goal,
	}).Get(wctx)
	if err != nil {
		// Cache trouble is never fatal; treat it as a miss.
		wctx.Logger().Warn(wctx.Context(), "semantic cache check failed", "err", err)
	} else if hit, _ := res["hit"].(bool); hit {
		var plan api.Plan
		if decodeErr := api.FromMap(mapField(res, "plan"), &plan); decodeErr == nil {
			plan.CacheHit = true
			s.plan = &plan
			cacheHit = true
		}
	}

	if !cacheHit {
		res, err := wctx.ExecuteActivity(ActivityGeneratePlan, planActivityOpts, map[string]any{
			"goal":         s.input.Goal,
			"user_context": s.input.Context,
		}).Get(wctx)
		if err != nil {
			return err
		}
		var plan api.Plan
		if err := api.FromMap(mapField(res, "plan"), &plan); err != nil {
			return fault.New(fault.KindToolFatal, "decode generated plan: %v", err)
		}
		s.plan = &plan

		planMap, _ := api.ToMap(s.plan)
		if _, err := wctx.ExecuteActivity(ActivityStorePlanInCache, cacheActivityOpts, map[string]any{
			"goal": s.input.Goal,
			"plan": planMap,
		}).Get(wctx); err != nil {
			wctx.Logger().Warn(wctx.Context(), "plan cache store failed", "err", err)
		}
	}

	r.emit(wctx, s, api.AgentEvent{Type: api.EventPlanGenerated, Payload: map[string]any{
		"plan_id":     s.plan.ID,
		"step_count":  len(s.plan.Steps),
		"cache_hit":   cacheHit,
		"template_id": s.plan.TemplateID,
	}})
	return nil
}

// runFrontier runs every ready step's full protocol (admission gate, tool
// call, bookkeeping) in its own workflow coroutine, so one step parked on a
// reviewer does not hold back its frontier peers. It joins them all before
// returning; the first failure in frontier order wins.
func (r *Runtime) runFrontier(wctx engine.WorkflowContext, s *workflowState, frontier []api.Step) error {
	type outcome struct {
		done bool
		err  error
	}
	outcomes := make([]outcome, len(frontier))
	for i := range frontier {
		i, step := i, frontier[i]
		wctx.Go(func(gctx engine.WorkflowContext) {
			outcomes[i] = outcome{done: true, err: r.runStep(gctx, s, step)}
		})
	}

	if err := wctx.Await(func() bool {
		for i := range outcomes {
			if !outcomes[i].done {
				return false
			}
		}
		return true
	}); err != nil {
		return fault.New(fault.KindCancelled, "workflow cancelled during frontier execution")
	}

	for i, o := range outcomes {
		if o.err != nil {
			s.failedStepID = frontier[i].ID
			return o.err
		}
	}
	return nil
}

// runStep executes one step end to end: admission, the tool activity, and
// on success the result record, saga registration, and graph completion.
func (r *Runtime) runStep(wctx engine.WorkflowContext, s *workflowState, step api.Step) error {
	params, err := r.gateStep(wctx, s, step)
	if err != nil {
		return err
	}

	r.emit(wctx, s, api.AgentEvent{Type: api.EventToolCallRequested, StepID: step.ID, Payload: map[string]any{
		"step_id": step.ID,
		"tool":    step.Tool,
		"params":  params,
	}})
	result, err := wctx.ExecuteActivity(ActivityExecuteTool, forwardActivityOpts, map[string]any{
		"tool":   step.Tool,
		"params": params,
	}).Get(wctx)
	if err != nil {
		r.emit(wctx, s, api.AgentEvent{Type: api.EventToolResultReceived, StepID: step.ID, Payload: map[string]any{
			"step_id": step.ID,
			"tool":    step.Tool,
			"success": false,
			"error":   err.Error(),
		}})
		return err
	}

	r.emit(wctx, s, api.AgentEvent{Type: api.EventToolResultReceived, StepID: step.ID, Payload: map[string]any{
		"step_id": step.ID,
		"tool":    step.Tool,
		"success": true,
		"result":  result,
	}})
	s.stepResults[step.ID] = result
	if step.Compensation != "" {
		s.saga.Register(step.Compensation, step.ID, step.CompensationInput, result)
	}
	return s.graph.Complete(step.ID)
}

// gateStep runs the per-step admission protocol: cancel and pause latches,
// risk triage (with operator force promotion), backlog degrade, and the
// approval wait for RED steps. It returns the effective parameters the tool
// runs with.
func (r *Runtime) gateStep(wctx engine.WorkflowContext, s *workflowState, step api.Step) (map[string]any, error) {
	if err := r.awaitRunnable(wctx, s); err != nil {
		return nil, err
	}
	if err := r.backlogGate(wctx, s); err != nil {
		return nil, err
	}

	params := step.Input
	lane, riskScore, reasons := manmode.LaneGreen, 0.0, []string(nil)
	if s.forced(step.ID) {
		lane, riskScore = manmode.LaneRed, 1.0
		reasons = []string{"MAN Mode forced by operator"}
	} else {
		res, err := wctx.ExecuteActivity(ActivityRiskTriage, gateActivityOpts, map[string]any{
			"tenant_id":    s.tenant,
			"workflow_id":  wctx.WorkflowID(),
			"run_id":       wctx.RunID(),
			"step_id":      step.ID,
			"tool_name":    step.Tool,
			"params":       params,
			"workflow_key": s.workflowKey(),
		}).Get(wctx)
		if err != nil {
			// Triage outage fails open: the step runs unreviewed rather than
			// wedging every workflow on a policy-store blip.
			wctx.Logger().Warn(wctx.Context(), "risk triage unavailable, failing open",
				"step_id", step.ID, "err", err)
		} else {
			lane = manmode.ManLane(stringField(res, "lane"))
			riskScore = floatField(res, "risk_score")
			reasons = stringSliceField(res, "reasons")
		}
	}

	switch lane {
	case manmode.LaneBlocked:
		return nil, fault.New(fault.KindPolicyBlocked, "policy blocks tool %s at step %s", step.Tool, step.ID)
	case manmode.LaneRed:
		return r.approvalGate(wctx, s, step, params, riskScore, reasons)
	default:
		return params, nil
	}
}

// approvalGate opens (or finds) the step's ManTask and suspends until a
// decision arrives, by update or through the store.
func (r *Runtime) approvalGate(wctx engine.WorkflowContext, s *workflowState, step api.Step, params map[string]any, riskScore float64, reasons []string) (map[string]any, error) {
	taskRes, err := wctx.ExecuteActivity(ActivityCreateManTask, forwardActivityOpts, map[string]any{
		"tenant_id":   s.tenant,
		"workflow_id": wctx.WorkflowID(),
		"run_id":      wctx.RunID(),
		"step_id":     step.ID,
		"tool_name":   step.Tool,
		"params":      params,
		"lane":        string(manmode.LaneRed),
		"risk_score":  riskScore,
		"reasons":     reasons,
	}).Get(wctx)
	if err != nil {
		return nil, err
	}
	var task manmode.ManTask
	if err := api.FromMap(taskRes, &task); err != nil {
		return nil, fault.New(fault.KindToolFatal, "decode man task: %v", err)
	}

	s.pendingTasks[step.ID] = task.ID
	defer delete(s.pendingTasks, step.ID)

	// The opened-task event carries the original parameters; a MODIFY
	// decision later records its own, so the log retains both.
	r.emit(wctx, s, api.AgentEvent{Type: api.EventManTaskOpened, StepID: step.ID, Payload: map[string]any{
		"task_id":    task.ID,
		"step_id":    step.ID,
		"tool":       step.Tool,
		"lane":       string(manmode.LaneRed),
		"risk_score": riskScore,
		"reasons":    toAnySlice(reasons),
		"params":     params,
	}})
	if _, err := wctx.ExecuteActivity(ActivityNotifyManTask, forwardActivityOpts, taskRes).Get(wctx); err != nil {
		wctx.Logger().Warn(wctx.Context(), "man task notification activity failed", "task_id", task.ID, "err", err)
	}

	// The idempotent create may have returned a task a reviewer already
	// resolved between retries.
	if task.Status.Terminal() {
		return r.applyStoredResolution(wctx, s, step, params, &task)
	}

	s.phase = phaseAwaitingMan
	defer func() { s.phase = phaseExecuting }()
	for {
		s.drainSignals(wctx)
		if s.cancelled {
			return nil, fault.New(fault.KindCancelled, "workflow cancelled while awaiting approval for step %s", step.ID)
		}
		if payload, ok := s.decisions[task.ID]; ok {
			delete(s.decisions, task.ID)
			// Persist through an activity so replicas converge on the store;
			// first decision wins, so a racing HTTP-side resolve is fine.
			if _, err := wctx.ExecuteActivity(ActivityResolveManTask, forwardActivityOpts, map[string]any{
				"task_id": task.ID,
				"payload": decisionToMap(payload),
			}).Get(wctx); err != nil {
				wctx.Logger().Warn(wctx.Context(), "persist decision failed", "task_id", task.ID, "err", err)
			}
			return r.applyDecision(wctx, s, step, params, task.ID, payload)
		}

		satisfied, err := wctx.AwaitWithTimeout(r.decisionPoll, func() bool {
			s.drainSignals(wctx)
			if s.cancelled {
				return true
			}
			_, has := s.decisions[task.ID]
			return has
		})
		if err != nil {
			return nil, fault.New(fault.KindCancelled, "workflow cancelled while awaiting approval for step %s", step.ID)
		}
		if satisfied {
			continue
		}

		// Timed out without an update: fall back to the store so 202-path and
		// sweep resolutions unblock deterministically.
		polled, err := wctx.ExecuteActivity(ActivityGetManTask, forwardActivityOpts, map[string]any{
			"task_id": task.ID,
		}).Get(wctx)
		if err != nil {
			wctx.Logger().Warn(wctx.Context(), "task poll failed", "task_id", task.ID, "err", err)
			continue
		}
		var current manmode.ManTask
		if err := api.FromMap(polled, &current); err != nil {
			continue
		}
		if current.Status.Terminal() {
			return r.applyStoredResolution(wctx, s, step, params, &current)
		}
	}
}

// applyStoredResolution maps a terminal task row onto the gate outcome.
func (r *Runtime) applyStoredResolution(wctx engine.WorkflowContext, s *workflowState, step api.Step, params map[string]any, task *manmode.ManTask) (map[string]any, error) {
	if task.Status == manmode.TaskExpired {
		// The sweep flips status without an audit row; write one so the
		// trail shows why the step died.
		if _, err := wctx.ExecuteActivity(ActivityPersistDecisionEvent, forwardActivityOpts, map[string]any{
			"task_id":     task.ID,
			"decision":    string(manmode.DecisionDeny),
			"reviewer_id": "system",
			"reason":      "approval TTL exceeded",
		}).Get(wctx); err != nil {
			wctx.Logger().Warn(wctx.Context(), "expiry audit write failed", "task_id", task.ID, "err", err)
		}
		return nil, fault.New(fault.KindDecisionExpired, "approval for step %s expired", step.ID)
	}
	if task.Decision == nil {
		return nil, fault.New(fault.KindDenied, "task %s terminal without decision payload", task.ID)
	}
	return r.applyDecision(wctx, s, step, params, task.ID, *task.Decision)
}

// applyDecision turns a reviewer verdict into the gate outcome and records
// the ManDecisionApplied event.
func (r *Runtime) applyDecision(wctx engine.WorkflowContext, s *workflowState, step api.Step, params map[string]any, taskID string, payload manmode.ManDecisionPayload) (map[string]any, error) {
	eventPayload := map[string]any{
		"task_id":     taskID,
		"step_id":     step.ID,
		"decision":    string(payload.Decision),
		"reviewer_id": payload.ReviewerID,
	}
	if payload.Decision == manmode.DecisionModify {
		eventPayload["modified_params"] = payload.ModifiedParams
	}
	r.emit(wctx, s, api.AgentEvent{Type: api.EventManDecisionApplied, StepID: step.ID, Payload: eventPayload})

	switch payload.Decision {
	case manmode.DecisionApprove:
		return params, nil
	case manmode.DecisionModify:
		merged := make(map[string]any, len(params)+len(payload.ModifiedParams))
		for k, v := range params {
			merged[k] = v
		}
		for k, v := range payload.ModifiedParams {
			merged[k] = v
		}
		return merged, nil
	case manmode.DecisionCancelWorkflow:
		s.cancelled = true
		return nil, fault.New(fault.KindCancelled, "workflow cancelled by reviewer %s", payload.ReviewerID)
	default:
		return nil, fault.New(fault.KindDenied, "step %s denied by reviewer %s", step.ID, payload.ReviewerID)
	}
}

// backlogGate enforces the tenant's pending-task ceiling at the head of
// every step, before triage can open another task.
func (r *Runtime) backlogGate(wctx engine.WorkflowContext, s *workflowState) error {
	for {
		res, err := wctx.ExecuteActivity(ActivityBacklogCheck, gateActivityOpts, map[string]any{
			"tenant_id": s.tenant,
		}).Get(wctx)
		if err != nil {
			// Backlog accounting failing open admits the task; the ceiling is
			// load shedding, not a safety property.
			wctx.Logger().Warn(wctx.Context(), "backlog check unavailable, failing open", "err", err)
			return nil
		}
		switch stringField(res, "action") {
		case string(manmode.DegradeBlockNew):
			return fault.New(fault.KindBacklogOverloaded,
				"tenant %s approval backlog full (%v pending)", s.tenant, res["pending"])
		case string(manmode.DegradeAutoDeny):
			return fault.New(fault.KindDenied,
				"auto-denied: tenant %s approval backlog full", s.tenant)
		case string(manmode.DegradeForcePause):
			s.paused = true
			if err := r.awaitRunnable(wctx, s); err != nil {
				return err
			}
			// Resumed; re-check before admitting.
			continue
		default:
			return nil
		}
	}
}

// awaitRunnable blocks while the pause latch is set and surfaces the cancel
// latch as a fault.
func (r *Runtime) awaitRunnable(wctx engine.WorkflowContext, s *workflowState) error {
	s.drainSignals(wctx)
	if s.paused && !s.cancelled {
		prev := s.phase
		s.phase = phasePaused
		err := wctx.Await(func() bool {
			s.drainSignals(wctx)
			return !s.paused || s.cancelled
		})
		s.phase = prev
		if err != nil {
			return fault.New(fault.KindCancelled, "workflow cancelled while paused")
		}
	}
	if s.cancelled {
		return fault.New(fault.KindCancelled, "workflow cancelled")
	}
	return nil
}

// fail unwinds the saga, records the failure, and returns the original
// error for the backend to surface.
func (r *Runtime) fail(wctx engine.WorkflowContext, s *workflowState, cause error) error {
	s.phase = phaseCompensating
	results := s.saga.Rollback(func(step api.CompensationStep) (map[string]any, error) {
		return wctx.ExecuteActivity(ActivityCompensateTool, compensationActivityOpts, map[string]any{
			"tool":    step.ActivityName,
			"params":  step.Input,
			"step_id": step.StepID,
		}).Get(wctx)
	})
	compensations := make([]any, 0, len(results))
	for _, res := range results {
		payload := map[string]any{
			"step_id": res.StepID,
			"success": res.Success,
		}
		if res.Error != "" {
			payload["error"] = res.Error
		}
		compensations = append(compensations, payload)
		r.emit(wctx, s, api.AgentEvent{Type: api.EventCompensationExecuted, StepID: res.StepID, Payload: payload})
	}

	s.phase = phaseFailed
	failure := map[string]any{
		"error":                cause.Error(),
		"kind":                 string(fault.KindOf(cause)),
		"compensation_results": compensations,
	}
	if s.failedStepID != "" {
		failure["failed_step_id"] = s.failedStepID
	}
	r.emit(wctx, s, api.AgentEvent{Type: api.EventWorkflowFailed, Payload: failure})
	return cause
}

// emit appends an event to the log and mirrors it, best-effort. Timestamps
// are workflow logical time so replay reproduces identical events.
func (r *Runtime) emit(wctx engine.WorkflowContext, s *workflowState, evt api.AgentEvent) {
	evt.Timestamp = wctx.Now()
	evt.WorkflowID = wctx.WorkflowID()
	evt.RunID = wctx.RunID()
	evt.CorrelationID = s.input.TraceID
	s.events = append(s.events, evt)

	if _, err := wctx.ExecuteActivity(ActivityMirrorEvent, forwardActivityOpts, evt.AsPayload()).Get(wctx); err != nil {
		wctx.Logger().Warn(wctx.Context(), "event mirror failed", "event_type", string(evt.Type), "err", err)
	}
}

func (s *workflowState) durationSeconds() float64 {
	if len(s.events) == 0 {
		return 0
	}
	return s.events[len(s.events)-1].Timestamp.Sub(s.events[0].Timestamp).Seconds()
}

// workflowKey scopes policy overrides. Callers may pin one through the run
// context; absent that, runs share the workflow type's policy.
func (s *workflowState) workflowKey() string {
	if s.input.Context != nil {
		if key, ok := s.input.Context["workflow_key"].(string); ok {
			return key
		}
	}
	return ""
}

func decisionToMap(p manmode.ManDecisionPayload) map[string]any {
	m, err := api.ToMap(p)
	if err != nil {
		m = map[string]any{"decision": string(p.Decision), "reviewer_id": p.ReviewerID}
	}
	return m
}
