package runtime

import (
	"context"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/omnitrace"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/tools"
)

// checkSemanticCache looks the goal up in the plan cache. Misses and cache
// errors both report hit=false; the workflow treats the activity failing all
// its attempts the same way.
func (r *Runtime) checkSemanticCache(ctx context.Context, input map[string]any) (map[string]any, error) {
	goal := stringField(input, "goal")
	if r.planCache == nil || goal == "" {
		return map[string]any{"hit": false}, nil
	}
	plan, ok, err := r.planCache.Lookup(ctx, goal)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "plan cache lookup: %v", err)
	}
	if !ok {
		return map[string]any{"hit": false}, nil
	}
	planMap, err := api.ToMap(plan)
	if err != nil {
		return nil, fault.New(fault.KindToolFatal, "encode cached plan: %v", err)
	}
	return map[string]any{"hit": true, "plan": planMap}, nil
}

// generatePlan produces and validates a plan for the goal.
func (r *Runtime) generatePlan(ctx context.Context, input map[string]any) (map[string]any, error) {
	goal := stringField(input, "goal")
	userContext, _ := input["user_context"].(map[string]any)
	plan, err := r.planner.GeneratePlan(ctx, goal, userContext)
	if err != nil {
		return nil, err
	}
	if err := plan.Validate(); err != nil {
		return nil, fault.New(fault.KindToolFatal, "planner produced invalid plan: %v", err)
	}
	planMap, err := api.ToMap(plan)
	if err != nil {
		return nil, fault.New(fault.KindToolFatal, "encode plan: %v", err)
	}
	return map[string]any{"plan": planMap}, nil
}

// storePlanInCache caches a freshly generated plan. Best-effort: the
// workflow ignores failures.
func (r *Runtime) storePlanInCache(ctx context.Context, input map[string]any) (map[string]any, error) {
	goal := stringField(input, "goal")
	if r.planCache == nil || goal == "" {
		return map[string]any{"stored": false}, nil
	}
	var plan api.Plan
	if err := api.FromMap(mapField(input, "plan"), &plan); err != nil {
		return nil, fault.New(fault.KindToolFatal, "decode plan: %v", err)
	}
	templateID, err := r.planCache.Store(ctx, goal, &plan)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "plan cache store: %v", err)
	}
	return map[string]any{"stored": true, "template_id": templateID}, nil
}

// riskTriage classifies one tool invocation. The intent is rebuilt here, not
// passed in, so redaction and the idempotency key always reflect the store's
// view of the parameters.
func (r *Runtime) riskTriage(ctx context.Context, input map[string]any) (map[string]any, error) {
	tenantID := stringField(input, "tenant_id")
	workflowKey := stringField(input, "workflow_key")
	toolName := stringField(input, "tool_name")
	params := mapField(input, "params")

	policy, err := r.policies.Load(ctx, tenantID, workflowKey)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "load policy: %v", err)
	}
	flags := tools.DeriveFlags(toolName, params)
	intent := manmode.NewActionIntent(
		tenantID,
		stringField(input, "workflow_id"),
		stringField(input, "run_id"),
		stringField(input, "step_id"),
		toolName,
		params,
		flags,
	)
	result := r.triage.Triage(policy, intent, workflowKey, stringSliceField(input, "signals"))
	return map[string]any{
		"lane":       string(result.Lane),
		"risk_score": result.RiskScore,
		"reasons":    toAnySlice(result.Reasons),
	}, nil
}

// backlogCheck reports whether the tenant's approval backlog admits another
// RED task, and the configured degrade action when it does not.
func (r *Runtime) backlogCheck(ctx context.Context, input map[string]any) (map[string]any, error) {
	tenantID := stringField(input, "tenant_id")
	policy, err := r.policies.Load(ctx, tenantID, "")
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "load policy: %v", err)
	}
	pending, err := r.tasks.CountPending(ctx, tenantID)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "count pending: %v", err)
	}
	action := "PROCEED"
	if pending >= policy.MaxPendingPerTenant {
		action = string(policy.DegradeBehavior)
	}
	return map[string]any{
		"action":  action,
		"pending": pending,
		"limit":   policy.MaxPendingPerTenant,
	}, nil
}

// createManTask opens (or re-reads, on retry) the approval task for a step.
// The returned task may already be terminal; the workflow inspects status.
func (r *Runtime) createManTask(ctx context.Context, input map[string]any) (map[string]any, error) {
	tenantID := stringField(input, "tenant_id")
	toolName := stringField(input, "tool_name")
	params := mapField(input, "params")
	intent := manmode.NewActionIntent(
		tenantID,
		stringField(input, "workflow_id"),
		stringField(input, "run_id"),
		stringField(input, "step_id"),
		toolName,
		params,
		tools.DeriveFlags(toolName, params),
	)
	triage := manmode.RiskTriageResult{
		Lane:      manmode.ManLane(stringField(input, "lane")),
		RiskScore: floatField(input, "risk_score"),
		Reasons:   stringSliceField(input, "reasons"),
	}
	task, err := r.tasks.Create(ctx, intent, triage)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "create man task: %v", err)
	}
	return api.ToMap(task)
}

// resolveManTask persists a reviewer decision delivered through the workflow
// update so replicas converge on the store. First decision wins; a loser
// gets the terminal row back.
func (r *Runtime) resolveManTask(ctx context.Context, input map[string]any) (map[string]any, error) {
	var payload manmode.ManDecisionPayload
	if err := api.FromMap(mapField(input, "payload"), &payload); err != nil {
		return nil, fault.New(fault.KindToolFatal, "decode decision payload: %v", err)
	}
	task, err := r.tasks.Resolve(ctx, stringField(input, "task_id"), payload)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "resolve man task: %v", err)
	}
	return api.ToMap(task)
}

// getManTask re-reads a task row. The gate's fallback poll uses it to
// observe store-only resolutions.
func (r *Runtime) getManTask(ctx context.Context, input map[string]any) (map[string]any, error) {
	task, err := r.tasks.Get(ctx, stringField(input, "task_id"))
	if err == manmode.ErrTaskNotFound {
		return nil, fault.New(fault.KindStoreTransient, "man task %s not found", stringField(input, "task_id"))
	}
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "get man task: %v", err)
	}
	return api.ToMap(task)
}

// expireManTasks runs one expiry sweep pass.
func (r *Runtime) expireManTasks(ctx context.Context, _ map[string]any) (map[string]any, error) {
	expired, err := r.tasks.ExpireOverdue(ctx, r.taskTTLForTenant)
	if err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "expire overdue: %v", err)
	}
	return map[string]any{"expired": expired}, nil
}

// notifyManTask fans a task out to the configured notification channels.
// Fire-and-forget: channel failures are logged and reported, never raised.
func (r *Runtime) notifyManTask(ctx context.Context, input map[string]any) (map[string]any, error) {
	if r.notifier == nil {
		return map[string]any{"delivered": false}, nil
	}
	var task manmode.ManTask
	if err := api.FromMap(input, &task); err != nil {
		return nil, fault.New(fault.KindToolFatal, "decode man task: %v", err)
	}
	if err := r.notifier.NotifyTaskCreated(ctx, &task); err != nil {
		r.logger.Warn(ctx, "man task notification failed", "task_id", task.ID, "err", err)
		return map[string]any{"delivered": false}, nil
	}
	return map[string]any{"delivered": true}, nil
}

// mirrorEvent publishes a redacted, truncated copy of one workflow event.
// The event key makes replayed publishes collapse downstream.
func (r *Runtime) mirrorEvent(ctx context.Context, input map[string]any) (map[string]any, error) {
	if r.mirror == nil {
		return map[string]any{"mirrored": false}, nil
	}
	key := omnitrace.EventKey(
		stringField(input, "workflow_id"),
		stringField(input, "event_type"),
		stringField(input, "step_id"),
		0,
		stringField(input, "timestamp"),
	)
	payload := omnitrace.Truncate(omnitrace.Redact(input), 0)
	if err := r.mirror.Publish(ctx, key, payload); err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "mirror publish: %v", err)
	}
	return map[string]any{"mirrored": true, "event_key": key}, nil
}

// executeTool dispatches one forward tool invocation through the registry.
func (r *Runtime) executeTool(ctx context.Context, input map[string]any) (map[string]any, error) {
	return r.tools.Execute(ctx, stringField(input, "tool"), mapField(input, "params"))
}

// compensateTool dispatches one compensation through the registry.
// Compensations are tools too; only the timeout class differs.
func (r *Runtime) compensateTool(ctx context.Context, input map[string]any) (map[string]any, error) {
	return r.tools.Execute(ctx, stringField(input, "tool"), mapField(input, "params"))
}

// persistDecisionEvent appends a system-authored audit entry for decisions
// the workflow applied without a reviewer resolution writing one (the expiry
// path: ExpireOverdue flips status but records no event).
func (r *Runtime) persistDecisionEvent(ctx context.Context, input map[string]any) (map[string]any, error) {
	taskID := stringField(input, "task_id")
	payload := manmode.ManDecisionPayload{
		Decision:   manmode.DecisionType(stringField(input, "decision")),
		ReviewerID: stringField(input, "reviewer_id"),
		Reason:     stringField(input, "reason"),
	}
	if err := r.tasks.AppendDecisionEvent(ctx, taskID, payload); err != nil {
		return nil, fault.Transient(fault.KindStoreTransient, "persist decision event: %v", err)
	}
	return map[string]any{"persisted": true}, nil
}

// Map field helpers. Activity inputs cross an engine codec, so numbers may
// arrive as float64 and slices as []any regardless of what the workflow put
// in.

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func mapField(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}

func stringSliceField(m map[string]any, key string) []string {
	switch v := m[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
