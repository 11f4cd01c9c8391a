// Package runtime is the workflow coordinator: it owns the AgentWorkflow
// body, its event log and state, the per-step approval gate, the saga
// unwind, and the activity implementations the workflow schedules. The
// package is engine-neutral; it runs unchanged on the Temporal adapter and
// the in-memory adapter.
package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/manmode"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/planner"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/tools"
)

// Activity names registered on the task queue.
const (
	ActivityCheckSemanticCache   = "check_semantic_cache"
	ActivityGeneratePlan         = "generate_plan"
	ActivityStorePlanInCache     = "store_plan_in_cache"
	ActivityRiskTriage           = "risk_triage"
	ActivityBacklogCheck         = "backlog_check"
	ActivityCreateManTask        = "create_man_task"
	ActivityResolveManTask       = "resolve_man_task"
	ActivityGetManTask           = "get_man_task"
	ActivityExpireManTasks       = "expire_man_tasks"
	ActivityNotifyManTask        = "notify_man_task"
	ActivityMirrorEvent          = "mirror_event"
	ActivityExecuteTool          = "execute_tool"
	ActivityCompensateTool       = "compensate_tool"
	ActivityPersistDecisionEvent = "persist_decision_event"
)

const (
	// DefaultMaxHistorySize is the event-log length at which the workflow
	// snapshots and continues as new. Checked between frontiers, never
	// mid-step.
	DefaultMaxHistorySize = 1000

	// DefaultDecisionPollInterval bounds how long an approval wait goes
	// without re-reading the task row. Store-only resolutions (the HTTP 202
	// path, the expiry sweep) unblock within one interval.
	DefaultDecisionPollInterval = 30 * time.Second

	// DefaultExpirySweepInterval is how often the worker-side sweep promotes
	// overdue PENDING tasks to EXPIRED.
	DefaultExpirySweepInterval = 60 * time.Second
)

// Activity execution options, by class.
var (
	forwardActivityOpts = engine.ActivityOptions{
		Timeout: 30 * time.Second,
		Retry: &engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Second,
		},
	}
	compensationActivityOpts = engine.ActivityOptions{
		Timeout: 15 * time.Second,
		Retry: &engine.RetryPolicy{
			MaxAttempts:        2,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Second,
		},
	}
	cacheActivityOpts = engine.ActivityOptions{
		Timeout: 10 * time.Second,
		Retry: &engine.RetryPolicy{
			MaxAttempts:        2,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Second,
		},
	}
	gateActivityOpts = engine.ActivityOptions{
		Timeout: 5 * time.Second,
		Retry: &engine.RetryPolicy{
			MaxAttempts:        2,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Second,
		},
	}
	planActivityOpts = engine.ActivityOptions{
		Timeout: 30 * time.Second,
		Retry: &engine.RetryPolicy{
			MaxAttempts:        3,
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaxInterval:        10 * time.Second,
		},
	}
)

// Notifier delivers approval-task notifications. Delivery is fire-and-forget
// from the workflow's point of view; implementations may fan out to several
// channels.
type Notifier interface {
	NotifyTaskCreated(ctx context.Context, task *manmode.ManTask) error
}

// Mirror publishes redacted workflow events to an external stream. Publishes
// with the same key must collapse downstream.
type Mirror interface {
	Publish(ctx context.Context, eventKey string, payload map[string]any) error
}

// Options wires a Runtime. Engine, Tasks, Policies, Triage, Planner, and
// Tools are required; the rest degrade gracefully when absent.
type Options struct {
	Engine    engine.Engine
	TaskQueue string

	Tasks    *manmode.TaskRepository
	Policies *manmode.PolicyService
	Triage   *manmode.Engine

	Planner   planner.Service
	PlanCache planner.Cache
	Tools     *tools.Registry

	Notifier Notifier
	Mirror   Mirror

	Logger  telemetry.Logger
	Metrics telemetry.Metrics

	MaxHistorySize       int
	DecisionPollInterval time.Duration
}

// Runtime owns the workflow and activity registrations for one task queue.
type Runtime struct {
	engine    engine.Engine
	taskQueue string

	tasks    *manmode.TaskRepository
	policies *manmode.PolicyService
	triage   *manmode.Engine

	planner   planner.Service
	planCache planner.Cache
	tools     *tools.Registry

	notifier Notifier
	mirror   Mirror

	logger  telemetry.Logger
	metrics telemetry.Metrics

	maxHistory   int
	decisionPoll time.Duration
}

// New builds a Runtime from options.
func New(opts Options) (*Runtime, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("runtime: engine is required")
	}
	if opts.Tasks == nil || opts.Policies == nil || opts.Triage == nil {
		return nil, fmt.Errorf("runtime: task repository, policy service, and triage engine are required")
	}
	if opts.Planner == nil {
		return nil, fmt.Errorf("runtime: planner is required")
	}
	if opts.Tools == nil {
		return nil, fmt.Errorf("runtime: tool registry is required")
	}
	r := &Runtime{
		engine:       opts.Engine,
		taskQueue:    opts.TaskQueue,
		tasks:        opts.Tasks,
		policies:     opts.Policies,
		triage:       opts.Triage,
		planner:      opts.Planner,
		planCache:    opts.PlanCache,
		tools:        opts.Tools,
		notifier:     opts.Notifier,
		mirror:       opts.Mirror,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		maxHistory:   opts.MaxHistorySize,
		decisionPoll: opts.DecisionPollInterval,
	}
	if r.taskQueue == "" {
		r.taskQueue = api.DefaultTaskQueue
	}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.maxHistory <= 0 {
		r.maxHistory = DefaultMaxHistorySize
	}
	if r.decisionPoll <= 0 {
		r.decisionPoll = DefaultDecisionPollInterval
	}
	return r, nil
}

// Register makes the workflow and every activity executable on the task
// queue.
func (r *Runtime) Register(ctx context.Context) error {
	if err := r.engine.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      api.WorkflowName,
		TaskQueue: r.taskQueue,
		Handler:   r.Workflow,
	}); err != nil {
		return fmt.Errorf("register workflow: %w", err)
	}
	activities := map[string]engine.ActivityFunc{
		ActivityCheckSemanticCache:   r.checkSemanticCache,
		ActivityGeneratePlan:         r.generatePlan,
		ActivityStorePlanInCache:     r.storePlanInCache,
		ActivityRiskTriage:           r.riskTriage,
		ActivityBacklogCheck:         r.backlogCheck,
		ActivityCreateManTask:        r.createManTask,
		ActivityResolveManTask:       r.resolveManTask,
		ActivityGetManTask:           r.getManTask,
		ActivityExpireManTasks:       r.expireManTasks,
		ActivityNotifyManTask:        r.notifyManTask,
		ActivityMirrorEvent:          r.mirrorEvent,
		ActivityExecuteTool:          r.executeTool,
		ActivityCompensateTool:       r.compensateTool,
		ActivityPersistDecisionEvent: r.persistDecisionEvent,
	}
	for name, handler := range activities {
		if err := r.engine.RegisterActivity(ctx, engine.ActivityDefinition{
			Name:      name,
			TaskQueue: r.taskQueue,
			Handler:   handler,
		}); err != nil {
			return fmt.Errorf("register activity %s: %w", name, err)
		}
	}
	return nil
}

// TaskQueue returns the queue this runtime registers on.
func (r *Runtime) TaskQueue() string { return r.taskQueue }

// RunExpirySweeper promotes overdue PENDING tasks to EXPIRED on a ticker
// until ctx is done. Interval <= 0 selects the default.
func (r *Runtime) RunExpirySweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultExpirySweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := r.tasks.ExpireOverdue(ctx, r.taskTTLForTenant)
			if err != nil {
				r.logger.Warn(ctx, "expiry sweep failed", "err", err)
				continue
			}
			if expired > 0 {
				r.logger.Info(ctx, "expired overdue man tasks", "count", expired)
				r.metrics.IncCounter("man_tasks_expired_total", float64(expired))
			}
		}
	}
}

func (r *Runtime) taskTTLForTenant(ctx context.Context, tenantID string) time.Duration {
	policy, err := r.policies.Load(ctx, tenantID, "")
	if err != nil {
		return manmode.DefaultTaskTTL
	}
	return policy.TaskTTL()
}
