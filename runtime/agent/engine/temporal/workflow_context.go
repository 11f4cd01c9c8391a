package temporal

import (
	"context"
	"errors"
	"time"

	sdklog "go.temporal.io/sdk/log"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

type temporalWorkflowContext struct {
	engine     *Engine
	ctx        workflow.Context
	workflowID string
	runID      string
	logger     telemetry.Logger
	baseCtx    context.Context
}

// NewWorkflowContext adapts a raw workflow.Context into the engine's
// WorkflowContext. Useful for workflows hosted in the same worker that were
// not started through this adapter.
func NewWorkflowContext(e *Engine, ctx workflow.Context) engine.WorkflowContext {
	return newTemporalWorkflowContext(e, ctx)
}

func newTemporalWorkflowContext(e *Engine, ctx workflow.Context) *temporalWorkflowContext {
	info := workflow.GetInfo(ctx)
	wfCtx := &temporalWorkflowContext{
		engine:     e,
		ctx:        ctx,
		workflowID: info.WorkflowExecution.ID,
		runID:      info.WorkflowExecution.RunID,
		logger:     workflowLogger{l: workflow.GetLogger(ctx)},
		baseCtx:    e.workflowBaseContext(info.WorkflowExecution.RunID),
	}
	e.trackWorkflowContext(wfCtx.runID, wfCtx)
	return wfCtx
}

type contextKey string

const (
	workflowIDKey contextKey = "temporal.workflow_id"
	runIDKey      contextKey = "temporal.run_id"
)

func (w *temporalWorkflowContext) Context() context.Context {
	ctx := w.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithValue(ctx, workflowIDKey, w.workflowID)
	ctx = context.WithValue(ctx, runIDKey, w.runID)
	return engine.WithWorkflowContext(ctx, w)
}

func (w *temporalWorkflowContext) WorkflowID() string { return w.workflowID }

func (w *temporalWorkflowContext) RunID() string { return w.runID }

func (w *temporalWorkflowContext) Now() time.Time { return workflow.Now(w.ctx) }

func (w *temporalWorkflowContext) Logger() telemetry.Logger { return w.logger }

func (w *temporalWorkflowContext) ExecuteActivity(name string, opts engine.ActivityOptions, input map[string]any) engine.Future {
	actx := workflow.WithActivityOptions(w.ctx, activityOptions(opts))
	return &temporalFuture{future: workflow.ExecuteActivity(actx, name, input), ctx: actx}
}

func (w *temporalWorkflowContext) Go(fn func(engine.WorkflowContext)) {
	workflow.Go(w.ctx, func(gctx workflow.Context) {
		// The coroutine gets its own workflow.Context; everything else about
		// the run (ids, logger, activity base context) is shared.
		child := *w
		child.ctx = gctx
		fn(&child)
	})
}

func (w *temporalWorkflowContext) Await(cond func() bool) error {
	if cond == nil {
		return errors.New("await condition is required")
	}
	return workflow.Await(w.ctx, cond)
}

func (w *temporalWorkflowContext) AwaitWithTimeout(timeout time.Duration, cond func() bool) (bool, error) {
	if cond == nil {
		return false, errors.New("await condition is required")
	}
	return workflow.AwaitWithTimeout(w.ctx, timeout, cond)
}

func (w *temporalWorkflowContext) Sleep(d time.Duration) error {
	return workflow.Sleep(w.ctx, d)
}

func (w *temporalWorkflowContext) PauseRequests() engine.Receiver[api.PauseRequest] {
	return &temporalReceiver[api.PauseRequest]{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, api.SignalPauseWorkflow)}
}

func (w *temporalWorkflowContext) ResumeRequests() engine.Receiver[api.ResumeRequest] {
	return &temporalReceiver[api.ResumeRequest]{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, api.SignalResumeWorkflow)}
}

func (w *temporalWorkflowContext) CancelRequests() engine.Receiver[api.CancelRequest] {
	return &temporalReceiver[api.CancelRequest]{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, api.SignalCancelWorkflow)}
}

func (w *temporalWorkflowContext) ForceManModeRequests() engine.Receiver[api.ForceManModeRequest] {
	return &temporalReceiver[api.ForceManModeRequest]{ctx: w.ctx, ch: workflow.GetSignalChannel(w.ctx, api.SignalForceManMode)}
}

func (w *temporalWorkflowContext) SetQueryHandler(name string, handler func() (map[string]any, error)) error {
	return workflow.SetQueryHandler(w.ctx, name, handler)
}

func (w *temporalWorkflowContext) SetDecisionHandler(handler func(api.ManDecisionSubmission) error) error {
	return workflow.SetUpdateHandler(w.ctx, api.UpdateSubmitManDecision,
		func(_ workflow.Context, sub api.ManDecisionSubmission) error {
			return handler(sub)
		})
}

func (w *temporalWorkflowContext) NewContinueAsNewError(input *api.RunInput) error {
	return workflow.NewContinueAsNewError(w.ctx, api.WorkflowName, input)
}

type temporalFuture struct {
	future workflow.Future
	ctx    workflow.Context
}

func (f *temporalFuture) Get(engine.WorkflowContext) (map[string]any, error) {
	var out map[string]any
	if err := f.future.Get(f.ctx, &out); err != nil {
		return nil, fromActivityError(err)
	}
	return out, nil
}

type temporalReceiver[T any] struct {
	ctx workflow.Context
	ch  workflow.ReceiveChannel
}

func (r *temporalReceiver[T]) Receive(engine.WorkflowContext) (T, bool) {
	var out T
	more := r.ch.Receive(r.ctx, &out)
	return out, more
}

func (r *temporalReceiver[T]) ReceiveAsync() (T, bool) {
	var out T
	ok := r.ch.ReceiveAsync(&out)
	return out, ok
}

// workflowLogger bridges the SDK's replay-safe logger to telemetry.Logger.
type workflowLogger struct {
	l sdklog.Logger
}

func (w workflowLogger) Debug(_ context.Context, msg string, keyvals ...any) { w.l.Debug(msg, keyvals...) }
func (w workflowLogger) Info(_ context.Context, msg string, keyvals ...any)  { w.l.Info(msg, keyvals...) }
func (w workflowLogger) Warn(_ context.Context, msg string, keyvals ...any)  { w.l.Warn(msg, keyvals...) }
func (w workflowLogger) Error(_ context.Context, msg string, keyvals ...any) { w.l.Error(msg, keyvals...) }

func activityOptions(opts engine.ActivityOptions) workflow.ActivityOptions {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy:         convertRetryPolicy(opts.Retry),
	}
}

func convertRetryPolicy(r *engine.RetryPolicy) *temporal.RetryPolicy {
	if r == nil {
		return nil
	}
	policy := &temporal.RetryPolicy{}
	if r.MaxAttempts > 0 {
		policy.MaximumAttempts = r.MaxAttempts
	}
	if r.InitialInterval > 0 {
		policy.InitialInterval = r.InitialInterval
	}
	if r.BackoffCoefficient > 0 {
		policy.BackoffCoefficient = r.BackoffCoefficient
	}
	if r.MaxInterval > 0 {
		policy.MaximumInterval = r.MaxInterval
	}
	return policy
}
