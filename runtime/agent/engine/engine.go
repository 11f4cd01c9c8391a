// Package engine abstracts the durable executor the agent workflow runs on.
// The Temporal adapter (engine/temporal) is the production backend; the
// in-memory adapter (engine/inmem) runs the same workflow code in tests and
// demos without a server.
//
// The contract is deliberately narrow: one workflow shape (RunInput in,
// RunOutput out), activities that exchange map payloads, four signals, one
// update, and one query. Workflow code must stay deterministic: all
// wall-clock reads go through WorkflowContext.Now and all side effects
// through activities. The engine records activity inputs and outputs and
// replays them during recovery, so a handler that reaches around the contract
// diverges on replay.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

// ErrWorkflowNotFound is returned by signal, update, cancel, and query calls
// that name a workflow the backend does not know.
var ErrWorkflowNotFound = errors.New("workflow not found")

// RunStatus is the backend-reported execution status of a workflow run.
type RunStatus string

const (
	RunStatusUnspecified RunStatus = "UNSPECIFIED"
	RunStatusRunning     RunStatus = "RUNNING"
	RunStatusCompleted   RunStatus = "COMPLETED"
	RunStatusFailed      RunStatus = "FAILED"
	RunStatusCanceled    RunStatus = "CANCELED"
	RunStatusTerminated  RunStatus = "TERMINATED"
	RunStatusTimedOut    RunStatus = "TIMED_OUT"
)

type (
	// WorkflowFunc is the workflow body. Same input and same history must
	// produce the same calls in the same order.
	WorkflowFunc func(wctx WorkflowContext, input *api.RunInput) (*api.RunOutput, error)

	// ActivityFunc is one registered activity. Payloads are maps so a single
	// handler signature serves every activity and survives any backend codec.
	ActivityFunc func(ctx context.Context, input map[string]any) (map[string]any, error)

	// WorkflowDefinition binds a workflow function to its registered name and
	// task queue.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// ActivityDefinition binds an activity handler to its registered name and
	// task queue. Execution options are supplied per call.
	ActivityDefinition struct {
		Name      string
		TaskQueue string
		Handler   ActivityFunc
	}

	// ActivityOptions configure one activity invocation.
	ActivityOptions struct {
		// Timeout bounds a single attempt (start-to-close).
		Timeout time.Duration
		// Retry controls attempts; nil uses the backend default.
		Retry *RetryPolicy
	}

	// RetryPolicy mirrors the durable executor's retry controls.
	RetryPolicy struct {
		MaxAttempts        int32
		InitialInterval    time.Duration
		BackoffCoefficient float64
		MaxInterval        time.Duration
	}

	// StartWorkflowRequest describes a workflow start.
	StartWorkflowRequest struct {
		WorkflowID string
		Workflow   string
		TaskQueue  string
		Input      *api.RunInput
	}

	// WorkflowHandle refers to a started workflow run.
	WorkflowHandle interface {
		WorkflowID() string
		RunID() string
		// Wait blocks until the run reaches a terminal state and returns its
		// result. Continue-as-new is followed transparently.
		Wait(ctx context.Context) (*api.RunOutput, error)
	}

	// Future is a pending activity result.
	Future interface {
		// Get blocks (durably) until the activity completes.
		Get(wctx WorkflowContext) (map[string]any, error)
	}

	// Receiver drains one signal channel.
	Receiver[T any] interface {
		// Receive blocks until a payload arrives; ok is false when the
		// workflow is canceled while waiting.
		Receive(wctx WorkflowContext) (T, bool)
		// ReceiveAsync returns the next buffered payload without blocking.
		ReceiveAsync() (T, bool)
	}

	// WorkflowContext is the deterministic execution surface handed to
	// WorkflowFunc.
	WorkflowContext interface {
		// Context carries cancellation; it is done once the run is canceled.
		Context() context.Context

		WorkflowID() string
		RunID() string

		// Now returns the workflow's logical time (replay-stable).
		Now() time.Time

		// Logger returns a replay-safe logger.
		Logger() telemetry.Logger

		// ExecuteActivity schedules the named activity and returns its future.
		ExecuteActivity(name string, opts ActivityOptions, input map[string]any) Future

		// Go runs fn as a workflow coroutine. Coroutines share the run's
		// determinism rules, are scheduled cooperatively (only one executes
		// workflow code at a time, switching at blocking points), and die
		// with the run. Fn must not outlive the workflow function: join it
		// with Await before returning.
		Go(fn func(wctx WorkflowContext))

		// Await blocks until cond returns true. Cond is re-evaluated whenever
		// workflow state may have changed (signal or update arrival, timer
		// fire). It returns an error when the run is canceled while waiting.
		Await(cond func() bool) error

		// AwaitWithTimeout is Await with an upper bound; it reports whether
		// cond was satisfied before the timeout elapsed.
		AwaitWithTimeout(timeout time.Duration, cond func() bool) (bool, error)

		// Sleep blocks the workflow on a durable timer.
		Sleep(d time.Duration) error

		// Signal receivers. Payloads arrive in delivery order and survive
		// replay.
		PauseRequests() Receiver[api.PauseRequest]
		ResumeRequests() Receiver[api.ResumeRequest]
		CancelRequests() Receiver[api.CancelRequest]
		ForceManModeRequests() Receiver[api.ForceManModeRequest]

		// SetQueryHandler registers the read-only state query.
		SetQueryHandler(name string, handler func() (map[string]any, error)) error

		// SetDecisionHandler registers the handler for the decision update.
		// The handler's error is delivered synchronously to the update caller.
		SetDecisionHandler(handler func(api.ManDecisionSubmission) error) error

		// NewContinueAsNewError builds the error a workflow returns to restart
		// itself with fresh history and the given input.
		NewContinueAsNewError(input *api.RunInput) error
	}

	// Engine is the durable executor client surface.
	Engine interface {
		// RegisterWorkflow makes a workflow type executable on its task queue.
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error

		// RegisterActivity makes an activity invocable on its task queue.
		RegisterActivity(ctx context.Context, def ActivityDefinition) error

		// StartWorkflow begins a new run. Reusing a WorkflowID while a run is
		// open is a backend error.
		StartWorkflow(ctx context.Context, req StartWorkflowRequest) (WorkflowHandle, error)

		// SignalWorkflow delivers a signal payload. Empty runID targets the
		// latest run.
		SignalWorkflow(ctx context.Context, workflowID, runID, name string, payload any) error

		// UpdateWorkflow delivers an update and waits for the handler result.
		UpdateWorkflow(ctx context.Context, workflowID, runID, name string, payload any) error

		// CancelWorkflow requests cancellation of a run.
		CancelWorkflow(ctx context.Context, workflowID, runID string) error

		// QueryWorkflow invokes a registered query handler on a workflow.
		QueryWorkflow(ctx context.Context, workflowID, runID, queryType string) (map[string]any, error)

		// QueryRunStatus reports the backend execution status.
		QueryRunStatus(ctx context.Context, workflowID string) (RunStatus, error)
	}
)

// ContinueAsNewError is the backend-neutral continue-as-new marker. The inmem
// adapter returns it as-is and restarts the workflow loop; the Temporal
// adapter translates it to the SDK's native error so history actually rolls
// over.
type ContinueAsNewError struct {
	Input *api.RunInput
}

// Error implements error.
func (e *ContinueAsNewError) Error() string { return "continue as new" }

// AsContinueAsNew extracts a continue-as-new marker from err.
func AsContinueAsNew(err error) (*ContinueAsNewError, bool) {
	var can *ContinueAsNewError
	if errors.As(err, &can) {
		return can, true
	}
	return nil, false
}
