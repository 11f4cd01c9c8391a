// Package inmem provides an in-memory implementation of the workflow engine
// for tests, demos, and single-process runs. It executes workflows on plain
// goroutines: no durability, no replay. Workflow coroutines (the main body
// plus anything spawned through Go) are serialized by a per-run lock and
// yield only while parked, mirroring the cooperative scheduling of a real
// executor. Updates and queries are delivered only while the lock holder is
// parked in Await or waiting on an activity future.
package inmem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/engine"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/telemetry"
)

// tick is how often parked workflows re-check conditions and drain calls.
const tick = 2 * time.Millisecond

type (
	eng struct {
		mu         sync.RWMutex
		workflows  map[string]engine.WorkflowDefinition
		activities map[string]engine.ActivityDefinition
		handles    map[string]*handle
		statuses   map[string]engine.RunStatus
	}

	handle struct {
		mu     sync.Mutex
		id     string
		done   chan struct{}
		err    error
		result *api.RunOutput
		wfCtx  *wfCtx
	}

	wfCtx struct {
		ctx    context.Context
		cancel context.CancelFunc
		id     string
		runID  string
		eng    *eng
		logger telemetry.Logger

		// runMu admits one workflow coroutine at a time; blocking points
		// release it while parked and reacquire it before resuming.
		runMu sync.Mutex

		pauseCh  chan api.PauseRequest
		resumeCh chan api.ResumeRequest
		cancelCh chan api.CancelRequest
		forceCh  chan api.ForceManModeRequest

		updateCh chan *updateCall
		queryCh  chan *queryCall

		// Touched only from the workflow goroutine.
		queryHandlers   map[string]func() (map[string]any, error)
		decisionHandler func(api.ManDecisionSubmission) error
	}

	updateCall struct {
		name    string
		payload any
		done    chan error
	}

	queryCall struct {
		name string
		done chan queryResult
	}

	queryResult struct {
		value map[string]any
		err   error
	}

	future struct {
		ready  chan struct{}
		result map[string]any
		err    error
	}

	receiver[T any] struct {
		ch chan T
	}
)

// New returns an in-memory Engine.
func New() engine.Engine {
	return &eng{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		handles:    make(map[string]*handle),
		statuses:   make(map[string]engine.RunStatus),
	}
}

func (e *eng) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid workflow definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.workflows[def.Name]; dup {
		return fmt.Errorf("workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

func (e *eng) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("invalid activity definition")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.activities[def.Name]; dup {
		return fmt.Errorf("activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

func (e *eng) StartWorkflow(ctx context.Context, req engine.StartWorkflowRequest) (engine.WorkflowHandle, error) {
	if req.WorkflowID == "" {
		return nil, errors.New("workflow id is required")
	}
	name := req.Workflow
	if name == "" {
		name = api.WorkflowName
	}
	e.mu.RLock()
	def, ok := e.workflows[name]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", name)
	}

	wctx := newWfCtx(ctx, e, req.WorkflowID)
	h := &handle{id: req.WorkflowID, done: make(chan struct{}), wfCtx: wctx}

	e.mu.Lock()
	if prev, exists := e.handles[req.WorkflowID]; exists {
		select {
		case <-prev.done:
		default:
			e.mu.Unlock()
			return nil, fmt.Errorf("workflow %q already running", req.WorkflowID)
		}
	}
	e.handles[req.WorkflowID] = h
	e.statuses[req.WorkflowID] = engine.RunStatusRunning
	e.mu.Unlock()

	go func() {
		defer close(h.done)
		input := req.Input
		run := 0
		wctx.runMu.Lock()
		for {
			res, err := def.Handler(wctx, input)
			if can, isCAN := engine.AsContinueAsNew(err); isCAN {
				run++
				input = can.Input
				wctx.runID = fmt.Sprintf("%s-run-%d", req.WorkflowID, run)
				continue
			}
			wctx.runMu.Unlock()
			// Reap coroutines the workflow failed to join.
			wctx.cancel()
			h.mu.Lock()
			h.result, h.err = res, err
			h.mu.Unlock()
			e.mu.Lock()
			switch {
			case err == nil:
				e.statuses[req.WorkflowID] = engine.RunStatusCompleted
			case errors.Is(err, context.Canceled) || fault.IsKind(err, fault.KindCancelled):
				e.statuses[req.WorkflowID] = engine.RunStatusCanceled
			default:
				e.statuses[req.WorkflowID] = engine.RunStatusFailed
			}
			e.mu.Unlock()
			return
		}
	}()

	return h, nil
}

func newWfCtx(ctx context.Context, e *eng, id string) *wfCtx {
	wfParent, cancel := context.WithCancel(context.WithoutCancel(ctx))
	return &wfCtx{
		ctx:           telemetry.MergeContext(wfParent, ctx),
		cancel:        cancel,
		id:            id,
		runID:         id + "-run-0",
		eng:           e,
		logger:        telemetry.NewClueLogger(),
		pauseCh:       make(chan api.PauseRequest, 16),
		resumeCh:      make(chan api.ResumeRequest, 16),
		cancelCh:      make(chan api.CancelRequest, 16),
		forceCh:       make(chan api.ForceManModeRequest, 16),
		updateCh:      make(chan *updateCall, 16),
		queryCh:       make(chan *queryCall, 16),
		queryHandlers: make(map[string]func() (map[string]any, error)),
	}
}

func (e *eng) lookup(workflowID string) (*handle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.handles[workflowID]
	if !ok {
		return nil, engine.ErrWorkflowNotFound
	}
	return h, nil
}

func (e *eng) SignalWorkflow(ctx context.Context, workflowID, _ string, name string, payload any) error {
	h, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	w := h.wfCtx
	switch name {
	case api.SignalPauseWorkflow:
		req, err := signalPayload[api.PauseRequest](name, payload)
		if err != nil {
			return err
		}
		return sendSignal(ctx, h.done, w.pauseCh, req)
	case api.SignalResumeWorkflow:
		req, err := signalPayload[api.ResumeRequest](name, payload)
		if err != nil {
			return err
		}
		return sendSignal(ctx, h.done, w.resumeCh, req)
	case api.SignalCancelWorkflow:
		req, err := signalPayload[api.CancelRequest](name, payload)
		if err != nil {
			return err
		}
		return sendSignal(ctx, h.done, w.cancelCh, req)
	case api.SignalForceManMode:
		req, err := signalPayload[api.ForceManModeRequest](name, payload)
		if err != nil {
			return err
		}
		return sendSignal(ctx, h.done, w.forceCh, req)
	default:
		return fmt.Errorf("unknown signal %q", name)
	}
}

func (e *eng) UpdateWorkflow(ctx context.Context, workflowID, _ string, name string, payload any) error {
	if name != api.UpdateSubmitManDecision {
		return fmt.Errorf("unknown update %q", name)
	}
	h, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	call := &updateCall{name: name, payload: payload, done: make(chan error, 1)}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("workflow completed")
	case h.wfCtx.updateCh <- call:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return errors.New("workflow completed before handling update")
	case err := <-call.done:
		return err
	}
}

func (e *eng) CancelWorkflow(_ context.Context, workflowID, _ string) error {
	h, err := e.lookup(workflowID)
	if err != nil {
		return err
	}
	h.wfCtx.cancel()
	return nil
}

func (e *eng) QueryWorkflow(ctx context.Context, workflowID, _ string, queryType string) (map[string]any, error) {
	h, err := e.lookup(workflowID)
	if err != nil {
		return nil, err
	}
	call := &queryCall{name: queryType, done: make(chan queryResult, 1)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, errors.New("workflow completed")
	case h.wfCtx.queryCh <- call:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, errors.New("workflow completed before handling query")
	case res := <-call.done:
		return res.value, res.err
	}
}

func (e *eng) QueryRunStatus(_ context.Context, workflowID string) (engine.RunStatus, error) {
	if workflowID == "" {
		return "", errors.New("workflow id is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	status, ok := e.statuses[workflowID]
	if !ok {
		return "", engine.ErrWorkflowNotFound
	}
	return status, nil
}

func (h *handle) WorkflowID() string { return h.id }

func (h *handle) RunID() string { return h.wfCtx.runID }

func (h *handle) Wait(ctx context.Context) (*api.RunOutput, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.result, h.err
	}
}

func (w *wfCtx) Context() context.Context { return engine.WithWorkflowContext(w.ctx, w) }

func (w *wfCtx) WorkflowID() string { return w.id }

func (w *wfCtx) RunID() string { return w.runID }

func (w *wfCtx) Now() time.Time { return time.Now() }

func (w *wfCtx) Logger() telemetry.Logger { return w.logger }

func (w *wfCtx) ExecuteActivity(name string, opts engine.ActivityOptions, input map[string]any) engine.Future {
	fut := &future{ready: make(chan struct{})}
	w.eng.mu.RLock()
	def, ok := w.eng.activities[name]
	w.eng.mu.RUnlock()
	if !ok {
		fut.err = fmt.Errorf("activity %q not registered", name)
		close(fut.ready)
		return fut
	}
	go func() {
		defer close(fut.ready)
		fut.result, fut.err = w.runAttempts(def, opts, input)
	}()
	return fut
}

// runAttempts applies the retry policy the way the durable executor would:
// non-retryable faults stop immediately, everything else retries with capped
// exponential backoff until attempts run out.
func (w *wfCtx) runAttempts(def engine.ActivityDefinition, opts engine.ActivityOptions, input map[string]any) (map[string]any, error) {
	maxAttempts := int32(1)
	interval := time.Duration(0)
	backoff := 2.0
	maxInterval := time.Duration(0)
	if opts.Retry != nil {
		if opts.Retry.MaxAttempts > 0 {
			maxAttempts = opts.Retry.MaxAttempts
		}
		interval = opts.Retry.InitialInterval
		if opts.Retry.BackoffCoefficient > 0 {
			backoff = opts.Retry.BackoffCoefficient
		}
		maxInterval = opts.Retry.MaxInterval
	}

	var lastErr error
	for attempt := int32(0); attempt < maxAttempts; attempt++ {
		if attempt > 0 && interval > 0 {
			select {
			case <-w.ctx.Done():
				return nil, w.ctx.Err()
			case <-time.After(interval):
			}
			interval = time.Duration(float64(interval) * backoff)
			if maxInterval > 0 && interval > maxInterval {
				interval = maxInterval
			}
		}
		actCtx, cancel := withOptionalTimeout(w.ctx, opts.Timeout)
		out, err := def.Handler(actCtx, input)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !fault.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// pump serves pending updates and queries. Called from the workflow goroutine
// only, so handlers observe a quiescent workflow.
func (w *wfCtx) pump() {
	for {
		select {
		case call := <-w.updateCh:
			call.done <- w.applyUpdate(call)
		case call := <-w.queryCh:
			call.done <- w.applyQuery(call)
		default:
			return
		}
	}
}

func (w *wfCtx) applyUpdate(call *updateCall) error {
	if w.decisionHandler == nil {
		return fmt.Errorf("no handler registered for update %q", call.name)
	}
	sub, err := decisionPayload(call.payload)
	if err != nil {
		return err
	}
	return w.decisionHandler(sub)
}

func (w *wfCtx) applyQuery(call *queryCall) queryResult {
	handler, ok := w.queryHandlers[call.name]
	if !ok {
		return queryResult{err: fmt.Errorf("no handler registered for query %q", call.name)}
	}
	value, err := handler()
	return queryResult{value: value, err: err}
}

// Go runs fn as a workflow coroutine on its own goroutine. The run lock
// keeps it cooperative with the main body.
func (w *wfCtx) Go(fn func(engine.WorkflowContext)) {
	go func() {
		w.runMu.Lock()
		defer w.runMu.Unlock()
		fn(w)
	}()
}

// park releases the run lock for one scheduler beat so other coroutines and
// pending calls can make progress, then reacquires it. Reports whether the
// run was cancelled while parked.
func (w *wfCtx) park(beat <-chan time.Time) error {
	w.runMu.Unlock()
	defer w.runMu.Lock()
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-beat:
		return nil
	}
}

func (w *wfCtx) Await(cond func() bool) error {
	if cond == nil {
		return errors.New("await condition is required")
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		w.pump()
		if cond() {
			return nil
		}
		if err := w.park(ticker.C); err != nil {
			return err
		}
	}
}

func (w *wfCtx) AwaitWithTimeout(timeout time.Duration, cond func() bool) (bool, error) {
	if cond == nil {
		return false, errors.New("await condition is required")
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		w.pump()
		if cond() {
			return true, nil
		}
		if !time.Now().Before(deadline) {
			return false, nil
		}
		if err := w.park(ticker.C); err != nil {
			return false, err
		}
	}
}

func (w *wfCtx) Sleep(d time.Duration) error {
	_, err := w.AwaitWithTimeout(d, func() bool { return false })
	return err
}

func (w *wfCtx) PauseRequests() engine.Receiver[api.PauseRequest] {
	return receiver[api.PauseRequest]{ch: w.pauseCh}
}

func (w *wfCtx) ResumeRequests() engine.Receiver[api.ResumeRequest] {
	return receiver[api.ResumeRequest]{ch: w.resumeCh}
}

func (w *wfCtx) CancelRequests() engine.Receiver[api.CancelRequest] {
	return receiver[api.CancelRequest]{ch: w.cancelCh}
}

func (w *wfCtx) ForceManModeRequests() engine.Receiver[api.ForceManModeRequest] {
	return receiver[api.ForceManModeRequest]{ch: w.forceCh}
}

func (w *wfCtx) SetQueryHandler(name string, handler func() (map[string]any, error)) error {
	if name == "" || handler == nil {
		return errors.New("invalid query handler")
	}
	w.queryHandlers[name] = handler
	return nil
}

func (w *wfCtx) SetDecisionHandler(handler func(api.ManDecisionSubmission) error) error {
	if handler == nil {
		return errors.New("decision handler is required")
	}
	w.decisionHandler = handler
	return nil
}

func (w *wfCtx) NewContinueAsNewError(input *api.RunInput) error {
	return &engine.ContinueAsNewError{Input: input}
}

func (r receiver[T]) Receive(wctx engine.WorkflowContext) (T, bool) {
	var val T
	ok := false
	if err := wctx.Await(func() bool {
		val, ok = r.ReceiveAsync()
		return ok
	}); err != nil {
		var zero T
		return zero, false
	}
	return val, ok
}

func (r receiver[T]) ReceiveAsync() (T, bool) {
	select {
	case val := <-r.ch:
		return val, true
	default:
		var zero T
		return zero, false
	}
}

func (f *future) Get(wctx engine.WorkflowContext) (map[string]any, error) {
	// Keep serving updates, queries, and sibling coroutines while blocked on
	// the activity.
	if w, ok := wctx.(*wfCtx); ok {
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			w.pump()
			select {
			case <-f.ready:
				return f.result, f.err
			default:
			}
			if err := w.park(ticker.C); err != nil {
				return nil, err
			}
		}
	}
	<-f.ready
	return f.result, f.err
}

func signalPayload[T any](name string, payload any) (T, error) {
	switch v := payload.(type) {
	case T:
		return v, nil
	case *T:
		return *v, nil
	case map[string]any:
		var out T
		if err := api.FromMap(v, &out); err != nil {
			var zero T
			return zero, fmt.Errorf("signal %q payload: %w", name, err)
		}
		return out, nil
	default:
		var zero T
		return zero, fmt.Errorf("signal %q expects %T, got %T", name, zero, payload)
	}
}

func decisionPayload(payload any) (api.ManDecisionSubmission, error) {
	switch v := payload.(type) {
	case api.ManDecisionSubmission:
		return v, nil
	case *api.ManDecisionSubmission:
		return *v, nil
	case map[string]any:
		var out api.ManDecisionSubmission
		if err := api.FromMap(v, &out); err != nil {
			return api.ManDecisionSubmission{}, fmt.Errorf("decision payload: %w", err)
		}
		return out, nil
	default:
		return api.ManDecisionSubmission{}, fmt.Errorf("decision update expects api.ManDecisionSubmission, got %T", payload)
	}
}

func sendSignal[T any](ctx context.Context, done <-chan struct{}, ch chan<- T, payload T) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return errors.New("workflow completed")
	case ch <- payload:
		return nil
	}
}

func withOptionalTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return parent, func() {}
	}
	return context.WithTimeout(parent, timeout)
}
