package engine

import "context"

// wfCtxKey stashes a WorkflowContext inside a Go context.
type wfCtxKey struct{}

// WithWorkflowContext returns a child context carrying the workflow context.
// Adapters attach it to the contexts they synthesize so instrumentation can
// recover workflow identity without threading extra parameters.
func WithWorkflowContext(ctx context.Context, wf WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wf)
}

// WorkflowContextFromContext extracts the WorkflowContext from ctx, or nil.
func WorkflowContextFromContext(ctx context.Context) WorkflowContext {
	if wf, ok := ctx.Value(wfCtxKey{}).(WorkflowContext); ok {
		return wf
	}
	return nil
}
