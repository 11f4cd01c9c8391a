// Package saga tracks compensating actions for executed plan steps and
// unwinds them in reverse order when the workflow fails. The context is pure
// data: callers register compensations as steps succeed and hand an executor
// to Rollback, which keeps the package free of activity plumbing and makes
// the stack trivially snapshottable for continue-as-new.
package saga

import (
	"fmt"
	"strings"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
)

// resultPrefix marks input values to be filled from the forward result.
const resultPrefix = "{result."

// Executor runs one compensation and returns its result. Implementations
// call the compensation activity; failures are recorded, never re-raised.
type Executor func(step api.CompensationStep) (map[string]any, error)

// Context holds the compensation stack for one workflow execution.
type Context struct {
	stack      []api.CompensationStep
	rolledBack bool
}

// New returns an empty saga context.
func New() *Context {
	return &Context{}
}

// Restore rebuilds a context from a snapshotted stack, preserving push order.
func Restore(stack []api.CompensationStep) *Context {
	c := &Context{stack: make([]api.CompensationStep, len(stack))}
	copy(c.stack, stack)
	return c
}

// Register pushes a compensation for a step that just succeeded. Placeholder
// values in input ("{result.FIELD}") are resolved against the step's forward
// result at push time, so the stack stays executable after the originating
// results are gone.
func (c *Context) Register(activityName, stepID string, input, result map[string]any) {
	c.stack = append(c.stack, api.CompensationStep{
		ActivityName: activityName,
		StepID:       stepID,
		Input:        InjectResults(input, result),
	})
}

// Depth reports how many compensations are registered.
func (c *Context) Depth() int {
	return len(c.stack)
}

// RolledBack reports whether Rollback already ran.
func (c *Context) RolledBack() bool {
	return c.rolledBack
}

// Stack returns a copy of the registered compensations in push order, for
// continue-as-new snapshots.
func (c *Context) Stack() []api.CompensationStep {
	out := make([]api.CompensationStep, len(c.stack))
	copy(out, c.stack)
	return out
}

// Rollback executes every registered compensation newest-first and reports
// per-step outcomes. Failures do not stop the unwind: each compensation is
// attempted exactly once regardless of what happened to the ones before it.
// The latch makes Rollback idempotent: a second call returns nil without
// re-executing anything.
func (c *Context) Rollback(exec Executor) []api.CompensationResult {
	if c.rolledBack {
		return nil
	}
	c.rolledBack = true

	results := make([]api.CompensationResult, 0, len(c.stack))
	for i := len(c.stack) - 1; i >= 0; i-- {
		step := c.stack[i]
		out, err := exec(step)
		res := api.CompensationResult{StepID: step.StepID, Success: err == nil, Result: out}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// InjectResults resolves "{result.FIELD}" placeholders in input against the
// forward result. Unknown fields keep the placeholder text so a misconfigured
// compensation surfaces in its own failure rather than silently dropping the
// value. Non-string values and nested structures pass through untouched.
func InjectResults(input, result map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	out := make(map[string]any, len(input))
	for k, v := range input {
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, resultPrefix) || !strings.HasSuffix(s, "}") {
			out[k] = v
			continue
		}
		field := s[len(resultPrefix) : len(s)-1]
		if resolved, exists := result[field]; exists {
			out[k] = resolved
		} else {
			out[k] = v
		}
	}
	return out
}

// Describe renders a short human-readable view of the stack, newest first.
// Used in failure logs.
func (c *Context) Describe() string {
	if len(c.stack) == 0 {
		return "empty"
	}
	parts := make([]string, 0, len(c.stack))
	for i := len(c.stack) - 1; i >= 0; i-- {
		parts = append(parts, fmt.Sprintf("%s(%s)", c.stack[i].ActivityName, c.stack[i].StepID))
	}
	return strings.Join(parts, " <- ")
}
