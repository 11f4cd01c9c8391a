// Package fault defines the structured failure kinds the orchestrator carries
// across the durable-executor boundary. Activities return *Fault values;
// engine adapters translate them to backend error types (non-retryable
// application errors on Temporal) and back, so workflow code can branch on
// Kind without importing any backend SDK.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The names are part of the wire contract: the
// Temporal adapter uses them as the application-error type so kinds survive
// serialization and replay.
type Kind string

const (
	// KindPolicyBlocked marks a step whose lane is BLOCKED.
	KindPolicyBlocked Kind = "PolicyBlocked"
	// KindDenied marks a step an operator denied.
	KindDenied Kind = "Denied"
	// KindCancelled marks a workflow stopped by a cancel signal or a
	// CANCEL_WORKFLOW decision.
	KindCancelled Kind = "Cancelled"
	// KindBacklogOverloaded marks a step rejected under BLOCK_NEW degrade.
	KindBacklogOverloaded Kind = "BacklogOverloaded"
	// KindDecisionExpired marks an approval that hit its TTL; treated as a
	// denial by the gate.
	KindDecisionExpired Kind = "DecisionExpired"
	// KindDAGCycle marks a plan whose dependencies cannot be scheduled.
	KindDAGCycle Kind = "DAGCycleOrMissingDependency"
	// KindToolTransient marks a tool failure the executor should retry.
	KindToolTransient Kind = "ToolTransientFailure"
	// KindToolFatal marks a tool failure past its final retry.
	KindToolFatal Kind = "ToolFatal"
	// KindCompensationFailed records one failed compensation during rollback.
	KindCompensationFailed Kind = "CompensationFailed"
	// KindStoreTransient marks a store hiccup the executor retries away.
	KindStoreTransient Kind = "StoreTransient"
)

// Fault is a classified error. Retryable faults are retried by the durable
// executor per the activity's policy; non-retryable faults bubble to the
// coordinator and terminate the workflow.
type Fault struct {
	Kind      Kind
	Message   string
	Retryable bool
	Details   map[string]any
}

// Error implements error.
func (f *Fault) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// New builds a non-retryable fault.
func New(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Transient builds a retryable fault.
func Transient(kind Kind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// WithDetails attaches structured context to the fault and returns it.
func (f *Fault) WithDetails(details map[string]any) *Fault {
	f.Details = details
	return f
}

// KindOf returns the fault kind carried by err, or "" when err carries none.
func KindOf(err error) Kind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Retryable reports whether err may be retried. Errors without a fault
// classification default to retryable, matching the durable executor's
// treatment of unknown failures.
func Retryable(err error) bool {
	var f *Fault
	if errors.As(err, &f) {
		return f.Retryable
	}
	return true
}
