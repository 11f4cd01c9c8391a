// Package planner defines the plan-generation contracts the orchestrator
// consumes. The workflow never talks to a model or cache directly: the
// generate_plan and check_semantic_cache activities do, through these
// interfaces. features/planner/heuristic ships the deterministic
// implementation used by demos and tests; an LLM-backed Service would
// implement the same contract.
package planner

import (
	"context"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
)

// Service generates a plan for a natural-language goal. Implementations must
// return plans that pass api.Plan.Validate; the scheduler rejects anything
// else before the first step runs.
type Service interface {
	GeneratePlan(ctx context.Context, goal string, userContext map[string]any) (*api.Plan, error)
}

// Cache is the semantic plan cache consulted before plan generation.
type Cache interface {
	// Lookup returns the cached plan for a goal with parameters re-bound, or
	// ok=false on a miss.
	Lookup(ctx context.Context, goal string) (plan *api.Plan, ok bool, err error)

	// Store caches a freshly generated plan under the goal's entity template
	// and returns the template ID.
	Store(ctx context.Context, goal string, plan *api.Plan) (templateID string, err error)
}
