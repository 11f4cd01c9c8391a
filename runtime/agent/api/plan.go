package api

import (
	"errors"
	"fmt"
)

// ErrInvalidPlan marks structural plan validation failures.
var ErrInvalidPlan = errors.New("invalid plan")

type (
	// Plan is an ordered collection of steps forming a directed acyclic graph
	// of tool invocations.
	Plan struct {
		// ID identifies the plan (UUID or cache template derivation).
		ID string `json:"plan_id"`

		// Steps are the plan's units of work, in authoring order.
		Steps []Step `json:"steps"`

		// Reasoning is the planner's free-text rationale, when provided.
		Reasoning string `json:"reasoning,omitempty"`

		// TemplateID is set when the plan came from the semantic cache.
		TemplateID string `json:"template_id,omitempty"`

		// CacheHit records whether the plan was served from the semantic cache.
		CacheHit bool `json:"cache_hit,omitempty"`
	}

	// Step is one plan node: a tool invocation with optional dependencies and
	// an optional compensation.
	Step struct {
		// ID is the step identifier, unique within the plan.
		ID string `json:"id"`

		// Name is a human-readable label; defaults to the step ID when empty.
		Name string `json:"name,omitempty"`

		// Tool names the activity to execute.
		Tool string `json:"tool"`

		// Input is the tool's JSON parameter object.
		Input map[string]any `json:"input,omitempty"`

		// DependsOn lists step IDs that must complete before this step starts.
		DependsOn []string `json:"depends_on,omitempty"`

		// Compensation names the inverse tool registered after success.
		Compensation string `json:"compensation,omitempty"`

		// CompensationInput parameterizes the compensation. String values of the
		// form "{result.FIELD}" are replaced with the step result's FIELD at
		// registration time.
		CompensationInput map[string]any `json:"compensation_input,omitempty"`
	}
)

// Validate checks plan shape: non-empty unique step IDs, non-empty tools, and
// dependencies referring to steps of the same plan. Cycle detection is the
// scheduler's concern.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrInvalidPlan)
	}
	ids := make(map[string]struct{}, len(p.Steps))
	for i, step := range p.Steps {
		if step.ID == "" {
			return fmt.Errorf("%w: step %d has empty id", ErrInvalidPlan, i)
		}
		if step.Tool == "" {
			return fmt.Errorf("%w: step %q has empty tool", ErrInvalidPlan, step.ID)
		}
		if _, dup := ids[step.ID]; dup {
			return fmt.Errorf("%w: duplicate step id %q", ErrInvalidPlan, step.ID)
		}
		ids[step.ID] = struct{}{}
	}
	for _, step := range p.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidPlan, step.ID, dep)
			}
		}
	}
	return nil
}

// DisplayName returns the step's name, falling back to its ID.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}
