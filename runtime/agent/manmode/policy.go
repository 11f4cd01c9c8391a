package manmode

import (
	"fmt"
	"time"
)

// DegradeBehavior controls what happens to new RED-lane actions when a
// tenant's pending-task backlog is full.
type DegradeBehavior string

const (
	// DegradeBlockNew fails the step immediately with BacklogOverloaded.
	DegradeBlockNew DegradeBehavior = "BLOCK_NEW"
	// DegradeForcePause pauses the workflow until an operator resumes it.
	DegradeForcePause DegradeBehavior = "FORCE_PAUSE"
	// DegradeAutoDeny treats the action as denied without opening a task.
	DegradeAutoDeny DegradeBehavior = "AUTO_DENY"
)

const (
	// DefaultRedThreshold is the score at or above which a lane becomes RED.
	DefaultRedThreshold = 0.8
	// DefaultYellowThreshold is the score at or above which a lane becomes YELLOW.
	DefaultYellowThreshold = 0.5
	// DefaultMaxPendingPerTenant bounds the approval backlog per tenant.
	DefaultMaxPendingPerTenant = 50
	// DefaultTaskTTL is how long a task may stay PENDING before the sweep
	// expires it.
	DefaultTaskTTL = 24 * time.Hour
)

// Thresholds are the score cut-offs for lane assignment.
type Thresholds struct {
	Red    float64 `json:"red" yaml:"red"`
	Yellow float64 `json:"yellow" yaml:"yellow"`
}

// HardTriggers force RED regardless of computed score.
type HardTriggers struct {
	// Tools lists tool names that always trigger.
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
	// Params maps a parameter key to substrings that trigger when found in
	// the stringified value, case-insensitively.
	Params map[string][]string `json:"params,omitempty" yaml:"params,omitempty"`
	// Workflows lists workflow keys that always trigger.
	Workflows []string `json:"workflows,omitempty" yaml:"workflows,omitempty"`
}

// PolicyOverride narrows policy settings for a single workflow key.
type PolicyOverride struct {
	Thresholds       *Thresholds        `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
	ToolMinimumLanes map[string]ManLane `json:"tool_minimum_lanes,omitempty" yaml:"tool_minimum_lanes,omitempty"`
}

// ManPolicy is the tenant- or workflow-scoped triage configuration.
type ManPolicy struct {
	GlobalThresholds     Thresholds                `json:"global_thresholds" yaml:"global_thresholds"`
	ToolMinimumLanes     map[string]ManLane        `json:"tool_minimum_lanes,omitempty" yaml:"tool_minimum_lanes,omitempty"`
	HardTriggers         HardTriggers              `json:"hard_triggers,omitempty" yaml:"hard_triggers,omitempty"`
	PerWorkflowOverrides map[string]PolicyOverride `json:"per_workflow_overrides,omitempty" yaml:"per_workflow_overrides,omitempty"`
	MaxPendingPerTenant  int                       `json:"max_pending_per_tenant,omitempty" yaml:"max_pending_per_tenant,omitempty"`
	TaskTTLMinutes       int                       `json:"task_ttl_minutes,omitempty" yaml:"task_ttl_minutes,omitempty"`
	DegradeBehavior      DegradeBehavior           `json:"degrade_behavior,omitempty" yaml:"degrade_behavior,omitempty"`
}

// DefaultPolicy returns the built-in policy used when no row matches a
// lookup. It carries thresholds and limits only; tool minimums and hard
// triggers are tenant decisions and start empty.
func DefaultPolicy() ManPolicy {
	return ManPolicy{
		GlobalThresholds:    Thresholds{Red: DefaultRedThreshold, Yellow: DefaultYellowThreshold},
		MaxPendingPerTenant: DefaultMaxPendingPerTenant,
		TaskTTLMinutes:      int(DefaultTaskTTL / time.Minute),
		DegradeBehavior:     DegradeBlockNew,
	}
}

// Normalize fills zero values with defaults so a partially specified policy
// (for example one loaded from YAML) behaves predictably.
func (p ManPolicy) Normalize() ManPolicy {
	if p.GlobalThresholds.Red == 0 {
		p.GlobalThresholds.Red = DefaultRedThreshold
	}
	if p.GlobalThresholds.Yellow == 0 {
		p.GlobalThresholds.Yellow = DefaultYellowThreshold
	}
	if p.MaxPendingPerTenant == 0 {
		p.MaxPendingPerTenant = DefaultMaxPendingPerTenant
	}
	if p.TaskTTLMinutes == 0 {
		p.TaskTTLMinutes = int(DefaultTaskTTL / time.Minute)
	}
	if p.DegradeBehavior == "" {
		p.DegradeBehavior = DegradeBlockNew
	}
	return p
}

// Validate rejects configurations the engine cannot evaluate coherently.
func (p ManPolicy) Validate() error {
	if p.GlobalThresholds.Yellow > p.GlobalThresholds.Red {
		return fmt.Errorf("manmode: yellow threshold %.2f exceeds red %.2f",
			p.GlobalThresholds.Yellow, p.GlobalThresholds.Red)
	}
	for tool, lane := range p.ToolMinimumLanes {
		if !lane.Valid() {
			return fmt.Errorf("manmode: tool %s has unknown minimum lane %q", tool, lane)
		}
	}
	for key, override := range p.PerWorkflowOverrides {
		if override.Thresholds != nil && override.Thresholds.Yellow > override.Thresholds.Red {
			return fmt.Errorf("manmode: override %s has yellow threshold above red", key)
		}
		for tool, lane := range override.ToolMinimumLanes {
			if !lane.Valid() {
				return fmt.Errorf("manmode: override %s tool %s has unknown lane %q", key, tool, lane)
			}
		}
	}
	switch p.DegradeBehavior {
	case "", DegradeBlockNew, DegradeForcePause, DegradeAutoDeny:
	default:
		return fmt.Errorf("manmode: unknown degrade behavior %q", p.DegradeBehavior)
	}
	return nil
}

// EffectiveThresholds returns the thresholds for a workflow, preferring a
// per-workflow override when one exists.
func (p ManPolicy) EffectiveThresholds(workflowKey string) Thresholds {
	if workflowKey != "" {
		if override, ok := p.PerWorkflowOverrides[workflowKey]; ok && override.Thresholds != nil {
			return *override.Thresholds
		}
	}
	return p.GlobalThresholds
}

// MinimumLane returns the configured floor for a tool, if any. Workflow
// overrides win over the global table.
func (p ManPolicy) MinimumLane(toolName, workflowKey string) (ManLane, bool) {
	if workflowKey != "" {
		if override, ok := p.PerWorkflowOverrides[workflowKey]; ok {
			if lane, ok := override.ToolMinimumLanes[toolName]; ok {
				return lane, true
			}
		}
	}
	lane, ok := p.ToolMinimumLanes[toolName]
	return lane, ok
}

// TaskTTL returns the pending-task lifetime as a duration.
func (p ManPolicy) TaskTTL() time.Duration {
	if p.TaskTTLMinutes <= 0 {
		return DefaultTaskTTL
	}
	return time.Duration(p.TaskTTLMinutes) * time.Minute
}
