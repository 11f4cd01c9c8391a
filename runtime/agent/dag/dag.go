// Package dag schedules plan steps by dependency. It runs Kahn's algorithm
// incrementally: Build validates the plan (including cycle detection), Ready
// returns the current frontier sorted by step ID for deterministic replay,
// and Complete retires a step and unlocks its dependents.
package dag

import (
	"fmt"
	"sort"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
)

// Graph is the mutable scheduling state for one plan execution.
type Graph struct {
	steps      map[string]api.Step
	dependents map[string][]string
	inDegree   map[string]int
	done       map[string]struct{}
}

// Build validates the plan and constructs its scheduling graph. Missing
// dependencies and cycles are rejected with a DAGCycleOrMissingDependency
// fault: both mean some step can never become ready.
func Build(plan *api.Plan) (*Graph, error) {
	if err := plan.Validate(); err != nil {
		return nil, fault.New(fault.KindDAGCycle, "plan %s is not schedulable: %v", plan.ID, err)
	}

	g := &Graph{
		steps:      make(map[string]api.Step, len(plan.Steps)),
		dependents: make(map[string][]string),
		inDegree:   make(map[string]int, len(plan.Steps)),
		done:       make(map[string]struct{}),
	}
	for _, step := range plan.Steps {
		g.steps[step.ID] = step
		g.inDegree[step.ID] = len(step.DependsOn)
		for _, dep := range step.DependsOn {
			g.dependents[dep] = append(g.dependents[dep], step.ID)
		}
	}

	if err := g.checkAcyclic(plan.ID); err != nil {
		return nil, err
	}
	return g, nil
}

// checkAcyclic runs a throwaway Kahn pass: if it cannot retire every step,
// the leftover steps form at least one cycle.
func (g *Graph) checkAcyclic(planID string) error {
	degree := make(map[string]int, len(g.inDegree))
	for id, d := range g.inDegree {
		degree[id] = d
	}
	queue := make([]string, 0, len(degree))
	for id, d := range degree {
		if d == 0 {
			queue = append(queue, id)
		}
	}
	retired := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		retired++
		for _, dep := range g.dependents[id] {
			degree[dep]--
			if degree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if retired != len(g.steps) {
		stuck := make([]string, 0)
		for id, d := range degree {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fault.New(fault.KindDAGCycle, "plan %s has a dependency cycle involving %v", planID, stuck)
	}
	return nil
}

// Ready returns the steps whose dependencies are all complete and that have
// not completed themselves, sorted by ID.
func (g *Graph) Ready() []api.Step {
	ids := make([]string, 0)
	for id, d := range g.inDegree {
		if d != 0 {
			continue
		}
		if _, finished := g.done[id]; finished {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	steps := make([]api.Step, 0, len(ids))
	for _, id := range ids {
		steps = append(steps, g.steps[id])
	}
	return steps
}

// Complete retires a finished step and decrements its dependents' in-degree.
func (g *Graph) Complete(stepID string) error {
	if _, ok := g.steps[stepID]; !ok {
		return fmt.Errorf("unknown step %q", stepID)
	}
	if _, finished := g.done[stepID]; finished {
		return nil
	}
	g.done[stepID] = struct{}{}
	for _, dep := range g.dependents[stepID] {
		g.inDegree[dep]--
	}
	return nil
}

// Step returns the step definition by ID.
func (g *Graph) Step(stepID string) (api.Step, bool) {
	s, ok := g.steps[stepID]
	return s, ok
}

// Remaining reports how many steps have not completed.
func (g *Graph) Remaining() int {
	return len(g.steps) - len(g.done)
}

// Completed reports how many steps have completed.
func (g *Graph) Completed() int {
	return len(g.done)
}

// Levels returns the execution levels of the graph: level n holds the steps
// whose longest dependency chain has length n. Steps within a level are
// sorted by ID. Useful for planner introspection and tests; the scheduler
// itself works frontier by frontier so completions unlock dependents as soon
// as possible.
func (g *Graph) Levels() [][]string {
	depth := make(map[string]int, len(g.steps))
	var walk func(id string) int
	walk = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		max := 0
		for _, dep := range g.steps[id].DependsOn {
			if d := walk(dep) + 1; d > max {
				max = d
			}
		}
		depth[id] = max
		return max
	}
	deepest := 0
	for id := range g.steps {
		if d := walk(id); d > deepest {
			deepest = d
		}
	}
	levels := make([][]string, deepest+1)
	for id, d := range depth {
		levels[d] = append(levels[d], id)
	}
	for _, level := range levels {
		sort.Strings(level)
	}
	return levels
}
