// Package heuristic is a deterministic planner.Service. It matches a goal
// against a small set of patterns and returns a fixed plan for each, which
// lets submit and test runs exercise the whole orchestrator without a model
// behind the planner contract. Same goal, same plan: the plan id is derived
// from the goal text, so cache round-trips and replays line up.
package heuristic

import (
	"context"
	"regexp"
	"strings"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/omnitrace"
)

var emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// Planner implements planner.Service with goal-pattern matching.
type Planner struct{}

// New returns a heuristic planner.
func New() *Planner {
	return &Planner{}
}

// GeneratePlan produces a plan for the goal. Recognized patterns, first
// match wins: trip booking, refund, record cleanup. Anything else gets a
// single-step echo plan so no goal is unplannable.
func (p *Planner) GeneratePlan(_ context.Context, goal string, userContext map[string]any) (*api.Plan, error) {
	lower := strings.ToLower(goal)
	planID := "plan-" + omnitrace.ComputeHash(goal, 8)

	switch {
	case strings.Contains(lower, "flight") || strings.Contains(lower, "trip") || strings.Contains(lower, "travel"):
		return tripPlan(planID, goal), nil
	case strings.Contains(lower, "refund"):
		return refundPlan(planID, goal, userContext), nil
	case strings.Contains(lower, "delete") || strings.Contains(lower, "clean"):
		return cleanupPlan(planID, goal), nil
	default:
		return echoPlan(planID, goal), nil
	}
}

// tripPlan searches, books with a cancellation compensation, and emails a
// confirmation when the goal names a recipient.
func tripPlan(planID, goal string) *api.Plan {
	destination := Destination(goal)
	steps := []api.Step{
		{
			ID:   "s1",
			Name: "search flights",
			Tool: "search_flights",
			Input: map[string]any{
				"destination": destination,
				"date":        TravelDate(goal),
			},
		},
		{
			ID:        "s2",
			Name:      "book flight",
			Tool:      "book_flight",
			Input:     map[string]any{"destination": destination},
			DependsOn: []string{"s1"},
			Compensation: "cancel_flight",
			CompensationInput: map[string]any{
				"booking_id": "{result.booking_id}",
			},
		},
	}
	if to := emailPattern.FindString(goal); to != "" {
		steps = append(steps, api.Step{
			ID:   "s3",
			Name: "send confirmation",
			Tool: "send_email",
			Input: map[string]any{
				"to":      to,
				"subject": "Booking confirmation",
				"body":    "Your trip to " + destination + " is booked.",
			},
			DependsOn: []string{"s2"},
		})
	}
	return &api.Plan{
		ID:        planID,
		Steps:     steps,
		Reasoning: "trip booking pattern: search, book with cancellation fallback, confirm",
	}
}

func refundPlan(planID, goal string, userContext map[string]any) *api.Plan {
	amount := any(100.0)
	if userContext != nil {
		if v, ok := userContext["amount"]; ok {
			amount = v
		}
	}
	steps := []api.Step{
		{
			ID:    "s1",
			Name:  "locate order",
			Tool:  "search_database",
			Input: map[string]any{"query": goal},
		},
		{
			ID:        "s2",
			Name:      "process refund",
			Tool:      "process_refund",
			Input:     map[string]any{"amount": amount, "reason": goal},
			DependsOn: []string{"s1"},
		},
	}
	if to := emailPattern.FindString(goal); to != "" {
		steps = append(steps, api.Step{
			ID:   "s3",
			Name: "notify customer",
			Tool: "send_email",
			Input: map[string]any{
				"to":      to,
				"subject": "Refund processed",
				"body":    "Your refund has been processed.",
			},
			DependsOn: []string{"s2"},
		})
	}
	return &api.Plan{
		ID:        planID,
		Steps:     steps,
		Reasoning: "refund pattern: locate the order, refund, notify",
	}
}

// cleanupPlan deletes with an undo compensation so a downstream failure
// restores the record.
func cleanupPlan(planID, goal string) *api.Plan {
	return &api.Plan{
		ID: planID,
		Steps: []api.Step{
			{
				ID:    "s1",
				Name:  "find records",
				Tool:  "search_database",
				Input: map[string]any{"query": goal},
			},
			{
				ID:           "s2",
				Name:         "delete record",
				Tool:         "delete_record",
				Input:        map[string]any{"record_id": "row-1"},
				DependsOn:    []string{"s1"},
				Compensation: "undo_delete",
				CompensationInput: map[string]any{
					"record_id": "{result.record_id}",
				},
			},
		},
		Reasoning: "record cleanup pattern: find, delete with undo fallback",
	}
}

func echoPlan(planID, goal string) *api.Plan {
	return &api.Plan{
		ID: planID,
		Steps: []api.Step{
			{
				ID:    "s1",
				Name:  "perform action",
				Tool:  "generic_action",
				Input: map[string]any{"goal": goal},
			},
		},
		Reasoning: "no pattern matched; single generic action",
	}
}

// Destination extracts the title-cased word following " to " from a goal,
// or "Unknown" when the goal has none.
func Destination(goal string) string {
	idx := strings.Index(strings.ToLower(goal), " to ")
	if idx < 0 {
		return "Unknown"
	}
	rest := strings.Fields(goal[idx+len(" to "):])
	if len(rest) == 0 {
		return "Unknown"
	}
	word := strings.Trim(rest[0], ".,!?")
	if word == "" || emailPattern.MatchString(word) {
		return "Unknown"
	}
	return titleCase(word)
}

func titleCase(word string) string {
	lower := strings.ToLower(word)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

// TravelDate extracts the relative date mentioned in the goal. Only
// "tomorrow" and "today" are recognized; unknown dates stay open.
func TravelDate(goal string) string {
	lower := strings.ToLower(goal)
	switch {
	case strings.Contains(lower, "tomorrow"):
		return "tomorrow"
	case strings.Contains(lower, "today"):
		return "today"
	default:
		return "flexible"
	}
}
