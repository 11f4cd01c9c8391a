package api

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPlanValidate(t *testing.T) {
	valid := Plan{
		ID: "plan-1",
		Steps: []Step{
			{ID: "s1", Tool: "search_database"},
			{ID: "s2", Tool: "send_email", DependsOn: []string{"s1"}},
		},
	}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		plan Plan
	}{
		{"empty plan", Plan{ID: "p"}},
		{"empty step id", Plan{Steps: []Step{{Tool: "x"}}}},
		{"empty tool", Plan{Steps: []Step{{ID: "s1"}}}},
		{"duplicate step id", Plan{Steps: []Step{{ID: "s1", Tool: "a"}, {ID: "s1", Tool: "b"}}}},
		{"unknown dependency", Plan{Steps: []Step{{ID: "s1", Tool: "a", DependsOn: []string{"nope"}}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.plan.Validate()
			require.ErrorIs(t, err, ErrInvalidPlan)
		})
	}
}

func TestEventAsPayload(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	evt := AgentEvent{
		Type:          EventToolCallRequested,
		Timestamp:     at,
		CorrelationID: "wf-abc",
		WorkflowID:    "wf-abc",
		StepID:        "s1",
		Payload:       map[string]any{"tool_name": "delete_record"},
	}
	out := evt.AsPayload()
	require.Equal(t, "ToolCallRequested", out["event_type"])
	require.Equal(t, "wf-abc", out["workflow_id"])
	require.Equal(t, "s1", out["step_id"])
	require.Equal(t, "delete_record", out["tool_name"])
	require.Equal(t, "2024-05-01T12:00:00Z", out["timestamp"])
}

func TestNormalizedTenant(t *testing.T) {
	in := RunInput{Goal: "g", UserID: "u"}
	require.Equal(t, DefaultTenant, in.NormalizedTenant())
	in.TenantID = "acme"
	require.Equal(t, "acme", in.NormalizedTenant())
}
