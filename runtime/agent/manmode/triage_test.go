package manmode

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func benignIntent(tool string) ActionIntent {
	return NewActionIntent("tenant-a", "wf-1", "run-1", "s1", tool,
		map[string]any{"table": "users", "filter": "active"}, IntentFlags{})
}

func TestTriageLowRiskIsGreen(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	result := engine.Triage(DefaultPolicy(), benignIntent("search_database"), "", nil)
	require.Equal(t, LaneGreen, result.Lane)
	require.Equal(t, 0.0, result.RiskScore)
	require.Empty(t, result.Reasons)
}

func TestTriageHardTriggers(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.HardTriggers = HardTriggers{
		Tools:     []string{"delete_user"},
		Params:    map[string][]string{"env": {"prod"}},
		Workflows: []string{"wf-critical"},
	}

	byTool := engine.Triage(policy, benignIntent("delete_user"), "", nil)
	require.Equal(t, LaneRed, byTool.Lane)
	require.Equal(t, 1.0, byTool.RiskScore)
	require.Equal(t, []string{"Hard trigger activated"}, byTool.Reasons)

	byParam := engine.Triage(policy, NewActionIntent("tenant-a", "wf-1", "run-1", "s1",
		"deploy", map[string]any{"env": "Production-EU"}, IntentFlags{}), "", nil)
	require.Equal(t, LaneRed, byParam.Lane, "case-insensitive substring match on param value")

	byWorkflow := engine.Triage(policy, benignIntent("search_database"), "wf-critical", nil)
	require.Equal(t, LaneRed, byWorkflow.Lane)
}

func TestTriageScoreIsMaxOfDimensions(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	intent := NewActionIntent("tenant-a", "wf-1", "run-1", "", "delete_record", nil,
		IntentFlags{Irreversible: true, ContainsSensitiveData: true})

	result := engine.Triage(DefaultPolicy(), intent, "", nil)
	require.Equal(t, 0.90, result.RiskScore, "max of 0.90, 0.80 and 0.50, not the sum")
	require.Equal(t, LaneRed, result.Lane)
	require.Equal(t, []string{
		"contains_sensitive_data: 0.90",
		"irreversible: 0.80",
		"missing_fields: 0.50",
	}, result.Reasons)
}

func TestTriageSubjectiveLanguage(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	intent := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", "create_record",
		map[string]any{"note": "Critical anomaly detected"}, IntentFlags{})

	result := engine.Triage(DefaultPolicy(), intent, "", []string{"urgent risk"})
	require.Equal(t, 0.80, result.RiskScore, "four distinct vocabulary words at 0.20 each")
	require.Equal(t, LaneRed, result.Lane)
	require.Equal(t, []string{"subjective_language: 0.80"}, result.Reasons)

	// Repeats of one word count once.
	repeated := engine.Triage(DefaultPolicy(), NewActionIntent("tenant-a", "wf-1", "run-1", "s1",
		"create_record", map[string]any{"note": "risk risk risk"}, IntentFlags{}), "", nil)
	require.Equal(t, 0.20, repeated.RiskScore)
	require.Equal(t, LaneGreen, repeated.Lane)
}

func TestTriageToolMinimumRed(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.ToolMinimumLanes = map[string]ManLane{"delete_record": LaneRed}

	result := engine.Triage(policy, benignIntent("delete_record"), "", nil)
	require.Equal(t, LaneRed, result.Lane)
	require.Equal(t, 0.80, result.RiskScore, "score raised to the RED floor")
	require.Equal(t, []string{"Tool delete_record requires minimum RED"}, result.Reasons)
}

func TestTriageToolMinimumYellow(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.ToolMinimumLanes = map[string]ManLane{"send_email": LaneYellow}

	result := engine.Triage(policy, benignIntent("send_email"), "", nil)
	require.Equal(t, LaneYellow, result.Lane)
	require.Equal(t, 0.50, result.RiskScore)
	require.Contains(t, result.Reasons, "Tool send_email requires minimum YELLOW")
}

func TestTriageWorkflowOverrideWinsOverGlobal(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.ToolMinimumLanes = map[string]ManLane{"send_email": LaneYellow}
	policy.PerWorkflowOverrides = map[string]PolicyOverride{
		"wf-strict": {ToolMinimumLanes: map[string]ManLane{"send_email": LaneRed}},
	}

	global := engine.Triage(policy, benignIntent("send_email"), "wf-other", nil)
	require.Equal(t, LaneYellow, global.Lane)

	overridden := engine.Triage(policy, benignIntent("send_email"), "wf-strict", nil)
	require.Equal(t, LaneRed, overridden.Lane)
	require.Equal(t, 0.80, overridden.RiskScore)
}

func TestTriageThresholdOverride(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.PerWorkflowOverrides = map[string]PolicyOverride{
		"wf-cautious": {Thresholds: &Thresholds{Red: 0.6, Yellow: 0.3}},
	}
	intent := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", "create_record",
		map[string]any{"note": "warning: retry risk"}, IntentFlags{})

	base := engine.Triage(policy, intent, "", nil)
	require.Equal(t, LaneGreen, base.Lane, "0.40 is below the default yellow threshold")

	cautious := engine.Triage(policy, intent, "wf-cautious", nil)
	require.Equal(t, LaneYellow, cautious.Lane)
	require.Equal(t, 0.40, cautious.RiskScore)
}

func TestTriageBlockedMinimumLane(t *testing.T) {
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.ToolMinimumLanes = map[string]ManLane{"drop_database": LaneBlocked}

	result := engine.Triage(policy, benignIntent("drop_database"), "", nil)
	require.Equal(t, LaneBlocked, result.Lane)
	require.True(t, result.Blocked())
	require.False(t, result.RequiresApproval())
}

func TestTriageIsDeterministic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	engine := NewEngine(EngineOptions{})
	policy := DefaultPolicy()
	policy.ToolMinimumLanes = map[string]ManLane{"send_email": LaneYellow, "delete_record": LaneRed}

	properties.Property("equal inputs produce identical results", prop.ForAll(
		func(tool, paramKey, paramValue, signal string, irreversible, sensitive bool) bool {
			intent := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", tool,
				map[string]any{paramKey: paramValue},
				IntentFlags{Irreversible: irreversible, ContainsSensitiveData: sensitive})
			first := engine.Triage(policy, intent, "wf-1", []string{signal})
			second := engine.Triage(policy, intent, "wf-1", []string{signal})
			return first.Lane == second.Lane &&
				first.RiskScore == second.RiskScore &&
				reflect.DeepEqual(first.Reasons, second.Reasons)
		},
		gen.AlphaString(), gen.AlphaString(), gen.AnyString(), gen.AnyString(), gen.Bool(), gen.Bool(),
	))

	properties.Property("score stays within the unit interval", prop.ForAll(
		func(tool, note, signal string, irreversible, sensitive, rights bool) bool {
			intent := NewActionIntent("tenant-a", "wf-1", "run-1", "", tool,
				map[string]any{"note": note},
				IntentFlags{Irreversible: irreversible, ContainsSensitiveData: sensitive, AffectsRights: rights})
			result := engine.Triage(policy, intent, "", []string{signal})
			return result.RiskScore >= 0.0 && result.RiskScore <= 1.0
		},
		gen.AlphaString(), gen.AnyString(), gen.AnyString(), gen.Bool(), gen.Bool(), gen.Bool(),
	))

	properties.Property("lane never drops below a configured tool minimum", prop.ForAll(
		func(note string, irreversible bool) bool {
			intent := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", "send_email",
				map[string]any{"note": note}, IntentFlags{Irreversible: irreversible})
			result := engine.Triage(policy, intent, "", nil)
			return result.Lane.Priority() >= LaneYellow.Priority()
		},
		gen.AnyString(), gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestIntentRedactsSensitiveParamKeys(t *testing.T) {
	intent := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", "call_webhook",
		map[string]any{
			"url":        "https://example.com/hook",
			"api_key":    "sk-123",
			"AuthHeader": "Bearer abc",
			"password":   "hunter2",
		}, IntentFlags{})
	require.Equal(t, "https://example.com/hook", intent.ToolParams["url"])
	require.Equal(t, "[REDACTED]", intent.ToolParams["api_key"])
	require.Equal(t, "[REDACTED]", intent.ToolParams["AuthHeader"])
	require.Equal(t, "[REDACTED]", intent.ToolParams["password"])
}

func TestIdempotencyKeyStableAcrossParamOrder(t *testing.T) {
	a := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", "create_record",
		map[string]any{"x": 1, "y": 2}, IntentFlags{})
	b := NewActionIntent("tenant-a", "wf-1", "run-1", "s1", "create_record",
		map[string]any{"y": 2, "x": 1}, IntentFlags{})
	require.Equal(t, a.IdempotencyKey(), b.IdempotencyKey())
	require.Contains(t, a.IdempotencyKey(), "tenant-a|wf-1|s1|create_record|")

	c := NewActionIntent("tenant-a", "wf-1", "run-1", "s2", "create_record",
		map[string]any{"x": 1, "y": 2}, IntentFlags{})
	require.NotEqual(t, a.IdempotencyKey(), c.IdempotencyKey())
}
