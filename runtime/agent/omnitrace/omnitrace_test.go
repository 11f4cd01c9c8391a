package omnitrace

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"b": 2, "a": 1, "c": 3})
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":3}`, out)
}

func TestCanonicalJSONNoWhitespace(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"key": []any{1, 2}, "nested": map[string]any{"x": true}})
	require.NoError(t, err)
	require.NotContains(t, out, " ")
	require.NotContains(t, out, "\n")
}

func TestCanonicalJSONNoHTMLEscaping(t *testing.T) {
	out, err := CanonicalJSON(map[string]any{"marker": "<redacted:abc>"})
	require.NoError(t, err)
	require.Equal(t, `{"marker":"<redacted:abc>"}`, out)
}

func TestCanonicalJSONRoundTrip(t *testing.T) {
	original := map[string]any{
		"id":     "wf-1",
		"nested": map[string]any{"flag": true, "count": float64(3)},
		"items":  []any{"a", "b"},
	}
	out, err := CanonicalJSON(original)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &parsed))
	require.Equal(t, original, parsed)
}

func TestComputeHashStability(t *testing.T) {
	value := map[string]any{"tool": "delete_record", "params": map[string]any{"id": 42}}
	require.Equal(t, ComputeHash(value, 0), ComputeHash(value, 0))
	require.Len(t, ComputeHash(value, 0), DefaultHashLength)
	require.Len(t, ComputeHash(value, 8), 8)
}

func TestComputeHashOrderIndependent(t *testing.T) {
	a := map[string]any{"x": 1, "y": 2}
	b := map[string]any{"y": 2, "x": 1}
	require.Equal(t, ComputeHash(a, 0), ComputeHash(b, 0))
}

func TestComputeHashDiffersForDifferentInput(t *testing.T) {
	require.NotEqual(t, ComputeHash("alpha", 0), ComputeHash("beta", 0))
}

func TestComputeHashTotalOnUnserializable(t *testing.T) {
	// Channels cannot be marshaled; the hash must still be produced.
	require.Len(t, ComputeHash(make(chan int), 0), DefaultHashLength)
}

func TestRedactPreservesAllowlistedKeys(t *testing.T) {
	out := Redact(map[string]any{
		"workflow_id": "wf-123456789",
		"step_id":     "s1",
		"status":      "PENDING",
	})
	require.Equal(t, "wf-123456789", out["workflow_id"])
	require.Equal(t, "s1", out["step_id"])
	require.Equal(t, "PENDING", out["status"])
}

func TestRedactDropsSensitiveKeys(t *testing.T) {
	out := Redact(map[string]any{
		"password": "hunter2",
		"api_key":  "sk-something",
		"email":    "x@y.z",
	})
	for _, key := range []string{"password", "api_key", "email"} {
		value, ok := out[key].(string)
		require.True(t, ok, "key %s", key)
		assert.True(t, strings.HasPrefix(value, "<redacted:"), "key %s got %q", key, value)
	}
}

func TestRedactHashesLongAndEmailValues(t *testing.T) {
	out := Redact(map[string]any{
		"note":    "this string is far longer than twenty characters",
		"contact": "person@example.com",
		"short":   "ok",
	})
	assert.Contains(t, out["note"], "<redacted:")
	assert.Contains(t, out["contact"], "<redacted:")
	assert.Equal(t, "ok", out["short"])
}

func TestRedactNumbers(t *testing.T) {
	out := Redact(map[string]any{"small": 42, "large": 123456, "negative": -99999.5})
	assert.Equal(t, 42, out["small"])
	assert.Contains(t, out["large"], "<redacted:")
	assert.Contains(t, out["negative"], "<redacted:")
}

func TestRedactRecursesNestedMapsAndLists(t *testing.T) {
	out := Redact(map[string]any{
		"outer": map[string]any{
			"password": "nested-secret",
			"id":       "keep-me",
		},
		"list": []any{
			map[string]any{"secret": "hide"},
			"short",
		},
	})
	nested := out["outer"].(map[string]any)
	assert.Contains(t, nested["password"], "<redacted:")
	assert.Equal(t, "keep-me", nested["id"])
	items := out["list"].([]any)
	assert.Contains(t, items[0].(map[string]any)["secret"], "<redacted:")
	assert.Equal(t, "short", items[1])
}

func TestRedactMaxDepth(t *testing.T) {
	deep := map[string]any{}
	current := deep
	for i := 0; i < 15; i++ {
		next := map[string]any{}
		current["n"] = next
		current = next
	}
	out := Redact(deep)
	for i := 0; i < maxRedactDepth; i++ {
		out = out["n"].(map[string]any)
	}
	require.Equal(t, "max depth exceeded", out["<truncated>"])
}

func TestTruncateSmallPayloadUnchanged(t *testing.T) {
	payload := map[string]any{"workflow_id": "wf", "data": "small"}
	require.Equal(t, payload, Truncate(payload, 0))
}

func TestTruncateLargePayload(t *testing.T) {
	payload := map[string]any{
		"workflow_id": "wf-1",
		"event_type":  "ToolResultReceived",
		"blob":        strings.Repeat("x", MaxPayloadSize+1),
	}
	out := Truncate(payload, 0)
	require.Equal(t, true, out["<truncated>"])
	require.Equal(t, "wf-1", out["workflow_id"])
	require.Equal(t, "ToolResultReceived", out["event_type"])
	require.NotContains(t, out, "blob")
	require.Greater(t, out["original_size"].(int), MaxPayloadSize)
}

func TestEventKeyFormat(t *testing.T) {
	key := EventKey("wf-1234567890", "ToolCallRequested", "s1", 0, "")
	parts := strings.Split(key, ":")
	require.Len(t, parts, 3)
	assert.Equal(t, "ToolCallRequested", parts[0])
	assert.Equal(t, "wf-12345", parts[1])
	assert.Len(t, parts[2], 8)
}

func TestEventKeyShortWorkflowID(t *testing.T) {
	key := EventKey("wf", "GoalReceived", "", 0, "")
	require.True(t, strings.HasPrefix(key, "GoalReceived:wf:"))
}

func TestEventKeyDiffersAcrossRetries(t *testing.T) {
	first := EventKey("wf-1", "ToolCallRequested", "s1", 0, "")
	second := EventKey("wf-1", "ToolCallRequested", "s1", 1, "")
	require.NotEqual(t, first, second)
}

func TestEventKeyDeterministic(t *testing.T) {
	a := EventKey("wf-1", "ManTaskOpened", "s2", 0, "2024-01-01T00:00:00Z")
	b := EventKey("wf-1", "ManTaskOpened", "s2", 0, "2024-01-01T00:00:00Z")
	require.Equal(t, a, b)
}

func TestCanonicalJSONDeterminismProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("equal maps serialize identically", prop.ForAll(
		func(pairs map[string]string) bool {
			m := make(map[string]any, len(pairs))
			for k, v := range pairs {
				m[k] = v
			}
			first, err1 := CanonicalJSON(m)
			second, err2 := CanonicalJSON(m)
			return err1 == nil && err2 == nil && first == second
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))
	properties.Property("hash is stable and sized", prop.ForAll(
		func(s string) bool {
			h := ComputeHash(s, 0)
			return h == ComputeHash(s, 0) && len(h) == DefaultHashLength
		},
		gen.AnyString(),
	))
	properties.TestingRun(t)
}

func TestRedactOutputShapeProperty(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("values are passed through or marked redacted", prop.ForAll(
		func(pairs map[string]string) bool {
			m := make(map[string]any, len(pairs))
			for k, v := range pairs {
				m[k] = v
			}
			out := Redact(m)
			if len(out) != len(m) {
				return false
			}
			for k, v := range out {
				s, ok := v.(string)
				if !ok {
					return false
				}
				if s != m[k].(string) && !strings.HasPrefix(s, "<redacted:") {
					return false
				}
			}
			return true
		},
		gen.MapOf(gen.AlphaString(), gen.AlphaString()),
	))
	properties.TestingRun(t)
}
