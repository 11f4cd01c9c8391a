package dag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/api"
	"github.com/Apex-Business-Apps/APEX-OmniLink/runtime/agent/fault"
)

func step(id, tool string, deps ...string) api.Step {
	return api.Step{ID: id, Tool: tool, DependsOn: deps}
}

func TestFrontierScheduling(t *testing.T) {
	g, err := Build(&api.Plan{ID: "p1", Steps: []api.Step{
		step("s1", "search_flights"),
		step("s2", "book_flight", "s1"),
		step("s3", "send_email", "s2"),
		step("s4", "log_trip", "s1"),
	}})
	require.NoError(t, err)

	frontier := g.Ready()
	require.Len(t, frontier, 1)
	assert.Equal(t, "s1", frontier[0].ID)

	require.NoError(t, g.Complete("s1"))
	frontier = g.Ready()
	require.Len(t, frontier, 2)
	assert.Equal(t, "s2", frontier[0].ID)
	assert.Equal(t, "s4", frontier[1].ID)

	require.NoError(t, g.Complete("s2"))
	require.NoError(t, g.Complete("s4"))
	frontier = g.Ready()
	require.Len(t, frontier, 1)
	assert.Equal(t, "s3", frontier[0].ID)

	require.NoError(t, g.Complete("s3"))
	assert.Empty(t, g.Ready())
	assert.Equal(t, 0, g.Remaining())
	assert.Equal(t, 4, g.Completed())
}

func TestCycleDetection(t *testing.T) {
	_, err := Build(&api.Plan{ID: "p-cycle", Steps: []api.Step{
		step("s1", "a", "s3"),
		step("s2", "b", "s1"),
		step("s3", "c", "s2"),
	}})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindDAGCycle))
}

func TestMissingDependency(t *testing.T) {
	_, err := Build(&api.Plan{ID: "p-missing", Steps: []api.Step{
		step("s1", "a", "ghost"),
	}})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindDAGCycle))
}

func TestSelfDependencyIsACycle(t *testing.T) {
	_, err := Build(&api.Plan{ID: "p-self", Steps: []api.Step{
		step("s1", "a", "s1"),
	}})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindDAGCycle))
}

func TestLevels(t *testing.T) {
	g, err := Build(&api.Plan{ID: "p-levels", Steps: []api.Step{
		step("s1", "a"),
		step("s2", "b"),
		step("s3", "c", "s1", "s2"),
		step("s4", "d", "s3"),
	}})
	require.NoError(t, err)

	levels := g.Levels()
	require.Len(t, levels, 3)
	assert.Equal(t, []string{"s1", "s2"}, levels[0])
	assert.Equal(t, []string{"s3"}, levels[1])
	assert.Equal(t, []string{"s4"}, levels[2])
}

func TestCompleteIsIdempotent(t *testing.T) {
	g, err := Build(&api.Plan{ID: "p-idem", Steps: []api.Step{
		step("s1", "a"),
		step("s2", "b", "s1"),
	}})
	require.NoError(t, err)

	require.NoError(t, g.Complete("s1"))
	require.NoError(t, g.Complete("s1"))
	frontier := g.Ready()
	require.Len(t, frontier, 1)
	assert.Equal(t, "s2", frontier[0].ID)

	require.Error(t, g.Complete("ghost"))
}
