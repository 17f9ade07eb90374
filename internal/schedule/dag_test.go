package schedule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDagAcyclic(t *testing.T) {
	res := ValidateDag(
		[]string{"ingest", "transform", "report"},
		[]Edge{{From: "ingest", To: "transform"}, {From: "transform", To: "report"}},
	)
	require.True(t, res.IsAcyclic)
	assert.Equal(t, []string{"ingest", "transform", "report"}, res.Order)
	assert.NoError(t, res.Err())
}

func TestValidateDagDropsSelfEdges(t *testing.T) {
	res := ValidateDag(
		[]string{"ingest"},
		[]Edge{{From: "ingest", To: "ingest"}},
	)
	assert.True(t, res.IsAcyclic)
}

func TestValidateDagReportsCycleMembers(t *testing.T) {
	res := ValidateDag(
		[]string{"a", "b", "c", "standalone"},
		[]Edge{{From: "a", To: "b"}, {From: "b", To: "c"}, {From: "c", To: "a"}},
	)
	require.False(t, res.IsAcyclic)
	assert.Equal(t, []string{"a", "b", "c"}, res.CycleMembers)

	err := res.Err()
	require.ErrorIs(t, err, ErrCyclicGroups)
	assert.Contains(t, err.Error(), "a, b, c")
}

func TestValidateDagCycleMembersIncludeDownstream(t *testing.T) {
	// d hangs off the cycle and never reaches in-degree zero either.
	res := ValidateDag(
		[]string{"a", "b", "d"},
		[]Edge{{From: "a", To: "b"}, {From: "b", To: "a"}, {From: "b", To: "d"}},
	)
	require.False(t, res.IsAcyclic)
	assert.Equal(t, []string{"a", "b", "d"}, res.CycleMembers)
}

func TestValidateDagIncludesEdgeOnlyNodes(t *testing.T) {
	res := ValidateDag(nil, []Edge{{From: "x", To: "y"}})
	require.True(t, res.IsAcyclic)
	assert.Equal(t, []string{"x", "y"}, res.Order)
}

func TestValidateDagEmpty(t *testing.T) {
	res := ValidateDag(nil, nil)
	assert.True(t, res.IsAcyclic)
	assert.Empty(t, res.Order)
}
