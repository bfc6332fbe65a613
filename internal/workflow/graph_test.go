package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaforge/backend/internal/errs"
)

func chainWorkflow() *Workflow {
	return &Workflow{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "motion", Type: "video_motion"},
			{ID: "end", Type: NodeEnd},
		},
		Edges: []Edge{
			{ID: "e1", Type: EdgeNormal, Source: "start", Target: "motion"},
			{ID: "e2", Type: EdgeNormal, Source: "motion", Target: "end"},
		},
	}
}

func TestValidateAcceptsChain(t *testing.T) {
	assert.NoError(t, Validate(chainWorkflow()))
}

func TestValidateRejectsCycle(t *testing.T) {
	w := chainWorkflow()
	w.Edges = append(w.Edges, Edge{ID: "back", Type: EdgeNormal, Source: "end", Target: "start"})
	err := Validate(w)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateRejectsDanglingEdge(t *testing.T) {
	w := chainWorkflow()
	w.Edges = append(w.Edges, Edge{ID: "e3", Type: EdgeNormal, Source: "motion", Target: "ghost"})
	assert.ErrorIs(t, Validate(w), errs.ErrInvalidInput)
}

func TestValidateRejectsDuplicateNodeID(t *testing.T) {
	w := chainWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "motion", Type: "video_motion"})
	assert.ErrorIs(t, Validate(w), errs.ErrInvalidInput)
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	w := chainWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "x", Type: "teleport"})
	assert.ErrorIs(t, Validate(w), errs.ErrInvalidInput)
}

func TestValidateRejectsConditionEdgeWithoutExpression(t *testing.T) {
	w := chainWorkflow()
	w.Edges[0].Type = EdgeCondition
	assert.ErrorIs(t, Validate(w), errs.ErrInvalidInput)
}

func TestExecutionStartsAll(t *testing.T) {
	g := newGraph(chainWorkflow())
	roots, err := g.executionStarts(ExecAll, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"start"}, roots)
}

func TestExecutionStartsSpecified(t *testing.T) {
	g := newGraph(chainWorkflow())

	roots, err := g.executionStarts(ExecSpecifiedStarts, []string{"motion"})
	require.NoError(t, err)
	assert.Equal(t, []string{"motion"}, roots)

	_, err = g.executionStarts(ExecSpecifiedStarts, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = g.executionStarts(ExecSpecifiedStarts, []string{"ghost"})
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestExecutionStartsIsolated(t *testing.T) {
	w := chainWorkflow()
	w.Nodes = append(w.Nodes, Node{ID: "lonely", Type: "audio_tts"})
	g := newGraph(w)

	// Derived from the graph; no start list needed.
	roots, err := g.executionStarts(ExecIsolatedNodes, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"lonely"}, roots)

	// A fully connected chain has no isolated nodes.
	_, err = newGraph(chainWorkflow()).executionStarts(ExecIsolatedNodes, nil)
	assert.ErrorIs(t, err, errs.ErrInvalidInput)
}

func TestReachableFrom(t *testing.T) {
	g := newGraph(chainWorkflow())

	reach := g.reachableFrom([]string{"motion"}, ExecSpecifiedStarts)
	assert.Equal(t, map[string]bool{"motion": true, "end": true}, reach)

	isolated := g.reachableFrom([]string{"motion"}, ExecIsolatedNodes)
	assert.Equal(t, map[string]bool{"motion": true}, isolated)
}

func TestFanOutReachability(t *testing.T) {
	w := &Workflow{
		Nodes: []Node{
			{ID: "start", Type: NodeStart},
			{ID: "a", Type: "video_motion"},
			{ID: "b", Type: "audio_tts"},
			{ID: "join", Type: "video_lipsync"},
		},
		Edges: []Edge{
			{ID: "e1", Source: "start", Target: "a"},
			{ID: "e2", Source: "start", Target: "b"},
			{ID: "e3", Source: "a", Target: "join"},
			{ID: "e4", Source: "b", Target: "join"},
		},
	}
	require.NoError(t, Validate(w))
	g := newGraph(w)

	assert.Equal(t, []string{"a", "b"}, g.successors("start"))
	assert.Equal(t, []string{"a", "b"}, g.predecessors("join"))

	reach := g.reachableFrom([]string{"start"}, ExecAll)
	assert.Len(t, reach, 4)
}
