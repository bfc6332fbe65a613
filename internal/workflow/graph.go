package workflow

import (
	"fmt"
	"sort"

	"github.com/mediaforge/backend/internal/errs"
)

// graph is an adjacency view over a workflow definition. All accessors
// return node ids in a deterministic (sorted) order so reconciliation is
// replayable.
type graph struct {
	nodes map[string]*Node
	out   map[string][]Edge
	in    map[string][]Edge
}

func newGraph(w *Workflow) *graph {
	g := &graph{
		nodes: make(map[string]*Node, len(w.Nodes)),
		out:   make(map[string][]Edge),
		in:    make(map[string][]Edge),
	}
	for i := range w.Nodes {
		g.nodes[w.Nodes[i].ID] = &w.Nodes[i]
	}
	for _, e := range w.Edges {
		g.out[e.Source] = append(g.out[e.Source], e)
		g.in[e.Target] = append(g.in[e.Target], e)
	}
	return g
}

func (g *graph) node(id string) *Node { return g.nodes[id] }

func (g *graph) outEdges(id string) []Edge { return g.out[id] }

func (g *graph) predecessors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.in[id] {
		if !seen[e.Source] {
			seen[e.Source] = true
			out = append(out, e.Source)
		}
	}
	sort.Strings(out)
	return out
}

func (g *graph) successors(id string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.out[id] {
		if !seen[e.Target] {
			seen[e.Target] = true
			out = append(out, e.Target)
		}
	}
	sort.Strings(out)
	return out
}

func (g *graph) nodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// executionStarts resolves the set of root nodes for a run. For "all" these
// are the nodes without predecessors; for "specified_starts" the caller's
// explicit list; for "isolated_nodes" the nodes with neither predecessors nor
// successors, derived from the graph itself.
func (g *graph) executionStarts(mode ExecMode, startIDs []string) ([]string, error) {
	switch mode {
	case ExecAll, "":
		var roots []string
		for _, id := range g.nodeIDs() {
			if len(g.in[id]) == 0 {
				roots = append(roots, id)
			}
		}
		if len(roots) == 0 {
			return nil, errs.Invalidf("workflow has no root nodes")
		}
		return roots, nil
	case ExecIsolatedNodes:
		var roots []string
		for _, id := range g.nodeIDs() {
			if len(g.in[id]) == 0 && len(g.out[id]) == 0 {
				roots = append(roots, id)
			}
		}
		if len(roots) == 0 {
			return nil, errs.Invalidf("workflow has no isolated nodes")
		}
		return roots, nil
	case ExecSpecifiedStarts:
		if len(startIDs) == 0 {
			return nil, errs.Invalidf("exec mode %s requires start_node_ids", mode)
		}
		out := make([]string, 0, len(startIDs))
		seen := make(map[string]bool)
		for _, id := range startIDs {
			if g.nodes[id] == nil {
				return nil, errs.Invalidf("start node %q not in workflow", id)
			}
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
		sort.Strings(out)
		return out, nil
	default:
		return nil, errs.Invalidf("unknown exec mode %q", mode)
	}
}

// reachableFrom returns every node reachable from the given roots, roots
// included. Isolated mode runs only the roots themselves.
func (g *graph) reachableFrom(roots []string, mode ExecMode) map[string]bool {
	set := make(map[string]bool, len(roots))
	if mode == ExecIsolatedNodes {
		for _, id := range roots {
			set[id] = true
		}
		return set
	}
	stack := append([]string(nil), roots...)
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if set[id] {
			continue
		}
		set[id] = true
		stack = append(stack, g.successors(id)...)
	}
	return set
}

// Validate checks structural integrity of a definition: known node types,
// unique node ids, resolvable edge endpoints and acyclicity.
func Validate(w *Workflow) error {
	if len(w.Nodes) == 0 {
		return errs.Invalidf("workflow needs at least one node")
	}
	ids := make(map[string]bool, len(w.Nodes))
	for _, n := range w.Nodes {
		if n.ID == "" {
			return errs.Invalidf("node id must not be empty")
		}
		if ids[n.ID] {
			return errs.Invalidf("duplicate node id %q", n.ID)
		}
		if !n.Type.Valid() {
			return errs.Invalidf("node %q: unknown type %q", n.ID, n.Type)
		}
		ids[n.ID] = true
	}
	for _, e := range w.Edges {
		if !ids[e.Source] {
			return errs.Invalidf("edge %q: unknown source %q", e.ID, e.Source)
		}
		if !ids[e.Target] {
			return errs.Invalidf("edge %q: unknown target %q", e.ID, e.Target)
		}
		if e.Type == EdgeCondition && e.Condition == "" {
			return errs.Invalidf("edge %q: condition edge without expression", e.ID)
		}
	}
	if cycle := findCycle(w); cycle != "" {
		return errs.Invalidf("workflow contains a cycle through %q", cycle)
	}
	return nil
}

// findCycle runs a three-color DFS and returns a node on a cycle,
// or "" when the graph is acyclic.
func findCycle(w *Workflow) string {
	g := newGraph(w)
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.nodes))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, next := range g.successors(id) {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range g.nodeIDs() {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// describeNode is used in error messages and logs.
func describeNode(n *Node) string {
	if n.Name != "" {
		return fmt.Sprintf("%s (%s)", n.ID, n.Name)
	}
	return n.ID
}
