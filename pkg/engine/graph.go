package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
)

// DependencyGraph orders the hot queue by depends_on. Only dependencies on
// items still in the hot queue are edges; anything else is taken as archived
// or dangling, which the quality gate reports.
type DependencyGraph struct {
	// order is the queue order of item ids
	order []string

	// items maps item ids to their items
	items map[string]*queue.Item

	// dependents maps an item to the items waiting on it
	dependents map[string][]string

	// dependencies maps an item to the hot-queue items it waits on
	dependencies map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	levels [][]string
	cycles [][]string
}

// NewDependencyGraph builds the graph of q. Cycles do not fail the build:
// items on a cycle get no level and are listed by Cycles.
func NewDependencyGraph(q *queue.Queue) *DependencyGraph {
	g := &DependencyGraph{
		items:        make(map[string]*queue.Item),
		dependents:   make(map[string][]string),
		dependencies: make(map[string][]string),
		inDegree:     make(map[string]int),
	}

	// First pass: index items, first occurrence of an id wins
	for i := range q.Items {
		it := &q.Items[i]
		if it.ID == "" {
			continue
		}
		if _, exists := g.items[it.ID]; exists {
			continue
		}
		g.items[it.ID] = it
		g.order = append(g.order, it.ID)
		g.inDegree[it.ID] = 0
	}

	// Second pass: edges from dependency to dependent
	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.items[id].DependsOn {
			if dep == id || seen[dep] {
				continue
			}
			if _, exists := g.items[dep]; !exists {
				continue
			}
			seen[dep] = true
			g.dependents[dep] = append(g.dependents[dep], id)
			g.dependencies[id] = append(g.dependencies[id], dep)
			g.inDegree[id]++
		}
	}

	g.detectCycles()
	g.computeLevels()
	return g
}

// detectCycles uses depth-first search in queue order, so the reported
// cycles are stable between runs.
func (g *DependencyGraph) detectCycles() {
	visited := make(map[string]bool)
	onStack := make(map[string]bool)
	var path []string

	var visit func(id string)
	visit = func(id string) {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, next := range g.dependents[id] {
			if !visited[next] {
				visit(next)
				continue
			}
			if onStack[next] {
				for i, p := range path {
					if p == next {
						cycle := append(append([]string(nil), path[i:]...), next)
						g.cycles = append(g.cycles, cycle)
						break
					}
				}
			}
		}

		path = path[:len(path)-1]
		onStack[id] = false
	}

	for _, id := range g.order {
		if !visited[id] {
			visit(id)
		}
	}
}

// computeLevels assigns each item the length of its longest dependency chain
// using Kahn's algorithm. Items at one level keep queue order.
func (g *DependencyGraph) computeLevels() {
	inDegree := make(map[string]int, len(g.inDegree))
	for id, degree := range g.inDegree {
		inDegree[id] = degree
	}

	var current []string
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	for len(current) > 0 {
		g.levels = append(g.levels, current)
		ready := make(map[string]bool)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					ready[dependent] = true
				}
			}
		}
		var next []string
		for _, id := range g.order {
			if ready[id] {
				next = append(next, id)
			}
		}
		current = next
	}
}

// Levels returns item ids grouped by dependency depth.
func (g *DependencyGraph) Levels() [][]string {
	return g.levels
}

// Cycles returns every dependency cycle found, each closed on its first id.
func (g *DependencyGraph) Cycles() [][]string {
	return g.cycles
}

// Dependencies returns the hot-queue items id waits on.
func (g *DependencyGraph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// Blocking returns the dependencies of id that are not complete.
func (g *DependencyGraph) Blocking(id string) []string {
	var out []string
	for _, dep := range g.dependencies[id] {
		if g.items[dep].State != queue.StateComplete {
			out = append(out, dep)
		}
	}
	return out
}

// Ready returns the pending items that could be claimed at now, shallowest
// first.
func (g *DependencyGraph) Ready(now time.Time) []string {
	var out []string
	for _, level := range g.levels {
		for _, id := range level {
			it := g.items[id]
			if it.State != queue.StatePending || len(g.Blocking(id)) > 0 {
				continue
			}
			if retryAt, ok := docstore.ParseTimestampPtr(it.RetryAfter); ok && now.Before(retryAt) {
				continue
			}
			out = append(out, id)
		}
	}
	return out
}

// ToDOT generates a DOT format representation of the graph for visualization.
// The output can be rendered with Graphviz tools.
func (g *DependencyGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Queue {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	leveled := make(map[string]bool)
	for level, ids := range g.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, id := range ids {
			leveled[id] = true
			sb.WriteString(g.dotNode(id, "    "))
		}
		sb.WriteString("  }\n\n")
	}
	for _, id := range g.order {
		if !leveled[id] {
			sb.WriteString(g.dotNode(id, "  "))
		}
	}

	for _, id := range g.order {
		for _, dep := range g.dependencies[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, id))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *DependencyGraph) dotNode(id, indent string) string {
	it := g.items[id]
	label := fmt.Sprintf("%s\\n%s", id, it.State)
	return fmt.Sprintf("%s%q [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
		indent, id, label, stateColor(it.State))
}

// formatCycle formats a cycle path for messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

// stateColor returns a color for visualizing item states.
func stateColor(s queue.State) string {
	switch s {
	case queue.StateComplete:
		return "lightgreen"
	case queue.StateActive:
		return "lightblue"
	case queue.StateDeferred:
		return "lightgray"
	default:
		return "white"
	}
}
