package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/planq/planq/pkg/docstore"
	"github.com/planq/planq/pkg/queue"
)

func graphQueue(items ...queue.Item) *queue.Queue {
	q := queue.NewQueue(fixedNow)
	q.Items = items
	return q
}

func node(id string, state queue.State, deps ...string) queue.Item {
	return queue.Item{ID: id, State: state, DependsOn: deps}
}

func TestDependencyGraphLevels(t *testing.T) {
	g := NewDependencyGraph(graphQueue(
		node("a", queue.StateComplete),
		node("b", queue.StatePending, "a"),
		node("c", queue.StatePending, "a", "archived-item"),
		node("d", queue.StatePending, "b", "c"),
	))

	levels := g.Levels()
	want := [][]string{{"a"}, {"b", "c"}, {"d"}}
	if len(levels) != len(want) {
		t.Fatalf("expected %d levels, got %v", len(want), levels)
	}
	for i := range want {
		if strings.Join(levels[i], ",") != strings.Join(want[i], ",") {
			t.Errorf("level %d: expected %v, got %v", i, want[i], levels[i])
		}
	}

	if deps := g.Dependencies("c"); len(deps) != 1 || deps[0] != "a" {
		t.Errorf("expected dependencies outside the queue to be ignored, got %v", deps)
	}
	if len(g.Cycles()) != 0 {
		t.Errorf("expected no cycles, got %v", g.Cycles())
	}
}

func TestDependencyGraphReady(t *testing.T) {
	retry := docstore.FormatTimestamp(fixedNow.Add(time.Hour))
	waiting := node("waiting", queue.StatePending)
	waiting.RetryAfter = &retry

	g := NewDependencyGraph(graphQueue(
		node("a", queue.StateActive),
		node("b", queue.StatePending, "a"),
		node("c", queue.StatePending),
		waiting,
		node("parked", queue.StateDeferred),
	))

	ready := g.Ready(fixedNow)
	if strings.Join(ready, ",") != "c" {
		t.Errorf("expected only c to be ready, got %v", ready)
	}
	if blocking := g.Blocking("b"); len(blocking) != 1 || blocking[0] != "a" {
		t.Errorf("expected b to be blocked by a, got %v", blocking)
	}

	ready = g.Ready(fixedNow.Add(2 * time.Hour))
	if strings.Join(ready, ",") != "c,waiting" {
		t.Errorf("expected the retry window to pass, got %v", ready)
	}
}

func TestDependencyGraphCycles(t *testing.T) {
	g := NewDependencyGraph(graphQueue(
		node("a", queue.StatePending, "c"),
		node("b", queue.StatePending, "a"),
		node("c", queue.StatePending, "b"),
		node("free", queue.StatePending),
		node("self", queue.StatePending, "self"),
	))

	cycles := g.Cycles()
	if len(cycles) != 1 {
		t.Fatalf("expected one cycle, got %v", cycles)
	}
	if got := formatCycle(cycles[0]); got != "a -> b -> c -> a" {
		t.Errorf("unexpected cycle %q", got)
	}

	// Items on a cycle get no level.
	levels := g.Levels()
	if len(levels) != 1 || strings.Join(levels[0], ",") != "free,self" {
		t.Errorf("expected only acyclic items to be leveled, got %v", levels)
	}
}

func TestDependencyGraphDuplicateIDs(t *testing.T) {
	g := NewDependencyGraph(graphQueue(
		node("a", queue.StatePending),
		node("a", queue.StateComplete),
		node("b", queue.StatePending, "a"),
	))
	if blocking := g.Blocking("b"); len(blocking) != 1 {
		t.Errorf("expected the first occurrence of a to win, got %v", blocking)
	}
}

func TestDependencyGraphToDOT(t *testing.T) {
	g := NewDependencyGraph(graphQueue(
		node("a", queue.StateComplete),
		node("b", queue.StatePending, "a"),
		node("x", queue.StatePending, "y"),
		node("y", queue.StatePending, "x"),
	))
	dot := g.ToDOT()

	for _, want := range []string{
		"digraph Queue {",
		"subgraph cluster_level_0",
		`"a" -> "b";`,
		`"x" -> "y";`,
		`fillcolor="lightgreen"`,
		`"y" [label="y\npending"`,
	} {
		if !strings.Contains(dot, want) {
			t.Errorf("expected DOT output to contain %q:\n%s", want, dot)
		}
	}
}
