package graph

import (
	"errors"
	"reflect"
	"testing"
)

func TestNewDependencyGraph(t *testing.T) {
	g := New()
	if g == nil {
		t.Fatal("expected non-nil graph")
	}
	if g.Size() != 0 {
		t.Errorf("expected empty graph, got size %d", g.Size())
	}
}

func TestGraphBuildWithDependencies(t *testing.T) {
	g := New()
	nodes := []string{"mesh", "init", "forward"}
	deps := map[string][]string{
		"init":    {"mesh"},
		"forward": {"init", "mesh", "mesh"},
	}

	if err := g.Build(nodes, deps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Size() != 3 {
		t.Errorf("expected size 3, got %d", g.Size())
	}

	if got := g.GetDependencies("forward"); !reflect.DeepEqual(got, []string{"init", "mesh"}) {
		t.Errorf("GetDependencies(forward) = %v", got)
	}
	if got := g.GetDependents("mesh"); !reflect.DeepEqual(got, []string{"forward", "init"}) {
		t.Errorf("GetDependents(mesh) = %v", got)
	}
}

func TestGraphBuildUnknownDependency(t *testing.T) {
	g := New()
	err := g.Build([]string{"forward"}, map[string][]string{"forward": {"missing"}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}

func TestGraphCycleDetection(t *testing.T) {
	tests := []struct {
		name  string
		nodes []string
		deps  map[string][]string
	}{
		{"self loop", []string{"a"}, map[string][]string{"a": {"a"}}},
		{"direct cycle", []string{"a", "b"}, map[string][]string{"a": {"b"}, "b": {"a"}}},
		{"indirect cycle", []string{"a", "b", "c"}, map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"a"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New()
			err := g.Build(tt.nodes, tt.deps)
			if !errors.Is(err, ErrCycleDetected) {
				t.Fatalf("expected ErrCycleDetected, got %v", err)
			}
			var cycleErr *CycleError
			if !errors.As(err, &cycleErr) || len(cycleErr.Path) < 2 {
				t.Errorf("expected cycle path, got %v", err)
			}
		})
	}
}

func TestTopologicalSort_Chain(t *testing.T) {
	g := New()
	nodes := []string{"analysis", "forward", "init", "mesh"}
	deps := map[string][]string{
		"analysis": {"forward"},
		"forward":  {"init"},
		"init":     {"mesh"},
	}
	if err := g.Build(nodes, deps); err != nil {
		t.Fatal(err)
	}

	order, err := g.TopologicalSort()
	if err != nil {
		t.Fatalf("TopologicalSort failed: %v", err)
	}
	want := []string{"mesh", "init", "forward", "analysis"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestTopologicalSort_Deterministic(t *testing.T) {
	nodes := []string{"c", "a", "b", "z"}
	deps := map[string][]string{"z": {"c", "a"}}

	var first []string
	for i := 0; i < 20; i++ {
		g := New()
		if err := g.Build(nodes, deps); err != nil {
			t.Fatal(err)
		}
		order, err := g.TopologicalSort()
		if err != nil {
			t.Fatal(err)
		}
		if first == nil {
			first = order
			continue
		}
		if !reflect.DeepEqual(order, first) {
			t.Fatalf("order changed between runs: %v vs %v", order, first)
		}
	}
	if !reflect.DeepEqual(first, []string{"a", "b", "c", "z"}) {
		t.Errorf("order = %v", first)
	}
}

func TestDownstream(t *testing.T) {
	g := New()
	nodes := []string{"mesh", "init", "forward", "analysis", "viz", "other"}
	deps := map[string][]string{
		"init":     {"mesh"},
		"forward":  {"init"},
		"analysis": {"forward"},
		"viz":      {"forward"},
	}
	if err := g.Build(nodes, deps); err != nil {
		t.Fatal(err)
	}

	got := g.Downstream("init")
	want := []string{"analysis", "forward", "viz"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Downstream(init) = %v, want %v", got, want)
	}
	if len(g.Downstream("other")) != 0 {
		t.Error("isolated node should have no downstream nodes")
	}
}
