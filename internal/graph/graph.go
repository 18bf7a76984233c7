// Package graph provides a dependency graph for step scheduling.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrCycleDetected indicates a circular dependency was found in the step graph.
var ErrCycleDetected = errors.New("circular dependency detected")

// CycleError names the nodes on a detected cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("%v: %s", ErrCycleDetected, strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// DependencyGraph represents a directed acyclic graph of step dependencies.
// Nodes are canonical step paths, and edges represent "depends on" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// nodes is the set of registered node IDs.
	nodes map[string]bool
	// edges maps node ID to the IDs it depends on.
	edges map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:    make(map[string]bool),
		edges:    make(map[string][]string),
		debugLog: func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the graph from node IDs and a map of node -> dependencies.
// Returns an error if a cycle is detected or a dependency is not a node.
func (g *DependencyGraph) Build(nodes []string, deps map[string][]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.debugLog("[graph.Build] building graph from %d nodes", len(nodes))

	for _, id := range nodes {
		g.nodes[id] = true
		if _, ok := g.edges[id]; !ok {
			g.edges[id] = nil
		}
	}

	for _, id := range nodes {
		seen := make(map[string]bool)
		for _, depID := range deps[id] {
			if !g.nodes[depID] {
				return fmt.Errorf("step %s depends on unknown step %s", id, depID)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[id] = append(g.edges[id], depID)
		}
		sort.Strings(g.edges[id])
	}

	if cycle := g.findCycleLocked(); cycle != nil {
		return &CycleError{Path: cycle}
	}

	g.debugLog("[graph.Build] graph built successfully with %d nodes", len(g.nodes))
	return nil
}

// HasCycle returns true if the graph contains a circular dependency.
func (g *DependencyGraph) HasCycle() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.findCycleLocked() != nil
}

// findCycleLocked uses depth-first search with coloring to detect back edges.
// It returns the cycle path, or nil. Assumes the lock is held.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the stack from the first occurrence.
				for i, s := range stack {
					if s == depID {
						cycle = append(append([]string(nil), stack[i:]...), depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.sortedNodesLocked() {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

func (g *DependencyGraph) sortedNodesLocked() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TopologicalSort returns node IDs so that every dependency comes before the
// nodes that depend on it. Among ready nodes the order is lexical, so the
// result is deterministic.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if cycle := g.findCycleLocked(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}

	remaining := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for id := range g.nodes {
		remaining[id] = len(g.edges[id])
		for _, depID := range g.edges[id] {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	var ready []string
	for id, n := range remaining {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	result := make([]string, 0, len(g.nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		result = append(result, id)

		var released []string
		for _, dep := range dependents[id] {
			remaining[dep]--
			if remaining[dep] == 0 {
				released = append(released, dep)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	return result, nil
}

// Size returns the number of nodes in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Has reports whether id is a node.
func (g *DependencyGraph) Has(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// GetDependencies returns the IDs that the given node depends on.
func (g *DependencyGraph) GetDependencies(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[id]...)
}

// GetDependents returns the IDs of nodes that directly depend on the given node.
func (g *DependencyGraph) GetDependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(id)
}

func (g *DependencyGraph) dependentsLocked(id string) []string {
	var dependents []string
	for nodeID, deps := range g.edges {
		for _, depID := range deps {
			if depID == id {
				dependents = append(dependents, nodeID)
				break
			}
		}
	}
	sort.Strings(dependents)
	return dependents
}

// Downstream returns every node that transitively depends on id.
func (g *DependencyGraph) Downstream(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range g.dependentsLocked(cur) {
			if !seen[dep] {
				seen[dep] = true
				queue = append(queue, dep)
			}
		}
	}

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
