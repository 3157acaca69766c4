package graph

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Graph is a directed dependency graph over resource logical names. An
// edge A → B records that B depends on A: A must exist and be stable
// before any operation on B is dispatched.
type Graph struct {
	nodes mapset.Set[string]
	// deps maps each node to the set of nodes it depends on.
	deps map[string]mapset.Set[string]
}

func New() *Graph {
	return &Graph{
		nodes: mapset.NewThreadUnsafeSet[string](),
		deps:  make(map[string]mapset.Set[string]),
	}
}

// Build constructs a graph from a dependency listing: for each name, the
// names it depends on. Dependencies on names absent from the listing are
// added as standalone nodes.
func Build(dependencies map[string][]string) *Graph {
	g := New()
	for name, deps := range dependencies {
		g.AddNode(name)
		for _, dep := range deps {
			g.AddEdge(dep, name)
		}
	}
	return g
}

func (g *Graph) AddNode(name string) {
	g.nodes.Add(name)
	if g.deps[name] == nil {
		g.deps[name] = mapset.NewThreadUnsafeSet[string]()
	}
}

// AddEdge records that dependent depends on dependency.
func (g *Graph) AddEdge(dependency, dependent string) {
	g.AddNode(dependency)
	g.AddNode(dependent)
	g.deps[dependent].Add(dependency)
}

// Nodes returns all node names in lexical order.
func (g *Graph) Nodes() []string {
	nodes := g.nodes.ToSlice()
	sort.Strings(nodes)
	return nodes
}

// Dependencies returns the direct dependencies of the given node in
// lexical order.
func (g *Graph) Dependencies(name string) []string {
	set := g.deps[name]
	if set == nil {
		return nil
	}
	deps := set.ToSlice()
	sort.Strings(deps)
	return deps
}

// Dependents returns the direct dependents of the given node in lexical
// order.
func (g *Graph) Dependents(name string) []string {
	var dependents []string
	for _, node := range g.Nodes() {
		if g.deps[node] != nil && g.deps[node].Contains(name) {
			dependents = append(dependents, node)
		}
	}
	return dependents
}

// CyclicDependencyError reports that the template's declared and inferred
// dependencies admit no topological order. The cycle is reported rather
// than silently truncated.
type CyclicDependencyError struct {
	Cycle []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle between resources: %s", strings.Join(e.Cycle, " -> "))
}

// TopologicalOrder returns the node names ordered so that every node
// appears after all of its dependencies. Ties break lexically so the order
// is deterministic. Returns a *CyclicDependencyError if no such order
// exists.
func (g *Graph) TopologicalOrder() ([]string, error) {
	remainingDeps := make(map[string]mapset.Set[string], len(g.deps))
	for name, deps := range g.deps {
		remainingDeps[name] = deps.Clone()
	}

	done := mapset.NewThreadUnsafeSet[string]()
	var order []string

	for done.Cardinality() < g.nodes.Cardinality() {
		var ready []string
		for _, name := range g.Nodes() {
			if done.Contains(name) {
				continue
			}
			if remainingDeps[name].Difference(done).Cardinality() == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			return nil, &CyclicDependencyError{Cycle: g.findCycle(done)}
		}
		sort.Strings(ready)
		for _, name := range ready {
			done.Add(name)
			order = append(order, name)
		}
	}

	return order, nil
}

// findCycle walks dependency edges among unordered nodes until it revisits
// one, yielding a concrete cycle for the error message.
func (g *Graph) findCycle(done mapset.Set[string]) []string {
	var start string
	for _, name := range g.Nodes() {
		if !done.Contains(name) {
			start = name
			break
		}
	}

	seen := make(map[string]int)
	var path []string
	current := start
	for {
		if idx, ok := seen[current]; ok {
			cycle := append([]string(nil), path[idx:]...)
			cycle = append(cycle, current)
			return cycle
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range g.Dependencies(current) {
			if !done.Contains(dep) {
				next = dep
				break
			}
		}
		if next == "" {
			// Should never happen: every unordered node keeps at least one
			// unordered dependency, else it would have been ready.
			return path
		}
		current = next
	}
}
