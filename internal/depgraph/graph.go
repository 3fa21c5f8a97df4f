// Package depgraph derives the role dependency graph from the registry,
// detects cycles and computes readiness together with the waiting/blocking
// sets of every role.
//
// The graph is shared by all roles. Its mutations (late edges added from a
// registry reload) and cycle detection take the graph's own lock and never
// touch role locks, so resolution can run alongside per-role updates.
package depgraph

import (
	"slices"
	"strings"
	"sync"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/registry"
)

// Graph is a directed graph where an edge From -> To means From depends on To.
type Graph struct {
	mu         sync.RWMutex
	order      []string
	index      map[string]int
	deps       map[string][]registry.Edge
	dependents map[string][]string
	cycles     [][]string
	inCycle    map[string]bool
}

// New builds the graph of every role and edge in reg and runs cycle detection.
func New(reg *registry.Registry) *Graph {
	g := &Graph{
		order:      reg.IDs(),
		index:      make(map[string]int, reg.Len()),
		deps:       make(map[string][]registry.Edge, reg.Len()),
		dependents: make(map[string][]string, reg.Len()),
	}
	for i, id := range g.order {
		g.index[id] = i
	}
	for _, e := range reg.Edges() {
		g.addLocked(e)
	}
	g.detectLocked()
	return g
}

// Roles returns the role ids in registry order.
func (g *Graph) Roles() []string {
	return slices.Clone(g.order)
}

// Has reports whether id is a node of the graph.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// AddEdge inserts a late dependency edge and re-runs cycle detection.
// It returns false when the edge already exists. Both endpoints must be
// roles known to the graph.
func (g *Graph) AddEdge(e registry.Edge) (bool, error) {
	if !g.Has(e.From) {
		return false, errors.NewNotFoundError("role", e.From).WithCause(errors.ErrRoleNotFound)
	}
	if !g.Has(e.To) {
		return false, errors.NewDependencyError(e.From, e.To)
	}
	if e.Kind == "" {
		e.Kind = registry.KindHard
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if slices.ContainsFunc(g.deps[e.From], func(x registry.Edge) bool { return x.To == e.To }) {
		return false, nil
	}
	g.addLocked(e)
	g.detectLocked()
	return true, nil
}

func (g *Graph) addLocked(e registry.Edge) {
	e.Inputs = slices.Clone(e.Inputs)
	g.deps[e.From] = append(g.deps[e.From], e)
	g.dependents[e.To] = append(g.dependents[e.To], e.From)
	slices.SortFunc(g.dependents[e.To], func(a, b string) int { return g.index[a] - g.index[b] })
}

// Dependencies returns the outgoing edges of id in declaration order.
func (g *Graph) Dependencies(id string) []registry.Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]registry.Edge, len(g.deps[id]))
	for i, e := range g.deps[id] {
		e.Inputs = slices.Clone(e.Inputs)
		out[i] = e
	}
	return out
}

// Dependents returns the roles that depend directly on id, in registry order.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return slices.Clone(g.dependents[id])
}

// Edge returns the edge from -> to if it exists.
func (g *Graph) Edge(from, to string) (registry.Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, e := range g.deps[from] {
		if e.To == to {
			e.Inputs = slices.Clone(e.Inputs)
			return e, true
		}
	}
	return registry.Edge{}, false
}

// Cycles returns the cycles found by the last detection run.
func (g *Graph) Cycles() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][]string, len(g.cycles))
	for i, c := range g.cycles {
		out[i] = slices.Clone(c)
	}
	return out
}

// InCycle reports whether id participates in a detected cycle.
func (g *Graph) InCycle(id string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.inCycle[id]
}

// DetectCycles runs a fresh detection and returns every cycle found.
func (g *Graph) DetectCycles() [][]string {
	g.mu.Lock()
	g.detectLocked()
	g.mu.Unlock()
	return g.Cycles()
}

type color uint8

const (
	white color = iota
	grey
	black
)

// detectLocked is a three-colour depth-first search. A grey node reached
// again closes a cycle made of the grey path from that node to the current
// one. Each cycle is reported once, rotated to start at its member that
// comes first in registry order.
func (g *Graph) detectLocked() {
	colors := make(map[string]color, len(g.order))
	var stack []string
	seen := make(map[string]bool)
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		colors[id] = grey
		stack = append(stack, id)

		for _, e := range g.deps[id] {
			switch colors[e.To] {
			case white:
				visit(e.To)
			case grey:
				start := slices.Index(stack, e.To)
				cycle := g.canonical(stack[start:])
				key := strings.Join(cycle, "\x00")
				if !seen[key] {
					seen[key] = true
					cycles = append(cycles, cycle)
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = black
	}

	for _, id := range g.order {
		if colors[id] == white {
			visit(id)
		}
	}

	g.cycles = cycles
	g.inCycle = make(map[string]bool)
	for _, c := range cycles {
		for _, id := range c {
			g.inCycle[id] = true
		}
	}
}

func (g *Graph) canonical(path []string) []string {
	first := 0
	for i, id := range path {
		if g.index[id] < g.index[path[first]] {
			first = i
		}
	}
	out := make([]string, 0, len(path))
	out = append(out, path[first:]...)
	out = append(out, path[:first]...)
	return out
}
