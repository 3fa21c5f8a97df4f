package depgraph

import (
	"slices"

	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

// Policy decides how many satisfied dependencies make a role ready.
type Policy string

const (
	// PolicyFull requires every dependency to be satisfied.
	PolicyFull Policy = "full"
	// PolicyPartial requires at least one satisfied dependency.
	PolicyPartial Policy = "partial"
)

// Status is the derived dependency view of one role.
type Status struct {
	WaitingFor []string
	Blocking   []string
	Ready      bool
}

// Apply copies the status into a role state.
func (s Status) Apply(st *rolestate.RoleState) {
	st.Dependencies.WaitingFor = slices.Clone(s.WaitingFor)
	st.Dependencies.Blocking = slices.Clone(s.Blocking)
	st.Dependencies.ReadyToStart = s.Ready
}

// Equal reports whether two statuses carry the same sets and readiness.
func (s Status) Equal(o Status) bool {
	return s.Ready == o.Ready && slices.Equal(s.WaitingFor, o.WaitingFor) && slices.Equal(s.Blocking, o.Blocking)
}

// Resolver computes readiness over a graph and a snapshot of role states.
type Resolver struct {
	graph  *Graph
	policy Policy
}

// NewResolver creates a Resolver. An empty policy means PolicyFull.
func NewResolver(g *Graph, policy Policy) *Resolver {
	if policy == "" {
		policy = PolicyFull
	}
	return &Resolver{graph: g, policy: policy}
}

// Policy returns the readiness policy in effect.
func (r *Resolver) Policy() Policy {
	return r.policy
}

// Satisfied reports whether edge e is satisfied given the state of e.To.
// A hard edge needs the dependency completed. A soft edge also accepts the
// dependency having approved every input the dependent needs from it.
func Satisfied(e registry.Edge, dep rolestate.RoleState) bool {
	if dep.Phase == rolestate.PhaseCompleted {
		return true
	}
	if e.Kind != registry.KindSoft || len(e.Inputs) == 0 {
		return false
	}
	for _, in := range e.Inputs {
		if !dep.Approved(in) {
			return false
		}
	}
	return true
}

// ResolveAll computes the status of every role.
func (r *Resolver) ResolveAll(view map[string]rolestate.RoleState) map[string]Status {
	return r.resolve(view, r.graph.Roles())
}

// ResolveDependents recomputes only the roles whose status can change when
// roleID's state changes: roleID itself and its direct dependents.
//
// An edge's satisfaction depends only on the state of the role it points to,
// so a change to roleID can alter roleID's blocking set and its dependents'
// waiting sets and readiness, but nothing else.
func (r *Resolver) ResolveDependents(view map[string]rolestate.RoleState, roleID string) map[string]Status {
	ids := append([]string{roleID}, r.graph.Dependents(roleID)...)
	return r.resolve(view, ids)
}

func (r *Resolver) resolve(view map[string]rolestate.RoleState, ids []string) map[string]Status {
	out := make(map[string]Status, len(ids))
	for _, id := range ids {
		out[id] = r.status(view, id)
	}
	return out
}

func (r *Resolver) status(view map[string]rolestate.RoleState, id string) Status {
	deps := r.graph.Dependencies(id)
	st := Status{WaitingFor: []string{}, Blocking: []string{}}

	satisfied := 0
	for _, e := range deps {
		if Satisfied(e, view[e.To]) {
			satisfied++
			continue
		}
		st.WaitingFor = append(st.WaitingFor, e.To)
	}

	self := view[id]
	for _, dependent := range r.graph.Dependents(id) {
		e, ok := r.graph.Edge(dependent, id)
		if ok && !Satisfied(e, self) {
			st.Blocking = append(st.Blocking, dependent)
		}
	}

	switch {
	case r.graph.InCycle(id):
		st.Ready = false
	case len(deps) == 0:
		st.Ready = true
	case r.policy == PolicyPartial:
		st.Ready = satisfied > 0
	default:
		st.Ready = satisfied == len(deps)
	}
	return st
}
