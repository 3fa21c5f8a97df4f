// Package phase implements the role lifecycle state machine: a fixed
// adjacency table of legal phase edges and named guards evaluated against a
// role's state before an edge is taken.
package phase

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

// Guard names.
const (
	GuardStartReady      = "start_ready"
	GuardReviewReady     = "review_ready"
	GuardCompletionReady = "completion_ready"
)

// Input is what guards evaluate: the role's current state plus the inputs
// the role needs from its soft dependencies before it can start.
type Input struct {
	State          rolestate.RoleState
	RequiredInputs []string
}

// Condition is one named check inside a guard. It returns an empty string
// when satisfied, otherwise the reason it failed.
type Condition func(Input) string

// Guard is a named conjunction of conditions.
type Guard struct {
	Name       string
	Conditions []Condition
}

// Evaluate returns the joined failure reasons, or "" when every condition holds.
func (g Guard) Evaluate(in Input) string {
	var reasons []string
	for _, c := range g.Conditions {
		if r := c(in); r != "" {
			reasons = append(reasons, r)
		}
	}
	return strings.Join(reasons, "; ")
}

type edge struct {
	from, to rolestate.Phase
}

// Machine validates and applies phase transitions.
type Machine struct {
	adjacency map[rolestate.Phase][]rolestate.Phase
	guards    map[edge]Guard
}

// New returns a Machine with the standard role lifecycle.
func New() *Machine {
	return &Machine{
		adjacency: map[rolestate.Phase][]rolestate.Phase{
			rolestate.PhasePlanning:   {rolestate.PhaseInProgress, rolestate.PhasePaused},
			rolestate.PhaseInProgress: {rolestate.PhaseReview, rolestate.PhaseCompleted, rolestate.PhaseBlocked, rolestate.PhasePaused},
			rolestate.PhaseReview:     {rolestate.PhaseInProgress, rolestate.PhaseCompleted, rolestate.PhaseBlocked},
			rolestate.PhaseCompleted:  {rolestate.PhaseInProgress},
			rolestate.PhaseBlocked:    {rolestate.PhaseInProgress, rolestate.PhasePaused},
			rolestate.PhasePaused:     {rolestate.PhaseInProgress, rolestate.PhasePlanning},
		},
		guards: map[edge]Guard{
			{rolestate.PhasePlanning, rolestate.PhaseInProgress}: {
				Name:       GuardStartReady,
				Conditions: []Condition{dependenciesMet, inputsReceived, resourcesAvailable},
			},
			{rolestate.PhaseInProgress, rolestate.PhaseReview}: {
				Name:       GuardReviewReady,
				Conditions: []Condition{tasksCompleted, deliverablesProduced, qualityChecksPassed},
			},
			{rolestate.PhaseReview, rolestate.PhaseCompleted}: {
				Name:       GuardCompletionReady,
				Conditions: []Condition{reviewsApproved, qualityChecksPassed, deliverablesAccepted},
			},
		},
	}
}

// Allowed reports whether from -> to is in the adjacency table.
func (m *Machine) Allowed(from, to rolestate.Phase) bool {
	return slices.Contains(m.adjacency[from], to)
}

// Targets returns the phases reachable from from in one step.
func (m *Machine) Targets(from rolestate.Phase) []rolestate.Phase {
	return slices.Clone(m.adjacency[from])
}

// Guard returns the guard on from -> to, if any.
func (m *Machine) Guard(from, to rolestate.Phase) (Guard, bool) {
	g, ok := m.guards[edge{from, to}]
	return g, ok
}

// Check validates a transition without applying it. It returns a
// TransitionError when the edge is absent and a GuardError when the edge's
// guard is false.
func (m *Machine) Check(roleID string, in Input, to rolestate.Phase) error {
	from := in.State.Phase
	if !m.Allowed(from, to) {
		return errors.NewTransitionError(roleID, string(from), string(to))
	}
	if g, ok := m.guards[edge{from, to}]; ok {
		if reason := g.Evaluate(in); reason != "" {
			return errors.NewGuardError(roleID, g.Name, reason)
		}
	}
	return nil
}

// Apply checks the transition and, if legal, moves the state to the target
// phase. On error the state is left untouched.
func (m *Machine) Apply(st *rolestate.RoleState, requiredInputs []string, to rolestate.Phase) error {
	if err := m.Check(st.RoleID, Input{State: *st, RequiredInputs: requiredInputs}, to); err != nil {
		return err
	}
	st.Phase = to
	switch to {
	case rolestate.PhaseCompleted:
		st.SetProgress(100)
		st.CurrentTask = ""
		st.BlockedReason = ""
	case rolestate.PhaseInProgress:
		st.BlockedReason = ""
	}
	return nil
}

func dependenciesMet(in Input) string {
	if in.State.Dependencies.ReadyToStart {
		return ""
	}
	if len(in.State.Dependencies.WaitingFor) > 0 {
		return "dependencies not met: " + strings.Join(in.State.Dependencies.WaitingFor, ", ")
	}
	return "dependencies not met"
}

func inputsReceived(in Input) string {
	var missing []string
	for _, name := range in.RequiredInputs {
		if !slices.Contains(in.State.InputsReceived, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	return "required inputs not received: " + strings.Join(missing, ", ")
}

func resourcesAvailable(in Input) string {
	if in.State.ResourcesAvailable {
		return ""
	}
	return "resources not available"
}

func tasksCompleted(in Input) string {
	if in.State.AllTasksCompleted() {
		return ""
	}
	t := in.State.Tasks
	return fmt.Sprintf("tasks not completed: %d pending, %d in progress, %d blocked",
		len(t.Pending), len(t.InProgress), len(t.Blocked))
}

func deliverablesProduced(in Input) string {
	if in.State.DeliverablesProducedAll() {
		return ""
	}
	d := in.State.Deliverables
	missing := append(slices.Clone(d.Required), d.InProgress...)
	return "deliverables not produced: " + strings.Join(missing, ", ")
}

func qualityChecksPassed(in Input) string {
	if in.State.QualityChecksPassed {
		return ""
	}
	return "quality checks not passed"
}

func reviewsApproved(in Input) string {
	if in.State.ReviewsApproved {
		return ""
	}
	return "reviews not approved"
}

func deliverablesAccepted(in Input) string {
	if in.State.DeliverablesAccepted() {
		return ""
	}
	d := in.State.Deliverables
	pending := append(append(slices.Clone(d.Required), d.InProgress...), d.Completed...)
	return "deliverables not accepted: " + strings.Join(pending, ", ")
}
