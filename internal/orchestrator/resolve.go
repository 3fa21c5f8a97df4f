package orchestrator

import (
	"context"
	"slices"
	"strings"

	"github.com/Iron-Ham/troupe/internal/depgraph"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/escalation"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

var errUnchanged = errors.New("dependency status unchanged")

// pendingTransition is a phase change committed inside the graph-wide
// section whose side effects run after the section is released.
type pendingTransition struct {
	state rolestate.RoleState
	from  rolestate.Phase
}

// resolveAll runs cycle handling and a full readiness pass.
func (o *Orchestrator) resolveAll() {
	o.resolveMu.Lock()
	blocked := o.handleCyclesLocked()
	o.applyLocked(o.resolver.ResolveAll(o.store.View()))
	o.resolveMu.Unlock()

	for _, p := range blocked {
		o.afterTransition(p.state, p.from)
	}
}

// resolveDependents refreshes roleID and its direct dependents.
func (o *Orchestrator) resolveDependents(roleID string) {
	o.resolveMu.Lock()
	defer o.resolveMu.Unlock()
	o.applyLocked(o.resolver.ResolveDependents(o.store.View(), roleID))
}

// applyLocked writes derived statuses back into the store in registry order.
func (o *Orchestrator) applyLocked(statuses map[string]depgraph.Status) {
	for _, id := range o.reg.IDs() {
		status, ok := statuses[id]
		if !ok {
			continue
		}

		readyChanged := false
		st, err := o.store.Update(id, func(s *rolestate.RoleState) error {
			cur := depgraph.Status{
				WaitingFor: s.Dependencies.WaitingFor,
				Blocking:   s.Dependencies.Blocking,
				Ready:      s.Dependencies.ReadyToStart,
			}
			if cur.Equal(status) {
				return errUnchanged
			}
			readyChanged = cur.Ready != status.Ready
			status.Apply(s)
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			o.logger.Warn("apply dependency status", "role_id", id, "error", err)
			continue
		}

		if readyChanged {
			o.logger.WithRole(id).Debug("readiness changed", "ready", status.Ready, "waiting_for", status.WaitingFor)
			o.bus.Publish(event.NewReadinessChangedEvent(id, status.Ready, status.WaitingFor))
		}
		o.syncDependencyTimers(st)
	}
}

// syncDependencyTimers keeps one dependency timer per awaited role.
func (o *Orchestrator) syncDependencyTimers(st rolestate.RoleState) {
	if st.Archived || st.Phase == rolestate.PhaseCompleted {
		o.scheduler.CancelRole(st.RoleID, escalation.DependencyUnresolved)
		return
	}
	o.scheduler.Sync(st.RoleID, escalation.DependencyUnresolved, st.Dependencies.WaitingFor,
		o.cfg.Escalation.DependencyThreshold, o.targets.Owner, st.RoleID+" is waiting for a dependency")
}

// syncAllTimers re-arms the timers implied by the current states, e.g. after
// a restart or a checkpoint restore.
func (o *Orchestrator) syncAllTimers() {
	for _, st := range o.store.Snapshot() {
		role, _ := o.reg.Role(st.RoleID)
		key := escalation.Key{RoleID: st.RoleID, Condition: escalation.BlockedFor24h}
		if st.Phase == rolestate.PhaseBlocked && !st.Archived {
			o.scheduler.Arm(key, o.cfg.Escalation.BlockedThreshold,
				o.targets.ForCondition(escalation.BlockedFor24h, role.ReportsTo, ""), st.BlockedReason)
		} else {
			o.scheduler.Cancel(key)
		}
		o.syncDependencyTimers(st)
	}
}

// handleCyclesLocked reports every cycle not seen before: each participant
// records the cycle as its blocked reason, participants that may enter the
// blocked phase do so, and one critical escalation fires per cycle.
func (o *Orchestrator) handleCyclesLocked() []pendingTransition {
	var out []pendingTransition
	for _, cycle := range o.graph.Cycles() {
		key := strings.Join(cycle, "->")
		if o.reportedCycles[key] {
			continue
		}
		o.reportedCycles[key] = true

		cerr := errors.NewCycleError(cycle)
		reason := cerr.Error()
		o.logger.Error("circular dependency", "roles", cycle)
		o.bus.Publish(event.NewDependencyCycleEvent(cycle))

		for _, id := range cycle {
			if p, ok := o.markCycle(id, reason); ok {
				out = append(out, p)
			}
		}

		head, _ := o.reg.Role(cycle[0])
		o.scheduler.Arm(
			escalation.Key{RoleID: head.ID, Condition: escalation.CriticalBlocker, Subject: key},
			0,
			o.targets.ForCondition(escalation.CriticalBlocker, head.ReportsTo, escalation.ConcernProcess),
			reason,
		)
	}
	return out
}

func (o *Orchestrator) markCycle(roleID, reason string) (pendingTransition, bool) {
	_, halted := o.Halted()
	var from rolestate.Phase
	moved := false
	st, err := o.store.Update(roleID, func(s *rolestate.RoleState) error {
		from = s.Phase
		s.BlockedReason = reason
		if !halted && !s.Archived && o.machine.Allowed(s.Phase, rolestate.PhaseBlocked) {
			if err := o.machine.Apply(s, nil, rolestate.PhaseBlocked); err != nil {
				return err
			}
			s.BlockedReason = reason
			moved = true
		}
		return nil
	})
	if err != nil {
		o.logger.Warn("mark cycle participant", "role_id", roleID, "error", err)
		return pendingTransition{}, false
	}
	if !moved {
		return pendingTransition{}, false
	}
	return pendingTransition{state: st, from: from}, true
}

// AddDependency adds a dependency edge discovered at runtime and runs a full
// resolution. It returns a CycleError when the edge closes a cycle; the edge
// stays in the graph and its participants are reported as blocked.
func (o *Orchestrator) AddDependency(ctx context.Context, e registry.Edge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	added, err := o.graph.AddEdge(e)
	if err != nil {
		return err
	}
	if !added {
		return nil
	}
	o.logger.Info("dependency added", "from", e.From, "to", e.To, "kind", string(e.Kind))

	o.resolveAll()
	o.save()

	for _, cycle := range o.graph.Cycles() {
		if slices.Contains(cycle, e.From) && slices.Contains(cycle, e.To) {
			return errors.NewCycleError(cycle)
		}
	}
	return nil
}

func (o *Orchestrator) onEdgesAdded(added []registry.Edge) {
	ctx := o.runContext()
	for _, e := range added {
		if err := o.AddDependency(ctx, e); err != nil {
			o.logger.Warn("late dependency", "from", e.From, "to", e.To, "error", err)
		}
	}
}
