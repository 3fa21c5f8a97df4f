package orchestrator

import (
	"context"
	"fmt"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/escalation"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/Iron-Ham/troupe/internal/notify"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

// RequestTransition moves roleID to target if the edge exists and its guard
// holds. A rejected request leaves the role unchanged and returns an error
// matching ErrInvalidTransition, ErrGuardNotSatisfied or ErrPipelineHalted.
func (o *Orchestrator) RequestTransition(ctx context.Context, roleID string, target rolestate.Phase) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !o.reg.Has(roleID) {
		return errors.NewNotFoundError("role", roleID).WithCause(errors.ErrRoleNotFound)
	}
	if !target.Valid() {
		return errors.NewValidationError("unknown phase").WithField("phase").WithValue(string(target))
	}
	return o.transition(roleID, target, "")
}

// transition applies one phase change. blockedReason is recorded when the
// target is the blocked phase.
func (o *Orchestrator) transition(roleID string, to rolestate.Phase, blockedReason string) error {
	if h, halted := o.Halted(); halted {
		err := fmt.Errorf("%w: quality gate failed at %s: %s", errors.ErrPipelineHalted, h.RoleID, h.Reason)
		cur, _ := o.store.Get(roleID)
		o.rejected(roleID, cur.Phase, to, err)
		return err
	}

	required := o.requiredInputs(roleID)
	var from rolestate.Phase
	st, err := o.store.Update(roleID, func(s *rolestate.RoleState) error {
		if s.Archived {
			return fmt.Errorf("%w: %s", errors.ErrRoleArchived, roleID)
		}
		from = s.Phase
		if err := o.machine.Apply(s, required, to); err != nil {
			return err
		}
		if to == rolestate.PhaseBlocked && blockedReason != "" {
			s.BlockedReason = blockedReason
		}
		return nil
	})
	if err != nil {
		o.rejected(roleID, st.Phase, to, err)
		return err
	}

	o.afterTransition(st, from)
	return nil
}

func (o *Orchestrator) rejected(roleID string, from, to rolestate.Phase, err error) {
	var guard string
	var ge *errors.GuardError
	if errors.As(err, &ge) {
		guard = ge.Guard
	}
	o.logger.Info("transition rejected",
		"role_id", roleID,
		"from", string(from),
		"to", string(to),
		"error", err,
	)
	o.bus.Publish(event.NewTransitionRejectedEvent(roleID, string(from), string(to), guard, err.Error()))
}

// afterTransition runs the side effects of a committed phase change.
func (o *Orchestrator) afterTransition(st rolestate.RoleState, from rolestate.Phase) {
	roleID := st.RoleID
	o.logger.WithRole(roleID).WithPhase(string(st.Phase)).Info("phase changed", "from", string(from))
	o.bus.Publish(event.NewPhaseChangedEvent(roleID, string(from), string(st.Phase)))

	o.notify(notify.Notification{
		Kind:   mailbox.MessagePhaseChange,
		Source: roleID,
		Body:   fmt.Sprintf("%s moved from %s to %s", roleID, from, st.Phase),
		Metadata: map[string]any{
			"from": string(from),
			"to":   string(st.Phase),
		},
	})

	role, _ := o.reg.Role(roleID)
	key := escalation.Key{RoleID: roleID, Condition: escalation.BlockedFor24h}
	if st.Phase == rolestate.PhaseBlocked {
		reason := st.BlockedReason
		if reason == "" {
			reason = roleID + " is blocked"
		}
		o.scheduler.Arm(key, o.cfg.Escalation.BlockedThreshold,
			o.targets.ForCondition(escalation.BlockedFor24h, role.ReportsTo, ""), reason)
	} else {
		o.scheduler.Cancel(key)
		if from == rolestate.PhaseBlocked {
			o.clearBlockerEscalations(roleID)
		}
	}

	if o.launcher != nil {
		switch {
		case st.Phase == rolestate.PhaseInProgress && !from.Active():
			o.super.RequestStart(roleID)
		case from.Active() && !st.Phase.Active():
			o.super.RequestStop(roleID)
		}
	}

	o.resolveDependents(roleID)
	o.save()
}

// requiredInputs lists the inputs roleID still needs from soft dependencies
// that have not completed.
func (o *Orchestrator) requiredInputs(roleID string) []string {
	var out []string
	for _, e := range o.graph.Dependencies(roleID) {
		if e.Kind != registry.KindSoft {
			continue
		}
		if dep, ok := o.store.Get(e.To); ok && dep.Phase == rolestate.PhaseCompleted {
			continue
		}
		out = append(out, e.Inputs...)
	}
	return out
}

func (o *Orchestrator) notify(n notify.Notification) {
	if _, err := o.router.Route(n); err != nil {
		o.logger.Warn("notification not delivered",
			"kind", string(n.Kind),
			"source", n.Source,
			"error", err,
		)
	}
}
