package orchestrator

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/Iron-Ham/troupe/internal/decision"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/escalation"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/Iron-Ham/troupe/internal/notify"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

// EventType names an event reported to the core by a worker or an operator.
type EventType string

const (
	EventTaskStarted           EventType = "task_started"
	EventTaskCompletion        EventType = "task_completion"
	EventDeliverableStarted    EventType = "deliverable_started"
	EventDeliverableCompletion EventType = "deliverable_completion"
	EventReviewApproved        EventType = "review_approved"
	EventInputReceived         EventType = "input_received"
	EventPhaseChangeRequest    EventType = "phase_change_request"
	EventBlockerEncountered    EventType = "blocker_encountered"
	EventDependencyResolved    EventType = "dependency_resolved"
	EventManualUpdateRequest   EventType = "manual_update_request"
	EventHeartbeat             EventType = "heartbeat"
	EventQualityGateFailed     EventType = "quality_gate_failed"
	EventQualityGateCleared    EventType = "quality_gate_cleared"
	EventRollbackRequest       EventType = "rollback_request"
	EventRollbackApproved      EventType = "rollback_approved"
)

// EventTypes returns every accepted event type.
func EventTypes() []EventType {
	return []EventType{
		EventTaskStarted, EventTaskCompletion,
		EventDeliverableStarted, EventDeliverableCompletion,
		EventReviewApproved, EventInputReceived,
		EventPhaseChangeRequest, EventBlockerEncountered, EventDependencyResolved,
		EventManualUpdateRequest, EventHeartbeat,
		EventQualityGateFailed, EventQualityGateCleared,
		EventRollbackRequest, EventRollbackApproved,
	}
}

// Blocker types carried in the "type" field of blocker_encountered.
const (
	BlockerMissingDependency = "missing_dependency"
	BlockerRoleUnavailable   = "role_unavailable"
)

type eventHandler func(o *Orchestrator, ctx context.Context, role registry.Role, p Payload) error

func handlerFor(typ EventType) (eventHandler, bool) {
	switch typ {
	case EventTaskStarted:
		return (*Orchestrator).onTaskStarted, true
	case EventTaskCompletion:
		return (*Orchestrator).onTaskCompletion, true
	case EventDeliverableStarted:
		return (*Orchestrator).onDeliverableStarted, true
	case EventDeliverableCompletion:
		return (*Orchestrator).onDeliverableCompletion, true
	case EventReviewApproved:
		return (*Orchestrator).onReviewApproved, true
	case EventInputReceived:
		return (*Orchestrator).onInputReceived, true
	case EventPhaseChangeRequest:
		return (*Orchestrator).onPhaseChangeRequest, true
	case EventBlockerEncountered:
		return (*Orchestrator).onBlockerEncountered, true
	case EventDependencyResolved:
		return (*Orchestrator).onDependencyResolved, true
	case EventManualUpdateRequest:
		return (*Orchestrator).onManualUpdate, true
	case EventHeartbeat:
		return (*Orchestrator).onHeartbeat, true
	case EventQualityGateFailed:
		return (*Orchestrator).onQualityGateFailed, true
	case EventQualityGateCleared:
		return (*Orchestrator).onQualityGateCleared, true
	case EventRollbackRequest:
		return (*Orchestrator).onRollbackRequest, true
	case EventRollbackApproved:
		return (*Orchestrator).onRollbackApproved, true
	}
	return nil, false
}

// ReportEvent applies an event reported for roleID. Unknown roles, archived
// roles and unknown event types are rejected without side effects.
func (o *Orchestrator) ReportEvent(ctx context.Context, roleID string, typ EventType, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	role, ok := o.reg.Role(roleID)
	if !ok {
		return errors.NewNotFoundError("role", roleID).WithCause(errors.ErrRoleNotFound)
	}
	handler, ok := handlerFor(typ)
	if !ok {
		return fmt.Errorf("%w: %q", errors.ErrUnknownEventType, typ)
	}
	if st, _ := o.store.Get(roleID); st.Archived {
		return fmt.Errorf("%w: %s", errors.ErrRoleArchived, roleID)
	}
	if payload == nil {
		payload = Payload{}
	}

	o.logger.WithRole(roleID).Debug("event reported", "type", string(typ))
	return handler(o, ctx, role, payload)
}

// update mutates one role and rejects archived roles.
func (o *Orchestrator) update(roleID string, fn func(*rolestate.RoleState) error) (rolestate.RoleState, error) {
	return o.store.Update(roleID, func(s *rolestate.RoleState) error {
		if s.Archived {
			return fmt.Errorf("%w: %s", errors.ErrRoleArchived, roleID)
		}
		return fn(s)
	})
}

func required(p Payload, key string) (string, error) {
	v := strings.TrimSpace(p.String(key))
	if v == "" {
		return "", errors.NewValidationError(key + " is required").WithField(key)
	}
	return v, nil
}

func (o *Orchestrator) statusChange(roleID, body string, meta map[string]any) {
	o.notify(notify.Notification{
		Kind:     mailbox.MessageStatusChange,
		Source:   roleID,
		Body:     body,
		Metadata: meta,
	})
}

func (o *Orchestrator) onTaskStarted(_ context.Context, role registry.Role, p Payload) error {
	task, err := required(p, "task")
	if err != nil {
		return err
	}
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		s.StartTask(task)
		return nil
	}); err != nil {
		return err
	}
	o.save()
	return nil
}

func (o *Orchestrator) onTaskCompletion(_ context.Context, role registry.Role, p Payload) error {
	task, err := required(p, "task")
	if err != nil {
		return err
	}
	st, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		s.CompleteTask(task)
		if next := p.String("next_task"); next != "" {
			s.NextTask = next
		}
		if progress, ok := p.Int("progress"); ok {
			s.SetProgress(progress)
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.statusChange(role.ID, fmt.Sprintf("%s completed task %q", role.ID, task), map[string]any{
		"task":     task,
		"progress": st.ProgressPercentage,
	})
	o.save()
	return nil
}

// checkDeliverable is the format and presence check applied to reported
// deliverables. Content is never inspected.
func (o *Orchestrator) checkDeliverable(role registry.Role, name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewDeliverableError(role.ID, name, "deliverable name is empty")
	}
	ext := strings.ToLower(filepath.Ext(name))
	if allowed := o.cfg.Deliverables.AllowedExtensions; len(allowed) > 0 && !slices.Contains(allowed, ext) {
		return errors.NewDeliverableError(role.ID, name, fmt.Sprintf("extension %q is not allowed", ext))
	}
	if o.cfg.Deliverables.RequireDeclared && !slices.Contains(role.Deliverables, name) {
		return errors.NewDeliverableError(role.ID, name, "not a declared deliverable of the role")
	}
	return nil
}

func (o *Orchestrator) rejectDeliverable(role registry.Role, name string, err error) error {
	o.logger.WithRole(role.ID).Warn("deliverable rejected", "deliverable", name, "error", err)
	o.notify(notify.Notification{
		Kind:     mailbox.MessageDeliverableFormatInvalid,
		Source:   role.ID,
		Body:     err.Error(),
		Metadata: map[string]any{"deliverable": name},
	})
	return err
}

func (o *Orchestrator) onDeliverableStarted(_ context.Context, role registry.Role, p Payload) error {
	name := p.String("deliverable")
	if err := o.checkDeliverable(role, name); err != nil {
		return o.rejectDeliverable(role, name, err)
	}
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		s.StartDeliverable(name)
		return nil
	}); err != nil {
		return err
	}
	o.save()
	return nil
}

func (o *Orchestrator) onDeliverableCompletion(_ context.Context, role registry.Role, p Payload) error {
	name := p.String("deliverable")
	if err := o.checkDeliverable(role, name); err != nil {
		return o.rejectDeliverable(role, name, err)
	}
	produced := false
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		produced = s.CompleteDeliverable(name)
		return nil
	}); err != nil {
		return err
	}
	if produced {
		o.notify(notify.Notification{
			Kind:     mailbox.MessageDeliverableReady,
			Source:   role.ID,
			Body:     fmt.Sprintf("%s produced %s", role.ID, name),
			Metadata: map[string]any{"deliverable": name},
		})
	}
	o.save()
	return nil
}

// onReviewApproved approves one deliverable, or with no deliverable named,
// every completed deliverable of the role along with the review itself.
// Approved deliverables are handed to soft dependents that need them.
func (o *Orchestrator) onReviewApproved(_ context.Context, role registry.Role, p Payload) error {
	name := p.String("deliverable")
	if name != "" {
		if err := o.checkDeliverable(role, name); err != nil {
			return o.rejectDeliverable(role, name, err)
		}
	}

	var approved []string
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		if name != "" {
			s.ApproveDeliverable(name)
			approved = []string{name}
			return nil
		}
		approved = slices.Clone(s.Deliverables.Completed)
		for _, d := range approved {
			s.ApproveDeliverable(d)
		}
		s.ReviewsApproved = true
		return nil
	}); err != nil {
		return err
	}

	for _, d := range approved {
		o.handOver(role.ID, d)
	}
	o.statusChange(role.ID, fmt.Sprintf("review approved for %s", role.ID), map[string]any{
		"approved": approved,
	})
	o.resolveDependents(role.ID)
	o.save()
	return nil
}

// handOver records an approved deliverable as received by every dependent
// whose soft edge lists it as an input.
func (o *Orchestrator) handOver(producer, deliverable string) {
	for _, dep := range o.graph.Dependents(producer) {
		e, ok := o.graph.Edge(dep, producer)
		if !ok || e.Kind != registry.KindSoft || !slices.Contains(e.Inputs, deliverable) {
			continue
		}
		if _, err := o.update(dep, func(s *rolestate.RoleState) error {
			s.ReceiveInput(deliverable)
			return nil
		}); err != nil {
			o.logger.Debug("input not handed over", "role_id", dep, "input", deliverable, "error", err)
		}
	}
}

func (o *Orchestrator) onInputReceived(_ context.Context, role registry.Role, p Payload) error {
	input, err := required(p, "input")
	if err != nil {
		return err
	}
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		s.ReceiveInput(input)
		return nil
	}); err != nil {
		return err
	}
	o.save()
	return nil
}

func (o *Orchestrator) onPhaseChangeRequest(ctx context.Context, role registry.Role, p Payload) error {
	target := cmp.Or(p.String("phase"), p.String("target"))
	return o.RequestTransition(ctx, role.ID, rolestate.Phase(target))
}

func (o *Orchestrator) onBlockerEncountered(_ context.Context, role registry.Role, p Payload) error {
	reason := cmp.Or(strings.TrimSpace(p.String("reason")), "unspecified blocker")
	task := p.String("task")
	kind := p.String("type")
	concern := escalation.Concern(p.String("concern"))
	critical, _ := p.Bool("critical")

	if task != "" {
		if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
			s.BlockTask(task, reason)
			return nil
		}); err != nil {
			return err
		}
	}

	o.notify(notify.Notification{
		Kind:   mailbox.MessageBlockerEncountered,
		Source: role.ID,
		Body:   reason,
		Metadata: map[string]any{
			"type":    kind,
			"concern": string(concern),
			"task":    task,
		},
	})

	if kind == BlockerMissingDependency {
		missing := p.String("missing_role")
		switch {
		case !o.reg.Has(missing):
			o.logger.WithRole(role.ID).Warn("missing dependency is not a registered role", "missing_role", missing)
		case o.launcher != nil:
			o.logger.WithRole(role.ID).Info("starting missing dependency", "missing_role", missing)
			o.super.RequestStart(missing)
		}
	}

	if critical {
		o.scheduler.Arm(
			escalation.Key{RoleID: role.ID, Condition: escalation.CriticalBlocker, Subject: blockerSubject(reason)},
			0,
			o.targets.ForCondition(escalation.CriticalBlocker, role.ReportsTo, concern),
			reason,
		)
	}

	st, _ := o.store.Get(role.ID)
	if o.machine.Allowed(st.Phase, rolestate.PhaseBlocked) {
		if err := o.transition(role.ID, rolestate.PhaseBlocked, reason); err != nil {
			o.logger.WithRole(role.ID).Info("blocker recorded without entering blocked", "error", err)
		}
	}
	o.save()
	return nil
}

const blockerSubjectPrefix = "blocker:"

func blockerSubject(reason string) string { return blockerSubjectPrefix + reason }

// clearBlockerEscalations ends the episode of every critical blocker roleID
// reported, so the same blocker escalates again if it recurs. Quality-gate,
// cycle and unavailability escalations have their own lifetimes.
func (o *Orchestrator) clearBlockerEscalations(roleID string) {
	o.scheduler.CancelMatching(roleID, escalation.CriticalBlocker, func(subject string) bool {
		return strings.HasPrefix(subject, blockerSubjectPrefix)
	})
}

// onDependencyResolved re-evaluates the role and resumes it when it was
// blocked and is ready again.
func (o *Orchestrator) onDependencyResolved(_ context.Context, role registry.Role, p Payload) error {
	o.clearBlockerEscalations(role.ID)

	if task := p.String("task"); task != "" {
		if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
			s.StartTask(task)
			return nil
		}); err != nil {
			return err
		}
	}

	o.resolveDependents(role.ID)

	st, _ := o.store.Get(role.ID)
	if st.Phase == rolestate.PhaseBlocked && st.Dependencies.ReadyToStart && !o.graph.InCycle(role.ID) {
		if err := o.transition(role.ID, rolestate.PhaseInProgress, ""); err != nil {
			o.logger.WithRole(role.ID).Info("role stays blocked", "error", err)
		}
	}
	o.statusChange(role.ID, fmt.Sprintf("dependency resolved for %s", role.ID), map[string]any{
		"dependency": p.String("dependency"),
	})
	o.save()
	return nil
}

// onManualUpdate applies operator-supplied fields. A phase field is applied
// last, through the guarded transition path.
func (o *Orchestrator) onManualUpdate(ctx context.Context, role registry.Role, p Payload) error {
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		if v, ok := p.Int("progress"); ok {
			s.SetProgress(v)
		}
		if v, ok := p["current_task"].(string); ok {
			s.CurrentTask = v
		}
		if v, ok := p["next_task"].(string); ok {
			s.NextTask = v
		}
		for _, t := range p.Strings("add_tasks") {
			s.AddTask(t)
		}
		if v, ok := p.Bool("resources_available"); ok {
			s.ResourcesAvailable = v
		}
		if v, ok := p.Bool("quality_checks_passed"); ok {
			s.QualityChecksPassed = v
		}
		if v, ok := p.Bool("reviews_approved"); ok {
			s.ReviewsApproved = v
		}
		return nil
	}); err != nil {
		return err
	}
	o.statusChange(role.ID, fmt.Sprintf("%s updated manually", role.ID), nil)
	o.save()

	if target := p.String("phase"); target != "" {
		return o.RequestTransition(ctx, role.ID, rolestate.Phase(target))
	}
	return nil
}

func (o *Orchestrator) onHeartbeat(_ context.Context, role registry.Role, p Payload) error {
	return o.Heartbeat(role.ID, cmp.Or(p.String("status"), "active"))
}

const qualityGateSubject = "quality_gate"

// onQualityGateFailed halts every transition until the gate is cleared.
func (o *Orchestrator) onQualityGateFailed(_ context.Context, role registry.Role, p Payload) error {
	reason := cmp.Or(p.String("reason"), "quality gate failed")
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		s.QualityChecksPassed = false
		return nil
	}); err != nil {
		return err
	}

	o.haltMu.Lock()
	o.halt = &rolestate.Halt{RoleID: role.ID, Reason: reason, Since: o.now()}
	o.haltMu.Unlock()

	o.logger.WithRole(role.ID).Error("pipeline halted", "reason", reason)
	o.bus.Publish(event.NewPipelineHaltedEvent(role.ID, reason))
	o.scheduler.Arm(
		escalation.Key{RoleID: role.ID, Condition: escalation.CriticalBlocker, Subject: qualityGateSubject},
		0,
		o.targets.ForCondition(escalation.CriticalBlocker, role.ReportsTo, escalation.ConcernProcess),
		"quality gate failed: "+reason,
	)
	o.save()
	return nil
}

// onQualityGateCleared lifts the halt. Clearing without a halt is a no-op.
func (o *Orchestrator) onQualityGateCleared(_ context.Context, role registry.Role, p Payload) error {
	o.haltMu.Lock()
	h := o.halt
	o.halt = nil
	o.haltMu.Unlock()
	if h == nil {
		return nil
	}

	if _, err := o.update(h.RoleID, func(s *rolestate.RoleState) error {
		s.QualityChecksPassed = true
		return nil
	}); err != nil {
		o.logger.Warn("reset quality checks", "role_id", h.RoleID, "error", err)
	}
	o.scheduler.Cancel(escalation.Key{RoleID: h.RoleID, Condition: escalation.CriticalBlocker, Subject: qualityGateSubject})

	reason := cmp.Or(p.String("reason"), "cleared by "+role.ID)
	o.logger.WithRole(role.ID).Info("pipeline cleared", "halted_by", h.RoleID, "reason", reason)
	o.bus.Publish(event.NewPipelineClearedEvent(h.RoleID, reason))
	o.save()
	return nil
}

// onRollbackRequest asks the arbiter whether a completed or in-review role
// may go back to in_progress.
func (o *Orchestrator) onRollbackRequest(_ context.Context, role registry.Role, p Payload) error {
	st, _ := o.store.Get(role.ID)
	if st.Phase != rolestate.PhaseCompleted && st.Phase != rolestate.PhaseReview {
		return errors.NewValidationError("only completed or review roles can be rolled back").
			WithField("phase").WithValue(string(st.Phase))
	}
	reason := cmp.Or(p.String("reason"), "rework requested")

	_, err := o.RequestDecision(decision.Request{
		Level:          decision.LevelApproval,
		Title:          fmt.Sprintf("Roll %s back from %s to in_progress?", role.ID, st.Phase),
		Description:    reason,
		RequestingRole: role.ID,
		Options: []decision.Option{
			{ID: "approve", Label: "Roll back", Event: string(EventRollbackApproved)},
			{ID: "reject", Label: "Keep " + string(st.Phase)},
		},
		DefaultOption: "reject",
	})
	return err
}

func (o *Orchestrator) onRollbackApproved(_ context.Context, role registry.Role, _ Payload) error {
	st, _ := o.store.Get(role.ID)
	if st.Phase != rolestate.PhaseCompleted && st.Phase != rolestate.PhaseReview {
		return nil
	}
	if err := o.transition(role.ID, rolestate.PhaseInProgress, ""); err != nil {
		return err
	}
	if _, err := o.update(role.ID, func(s *rolestate.RoleState) error {
		s.ReviewsApproved = false
		return nil
	}); err != nil {
		return err
	}
	o.save()
	return nil
}
