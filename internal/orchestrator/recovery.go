package orchestrator

import (
	"fmt"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/escalation"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/Iron-Ham/troupe/internal/notify"
	"github.com/Iron-Ham/troupe/internal/rolestate"
	"github.com/Iron-Ham/troupe/internal/supervisor"
)

// Recovery actions taken when a worker becomes unavailable.
const (
	RecoveryReassign = "reassign"
	RecoveryEscalate = "escalate"
)

// onUnavailable is the recovery policy for a lost worker: reassign while the
// role has restarts left, otherwise escalate. Dependents are told either way.
func (o *Orchestrator) onUnavailable(w supervisor.Worker, cause error) {
	st, ok := o.store.Get(w.RoleID)
	if !ok {
		return
	}
	role, _ := o.reg.Role(w.RoleID)
	log := o.logger.WithRole(w.RoleID)

	recovery := RecoveryEscalate
	if o.launcher != nil && !w.External && !st.Archived &&
		st.Phase.Active() && st.Restarts < o.cfg.Supervisor.MaxRestarts {
		recovery = RecoveryReassign
	}
	log.Warn("role unavailable",
		"worker_id", w.WorkerID,
		"last_heartbeat", w.LastHeartbeat,
		"recovery", recovery,
		"error", cause,
	)
	o.bus.Publish(event.NewRoleUnavailableEvent(w.RoleID, w.LastHeartbeat, recovery))

	o.notify(notify.Notification{
		Kind:   mailbox.MessageBlockerEncountered,
		Source: w.RoleID,
		Body:   cause.Error(),
		Metadata: map[string]any{
			"type":      BlockerRoleUnavailable,
			"worker_id": w.WorkerID,
			"recovery":  recovery,
		},
	})

	if recovery == RecoveryReassign {
		if _, err := o.store.Update(w.RoleID, func(s *rolestate.RoleState) error {
			s.Restarts++
			return nil
		}); err != nil {
			log.Warn("count restart", "error", err)
		}
		o.save()
		if err := o.super.Restart(o.runContext(), w.RoleID); err != nil {
			log.Error("reassign failed", "error", err)
			o.escalateUnavailable(w, role.ReportsTo, fmt.Sprintf("%v; reassign failed: %v", cause, err))
		}
	} else {
		o.escalateUnavailable(w, role.ReportsTo, cause.Error())
	}
	o.save()
}

func (o *Orchestrator) escalateUnavailable(w supervisor.Worker, reportsTo, reason string) {
	o.scheduler.Arm(
		escalation.Key{RoleID: w.RoleID, Condition: escalation.CriticalBlocker, Subject: "role_unavailable:" + w.WorkerID},
		0,
		o.targets.ForCondition(escalation.CriticalBlocker, reportsTo, escalation.ConcernResource),
		reason,
	)
}

// onEscalation routes a fired escalation to its target.
func (o *Orchestrator) onEscalation(f escalation.Firing) {
	log := o.logger.WithRole(f.RoleID)
	if f.Target == "" {
		log.Warn("escalation has no target", "condition", string(f.Condition), "subject", f.Subject)
		return
	}
	log.Warn("escalation fired",
		"condition", string(f.Condition),
		"subject", f.Subject,
		"target", f.Target,
		"elapsed", f.Elapsed,
	)
	o.bus.Publish(event.NewEscalationFiredEvent(f.RoleID, string(f.Condition), f.Subject, f.Target, f.Elapsed))

	o.notify(notify.Notification{
		ID:       fmt.Sprintf("escalation:%s:%s:%s:%d", f.RoleID, f.Condition, f.Subject, f.ArmedAt.UnixNano()),
		Kind:     mailbox.MessageEscalation,
		Source:   f.RoleID,
		Explicit: []string{f.Target},
		Body:     f.Reason,
		Metadata: map[string]any{
			"condition": string(f.Condition),
			"subject":   f.Subject,
			"elapsed":   f.Elapsed.String(),
		},
	})
}

// workerSink receives what launched workers report over their protocol.
type workerSink struct{ o *Orchestrator }

func (s workerSink) Heartbeat(roleID string, status supervisor.Status) {
	s.o.super.Heartbeat(roleID, status)
}

func (s workerSink) WorkerEvent(roleID, eventType string, payload map[string]any) {
	err := s.o.ReportEvent(s.o.runContext(), roleID, EventType(eventType), Payload(payload))
	if err == nil {
		return
	}
	log := s.o.logger.WithRole(roleID)
	switch {
	case errors.IsRejection(err):
		log.Info("worker event rejected", "type", eventType, "error", err)
	case errors.GetSeverity(err) >= errors.SeverityCritical:
		log.Error("worker event failed", "type", eventType, "error", err)
	default:
		log.Warn("worker event ignored", "type", eventType, "error", err)
	}
}
