package event

import "time"

// Event is the interface that all events must implement.
type Event interface {
	// EventType returns a string identifier for this event type.
	// Convention: "category.action" (e.g., "role.phase_changed")
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// Event type identifiers published by the core.
const (
	TypePhaseChanged         = "role.phase_changed"
	TypeTransitionRejected   = "role.transition_rejected"
	TypeReadinessChanged     = "role.readiness_changed"
	TypeRoleUnavailable      = "role.unavailable"
	TypeNotificationDelivery = "notification.delivered"
	TypeEscalationFired      = "escalation.fired"
	TypeWorkerStatusChanged  = "worker.status_changed"
	TypeDependencyCycle      = "dependency.cycle"
	TypePipelineHalted       = "pipeline.halted"
	TypePipelineCleared      = "pipeline.cleared"
	TypeDecisionCreated      = "decision.created"
	TypeDecisionResolved     = "decision.resolved"
)

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Role Events
// -----------------------------------------------------------------------------

// PhaseChangedEvent is emitted after a transition has been applied.
type PhaseChangedEvent struct {
	baseEvent
	RoleID string `json:"role_id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// NewPhaseChangedEvent creates a PhaseChangedEvent.
func NewPhaseChangedEvent(roleID, from, to string) PhaseChangedEvent {
	return PhaseChangedEvent{
		baseEvent: newBaseEvent(TypePhaseChanged),
		RoleID:    roleID,
		From:      from,
		To:        to,
	}
}

// TransitionRejectedEvent is emitted when a transition request fails.
type TransitionRejectedEvent struct {
	baseEvent
	RoleID string `json:"role_id"`
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
	Guard  string `json:"guard,omitempty"`
}

// NewTransitionRejectedEvent creates a TransitionRejectedEvent.
func NewTransitionRejectedEvent(roleID, from, to, guard, reason string) TransitionRejectedEvent {
	return TransitionRejectedEvent{
		baseEvent: newBaseEvent(TypeTransitionRejected),
		RoleID:    roleID,
		From:      from,
		To:        to,
		Guard:     guard,
		Reason:    reason,
	}
}

// ReadinessChangedEvent is emitted when a role's ready_to_start flips.
type ReadinessChangedEvent struct {
	baseEvent
	RoleID     string   `json:"role_id"`
	Ready      bool     `json:"ready"`
	WaitingFor []string `json:"waiting_for"`
}

// NewReadinessChangedEvent creates a ReadinessChangedEvent.
func NewReadinessChangedEvent(roleID string, ready bool, waitingFor []string) ReadinessChangedEvent {
	return ReadinessChangedEvent{
		baseEvent:  newBaseEvent(TypeReadinessChanged),
		RoleID:     roleID,
		Ready:      ready,
		WaitingFor: waitingFor,
	}
}

// RoleUnavailableEvent is emitted when a worker's heartbeat is lost.
type RoleUnavailableEvent struct {
	baseEvent
	RoleID        string    `json:"role_id"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Recovery      string    `json:"recovery"` // "reassign" or "escalate"
}

// NewRoleUnavailableEvent creates a RoleUnavailableEvent.
func NewRoleUnavailableEvent(roleID string, lastHeartbeat time.Time, recovery string) RoleUnavailableEvent {
	return RoleUnavailableEvent{
		baseEvent:     newBaseEvent(TypeRoleUnavailable),
		RoleID:        roleID,
		LastHeartbeat: lastHeartbeat,
		Recovery:      recovery,
	}
}

// -----------------------------------------------------------------------------
// Routing and Escalation Events
// -----------------------------------------------------------------------------

// NotificationDeliveredEvent is emitted once per (event, target) delivery.
type NotificationDeliveredEvent struct {
	baseEvent
	NotificationID string `json:"notification_id"`
	Kind           string `json:"kind"`
	Source         string `json:"source"`
	Target         string `json:"target"`
	Sequence       uint64 `json:"sequence"`
}

// NewNotificationDeliveredEvent creates a NotificationDeliveredEvent.
func NewNotificationDeliveredEvent(id, kind, source, target string, seq uint64) NotificationDeliveredEvent {
	return NotificationDeliveredEvent{
		baseEvent:      newBaseEvent(TypeNotificationDelivery),
		NotificationID: id,
		Kind:           kind,
		Source:         source,
		Target:         target,
		Sequence:       seq,
	}
}

// EscalationFiredEvent is emitted when an escalation timer fires.
type EscalationFiredEvent struct {
	baseEvent
	RoleID    string        `json:"role_id"`
	Condition string        `json:"condition"`
	Subject   string        `json:"subject,omitempty"`
	Target    string        `json:"target"`
	Elapsed   time.Duration `json:"elapsed"`
}

// NewEscalationFiredEvent creates an EscalationFiredEvent.
func NewEscalationFiredEvent(roleID, condition, subject, target string, elapsed time.Duration) EscalationFiredEvent {
	return EscalationFiredEvent{
		baseEvent: newBaseEvent(TypeEscalationFired),
		RoleID:    roleID,
		Condition: condition,
		Subject:   subject,
		Target:    target,
		Elapsed:   elapsed,
	}
}

// DependencyCycleEvent is emitted once per newly detected cycle.
type DependencyCycleEvent struct {
	baseEvent
	RoleIDs []string `json:"role_ids"`
}

// NewDependencyCycleEvent creates a DependencyCycleEvent.
func NewDependencyCycleEvent(roleIDs []string) DependencyCycleEvent {
	return DependencyCycleEvent{
		baseEvent: newBaseEvent(TypeDependencyCycle),
		RoleIDs:   roleIDs,
	}
}

// -----------------------------------------------------------------------------
// Worker Events
// -----------------------------------------------------------------------------

// WorkerStatusChangedEvent is emitted on every worker status change.
type WorkerStatusChangedEvent struct {
	baseEvent
	RoleID   string `json:"role_id"`
	WorkerID string `json:"worker_id"`
	From     string `json:"from"`
	To       string `json:"to"`
}

// NewWorkerStatusChangedEvent creates a WorkerStatusChangedEvent.
func NewWorkerStatusChangedEvent(roleID, workerID, from, to string) WorkerStatusChangedEvent {
	return WorkerStatusChangedEvent{
		baseEvent: newBaseEvent(TypeWorkerStatusChanged),
		RoleID:    roleID,
		WorkerID:  workerID,
		From:      from,
		To:        to,
	}
}

// -----------------------------------------------------------------------------
// Pipeline and Decision Events
// -----------------------------------------------------------------------------

// PipelineEvent is emitted when a quality gate halts or releases the pipeline.
type PipelineEvent struct {
	baseEvent
	RoleID string `json:"role_id"`
	Reason string `json:"reason"`
}

// NewPipelineHaltedEvent creates a pipeline.halted PipelineEvent.
func NewPipelineHaltedEvent(roleID, reason string) PipelineEvent {
	return PipelineEvent{baseEvent: newBaseEvent(TypePipelineHalted), RoleID: roleID, Reason: reason}
}

// NewPipelineClearedEvent creates a pipeline.cleared PipelineEvent.
func NewPipelineClearedEvent(roleID, reason string) PipelineEvent {
	return PipelineEvent{baseEvent: newBaseEvent(TypePipelineCleared), RoleID: roleID, Reason: reason}
}

// DecisionEvent is emitted when a decision is created or resolved.
type DecisionEvent struct {
	baseEvent
	DecisionID string `json:"decision_id"`
	Level      string `json:"level"`
	RoleID     string `json:"role_id"`
	OptionID   string `json:"option_id,omitempty"`
}

// NewDecisionCreatedEvent creates a decision.created DecisionEvent.
func NewDecisionCreatedEvent(id, level, roleID string) DecisionEvent {
	return DecisionEvent{baseEvent: newBaseEvent(TypeDecisionCreated), DecisionID: id, Level: level, RoleID: roleID}
}

// NewDecisionResolvedEvent creates a decision.resolved DecisionEvent.
func NewDecisionResolvedEvent(id, level, roleID, optionID string) DecisionEvent {
	return DecisionEvent{
		baseEvent:  newBaseEvent(TypeDecisionResolved),
		DecisionID: id,
		Level:      level,
		RoleID:     roleID,
		OptionID:   optionID,
	}
}
