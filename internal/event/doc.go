// Package event provides a synchronous pub-sub bus and the observable event
// types published by the orchestration core.
//
// Events here are facts about what the core already did (a phase changed, a
// notification was delivered, an escalation fired). They are not the inputs
// that drive the core; those enter through the orchestrator's ReportEvent.
//
// # Main Types
//
//   - [Event]: Interface that all events must implement, providing EventType() and Timestamp()
//   - [Bus]: Synchronous pub-sub event dispatcher with thread-safe operations
//   - [Handler]: Function type for event handlers (func(Event))
//
// # Usage
//
//	bus := event.NewBus(logger)
//	bus.Subscribe(event.TypeEscalationFired, func(e event.Event) {
//	    fired := e.(event.EscalationFiredEvent)
//	    log.Info("escalated", "role", fired.RoleID, "condition", fired.Condition)
//	})
package event
