package mailbox

import "time"

// MessageType identifies the kind of notification delivered to a role.
type MessageType string

const (
	MessageStatusChange             MessageType = "status_change"
	MessagePhaseChange              MessageType = "phase_change"
	MessageDeliverableReady         MessageType = "deliverable_ready"
	MessageBlockerEncountered       MessageType = "blocker_encountered"
	MessageEscalation               MessageType = "escalation"
	MessageDeliverableFormatInvalid MessageType = "deliverable_format_invalid"
	MessageDecisionRequest          MessageType = "decision_request"
)

// Message is one notification in a role's inbox.
type Message struct {
	ID      string      `json:"id"`
	EventID string      `json:"event_id"`
	From    string      `json:"from"`
	To      string      `json:"to"`
	Type    MessageType `json:"type"`
	// Seq is the per-source sequence number of the originating event.
	Seq       uint64         `json:"seq"`
	Body      string         `json:"body"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// DeliveryID is the idempotency key of an event delivered to a recipient.
func DeliveryID(eventID, to string) string {
	return eventID + ":" + to
}

var validMessageTypes = map[MessageType]bool{
	MessageStatusChange:             true,
	MessagePhaseChange:              true,
	MessageDeliverableReady:         true,
	MessageBlockerEncountered:       true,
	MessageEscalation:               true,
	MessageDeliverableFormatInvalid: true,
	MessageDecisionRequest:          true,
}

// ValidateMessageType returns true if the given type is a known message type.
func ValidateMessageType(t MessageType) bool {
	return validMessageTypes[t]
}
