// Package eventsink forwards core events to NATS so observers outside the
// process (dashboards, audit trails) can follow a run without reading the
// state directory.
//
// Subjects have the form {prefix}.{event type}[.{role id}], for example
// "troupe.role.phase_changed.business_analyst". Payloads are JSON envelopes.
package eventsink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/logging"
)

// Publisher is the subset of *nats.Conn the sink needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Envelope is the JSON body of every published message.
type Envelope struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RoleID    string    `json:"role_id,omitempty"`
	Data      any       `json:"data"`
}

// Sink publishes bus events to a Publisher.
type Sink struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *logging.Logger

	bus   *event.Bus
	subID string
}

// New creates a sink over an existing publisher.
func New(pub Publisher, prefix string, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if prefix == "" {
		prefix = "troupe"
	}
	return &Sink{pub: pub, prefix: prefix, logger: logger.WithComponent("eventsink")}
}

// Connect dials url and returns a sink that owns the connection.
func Connect(url, prefix string, logger *logging.Logger) (*Sink, error) {
	nc, err := nats.Connect(url,
		nats.Name("troupe"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	s := New(nc, prefix, logger)
	s.conn = nc
	return s, nil
}

// Attach subscribes the sink to every event on bus.
func (s *Sink) Attach(bus *event.Bus) {
	s.bus = bus
	s.subID = bus.SubscribeAll(s.Forward)
}

// Forward publishes one event. Failures are logged, never returned: an
// unreachable observer must not affect the core.
func (s *Sink) Forward(e event.Event) {
	roleID := RoleOf(e)
	data, err := json.Marshal(Envelope{
		Type:      e.EventType(),
		Timestamp: e.Timestamp(),
		RoleID:    roleID,
		Data:      e,
	})
	if err != nil {
		s.logger.Warn("marshal event", "type", e.EventType(), "error", err)
		return
	}
	subject := Subject(s.prefix, e.EventType(), roleID)
	if err := s.pub.Publish(subject, data); err != nil {
		s.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

// Close detaches from the bus and drains the owned connection, if any.
func (s *Sink) Close() error {
	if s.bus != nil {
		s.bus.Unsubscribe(s.subID)
		s.bus = nil
	}
	if s.conn != nil {
		return s.conn.Drain()
	}
	return nil
}

// Subject builds the subject for an event type and optional role.
func Subject(prefix, eventType, roleID string) string {
	parts := []string{prefix, eventType}
	if roleID != "" {
		parts = append(parts, token(roleID))
	}
	return strings.Join(parts, ".")
}

// token replaces characters NATS treats as separators or wildcards.
func token(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, s)
}

// RoleOf returns the role an event is about, if any.
func RoleOf(e event.Event) string {
	switch ev := e.(type) {
	case event.PhaseChangedEvent:
		return ev.RoleID
	case event.TransitionRejectedEvent:
		return ev.RoleID
	case event.ReadinessChangedEvent:
		return ev.RoleID
	case event.RoleUnavailableEvent:
		return ev.RoleID
	case event.NotificationDeliveredEvent:
		return ev.Target
	case event.EscalationFiredEvent:
		return ev.RoleID
	case event.WorkerStatusChangedEvent:
		return ev.RoleID
	case event.PipelineEvent:
		return ev.RoleID
	case event.DecisionEvent:
		return ev.RoleID
	}
	return ""
}
