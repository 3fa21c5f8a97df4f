package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/Iron-Ham/troupe/internal/event"
)

const (
	defaultPollInterval = 500 * time.Millisecond
)

// Mailbox wraps a Store with bus publication and inbox following.
type Mailbox struct {
	store        *Store
	bus          *event.Bus
	pollInterval time.Duration
}

// NewMailbox creates a Mailbox backed by a file store in the given state directory.
func NewMailbox(stateDir string, opts ...Option) *Mailbox {
	m := &Mailbox{
		store:        NewStore(stateDir),
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Send delivers a message. It reports whether the message was new; a
// redelivery of the same event to the same recipient returns false.
func (m *Mailbox) Send(msg Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = DeliveryID(msg.EventID, msg.To)
	}
	delivered, err := m.store.Send(msg)
	if err != nil || !delivered {
		return delivered, err
	}
	if m.bus != nil {
		m.bus.Publish(event.NewNotificationDeliveredEvent(msg.ID, string(msg.Type), msg.From, msg.To, msg.Seq))
	}
	return true, nil
}

// Receive returns every message in a role's inbox in delivery order.
func (m *Mailbox) Receive(roleID string) ([]Message, error) {
	return m.store.ReadForRole(roleID)
}

// Recipients lists the roles with an inbox.
func (m *Mailbox) Recipients() ([]string, error) {
	return m.store.Recipients()
}

// maxFollowErrors is the number of consecutive failed reads Follow
// tolerates before giving up.
const maxFollowErrors = 5

// Follow delivers every message that reaches roleID's inbox after the call,
// in inbox order, until ctx is done. Messages rejected by opts are skipped;
// opts.MaxMessages is ignored. The inbox is re-read every poll interval.
func (m *Mailbox) Follow(ctx context.Context, roleID string, opts FilterOptions, handler func(Message)) error {
	opts.MaxMessages = 0

	current, err := m.Receive(roleID)
	if err != nil {
		return err
	}
	seen := len(current)

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		messages, err := m.Receive(roleID)
		if err != nil {
			failures++
			if failures >= maxFollowErrors {
				return fmt.Errorf("follow inbox %s: %w", roleID, err)
			}
			continue
		}
		failures = 0

		if len(messages) <= seen {
			continue
		}
		for _, msg := range Filter(messages[seen:], opts) {
			handler(msg)
		}
		seen = len(messages)
	}
}
