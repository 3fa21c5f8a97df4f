package mailbox

import (
	"time"

	"github.com/Iron-Ham/troupe/internal/event"
)

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithBus attaches an event bus to the Mailbox. When set, a
// NotificationDeliveredEvent is published after every new delivery.
func WithBus(bus *event.Bus) Option {
	return func(m *Mailbox) {
		m.bus = bus
	}
}

// WithPollInterval sets how often Follow re-reads an inbox. Zero or
// negative values keep the default.
func WithPollInterval(d time.Duration) Option {
	return func(m *Mailbox) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithClock overrides the time source used to stamp messages.
func WithClock(now func() time.Time) Option {
	return func(m *Mailbox) {
		m.store.now = now
	}
}
