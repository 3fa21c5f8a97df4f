package decision

import (
	"slices"
	"time"
)

// Level controls whether a decision waits for a human.
type Level string

const (
	LevelAuto     Level = "auto"
	LevelNotify   Level = "notify"
	LevelApproval Level = "approval"
	LevelCritical Level = "critical"
)

// Levels returns every level, lowest first.
func Levels() []Level {
	return []Level{LevelAuto, LevelNotify, LevelApproval, LevelCritical}
}

// Valid reports whether l is a known level.
func (l Level) Valid() bool {
	return slices.Contains(Levels(), l)
}

// Waits reports whether decisions at this level stay pending until resolved.
func (l Level) Waits() bool {
	return l == LevelApproval || l == LevelCritical
}

// Option is one possible answer. Event, when set, is the event type the core
// reports on behalf of the requesting role once this option is chosen.
type Option struct {
	ID      string         `json:"id" yaml:"id"`
	Label   string         `json:"label" yaml:"label"`
	Event   string         `json:"event,omitempty" yaml:"event,omitempty"`
	Payload map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// How a decision was resolved.
const (
	ResolvedByArbiter  = "arbiter"
	ResolvedByLevel    = "level"
	ResolvedByDeadline = "deadline"
)

// Decision is a question awaiting, or having received, an answer.
type Decision struct {
	ID             string    `json:"id"`
	Level          Level     `json:"level"`
	Title          string    `json:"title"`
	Description    string    `json:"description,omitempty"`
	Options        []Option  `json:"options"`
	DefaultOption  string    `json:"default_option"`
	RequestingRole string    `json:"requesting_role"`
	CreatedAt      time.Time `json:"created_at"`
	Deadline       time.Time `json:"deadline,omitzero"`
	Resolved       bool      `json:"resolved"`
	ChosenOption   string    `json:"chosen_option,omitempty"`
	ResolvedAt     time.Time `json:"resolved_at,omitzero"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
}

// Option returns the option with the given id.
func (d Decision) Option(id string) (Option, bool) {
	for _, o := range d.Options {
		if o.ID == id {
			return o, true
		}
	}
	return Option{}, false
}

// Overdue reports whether a pending decision's deadline has passed at now.
func (d Decision) Overdue(now time.Time) bool {
	return !d.Resolved && !d.Deadline.IsZero() && !now.Before(d.Deadline)
}

func (d Decision) clone() Decision {
	d.Options = slices.Clone(d.Options)
	return d
}

// Request describes a decision to create.
type Request struct {
	Level          Level
	Title          string
	Description    string
	Options        []Option
	RequestingRole string
	// DefaultOption is chosen by auto/notify levels and on deadline expiry.
	// Empty means the first option.
	DefaultOption string
	// Deadline overrides the book's default deadline. Negative means none.
	Deadline time.Duration
}

// Resolution pairs a resolved decision with the chosen option.
type Resolution struct {
	Decision Decision
	Option   Option
}
