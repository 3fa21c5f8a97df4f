// Package notify routes core events to the inboxes of the roles that must
// hear about them.
//
// Targets come from a static table keyed by event type. Each entry lists
// selectors that are expanded against the role topology at routing time.
// Delivery is idempotent per (event ID, target) and ordered per source role:
// every event from a source gets the next sequence number for that source and
// is delivered to all of its targets before the source's next event.
package notify

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/Iron-Ham/troupe/internal/logging"
	"github.com/Iron-Ham/troupe/internal/mailbox"
)

// Selector names a set of roles relative to the event's source.
type Selector string

const (
	SelectDependents    Selector = "dependents"
	SelectDependencies  Selector = "dependencies"
	SelectBlockingRoles Selector = "blocking_roles"
	SelectManager       Selector = "manager"
	SelectReviewers     Selector = "reviewers"
	SelectSenior        Selector = "senior"
	SelectOwner         Selector = "owner"
	SelectSource        Selector = "source"
	SelectExplicit      Selector = "explicit"
)

// Selectors returns every known selector.
func Selectors() []Selector {
	return []Selector{
		SelectDependents, SelectDependencies, SelectBlockingRoles, SelectManager,
		SelectReviewers, SelectSenior, SelectOwner, SelectSource, SelectExplicit,
	}
}

// Table maps an event type to the selectors that determine its targets.
type Table map[mailbox.MessageType][]Selector

// DefaultTable returns the built-in routing table.
func DefaultTable() Table {
	return Table{
		mailbox.MessageStatusChange:             {SelectDependents, SelectManager},
		mailbox.MessagePhaseChange:              {SelectDependents, SelectManager},
		mailbox.MessageDeliverableReady:         {SelectDependents, SelectReviewers},
		mailbox.MessageBlockerEncountered:       {SelectBlockingRoles, SelectDependents, SelectManager, SelectSenior},
		mailbox.MessageEscalation:               {SelectExplicit},
		mailbox.MessageDeliverableFormatInvalid: {SelectSource, SelectReviewers},
		mailbox.MessageDecisionRequest:          {SelectExplicit},
	}
}

// Merge returns a copy of t with rules replacing the entries they name.
// Unknown event types or selectors are rejected.
func (t Table) Merge(rules map[string][]string) (Table, error) {
	out := maps.Clone(t)
	for kind, names := range rules {
		mt := mailbox.MessageType(kind)
		if !mailbox.ValidateMessageType(mt) {
			return nil, fmt.Errorf("routing: unknown event type %q", kind)
		}
		sels := make([]Selector, 0, len(names))
		for _, n := range names {
			s := Selector(n)
			if !slices.Contains(Selectors(), s) {
				return nil, fmt.Errorf("routing: unknown selector %q for %s", n, kind)
			}
			sels = append(sels, s)
		}
		out[mt] = sels
	}
	return out, nil
}

// Directory answers topology questions for selector expansion.
type Directory interface {
	Dependents(roleID string) []string
	Dependencies(roleID string) []string
	// BlockedBy returns the roles roleID is still waiting for.
	BlockedBy(roleID string) []string
	Manager(roleID string) string
	Reviewers(roleID string) []string
	Senior() string
	Owner() string
}

// Notification is one routed event.
type Notification struct {
	// ID identifies the event. Empty IDs are assigned a UUID.
	ID       string
	Kind     mailbox.MessageType
	Source   string
	Explicit []string
	Body     string
	Metadata map[string]any
}

// Result describes the outcome of routing one notification.
type Result struct {
	EventID   string
	Seq       uint64
	Delivered []string
	// Duplicates lists targets that had already received this event.
	Duplicates []string
}

// Router expands notifications to targets and delivers them.
type Router struct {
	table  Table
	dir    Directory
	mb     *mailbox.Mailbox
	logger *logging.Logger

	mu      sync.Mutex
	sources map[string]*sourceQueue
}

// recentEvents bounds how many event IDs each source remembers for
// sequence reuse. Older redeliveries are still dropped by the mailbox.
const recentEvents = 256

// sourceQueue serializes delivery for one source role.
type sourceQueue struct {
	mu     sync.Mutex
	seq    uint64
	recent map[string]uint64
	order  []string
}

// Option configures a Router.
type Option func(*Router)

// WithTable replaces the routing table.
func WithTable(t Table) Option {
	return func(r *Router) {
		r.table = t
	}
}

// WithLogger sets the router's logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Router) {
		r.logger = l.WithComponent("notify")
	}
}

// NewRouter creates a Router delivering into mb.
func NewRouter(dir Directory, mb *mailbox.Mailbox, opts ...Option) *Router {
	r := &Router{
		table:   DefaultTable(),
		dir:     dir,
		mb:      mb,
		logger:  logging.NopLogger(),
		sources: make(map[string]*sourceQueue),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Targets expands the selectors for n.Kind. The result is de-duplicated,
// keeps selector order and excludes the source unless the source selector
// asked for it.
func (r *Router) Targets(n Notification) []string {
	var out []string
	add := func(ids ...string) {
		for _, id := range ids {
			if id != "" && !slices.Contains(out, id) {
				out = append(out, id)
			}
		}
	}

	selfRequested := false
	for _, sel := range r.table[n.Kind] {
		switch sel {
		case SelectDependents:
			add(r.dir.Dependents(n.Source)...)
		case SelectDependencies:
			add(r.dir.Dependencies(n.Source)...)
		case SelectBlockingRoles:
			add(r.dir.BlockedBy(n.Source)...)
		case SelectManager:
			add(r.dir.Manager(n.Source))
		case SelectReviewers:
			add(r.dir.Reviewers(n.Source)...)
		case SelectSenior:
			add(r.dir.Senior())
		case SelectOwner:
			add(r.dir.Owner())
		case SelectSource:
			selfRequested = true
			add(n.Source)
		case SelectExplicit:
			add(n.Explicit...)
		}
	}

	if !selfRequested && !slices.Contains(n.Explicit, n.Source) {
		out = slices.DeleteFunc(out, func(id string) bool { return id == n.Source })
	}
	return out
}

// Route delivers n to every target. Events from the same source are
// delivered in the order Route is called for them; routing the same event ID
// again re-uses its sequence number and delivers nothing new.
func (r *Router) Route(n Notification) (Result, error) {
	if n.Source == "" {
		return Result{}, fmt.Errorf("notify: notification source is required")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}

	q := r.queue(n.Source)
	q.mu.Lock()
	defer q.mu.Unlock()

	seq := q.sequence(n.ID)
	res := Result{EventID: n.ID, Seq: seq}

	var errs []error
	for _, target := range r.Targets(n) {
		delivered, err := r.mb.Send(mailbox.Message{
			EventID:  n.ID,
			From:     n.Source,
			To:       target,
			Type:     n.Kind,
			Seq:      seq,
			Body:     n.Body,
			Metadata: n.Metadata,
		})
		switch {
		case err != nil:
			errs = append(errs, fmt.Errorf("deliver to %s: %w", target, err))
		case delivered:
			res.Delivered = append(res.Delivered, target)
		default:
			res.Duplicates = append(res.Duplicates, target)
		}
	}

	if len(res.Delivered) > 0 {
		r.logger.Debug("notification routed",
			"event_id", n.ID, "kind", string(n.Kind), "source", n.Source, "seq", seq, "targets", res.Delivered)
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("notify: %d deliveries failed: %w", len(errs), errs[0])
	}
	return res, nil
}

func (r *Router) queue(source string) *sourceQueue {
	r.mu.Lock()
	defer r.mu.Unlock()
	q, ok := r.sources[source]
	if !ok {
		q = &sourceQueue{recent: make(map[string]uint64)}
		r.sources[source] = q
	}
	return q
}

// sequence returns the sequence number for eventID, assigning the next one
// if the event is not among the recent ones. Called with q.mu held.
func (q *sourceQueue) sequence(eventID string) uint64 {
	if seq, ok := q.recent[eventID]; ok {
		return seq
	}
	q.seq++
	if len(q.order) == recentEvents {
		delete(q.recent, q.order[0])
		q.order = q.order[1:]
	}
	q.recent[eventID] = q.seq
	q.order = append(q.order, eventID)
	return q.seq
}
