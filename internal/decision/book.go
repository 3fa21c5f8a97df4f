package decision

import (
	"cmp"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/logging"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

const fileName = "decisions.json"

// BookOption configures a Book.
type BookOption func(*Book)

// WithBus publishes decision.created and decision.resolved events.
func WithBus(bus *event.Bus) BookOption {
	return func(b *Book) { b.bus = bus }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) BookOption {
	return func(b *Book) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) BookOption {
	return func(b *Book) { b.logger = logger }
}

// WithDefaultDeadline applies to requests that leave Deadline at zero.
func WithDefaultDeadline(d time.Duration) BookOption {
	return func(b *Book) { b.defaultDeadline = d }
}

// Book is the set of decisions for one state directory.
type Book struct {
	mu              sync.Mutex
	dir             string
	decisions       map[string]Decision
	bus             *event.Bus
	now             func() time.Time
	logger          *logging.Logger
	defaultDeadline time.Duration
}

type bookFile struct {
	Decisions []Decision `json:"decisions"`
}

// Open loads the decisions persisted in dir. An empty dir keeps the book in
// memory only.
func Open(dir string, opts ...BookOption) (*Book, error) {
	b := &Book{
		dir:       dir,
		decisions: make(map[string]Decision),
		now:       time.Now,
		logger:    logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if dir == "" {
		return b, nil
	}

	loaded, err := ReadFile(dir)
	if err != nil {
		return nil, err
	}
	for _, d := range loaded {
		b.decisions[d.ID] = d
	}
	return b, nil
}

// ReadFile returns the decisions persisted in dir, oldest first. A missing
// file yields no decisions.
func ReadFile(dir string) ([]Decision, error) {
	fl := rolestate.NewFileLock(dir)
	if err := fl.RLock(); err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()

	data, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read decisions: %w", err)
	}
	var f bookFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal decisions: %w", err)
	}
	sortDecisions(f.Decisions)
	return f.Decisions, nil
}

// Create records a new decision. Auto and notify levels are resolved with
// the default option before Create returns.
func (b *Book) Create(req Request) (Decision, error) {
	if err := validate(req); err != nil {
		return Decision{}, err
	}

	b.mu.Lock()
	now := b.now()
	d := Decision{
		ID:             uuid.NewString(),
		Level:          req.Level,
		Title:          req.Title,
		Description:    req.Description,
		Options:        slices.Clone(req.Options),
		DefaultOption:  req.DefaultOption,
		RequestingRole: req.RequestingRole,
		CreatedAt:      now,
	}
	if d.DefaultOption == "" {
		d.DefaultOption = d.Options[0].ID
	}
	deadline := req.Deadline
	if deadline == 0 {
		deadline = b.defaultDeadline
	}
	if deadline > 0 && req.Level.Waits() {
		d.Deadline = now.Add(deadline)
	}
	if !req.Level.Waits() {
		d.Resolved = true
		d.ChosenOption = d.DefaultOption
		d.ResolvedAt = now
		d.ResolvedBy = ResolvedByLevel
	}
	b.decisions[d.ID] = d
	err := b.saveLocked()
	b.mu.Unlock()

	if err != nil {
		return Decision{}, err
	}

	b.logger.Info("decision created",
		"decision_id", d.ID,
		"level", string(d.Level),
		"role_id", d.RequestingRole,
		"resolved", d.Resolved,
	)
	b.publish(event.NewDecisionCreatedEvent(d.ID, string(d.Level), d.RequestingRole))
	if d.Resolved {
		b.publish(event.NewDecisionResolvedEvent(d.ID, string(d.Level), d.RequestingRole, d.ChosenOption))
	}
	return d.clone(), nil
}

// Resolve answers a pending decision.
func (b *Book) Resolve(id, optionID string) (Resolution, error) {
	return b.resolve(id, optionID, ResolvedByArbiter)
}

func (b *Book) resolve(id, optionID, by string) (Resolution, error) {
	b.mu.Lock()
	d, ok := b.decisions[id]
	if !ok {
		b.mu.Unlock()
		return Resolution{}, errors.NewNotFoundError("decision", id).WithCause(errors.ErrDecisionNotFound)
	}
	if d.Resolved {
		b.mu.Unlock()
		return Resolution{}, errors.NewValidationError(
			fmt.Sprintf("decision %s already resolved with %q", id, d.ChosenOption)).WithField("decision_id")
	}
	opt, ok := d.Option(optionID)
	if !ok {
		b.mu.Unlock()
		return Resolution{}, fmt.Errorf("%w: %s has no option %q", errors.ErrOptionNotFound, id, optionID)
	}

	d.Resolved = true
	d.ChosenOption = optionID
	d.ResolvedAt = b.now()
	d.ResolvedBy = by
	b.decisions[id] = d
	err := b.saveLocked()
	b.mu.Unlock()

	if err != nil {
		return Resolution{}, err
	}

	b.logger.Info("decision resolved",
		"decision_id", id,
		"option", optionID,
		"resolved_by", by,
	)
	b.publish(event.NewDecisionResolvedEvent(d.ID, string(d.Level), d.RequestingRole, optionID))
	return Resolution{Decision: d.clone(), Option: opt}, nil
}

// Expire resolves every pending decision whose deadline has passed at now
// with its default option.
func (b *Book) Expire(now time.Time) []Resolution {
	b.mu.Lock()
	var due []Decision
	for _, d := range b.decisions {
		if d.Overdue(now) {
			due = append(due, d)
		}
	}
	b.mu.Unlock()
	sortDecisions(due)

	var out []Resolution
	for _, d := range due {
		res, err := b.resolve(d.ID, d.DefaultOption, ResolvedByDeadline)
		if err != nil {
			// Resolved concurrently by the arbiter.
			b.logger.Debug("skip expired decision", "decision_id", d.ID, "error", err)
			continue
		}
		out = append(out, res)
	}
	return out
}

// Get returns a copy of the decision with the given id.
func (b *Book) Get(id string) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.decisions[id]
	return d.clone(), ok
}

// Pending returns unresolved decisions, oldest first.
func (b *Book) Pending() []Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Decision
	for _, d := range b.decisions {
		if !d.Resolved {
			out = append(out, d.clone())
		}
	}
	sortDecisions(out)
	return out
}

// All returns every decision, oldest first.
func (b *Book) All() []Decision {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Decision, 0, len(b.decisions))
	for _, d := range b.decisions {
		out = append(out, d.clone())
	}
	sortDecisions(out)
	return out
}

func (b *Book) saveLocked() error {
	if b.dir == "" {
		return nil
	}
	list := make([]Decision, 0, len(b.decisions))
	for _, d := range b.decisions {
		list = append(list, d)
	}
	sortDecisions(list)

	data, err := json.MarshalIndent(bookFile{Decisions: list}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal decisions: %w", err)
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	fl := rolestate.NewFileLock(b.dir)
	if err := fl.Lock(); err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	defer func() { _ = fl.Unlock() }()
	return rolestate.WriteFileAtomic(filepath.Join(b.dir, fileName), data)
}

func (b *Book) publish(e event.Event) {
	if b.bus != nil {
		b.bus.Publish(e)
	}
}

func validate(req Request) error {
	if !req.Level.Valid() {
		return errors.NewValidationError("unknown decision level").WithField("level").WithValue(req.Level)
	}
	if req.Title == "" {
		return errors.NewValidationError("decision title is required").WithField("title")
	}
	if len(req.Options) == 0 {
		return errors.NewValidationError("decision needs at least one option").WithField("options")
	}
	seen := make(map[string]bool, len(req.Options))
	for _, o := range req.Options {
		if o.ID == "" {
			return errors.NewValidationError("option id is required").WithField("options")
		}
		if seen[o.ID] {
			return errors.NewValidationError("duplicate option id").WithField("options").WithValue(o.ID)
		}
		seen[o.ID] = true
	}
	if req.DefaultOption != "" && !seen[req.DefaultOption] {
		return errors.NewValidationError("default option is not among the options").
			WithField("default_option").WithValue(req.DefaultOption)
	}
	return nil
}

func sortDecisions(ds []Decision) {
	slices.SortFunc(ds, func(a, b Decision) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
}
