package rolestate

import (
	"sync"
	"time"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/registry"
)

// record pairs a RoleState with its single-writer lock.
type record struct {
	mu    sync.Mutex
	state RoleState
}

// Store owns one RoleState per registered role.
//
// The map itself never changes after construction, so per-role locks are the
// only synchronization on the mutation path. No method holds more than one
// role lock at a time.
type Store struct {
	records map[string]*record
	order   []string
	now     func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source used for last_updated.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates the initial planning state of every role in reg.
func NewStore(reg *registry.Registry, opts ...StoreOption) *Store {
	s := &Store{
		records: make(map[string]*record, reg.Len()),
		order:   reg.IDs(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	for _, role := range reg.Roles() {
		st := New(role.ID, role.Deliverables, now)
		st.Normalize()
		s.records[role.ID] = &record{state: st}
	}
	return s
}

// IDs returns the role ids in registry order.
func (s *Store) IDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Get returns a copy of one role's state.
func (s *Store) Get(roleID string) (RoleState, bool) {
	rec, ok := s.records[roleID]
	if !ok {
		return RoleState{}, false
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.state.Clone(), true
}

// Update applies fn to a private copy of the role's state under the role's
// lock. The copy is committed, stamped with last_updated, only when fn
// returns nil; otherwise the stored state is unchanged and fn's error is
// returned. The committed state is returned either way.
func (s *Store) Update(roleID string, fn func(*RoleState) error) (RoleState, error) {
	rec, ok := s.records[roleID]
	if !ok {
		return RoleState{}, errors.NewNotFoundError("role", roleID).WithCause(errors.ErrRoleNotFound)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	working := rec.state.Clone()
	if err := fn(&working); err != nil {
		return rec.state.Clone(), err
	}
	working.RoleID = roleID
	working.Normalize()
	working.LastUpdated = s.now()
	rec.state = working
	return working.Clone(), nil
}

// Snapshot returns copies of every state in registry order. Each record is
// read under its own lock, one at a time.
func (s *Store) Snapshot() []RoleState {
	out := make([]RoleState, 0, len(s.order))
	for _, id := range s.order {
		st, _ := s.Get(id)
		out = append(out, st)
	}
	return out
}

// View returns the snapshot keyed by role id.
func (s *Store) View() map[string]RoleState {
	view := make(map[string]RoleState, len(s.order))
	for _, st := range s.Snapshot() {
		view[st.RoleID] = st
	}
	return view
}

// Restore replaces the stored states of known roles. States for roles that
// are no longer registered are returned as skipped.
func (s *Store) Restore(states []RoleState) (skipped []string) {
	for _, st := range states {
		rec, ok := s.records[st.RoleID]
		if !ok {
			skipped = append(skipped, st.RoleID)
			continue
		}
		st = st.Clone()
		st.Normalize()
		if !st.Phase.Valid() {
			st.Phase = PhasePlanning
		}
		rec.mu.Lock()
		rec.state = st
		rec.mu.Unlock()
	}
	return skipped
}

// OverallProgress is the mean progress across all roles.
func (s *Store) OverallProgress() float64 {
	if len(s.order) == 0 {
		return 0
	}
	total := 0
	for _, st := range s.Snapshot() {
		total += st.ProgressPercentage
	}
	return float64(total) / float64(len(s.order))
}
