// Package escalation tracks how long blocking conditions persist and fires
// an escalation once a condition outlives its threshold.
//
// A timer is keyed by (role, condition, subject). Arming an already armed
// key keeps the original start time; cancelling removes the timer so the
// next arm starts a fresh episode. A timer fires at most once per episode.
package escalation

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/Iron-Ham/troupe/internal/logging"
)

// Condition names a blocking condition that escalates.
type Condition string

const (
	// BlockedFor24h fires when a role stays in the blocked phase too long.
	BlockedFor24h Condition = "blocked_for_24h"
	// DependencyUnresolved fires when a waiting_for edge persists too long.
	// The subject is the awaited role.
	DependencyUnresolved Condition = "dependency_unresolved_for_48h"
	// CriticalBlocker fires immediately.
	CriticalBlocker Condition = "critical_blocker"
)

// Key identifies one timer.
type Key struct {
	RoleID    string
	Condition Condition
	Subject   string
}

// Timer is an armed escalation.
type Timer struct {
	Key
	ArmedAt   time.Time
	Threshold time.Duration
	Target    string
	Reason    string
}

// Firing is a timer that crossed its threshold.
type Firing struct {
	Timer
	FiredAt time.Time
	Elapsed time.Duration
}

// Handler receives firings. It is called without the scheduler lock held.
type Handler func(Firing)

const defaultScanInterval = time.Minute

type entry struct {
	Timer
	fired bool
}

// Scheduler holds armed timers and fires them.
type Scheduler struct {
	mu      sync.Mutex
	timers  map[Key]*entry
	handler Handler
	now     func() time.Time
	logger  *logging.Logger

	scanInterval time.Duration
	stopFunc     context.CancelFunc
	stopped      chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// WithScanInterval sets how often Start's loop checks timers.
// Zero or negative disables the loop.
func WithScanInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		s.scanInterval = d
	}
}

// WithLogger sets the scheduler's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l.WithComponent("escalation")
	}
}

// New creates a Scheduler that reports firings to handler.
func New(handler Handler, opts ...Option) *Scheduler {
	s := &Scheduler{
		timers:       make(map[Key]*entry),
		handler:      handler,
		now:          time.Now,
		logger:       logging.NopLogger(),
		scanInterval: defaultScanInterval,
		stopped:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Arm starts a timer for key unless one is already armed. A threshold of
// zero or less fires immediately. It reports whether a new episode started.
func (s *Scheduler) Arm(key Key, threshold time.Duration, target, reason string) bool {
	now := s.now()

	s.mu.Lock()
	if _, armed := s.timers[key]; armed {
		s.mu.Unlock()
		return false
	}
	e := &entry{Timer: Timer{Key: key, ArmedAt: now, Threshold: threshold, Target: target, Reason: reason}}
	s.timers[key] = e

	var immediate *Firing
	if threshold <= 0 {
		e.fired = true
		immediate = &Firing{Timer: e.Timer, FiredAt: now}
	}
	s.mu.Unlock()

	s.logger.Debug("escalation timer armed",
		"role_id", key.RoleID, "condition", string(key.Condition), "subject", key.Subject, "threshold", threshold)
	if immediate != nil {
		s.fire(*immediate)
	}
	return true
}

// Cancel removes the timer for key. A cancelled timer never fires and the
// next Arm for the same key starts from zero.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.timers[key]; !ok {
		return false
	}
	delete(s.timers, key)
	return true
}

// CancelRole removes every timer of condition for roleID, whatever the subject.
func (s *Scheduler) CancelRole(roleID string, condition Condition) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.timers {
		if k.RoleID == roleID && k.Condition == condition {
			delete(s.timers, k)
			n++
		}
	}
	return n
}

// CancelMatching removes the timers of condition for roleID whose subject
// satisfies match.
func (s *Scheduler) CancelMatching(roleID string, condition Condition, match func(subject string) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.timers {
		if k.RoleID == roleID && k.Condition == condition && match(k.Subject) {
			delete(s.timers, k)
			n++
		}
	}
	return n
}

// Sync makes the armed subjects of (roleID, condition) match subjects:
// missing ones are armed, stale ones cancelled, existing ones kept.
func (s *Scheduler) Sync(roleID string, condition Condition, subjects []string, threshold time.Duration, target, reason string) {
	s.mu.Lock()
	for k := range s.timers {
		if k.RoleID == roleID && k.Condition == condition && !slices.Contains(subjects, k.Subject) {
			delete(s.timers, k)
		}
	}
	s.mu.Unlock()

	for _, subj := range subjects {
		s.Arm(Key{RoleID: roleID, Condition: condition, Subject: subj}, threshold, target, reason)
	}
}

// Check fires every unfired timer whose elapsed time has reached its
// threshold at now, and returns the firings in arm order. A timer cancelled
// by an earlier handler in the same pass is skipped.
func (s *Scheduler) Check(now time.Time) []Firing {
	type dueEntry struct {
		e *entry
		f Firing
	}

	s.mu.Lock()
	var due []dueEntry
	for _, e := range s.timers {
		if e.fired {
			continue
		}
		elapsed := now.Sub(e.ArmedAt)
		if elapsed >= e.Threshold {
			e.fired = true
			due = append(due, dueEntry{e: e, f: Firing{Timer: e.Timer, FiredAt: now, Elapsed: elapsed}})
		}
	}
	s.mu.Unlock()

	slices.SortFunc(due, func(a, b dueEntry) int {
		if c := a.f.ArmedAt.Compare(b.f.ArmedAt); c != 0 {
			return c
		}
		return cmp.Or(cmp.Compare(a.f.RoleID, b.f.RoleID), cmp.Compare(a.f.Subject, b.f.Subject))
	})

	var fired []Firing
	for _, d := range due {
		s.mu.Lock()
		live := s.timers[d.f.Key] == d.e
		s.mu.Unlock()
		if !live {
			continue
		}
		s.fire(d.f)
		fired = append(fired, d.f)
	}
	return fired
}

func (s *Scheduler) fire(f Firing) {
	s.logger.Info("escalation fired",
		"role_id", f.RoleID, "condition", string(f.Condition), "subject", f.Subject,
		"target", f.Target, "elapsed", f.Elapsed.String())
	if s.handler != nil {
		s.handler(f)
	}
}

// Armed returns a snapshot of all timers, including fired ones still armed.
func (s *Scheduler) Armed() []Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Timer, 0, len(s.timers))
	for _, e := range s.timers {
		out = append(out, e.Timer)
	}
	slices.SortFunc(out, func(a, b Timer) int {
		return cmp.Or(
			cmp.Compare(a.RoleID, b.RoleID),
			cmp.Compare(a.Condition, b.Condition),
			cmp.Compare(a.Subject, b.Subject),
		)
	})
	return out
}

// Start runs Check on every scan interval until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopFunc = cancel
	go s.loop(ctx)
}

// Stop ends the scan loop. It is safe to call Stop even if Start was never called.
func (s *Scheduler) Stop() {
	if s.stopFunc != nil {
		s.stopFunc()
		<-s.stopped
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.stopped)

	if s.scanInterval <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Check(s.now())
		}
	}
}
