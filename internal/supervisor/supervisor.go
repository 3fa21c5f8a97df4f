package supervisor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/logging"
)

const (
	defaultHeartbeatGrace = 2 * time.Minute
	defaultStopGrace      = 10 * time.Second
	defaultCheckInterval  = 30 * time.Second
)

// UnavailableHandler is told when a running worker stops heartbeating or
// exits on its own. err is an *errors.UnavailableError.
type UnavailableHandler func(w Worker, err error)

type intentKind int

const (
	intentStart intentKind = iota + 1
	intentStop
)

type worker struct {
	Worker
	handle Handle
}

// Supervisor tracks one worker per role.
type Supervisor struct {
	launcher Launcher
	sink     Sink
	bus      *event.Bus
	logger   *logging.Logger
	now      func() time.Time

	heartbeatGrace time.Duration
	stopGrace      time.Duration
	checkInterval  time.Duration
	onUnavailable  UnavailableHandler

	mu      sync.Mutex
	workers map[string]*worker
	intents map[string]intentKind
	wake    chan struct{}

	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// WithHeartbeat sets the grace period after which a silent worker is in
// error and the interval at which heartbeats are checked.
func WithHeartbeat(grace, checkInterval time.Duration) Option {
	return func(s *Supervisor) {
		if grace > 0 {
			s.heartbeatGrace = grace
		}
		s.checkInterval = checkInterval
	}
}

// WithStopGrace sets how long a graceful stop may take before a forced kill.
func WithStopGrace(d time.Duration) Option {
	return func(s *Supervisor) { s.stopGrace = d }
}

// WithBus publishes worker status changes on bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Supervisor) { s.bus = bus }
}

// WithLogger sets the supervisor's logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Supervisor) { s.logger = l.WithComponent("supervisor") }
}

// OnUnavailable registers the recovery callback.
func OnUnavailable(h UnavailableHandler) Option {
	return func(s *Supervisor) { s.onUnavailable = h }
}

// New creates a Supervisor. launcher may be nil, in which case only
// external workers reporting heartbeats are tracked.
func New(launcher Launcher, sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		launcher:       launcher,
		sink:           sink,
		logger:         logging.NopLogger(),
		now:            time.Now,
		heartbeatGrace: defaultHeartbeatGrace,
		stopGrace:      defaultStopGrace,
		checkInterval:  defaultCheckInterval,
		workers:        make(map[string]*worker),
		intents:        make(map[string]intentKind),
		wake:           make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RequestStart records an intent to start roleID's worker. It replaces any
// pending intent for the role.
func (s *Supervisor) RequestStart(roleID string) {
	s.request(roleID, intentStart)
}

// RequestStop records an intent to stop roleID's worker. It replaces any
// pending intent for the role.
func (s *Supervisor) RequestStop(roleID string) {
	s.request(roleID, intentStop)
}

func (s *Supervisor) request(roleID string, kind intentKind) {
	s.mu.Lock()
	if prev, ok := s.intents[roleID]; ok && prev != kind {
		s.logger.Debug("superseding pending intent", "role_id", roleID)
	}
	s.intents[roleID] = kind
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Pending returns the roles with an unserved intent.
func (s *Supervisor) Pending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.intents))
	for id := range s.intents {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Flush serves every pending intent now.
func (s *Supervisor) Flush(ctx context.Context) {
	s.mu.Lock()
	intents := s.intents
	s.intents = make(map[string]intentKind)
	s.mu.Unlock()

	ids := make([]string, 0, len(intents))
	for id := range intents {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		var err error
		switch intents[id] {
		case intentStart:
			err = s.start(ctx, id)
		case intentStop:
			err = s.stop(id)
		}
		if err != nil && !errors.Is(err, errors.ErrWorkerAlreadyRunning) && !errors.Is(err, errors.ErrWorkerNotRunning) {
			s.logger.Warn("worker intent failed", "role_id", id, "error", err)
		}
	}
}

// Restart stops roleID's worker if running and starts a new one.
func (s *Supervisor) Restart(ctx context.Context, roleID string) error {
	if err := s.stop(roleID); err != nil && !errors.Is(err, errors.ErrWorkerNotRunning) {
		return err
	}
	return s.start(ctx, roleID)
}

func (s *Supervisor) start(ctx context.Context, roleID string) error {
	if s.launcher == nil {
		return errors.Wrap(errors.ErrWorkerStartFailed, "no launcher configured")
	}

	s.mu.Lock()
	w, ok := s.workers[roleID]
	if ok && w.Status.Running() {
		s.mu.Unlock()
		return errors.ErrWorkerAlreadyRunning
	}
	if !ok {
		w = &worker{Worker: Worker{RoleID: roleID}}
		s.workers[roleID] = w
	}
	w.Attempts++
	workerID := uuid.New().String()
	stale := w.handle
	w.handle = nil
	s.mu.Unlock()

	// A worker in error may still be alive but silent.
	if stale != nil {
		_ = stale.Stop(s.stopGrace)
	}

	h, err := s.launcher.Launch(ctx, roleID, workerID, s.sink)
	if err != nil {
		s.setStatus(roleID, StatusError)
		return fmt.Errorf("%w: %w", errors.ErrWorkerStartFailed, err)
	}

	now := s.now()
	s.mu.Lock()
	w.WorkerID = workerID
	w.handle = h
	w.StartedAt = now
	w.LastHeartbeat = now
	w.External = false
	s.mu.Unlock()
	s.setStatus(roleID, StatusActive)

	s.wg.Go(func() { s.watchExit(roleID, h) })
	return nil
}

func (s *Supervisor) stop(roleID string) error {
	s.mu.Lock()
	w, ok := s.workers[roleID]
	if !ok || w.Status == StatusStopped {
		s.mu.Unlock()
		return errors.ErrWorkerNotRunning
	}
	h := w.handle
	w.handle = nil
	s.mu.Unlock()

	// Mark stopped first so the exit watcher treats the exit as requested.
	s.setStatus(roleID, StatusStopped)
	if h != nil {
		if err := h.Stop(s.stopGrace); err != nil {
			return err
		}
	}
	return nil
}

// watchExit reports a worker that exits without being asked to.
func (s *Supervisor) watchExit(roleID string, h Handle) {
	<-h.Done()

	s.mu.Lock()
	w, ok := s.workers[roleID]
	if !ok || w.handle != h {
		s.mu.Unlock()
		return
	}
	w.handle = nil
	snap := w.Worker
	s.mu.Unlock()

	s.logger.Warn("worker exited unexpectedly", "role_id", roleID, "error", h.Err())
	s.markUnavailable(snap, h.Err())
}

// Heartbeat records liveness for roleID. A role without a known worker is
// tracked as an external worker. Heartbeats from a worker that was asked to
// stop do not revive it.
func (s *Supervisor) Heartbeat(roleID string, status Status) {
	now := s.now()
	s.mu.Lock()
	w, ok := s.workers[roleID]
	if !ok {
		w = &worker{Worker: Worker{RoleID: roleID, WorkerID: "external-" + roleID, StartedAt: now, External: true}}
		s.workers[roleID] = w
	}
	w.LastHeartbeat = now
	prev := w.Status
	ignore := ok && !w.External && prev == StatusStopped
	s.mu.Unlock()

	if ignore || prev == status {
		return
	}
	if prev == StatusError {
		s.logger.Info("worker recovered", "role_id", roleID)
	}
	s.setStatus(roleID, status)
}

// CheckHeartbeats moves every running worker silent for longer than the
// grace period to error and returns them.
func (s *Supervisor) CheckHeartbeats(now time.Time) []Worker {
	s.mu.Lock()
	var lost []Worker
	for _, w := range s.workers {
		if w.Status.Running() && now.Sub(w.LastHeartbeat) > s.heartbeatGrace {
			lost = append(lost, w.Worker)
		}
	}
	s.mu.Unlock()

	slices.SortFunc(lost, func(a, b Worker) int { return a.LastHeartbeat.Compare(b.LastHeartbeat) })
	for _, w := range lost {
		s.markUnavailable(w, nil)
	}
	return lost
}

func (s *Supervisor) markUnavailable(w Worker, cause error) {
	s.setStatus(w.RoleID, StatusError)
	w.Status = StatusError
	w.StatusName = StatusError.String()

	err := errors.NewUnavailableError(w.RoleID, w.LastHeartbeat).WithWorkerID(w.WorkerID)
	if cause != nil {
		err = err.WithCause(cause)
	}
	if s.onUnavailable != nil {
		s.onUnavailable(w, err)
	}
}

func (s *Supervisor) setStatus(roleID string, status Status) {
	s.mu.Lock()
	w, ok := s.workers[roleID]
	if !ok || w.Status == status {
		s.mu.Unlock()
		return
	}
	prev := w.Status
	w.Status = status
	workerID := w.WorkerID
	s.mu.Unlock()

	s.logger.Debug("worker status changed", "role_id", roleID, "from", prev.String(), "to", status.String())
	if s.bus != nil {
		s.bus.Publish(event.NewWorkerStatusChangedEvent(roleID, workerID, prev.String(), status.String()))
	}
}

// Get returns a snapshot of roleID's worker.
func (s *Supervisor) Get(roleID string) (Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[roleID]
	if !ok {
		return Worker{}, false
	}
	out := w.Worker
	out.StatusName = out.Status.String()
	return out, true
}

// Workers returns snapshots of all workers sorted by role id.
func (s *Supervisor) Workers() []Worker {
	s.mu.Lock()
	out := make([]Worker, 0, len(s.workers))
	for _, w := range s.workers {
		snap := w.Worker
		snap.StatusName = snap.Status.String()
		out = append(out, snap)
	}
	s.mu.Unlock()
	slices.SortFunc(out, func(a, b Worker) int { return strings.Compare(a.RoleID, b.RoleID) })
	return out
}

// Start runs the intent loop and the heartbeat check loop until ctx is done
// or Stop is called.
func (s *Supervisor) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.stopFunc = cancel

	s.wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				s.Flush(ctx)
			}
		}
	})

	if s.checkInterval > 0 {
		s.wg.Go(func() {
			ticker := time.NewTicker(s.checkInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.CheckHeartbeats(s.now())
				}
			}
		})
	}
}

// Stop ends the loops and stops every running worker.
func (s *Supervisor) Stop() {
	if s.stopFunc != nil {
		s.stopFunc()
	}

	s.mu.Lock()
	var ids []string
	for id, w := range s.workers {
		if w.handle != nil {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Go(func() { _ = s.stop(id) })
	}
	wg.Wait()
	s.wg.Wait()
}
