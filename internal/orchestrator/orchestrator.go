// Package orchestrator is the orchestration core. It owns the role states,
// keeps dependency readiness current, applies guarded phase transitions,
// routes notifications, escalates long-lived blockers, supervises worker
// processes and persists everything under the state directory.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Iron-Ham/troupe/internal/config"
	"github.com/Iron-Ham/troupe/internal/decision"
	"github.com/Iron-Ham/troupe/internal/depgraph"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/escalation"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/logging"
	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/Iron-Ham/troupe/internal/notify"
	"github.com/Iron-Ham/troupe/internal/phase"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
	"github.com/Iron-Ham/troupe/internal/supervisor"
)

// RunLockName is the lock file held in the state directory by the process
// that owns the role states.
const RunLockName = "core.lock"

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger shared by every component.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithBus publishes core events on bus instead of a private one.
func WithBus(bus *event.Bus) Option {
	return func(o *Orchestrator) { o.bus = bus }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLauncher supervises workers with l. Without it an ExecLauncher is
// built when supervision is enabled in the config.
func WithLauncher(l supervisor.Launcher) Option {
	return func(o *Orchestrator) { o.launcher = l }
}

// Orchestrator coordinates the roles of one project.
type Orchestrator struct {
	cfg      *config.Config
	reg      *registry.Registry
	logger   *logging.Logger
	bus      *event.Bus
	now      func() time.Time
	launcher supervisor.Launcher
	targets  escalation.Targets

	store     *rolestate.Store
	graph     *depgraph.Graph
	resolver  *depgraph.Resolver
	machine   *phase.Machine
	mailbox   *mailbox.Mailbox
	router    *notify.Router
	scheduler *escalation.Scheduler
	super     *supervisor.Supervisor
	decisions *decision.Book

	// resolveMu guards graph-wide passes. It is never acquired while a
	// role lock is held.
	resolveMu      sync.Mutex
	reportedCycles map[string]bool

	haltMu sync.RWMutex
	halt   *rolestate.Halt

	persistMu sync.Mutex

	watcher  *registry.Watcher
	runLock  *rolestate.FileLock
	ctxMu    sync.RWMutex
	runCtx   context.Context
	stopFunc context.CancelFunc
	wg       sync.WaitGroup
}

// New builds the core for the roles in reg and restores any state persisted
// under cfg.State.Dir.
func New(cfg *config.Config, reg *registry.Registry, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if cfg.State.Dir == "" {
		return nil, errors.NewValidationError("state directory is required").WithField("state.dir")
	}

	o := &Orchestrator{
		cfg:            cfg,
		reg:            reg,
		now:            time.Now,
		runCtx:         context.Background(),
		reportedCycles: make(map[string]bool),
		targets: escalation.Targets{
			Manager:   cfg.Escalation.ManagerRole,
			Owner:     cfg.Escalation.OwnerRole,
			ByConcern: cfg.Escalation.ConcernTargets,
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = logging.NopLogger()
	}
	if o.bus == nil {
		o.bus = event.NewBus(o.logger)
	}
	if o.launcher == nil && cfg.Supervisor.Enabled {
		o.launcher = &supervisor.ExecLauncher{
			Command: cfg.Supervisor.Command,
			Args:    cfg.Supervisor.Args,
			WorkDir: cfg.Supervisor.WorkDir,
			Logger:  o.logger,
		}
	}

	table := notify.DefaultTable()
	if len(cfg.Routing.Rules) > 0 {
		merged, err := table.Merge(cfg.Routing.Rules)
		if err != nil {
			return nil, fmt.Errorf("routing rules: %w", err)
		}
		table = merged
	}

	o.store = rolestate.NewStore(reg, rolestate.WithClock(o.now))
	o.graph = depgraph.New(reg)
	o.resolver = depgraph.NewResolver(o.graph, depgraph.Policy(cfg.Resolver.ReadinessPolicy))
	o.machine = phase.New()
	o.mailbox = mailbox.NewMailbox(cfg.State.Dir, mailbox.WithBus(o.bus), mailbox.WithClock(o.now))
	o.router = notify.NewRouter(directory{o}, o.mailbox,
		notify.WithTable(table),
		notify.WithLogger(o.logger),
	)
	o.scheduler = escalation.New(o.onEscalation,
		escalation.WithClock(o.now),
		escalation.WithScanInterval(cfg.Escalation.ScanInterval),
		escalation.WithLogger(o.logger),
	)
	o.super = supervisor.New(o.launcher, workerSink{o},
		supervisor.WithClock(o.now),
		supervisor.WithHeartbeat(cfg.Supervisor.HeartbeatGrace, cfg.Supervisor.HeartbeatInterval),
		supervisor.WithStopGrace(cfg.Supervisor.StopGrace),
		supervisor.WithBus(o.bus),
		supervisor.WithLogger(o.logger),
		supervisor.OnUnavailable(o.onUnavailable),
	)

	book, err := decision.Open(cfg.State.Dir,
		decision.WithBus(o.bus),
		decision.WithClock(o.now),
		decision.WithLogger(o.logger.WithComponent("decisions")),
		decision.WithDefaultDeadline(cfg.Decisions.DefaultDeadline),
	)
	if err != nil {
		return nil, fmt.Errorf("open decisions: %w", err)
	}
	o.decisions = book

	if err := o.restore(); err != nil {
		return nil, err
	}
	o.resolveAll()
	o.syncAllTimers()
	return o, nil
}

func (o *Orchestrator) restore() error {
	f, err := rolestate.Load(o.cfg.State.Dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load state: %w", err)
	}
	if skipped := o.store.Restore(f.Roles); len(skipped) > 0 {
		o.logger.Warn("dropped state of unregistered roles", "roles", skipped)
	}
	o.haltMu.Lock()
	o.halt = f.Halt
	o.haltMu.Unlock()
	o.logger.Info("state restored", "roles", len(f.Roles), "saved_at", f.SavedAt)
	return nil
}

// Start runs the background loops: escalation scans, worker supervision,
// decision deadlines, periodic persistence and the registry watcher. Only
// one core may run per state directory.
func (o *Orchestrator) Start(ctx context.Context) error {
	lock := rolestate.NewNamedLock(o.cfg.State.Dir, RunLockName)
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !ok {
		return errors.ErrStateLocked
	}
	o.runLock = lock

	ctx, cancel := context.WithCancel(ctx)
	o.ctxMu.Lock()
	o.runCtx = ctx
	o.ctxMu.Unlock()
	o.stopFunc = cancel

	o.scheduler.Start(ctx)
	o.super.Start(ctx)

	if o.launcher != nil {
		for _, st := range o.store.Snapshot() {
			if st.Phase.Active() && !st.Archived {
				o.super.RequestStart(st.RoleID)
			}
		}
	}

	if o.cfg.Registry.Watch && o.cfg.Registry.Path != "" {
		w, err := registry.NewWatcher(o.cfg.Registry.Path, o.reg, o.onEdgesAdded, o.logger)
		if err != nil {
			o.logger.Warn("registry watch disabled", "path", o.cfg.Registry.Path, "error", err)
		} else {
			o.watcher = w
			w.Start()
		}
	}

	o.wg.Go(func() { o.maintenanceLoop(ctx) })

	o.save()
	o.logger.Info("core started", "roles", o.reg.Len(), "supervised", o.launcher != nil)
	return nil
}

// Stop ends the background loops, stops supervised workers and writes a
// final snapshot.
func (o *Orchestrator) Stop() {
	if o.stopFunc != nil {
		o.stopFunc()
	}
	if o.watcher != nil {
		o.watcher.Stop()
	}
	o.scheduler.Stop()
	o.super.Stop()
	o.wg.Wait()
	o.save()

	if o.runLock != nil {
		if err := o.runLock.Unlock(); err != nil {
			o.logger.Warn("release run lock", "error", err)
		}
		o.runLock = nil
	}
	o.logger.Info("core stopped")
}

// runContext is the run context for work triggered from background callbacks.
func (o *Orchestrator) runContext() context.Context {
	o.ctxMu.RLock()
	defer o.ctxMu.RUnlock()
	return o.runCtx
}

func (o *Orchestrator) maintenanceLoop(ctx context.Context) {
	var persistC, expireC <-chan time.Time
	if d := o.cfg.State.PersistInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		persistC = t.C
	}
	if d := o.cfg.Escalation.ScanInterval; d > 0 {
		t := time.NewTicker(d)
		defer t.Stop()
		expireC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-persistC:
			o.save()
		case <-expireC:
			o.expireDecisions(ctx)
		}
	}
}

// Bus returns the event bus the core publishes on.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// Snapshot returns copies of every role state in registry order.
func (o *Orchestrator) Snapshot() []rolestate.RoleState {
	return o.store.Snapshot()
}

// Role returns a copy of one role's state.
func (o *Orchestrator) Role(roleID string) (rolestate.RoleState, bool) {
	return o.store.Get(roleID)
}

// OverallProgress is the mean progress across every role.
func (o *Orchestrator) OverallProgress() float64 {
	return o.store.OverallProgress()
}

// Workers returns the supervised and externally reporting workers.
func (o *Orchestrator) Workers() []supervisor.Worker {
	return o.super.Workers()
}

// Inbox returns the notifications delivered to roleID.
func (o *Orchestrator) Inbox(roleID string) ([]mailbox.Message, error) {
	return o.mailbox.Receive(roleID)
}

// Halted returns the active quality-gate halt, if any.
func (o *Orchestrator) Halted() (rolestate.Halt, bool) {
	o.haltMu.RLock()
	defer o.haltMu.RUnlock()
	if o.halt == nil {
		return rolestate.Halt{}, false
	}
	return *o.halt, true
}

func (o *Orchestrator) haltCopy() *rolestate.Halt {
	if h, ok := o.Halted(); ok {
		return &h
	}
	return nil
}

// Heartbeat records worker liveness for roleID. status is one of active,
// busy, stopped or error.
func (o *Orchestrator) Heartbeat(roleID, status string) error {
	if !o.reg.Has(roleID) {
		return errors.NewNotFoundError("role", roleID).WithCause(errors.ErrRoleNotFound)
	}
	o.super.Heartbeat(roleID, supervisor.ParseStatus(status))
	return nil
}

func (o *Orchestrator) file() rolestate.File {
	return rolestate.File{
		SavedAt: o.now(),
		Halt:    o.haltCopy(),
		Roles:   o.store.Snapshot(),
	}
}

// persist writes state.json and, when enabled, the per-role status files.
func (o *Orchestrator) persist() error {
	o.persistMu.Lock()
	defer o.persistMu.Unlock()

	f := o.file()
	if err := rolestate.Save(o.cfg.State.Dir, f); err != nil {
		return err
	}
	if o.cfg.State.ExportYAML {
		if err := rolestate.ExportYAML(o.cfg.State.Dir, f.Roles); err != nil {
			return err
		}
	}
	return nil
}

// save persists and logs failures. A failed write is retried by the next
// mutation or the periodic flush.
func (o *Orchestrator) save() {
	if err := o.persist(); err != nil {
		o.logger.Error("persist state", "error", err)
	}
}
