package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/troupe/internal/config"
	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/event"
	"github.com/Iron-Ham/troupe/internal/logging"
	"github.com/Iron-Ham/troupe/internal/mailbox"
	"github.com/Iron-Ham/troupe/internal/phase"
	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
	"github.com/Iron-Ham/troupe/internal/supervisor"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeHandle struct {
	done     chan struct{}
	stopOnce sync.Once
}

func (h *fakeHandle) Stop(time.Duration) error {
	h.stopOnce.Do(func() { close(h.done) })
	return nil
}
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) Err() error            { return nil }

type fakeLauncher struct {
	mu       sync.Mutex
	launched []string
}

func (l *fakeLauncher) Launch(_ context.Context, roleID, _ string, _ supervisor.Sink) (supervisor.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launched = append(l.launched, roleID)
	return &fakeHandle{done: make(chan struct{})}, nil
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.launched)
}

type collector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *collector) handle(e event.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) ofType(eventType string) []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Event
	for _, e := range c.events {
		if e.EventType() == eventType {
			out = append(out, e)
		}
	}
	return out
}

func hard(ids ...string) []registry.Dependency {
	deps := make([]registry.Dependency, len(ids))
	for i, id := range ids {
		deps[i] = registry.Dependency{RoleID: id, Kind: registry.KindHard}
	}
	return deps
}

func teamRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Role{
		{ID: "project_owner"},
		{ID: "project_manager", ReportsTo: "project_owner"},
		{ID: "product_owner", Deliverables: []string{"requirements.md"}, ReportsTo: "project_manager", Reviewers: []string{"project_owner"}},
		{ID: "business_analyst", Deliverables: []string{"analysis.md"}, Dependencies: hard("product_owner"), ReportsTo: "project_manager", Reviewers: []string{"product_owner"}},
		{ID: "ux_designer", Deliverables: []string{"personas.md"}, ReportsTo: "project_manager", Dependencies: []registry.Dependency{
			{RoleID: "business_analyst", Kind: registry.KindSoft, Inputs: []string{"analysis.md"}},
		}},
		{ID: "tech_lead", ReportsTo: "project_manager"},
		{ID: "backend_developer", Deliverables: []string{"api.md"}, ReportsTo: "tech_lead"},
		{ID: "frontend_developer", Dependencies: hard("backend_developer"), ReportsTo: "tech_lead"},
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.State.Dir = t.TempDir()
	cfg.State.PersistInterval = 0
	cfg.Registry.Watch = false
	cfg.Escalation.ScanInterval = 0
	return cfg
}

type harness struct {
	o      *Orchestrator
	clock  *fakeClock
	events *collector
	cfg    *config.Config
}

func newHarness(t *testing.T, cfg *config.Config, opts ...Option) *harness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	h := &harness{
		clock:  &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		events: &collector{},
		cfg:    cfg,
	}
	bus := event.NewBus(nil)
	bus.SubscribeAll(h.events.handle)

	opts = append([]Option{WithClock(h.clock.Now), WithBus(bus)}, opts...)
	o, err := New(cfg, teamRegistry(t), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(o.super.Stop)
	h.o = o
	return h
}

func (h *harness) report(t *testing.T, roleID string, typ EventType, p Payload) {
	t.Helper()
	if err := h.o.ReportEvent(context.Background(), roleID, typ, p); err != nil {
		t.Fatalf("ReportEvent(%s, %s): %v", roleID, typ, err)
	}
}

func (h *harness) move(t *testing.T, roleID string, to rolestate.Phase) {
	t.Helper()
	if err := h.o.RequestTransition(context.Background(), roleID, to); err != nil {
		t.Fatalf("RequestTransition(%s, %s): %v", roleID, to, err)
	}
}

func (h *harness) role(t *testing.T, roleID string) rolestate.RoleState {
	t.Helper()
	st, ok := h.o.Role(roleID)
	if !ok {
		t.Fatalf("unknown role %s", roleID)
	}
	return st
}

func (h *harness) inbox(t *testing.T, roleID string, kind mailbox.MessageType) []mailbox.Message {
	t.Helper()
	msgs, err := h.o.Inbox(roleID)
	if err != nil {
		t.Fatalf("Inbox(%s): %v", roleID, err)
	}
	return mailbox.Filter(msgs, mailbox.FilterOptions{Types: []mailbox.MessageType{kind}})
}

// complete drives a role through its whole lifecycle.
func (h *harness) complete(t *testing.T, roleID string, deliverables ...string) {
	t.Helper()
	h.move(t, roleID, rolestate.PhaseInProgress)
	for _, d := range deliverables {
		h.report(t, roleID, EventDeliverableCompletion, Payload{"deliverable": d})
	}
	h.report(t, roleID, EventManualUpdateRequest, Payload{"quality_checks_passed": true})
	h.move(t, roleID, rolestate.PhaseReview)
	h.report(t, roleID, EventReviewApproved, nil)
	h.move(t, roleID, rolestate.PhaseCompleted)
}

func TestBusinessAnalystWaitsForProductOwner(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	ba := h.role(t, "business_analyst")
	if ba.Dependencies.ReadyToStart || !slices.Equal(ba.Dependencies.WaitingFor, []string{"product_owner"}) {
		t.Fatalf("initial business_analyst dependencies = %+v", ba.Dependencies)
	}
	if po := h.role(t, "product_owner"); !slices.Contains(po.Dependencies.Blocking, "business_analyst") {
		t.Errorf("product_owner.blocking = %v", po.Dependencies.Blocking)
	}

	err := h.o.RequestTransition(ctx, "business_analyst", rolestate.PhaseInProgress)
	var ge *errors.GuardError
	if !errors.As(err, &ge) || ge.Guard != phase.GuardStartReady {
		t.Fatalf("early start: err = %v, want start_ready guard", err)
	}
	if h.role(t, "business_analyst").Phase != rolestate.PhasePlanning {
		t.Fatal("rejected transition changed the phase")
	}

	h.complete(t, "product_owner", "requirements.md")

	ba = h.role(t, "business_analyst")
	if !ba.Dependencies.ReadyToStart || len(ba.Dependencies.WaitingFor) != 0 {
		t.Fatalf("business_analyst after product_owner completed = %+v", ba.Dependencies)
	}
	if po := h.role(t, "product_owner"); len(po.Dependencies.Blocking) != 0 {
		t.Errorf("completed product_owner still blocking %v", po.Dependencies.Blocking)
	}
	h.move(t, "business_analyst", rolestate.PhaseInProgress)

	changes := h.inbox(t, "business_analyst", mailbox.MessagePhaseChange)
	if len(changes) == 0 || changes[len(changes)-1].From != "product_owner" {
		t.Errorf("business_analyst phase_change inbox = %+v", changes)
	}
	if len(h.events.ofType(event.TypeReadinessChanged)) == 0 {
		t.Error("readiness change not published")
	}
}

func TestInvalidTransitionIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	before := h.role(t, "business_analyst")

	for range 2 {
		err := h.o.RequestTransition(context.Background(), "business_analyst", rolestate.PhaseCompleted)
		if !errors.Is(err, errors.ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	}

	after := h.role(t, "business_analyst")
	if after.Phase != before.Phase || !after.LastUpdated.Equal(before.LastUpdated) {
		t.Errorf("state changed: before %+v after %+v", before, after)
	}
	if n := len(h.events.ofType(event.TypeTransitionRejected)); n != 2 {
		t.Errorf("rejections published = %d, want 2", n)
	}
	if n := len(h.events.ofType(event.TypePhaseChanged)); n != 0 {
		t.Errorf("phase changes published = %d", n)
	}
}

func TestRequestTransitionValidation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.o.RequestTransition(ctx, "qa_engineer", rolestate.PhaseInProgress); !errors.Is(err, errors.ErrRoleNotFound) {
		t.Errorf("unknown role: err = %v", err)
	}
	if err := h.o.RequestTransition(ctx, "product_owner", "shipping"); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("unknown phase: err = %v", err)
	}
	if err := h.o.ReportEvent(ctx, "product_owner", "gossip", nil); !errors.Is(err, errors.ErrUnknownEventType) {
		t.Errorf("unknown event: err = %v", err)
	}
	if err := h.o.ReportEvent(ctx, "qa_engineer", EventHeartbeat, nil); !errors.Is(err, errors.ErrRoleNotFound) {
		t.Errorf("unknown role event: err = %v", err)
	}
	if err := h.o.ReportEvent(ctx, "product_owner", EventTaskStarted, Payload{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("missing task: err = %v", err)
	}
}

func TestHeartbeatLossReassignsThenEscalates(t *testing.T) {
	cfg := testConfig(t)
	cfg.Supervisor.MaxRestarts = 1
	cfg.Supervisor.HeartbeatGrace = 2 * time.Minute
	launcher := &fakeLauncher{}
	h := newHarness(t, cfg, WithLauncher(launcher))
	ctx := context.Background()

	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	h.o.super.Flush(ctx)
	if launcher.count() != 1 {
		t.Fatalf("launched %d workers, want 1", launcher.count())
	}
	if err := h.o.Heartbeat("backend_developer", "busy"); err != nil {
		t.Fatal(err)
	}

	h.clock.Advance(3 * time.Minute)
	if lost := h.o.super.CheckHeartbeats(h.clock.Now()); len(lost) != 1 {
		t.Fatalf("lost = %+v", lost)
	}
	if launcher.count() != 2 {
		t.Errorf("worker not reassigned: launched %d", launcher.count())
	}
	if st := h.role(t, "backend_developer"); st.Restarts != 1 {
		t.Errorf("Restarts = %d, want 1", st.Restarts)
	}
	blockers := h.inbox(t, "frontend_developer", mailbox.MessageBlockerEncountered)
	if len(blockers) != 1 {
		t.Fatalf("frontend_developer blocker_encountered messages = %d, want 1", len(blockers))
	}
	if m := blockers[0].Metadata; m["type"] != BlockerRoleUnavailable || m["recovery"] != RecoveryReassign {
		t.Errorf("blocker metadata = %v", m)
	}
	if msgs := h.inbox(t, "tech_lead", mailbox.MessageBlockerEncountered); len(msgs) != 1 {
		t.Errorf("manager tech_lead blocker messages = %d, want 1", len(msgs))
	}
	if msgs := h.inbox(t, cfg.Escalation.SeniorRole, mailbox.MessageBlockerEncountered); len(msgs) != 1 {
		t.Errorf("senior role blocker messages = %d, want 1", len(msgs))
	}
	if n := len(h.events.ofType(event.TypeEscalationFired)); n != 0 {
		t.Fatalf("escalated on first loss: %d", n)
	}

	h.clock.Advance(3 * time.Minute)
	h.o.super.CheckHeartbeats(h.clock.Now())
	if launcher.count() != 2 {
		t.Errorf("reassigned beyond max_restarts: launched %d", launcher.count())
	}

	var recoveries []string
	for _, e := range h.events.ofType(event.TypeRoleUnavailable) {
		recoveries = append(recoveries, e.(event.RoleUnavailableEvent).Recovery)
	}
	if !slices.Equal(recoveries, []string{RecoveryReassign, RecoveryEscalate}) {
		t.Errorf("recoveries = %v", recoveries)
	}

	fired := h.events.ofType(event.TypeEscalationFired)
	if len(fired) != 1 {
		t.Fatalf("escalations = %d, want 1", len(fired))
	}
	if e := fired[0].(event.EscalationFiredEvent); e.Target != "project_owner" || e.Condition != "critical_blocker" {
		t.Errorf("escalation = %+v", e)
	}
	if msgs := h.inbox(t, "project_owner", mailbox.MessageEscalation); len(msgs) != 1 {
		t.Errorf("project_owner escalations = %d", len(msgs))
	}
	if msgs := h.inbox(t, "frontend_developer", mailbox.MessageBlockerEncountered); len(msgs) != 2 {
		t.Errorf("dependents told %d times, want 2", len(msgs))
	}
}

func TestThreeRoleCycleEscalatesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.move(t, "product_owner", rolestate.PhaseInProgress)

	// product_owner -> ux_designer -> business_analyst -> product_owner
	edge := registry.Edge{From: "product_owner", To: "ux_designer", Kind: registry.KindHard}
	err := h.o.AddDependency(ctx, edge)
	var ce *errors.CycleError
	if !errors.As(err, &ce) || len(ce.RoleIDs) != 3 {
		t.Fatalf("AddDependency err = %v, want a 3-role CycleError", err)
	}
	if !errors.Is(err, errors.ErrCircularDependency) {
		t.Error("cycle error should match ErrCircularDependency")
	}

	for _, id := range []string{"product_owner", "ux_designer", "business_analyst"} {
		st := h.role(t, id)
		if !strings.Contains(st.BlockedReason, "circular dependency") {
			t.Errorf("%s blocked reason = %q", id, st.BlockedReason)
		}
		if st.Dependencies.ReadyToStart {
			t.Errorf("%s is ready inside a cycle", id)
		}
	}
	if st := h.role(t, "product_owner"); st.Phase != rolestate.PhaseBlocked {
		t.Errorf("in_progress participant phase = %s, want blocked", st.Phase)
	}
	// planning has no edge to blocked, so a planning participant keeps its
	// phase; the cycle reason and ready_to_start=false hold it in place.
	if st := h.role(t, "ux_designer"); st.Phase != rolestate.PhasePlanning {
		t.Errorf("planning participant phase = %s, want planning", st.Phase)
	}

	// Re-detection and re-adding the edge do not escalate again.
	h.o.resolveAll()
	if err := h.o.AddDependency(ctx, edge); err != nil {
		t.Errorf("re-adding a known edge: %v", err)
	}
	h.clock.Advance(time.Hour)
	h.o.scheduler.Check(h.clock.Now())

	if n := len(h.events.ofType(event.TypeDependencyCycle)); n != 1 {
		t.Errorf("cycle events = %d, want 1", n)
	}
	fired := h.events.ofType(event.TypeEscalationFired)
	if len(fired) != 1 {
		t.Fatalf("escalations = %d, want exactly 1", len(fired))
	}
	if e := fired[0].(event.EscalationFiredEvent); e.Target != "project_manager" {
		t.Errorf("cycle escalation target = %s", e.Target)
	}
	if msgs := h.inbox(t, "project_manager", mailbox.MessageEscalation); len(msgs) != 1 {
		t.Errorf("project_manager escalations = %d", len(msgs))
	}
}

func TestBlockedRoleEscalatesAfterThreshold(t *testing.T) {
	h := newHarness(t, nil)
	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	h.report(t, "backend_developer", EventBlockerEncountered, Payload{
		"reason": "staging credentials missing",
		"task":   "deploy api",
	})

	st := h.role(t, "backend_developer")
	if st.Phase != rolestate.PhaseBlocked || st.BlockedReason != "staging credentials missing" {
		t.Fatalf("after blocker: phase=%s reason=%q", st.Phase, st.BlockedReason)
	}
	if len(st.Tasks.Blocked) != 1 {
		t.Errorf("blocked tasks = %+v", st.Tasks.Blocked)
	}
	if msgs := h.inbox(t, "frontend_developer", mailbox.MessageBlockerEncountered); len(msgs) != 1 {
		t.Errorf("dependent blocker notifications = %d", len(msgs))
	}

	h.clock.Advance(23 * time.Hour)
	h.o.scheduler.Check(h.clock.Now())
	if n := len(h.events.ofType(event.TypeEscalationFired)); n != 0 {
		t.Fatalf("fired before threshold: %d", n)
	}
	h.clock.Advance(time.Hour)
	h.o.scheduler.Check(h.clock.Now())

	msgs := h.inbox(t, "tech_lead", mailbox.MessageEscalation)
	if len(msgs) != 1 || msgs[0].Metadata["condition"] != "blocked_for_24h" {
		t.Fatalf("tech_lead escalations = %+v", msgs)
	}

	h.report(t, "backend_developer", EventDependencyResolved, Payload{"task": "deploy api"})
	if st := h.role(t, "backend_developer"); st.Phase != rolestate.PhaseInProgress {
		t.Errorf("resolved role phase = %s, want in_progress", st.Phase)
	}
}

func TestCriticalBlockerEscalatesOncePerEpisode(t *testing.T) {
	h := newHarness(t, nil)
	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	blocker := Payload{"reason": "db down", "critical": true, "concern": "technical"}

	critical := func() int {
		n := 0
		for _, e := range h.events.ofType(event.TypeEscalationFired) {
			if e.(event.EscalationFiredEvent).Condition == "critical_blocker" {
				n++
			}
		}
		return n
	}

	h.report(t, "backend_developer", EventBlockerEncountered, blocker)
	h.report(t, "backend_developer", EventBlockerEncountered, blocker)
	if n := critical(); n != 1 {
		t.Fatalf("critical escalations within one episode = %d, want 1", n)
	}

	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	h.report(t, "backend_developer", EventBlockerEncountered, blocker)
	if st := h.role(t, "backend_developer"); st.Phase != rolestate.PhaseBlocked {
		t.Fatalf("phase = %s, want blocked", st.Phase)
	}
	if n := critical(); n != 2 {
		t.Errorf("critical escalations after the blocker recurred = %d, want 2", n)
	}
}

func TestDependencyUnresolvedEscalatesToOwner(t *testing.T) {
	h := newHarness(t, nil)

	h.clock.Advance(47 * time.Hour)
	h.o.scheduler.Check(h.clock.Now())
	if n := len(h.events.ofType(event.TypeEscalationFired)); n != 0 {
		t.Fatalf("fired before threshold: %d", n)
	}

	h.clock.Advance(time.Hour)
	h.o.scheduler.Check(h.clock.Now())
	found := false
	for _, e := range h.events.ofType(event.TypeEscalationFired) {
		f := e.(event.EscalationFiredEvent)
		if f.RoleID == "business_analyst" && f.Subject == "product_owner" {
			found = true
			if f.Target != "project_owner" {
				t.Errorf("target = %s, want project_owner", f.Target)
			}
		}
	}
	if !found {
		t.Error("business_analyst waiting on product_owner did not escalate")
	}
}

func TestQualityGateHaltsPipeline(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.report(t, "product_owner", EventQualityGateFailed, Payload{"reason": "acceptance criteria missing"})
	if _, halted := h.o.Halted(); !halted {
		t.Fatal("pipeline not halted")
	}

	err := h.o.RequestTransition(ctx, "backend_developer", rolestate.PhaseInProgress)
	if !errors.Is(err, errors.ErrPipelineHalted) {
		t.Fatalf("transition during halt: err = %v", err)
	}
	if len(h.events.ofType(event.TypePipelineHalted)) != 1 {
		t.Error("pipeline.halted not published")
	}

	reopened, err := New(h.cfg, h.o.reg, WithClock(h.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	if _, halted := reopened.Halted(); !halted {
		t.Error("halt not persisted")
	}

	h.report(t, "project_manager", EventQualityGateCleared, nil)
	if _, halted := h.o.Halted(); halted {
		t.Fatal("halt not cleared")
	}
	if !h.role(t, "product_owner").QualityChecksPassed {
		t.Error("clearing the gate should restore quality_checks_passed")
	}
	h.move(t, "backend_developer", rolestate.PhaseInProgress)
}

func TestDeliverableFormatInvalid(t *testing.T) {
	tests := []struct {
		name        string
		deliverable string
	}{
		{"disallowed extension", "analysis.exe"},
		{"empty name", ""},
		{"undeclared deliverable", "notes.md"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			err := h.o.ReportEvent(context.Background(), "business_analyst", EventDeliverableCompletion,
				Payload{"deliverable": tt.deliverable})
			if !errors.Is(err, errors.ErrDeliverableFormatInvalid) {
				t.Fatalf("err = %v, want ErrDeliverableFormatInvalid", err)
			}
			if st := h.role(t, "business_analyst"); len(st.Deliverables.Completed) != 0 {
				t.Errorf("rejected deliverable recorded: %+v", st.Deliverables)
			}
			if msgs := h.inbox(t, "business_analyst", mailbox.MessageDeliverableFormatInvalid); len(msgs) != 1 {
				t.Errorf("producer notifications = %d", len(msgs))
			}
			if msgs := h.inbox(t, "product_owner", mailbox.MessageDeliverableFormatInvalid); len(msgs) != 1 {
				t.Errorf("reviewer notifications = %d", len(msgs))
			}
			h.move(t, "backend_developer", rolestate.PhaseInProgress)
		})
	}
}

func TestApprovedDeliverableSatisfiesSoftDependency(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(t, "product_owner", "requirements.md")
	h.move(t, "business_analyst", rolestate.PhaseInProgress)

	if h.role(t, "ux_designer").Dependencies.ReadyToStart {
		t.Fatal("ux_designer ready before analysis.md was approved")
	}

	h.report(t, "business_analyst", EventDeliverableCompletion, Payload{"deliverable": "analysis.md"})
	if msgs := h.inbox(t, "ux_designer", mailbox.MessageDeliverableReady); len(msgs) != 1 {
		t.Errorf("deliverable_ready messages = %d", len(msgs))
	}
	h.report(t, "business_analyst", EventReviewApproved, Payload{"deliverable": "analysis.md"})

	ux := h.role(t, "ux_designer")
	if !ux.Dependencies.ReadyToStart || !slices.Contains(ux.InputsReceived, "analysis.md") {
		t.Fatalf("ux_designer after hand-over = %+v inputs=%v", ux.Dependencies, ux.InputsReceived)
	}
	h.move(t, "ux_designer", rolestate.PhaseInProgress)
}

func TestRollbackThroughDecision(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.o.ReportEvent(ctx, "product_owner", EventRollbackRequest, nil); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("rollback from planning: err = %v", err)
	}

	h.complete(t, "product_owner", "requirements.md")
	h.report(t, "product_owner", EventRollbackRequest, Payload{"reason": "scope changed"})

	pending := h.o.PendingDecisions()
	if len(pending) != 1 || pending[0].RequestingRole != "product_owner" {
		t.Fatalf("pending = %+v", pending)
	}
	if msgs := h.inbox(t, "project_manager", mailbox.MessageDecisionRequest); len(msgs) != 1 {
		t.Errorf("manager decision requests = %d", len(msgs))
	}
	if h.role(t, "product_owner").Phase != rolestate.PhaseCompleted {
		t.Fatal("rollback applied before the decision")
	}

	if err := h.o.ResolveDecision(ctx, pending[0].ID, "approve"); err != nil {
		t.Fatalf("ResolveDecision: %v", err)
	}
	st := h.role(t, "product_owner")
	if st.Phase != rolestate.PhaseInProgress || st.ReviewsApproved {
		t.Errorf("after rollback: phase=%s reviews_approved=%v", st.Phase, st.ReviewsApproved)
	}
	if len(h.o.PendingDecisions()) != 0 {
		t.Error("resolved decision still pending")
	}
	if h.role(t, "business_analyst").Dependencies.ReadyToStart {
		t.Error("business_analyst stays ready after its dependency was rolled back")
	}
}

func TestExpiredDecisionAppliesDefault(t *testing.T) {
	h := newHarness(t, nil)
	h.complete(t, "product_owner", "requirements.md")
	h.report(t, "product_owner", EventRollbackRequest, nil)

	h.clock.Advance(25 * time.Hour)
	h.o.expireDecisions(context.Background())

	all := h.o.Decisions()
	if len(all) != 1 || !all[0].Resolved || all[0].ChosenOption != "reject" {
		t.Fatalf("decisions = %+v", all)
	}
	if h.role(t, "product_owner").Phase != rolestate.PhaseCompleted {
		t.Error("default option should keep the role completed")
	}
}

func TestMissingDependencyRequestsWorker(t *testing.T) {
	launcher := &fakeLauncher{}
	h := newHarness(t, nil, WithLauncher(launcher))
	ctx := context.Background()

	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	h.o.super.Flush(ctx)

	h.report(t, "backend_developer", EventBlockerEncountered, Payload{
		"reason":       "api contract owner not running",
		"type":         BlockerMissingDependency,
		"missing_role": "tech_lead",
	})
	if !slices.Contains(h.o.super.Pending(), "tech_lead") {
		t.Errorf("pending intents = %v, want tech_lead", h.o.super.Pending())
	}
}

func TestStatePersistsAcrossRestart(t *testing.T) {
	h := newHarness(t, nil)
	h.move(t, "product_owner", rolestate.PhaseInProgress)
	h.report(t, "product_owner", EventTaskStarted, Payload{"task": "write user stories"})
	h.report(t, "product_owner", EventDeliverableStarted, Payload{"deliverable": "requirements.md"})

	reopened, err := New(h.cfg, h.o.reg, WithClock(h.clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	before, after := h.o.Snapshot(), reopened.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("snapshot sizes %d vs %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.RoleID != a.RoleID || b.Phase != a.Phase ||
			!slices.Equal(b.Tasks.InProgress, a.Tasks.InProgress) ||
			!slices.Equal(b.Deliverables.InProgress, a.Deliverables.InProgress) ||
			!slices.Equal(b.Dependencies.WaitingFor, a.Dependencies.WaitingFor) ||
			b.Dependencies.ReadyToStart != a.Dependencies.ReadyToStart {
			t.Errorf("role %s changed across restart:\nbefore %+v\nafter  %+v", b.RoleID, b, a)
		}
	}
}

func TestCheckpointRestore(t *testing.T) {
	h := newHarness(t, nil)

	if err := h.o.Checkpoint("kickoff"); err != nil {
		t.Fatal(err)
	}
	h.complete(t, "product_owner", "requirements.md")
	if !h.role(t, "business_analyst").Dependencies.ReadyToStart {
		t.Fatal("business_analyst should be ready")
	}

	if err := h.o.RestoreCheckpoint("kickoff"); err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}
	if st := h.role(t, "product_owner"); st.Phase != rolestate.PhasePlanning {
		t.Errorf("product_owner phase after restore = %s", st.Phase)
	}
	if h.role(t, "business_analyst").Dependencies.ReadyToStart {
		t.Error("readiness not recomputed after restore")
	}

	names, err := h.o.Checkpoints()
	if err != nil || !slices.Equal(names, []string{"kickoff"}) {
		t.Errorf("Checkpoints = %v, %v", names, err)
	}
	if err := h.o.RestoreCheckpoint("missing"); !errors.Is(err, errors.ErrCheckpointNotFound) {
		t.Errorf("missing checkpoint: err = %v", err)
	}
}

func TestCloseArchivesRoles(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	h.report(t, "backend_developer", EventTaskCompletion, Payload{"task": "schema", "progress": 40})

	if err := h.o.Close(); err != nil {
		t.Fatal(err)
	}
	for _, st := range h.o.Snapshot() {
		if !st.Archived {
			t.Errorf("%s not archived", st.RoleID)
		}
	}
	if err := h.o.ReportEvent(ctx, "backend_developer", EventHeartbeat, nil); !errors.Is(err, errors.ErrRoleArchived) {
		t.Errorf("event after close: err = %v", err)
	}
	if err := h.o.RequestTransition(ctx, "backend_developer", rolestate.PhaseReview); !errors.Is(err, errors.ErrRoleArchived) {
		t.Errorf("transition after close: err = %v", err)
	}
	if got := h.o.OverallProgress(); got <= 0 {
		t.Errorf("OverallProgress = %v", got)
	}
}

func TestStartHoldsRunLock(t *testing.T) {
	h := newHarness(t, nil)
	if err := h.o.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.o.Stop()

	other, err := New(h.cfg, h.o.reg)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Start(context.Background()); !errors.Is(err, errors.ErrStateLocked) {
		t.Errorf("second Start: err = %v, want ErrStateLocked", err)
	}
}

func TestWorkerEventsFlowThroughReportEvent(t *testing.T) {
	var logs bytes.Buffer
	h := newHarness(t, nil, WithLogger(logging.NewWriterLogger(&logs, "debug", nil)))
	sink := workerSink{h.o}

	h.move(t, "backend_developer", rolestate.PhaseInProgress)
	sink.WorkerEvent("backend_developer", string(EventTaskStarted), map[string]any{"task": "endpoints"})
	sink.WorkerEvent("backend_developer", string(EventPhaseChangeRequest), map[string]any{"phase": "completed"})
	sink.WorkerEvent("backend_developer", "not_an_event", nil)

	st := h.role(t, "backend_developer")
	if !slices.Equal(st.Tasks.InProgress, []string{"endpoints"}) || st.CurrentTask != "endpoints" {
		t.Errorf("tasks = %+v current=%q", st.Tasks, st.CurrentTask)
	}
	if st.Phase != rolestate.PhaseInProgress {
		t.Errorf("phase = %s after a guarded request, want in_progress", st.Phase)
	}

	levels := map[string]string{}
	var phaseTag string
	for line := range strings.Lines(logs.String()) {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("log line %q: %v", line, err)
		}
		msg, _ := entry["msg"].(string)
		levels[msg], _ = entry["level"].(string)
		if msg == "phase changed" {
			phaseTag, _ = entry["phase"].(string)
		}
	}
	if levels["worker event rejected"] != "INFO" {
		t.Errorf("guard rejection logged at %q, want INFO", levels["worker event rejected"])
	}
	if levels["worker event ignored"] != "WARN" {
		t.Errorf("unknown event logged at %q, want WARN", levels["worker event ignored"])
	}
	if phaseTag != "in_progress" {
		t.Errorf("phase changed entry tagged phase=%q, want in_progress", phaseTag)
	}
}
