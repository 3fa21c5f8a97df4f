package rolestate

import (
	"slices"
	"testing"
	"time"
)

func bucketsDisjoint(t *testing.T, s RoleState) {
	t.Helper()
	seen := make(map[string]string)
	check := func(bucket string, names []string) {
		for _, n := range names {
			if prev, dup := seen[n]; dup {
				t.Errorf("%q is in both %s and %s", n, prev, bucket)
			}
			seen[n] = bucket
		}
	}
	check("tasks.pending", s.Tasks.Pending)
	check("tasks.in_progress", s.Tasks.InProgress)
	check("tasks.completed", s.Tasks.Completed)
	for _, b := range s.Tasks.Blocked {
		check("tasks.blocked", []string{b.Name})
	}

	seen = make(map[string]string)
	check("deliverables.required", s.Deliverables.Required)
	check("deliverables.in_progress", s.Deliverables.InProgress)
	check("deliverables.completed", s.Deliverables.Completed)
	check("deliverables.approved", s.Deliverables.Approved)
}

func TestNew(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New("qa_engineer", []string{"test_plan.md"}, now)

	if s.Phase != PhasePlanning {
		t.Errorf("Phase = %s, want planning", s.Phase)
	}
	if !slices.Equal(s.Deliverables.Required, []string{"test_plan.md"}) {
		t.Errorf("Required = %v", s.Deliverables.Required)
	}
	if !s.ResourcesAvailable {
		t.Error("resources should default to available")
	}
	if !s.LastUpdated.Equal(now) {
		t.Errorf("LastUpdated = %v", s.LastUpdated)
	}
}

func TestTaskLifecycle(t *testing.T) {
	s := New("r", nil, time.Now())
	s.AddTask("a")
	s.AddTask("b")
	s.AddTask("a")
	if len(s.Tasks.Pending) != 2 {
		t.Fatalf("Pending = %v", s.Tasks.Pending)
	}

	s.StartTask("a")
	if s.CurrentTask != "a" {
		t.Errorf("CurrentTask = %q", s.CurrentTask)
	}
	s.CompleteTask("a")
	s.CompleteTask("a")
	if s.Metrics.TasksCompleted != 1 {
		t.Errorf("TasksCompleted = %d, want 1", s.Metrics.TasksCompleted)
	}
	if s.ProgressPercentage != 50 {
		t.Errorf("Progress = %d, want 50", s.ProgressPercentage)
	}
	if s.NextTask != "b" {
		t.Errorf("NextTask = %q, want b", s.NextTask)
	}

	s.BlockTask("b", "waiting on api spec")
	if s.AllTasksCompleted() {
		t.Error("blocked task should keep AllTasksCompleted false")
	}
	bucketsDisjoint(t, s)

	s.CompleteTask("b")
	if !s.AllTasksCompleted() || s.ProgressPercentage != 100 {
		t.Errorf("after completing all: done=%v progress=%d", s.AllTasksCompleted(), s.ProgressPercentage)
	}
	bucketsDisjoint(t, s)
}

func TestDeliverableLifecycle(t *testing.T) {
	s := New("r", []string{"design.md", "notes.md"}, time.Now())

	s.StartDeliverable("design.md")
	if !s.CompleteDeliverable("design.md") {
		t.Fatal("first completion should report true")
	}
	if s.CompleteDeliverable("design.md") {
		t.Error("second completion should report false")
	}
	if s.Metrics.DeliverablesProduced != 1 {
		t.Errorf("DeliverablesProduced = %d", s.Metrics.DeliverablesProduced)
	}
	if s.DeliverablesProducedAll() {
		t.Error("notes.md is still required")
	}

	s.ApproveDeliverable("notes.md")
	if s.Metrics.DeliverablesProduced != 2 {
		t.Errorf("approving an unproduced deliverable should count it, got %d", s.Metrics.DeliverablesProduced)
	}
	if !s.DeliverablesProducedAll() {
		t.Error("all deliverables produced")
	}
	if s.DeliverablesAccepted() {
		t.Error("design.md is completed but not approved")
	}

	s.ApproveDeliverable("design.md")
	s.StartDeliverable("design.md")
	if !s.DeliverablesAccepted() || !s.Approved("design.md") {
		t.Errorf("approved deliverable should not move back: %+v", s.Deliverables)
	}
	bucketsDisjoint(t, s)
}

func TestSetProgressClamps(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{-5, 0},
		{0, 0},
		{42, 42},
		{100, 100},
		{250, 100},
	}
	for _, tt := range tests {
		var s RoleState
		s.SetProgress(tt.in)
		if s.ProgressPercentage != tt.want {
			t.Errorf("SetProgress(%d) = %d, want %d", tt.in, s.ProgressPercentage, tt.want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := New("r", []string{"a.md"}, time.Now())
	s.ReceiveInput("brief.md")
	c := s.Clone()
	c.Deliverables.Required[0] = "changed"
	c.InputsReceived[0] = "changed"

	if s.Deliverables.Required[0] != "a.md" || s.InputsReceived[0] != "brief.md" {
		t.Error("Clone shares backing arrays with the original")
	}
}

func TestPhaseHelpers(t *testing.T) {
	for _, p := range Phases() {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Phase("archived").Valid() {
		t.Error("unknown phase reported valid")
	}
	if !PhaseReview.Active() || PhasePaused.Active() {
		t.Error("Active() wrong for review/paused")
	}
}
