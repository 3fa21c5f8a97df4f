package rolestate

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/troupe/internal/errors"
	"github.com/Iron-Ham/troupe/internal/registry"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]registry.Role{
		{ID: "product_owner", Deliverables: []string{"requirements.md"}},
		{ID: "ux_designer", Deliverables: []string{"wireframes.md"}, Dependencies: []registry.Dependency{
			{RoleID: "product_owner", Kind: registry.KindHard},
		}},
		{ID: "qa_engineer"},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	return reg
}

func fixedClock() func() time.Time {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

func TestStoreInitialState(t *testing.T) {
	s := NewStore(testRegistry(t), WithClock(fixedClock()))

	snap := s.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("Snapshot len = %d", len(snap))
	}
	if snap[0].RoleID != "product_owner" || snap[2].RoleID != "qa_engineer" {
		t.Errorf("snapshot not in registry order: %s, %s", snap[0].RoleID, snap[2].RoleID)
	}
	for _, st := range snap {
		if st.Phase != PhasePlanning {
			t.Errorf("%s starts in %s", st.RoleID, st.Phase)
		}
	}
}

func TestStoreUpdateRollsBackOnError(t *testing.T) {
	s := NewStore(testRegistry(t), WithClock(fixedClock()))
	boom := fmt.Errorf("boom")

	got, err := s.Update("ux_designer", func(st *RoleState) error {
		st.Phase = PhaseInProgress
		st.AddTask("sketch")
		return boom
	})
	if err != boom {
		t.Fatalf("err = %v, want boom", err)
	}
	if got.Phase != PhasePlanning || len(got.Tasks.Pending) != 0 {
		t.Errorf("failed update leaked into returned state: %+v", got)
	}
	stored, _ := s.Get("ux_designer")
	if stored.Phase != PhasePlanning {
		t.Errorf("failed update committed: phase %s", stored.Phase)
	}
}

func TestStoreUpdateUnknownRole(t *testing.T) {
	s := NewStore(testRegistry(t))
	_, err := s.Update("ghost", func(*RoleState) error { return nil })
	if !errors.Is(err, errors.ErrRoleNotFound) {
		t.Errorf("err = %v, want ErrRoleNotFound", err)
	}
}

func TestStoreConcurrentUpdates(t *testing.T) {
	s := NewStore(testRegistry(t))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Go(func() {
			_, _ = s.Update("qa_engineer", func(st *RoleState) error {
				st.CompleteTask(fmt.Sprintf("t%d", i))
				return nil
			})
		})
	}
	wg.Wait()

	st, _ := s.Get("qa_engineer")
	if st.Metrics.TasksCompleted != 50 {
		t.Errorf("TasksCompleted = %d, want 50", st.Metrics.TasksCompleted)
	}
}

func TestStoreRestore(t *testing.T) {
	s := NewStore(testRegistry(t))
	skipped := s.Restore([]RoleState{
		{RoleID: "qa_engineer", Phase: "bogus", ProgressPercentage: 30},
		{RoleID: "retired_role", Phase: PhaseCompleted},
	})
	if len(skipped) != 1 || skipped[0] != "retired_role" {
		t.Errorf("skipped = %v", skipped)
	}
	st, _ := s.Get("qa_engineer")
	if st.Phase != PhasePlanning || st.ProgressPercentage != 30 {
		t.Errorf("restored = %+v", st)
	}
	if st.Tasks.Pending == nil {
		t.Error("restore should normalize nil buckets")
	}
}

func TestOverallProgress(t *testing.T) {
	s := NewStore(testRegistry(t))
	for id, p := range map[string]int{"product_owner": 100, "ux_designer": 50, "qa_engineer": 0} {
		_, _ = s.Update(id, func(st *RoleState) error {
			st.SetProgress(p)
			return nil
		})
	}
	if got := s.OverallProgress(); got != 50 {
		t.Errorf("OverallProgress = %v, want 50", got)
	}
}

func populated(t *testing.T) []RoleState {
	t.Helper()
	s := NewStore(testRegistry(t), WithClock(fixedClock()))
	_, _ = s.Update("product_owner", func(st *RoleState) error {
		st.Phase = PhaseReview
		st.AddTask("interviews")
		st.AddTask("write requirements")
		st.CompleteTask("interviews")
		st.BlockTask("write requirements", "stakeholder unavailable")
		st.CompleteDeliverable("requirements.md")
		st.QualityChecksPassed = true
		return nil
	})
	_, _ = s.Update("ux_designer", func(st *RoleState) error {
		st.Dependencies.WaitingFor = []string{"product_owner"}
		st.ReceiveInput("personas.md")
		st.BlockedReason = "circular dependency"
		st.Restarts = 1
		return nil
	})
	return s.Snapshot()
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	states := populated(t)
	in := File{
		SavedAt: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
		Halt:    &Halt{RoleID: "qa_engineer", Reason: "coverage below threshold", Since: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)},
		Roles:   states,
	}

	if err := Save(dir, in); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, stateFileName+".tmp")); !os.IsNotExist(err) {
		t.Error("temp file should be removed after atomic rename")
	}

	out, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	in.Version = FormatVersion
	if !reflect.DeepEqual(in, out) {
		t.Errorf("round trip mismatch:\n in: %+v\nout: %+v", in, out)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir())
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestLoadRejectsNewerVersion(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, stateFileName), []byte(`{"version": 99, "roles": []}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Error("expected error for newer format version")
	}
}

func TestExportYAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	states := populated(t)
	if err := ExportYAML(dir, states); err != nil {
		t.Fatalf("ExportYAML: %v", err)
	}
	for _, want := range states {
		got, err := LoadStatusYAML(dir, want.RoleID)
		if err != nil {
			t.Fatalf("LoadStatusYAML(%s): %v", want.RoleID, err)
		}
		if !reflect.DeepEqual(want, got) {
			t.Errorf("%s mismatch:\nwant %+v\n got %+v", want.RoleID, want, got)
		}
	}
}

func TestCheckpoints(t *testing.T) {
	dir := t.TempDir()
	f := File{SavedAt: time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), Roles: populated(t)}

	for _, name := range []string{"design-done", "alpha"} {
		if err := SaveCheckpoint(dir, name, f); err != nil {
			t.Fatalf("SaveCheckpoint(%s): %v", name, err)
		}
	}
	names, err := ListCheckpoints(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "design-done"}) {
		t.Errorf("ListCheckpoints = %v", names)
	}

	got, err := LoadCheckpoint(dir, "design-done")
	if err != nil {
		t.Fatal(err)
	}
	f.Version = FormatVersion
	if !reflect.DeepEqual(f, got) {
		t.Errorf("checkpoint mismatch:\nwant %+v\n got %+v", f, got)
	}

	for _, bad := range []string{"", "../escape", ".hidden"} {
		if err := SaveCheckpoint(dir, bad, f); err == nil {
			t.Errorf("SaveCheckpoint(%q) should fail", bad)
		}
	}
}

func TestFileLockTryLock(t *testing.T) {
	dir := t.TempDir()
	a := NewFileLock(dir)
	if err := a.Lock(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.Unlock() }()

	b := NewFileLock(dir)
	ok, err := b.TryLock()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		_ = b.Unlock()
		t.Error("TryLock should fail while another descriptor holds the lock")
	}
}
