package depgraph

import (
	"slices"
	"testing"

	"github.com/Iron-Ham/troupe/internal/registry"
	"github.com/Iron-Ham/troupe/internal/rolestate"
)

// checkDuality asserts A ∈ B.blocking ⇔ B ∈ A.waiting_for over all roles.
func checkDuality(t *testing.T, statuses map[string]Status) {
	t.Helper()
	for a, sa := range statuses {
		for _, b := range sa.WaitingFor {
			if !slices.Contains(statuses[b].Blocking, a) {
				t.Errorf("%s waits for %s but %s.blocking = %v", a, b, b, statuses[b].Blocking)
			}
		}
		for _, dep := range sa.Blocking {
			if !slices.Contains(statuses[dep].WaitingFor, a) {
				t.Errorf("%s blocks %s but %s.waiting_for = %v", a, dep, dep, statuses[dep].WaitingFor)
			}
		}
	}
}

func TestResolveAllInitial(t *testing.T) {
	reg := teamRegistry(t)
	r := NewResolver(New(reg), PolicyFull)
	got := r.ResolveAll(view(reg, nil))

	if !got["product_owner"].Ready {
		t.Error("role without dependencies should be ready")
	}
	if got["business_analyst"].Ready {
		t.Error("business_analyst should wait for product_owner")
	}
	if !slices.Equal(got["product_owner"].Blocking, []string{"business_analyst", "ux_designer"}) {
		t.Errorf("product_owner.blocking = %v", got["product_owner"].Blocking)
	}
	if !slices.Equal(got["frontend_developer"].WaitingFor, []string{"backend_developer", "ux_designer"}) {
		t.Errorf("frontend_developer.waiting_for = %v", got["frontend_developer"].WaitingFor)
	}
	checkDuality(t, got)
}

func TestResolveAllEverythingComplete(t *testing.T) {
	reg := teamRegistry(t)
	r := NewResolver(New(reg), PolicyFull)
	phases := map[string]rolestate.Phase{}
	for _, id := range reg.IDs() {
		phases[id] = rolestate.PhaseCompleted
	}

	for id, st := range r.ResolveAll(view(reg, phases)) {
		if !st.Ready || len(st.WaitingFor) != 0 || len(st.Blocking) != 0 {
			t.Errorf("%s = %+v, want ready with empty sets", id, st)
		}
	}
}

func TestSoftDependencySatisfiedByApprovedInput(t *testing.T) {
	reg := teamRegistry(t)
	r := NewResolver(New(reg), PolicyFull)
	v := view(reg, map[string]rolestate.Phase{"product_owner": rolestate.PhaseInProgress})

	if r.ResolveAll(v)["ux_designer"].Ready {
		t.Fatal("ux_designer ready before personas.md approved")
	}

	po := v["product_owner"]
	po.CompleteDeliverable("personas.md")
	v["product_owner"] = po
	if r.ResolveAll(v)["ux_designer"].Ready {
		t.Fatal("completed but unapproved input should not satisfy a soft edge")
	}

	po.ApproveDeliverable("personas.md")
	v["product_owner"] = po
	got := r.ResolveAll(v)
	if !got["ux_designer"].Ready {
		t.Error("approved input should satisfy the soft edge")
	}
	if !slices.Equal(got["product_owner"].Blocking, []string{"business_analyst"}) {
		t.Errorf("product_owner.blocking = %v, want [business_analyst]", got["product_owner"].Blocking)
	}
	checkDuality(t, got)
}

func TestPartialPolicy(t *testing.T) {
	reg := teamRegistry(t)
	v := view(reg, map[string]rolestate.Phase{
		"product_owner":     rolestate.PhaseCompleted,
		"business_analyst":  rolestate.PhaseCompleted,
		"backend_developer": rolestate.PhaseCompleted,
	})

	full := NewResolver(New(reg), PolicyFull).ResolveAll(v)
	if full["frontend_developer"].Ready {
		t.Error("full policy: frontend_developer still waits for ux_designer")
	}
	partial := NewResolver(New(reg), PolicyPartial).ResolveAll(v)
	if !partial["frontend_developer"].Ready {
		t.Error("partial policy: one satisfied dependency should be enough")
	}
	if !slices.Equal(partial["frontend_developer"].WaitingFor, []string{"ux_designer"}) {
		t.Errorf("partial readiness must not hide unmet dependencies: %v", partial["frontend_developer"].WaitingFor)
	}
}

func TestResolveDependentsMatchesFullPass(t *testing.T) {
	reg := teamRegistry(t)
	r := NewResolver(New(reg), PolicyFull)
	v := view(reg, nil)
	before := r.ResolveAll(v)

	po := v["product_owner"]
	po.Phase = rolestate.PhaseCompleted
	v["product_owner"] = po

	inc := r.ResolveDependents(v, "product_owner")
	if len(inc) != 3 {
		t.Errorf("incremental pass touched %d roles, want 3", len(inc))
	}
	merged := make(map[string]Status, len(before))
	for id, st := range before {
		merged[id] = st
	}
	for id, st := range inc {
		merged[id] = st
	}

	full := r.ResolveAll(v)
	for id := range full {
		if !full[id].Equal(merged[id]) {
			t.Errorf("%s: incremental %+v != full %+v", id, merged[id], full[id])
		}
	}
	checkDuality(t, merged)
}

func TestCycleParticipantsNeverReady(t *testing.T) {
	reg := mustRegistry(t,
		registry.Role{ID: "a", Dependencies: hard("b")},
		registry.Role{ID: "b", Dependencies: hard("a")},
	)
	r := NewResolver(New(reg), PolicyPartial)
	v := view(reg, map[string]rolestate.Phase{"a": rolestate.PhaseCompleted})

	got := r.ResolveAll(v)
	if got["b"].Ready || got["a"].Ready {
		t.Errorf("cycle members reported ready: %+v", got)
	}
}

func TestStatusApply(t *testing.T) {
	var st rolestate.RoleState
	s := Status{WaitingFor: []string{"x"}, Blocking: []string{"y"}, Ready: false}
	s.Apply(&st)
	s.WaitingFor[0] = "mutated"
	if st.Dependencies.WaitingFor[0] != "x" || st.Dependencies.Blocking[0] != "y" {
		t.Errorf("Apply should copy sets: %+v", st.Dependencies)
	}
}
