// Package rolestate holds the mutable per-role records of the orchestration
// core and their persistence.
//
// Each RoleState is owned by exactly one writer path: [Store.Update] takes a
// per-role lock, applies a mutation to a private copy and commits it only if
// the mutation succeeds. Readers always receive deep copies.
package rolestate

import (
	"slices"
	"time"
)

// Phase is the coarse lifecycle stage of a role.
type Phase string

const (
	PhasePlanning   Phase = "planning"
	PhaseInProgress Phase = "in_progress"
	PhaseReview     Phase = "review"
	PhaseCompleted  Phase = "completed"
	PhaseBlocked    Phase = "blocked"
	PhasePaused     Phase = "paused"
)

// Phases returns every phase in lifecycle order.
func Phases() []Phase {
	return []Phase{PhasePlanning, PhaseInProgress, PhaseReview, PhaseCompleted, PhaseBlocked, PhasePaused}
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	return slices.Contains(Phases(), p)
}

// Active reports whether a worker should be running in phase p.
func (p Phase) Active() bool {
	return p == PhaseInProgress || p == PhaseReview
}

// BlockedTask is a task in the blocked bucket with the reason it is stuck.
type BlockedTask struct {
	Name   string `json:"name" yaml:"name"`
	Reason string `json:"reason" yaml:"reason"`
}

// Tasks holds four disjoint buckets of task names.
type Tasks struct {
	Pending    []string      `json:"pending" yaml:"pending"`
	InProgress []string      `json:"in_progress" yaml:"in_progress"`
	Completed  []string      `json:"completed" yaml:"completed"`
	Blocked    []BlockedTask `json:"blocked" yaml:"blocked"`
}

// Deliverables holds four disjoint buckets of deliverable names.
type Deliverables struct {
	Required   []string `json:"required" yaml:"required"`
	InProgress []string `json:"in_progress" yaml:"in_progress"`
	Completed  []string `json:"completed" yaml:"completed"`
	Approved   []string `json:"approved" yaml:"approved"`
}

// DependencyStatus is derived by the resolver after every mutation.
type DependencyStatus struct {
	WaitingFor   []string `json:"waiting_for" yaml:"waiting_for"`
	Blocking     []string `json:"blocking" yaml:"blocking"`
	ReadyToStart bool     `json:"ready_to_start" yaml:"ready_to_start"`
}

// Metrics are monotonically increasing counters.
type Metrics struct {
	TasksCompleted       int `json:"tasks_completed" yaml:"tasks_completed"`
	DeliverablesProduced int `json:"deliverables_produced" yaml:"deliverables_produced"`
}

// RoleState is the mutable record of one role.
type RoleState struct {
	RoleID             string           `json:"role_id" yaml:"role_id"`
	Phase              Phase            `json:"phase" yaml:"phase"`
	ProgressPercentage int              `json:"progress_percentage" yaml:"progress_percentage"`
	CurrentTask        string           `json:"current_task,omitempty" yaml:"current_task,omitempty"`
	NextTask           string           `json:"next_task,omitempty" yaml:"next_task,omitempty"`
	Dependencies       DependencyStatus `json:"dependencies" yaml:"dependencies"`
	Tasks              Tasks            `json:"tasks" yaml:"tasks"`
	Deliverables       Deliverables     `json:"deliverables" yaml:"deliverables"`
	Metrics            Metrics          `json:"metrics" yaml:"metrics"`

	// Guard inputs reported by the role's worker or an operator.
	InputsReceived      []string `json:"inputs_received,omitempty" yaml:"inputs_received,omitempty"`
	ResourcesAvailable  bool     `json:"resources_available" yaml:"resources_available"`
	QualityChecksPassed bool     `json:"quality_checks_passed" yaml:"quality_checks_passed"`
	ReviewsApproved     bool     `json:"reviews_approved" yaml:"reviews_approved"`

	// BlockedReason explains the blocked phase, e.g. a circular dependency.
	BlockedReason string `json:"blocked_reason,omitempty" yaml:"blocked_reason,omitempty"`
	// Restarts counts worker reassignments after heartbeat loss.
	Restarts    int       `json:"restarts,omitempty" yaml:"restarts,omitempty"`
	Archived    bool      `json:"archived,omitempty" yaml:"archived,omitempty"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// New returns the initial state of a role: planning, with the role's declared
// deliverables in the required bucket.
func New(roleID string, required []string, now time.Time) RoleState {
	return RoleState{
		RoleID:             roleID,
		Phase:              PhasePlanning,
		ResourcesAvailable: true,
		Deliverables: Deliverables{
			Required:   slices.Clone(required),
			InProgress: []string{},
			Completed:  []string{},
			Approved:   []string{},
		},
		Tasks: Tasks{
			Pending:    []string{},
			InProgress: []string{},
			Completed:  []string{},
			Blocked:    []BlockedTask{},
		},
		Dependencies: DependencyStatus{
			WaitingFor: []string{},
			Blocking:   []string{},
		},
		LastUpdated: now,
	}
}

// Clone returns a deep copy.
func (s RoleState) Clone() RoleState {
	c := s
	c.Dependencies.WaitingFor = slices.Clone(s.Dependencies.WaitingFor)
	c.Dependencies.Blocking = slices.Clone(s.Dependencies.Blocking)
	c.Tasks.Pending = slices.Clone(s.Tasks.Pending)
	c.Tasks.InProgress = slices.Clone(s.Tasks.InProgress)
	c.Tasks.Completed = slices.Clone(s.Tasks.Completed)
	c.Tasks.Blocked = slices.Clone(s.Tasks.Blocked)
	c.Deliverables.Required = slices.Clone(s.Deliverables.Required)
	c.Deliverables.InProgress = slices.Clone(s.Deliverables.InProgress)
	c.Deliverables.Completed = slices.Clone(s.Deliverables.Completed)
	c.Deliverables.Approved = slices.Clone(s.Deliverables.Approved)
	c.InputsReceived = slices.Clone(s.InputsReceived)
	return c
}

// -----------------------------------------------------------------------------
// Task buckets
// -----------------------------------------------------------------------------

func (s *RoleState) removeTask(name string) {
	s.Tasks.Pending = remove(s.Tasks.Pending, name)
	s.Tasks.InProgress = remove(s.Tasks.InProgress, name)
	s.Tasks.Completed = remove(s.Tasks.Completed, name)
	s.Tasks.Blocked = slices.DeleteFunc(s.Tasks.Blocked, func(b BlockedTask) bool { return b.Name == name })
}

func (s *RoleState) hasTask(name string) bool {
	return slices.Contains(s.Tasks.Pending, name) ||
		slices.Contains(s.Tasks.InProgress, name) ||
		slices.Contains(s.Tasks.Completed, name) ||
		slices.ContainsFunc(s.Tasks.Blocked, func(b BlockedTask) bool { return b.Name == name })
}

// AddTask puts a new task in the pending bucket. Known tasks are left alone.
func (s *RoleState) AddTask(name string) {
	if s.hasTask(name) {
		return
	}
	s.Tasks.Pending = append(s.Tasks.Pending, name)
	s.refreshProgress()
}

// StartTask moves a task to in_progress and makes it the current task.
func (s *RoleState) StartTask(name string) {
	s.removeTask(name)
	s.Tasks.InProgress = append(s.Tasks.InProgress, name)
	s.CurrentTask = name
	if s.NextTask == name {
		s.NextTask = ""
	}
	s.refreshProgress()
}

// CompleteTask moves a task to completed. Completing an already completed
// task does not double count.
func (s *RoleState) CompleteTask(name string) {
	if slices.Contains(s.Tasks.Completed, name) {
		return
	}
	s.removeTask(name)
	s.Tasks.Completed = append(s.Tasks.Completed, name)
	s.Metrics.TasksCompleted++
	if s.CurrentTask == name {
		s.CurrentTask = s.NextTask
		s.NextTask = ""
	}
	if s.NextTask == "" && len(s.Tasks.Pending) > 0 {
		s.NextTask = s.Tasks.Pending[0]
	}
	s.refreshProgress()
}

// BlockTask moves a task to the blocked bucket with a reason.
func (s *RoleState) BlockTask(name, reason string) {
	s.removeTask(name)
	s.Tasks.Blocked = append(s.Tasks.Blocked, BlockedTask{Name: name, Reason: reason})
	if s.CurrentTask == name {
		s.CurrentTask = ""
	}
	s.refreshProgress()
}

// AllTasksCompleted reports whether no task is pending, running or blocked.
func (s *RoleState) AllTasksCompleted() bool {
	return len(s.Tasks.Pending) == 0 && len(s.Tasks.InProgress) == 0 && len(s.Tasks.Blocked) == 0
}

// -----------------------------------------------------------------------------
// Deliverable buckets
// -----------------------------------------------------------------------------

func (s *RoleState) removeDeliverable(name string) {
	s.Deliverables.Required = remove(s.Deliverables.Required, name)
	s.Deliverables.InProgress = remove(s.Deliverables.InProgress, name)
	s.Deliverables.Completed = remove(s.Deliverables.Completed, name)
	s.Deliverables.Approved = remove(s.Deliverables.Approved, name)
}

// StartDeliverable moves a deliverable to in_progress.
func (s *RoleState) StartDeliverable(name string) {
	if slices.Contains(s.Deliverables.Completed, name) || slices.Contains(s.Deliverables.Approved, name) {
		return
	}
	s.removeDeliverable(name)
	s.Deliverables.InProgress = append(s.Deliverables.InProgress, name)
}

// CompleteDeliverable moves a deliverable to completed. It returns false if
// the deliverable was already completed or approved.
func (s *RoleState) CompleteDeliverable(name string) bool {
	if slices.Contains(s.Deliverables.Completed, name) || slices.Contains(s.Deliverables.Approved, name) {
		return false
	}
	s.removeDeliverable(name)
	s.Deliverables.Completed = append(s.Deliverables.Completed, name)
	s.Metrics.DeliverablesProduced++
	return true
}

// ApproveDeliverable moves a deliverable to approved, counting it as produced
// if it skipped the completed bucket.
func (s *RoleState) ApproveDeliverable(name string) {
	if slices.Contains(s.Deliverables.Approved, name) {
		return
	}
	if !slices.Contains(s.Deliverables.Completed, name) {
		s.Metrics.DeliverablesProduced++
	}
	s.removeDeliverable(name)
	s.Deliverables.Approved = append(s.Deliverables.Approved, name)
}

// Approved reports whether name is an approved deliverable.
func (s *RoleState) Approved(name string) bool {
	return slices.Contains(s.Deliverables.Approved, name)
}

// DeliverablesProducedAll reports whether nothing is still required or in progress.
func (s *RoleState) DeliverablesProducedAll() bool {
	return len(s.Deliverables.Required) == 0 && len(s.Deliverables.InProgress) == 0
}

// DeliverablesAccepted reports whether every deliverable has been approved.
func (s *RoleState) DeliverablesAccepted() bool {
	return s.DeliverablesProducedAll() && len(s.Deliverables.Completed) == 0
}

// ReceiveInput records an input handed over by another role.
func (s *RoleState) ReceiveInput(name string) {
	if !slices.Contains(s.InputsReceived, name) {
		s.InputsReceived = append(s.InputsReceived, name)
	}
}

// SetProgress clamps p to 0..100.
func (s *RoleState) SetProgress(p int) {
	s.ProgressPercentage = max(0, min(100, p))
}

// refreshProgress derives progress from the task buckets when any task is known.
func (s *RoleState) refreshProgress() {
	total := len(s.Tasks.Pending) + len(s.Tasks.InProgress) + len(s.Tasks.Completed) + len(s.Tasks.Blocked)
	if total == 0 {
		return
	}
	s.SetProgress(len(s.Tasks.Completed) * 100 / total)
}

func remove(list []string, name string) []string {
	return slices.DeleteFunc(list, func(v string) bool { return v == name })
}

// Normalize replaces nil buckets with empty ones so a record encodes the same
// way in every persistence format.
func (s *RoleState) Normalize() {
	for _, p := range []*[]string{
		&s.Dependencies.WaitingFor, &s.Dependencies.Blocking,
		&s.Tasks.Pending, &s.Tasks.InProgress, &s.Tasks.Completed,
		&s.Deliverables.Required, &s.Deliverables.InProgress, &s.Deliverables.Completed, &s.Deliverables.Approved,
	} {
		if *p == nil {
			*p = []string{}
		}
	}
	if s.Tasks.Blocked == nil {
		s.Tasks.Blocked = []BlockedTask{}
	}
	if len(s.InputsReceived) == 0 {
		s.InputsReceived = nil
	}
}
