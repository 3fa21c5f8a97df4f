package escalation

// Concern classifies a blocker for escalation routing.
type Concern string

const (
	ConcernTechnical Concern = "technical"
	ConcernBusiness  Concern = "business"
	ConcernProcess   Concern = "process"
	ConcernTimeline  Concern = "timeline"
	ConcernResource  Concern = "resource"
)

// Targets resolves who receives an escalation.
type Targets struct {
	// Manager is the fallback for roles without reports_to.
	Manager string
	// Owner receives dependency escalations.
	Owner string
	// ByConcern maps a blocker concern to a receiving role.
	ByConcern map[string]string
}

// ForCondition returns the target for condition raised by a role whose
// direct manager is reportsTo.
func (t Targets) ForCondition(c Condition, reportsTo string, concern Concern) string {
	switch c {
	case DependencyUnresolved:
		return t.Owner
	case CriticalBlocker:
		if target := t.ForConcern(concern); target != "" {
			return target
		}
	}
	if reportsTo != "" {
		return reportsTo
	}
	return t.Manager
}

// ForConcern returns the configured role for concern, or "".
func (t Targets) ForConcern(c Concern) string {
	if c == "" {
		return ""
	}
	return t.ByConcern[string(c)]
}
