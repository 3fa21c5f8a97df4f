package orchestrator

// directory answers the router's topology questions from the live graph,
// so late-added edges are routed like declared ones.
type directory struct{ o *Orchestrator }

func (d directory) Dependents(roleID string) []string {
	return d.o.graph.Dependents(roleID)
}

func (d directory) Dependencies(roleID string) []string {
	edges := d.o.graph.Dependencies(roleID)
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		out = append(out, e.To)
	}
	return out
}

func (d directory) BlockedBy(roleID string) []string {
	st, _ := d.o.store.Get(roleID)
	return st.Dependencies.WaitingFor
}

func (d directory) Manager(roleID string) string {
	if role, ok := d.o.reg.Role(roleID); ok && role.ReportsTo != "" {
		return role.ReportsTo
	}
	return d.o.cfg.Escalation.ManagerRole
}

func (d directory) Reviewers(roleID string) []string {
	role, _ := d.o.reg.Role(roleID)
	return role.Reviewers
}

func (d directory) Senior() string { return d.o.cfg.Escalation.SeniorRole }

func (d directory) Owner() string { return d.o.cfg.Escalation.OwnerRole }
