// Package registry loads the static catalog of role definitions.
//
// A registry is built once at startup from roles.yaml and never mutated.
// Every dependency, reports_to and reviewer edge must name a role in the
// same catalog; an unknown reference is a DependencyNotFound error and is
// fatal to startup. Collaborator edges are informational and not checked.
package registry

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/troupe/internal/errors"
)

// DependencyKind selects the completion predicate for a dependency edge.
type DependencyKind string

const (
	// KindHard is satisfied when the dependency reaches the completed phase.
	KindHard DependencyKind = "hard"
	// KindSoft is satisfied when every named input is an approved
	// deliverable of the dependency.
	KindSoft DependencyKind = "soft"
)

// Dependency is one outgoing dependency edge of a role.
type Dependency struct {
	RoleID string         `yaml:"role" json:"role"`
	Kind   DependencyKind `yaml:"kind" json:"kind"`
	Inputs []string       `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// UnmarshalYAML accepts either a bare role id (a hard dependency) or a
// mapping with role, kind and inputs.
func (d *Dependency) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		d.RoleID = node.Value
		d.Kind = KindHard
		return nil
	}

	type plain Dependency
	var p plain
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = Dependency(p)
	if d.Kind == "" {
		d.Kind = KindHard
	}
	return nil
}

// Role is an immutable role definition.
type Role struct {
	ID               string       `yaml:"-" json:"id"`
	Name             string       `yaml:"role_name" json:"name"`
	Responsibilities []string     `yaml:"responsibilities" json:"responsibilities"`
	Deliverables     []string     `yaml:"deliverables" json:"deliverables"`
	Dependencies     []Dependency `yaml:"dependencies" json:"dependencies"`
	Collaborators    []string     `yaml:"collaborates_with" json:"collaborators,omitempty"`
	ReportsTo        string       `yaml:"reports_to" json:"reports_to,omitempty"`
	Reviewers        []string     `yaml:"reviewers" json:"reviewers,omitempty"`
}

// DependsOn reports whether r has a dependency edge to roleID.
func (r Role) DependsOn(roleID string) bool {
	_, ok := r.Dependency(roleID)
	return ok
}

// Dependency returns r's edge to roleID, if any.
func (r Role) Dependency(roleID string) (Dependency, bool) {
	for _, d := range r.Dependencies {
		if d.RoleID == roleID {
			return d, true
		}
	}
	return Dependency{}, false
}

// Edge is a dependency edge: From depends on To.
type Edge struct {
	From   string
	To     string
	Kind   DependencyKind
	Inputs []string
}

// Registry is the immutable role catalog. Roles keep file order.
type Registry struct {
	roles []Role
	index map[string]int
}

type document struct {
	Roles yaml.Node `yaml:"roles"`
}

// Load reads and validates a roles.yaml file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(data)
}

// Parse decodes roles.yaml content. The roles key is a mapping from role id
// to definition; mapping order becomes registry order.
func Parse(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if doc.Roles.Kind != yaml.MappingNode {
		return nil, errors.NewValidationError("roles must be a mapping of role id to definition").WithField("roles")
	}

	roles := make([]Role, 0, len(doc.Roles.Content)/2)
	for i := 0; i+1 < len(doc.Roles.Content); i += 2 {
		id := doc.Roles.Content[i].Value
		var role Role
		if err := doc.Roles.Content[i+1].Decode(&role); err != nil {
			return nil, fmt.Errorf("parse role %s: %w", id, err)
		}
		role.ID = id
		roles = append(roles, role)
	}
	return New(roles)
}

// New builds a registry from role definitions, validating every reference.
func New(roles []Role) (*Registry, error) {
	r := &Registry{
		roles: make([]Role, 0, len(roles)),
		index: make(map[string]int, len(roles)),
	}

	for _, role := range roles {
		role.ID = strings.TrimSpace(role.ID)
		if role.ID == "" {
			return nil, errors.NewValidationError("role id cannot be empty").WithField("roles")
		}
		if _, dup := r.index[role.ID]; dup {
			return nil, errors.NewValidationError("duplicate role id").WithField("roles").WithValue(role.ID)
		}
		if role.Name == "" {
			role.Name = role.ID
		}
		r.index[role.ID] = len(r.roles)
		r.roles = append(r.roles, cloneRole(role))
	}

	var errs []error
	for _, role := range r.roles {
		for _, dep := range role.Dependencies {
			if _, ok := r.index[dep.RoleID]; !ok {
				errs = append(errs, errors.NewDependencyError(role.ID, dep.RoleID))
			}
			if dep.Kind != KindHard && dep.Kind != KindSoft {
				errs = append(errs, errors.NewValidationError("dependency kind must be hard or soft").
					WithField(role.ID+".dependencies."+dep.RoleID).WithValue(string(dep.Kind)))
			}
			if dep.Kind == KindSoft && len(dep.Inputs) == 0 {
				errs = append(errs, errors.NewValidationError("soft dependency requires inputs").
					WithField(role.ID+".dependencies."+dep.RoleID))
			}
		}
		if role.ReportsTo != "" {
			if _, ok := r.index[role.ReportsTo]; !ok {
				errs = append(errs, errors.NewDependencyError(role.ID, role.ReportsTo))
			}
		}
		for _, rev := range role.Reviewers {
			if _, ok := r.index[rev]; !ok {
				errs = append(errs, errors.NewDependencyError(role.ID, rev))
			}
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return r, nil
}

func cloneRole(r Role) Role {
	r.Responsibilities = slices.Clone(r.Responsibilities)
	r.Deliverables = slices.Clone(r.Deliverables)
	r.Collaborators = slices.Clone(r.Collaborators)
	r.Reviewers = slices.Clone(r.Reviewers)
	deps := make([]Dependency, len(r.Dependencies))
	for i, d := range r.Dependencies {
		d.Inputs = slices.Clone(d.Inputs)
		deps[i] = d
	}
	r.Dependencies = deps
	return r
}

// Len returns the number of roles.
func (r *Registry) Len() int {
	return len(r.roles)
}

// Has reports whether id is a registered role.
func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Role returns a copy of the role with the given id.
func (r *Registry) Role(id string) (Role, bool) {
	i, ok := r.index[id]
	if !ok {
		return Role{}, false
	}
	return cloneRole(r.roles[i]), true
}

// IDs returns role ids in registry order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.roles))
	for i, role := range r.roles {
		ids[i] = role.ID
	}
	return ids
}

// Roles returns copies of every role in registry order.
func (r *Registry) Roles() []Role {
	out := make([]Role, len(r.roles))
	for i, role := range r.roles {
		out[i] = cloneRole(role)
	}
	return out
}

// Edges returns every dependency edge in registry order.
func (r *Registry) Edges() []Edge {
	var edges []Edge
	for _, role := range r.roles {
		for _, d := range role.Dependencies {
			edges = append(edges, Edge{From: role.ID, To: d.RoleID, Kind: d.Kind, Inputs: slices.Clone(d.Inputs)})
		}
	}
	return edges
}

// Index returns the registry position of id, or -1.
func (r *Registry) Index(id string) int {
	if i, ok := r.index[id]; ok {
		return i
	}
	return -1
}
