// Package resolver picks a concrete agent endpoint for a role, failing over
// across the roster when circuits are open or budgets exhausted.
package resolver

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Endpoint is one invocable agent CLI from the roster. Entries are listed in
// preference order within a role.
type Endpoint struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"-"`
	Command      string   `yaml:"command"`
	Args         []string `yaml:"args"`
	ContextLimit int      `yaml:"context_limit"`
	CostUnits    int64    `yaml:"cost_units"`
	WindowLimit  int64    `yaml:"window_limit"`
}

// Roster maps agent roles to their candidate endpoints.
type Roster struct {
	roles map[string][]Endpoint
}

type rosterFile struct {
	Roles map[string][]Endpoint `yaml:"roles"`
}

// LoadRoster reads and validates a roster YAML file.
func LoadRoster(path string) (*Roster, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster %s: %w", path, err)
	}
	return ParseRoster(content)
}

// ParseRoster validates roster YAML content.
func ParseRoster(content []byte) (*Roster, error) {
	var rf rosterFile
	if err := yaml.Unmarshal(content, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse roster: %w", err)
	}
	if len(rf.Roles) == 0 {
		return nil, fmt.Errorf("roster defines no roles")
	}

	seen := make(map[string]bool)
	for role, endpoints := range rf.Roles {
		if len(endpoints) == 0 {
			return nil, fmt.Errorf("role %q has no endpoints", role)
		}
		for i := range endpoints {
			ep := &endpoints[i]
			if ep.Name == "" {
				return nil, fmt.Errorf("role %q: endpoint missing name", role)
			}
			if seen[ep.Name] {
				return nil, fmt.Errorf("duplicate endpoint name %q", ep.Name)
			}
			seen[ep.Name] = true
			if ep.Command == "" {
				return nil, fmt.Errorf("endpoint %q missing command", ep.Name)
			}
			if ep.CostUnits == 0 {
				ep.CostUnits = 1
			}
			ep.Role = role
		}
	}
	return &Roster{roles: rf.Roles}, nil
}

// Roles returns the configured role names, sorted.
func (r *Roster) Roles() []string {
	roles := make([]string, 0, len(r.roles))
	for role := range r.roles {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Endpoints returns a role's candidates in preference order.
func (r *Roster) Endpoints(role string) []Endpoint {
	return r.roles[role]
}

// AllEndpoints returns every endpoint, grouped by sorted role.
func (r *Roster) AllEndpoints() []Endpoint {
	var out []Endpoint
	for _, role := range r.Roles() {
		out = append(out, r.roles[role]...)
	}
	return out
}
