package graph

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BranchingPolicy decides where a themed variant's PARENT edge points.
type BranchingPolicy string

const (
	// PolicyCumulative parents the new variant on the entity's current
	// branch tip, so theme changes accumulate.
	PolicyCumulative BranchingPolicy = "cumulative"
	// PolicyRootReset parents the new variant directly on the entity's
	// ROOT node, discarding intermediate theme-specific ancestry.
	PolicyRootReset BranchingPolicy = "root_reset"
)

// PolicyTable maps entity types to branching policies. It is
// configuration, not persisted state: behavior is dispatched through
// this table, never through entity subclassing.
type PolicyTable struct {
	Policies map[string]BranchingPolicy `yaml:"policies"`
	Default  BranchingPolicy            `yaml:"default"`
}

// DefaultPolicyTable returns the built-in table: characters and
// campaigns grow cumulatively, equipment always re-forks from root.
func DefaultPolicyTable() *PolicyTable {
	return &PolicyTable{
		Policies: map[string]BranchingPolicy{
			"character": PolicyCumulative,
			"campaign":  PolicyCumulative,
			"chapter":   PolicyCumulative,
			"equipment": PolicyRootReset,
			"item":      PolicyRootReset,
		},
		Default: PolicyCumulative,
	}
}

// LoadPolicyTable reads a policy table from a YAML file.
func LoadPolicyTable(path string) (*PolicyTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}

	var table PolicyTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}
	if table.Default == "" {
		table.Default = PolicyCumulative
	}
	for typ, p := range table.Policies {
		if p != PolicyCumulative && p != PolicyRootReset {
			return nil, fmt.Errorf("unknown policy %q for entity type %q", p, typ)
		}
	}
	return &table, nil
}

// For returns the policy for an entity type.
func (t *PolicyTable) For(entityType string) BranchingPolicy {
	if p, ok := t.Policies[entityType]; ok {
		return p
	}
	if t.Default != "" {
		return t.Default
	}
	return PolicyCumulative
}

// ForEntity returns the policy for an entity ID, using the path-like
// naming convention "<scope>/<name>/<type>/<name>": the type is the
// second-to-last segment. IDs without path structure use the default.
func (t *PolicyTable) ForEntity(id EntityID) BranchingPolicy {
	parts := strings.Split(string(id), "/")
	if len(parts) < 2 {
		return t.For("")
	}
	return t.For(parts[len(parts)-2])
}
