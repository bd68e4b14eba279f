// Package graph provides the core data model for narrative version
// control: immutable nodes and edges forming per-entity DAGs, mutable
// branch pointers, and append-only state transitions.
package graph

// EntityID identifies one logical thing (a character, an item, a
// campaign) across every theme it is ever expressed in. Path-like by
// convention, e.g. "campaign/ashfall/character/yoda". Never reassigned.
type EntityID string

// NodeType classifies a version node.
type NodeType string

const (
	NodeRoot   NodeType = "ROOT"
	NodeTheme  NodeType = "THEME"
	NodeBranch NodeType = "BRANCH"
	NodeMerge  NodeType = "MERGE" // the only type permitted two parents
)

// EdgeType classifies a relationship between nodes.
type EdgeType string

const (
	// EdgeParent forms the cumulative ancestry chain.
	EdgeParent EdgeType = "PARENT"
	// EdgeRoot always points directly at the entity's ROOT node,
	// regardless of chain depth.
	EdgeRoot EdgeType = "ROOT"
	// EdgeRelationship links nodes across different entities (a
	// character owns an equipment node). Carries no lifecycle ownership.
	EdgeRelationship EdgeType = "RELATIONSHIP"
)

// BranchType classifies a branch pointer.
type BranchType string

const (
	BranchMain         BranchType = "MAIN"
	BranchAlternate    BranchType = "ALTERNATE"
	BranchPlayerChoice BranchType = "PLAYER_CHOICE"
	BranchExperimental BranchType = "EXPERIMENTAL"
	BranchParallel     BranchType = "PARALLEL"
)

// Node is an immutable snapshot of an entity's content at one point in
// its version history. Each node stores a full snapshot, not a delta,
// so state lookup never replays the chain. Hash is a pure function of
// (Content, ParentHashes).
type Node struct {
	Hash         []byte
	EntityID     EntityID
	Theme        string
	Content      map[string]interface{}
	ParentHashes [][]byte
	Type         NodeType
	Metadata     map[string]interface{}
	CreatedAt    int64
}

// Edge is an immutable, typed link between two nodes, addressed by
// their content hashes.
type Edge struct {
	ID        string
	GraphID   EntityID // entity graph the edge belongs to (source side)
	Source    []byte
	Target    []byte
	Type      EdgeType
	Metadata  map[string]interface{}
	CreatedAt int64
}

// Branch is the only mutable pointer in the system: a named reference
// to the current tip of one line of history. The head moves only via
// compare-and-swap.
type Branch struct {
	ID             string
	ScopeID        EntityID
	Name           string
	HeadHash       []byte
	ParentBranchID string
	BaseHash       []byte
	Type           BranchType
	CreatedAt      int64
	UpdatedAt      int64
}

// TransitionType classifies an observed state change.
type TransitionType string

const (
	TransitionRootCreated   TransitionType = "root_created"
	TransitionTheme         TransitionType = "theme_transition"
	TransitionCommit        TransitionType = "commit"
	TransitionMerge         TransitionType = "merge"
	TransitionBranchCreated TransitionType = "branch_created"
)

// StateTransition is an append-only audit record of an observed change.
// It is log-only: graph traversal never reads it.
type StateTransition struct {
	ID          string
	ScopeID     EntityID
	VersionHash []byte
	FromState   string // empty for the first transition of a scope
	ToState     string
	Type        TransitionType
	Reason      string
	Metadata    map[string]interface{}
	CreatedAt   int64
}
