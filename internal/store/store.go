// Package store defines the graph store adapter consumed by the
// version engine. Implementations must make every write primitive
// atomic on its own; WithTx groups a node+edges+branch-advance write
// into one atomic unit.
package store

import (
	"context"
	"errors"

	"saga/internal/graph"
)

var (
	// ErrDuplicateNode indicates a hash already stored with a
	// conflicting identity. Re-inserting an identical node is not an
	// error: node writes are idempotent.
	ErrDuplicateNode = errors.New("node hash already exists with different identity")
	// ErrBranchExists indicates a (scope, name) or MAIN-per-scope
	// uniqueness violation.
	ErrBranchExists = errors.New("branch already exists")
)

// Writer provides the write primitives. It is implemented both by the
// store itself (auto-commit) and by the transaction handle passed to
// WithTx.
type Writer interface {
	// PutNode stores an immutable node, keyed by content hash.
	// Idempotent for identical re-inserts.
	PutNode(ctx context.Context, n *graph.Node) error

	// PutEdge stores an edge. Idempotent on (source, type, target).
	PutEdge(ctx context.Context, e *graph.Edge) error

	// PutBranch creates a branch pointer.
	PutBranch(ctx context.Context, b *graph.Branch) error

	// CASBranchHead atomically advances a branch head if it still
	// equals expected. Returns false (no error) on mismatch.
	CASBranchHead(ctx context.Context, branchID string, expected, new []byte) (bool, error)

	// AppendTransition appends to the state-transition audit log.
	AppendTransition(ctx context.Context, t *graph.StateTransition) error
}

// Store is the full adapter surface.
type Store interface {
	Writer

	// GetNode retrieves a node by content hash. Returns (nil, nil)
	// when absent.
	GetNode(ctx context.Context, hash []byte) (*graph.Node, error)

	// GetRoot retrieves the ROOT node of an entity. Returns (nil, nil)
	// when the entity has no root.
	GetRoot(ctx context.Context, entityID graph.EntityID) (*graph.Node, error)

	// GetBranch retrieves a branch by ID. Returns (nil, nil) when absent.
	GetBranch(ctx context.Context, id string) (*graph.Branch, error)

	// GetBranchByName retrieves a branch by (scope, name).
	GetBranchByName(ctx context.Context, scopeID graph.EntityID, name string) (*graph.Branch, error)

	// GetMainBranch retrieves the single MAIN branch of a scope.
	GetMainBranch(ctx context.Context, scopeID graph.EntityID) (*graph.Branch, error)

	// ListBranches lists all branches of a scope, by name.
	ListBranches(ctx context.Context, scopeID graph.EntityID) ([]*graph.Branch, error)

	// ListEdges lists edges leaving a node, optionally filtered by type
	// (empty type means all).
	ListEdges(ctx context.Context, source []byte, typ graph.EdgeType) ([]*graph.Edge, error)

	// ListEdgesTo lists edges arriving at a node.
	ListEdgesTo(ctx context.Context, target []byte, typ graph.EdgeType) ([]*graph.Edge, error)

	// ListTransitions returns the most recent audit entries for a
	// scope, newest first. limit <= 0 applies a default.
	ListTransitions(ctx context.Context, scopeID graph.EntityID, limit int) ([]*graph.StateTransition, error)

	// ListEntities returns the IDs of all entities with a ROOT node.
	ListEntities(ctx context.Context) ([]graph.EntityID, error)

	// WithTx runs fn inside a single atomic transaction. Any error
	// rolls the whole group back.
	WithTx(ctx context.Context, fn func(tx Writer) error) error

	// Close releases the store.
	Close() error
}
