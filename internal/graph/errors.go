package graph

import (
	"encoding/hex"
	"fmt"
)

// Structural errors are non-retryable and surface as client-facing
// failures. Concurrency errors are retryable against fresh state.
// Integrity errors are fatal and indicate store corruption.

// DuplicateRootError indicates a ROOT node already exists for an entity.
type DuplicateRootError struct {
	EntityID EntityID
}

func (e *DuplicateRootError) Error() string {
	return fmt.Sprintf("root node already exists for entity %s", e.EntityID)
}

// EntityNotFoundError indicates no ROOT node exists for an entity.
type EntityNotFoundError struct {
	EntityID EntityID
}

func (e *EntityNotFoundError) Error() string {
	return fmt.Sprintf("entity not found: %s", e.EntityID)
}

// BrokenChainError indicates a traversal hit a dead end before reaching
// a ROOT node. This is a corruption signal.
type BrokenChainError struct {
	NodeHash []byte
	EdgeType EdgeType
}

func (e *BrokenChainError) Error() string {
	return fmt.Sprintf("broken %s chain: dead end at node %s before root", e.EdgeType, hex.EncodeToString(e.NodeHash))
}

// MergeDepthExceededError indicates an ancestry walk passed the
// configured depth bound without finding a common ancestor.
type MergeDepthExceededError struct {
	MaxDepth int
}

func (e *MergeDepthExceededError) Error() string {
	return fmt.Sprintf("ancestry walk exceeded max depth %d", e.MaxDepth)
}

// InvalidBaseVersionError indicates a branch base hash that does not
// resolve to a stored node.
type InvalidBaseVersionError struct {
	BaseHash []byte
}

func (e *InvalidBaseVersionError) Error() string {
	return fmt.Sprintf("base version does not resolve: %s", hex.EncodeToString(e.BaseHash))
}

// BranchNotFoundError indicates a branch ID or name that does not resolve.
type BranchNotFoundError struct {
	ScopeID EntityID
	Name    string
	ID      string
}

func (e *BranchNotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("branch not found: %s", e.ID)
	}
	return fmt.Sprintf("branch %q not found in scope %s", e.Name, e.ScopeID)
}

// MissingMainBranchError indicates a scope with no MAIN branch. Exactly
// one MAIN branch must exist per scope.
type MissingMainBranchError struct {
	ScopeID EntityID
}

func (e *MissingMainBranchError) Error() string {
	return fmt.Sprintf("no main branch for scope %s", e.ScopeID)
}

// ConcurrentModificationError indicates a branch-head CAS lost to a
// concurrent writer. Retryable against the fresh head.
type ConcurrentModificationError struct {
	BranchID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of branch %s", e.BranchID)
}

// TooManyRetriesError indicates the bounded retry budget was exhausted.
type TooManyRetriesError struct {
	BranchID string
	Attempts int
}

func (e *TooManyRetriesError) Error() string {
	return fmt.Sprintf("gave up advancing branch %s after %d attempts", e.BranchID, e.Attempts)
}

// IntegrityError indicates a stored node whose content hash does not
// match its content. Fatal: never silently repaired.
type IntegrityError struct {
	NodeHash []byte
	Computed []byte
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity failure: node %s recomputes to %s",
		hex.EncodeToString(e.NodeHash), hex.EncodeToString(e.Computed))
}
