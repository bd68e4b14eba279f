// Package branch manages named, mutable pointers into version history.
// Heads move only via compare-and-swap at the store; no other lock
// exists anywhere in the engine.
package branch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"saga/internal/cas"
	"saga/internal/config"
	"saga/internal/graph"
	"saga/internal/store"
)

// Manager creates and advances branches.
type Manager struct {
	store   store.Store
	timeout time.Duration
}

// NewManager creates a branch manager.
func NewManager(s store.Store, cfg *config.Config) *Manager {
	return &Manager{store: s, timeout: cfg.StoreTimeout}
}

func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// CreateBranch creates a named branch whose head starts at the base
// version. The base hash must resolve to a stored node.
func (m *Manager) CreateBranch(ctx context.Context, scopeID graph.EntityID, name string, baseHash []byte, parentBranchID string, typ graph.BranchType) (*graph.Branch, error) {
	octx, cancel := m.opCtx(ctx)
	defer cancel()

	base, err := m.store.GetNode(octx, baseHash)
	if err != nil {
		return nil, err
	}
	if base == nil {
		return nil, &graph.InvalidBaseVersionError{BaseHash: baseHash}
	}

	now := cas.NowMs()
	branch := &graph.Branch{
		ID:             uuid.NewString(),
		ScopeID:        scopeID,
		Name:           name,
		HeadHash:       baseHash,
		ParentBranchID: parentBranchID,
		BaseHash:       baseHash,
		Type:           typ,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = m.store.WithTx(octx, func(tx store.Writer) error {
		if err := tx.PutBranch(octx, branch); err != nil {
			return err
		}
		return tx.AppendTransition(octx, &graph.StateTransition{
			ID:          uuid.NewString(),
			ScopeID:     scopeID,
			VersionHash: baseHash,
			ToState:     name,
			Type:        graph.TransitionBranchCreated,
			Reason:      "branch " + name + " created",
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}
	return branch, nil
}

// GetMainBranch returns the single MAIN branch of a scope. Its absence
// for a known scope is a structural failure.
func (m *Manager) GetMainBranch(ctx context.Context, scopeID graph.EntityID) (*graph.Branch, error) {
	octx, cancel := m.opCtx(ctx)
	defer cancel()

	branch, err := m.store.GetMainBranch(octx, scopeID)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, &graph.MissingMainBranchError{ScopeID: scopeID}
	}
	return branch, nil
}

// GetBranch resolves a branch by ID.
func (m *Manager) GetBranch(ctx context.Context, id string) (*graph.Branch, error) {
	octx, cancel := m.opCtx(ctx)
	defer cancel()

	branch, err := m.store.GetBranch(octx, id)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, &graph.BranchNotFoundError{ID: id}
	}
	return branch, nil
}

// GetBranchByName resolves a branch by (scope, name).
func (m *Manager) GetBranchByName(ctx context.Context, scopeID graph.EntityID, name string) (*graph.Branch, error) {
	octx, cancel := m.opCtx(ctx)
	defer cancel()

	branch, err := m.store.GetBranchByName(octx, scopeID, name)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, &graph.BranchNotFoundError{ScopeID: scopeID, Name: name}
	}
	return branch, nil
}

// ListBranches lists all branches of a scope.
func (m *Manager) ListBranches(ctx context.Context, scopeID graph.EntityID) ([]*graph.Branch, error) {
	octx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.ListBranches(octx, scopeID)
}

// AdvanceBranch moves a branch head by compare-and-swap. Returns false,
// never an error, when the head no longer equals expected; retry or
// abort is the caller's decision.
func (m *Manager) AdvanceBranch(ctx context.Context, branchID string, expectedHead, newHead []byte) (bool, error) {
	octx, cancel := m.opCtx(ctx)
	defer cancel()
	return m.store.CASBranchHead(octx, branchID, expectedHead, newHead)
}
