// Package version implements the version graph core: per-entity DAG
// management, policy-driven edge wiring, chain traversal and state
// reads. Nodes never reference children, only parents, so cycles are
// structurally impossible.
package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"saga/internal/cas"
	"saga/internal/config"
	"saga/internal/graph"
	"saga/internal/store"
)

// MainBranchName is the name of the branch created with every root.
const MainBranchName = "main"

// errCASLost aborts a write transaction when the branch head moved
// under us. The caller retries against the fresh head.
var errCASLost = errors.New("branch head moved")

// Engine is the version graph core. It owns no background goroutines
// and no locks: branch-head CAS at the store is the single concurrency
// control point.
type Engine struct {
	store      store.Store
	policies   *graph.PolicyTable
	maxRetries int
	maxDepth   int
	timeout    time.Duration
}

// New creates an engine over a store.
func New(s store.Store, policies *graph.PolicyTable, cfg *config.Config) *Engine {
	if policies == nil {
		policies = graph.DefaultPolicyTable()
	}
	return &Engine{
		store:      s,
		policies:   policies,
		maxRetries: cfg.MaxRetries,
		maxDepth:   cfg.MaxDepth,
		timeout:    cfg.StoreTimeout,
	}
}

// Store exposes the underlying adapter for collaborating components.
func (e *Engine) Store() store.Store { return e.store }

// Policies exposes the branching-policy table.
func (e *Engine) Policies() *graph.PolicyTable { return e.policies }

// MaxDepth exposes the traversal depth bound.
func (e *Engine) MaxDepth() int { return e.maxDepth }

func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// CreateRoot creates the ROOT node of an entity together with its MAIN
// branch, atomically.
func (e *Engine) CreateRoot(ctx context.Context, entityID graph.EntityID, theme string, content map[string]interface{}) (*graph.Node, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	existing, err := e.store.GetRoot(octx, entityID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &graph.DuplicateRootError{EntityID: entityID}
	}

	hash, err := cas.ContentHash(content, nil)
	if err != nil {
		return nil, err
	}

	now := cas.NowMs()
	node := &graph.Node{
		Hash:      hash,
		EntityID:  entityID,
		Theme:     theme,
		Content:   content,
		Type:      graph.NodeRoot,
		CreatedAt: now,
	}
	branch := &graph.Branch{
		ID:        uuid.NewString(),
		ScopeID:   entityID,
		Name:      MainBranchName,
		HeadHash:  hash,
		BaseHash:  hash,
		Type:      graph.BranchMain,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = e.store.WithTx(octx, func(tx store.Writer) error {
		if err := tx.PutNode(octx, node); err != nil {
			return err
		}
		if err := tx.PutBranch(octx, branch); err != nil {
			return err
		}
		return tx.AppendTransition(octx, &graph.StateTransition{
			ID:          uuid.NewString(),
			ScopeID:     entityID,
			VersionHash: hash,
			ToState:     theme,
			Type:        graph.TransitionRootCreated,
			Reason:      "entity created",
			CreatedAt:   now,
		})
	})
	if err != nil {
		// A racing creator loses on the root-uniqueness index or the
		// MAIN-branch index, whichever fires first.
		if errors.Is(err, store.ErrDuplicateNode) || errors.Is(err, store.ErrBranchExists) {
			return nil, &graph.DuplicateRootError{EntityID: entityID}
		}
		return nil, err
	}
	return node, nil
}

// CreateThemedVariant creates a new themed snapshot of an entity. The
// PARENT edge targets the current branch tip under CUMULATIVE, or the
// ROOT node under ROOT_RESET (the bypassed tip keeps a RELATIONSHIP
// edge for audit, excluded from ancestry). The branch head advances by
// CAS; lost races retry against the fresh head, bounded.
func (e *Engine) CreateThemedVariant(ctx context.Context, entityID graph.EntityID, theme string, content map[string]interface{}, policy graph.BranchingPolicy) (*graph.Node, error) {
	return e.writeSnapshot(ctx, entityID, theme, content, policy, graph.NodeTheme, graph.TransitionTheme, "theme transition to "+theme)
}

// CommitChanges records a content change on the entity's current theme:
// node creation, edge wiring and transition logging in one atomic write.
func (e *Engine) CommitChanges(ctx context.Context, entityID graph.EntityID, content map[string]interface{}, message string) (*graph.Node, error) {
	return e.writeSnapshot(ctx, entityID, "", content, graph.PolicyCumulative, graph.NodeBranch, graph.TransitionCommit, message)
}

func (e *Engine) writeSnapshot(ctx context.Context, entityID graph.EntityID, theme string, content map[string]interface{}, policy graph.BranchingPolicy, nodeType graph.NodeType, transition graph.TransitionType, reason string) (*graph.Node, error) {
	attempts := e.maxRetries + 1
	var lastBranchID string

	for attempt := 0; attempt < attempts; attempt++ {
		node, err := e.tryWriteSnapshot(ctx, entityID, theme, content, policy, nodeType, transition, reason, &lastBranchID)
		if err == nil {
			return node, nil
		}
		if errors.Is(err, errCASLost) {
			continue
		}
		return nil, err
	}
	return nil, &graph.TooManyRetriesError{BranchID: lastBranchID, Attempts: attempts}
}

func (e *Engine) tryWriteSnapshot(ctx context.Context, entityID graph.EntityID, theme string, content map[string]interface{}, policy graph.BranchingPolicy, nodeType graph.NodeType, transition graph.TransitionType, reason string, branchID *string) (*graph.Node, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	root, err := e.store.GetRoot(octx, entityID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, &graph.EntityNotFoundError{EntityID: entityID}
	}

	branch, err := e.store.GetMainBranch(octx, entityID)
	if err != nil {
		return nil, err
	}
	if branch == nil {
		return nil, &graph.MissingMainBranchError{ScopeID: entityID}
	}
	*branchID = branch.ID

	tip, err := e.store.GetNode(octx, branch.HeadHash)
	if err != nil {
		return nil, err
	}
	if tip == nil {
		return nil, &graph.BrokenChainError{NodeHash: branch.HeadHash, EdgeType: graph.EdgeParent}
	}

	parent := tip
	if policy == graph.PolicyRootReset {
		parent = root
	}
	if theme == "" {
		theme = tip.Theme
	}

	hash, err := cas.ContentHash(content, [][]byte{parent.Hash})
	if err != nil {
		return nil, err
	}

	now := cas.NowMs()
	node := &graph.Node{
		Hash:         hash,
		EntityID:     entityID,
		Theme:        theme,
		Content:      content,
		ParentHashes: [][]byte{parent.Hash},
		Type:         nodeType,
		CreatedAt:    now,
	}

	err = e.store.WithTx(octx, func(tx store.Writer) error {
		if err := tx.PutNode(octx, node); err != nil {
			return err
		}
		if err := tx.PutEdge(octx, &graph.Edge{
			ID:        uuid.NewString(),
			GraphID:   entityID,
			Source:    hash,
			Target:    parent.Hash,
			Type:      graph.EdgeParent,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		if err := tx.PutEdge(octx, &graph.Edge{
			ID:        uuid.NewString(),
			GraphID:   entityID,
			Source:    hash,
			Target:    root.Hash,
			Type:      graph.EdgeRoot,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		// Under ROOT_RESET the bypassed tip stays visible for audit,
		// linked outside the ancestry chain.
		if policy == graph.PolicyRootReset && !bytes.Equal(tip.Hash, root.Hash) {
			if err := tx.PutEdge(octx, &graph.Edge{
				ID:        uuid.NewString(),
				GraphID:   entityID,
				Source:    hash,
				Target:    tip.Hash,
				Type:      graph.EdgeRelationship,
				Metadata:  map[string]interface{}{"audit": "previous_tip"},
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if err := tx.AppendTransition(octx, &graph.StateTransition{
			ID:          uuid.NewString(),
			ScopeID:     entityID,
			VersionHash: hash,
			FromState:   tip.Theme,
			ToState:     theme,
			Type:        transition,
			Reason:      reason,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		ok, err := tx.CASBranchHead(octx, branch.ID, branch.HeadHash, hash)
		if err != nil {
			return err
		}
		if !ok {
			return errCASLost
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Unknown outcome: never assume failure. If the head already
			// equals our hash, the transaction committed.
			if e.headEquals(ctx, branch.ID, hash) {
				return node, nil
			}
			return nil, errCASLost
		}
		return nil, err
	}
	return node, nil
}

func (e *Engine) headEquals(ctx context.Context, branchID string, hash []byte) bool {
	octx, cancel := e.opCtx(ctx)
	defer cancel()
	b, err := e.store.GetBranch(octx, branchID)
	return err == nil && b != nil && bytes.Equal(b.HeadHash, hash)
}

// GetEntityState returns the current content of an entity: the head
// node's full snapshot, read in O(1). The ancestry chain is provenance
// only; the read path never replays it. atBranch selects a named
// branch, empty means main.
func (e *Engine) GetEntityState(ctx context.Context, entityID graph.EntityID, atBranch string) (map[string]interface{}, error) {
	node, err := e.GetHeadNode(ctx, entityID, atBranch)
	if err != nil {
		return nil, err
	}
	return node.Content, nil
}

// GetHeadNode resolves the head node of an entity branch, verifying
// content-hash integrity on the way out.
func (e *Engine) GetHeadNode(ctx context.Context, entityID graph.EntityID, atBranch string) (*graph.Node, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	root, err := e.store.GetRoot(octx, entityID)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, &graph.EntityNotFoundError{EntityID: entityID}
	}

	var branch *graph.Branch
	if atBranch == "" {
		branch, err = e.store.GetMainBranch(octx, entityID)
		if err != nil {
			return nil, err
		}
		if branch == nil {
			return nil, &graph.MissingMainBranchError{ScopeID: entityID}
		}
	} else {
		branch, err = e.store.GetBranchByName(octx, entityID, atBranch)
		if err != nil {
			return nil, err
		}
		if branch == nil {
			return nil, &graph.BranchNotFoundError{ScopeID: entityID, Name: atBranch}
		}
	}

	node, err := e.store.GetNode(octx, branch.HeadHash)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &graph.BrokenChainError{NodeHash: branch.HeadHash, EdgeType: graph.EdgeParent}
	}
	if err := e.verifyNode(node); err != nil {
		return nil, err
	}
	return node, nil
}

// verifyNode recomputes the node's hash. A mismatch is store
// corruption and propagates immediately.
func (e *Engine) verifyNode(node *graph.Node) error {
	computed, err := cas.ContentHash(node.Content, node.ParentHashes)
	if err != nil {
		return err
	}
	if !bytes.Equal(computed, node.Hash) {
		return &graph.IntegrityError{NodeHash: node.Hash, Computed: computed}
	}
	return nil
}

// GetNodeChain walks edges of one type from a node back to the
// entity's ROOT, returning nodes in root-to-node order. A dead end
// before ROOT is a corruption signal.
func (e *Engine) GetNodeChain(ctx context.Context, nodeHash []byte, edgeType graph.EdgeType) ([]*graph.Node, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	node, err := e.store.GetNode(octx, nodeHash)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, &graph.BrokenChainError{NodeHash: nodeHash, EdgeType: edgeType}
	}

	chain := []*graph.Node{node}
	for node.Type != graph.NodeRoot {
		if len(chain) > e.maxDepth {
			return nil, &graph.MergeDepthExceededError{MaxDepth: e.maxDepth}
		}

		edges, err := e.store.ListEdges(octx, node.Hash, edgeType)
		if err != nil {
			return nil, err
		}
		if len(edges) == 0 {
			return nil, &graph.BrokenChainError{NodeHash: node.Hash, EdgeType: edgeType}
		}

		// Merge nodes carry two PARENT edges; the walk follows the
		// first-created one.
		node, err = e.store.GetNode(octx, edges[0].Target)
		if err != nil {
			return nil, err
		}
		if node == nil {
			return nil, &graph.BrokenChainError{NodeHash: edges[0].Target, EdgeType: edgeType}
		}
		chain = append(chain, node)
	}

	// Collected node-to-root; callers get root-to-node.
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// Relationship pairs a RELATIONSHIP edge with the node on its far side.
type Relationship struct {
	Edge *graph.Edge
	Node *graph.Node
}

// GetNodeRelationships gathers cross-entity links touching a node, in
// both directions.
func (e *Engine) GetNodeRelationships(ctx context.Context, nodeHash []byte) ([]Relationship, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	out, err := e.store.ListEdges(octx, nodeHash, graph.EdgeRelationship)
	if err != nil {
		return nil, err
	}
	in, err := e.store.ListEdgesTo(octx, nodeHash, graph.EdgeRelationship)
	if err != nil {
		return nil, err
	}

	var rels []Relationship
	for _, edge := range out {
		node, err := e.store.GetNode(octx, edge.Target)
		if err != nil {
			return nil, err
		}
		rels = append(rels, Relationship{Edge: edge, Node: node})
	}
	for _, edge := range in {
		node, err := e.store.GetNode(octx, edge.Source)
		if err != nil {
			return nil, err
		}
		rels = append(rels, Relationship{Edge: edge, Node: node})
	}
	return rels, nil
}

// LinkEntities creates a RELATIONSHIP edge between nodes of two
// different entities (a character owning an equipment piece). The edge
// carries no lifecycle ownership.
func (e *Engine) LinkEntities(ctx context.Context, sourceHash, targetHash []byte, metadata map[string]interface{}) (*graph.Edge, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	source, err := e.store.GetNode(octx, sourceHash)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, &graph.BrokenChainError{NodeHash: sourceHash, EdgeType: graph.EdgeRelationship}
	}
	target, err := e.store.GetNode(octx, targetHash)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, &graph.BrokenChainError{NodeHash: targetHash, EdgeType: graph.EdgeRelationship}
	}

	edge := &graph.Edge{
		ID:        uuid.NewString(),
		GraphID:   source.EntityID,
		Source:    sourceHash,
		Target:    targetHash,
		Type:      graph.EdgeRelationship,
		Metadata:  metadata,
		CreatedAt: cas.NowMs(),
	}
	if err := e.store.PutEdge(octx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// ListEntities returns entity IDs, optionally filtered by a doublestar
// glob pattern over the path-like ID convention.
func (e *Engine) ListEntities(ctx context.Context, pattern string) ([]graph.EntityID, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	ids, err := e.store.ListEntities(octx)
	if err != nil {
		return nil, err
	}
	if pattern == "" {
		return ids, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid entity pattern: %s", pattern)
	}

	var matched []graph.EntityID
	for _, id := range ids {
		ok, err := doublestar.Match(pattern, string(id))
		if err != nil {
			return nil, fmt.Errorf("matching entity pattern: %w", err)
		}
		if ok {
			matched = append(matched, id)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i] < matched[j] })
	return matched, nil
}

// History returns the state-transition audit log for a scope, newest
// first.
func (e *Engine) History(ctx context.Context, scopeID graph.EntityID, limit int) ([]*graph.StateTransition, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()
	return e.store.ListTransitions(octx, scopeID, limit)
}
