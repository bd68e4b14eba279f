// Package merge implements branch merging: lowest-common-ancestor
// discovery over PARENT ancestry, field-path structural diff, and
// merge-node creation. The engine holds no lock across its
// read-diff-write sequence; a race is detected purely by the final CAS
// on the target branch failing.
package merge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"saga/internal/cas"
	"saga/internal/config"
	"saga/internal/graph"
	"saga/internal/store"
)

// ConflictError is returned when conflicts exist and conflicted merges
// are disallowed. No merge node is written and no branch advances.
type ConflictError struct {
	Conflicts []Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge produced %d conflict(s)", len(e.Conflicts))
}

// Options controls a single merge.
type Options struct {
	Author  string
	Message string
	// AllowConflictedMerge lets the merge land with conflicted fields
	// keeping the target's value and the conflict list returned as data.
	AllowConflictedMerge bool
}

// Result is the outcome of a merge.
type Result struct {
	// MergeNode is the written merge node; nil for no-op and
	// fast-forward merges.
	MergeNode *graph.Node
	// HeadHash is the target branch head after the merge.
	HeadHash  []byte
	Conflicts []Conflict
	// AlreadyMerged is set when the source head was already reachable
	// from the target head; nothing was written.
	AlreadyMerged bool
	// FastForward is set when the target head was the common ancestor
	// and simply advanced to the source head.
	FastForward bool
}

var errCASLost = errors.New("target branch head moved")

// Engine merges branches.
type Engine struct {
	store      store.Store
	maxDepth   int
	maxRetries int
	timeout    time.Duration
}

// NewEngine creates a merge engine.
func NewEngine(s store.Store, cfg *config.Config) *Engine {
	return &Engine{
		store:      s,
		maxDepth:   cfg.MaxDepth,
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.StoreTimeout,
	}
}

func (e *Engine) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, e.timeout)
}

// MergeBranch merges the source branch into the target branch. A lost
// race on the target head recomputes the whole merge against the fresh
// head, bounded by the retry budget.
func (e *Engine) MergeBranch(ctx context.Context, sourceBranchID, targetBranchID string, opts Options) (*Result, error) {
	attempts := e.maxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		result, err := e.tryMerge(ctx, sourceBranchID, targetBranchID, opts)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, errCASLost) {
			continue
		}
		return nil, err
	}
	return nil, &graph.TooManyRetriesError{BranchID: targetBranchID, Attempts: attempts}
}

func (e *Engine) tryMerge(ctx context.Context, sourceBranchID, targetBranchID string, opts Options) (*Result, error) {
	octx, cancel := e.opCtx(ctx)
	defer cancel()

	source, err := e.resolveBranch(octx, sourceBranchID)
	if err != nil {
		return nil, err
	}
	target, err := e.resolveBranch(octx, targetBranchID)
	if err != nil {
		return nil, err
	}

	srcHead, err := e.resolveNode(octx, source.HeadHash)
	if err != nil {
		return nil, err
	}
	tgtHead, err := e.resolveNode(octx, target.HeadHash)
	if err != nil {
		return nil, err
	}

	lca, err := e.findLCA(octx, srcHead.Hash, tgtHead.Hash)
	if err != nil {
		return nil, err
	}

	// Source already folded into target: nothing to do. Repeating a
	// merge with no intervening commits lands here.
	if bytes.Equal(lca.Hash, srcHead.Hash) {
		return &Result{HeadHash: tgtHead.Hash, AlreadyMerged: true}, nil
	}

	// Target is the ancestor: fast-forward, no merge node needed.
	if bytes.Equal(lca.Hash, tgtHead.Hash) {
		ok, err := e.store.CASBranchHead(octx, target.ID, tgtHead.Hash, srcHead.Hash)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errCASLost
		}
		return &Result{HeadHash: srcHead.Hash, FastForward: true}, nil
	}

	merged, conflicts := Diff3(lca.Content, srcHead.Content, tgtHead.Content)
	if len(conflicts) > 0 && !opts.AllowConflictedMerge {
		return nil, &ConflictError{Conflicts: conflicts}
	}

	parents := [][]byte{srcHead.Hash, tgtHead.Hash}
	hash, err := cas.ContentHash(merged, parents)
	if err != nil {
		return nil, err
	}

	now := cas.NowMs()
	metadata := map[string]interface{}{
		"author":        opts.Author,
		"source_branch": source.Name,
		"target_branch": target.Name,
	}
	if len(conflicts) > 0 {
		metadata["conflicted"] = true
	}
	node := &graph.Node{
		Hash:         hash,
		EntityID:     target.ScopeID,
		Theme:        tgtHead.Theme,
		Content:      merged,
		ParentHashes: parents,
		Type:         graph.NodeMerge,
		Metadata:     metadata,
		CreatedAt:    now,
	}

	root, err := e.store.GetRoot(octx, target.ScopeID)
	if err != nil {
		return nil, err
	}

	err = e.store.WithTx(octx, func(tx store.Writer) error {
		if err := tx.PutNode(octx, node); err != nil {
			return err
		}
		for _, parent := range parents {
			if err := tx.PutEdge(octx, &graph.Edge{
				ID:        uuid.NewString(),
				GraphID:   target.ScopeID,
				Source:    hash,
				Target:    parent,
				Type:      graph.EdgeParent,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		if root != nil {
			if err := tx.PutEdge(octx, &graph.Edge{
				ID:        uuid.NewString(),
				GraphID:   target.ScopeID,
				Source:    hash,
				Target:    root.Hash,
				Type:      graph.EdgeRoot,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		// FromState/ToState carry themes on every transition type; the
		// branch pair lives in metadata.
		if err := tx.AppendTransition(octx, &graph.StateTransition{
			ID:          uuid.NewString(),
			ScopeID:     target.ScopeID,
			VersionHash: hash,
			FromState:   srcHead.Theme,
			ToState:     tgtHead.Theme,
			Type:        graph.TransitionMerge,
			Reason:      opts.Message,
			Metadata: map[string]interface{}{
				"conflicts":     len(conflicts),
				"source_branch": source.Name,
				"target_branch": target.Name,
			},
			CreatedAt: now,
		}); err != nil {
			return err
		}

		ok, err := tx.CASBranchHead(octx, target.ID, tgtHead.Hash, hash)
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
			// Unknown outcome: re-read before deciding. Head at our
			// merge hash means the transaction committed.
			b, rerr := e.store.GetBranch(ctx, target.ID)
			if rerr == nil && b != nil && bytes.Equal(b.HeadHash, hash) {
				return &Result{MergeNode: node, HeadHash: hash, Conflicts: conflicts}, nil
			}
			return nil, errCASLost
		}
		return nil, err
	}

	return &Result{MergeNode: node, HeadHash: hash, Conflicts: conflicts}, nil
}

func (e *Engine) resolveBranch(ctx context.Context, id string) (*graph.Branch, error) {
	b, err := e.store.GetBranch(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, &graph.BranchNotFoundError{ID: id}
	}
	return b, nil
}

func (e *Engine) resolveNode(ctx context.Context, hash []byte) (*graph.Node, error) {
	n, err := e.store.GetNode(ctx, hash)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, &graph.BrokenChainError{NodeHash: hash, EdgeType: graph.EdgeParent}
	}
	return n, nil
}

// findLCA walks PARENT ancestry from both heads, expanding the two
// frontiers alternately until they intersect, bounded by the depth
// guard.
func (e *Engine) findLCA(ctx context.Context, a, b []byte) (*graph.Node, error) {
	seenA := map[string]bool{string(a): true}
	seenB := map[string]bool{string(b): true}
	frontierA := [][]byte{a}
	frontierB := [][]byte{b}

	if hit := intersect(seenA, frontierB); hit != nil {
		return e.resolveNode(ctx, hit)
	}

	for depth := 0; depth < e.maxDepth; depth++ {
		if len(frontierA) == 0 && len(frontierB) == 0 {
			break
		}

		var err error
		frontierA, err = e.expand(ctx, frontierA, seenA)
		if err != nil {
			return nil, err
		}
		if hit := intersect(seenB, frontierA); hit != nil {
			return e.resolveNode(ctx, hit)
		}

		frontierB, err = e.expand(ctx, frontierB, seenB)
		if err != nil {
			return nil, err
		}
		if hit := intersect(seenA, frontierB); hit != nil {
			return e.resolveNode(ctx, hit)
		}
	}

	if len(frontierA) == 0 && len(frontierB) == 0 {
		// Disjoint histories: no common ancestor at all is a structural
		// failure, not a depth problem.
		return nil, &graph.BrokenChainError{NodeHash: a, EdgeType: graph.EdgeParent}
	}
	return nil, &graph.MergeDepthExceededError{MaxDepth: e.maxDepth}
}

func (e *Engine) expand(ctx context.Context, frontier [][]byte, seen map[string]bool) ([][]byte, error) {
	var next [][]byte
	for _, hash := range frontier {
		node, err := e.resolveNode(ctx, hash)
		if err != nil {
			return nil, err
		}
		for _, parent := range node.ParentHashes {
			if !seen[string(parent)] {
				seen[string(parent)] = true
				next = append(next, parent)
			}
		}
	}
	return next, nil
}

func intersect(seen map[string]bool, frontier [][]byte) []byte {
	for _, hash := range frontier {
		if seen[string(hash)] {
			return hash
		}
	}
	return nil
}
