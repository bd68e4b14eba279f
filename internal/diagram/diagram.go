// Package diagram renders an entity's version DAG as a human-readable
// description for audit and debugging. Pure read.
package diagram

import (
	"context"
	"fmt"
	"strings"

	"saga/internal/cas"
	"saga/internal/graph"
	"saga/internal/store"
)

// Generate walks every node reachable from the entity's ROOT and
// renders the DAG with theme and type annotations, then the entity's
// branches and cross-entity relationships. The walk shares the
// engine-wide depth guard.
func Generate(ctx context.Context, s store.Store, entityID graph.EntityID, maxDepth int) (string, error) {
	root, err := s.GetRoot(ctx, entityID)
	if err != nil {
		return "", err
	}
	if root == nil {
		return "", &graph.EntityNotFoundError{EntityID: entityID}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "entity %s\n", entityID)

	visited := map[string]bool{}
	if err := renderNode(ctx, s, &b, root, 0, maxDepth, visited); err != nil {
		return "", err
	}

	branches, err := s.ListBranches(ctx, entityID)
	if err != nil {
		return "", err
	}
	if len(branches) > 0 {
		b.WriteString("branches:\n")
		for _, br := range branches {
			fmt.Fprintf(&b, "  %s -> %s (%s)\n", br.Name, cas.ShortHex(br.HeadHash), br.Type)
		}
	}

	return b.String(), nil
}

func renderNode(ctx context.Context, s store.Store, b *strings.Builder, node *graph.Node, depth, maxDepth int, visited map[string]bool) error {
	if depth > maxDepth {
		return &graph.MergeDepthExceededError{MaxDepth: maxDepth}
	}

	indent := strings.Repeat("  ", depth)
	key := string(node.Hash)
	if visited[key] {
		// Merge nodes are reachable through both parents; render once.
		fmt.Fprintf(b, "%s%s %s theme=%s (seen)\n", indent, cas.ShortHex(node.Hash), node.Type, node.Theme)
		return nil
	}
	visited[key] = true

	fmt.Fprintf(b, "%s%s %s theme=%s\n", indent, cas.ShortHex(node.Hash), node.Type, node.Theme)

	rels, err := s.ListEdges(ctx, node.Hash, graph.EdgeRelationship)
	if err != nil {
		return err
	}
	for _, rel := range rels {
		fmt.Fprintf(b, "%s  ~ relates to %s\n", indent, cas.ShortHex(rel.Target))
	}

	// Children are the nodes whose PARENT edges arrive here.
	children, err := s.ListEdgesTo(ctx, node.Hash, graph.EdgeParent)
	if err != nil {
		return err
	}
	for _, edge := range children {
		child, err := s.GetNode(ctx, edge.Source)
		if err != nil {
			return err
		}
		if child == nil {
			return &graph.BrokenChainError{NodeHash: edge.Source, EdgeType: graph.EdgeParent}
		}
		if err := renderNode(ctx, s, b, child, depth+1, maxDepth, visited); err != nil {
			return err
		}
	}
	return nil
}
