package sqlite

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"

	"saga/internal/cas"
	"saga/internal/graph"
	"saga/internal/store"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDir(t.TempDir())
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testNode(t *testing.T, entityID graph.EntityID, typ graph.NodeType, content map[string]interface{}, parents [][]byte) *graph.Node {
	t.Helper()
	hash, err := cas.ContentHash(content, parents)
	if err != nil {
		t.Fatalf("hashing content: %v", err)
	}
	return &graph.Node{
		Hash:         hash,
		EntityID:     entityID,
		Theme:        "fantasy",
		Content:      content,
		ParentHashes: parents,
		Type:         typ,
		CreatedAt:    cas.NowMs(),
	}
}

func TestPutGetNode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	node := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Yoda"}, nil)
	if err := db.PutNode(ctx, node); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	got, err := db.GetNode(ctx, node.Hash)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected node")
	}
	if got.EntityID != node.EntityID || got.Type != node.Type || got.Theme != node.Theme {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !reflect.DeepEqual(got.Content, map[string]interface{}{"name": "Yoda"}) {
		t.Errorf("content mismatch: %v", got.Content)
	}
}

func TestGetNode_Absent(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetNode(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for absent node")
	}
}

func TestPutNode_LargeContentCompressed(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Big enough to cross the compression threshold.
	content := map[string]interface{}{"bio": strings.Repeat("a long backstory ", 200)}
	node := testNode(t, "character/wordy", graph.NodeRoot, content, nil)
	if err := db.PutNode(ctx, node); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	got, err := db.GetNode(ctx, node.Hash)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if !reflect.DeepEqual(got.Content, content) {
		t.Error("compressed content did not round trip")
	}
}

func TestPutNode_IdempotentAndDuplicate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	node := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Yoda"}, nil)
	if err := db.PutNode(ctx, node); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	// Identical re-insert is fine.
	if err := db.PutNode(ctx, node); err != nil {
		t.Fatalf("idempotent re-insert failed: %v", err)
	}

	// Same hash, different identity is not.
	clash := *node
	clash.EntityID = "character/impostor"
	if err := db.PutNode(ctx, &clash); !errors.Is(err, store.ErrDuplicateNode) {
		t.Errorf("expected ErrDuplicateNode, got %v", err)
	}
}

func TestPutNode_SecondRootForEntity(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	first := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Yoda"}, nil)
	if err := db.PutNode(ctx, first); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	// Different content, same entity, ROOT again: blocked by the
	// one-root-per-entity index, not the hash key.
	second := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Other Yoda"}, nil)
	if err := db.PutNode(ctx, second); !errors.Is(err, store.ErrDuplicateNode) {
		t.Fatalf("expected ErrDuplicateNode, got %v", err)
	}

	got, err := db.GetRoot(ctx, "character/yoda")
	if err != nil {
		t.Fatalf("GetRoot failed: %v", err)
	}
	if got == nil || !bytes.Equal(got.Hash, first.Hash) {
		t.Error("original root not preserved")
	}
}

func TestGetRoot(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	root := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Yoda"}, nil)
	if err := db.PutNode(ctx, root); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	child := testNode(t, "character/yoda", graph.NodeTheme, map[string]interface{}{"name": "Cyber-Yoda"}, [][]byte{root.Hash})
	if err := db.PutNode(ctx, child); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}

	got, err := db.GetRoot(ctx, "character/yoda")
	if err != nil {
		t.Fatalf("GetRoot failed: %v", err)
	}
	if got == nil || !bytes.Equal(got.Hash, root.Hash) {
		t.Error("GetRoot did not return the ROOT node")
	}

	absent, err := db.GetRoot(ctx, "character/missing")
	if err != nil {
		t.Fatalf("GetRoot failed: %v", err)
	}
	if absent != nil {
		t.Error("expected nil root for unknown entity")
	}
}

func TestEdges(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	src := []byte{1, 1, 1}
	dst := []byte{2, 2, 2}
	edge := &graph.Edge{
		ID:        uuid.NewString(),
		GraphID:   "character/yoda",
		Source:    src,
		Target:    dst,
		Type:      graph.EdgeParent,
		CreatedAt: cas.NowMs(),
	}
	if err := db.PutEdge(ctx, edge); err != nil {
		t.Fatalf("PutEdge failed: %v", err)
	}
	// Idempotent on (src, type, dst).
	dup := *edge
	dup.ID = uuid.NewString()
	if err := db.PutEdge(ctx, &dup); err != nil {
		t.Fatalf("duplicate PutEdge failed: %v", err)
	}

	out, err := db.ListEdges(ctx, src, graph.EdgeParent)
	if err != nil {
		t.Fatalf("ListEdges failed: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(out))
	}
	if !bytes.Equal(out[0].Target, dst) {
		t.Error("edge target mismatch")
	}

	in, err := db.ListEdgesTo(ctx, dst, graph.EdgeParent)
	if err != nil {
		t.Fatalf("ListEdgesTo failed: %v", err)
	}
	if len(in) != 1 {
		t.Fatalf("expected 1 incoming edge, got %d", len(in))
	}

	none, err := db.ListEdges(ctx, src, graph.EdgeRelationship)
	if err != nil {
		t.Fatalf("ListEdges failed: %v", err)
	}
	if len(none) != 0 {
		t.Error("expected no RELATIONSHIP edges")
	}
}

func testBranch(scopeID graph.EntityID, name string, typ graph.BranchType, head []byte) *graph.Branch {
	now := cas.NowMs()
	return &graph.Branch{
		ID:        uuid.NewString(),
		ScopeID:   scopeID,
		Name:      name,
		HeadHash:  head,
		BaseHash:  head,
		Type:      typ,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestBranchCAS(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	h1 := []byte{1}
	h2 := []byte{2}
	b := testBranch("character/yoda", "main", graph.BranchMain, h1)
	if err := db.PutBranch(ctx, b); err != nil {
		t.Fatalf("PutBranch failed: %v", err)
	}

	ok, err := db.CASBranchHead(ctx, b.ID, h1, h2)
	if err != nil {
		t.Fatalf("CASBranchHead failed: %v", err)
	}
	if !ok {
		t.Fatal("expected CAS to succeed")
	}

	// Stale expected head loses, no error.
	ok, err = db.CASBranchHead(ctx, b.ID, h1, []byte{3})
	if err != nil {
		t.Fatalf("CASBranchHead failed: %v", err)
	}
	if ok {
		t.Fatal("expected CAS to fail on stale head")
	}

	got, err := db.GetBranch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if !bytes.Equal(got.HeadHash, h2) {
		t.Error("head not advanced to h2")
	}
}

func TestBranchUniqueness(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if err := db.PutBranch(ctx, testBranch("campaign/ashfall", "main", graph.BranchMain, []byte{1})); err != nil {
		t.Fatalf("PutBranch failed: %v", err)
	}

	// Second MAIN for the same scope.
	err := db.PutBranch(ctx, testBranch("campaign/ashfall", "other", graph.BranchMain, []byte{1}))
	if !errors.Is(err, store.ErrBranchExists) {
		t.Errorf("expected ErrBranchExists for second MAIN, got %v", err)
	}

	// Same (scope, name).
	err = db.PutBranch(ctx, testBranch("campaign/ashfall", "main", graph.BranchAlternate, []byte{1}))
	if !errors.Is(err, store.ErrBranchExists) {
		t.Errorf("expected ErrBranchExists for duplicate name, got %v", err)
	}
}

func TestBranchLookups(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	main := testBranch("campaign/ashfall", "main", graph.BranchMain, []byte{1})
	draft := testBranch("campaign/ashfall", "draft", graph.BranchExperimental, []byte{1})
	if err := db.PutBranch(ctx, main); err != nil {
		t.Fatalf("PutBranch failed: %v", err)
	}
	if err := db.PutBranch(ctx, draft); err != nil {
		t.Fatalf("PutBranch failed: %v", err)
	}

	got, err := db.GetMainBranch(ctx, "campaign/ashfall")
	if err != nil {
		t.Fatalf("GetMainBranch failed: %v", err)
	}
	if got == nil || got.ID != main.ID {
		t.Error("GetMainBranch returned wrong branch")
	}

	byName, err := db.GetBranchByName(ctx, "campaign/ashfall", "draft")
	if err != nil {
		t.Fatalf("GetBranchByName failed: %v", err)
	}
	if byName == nil || byName.ID != draft.ID {
		t.Error("GetBranchByName returned wrong branch")
	}

	all, err := db.ListBranches(ctx, "campaign/ashfall")
	if err != nil {
		t.Fatalf("ListBranches failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 branches, got %d", len(all))
	}
}

func TestTransitions(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for i, theme := range []string{"fantasy", "cyberpunk", "cosmic"} {
		err := db.AppendTransition(ctx, &graph.StateTransition{
			ID:          uuid.NewString(),
			ScopeID:     "character/yoda",
			VersionHash: []byte{byte(i)},
			ToState:     theme,
			Type:        graph.TransitionTheme,
			CreatedAt:   cas.NowMs(),
		})
		if err != nil {
			t.Fatalf("AppendTransition failed: %v", err)
		}
	}

	entries, err := db.ListTransitions(ctx, "character/yoda", 0)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].ToState != "cosmic" || entries[2].ToState != "fantasy" {
		t.Errorf("wrong order: %s .. %s", entries[0].ToState, entries[2].ToState)
	}

	limited, err := db.ListTransitions(ctx, "character/yoda", 1)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("expected 1 entry, got %d", len(limited))
	}
}

func TestListEntities(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	for _, id := range []graph.EntityID{"character/yoda", "equipment/lightsaber"} {
		node := testNode(t, id, graph.NodeRoot, map[string]interface{}{"id": string(id)}, nil)
		if err := db.PutNode(ctx, node); err != nil {
			t.Fatalf("PutNode failed: %v", err)
		}
	}

	ids, err := db.ListEntities(ctx)
	if err != nil {
		t.Fatalf("ListEntities failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(ids))
	}
	if ids[0] != "character/yoda" {
		t.Errorf("expected sorted order, got %v", ids)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	node := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Yoda"}, nil)
	boom := errors.New("boom")

	err := db.WithTx(ctx, func(tx store.Writer) error {
		if err := tx.PutNode(ctx, node); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := db.GetNode(ctx, node.Hash)
	if err != nil {
		t.Fatalf("GetNode failed: %v", err)
	}
	if got != nil {
		t.Error("node survived a rolled-back transaction")
	}
}

func TestWithTx_GroupsNodeEdgeBranchAdvance(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	root := testNode(t, "character/yoda", graph.NodeRoot, map[string]interface{}{"name": "Yoda"}, nil)
	if err := db.PutNode(ctx, root); err != nil {
		t.Fatalf("PutNode failed: %v", err)
	}
	b := testBranch("character/yoda", "main", graph.BranchMain, root.Hash)
	if err := db.PutBranch(ctx, b); err != nil {
		t.Fatalf("PutBranch failed: %v", err)
	}

	child := testNode(t, "character/yoda", graph.NodeTheme, map[string]interface{}{"name": "Cyber-Yoda"}, [][]byte{root.Hash})
	err := db.WithTx(ctx, func(tx store.Writer) error {
		if err := tx.PutNode(ctx, child); err != nil {
			return err
		}
		if err := tx.PutEdge(ctx, &graph.Edge{
			ID: uuid.NewString(), GraphID: "character/yoda",
			Source: child.Hash, Target: root.Hash,
			Type: graph.EdgeParent, CreatedAt: cas.NowMs(),
		}); err != nil {
			return err
		}
		ok, err := tx.CASBranchHead(ctx, b.ID, root.Hash, child.Hash)
		if err != nil {
			return err
		}
		if !ok {
			t.Fatal("expected CAS inside tx to succeed")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	got, err := db.GetBranch(ctx, b.ID)
	if err != nil {
		t.Fatalf("GetBranch failed: %v", err)
	}
	if !bytes.Equal(got.HeadHash, child.Hash) {
		t.Error("branch head not advanced by transaction")
	}
}
