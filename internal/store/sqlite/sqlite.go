// Package sqlite provides the SQLite-backed graph store.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	_ "modernc.org/sqlite"

	"saga/internal/cas"
	"saga/internal/graph"
	"saga/internal/store"
)

//go:embed schema.sql
var schemaSQL string

//go:embed pragmas.sql
var pragmasSQL string

// Content blobs at or above this size are stored zstd-compressed.
const compressThreshold = 512

const defaultTransitionLimit = 100

// DB wraps a SQLite connection implementing store.Store.
type DB struct {
	conn *sql.DB
	enc  *zstd.Encoder
	dec  *zstd.Decoder
	path string
}

// OpenDir opens or creates the database inside a data directory.
func OpenDir(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	return Open(filepath.Join(dir, "saga.db"))
}

// Open opens a database at the given path, applying pragmas and schema.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range strings.Split(pragmasSQL, "\n") {
		pragma = strings.TrimSpace(pragma)
		if pragma == "" || strings.HasPrefix(pragma, "--") {
			continue
		}
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &DB{conn: conn, enc: enc, dec: dec, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.enc.Close()
	db.dec.Close()
	return db.conn.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// writer implements store.Writer over either a live transaction or the
// auto-committing connection.
type writer struct {
	q  queryer
	db *DB
}

// WithTx runs fn inside a single transaction.
func (db *DB) WithTx(ctx context.Context, fn func(tx store.Writer) error) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&writer{q: tx, db: db}); err != nil {
		return err
	}
	return tx.Commit()
}

// ----- Writer (auto-commit) -----

func (db *DB) PutNode(ctx context.Context, n *graph.Node) error {
	return (&writer{q: db.conn, db: db}).PutNode(ctx, n)
}

func (db *DB) PutEdge(ctx context.Context, e *graph.Edge) error {
	return (&writer{q: db.conn, db: db}).PutEdge(ctx, e)
}

func (db *DB) PutBranch(ctx context.Context, b *graph.Branch) error {
	return (&writer{q: db.conn, db: db}).PutBranch(ctx, b)
}

func (db *DB) CASBranchHead(ctx context.Context, branchID string, expected, new []byte) (bool, error) {
	return (&writer{q: db.conn, db: db}).CASBranchHead(ctx, branchID, expected, new)
}

func (db *DB) AppendTransition(ctx context.Context, t *graph.StateTransition) error {
	return (&writer{q: db.conn, db: db}).AppendTransition(ctx, t)
}

// ----- Nodes -----

func (w *writer) PutNode(ctx context.Context, n *graph.Node) error {
	content, enc, err := w.db.encodeContent(n.Content)
	if err != nil {
		return err
	}
	parents, err := marshalParents(n.ParentHashes)
	if err != nil {
		return err
	}
	metadata, err := marshalMetadata(n.Metadata)
	if err != nil {
		return err
	}

	res, err := w.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO nodes (hash, entity_id, theme, type, content, content_enc, parents, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.Hash, string(n.EntityID), n.Theme, string(n.Type), content, enc, parents, metadata, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("inserting node: %w", err)
	}
	if affected == 0 {
		// Idempotent re-insert is fine; the same hash under a different
		// identity is not.
		var entityID, typ string
		err := w.q.QueryRowContext(ctx,
			`SELECT entity_id, type FROM nodes WHERE hash = ?`, n.Hash,
		).Scan(&entityID, &typ)
		if err == sql.ErrNoRows {
			// The insert was ignored but not by the hash key: a non-hash
			// unique index blocked it (a second ROOT for the entity).
			return store.ErrDuplicateNode
		}
		if err != nil {
			return fmt.Errorf("checking existing node: %w", err)
		}
		if entityID != string(n.EntityID) || typ != string(n.Type) {
			return store.ErrDuplicateNode
		}
	}
	return nil
}

// GetNode retrieves a node by content hash. Returns (nil, nil) when absent.
func (db *DB) GetNode(ctx context.Context, hash []byte) (*graph.Node, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT hash, entity_id, theme, type, content, content_enc, parents, metadata, created_at
		FROM nodes WHERE hash = ?
	`, hash)
	return db.scanNode(row)
}

// GetRoot retrieves the ROOT node of an entity.
func (db *DB) GetRoot(ctx context.Context, entityID graph.EntityID) (*graph.Node, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT hash, entity_id, theme, type, content, content_enc, parents, metadata, created_at
		FROM nodes WHERE entity_id = ? AND type = ?
	`, string(entityID), string(graph.NodeRoot))
	return db.scanNode(row)
}

func (db *DB) scanNode(row *sql.Row) (*graph.Node, error) {
	var n graph.Node
	var entityID, typ, enc, parents string
	var content []byte
	var metadata sql.NullString

	err := row.Scan(&n.Hash, &entityID, &n.Theme, &typ, &content, &enc, &parents, &metadata, &n.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying node: %w", err)
	}

	n.EntityID = graph.EntityID(entityID)
	n.Type = graph.NodeType(typ)

	n.Content, err = db.decodeContent(content, enc)
	if err != nil {
		return nil, err
	}
	n.ParentHashes, err = unmarshalParents(parents)
	if err != nil {
		return nil, err
	}
	n.Metadata, err = unmarshalMetadata(metadata)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// ListEntities returns the IDs of all entities with a ROOT node.
func (db *DB) ListEntities(ctx context.Context) ([]graph.EntityID, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT entity_id FROM nodes WHERE type = ? ORDER BY entity_id`,
		string(graph.NodeRoot))
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var ids []graph.EntityID
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		ids = append(ids, graph.EntityID(id))
	}
	return ids, rows.Err()
}

// ----- Edges -----

func (w *writer) PutEdge(ctx context.Context, e *graph.Edge) error {
	metadata, err := marshalMetadata(e.Metadata)
	if err != nil {
		return err
	}
	_, err = w.q.ExecContext(ctx, `
		INSERT OR IGNORE INTO edges (id, graph_id, src, dst, type, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, string(e.GraphID), e.Source, e.Target, string(e.Type), metadata, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting edge: %w", err)
	}
	return nil
}

// ListEdges lists edges leaving a node. Empty type matches all.
func (db *DB) ListEdges(ctx context.Context, source []byte, typ graph.EdgeType) ([]*graph.Edge, error) {
	return db.listEdges(ctx, "src", source, typ)
}

// ListEdgesTo lists edges arriving at a node. Empty type matches all.
func (db *DB) ListEdgesTo(ctx context.Context, target []byte, typ graph.EdgeType) ([]*graph.Edge, error) {
	return db.listEdges(ctx, "dst", target, typ)
}

func (db *DB) listEdges(ctx context.Context, col string, hash []byte, typ graph.EdgeType) ([]*graph.Edge, error) {
	query := `SELECT id, graph_id, src, dst, type, metadata, created_at FROM edges WHERE ` + col + ` = ?`
	args := []interface{}{hash}
	if typ != "" {
		query += ` AND type = ?`
		args = append(args, string(typ))
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var edges []*graph.Edge
	for rows.Next() {
		var e graph.Edge
		var graphID, etype string
		var metadata sql.NullString
		if err := rows.Scan(&e.ID, &graphID, &e.Source, &e.Target, &etype, &metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		e.GraphID = graph.EntityID(graphID)
		e.Type = graph.EdgeType(etype)
		e.Metadata, err = unmarshalMetadata(metadata)
		if err != nil {
			return nil, err
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// ----- Branches -----

func (w *writer) PutBranch(ctx context.Context, b *graph.Branch) error {
	_, err := w.q.ExecContext(ctx, `
		INSERT INTO branches (id, scope_id, name, head, parent_branch_id, base, type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, b.ID, string(b.ScopeID), b.Name, b.HeadHash, b.ParentBranchID, b.BaseHash, string(b.Type), b.CreatedAt, b.UpdatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.ErrBranchExists
		}
		return fmt.Errorf("inserting branch: %w", err)
	}
	return nil
}

// CASBranchHead advances a branch head only if it still equals expected.
// A single UPDATE carries the compare and the swap.
func (w *writer) CASBranchHead(ctx context.Context, branchID string, expected, new []byte) (bool, error) {
	res, err := w.q.ExecContext(ctx, `
		UPDATE branches SET head = ?, updated_at = ? WHERE id = ? AND head = ?
	`, new, cas.NowMs(), branchID, expected)
	if err != nil {
		return false, fmt.Errorf("advancing branch: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advancing branch: %w", err)
	}
	return affected == 1, nil
}

// GetBranch retrieves a branch by ID. Returns (nil, nil) when absent.
func (db *DB) GetBranch(ctx context.Context, id string) (*graph.Branch, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, scope_id, name, head, parent_branch_id, base, type, created_at, updated_at
		FROM branches WHERE id = ?
	`, id)
	return scanBranch(row)
}

// GetBranchByName retrieves a branch by (scope, name).
func (db *DB) GetBranchByName(ctx context.Context, scopeID graph.EntityID, name string) (*graph.Branch, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, scope_id, name, head, parent_branch_id, base, type, created_at, updated_at
		FROM branches WHERE scope_id = ? AND name = ?
	`, string(scopeID), name)
	return scanBranch(row)
}

// GetMainBranch retrieves the single MAIN branch of a scope.
func (db *DB) GetMainBranch(ctx context.Context, scopeID graph.EntityID) (*graph.Branch, error) {
	row := db.conn.QueryRowContext(ctx, `
		SELECT id, scope_id, name, head, parent_branch_id, base, type, created_at, updated_at
		FROM branches WHERE scope_id = ? AND type = ?
	`, string(scopeID), string(graph.BranchMain))
	return scanBranch(row)
}

// ListBranches lists all branches of a scope.
func (db *DB) ListBranches(ctx context.Context, scopeID graph.EntityID) ([]*graph.Branch, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, scope_id, name, head, parent_branch_id, base, type, created_at, updated_at
		FROM branches WHERE scope_id = ? ORDER BY name
	`, string(scopeID))
	if err != nil {
		return nil, fmt.Errorf("querying branches: %w", err)
	}
	defer rows.Close()

	var branches []*graph.Branch
	for rows.Next() {
		b, err := scanBranchRows(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

func scanBranch(row *sql.Row) (*graph.Branch, error) {
	var b graph.Branch
	var scopeID, typ string
	err := row.Scan(&b.ID, &scopeID, &b.Name, &b.HeadHash, &b.ParentBranchID, &b.BaseHash, &typ, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying branch: %w", err)
	}
	b.ScopeID = graph.EntityID(scopeID)
	b.Type = graph.BranchType(typ)
	return &b, nil
}

func scanBranchRows(rows *sql.Rows) (*graph.Branch, error) {
	var b graph.Branch
	var scopeID, typ string
	if err := rows.Scan(&b.ID, &scopeID, &b.Name, &b.HeadHash, &b.ParentBranchID, &b.BaseHash, &typ, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scanning branch: %w", err)
	}
	b.ScopeID = graph.EntityID(scopeID)
	b.Type = graph.BranchType(typ)
	return &b, nil
}

// ----- Transitions -----

func (w *writer) AppendTransition(ctx context.Context, t *graph.StateTransition) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = w.q.ExecContext(ctx, `
		INSERT INTO transitions (id, scope_id, version_hash, from_state, to_state, type, reason, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, string(t.ScopeID), t.VersionHash, t.FromState, t.ToState, string(t.Type), t.Reason, metadata, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("appending transition: %w", err)
	}
	return nil
}

// ListTransitions returns audit entries for a scope, newest first.
func (db *DB) ListTransitions(ctx context.Context, scopeID graph.EntityID, limit int) ([]*graph.StateTransition, error) {
	if limit <= 0 {
		limit = defaultTransitionLimit
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, scope_id, version_hash, from_state, to_state, type, reason, metadata, created_at
		FROM transitions WHERE scope_id = ? ORDER BY seq DESC LIMIT ?
	`, string(scopeID), limit)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var entries []*graph.StateTransition
	for rows.Next() {
		var t graph.StateTransition
		var scope, typ string
		var metadata sql.NullString
		if err := rows.Scan(&t.ID, &scope, &t.VersionHash, &t.FromState, &t.ToState, &typ, &t.Reason, &metadata, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.ScopeID = graph.EntityID(scope)
		t.Type = graph.TransitionType(typ)
		t.Metadata, err = unmarshalMetadata(metadata)
		if err != nil {
			return nil, err
		}
		entries = append(entries, &t)
	}
	return entries, rows.Err()
}

// ----- Encoding helpers -----

func (db *DB) encodeContent(content map[string]interface{}) ([]byte, string, error) {
	data, err := cas.Canonical(content)
	if err != nil {
		return nil, "", err
	}
	if len(data) >= compressThreshold {
		return db.enc.EncodeAll(data, nil), "zstd", nil
	}
	return data, "", nil
}

func (db *DB) decodeContent(data []byte, enc string) (map[string]interface{}, error) {
	if enc == "zstd" {
		var err error
		data, err = db.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing content: %w", err)
		}
	}
	var content map[string]interface{}
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("unmarshaling content: %w", err)
	}
	return content, nil
}

func marshalParents(parents [][]byte) (string, error) {
	hexes := make([]string, 0, len(parents))
	for _, p := range parents {
		hexes = append(hexes, cas.BytesToHex(p))
	}
	data, err := json.Marshal(hexes)
	if err != nil {
		return "", fmt.Errorf("marshaling parents: %w", err)
	}
	return string(data), nil
}

func unmarshalParents(s string) ([][]byte, error) {
	var hexes []string
	if err := json.Unmarshal([]byte(s), &hexes); err != nil {
		return nil, fmt.Errorf("unmarshaling parents: %w", err)
	}
	parents := make([][]byte, 0, len(hexes))
	for _, h := range hexes {
		p, err := cas.HexToBytes(h)
		if err != nil {
			return nil, fmt.Errorf("decoding parent hash: %w", err)
		}
		parents = append(parents, p)
	}
	return parents, nil
}

func marshalMetadata(m map[string]interface{}) (interface{}, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}
	return string(data), nil
}

func unmarshalMetadata(s sql.NullString) (map[string]interface{}, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("unmarshaling metadata: %w", err)
	}
	return m, nil
}
