// Package pgx is the PostgreSQL implementation of the graph store.
// Entities live in one table as typed jsonb property bags; node
// descriptions additionally get a pgvector embedding when an embedder
// is configured, enabling similarity search for agent context.
package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/store"
)

// ErrNotFound reports an update or delete against a permanent id that
// names no row.
var ErrNotFound = errors.New("entity not found")

type pgxIConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
}

// Embedder produces the vector stored next to node descriptions.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}

const (
	insertEntitySQL = `
		INSERT INTO canvas_entities (public_id, workspace_id, root_id, kind, entity_type, props, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	updateEntitySQL = `
		UPDATE canvas_entities
		SET entity_type = $4, props = $5, embedding = COALESCE($6, embedding), updated_at = now()
		WHERE public_id = $1 AND workspace_id = $2 AND root_id = $3`

	deleteEntitySQL = `
		DELETE FROM canvas_entities
		WHERE public_id = $1 AND workspace_id = $2 AND root_id = $3`

	upsertSemanticSQL = `
		INSERT INTO semantic_identifiers (workspace_id, root_id, semantic_id, public_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, root_id, semantic_id) DO UPDATE SET public_id = EXCLUDED.public_id`

	lookupSemanticSQL = `
		SELECT public_id FROM semantic_identifiers
		WHERE workspace_id = $1 AND root_id = $2 AND semantic_id = $3`

	similarNodesSQL = `
		SELECT public_id, entity_type, props
		FROM canvas_entities
		WHERE workspace_id = $1 AND root_id = $2 AND kind = 'node' AND embedding IS NOT NULL
		ORDER BY embedding <=> $3
		LIMIT $4`
)

// GraphDBStore persists canvas entities in PostgreSQL. The embedder is
// optional; without one, rows carry a NULL embedding and similarity
// search returns nothing.
type GraphDBStore struct {
	conn     pgxIConn
	embedder Embedder
}

type Option func(*GraphDBStore)

// WithEmbedder enables vector embeddings for node descriptions.
func WithEmbedder(e Embedder) Option {
	return func(s *GraphDBStore) {
		s.embedder = e
	}
}

func New(conn pgxIConn, opts ...Option) *GraphDBStore {
	s := &GraphDBStore{conn: conn}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Create inserts the entity and returns the permanent id it issued.
// Ids are prefixed by record shape and never reused.
func (s *GraphDBStore) Create(ctx context.Context, workspaceID, rootID string, kind store.EntityKind, entityType string, props map[string]any) (string, error) {
	suffix, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("generate permanent id: %w", err)
	}
	prefix := "ent_"
	if kind == store.KindEdge {
		prefix = "rel_"
	}
	pid := prefix + suffix

	propsJSON, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("marshal props: %w", err)
	}

	embedding, err := s.embeddingFor(ctx, kind, props)
	if err != nil {
		return "", err
	}

	if _, err := s.conn.Exec(ctx, insertEntitySQL, pid, workspaceID, rootID, string(kind), entityType, propsJSON, embedding); err != nil {
		return "", fmt.Errorf("insert entity: %w", err)
	}
	return pid, nil
}

// Update replaces the property bag whole. The entity type is re-derived
// from the existing row's kind semantics by the caller; a missing row is
// ErrNotFound.
func (s *GraphDBStore) Update(ctx context.Context, workspaceID, rootID, permanentID string, props map[string]any) error {
	propsJSON, err := json.Marshal(props)
	if err != nil {
		return fmt.Errorf("marshal props: %w", err)
	}

	kind := store.KindNode
	entityType, err := s.entityType(ctx, workspaceID, rootID, permanentID, &kind)
	if err != nil {
		return err
	}

	embedding, err := s.embeddingFor(ctx, kind, props)
	if err != nil {
		return err
	}

	tag, err := s.conn.Exec(ctx, updateEntitySQL, permanentID, workspaceID, rootID, entityType, propsJSON, embedding)
	if err != nil {
		return fmt.Errorf("update entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update %s: %w", permanentID, ErrNotFound)
	}
	return nil
}

func (s *GraphDBStore) Delete(ctx context.Context, workspaceID, rootID, permanentID string) error {
	tag, err := s.conn.Exec(ctx, deleteEntitySQL, permanentID, workspaceID, rootID)
	if err != nil {
		return fmt.Errorf("delete entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete %s: %w", permanentID, ErrNotFound)
	}
	return nil
}

// Query fetches entities matching the filter. The dynamic WHERE clause
// only includes set fields.
func (s *GraphDBStore) Query(ctx context.Context, f store.Filter) ([]store.Entity, error) {
	sql := `SELECT public_id, kind, entity_type, props FROM canvas_entities WHERE workspace_id = $1 AND root_id = $2`
	args := []any{f.WorkspaceID, f.RootID}

	if f.Kind != "" {
		args = append(args, string(f.Kind))
		sql += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if len(f.Types) > 0 {
		args = append(args, f.Types)
		sql += fmt.Sprintf(" AND entity_type = ANY($%d)", len(args))
	}
	if len(f.SemanticIDs) > 0 {
		args = append(args, f.SemanticIDs)
		sql += fmt.Sprintf(" AND props->>'semantic_id' = ANY($%d)", len(args))
	}
	if f.SourceID != "" {
		args = append(args, f.SourceID)
		sql += fmt.Sprintf(" AND props->>'source_id' = $%d", len(args))
	}
	if f.TargetID != "" {
		args = append(args, f.TargetID)
		sql += fmt.Sprintf(" AND props->>'target_id' = $%d", len(args))
	}
	sql += " ORDER BY id"

	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	var out []store.Entity
	for rows.Next() {
		var (
			e         store.Entity
			kind      string
			propsJSON []byte
		)
		if err := rows.Scan(&e.PermanentID, &kind, &e.Type, &propsJSON); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.Kind = store.EntityKind(kind)
		if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal props for %s: %w", e.PermanentID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// LookupSemantic resolves a semantic id to its permanent id.
func (s *GraphDBStore) LookupSemantic(ctx context.Context, workspaceID, rootID, semanticID string) (string, bool, error) {
	var pid string
	err := s.conn.QueryRow(ctx, lookupSemanticSQL, workspaceID, rootID, semanticID).Scan(&pid)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup semantic id: %w", err)
	}
	return pid, true, nil
}

// CommitSemantic durably records a semantic to permanent id mapping.
func (s *GraphDBStore) CommitSemantic(ctx context.Context, workspaceID, rootID, semanticID, permanentID string) error {
	if _, err := s.conn.Exec(ctx, upsertSemanticSQL, workspaceID, rootID, semanticID, permanentID); err != nil {
		return fmt.Errorf("commit semantic id: %w", err)
	}
	return nil
}

// SimilarNodes returns the nodes whose descriptions are closest to the
// query by cosine distance. Needs an embedder.
func (s *GraphDBStore) SimilarNodes(ctx context.Context, workspaceID, rootID, query string, limit int) ([]common.Node, error) {
	if s.embedder == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, []byte(query))
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.conn.Query(ctx, similarNodesSQL, workspaceID, rootID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("similarity query: %w", err)
	}
	defer rows.Close()

	var nodes []common.Node
	for rows.Next() {
		var (
			e         store.Entity
			propsJSON []byte
		)
		if err := rows.Scan(&e.PermanentID, &e.Type, &propsJSON); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		if err := json.Unmarshal(propsJSON, &e.Properties); err != nil {
			return nil, fmt.Errorf("unmarshal props for %s: %w", e.PermanentID, err)
		}
		e.Kind = store.KindNode
		nodes = append(nodes, store.NodeFromEntity(e))
	}
	return nodes, rows.Err()
}

func (s *GraphDBStore) entityType(ctx context.Context, workspaceID, rootID, permanentID string, kind *store.EntityKind) (string, error) {
	var entityType, kindStr string
	err := s.conn.QueryRow(ctx,
		`SELECT entity_type, kind FROM canvas_entities WHERE public_id = $1 AND workspace_id = $2 AND root_id = $3`,
		permanentID, workspaceID, rootID,
	).Scan(&entityType, &kindStr)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return "", fmt.Errorf("entity %s: %w", permanentID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("load entity type: %w", err)
	}
	*kind = store.EntityKind(kindStr)
	return entityType, nil
}

// embeddingFor embeds node descriptions. A failed embedding downgrades
// to NULL rather than failing the write; similarity search just will
// not see the row.
func (s *GraphDBStore) embeddingFor(ctx context.Context, kind store.EntityKind, props map[string]any) (*pgvector.Vector, error) {
	if s.embedder == nil || kind != store.KindNode {
		return nil, nil
	}
	desc, _ := props["description"].(string)
	if desc == "" {
		return nil, nil
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, []byte(desc))
	if err != nil {
		logger.Warn("embedding generation failed, storing without vector", "error", err)
		return nil, nil
	}
	v := pgvector.NewVector(embedding)
	return &v, nil
}
