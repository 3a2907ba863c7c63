// Package store defines the durable graph persistence boundary. Canvas
// entities are stored generically as typed property bags keyed by an
// opaque permanent id; the Postgres implementation lives in store/pgx.
package store

import (
	"context"

	"github.com/loomworks/loom/backend/pkg/common"
)

// EntityKind separates the two durable record shapes.
type EntityKind string

const (
	KindNode EntityKind = "node"
	KindEdge EntityKind = "edge"
)

// Entity is one durable record. Type holds the node kind or relation
// kind as a string; Properties carries the remaining fields.
type Entity struct {
	PermanentID string
	Kind        EntityKind
	Type        string
	Properties  map[string]any
}

// Filter narrows a Query. Zero fields are not applied. SemanticIDs,
// Types, SourceID and TargetID match against the corresponding
// properties.
type Filter struct {
	WorkspaceID string
	RootID      string
	Kind        EntityKind
	SemanticIDs []string
	Types       []string
	SourceID    string
	TargetID    string
}

// GraphStore is the persistence contract the canvas flusher and the
// batch pipeline write through. Create returns the permanent id it
// issued; the id is never reused, not even after Delete.
type GraphStore interface {
	Create(ctx context.Context, workspaceID, rootID string, kind EntityKind, entityType string, props map[string]any) (string, error)
	Update(ctx context.Context, workspaceID, rootID, permanentID string, props map[string]any) error
	Delete(ctx context.Context, workspaceID, rootID, permanentID string) error
	Query(ctx context.Context, f Filter) ([]Entity, error)
}

// SemanticResolver is the durable semantic-id table. A store that
// implements it lets the canvas flusher adopt permanent ids another
// process already minted for the same semantic id instead of issuing
// a second one.
type SemanticResolver interface {
	LookupSemantic(ctx context.Context, workspaceID, rootID, semanticID string) (string, bool, error)
	CommitSemantic(ctx context.Context, workspaceID, rootID, semanticID, permanentID string) error
}

// NodeProps flattens a node into its durable property bag. The
// permanent id is carried by the row, not the bag.
func NodeProps(n common.Node) map[string]any {
	props := map[string]any{
		"semantic_id": n.SemanticID,
		"name":        n.Name,
		"description": n.Description,
	}
	if len(n.Presentation) > 0 {
		pres := make(map[string]any, len(n.Presentation))
		for k, v := range n.Presentation {
			pres[k] = v
		}
		props["presentation"] = pres
	}
	return props
}

// NodeFromEntity rebuilds a node from its durable record.
func NodeFromEntity(e Entity) common.Node {
	n := common.Node{
		PermanentID: e.PermanentID,
		Kind:        common.NodeKind(e.Type),
	}
	if v, ok := e.Properties["semantic_id"].(string); ok {
		n.SemanticID = v
	}
	if v, ok := e.Properties["name"].(string); ok {
		n.Name = v
	}
	if v, ok := e.Properties["description"].(string); ok {
		n.Description = v
	}
	if raw, ok := e.Properties["presentation"].(map[string]any); ok && len(raw) > 0 {
		n.Presentation = make(map[string]string, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok {
				n.Presentation[k] = s
			}
		}
	}
	return n
}

// EdgeProps flattens an edge into its durable property bag. Source and
// target are stored twice: as permanent ids for referential lookups and
// as semantic ids for rebuilding wire state.
func EdgeProps(e common.Edge, sourcePermID, targetPermID string) map[string]any {
	return map[string]any{
		"source_id":       sourcePermID,
		"target_id":       targetPermID,
		"source_semantic": e.SourceID,
		"target_semantic": e.TargetID,
	}
}

// EdgeFromEntity rebuilds a wire edge (semantic endpoints) from its
// durable record.
func EdgeFromEntity(e Entity) common.Edge {
	edge := common.Edge{Kind: common.RelationKind(e.Type)}
	if v, ok := e.Properties["source_semantic"].(string); ok {
		edge.SourceID = v
	}
	if v, ok := e.Properties["target_semantic"].(string); ok {
		edge.TargetID = v
	}
	return edge
}
