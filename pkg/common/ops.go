package common

import "fmt"

// OperationKind is the closed set of batch operation variants.
type OperationKind string

const (
	OpCreateNode OperationKind = "create_node"
	OpUpdateNode OperationKind = "update_node"
	OpDeleteNode OperationKind = "delete_node"
	OpCreateEdge OperationKind = "create_edge"
	OpDeleteEdge OperationKind = "delete_edge"
)

// NodeOp is the payload of node-targeting operations.
//
// For creates, SemanticID names the new node and Ref is unused. For
// updates and deletes, Ref identifies the node by semantic id, batch
// temporary id, or permanent id; the resolver rewrites it to the
// permanent id before the operation reaches the durable store.
type NodeOp struct {
	Ref          string            `json:"ref,omitempty"`
	SemanticID   string            `json:"semantic_id,omitempty"`
	Kind         NodeKind          `json:"kind,omitempty"`
	Name         string            `json:"name,omitempty"`
	Description  string            `json:"description,omitempty"`
	Presentation map[string]string `json:"presentation,omitempty"`
}

// EdgeOp is the payload of edge-targeting operations. SourceRef and
// TargetRef accept the same reference forms as NodeOp.Ref. After
// resolution both hold permanent ids, and SourceSemantic/TargetSemantic
// carry the wire-facing semantic ids for broadcasting.
type EdgeOp struct {
	SourceRef      string       `json:"source_ref"`
	TargetRef      string       `json:"target_ref"`
	SourceSemantic string       `json:"-"`
	TargetSemantic string       `json:"-"`
	Kind           RelationKind `json:"kind"`
}

// Operation is one step of an agent or client batch. The Kind tag selects
// which payload pointer is populated; the other is nil.
type Operation struct {
	ID        string        `json:"id"`
	Kind      OperationKind `json:"kind"`
	TempID    string        `json:"temp_id,omitempty"`
	DependsOn []string      `json:"depends_on,omitempty"`
	Node      *NodeOp       `json:"node,omitempty"`
	Edge      *EdgeOp       `json:"edge,omitempty"`
}

// Validate checks the kind/payload pairing and the per-variant required
// fields before the operation enters the pipeline.
func (o Operation) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("operation has no id")
	}
	switch o.Kind {
	case OpCreateNode:
		if o.Node == nil {
			return fmt.Errorf("operation %s: create_node requires a node payload", o.ID)
		}
		if o.Node.SemanticID == "" {
			return fmt.Errorf("operation %s: create_node requires a semantic id", o.ID)
		}
		if !o.Node.Kind.Valid() {
			return fmt.Errorf("operation %s: unknown node kind %q", o.ID, o.Node.Kind)
		}
		if o.TempID == "" {
			return fmt.Errorf("operation %s: create_node requires a temporary id", o.ID)
		}
	case OpUpdateNode, OpDeleteNode:
		if o.Node == nil {
			return fmt.Errorf("operation %s: %s requires a node payload", o.ID, o.Kind)
		}
		if o.Node.Ref == "" {
			return fmt.Errorf("operation %s: %s requires a node reference", o.ID, o.Kind)
		}
	case OpCreateEdge, OpDeleteEdge:
		if o.Edge == nil {
			return fmt.Errorf("operation %s: %s requires an edge payload", o.ID, o.Kind)
		}
		if o.Edge.SourceRef == "" || o.Edge.TargetRef == "" {
			return fmt.Errorf("operation %s: %s requires source and target references", o.ID, o.Kind)
		}
		if !o.Edge.Kind.Valid() {
			return fmt.Errorf("operation %s: unknown relation kind %q", o.ID, o.Edge.Kind)
		}
	default:
		return fmt.Errorf("operation %s: unknown operation kind %q", o.ID, o.Kind)
	}
	return nil
}
