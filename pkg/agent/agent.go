// Package agent is the boundary to the language models that propose
// canvas batches. Adapters live in subpackages per vendor; this package
// owns the wire schema, prompt assembly, and output decoding so every
// adapter produces the same Proposal shape.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/loomworks/loom/backend/pkg/common"
)

// Proposal is a decoded agent batch: executable operations plus the
// agent's free-text note for the session stream.
type Proposal struct {
	Operations []common.Operation
	Note       string
}

// BatchAgent turns an instruction and serialized canvas context into a
// proposal. Implementations enforce structured output themselves.
type BatchAgent interface {
	ProposeBatch(ctx context.Context, instruction, canvasContext string) (*Proposal, error)
}

// Embedder produces description vectors for similarity search.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}

// batchEnvelope is the flat JSON shape requested from the model.
// Operations are flattened rather than nested because models fill flat
// objects far more reliably.
type batchEnvelope struct {
	Note       string         `json:"note" jsonschema_description:"One short sentence summarizing the change"`
	Operations []operationDTO `json:"operations"`
}

type operationDTO struct {
	ID          string   `json:"id" jsonschema_description:"Unique id within this batch, e.g. op1"`
	Kind        string   `json:"kind" jsonschema:"enum=create_node,enum=update_node,enum=delete_node,enum=create_edge,enum=delete_edge"`
	TempID      string   `json:"temp_id,omitempty" jsonschema_description:"Required for create_node; later operations reference the new node by this id"`
	DependsOn   []string `json:"depends_on,omitempty" jsonschema_description:"Ids of operations in this batch that must run first"`
	Ref         string   `json:"ref,omitempty" jsonschema_description:"Node reference for update_node and delete_node"`
	SemanticID  string   `json:"semantic_id,omitempty" jsonschema_description:"Semantic id of a new node, e.g. OrderSystem.SY.001"`
	NodeType    string   `json:"node_type,omitempty" jsonschema:"enum=SYS,enum=SUB,enum=UC,enum=ACT,enum=REQ,enum=IFC"`
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	SourceRef   string   `json:"source_ref,omitempty"`
	TargetRef   string   `json:"target_ref,omitempty"`
	Relation    string   `json:"relation,omitempty" jsonschema:"enum=compose,enum=include,enum=extend,enum=associate,enum=depend"`
}

// Schema returns the JSON schema adapters attach to requests for
// structured output.
func Schema() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	return reflector.Reflect(&batchEnvelope{})
}

// DecodeProposal parses model output into a proposal, repairing
// malformed JSON first when needed.
func DecodeProposal(raw string) (*Proposal, error) {
	var env batchEnvelope
	if err := unmarshalFlexible(raw, &env); err != nil {
		return nil, fmt.Errorf("decode batch proposal: %w", err)
	}

	ops := make([]common.Operation, 0, len(env.Operations))
	for _, dto := range env.Operations {
		op, err := dto.toOperation()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return &Proposal{Operations: ops, Note: env.Note}, nil
}

func (d operationDTO) toOperation() (common.Operation, error) {
	op := common.Operation{
		ID:        d.ID,
		Kind:      common.OperationKind(d.Kind),
		TempID:    d.TempID,
		DependsOn: d.DependsOn,
	}

	switch op.Kind {
	case common.OpCreateNode, common.OpUpdateNode, common.OpDeleteNode:
		op.Node = &common.NodeOp{
			Ref:         d.Ref,
			SemanticID:  d.SemanticID,
			Kind:        common.NodeKind(d.NodeType),
			Name:        d.Name,
			Description: d.Description,
		}
	case common.OpCreateEdge, common.OpDeleteEdge:
		op.Edge = &common.EdgeOp{
			SourceRef: d.SourceRef,
			TargetRef: d.TargetRef,
			Kind:      common.RelationKind(d.Relation),
		}
	default:
		return common.Operation{}, fmt.Errorf("operation %s: model produced unknown kind %q", d.ID, d.Kind)
	}

	if err := op.Validate(); err != nil {
		return common.Operation{}, err
	}
	return op, nil
}

// unmarshalFlexible tries strict JSON, then a double-encoded string,
// then jsonrepair. Model output regularly needs the later stages.
func unmarshalFlexible(input string, out any) error {
	input = strings.TrimSpace(input)

	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		if err := json.Unmarshal([]byte(strings.TrimSpace(asString)), out); err == nil {
			return nil
		}
		input = strings.TrimSpace(asString)
	}

	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w", err)
	}
	return json.Unmarshal([]byte(repaired), out)
}
