package agent

import (
	"strings"
	"testing"

	"github.com/loomworks/loom/backend/pkg/common"
)

const wellFormed = `{
	"note": "add the order system",
	"operations": [
		{"id": "op1", "kind": "create_node", "temp_id": "temp-1", "semantic_id": "Order.SY.001", "node_type": "SYS", "name": "Order System", "description": "Handles orders"},
		{"id": "op2", "kind": "create_edge", "depends_on": ["op1"], "source_ref": "temp-1", "target_ref": "Place.UC.001", "relation": "compose"}
	]
}`

func TestDecodeProposal(t *testing.T) {
	p, err := DecodeProposal(wellFormed)
	if err != nil {
		t.Fatalf("DecodeProposal: %v", err)
	}
	if p.Note != "add the order system" {
		t.Fatalf("note = %q", p.Note)
	}
	if len(p.Operations) != 2 {
		t.Fatalf("operations = %d, want 2", len(p.Operations))
	}

	op1 := p.Operations[0]
	if op1.Kind != common.OpCreateNode || op1.Node == nil || op1.Node.Kind != common.NodeSystem {
		t.Fatalf("op1 = %+v", op1)
	}
	op2 := p.Operations[1]
	if op2.Kind != common.OpCreateEdge || op2.Edge.Kind != common.RelCompose || op2.DependsOn[0] != "op1" {
		t.Fatalf("op2 = %+v", op2)
	}
}

func TestDecodeProposalRepairsMalformedJSON(t *testing.T) {
	// Unquoted keys and a trailing comma, as models like to produce.
	raw := `{note: "fix", operations: [{id: "op1", kind: "delete_node", ref: "Order.SY.001",},]}`

	p, err := DecodeProposal(raw)
	if err != nil {
		t.Fatalf("DecodeProposal: %v", err)
	}
	if len(p.Operations) != 1 || p.Operations[0].Node.Ref != "Order.SY.001" {
		t.Fatalf("operations = %+v", p.Operations)
	}
}

func TestDecodeProposalDoubleEncoded(t *testing.T) {
	raw := `"{\"note\": \"n\", \"operations\": [{\"id\": \"op1\", \"kind\": \"delete_node\", \"ref\": \"A.SY.001\"}]}"`

	p, err := DecodeProposal(raw)
	if err != nil {
		t.Fatalf("DecodeProposal: %v", err)
	}
	if len(p.Operations) != 1 {
		t.Fatalf("operations = %+v", p.Operations)
	}
}

func TestDecodeProposalRejectsInvalidOperation(t *testing.T) {
	raw := `{"note": "bad", "operations": [{"id": "op1", "kind": "create_node", "name": "x"}]}`

	if _, err := DecodeProposal(raw); err == nil {
		t.Fatal("create_node without semantic id and temp id must fail validation")
	}
}

func TestBuildPrompt(t *testing.T) {
	got := BuildPrompt("add a billing subsystem", "## Nodes\nOrder|SYS|Order.SY.001|d\n")
	if !strings.Contains(got, "Order.SY.001") || !strings.Contains(got, "add a billing subsystem") {
		t.Fatalf("prompt missing parts:\n%s", got)
	}
	if !strings.Contains(BuildPrompt("x", ""), "(empty canvas)") {
		t.Fatal("empty context must be marked")
	}
}
