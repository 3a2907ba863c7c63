package resolver

import (
	"context"
	"errors"
	"testing"

	"github.com/loomworks/loom/backend/pkg/common"
)

type fakeLookup struct {
	durable map[string]string
	commits int
	lookups int
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{durable: make(map[string]string)}
}

func (f *fakeLookup) LookupSemantic(_ context.Context, _, _, semanticID string) (string, bool, error) {
	f.lookups++
	pid, ok := f.durable[semanticID]
	return pid, ok, nil
}

func (f *fakeLookup) CommitSemantic(_ context.Context, _, _, semanticID, permanentID string) error {
	f.commits++
	f.durable[semanticID] = permanentID
	return nil
}

func TestResolveTempAndSemanticAreDistinctTables(t *testing.T) {
	fl := newFakeLookup()
	r := New(fl, "ws1", "Order.SY.001")

	// A temp id and a semantic id spelled identically must not collide.
	r.Declare([]common.Operation{{
		ID: "op1", Kind: common.OpCreateNode, TempID: "shared",
		Node: &common.NodeOp{SemanticID: "New.UC.002", Kind: common.NodeUseCase},
	}})
	fl.durable["shared"] = "ent_durable"

	if err := r.Commit(context.Background(), "shared", "New.UC.002", "ent_fresh"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	op := common.Operation{ID: "op2", Kind: common.OpDeleteNode, Node: &common.NodeOp{Ref: "shared"}}
	resolved, err := r.Resolve(context.Background(), op)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Node.Ref != "ent_fresh" {
		t.Fatalf("temp table must win for a committed temp id, got %q", resolved.Node.Ref)
	}
}

func TestResolveExistingEntityNeverAllocates(t *testing.T) {
	fl := newFakeLookup()
	fl.durable["Order.SY.001"] = "ent_original"
	r := New(fl, "ws1", "Order.SY.001")

	for i := 0; i < 3; i++ {
		op := common.Operation{ID: "op1", Kind: common.OpUpdateNode, Node: &common.NodeOp{Ref: "Order.SY.001", Name: "x"}}
		resolved, err := r.Resolve(context.Background(), op)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if resolved.Node.Ref != "ent_original" {
			t.Fatalf("resolution %d = %q, want stable ent_original", i, resolved.Node.Ref)
		}
	}
	if fl.lookups != 1 {
		t.Fatalf("lookups = %d, want 1 (cached after first hit)", fl.lookups)
	}
	if fl.commits != 0 {
		t.Fatalf("commits = %d, resolving an existing entity must not allocate", fl.commits)
	}
}

func TestResolvePermanentIDPassesThrough(t *testing.T) {
	r := New(newFakeLookup(), "ws1", "Order.SY.001")

	op := common.Operation{ID: "op1", Kind: common.OpDeleteNode, Node: &common.NodeOp{Ref: "ent_abc123"}}
	resolved, err := r.Resolve(context.Background(), op)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Node.Ref != "ent_abc123" {
		t.Fatalf("permanent id must pass through, got %q", resolved.Node.Ref)
	}
}

func TestResolveEdgeFillsSemanticEndpoints(t *testing.T) {
	fl := newFakeLookup()
	fl.durable["Order.SY.001"] = "ent_a"
	r := New(fl, "ws1", "Order.SY.001")

	r.Declare([]common.Operation{{
		ID: "op1", Kind: common.OpCreateNode, TempID: "temp-1",
		Node: &common.NodeOp{SemanticID: "Place.UC.001", Kind: common.NodeUseCase},
	}})
	if err := r.Commit(context.Background(), "temp-1", "Place.UC.001", "ent_b"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	op := common.Operation{ID: "op2", Kind: common.OpCreateEdge, Edge: &common.EdgeOp{
		SourceRef: "Order.SY.001", TargetRef: "temp-1", Kind: common.RelCompose,
	}}
	resolved, err := r.Resolve(context.Background(), op)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Edge.SourceRef != "ent_a" || resolved.Edge.TargetRef != "ent_b" {
		t.Fatalf("permanent refs = %q/%q, want ent_a/ent_b", resolved.Edge.SourceRef, resolved.Edge.TargetRef)
	}
	if resolved.Edge.SourceSemantic != "Order.SY.001" || resolved.Edge.TargetSemantic != "Place.UC.001" {
		t.Fatalf("semantic endpoints = %q/%q", resolved.Edge.SourceSemantic, resolved.Edge.TargetSemantic)
	}
}

func TestResolveUnresolvedReference(t *testing.T) {
	r := New(newFakeLookup(), "ws1", "Order.SY.001")

	op := common.Operation{ID: "op9", Kind: common.OpDeleteNode, Node: &common.NodeOp{Ref: "Ghost.SY.404"}}
	_, err := r.Resolve(context.Background(), op)
	var uErr *UnresolvedReferenceError
	if !errors.As(err, &uErr) {
		t.Fatalf("error = %v, want UnresolvedReferenceError", err)
	}
	if uErr.OperationID != "op9" || uErr.Ref != "Ghost.SY.404" {
		t.Fatalf("unexpected fields: %+v", uErr)
	}
}

func TestResolvePendingTempStillUnresolved(t *testing.T) {
	r := New(newFakeLookup(), "ws1", "Order.SY.001")
	r.Declare([]common.Operation{{
		ID: "op1", Kind: common.OpCreateNode, TempID: "temp-1",
		Node: &common.NodeOp{SemanticID: "New.UC.001", Kind: common.NodeUseCase},
	}})

	op := common.Operation{ID: "op2", Kind: common.OpCreateEdge, Edge: &common.EdgeOp{
		SourceRef: "temp-1", TargetRef: "ent_x", Kind: common.RelDepend,
	}}
	_, err := r.Resolve(context.Background(), op)
	var uErr *UnresolvedReferenceError
	if !errors.As(err, &uErr) {
		t.Fatalf("a declared but uncommitted temp id must not resolve, got %v", err)
	}
}
