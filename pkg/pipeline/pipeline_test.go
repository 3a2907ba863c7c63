package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/chunker"
	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/store"
	"github.com/loomworks/loom/backend/pkg/syncer"
)

// memStore implements both the graph store and the semantic lookup.
type memStore struct {
	mu        sync.Mutex
	entities  map[string]store.Entity
	semantics map[string]string
	nextID    int
	failTypes map[string]error // entity type -> create error
}

func newMemStore() *memStore {
	return &memStore{
		entities:  make(map[string]store.Entity),
		semantics: make(map[string]string),
		failTypes: make(map[string]error),
	}
}

func (m *memStore) Create(_ context.Context, _, _ string, kind store.EntityKind, entityType string, props map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failTypes[entityType]; ok {
		return "", err
	}
	m.nextID++
	prefix := "ent_"
	if kind == store.KindEdge {
		prefix = "rel_"
	}
	pid := fmt.Sprintf("%s%03d", prefix, m.nextID)
	m.entities[pid] = store.Entity{PermanentID: pid, Kind: kind, Type: entityType, Properties: props}
	return pid, nil
}

func (m *memStore) Update(_ context.Context, _, _, permanentID string, props map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[permanentID]
	if !ok {
		return fmt.Errorf("no entity %s", permanentID)
	}
	e.Properties = props
	m.entities[permanentID] = e
	return nil
}

func (m *memStore) Delete(_ context.Context, _, _, permanentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entities, permanentID)
	return nil
}

func (m *memStore) Query(_ context.Context, f store.Filter) ([]store.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Entity
	for _, e := range m.entities {
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if f.SourceID != "" && e.Properties["source_id"] != f.SourceID {
			continue
		}
		if f.TargetID != "" && e.Properties["target_id"] != f.TargetID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memStore) LookupSemantic(_ context.Context, _, _, semanticID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pid, ok := m.semantics[semanticID]
	return pid, ok, nil
}

func (m *memStore) CommitSemantic(_ context.Context, _, _, semanticID, permanentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.semantics[semanticID] = permanentID
	return nil
}

type recordingPublisher struct {
	mu      sync.Mutex
	updates []syncer.Update
}

func (r *recordingPublisher) Publish(u syncer.Update) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	return nil
}

func exampleBatch() Batch {
	return Batch{
		WorkspaceID: "ws1",
		RootID:      "Order.SY.001",
		Note:        "seed the order system",
		Operations: []common.Operation{
			{
				ID: "op1", Kind: common.OpCreateNode, TempID: "temp-order",
				Node: &common.NodeOp{SemanticID: "Order.SY.001", Kind: common.NodeSystem, Name: "Order System", Description: "Handles orders"},
			},
			{
				ID: "op2", Kind: common.OpCreateNode, TempID: "temp-place",
				Node: &common.NodeOp{SemanticID: "Place.UC.001", Kind: common.NodeUseCase, Name: "Place Order", Description: "Customer places an order"},
			},
			{
				ID: "op3", Kind: common.OpCreateEdge, DependsOn: []string{"op1", "op2"},
				Edge: &common.EdgeOp{SourceRef: "temp-order", TargetRef: "temp-place", Kind: common.RelCompose},
			},
		},
	}
}

func TestExecuteResolvesDependentBatch(t *testing.T) {
	ms := newMemStore()
	pub := &recordingPublisher{}
	p := New(ms, ms, pub, 4)
	cv := canvas.New("ws1", "Order.SY.001")

	report, err := p.Execute(context.Background(), cv, exampleBatch())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.ChunkCount != 2 || report.FailedChunk != -1 {
		t.Fatalf("chunks=%d failed=%d, want 2/-1", report.ChunkCount, report.FailedChunk)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected failures: %v", report.Failures)
	}

	order, ok := cv.Node("Order.SY.001")
	if !ok || !strings.HasPrefix(order.PermanentID, "ent_") {
		t.Fatalf("created node missing permanent id: %+v", order)
	}
	place, _ := cv.Node("Place.UC.001")

	// The stored edge must reference the permanent ids issued in the
	// earlier chunk, not the temporary ones.
	edges, _ := ms.Query(context.Background(), store.Filter{Kind: store.KindEdge})
	if len(edges) != 1 {
		t.Fatalf("stored edges = %d, want 1", len(edges))
	}
	if edges[0].Properties["source_id"] != order.PermanentID || edges[0].Properties["target_id"] != place.PermanentID {
		t.Fatalf("edge endpoints = %v/%v, want %s/%s",
			edges[0].Properties["source_id"], edges[0].Properties["target_id"], order.PermanentID, place.PermanentID)
	}

	if report.Version != 3 || cv.Version() != 3 {
		t.Fatalf("version = %d/%d, want 3", report.Version, cv.Version())
	}
	if cv.Dirty() {
		t.Fatal("batch writes are already durable, canvas must not stay dirty")
	}

	if len(pub.updates) != 1 {
		t.Fatalf("published %d updates, want 1", len(pub.updates))
	}
	u := pub.updates[0]
	if u.Version != 3 || !strings.Contains(u.Diff, "+Order.SY.001 -cmp-> Place.UC.001") {
		t.Fatalf("broadcast update = %+v", u)
	}
}

func TestExecuteFailedChunkAbortsRemaining(t *testing.T) {
	ms := newMemStore()
	pub := &recordingPublisher{}
	p := New(ms, ms, pub, 4)
	cv := canvas.New("ws1", "Order.SY.001")

	ms.failTypes[string(common.NodeUseCase)] = errors.New("disk full")

	report, err := p.Execute(context.Background(), cv, exampleBatch())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.FailedChunk != 0 {
		t.Fatalf("FailedChunk = %d, want 0", report.FailedChunk)
	}
	if len(report.Failures) != 1 || report.Failures[0].OperationID != "op2" {
		t.Fatalf("failures = %v, want exactly op2", report.Failures)
	}

	// The sibling that succeeded stays committed; the dependent chunk
	// never ran.
	if _, ok := cv.Node("Order.SY.001"); !ok {
		t.Fatal("successful sibling was rolled back")
	}
	edges, _ := ms.Query(context.Background(), store.Filter{Kind: store.KindEdge})
	if len(edges) != 0 {
		t.Fatalf("dependent chunk ran after a failed chunk: %v", edges)
	}
}

func TestExecuteUpdateAndDeleteAgainstExistingCanvas(t *testing.T) {
	ms := newMemStore()
	p := New(ms, ms, &recordingPublisher{}, 4)
	cv := canvas.New("ws1", "Order.SY.001")

	if _, err := p.Execute(context.Background(), cv, exampleBatch()); err != nil {
		t.Fatalf("seed batch: %v", err)
	}

	report, err := p.Execute(context.Background(), cv, Batch{
		WorkspaceID: "ws1",
		RootID:      "Order.SY.001",
		Operations: []common.Operation{
			{
				ID: "op1", Kind: common.OpUpdateNode,
				Node: &common.NodeOp{Ref: "Order.SY.001", Name: "Order System", Description: "rewritten"},
			},
			{
				ID: "op2", Kind: common.OpDeleteEdge, DependsOn: []string{"op1"},
				Edge: &common.EdgeOp{SourceRef: "Order.SY.001", TargetRef: "Place.UC.001", Kind: common.RelCompose},
			},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if report.FailedChunk != -1 {
		t.Fatalf("unexpected failure: %+v", report)
	}

	n, _ := cv.Node("Order.SY.001")
	if n.Description != "rewritten" {
		t.Fatalf("description = %q, want whole-entity replace", n.Description)
	}
	edges, _ := ms.Query(context.Background(), store.Filter{Kind: store.KindEdge})
	if len(edges) != 0 {
		t.Fatalf("edge not deleted: %v", edges)
	}
}

func TestExecuteChunkerErrorIsBatchFatal(t *testing.T) {
	ms := newMemStore()
	p := New(ms, ms, &recordingPublisher{}, 4)
	cv := canvas.New("ws1", "Order.SY.001")

	batch := exampleBatch()
	batch.Operations[0].DependsOn = []string{"op3"} // op1 <-> op3 cycle

	_, err := p.Execute(context.Background(), cv, batch)
	var cErr *chunker.CyclicDependencyError
	if !errors.As(err, &cErr) {
		t.Fatalf("error = %v, want CyclicDependencyError", err)
	}
	if len(ms.entities) != 0 {
		t.Fatal("a cyclic batch must execute nothing")
	}
	if cv.Version() != 0 {
		t.Fatal("a cyclic batch must not touch the canvas")
	}
}

func TestExecuteUnresolvedReferenceIsOperationScoped(t *testing.T) {
	ms := newMemStore()
	p := New(ms, ms, &recordingPublisher{}, 4)
	cv := canvas.New("ws1", "Order.SY.001")

	report, err := p.Execute(context.Background(), cv, Batch{
		WorkspaceID: "ws1",
		RootID:      "Order.SY.001",
		Operations: []common.Operation{
			{
				ID: "op1", Kind: common.OpCreateNode, TempID: "temp-1",
				Node: &common.NodeOp{SemanticID: "Order.SY.001", Kind: common.NodeSystem, Name: "Order", Description: "d"},
			},
			{
				ID: "op2", Kind: common.OpDeleteNode,
				Node: &common.NodeOp{Ref: "Ghost.SY.404"},
			},
		},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(report.Failures) != 1 || report.Failures[0].OperationID != "op2" {
		t.Fatalf("failures = %v, want exactly op2", report.Failures)
	}
	if _, ok := cv.Node("Order.SY.001"); !ok {
		t.Fatal("successful sibling must commit despite op2 failing")
	}
}
