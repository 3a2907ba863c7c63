package canvas

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/store"
)

type fakeStore struct {
	entities  map[string]store.Entity
	semantics map[string]string
	nextID    int
	failNext  error
	creates   int
	updates   int
	deletes   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entities:  make(map[string]store.Entity),
		semantics: make(map[string]string),
	}
}

func (f *fakeStore) Create(_ context.Context, _, _ string, kind store.EntityKind, entityType string, props map[string]any) (string, error) {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return "", err
	}
	f.creates++
	f.nextID++
	pid := fmt.Sprintf("ent_%03d", f.nextID)
	f.entities[pid] = store.Entity{PermanentID: pid, Kind: kind, Type: entityType, Properties: props}
	return pid, nil
}

func (f *fakeStore) Update(_ context.Context, _, _, permanentID string, props map[string]any) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.updates++
	e, ok := f.entities[permanentID]
	if !ok {
		return fmt.Errorf("no entity %s", permanentID)
	}
	e.Properties = props
	f.entities[permanentID] = e
	return nil
}

func (f *fakeStore) Delete(_ context.Context, _, _, permanentID string) error {
	if f.failNext != nil {
		err := f.failNext
		f.failNext = nil
		return err
	}
	f.deletes++
	delete(f.entities, permanentID)
	for sid, pid := range f.semantics {
		if pid == permanentID {
			delete(f.semantics, sid)
		}
	}
	return nil
}

func (f *fakeStore) Query(_ context.Context, filter store.Filter) ([]store.Entity, error) {
	out := make([]store.Entity, 0, len(f.entities))
	for _, e := range f.entities {
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if len(filter.Types) > 0 && !slices.Contains(filter.Types, e.Type) {
			continue
		}
		if filter.SourceID != "" && e.Properties["source_id"] != filter.SourceID {
			continue
		}
		if filter.TargetID != "" && e.Properties["target_id"] != filter.TargetID {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) LookupSemantic(_ context.Context, _, _, semanticID string) (string, bool, error) {
	pid, ok := f.semantics[semanticID]
	return pid, ok, nil
}

func (f *fakeStore) CommitSemantic(_ context.Context, _, _, semanticID, permanentID string) error {
	f.semantics[semanticID] = permanentID
	return nil
}

func nodeDiff(nodes ...common.Node) *common.ChangeSet {
	return &common.ChangeSet{AddNodes: nodes}
}

func testNode(sid string, kind common.NodeKind) common.Node {
	return common.Node{SemanticID: sid, Kind: kind, Name: sid, Description: "d"}
}

func TestApplyDiffVersionMonotonic(t *testing.T) {
	cv := New("ws1", "Order.SY.001")

	r1, err := cv.ApplyDiff(nodeDiff(testNode("Order.SY.001", common.NodeSystem)))
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if r1.Version != 1 || r1.Changes != 1 {
		t.Fatalf("first apply: version=%d changes=%d, want 1/1", r1.Version, r1.Changes)
	}

	r2, err := cv.ApplyDiff(&common.ChangeSet{
		AddNodes: []common.Node{testNode("Place.UC.001", common.NodeUseCase)},
		AddEdges: []common.Edge{{SourceID: "Order.SY.001", TargetID: "Place.UC.001", Kind: common.RelCompose}},
	})
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if r2.Version != 3 {
		t.Fatalf("version = %d, want 3 (one per applied change)", r2.Version)
	}
	if cv.Version() != 3 {
		t.Fatalf("Version() = %d, want 3", cv.Version())
	}
}

func TestApplyDiffStaleBaseIsWarning(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	if _, err := cv.ApplyDiff(nodeDiff(testNode("Order.SY.001", common.NodeSystem))); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	res, err := cv.ApplyDiff(&common.ChangeSet{
		BaseRootID:  "Order.SY.001",
		BaseVersion: 0, // canvas is at 1
		AddNodes:    []common.Node{testNode("Place.UC.001", common.NodeUseCase)},
	})
	if err != nil {
		t.Fatalf("stale diff must still apply: %v", err)
	}
	if !res.StaleBase {
		t.Fatal("StaleBase not flagged")
	}
	if _, ok := cv.Node("Place.UC.001"); !ok {
		t.Fatal("stale diff was not applied")
	}
}

func TestApplyDiffUpdateKeepsPermanentID(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	n := testNode("Order.SY.001", common.NodeSystem)
	n.PermanentID = "ent_abc"
	cv.Seed([]common.Node{n}, nil, nil, 5)

	updated := testNode("Order.SY.001", common.NodeSystem)
	updated.Description = "renamed"
	res, err := cv.ApplyDiff(&common.ChangeSet{
		RemoveNodes: []common.Node{n},
		AddNodes:    []common.Node{updated},
	})
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if res.Changes != 1 {
		t.Fatalf("update pair counted %d changes, want 1", res.Changes)
	}
	got, _ := cv.Node("Order.SY.001")
	if got.PermanentID != "ent_abc" {
		t.Fatalf("permanent id = %q, want ent_abc (assigned exactly once)", got.PermanentID)
	}
	if got.Description != "renamed" {
		t.Fatalf("description = %q, want whole-entity replace", got.Description)
	}
}

func TestApplyDiffUnknownEndpoint(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	_, err := cv.ApplyDiff(&common.ChangeSet{
		AddEdges: []common.Edge{{SourceID: "Nope.SY.001", TargetID: "AlsoNope.UC.001", Kind: common.RelCompose}},
	})
	if !errors.Is(err, ErrUnknownEndpoint) {
		t.Fatalf("error = %v, want ErrUnknownEndpoint", err)
	}
	if cv.Version() != 0 {
		t.Fatal("failed diff must not advance the version")
	}
}

func TestApplyDiffRemoveNodeCascadesEdges(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	if _, err := cv.ApplyDiff(&common.ChangeSet{
		AddNodes: []common.Node{testNode("Order.SY.001", common.NodeSystem), testNode("Place.UC.001", common.NodeUseCase)},
		AddEdges: []common.Edge{{SourceID: "Order.SY.001", TargetID: "Place.UC.001", Kind: common.RelCompose}},
	}); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	res, err := cv.ApplyDiff(&common.ChangeSet{
		RemoveNodes: []common.Node{testNode("Place.UC.001", common.NodeUseCase)},
	})
	if err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if len(res.RemovedEdgeIDs) != 1 {
		t.Fatalf("incident edge not removed with its endpoint: %+v", res)
	}
	if _, _, version := cv.Serialize(ViewFilter{}); version != 5 {
		t.Fatalf("version = %d, want 5 (3 adds + node + cascaded edge)", version)
	}
}

func TestFlushClearsDirtyOnSuccess(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	fs := newFakeStore()

	if _, err := cv.ApplyDiff(&common.ChangeSet{
		AddNodes: []common.Node{testNode("Order.SY.001", common.NodeSystem), testNode("Place.UC.001", common.NodeUseCase)},
		AddEdges: []common.Edge{{SourceID: "Order.SY.001", TargetID: "Place.UC.001", Kind: common.RelCompose}},
	}); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}

	if err := cv.Flush(context.Background(), fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if cv.Dirty() {
		t.Fatal("dirty sets not cleared after successful flush")
	}
	if fs.creates != 3 {
		t.Fatalf("creates = %d, want 3 (two nodes, one edge)", fs.creates)
	}

	n, _ := cv.Node("Order.SY.001")
	if n.PermanentID == "" {
		t.Fatal("flush must record the issued permanent id")
	}

	// A second flush with nothing dirty must not touch the store.
	if err := cv.Flush(context.Background(), fs); err != nil {
		t.Fatalf("second Flush: %v", err)
	}
	if fs.creates != 3 || fs.updates != 0 {
		t.Fatalf("idle flush wrote to the store: creates=%d updates=%d", fs.creates, fs.updates)
	}
}

func TestFlushFailureLeavesDirtyUntouched(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	fs := newFakeStore()

	if _, err := cv.ApplyDiff(nodeDiff(testNode("Order.SY.001", common.NodeSystem))); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}

	fs.failNext = errors.New("connection reset")
	if err := cv.Flush(context.Background(), fs); err == nil {
		t.Fatal("Flush must propagate store failure")
	}
	if !cv.Dirty() {
		t.Fatal("failed flush must leave dirty sets untouched")
	}

	// Retry succeeds and drains.
	if err := cv.Flush(context.Background(), fs); err != nil {
		t.Fatalf("retry Flush: %v", err)
	}
	if cv.Dirty() {
		t.Fatal("retry flush did not clear dirty sets")
	}
}

func TestFlushDeletesTombstones(t *testing.T) {
	cv := New("ws1", "Order.SY.001")
	fs := newFakeStore()

	if _, err := cv.ApplyDiff(nodeDiff(testNode("Order.SY.001", common.NodeSystem))); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if err := cv.Flush(context.Background(), fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if _, err := cv.ApplyDiff(&common.ChangeSet{RemoveNodes: []common.Node{testNode("Order.SY.001", common.NodeSystem)}}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := cv.Flush(context.Background(), fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if fs.deletes != 1 {
		t.Fatalf("deletes = %d, want 1", fs.deletes)
	}
	if len(fs.entities) != 0 {
		t.Fatalf("store still holds %d entities", len(fs.entities))
	}
}

func TestRegistryRefcountEviction(t *testing.T) {
	reg := NewRegistry()

	cv1, created := reg.Acquire("ws1", "Order.SY.001")
	if !created {
		t.Fatal("first acquire must report created")
	}
	cv2, created := reg.Acquire("ws1", "Order.SY.001")
	if created {
		t.Fatal("second acquire must reuse the live canvas")
	}
	if cv1 != cv2 {
		t.Fatal("registry handed out two canvases for one pair")
	}

	reg.Release("ws1", "Order.SY.001")
	if _, ok := reg.Peek("ws1", "Order.SY.001"); !ok {
		t.Fatal("canvas evicted while a reference remained")
	}

	reg.Release("ws1", "Order.SY.001")
	if _, ok := reg.Peek("ws1", "Order.SY.001"); ok {
		t.Fatal("canvas not evicted after last release")
	}
}

func TestRegistryKeepsDirtyCanvasUntilSwept(t *testing.T) {
	reg := NewRegistry()
	fs := newFakeStore()

	cv, _ := reg.Acquire("ws1", "Order.SY.001")
	if _, err := cv.ApplyDiff(nodeDiff(testNode("Order.SY.001", common.NodeSystem))); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}

	reg.Release("ws1", "Order.SY.001")
	if _, ok := reg.Peek("ws1", "Order.SY.001"); !ok {
		t.Fatal("dirty canvas must survive its last release until flushed")
	}

	if err := cv.Flush(context.Background(), fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	reg.Sweep()
	if _, ok := reg.Peek("ws1", "Order.SY.001"); ok {
		t.Fatal("clean unreferenced canvas must be swept")
	}
}

func TestHydrateRebuildsFlushedState(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	src := New("ws1", "Order.SY.001")
	diff := &common.ChangeSet{
		AddNodes: []common.Node{
			testNode("Order.SY.001", common.NodeSystem),
			testNode("Place.UC.001", common.NodeUseCase),
		},
		AddEdges: []common.Edge{
			{SourceID: "Order.SY.001", TargetID: "Place.UC.001", Kind: common.RelCompose},
		},
	}
	if _, err := src.ApplyDiff(diff); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if err := src.Flush(ctx, fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	cv := New("ws1", "Order.SY.001")
	if err := cv.Hydrate(ctx, fs); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}

	nodes, edges, version := cv.Serialize(ViewFilter{})
	if len(nodes) != 2 || len(edges) != 1 {
		t.Fatalf("hydrated %d nodes, %d edges, want 2/1", len(nodes), len(edges))
	}
	if version != 3 {
		t.Fatalf("hydrated version = %d, want 3 (one per entity)", version)
	}
	for _, n := range nodes {
		if n.PermanentID == "" {
			t.Fatalf("node %s hydrated without permanent id", n.SemanticID)
		}
	}
	key := diff.AddEdges[0].Key()
	if _, ok := cv.EdgePermanentID(key); !ok {
		t.Fatalf("edge %s hydrated without permanent id", key)
	}
	if cv.Dirty() {
		t.Fatal("freshly hydrated canvas must not be dirty")
	}
}

func TestFlushReusesDurableSemanticMapping(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	diff := &common.ChangeSet{
		AddNodes: []common.Node{
			testNode("Order.SY.001", common.NodeSystem),
			testNode("Place.UC.001", common.NodeUseCase),
		},
		AddEdges: []common.Edge{
			{SourceID: "Order.SY.001", TargetID: "Place.UC.001", Kind: common.RelCompose},
		},
	}

	first := New("ws1", "Order.SY.001")
	if _, err := first.ApplyDiff(diff); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if err := first.Flush(ctx, fs); err != nil {
		t.Fatalf("first Flush: %v", err)
	}

	// A second canvas for the same pair (another process, or a stale
	// one) applies the same entities without knowing their permanent
	// ids. Flush must adopt the durable mappings, not mint new ids.
	second := New("ws1", "Order.SY.001")
	if _, err := second.ApplyDiff(diff); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if err := second.Flush(ctx, fs); err != nil {
		t.Fatalf("second Flush: %v", err)
	}

	if fs.creates != 3 {
		t.Fatalf("creates = %d, want 3 (second flush must reuse existing ids)", fs.creates)
	}
	if len(fs.entities) != 3 {
		t.Fatalf("store holds %d entities, want 3", len(fs.entities))
	}
	a, _ := first.Node("Order.SY.001")
	b, _ := second.Node("Order.SY.001")
	if b.PermanentID == "" || a.PermanentID != b.PermanentID {
		t.Fatalf("semantic id mapped to two permanent ids: %q vs %q", a.PermanentID, b.PermanentID)
	}
	key := diff.AddEdges[0].Key()
	aPID, _ := first.EdgePermanentID(key)
	bPID, _ := second.EdgePermanentID(key)
	if bPID == "" || aPID != bPID {
		t.Fatalf("edge mapped to two permanent ids: %q vs %q", aPID, bPID)
	}
}

func TestRehydratePicksUpRemoteChanges(t *testing.T) {
	fs := newFakeStore()
	ctx := context.Background()

	local := New("ws1", "Order.SY.001")
	if _, err := local.ApplyDiff(nodeDiff(testNode("Order.SY.001", common.NodeSystem))); err != nil {
		t.Fatalf("ApplyDiff: %v", err)
	}
	if err := local.Flush(ctx, fs); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	// Another process commits more entities behind this canvas's back.
	remote := New("ws1", "Order.SY.001")
	if err := remote.Hydrate(ctx, fs); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if _, err := remote.ApplyDiff(&common.ChangeSet{
		AddNodes: []common.Node{testNode("Place.UC.001", common.NodeUseCase)},
		AddEdges: []common.Edge{{SourceID: "Order.SY.001", TargetID: "Place.UC.001", Kind: common.RelCompose}},
	}); err != nil {
		t.Fatalf("remote ApplyDiff: %v", err)
	}
	if err := remote.Flush(ctx, fs); err != nil {
		t.Fatalf("remote Flush: %v", err)
	}

	// A local unflushed change must survive the reload.
	if _, err := local.ApplyDiff(nodeDiff(testNode("Ship.UC.002", common.NodeUseCase))); err != nil {
		t.Fatalf("local ApplyDiff: %v", err)
	}

	if err := local.Rehydrate(ctx, fs); err != nil {
		t.Fatalf("Rehydrate: %v", err)
	}

	nodes, edges, version := local.Serialize(ViewFilter{})
	if len(nodes) != 3 || len(edges) != 1 {
		t.Fatalf("rehydrated %d nodes, %d edges, want 3/1", len(nodes), len(edges))
	}
	if version != 4 {
		t.Fatalf("version = %d, want 4 (one per entity)", version)
	}
	if local.Dirty() {
		t.Fatal("rehydrated canvas must not be dirty")
	}
	for _, n := range nodes {
		if n.PermanentID == "" {
			t.Fatalf("node %s rehydrated without permanent id", n.SemanticID)
		}
	}
	if _, ok := local.Node("Place.UC.001"); !ok {
		t.Fatal("remote node missing after rehydrate")
	}
}
