// Package canvas holds the authoritative in-memory state of one
// ontology canvas: its nodes, edges, monotonic version counter, and the
// dirty bookkeeping that drives persistence flushes.
package canvas

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/store"
)

// ErrUnknownEndpoint rejects a diff that adds an edge whose source or
// target is neither on the canvas nor added by the same diff.
var ErrUnknownEndpoint = errors.New("edge endpoint not on canvas")

// ApplyResult reports what a diff actually changed. StaleBase is a
// warning, not a failure: the diff was applied last-writer-wins even
// though its base version no longer matched.
type ApplyResult struct {
	AddedNodeIDs   []string
	RemovedNodeIDs []string
	AddedEdgeIDs   []string
	RemovedEdgeIDs []string
	Changes        int
	StaleBase      bool
	Version        int64
}

// PersistReceipt tells the canvas which entities a batch already wrote
// through the store itself, so the flusher does not write them again.
// Node ids map semantic id to permanent id; edge ids map edge key to
// permanent id.
type PersistReceipt struct {
	NodeIDs      map[string]string
	EdgeIDs      map[string]string
	DeletedNodes []string
	DeletedEdges []string
}

// ViewFilter narrows Serialize output. Empty slices mean no filtering.
type ViewFilter struct {
	Kinds     []common.NodeKind
	Relations []common.RelationKind
}

// Canvas is the single-writer state for one (workspace, root) pair.
// All mutation goes through ApplyDiff; Flush persists accumulated
// changes and never blocks appliers longer than the dirty snapshot.
type Canvas struct {
	WorkspaceID string
	RootID      string

	mu      sync.Mutex
	batchMu sync.Mutex

	nodes       map[string]common.Node // semantic id -> node
	edges       map[string]common.Edge // edge key -> edge
	edgePermIDs map[string]string      // edge key -> permanent id

	// Tombstones remember the permanent id of removed entities until
	// the deletion has been flushed.
	tombNodes map[string]string
	tombEdges map[string]string

	dirtyNodes map[string]struct{}
	dirtyEdges map[string]struct{}

	version            int64
	lastFlushedVersion int64
}

func New(workspaceID, rootID string) *Canvas {
	return &Canvas{
		WorkspaceID: workspaceID,
		RootID:      rootID,
		nodes:       make(map[string]common.Node),
		edges:       make(map[string]common.Edge),
		edgePermIDs: make(map[string]string),
		tombNodes:   make(map[string]string),
		tombEdges:   make(map[string]string),
		dirtyNodes:  make(map[string]struct{}),
		dirtyEdges:  make(map[string]struct{}),
	}
}

// Version returns the current canvas version.
func (c *Canvas) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Dirty reports whether unflushed changes exist.
func (c *Canvas) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dirtyNodes) > 0 || len(c.dirtyEdges) > 0
}

// LockBatch serializes batch execution for this canvas. Held for the
// whole chunk pipeline so two batches never interleave.
func (c *Canvas) LockBatch()   { c.batchMu.Lock() }
func (c *Canvas) UnlockBatch() { c.batchMu.Unlock() }

// Node returns the node with the given semantic id.
func (c *Canvas) Node(semanticID string) (common.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[semanticID]
	return n, ok
}

// NodeByPermanentID finds the node holding the given permanent id.
func (c *Canvas) NodeByPermanentID(permanentID string) (common.Node, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.PermanentID == permanentID {
			return n, true
		}
	}
	return common.Node{}, false
}

// EdgePermanentID returns the stored permanent id for an edge key.
func (c *Canvas) EdgePermanentID(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pid, ok := c.edgePermIDs[key]
	return pid, ok
}

// Seed hydrates the canvas from durable state without marking anything
// dirty. Meant for cold loads before the first session attaches.
func (c *Canvas) Seed(nodes []common.Node, edges []common.Edge, edgePermIDs map[string]string, version int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, n := range nodes {
		c.nodes[n.SemanticID] = n
	}
	for _, e := range edges {
		c.edges[e.Key()] = e
	}
	for k, pid := range edgePermIDs {
		c.edgePermIDs[k] = pid
	}
	c.version = version
	c.lastFlushedVersion = version
}

// ApplyDiff validates and applies a change set atomically. A remove and
// an add sharing a semantic id form an update: the entity is replaced
// whole and keeps its permanent id. Validation failures leave the
// canvas untouched.
func (c *Canvas) ApplyDiff(cs *common.ChangeSet) (*ApplyResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res := &ApplyResult{}
	res.StaleBase = cs.BaseRootID != "" && cs.BaseVersion != c.version

	addedNodes := make(map[string]struct{}, len(cs.AddNodes))
	for _, n := range cs.AddNodes {
		addedNodes[n.SemanticID] = struct{}{}
	}

	// Removes that are the old half of an update are skipped; the add
	// replaces the node in place.
	var nodeRemovals []common.Node
	removedNodes := make(map[string]struct{})
	for _, n := range cs.RemoveNodes {
		if _, isUpdate := addedNodes[n.SemanticID]; isUpdate {
			continue
		}
		if _, exists := c.nodes[n.SemanticID]; !exists {
			continue
		}
		nodeRemovals = append(nodeRemovals, n)
		removedNodes[n.SemanticID] = struct{}{}
	}

	// Every edge endpoint must exist after the diff is applied.
	for _, e := range cs.AddEdges {
		for _, end := range []string{e.SourceID, e.TargetID} {
			_, onCanvas := c.nodes[end]
			_, added := addedNodes[end]
			_, removed := removedNodes[end]
			if (!onCanvas && !added) || removed {
				return nil, fmt.Errorf("edge %s: endpoint %s: %w", e.Key(), end, ErrUnknownEndpoint)
			}
		}
	}

	// Validation passed; mutate.
	for _, e := range cs.RemoveEdges {
		key := e.Key()
		if _, exists := c.edges[key]; !exists {
			continue
		}
		c.removeEdgeLocked(key, res)
	}

	for _, n := range nodeRemovals {
		// Incident edges cannot outlive their endpoint.
		for key, e := range c.edges {
			if e.SourceID == n.SemanticID || e.TargetID == n.SemanticID {
				c.removeEdgeLocked(key, res)
			}
		}
		old := c.nodes[n.SemanticID]
		delete(c.nodes, n.SemanticID)
		if old.PermanentID != "" {
			c.tombNodes[n.SemanticID] = old.PermanentID
		}
		c.dirtyNodes[n.SemanticID] = struct{}{}
		res.RemovedNodeIDs = append(res.RemovedNodeIDs, n.SemanticID)
		res.Changes++
	}

	for _, n := range cs.AddNodes {
		if old, exists := c.nodes[n.SemanticID]; exists {
			n.PermanentID = old.PermanentID
		}
		c.nodes[n.SemanticID] = n
		delete(c.tombNodes, n.SemanticID)
		c.dirtyNodes[n.SemanticID] = struct{}{}
		res.AddedNodeIDs = append(res.AddedNodeIDs, n.SemanticID)
		res.Changes++
	}

	for _, e := range cs.AddEdges {
		key := e.Key()
		if _, exists := c.edges[key]; exists {
			continue
		}
		c.edges[key] = e
		delete(c.tombEdges, key)
		c.dirtyEdges[key] = struct{}{}
		res.AddedEdgeIDs = append(res.AddedEdgeIDs, key)
		res.Changes++
	}

	c.version += int64(res.Changes)
	res.Version = c.version
	return res, nil
}

func (c *Canvas) removeEdgeLocked(key string, res *ApplyResult) {
	delete(c.edges, key)
	if pid, ok := c.edgePermIDs[key]; ok {
		c.tombEdges[key] = pid
		delete(c.edgePermIDs, key)
	}
	c.dirtyEdges[key] = struct{}{}
	res.RemovedEdgeIDs = append(res.RemovedEdgeIDs, key)
	res.Changes++
}

// MarkPersisted clears dirty entries for entities a batch has already
// written through the store, recording the permanent ids it was issued.
func (c *Canvas) MarkPersisted(r PersistReceipt) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sid, pid := range r.NodeIDs {
		if n, ok := c.nodes[sid]; ok {
			n.PermanentID = pid
			c.nodes[sid] = n
		}
		delete(c.dirtyNodes, sid)
	}
	for key, pid := range r.EdgeIDs {
		if _, ok := c.edges[key]; ok {
			c.edgePermIDs[key] = pid
		}
		delete(c.dirtyEdges, key)
	}
	for _, sid := range r.DeletedNodes {
		delete(c.tombNodes, sid)
		delete(c.dirtyNodes, sid)
	}
	for _, key := range r.DeletedEdges {
		delete(c.tombEdges, key)
		delete(c.dirtyEdges, key)
	}
	if len(c.dirtyNodes) == 0 && len(c.dirtyEdges) == 0 {
		c.lastFlushedVersion = c.version
	}
}

type flushNodeItem struct {
	semanticID string
	node       common.Node
	exists     bool
	tombPID    string
}

type flushEdgeItem struct {
	key     string
	edge    common.Edge
	exists  bool
	permID  string
	tombPID string
}

// Flush persists all dirty entities through the store. The dirty sets
// are snapshotted under lock but cleared only after every write
// succeeded; on failure they are left untouched so the next flush
// retries (creates become updates once the permanent id is recorded).
func (c *Canvas) Flush(ctx context.Context, gs store.GraphStore) error {
	c.mu.Lock()
	if len(c.dirtyNodes) == 0 && len(c.dirtyEdges) == 0 {
		c.mu.Unlock()
		return nil
	}

	nodeItems := make([]flushNodeItem, 0, len(c.dirtyNodes))
	for sid := range c.dirtyNodes {
		item := flushNodeItem{semanticID: sid}
		if n, ok := c.nodes[sid]; ok {
			item.node = n
			item.exists = true
		} else {
			item.tombPID = c.tombNodes[sid]
		}
		nodeItems = append(nodeItems, item)
	}

	edgeItems := make([]flushEdgeItem, 0, len(c.dirtyEdges))
	for key := range c.dirtyEdges {
		item := flushEdgeItem{key: key}
		if e, ok := c.edges[key]; ok {
			item.edge = e
			item.exists = true
			item.permID = c.edgePermIDs[key]
		} else {
			item.tombPID = c.tombEdges[key]
		}
		edgeItems = append(edgeItems, item)
	}
	versionAtSnapshot := c.version
	c.mu.Unlock()

	// Nodes first so edge creates can reference fresh permanent ids.
	for i, item := range nodeItems {
		if !item.exists {
			continue
		}
		if item.node.PermanentID == "" {
			pid, err := c.flushNewNode(ctx, gs, item)
			if err != nil {
				return err
			}
			nodeItems[i].node.PermanentID = pid
			c.mu.Lock()
			if n, ok := c.nodes[item.semanticID]; ok && n.PermanentID == "" {
				n.PermanentID = pid
				c.nodes[item.semanticID] = n
			}
			c.mu.Unlock()
		} else {
			if err := gs.Update(ctx, c.WorkspaceID, c.RootID, item.node.PermanentID, store.NodeProps(item.node)); err != nil {
				return fmt.Errorf("flush update node %s: %w", item.semanticID, err)
			}
		}
	}

	for _, item := range edgeItems {
		if !item.exists || item.permID != "" {
			continue
		}
		srcPID, tgtPID, err := c.endpointPIDs(item.edge)
		if err != nil {
			return fmt.Errorf("flush create edge %s: %w", item.key, err)
		}
		pid, err := c.flushNewEdge(ctx, gs, item, srcPID, tgtPID)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if _, ok := c.edges[item.key]; ok {
			c.edgePermIDs[item.key] = pid
		}
		c.mu.Unlock()
	}

	for _, item := range edgeItems {
		if item.exists || item.tombPID == "" {
			continue
		}
		if err := gs.Delete(ctx, c.WorkspaceID, c.RootID, item.tombPID); err != nil {
			return fmt.Errorf("flush delete edge %s: %w", item.key, err)
		}
	}

	for _, item := range nodeItems {
		if item.exists || item.tombPID == "" {
			continue
		}
		if err := gs.Delete(ctx, c.WorkspaceID, c.RootID, item.tombPID); err != nil {
			return fmt.Errorf("flush delete node %s: %w", item.semanticID, err)
		}
	}

	// All writes succeeded: clear exactly what was snapshotted, unless
	// the entity changed again while flushing.
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range nodeItems {
		if item.exists {
			if cur, ok := c.nodes[item.semanticID]; ok && nodeEqual(cur, item.node) {
				delete(c.dirtyNodes, item.semanticID)
			}
			continue
		}
		if _, readded := c.nodes[item.semanticID]; !readded {
			delete(c.dirtyNodes, item.semanticID)
			delete(c.tombNodes, item.semanticID)
		}
	}
	for _, item := range edgeItems {
		if item.exists {
			if _, ok := c.edges[item.key]; ok {
				delete(c.dirtyEdges, item.key)
			}
			continue
		}
		if _, readded := c.edges[item.key]; !readded {
			delete(c.dirtyEdges, item.key)
			delete(c.tombEdges, item.key)
		}
	}
	if c.lastFlushedVersion < versionAtSnapshot {
		c.lastFlushedVersion = versionAtSnapshot
	}
	return nil
}

// flushNewNode persists a node this canvas has no permanent id for.
// Another process may already have created the same semantic id, so the
// durable semantic table is consulted first: an existing mapping is
// adopted and updated in place instead of minting a second permanent id.
func (c *Canvas) flushNewNode(ctx context.Context, gs store.GraphStore, item flushNodeItem) (string, error) {
	sr, _ := gs.(store.SemanticResolver)
	if sr != nil {
		pid, found, err := sr.LookupSemantic(ctx, c.WorkspaceID, c.RootID, item.semanticID)
		if err != nil {
			return "", fmt.Errorf("flush lookup node %s: %w", item.semanticID, err)
		}
		if found {
			if err := gs.Update(ctx, c.WorkspaceID, c.RootID, pid, store.NodeProps(item.node)); err != nil {
				return "", fmt.Errorf("flush update node %s: %w", item.semanticID, err)
			}
			return pid, nil
		}
	}

	pid, err := gs.Create(ctx, c.WorkspaceID, c.RootID, store.KindNode, string(item.node.Kind), store.NodeProps(item.node))
	if err != nil {
		return "", fmt.Errorf("flush create node %s: %w", item.semanticID, err)
	}
	if sr != nil {
		if err := sr.CommitSemantic(ctx, c.WorkspaceID, c.RootID, item.semanticID, pid); err != nil {
			return "", fmt.Errorf("flush record node %s: %w", item.semanticID, err)
		}
	}
	return pid, nil
}

// flushNewEdge persists an edge this canvas has no permanent id for,
// adopting an identical durable edge if one already exists.
func (c *Canvas) flushNewEdge(ctx context.Context, gs store.GraphStore, item flushEdgeItem, srcPID, tgtPID string) (string, error) {
	existing, err := gs.Query(ctx, store.Filter{
		WorkspaceID: c.WorkspaceID,
		RootID:      c.RootID,
		Kind:        store.KindEdge,
		Types:       []string{string(item.edge.Kind)},
		SourceID:    srcPID,
		TargetID:    tgtPID,
	})
	if err != nil {
		return "", fmt.Errorf("flush lookup edge %s: %w", item.key, err)
	}
	if len(existing) > 0 {
		return existing[0].PermanentID, nil
	}

	pid, err := gs.Create(ctx, c.WorkspaceID, c.RootID, store.KindEdge, string(item.edge.Kind), store.EdgeProps(item.edge, srcPID, tgtPID))
	if err != nil {
		return "", fmt.Errorf("flush create edge %s: %w", item.key, err)
	}
	return pid, nil
}

func (c *Canvas) endpointPIDs(e common.Edge) (string, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	src, ok := c.nodes[e.SourceID]
	if !ok || src.PermanentID == "" {
		return "", "", fmt.Errorf("source %s has no permanent id", e.SourceID)
	}
	tgt, ok := c.nodes[e.TargetID]
	if !ok || tgt.PermanentID == "" {
		return "", "", fmt.Errorf("target %s has no permanent id", e.TargetID)
	}
	return src.PermanentID, tgt.PermanentID, nil
}

func nodeEqual(a, b common.Node) bool {
	if a.SemanticID != b.SemanticID || a.Kind != b.Kind || a.Name != b.Name || a.Description != b.Description {
		return false
	}
	if len(a.Presentation) != len(b.Presentation) {
		return false
	}
	for k, v := range a.Presentation {
		if b.Presentation[k] != v {
			return false
		}
	}
	return true
}

// Serialize returns a deterministic snapshot of the canvas, optionally
// filtered, sorted by semantic id and edge key.
func (c *Canvas) Serialize(f ViewFilter) ([]common.Node, []common.Edge, int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kindSet := make(map[common.NodeKind]struct{}, len(f.Kinds))
	for _, k := range f.Kinds {
		kindSet[k] = struct{}{}
	}
	relSet := make(map[common.RelationKind]struct{}, len(f.Relations))
	for _, r := range f.Relations {
		relSet[r] = struct{}{}
	}

	nodes := make([]common.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		if len(kindSet) > 0 {
			if _, ok := kindSet[n.Kind]; !ok {
				continue
			}
		}
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].SemanticID < nodes[j].SemanticID })

	edges := make([]common.Edge, 0, len(c.edges))
	for _, e := range c.edges {
		if len(relSet) > 0 {
			if _, ok := relSet[e.Kind]; !ok {
				continue
			}
		}
		// A filtered-out node keeps its edges out of the view too.
		if len(kindSet) > 0 {
			src, sok := c.nodes[e.SourceID]
			tgt, tok := c.nodes[e.TargetID]
			if !sok || !tok {
				continue
			}
			if _, ok := kindSet[src.Kind]; !ok {
				continue
			}
			if _, ok := kindSet[tgt.Kind]; !ok {
				continue
			}
		}
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].Key() < edges[j].Key() })

	return nodes, edges, c.version
}
