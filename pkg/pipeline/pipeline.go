// Package pipeline orchestrates batch execution: chunk the operations
// along their dependencies, resolve references, write through the
// durable store, apply the resulting diff to the canvas, and broadcast
// it. Chunks run strictly in order; operations inside a chunk run in
// parallel.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/backend/pkg/canvas"
	"github.com/loomworks/loom/backend/pkg/chunker"
	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/formate"
	"github.com/loomworks/loom/backend/pkg/logger"
	"github.com/loomworks/loom/backend/pkg/resolver"
	"github.com/loomworks/loom/backend/pkg/store"
	"github.com/loomworks/loom/backend/pkg/syncer"
)

// Publisher receives the broadcastable update after a batch applied.
// Delivery failures never fail the batch.
type Publisher interface {
	Publish(u syncer.Update) error
}

// Batch is one executable operation set against a single canvas.
type Batch struct {
	WorkspaceID   string
	RootID        string
	Operations    []common.Operation
	Note          string
	OriginSession string
}

// OperationFailure describes one failed operation. Failures are
// operation-scoped: siblings in the same chunk still commit.
type OperationFailure struct {
	OperationID string `json:"operation_id"`
	Reason      string `json:"reason"`
}

// Report is the structured outcome of a batch. FailedChunk is -1 when
// every chunk completed; otherwise it indexes the chunk whose failures
// aborted the remainder. Committed work is never rolled back.
type Report struct {
	ChunkCount  int                `json:"chunk_count"`
	FailedChunk int                `json:"failed_chunk"`
	Failures    []OperationFailure `json:"failures,omitempty"`
	ChangeSet   *common.ChangeSet  `json:"-"`
	Diff        string             `json:"diff"`
	Version     int64              `json:"version"`
	StaleBase   bool               `json:"stale_base,omitempty"`
}

// Pipeline executes batches. Safe for concurrent use; per-canvas
// serialization comes from the canvas batch lock.
type Pipeline struct {
	store     store.GraphStore
	lookup    resolver.SemanticLookup
	publisher Publisher
	parallel  int
}

// New builds a pipeline. parallel bounds concurrent operations within
// one chunk.
func New(gs store.GraphStore, lookup resolver.SemanticLookup, pub Publisher, parallel int) *Pipeline {
	if parallel <= 0 {
		parallel = 4
	}
	return &Pipeline{store: gs, lookup: lookup, publisher: pub, parallel: parallel}
}

// Execute runs the batch to completion. Pre-execution failures
// (validation, unknown dependency, cycle) return an error and touch
// nothing; execution failures are reported per operation in the Report.
func (p *Pipeline) Execute(ctx context.Context, cv *canvas.Canvas, batch Batch) (*Report, error) {
	for _, op := range batch.Operations {
		if err := op.Validate(); err != nil {
			return nil, err
		}
	}

	chunks, err := chunker.Chunk(batch.Operations)
	if err != nil {
		return nil, err
	}

	cv.LockBatch()
	defer cv.UnlockBatch()

	// Everything already on the canvas needs a permanent id before the
	// batch can reference it.
	if err := cv.Flush(ctx, p.store); err != nil {
		return nil, fmt.Errorf("pre-batch flush: %w", err)
	}

	r := resolver.New(p.lookup, batch.WorkspaceID, batch.RootID)
	r.Declare(batch.Operations)
	p.seedResolver(cv, r, batch.Operations)

	report := &Report{ChunkCount: len(chunks), FailedChunk: -1}
	cs := &common.ChangeSet{}
	receipt := canvas.PersistReceipt{
		NodeIDs: make(map[string]string),
		EdgeIDs: make(map[string]string),
	}
	var mu sync.Mutex

	for idx, chunk := range chunks {
		if ctx.Err() != nil {
			report.FailedChunk = idx
			for _, op := range chunk {
				report.Failures = append(report.Failures, OperationFailure{OperationID: op.ID, Reason: ctx.Err().Error()})
			}
			break
		}

		// A chunk that started runs to completion even if the caller
		// goes away mid-chunk; abort points sit between chunks.
		chunkCtx := context.WithoutCancel(ctx)

		g := new(errgroup.Group)
		g.SetLimit(p.parallel)
		for _, op := range chunk {
			op := op
			g.Go(func() error {
				if execErr := p.executeOp(chunkCtx, cv, r, cs, &receipt, &mu, batch, op); execErr != nil {
					mu.Lock()
					report.Failures = append(report.Failures, OperationFailure{OperationID: op.ID, Reason: execErr.Error()})
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()

		if len(report.Failures) > 0 {
			report.FailedChunk = idx
			break
		}
	}

	if !cs.Empty() {
		cs.BaseRootID = batch.RootID
		cs.BaseVersion = cv.Version()
		res, applyErr := cv.ApplyDiff(cs)
		if applyErr != nil {
			return report, fmt.Errorf("apply batch diff: %w", applyErr)
		}
		cv.MarkPersisted(receipt)

		report.ChangeSet = cs
		report.Diff = formate.SerializeDiff(cs)
		report.Version = res.Version
		report.StaleBase = res.StaleBase

		if p.publisher != nil {
			if pubErr := p.publisher.Publish(syncer.Update{
				WorkspaceID: batch.WorkspaceID,
				RootID:      batch.RootID,
				Diff:        report.Diff,
				Note:        batch.Note,
				Origin:      batch.OriginSession,
				Version:     res.Version,
			}); pubErr != nil {
				logger.Error("failed to broadcast batch update",
					"workspace", batch.WorkspaceID,
					"root", batch.RootID,
					"error", pubErr,
				)
			}
		}
	} else {
		report.Version = cv.Version()
	}

	return report, nil
}

// seedResolver primes the semantic table with the permanent ids the
// canvas already knows, skipping ids the batch mints itself.
func (p *Pipeline) seedResolver(cv *canvas.Canvas, r *resolver.Resolver, ops []common.Operation) {
	for _, op := range ops {
		var refs []string
		switch op.Kind {
		case common.OpUpdateNode, common.OpDeleteNode:
			refs = []string{op.Node.Ref}
		case common.OpCreateEdge, common.OpDeleteEdge:
			refs = []string{op.Edge.SourceRef, op.Edge.TargetRef}
		}
		for _, ref := range refs {
			if n, ok := cv.Node(ref); ok && n.PermanentID != "" {
				r.SeedSemantic(ref, n.PermanentID)
			}
		}
	}
}

func (p *Pipeline) executeOp(ctx context.Context, cv *canvas.Canvas, r *resolver.Resolver, cs *common.ChangeSet, receipt *canvas.PersistReceipt, mu *sync.Mutex, batch Batch, op common.Operation) error {
	resolved, err := r.Resolve(ctx, op)
	if err != nil {
		return err
	}

	switch resolved.Kind {
	case common.OpCreateNode:
		return p.createNode(ctx, r, cs, receipt, mu, batch, resolved)
	case common.OpUpdateNode:
		return p.updateNode(ctx, cv, cs, receipt, mu, batch, resolved)
	case common.OpDeleteNode:
		return p.deleteNode(ctx, cv, cs, receipt, mu, batch, resolved)
	case common.OpCreateEdge:
		return p.createEdge(ctx, cv, cs, receipt, mu, batch, resolved)
	case common.OpDeleteEdge:
		return p.deleteEdge(ctx, cv, cs, receipt, mu, batch, resolved)
	default:
		return fmt.Errorf("unknown operation kind %q", resolved.Kind)
	}
}

func (p *Pipeline) createNode(ctx context.Context, r *resolver.Resolver, cs *common.ChangeSet, receipt *canvas.PersistReceipt, mu *sync.Mutex, batch Batch, op common.Operation) error {
	node := common.Node{
		SemanticID:   op.Node.SemanticID,
		Kind:         op.Node.Kind,
		Name:         op.Node.Name,
		Description:  op.Node.Description,
		Presentation: op.Node.Presentation,
	}

	pid, err := p.store.Create(ctx, batch.WorkspaceID, batch.RootID, store.KindNode, string(node.Kind), store.NodeProps(node))
	if err != nil {
		return fmt.Errorf("create node %s: %w", node.SemanticID, err)
	}
	if err := r.Commit(ctx, op.TempID, node.SemanticID, pid); err != nil {
		return err
	}
	node.PermanentID = pid

	mu.Lock()
	cs.AddNodes = append(cs.AddNodes, node)
	receipt.NodeIDs[node.SemanticID] = pid
	mu.Unlock()
	return nil
}

func (p *Pipeline) updateNode(ctx context.Context, cv *canvas.Canvas, cs *common.ChangeSet, receipt *canvas.PersistReceipt, mu *sync.Mutex, batch Batch, op common.Operation) error {
	pid := op.Node.Ref
	semanticID, err := semanticFor(cv, pid, op.Node.SemanticID)
	if err != nil {
		return err
	}
	old, ok := cv.Node(semanticID)
	if !ok {
		return fmt.Errorf("update node %s: not on canvas", semanticID)
	}

	// Whole-entity replace: the payload is the complete new state.
	next := common.Node{
		SemanticID:   semanticID,
		PermanentID:  pid,
		Kind:         old.Kind,
		Name:         op.Node.Name,
		Description:  op.Node.Description,
		Presentation: op.Node.Presentation,
	}
	if err := p.store.Update(ctx, batch.WorkspaceID, batch.RootID, pid, store.NodeProps(next)); err != nil {
		return fmt.Errorf("update node %s: %w", semanticID, err)
	}

	mu.Lock()
	cs.RemoveNodes = append(cs.RemoveNodes, old)
	cs.AddNodes = append(cs.AddNodes, next)
	receipt.NodeIDs[semanticID] = pid
	mu.Unlock()
	return nil
}

func (p *Pipeline) deleteNode(ctx context.Context, cv *canvas.Canvas, cs *common.ChangeSet, receipt *canvas.PersistReceipt, mu *sync.Mutex, batch Batch, op common.Operation) error {
	pid := op.Node.Ref
	semanticID, err := semanticFor(cv, pid, op.Node.SemanticID)
	if err != nil {
		return err
	}
	old, ok := cv.Node(semanticID)
	if !ok {
		return fmt.Errorf("delete node %s: not on canvas", semanticID)
	}

	if err := p.store.Delete(ctx, batch.WorkspaceID, batch.RootID, pid); err != nil {
		return fmt.Errorf("delete node %s: %w", semanticID, err)
	}

	mu.Lock()
	cs.RemoveNodes = append(cs.RemoveNodes, old)
	receipt.DeletedNodes = append(receipt.DeletedNodes, semanticID)
	mu.Unlock()
	return nil
}

func (p *Pipeline) createEdge(ctx context.Context, cv *canvas.Canvas, cs *common.ChangeSet, receipt *canvas.PersistReceipt, mu *sync.Mutex, batch Batch, op common.Operation) error {
	srcSemantic, err := semanticFor(cv, op.Edge.SourceRef, op.Edge.SourceSemantic)
	if err != nil {
		return err
	}
	tgtSemantic, err := semanticFor(cv, op.Edge.TargetRef, op.Edge.TargetSemantic)
	if err != nil {
		return err
	}

	edge := common.Edge{SourceID: srcSemantic, TargetID: tgtSemantic, Kind: op.Edge.Kind}
	pid, err := p.store.Create(ctx, batch.WorkspaceID, batch.RootID, store.KindEdge, string(edge.Kind), store.EdgeProps(edge, op.Edge.SourceRef, op.Edge.TargetRef))
	if err != nil {
		return fmt.Errorf("create edge %s: %w", edge.Key(), err)
	}

	mu.Lock()
	cs.AddEdges = append(cs.AddEdges, edge)
	receipt.EdgeIDs[edge.Key()] = pid
	mu.Unlock()
	return nil
}

func (p *Pipeline) deleteEdge(ctx context.Context, cv *canvas.Canvas, cs *common.ChangeSet, receipt *canvas.PersistReceipt, mu *sync.Mutex, batch Batch, op common.Operation) error {
	srcSemantic, err := semanticFor(cv, op.Edge.SourceRef, op.Edge.SourceSemantic)
	if err != nil {
		return err
	}
	tgtSemantic, err := semanticFor(cv, op.Edge.TargetRef, op.Edge.TargetSemantic)
	if err != nil {
		return err
	}

	edge := common.Edge{SourceID: srcSemantic, TargetID: tgtSemantic, Kind: op.Edge.Kind}
	key := edge.Key()

	pid, ok := cv.EdgePermanentID(key)
	if !ok {
		entities, qErr := p.store.Query(ctx, store.Filter{
			WorkspaceID: batch.WorkspaceID,
			RootID:      batch.RootID,
			Kind:        store.KindEdge,
			Types:       []string{string(edge.Kind)},
			SourceID:    op.Edge.SourceRef,
			TargetID:    op.Edge.TargetRef,
		})
		if qErr != nil {
			return fmt.Errorf("delete edge %s: %w", key, qErr)
		}
		if len(entities) == 0 {
			return fmt.Errorf("delete edge %s: no such edge", key)
		}
		pid = entities[0].PermanentID
	}

	if err := p.store.Delete(ctx, batch.WorkspaceID, batch.RootID, pid); err != nil {
		return fmt.Errorf("delete edge %s: %w", key, err)
	}

	mu.Lock()
	cs.RemoveEdges = append(cs.RemoveEdges, edge)
	receipt.DeletedEdges = append(receipt.DeletedEdges, key)
	mu.Unlock()
	return nil
}

// semanticFor recovers the semantic id behind a resolved permanent
// reference, falling back to canvas state for pass-through ids.
func semanticFor(cv *canvas.Canvas, pid, semantic string) (string, error) {
	if semantic != "" {
		return semantic, nil
	}
	if n, ok := cv.NodeByPermanentID(pid); ok {
		return n.SemanticID, nil
	}
	return "", fmt.Errorf("no canvas node holds permanent id %s", pid)
}
