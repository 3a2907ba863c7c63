// Package resolver rewrites operation references to permanent ids. Two
// physically separate tables back it: a batch-scoped temporary-id table
// that dies with the batch, and a semantic-id table cached over the
// durable store. Existing entities never get a second permanent id.
package resolver

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/loomworks/loom/backend/pkg/common"
)

// UnresolvedReferenceError fails a single operation, not the batch.
type UnresolvedReferenceError struct {
	OperationID string
	Ref         string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("operation %s: reference %q resolves to nothing", e.OperationID, e.Ref)
}

// SemanticLookup is the durable side of the semantic-id table,
// implemented by the graph store.
type SemanticLookup interface {
	LookupSemantic(ctx context.Context, workspaceID, rootID, semanticID string) (string, bool, error)
	CommitSemantic(ctx context.Context, workspaceID, rootID, semanticID, permanentID string) error
}

// Resolver is scoped to one batch. Safe for concurrent use by the
// operations of a chunk.
type Resolver struct {
	workspaceID string
	rootID      string
	lookup      SemanticLookup

	mu                  sync.Mutex
	tempToPermanent     map[string]string
	semanticToPermanent map[string]string
	tempSemantic        map[string]string
	pendingTemp         map[string]struct{}
}

func New(lookup SemanticLookup, workspaceID, rootID string) *Resolver {
	return &Resolver{
		workspaceID:         workspaceID,
		rootID:              rootID,
		lookup:              lookup,
		tempToPermanent:     make(map[string]string),
		semanticToPermanent: make(map[string]string),
		tempSemantic:        make(map[string]string),
		pendingTemp:         make(map[string]struct{}),
	}
}

// Declare registers the temporary ids a batch will mint, before any
// chunk runs. A declared-but-uncommitted temp id still fails to
// resolve; declaring only sharpens nothing into a scheduling bug
// instead of a typo.
func (r *Resolver) Declare(ops []common.Operation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		if op.Kind == common.OpCreateNode && op.TempID != "" {
			r.pendingTemp[op.TempID] = struct{}{}
			r.tempSemantic[op.TempID] = op.Node.SemanticID
		}
	}
}

// SeedSemantic primes the semantic table from canvas state, avoiding a
// store round trip per reference.
func (r *Resolver) SeedSemantic(semanticID, permanentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.semanticToPermanent[semanticID] = permanentID
}

// Commit records the permanent id issued for a freshly created entity.
// The temp mapping is batch-local; the semantic mapping is persisted
// through the store so later batches resolve it too.
func (r *Resolver) Commit(ctx context.Context, tempID, semanticID, permanentID string) error {
	r.mu.Lock()
	if tempID != "" {
		r.tempToPermanent[tempID] = permanentID
		delete(r.pendingTemp, tempID)
	}
	if semanticID != "" {
		r.semanticToPermanent[semanticID] = permanentID
	}
	r.mu.Unlock()

	if semanticID == "" {
		return nil
	}
	if err := r.lookup.CommitSemantic(ctx, r.workspaceID, r.rootID, semanticID, permanentID); err != nil {
		return fmt.Errorf("commit semantic id %s: %w", semanticID, err)
	}
	return nil
}

// Resolve returns a copy of the operation with every reference rewritten
// to a permanent id. Edge operations additionally get their semantic
// endpoint ids filled for wire serialization; a pass-through permanent
// reference leaves the semantic id empty for the caller to recover from
// canvas state.
func (r *Resolver) Resolve(ctx context.Context, op common.Operation) (common.Operation, error) {
	switch op.Kind {
	case common.OpCreateNode:
		return op, nil
	case common.OpUpdateNode, common.OpDeleteNode:
		pid, semantic, err := r.resolveRef(ctx, op.ID, op.Node.Ref)
		if err != nil {
			return common.Operation{}, err
		}
		node := *op.Node
		node.Ref = pid
		if node.SemanticID == "" {
			node.SemanticID = semantic
		}
		op.Node = &node
		return op, nil
	case common.OpCreateEdge, common.OpDeleteEdge:
		srcPID, srcSemantic, err := r.resolveRef(ctx, op.ID, op.Edge.SourceRef)
		if err != nil {
			return common.Operation{}, err
		}
		tgtPID, tgtSemantic, err := r.resolveRef(ctx, op.ID, op.Edge.TargetRef)
		if err != nil {
			return common.Operation{}, err
		}
		edge := *op.Edge
		edge.SourceRef = srcPID
		edge.TargetRef = tgtPID
		edge.SourceSemantic = srcSemantic
		edge.TargetSemantic = tgtSemantic
		op.Edge = &edge
		return op, nil
	default:
		return common.Operation{}, fmt.Errorf("operation %s: unknown kind %q", op.ID, op.Kind)
	}
}

func (r *Resolver) resolveRef(ctx context.Context, opID, ref string) (pid, semantic string, err error) {
	// Permanent ids pass through untouched.
	if strings.HasPrefix(ref, "ent_") || strings.HasPrefix(ref, "rel_") {
		return ref, "", nil
	}

	r.mu.Lock()
	if pid, ok := r.tempToPermanent[ref]; ok {
		semantic := r.tempSemantic[ref]
		r.mu.Unlock()
		return pid, semantic, nil
	}
	if pid, ok := r.semanticToPermanent[ref]; ok {
		r.mu.Unlock()
		return pid, ref, nil
	}
	_, pending := r.pendingTemp[ref]
	r.mu.Unlock()

	if pending {
		return "", "", &UnresolvedReferenceError{OperationID: opID, Ref: ref}
	}

	pid, ok, lookupErr := r.lookup.LookupSemantic(ctx, r.workspaceID, r.rootID, ref)
	if lookupErr != nil {
		return "", "", fmt.Errorf("operation %s: lookup %q: %w", opID, ref, lookupErr)
	}
	if !ok {
		return "", "", &UnresolvedReferenceError{OperationID: opID, Ref: ref}
	}

	r.mu.Lock()
	r.semanticToPermanent[ref] = pid
	r.mu.Unlock()
	return pid, ref, nil
}
