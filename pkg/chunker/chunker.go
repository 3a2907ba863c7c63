// Package chunker splits an operation batch into ordered chunks along
// its dependency edges. Operations inside one chunk are mutually
// independent and may run in parallel; chunks execute strictly in
// order.
package chunker

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loomworks/loom/backend/pkg/common"
)

// ErrDuplicateOperationID rejects a batch reusing an operation id.
var ErrDuplicateOperationID = errors.New("duplicate operation id")

// CyclicDependencyError is batch-fatal: no chunk plan exists. Remaining
// lists the operation ids caught in the cycle (or depending on it),
// sorted for stable reporting.
type CyclicDependencyError struct {
	Remaining []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency among operations [%s]", strings.Join(e.Remaining, ", "))
}

// UnknownDependencyError is batch-fatal: an operation depends on an id
// that names no operation in the batch.
type UnknownDependencyError struct {
	OperationID string
	Dependency  string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("operation %s depends on unknown operation %s", e.OperationID, e.Dependency)
}

// Chunk computes the execution plan. Each returned chunk contains only
// operations whose dependencies were all placed in earlier chunks, and
// operations keep their batch order within a chunk.
func Chunk(ops []common.Operation) ([][]common.Operation, error) {
	byID := make(map[string]common.Operation, len(ops))
	for _, op := range ops {
		if _, dup := byID[op.ID]; dup {
			return nil, fmt.Errorf("operation %s: %w", op.ID, ErrDuplicateOperationID)
		}
		byID[op.ID] = op
	}

	for _, op := range ops {
		for _, dep := range op.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &UnknownDependencyError{OperationID: op.ID, Dependency: dep}
			}
		}
	}

	placed := make(map[string]struct{}, len(ops))
	remaining := make([]common.Operation, len(ops))
	copy(remaining, ops)

	var chunks [][]common.Operation
	for len(remaining) > 0 {
		var ready, blocked []common.Operation
		for _, op := range remaining {
			if allPlaced(op.DependsOn, placed) {
				ready = append(ready, op)
			} else {
				blocked = append(blocked, op)
			}
		}

		if len(ready) == 0 {
			ids := make([]string, len(blocked))
			for i, op := range blocked {
				ids[i] = op.ID
			}
			sort.Strings(ids)
			return nil, &CyclicDependencyError{Remaining: ids}
		}

		for _, op := range ready {
			placed[op.ID] = struct{}{}
		}
		chunks = append(chunks, ready)
		remaining = blocked
	}

	return chunks, nil
}

func allPlaced(deps []string, placed map[string]struct{}) bool {
	for _, dep := range deps {
		if _, ok := placed[dep]; !ok {
			return false
		}
	}
	return true
}
