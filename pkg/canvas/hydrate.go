package canvas

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/backend/pkg/common"
	"github.com/loomworks/loom/backend/pkg/store"
)

// Hydrate loads the persisted entities of this pair and seeds the
// canvas from them. The seeded version counts one step per entity so
// that a freshly hydrated canvas never reports version zero for a
// non-empty graph. Hydrating a canvas that already has state is a
// caller error.
func (c *Canvas) Hydrate(ctx context.Context, gs store.GraphStore) error {
	nodes, edges, edgePermIDs, err := loadEntities(ctx, gs, c.WorkspaceID, c.RootID)
	if err != nil {
		return err
	}
	c.Seed(nodes, edges, edgePermIDs, int64(len(nodes)+len(edges)))
	return nil
}

// Rehydrate replaces the canvas state with the current durable state.
// Used when another process changed the pair behind this canvas: local
// dirty changes are flushed first so nothing is lost, then the maps are
// rebuilt from the store. The version never moves backwards.
func (c *Canvas) Rehydrate(ctx context.Context, gs store.GraphStore) error {
	c.LockBatch()
	defer c.UnlockBatch()

	if c.Dirty() {
		if err := c.Flush(ctx, gs); err != nil {
			return fmt.Errorf("flush before reload: %w", err)
		}
	}

	nodes, edges, edgePermIDs, err := loadEntities(ctx, gs, c.WorkspaceID, c.RootID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nodes = make(map[string]common.Node, len(nodes))
	for _, n := range nodes {
		c.nodes[n.SemanticID] = n
	}
	c.edges = make(map[string]common.Edge, len(edges))
	for _, e := range edges {
		c.edges[e.Key()] = e
	}
	c.edgePermIDs = edgePermIDs
	c.tombNodes = make(map[string]string)
	c.tombEdges = make(map[string]string)
	c.dirtyNodes = make(map[string]struct{})
	c.dirtyEdges = make(map[string]struct{})

	if v := int64(len(nodes) + len(edges)); v > c.version {
		c.version = v
	}
	c.lastFlushedVersion = c.version
	return nil
}

func loadEntities(ctx context.Context, gs store.GraphStore, workspaceID, rootID string) ([]common.Node, []common.Edge, map[string]string, error) {
	nodeEntities, err := gs.Query(ctx, store.Filter{
		WorkspaceID: workspaceID,
		RootID:      rootID,
		Kind:        store.KindNode,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load nodes: %w", err)
	}
	edgeEntities, err := gs.Query(ctx, store.Filter{
		WorkspaceID: workspaceID,
		RootID:      rootID,
		Kind:        store.KindEdge,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load edges: %w", err)
	}

	nodes := make([]common.Node, 0, len(nodeEntities))
	for _, e := range nodeEntities {
		nodes = append(nodes, store.NodeFromEntity(e))
	}

	edges := make([]common.Edge, 0, len(edgeEntities))
	edgePermIDs := make(map[string]string, len(edgeEntities))
	for _, e := range edgeEntities {
		edge := store.EdgeFromEntity(e)
		edges = append(edges, edge)
		edgePermIDs[edge.Key()] = e.PermanentID
	}
	return nodes, edges, edgePermIDs, nil
}
