package canvas

import "sync"

type pairKey struct {
	workspaceID string
	rootID      string
}

// Registry hands out the single live Canvas per (workspace, root) pair
// and evicts it once the last reference is released.
type Registry struct {
	mu       sync.Mutex
	canvases map[pairKey]*entry
}

type entry struct {
	canvas *Canvas
	refs   int
}

func NewRegistry() *Registry {
	return &Registry{canvases: make(map[pairKey]*entry)}
}

// Acquire returns the canvas for the pair, creating it when absent, and
// takes a reference. created tells the caller whether it must hydrate
// the fresh canvas from the store.
func (r *Registry) Acquire(workspaceID, rootID string) (cv *Canvas, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{workspaceID, rootID}
	e, ok := r.canvases[key]
	if !ok {
		e = &entry{canvas: New(workspaceID, rootID)}
		r.canvases[key] = e
		created = true
	}
	e.refs++
	return e.canvas, created
}

// Release drops one reference. The canvas is evicted when none remain
// and nothing is left to flush.
func (r *Registry) Release(workspaceID, rootID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{workspaceID, rootID}
	e, ok := r.canvases[key]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 && !e.canvas.Dirty() {
		delete(r.canvases, key)
	}
}

// Peek returns the canvas if it is live, without taking a reference.
func (r *Registry) Peek(workspaceID, rootID string) (*Canvas, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.canvases[pairKey{workspaceID, rootID}]
	if !ok {
		return nil, false
	}
	return e.canvas, true
}

// Sweep evicts canvases that lost their last reference while they
// still had unflushed changes and have since been flushed clean.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.canvases {
		if e.refs <= 0 && !e.canvas.Dirty() {
			delete(r.canvases, key)
		}
	}
}

// ForEach visits every live canvas. Used by the background flusher.
func (r *Registry) ForEach(fn func(*Canvas)) {
	r.mu.Lock()
	live := make([]*Canvas, 0, len(r.canvases))
	for _, e := range r.canvases {
		live = append(live, e.canvas)
	}
	r.mu.Unlock()

	for _, cv := range live {
		fn(cv)
	}
}
