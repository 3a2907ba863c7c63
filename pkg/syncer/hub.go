// Package syncer fans canvas updates out to attached sessions. Delivery
// is fire-and-forget: a slow consumer never blocks the publisher, it is
// marked lagged and must resync.
package syncer

import (
	"fmt"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/loomworks/loom/backend/pkg/logger"
)

// Update is one broadcastable canvas change: the applied diff in wire
// form plus the version it produced. Origin names the session whose
// edit caused it; that session is excluded from delivery.
type Update struct {
	WorkspaceID string `json:"workspace_id"`
	RootID      string `json:"root_id"`
	Diff        string `json:"diff"`
	Note        string `json:"note,omitempty"`
	Origin      string `json:"origin,omitempty"`
	Version     int64  `json:"version"`
}

// Session is one attached stream consumer. Updates are delivered over a
// bounded queue; when the queue is full the update is dropped and the
// session flagged lagged, which obliges it to fetch a full resync.
type Session struct {
	ID     string
	out    chan Update
	lagged atomic.Bool
}

// Updates is the session's receive side. Closed on unsubscribe.
func (s *Session) Updates() <-chan Update {
	return s.out
}

// Lagged reports whether deliveries were dropped since the last clear.
func (s *Session) Lagged() bool {
	return s.lagged.Load()
}

// ClearLagged resets the flag after the session resynced.
func (s *Session) ClearLagged() {
	s.lagged.Store(false)
}

type pairKey struct {
	workspaceID string
	rootID      string
}

// Hub routes updates to the sessions of each (workspace, root) pair.
type Hub struct {
	queueSize int

	mu   sync.Mutex
	subs map[pairKey]map[string]*Session
}

func NewHub(queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Hub{
		queueSize: queueSize,
		subs:      make(map[pairKey]map[string]*Session),
	}
}

// Subscribe attaches a new session to the pair.
func (h *Hub) Subscribe(workspaceID, rootID string) (*Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generate session id: %w", err)
	}
	s := &Session{ID: id, out: make(chan Update, h.queueSize)}

	h.mu.Lock()
	defer h.mu.Unlock()
	key := pairKey{workspaceID, rootID}
	if h.subs[key] == nil {
		h.subs[key] = make(map[string]*Session)
	}
	h.subs[key][s.ID] = s
	return s, nil
}

// Unsubscribe detaches the session and closes its update channel.
func (h *Hub) Unsubscribe(workspaceID, rootID, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := pairKey{workspaceID, rootID}
	sessions, ok := h.subs[key]
	if !ok {
		return
	}
	s, ok := sessions[sessionID]
	if !ok {
		return
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(h.subs, key)
	}
	close(s.out)
}

// SessionCount returns the number of sessions attached to the pair.
func (h *Hub) SessionCount(workspaceID, rootID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[pairKey{workspaceID, rootID}])
}

// Publish delivers the update to every session of the pair except the
// originator. Never blocks: a full session queue drops the update and
// marks the session lagged.
func (h *Hub) Publish(u Update) {
	h.mu.Lock()
	sessions := h.subs[pairKey{u.WorkspaceID, u.RootID}]
	targets := make([]*Session, 0, len(sessions))
	for _, s := range sessions {
		if s.ID == u.Origin {
			continue
		}
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		select {
		case s.out <- u:
		default:
			s.lagged.Store(true)
			logger.Warn("session queue full, dropping update",
				"session", s.ID,
				"workspace", u.WorkspaceID,
				"root", u.RootID,
				"version", u.Version,
			)
		}
	}
}
