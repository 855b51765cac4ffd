package room

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghost-hands/collabdocs/internal/cursor"
	"github.com/ghost-hands/collabdocs/pkg/logger"
	"github.com/ghost-hands/collabdocs/pkg/metrics"
)

// ManagerConfig wires a Manager to the shared collaborators every
// room it creates needs. CL and Versions take the same narrow
// interfaces a Room does (satisfied by *changelog.Store and
// *version.Controller respectively), so tests can substitute fakes.
type ManagerConfig struct {
	CL           ChangeLogAppender
	Versions     ContributionRecorder
	Cursors      *cursor.Tracker
	Retention    int
	GraceSeconds time.Duration // 0 uses Room's default
	BufferSize   int
}

// Manager owns the set of live Document Rooms, keyed by document ID.
// It mirrors the teacher's ServerState: a concurrency-safe map plus
// lazy get-or-create, but lifecycle teardown is driven by each room's
// own grace timer rather than a periodic sweep.
type Manager struct {
	cfg ManagerConfig

	mu    sync.Mutex
	rooms map[string]*Room
}

// NewManager constructs an empty Manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{cfg: cfg, rooms: make(map[string]*Room)}
}

// SetVersions wires the Version Controller in after construction,
// breaking the Manager/Controller construction cycle: the Controller
// needs a RoomResetter (the Manager) and the Manager's rooms need a
// ContributionRecorder (the Controller).
func (m *Manager) SetVersions(v ContributionRecorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Versions = v
}

// GetOrCreate returns the live room for documentID, creating and
// starting it (rehydrated from hydrate, per spec §3) if none exists.
// hydrate is called only on the cache-miss path, outside any gate.
func (m *Manager) GetOrCreate(ctx context.Context, documentID string, hydrate func(ctx context.Context) (string, error)) (*Room, error) {
	m.mu.Lock()
	if r, ok := m.rooms[documentID]; ok {
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	text, err := hydrate(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate document %s: %w", documentID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.rooms[documentID]; ok {
		// Lost the race with a concurrent creator; use theirs and
		// discard the text we just hydrated.
		return r, nil
	}

	r := New(Config{
		DocumentID:   documentID,
		InitialText:  text,
		Retention:    m.cfg.Retention,
		GraceSeconds: m.cfg.GraceSeconds,
		BufferSize:   m.cfg.BufferSize,
		CL:           m.cfg.CL,
		Contrib:      m.cfg.Versions,
		Cursors:      m.cfg.Cursors,
		OnEmpty:      m.remove,
	})
	r.Start()
	m.rooms[documentID] = r
	metrics.RoomsActive.Set(float64(len(m.rooms)))
	logger.Debug("room: created document room %s", documentID)
	return r, nil
}

// Get returns the live room for documentID, if any.
func (m *Manager) Get(documentID string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[documentID]
	return r, ok
}

// remove drops documentID from the live set; called by a room's own
// grace timer once it has sat empty past GraceSeconds.
func (m *Manager) remove(documentID string) {
	m.mu.Lock()
	r, ok := m.rooms[documentID]
	if ok {
		delete(m.rooms, documentID)
	}
	count := len(m.rooms)
	m.mu.Unlock()

	if !ok {
		return
	}
	metrics.RoomsActive.Set(float64(count))
	logger.Debug("room: tearing down empty document room %s", documentID)
	r.Destroy()
}

// Destroy forcibly tears down and forgets documentID's room, if live.
// Used when a document is explicitly deleted.
func (m *Manager) Destroy(documentID string) {
	m.mu.Lock()
	r, ok := m.rooms[documentID]
	if ok {
		delete(m.rooms, documentID)
	}
	count := len(m.rooms)
	m.mu.Unlock()

	if ok {
		metrics.RoomsActive.Set(float64(count))
		r.Destroy()
	}
}

// Count returns the number of live rooms, for the stats surface.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rooms)
}

// ResetRoom implements version.RoomResetter: it pushes text into
// documentID's room if one is currently live, and is a silent no-op
// otherwise (the room will rehydrate from the latest version on its
// next join, per spec §4.4's failure semantics).
func (m *Manager) ResetRoom(ctx context.Context, documentID, text string) error {
	r, ok := m.Get(documentID)
	if !ok {
		return nil
	}
	return r.ResetRoom(ctx, text)
}
