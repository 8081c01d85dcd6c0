package session

import (
	"context"
	"sync"
)

// GraceStore persists grace snapshots across gateway restarts. Implementations
// exist for process memory (single node, survives nothing), Postgres, and
// Redis. Snapshot validity is judged by the caller; stores only hold bytes,
// though implementations are free to drop snapshots past the grace window on
// their own.
type GraceStore interface {
	Save(ctx context.Context, sessionID string, snap Snapshot) error
	Load(ctx context.Context, sessionID string) (Snapshot, error)
	Delete(ctx context.Context, sessionID string) error
	// All returns every stored snapshot keyed by session ID. Called once at
	// startup.
	All(ctx context.Context) (map[string]Snapshot, error)
	Close() error
}

// MemoryGraceStore keeps snapshots in process memory. It gives the dev setup
// the same write/consume lifecycle as the durable stores, but a restart
// starts empty.
type MemoryGraceStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryGraceStore() *MemoryGraceStore {
	return &MemoryGraceStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryGraceStore) Save(ctx context.Context, sessionID string, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[sessionID] = snap
	return nil
}

func (m *MemoryGraceStore) Load(ctx context.Context, sessionID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[sessionID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (m *MemoryGraceStore) Delete(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snaps, sessionID)
	return nil
}

func (m *MemoryGraceStore) All(ctx context.Context) (map[string]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Snapshot, len(m.snaps))
	for id, snap := range m.snaps {
		out[id] = snap
	}
	return out, nil
}

func (m *MemoryGraceStore) Close() error { return nil }
