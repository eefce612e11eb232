package persistence

import (
	"context"
	"sync"

	"gridengine/internal/core"
)

// MemorySnapshotStore is an in-memory core.ISnapshotStore, used by
// backtests and tests.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]core.EngineSnapshot
}

// NewMemorySnapshotStore builds an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: make(map[string]core.EngineSnapshot)}
}

func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, sessionID string, state core.EngineSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sessionID] = state
	return nil
}

func (s *MemorySnapshotStore) LoadSnapshot(ctx context.Context, sessionID string) (core.EngineSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[sessionID]
	if !ok {
		return core.EngineSnapshot{}, ErrNoSnapshot
	}
	return snapshot, nil
}

var _ core.ISnapshotStore = (*MemorySnapshotStore)(nil)
