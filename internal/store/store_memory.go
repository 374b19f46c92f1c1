package store

import (
	"context"
	"encoding/json"
	"sync"

	"paneltrader/internal/core"
)

// MemoryStore is the in-process snapshot store used in tests and when no
// state path is configured. It deep-copies through JSON so callers never
// share slices with the stored snapshot.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snap *core.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) LoadSnapshot(_ context.Context) (*core.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return nil, nil
	}
	var snap core.Snapshot
	if err := json.Unmarshal(s.data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ core.StateStore = (*MemoryStore)(nil)
