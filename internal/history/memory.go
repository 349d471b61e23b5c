package history

import (
	"context"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	logs map[string]Log
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{logs: make(map[string]Log)}
}

func (m *MemoryStore) Load(_ context.Context, boardID string) (Log, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.logs[boardID].clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, boardID string, log Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs[boardID] = log.clone()
	return nil
}
