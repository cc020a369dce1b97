package store

import (
	"context"
	"sync"
)

type memoryEntry struct {
	value   []byte
	version int64
}

// MemoryStore is a process-local Store for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, 0, nil
	}
	return append([]byte(nil), e.value...), e.version, nil
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, key string, version int64, value []byte) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	switch {
	case !ok && version != 0:
		return false, nil
	case ok && e.version != version:
		return false, nil
	}
	m.entries[key] = memoryEntry{value: append([]byte(nil), value...), version: version + 1}
	return true, nil
}

func (m *MemoryStore) Close() error {
	return nil
}
