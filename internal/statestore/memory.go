package statestore

import (
	"context"
	"fmt"
	"sync"
)

type memoryEntry struct {
	value    []byte
	revision uint64
}

// MemoryStore keeps entries in process. Revisions are drawn from one
// store-wide sequence, the way a JetStream bucket numbers its messages.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	seq     uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry)}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return Entry{Value: clone(e.value), Revision: e.revision}, nil
}

func (m *MemoryStore) Create(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; exists {
		return 0, fmt.Errorf("%w: %s already exists", ErrConflict, key)
	}
	return m.store(key, value), nil
}

func (m *MemoryStore) Update(ctx context.Context, key string, value []byte, revision uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[key]
	if !exists || e.revision != revision {
		return 0, fmt.Errorf("%w: %s expected revision %d", ErrConflict, key, revision)
	}
	return m.store(key, value), nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store(key, value), nil
}

// caller holds mu
func (m *MemoryStore) store(key string, value []byte) uint64 {
	m.seq++
	m.entries[key] = memoryEntry{value: clone(value), revision: m.seq}
	return m.seq
}

func (m *MemoryStore) Name() string { return "memory" }

func (m *MemoryStore) Close() error { return nil }

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
