package blobstore

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store implementation.
// It backs the cache when no storage path is configured and is used in tests.
// Thread-safe for concurrent reads and writes.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryStore creates a new in-memory blob store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		blobs: make(map[string][]byte),
	}
}

// Exists reports whether key has been written.
func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.blobs[key]
	return ok, nil
}

// Read returns the stored blob. Stored slices are never mutated, so the
// returned blob shares them without copying.
func (m *MemoryStore) Read(_ context.Context, key string) (ReadableBlob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.blobs[key]
	if !ok {
		return ReadableBlob{}, ErrNotFound
	}
	return BytesBlob(data), nil
}

// Write stores a copy of data under key, replacing any previous blob.
func (m *MemoryStore) Write(_ context.Context, key string, data []byte) error {
	// Copy to prevent external mutation
	copied := make([]byte, len(data))
	copy(copied, data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[key] = copied
	return nil
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.blobs)
}
