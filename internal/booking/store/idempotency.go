package store

import (
	"context"
	"sync"
)

// MemoryIdempotency caches responses keyed by client idempotency key.
type MemoryIdempotency struct {
	mu        sync.RWMutex
	responses map[string][]byte
}

// NewMemoryIdempotency constructs the cache.
func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{responses: make(map[string][]byte)}
}

// GetResponse retrieves a cached response.
func (m *MemoryIdempotency) GetResponse(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.responses[key]
	return append([]byte(nil), value...), ok, nil
}

// PutResponse stores a response payload.
func (m *MemoryIdempotency) PutResponse(_ context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[key] = append([]byte(nil), payload...)
	return nil
}
