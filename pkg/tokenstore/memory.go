package tokenstore

import (
	"context"
	"sync"
)

// MemoryBackend keeps the pair in process memory. Intended for tests and dev.
type MemoryBackend struct {
	mutex sync.Mutex
	pair  TokenPair
	saves int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Load returns the stored pair.
func (backend *MemoryBackend) Load(ctx context.Context) (TokenPair, error) {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.pair, nil
}

// Save replaces the stored pair.
func (backend *MemoryBackend) Save(ctx context.Context, pair TokenPair) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.pair = pair
	backend.saves++
	return nil
}

// Clear drops the stored pair.
func (backend *MemoryBackend) Clear(ctx context.Context) error {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	backend.pair = TokenPair{}
	return nil
}

// Saves reports how many times Save was called.
func (backend *MemoryBackend) Saves() int {
	backend.mutex.Lock()
	defer backend.mutex.Unlock()
	return backend.saves
}
