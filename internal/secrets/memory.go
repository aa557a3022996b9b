package secrets

import (
	"context"
	"sync"
)

// MemoryStore keeps secrets in process memory. Anything stored here is lost
// on restart, so it only suits development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]string),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	value, ok := s.items[key]
	s.mu.RUnlock()
	return value, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	s.items[key] = value
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored secrets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Clear removes all secrets. Useful for tests or manual resets.
func (s *MemoryStore) Clear() {
	s.mu.Lock()
	s.items = make(map[string]string)
	s.mu.Unlock()
}
