package access

import (
	"context"
	"sync"
)

// MemoryStore keeps role assignments in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	roles Roles
	saved bool
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (Roles, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roles, s.saved, nil
}

func (s *MemoryStore) Save(_ context.Context, roles Roles) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roles = roles
	s.saved = true
	return nil
}
