package docstore

import (
	"context"
	"sync"
)

// MemoryStore keeps content in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[Ref][]byte
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[Ref][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (Ref, error) {
	ref := RefFor(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.objects[ref]; !exists {
		copied := make([]byte, len(data))
		copy(copied, data)
		s.objects[ref] = copied
	}

	return ref, nil
}

func (s *MemoryStore) Get(_ context.Context, ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.objects[ref]
	if !ok {
		return nil, ErrNotFound
	}

	copied := make([]byte, len(data))
	copy(copied, data)
	return copied, nil
}

func (s *MemoryStore) Exists(_ context.Context, ref Ref) (bool, error) {
	if err := ref.Validate(); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.objects[ref]
	return ok, nil
}

// Len returns the number of distinct objects stored.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
