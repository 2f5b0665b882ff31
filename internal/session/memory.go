package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps sessions in process memory.
type MemoryStore struct {
	mu sync.RWMutex
	m  map[int64]Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{m: map[int64]Session{}}
}

func (s *MemoryStore) Load(_ context.Context, operator int64) (Session, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[operator]
	if !ok {
		return Session{}, false, nil
	}
	return v.clone(), true, nil
}

func (s *MemoryStore) Save(_ context.Context, v Session) error {
	s.mu.Lock()
	s.m[v.Operator] = v.clone()
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, operator int64) error {
	s.mu.Lock()
	delete(s.m, operator)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]Session, error) {
	s.mu.RLock()
	out := make([]Session, 0, len(s.m))
	for _, v := range s.m {
		out = append(out, v.clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Operator < out[j].Operator })
	return out, nil
}
