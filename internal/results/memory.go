package results

import (
	"context"
	"sync"

	"github.com/credlink/stampd/internal/shared/errors"
	"github.com/credlink/stampd/internal/shared/types"
)

// MemoryStore is an in-process Store for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[types.ID]*Result
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{results: make(map[types.ID]*Result)}
}

func (s *MemoryStore) Save(_ context.Context, r *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.results[r.RequestID]; ok {
		return nil
	}
	copied := *r
	s.results[r.RequestID] = &copied
	return nil
}

func (s *MemoryStore) Get(_ context.Context, requestID types.ID) (*Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.results[requestID]
	if !ok {
		return nil, errors.NotFound("timestamp result", requestID.String())
	}
	copied := *r
	return &copied, nil
}
