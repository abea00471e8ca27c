package store

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/atmx/synth-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	events   []model.Event
	accounts map[string]model.AccountSnapshot
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]model.AccountSnapshot),
	}
}

func (s *MemoryStore) Apply(_ context.Context, b model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, b.Events...)
	for _, a := range b.Accounts {
		a.Collateral = maps.Clone(a.Collateral)
		s.accounts[a.User] = a
	}
	return nil
}

func (s *MemoryStore) GetEventsByUser(_ context.Context, user string) ([]model.Event, error) {
	return s.filter(func(e model.Event) bool { return e.User == user }), nil
}

func (s *MemoryStore) GetEventsByKind(_ context.Context, kind string) ([]model.Event, error) {
	return s.filter(func(e model.Event) bool { return e.Kind == kind }), nil
}

func (s *MemoryStore) GetAccount(_ context.Context, user string) (*model.AccountSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[user]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, user)
	}
	a.Collateral = maps.Clone(a.Collateral)
	return &a, nil
}

func (s *MemoryStore) filter(keep func(model.Event) bool) []model.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Event
	for _, e := range s.events {
		if keep(e) {
			result = append(result, e)
		}
	}
	return result
}
