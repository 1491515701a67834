package oauth

import (
	"context"
	"sync"
	"time"

	"Mailflow/internal/db"
	"Mailflow/internal/models"
)

// StateStore persists issued state nonces. Lookups of unknown states return
// db.ErrNotFound. *db.Store implements it.
type StateStore interface {
	SaveState(ctx context.Context, st *models.OAuthState) error
	GetState(ctx context.Context, provider, state string) (*models.OAuthState, error)
	MarkStateUsed(ctx context.Context, provider, state string, usedAt time.Time) (bool, error)
	DeleteState(ctx context.Context, provider, state string) error
	DeleteExpiredStates(ctx context.Context, before time.Time) (int, error)
}

// MemoryStateStore keeps states in process memory. It suits tests and
// single-instance development setups.
type MemoryStateStore struct {
	mu     sync.Mutex
	states map[stateKey]models.OAuthState
}

type stateKey struct {
	provider string
	state    string
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[stateKey]models.OAuthState)}
}

func (s *MemoryStateStore) SaveState(ctx context.Context, st *models.OAuthState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[stateKey{st.Provider, st.State}] = *st
	return nil
}

func (s *MemoryStateStore) GetState(ctx context.Context, provider, state string) (*models.OAuthState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[stateKey{provider, state}]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &st, nil
}

func (s *MemoryStateStore) MarkStateUsed(ctx context.Context, provider, state string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stateKey{provider, state}
	st, ok := s.states[key]
	if !ok || st.Used {
		return false, nil
	}
	st.Used = true
	st.UsedAt = &usedAt
	s.states[key] = st
	return true, nil
}

func (s *MemoryStateStore) DeleteState(ctx context.Context, provider, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, stateKey{provider, state})
	return nil
}

func (s *MemoryStateStore) DeleteExpiredStates(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for key, st := range s.states {
		if st.ExpiresAt.Before(before) {
			delete(s.states, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStateStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
