package memory

import (
	"context"
	"sync"

	session "fleet-link/internal/session/domain"
)

// Store is an in-memory last-good session store.
type Store struct {
	mu   sync.RWMutex
	data map[string]session.Record
}

// NewStore constructs a store.
func NewStore() *Store {
	return &Store{data: make(map[string]session.Record)}
}

// Get loads the record for username.
func (s *Store) Get(ctx context.Context, username string) (*session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	record, ok := s.data[username]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &record, nil
}

// Put overwrites the record for its username.
func (s *Store) Put(ctx context.Context, record session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if record.Username == "" {
		return session.ErrEmptyUsername
	}
	s.mu.Lock()
	s.data[record.Username] = record
	s.mu.Unlock()
	return nil
}

// Delete removes the record for username.
func (s *Store) Delete(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data, username)
	s.mu.Unlock()
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
