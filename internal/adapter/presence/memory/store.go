// Package memory is a process-local presence store used when no shared store is configured.
package memory

import (
	"context"
	"sync"
	"time"
)

type Store struct {
	mu    sync.RWMutex
	users map[string]map[string]time.Time
}

func NewStore() *Store {
	return &Store{users: make(map[string]map[string]time.Time)}
}

func (s *Store) Touch(_ context.Context, userID, connectionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns, ok := s.users[userID]
	if !ok {
		conns = make(map[string]time.Time)
		s.users[userID] = conns
	}
	if at.After(conns[connectionID]) {
		conns[connectionID] = at
	}
	return nil
}

func (s *Store) Remove(_ context.Context, userID, connectionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := s.users[userID]
	delete(conns, connectionID)
	if len(conns) == 0 {
		delete(s.users, userID)
	}
	return nil
}

func (s *Store) CountActive(_ context.Context, userID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, at := range s.users[userID] {
		if !at.Before(since) {
			n++
		}
	}
	return n, nil
}
