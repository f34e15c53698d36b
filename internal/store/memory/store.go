// Package memory is an in-process idempotency store. Records are lost on
// restart; use it for one-shot runs and tests.
package memory

import (
	"context"
	"sync"
	"time"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]time.Time
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[string]time.Time),
		now:     time.Now,
	}
}

func (s *Store) Exists(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok, nil
}

func (s *Store) Record(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		s.records[id] = s.now()
	}
	return nil
}

// Prune drops records made before the given instant.
func (s *Store) Prune(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, at := range s.records {
		if at.Before(before) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) Close() error { return nil }
