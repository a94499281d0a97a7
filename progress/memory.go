package progress

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// MemoryStore keeps entries in process memory. It is shared by goroutine
// workers in one process; separate OS processes need MongoStore.
type MemoryStore struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, Entry]
	locks   *expirable.LRU[string, time.Time]
}

// NewMemoryStore holds up to size sessions, each expiring ttl after its last
// write.
func NewMemoryStore(size int, ttl time.Duration) *MemoryStore {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: expirable.NewLRU[string, Entry](size, nil, ttl),
		locks:   expirable.NewLRU[string, time.Time](size, nil, 0),
	}
}

func (s *MemoryStore) Start(_ context.Context, key string, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, _ := s.entries.Get(key)
	e.ProcessIDs = cur.ProcessIDs
	s.entries.Add(key, e.clone())
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries.Get(key)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.clone(), nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, c Counter, delta int64) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.entries.Get(key)
	e = e.clone()
	if err := e.add(c, delta); err != nil {
		return Entry{}, fmt.Errorf("progress: increment %q: %w", c, err)
	}
	s.entries.Add(key, e)
	return e.clone(), nil
}

func (s *MemoryStore) AppendProcess(_ context.Context, key, id string) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, _ := s.entries.Get(key)
	e = e.clone()
	e.ProcessIDs = append(e.ProcessIDs, id)
	s.entries.Add(key, e)
	return e.clone(), nil
}

// Lock keeps its own deadline per key so a lock's ttl is independent of the
// session ttl.
func (s *MemoryStore) Lock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if deadline, ok := s.locks.Get(key); ok && now.Before(deadline) {
		return false, nil
	}
	s.locks.Add(key, now.Add(ttl))
	return true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries.Remove(key)
	s.locks.Remove(key)
	return nil
}
