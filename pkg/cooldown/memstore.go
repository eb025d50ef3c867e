package cooldown

import (
	"context"
	"maps"
	"sync"
	"time"
)

// MemoryStore is a Store kept in memory, mostly useful in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (s *MemoryStore) Load(context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.entries), nil
}

func (s *MemoryStore) Set(_ context.Context, id string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = expires
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, expires time.Time) error {
	return s.Set(ctx, id, expires)
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}
