package repo

import (
	"context"
	"sync"
	"time"

	"github.com/miradorstack/mirador-recovery/internal/cache"
)

// countingCache is a map-backed cache.Provider that records traffic.
type countingCache struct {
	mu    sync.Mutex
	store map[string][]byte
	gets  int
	sets  int
	dels  int
}

func newCountingCache() *countingCache {
	return &countingCache{store: make(map[string][]byte)}
}

func (s *countingCache) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	value, ok := s.store[key]
	if !ok {
		return nil, cache.ErrCacheMiss
	}
	return append([]byte(nil), value...), nil
}

func (s *countingCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	s.store[key] = append([]byte(nil), value...)
	return nil
}

func (s *countingCache) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.store[key]; exists {
		return false, nil
	}
	s.sets++
	s.store[key] = append([]byte(nil), value...)
	return true, nil
}

func (s *countingCache) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dels++
	delete(s.store, key)
	return nil
}

func (s *countingCache) Close() error { return nil }
