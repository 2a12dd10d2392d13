package ledger

import (
	"context"
	"path"
	"sync"
	"time"
)

// NewMemoryStore returns an in-process Store. Used in tests and as a
// fallback when no cache store is deployed.
func NewMemoryStore() Store {
	return &memoryStore{
		hashes:  make(map[string]map[string]string),
		expires: make(map[string]time.Time),
	}
}

type memoryStore struct {
	mu      sync.Mutex
	hashes  map[string]map[string]string
	expires map[string]time.Time
}

func (s *memoryStore) HSet(_ context.Context, key, field, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpired(key)
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string)
		s.hashes[key] = h
	}
	h[field] = value
	return nil
}

func (s *memoryStore) HGet(_ context.Context, key, field string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpired(key)
	val, ok := s.hashes[key][field]
	return val, ok, nil
}

func (s *memoryStore) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropExpired(key)
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.hashes {
		if s.expired(key) {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *memoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hashes[key]; ok {
		s.expires[key] = time.Now().Add(ttl)
	}
	return nil
}

func (s *memoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.hashes, key)
		delete(s.expires, key)
	}
	return nil
}

func (s *memoryStore) expired(key string) bool {
	deadline, ok := s.expires[key]
	return ok && time.Now().After(deadline)
}

func (s *memoryStore) dropExpired(key string) {
	if s.expired(key) {
		delete(s.hashes, key)
		delete(s.expires, key)
	}
}
