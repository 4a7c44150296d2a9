package store

import (
	"context"
	"sort"

	"github.com/patrickmn/go-cache"
)

// MemoryStore keeps entries in process memory. Nothing expires.
type MemoryStore struct {
	ns    string
	cache *cache.Cache
}

func NewMemoryStore(namespace string) *MemoryStore {
	return &MemoryStore{
		ns:    namespace,
		cache: cache.New(cache.NoExpiration, 0),
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := s.cache.Get(namespaced(s.ns, key))
	if !ok {
		return nil, ErrNotFound
	}
	b := v.([]byte)
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	b := make([]byte, len(value))
	copy(b, value)
	s.cache.Set(namespaced(s.ns, key), b, cache.NoExpiration)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.cache.Delete(namespaced(s.ns, key))
	return nil
}

func (s *MemoryStore) ListKeys(_ context.Context) ([]string, error) {
	items := s.cache.Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		if key, ok := stripNamespace(s.ns, k); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemoryStore) Close() error { return nil }
