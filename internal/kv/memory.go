package kv

import (
	"context"
	"sort"
	"sync"
)

// Memory is a goroutine-safe in-memory Backend. Nothing survives a restart;
// it is meant for tests and for running without a data directory.
type Memory struct {
	mu      sync.RWMutex
	buckets map[string]*memBucket
}

type memBucket struct {
	values map[string][]byte
	order  []string
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{buckets: make(map[string]*memBucket)}
}

// Bucket implements Backend.Bucket.
func (m *Memory) Bucket(name string) Store {
	return &memStore{mem: m, name: name}
}

// Buckets implements Backend.Buckets.
func (m *Memory) Buckets(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.buckets))
	for name, b := range m.buckets {
		if len(b.order) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DropBucket implements Backend.DropBucket.
func (m *Memory) DropBucket(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.buckets, name)
	return nil
}

type memStore struct {
	mem  *Memory
	name string
}

func (s *memStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()

	b := s.mem.buckets[s.name]
	if b == nil {
		return nil, ErrNotFound
	}
	v, ok := b.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memStore) Put(ctx context.Context, key string, value []byte) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	b := s.mem.buckets[s.name]
	if b == nil {
		b = &memBucket{values: make(map[string][]byte)}
		s.mem.buckets[s.name] = b
	}
	if _, exists := b.values[key]; exists {
		b.removeFromOrder(key)
	}
	b.values[key] = append([]byte(nil), value...)
	b.order = append(b.order, key)
	return nil
}

func (s *memStore) Delete(ctx context.Context, key string) error {
	s.mem.mu.Lock()
	defer s.mem.mu.Unlock()

	b := s.mem.buckets[s.name]
	if b == nil {
		return nil
	}
	if _, exists := b.values[key]; !exists {
		return nil
	}
	delete(b.values, key)
	b.removeFromOrder(key)
	return nil
}

func (s *memStore) Keys(ctx context.Context) ([]string, error) {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()

	b := s.mem.buckets[s.name]
	if b == nil {
		return []string{}, nil
	}
	return append([]string{}, b.order...), nil
}

func (s *memStore) Len(ctx context.Context) (int, error) {
	s.mem.mu.RLock()
	defer s.mem.mu.RUnlock()

	if b := s.mem.buckets[s.name]; b != nil {
		return len(b.order), nil
	}
	return 0, nil
}

func (b *memBucket) removeFromOrder(key string) {
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			return
		}
	}
}
