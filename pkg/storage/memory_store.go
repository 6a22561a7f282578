package storage

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is a Store kept in a map. It backs the in-process network
// replica and tests that do not need durability.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(u Unit, key []byte, v any) error {
	val, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", u, err)
	}
	return s.PutRaw(u, key, val)
}

func (s *MemoryStore) PutRaw(u Unit, key, val []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[string(unitKey(u, key))] = append([]byte(nil), val...)
	return nil
}

func (s *MemoryStore) Get(u Unit, key []byte, v any) (bool, error) {
	raw, ok, _ := s.GetRaw(u, key)
	if !ok {
		return false, nil
	}
	if err := decodeGob(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", u, err)
	}
	return true, nil
}

func (s *MemoryStore) GetRaw(u Unit, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(unitKey(u, key))]
	return v, ok, nil
}

func (s *MemoryStore) Has(u Unit, key []byte) (bool, error) {
	_, ok, err := s.GetRaw(u, key)
	return ok, err
}

func (s *MemoryStore) PutBatch(u Unit, entries []Entry) error {
	return s.Write(entriesToOps(u, entries))
}

func (s *MemoryStore) Write(ops []Op) error {
	keys := make([]string, len(ops))
	encoded := make([][]byte, len(ops))
	for i, op := range ops {
		val, err := encodeGob(op.Value)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", op.Unit, err)
		}
		keys[i], encoded[i] = string(unitKey(op.Unit, op.Key)), val
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, k := range keys {
		s.data[k] = encoded[i]
	}
	return nil
}

func (s *MemoryStore) Iterate(u Unit, fn func(key, val []byte) error) error {
	prefix := string(unitPrefix(u))
	s.mu.RLock()
	keys := make([]string, 0)
	for k := range s.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = s.data[k]
	}
	s.mu.RUnlock()

	for i, k := range keys {
		if err := fn([]byte(k[len(prefix):]), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
