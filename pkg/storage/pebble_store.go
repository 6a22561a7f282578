package storage

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	lru "github.com/hashicorp/golang-lru"
)

const defaultCacheEntries = 4096

type PebbleStore struct {
	db    *pebble.DB
	cache *lru.Cache // unit key → encoded value
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	return openPebble(path, &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		MaxOpenFiles: 1000,
		BytesPerSync: 512 << 10,
	})
}

// NewMemPebbleStore opens a pebble instance on an in-memory filesystem.
func NewMemPebbleStore() (*PebbleStore, error) {
	return openPebble("", &pebble.Options{FS: vfs.NewMem()})
}

func openPebble(path string, opts *pebble.Options) (*PebbleStore, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %q: %w", path, err)
	}
	cache, err := lru.New(defaultCacheEntries)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PebbleStore{db: db, cache: cache}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) Put(u Unit, key []byte, v any) error {
	val, err := encodeGob(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", u, err)
	}
	return s.PutRaw(u, key, val)
}

func (s *PebbleStore) PutRaw(u Unit, key, val []byte) error {
	k := unitKey(u, key)
	if err := s.db.Set(k, val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save %s: %w", u, err)
	}
	s.cache.Add(string(k), val)
	return nil
}

func (s *PebbleStore) Get(u Unit, key []byte, v any) (bool, error) {
	raw, ok, err := s.GetRaw(u, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := decodeGob(raw, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", u, err)
	}
	return true, nil
}

func (s *PebbleStore) GetRaw(u Unit, key []byte) ([]byte, bool, error) {
	k := unitKey(u, key)
	if cached, ok := s.cache.Get(string(k)); ok {
		return cached.([]byte), true, nil
	}
	val, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", u, err)
	}
	defer closer.Close()
	out := append([]byte(nil), val...)
	s.cache.Add(string(k), out)
	return out, true, nil
}

func (s *PebbleStore) Has(u Unit, key []byte) (bool, error) {
	_, ok, err := s.GetRaw(u, key)
	return ok, err
}

func (s *PebbleStore) PutBatch(u Unit, entries []Entry) error {
	return s.Write(entriesToOps(u, entries))
}

func (s *PebbleStore) Write(ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()

	keys := make([][]byte, len(ops))
	encoded := make([][]byte, len(ops))
	for i, op := range ops {
		val, err := encodeGob(op.Value)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", op.Unit, err)
		}
		keys[i], encoded[i] = unitKey(op.Unit, op.Key), val
		if err := b.Set(keys[i], val, nil); err != nil {
			return fmt.Errorf("failed to stage %s: %w", op.Unit, err)
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch of %d: %w", len(ops), err)
	}
	for i := range keys {
		s.cache.Add(string(keys[i]), encoded[i])
	}
	return nil
}

func (s *PebbleStore) Iterate(u Unit, fn func(key, val []byte) error) error {
	prefix := unitPrefix(u)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to iterate %s: %w", u, err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key()[len(prefix):], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

var _ Store = (*PebbleStore)(nil)
