package storage

import "errors"

var ErrClosed = errors.New("storage: closed")

// Entry is one key/value pair of a batch write.
type Entry struct {
	Key   []byte
	Value any
}

// Op is one write of a batch that spans units.
type Op struct {
	Unit  Unit
	Key   []byte
	Value any
}

// Store is the unit-typed object store shared by the chain, the account state
// and the network replica. Values are gob encoded.
type Store interface {
	Put(u Unit, key []byte, v any) error
	// Get decodes into v and reports whether the key existed.
	Get(u Unit, key []byte, v any) (bool, error)
	Has(u Unit, key []byte) (bool, error)
	PutRaw(u Unit, key, val []byte) error
	GetRaw(u Unit, key []byte) ([]byte, bool, error)
	// PutBatch writes all entries atomically.
	PutBatch(u Unit, entries []Entry) error
	// Write applies ops atomically: either all of them land or none does.
	Write(ops []Op) error
	// Iterate visits the unit in key order. Keys are passed without prefix.
	Iterate(u Unit, fn func(key, val []byte) error) error
	Close() error
}

func entriesToOps(u Unit, entries []Entry) []Op {
	ops := make([]Op, len(entries))
	for i, e := range entries {
		ops[i] = Op{Unit: u, Key: e.Key, Value: e.Value}
	}
	return ops
}

// Decode decodes a value previously produced by the store's encoding.
func Decode(raw []byte, v any) error { return decodeGob(raw, v) }

// Encode encodes a value with the store's encoding.
func Encode(v any) ([]byte, error) { return encodeGob(v) }
