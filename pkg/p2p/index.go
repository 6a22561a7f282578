package p2p

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/storage"
)

var keyNetMaxHeight = []byte("net_max_height")

// Replicator spreads local writes to other nodes and fetches objects that
// the local replica does not hold.
type Replicator interface {
	Announce(ctx context.Context, put ObjectPut) error
	Fetch(ctx context.Context, u storage.Unit, key []byte) ([]byte, bool, error)
}

// ObjectIndex is the network object store and height index as seen from one
// node: a local replica kept in sync through a Replicator. Without one the
// replica is the whole network, which is how the in-process hub shares it.
type ObjectIndex struct {
	replica storage.Store
	repl    Replicator

	mu sync.Mutex // serializes max height updates
}

func NewObjectIndex(replica storage.Store, repl Replicator) *ObjectIndex {
	return &ObjectIndex{replica: replica, repl: repl}
}

func (x *ObjectIndex) put(ctx context.Context, u storage.Unit, key []byte, v any) error {
	raw, err := storage.Encode(v)
	if err != nil {
		return err
	}
	if err := x.replica.PutRaw(u, key, raw); err != nil {
		return err
	}
	if x.repl == nil {
		return nil
	}
	return x.repl.Announce(ctx, ObjectPut{Kind: putObject, Unit: uint8(u), Key: key, Value: raw})
}

func (x *ObjectIndex) get(ctx context.Context, u storage.Unit, key []byte, v any) (bool, error) {
	raw, ok, err := x.replica.GetRaw(u, key)
	if err != nil {
		return false, err
	}
	if !ok && x.repl != nil {
		raw, ok, err = x.repl.Fetch(ctx, u, key)
		if err != nil {
			return false, err
		}
		if ok {
			if err := x.replica.PutRaw(u, key, raw); err != nil {
				return false, err
			}
		}
	}
	if !ok {
		return false, nil
	}
	return true, storage.Decode(raw, v)
}

// Local serves the replica only. Stream handlers use it to answer peers.
func (x *ObjectIndex) Local(u storage.Unit, key []byte) ([]byte, bool, error) {
	return x.replica.GetRaw(u, key)
}

// Apply stores a write announced by another node.
func (x *ObjectIndex) Apply(put ObjectPut) error {
	switch put.Kind {
	case putObject:
		return x.replica.PutRaw(unitOf(put.Unit), put.Key, put.Value)
	case putMaxHeight:
		return x.raiseMaxHeight(put.Height)
	default:
		return fmt.Errorf("unknown object put kind %d", put.Kind)
	}
}

func (x *ObjectIndex) PutBlock(ctx context.Context, b *chain.Block) error {
	return x.put(ctx, storage.UnitBlock, b.Hash().Bytes(), b)
}

func (x *ObjectIndex) GetBlock(ctx context.Context, hash common.Hash) (*chain.Block, bool, error) {
	var b chain.Block
	ok, err := x.get(ctx, storage.UnitBlock, hash.Bytes(), &b)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &b, true, nil
}

func (x *ObjectIndex) PutTransactions(ctx context.Context, txs []*chain.Transaction) error {
	for _, tx := range txs {
		if err := x.put(ctx, storage.UnitTransaction, tx.Hash().Bytes(), tx); err != nil {
			return err
		}
	}
	return nil
}

// GetTransactions resolves hashes in order; a missing one is an error.
func (x *ObjectIndex) GetTransactions(ctx context.Context, hashes []common.Hash) ([]*chain.Transaction, error) {
	out := make([]*chain.Transaction, 0, len(hashes))
	for _, h := range hashes {
		var tx chain.Transaction
		ok, err := x.get(ctx, storage.UnitTransaction, h.Bytes(), &tx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("network transaction %s: %w", h.TerminalString(), chain.ErrNotFound)
		}
		out = append(out, &tx)
	}
	return out, nil
}

func (x *ObjectIndex) SetBlockHashAtHeight(ctx context.Context, height uint64, hash common.Hash) error {
	return x.put(ctx, storage.UnitBlockIndex, storage.HeightKey(height), hash)
}

func (x *ObjectIndex) BlockHashAtHeight(ctx context.Context, height uint64) (common.Hash, bool, error) {
	var h common.Hash
	ok, err := x.get(ctx, storage.UnitBlockIndex, storage.HeightKey(height), &h)
	return h, ok, err
}

// SetMaxHeight records height as the network's max height. The value only grows.
func (x *ObjectIndex) SetMaxHeight(ctx context.Context, height int64) error {
	if err := x.raiseMaxHeight(height); err != nil {
		return err
	}
	if x.repl == nil {
		return nil
	}
	return x.repl.Announce(ctx, ObjectPut{Kind: putMaxHeight, Height: height})
}

// MaxHeight returns the network max height, -1 when nothing was announced.
func (x *ObjectIndex) MaxHeight(_ context.Context) (int64, error) {
	var h int64
	ok, err := x.replica.Get(storage.UnitSettings, keyNetMaxHeight, &h)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, nil
	}
	return h, nil
}

func (x *ObjectIndex) raiseMaxHeight(height int64) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	var cur int64
	ok, err := x.replica.Get(storage.UnitSettings, keyNetMaxHeight, &cur)
	if err != nil {
		return err
	}
	if ok && cur >= height {
		return nil
	}
	return x.replica.Put(storage.UnitSettings, keyNetMaxHeight, height)
}
