package chain

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/pkg/storage"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrNotChained   = errors.New("block does not extend the current tip")
	ErrForeignState = errors.New("state journal belongs to another store")
)

// StateJournal is pending account state that lands in the same write as a
// block. Accounts implements it.
type StateJournal interface {
	Staged() []storage.Op
	Flushed(ops []storage.Op)
	Backend() storage.Store
}

var (
	keyTip       = []byte("tip")
	keyGenesis   = []byte("genesis")
	keyMaxHeight = []byte("max_height")
)

// Blockchain is the typed view of one shard's local chain over a unit store.
// The tip only moves through Append, which callers serialize.
type Blockchain struct {
	store storage.Store
	shard uint32

	mu      sync.RWMutex
	tip     *Block
	genesis *Block

	// rmu guards the read-modify-write of the receipt index.
	rmu sync.Mutex
}

// NewBlockchain opens the chain and restores its tip from the store.
func NewBlockchain(store storage.Store, shard uint32) (*Blockchain, error) {
	bc := &Blockchain{store: store, shard: shard}

	var tipHash, genHash common.Hash
	if ok, err := store.Get(storage.UnitSettings, keyTip, &tipHash); err != nil {
		return nil, err
	} else if ok {
		tip, err := bc.mustBlock(tipHash)
		if err != nil {
			return nil, fmt.Errorf("restore tip: %w", err)
		}
		bc.tip = tip
	}
	if ok, err := store.Get(storage.UnitSettings, keyGenesis, &genHash); err != nil {
		return nil, err
	} else if ok {
		gen, err := bc.mustBlock(genHash)
		if err != nil {
			return nil, fmt.Errorf("restore genesis: %w", err)
		}
		bc.genesis = gen
	}
	return bc, nil
}

func (bc *Blockchain) Shard() uint32 { return bc.shard }

// Tip returns the current head or nil while the chain is empty.
func (bc *Blockchain) Tip() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.tip
}

func (bc *Blockchain) Genesis() *Block {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.genesis
}

// Append persists b, indexes it by height and makes it the tip. A genesis
// block is only accepted on an empty chain; any other block must carry the
// tip's hash and nonce+1.
func (bc *Blockchain) Append(b *Block) error {
	return bc.Commit(b, nil)
}

// Commit appends b and persists state's journal in the same store write, so
// either the block and its state effects both land or neither does. state
// may be nil and must otherwise live in the chain's store.
func (bc *Blockchain) Commit(b *Block, state StateJournal) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if b.IsGenesis() {
		if bc.tip != nil {
			return fmt.Errorf("%w: genesis on non-empty chain", ErrNotChained)
		}
	} else {
		if bc.tip == nil {
			return fmt.Errorf("%w: empty chain", ErrNotChained)
		}
		if b.Nonce != bc.tip.Nonce+1 {
			return fmt.Errorf("%w: nonce %d after %d", ErrNotChained, b.Nonce, bc.tip.Nonce)
		}
		if b.PrevBlockHash != bc.tip.Hash() {
			return fmt.Errorf("%w: prev hash %s", ErrNotChained, b.PrevBlockHash.TerminalString())
		}
	}
	if state != nil && state.Backend() != bc.store {
		return ErrForeignState
	}

	hash := b.Hash()
	ops := []storage.Op{
		{Unit: storage.UnitBlock, Key: hash.Bytes(), Value: b},
		{Unit: storage.UnitBlockIndex, Key: storage.HeightKey(b.Nonce), Value: hash},
		{Unit: storage.UnitSettings, Key: keyMaxHeight, Value: int64(b.Nonce)},
		{Unit: storage.UnitSettings, Key: keyTip, Value: hash},
	}
	if b.IsGenesis() {
		ops = append(ops, storage.Op{Unit: storage.UnitSettings, Key: keyGenesis, Value: hash})
	}
	var staged []storage.Op
	if state != nil {
		staged = state.Staged()
		ops = append(ops, staged...)
	}
	if err := bc.store.Write(ops); err != nil {
		return fmt.Errorf("persist block %d: %w", b.Nonce, err)
	}
	if state != nil {
		state.Flushed(staged)
	}

	if b.IsGenesis() {
		bc.genesis = b
	}
	bc.tip = b
	return nil
}

// MaxHeight returns the local chain height, or -1 when the chain is empty.
func (bc *Blockchain) MaxHeight() (int64, error) {
	var h int64
	ok, err := bc.store.Get(storage.UnitSettings, keyMaxHeight, &h)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, nil
	}
	return h, nil
}

func (bc *Blockchain) BlockHashAtHeight(height uint64) (common.Hash, bool, error) {
	var h common.Hash
	ok, err := bc.store.Get(storage.UnitBlockIndex, storage.HeightKey(height), &h)
	return h, ok, err
}

func (bc *Blockchain) BlockAtHeight(height uint64) (*Block, error) {
	h, ok, err := bc.BlockHashAtHeight(height)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("block at height %d: %w", height, ErrNotFound)
	}
	return bc.mustBlock(h)
}

func (bc *Blockchain) GetBlock(hash common.Hash) (*Block, bool, error) {
	var b Block
	ok, err := bc.store.Get(storage.UnitBlock, hash.Bytes(), &b)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &b, true, nil
}

func (bc *Blockchain) mustBlock(hash common.Hash) (*Block, error) {
	b, ok, err := bc.GetBlock(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("block %s: %w", hash.TerminalString(), ErrNotFound)
	}
	return b, nil
}

func (bc *Blockchain) PutTransaction(tx *Transaction) (common.Hash, error) {
	h := tx.Hash()
	return h, bc.store.Put(storage.UnitTransaction, h.Bytes(), tx)
}

func (bc *Blockchain) GetTransaction(hash common.Hash) (*Transaction, bool, error) {
	var tx Transaction
	ok, err := bc.store.Get(storage.UnitTransaction, hash.Bytes(), &tx)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &tx, true, nil
}

// GetTransactions resolves hashes in order. A missing one is an error.
func (bc *Blockchain) GetTransactions(hashes []common.Hash) ([]*Transaction, error) {
	out := make([]*Transaction, 0, len(hashes))
	for _, h := range hashes {
		tx, ok, err := bc.GetTransaction(h)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("transaction %s: %w", h.TerminalString(), ErrNotFound)
		}
		out = append(out, tx)
	}
	return out, nil
}

// PutReceipt stores r under its own hash and maps its transaction to it. Once
// a transaction maps to an accepted receipt it keeps it: a later rejection is
// stored but not indexed.
func (bc *Blockchain) PutReceipt(r *Receipt) (common.Hash, error) {
	h := r.Hash()
	if err := bc.store.Put(storage.UnitReceipt, h.Bytes(), r); err != nil {
		return h, err
	}
	bc.rmu.Lock()
	defer bc.rmu.Unlock()
	if r.Status != ReceiptAccepted {
		prev, ok, err := bc.ReceiptForTransaction(r.TxHash)
		if err != nil {
			return h, err
		}
		if ok && prev.Status == ReceiptAccepted {
			return h, nil
		}
	}
	return h, bc.store.Put(storage.UnitTransactionReceipt, r.TxHash.Bytes(), h)
}

func (bc *Blockchain) ReceiptForTransaction(txHash common.Hash) (*Receipt, bool, error) {
	var rh common.Hash
	ok, err := bc.store.Get(storage.UnitTransactionReceipt, txHash.Bytes(), &rh)
	if err != nil || !ok {
		return nil, ok, err
	}
	var r Receipt
	ok, err = bc.store.Get(storage.UnitReceipt, rh.Bytes(), &r)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &r, true, nil
}
