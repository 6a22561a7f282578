package account

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/ethereum/go-ethereum/trie"

	"github.com/uhyunpark/shardnode/pkg/storage"
)

// Accounts is the account-state store. Writes go to an in-memory journal that
// Commit flushes in one batch and Rollback discards, so block composition can
// execute transactions without touching persisted state.
//
// A single mutex serializes every access.
type Accounts struct {
	mu    sync.Mutex
	store storage.Store
	dirty map[common.Address]*State
}

func NewAccounts(store storage.Store) *Accounts {
	return &Accounts{
		store: store,
		dirty: make(map[common.Address]*State),
	}
}

// GetOrCreate returns a copy of the account's state, zero if it never existed.
func (a *Accounts) GetOrCreate(addr common.Address) (*State, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.load(addr)
}

func (a *Accounts) load(addr common.Address) (*State, error) {
	if s, ok := a.dirty[addr]; ok {
		return s.Copy(), nil
	}
	var s State
	ok, err := a.store.Get(storage.UnitAccount, addr.Bytes(), &s)
	if err != nil {
		return nil, fmt.Errorf("failed to load account %s: %w", addr.Hex(), err)
	}
	if !ok {
		return NewState(), nil
	}
	if s.Balance == nil {
		s.Balance = new(big.Int)
	}
	return &s, nil
}

func (a *Accounts) Set(addr common.Address, s *State) {
	if s == nil || s.Balance == nil {
		panic("account: nil state")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty[addr] = s.Copy()
}

// Update applies fn to the states of the given addresses as one step: fn sees
// fresh copies and its results are journaled only if it returns nil.
func (a *Accounts) Update(addrs []common.Address, fn func(states []*State) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make([]*State, len(addrs))
	for i, addr := range addrs {
		s, err := a.load(addr)
		if err != nil {
			return err
		}
		states[i] = s
	}
	if err := fn(states); err != nil {
		return err
	}
	for i, addr := range addrs {
		a.dirty[addr] = states[i]
	}
	return nil
}

// Rollback drops every uncommitted write.
func (a *Accounts) Rollback() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = make(map[common.Address]*State)
}

// Commit persists the journal atomically and clears it.
func (a *Accounts) Commit() error {
	ops := a.Staged()
	if len(ops) == 0 {
		return nil
	}
	if err := a.store.Write(ops); err != nil {
		return fmt.Errorf("failed to commit accounts: %w", err)
	}
	a.Flushed(ops)
	return nil
}

// Staged returns the journal as store writes, for a caller that persists it
// in the same batch as other data. Flushed must follow a successful write.
func (a *Accounts) Staged() []storage.Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	ops := make([]storage.Op, 0, len(a.dirty))
	for addr, s := range a.dirty {
		ops = append(ops, storage.Op{Unit: storage.UnitAccount, Key: addr.Bytes(), Value: s})
	}
	return ops
}

// Flushed drops the journal entries that ops persisted. An entry rewritten
// since Staged stays pending.
func (a *Accounts) Flushed(ops []storage.Op) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, op := range ops {
		addr := common.BytesToAddress(op.Key)
		if s, ok := a.dirty[addr]; ok && s == op.Value {
			delete(a.dirty, addr)
		}
	}
}

// Backend is the store Staged writes are meant for.
func (a *Accounts) Backend() storage.Store { return a.store }

// Dirty reports whether uncommitted writes exist.
func (a *Accounts) Dirty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.dirty) > 0
}

type leaf struct {
	Balance *big.Int
	Nonce   uint64
}

// RootHash is the Merkle-Patricia root over every account, journal included.
// Accounts are keyed by address and stored as rlp(balance, nonce).
func (a *Accounts) RootHash() (common.Hash, error) {
	return a.rootWith(nil)
}

// rootWith computes the root as if overlay were journaled on top.
func (a *Accounts) rootWith(overlay map[common.Address]*State) (common.Hash, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	merged := make(map[common.Address]*State, len(a.dirty)+len(overlay))
	err := a.store.Iterate(storage.UnitAccount, func(key, val []byte) error {
		var s State
		if err := storage.Decode(val, &s); err != nil {
			return err
		}
		merged[common.BytesToAddress(key)] = &s
		return nil
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to read accounts: %w", err)
	}
	for addr, s := range a.dirty {
		merged[addr] = s
	}
	for addr, s := range overlay {
		merged[addr] = s
	}
	if len(merged) == 0 {
		return types.EmptyRootHash, nil
	}

	addrs := make([]common.Address, 0, len(merged))
	for addr := range merged {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })

	st := trie.NewStackTrie(nil)
	for _, addr := range addrs {
		s := merged[addr]
		bal := s.Balance
		if bal == nil {
			bal = new(big.Int)
		}
		enc, err := rlp.EncodeToBytes(&leaf{Balance: bal, Nonce: s.Nonce})
		if err != nil {
			return common.Hash{}, err
		}
		if err := st.Update(addr.Bytes(), enc); err != nil {
			return common.Hash{}, err
		}
	}
	return st.Hash(), nil
}
