package account

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Sandbox is a scratch journal layered over Accounts. Reads fall through to
// the parent, writes stay in the sandbox, and nothing in it is ever
// committed. Rollback only clears the sandbox's own writes.
type Sandbox struct {
	parent *Accounts

	mu    sync.Mutex
	dirty map[common.Address]*State
}

// Sandbox opens an empty overlay on a.
func (a *Accounts) Sandbox() *Sandbox {
	return &Sandbox{parent: a, dirty: make(map[common.Address]*State)}
}

func (s *Sandbox) GetOrCreate(addr common.Address) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(addr)
}

func (s *Sandbox) load(addr common.Address) (*State, error) {
	if st, ok := s.dirty[addr]; ok {
		return st.Copy(), nil
	}
	return s.parent.GetOrCreate(addr)
}

// Update has the semantics of Accounts.Update, confined to the sandbox.
func (s *Sandbox) Update(addrs []common.Address, fn func(states []*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make([]*State, len(addrs))
	for i, addr := range addrs {
		st, err := s.load(addr)
		if err != nil {
			return err
		}
		states[i] = st
	}
	if err := fn(states); err != nil {
		return err
	}
	for i, addr := range addrs {
		s.dirty[addr] = states[i]
	}
	return nil
}

func (s *Sandbox) Rollback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = make(map[common.Address]*State)
}

// RootHash is the parent's root with the sandbox's writes applied.
func (s *Sandbox) RootHash() (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.parent.rootWith(s.dirty)
}
