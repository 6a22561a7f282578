package mempool

import (
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrFull      = errors.New("mempool full")
	ErrDuplicate = errors.New("transaction already pending")
)

// Mempool is a bounded FIFO of pending transaction hashes.
//
// Proposing reads a Snapshot and leaves the entries in place. Only Ack,
// called once the block holding them is committed, removes entries, so a
// proposal that is discarded loses nothing and a committed transaction is
// removed exactly once.
type Mempool struct {
	mu       sync.Mutex
	capacity int
	queue    []common.Hash
	pending  map[common.Hash]struct{}
}

func NewMempool(capacity int) *Mempool {
	if capacity <= 0 {
		panic("mempool: capacity must be positive")
	}
	return &Mempool{
		capacity: capacity,
		pending:  make(map[common.Hash]struct{}),
	}
}

// Add enqueues h. Safe to call from network handlers concurrently with Snapshot.
func (m *Mempool) Add(h common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[h]; ok {
		return ErrDuplicate
	}
	if len(m.queue) >= m.capacity {
		return ErrFull
	}
	m.queue = append(m.queue, h)
	m.pending[h] = struct{}{}
	return nil
}

// Snapshot returns up to max pending hashes in admission order (all when max <= 0).
func (m *Mempool) Snapshot(max int) []common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.queue)
	if max > 0 && max < n {
		n = max
	}
	out := make([]common.Hash, n)
	copy(out, m.queue[:n])
	return out
}

// Ack removes the given hashes and returns how many were pending.
func (m *Mempool) Ack(hashes []common.Hash) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	drop := make(map[common.Hash]struct{}, len(hashes))
	for _, h := range hashes {
		if _, ok := m.pending[h]; ok {
			drop[h] = struct{}{}
			delete(m.pending, h)
		}
	}
	if len(drop) == 0 {
		return 0
	}
	kept := m.queue[:0]
	for _, h := range m.queue {
		if _, gone := drop[h]; !gone {
			kept = append(kept, h)
		}
	}
	// clear the tail so the backing array does not pin removed hashes
	for i := len(kept); i < len(m.queue); i++ {
		m.queue[i] = common.Hash{}
	}
	m.queue = kept
	return len(drop)
}

func (m *Mempool) Contains(h common.Hash) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[h]
	return ok
}

// Len returns total pending txs (for tests/metrics if needed).
func (m *Mempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
