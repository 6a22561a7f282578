package consensus

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/shardnode/pkg/account"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/chronology"
	"github.com/uhyunpark/shardnode/pkg/crypto"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/mempool"
	"github.com/uhyunpark/shardnode/pkg/p2p"
	"github.com/uhyunpark/shardnode/pkg/sharding"
	"github.com/uhyunpark/shardnode/pkg/storage"
	"github.com/uhyunpark/shardnode/pkg/util"
)

const (
	roundDur   = 4 * time.Second
	startDur   = 500 * time.Millisecond
	proposeDur = 2 * time.Second
)

var genesisTime = time.UnixMilli(1_700_000_000_000)

// proposeAt is an instant inside the propose phase of round.
func proposeAt(round int) time.Time {
	return genesisTime.Add(time.Duration(round)*roundDur + startDur + 100*time.Millisecond)
}

// steppingClock advances by step after every Now.
type steppingClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

func (c *steppingClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// faultyStore fails batch writes while armed.
type faultyStore struct {
	*storage.MemoryStore
	armed atomic.Bool
}

func (s *faultyStore) Write(ops []storage.Op) error {
	if s.armed.Load() {
		return errors.New("write failed")
	}
	return s.MemoryStore.Write(ops)
}

type harness struct {
	t        *testing.T
	store    *faultyStore
	clock    util.Clock
	manual   *util.ManualClock
	chrono   *chronology.Service
	chain    *chain.Blockchain
	accounts *account.Accounts
	pool     *mempool.Mempool
	hub      *p2p.LocalHub
	net      *p2p.LocalNet
	shards   *sharding.Service
	key      *crypto.Signer
	state    *ConsensusState
	stats    *Statistics
	asm      *Assembler
	pipe     *Pipeline
	ingress  *TxIngress
}

func newHarness(t *testing.T, numShards uint32) *harness {
	t.Helper()
	manual := util.NewManualClock(proposeAt(1))
	return newHarnessWithClock(t, numShards, manual, manual)
}

func newHarnessWithClock(t *testing.T, numShards uint32, clock util.Clock, manual *util.ManualClock) *harness {
	t.Helper()
	return newHarnessWithKey(t, numShards, clock, manual, nil)
}

// newHarnessWithKey builds a node whose genesis mints to key. Two harnesses
// with the same key share a genesis block.
func newHarnessWithKey(t *testing.T, numShards uint32, clock util.Clock, manual *util.ManualClock, key *crypto.Signer) *harness {
	t.Helper()
	shards, err := sharding.New(numShards, 0)
	if err != nil {
		t.Fatal(err)
	}
	if key == nil {
		key = keyInShard(t, shards, 0)
	}

	store := &faultyStore{MemoryStore: storage.NewMemoryStore()}
	bc, err := chain.NewBlockchain(store, 0)
	if err != nil {
		t.Fatal(err)
	}
	accounts := account.NewAccounts(store)
	exec := execution.NewExecutor(nil)

	gen, mint := chain.NewGenesisBlock(key.Address(), big.NewInt(1000), 0, uint64(genesisTime.UnixMilli()))
	if _, err := bc.PutTransaction(mint); err != nil {
		t.Fatal(err)
	}
	if r := exec.ProcessBlock(gen, accounts, bc); !r.OK {
		t.Fatalf("genesis: %v", r.Error())
	}
	root, err := accounts.RootHash()
	if err != nil {
		t.Fatal(err)
	}
	gen.AppStateHash = root
	if err := bc.Commit(gen, accounts); err != nil {
		t.Fatal(err)
	}

	chrono := chronology.NewService(clock, roundDur, startDur, proposeDur)
	hub := p2p.NewLocalHub()
	net := hub.Join("self")
	pool := mempool.NewMempool(100)
	state := NewConsensusState("self", key, pool, FixedElector("self"))
	state.EnterRound(1)

	roster, err := NewRoster([]string{key.PublicKeyHex()})
	if err != nil {
		t.Fatal(err)
	}
	ms := crypto.NewMultiSig()
	stats := NewStatistics(nil)
	gms := genesisTime.UnixMilli()

	h := &harness{
		t: t, store: store, clock: clock, manual: manual, chrono: chrono,
		chain: bc, accounts: accounts, pool: pool,
		hub: hub, net: net, shards: shards, key: key,
		state: state, stats: stats,
	}
	h.asm = &Assembler{
		State: state, Chain: bc, Accounts: accounts, Exec: exec,
		Chrono: chrono, Net: net, Roster: roster,
		Signer: NewLocalCollector(ms, key), Stats: stats,
		GenesisTime: gms, MaxTxs: 100,
	}
	h.pipe = &Pipeline{
		Safety: NewSafety(chrono, gms, ms),
		Chain:  bc, Accounts: accounts, Exec: exec, Pool: pool,
		Net: net, Index: hub.Index(), Shards: shards, Stats: stats,
		WAL: storage.NewNopWAL(),
	}
	h.ingress = &TxIngress{Chain: bc, Pool: pool, Shards: shards, Net: net}
	return h
}

func keyInShard(t *testing.T, shards *sharding.Service, shard uint32) *crypto.Signer {
	t.Helper()
	for i := 0; i < 1000; i++ {
		k, err := crypto.GenerateKey()
		if err != nil {
			t.Fatal(err)
		}
		if shards.ShardOf(k.Address()) == shard {
			return k
		}
	}
	t.Fatal("no key found for shard")
	return nil
}

// addrInShard returns an address whose last byte routes it to shard.
func addrInShard(shards *sharding.Service, shard uint32, tag byte) common.Address {
	var a common.Address
	a[0] = tag
	for b := 0; b < 256; b++ {
		a[len(a)-1] = byte(b)
		if shards.ShardOf(a) == shard {
			return a
		}
	}
	panic("unreachable")
}

func (h *harness) transfer(to common.Address, value int64, nonce uint64) *chain.Transaction {
	h.t.Helper()
	tx := &chain.Transaction{Sender: h.key.Address(), Receiver: to, Value: big.NewInt(value), Nonce: nonce}
	if err := tx.Sign(h.key); err != nil {
		h.t.Fatal(err)
	}
	return tx
}

func (h *harness) submit(txs ...*chain.Transaction) {
	h.t.Helper()
	for _, tx := range txs {
		if err := h.ingress.admit(tx); err != nil {
			h.t.Fatalf("admit: %v", err)
		}
	}
}

func (h *harness) balance(addr common.Address) (int64, uint64) {
	h.t.Helper()
	s, err := h.accounts.GetOrCreate(addr)
	if err != nil {
		h.t.Fatal(err)
	}
	return s.Balance.Int64(), s.Nonce
}
