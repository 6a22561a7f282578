package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/shardnode/params"
	"github.com/uhyunpark/shardnode/pkg/chain"
	"github.com/uhyunpark/shardnode/pkg/execution"
	"github.com/uhyunpark/shardnode/pkg/util"
)

var (
	ErrMissingBlock   = errors.New("block missing from the network")
	ErrForeignGenesis = errors.New("network genesis differs from the local one")
)

// ---- Collaborators (impls in pkg/chain, pkg/account, pkg/p2p) ----

type LocalChain interface {
	Tip() *chain.Block
	MaxHeight() (int64, error)
	Commit(b *chain.Block, state chain.StateJournal) error
	BlockAtHeight(height uint64) (*chain.Block, error)
	PutTransaction(tx *chain.Transaction) (common.Hash, error)
	GetTransactions(hashes []common.Hash) ([]*chain.Transaction, error)
}

type AccountState interface {
	execution.StateStore
	chain.StateJournal
}

// TxPool is the pending-transaction pool of the node.
type TxPool interface {
	Ack(hashes []common.Hash) int
}

type NetworkIndex interface {
	MaxHeight(ctx context.Context) (int64, error)
	SetMaxHeight(ctx context.Context, height int64) error
	BlockHashAtHeight(ctx context.Context, height uint64) (common.Hash, bool, error)
	SetBlockHashAtHeight(ctx context.Context, height uint64, hash common.Hash) error
	GetBlock(ctx context.Context, hash common.Hash) (*chain.Block, bool, error)
	PutBlock(ctx context.Context, b *chain.Block) error
	GetTransactions(ctx context.Context, hashes []common.Hash) ([]*chain.Transaction, error)
	PutTransactions(ctx context.Context, txs []*chain.Transaction) error
}

type Strategy string

const (
	StrategyNone    Strategy = "none"
	StrategyGenesis Strategy = "genesis"
	StrategyCatchUp Strategy = "catch_up"
	StrategyRebuild Strategy = "rebuild"
)

// Report describes one reconciliation tick.
type Report struct {
	Strategy Strategy
	Local    int64
	Network  int64
	// Applied counts blocks written locally or republished.
	Applied int
	Err     error
}

// Reconciler brings the local chain height in line with the network's.
type Reconciler struct {
	Local    LocalChain
	Accounts AccountState
	Exec     *execution.Executor
	Network  NetworkIndex
	Genesis  GenesisSpec
	// Pool, when set, drops the transactions of every block applied here.
	Pool TxPool
	// Writer is held while a block executes and persists. Every component
	// that moves the tip must share it.
	Writer sync.Locker

	// Mode decides what a node with local blocks does on a network without
	// height information.
	Mode          string
	Interval      time.Duration
	HeightTimeout time.Duration

	// VerifyBlock, when set, must accept every block fetched during catch-up.
	VerifyBlock func(*chain.Block) bool

	Clock  util.Clock
	Logger *zap.SugaredLogger

	synced atomic.Bool
	nudge  chan struct{}
}

func NewReconciler(local LocalChain, accounts AccountState, exec *execution.Executor, network NetworkIndex, genesis GenesisSpec, mode string) *Reconciler {
	return &Reconciler{
		Local: local, Accounts: accounts, Exec: exec, Network: network,
		Genesis: genesis, Mode: mode,
		Interval:      5 * time.Second,
		HeightTimeout: 2 * time.Second,
		Clock:         util.RealClock{},
		nudge:         make(chan struct{}, 1),
	}
}

// Synchronized reports whether the last tick left the local chain with a tip
// at or above the network height. It reads false while a tick is running a
// strategy.
func (r *Reconciler) Synchronized() bool { return r.synced.Load() }

// Nudge makes a running loop tick now instead of after the interval.
func (r *Reconciler) Nudge() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

// Run ticks until ctx ends. An unknown bootstrap mode stops it with an error.
func (r *Reconciler) Run(ctx context.Context) error {
	log := util.OrNop(r.Logger)
	for {
		rep := r.Tick(ctx)
		if errors.Is(rep.Err, params.ErrUnknownBootstrapMode) {
			log.Errorw("sync_stopped", "mode", r.Mode, "err", rep.Err)
			return rep.Err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.nudge:
		case <-r.Clock.After(r.Interval):
		}
	}
}

// Tick compares the local height L with the network height N and runs at
// most one strategy.
func (r *Reconciler) Tick(ctx context.Context) Report {
	log := util.OrNop(r.Logger)
	rep := Report{Strategy: StrategyNone, Local: r.localHeight(), Network: r.networkHeight(ctx)}
	l, n := rep.Local, rep.Network

	rep.Strategy, rep.Err = r.plan(l, n)
	if rep.Strategy != StrategyNone {
		r.synced.Store(false)
		switch rep.Strategy {
		case StrategyGenesis:
			rep.Applied, rep.Err = r.genesis(ctx)
		case StrategyCatchUp:
			rep.Applied, rep.Err = r.catchUp(ctx, l, n)
		case StrategyRebuild:
			rep.Applied, rep.Err = r.rebuild(ctx, l)
		}
	}

	if rep.Strategy != StrategyNone || rep.Err != nil {
		after := r.localHeight()
		if rep.Err != nil {
			log.Warnw("sync_tick_failed", "strategy", rep.Strategy, "local", l, "network", n, "applied", rep.Applied, "err", rep.Err)
		} else {
			log.Infow("sync_tick", "strategy", rep.Strategy, "local", l, "network", n, "local_after", after, "applied", rep.Applied)
		}
	}
	r.synced.Store(rep.Err == nil && r.Local.Tip() != nil && r.localHeight() >= n)
	return rep
}

// plan picks the strategy for local height l and network height n.
func (r *Reconciler) plan(l, n int64) (Strategy, error) {
	switch {
	case l < 0 && n < 0:
		return StrategyGenesis, nil
	case n >= 0 && l < n:
		return StrategyCatchUp, nil
	case l >= 0 && n < 0:
		switch r.Mode {
		case params.BootstrapRebuildFromDisk:
			return StrategyRebuild, nil
		case params.BootstrapStartFromScratch:
			return StrategyGenesis, nil
		default:
			return StrategyNone, fmt.Errorf("%w: %q", params.ErrUnknownBootstrapMode, r.Mode)
		}
	}
	return StrategyNone, nil
}

func (r *Reconciler) localHeight() int64 {
	h, err := r.Local.MaxHeight()
	if err != nil {
		util.OrNop(r.Logger).Warnw("local_height_failed", "err", err)
		return -1
	}
	return h
}

// networkHeight is best effort: any failure reads as unknown.
func (r *Reconciler) networkHeight(ctx context.Context) int64 {
	ctx, cancel := r.heightContext(ctx)
	defer cancel()
	h, err := r.Network.MaxHeight(ctx)
	if err != nil {
		util.OrNop(r.Logger).Debugw("network_height_unknown", "err", err)
		return -1
	}
	return h
}

func (r *Reconciler) heightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.HeightTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.HeightTimeout)
}

// genesis creates the genesis block when the local chain is empty and records
// height 0 for the network. The block itself is not published.
func (r *Reconciler) genesis(ctx context.Context) (int, error) {
	applied := 0
	if r.Local.Tip() == nil {
		if err := r.appendGenesis(nil); err != nil {
			return 0, err
		}
		applied = 1
	}
	if err := r.Network.SetMaxHeight(ctx, 0); err != nil {
		return applied, fmt.Errorf("set network height: %w", err)
	}
	return applied, nil
}

// appendGenesis builds the genesis block from the local spec and commits it.
// When want is set the block must hash to it.
func (r *Reconciler) appendGenesis(want *common.Hash) error {
	unlock := r.lock()
	defer unlock()
	if r.Local.Tip() != nil {
		return nil
	}
	b, err := buildGenesis(r.Genesis, r.Local, r.Accounts, r.Exec)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}
	if want != nil && b.Hash() != *want {
		r.Accounts.Rollback()
		return fmt.Errorf("%w: network %s, local %s", ErrForeignGenesis, want.TerminalString(), b.Hash().TerminalString())
	}
	return r.commit(b)
}

// commit persists b with the journal; callers hold the writer lock.
func (r *Reconciler) commit(b *chain.Block) error {
	if err := r.Local.Commit(b, r.Accounts); err != nil {
		r.Accounts.Rollback()
		return err
	}
	if r.Pool != nil {
		r.Pool.Ack(b.TxHashes)
	}
	return nil
}

func (r *Reconciler) lock() func() {
	if r.Writer == nil {
		return func() {}
	}
	r.Writer.Lock()
	return r.Writer.Unlock
}

// catchUp applies heights l+1..n from the network, stopping at the first failure.
func (r *Reconciler) catchUp(ctx context.Context, l, n int64) (int, error) {
	applied := 0
	for h := l + 1; h <= n; h++ {
		if ctx.Err() != nil {
			return applied, ctx.Err()
		}
		if err := r.applyHeight(ctx, uint64(h)); err != nil {
			return applied, fmt.Errorf("height %d: %w", h, err)
		}
		applied++
	}
	return applied, nil
}

// applyHeight fetches, verifies and commits the block at height h. Height 0
// is never taken from the network: genesis is derived locally and the
// network's entry, if any, must match it.
func (r *Reconciler) applyHeight(ctx context.Context, h uint64) error {
	hash, ok, err := r.Network.BlockHashAtHeight(ctx, h)
	if err != nil {
		return err
	}
	if h == 0 {
		if ok {
			return r.appendGenesis(&hash)
		}
		return r.appendGenesis(nil)
	}
	if !ok {
		return fmt.Errorf("%w: no hash for height", ErrMissingBlock)
	}
	b, ok, err := r.Network.GetBlock(ctx, hash)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingBlock, hash.TerminalString())
	}
	if b.Hash() != hash || b.Nonce != h {
		return fmt.Errorf("%w: network returned a different block", ErrMissingBlock)
	}
	if r.VerifyBlock != nil && !r.VerifyBlock(b) {
		return fmt.Errorf("block %d failed verification", h)
	}
	txs, err := r.Network.GetTransactions(ctx, b.TxHashes)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if _, err := r.Local.PutTransaction(tx); err != nil {
			return err
		}
	}

	unlock := r.lock()
	defer unlock()
	if rep := r.Exec.ProcessBlock(b, r.Accounts, r.Local); !rep.OK {
		return rep.Error()
	}
	return r.commit(b)
}

// rebuild republishes local heights 1..l to a network that lost them.
func (r *Reconciler) rebuild(ctx context.Context, l int64) (int, error) {
	applied := 0
	for h := int64(1); h <= l; h++ {
		b, err := r.Local.BlockAtHeight(uint64(h))
		if err != nil {
			return applied, fmt.Errorf("height %d: %w", h, err)
		}
		txs, err := r.Local.GetTransactions(b.TxHashes)
		if err != nil {
			return applied, fmt.Errorf("height %d: %w", h, err)
		}
		if err := r.Network.PutTransactions(ctx, txs); err != nil {
			return applied, err
		}
		if err := r.Network.PutBlock(ctx, b); err != nil {
			return applied, err
		}
		if err := r.Network.SetBlockHashAtHeight(ctx, uint64(h), b.Hash()); err != nil {
			return applied, err
		}
		applied++
	}
	if err := r.Network.SetMaxHeight(ctx, l); err != nil {
		return applied, err
	}
	return applied, nil
}
